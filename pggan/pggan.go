// Package pggan implements the progressive growing GAN generator used as
// the frozen synthesis network for latent-space inversion.
//
// The generator maps a flat latent vector to an RGB image through a fixed
// sequence of convolutional stages at doubling spatial resolution. Every
// stage runs, in order: pixel-wise feature normalization, optional nearest
// neighbor upsampling, a convolution (ordinary, or fused upsample+conv
// expressed as a deconvolution with an averaged padded kernel), a weight
// scale layer (fixed per-channel multiplier plus bias), and an activation.
// A 1x1 linear projection per resolution turns features into an image.
//
// All tensors are flat row-major []float32 slices in NCHW layout.
//
// Every layer has an explicit backward function that propagates gradients
// to its input. Generator weights are never updated here: inversion only
// needs gradients with respect to the latent input, so the backward pass
// skips weight and bias gradients entirely.
//
// Example usage:
//
//	gen, _ := pggan.NewGenerator(pggan.Config{Resolution: 256})
//	image, _ := gen.Forward(z, 1)
//	gradZ, _ := gen.Backward(gradImage)
package pggan
