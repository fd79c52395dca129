package pggan

import (
	"fmt"
	"math"
	"math/rand"
)

// ConvBlock is one generator stage: pixel norm, optional upsampling, a
// convolution, a weight-scale layer and an activation.
//
// The weight-scale layer multiplies the convolution output by a constant
// (gain / sqrt(fanIn)) and adds a per-channel bias. The multiplier is fixed
// at construction; the bias belongs to the checkpoint.
type ConvBlock struct {
	InChannels  int
	OutChannels int
	KernelSize  int
	Stride      int
	Padding     int
	Upsample    bool
	FusedScale  bool
	PixelNorm   bool
	Activation  ActivationType

	// Weight layout matches the checkpoint format:
	// [out][in][k][k] for ordinary convolutions,
	// [k][k][in][out] for fused upsample convolutions.
	Weight []float32
	Bias   []float32 // [out], the weight-scale layer's trainable term

	WScale float32 // gain / sqrt(fanIn), fixed

	InputHeight  int
	InputWidth   int
	OutputHeight int
	OutputWidth  int

	// offload, when set, runs the ordinary convolution on an accelerator.
	// Anything that fails falls back to the CPU path.
	offload convOffloader
}

// convOffloader is the device-side convolution hook installed by InitGPU.
type convOffloader interface {
	Forward(input []float32) ([]float32, error)
	BackwardInput(gradOutput []float32) ([]float32, error)
}

// blockOptions collects the per-stage settings used by NewGenerator.
type blockOptions struct {
	inChannels  int
	outChannels int
	kernelSize  int
	padding     int
	upsample    bool
	fusedScale  bool
	pixelNorm   bool
	wscaleGain  float64
	activation  string
	inputHeight int
	inputWidth  int
}

// blockCache holds the per-block forward state the backward pass needs.
// Only two tensors are required: the pixel norm input and the
// pre-activation values. Convolution inputs are not cached because weight
// gradients are never computed.
type blockCache struct {
	input  []float32
	preAct []float32
}

func newConvBlock(opts blockOptions) (*ConvBlock, error) {
	b := &ConvBlock{
		InChannels:  opts.inChannels,
		OutChannels: opts.outChannels,
		KernelSize:  opts.kernelSize,
		Stride:      1,
		Padding:     opts.padding,
		Upsample:    opts.upsample,
		FusedScale:  opts.upsample && opts.fusedScale,
		PixelNorm:   opts.pixelNorm,
		InputHeight: opts.inputHeight,
		InputWidth:  opts.inputWidth,
	}

	switch opts.activation {
	case "linear":
		b.Activation = ActivationLinear
	case "lrelu":
		b.Activation = ActivationLeakyReLU
	case "tanh":
		b.Activation = ActivationClampedTanh
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidActivation, opts.activation)
	}

	fanIn := opts.inChannels * opts.kernelSize * opts.kernelSize
	b.WScale = float32(opts.wscaleGain / math.Sqrt(float64(fanIn)))

	k := opts.kernelSize
	total := opts.outChannels * opts.inChannels * k * k
	b.Weight = make([]float32, total)
	for i := range b.Weight {
		b.Weight[i] = float32(rand.NormFloat64())
	}
	b.Bias = make([]float32, opts.outChannels)

	if b.Upsample {
		b.OutputHeight = opts.inputHeight * 2
		b.OutputWidth = opts.inputWidth * 2
	} else {
		b.OutputHeight = (opts.inputHeight+2*opts.padding-k)/1 + 1
		b.OutputWidth = (opts.inputWidth+2*opts.padding-k)/1 + 1
	}
	return b, nil
}

// convInputSize returns the spatial size the convolution itself sees,
// accounting for the upsampling that precedes it.
func (b *ConvBlock) convInputSize() (int, int) {
	if b.Upsample && !b.FusedScale {
		return b.InputHeight * 2, b.InputWidth * 2
	}
	return b.InputHeight, b.InputWidth
}

// effectiveDeconvKernel builds the fused-scale kernel: the stored
// [k][k][in][out] weight is scaled, zero-padded by one on each spatial
// side, and the four corner-shifted copies are summed. The result is a
// [in][out][k+1][k+1] deconvolution kernel.
func (b *ConvBlock) effectiveDeconvKernel() []float32 {
	k := b.KernelSize
	ke := k + 1
	inC := b.InChannels
	outC := b.OutChannels
	kernel := make([]float32, inC*outC*ke*ke)

	at := func(kh, kw, ic, oc int) float32 {
		if kh < 0 || kh >= k || kw < 0 || kw >= k {
			return 0
		}
		return b.Weight[((kh*k+kw)*inC+ic)*outC+oc] * b.WScale
	}

	for ic := 0; ic < inC; ic++ {
		for oc := 0; oc < outC; oc++ {
			for kh := 0; kh < ke; kh++ {
				for kw := 0; kw < ke; kw++ {
					sum := at(kh, kw, ic, oc) + at(kh-1, kw, ic, oc) +
						at(kh, kw-1, ic, oc) + at(kh-1, kw-1, ic, oc)
					kernel[((ic*outC+oc)*ke+kh)*ke+kw] = sum
				}
			}
		}
	}
	return kernel
}

// forward runs the block and returns its cache and output.
func (b *ConvBlock) forward(input []float32, batchSize int) (blockCache, []float32) {
	cache := blockCache{input: input}

	x := input
	if b.PixelNorm {
		x = pixelNormForwardCPU(x, batchSize, b.InChannels, b.InputHeight, b.InputWidth)
	}

	var y []float32
	if b.FusedScale {
		// The kernel already carries the weight scale, so only the bias
		// remains from the weight-scale layer.
		kernel := b.effectiveDeconvKernel()
		y = deconv2DForwardCPU(x, kernel, batchSize, b.InChannels, b.InputHeight, b.InputWidth, b.OutChannels, b.KernelSize+1)
		b.addBias(y, batchSize, 1)
	} else {
		if b.Upsample {
			x = upsampleNearestCPU(x, batchSize, b.InChannels, b.InputHeight, b.InputWidth)
		}
		y = b.conv(x, batchSize)
		b.addBias(y, batchSize, b.WScale)
	}

	cache.preAct = y
	out := make([]float32, len(y))
	for i, v := range y {
		out[i] = activateCPU(v, b.Activation)
	}
	return cache, out
}

// conv runs the ordinary convolution, on the accelerator when an offload
// hook is installed and accepts the tensor, on CPU otherwise.
func (b *ConvBlock) conv(x []float32, batchSize int) []float32 {
	if b.offload != nil {
		if y, err := b.offload.Forward(x); err == nil {
			return y
		}
	}
	convH, convW := b.convInputSize()
	return conv2DForwardCPU(x, b.Weight, batchSize, b.InChannels, convH, convW, b.OutChannels, b.KernelSize, b.Stride, b.Padding)
}

// convBackwardInput mirrors conv for the input-gradient direction.
func (b *ConvBlock) convBackwardInput(gradPre []float32, batchSize int) []float32 {
	if b.offload != nil {
		if g, err := b.offload.BackwardInput(gradPre); err == nil {
			return g
		}
	}
	convH, convW := b.convInputSize()
	return conv2DBackwardInputCPU(gradPre, b.Weight, batchSize, b.InChannels, convH, convW, b.OutChannels, b.KernelSize, b.Stride, b.Padding)
}

// backward propagates an output gradient to the block input.
func (b *ConvBlock) backward(cache blockCache, gradOutput []float32, batchSize int) []float32 {
	gradPre := make([]float32, len(gradOutput))
	for i, g := range gradOutput {
		gradPre[i] = g * activateDerivativeCPU(cache.preAct[i], b.Activation)
	}

	var gradIn []float32
	if b.FusedScale {
		kernel := b.effectiveDeconvKernel()
		gradIn = deconv2DBackwardInputCPU(gradPre, kernel, batchSize, b.InChannels, b.InputHeight, b.InputWidth, b.OutChannels, b.KernelSize+1)
	} else {
		for i := range gradPre {
			gradPre[i] *= b.WScale
		}
		gradIn = b.convBackwardInput(gradPre, batchSize)
		if b.Upsample {
			gradIn = upsampleNearestBackwardCPU(gradIn, batchSize, b.InChannels, b.InputHeight, b.InputWidth)
		}
	}

	if b.PixelNorm {
		gradIn = pixelNormBackwardCPU(gradIn, cache.input, batchSize, b.InChannels, b.InputHeight, b.InputWidth)
	}
	return gradIn
}

// addBias applies the weight-scale layer in place: y = y*scale + bias.
func (b *ConvBlock) addBias(y []float32, batchSize int, scale float32) {
	plane := b.OutputHeight * b.OutputWidth
	for bi := 0; bi < batchSize; bi++ {
		for oc := 0; oc < b.OutChannels; oc++ {
			base := (bi*b.OutChannels + oc) * plane
			bias := b.Bias[oc]
			for p := 0; p < plane; p++ {
				y[base+p] = y[base+p]*scale + bias
			}
		}
	}
}
