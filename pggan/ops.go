package pggan

import (
	"math"
)

// activateCPU applies the activation function to a single value
func activateCPU(v float32, activation ActivationType) float32 {
	switch activation {
	case ActivationLeakyReLU:
		if v < 0 {
			v = v * leakySlope
		}
		return v
	case ActivationClampedTanh:
		if v > 1 {
			return 1
		}
		if v < -1 {
			return -1
		}
		return v
	default:
		return v
	}
}

// activateDerivativeCPU computes the activation derivative with respect to
// the pre-activation value
func activateDerivativeCPU(preActivation float32, activation ActivationType) float32 {
	switch activation {
	case ActivationLeakyReLU:
		if preActivation >= 0 {
			return 1.0
		}
		return leakySlope
	case ActivationClampedTanh:
		if preActivation > -1 && preActivation < 1 {
			return 1.0
		}
		return 0
	default:
		return 1.0
	}
}

// pixelNormForwardCPU divides each spatial location's channel vector by its
// root-mean-square magnitude plus a small stabilizing constant.
// input shape: [batch][channels][height][width] (flattened)
func pixelNormForwardCPU(input []float32, batchSize, channels, height, width int) []float32 {
	output := make([]float32, len(input))
	plane := height * width

	for b := 0; b < batchSize; b++ {
		base := b * channels * plane
		for p := 0; p < plane; p++ {
			meanSq := float64(0)
			for c := 0; c < channels; c++ {
				v := float64(input[base+c*plane+p])
				meanSq += v * v
			}
			meanSq /= float64(channels)
			inv := float32(1.0 / math.Sqrt(meanSq+pixelNormEpsilon))
			for c := 0; c < channels; c++ {
				idx := base + c*plane + p
				output[idx] = input[idx] * inv
			}
		}
	}
	return output
}

// pixelNormBackwardCPU propagates gradients through pixel normalization.
// With s = sqrt(mean(x^2) + eps) the per-location Jacobian gives
// gradIn_c = gradOut_c/s - x_c * sum_j(gradOut_j * x_j) / (C * s^3)
func pixelNormBackwardCPU(gradOutput, input []float32, batchSize, channels, height, width int) []float32 {
	gradInput := make([]float32, len(input))
	plane := height * width

	for b := 0; b < batchSize; b++ {
		base := b * channels * plane
		for p := 0; p < plane; p++ {
			meanSq := float64(0)
			dot := float64(0)
			for c := 0; c < channels; c++ {
				idx := base + c*plane + p
				x := float64(input[idx])
				meanSq += x * x
				dot += float64(gradOutput[idx]) * x
			}
			meanSq = meanSq/float64(channels) + pixelNormEpsilon
			s := math.Sqrt(meanSq)
			scale := dot / (float64(channels) * s * meanSq)
			for c := 0; c < channels; c++ {
				idx := base + c*plane + p
				gradInput[idx] = float32(float64(gradOutput[idx])/s - float64(input[idx])*scale)
			}
		}
	}
	return gradInput
}

// upsampleNearestCPU doubles the spatial resolution with nearest neighbor
// interpolation
func upsampleNearestCPU(input []float32, batchSize, channels, height, width int) []float32 {
	outH := height * 2
	outW := width * 2
	output := make([]float32, batchSize*channels*outH*outW)

	for bc := 0; bc < batchSize*channels; bc++ {
		inBase := bc * height * width
		outBase := bc * outH * outW
		for oh := 0; oh < outH; oh++ {
			for ow := 0; ow < outW; ow++ {
				output[outBase+oh*outW+ow] = input[inBase+(oh/2)*width+(ow/2)]
			}
		}
	}
	return output
}

// upsampleNearestBackwardCPU sums gradients over each 2x2 replication group.
// height/width are the input (pre-upsample) dimensions.
func upsampleNearestBackwardCPU(gradOutput []float32, batchSize, channels, height, width int) []float32 {
	outW := width * 2
	gradInput := make([]float32, batchSize*channels*height*width)

	for bc := 0; bc < batchSize*channels; bc++ {
		inBase := bc * height * width
		outBase := bc * outW * height * 2
		for ih := 0; ih < height; ih++ {
			for iw := 0; iw < width; iw++ {
				sum := float32(0)
				for dh := 0; dh < 2; dh++ {
					for dw := 0; dw < 2; dw++ {
						sum += gradOutput[outBase+(ih*2+dh)*outW+(iw*2+dw)]
					}
				}
				gradInput[inBase+ih*width+iw] = sum
			}
		}
	}
	return gradInput
}

// conv2DForwardCPU performs a bias-free 2D convolution.
// input shape: [batch][inChannels][height][width] (flattened)
// kernel shape: [outChannels][inChannels][kSize][kSize] (flattened)
func conv2DForwardCPU(input, kernel []float32, batchSize, inC, inH, inW, outC, kSize, stride, padding int) []float32 {
	outH := (inH+2*padding-kSize)/stride + 1
	outW := (inW+2*padding-kSize)/stride + 1
	output := make([]float32, batchSize*outC*outH*outW)

	for b := 0; b < batchSize; b++ {
		for f := 0; f < outC; f++ {
			for oh := 0; oh < outH; oh++ {
				for ow := 0; ow < outW; ow++ {
					sum := float32(0)
					for ic := 0; ic < inC; ic++ {
						for kh := 0; kh < kSize; kh++ {
							for kw := 0; kw < kSize; kw++ {
								ih := oh*stride + kh - padding
								iw := ow*stride + kw - padding
								if ih >= 0 && ih < inH && iw >= 0 && iw < inW {
									inputIdx := b*inC*inH*inW + ic*inH*inW + ih*inW + iw
									kernelIdx := f*inC*kSize*kSize + ic*kSize*kSize + kh*kSize + kw
									sum += input[inputIdx] * kernel[kernelIdx]
								}
							}
						}
					}
					output[b*outC*outH*outW+f*outH*outW+oh*outW+ow] = sum
				}
			}
		}
	}
	return output
}

// conv2DBackwardInputCPU computes the gradient of a bias-free convolution
// with respect to its input. Weight gradients are never needed: the
// generator is frozen.
func conv2DBackwardInputCPU(gradOutput, kernel []float32, batchSize, inC, inH, inW, outC, kSize, stride, padding int) []float32 {
	outH := (inH+2*padding-kSize)/stride + 1
	outW := (inW+2*padding-kSize)/stride + 1
	gradInput := make([]float32, batchSize*inC*inH*inW)

	for b := 0; b < batchSize; b++ {
		for f := 0; f < outC; f++ {
			for oh := 0; oh < outH; oh++ {
				for ow := 0; ow < outW; ow++ {
					gradOut := gradOutput[b*outC*outH*outW+f*outH*outW+oh*outW+ow]
					if gradOut == 0 {
						continue
					}
					for ic := 0; ic < inC; ic++ {
						for kh := 0; kh < kSize; kh++ {
							for kw := 0; kw < kSize; kw++ {
								ih := oh*stride + kh - padding
								iw := ow*stride + kw - padding
								if ih >= 0 && ih < inH && iw >= 0 && iw < inW {
									inputIdx := b*inC*inH*inW + ic*inH*inW + ih*inW + iw
									kernelIdx := f*inC*kSize*kSize + ic*kSize*kSize + kh*kSize + kw
									gradInput[inputIdx] += gradOut * kernel[kernelIdx]
								}
							}
						}
					}
				}
			}
		}
	}
	return gradInput
}

// deconv2DForwardCPU performs a fractionally-strided convolution with
// stride 2 and padding 1, the fused upsample+conv path.
// kernel shape: [inChannels][outChannels][kSize][kSize] (flattened)
// Output is exactly twice the input resolution for kSize=4.
func deconv2DForwardCPU(input, kernel []float32, batchSize, inC, inH, inW, outC, kSize int) []float32 {
	const stride, padding = 2, 1
	outH := (inH-1)*stride - 2*padding + kSize
	outW := (inW-1)*stride - 2*padding + kSize
	output := make([]float32, batchSize*outC*outH*outW)

	for b := 0; b < batchSize; b++ {
		for ic := 0; ic < inC; ic++ {
			for ih := 0; ih < inH; ih++ {
				for iw := 0; iw < inW; iw++ {
					v := input[b*inC*inH*inW+ic*inH*inW+ih*inW+iw]
					if v == 0 {
						continue
					}
					for oc := 0; oc < outC; oc++ {
						for kh := 0; kh < kSize; kh++ {
							for kw := 0; kw < kSize; kw++ {
								oh := ih*stride + kh - padding
								ow := iw*stride + kw - padding
								if oh >= 0 && oh < outH && ow >= 0 && ow < outW {
									kernelIdx := ic*outC*kSize*kSize + oc*kSize*kSize + kh*kSize + kw
									output[b*outC*outH*outW+oc*outH*outW+oh*outW+ow] += v * kernel[kernelIdx]
								}
							}
						}
					}
				}
			}
		}
	}
	return output
}

// deconv2DBackwardInputCPU computes the input gradient of the fused
// deconvolution, which is the matching ordinary convolution over the
// output gradient.
func deconv2DBackwardInputCPU(gradOutput, kernel []float32, batchSize, inC, inH, inW, outC, kSize int) []float32 {
	const stride, padding = 2, 1
	outH := (inH-1)*stride - 2*padding + kSize
	outW := (inW-1)*stride - 2*padding + kSize
	gradInput := make([]float32, batchSize*inC*inH*inW)

	for b := 0; b < batchSize; b++ {
		for ic := 0; ic < inC; ic++ {
			for ih := 0; ih < inH; ih++ {
				for iw := 0; iw < inW; iw++ {
					sum := float32(0)
					for oc := 0; oc < outC; oc++ {
						for kh := 0; kh < kSize; kh++ {
							for kw := 0; kw < kSize; kw++ {
								oh := ih*stride + kh - padding
								ow := iw*stride + kw - padding
								if oh >= 0 && oh < outH && ow >= 0 && ow < outW {
									kernelIdx := ic*outC*kSize*kSize + oc*kSize*kSize + kh*kSize + kw
									sum += gradOutput[b*outC*outH*outW+oc*outH*outW+oh*outW+ow] * kernel[kernelIdx]
								}
							}
						}
					}
					gradInput[b*inC*inH*inW+ic*inH*inW+ih*inW+iw] = sum
				}
			}
		}
	}
	return gradInput
}
