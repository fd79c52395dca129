package pggan

import (
	"errors"
	"testing"
)

func TestNewConvBlockRejectsUnknownActivation(t *testing.T) {
	_, err := newConvBlock(blockOptions{
		inChannels: 1, outChannels: 1, kernelSize: 3, padding: 1,
		wscaleGain: 1, activation: "sigmoid",
		inputHeight: 4, inputWidth: 4,
	})
	if !errors.Is(err, ErrInvalidActivation) {
		t.Fatalf("err = %v, want ErrInvalidActivation", err)
	}
}

func TestWScaleValue(t *testing.T) {
	b, err := newConvBlock(blockOptions{
		inChannels: 4, outChannels: 2, kernelSize: 3, padding: 1,
		wscaleGain: sqrt2, activation: "lrelu",
		inputHeight: 8, inputWidth: 8,
	})
	if err != nil {
		t.Fatal(err)
	}
	// fanIn = 4*3*3 = 36, so wscale = sqrt(2)/6.
	want := float32(sqrt2 / 6)
	if b.WScale != want {
		t.Fatalf("WScale = %v, want %v", b.WScale, want)
	}
}

func TestEffectiveDeconvKernelCornerSum(t *testing.T) {
	b, err := newConvBlock(blockOptions{
		inChannels: 1, outChannels: 1, kernelSize: 3, padding: 1,
		upsample: true, fusedScale: true,
		wscaleGain: 3, // fanIn = 9, so wscale = 1
		activation: "linear",
		inputHeight: 1, inputWidth: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	for i := range b.Weight {
		b.Weight[i] = 1
	}
	// Summing the four corner shifts of an all-ones 3x3 kernel gives the
	// overlap counts.
	want := []float32{
		1, 2, 2, 1,
		2, 4, 4, 2,
		2, 4, 4, 2,
		1, 2, 2, 1,
	}
	floatsNear(t, b.effectiveDeconvKernel(), want, 1e-6, "effective kernel")
}

func TestFusedBlockForwardOnePixel(t *testing.T) {
	b, err := newConvBlock(blockOptions{
		inChannels: 1, outChannels: 1, kernelSize: 3, padding: 1,
		upsample: true, fusedScale: true, pixelNorm: true,
		wscaleGain: 3,
		activation: "linear",
		inputHeight: 1, inputWidth: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	for i := range b.Weight {
		b.Weight[i] = 1
	}
	b.Bias[0] = 0.5

	// A 1x1 input only overlaps the central 2x2 of the effective 4x4
	// kernel, where every entry is 4. Each output pixel is 4*x + bias.
	// Pixel norm over a single channel rescales x=2 to 1.
	_, out := b.forward([]float32{2}, 1)
	floatsNear(t, out, []float32{4.5, 4.5, 4.5, 4.5}, 1e-4, "fused forward")
	if b.OutputHeight != 2 || b.OutputWidth != 2 {
		t.Fatalf("output size %dx%d, want 2x2", b.OutputHeight, b.OutputWidth)
	}
}

func TestBlockBackwardMatchesAdjoint(t *testing.T) {
	// With a linear activation and no pixel norm the block is a linear map,
	// so forward and backward must be exact adjoints.
	b, err := newConvBlock(blockOptions{
		inChannels: 2, outChannels: 3, kernelSize: 3, padding: 1,
		wscaleGain: sqrt2, activation: "linear",
		inputHeight: 4, inputWidth: 4,
	})
	if err != nil {
		t.Fatal(err)
	}
	for i := range b.Bias {
		b.Bias[i] = 0
	}

	input := make([]float32, 2*4*4)
	for i := range input {
		input[i] = float32(i%5) - 2
	}
	cache, out := b.forward(input, 1)

	gradOut := make([]float32, len(out))
	for i := range gradOut {
		gradOut[i] = float32(i%3) - 1
	}
	gradIn := b.backward(cache, gradOut, 1)
	adjointDot(t, input, out, gradOut, gradIn, "conv block")
}
