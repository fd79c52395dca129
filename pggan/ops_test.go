package pggan

import (
	"math"
	"math/rand"
	"testing"
)

func floatsNear(t *testing.T, got, want []float32, tol float64, label string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("%s: length %d, want %d", label, len(got), len(want))
	}
	for i := range got {
		if math.Abs(float64(got[i]-want[i])) > tol {
			t.Fatalf("%s: index %d: got %v, want %v", label, i, got[i], want[i])
		}
	}
}

func TestActivations(t *testing.T) {
	cases := []struct {
		act      ActivationType
		in, out  float32
		gradient float32
	}{
		{ActivationLinear, -3, -3, 1},
		{ActivationLinear, 2, 2, 1},
		{ActivationLeakyReLU, 2, 2, 1},
		{ActivationLeakyReLU, -2, -0.4, 0.2},
		{ActivationClampedTanh, 0.5, 0.5, 1},
		{ActivationClampedTanh, 1.5, 1, 0},
		{ActivationClampedTanh, -1.5, -1, 0},
	}
	for _, c := range cases {
		if got := activateCPU(c.in, c.act); math.Abs(float64(got-c.out)) > 1e-6 {
			t.Errorf("activate(%v, %d) = %v, want %v", c.in, c.act, got, c.out)
		}
		if got := activateDerivativeCPU(c.in, c.act); math.Abs(float64(got-c.gradient)) > 1e-6 {
			t.Errorf("activateDerivative(%v, %d) = %v, want %v", c.in, c.act, got, c.gradient)
		}
	}
}

func TestPixelNormForward(t *testing.T) {
	// Two channels with values [3, 4] at one location: rms = sqrt(12.5).
	input := []float32{3, 4}
	out := pixelNormForwardCPU(input, 1, 2, 1, 1)
	inv := 1 / math.Sqrt(12.5)
	floatsNear(t, out, []float32{float32(3 * inv), float32(4 * inv)}, 1e-6, "pixelnorm")
}

func TestPixelNormBackward(t *testing.T) {
	// x = [1, 1], gradOut = [1, 0]: s = 1, dot = 1,
	// gradIn_c = gradOut_c - x_c * dot / (C * s^3) = [0.5, -0.5].
	input := []float32{1, 1}
	gradOut := []float32{1, 0}
	got := pixelNormBackwardCPU(gradOut, input, 1, 2, 1, 1)
	floatsNear(t, got, []float32{0.5, -0.5}, 1e-5, "pixelnorm backward")
}

func TestPixelNormBackwardOrthogonality(t *testing.T) {
	// The normalized vector has fixed magnitude, so the input gradient is
	// orthogonal to the input at every location.
	rng := rand.New(rand.NewSource(7))
	const channels, plane = 8, 6
	input := make([]float32, channels*plane)
	gradOut := make([]float32, channels*plane)
	for i := range input {
		input[i] = float32(rng.NormFloat64())
		gradOut[i] = float32(rng.NormFloat64())
	}
	gradIn := pixelNormBackwardCPU(gradOut, input, 1, channels, 2, 3)
	for p := 0; p < plane; p++ {
		dot := float64(0)
		for c := 0; c < channels; c++ {
			dot += float64(gradIn[c*plane+p]) * float64(input[c*plane+p])
		}
		if math.Abs(dot) > 1e-4 {
			t.Errorf("location %d: grad not orthogonal to input, dot = %v", p, dot)
		}
	}
}

func TestUpsampleNearest(t *testing.T) {
	input := []float32{1, 2, 3, 4}
	out := upsampleNearestCPU(input, 1, 1, 2, 2)
	want := []float32{
		1, 1, 2, 2,
		1, 1, 2, 2,
		3, 3, 4, 4,
		3, 3, 4, 4,
	}
	floatsNear(t, out, want, 0, "upsample")
}

func TestUpsampleBackwardSumsGroups(t *testing.T) {
	gradOut := []float32{
		1, 2, 3, 4,
		5, 6, 7, 8,
		9, 10, 11, 12,
		13, 14, 15, 16,
	}
	got := upsampleNearestBackwardCPU(gradOut, 1, 1, 2, 2)
	floatsNear(t, got, []float32{14, 22, 46, 54}, 0, "upsample backward")
}

func TestConv2DIdentityKernel(t *testing.T) {
	// A 1x1 kernel of [1, -1] over two channels computes their difference.
	input := []float32{
		1, 2, 3, 4, // channel 0
		1, 1, 1, 1, // channel 1
	}
	kernel := []float32{1, -1}
	out := conv2DForwardCPU(input, kernel, 1, 2, 2, 2, 1, 1, 1, 0)
	floatsNear(t, out, []float32{0, 1, 2, 3}, 1e-6, "1x1 conv")
}

// adjointDot checks <gradOut, f(x)> == <fBack(gradOut), x>, which holds
// exactly for any linear operator and its input-gradient.
func adjointDot(t *testing.T, x, fx, gradOut, gradIn []float32, label string) {
	t.Helper()
	lhs, rhs := float64(0), float64(0)
	for i := range fx {
		lhs += float64(gradOut[i]) * float64(fx[i])
	}
	for i := range x {
		rhs += float64(gradIn[i]) * float64(x[i])
	}
	if math.Abs(lhs-rhs) > 1e-3*(1+math.Abs(lhs)) {
		t.Errorf("%s: adjoint mismatch: <g, f(x)> = %v but <f'(g), x> = %v", label, lhs, rhs)
	}
}

func TestConv2DBackwardIsAdjoint(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	const batch, inC, inH, inW, outC, k, pad = 2, 3, 5, 5, 4, 3, 1
	input := make([]float32, batch*inC*inH*inW)
	kernel := make([]float32, outC*inC*k*k)
	for i := range input {
		input[i] = float32(rng.NormFloat64())
	}
	for i := range kernel {
		kernel[i] = float32(rng.NormFloat64())
	}
	out := conv2DForwardCPU(input, kernel, batch, inC, inH, inW, outC, k, 1, pad)
	gradOut := make([]float32, len(out))
	for i := range gradOut {
		gradOut[i] = float32(rng.NormFloat64())
	}
	gradIn := conv2DBackwardInputCPU(gradOut, kernel, batch, inC, inH, inW, outC, k, 1, pad)
	adjointDot(t, input, out, gradOut, gradIn, "conv2d")
}

func TestDeconv2DBackwardIsAdjoint(t *testing.T) {
	rng := rand.New(rand.NewSource(13))
	const batch, inC, inH, inW, outC, k = 1, 2, 4, 4, 3, 4
	input := make([]float32, batch*inC*inH*inW)
	kernel := make([]float32, inC*outC*k*k)
	for i := range input {
		input[i] = float32(rng.NormFloat64())
	}
	for i := range kernel {
		kernel[i] = float32(rng.NormFloat64())
	}
	out := deconv2DForwardCPU(input, kernel, batch, inC, inH, inW, outC, k)
	if len(out) != batch*outC*inH*2*inW*2 {
		t.Fatalf("deconv output length %d, want %d", len(out), batch*outC*inH*2*inW*2)
	}
	gradOut := make([]float32, len(out))
	for i := range gradOut {
		gradOut[i] = float32(rng.NormFloat64())
	}
	gradIn := deconv2DBackwardInputCPU(gradOut, kernel, batch, inC, inH, inW, outC, k)
	adjointDot(t, input, out, gradOut, gradIn, "deconv2d")
}

func TestUpsampleBackwardIsAdjoint(t *testing.T) {
	rng := rand.New(rand.NewSource(17))
	const batch, ch, h, w = 2, 3, 4, 4
	input := make([]float32, batch*ch*h*w)
	for i := range input {
		input[i] = float32(rng.NormFloat64())
	}
	out := upsampleNearestCPU(input, batch, ch, h, w)
	gradOut := make([]float32, len(out))
	for i := range gradOut {
		gradOut[i] = float32(rng.NormFloat64())
	}
	gradIn := upsampleNearestBackwardCPU(gradOut, batch, ch, h, w)
	adjointDot(t, input, out, gradOut, gradIn, "upsample")
}
