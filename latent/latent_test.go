package latent

import (
	"errors"
	"math"
	"testing"

	"github.com/openfluke/prism/pggan"
)

// smallGenerator builds a tiny 8x8 network for fast end-to-end passes.
func smallGenerator(t *testing.T) *pggan.Generator {
	t.Helper()
	g, err := pggan.NewGenerator(pggan.Config{Resolution: 8, ZDim: 8, FmapsBase: 64, FmapsMax: 16})
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func TestNewDerivableUnknownType(t *testing.T) {
	_, err := NewDerivable("pggan-celebahq", "stylegan-w", Config{})
	if !errors.Is(err, ErrUnknownGeneratorType) {
		t.Fatalf("err = %v, want ErrUnknownGeneratorType", err)
	}
}

func TestModelConfigResolution(t *testing.T) {
	if got := modelConfig("pggan-celebahq", Config{}).Resolution; got != 1024 {
		t.Errorf("celebahq resolution = %d, want 1024", got)
	}
	if got := modelConfig("pggan-bedroom", Config{}).Resolution; got != 256 {
		t.Errorf("bedroom resolution = %d, want 256", got)
	}
}

func TestSingleCodePassThrough(t *testing.T) {
	gen := smallGenerator(t)
	single := &SingleCode{gen: gen}

	sizes := single.InputSizes()
	if len(sizes) != 1 || len(sizes[0]) != 1 || sizes[0][0] != 8 {
		t.Fatalf("InputSizes = %v, want [[8]]", sizes)
	}

	z := make([]float32, 8)
	for i := range z {
		z[i] = float32(i) * 0.5
	}
	viaWrapper, err := single.Forward([][]float32{z}, 1)
	if err != nil {
		t.Fatal(err)
	}
	direct, err := gen.Forward(z, 1)
	if err != nil {
		t.Fatal(err)
	}
	for i := range direct {
		if viaWrapper[i] != direct[i] {
			t.Fatalf("wrapper output diverges from generator at %d", i)
		}
	}

	gradImage := make([]float32, len(direct))
	for i := range gradImage {
		gradImage[i] = 0.1
	}
	grads, err := single.Backward(gradImage)
	if err != nil {
		t.Fatal(err)
	}
	if len(grads) != 1 || len(grads[0]) != len(z) {
		t.Fatalf("backward returned %d tensors of len %d", len(grads), len(grads[0]))
	}
}

func TestSingleCodeLatentCount(t *testing.T) {
	single := &SingleCode{gen: smallGenerator(t)}
	_, err := single.Forward([][]float32{{1}, {2}}, 1)
	if !errors.Is(err, ErrLatentCount) {
		t.Fatalf("err = %v, want ErrLatentCount", err)
	}
}

func TestFuseFeatureMaps(t *testing.T) {
	// Two codes, two channels, one spatial location.
	features := [][]float32{
		{1, 2},
		{3, 4},
	}
	alpha := []float32{1, 0.5, 2, 0.25}
	fused := fuseFeatureMaps(features, alpha, 1, 2, 2, 1)
	want := []float32{3.5, 1}
	for i := range want {
		if math.Abs(float64(fused[i]-want[i])) > 1e-6 {
			t.Fatalf("fused[%d] = %v, want %v", i, fused[i], want[i])
		}
	}
}

func TestFuseFeatureMapsEqualWeightsIsMean(t *testing.T) {
	features := [][]float32{
		{2, 4, 6, 8},
		{4, 8, 12, 16},
		{6, 12, 18, 24},
	}
	alpha := make([]float32, 3*2) // 3 codes, 2 channels, all weight 1
	for i := range alpha {
		alpha[i] = 1
	}
	fused := fuseFeatureMaps(features, alpha, 1, 3, 2, 2)
	want := []float32{4, 8, 12, 16}
	for i := range want {
		if math.Abs(float64(fused[i]-want[i])) > 1e-5 {
			t.Fatalf("fused[%d] = %v, want %v", i, fused[i], want[i])
		}
	}
}

func newSmallMultiCode(t *testing.T, zNumber int) *MultiCode {
	t.Helper()
	gen := smallGenerator(t)
	shape := gen.Topology()[2]
	return &MultiCode{
		gen:           gen,
		blendingLayer: 2,
		zNumber:       zNumber,
		zDim:          gen.ZDim(),
		layerChannels: shape.Channels,
		maskHeight:    shape.Height,
		maskWidth:     shape.Width,
	}
}

func TestMultiCodeInputSizes(t *testing.T) {
	m := newSmallMultiCode(t, 3)
	sizes := m.InputSizes()
	if len(sizes) != 2 {
		t.Fatalf("got %d latent shapes, want 2", len(sizes))
	}
	if sizes[0][0] != 3 || sizes[0][1] != 8 {
		t.Errorf("code shape = %v, want [3 8]", sizes[0])
	}
	if sizes[1][0] != 3 || sizes[1][1] != 16 {
		t.Errorf("importance shape = %v, want [3 16]", sizes[1])
	}
}

func TestMultiCodeInitValues(t *testing.T) {
	m := newSmallMultiCode(t, 4)
	vals := m.InitValues(2)
	if len(vals) != 2 {
		t.Fatalf("got %d tensors, want 2", len(vals))
	}
	if len(vals[0]) != 2*4*8 {
		t.Errorf("code tensor length %d, want %d", len(vals[0]), 2*4*8)
	}
	if len(vals[1]) != 2*4*16 {
		t.Errorf("importance tensor length %d, want %d", len(vals[1]), 2*4*16)
	}
	for i, a := range vals[1] {
		if a != 0.25 {
			t.Fatalf("importance[%d] = %v, want 0.25", i, a)
		}
	}
}

func TestMultiCodeForwardBackwardShapes(t *testing.T) {
	m := newSmallMultiCode(t, 3)
	latents := m.InitValues(1)
	image, err := m.Forward(latents, 1)
	if err != nil {
		t.Fatal(err)
	}
	if want := 3 * 8 * 8; len(image) != want {
		t.Fatalf("image length %d, want %d", len(image), want)
	}

	gradImage := make([]float32, len(image))
	for i := range gradImage {
		gradImage[i] = 1
	}
	grads, err := m.Backward(gradImage)
	if err != nil {
		t.Fatal(err)
	}
	if len(grads) != 2 {
		t.Fatalf("got %d gradient tensors, want 2", len(grads))
	}
	if len(grads[0]) != len(latents[0]) || len(grads[1]) != len(latents[1]) {
		t.Fatalf("gradient lengths %d/%d, want %d/%d",
			len(grads[0]), len(grads[1]), len(latents[0]), len(latents[1]))
	}
}

func TestMultiCodeBackwardGradientsWithDistinctCodes(t *testing.T) {
	// Each code's gradient must be linearized at that code's own
	// pre-stage activations, not another code's. Rebuild the same pass
	// with one fresh buffer per code and compare both gradient tensors.
	m := newSmallMultiCode(t, 2)
	gen := m.gen
	channels, plane := m.layerChannels, m.maskHeight*m.maskWidth

	z := make([]float32, 2*8)
	for i := range z {
		z[i] = float32((i*7)%11) - 5
	}
	alpha := make([]float32, 2*channels)
	for i := range alpha {
		alpha[i] = 0.25 + float32(i%4)*0.25
	}

	image, err := m.Forward([][]float32{z, alpha}, 1)
	if err != nil {
		t.Fatal(err)
	}
	gradImage := make([]float32, len(image))
	for i := range gradImage {
		gradImage[i] = 1
	}
	grads, err := m.Backward(gradImage)
	if err != nil {
		t.Fatal(err)
	}

	// Reference pass: isolated buffers, same arithmetic.
	features := make([][]float32, 2)
	caches := make([]*pggan.StageCache, 2)
	for j := 0; j < 2; j++ {
		code := append([]float32(nil), z[j*8:(j+1)*8]...)
		feat, cache, err := gen.RunBlocks(0, m.blendingLayer, code, 1)
		if err != nil {
			t.Fatal(err)
		}
		features[j] = feat
		caches[j] = cache
	}
	fused := fuseFeatureMaps(features, alpha, 1, 2, channels, plane)
	refImage, tail, err := gen.RunTail(m.blendingLayer, fused, 1)
	if err != nil {
		t.Fatal(err)
	}
	for i := range refImage {
		if refImage[i] != image[i] {
			t.Fatalf("reference forward diverges at %d: %v vs %v", i, refImage[i], image[i])
		}
	}
	gradFused, err := gen.BackwardTail(tail, gradImage)
	if err != nil {
		t.Fatal(err)
	}

	for j := 0; j < 2; j++ {
		gradFeat := make([]float32, channels*plane)
		for c := 0; c < channels; c++ {
			a := alpha[j*channels+c] / 2
			wantAlpha := float32(0)
			for p := 0; p < plane; p++ {
				gradFeat[c*plane+p] = gradFused[c*plane+p] * a
				wantAlpha += gradFused[c*plane+p] * features[j][c*plane+p]
			}
			wantAlpha /= 2
			got := grads[1][j*channels+c]
			if math.Abs(float64(got-wantAlpha)) > 1e-4*(1+math.Abs(float64(wantAlpha))) {
				t.Errorf("alpha grad code %d channel %d: got %v, want %v", j, c, got, wantAlpha)
			}
		}
		wantZ, err := gen.BackwardBlocks(caches[j], gradFeat)
		if err != nil {
			t.Fatal(err)
		}
		for i := range wantZ {
			got := grads[0][j*8+i]
			if math.Abs(float64(got-wantZ[i])) > 1e-4*(1+math.Abs(float64(wantZ[i]))) {
				t.Errorf("z grad code %d element %d: got %v, want %v", j, i, got, wantZ[i])
			}
		}
	}
}

func TestMultiCodeIdenticalCodesMatchSinglePath(t *testing.T) {
	// With every code identical and equal importance weights, the fused
	// feature map equals the single code's pre-stage output scaled by the
	// mean weight, so using weight 1 everywhere reproduces the plain
	// generator exactly.
	m := newSmallMultiCode(t, 3)

	z := make([]float32, 8)
	for i := range z {
		z[i] = float32(i+1) * 0.3
	}
	codes := make([]float32, 3*8)
	for j := 0; j < 3; j++ {
		copy(codes[j*8:], z)
	}
	alpha := make([]float32, 3*16)
	for i := range alpha {
		alpha[i] = 1
	}

	fused, err := m.Forward([][]float32{codes, alpha}, 1)
	if err != nil {
		t.Fatal(err)
	}
	direct, err := m.gen.Forward(z, 1)
	if err != nil {
		t.Fatal(err)
	}
	for i := range direct {
		if math.Abs(float64(fused[i]-direct[i])) > 1e-4 {
			t.Fatalf("output %d: multi %v vs single %v", i, fused[i], direct[i])
		}
	}
}

func TestMultiCodeLatentCount(t *testing.T) {
	m := newSmallMultiCode(t, 2)
	_, err := m.Forward([][]float32{make([]float32, 16)}, 1)
	if !errors.Is(err, ErrLatentCount) {
		t.Fatalf("err = %v, want ErrLatentCount", err)
	}
}

func TestMultiCodeBackwardBeforeForward(t *testing.T) {
	m := newSmallMultiCode(t, 2)
	_, err := m.Backward(make([]float32, 3*8*8))
	if !errors.Is(err, pggan.ErrNoForward) {
		t.Fatalf("err = %v, want ErrNoForward", err)
	}
}

func TestNewMultiCodeValidation(t *testing.T) {
	_, err := NewMultiCode("pggan-bedroom", Config{BlendingLayer: 99, ZNumber: 2})
	if !errors.Is(err, ErrInvalidBlendingLayer) {
		t.Fatalf("layer 99: err = %v, want ErrInvalidBlendingLayer", err)
	}
	_, err = NewMultiCode("pggan-bedroom", Config{BlendingLayer: 6, ZNumber: -1})
	if !errors.Is(err, ErrInvalidZNumber) {
		t.Fatalf("zNumber -1: err = %v, want ErrInvalidZNumber", err)
	}
}

func TestInversionLoopReducesLoss(t *testing.T) {
	// A miniature inversion by hand: gradient descent on the latent of a
	// frozen random network should reduce the reconstruction error against
	// an image the network itself produced.
	gen := smallGenerator(t)
	single := &SingleCode{gen: gen}

	zTrue := make([]float32, 8)
	for i := range zTrue {
		zTrue[i] = float32(i%3) - 1
	}
	target, err := gen.Forward(zTrue, 1)
	if err != nil {
		t.Fatal(err)
	}
	target = append([]float32(nil), target...)

	z := make([]float32, 8)
	mse := func(img []float32) float64 {
		sum := float64(0)
		for i := range img {
			d := float64(img[i] - target[i])
			sum += d * d
		}
		return sum / float64(len(img))
	}

	var first, last float64
	const lr = 0.01
	for iter := 0; iter < 40; iter++ {
		img, err := single.Forward([][]float32{z}, 1)
		if err != nil {
			t.Fatal(err)
		}
		loss := mse(img)
		if iter == 0 {
			first = loss
		}
		last = loss

		gradImage := make([]float32, len(img))
		scale := 2 / float32(len(img))
		for i := range img {
			gradImage[i] = scale * (img[i] - target[i])
		}
		grads, err := single.Backward(gradImage)
		if err != nil {
			t.Fatal(err)
		}
		for i := range z {
			z[i] -= lr * grads[0][i]
		}
	}
	if last >= first {
		t.Fatalf("loss did not decrease: first %v, last %v", first, last)
	}
}
