package invert

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"k8s.io/klog/v2"

	"github.com/openfluke/prism/latent"
)

// Configuration and runtime errors.
var (
	ErrUnknownInversionType = errors.New("invert: unknown inversion type")
	ErrUnknownInitType      = errors.New("invert: unknown init type")
	ErrInvalidIterations    = errors.New("invert: iterations must be non-negative")
	ErrInvalidLearningRate  = errors.New("invert: learning rate must be positive")
	ErrInitCount            = errors.New("invert: initial latent count mismatch")
	ErrNumericDivergence    = errors.New("invert: loss is not finite")
)

// GradientDescent inverts a generator by running a fixed number of
// optimization steps against a pluggable loss and optimizer.
type GradientDescent struct {
	Iterations   int
	LearningRate float32

	initType string
	opt      Optimizer
}

// New builds an inversion runner. inversionType selects the optimizer
// ("gd" for plain gradient descent, "adam" for Adam); initType selects
// the fallback latent initialization ("zero" or "normal") used when the
// generator does not carry its own and the caller provides none.
// Configuration errors surface here, before any optimization runs.
func New(inversionType string, iterations int, learningRate float32, initType string) (*GradientDescent, error) {
	if iterations < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidIterations, iterations)
	}
	if learningRate <= 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLearningRate, learningRate)
	}
	var opt Optimizer
	switch inversionType {
	case "gd":
		opt = SGD{}
	case "adam":
		opt = NewAdam()
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownInversionType, inversionType)
	}
	switch initType {
	case "zero", "normal":
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownInitType, initType)
	}
	return &GradientDescent{
		Iterations:   iterations,
		LearningRate: learningRate,
		initType:     initType,
		opt:          opt,
	}, nil
}

// Optimizer exposes the configured update rule.
func (gd *GradientDescent) Optimizer() Optimizer { return gd.opt }

// Invert searches for latents whose generated image matches the target.
//
// target is the flat image tensor the generator's Forward produces for
// the given batch size. Optional init tensors seed the search; when
// provided their count must match the generator's declared latent
// shapes. The returned latents are the final values after all
// iterations. When recordHistory is set, the second return value holds
// a deep copy of the latents after every iteration, so callers can
// render the optimization trajectory; later iterations never alias
// earlier snapshots.
func (gd *GradientDescent) Invert(gen latent.DerivableGenerator, target []float32, loss Loss, batchSize int, recordHistory bool, init ...[]float32) ([][]float32, [][][]float32, error) {
	sizes := gen.InputSizes()
	if len(init) != 0 && len(init) != len(sizes) {
		return nil, nil, fmt.Errorf("%w: generator wants %d latent tensors, got %d", ErrInitCount, len(sizes), len(init))
	}

	latents, err := gd.initLatents(gen, sizes, batchSize, init)
	if err != nil {
		return nil, nil, err
	}

	gd.opt.Reset()
	var history [][][]float32
	for iter := 0; iter < gd.Iterations; iter++ {
		estimate, err := gen.Forward(latents, batchSize)
		if err != nil {
			return nil, nil, err
		}
		value, err := loss.Loss(estimate, target)
		if err != nil {
			return nil, nil, err
		}
		if math.IsNaN(float64(value)) || math.IsInf(float64(value), 0) {
			return nil, nil, fmt.Errorf("%w: %s=%v at iteration %d", ErrNumericDivergence, loss.Name(), value, iter)
		}
		klog.V(2).Infof("invert: iter %d/%d %s=%.6f", iter+1, gd.Iterations, loss.Name(), value)

		gradImage, err := loss.Gradient(estimate, target)
		if err != nil {
			return nil, nil, err
		}
		grads, err := gen.Backward(gradImage)
		if err != nil {
			return nil, nil, err
		}
		gd.opt.Step(latents, grads, gd.LearningRate)

		if recordHistory {
			history = append(history, deepCopy(latents))
		}
	}
	return latents, history, nil
}

// initLatents produces the starting latent tensors: caller-provided
// values win, then the generator's own initializer, then the configured
// fill strategy over the declared shapes.
func (gd *GradientDescent) initLatents(gen latent.DerivableGenerator, sizes [][]int, batchSize int, init [][]float32) ([][]float32, error) {
	if len(init) != 0 {
		latents := make([][]float32, len(init))
		for t, src := range init {
			want := batchSize * prod(sizes[t])
			if len(src) != want {
				return nil, fmt.Errorf("%w: latent %d wants %d values for batch %d, got %d", ErrInitCount, t, want, batchSize, len(src))
			}
			latents[t] = append([]float32(nil), src...)
		}
		return latents, nil
	}
	if ini, ok := gen.(latent.Initializer); ok {
		return ini.InitValues(batchSize), nil
	}
	latents := make([][]float32, len(sizes))
	for t, dims := range sizes {
		buf := make([]float32, batchSize*prod(dims))
		if gd.initType == "normal" {
			for i := range buf {
				buf[i] = float32(rand.NormFloat64())
			}
		}
		latents[t] = buf
	}
	return latents, nil
}

func prod(dims []int) int {
	n := 1
	for _, d := range dims {
		n *= d
	}
	return n
}

func deepCopy(latents [][]float32) [][]float32 {
	out := make([][]float32, len(latents))
	for t, l := range latents {
		out[t] = append([]float32(nil), l...)
	}
	return out
}
