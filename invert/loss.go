// Package invert recovers latent codes for a target image by iterative
// gradient descent through a frozen derivable generator.
package invert

import "fmt"

// Loss scores a generated image against the target and produces the
// gradient of that score with respect to the generated image. Both
// tensors are flat and must have equal length.
type Loss interface {
	Loss(estimate, target []float32) (float32, error)
	Gradient(estimate, target []float32) ([]float32, error)
	Name() string
}

// MSELoss is the mean squared error over all image values.
type MSELoss struct{}

// Name identifies the loss in logs.
func (MSELoss) Name() string { return "mse" }

// Loss returns sum((estimate-target)^2) / n.
func (MSELoss) Loss(estimate, target []float32) (float32, error) {
	if len(estimate) != len(target) {
		return 0, fmt.Errorf("invert: loss shape mismatch: estimate %d vs target %d", len(estimate), len(target))
	}
	sum := float64(0)
	for i := range estimate {
		d := float64(estimate[i] - target[i])
		sum += d * d
	}
	return float32(sum / float64(len(estimate))), nil
}

// Gradient returns 2*(estimate-target)/n, the derivative of Loss with
// respect to the estimate.
func (MSELoss) Gradient(estimate, target []float32) ([]float32, error) {
	if len(estimate) != len(target) {
		return nil, fmt.Errorf("invert: loss shape mismatch: estimate %d vs target %d", len(estimate), len(target))
	}
	scale := 2 / float32(len(estimate))
	grad := make([]float32, len(estimate))
	for i := range estimate {
		grad[i] = scale * (estimate[i] - target[i])
	}
	return grad, nil
}
