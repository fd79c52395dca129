package latent

import (
	"fmt"

	"github.com/openfluke/prism/pggan"
)

// SingleCode is the plain wrapper: one latent vector, fed to the generator
// unchanged.
type SingleCode struct {
	gen *pggan.Generator
}

// NewSingleCode builds the single-code wrapper for a named model.
func NewSingleCode(modelName string, cfg Config) (*SingleCode, error) {
	gen, err := pggan.NewGenerator(modelConfig(modelName, cfg))
	if err != nil {
		return nil, err
	}
	return &SingleCode{gen: gen}, nil
}

// Generator exposes the wrapped network, e.g. for device placement.
func (s *SingleCode) Generator() *pggan.Generator { return s.gen }

// InputSizes declares the single latent shape.
func (s *SingleCode) InputSizes() [][]int {
	return [][]int{{s.gen.ZDim()}}
}

// Forward feeds the sole latent tensor directly into the generator.
func (s *SingleCode) Forward(latents [][]float32, batchSize int) ([]float32, error) {
	if len(latents) != 1 {
		return nil, fmt.Errorf("%w: want 1, got %d", ErrLatentCount, len(latents))
	}
	return s.gen.Forward(latents[0], batchSize)
}

// Backward returns the latent gradient of the most recent Forward call.
func (s *SingleCode) Backward(gradImage []float32) ([][]float32, error) {
	grad, err := s.gen.Backward(gradImage)
	if err != nil {
		return nil, err
	}
	return [][]float32{grad}, nil
}
