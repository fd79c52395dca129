// Package latent adapts the frozen generator into a differentiable
// function of one or several latent tensors, the form the inversion
// optimizer works against.
//
// Two variants exist. The single-code wrapper feeds one latent vector
// straight through the generator. The multi-code wrapper splits the
// generator at a blending layer, runs several codes through the pre-stage,
// fuses their feature maps under learned per-channel importance weights,
// and finishes the forward pass on the fused map.
package latent

import (
	"errors"
	"fmt"

	"github.com/openfluke/prism/pggan"
)

// DerivableGenerator presents a frozen generator as a differentiable
// function latents -> image. InputSizes declares the exact ordered latent
// shapes (excluding the batch dimension) consumed positionally by Forward,
// so callers can allocate and initialize tensors without knowing the
// variant. Backward returns the gradient for each latent of the most
// recent Forward call, in the same order.
type DerivableGenerator interface {
	InputSizes() [][]int
	Forward(latents [][]float32, batchSize int) ([]float32, error)
	Backward(gradImage []float32) ([][]float32, error)
}

// Initializer is implemented by generators that carry their own
// randomized latent initialization.
type Initializer interface {
	InitValues(batchSize int) [][]float32
}

// Config bundles the recognized wrapper options.
type Config struct {
	BlendingLayer int  // block index the multi-code variant splits at
	ZNumber       int  // number of latent codes for the multi-code variant
	FusedScale    bool // build the generator with fused upsample convolutions
}

// ErrUnknownGeneratorType is returned for an unrecognized generator type
// selector.
var ErrUnknownGeneratorType = errors.New("latent: unknown generator type")

// ErrLatentCount is returned when Forward receives the wrong number of
// latent tensors for the variant.
var ErrLatentCount = errors.New("latent: latent tensor count mismatch")

// NewDerivable constructs the wrapper selected by generatorType around the
// named pretrained model.
//
// Recognized types: "pggan-z" (single latent code) and "pggan-multi-z"
// (multiple latent codes with channel importance weights).
func NewDerivable(modelName, generatorType string, cfg Config) (DerivableGenerator, error) {
	switch generatorType {
	case "pggan-z":
		return NewSingleCode(modelName, cfg)
	case "pggan-multi-z":
		return NewMultiCode(modelName, cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownGeneratorType, generatorType)
	}
}

// modelConfig maps a pretrained model name to its generator topology.
// The CelebA-HQ model was trained to 1024x1024; the other published
// checkpoints stop at 256x256.
func modelConfig(modelName string, cfg Config) pggan.Config {
	res := 256
	if modelName == "pggan-celebahq" {
		res = 1024
	}
	return pggan.Config{Resolution: res, FusedScale: cfg.FusedScale}
}
