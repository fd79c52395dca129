package latent

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/openfluke/prism/pggan"
)

// Configuration errors for the multi-code wrapper.
var (
	ErrInvalidBlendingLayer = errors.New("latent: blending layer out of range")
	ErrInvalidZNumber       = errors.New("latent: z number must be at least 1")
)

const (
	defaultBlendingLayer = 6
	defaultZNumber       = 30
)

// MultiCode inverts with a mixture of latent codes. The generator is
// partitioned at the blending layer into a pre-stage and a post-stage.
// Each code runs the pre-stage on its own; the resulting feature maps are
// weighted per channel by the code's importance slice, averaged, and
// pushed through the post-stage. Optimizing codes and importance weights
// together lets different codes specialize on different image regions.
type MultiCode struct {
	gen *pggan.Generator

	blendingLayer int
	zNumber       int
	zDim          int
	layerChannels int
	maskHeight    int
	maskWidth     int

	// Forward state consumed by Backward.
	fwd *multiForwardState
}

type multiForwardState struct {
	batch    int
	alpha    []float32 // copy of the importance weights at forward time
	features [][]float32
	caches   []*pggan.StageCache
	tail     *pggan.TailCache
}

// NewMultiCode builds the multi-code wrapper for a named model. Zero
// config fields fall back to the published defaults (split at block 6,
// 30 codes).
func NewMultiCode(modelName string, cfg Config) (*MultiCode, error) {
	if cfg.BlendingLayer == 0 {
		cfg.BlendingLayer = defaultBlendingLayer
	}
	if cfg.ZNumber == 0 {
		cfg.ZNumber = defaultZNumber
	}
	if cfg.ZNumber < 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidZNumber, cfg.ZNumber)
	}

	gen, err := pggan.NewGenerator(modelConfig(modelName, cfg))
	if err != nil {
		return nil, err
	}
	if cfg.BlendingLayer < 1 || cfg.BlendingLayer >= gen.NumBlocks() {
		return nil, fmt.Errorf("%w: %d (network has %d blocks)", ErrInvalidBlendingLayer, cfg.BlendingLayer, gen.NumBlocks())
	}

	// The topology entry at the split index is the feature map shape the
	// fusion operates on.
	shape := gen.Topology()[cfg.BlendingLayer]
	return &MultiCode{
		gen:           gen,
		blendingLayer: cfg.BlendingLayer,
		zNumber:       cfg.ZNumber,
		zDim:          gen.ZDim(),
		layerChannels: shape.Channels,
		maskHeight:    shape.Height,
		maskWidth:     shape.Width,
	}, nil
}

// Generator exposes the wrapped network, e.g. for device placement.
func (m *MultiCode) Generator() *pggan.Generator { return m.gen }

// ZNumber returns the number of latent codes.
func (m *MultiCode) ZNumber() int { return m.zNumber }

// LayerChannels returns the channel count at the blending layer.
func (m *MultiCode) LayerChannels() int { return m.layerChannels }

// MaskSize returns the spatial size of the fused feature map.
func (m *MultiCode) MaskSize() (int, int) { return m.maskHeight, m.maskWidth }

// InputSizes declares the two latent shapes: the codes and their
// per-channel importance weights.
func (m *MultiCode) InputSizes() [][]int {
	return [][]int{
		{m.zNumber, m.zDim},
		{m.zNumber, m.layerChannels},
	}
}

// InitValues samples the codes from a standard normal and fills the
// importance weights with the equal-contribution prior 1/zNumber.
func (m *MultiCode) InitValues(batchSize int) [][]float32 {
	z := make([]float32, batchSize*m.zNumber*m.zDim)
	for i := range z {
		z[i] = float32(rand.NormFloat64())
	}
	alpha := make([]float32, batchSize*m.zNumber*m.layerChannels)
	fill := 1 / float32(m.zNumber)
	for i := range alpha {
		alpha[i] = fill
	}
	return [][]float32{z, alpha}
}

// Forward fuses the per-code pre-stage feature maps and runs the
// post-stage on the mixture.
func (m *MultiCode) Forward(latents [][]float32, batchSize int) ([]float32, error) {
	if len(latents) != 2 {
		return nil, fmt.Errorf("%w: want 2, got %d", ErrLatentCount, len(latents))
	}
	z, alpha := latents[0], latents[1]
	if len(z) != batchSize*m.zNumber*m.zDim {
		return nil, fmt.Errorf("%w: want [batch, %d, %d] codes, got %d values",
			pggan.ErrShape, m.zNumber, m.zDim, len(z))
	}
	if len(alpha) != batchSize*m.zNumber*m.layerChannels {
		return nil, fmt.Errorf("%w: want [batch, %d, %d] importance weights, got %d values",
			pggan.ErrShape, m.zNumber, m.layerChannels, len(alpha))
	}

	state := &multiForwardState{batch: batchSize}
	state.alpha = make([]float32, len(alpha))
	copy(state.alpha, alpha)

	// Run each code through the pre-stage. Every code needs its own
	// buffer: the blocks cache their input by reference and the backward
	// pass reads it as the linearization point.
	for j := 0; j < m.zNumber; j++ {
		code := make([]float32, batchSize*m.zDim)
		for b := 0; b < batchSize; b++ {
			src := ((b*m.zNumber + j) * m.zDim)
			copy(code[b*m.zDim:(b+1)*m.zDim], z[src:src+m.zDim])
		}
		feat, cache, err := m.gen.RunBlocks(0, m.blendingLayer, code, batchSize)
		if err != nil {
			return nil, err
		}
		state.features = append(state.features, feat)
		state.caches = append(state.caches, cache)
	}

	fused := fuseFeatureMaps(state.features, alpha, batchSize, m.zNumber, m.layerChannels, m.maskHeight*m.maskWidth)

	image, tail, err := m.gen.RunTail(m.blendingLayer, fused, batchSize)
	if err != nil {
		return nil, err
	}
	state.tail = tail
	m.fwd = state
	return image, nil
}

// Backward propagates an image gradient into both latent tensors of the
// most recent Forward call.
func (m *MultiCode) Backward(gradImage []float32) ([][]float32, error) {
	if m.fwd == nil {
		return nil, pggan.ErrNoForward
	}
	state := m.fwd

	gradFused, err := m.gen.BackwardTail(state.tail, gradImage)
	if err != nil {
		return nil, err
	}

	batch := state.batch
	plane := m.maskHeight * m.maskWidth
	invN := 1 / float32(m.zNumber)

	gradZ := make([]float32, batch*m.zNumber*m.zDim)
	gradAlpha := make([]float32, batch*m.zNumber*m.layerChannels)

	gradFeat := make([]float32, batch*m.layerChannels*plane)
	for j := 0; j < m.zNumber; j++ {
		feat := state.features[j]
		for b := 0; b < batch; b++ {
			for c := 0; c < m.layerChannels; c++ {
				a := state.alpha[(b*m.zNumber+j)*m.layerChannels+c] * invN
				base := (b*m.layerChannels + c) * plane

				// dL/dalpha: the fused gradient correlated with this
				// code's feature map, summed over space.
				dot := float32(0)
				for p := 0; p < plane; p++ {
					gradFeat[base+p] = gradFused[base+p] * a
					dot += gradFused[base+p] * feat[base+p]
				}
				gradAlpha[(b*m.zNumber+j)*m.layerChannels+c] = dot * invN
			}
		}

		gradCode, err := m.gen.BackwardBlocks(state.caches[j], gradFeat)
		if err != nil {
			return nil, err
		}
		for b := 0; b < batch; b++ {
			dst := (b*m.zNumber + j) * m.zDim
			copy(gradZ[dst:dst+m.zDim], gradCode[b*m.zDim:(b+1)*m.zDim])
		}
	}

	return [][]float32{gradZ, gradAlpha}, nil
}

// fuseFeatureMaps weights each code's feature map by its per-channel
// importance slice and averages: sum_j(feat_j * alpha_j) / zNumber.
func fuseFeatureMaps(features [][]float32, alpha []float32, batchSize, zNumber, channels, plane int) []float32 {
	fused := make([]float32, batchSize*channels*plane)
	for j := 0; j < zNumber; j++ {
		feat := features[j]
		for b := 0; b < batchSize; b++ {
			for c := 0; c < channels; c++ {
				a := alpha[(b*zNumber+j)*channels+c]
				base := (b*channels + c) * plane
				for p := 0; p < plane; p++ {
					fused[base+p] += feat[base+p] * a
				}
			}
		}
	}
	invN := 1 / float32(zNumber)
	for i := range fused {
		fused[i] *= invN
	}
	return fused
}
