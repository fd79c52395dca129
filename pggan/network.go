package pggan

import (
	"fmt"
)

// Generator is the frozen progressive generator network.
//
// Stages are held as an explicit ordered block list (two conv blocks per
// resolution) with a parallel list of 1x1 to-image projections, so that
// splitting the network for multi-code fusion is plain slice indexing.
type Generator struct {
	cfg          Config
	finalResLog2 int

	blocks []*ConvBlock // two per resolution, in execution order
	toRGB  []*ConvBlock // one per resolution, linear 1x1 projection

	// lod is the level-of-detail scalar in checkpoint-addressable form.
	lod []float32

	varMapping map[string]string

	fwd    *forwardState
	device *deviceState
}

// forwardState is the cache a full forward pass leaves behind for Backward.
type forwardState struct {
	batch     int
	caches    []blockCache
	rgbCache  blockCache
	lastStage int
}

// StageCache holds forward state for a contiguous block range, used by the
// multi-code wrapper to backpropagate through pre- and post-stage slices.
type StageCache struct {
	from, to int
	batch    int
	caches   []blockCache
}

// TailCache holds forward state for a block range plus the final to-image
// projection.
type TailCache struct {
	stage *StageCache
	rgb   blockCache
}

// NewGenerator builds the network for the given configuration. Weights are
// randomly initialized until replaced through Parameters.
func NewGenerator(cfg Config) (*Generator, error) {
	cfg.applyDefaults()
	if !resolutionAllowed(cfg.Resolution) {
		return nil, fmt.Errorf("%w: %d (allowed: %v)", ErrInvalidResolution, cfg.Resolution, resolutionsAllowed)
	}
	final := log2int(cfg.Resolution)
	if cfg.LevelOfDetail < 0 || cfg.LevelOfDetail > float32(final-2) {
		return nil, fmt.Errorf("%w: lod=%v with final resolution %d", ErrInvalidLevelOfDetail, cfg.LevelOfDetail, cfg.Resolution)
	}

	g := &Generator{
		cfg:          cfg,
		finalResLog2: final,
		lod:          []float32{cfg.LevelOfDetail},
		varMapping:   map[string]string{"lod": "lod"},
	}

	for resLog2 := 2; resLog2 <= final; resLog2++ {
		res := 1 << resLog2
		stage := resLog2 - 2

		var first *ConvBlock
		var err error
		if res == initRes {
			// The input block: a 4x4 kernel with padding 3 grows the
			// 1x1 latent feature into the initial 4x4 map.
			first, err = newConvBlock(blockOptions{
				inChannels:  cfg.ZDim,
				outChannels: g.nf(res),
				kernelSize:  initRes,
				padding:     3,
				pixelNorm:   true,
				wscaleGain:  sqrt2,
				activation:  "lrelu",
				inputHeight: 1,
				inputWidth:  1,
			})
		} else {
			first, err = newConvBlock(blockOptions{
				inChannels:  g.nf(res / 2),
				outChannels: g.nf(res),
				kernelSize:  3,
				padding:     1,
				upsample:    true,
				fusedScale:  cfg.FusedScale,
				pixelNorm:   true,
				wscaleGain:  sqrt2,
				activation:  "lrelu",
				inputHeight: res / 2,
				inputWidth:  res / 2,
			})
		}
		if err != nil {
			return nil, err
		}
		g.mapBlockVars(first, len(g.blocks), res)
		g.blocks = append(g.blocks, first)

		second, err := newConvBlock(blockOptions{
			inChannels:  g.nf(res),
			outChannels: g.nf(res),
			kernelSize:  3,
			padding:     1,
			pixelNorm:   true,
			wscaleGain:  sqrt2,
			activation:  "lrelu",
			inputHeight: res,
			inputWidth:  res,
		})
		if err != nil {
			return nil, err
		}
		g.mapBlockVars(second, len(g.blocks), res)
		g.blocks = append(g.blocks, second)

		rgb, err := newConvBlock(blockOptions{
			inChannels:  g.nf(res),
			outChannels: cfg.ImageChannels,
			kernelSize:  1,
			padding:     0,
			wscaleGain:  1.0,
			activation:  "linear",
			inputHeight: res,
			inputWidth:  res,
		})
		if err != nil {
			return nil, err
		}
		lodIdx := final - resLog2
		g.varMapping[fmt.Sprintf("torgb.%d.conv.weight", stage)] = fmt.Sprintf("ToRGB_lod%d/weight", lodIdx)
		g.varMapping[fmt.Sprintf("torgb.%d.wscale.bias", stage)] = fmt.Sprintf("ToRGB_lod%d/bias", lodIdx)
		g.toRGB = append(g.toRGB, rgb)
	}

	return g, nil
}

const sqrt2 = 1.4142135623730951

// nf returns the number of feature maps for the given stage resolution:
// wide at low resolution, narrowing as resolution grows.
func (g *Generator) nf(res int) int {
	n := g.cfg.FmapsBase / res
	if n > g.cfg.FmapsMax {
		n = g.cfg.FmapsMax
	}
	return n
}

// mapBlockVars records the checkpoint variable names for one conv block.
func (g *Generator) mapBlockVars(b *ConvBlock, idx, res int) {
	var tf string
	switch {
	case idx == 0:
		tf = fmt.Sprintf("%dx%d/Dense", res, res)
	case idx%2 == 0 && b.FusedScale:
		tf = fmt.Sprintf("%dx%d/Conv0_up", res, res)
	case idx%2 == 0:
		tf = fmt.Sprintf("%dx%d/Conv0", res, res)
	case res == initRes:
		tf = fmt.Sprintf("%dx%d/Conv", res, res)
	default:
		tf = fmt.Sprintf("%dx%d/Conv1", res, res)
	}
	weightName := fmt.Sprintf("blocks.%d.conv.weight", idx)
	if b.FusedScale {
		weightName = fmt.Sprintf("blocks.%d.weight", idx)
	}
	g.varMapping[weightName] = tf + "/weight"
	g.varMapping[fmt.Sprintf("blocks.%d.wscale.bias", idx)] = tf + "/bias"
}

// ZDim returns the latent space dimensionality.
func (g *Generator) ZDim() int { return g.cfg.ZDim }

// Resolution returns the configured output resolution.
func (g *Generator) Resolution() int { return g.cfg.Resolution }

// ImageChannels returns the output color channel count.
func (g *Generator) ImageChannels() int { return g.cfg.ImageChannels }

// NumBlocks returns the number of conv blocks (excluding projections).
func (g *Generator) NumBlocks() int { return len(g.blocks) }

// numStages returns the number of resolution stages.
func (g *Generator) numStages() int { return g.finalResLog2 - 1 }

// lastStage returns the index of the last stage the level of detail allows
// to execute. Construction guarantees at least stage 0 runs.
func (g *Generator) lastStage() int {
	last := g.numStages() - 1
	for last > 0 && float32(last+2)+g.lod[0] > float32(g.finalResLog2) {
		last--
	}
	return last
}

// Topology returns the ordered stage-boundary shapes: the latent input
// shape, the output shape of every conv block, and the final image shape.
func (g *Generator) Topology() []StageShape {
	topo := make([]StageShape, 0, len(g.blocks)+2)
	topo = append(topo, StageShape{Channels: g.cfg.ZDim, Height: 1, Width: 1})
	for _, b := range g.blocks {
		topo = append(topo, StageShape{Channels: b.OutChannels, Height: b.OutputHeight, Width: b.OutputWidth})
	}
	topo = append(topo, StageShape{Channels: g.cfg.ImageChannels, Height: g.cfg.Resolution, Width: g.cfg.Resolution})
	return topo
}

// Forward maps a batch of latent vectors to a batch of images.
// z is flat [batch][zDim]; the result is flat [batch][channels][res][res].
func (g *Generator) Forward(z []float32, batchSize int) ([]float32, error) {
	if batchSize < 1 || len(z) != batchSize*g.cfg.ZDim {
		return nil, fmt.Errorf("%w: want [batch, %d] latent, got %d values for batch %d",
			ErrShape, g.cfg.ZDim, len(z), batchSize)
	}

	last := g.lastStage()
	state := &forwardState{batch: batchSize, lastStage: last}

	// The latent vector is the 1x1 feature map feeding the first block.
	x := z
	for i := 0; i <= 2*last+1; i++ {
		cache, out := g.blocks[i].forward(x, batchSize)
		state.caches = append(state.caches, cache)
		x = out
	}

	rgbCache, image := g.toRGB[last].forward(x, batchSize)
	state.rgbCache = rgbCache

	// Stages beyond the level of detail only upsample the image.
	size := g.toRGB[last].OutputHeight
	for s := last + 1; s < g.numStages(); s++ {
		image = upsampleNearestCPU(image, batchSize, g.cfg.ImageChannels, size, size)
		size *= 2
	}

	g.fwd = state
	return image, nil
}

// Backward propagates an image gradient back to the latent input of the
// most recent Forward call. Generator weights stay untouched.
func (g *Generator) Backward(gradImage []float32) ([]float32, error) {
	if g.fwd == nil {
		return nil, ErrNoForward
	}
	state := g.fwd
	want := state.batch * g.cfg.ImageChannels * g.cfg.Resolution * g.cfg.Resolution
	if len(gradImage) != want {
		return nil, fmt.Errorf("%w: want %d image gradient values, got %d", ErrShape, want, len(gradImage))
	}

	grad := gradImage
	size := g.cfg.Resolution
	for s := g.numStages() - 1; s > state.lastStage; s-- {
		size /= 2
		grad = upsampleNearestBackwardCPU(grad, state.batch, g.cfg.ImageChannels, size, size)
	}

	grad = g.toRGB[state.lastStage].backward(state.rgbCache, grad, state.batch)
	for i := len(state.caches) - 1; i >= 0; i-- {
		grad = g.blocks[i].backward(state.caches[i], grad, state.batch)
	}
	return grad, nil
}

// RunBlocks executes blocks[from:to] on x and returns the output together
// with the cache needed to backpropagate through the same range.
func (g *Generator) RunBlocks(from, to int, x []float32, batchSize int) ([]float32, *StageCache, error) {
	if from < 0 || to > len(g.blocks) || from >= to {
		return nil, nil, fmt.Errorf("%w: block range [%d, %d) of %d", ErrShape, from, to, len(g.blocks))
	}
	b := g.blocks[from]
	want := batchSize * b.InChannels * b.InputHeight * b.InputWidth
	if len(x) != want {
		return nil, nil, fmt.Errorf("%w: block %d wants %d input values, got %d", ErrShape, from, want, len(x))
	}

	sc := &StageCache{from: from, to: to, batch: batchSize}
	for i := from; i < to; i++ {
		cache, out := g.blocks[i].forward(x, batchSize)
		sc.caches = append(sc.caches, cache)
		x = out
	}
	return x, sc, nil
}

// BackwardBlocks propagates a gradient back through a range previously run
// with RunBlocks.
func (g *Generator) BackwardBlocks(sc *StageCache, gradOutput []float32) ([]float32, error) {
	if sc == nil || len(sc.caches) != sc.to-sc.from {
		return nil, ErrNoForward
	}
	grad := gradOutput
	for i := sc.to - 1; i >= sc.from; i-- {
		grad = g.blocks[i].backward(sc.caches[i-sc.from], grad, sc.batch)
	}
	return grad, nil
}

// RunTail executes blocks[from:] and the final to-image projection. The
// level of detail does not apply here: the tail always runs in full.
func (g *Generator) RunTail(from int, x []float32, batchSize int) ([]float32, *TailCache, error) {
	out, sc, err := g.RunBlocks(from, len(g.blocks), x, batchSize)
	if err != nil {
		return nil, nil, err
	}
	rgbCache, image := g.toRGB[g.numStages()-1].forward(out, batchSize)
	return image, &TailCache{stage: sc, rgb: rgbCache}, nil
}

// BackwardTail propagates an image gradient back through a RunTail range.
func (g *Generator) BackwardTail(tc *TailCache, gradImage []float32) ([]float32, error) {
	if tc == nil {
		return nil, ErrNoForward
	}
	grad := g.toRGB[g.numStages()-1].backward(tc.rgb, gradImage, tc.stage.batch)
	return g.BackwardBlocks(tc.stage, grad)
}

// Parameters exposes the checkpoint-addressable tensors by runtime name.
// The returned slices alias the live network so an external loader can
// fill them in place. Inversion never calls this.
func (g *Generator) Parameters() map[string][]float32 {
	params := map[string][]float32{"lod": g.lod}
	for i, b := range g.blocks {
		weightName := fmt.Sprintf("blocks.%d.conv.weight", i)
		if b.FusedScale {
			weightName = fmt.Sprintf("blocks.%d.weight", i)
		}
		params[weightName] = b.Weight
		params[fmt.Sprintf("blocks.%d.wscale.bias", i)] = b.Bias
	}
	for s, b := range g.toRGB {
		params[fmt.Sprintf("torgb.%d.conv.weight", s)] = b.Weight
		params[fmt.Sprintf("torgb.%d.wscale.bias", s)] = b.Bias
	}
	return params
}

// VarMapping returns the stable mapping from runtime parameter names to
// the external checkpoint variable names they were trained under.
func (g *Generator) VarMapping() map[string]string {
	out := make(map[string]string, len(g.varMapping))
	for k, v := range g.varMapping {
		out[k] = v
	}
	return out
}
