package pggan

import (
	"fmt"

	"github.com/openfluke/prism/gpu"
	"k8s.io/klog/v2"
)

// deviceState tracks the accelerator resources for one generator.
type deviceState struct {
	batch  int
	layers []*gpu.Conv2D
}

// InitGPU places every ordinary convolution (including the to-image
// projections) on the accelerator for the given batch size. Fused
// upsample convolutions, pixel normalization and the weight-scale layers
// stay on CPU. Placement is a one-time operation: forward and backward
// passes use the device until ReleaseGPU is called.
func (g *Generator) InitGPU(batchSize int) error {
	if g.device != nil {
		return fmt.Errorf("pggan: GPU already initialized")
	}
	if err := gpu.EnsureGPU(); err != nil {
		return err
	}

	ds := &deviceState{batch: batchSize}
	attach := func(b *ConvBlock, label string) error {
		if b.FusedScale {
			return nil
		}
		convH, convW := b.convInputSize()
		layer, err := gpu.NewConv2D(gpu.Conv2DSpec{
			Batch:       batchSize,
			InChannels:  b.InChannels,
			OutChannels: b.OutChannels,
			KernelSize:  b.KernelSize,
			Padding:     b.Padding,
			InputHeight: convH,
			InputWidth:  convW,
			Weights:     b.Weight,
		})
		if err != nil {
			return err
		}
		if err := layer.Init(label); err != nil {
			layer.Cleanup()
			return err
		}
		ds.layers = append(ds.layers, layer)
		b.offload = layer
		return nil
	}

	for i, b := range g.blocks {
		if err := attach(b, fmt.Sprintf("block%d", i)); err != nil {
			g.releaseDevice(ds)
			return err
		}
	}
	for s, b := range g.toRGB {
		if err := attach(b, fmt.Sprintf("torgb%d", s)); err != nil {
			g.releaseDevice(ds)
			return err
		}
	}

	g.device = ds
	klog.V(1).Infof("pggan: %d conv layers placed on GPU (batch %d)", len(ds.layers), batchSize)
	return nil
}

// ReleaseGPU frees all accelerator resources and reverts to CPU execution.
func (g *Generator) ReleaseGPU() {
	if g.device == nil {
		return
	}
	g.releaseDevice(g.device)
	g.device = nil
}

func (g *Generator) releaseDevice(ds *deviceState) {
	for _, b := range g.blocks {
		b.offload = nil
	}
	for _, b := range g.toRGB {
		b.offload = nil
	}
	for _, l := range ds.layers {
		l.Cleanup()
	}
	ds.layers = nil
}
