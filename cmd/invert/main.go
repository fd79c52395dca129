// Command invert recovers latent codes for a target image through a
// frozen progressive GAN generator and writes the reconstruction.
package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"

	"k8s.io/klog/v2"

	"github.com/openfluke/prism/invert"
	"github.com/openfluke/prism/latent"
)

func main() {
	ctx := context.Background()
	err := run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	modelName := flag.String("model", "pggan-celebahq", "pretrained model name")
	generatorType := flag.String("generator", "pggan-z", "generator wrapper: pggan-z or pggan-multi-z")
	inversionType := flag.String("inversion", "adam", "optimizer: gd or adam")
	iterations := flag.Int("iterations", 100, "number of optimization steps")
	learningRate := flag.Float64("lr", 0.01, "optimizer learning rate")
	initType := flag.String("init", "normal", "latent initialization: zero or normal")
	blendingLayer := flag.Int("blending-layer", 0, "multi-z split block index (0 = default)")
	zNumber := flag.Int("z-number", 0, "multi-z code count (0 = default)")
	fusedScale := flag.Bool("fused-scale", false, "use fused upsample convolutions")
	useGPU := flag.Bool("gpu", false, "place convolutions on the GPU")
	targetPath := flag.String("target", "", "target image (PNG)")
	outputPath := flag.String("output", "inverted.png", "reconstruction output (PNG)")

	klog.InitFlags(nil)
	flag.Parse()

	log := klog.FromContext(ctx)

	if *targetPath == "" {
		return fmt.Errorf("missing required flag: -target")
	}

	gen, err := latent.NewDerivable(*modelName, *generatorType, latent.Config{
		BlendingLayer: *blendingLayer,
		ZNumber:       *zNumber,
		FusedScale:    *fusedScale,
	})
	if err != nil {
		return err
	}

	if *useGPU {
		if err := initGPU(gen); err != nil {
			return fmt.Errorf("GPU init failed: %w", err)
		}
		defer releaseGPU(gen)
	}

	runner, err := invert.New(*inversionType, *iterations, float32(*learningRate), *initType)
	if err != nil {
		return err
	}

	resolution, channels := generatorShape(gen)
	target, err := loadTargetPNG(*targetPath, resolution, channels)
	if err != nil {
		return err
	}

	log.Info("Starting inversion",
		"model", *modelName, "generator", *generatorType,
		"optimizer", runner.Optimizer().Name(), "iterations", *iterations)

	latents, _, err := runner.Invert(gen, target, invert.MSELoss{}, 1, false)
	if err != nil {
		return err
	}

	reconstruction, err := gen.Forward(latents, 1)
	if err != nil {
		return err
	}
	if err := writePNG(*outputPath, reconstruction, resolution, channels); err != nil {
		return err
	}
	log.Info("Wrote reconstruction", "path", *outputPath)
	return nil
}

// generatorShape pulls the output resolution and channel count from the
// wrapped network.
func generatorShape(gen latent.DerivableGenerator) (int, int) {
	switch g := gen.(type) {
	case *latent.SingleCode:
		return g.Generator().Resolution(), g.Generator().ImageChannels()
	case *latent.MultiCode:
		return g.Generator().Resolution(), g.Generator().ImageChannels()
	}
	return 0, 0
}

func initGPU(gen latent.DerivableGenerator) error {
	switch g := gen.(type) {
	case *latent.SingleCode:
		return g.Generator().InitGPU(1)
	case *latent.MultiCode:
		return g.Generator().InitGPU(1)
	}
	return nil
}

func releaseGPU(gen latent.DerivableGenerator) {
	switch g := gen.(type) {
	case *latent.SingleCode:
		g.Generator().ReleaseGPU()
	case *latent.MultiCode:
		g.Generator().ReleaseGPU()
	}
}

// loadTargetPNG reads a PNG, resizes it by nearest neighbor to the
// generator resolution, and maps pixel values into [-1, 1] NCHW.
func loadTargetPNG(path string, resolution, channels int) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}

	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	out := make([]float32, channels*resolution*resolution)
	plane := resolution * resolution
	for y := 0; y < resolution; y++ {
		sy := bounds.Min.Y + y*h/resolution
		for x := 0; x < resolution; x++ {
			sx := bounds.Min.X + x*w/resolution
			r, g, b, _ := img.At(sx, sy).RGBA()
			px := [3]float32{float32(r) / 65535, float32(g) / 65535, float32(b) / 65535}
			for c := 0; c < channels; c++ {
				out[c*plane+y*resolution+x] = px[c%3]*2 - 1
			}
		}
	}
	return out, nil
}

// writePNG maps a flat [-1, 1] NCHW tensor back to pixel values.
func writePNG(path string, data []float32, resolution, channels int) error {
	img := image.NewRGBA(image.Rect(0, 0, resolution, resolution))
	plane := resolution * resolution
	at := func(c, y, x int) uint8 {
		if c >= channels {
			c = channels - 1
		}
		v := (data[c*plane+y*resolution+x] + 1) / 2
		if v < 0 {
			v = 0
		}
		if v > 1 {
			v = 1
		}
		return uint8(v*255 + 0.5)
	}
	for y := 0; y < resolution; y++ {
		for x := 0; x < resolution; x++ {
			img.SetRGBA(x, y, color.RGBA{R: at(0, y, x), G: at(1, y, x), B: at(2, y, x), A: 255})
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return png.Encode(f, img)
}
