package pggan

import (
	"errors"
)

// ActivationType defines the activation function used in a conv block
type ActivationType int

const (
	ActivationLinear      ActivationType = 0 // identity
	ActivationLeakyReLU   ActivationType = 1 // v if v >= 0, else v * 0.2
	ActivationClampedTanh ActivationType = 2 // clamp(v, -1, 1)
)

// Resolutions the generator can be constructed for.
var resolutionsAllowed = []int{8, 16, 32, 64, 128, 256, 512, 1024}

const (
	initRes = 4 // spatial size after the first conv block

	defaultZDim          = 512
	defaultImageChannels = 3
	defaultFmapsBase     = 16 << 10
	defaultFmapsMax      = 512

	pixelNormEpsilon = 1e-8
	leakySlope       = 0.2
)

// Config holds construction settings for the generator.
// Zero-valued fields fall back to the published PGGAN defaults.
type Config struct {
	Resolution    int     // target output resolution, must be in resolutionsAllowed
	ZDim          int     // latent space dimensionality (default 512)
	ImageChannels int     // output color channels (default 3)
	FusedScale    bool    // express upsample+conv as a single deconvolution
	FmapsBase     int     // base factor for per-stage feature map counts (default 16<<10)
	FmapsMax      int     // cap on per-stage feature map counts (default 512)
	LevelOfDetail float32 // stages past the threshold are replaced by plain upsampling
}

// StageShape describes the feature map shape at one stage boundary.
type StageShape struct {
	Channels int
	Height   int
	Width    int
}

// Configuration errors, raised eagerly at construction time.
var (
	ErrInvalidResolution    = errors.New("pggan: invalid resolution")
	ErrInvalidActivation    = errors.New("pggan: unsupported activation function")
	ErrInvalidLevelOfDetail = errors.New("pggan: level of detail leaves no stage to run")
)

// Precondition errors, raised at forward or backward time.
var (
	ErrShape     = errors.New("pggan: input shape mismatch")
	ErrNoForward = errors.New("pggan: backward called before forward")
)

func (c *Config) applyDefaults() {
	if c.ZDim == 0 {
		c.ZDim = defaultZDim
	}
	if c.ImageChannels == 0 {
		c.ImageChannels = defaultImageChannels
	}
	if c.FmapsBase == 0 {
		c.FmapsBase = defaultFmapsBase
	}
	if c.FmapsMax == 0 {
		c.FmapsMax = defaultFmapsMax
	}
}

func resolutionAllowed(res int) bool {
	for _, r := range resolutionsAllowed {
		if r == res {
			return true
		}
	}
	return false
}

func log2int(v int) int {
	n := 0
	for v > 1 {
		v >>= 1
		n++
	}
	return n
}
