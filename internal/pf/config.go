package pf

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/eventtrack/internal/config"
	"github.com/banshee-data/eventtrack/internal/event"
)

var (
	ErrInvalidParticles = errors.New("particle count must be positive")
	ErrInvalidWorkers   = errors.New("worker count must be positive")
	ErrInvalidConfig    = errors.New("invalid filter configuration")
	ErrFixedParameter   = errors.New("parameter is fixed at construction")
)

// Config holds the particle filter parameters. Resolution, Particles and
// Workers are fixed for the filter's lifetime; the rest may be changed with
// Filter.UpdateConfig.
type Config struct {
	Resolution event.Resolution
	Particles  int
	Workers    int

	MotionVariance float64 // random-walk variance added per Predict
	SeedVariance   float64 // spread of particles around a seed
	MinRadius      float64
	MaxRadius      float64

	ObsInlier    float64 // peak evidence from an on-boundary event
	ObsOutlier   float64 // penalty for an event inside the hypothesised circle
	ObsThresh    float64 // max likelihood below this flags low confidence
	InlierWidth  float64 // pixels either side of the boundary that count as inliers
	OutlierWidth float64 // penalised band extends to R+OutlierWidth

	Adaptive          bool
	ResampleThreshold float64 // resample when ESS < ResampleThreshold*N
	NRandomise        float64 // fraction redrawn around the mean after resampling

	DetectionThreshold float64
	ResetTimeout       time.Duration

	RandomSeed uint64 // 0 seeds from the wall clock
}

// DefaultConfig returns the filter configuration with all tuning defaults.
func DefaultConfig() Config {
	return ConfigFromTuning(config.EmptyTuningConfig())
}

// ConfigFromTuning builds a filter config from tuning parameters.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		Resolution:         event.Resolution{Width: cfg.GetSensorWidth(), Height: cfg.GetSensorHeight()},
		Particles:          cfg.GetParticles(),
		Workers:            cfg.GetWorkers(),
		MotionVariance:     cfg.GetMotionVariance(),
		SeedVariance:       cfg.GetSeedVariance(),
		MinRadius:          cfg.GetMinRadius(),
		MaxRadius:          cfg.GetMaxRadius(),
		ObsInlier:          cfg.GetObsInlier(),
		ObsOutlier:         cfg.GetObsOutlier(),
		ObsThresh:          cfg.GetObsThresh(),
		InlierWidth:        cfg.GetInlierWidth(),
		OutlierWidth:       cfg.GetOutlierWidth(),
		Adaptive:           cfg.GetAdaptive(),
		ResampleThreshold:  cfg.GetResampleThreshold(),
		NRandomise:         cfg.GetNRandomise(),
		DetectionThreshold: cfg.GetDetectionThreshold(),
		ResetTimeout:       cfg.GetResetTimeout(),
		RandomSeed:         uint64(cfg.GetRandomSeed()),
	}
}

// Validate reports the first invalid parameter.
func (c Config) Validate() error {
	if err := c.Resolution.Validate(); err != nil {
		return err
	}
	if c.Particles <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidParticles, c.Particles)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidWorkers, c.Workers)
	}
	for _, p := range []struct {
		name string
		v    float64
	}{
		{"motion variance", c.MotionVariance},
		{"seed variance", c.SeedVariance},
		{"inlier weight", c.ObsInlier},
		{"outlier weight", c.ObsOutlier},
		{"observation threshold", c.ObsThresh},
		{"outlier width", c.OutlierWidth},
		{"detection threshold", c.DetectionThreshold},
	} {
		if p.v < 0 || math.IsNaN(p.v) {
			return fmt.Errorf("%w: %s must be non-negative, got %v", ErrInvalidConfig, p.name, p.v)
		}
	}
	if !(c.InlierWidth > 0) {
		return fmt.Errorf("%w: inlier width must be positive, got %v", ErrInvalidConfig, c.InlierWidth)
	}
	if !(c.MinRadius > 0) || c.MaxRadius < c.MinRadius {
		return fmt.Errorf("%w: radius range [%v, %v]", ErrInvalidConfig, c.MinRadius, c.MaxRadius)
	}
	if c.ResampleThreshold < 0 || c.ResampleThreshold > 1 {
		return fmt.Errorf("%w: resample threshold %v outside [0, 1]", ErrInvalidConfig, c.ResampleThreshold)
	}
	if c.NRandomise < 0 || c.NRandomise > 1 {
		return fmt.Errorf("%w: randomise fraction %v outside [0, 1]", ErrInvalidConfig, c.NRandomise)
	}
	if c.ResetTimeout < 0 {
		return fmt.Errorf("%w: negative reset timeout %v", ErrInvalidConfig, c.ResetTimeout)
	}
	return nil
}

// CheckUpdate reports whether next is a valid replacement for c: it must
// validate and keep the construction-time parameters.
func (c Config) CheckUpdate(next Config) error {
	if next.Resolution != c.Resolution || next.Particles != c.Particles ||
		next.Workers != c.Workers || next.RandomSeed != c.RandomSeed {
		return ErrFixedParameter
	}
	return next.Validate()
}
