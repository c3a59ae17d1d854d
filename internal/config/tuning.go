// Package config loads the tracker's tuning parameters. Every field is
// optional; the Get* accessors supply defaults for anything a file omits.
package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
const DefaultConfigPath = "config/tuning.defaults.json"

// Acquire modes understood by the control loop.
const (
	AcquireDrain = "drain"
	AcquireQuery = "query"
)

// ROIConfig is an inclusive pixel rectangle.
type ROIConfig struct {
	XLow  int `json:"x_low"`
	XHigh int `json:"x_high"`
	YLow  int `json:"y_low"`
	YHigh int `json:"y_high"`
}

// TuningConfig represents the root configuration for tuning parameters.
// The same JSON schema is accepted at startup and by the admin surface.
type TuningConfig struct {
	// Sensor
	SensorWidth  *int `json:"sensor_width,omitempty"`
	SensorHeight *int `json:"sensor_height,omitempty"`

	// Event queue
	QueueCapacity   *int       `json:"queue_capacity,omitempty"`
	QueueTimeWindow *string    `json:"queue_time_window,omitempty"` // duration string, "" disables
	ROI             *ROIConfig `json:"roi,omitempty"`

	// Query buffer
	AcquireMode         *string `json:"acquire_mode,omitempty"` // "drain" or "query"
	QueryBufferCapacity *int    `json:"query_buffer_capacity,omitempty"`
	QueryWindow         *string `json:"query_window,omitempty"`

	// Noise pre-filter
	NoiseFilter         *bool   `json:"noise_filter,omitempty"`
	NoiseTemporalWindow *string `json:"noise_temporal_window,omitempty"`
	NoiseSpatialWindow  *string `json:"noise_spatial_window,omitempty"`
	NoiseSpatialRadius  *int    `json:"noise_spatial_radius,omitempty"`

	// Particle filter
	Particles         *int     `json:"particles,omitempty"`
	Workers           *int     `json:"workers,omitempty"`
	MotionVariance    *float64 `json:"motion_variance,omitempty"`
	SeedVariance      *float64 `json:"seed_variance,omitempty"`
	MinRadius         *float64 `json:"min_radius,omitempty"`
	MaxRadius         *float64 `json:"max_radius,omitempty"`
	ObsInlier         *float64 `json:"obs_inlier,omitempty"`
	ObsOutlier        *float64 `json:"obs_outlier,omitempty"`
	ObsThresh         *float64 `json:"obs_thresh,omitempty"`
	InlierWidth       *float64 `json:"inlier_width,omitempty"`
	OutlierWidth      *float64 `json:"outlier_width,omitempty"`
	Adaptive          *bool    `json:"adaptive,omitempty"`
	ResampleThreshold *float64 `json:"resample_threshold,omitempty"`
	NRandomise        *float64 `json:"n_randomise,omitempty"`
	RandomSeed        *int64   `json:"random_seed,omitempty"` // 0 seeds from the wall clock

	// Initial circle hypothesis; all three or none. Without it the filter
	// starts with a broad search.
	SeedX *float64 `json:"seed_x,omitempty"`
	SeedY *float64 `json:"seed_y,omitempty"`
	SeedR *float64 `json:"seed_r,omitempty"`

	// Delay control
	DesiredDelay       *string  `json:"desired_delay,omitempty"`
	Gain               *float64 `json:"gain,omitempty"`
	MinEvents          *int     `json:"min_events,omitempty"`
	InitialEvents      *int     `json:"initial_events,omitempty"`
	DetectionThreshold *float64 `json:"detection_threshold,omitempty"`
	ResetTimeout       *string  `json:"reset_timeout,omitempty"`
	AutoReseed         *bool    `json:"auto_reseed,omitempty"`
	HistorySize        *int     `json:"history_size,omitempty"`

	// Output
	PublishInterval *string `json:"publish_interval,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }
func ptrInt64(v int64) *int64       { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from the defaults file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// DefaultTuningConfig returns a config with every field populated from the
// getter defaults.
func DefaultTuningConfig() *TuningConfig {
	e := EmptyTuningConfig()
	return &TuningConfig{
		SensorWidth:         ptrInt(e.GetSensorWidth()),
		SensorHeight:        ptrInt(e.GetSensorHeight()),
		QueueCapacity:       ptrInt(e.GetQueueCapacity()),
		QueueTimeWindow:     ptrString(""),
		AcquireMode:         ptrString(e.GetAcquireMode()),
		QueryBufferCapacity: ptrInt(e.GetQueryBufferCapacity()),
		QueryWindow:         ptrString(e.GetQueryWindow().String()),
		NoiseFilter:         ptrBool(e.GetNoiseFilter()),
		NoiseTemporalWindow: ptrString(e.GetNoiseTemporalWindow().String()),
		NoiseSpatialWindow:  ptrString(e.GetNoiseSpatialWindow().String()),
		NoiseSpatialRadius:  ptrInt(e.GetNoiseSpatialRadius()),
		Particles:           ptrInt(e.GetParticles()),
		Workers:             ptrInt(e.GetWorkers()),
		MotionVariance:      ptrFloat64(e.GetMotionVariance()),
		SeedVariance:        ptrFloat64(e.GetSeedVariance()),
		MinRadius:           ptrFloat64(e.GetMinRadius()),
		MaxRadius:           ptrFloat64(e.GetMaxRadius()),
		ObsInlier:           ptrFloat64(e.GetObsInlier()),
		ObsOutlier:          ptrFloat64(e.GetObsOutlier()),
		ObsThresh:           ptrFloat64(e.GetObsThresh()),
		InlierWidth:         ptrFloat64(e.GetInlierWidth()),
		OutlierWidth:        ptrFloat64(e.GetOutlierWidth()),
		Adaptive:            ptrBool(e.GetAdaptive()),
		ResampleThreshold:   ptrFloat64(e.GetResampleThreshold()),
		NRandomise:          ptrFloat64(e.GetNRandomise()),
		RandomSeed:          ptrInt64(e.GetRandomSeed()),
		DesiredDelay:        ptrString(e.GetDesiredDelay().String()),
		Gain:                ptrFloat64(e.GetGain()),
		MinEvents:           ptrInt(e.GetMinEvents()),
		InitialEvents:       ptrInt(e.GetInitialEvents()),
		DetectionThreshold:  ptrFloat64(e.GetDetectionThreshold()),
		ResetTimeout:        ptrString(e.GetResetTimeout().String()),
		AutoReseed:          ptrBool(e.GetAutoReseed()),
		HistorySize:         ptrInt(e.GetHistorySize()),
		PublishInterval:     ptrString(e.GetPublishInterval().String()),
	}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
// Fields omitted from the JSON file retain their default values, so
// partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseTuningConfig(data)
}

// ParseTuningConfig decodes and validates a JSON document.
func ParseTuningConfig(data []byte) (*TuningConfig, error) {
	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,       // from internal/config/
		"../../../" + DefaultConfigPath,    // from internal/sink/mqttsink/
		"../../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	positiveInts := []struct {
		name string
		v    *int
	}{
		{"sensor_width", c.SensorWidth},
		{"sensor_height", c.SensorHeight},
		{"queue_capacity", c.QueueCapacity},
		{"query_buffer_capacity", c.QueryBufferCapacity},
		{"particles", c.Particles},
		{"workers", c.Workers},
		{"min_events", c.MinEvents},
		{"history_size", c.HistorySize},
	}
	for _, p := range positiveInts {
		if p.v != nil && *p.v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", p.name, *p.v)
		}
	}
	if c.InitialEvents != nil && *c.InitialEvents < 0 {
		return fmt.Errorf("initial_events must be non-negative, got %d", *c.InitialEvents)
	}
	if c.NoiseSpatialRadius != nil && *c.NoiseSpatialRadius < 0 {
		return fmt.Errorf("noise_spatial_radius must be non-negative, got %d", *c.NoiseSpatialRadius)
	}

	durations := []struct {
		name string
		v    *string
	}{
		{"queue_time_window", c.QueueTimeWindow},
		{"query_window", c.QueryWindow},
		{"noise_temporal_window", c.NoiseTemporalWindow},
		{"noise_spatial_window", c.NoiseSpatialWindow},
		{"desired_delay", c.DesiredDelay},
		{"reset_timeout", c.ResetTimeout},
		{"publish_interval", c.PublishInterval},
	}
	for _, d := range durations {
		if d.v == nil || *d.v == "" {
			continue
		}
		parsed, err := time.ParseDuration(*d.v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", d.name, *d.v, err)
		}
		if parsed < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", d.name, *d.v)
		}
	}

	if c.AcquireMode != nil && *c.AcquireMode != "" &&
		*c.AcquireMode != AcquireDrain && *c.AcquireMode != AcquireQuery {
		return fmt.Errorf("acquire_mode must be %q or %q, got %q", AcquireDrain, AcquireQuery, *c.AcquireMode)
	}

	if c.ROI != nil {
		r := c.ROI
		if r.XLow < 0 || r.YLow < 0 || r.XHigh < r.XLow || r.YHigh < r.YLow {
			return fmt.Errorf("roi must have 0 <= low <= high, got x[%d,%d] y[%d,%d]", r.XLow, r.XHigh, r.YLow, r.YHigh)
		}
	}

	if n := countSet(c.SeedX, c.SeedY, c.SeedR); n != 0 && n != 3 {
		return fmt.Errorf("seed_x, seed_y and seed_r must be set together")
	}
	if x, y, r, ok := c.GetSeed(); ok {
		w, h := float64(c.GetSensorWidth()-1), float64(c.GetSensorHeight()-1)
		if math.IsNaN(x) || math.IsNaN(y) || x < 0 || y < 0 || x > w || y > h {
			return fmt.Errorf("seed (%.2f, %.2f) is outside the %dx%d frame", x, y, c.GetSensorWidth(), c.GetSensorHeight())
		}
		if !(r > 0) || math.IsInf(r, 0) {
			return fmt.Errorf("seed_r must be positive, got %f", r)
		}
	}

	fractions := []struct {
		name string
		v    *float64
	}{
		{"resample_threshold", c.ResampleThreshold},
		{"n_randomise", c.NRandomise},
	}
	for _, f := range fractions {
		if f.v != nil && (*f.v < 0 || *f.v > 1) {
			return fmt.Errorf("%s must be between 0 and 1, got %f", f.name, *f.v)
		}
	}

	nonNegative := []struct {
		name string
		v    *float64
	}{
		{"motion_variance", c.MotionVariance},
		{"seed_variance", c.SeedVariance},
		{"obs_inlier", c.ObsInlier},
		{"obs_outlier", c.ObsOutlier},
		{"obs_thresh", c.ObsThresh},
		{"detection_threshold", c.DetectionThreshold},
		{"gain", c.Gain},
	}
	for _, f := range nonNegative {
		if f.v != nil && *f.v < 0 {
			return fmt.Errorf("%s must be non-negative, got %f", f.name, *f.v)
		}
	}
	if c.InlierWidth != nil && *c.InlierWidth <= 0 {
		return fmt.Errorf("inlier_width must be positive, got %f", *c.InlierWidth)
	}
	if c.OutlierWidth != nil && *c.OutlierWidth < 0 {
		return fmt.Errorf("outlier_width must be non-negative, got %f", *c.OutlierWidth)
	}
	if c.MinRadius != nil && *c.MinRadius <= 0 {
		return fmt.Errorf("min_radius must be positive, got %f", *c.MinRadius)
	}
	if c.GetMaxRadius() < c.GetMinRadius() {
		return fmt.Errorf("max_radius %f is below min_radius %f", c.GetMaxRadius(), c.GetMinRadius())
	}
	return nil
}

func durationOr(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def // default on parse error
	}
	return d
}

func countSet(vs ...*float64) int {
	n := 0
	for _, v := range vs {
		if v != nil {
			n++
		}
	}
	return n
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func floatOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// GetSensorWidth returns the sensor width in pixels.
func (c *TuningConfig) GetSensorWidth() int { return intOr(c.SensorWidth, 128) }

// GetSensorHeight returns the sensor height in pixels.
func (c *TuningConfig) GetSensorHeight() int { return intOr(c.SensorHeight, 128) }

// GetQueueCapacity returns the event queue capacity.
func (c *TuningConfig) GetQueueCapacity() int { return intOr(c.QueueCapacity, 4000) }

// GetQueueTimeWindow returns the queue time window; zero disables it.
func (c *TuningConfig) GetQueueTimeWindow() time.Duration {
	return durationOr(c.QueueTimeWindow, 0)
}

// GetAcquireMode returns "drain" or "query".
func (c *TuningConfig) GetAcquireMode() string {
	if c.AcquireMode == nil || *c.AcquireMode == "" {
		return AcquireDrain
	}
	return *c.AcquireMode
}

func (c *TuningConfig) GetQueryBufferCapacity() int { return intOr(c.QueryBufferCapacity, 10000) }

func (c *TuningConfig) GetQueryWindow() time.Duration {
	return durationOr(c.QueryWindow, 20*time.Millisecond)
}

func (c *TuningConfig) GetNoiseFilter() bool { return boolOr(c.NoiseFilter, false) }

func (c *TuningConfig) GetNoiseTemporalWindow() time.Duration {
	return durationOr(c.NoiseTemporalWindow, time.Millisecond)
}

func (c *TuningConfig) GetNoiseSpatialWindow() time.Duration {
	return durationOr(c.NoiseSpatialWindow, 10*time.Millisecond)
}

func (c *TuningConfig) GetNoiseSpatialRadius() int { return intOr(c.NoiseSpatialRadius, 1) }

// GetParticles returns the particle count.
func (c *TuningConfig) GetParticles() int { return intOr(c.Particles, 200) }

// GetWorkers returns the observation worker count.
func (c *TuningConfig) GetWorkers() int { return intOr(c.Workers, 4) }

func (c *TuningConfig) GetMotionVariance() float64 { return floatOr(c.MotionVariance, 0.7) }
func (c *TuningConfig) GetSeedVariance() float64   { return floatOr(c.SeedVariance, 9) }
func (c *TuningConfig) GetMinRadius() float64      { return floatOr(c.MinRadius, 4) }
func (c *TuningConfig) GetMaxRadius() float64      { return floatOr(c.MaxRadius, 40) }
func (c *TuningConfig) GetObsInlier() float64      { return floatOr(c.ObsInlier, 1.5) }
func (c *TuningConfig) GetObsOutlier() float64     { return floatOr(c.ObsOutlier, 0.25) }
func (c *TuningConfig) GetObsThresh() float64      { return floatOr(c.ObsThresh, 20) }
func (c *TuningConfig) GetInlierWidth() float64    { return floatOr(c.InlierWidth, 2) }
func (c *TuningConfig) GetOutlierWidth() float64   { return floatOr(c.OutlierWidth, 3) }
func (c *TuningConfig) GetAdaptive() bool          { return boolOr(c.Adaptive, false) }

func (c *TuningConfig) GetResampleThreshold() float64 { return floatOr(c.ResampleThreshold, 0.5) }
func (c *TuningConfig) GetNRandomise() float64        { return floatOr(c.NRandomise, 0.02) }

// GetRandomSeed returns the RNG seed; 0 means seed from the wall clock.
func (c *TuningConfig) GetRandomSeed() int64 {
	if c.RandomSeed == nil {
		return 0
	}
	return *c.RandomSeed
}

// GetSeed returns the configured initial hypothesis, if complete.
func (c *TuningConfig) GetSeed() (x, y, r float64, ok bool) {
	if c.SeedX == nil || c.SeedY == nil || c.SeedR == nil {
		return 0, 0, 0, false
	}
	return *c.SeedX, *c.SeedY, *c.SeedR, true
}

// GetDesiredDelay returns the per-cycle latency budget.
func (c *TuningConfig) GetDesiredDelay() time.Duration {
	return durationOr(c.DesiredDelay, 10*time.Millisecond)
}

func (c *TuningConfig) GetGain() float64    { return floatOr(c.Gain, 0.5) }
func (c *TuningConfig) GetMinEvents() int   { return intOr(c.MinEvents, 50) }
func (c *TuningConfig) GetAutoReseed() bool { return boolOr(c.AutoReseed, true) }

// GetInitialEvents returns the starting per-cycle event target.
func (c *TuningConfig) GetInitialEvents() int { return intOr(c.InitialEvents, 500) }

func (c *TuningConfig) GetDetectionThreshold() float64 {
	return floatOr(c.DetectionThreshold, 15)
}

// GetResetTimeout returns how long likelihood may stay below the detection
// threshold before the track is declared lost.
func (c *TuningConfig) GetResetTimeout() time.Duration {
	return durationOr(c.ResetTimeout, time.Second)
}

func (c *TuningConfig) GetHistorySize() int { return intOr(c.HistorySize, 600) }

// GetPublishInterval returns the output collector period.
func (c *TuningConfig) GetPublishInterval() time.Duration {
	return durationOr(c.PublishInterval, 20*time.Millisecond)
}
