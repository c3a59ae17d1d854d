// Package pf implements the particle filter that tracks a circular target's
// position and radius from windows of address events.
//
// A Filter is owned by a single goroutine (the control loop). Observation
// scoring fans out over a fixed number of worker goroutines that are joined
// before Observe returns; no Filter method is safe for concurrent use.
package pf

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/banshee-data/eventtrack/internal/event"
	"github.com/banshee-data/eventtrack/internal/timeutil"
)

var ErrInvalidSeed = errors.New("invalid seed")

// State is the filter's tracking state.
type State int

const (
	Uninitialized State = iota
	Tracking
	Lost
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Tracking:
		return "tracking"
	case Lost:
		return "lost"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Particle is one weighted (x, y, r) hypothesis. Score holds the raw
// likelihood from the most recent Observe.
type Particle struct {
	X, Y, R float64
	Weight  float64
	Score   float64
}

// Estimate is the weighted summary of the particle set.
type Estimate struct {
	X             float64 `json:"x"`
	Y             float64 `json:"y"`
	R             float64 `json:"r"`
	MaxLikelihood float64 `json:"max_likelihood"`
	Variance      float64 `json:"variance"` // positional variance, x plus y
	Stamp         uint32  `json:"stamp"`
}

// ObserveResult summarises one observation step.
type ObserveResult struct {
	Events        int     `json:"events"`
	MaxLikelihood float64 `json:"max_likelihood"`
	ScoreSum      float64 `json:"score_sum"`
	LowConfidence bool    `json:"low_confidence"` // max likelihood below ObsThresh
	Degenerate    bool    `json:"degenerate"`     // every score was zero; weights kept
}

// Filter is a fixed-size particle set with its sampling state.
type Filter struct {
	cfg Config

	particles []Particle
	next      []Particle

	// scratch for weighted statistics and resampling
	ws, xs, ys, rs, cum []float64

	partialSum []float64
	partialMax []float64
	order      []int

	rng    *rand.Rand
	normal distuv.Normal

	state     State
	lastGood  time.Time
	lastStamp uint32
	lastObs   ObserveResult
	lostCount uint64
}

// NewFilter validates cfg and allocates the particle set. The filter starts
// Uninitialized; call Seed or SeedUniform before stepping it.
func NewFilter(cfg Config) (*Filter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	seed := cfg.RandomSeed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	src := rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)

	n := cfg.Particles
	f := &Filter{
		cfg:        cfg,
		particles:  make([]Particle, n),
		next:       make([]Particle, n),
		ws:         make([]float64, n),
		xs:         make([]float64, n),
		ys:         make([]float64, n),
		rs:         make([]float64, n),
		cum:        make([]float64, n),
		partialSum: make([]float64, cfg.Workers),
		partialMax: make([]float64, cfg.Workers),
		order:      make([]int, n),
		rng:        rand.New(src),
		normal:     distuv.Normal{Mu: 0, Sigma: 1, Src: src},
	}
	for i := range f.order {
		f.order[i] = i
	}
	return f, nil
}

// Config returns the current configuration.
func (f *Filter) Config() Config { return f.cfg }

// UpdateConfig applies fn to a copy of the configuration and installs it if
// it validates. Resolution, Particles, Workers and RandomSeed cannot change.
func (f *Filter) UpdateConfig(fn func(*Config)) error {
	next := f.cfg
	fn(&next)
	if err := f.cfg.CheckUpdate(next); err != nil {
		return err
	}
	f.cfg = next
	return nil
}

// State returns the tracking state.
func (f *Filter) State() State { return f.state }

// LostCount returns how many times the filter has transitioned to Lost.
func (f *Filter) LostCount() uint64 { return f.lostCount }

// LastObservation returns the result of the most recent Observe.
func (f *Filter) LastObservation() ObserveResult { return f.lastObs }

// Particles returns a copy of the particle set.
func (f *Filter) Particles() []Particle {
	return append([]Particle(nil), f.particles...)
}

// Seed spreads the particles around (x, y, r) with the configured seed
// variance and moves the filter to Tracking. Draws are taken in mirrored
// pairs so the set is centred exactly on the seed.
func (f *Filter) Seed(x, y, r float64) error {
	if math.IsNaN(x) || math.IsNaN(y) || !f.cfg.Resolution.InFrame(x, y) || !(r > 0) {
		return fmt.Errorf("%w: (%.2f, %.2f, r=%.2f) on a %dx%d frame",
			ErrInvalidSeed, x, y, r, f.cfg.Resolution.Width, f.cfg.Resolution.Height)
	}
	sd := math.Sqrt(f.cfg.SeedVariance)
	var dx, dy, dr float64
	for i := range f.particles {
		if i%2 == 0 {
			dx, dy, dr = f.normal.Rand()*sd, f.normal.Rand()*sd, f.normal.Rand()*sd
		} else {
			dx, dy, dr = -dx, -dy, -dr
		}
		f.particles[i] = f.bounded(x+dx, y+dy, r+dr)
	}
	f.resetWeights()
	f.startTracking()
	return nil
}

// SeedUniform spreads the particles uniformly over the frame and the radius
// range. It is the broad-search reseed used after losing track.
func (f *Filter) SeedUniform() {
	w := float64(f.cfg.Resolution.Width - 1)
	h := float64(f.cfg.Resolution.Height - 1)
	for i := range f.particles {
		f.particles[i] = Particle{
			X: f.rng.Float64() * w,
			Y: f.rng.Float64() * h,
			R: f.cfg.MinRadius + f.rng.Float64()*(f.cfg.MaxRadius-f.cfg.MinRadius),
		}
	}
	f.resetWeights()
	f.startTracking()
}

func (f *Filter) startTracking() {
	f.state = Tracking
	f.lastGood = time.Time{}
	f.lastObs = ObserveResult{}
}

func (f *Filter) resetWeights() {
	w := 1 / float64(len(f.particles))
	for i := range f.particles {
		f.particles[i].Weight = w
	}
}

// bounded clamps a hypothesis onto the frame and the radius range.
func (f *Filter) bounded(x, y, r float64) Particle {
	return Particle{
		X: clamp(x, 0, float64(f.cfg.Resolution.Width-1)),
		Y: clamp(y, 0, float64(f.cfg.Resolution.Height-1)),
		R: clamp(r, f.cfg.MinRadius, f.cfg.MaxRadius),
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// Predict applies the random-walk motion model to every particle.
func (f *Filter) Predict() {
	if f.state == Uninitialized {
		return
	}
	sd := math.Sqrt(f.cfg.MotionVariance)
	if sd == 0 {
		return
	}
	for i := range f.particles {
		p := &f.particles[i]
		np := f.bounded(p.X+f.normal.Rand()*sd, p.Y+f.normal.Rand()*sd, p.R+f.normal.Rand()*sd)
		p.X, p.Y, p.R = np.X, np.Y, np.R
	}
}

// EffectiveSampleSize returns 1/Σw².
func (f *Filter) EffectiveSampleSize() float64 {
	var sq float64
	for _, p := range f.particles {
		sq += p.Weight * p.Weight
	}
	if sq == 0 {
		return 0
	}
	return 1 / sq
}

// Estimate returns the weighted mean and positional variance of the set.
func (f *Filter) Estimate() Estimate {
	if f.state == Uninitialized {
		return Estimate{}
	}
	for i, p := range f.particles {
		f.ws[i], f.xs[i], f.ys[i], f.rs[i] = p.Weight, p.X, p.Y, p.R
	}
	mx, vx := stat.PopMeanVariance(f.xs, f.ws)
	my, vy := stat.PopMeanVariance(f.ys, f.ws)
	return Estimate{
		X:             mx,
		Y:             my,
		R:             stat.Mean(f.rs, f.ws),
		MaxLikelihood: f.lastObs.MaxLikelihood,
		Variance:      vx + vy,
		Stamp:         f.lastStamp,
	}
}

// Step runs one predict, observe, estimate and resample cycle. The returned
// estimate is taken after weighting and before resampling.
func (f *Filter) Step(w event.Window) (Estimate, ObserveResult) {
	f.Predict()
	obs := f.Observe(w)
	est := f.Estimate()
	f.Resample()
	return est, obs
}

// UpdateTrackStatus feeds a cycle's max likelihood into loss detection and
// reports whether the filter has just moved to Lost. The reset timeout is
// measured from the first update after seeding.
func (f *Filter) UpdateTrackStatus(maxLikelihood float64, now time.Time) bool {
	if f.state != Tracking {
		return false
	}
	if maxLikelihood > f.cfg.DetectionThreshold || f.lastGood.IsZero() {
		f.lastGood = now
		return false
	}
	if now.Sub(f.lastGood) > f.cfg.ResetTimeout {
		f.state = Lost
		f.lostCount++
		return true
	}
	return false
}

// RestartLossTimer makes the next UpdateTrackStatus call restart the reset
// timeout, as after seeding. Used when the loop resumes from a pause.
func (f *Filter) RestartLossTimer() { f.lastGood = time.Time{} }

// newestStamp returns the latest stamp in w on the wrapping clock.
func newestStamp(w event.Window) uint32 {
	s := w[0].Stamp
	for _, e := range w[1:] {
		if timeutil.AtOrAfter(e.Stamp, s) {
			s = e.Stamp
		}
	}
	return s
}
