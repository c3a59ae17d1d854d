package pf

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/eventtrack/internal/event"
	"github.com/banshee-data/eventtrack/internal/testutil"
)

func testConfig(particles, workers int) Config {
	cfg := DefaultConfig()
	cfg.Particles = particles
	cfg.Workers = workers
	cfg.RandomSeed = 20260115
	return cfg
}

func newSeededFilter(t *testing.T, cfg Config, x, y, r float64) *Filter {
	t.Helper()
	f, err := NewFilter(cfg)
	require.NoError(t, err)
	require.NoError(t, f.Seed(x, y, r))
	return f
}

func weightSum(ps []Particle) float64 {
	var s float64
	for _, p := range ps {
		s += p.Weight
	}
	return s
}

func TestNewFilter_RejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	_, err := NewFilter(testConfig(0, 1))
	assert.ErrorIs(t, err, ErrInvalidParticles)

	_, err = NewFilter(testConfig(10, 0))
	assert.ErrorIs(t, err, ErrInvalidWorkers)

	cfg := testConfig(10, 1)
	cfg.NRandomise = 2
	_, err = NewFilter(cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestSeed_RejectsInvalidSeed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		x, y, r float64
	}{
		{"negative x", -1, 10, 5},
		{"x beyond frame", 128, 10, 5},
		{"y beyond frame", 10, 500, 5},
		{"zero radius", 10, 10, 0},
		{"negative radius", 10, 10, -3},
		{"nan", math.NaN(), 10, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := NewFilter(testConfig(10, 1))
			require.NoError(t, err)
			err = f.Seed(tt.x, tt.y, tt.r)
			assert.True(t, errors.Is(err, ErrInvalidSeed), "got %v", err)
			assert.Equal(t, Uninitialized, f.State())
		})
	}
}

func TestSeed_CentresParticlesOnSeed(t *testing.T) {
	t.Parallel()

	f := newSeededFilter(t, testConfig(100, 2), 64, 64, 20)
	assert.Equal(t, Tracking, f.State())

	est := f.Estimate()
	assert.InDelta(t, 64, est.X, 1e-9)
	assert.InDelta(t, 64, est.Y, 1e-9)
	assert.InDelta(t, 20, est.R, 1e-9)
	assert.Greater(t, est.Variance, 0.0)
	assert.InDelta(t, 1, weightSum(f.Particles()), 1e-12)
}

func TestObserve_NormalisesWeights(t *testing.T) {
	t.Parallel()

	for _, n := range []int{1, 7, 50, 256} {
		f := newSeededFilter(t, testConfig(n, 3), 64, 64, 10)
		res := f.Observe(testutil.RingEvents(66, 64, 10, 120, 0))
		if res.Degenerate {
			continue
		}
		assert.InDelta(t, 1, weightSum(f.Particles()), 1e-9, "n=%d", n)
		for _, p := range f.Particles() {
			assert.GreaterOrEqual(t, p.Weight, 0.0)
		}
	}
}

func TestScoreSlice_PenaltyRegion(t *testing.T) {
	t.Parallel()

	sp := scoreParams{inlier: 1.5, outlier: 0.25, inlierWidth: 2, outerBand: 4}
	boundary := event.Event{X: 74, Y: 64}
	tests := []struct {
		name  string
		extra event.Event
		want  float64
	}{
		{"centre is penalised", event.Event{X: 64, Y: 64}, 1.25},
		{"interior is penalised", event.Event{X: 68, Y: 64}, 1.25},
		{"band just outside is penalised", event.Event{X: 77, Y: 64}, 1.25},
		{"far outside is ignored", event.Event{X: 100, Y: 64}, 1.5},
		{"second boundary event adds", event.Event{X: 54, Y: 64}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ps := []Particle{{X: 64, Y: 64, R: 10}}
			sum, best := scoreSlice(ps, event.Window{boundary, tt.extra}, sp)
			assert.InDelta(t, tt.want, ps[0].Score, 1e-9)
			assert.InDelta(t, tt.want, sum, 1e-9)
			assert.InDelta(t, tt.want, best, 1e-9)
		})
	}

	// Penalties never drive a score below zero.
	ps := []Particle{{X: 64, Y: 64, R: 10}}
	scoreSlice(ps, event.Window{{X: 64, Y: 64}}, sp)
	assert.Zero(t, ps[0].Score)
}

func TestObserve_EmptyWindowIsNoop(t *testing.T) {
	t.Parallel()

	f := newSeededFilter(t, testConfig(20, 2), 40, 40, 8)
	before := f.Particles()

	res := f.Observe(nil)
	assert.Equal(t, 0, res.Events)
	assert.True(t, res.LowConfidence)
	if diff := cmp.Diff(before, f.Particles()); diff != "" {
		t.Errorf("particles changed on empty window (-before +after):\n%s", diff)
	}
}

func TestObserve_AllZeroScoresKeepWeights(t *testing.T) {
	t.Parallel()

	f := newSeededFilter(t, testConfig(20, 2), 100, 100, 5)
	before := f.Particles()

	res := f.Observe(event.Window{{X: 0, Y: 0, Stamp: 1}, {X: 1, Y: 0, Stamp: 2}})
	assert.True(t, res.Degenerate)
	assert.True(t, res.LowConfidence)
	assert.Zero(t, res.MaxLikelihood)
	for i, p := range f.Particles() {
		assert.Equal(t, before[i].Weight, p.Weight)
	}
}

func TestObserve_ScoresIndependentOfWorkerCount(t *testing.T) {
	t.Parallel()

	window := testutil.RingEvents(60, 70, 12, 300, 0)
	var reference []Particle
	for _, workers := range []int{1, 2, 3, 8, 61, 200} {
		f := newSeededFilter(t, testConfig(61, workers), 64, 64, 10)
		f.Observe(window)
		got := f.Particles()
		if reference == nil {
			reference = got
			continue
		}
		require.Len(t, got, len(reference))
		for i := range got {
			assert.Equal(t, reference[i].Score, got[i].Score, "workers=%d particle %d", workers, i)
			assert.InDelta(t, reference[i].Weight, got[i].Weight, 1e-12, "workers=%d particle %d", workers, i)
		}
	}
}

func TestObserve_StampIsNewestAcrossWrap(t *testing.T) {
	t.Parallel()

	f := newSeededFilter(t, testConfig(10, 1), 64, 64, 10)
	f.Observe(event.Window{{X: 1, Stamp: 1<<24 - 3}, {X: 2, Stamp: 4}, {X: 3, Stamp: 1<<24 - 1}})
	assert.Equal(t, uint32(4), f.Estimate().Stamp)
}

func TestResample_PreservesParticleCount(t *testing.T) {
	t.Parallel()

	for _, n := range []int{1, 2, 7, 50, 333} {
		cfg := testConfig(n, 4)
		f := newSeededFilter(t, cfg, 64, 64, 10)
		f.Observe(testutil.RingEvents(68, 66, 10, 150, 0))

		require.True(t, f.Resample(), "n=%d", n)
		ps := f.Particles()
		require.Len(t, ps, n)
		for _, p := range ps {
			assert.InDelta(t, 1/float64(n), p.Weight, 1e-15)
		}
	}
}

func TestResample_AdaptiveSkipsHealthySet(t *testing.T) {
	t.Parallel()

	cfg := testConfig(40, 2)
	cfg.Adaptive = true
	f := newSeededFilter(t, cfg, 64, 64, 10)
	assert.InDelta(t, 40, f.EffectiveSampleSize(), 1e-9)
	assert.False(t, f.Resample())
}

func TestResample_ConcentratesOnHeavyParticle(t *testing.T) {
	t.Parallel()

	cfg := testConfig(30, 2)
	cfg.NRandomise = 0
	f := newSeededFilter(t, cfg, 64, 64, 10)
	for i := range f.particles {
		f.particles[i].Weight = 0
	}
	heavy := f.particles[17]
	f.particles[17].Weight = 1
	assert.InDelta(t, 1, f.EffectiveSampleSize(), 1e-12)

	require.True(t, f.Resample())
	for _, p := range f.Particles() {
		assert.Equal(t, heavy.X, p.X)
		assert.Equal(t, heavy.Y, p.Y)
		assert.Equal(t, heavy.R, p.R)
	}
}

func TestResample_RandomisesFraction(t *testing.T) {
	t.Parallel()

	cfg := testConfig(100, 2)
	cfg.NRandomise = 0.1
	f := newSeededFilter(t, cfg, 64, 64, 10)
	for i := range f.particles {
		f.particles[i].Weight = 0
	}
	heavy := f.particles[0]
	f.particles[0].Weight = 1

	require.True(t, f.Resample())
	moved := 0
	for _, p := range f.Particles() {
		if p.X != heavy.X || p.Y != heavy.Y {
			moved++
		}
	}
	// round(0.1*100) distinct particles are redrawn.
	assert.Equal(t, 10, moved)
}

func TestResample_RandomisesWholeSet(t *testing.T) {
	t.Parallel()

	cfg := testConfig(40, 1)
	cfg.NRandomise = 1
	f := newSeededFilter(t, cfg, 64, 64, 10)
	for i := range f.particles {
		f.particles[i].Weight = 0
	}
	heavy := f.particles[3]
	f.particles[3].Weight = 1

	for round := 0; round < 3; round++ {
		require.True(t, f.Resample())
		for i, p := range f.Particles() {
			assert.False(t, p.X == heavy.X && p.Y == heavy.Y, "round %d: particle %d kept", round, i)
		}
		for i := range f.particles {
			f.particles[i] = heavy
		}
	}
}

func TestPredict_StaysInBounds(t *testing.T) {
	t.Parallel()

	cfg := testConfig(64, 1)
	cfg.MotionVariance = 25
	f := newSeededFilter(t, cfg, 1, 126, cfg.MinRadius)
	for i := 0; i < 50; i++ {
		f.Predict()
	}
	for _, p := range f.Particles() {
		assert.True(t, cfg.Resolution.InFrame(p.X, p.Y), "particle off frame: %+v", p)
		assert.GreaterOrEqual(t, p.R, cfg.MinRadius)
		assert.LessOrEqual(t, p.R, cfg.MaxRadius)
	}
}

func TestSeedUniform_CoversFrame(t *testing.T) {
	t.Parallel()

	f, err := NewFilter(testConfig(500, 2))
	require.NoError(t, err)
	f.SeedUniform()
	assert.Equal(t, Tracking, f.State())

	est := f.Estimate()
	assert.InDelta(t, 63.5, est.X, 8)
	assert.InDelta(t, 63.5, est.Y, 8)
	assert.Greater(t, est.Variance, 1000.0)
}

func TestLossAndRecovery(t *testing.T) {
	t.Parallel()

	cfg := testConfig(50, 2)
	cfg.ResetTimeout = 500 * time.Millisecond
	f := newSeededFilter(t, cfg, 64, 64, 10)

	silence := event.Window{{X: 0, Y: 0, Stamp: 1}}
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i <= 5; i++ {
		_, obs := f.Step(silence)
		require.Less(t, obs.MaxLikelihood, cfg.DetectionThreshold)
		lost := f.UpdateTrackStatus(obs.MaxLikelihood, start.Add(time.Duration(i)*100*time.Millisecond))
		require.False(t, lost, "lost after %d ms", i*100)
		require.Equal(t, Tracking, f.State())
	}

	lost := f.UpdateTrackStatus(0, start.Add(600*time.Millisecond))
	assert.True(t, lost)
	assert.Equal(t, Lost, f.State())
	assert.Equal(t, uint64(1), f.LostCount())

	// Further low-likelihood cycles do not re-report the transition.
	assert.False(t, f.UpdateTrackStatus(0, start.Add(time.Second)))

	require.NoError(t, f.Seed(30, 40, 8))
	assert.Equal(t, Tracking, f.State())
	est := f.Estimate()
	assert.InDelta(t, 30, est.X, 1e-9)
	assert.InDelta(t, 40, est.Y, 1e-9)
}

func TestUpdateTrackStatus_GoodLikelihoodResetsTimer(t *testing.T) {
	t.Parallel()

	cfg := testConfig(10, 1)
	cfg.ResetTimeout = time.Second
	f := newSeededFilter(t, cfg, 64, 64, 10)
	start := time.Unix(1000, 0)

	f.UpdateTrackStatus(0, start)
	f.UpdateTrackStatus(cfg.DetectionThreshold+1, start.Add(900*time.Millisecond))
	assert.False(t, f.UpdateTrackStatus(0, start.Add(1800*time.Millisecond)))
	assert.True(t, f.UpdateTrackStatus(0, start.Add(2*time.Second)))
}

func TestStep_RingPullsEstimateTowardTarget(t *testing.T) {
	t.Parallel()

	cfg := testConfig(50, 4)
	cfg.Resolution = event.Resolution{Width: 128, Height: 128}
	f := newSeededFilter(t, cfg, 64, 64, 10)

	est, obs := f.Step(testutil.RingEvents(70, 70, 10, 200, 0))

	before := math.Hypot(70-64, 70-64)
	after := math.Hypot(70-est.X, 70-est.Y)
	assert.Less(t, after, before, "estimate (%.2f, %.2f) did not move toward (70, 70)", est.X, est.Y)
	assert.Greater(t, obs.MaxLikelihood, cfg.ObsThresh)
	assert.Equal(t, 200, obs.Events)
	assert.Len(t, f.Particles(), 50)
}

func TestStep_TracksMovingRing(t *testing.T) {
	t.Parallel()

	cfg := testConfig(300, 4)
	cfg.Adaptive = false
	f := newSeededFilter(t, cfg, 50, 50, 12)
	cx, cy := 50.0, 50.0
	for i := 0; i < 40; i++ {
		cx += 0.5
		cy += 0.25
		f.Step(testutil.RingEvents(cx, cy, 12, 150, 0))
	}
	// The random-walk model trails a moving target slightly.
	est := f.Estimate()
	assert.InDelta(t, cx, est.X, 2.5)
	assert.InDelta(t, cy, est.Y, 2.5)
	assert.InDelta(t, 12, est.R, 1.5)
}

func TestUpdateConfig(t *testing.T) {
	t.Parallel()

	f, err := NewFilter(testConfig(10, 2))
	require.NoError(t, err)

	assert.ErrorIs(t, f.UpdateConfig(func(c *Config) { c.Particles = 20 }), ErrFixedParameter)
	assert.ErrorIs(t, f.UpdateConfig(func(c *Config) { c.Workers = 3 }), ErrFixedParameter)
	assert.ErrorIs(t, f.UpdateConfig(func(c *Config) { c.InlierWidth = 0 }), ErrInvalidConfig)

	require.NoError(t, f.UpdateConfig(func(c *Config) { c.MotionVariance = 2.5 }))
	assert.Equal(t, 2.5, f.Config().MotionVariance)
}

func TestStateString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "uninitialized", Uninitialized.String())
	assert.Equal(t, "tracking", Tracking.String())
	assert.Equal(t, "lost", Lost.String())
	assert.Equal(t, "State(9)", State(9).String())
}

func TestRestartLossTimer(t *testing.T) {
	cfg := testConfig(20, 1)
	cfg.ResetTimeout = time.Second
	f := newSeededFilter(t, cfg, 64, 64, 10)
	start := time.Unix(0, 0)
	assert.False(t, f.UpdateTrackStatus(0, start))
	f.RestartLossTimer()
	// Two seconds later would be a loss without the restart.
	assert.False(t, f.UpdateTrackStatus(0, start.Add(2*time.Second)))
	assert.True(t, f.UpdateTrackStatus(0, start.Add(4*time.Second)))
}
