package control

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/eventtrack/internal/config"
	"github.com/banshee-data/eventtrack/internal/event"
	"github.com/banshee-data/eventtrack/internal/eventq"
	"github.com/banshee-data/eventtrack/internal/pf"
	"github.com/banshee-data/eventtrack/internal/sink"
	"github.com/banshee-data/eventtrack/internal/surface"
	"github.com/banshee-data/eventtrack/internal/testutil"
	"github.com/banshee-data/eventtrack/internal/timeutil"
)

var testRes = event.Resolution{Width: 128, Height: 128}

const eventually = 5 * time.Second

type recordSink struct {
	mu   sync.Mutex
	outs []sink.Output
	err  error
}

func (r *recordSink) Publish(o sink.Output) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outs = append(r.outs, o)
	return r.err
}

func (r *recordSink) outputs() []sink.Output {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sink.Output(nil), r.outs...)
}

func (r *recordSink) processed() int {
	n := 0
	for _, o := range r.outputs() {
		n += o.EventsProcessed
	}
	return n
}

func newTestFilter(t *testing.T, mutate func(*pf.Config)) *pf.Filter {
	t.Helper()
	cfg := pf.DefaultConfig()
	cfg.Particles = 100
	cfg.Workers = 2
	cfg.RandomSeed = 7
	if mutate != nil {
		mutate(&cfg)
	}
	f, err := pf.NewFilter(cfg)
	require.NoError(t, err)
	return f
}

func newTestQueue(t *testing.T) *eventq.Queue {
	t.Helper()
	q, err := eventq.New(testRes, 4000)
	require.NoError(t, err)
	return q
}

func drainConfig() Config {
	cfg := DefaultConfig()
	cfg.Mode = ModeDrain
	cfg.MaxEvents = 4000
	return cfg
}

// startLoop runs l in the background and returns a function that cancels
// it and returns Run's result.
func startLoop(t *testing.T, l *Loop) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	var once sync.Once
	var result error
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case result = <-done:
			case <-time.After(eventually):
				t.Fatal("Run did not return after cancel")
			}
		})
		return result
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

func waitCycles(t *testing.T, l *Loop, n uint64) {
	t.Helper()
	require.Eventually(t, func() bool { return l.Diagnostics().Cycle >= n },
		eventually, time.Millisecond, "loop did not reach cycle %d", n)
}

func TestNewLoop_Validation(t *testing.T) {
	f := newTestFilter(t, nil)

	_, err := NewLoop(drainConfig(), f, Inputs{}, nil, nil)
	assert.ErrorIs(t, err, ErrNoInput)

	qcfg := drainConfig()
	qcfg.Mode = ModeQuery
	_, err = NewLoop(qcfg, f, Inputs{Queue: newTestQueue(t)}, nil, nil)
	assert.ErrorIs(t, err, ErrNoInput)

	bad := drainConfig()
	bad.DesiredDelay = 0
	_, err = NewLoop(bad, f, Inputs{Queue: newTestQueue(t)}, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidDelay)

	bad = drainConfig()
	bad.MinEvents = 0
	_, err = NewLoop(bad, f, Inputs{Queue: newTestQueue(t)}, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidMinEvents)

	_, err = NewLoop(drainConfig(), nil, Inputs{Queue: newTestQueue(t)}, nil, nil)
	assert.Error(t, err)
}

func TestConfigFromTuning(t *testing.T) {
	tc := config.EmptyTuningConfig()
	mode := config.AcquireQuery
	capacity := 1234
	tc.AcquireMode = &mode
	tc.QueryBufferCapacity = &capacity

	cfg := ConfigFromTuning(tc)
	assert.Equal(t, ModeQuery, cfg.Mode)
	assert.Equal(t, 1234, cfg.MaxEvents)
	assert.Equal(t, 10*time.Millisecond, cfg.DesiredDelay)
	require.NoError(t, cfg.Validate())

	def := DefaultConfig()
	assert.Equal(t, ModeDrain, def.Mode)
	assert.Equal(t, tc.GetQueueCapacity(), def.MaxEvents)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode(" Query ")
	require.NoError(t, err)
	assert.Equal(t, ModeQuery, m)

	m, err = ParseMode("drain")
	require.NoError(t, err)
	assert.Equal(t, ModeDrain, m)

	_, err = ParseMode("poll")
	assert.ErrorIs(t, err, ErrInvalidMode)
	assert.Equal(t, "Mode(9)", Mode(9).String())
}

func TestLoop_StopsCleanlyWhenIdle(t *testing.T) {
	l, err := NewLoop(drainConfig(), newTestFilter(t, nil), Inputs{Queue: newTestQueue(t)}, nil, nil)
	require.NoError(t, err)
	stop := startLoop(t, l)
	time.Sleep(20 * time.Millisecond)
	assert.NoError(t, stop())
	assert.Zero(t, l.Diagnostics().Cycle)
}

func TestLoop_DrainModeTracksRing(t *testing.T) {
	f := newTestFilter(t, nil)
	require.NoError(t, f.Seed(64, 64, 10))
	q := newTestQueue(t)
	rec := &recordSink{}
	l, err := NewLoop(drainConfig(), f, Inputs{Queue: q}, rec, nil)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		q.AddBatch(testutil.Batch(testutil.RingEvents(70, 70, 10, 500, uint32(i*500))))
	}
	stop := startLoop(t, l)
	require.Eventually(t, func() bool { return rec.processed() == 2000 }, eventually, time.Millisecond)
	require.NoError(t, stop())

	outs := rec.outputs()
	require.NotEmpty(t, outs)
	for i, o := range outs {
		assert.Equal(t, uint64(i+1), o.Cycle)
		assert.Equal(t, "tracking", o.State)
		assert.LessOrEqual(t, o.EventsProcessed, 4000)
		if i > 0 {
			assert.InDelta(t, o.Estimate.X-outs[i-1].Estimate.X, o.DX, 1e-9)
			assert.InDelta(t, o.Estimate.R-outs[i-1].Estimate.R, o.DR, 1e-9)
		}
	}
	last := outs[len(outs)-1].Estimate
	seedDist := math.Hypot(64-70, 64-70)
	assert.Less(t, math.Hypot(last.X-70, last.Y-70), seedDist, "estimate %+v did not move towards the ring", last)

	d := l.Diagnostics()
	assert.Equal(t, "drain", d.Mode)
	assert.Greater(t, d.ESS, 0.0)
	assert.Zero(t, d.Reseeds, "an explicit seed needs no broad search")
}

func TestLoop_UnseededFilterStartsBroadSearch(t *testing.T) {
	q := newTestQueue(t)
	l, err := NewLoop(drainConfig(), newTestFilter(t, nil), Inputs{Queue: q}, nil, nil)
	require.NoError(t, err)
	q.AddBatch(testutil.Batch(testutil.RingEvents(40, 40, 8, 100, 0)))
	stop := startLoop(t, l)
	waitCycles(t, l, 1)
	require.NoError(t, stop())

	d := l.Diagnostics()
	assert.Equal(t, uint64(1), d.Reseeds)
	assert.Equal(t, pf.Tracking, l.filter.State())
}

func TestLoop_ReseedValidation(t *testing.T) {
	l, err := NewLoop(drainConfig(), newTestFilter(t, nil), Inputs{Queue: newTestQueue(t)}, nil, nil)
	require.NoError(t, err)

	for _, s := range [][3]float64{{-1, 5, 3}, {128, 5, 3}, {5, 5, 0}, {math.NaN(), 5, 3}, {5, 5, math.Inf(1)}} {
		assert.ErrorIs(t, l.Reseed(s[0], s[1], s[2]), pf.ErrInvalidSeed, "seed %v", s)
	}
	assert.NoError(t, l.Reseed(5, 5, 3))
}

func TestLoop_ReseedAppliedBeforeNextCycle(t *testing.T) {
	q := newTestQueue(t)
	rec := &recordSink{}
	l, err := NewLoop(drainConfig(), newTestFilter(t, nil), Inputs{Queue: q}, rec, nil)
	require.NoError(t, err)
	require.NoError(t, l.Reseed(30, 30, 8))

	// Far from every hypothesis, so the observation leaves the weights alone.
	q.AddBatch(testutil.Batch([]event.Event{{X: 127, Y: 0}, {X: 127, Y: 1}, {X: 126, Y: 0}}))
	stop := startLoop(t, l)
	waitCycles(t, l, 1)
	require.NoError(t, stop())

	outs := rec.outputs()
	require.Len(t, outs, 1)
	assert.InDelta(t, 30, outs[0].Estimate.X, 1)
	assert.InDelta(t, 30, outs[0].Estimate.Y, 1)
	assert.InDelta(t, 8, outs[0].Estimate.R, 1)
	assert.Equal(t, uint64(1), l.Diagnostics().Reseeds)
}

func TestLoop_PauseResume(t *testing.T) {
	q := newTestQueue(t)
	l, err := NewLoop(drainConfig(), newTestFilter(t, nil), Inputs{Queue: q}, nil, nil)
	require.NoError(t, err)
	stop := startLoop(t, l)

	q.AddBatch(testutil.Batch(testutil.RingEvents(40, 40, 8, 50, 0)))
	waitCycles(t, l, 1)

	l.Pause()
	assert.True(t, l.Paused())
	assert.True(t, l.Diagnostics().Paused)

	// At most one cycle can be in flight when Pause lands.
	q.AddBatch(testutil.Batch(testutil.RingEvents(40, 40, 8, 50, 100)))
	time.Sleep(50 * time.Millisecond)
	paused := l.Diagnostics().Cycle
	q.AddBatch(testutil.Batch(testutil.RingEvents(40, 40, 8, 50, 200)))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, paused, l.Diagnostics().Cycle, "loop cycled while paused")
	assert.Positive(t, q.Len(), "events should accumulate while paused")

	l.Resume()
	assert.False(t, l.Paused())
	waitCycles(t, l, paused+1)
	require.Eventually(t, func() bool { return q.Len() == 0 }, eventually, time.Millisecond)
	require.NoError(t, stop())
}

func TestLoop_TrackLoss(t *testing.T) {
	tests := []struct {
		name       string
		autoReseed bool
		wantState  string
	}{
		{"auto reseed", true, "tracking"},
		{"stays lost", false, "lost"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTestFilter(t, func(c *pf.Config) { c.ResetTimeout = time.Nanosecond })
			require.NoError(t, f.Seed(64, 64, 10))
			q := newTestQueue(t)
			cfg := drainConfig()
			cfg.AutoReseed = tt.autoReseed
			l, err := NewLoop(cfg, f, Inputs{Queue: q}, nil, nil)
			require.NoError(t, err)
			stop := startLoop(t, l)

			// A single event can never clear the detection threshold.
			for i := uint64(1); i <= 2; i++ {
				time.Sleep(time.Millisecond)
				q.Add(event.Event{X: 0, Y: 0, Stamp: uint32(i)})
				waitCycles(t, l, i)
			}
			require.NoError(t, stop())

			d := l.Diagnostics()
			assert.Equal(t, uint64(1), d.LostCount)
			assert.Equal(t, tt.wantState, d.State)
			if tt.autoReseed {
				assert.Equal(t, uint64(1), d.Reseeds)
			} else {
				assert.Zero(t, d.Reseeds)
			}
		})
	}
}

func TestLoop_History(t *testing.T) {
	q := newTestQueue(t)
	cfg := drainConfig()
	cfg.HistorySize = 3
	l, err := NewLoop(cfg, newTestFilter(t, nil), Inputs{Queue: q}, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, l.History())

	stop := startLoop(t, l)
	for i := uint64(1); i <= 5; i++ {
		q.Add(event.Event{X: 10, Y: 10, Stamp: uint32(i)})
		waitCycles(t, l, i)
		if i == 2 {
			h := l.History()
			require.Len(t, h, 2)
			assert.Equal(t, uint64(1), h[0].Cycle)
		}
	}
	require.NoError(t, stop())

	h := l.History()
	require.Len(t, h, 3)
	for i, d := range h {
		assert.Equal(t, uint64(i+3), d.Cycle)
	}
}

func TestLoop_PublishErrorsAreCounted(t *testing.T) {
	q := newTestQueue(t)
	rec := &recordSink{err: errors.New("broker down")}
	l, err := NewLoop(drainConfig(), newTestFilter(t, nil), Inputs{Queue: q}, rec, nil)
	require.NoError(t, err)
	stop := startLoop(t, l)

	for i := uint64(1); i <= 2; i++ {
		q.Add(event.Event{X: 10, Y: 10, Stamp: uint32(i)})
		waitCycles(t, l, i)
	}
	require.NoError(t, stop())
	assert.Equal(t, uint64(2), l.Diagnostics().PublishErrors)
}

func TestLoop_QueryMode(t *testing.T) {
	h, err := surface.NewHandler(testRes, 10000, timeutil.RealClock{})
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.Mode = ModeQuery
	cfg.MaxEvents = 10000
	cfg.QueryWindow = 20 * time.Millisecond
	cfg.DesiredDelay = 10 * time.Millisecond
	rec := &recordSink{}
	f := newTestFilter(t, nil)
	require.NoError(t, f.Seed(64, 64, 10))
	l, err := NewLoop(cfg, f, Inputs{Surface: h}, rec, nil)
	require.NoError(t, err)

	h.AddBatch(testutil.Batch(testutil.RingEvents(66, 66, 10, 200, 1000)))
	stop := startLoop(t, l)
	waitCycles(t, l, 1)

	// The next condition is 10ms of sensor time later; nothing before it
	// completes a cycle.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, uint64(1), l.Diagnostics().Cycle)

	// Events stamped after the condition are discarded by the query, so
	// this batch ends exactly on it.
	h.AddBatch(testutil.Batch(testutil.RingEvents(66, 66, 10, 200, 1199+10000-199)))
	waitCycles(t, l, 2)
	require.NoError(t, stop())

	outs := rec.outputs()
	require.Len(t, outs, 2)
	assert.Equal(t, 200, outs[0].EventsProcessed)
	assert.Equal(t, 200, outs[1].EventsProcessed)
	assert.Equal(t, uint32(1199+10000), outs[1].Estimate.Stamp)
	assert.Equal(t, "query", l.Diagnostics().Mode)
}

func TestLoop_QueryModeShedsOldestBeyondTarget(t *testing.T) {
	h, err := surface.NewHandler(testRes, 10000, timeutil.RealClock{})
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.Mode = ModeQuery
	cfg.MaxEvents = 10000
	cfg.MinEvents = 10
	cfg.InitialEvents = 50
	rec := &recordSink{}
	l, err := NewLoop(cfg, newTestFilter(t, nil), Inputs{Surface: h}, rec, nil)
	require.NoError(t, err)

	h.AddBatch(testutil.Batch(testutil.RingEvents(66, 66, 10, 200, 1000)))
	stop := startLoop(t, l)
	waitCycles(t, l, 1)
	require.NoError(t, stop())

	outs := rec.outputs()
	require.Len(t, outs, 1)
	assert.Equal(t, 50, outs[0].EventsProcessed)
	assert.GreaterOrEqual(t, outs[0].Backlog, 150)
	assert.Equal(t, uint32(1199), outs[0].Estimate.Stamp, "the newest events are kept")
	assert.Equal(t, uint64(150), l.Diagnostics().Shed)
}

// commandingSurface issues a command from the loop goroutine just before
// the second query parks, the window where an admin call races the wait.
type commandingSurface struct {
	*surface.Handler
	calls   atomic.Int32
	command func()
}

func (s *commandingSurface) Query(ctx context.Context, cond, window uint32) (event.Window, error) {
	if s.calls.Add(1) == 2 {
		s.command()
	}
	return s.Handler.Query(ctx, cond, window)
}

func TestLoop_QueryModeCommandBeforeWaitIsNotLost(t *testing.T) {
	h, err := surface.NewHandler(testRes, 10000, timeutil.RealClock{})
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.Mode = ModeQuery
	cfg.MaxEvents = 10000
	f := newTestFilter(t, nil)
	require.NoError(t, f.Seed(64, 64, 10))
	src := &commandingSurface{Handler: h}
	l, err := NewLoop(cfg, f, Inputs{Surface: src}, nil, nil)
	require.NoError(t, err)
	src.command = func() { assert.NoError(t, l.Reseed(30, 30, 8)) }

	h.AddBatch(testutil.Batch(testutil.RingEvents(66, 66, 10, 200, 1000)))
	stop := startLoop(t, l)
	waitCycles(t, l, 1)

	// The source stays silent; the reseed must still be applied.
	require.Eventually(t, func() bool { return len(l.cmds) == 0 && src.calls.Load() >= 3 },
		eventually, time.Millisecond, "reseed stayed queued")
	require.NoError(t, stop())
	assert.Equal(t, uint64(1), l.cycle, "no cycle ran on the silent source")
	assert.InDelta(t, 30, f.Estimate().X, 1)
}

type failingSurface struct {
	surface.Handler
	err error
}

func (s *failingSurface) WaitPending(context.Context) error { return s.err }

func TestLoop_AcquireErrorIsFatal(t *testing.T) {
	boom := errors.New("sensor gone")
	cfg := DefaultConfig()
	cfg.Mode = ModeQuery
	l, err := NewLoop(cfg, newTestFilter(t, nil), Inputs{Surface: &failingSurface{err: boom}}, nil, nil)
	require.NoError(t, err)

	err = l.Run(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestLoop_AdminValidation(t *testing.T) {
	l, err := NewLoop(drainConfig(), newTestFilter(t, nil), Inputs{Queue: newTestQueue(t)}, nil, nil)
	require.NoError(t, err)

	assert.ErrorIs(t, l.SetGain(-1), ErrInvalidGain)
	assert.ErrorIs(t, l.SetGain(math.NaN()), ErrInvalidGain)
	assert.ErrorIs(t, l.SetDesiredDelay(0), ErrInvalidDelay)
	assert.ErrorIs(t, l.SetMinEvents(0), ErrInvalidMinEvents)
	assert.ErrorIs(t, l.SetMinEvents(1_000_000), ErrInvalidMinEvents)

	assert.ErrorIs(t, l.UpdateFilterConfig(func(c *pf.Config) { c.Particles = 5 }), pf.ErrFixedParameter)
	assert.ErrorIs(t, l.UpdateFilterConfig(func(c *pf.Config) { c.InlierWidth = 0 }), pf.ErrInvalidConfig)
	assert.Equal(t, pf.DefaultConfig().InlierWidth, l.FilterConfig().InlierWidth, "rejected update must not stick")
}

func TestLoop_CommandsApplyAtNextCycle(t *testing.T) {
	q := newTestQueue(t)
	l, err := NewLoop(drainConfig(), newTestFilter(t, nil), Inputs{Queue: q}, nil, nil)
	require.NoError(t, err)

	require.NoError(t, l.UpdateFilterConfig(func(c *pf.Config) { c.MotionVariance = 1.5 }))
	require.NoError(t, l.SetGain(0.25))
	require.NoError(t, l.SetDesiredDelay(7*time.Millisecond))
	require.NoError(t, l.SetMinEvents(80))
	assert.Equal(t, 1.5, l.FilterConfig().MotionVariance)

	q.Add(event.Event{X: 10, Y: 10})
	stop := startLoop(t, l)
	waitCycles(t, l, 1)
	require.NoError(t, stop())

	d := l.Diagnostics()
	assert.Equal(t, 0.25, d.Gain)
	assert.Equal(t, 7.0, d.DesiredDelayMs)
	assert.Equal(t, 80, d.MinEvents)
	assert.GreaterOrEqual(t, d.TargetEvents, 80)
	assert.Equal(t, 1.5, l.filter.Config().MotionVariance)
}

func TestLoop_CommandQueueBounded(t *testing.T) {
	l, err := NewLoop(drainConfig(), newTestFilter(t, nil), Inputs{Queue: newTestQueue(t)}, nil, nil)
	require.NoError(t, err)
	for i := 0; i < commandBuffer; i++ {
		require.NoError(t, l.SetGain(1))
	}
	assert.ErrorIs(t, l.SetGain(1), ErrCommandQueueFull)
}
