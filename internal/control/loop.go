// Package control runs the delay-controlled tracking loop: it acquires a
// window of events, steps the particle filter over it, publishes the
// estimate and retunes how many events the next cycle should take so that
// cycle latency tracks the configured budget.
package control

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/eventtrack/internal/config"
	"github.com/banshee-data/eventtrack/internal/event"
	"github.com/banshee-data/eventtrack/internal/eventq"
	"github.com/banshee-data/eventtrack/internal/pf"
	"github.com/banshee-data/eventtrack/internal/sink"
	"github.com/banshee-data/eventtrack/internal/surface"
	"github.com/banshee-data/eventtrack/internal/timeutil"
)

var (
	ErrNoInput          = errors.New("no event input for the configured mode")
	ErrInvalidMode      = errors.New("unknown acquisition mode")
	ErrInvalidGain      = errors.New("gain must be a non-negative number")
	ErrInvalidDelay     = errors.New("desired delay must be positive")
	ErrInvalidMinEvents = errors.New("minimum events per cycle must be positive")
	ErrCommandQueueFull = errors.New("control command queue is full")

	errWake = errors.New("woken by command")
)

// commandBuffer bounds commands queued between cycles.
const commandBuffer = 64

// Mode selects how the loop acquires each cycle's events.
type Mode int

const (
	// ModeDrain takes up to the target count from the head of the FIFO.
	ModeDrain Mode = iota
	// ModeQuery blocks until sensor time reaches the next condition stamp
	// and takes the events stamped in the query window before it.
	ModeQuery
)

func (m Mode) String() string {
	switch m {
	case ModeDrain:
		return config.AcquireDrain
	case ModeQuery:
		return config.AcquireQuery
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode maps a tuning acquire_mode value onto a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case config.AcquireDrain:
		return ModeDrain, nil
	case config.AcquireQuery:
		return ModeQuery, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidMode, s)
}

// Config holds the loop parameters.
type Config struct {
	Mode          Mode
	DesiredDelay  time.Duration // per-cycle latency budget
	Gain          float64
	MinEvents     int
	MaxEvents     int // upper clamp, the capacity of the acquiring buffer
	InitialEvents int
	QueryWindow   time.Duration // ModeQuery only
	AutoReseed    bool          // broad-search reseed on track loss
	HistorySize   int           // diagnostics kept for History, 0 disables
}

// DefaultConfig returns the loop configuration with all tuning defaults.
func DefaultConfig() Config {
	return ConfigFromTuning(config.EmptyTuningConfig())
}

// ConfigFromTuning builds a loop config from tuning parameters. An unknown
// acquire mode falls back to drain; TuningConfig.Validate rejects it first.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	mode, err := ParseMode(cfg.GetAcquireMode())
	if err != nil {
		mode = ModeDrain
	}
	maxEvents := cfg.GetQueueCapacity()
	if mode == ModeQuery {
		maxEvents = cfg.GetQueryBufferCapacity()
	}
	return Config{
		Mode:          mode,
		DesiredDelay:  cfg.GetDesiredDelay(),
		Gain:          cfg.GetGain(),
		MinEvents:     cfg.GetMinEvents(),
		MaxEvents:     maxEvents,
		InitialEvents: cfg.GetInitialEvents(),
		QueryWindow:   cfg.GetQueryWindow(),
		AutoReseed:    cfg.GetAutoReseed(),
		HistorySize:   cfg.GetHistorySize(),
	}
}

// Validate reports the first invalid parameter.
func (c Config) Validate() error {
	if c.Mode != ModeDrain && c.Mode != ModeQuery {
		return fmt.Errorf("%w: %d", ErrInvalidMode, int(c.Mode))
	}
	if c.DesiredDelay <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidDelay, c.DesiredDelay)
	}
	if c.Gain < 0 || math.IsNaN(c.Gain) || math.IsInf(c.Gain, 0) {
		return fmt.Errorf("%w: %v", ErrInvalidGain, c.Gain)
	}
	if c.MinEvents <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidMinEvents, c.MinEvents)
	}
	if c.MaxEvents < c.MinEvents {
		return fmt.Errorf("max events %d below min events %d", c.MaxEvents, c.MinEvents)
	}
	if c.Mode == ModeQuery && c.QueryWindow <= 0 {
		return fmt.Errorf("query window must be positive, got %v", c.QueryWindow)
	}
	if c.HistorySize < 0 {
		return fmt.Errorf("history size must be non-negative, got %d", c.HistorySize)
	}
	return nil
}

// Drainer is the FIFO side of the event queue.
type Drainer interface {
	Drain(limit int) []event.Event
	Len() int
	Ready() <-chan struct{}
	Stats() eventq.Stats
}

// Querier is the condition-stamp side of the surface handler.
type Querier interface {
	Query(ctx context.Context, conditionStamp, window uint32) (event.Window, error)
	WaitPending(ctx context.Context) error
	Interrupt()
	Latest() (uint32, bool)
	Pending() int
	EventRate() float64
}

// Inputs names the event source for each mode. Only the one matching
// Config.Mode is required.
type Inputs struct {
	Queue   Drainer
	Surface Querier
}

// Diagnostics is the published output plus loop internals.
type Diagnostics struct {
	sink.Output
	Mode           string  `json:"mode"`
	Paused         bool    `json:"paused"`
	ESS            float64 `json:"ess"`
	Gain           float64 `json:"gain"`
	DesiredDelayMs float64 `json:"desired_delay_ms"`
	MinEvents      int     `json:"min_events"`
	LostCount      uint64  `json:"lost_count"`
	Reseeds        uint64  `json:"reseeds"`
	Shed           uint64  `json:"shed"`
	PublishErrors  uint64  `json:"publish_errors"`
}

type command func(*Loop)

// Loop owns the filter and its control state. Run must be called from a
// single goroutine; the admin methods are safe to call from any goroutine
// and take effect at the start of the next cycle.
type Loop struct {
	cfg    Config
	res    event.Resolution
	filter *pf.Filter
	in     Inputs
	out    sink.Sink
	clock  timeutil.Clock

	cmds   chan command
	wake   chan struct{}
	paused atomic.Bool

	// owned by the Run goroutine
	state         State
	cycle         uint64
	prev          pf.Estimate
	havePrev      bool
	cond          uint32
	haveCond      bool
	reseeds       uint64
	shed          uint64
	publishErrors uint64
	rateAt        time.Time
	rateAccepted  uint64
	eventRate     float64

	mu        sync.Mutex
	filterCfg pf.Config
	diag      Diagnostics
	history   []Diagnostics
	histNext  int
	histFull  bool
}

// NewLoop validates cfg and wires the loop to its filter, input and sink.
// A nil sink discards outputs.
func NewLoop(cfg Config, filter *pf.Filter, in Inputs, out sink.Sink, clock timeutil.Clock) (*Loop, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if filter == nil {
		return nil, errors.New("control loop requires a filter")
	}
	if (cfg.Mode == ModeDrain && in.Queue == nil) || (cfg.Mode == ModeQuery && in.Surface == nil) {
		return nil, fmt.Errorf("%w: %s", ErrNoInput, cfg.Mode)
	}
	if out == nil {
		out = sink.Discard
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	fc := filter.Config()
	l := &Loop{
		cfg:       cfg,
		res:       fc.Resolution,
		filter:    filter,
		in:        in,
		out:       out,
		clock:     clock,
		cmds:      make(chan command, commandBuffer),
		wake:      make(chan struct{}, 1),
		filterCfg: fc,
		state: State{
			TargetEventsPerCycle: clampInt(cfg.InitialEvents, cfg.MinEvents, cfg.MaxEvents),
			Gain:                 cfg.Gain,
		},
	}
	if cfg.HistorySize > 0 {
		l.history = make([]Diagnostics, cfg.HistorySize)
	}
	l.diag = l.baseDiagnostics()
	l.diag.State = filter.State().String()
	l.diag.TargetEvents = l.state.TargetEventsPerCycle
	return l, nil
}

// Mode returns the acquisition mode.
func (l *Loop) Mode() Mode { return l.cfg.Mode }

// Run cycles until ctx is cancelled, which is a clean stop and returns nil.
// It returns an error only when the event source fails.
func (l *Loop) Run(ctx context.Context) error {
	diagf("starting in %s mode: budget %v, target %d events, gain %.2f",
		l.cfg.Mode, l.cfg.DesiredDelay, l.state.TargetEventsPerCycle, l.state.Gain)
	wasPaused := false
	for {
		if ctx.Err() != nil {
			diagf("stopping after %d cycles", l.cycle)
			return nil
		}
		l.applyCommands()

		if l.paused.Load() {
			if !wasPaused {
				wasPaused = true
				diagf("paused at cycle %d", l.cycle)
			}
			select {
			case <-ctx.Done():
			case <-l.wake:
			}
			continue
		}
		if wasPaused {
			wasPaused = false
			l.filter.RestartLossTimer()
			diagf("resumed at cycle %d", l.cycle)
		}

		if l.filter.State() == pf.Uninitialized {
			l.filter.SeedUniform()
			l.reseeds++
			diagf("no seed supplied, starting a broad search")
		}

		window, backlog, err := l.acquire(ctx)
		switch {
		case err == nil:
		case ctx.Err() != nil, errors.Is(err, errWake), errors.Is(err, surface.ErrInterrupted):
			continue
		default:
			opsf("acquire failed after %d cycles: %v", l.cycle, err)
			return fmt.Errorf("acquire events: %w", err)
		}
		l.step(window, backlog)
	}
}

func (l *Loop) applyCommands() {
	for {
		select {
		case c := <-l.cmds:
			c(l)
		default:
			return
		}
	}
}

func (l *Loop) acquire(ctx context.Context) (event.Window, int, error) {
	if l.cfg.Mode == ModeQuery {
		return l.acquireQuery(ctx)
	}
	return l.acquireDrain(ctx)
}

// acquireDrain takes up to the target from the queue head, waiting for the
// queue to become non-empty.
func (l *Loop) acquireDrain(ctx context.Context) (event.Window, int, error) {
	q := l.in.Queue
	for {
		if l.paused.Load() {
			return nil, 0, errWake
		}
		if evs := q.Drain(l.state.TargetEventsPerCycle); len(evs) > 0 {
			l.updateDrainRate()
			return evs, q.Len(), nil
		}
		select {
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case <-l.wake:
			return nil, 0, errWake
		case <-q.Ready():
		}
	}
}

// acquireQuery advances the condition stamp by the latency budget and
// queries the surface. When sensor time is already past the next condition
// the stamp jumps forward rather than replaying stale windows. Events beyond
// the target are shed oldest first.
func (l *Loop) acquireQuery(ctx context.Context) (event.Window, int, error) {
	q := l.in.Surface
	if !l.haveCond {
		if err := q.WaitPending(ctx); err != nil {
			return nil, 0, err
		}
		latest, _ := q.Latest()
		l.cond, l.haveCond = latest, true
	} else {
		next := timeutil.Add(l.cond, timeutil.Ticks(l.cfg.DesiredDelay))
		if latest, ok := q.Latest(); ok && timeutil.AtOrAfter(latest, next) {
			next = latest
		}
		l.cond = next
	}
	w, err := q.Query(ctx, l.cond, timeutil.Ticks(l.cfg.QueryWindow))
	if err != nil {
		return nil, 0, err
	}
	backlog := q.Pending()
	if excess := len(w) - l.state.TargetEventsPerCycle; excess > 0 {
		w = w[excess:]
		l.shed += uint64(excess)
		backlog += excess
	}
	l.eventRate = q.EventRate()
	return w, backlog, nil
}

func (l *Loop) updateDrainRate() {
	now := l.clock.Now()
	accepted := l.in.Queue.Stats().Accepted
	if !l.rateAt.IsZero() {
		if dt := now.Sub(l.rateAt).Seconds(); dt > 0 {
			l.eventRate = float64(accepted-l.rateAccepted) / dt
		}
	}
	l.rateAt, l.rateAccepted = now, accepted
}

// step runs one filter cycle over w and feeds its latency back into the
// event target.
func (l *Loop) step(w event.Window, backlog int) {
	start := l.clock.Now()
	est, obs := l.filter.Step(w)
	l.state.FilterPeriod = l.clock.Since(start)
	now := l.clock.Now()
	l.cycle++

	fc := l.filter.Config()
	if obs.MaxLikelihood > fc.DetectionThreshold {
		l.state.LastGoodTrackStamp = est.Stamp
		l.state.LastGoodTrack = now
	}
	if l.filter.UpdateTrackStatus(obs.MaxLikelihood, now) {
		opsf("track lost at cycle %d: max likelihood %.1f at or below %.1f for over %v",
			l.cycle, obs.MaxLikelihood, fc.DetectionThreshold, fc.ResetTimeout)
		if l.cfg.AutoReseed {
			l.filter.SeedUniform()
			l.reseeds++
			l.havePrev = false
			diagf("broad-search reseed after loss #%d", l.filter.LostCount())
		}
	}
	l.state.TrackLost = l.filter.State() == pf.Lost

	l.state.Adjust(l.cfg.DesiredDelay, backlog, l.cfg.MinEvents, l.cfg.MaxEvents)

	out := sink.Output{
		Cycle:           l.cycle,
		Time:            now,
		State:           l.filter.State().String(),
		Estimate:        est,
		LowConfidence:   obs.LowConfidence,
		EventsProcessed: len(w),
		TargetEvents:    l.state.TargetEventsPerCycle,
		FilterPeriodMs:  float64(l.state.FilterPeriod) / float64(time.Millisecond),
		EventRate:       l.eventRate,
		Backlog:         backlog,
	}
	if l.havePrev {
		out.DX = est.X - l.prev.X
		out.DY = est.Y - l.prev.Y
		out.DR = est.R - l.prev.R
	}
	l.prev, l.havePrev = est, true

	if err := l.out.Publish(out); err != nil {
		l.publishErrors++
		opsf("publish cycle %d: %v", l.cycle, err)
	}

	d := l.baseDiagnostics()
	d.Output = out
	d.ESS = l.filter.EffectiveSampleSize()
	d.LostCount = l.filter.LostCount()
	l.record(d)

	tracef("cycle=%d events=%d target=%d period=%v backlog=%d est=(%.1f,%.1f,r=%.1f) lik=%.1f",
		l.cycle, len(w), l.state.TargetEventsPerCycle, l.state.FilterPeriod, backlog,
		est.X, est.Y, est.R, obs.MaxLikelihood)
}

func (l *Loop) baseDiagnostics() Diagnostics {
	return Diagnostics{
		Mode:           l.cfg.Mode.String(),
		Gain:           l.state.Gain,
		DesiredDelayMs: float64(l.cfg.DesiredDelay) / float64(time.Millisecond),
		MinEvents:      l.cfg.MinEvents,
		Reseeds:        l.reseeds,
		Shed:           l.shed,
		PublishErrors:  l.publishErrors,
	}
}

func (l *Loop) record(d Diagnostics) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.diag = d
	if len(l.history) == 0 {
		return
	}
	l.history[l.histNext] = d
	l.histNext = (l.histNext + 1) % len(l.history)
	if l.histNext == 0 {
		l.histFull = true
	}
}

// Diagnostics returns the most recent cycle's diagnostics.
func (l *Loop) Diagnostics() Diagnostics {
	l.mu.Lock()
	d := l.diag
	l.mu.Unlock()
	d.Paused = l.paused.Load()
	return d
}

// History returns up to HistorySize recent diagnostics, oldest first.
func (l *Loop) History() []Diagnostics {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.histFull {
		return append([]Diagnostics(nil), l.history[:l.histNext]...)
	}
	out := make([]Diagnostics, 0, len(l.history))
	out = append(out, l.history[l.histNext:]...)
	return append(out, l.history[:l.histNext]...)
}

// send queues c for the next cycle and wakes a loop parked on input.
func (l *Loop) send(c command) error {
	select {
	case l.cmds <- c:
	default:
		return ErrCommandQueueFull
	}
	l.poke()
	return nil
}

func (l *Loop) poke() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
	if l.cfg.Mode == ModeQuery {
		l.in.Surface.Interrupt()
	}
}

// Reseed recentres the filter on (x, y, r). The seed is checked against
// the frame immediately; it is applied before the next cycle.
func (l *Loop) Reseed(x, y, r float64) error {
	if math.IsNaN(x) || math.IsNaN(y) || !l.res.InFrame(x, y) || !(r > 0) || math.IsInf(r, 0) {
		return fmt.Errorf("%w: (%.2f, %.2f, r=%.2f) on a %dx%d frame",
			pf.ErrInvalidSeed, x, y, r, l.res.Width, l.res.Height)
	}
	return l.send(func(l *Loop) {
		if err := l.filter.Seed(x, y, r); err != nil {
			opsf("reseed: %v", err)
			return
		}
		l.reseeds++
		l.havePrev = false
		diagf("reseeded at (%.1f, %.1f, r=%.1f)", x, y, r)
	})
}

// ReseedUniform restarts the broad search over the whole frame.
func (l *Loop) ReseedUniform() error {
	return l.send(func(l *Loop) {
		l.filter.SeedUniform()
		l.reseeds++
		l.havePrev = false
		diagf("broad-search reseed requested")
	})
}

// Pause stops cycling after the current cycle. Events keep accumulating in
// the input buffers, bounded by their capacity.
func (l *Loop) Pause() {
	if !l.paused.Swap(true) {
		l.poke()
	}
}

// Resume restarts cycling. The loss timer restarts so time spent paused
// does not count towards the reset timeout.
func (l *Loop) Resume() {
	if l.paused.Swap(false) {
		l.poke()
	}
}

// Paused reports whether the loop is paused.
func (l *Loop) Paused() bool { return l.paused.Load() }

// UpdateFilterConfig applies fn to a copy of the filter configuration and
// queues it if it validates. Construction-time parameters cannot change.
func (l *Loop) UpdateFilterConfig(fn func(*pf.Config)) error {
	l.mu.Lock()
	next := l.filterCfg
	fn(&next)
	if err := l.filterCfg.CheckUpdate(next); err != nil {
		l.mu.Unlock()
		return err
	}
	l.filterCfg = next
	l.mu.Unlock()
	return l.send(func(l *Loop) {
		if err := l.filter.UpdateConfig(func(c *pf.Config) { *c = next }); err != nil {
			opsf("filter config update rejected: %v", err)
			return
		}
		diagf("filter config updated")
	})
}

// FilterConfig returns the filter configuration including queued updates.
func (l *Loop) FilterConfig() pf.Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.filterCfg
}

// SetGain changes the feedback gain.
func (l *Loop) SetGain(g float64) error {
	if g < 0 || math.IsNaN(g) || math.IsInf(g, 0) {
		return fmt.Errorf("%w: %v", ErrInvalidGain, g)
	}
	return l.send(func(l *Loop) {
		l.state.Gain = g
		diagf("gain set to %.3f", g)
	})
}

// SetDesiredDelay changes the per-cycle latency budget.
func (l *Loop) SetDesiredDelay(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidDelay, d)
	}
	return l.send(func(l *Loop) {
		l.cfg.DesiredDelay = d
		diagf("desired delay set to %v", d)
	})
}

// SetMinEvents changes the lower clamp on events per cycle.
func (l *Loop) SetMinEvents(n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidMinEvents, n)
	}
	if n > l.cfg.MaxEvents {
		return fmt.Errorf("%w: %d exceeds the %d event buffer", ErrInvalidMinEvents, n, l.cfg.MaxEvents)
	}
	return l.send(func(l *Loop) {
		l.cfg.MinEvents = n
		l.state.TargetEventsPerCycle = clampInt(l.state.TargetEventsPerCycle, n, l.cfg.MaxEvents)
		diagf("min events set to %d", n)
	})
}
