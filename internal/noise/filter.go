// Package noise is an optional pre-filter that drops salt-and-pepper sensor
// noise before events reach the queue or the query buffer. It keeps its own
// per-channel, per-polarity timestamp surfaces.
package noise

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/eventtrack/internal/config"
	"github.com/banshee-data/eventtrack/internal/event"
	"github.com/banshee-data/eventtrack/internal/monitoring"
	"github.com/banshee-data/eventtrack/internal/surface"
	"github.com/banshee-data/eventtrack/internal/timeutil"
)

var ErrInvalidConfig = errors.New("invalid noise filter configuration")

// Target receives filtered batches and reports how many events it kept.
type Target interface {
	AddBatch(event.Batch) int
}

// Config selects the checks. A zero window disables its check.
type Config struct {
	// TemporalWindow is a per-pixel refractory period: a pixel firing again
	// sooner than this is dropped.
	TemporalWindow time.Duration
	// SpatialWindow and SpatialRadius require a neighbour within the radius
	// to have fired within the window before an event is kept.
	SpatialWindow time.Duration
	SpatialRadius int
}

// ConfigFromTuning builds the filter config. It returns false when the
// noise stage is switched off.
func ConfigFromTuning(cfg *config.TuningConfig) (Config, bool) {
	return Config{
		TemporalWindow: cfg.GetNoiseTemporalWindow(),
		SpatialWindow:  cfg.GetNoiseSpatialWindow(),
		SpatialRadius:  cfg.GetNoiseSpatialRadius(),
	}, cfg.GetNoiseFilter()
}

func (c Config) Validate() error {
	if c.TemporalWindow < 0 || c.SpatialWindow < 0 {
		return fmt.Errorf("%w: negative window", ErrInvalidConfig)
	}
	if c.SpatialWindow > 0 && c.SpatialRadius < 1 {
		return fmt.Errorf("%w: spatial radius %d", ErrInvalidConfig, c.SpatialRadius)
	}
	return nil
}

// Stats counts events by outcome.
type Stats struct {
	Received  uint64 `json:"received"`
	Passed    uint64 `json:"passed"`
	Temporal  uint64 `json:"temporal_rejected"`
	Spatial   uint64 `json:"spatial_rejected"`
	Malformed uint64 `json:"malformed"`
}

// Filter is safe for concurrent use. Surviving events are forwarded to the
// next stage outside the filter's lock.
type Filter struct {
	mu       sync.Mutex
	res      event.Resolution
	temporal uint32 // ticks
	spatial  uint32 // ticks
	radius   int
	surfaces [event.MaxChannels][2]*surface.Map
	next     Target
	stats    Stats
}

// New creates a filter in front of next.
func New(res event.Resolution, cfg Config, next Target) (*Filter, error) {
	if err := res.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if next == nil {
		return nil, fmt.Errorf("%w: no downstream target", ErrInvalidConfig)
	}
	return &Filter{
		res:      res,
		temporal: timeutil.Ticks(cfg.TemporalWindow),
		spatial:  timeutil.Ticks(cfg.SpatialWindow),
		radius:   cfg.SpatialRadius,
		next:     next,
	}, nil
}

// AddBatch filters b and hands the survivors downstream. It returns the
// number of events the downstream stage accepted.
func (f *Filter) AddBatch(b event.Batch) int {
	kept := make([]event.Event, 0, len(b.Events))
	f.mu.Lock()
	for _, e := range b.Events {
		if f.checkLocked(e) {
			kept = append(kept, e)
		}
	}
	f.mu.Unlock()
	monitoring.Tracef("[Noise] batch of %d, %d passed", len(b.Events), len(kept))
	if len(kept) == 0 {
		return 0
	}
	return f.next.AddBatch(event.Batch{Events: kept, Received: b.Received})
}

// Check classifies a single event, updating the surfaces. It reports false
// for noise.
func (f *Filter) Check(e event.Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checkLocked(e)
}

func (f *Filter) checkLocked(e event.Event) bool {
	f.stats.Received++
	if !f.res.Contains(e) {
		f.stats.Malformed++
		return false
	}
	m := f.surfaces[e.Channel][e.Pol()]
	if m == nil {
		m = surface.NewMap(f.res)
		f.surfaces[e.Channel][e.Pol()] = m
	}
	x, y := int(e.X), int(e.Y)

	if f.temporal > 0 {
		if prev, ok := m.Get(x, y); ok && timeutil.Delta(prev, e.Stamp) < f.temporal {
			f.stats.Temporal++
			return false
		}
	}
	m.Set(x, y, e.Stamp)

	if f.spatial > 0 && !f.supportedLocked(m, x, y, e.Stamp) {
		f.stats.Spatial++
		return false
	}
	f.stats.Passed++
	return true
}

// supportedLocked reports whether a neighbour of (x, y) fired strictly
// within the spatial window before now.
func (f *Filter) supportedLocked(m *surface.Map, x, y int, now uint32) bool {
	for yi := y - f.radius; yi <= y+f.radius; yi++ {
		for xi := x - f.radius; xi <= x+f.radius; xi++ {
			if xi == x && yi == y {
				continue
			}
			s, ok := m.Get(xi, yi)
			if !ok {
				continue
			}
			if d := timeutil.Delta(s, now); d > 0 && d < f.spatial {
				return true
			}
		}
	}
	return false
}

// Reset forgets every surface.
func (f *Filter) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for c := range f.surfaces {
		for p := range f.surfaces[c] {
			if m := f.surfaces[c][p]; m != nil {
				m.Reset()
			}
		}
	}
}

// Stats returns a snapshot of the counters.
func (f *Filter) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}
