// Package synthetic generates address-event streams of a moving ring for
// demos and end-to-end tests.
package synthetic

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/banshee-data/eventtrack/internal/event"
	"github.com/banshee-data/eventtrack/internal/timeutil"
)

var ErrInvalidConfig = errors.New("invalid synthetic generator config")

// Target receives generated batches.
type Target interface {
	AddBatch(event.Batch) int
}

// Config describes the scene. The ring's centre travels on a circular
// orbit around the frame centre.
type Config struct {
	Resolution    event.Resolution
	Radius        float64 // ring radius, pixels
	OrbitRadius   float64 // pixels; zero keeps the ring still
	OrbitPeriod   time.Duration
	EventRate     float64 // events per second
	EdgeJitter    float64 // standard deviation of event distance from the ring, pixels
	NoiseFraction float64 // share of events placed uniformly over the frame
	Channel       uint8
	BatchInterval time.Duration
	Seed          uint64
}

// DefaultConfig returns a 128x128 scene with a 10px ring orbiting at 20px.
func DefaultConfig() Config {
	return Config{
		Resolution:    event.Resolution{Width: 128, Height: 128},
		Radius:        10,
		OrbitRadius:   20,
		OrbitPeriod:   2 * time.Second,
		EventRate:     200_000,
		EdgeJitter:    0.5,
		NoiseFraction: 0.05,
		BatchInterval: time.Millisecond,
		Seed:          1,
	}
}

// Validate checks the scene fits the frame.
func (c Config) Validate() error {
	if err := c.Resolution.Validate(); err != nil {
		return err
	}
	switch {
	case c.Radius <= 0:
		return fmt.Errorf("%w: radius %v", ErrInvalidConfig, c.Radius)
	case c.EventRate <= 0:
		return fmt.Errorf("%w: event rate %v", ErrInvalidConfig, c.EventRate)
	case c.OrbitRadius < 0 || (c.OrbitRadius > 0 && c.OrbitPeriod <= 0):
		return fmt.Errorf("%w: orbit %v over %v", ErrInvalidConfig, c.OrbitRadius, c.OrbitPeriod)
	case c.NoiseFraction < 0 || c.NoiseFraction > 1:
		return fmt.Errorf("%w: noise fraction %v", ErrInvalidConfig, c.NoiseFraction)
	case c.EdgeJitter < 0:
		return fmt.Errorf("%w: edge jitter %v", ErrInvalidConfig, c.EdgeJitter)
	case int(c.Channel) >= event.MaxChannels:
		return fmt.Errorf("%w: channel %d", ErrInvalidConfig, c.Channel)
	}
	reach := c.Radius + c.OrbitRadius
	w, h := float64(c.Resolution.Width), float64(c.Resolution.Height)
	if 2*reach >= w || 2*reach >= h {
		return fmt.Errorf("%w: ring reaches %v px from centre of %vx%v frame", ErrInvalidConfig, reach, w, h)
	}
	return nil
}

// Truth is the ring position at a point in stream time.
type Truth struct {
	X, Y, R float64
	Stamp   uint32
}

// Generator produces a deterministic event stream for a seed.
type Generator struct {
	config Config

	mu      sync.Mutex
	rng     *rand.Rand
	elapsed float64 // stream time, microseconds
	angle   float64 // position along the ring of the next edge event
}

// New creates a generator.
func New(cfg Config) (*Generator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Generator{
		config: cfg,
		rng:    rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x5851f42d4c957f2d)),
	}, nil
}

// centreAt returns the ring centre after us microseconds of stream time.
func (g *Generator) centreAt(us float64) (float64, float64) {
	cx := float64(g.config.Resolution.Width) / 2
	cy := float64(g.config.Resolution.Height) / 2
	if g.config.OrbitRadius == 0 {
		return cx, cy
	}
	period := float64(g.config.OrbitPeriod.Microseconds())
	phase := 2 * math.Pi * math.Mod(us, period) / period
	return cx + g.config.OrbitRadius*math.Cos(phase), cy + g.config.OrbitRadius*math.Sin(phase)
}

// Truth returns the ring position at the current stream time.
func (g *Generator) Truth() Truth {
	g.mu.Lock()
	defer g.mu.Unlock()
	x, y := g.centreAt(g.elapsed)
	return Truth{X: x, Y: y, R: g.config.Radius, Stamp: timeutil.Wrap(uint32(uint64(g.elapsed)))}
}

// Next returns the next n events in stamp order.
func (g *Generator) Next(n int) []event.Event {
	g.mu.Lock()
	defer g.mu.Unlock()

	step := 1e6 / g.config.EventRate
	w, h := g.config.Resolution.Width, g.config.Resolution.Height
	out := make([]event.Event, 0, n)
	for len(out) < n {
		g.elapsed += step
		stamp := timeutil.Wrap(uint32(uint64(g.elapsed)))

		var x, y float64
		if g.rng.Float64() < g.config.NoiseFraction {
			x = float64(g.rng.IntN(w))
			y = float64(g.rng.IntN(h))
		} else {
			cx, cy := g.centreAt(g.elapsed)
			// Sweep around the ring so every window sees the whole edge.
			g.angle = math.Mod(g.angle+2.39996, 2*math.Pi)
			r := g.config.Radius + g.rng.NormFloat64()*g.config.EdgeJitter
			x = cx + r*math.Cos(g.angle)
			y = cy + r*math.Sin(g.angle)
		}
		px, py := int(math.Round(x)), int(math.Round(y))
		if px < 0 || py < 0 || px >= w || py >= h {
			continue
		}
		out = append(out, event.Event{
			X:        uint16(px),
			Y:        uint16(py),
			Polarity: g.rng.IntN(2) == 1,
			Channel:  g.config.Channel,
			Stamp:    stamp,
		})
	}
	return out
}

// Run feeds target one batch per BatchInterval of wall time, sized to hold
// the configured event rate, until ctx is cancelled.
func (g *Generator) Run(ctx context.Context, target Target, clock timeutil.Clock) error {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	interval := g.config.BatchInterval
	if interval <= 0 {
		interval = time.Millisecond
	}
	perBatch := int(math.Max(1, math.Round(g.config.EventRate*interval.Seconds())))
	log.Printf("[Synthetic] Generating %.0f ev/s in batches of %d every %v", g.config.EventRate, perBatch, interval)

	ticker := clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C():
			target.AddBatch(event.Batch{Events: g.Next(perBatch), Received: now})
		}
	}
}
