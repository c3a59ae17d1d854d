package sink

import (
	"context"
	"sync"
	"time"

	"github.com/banshee-data/eventtrack/internal/monitoring"
	"github.com/banshee-data/eventtrack/internal/timeutil"
)

// CollectorStats counts what a Collector did with the outputs it received.
type CollectorStats struct {
	Received   uint64 `json:"received"`
	Forwarded  uint64 `json:"forwarded"`
	Superseded uint64 `json:"superseded"`
	Errors     uint64 `json:"errors"`
}

// Collector decouples the loop's cycle rate from the transport rate: it
// keeps only the newest output and forwards it once per interval.
type Collector struct {
	out      Sink
	interval time.Duration
	clock    timeutil.Clock

	mu      sync.Mutex
	latest  Output
	pending bool
	stats   CollectorStats
}

// NewCollector forwards to out every interval once Run is started.
func NewCollector(out Sink, interval time.Duration, clock timeutil.Clock) *Collector {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Collector{out: out, interval: interval, clock: clock}
}

// Publish records o as the newest output. It never blocks on the transport.
func (c *Collector) Publish(o Output) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.Received++
	if c.pending {
		c.stats.Superseded++
	}
	c.latest = o
	c.pending = true
	return nil
}

// Flush forwards the pending output, if any.
func (c *Collector) Flush() error {
	c.mu.Lock()
	if !c.pending {
		c.mu.Unlock()
		return nil
	}
	o := c.latest
	c.pending = false
	c.mu.Unlock()

	err := c.out.Publish(o)

	c.mu.Lock()
	if err != nil {
		c.stats.Errors++
	} else {
		c.stats.Forwarded++
	}
	c.mu.Unlock()
	return err
}

// Run flushes on every tick until ctx is done, then flushes once more.
func (c *Collector) Run(ctx context.Context) error {
	ticker := c.clock.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := c.Flush(); err != nil {
				monitoring.Logf("[Collector] final flush failed: %v", err)
			}
			return nil
		case <-ticker.C():
			if err := c.Flush(); err != nil {
				monitoring.Logf("[Collector] publish failed: %v", err)
			}
		}
	}
}

// Stats returns a snapshot of the counters.
func (c *Collector) Stats() CollectorStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
