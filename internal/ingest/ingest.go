// Package ingest adapts external event sources to the tracker's ingestion
// boundary. Every source decodes its wire format into event batches and
// hands them to a Target; decode failures are counted and never reach the
// core.
package ingest

import (
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/banshee-data/eventtrack/internal/event"
)

// Target receives decoded batches. eventq.Queue, surface.Handler and
// noise.Filter all satisfy it. AddBatch returns how many events were
// accepted.
type Target interface {
	AddBatch(event.Batch) int
}

// Stats is a snapshot of a source's counters.
type Stats struct {
	Packets   uint64 `json:"packets"`
	Bytes     uint64 `json:"bytes"`
	Events    uint64 `json:"events"`
	Accepted  uint64 `json:"accepted"`
	Malformed uint64 `json:"malformed"`
}

// Rejected is the number of decoded events the target refused.
func (s Stats) Rejected() uint64 { return s.Events - s.Accepted }

func (s Stats) String() string {
	return fmt.Sprintf("packets=%d bytes=%d events=%d accepted=%d rejected=%d malformed=%d",
		s.Packets, s.Bytes, s.Events, s.Accepted, s.Rejected(), s.Malformed)
}

// counters is shared by every source.
type counters struct {
	packets   atomic.Uint64
	bytes     atomic.Uint64
	events    atomic.Uint64
	accepted  atomic.Uint64
	malformed atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Packets:   c.packets.Load(),
		Bytes:     c.bytes.Load(),
		Events:    c.events.Load(),
		Accepted:  c.accepted.Load(),
		Malformed: c.malformed.Load(),
	}
}

// deliver forwards a non-empty batch and records the outcome.
func (c *counters) deliver(target Target, events []event.Event, received time.Time) int {
	if len(events) == 0 {
		return 0
	}
	n := target.AddBatch(event.Batch{Events: events, Received: received})
	c.events.Add(uint64(len(events)))
	c.accepted.Add(uint64(n))
	return n
}

// logMalformed rate-limits decode error logging to powers of two.
func (c *counters) logMalformed(component string, err error) {
	n := c.malformed.Add(1)
	if n&(n-1) == 0 {
		log.Printf("[%s] Malformed input (%d so far): %v", component, n, err)
	}
}
