// Package sink defines what the control loop publishes each cycle and the
// Sink contract transports implement.
package sink

import (
	"errors"
	"time"

	"github.com/banshee-data/eventtrack/internal/pf"
)

// Output is one cycle's estimate and the diagnostics that go with it.
type Output struct {
	Cycle           uint64      `json:"cycle"`
	Time            time.Time   `json:"time"`
	State           string      `json:"state"`
	Estimate        pf.Estimate `json:"estimate"`
	LowConfidence   bool        `json:"low_confidence"`
	EventsProcessed int         `json:"events_processed"`
	TargetEvents    int         `json:"target_events"`
	FilterPeriodMs  float64     `json:"filter_period_ms"`
	EventRate       float64     `json:"event_rate"`
	Backlog         int         `json:"backlog"`
	DX              float64     `json:"dx"`
	DY              float64     `json:"dy"`
	DR              float64     `json:"dr"`
}

// Sink receives outputs. Publish is called from the control loop goroutine
// and should not block for long.
type Sink interface {
	Publish(Output) error
}

// Func adapts a function to Sink.
type Func func(Output) error

// Publish calls f(o).
func (f Func) Publish(o Output) error { return f(o) }

// Discard drops every output.
var Discard Sink = Func(func(Output) error { return nil })

// Multi publishes to each sink in order. Every sink is called even when an
// earlier one fails; the failures are joined.
type Multi []Sink

// Publish fans o out to every sink.
func (m Multi) Publish(o Output) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(o); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
