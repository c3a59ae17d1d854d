// Package eventq implements the bounded, ROI-cropped FIFO that sits between
// the ingestion goroutines and the control loop. Overload is absorbed by
// evicting the oldest events; producers never block on the consumer.
package eventq

import (
	"errors"
	"fmt"
	"sync"

	"github.com/banshee-data/eventtrack/internal/event"
	"github.com/banshee-data/eventtrack/internal/timeutil"
)

var ErrInvalidCapacity = errors.New("queue capacity must be positive")

// compactThreshold is the minimum dead prefix length before the backing
// slice is compacted.
const compactThreshold = 1024

// Stats is a snapshot of queue counters. Counters are monotonic for the
// lifetime of the queue.
type Stats struct {
	Received    uint64 `json:"received"`
	Accepted    uint64 `json:"accepted"`
	ROIRejected uint64 `json:"roi_rejected"`
	Malformed   uint64 `json:"malformed"`
	Evicted     uint64 `json:"evicted"`
	Drained     uint64 `json:"drained"`
	Len         int    `json:"len"`
	Capacity    int    `json:"capacity"`
}

// Queue is safe for concurrent use by any number of producers and a single
// draining consumer.
type Queue struct {
	mu sync.Mutex

	res      event.Resolution
	roi      event.ROI
	useROI   bool
	capacity int
	window   uint32 // ticks, 0 disables the time window

	buf  []event.Event
	head int

	ready chan struct{}

	stats Stats
}

// New creates a queue for a sensor of the given resolution.
func New(res event.Resolution, capacity int) (*Queue, error) {
	if err := res.Validate(); err != nil {
		return nil, err
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCapacity, capacity)
	}
	return &Queue{
		res:      res,
		capacity: capacity,
		buf:      make([]event.Event, 0, capacity),
		ready:    make(chan struct{}, 1),
	}, nil
}

// Add appends e if it is well formed and inside the ROI. It reports whether
// the event was kept; the oldest events are evicted to make room.
func (q *Queue) Add(e event.Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.addLocked(e) {
		return false
	}
	q.notify()
	return true
}

// AddBatch adds every event in b and returns how many were kept.
func (q *Queue) AddBatch(b event.Batch) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := 0
	for _, e := range b.Events {
		if q.addLocked(e) {
			kept++
		}
	}
	if kept > 0 {
		q.notify()
	}
	return kept
}

func (q *Queue) notify() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Ready returns a channel that receives a value after events are accepted.
// A receive does not guarantee the queue is still non-empty.
func (q *Queue) Ready() <-chan struct{} { return q.ready }

func (q *Queue) addLocked(e event.Event) bool {
	q.stats.Received++
	if !q.res.Contains(e) {
		q.stats.Malformed++
		return false
	}
	if q.useROI && !q.roi.ContainsEvent(e) {
		q.stats.ROIRejected++
		return false
	}
	q.buf = append(q.buf, e)
	q.stats.Accepted++

	for len(q.buf)-q.head > q.capacity {
		q.evictLocked()
	}
	if q.window > 0 {
		for len(q.buf)-q.head > 1 && !timeutil.Within(q.buf[q.head].Stamp, e.Stamp, q.window) {
			q.evictLocked()
		}
	}
	q.compactLocked()
	return true
}

func (q *Queue) evictLocked() {
	q.buf[q.head] = event.Event{}
	q.head++
	q.stats.Evicted++
}

func (q *Queue) compactLocked() {
	if q.head < compactThreshold || q.head < len(q.buf)/2 {
		return
	}
	n := copy(q.buf, q.buf[q.head:])
	q.buf = q.buf[:n]
	q.head = 0
}

// Drain removes and returns up to limit of the oldest events in arrival
// order.
func (q *Queue) Drain(limit int) []event.Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := min(limit, len(q.buf)-q.head)
	if n <= 0 {
		return nil
	}
	out := make([]event.Event, n)
	copy(out, q.buf[q.head:q.head+n])
	q.head += n
	q.stats.Drained += uint64(n)
	if q.head == len(q.buf) {
		q.buf = q.buf[:0]
		q.head = 0
	}
	return out
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf) - q.head
}

// Capacity returns the configured capacity.
func (q *Queue) Capacity() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.capacity
}

// SetROI restricts subsequently added events to the inclusive rectangle.
func (q *Queue) SetROI(xl, xh, yl, yh int) error {
	roi, err := event.NewROI(xl, xh, yl, yh)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.roi = roi
	q.useROI = true
	return nil
}

// ClearROI accepts the whole frame again.
func (q *Queue) ClearROI() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.useROI = false
}

// SetCapacity changes the capacity. Already queued events are trimmed on
// the next Add.
func (q *Queue) SetCapacity(n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidCapacity, n)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.capacity = n
	return nil
}

// SetTimeWindow keeps only events within ticks of the newest one. Zero
// disables the window.
func (q *Queue) SetTimeWindow(ticks uint32) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.window = ticks
}

// Stats returns a snapshot of the counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.Len = len(q.buf) - q.head
	s.Capacity = q.capacity
	return s
}
