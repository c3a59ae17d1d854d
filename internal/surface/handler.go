package surface

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/eventtrack/internal/event"
	"github.com/banshee-data/eventtrack/internal/timeutil"
)

var (
	ErrQueryInProgress = errors.New("a query is already outstanding")
	ErrInterrupted     = errors.New("query interrupted")
	ErrInvalidCapacity = errors.New("query buffer capacity must be positive")
)

// compactThreshold is the minimum dead prefix length before the pending
// slice is compacted.
const compactThreshold = 1024

// Stats is a snapshot of handler counters.
type Stats struct {
	Received    uint64  `json:"received"`
	Malformed   uint64  `json:"malformed"`
	ROIRejected uint64  `json:"roi_rejected"`
	Evicted     uint64  `json:"evicted"`
	Queries     uint64  `json:"queries"`
	Pending     int     `json:"pending"`
	EventRate   float64 `json:"event_rate"`
}

// Handler records pushed events into per-channel, per-polarity surfaces and
// buffers them until the single consumer queries a window. Push never
// blocks on the consumer; the buffer evicts its oldest events when full.
type Handler struct {
	mu   sync.Mutex
	cond *sync.Cond

	res      event.Resolution
	roi      event.ROI
	useROI   bool
	clock    timeutil.Clock
	surfaces [event.MaxChannels][2]*Map

	pending  []event.Event
	head     int
	capacity int

	latest     uint32
	haveLatest bool

	querying    bool
	interrupted bool

	lastQuery    time.Time
	arrivedSince uint64
	eventRate    float64

	stats Stats
}

// NewHandler creates a handler whose query buffer holds at most capacity
// events.
func NewHandler(res event.Resolution, capacity int, clock timeutil.Clock) (*Handler, error) {
	if err := res.Validate(); err != nil {
		return nil, err
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCapacity, capacity)
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	h := &Handler{
		res:      res,
		clock:    clock,
		capacity: capacity,
		pending:  make([]event.Event, 0, capacity),
	}
	h.cond = sync.NewCond(&h.mu)
	return h, nil
}

// Push records a single event. It reports whether the event was well formed.
func (h *Handler) Push(e event.Event) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	ok := h.pushLocked(e)
	h.cond.Broadcast()
	return ok
}

// AddBatch pushes every event in b and returns how many were recorded.
func (h *Handler) AddBatch(b event.Batch) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	kept := 0
	for _, e := range b.Events {
		if h.pushLocked(e) {
			kept++
		}
	}
	if kept > 0 {
		h.cond.Broadcast()
	}
	return kept
}

func (h *Handler) pushLocked(e event.Event) bool {
	h.stats.Received++
	if !h.res.Contains(e) {
		h.stats.Malformed++
		return false
	}
	if h.useROI && !h.roi.ContainsEvent(e) {
		h.stats.ROIRejected++
		return false
	}
	h.surfaceLocked(int(e.Channel), e.Pol()).Set(int(e.X), int(e.Y), e.Stamp)

	h.pending = append(h.pending, e)
	for len(h.pending)-h.head > h.capacity {
		h.pending[h.head] = event.Event{}
		h.head++
		h.stats.Evicted++
	}
	h.compactLocked()
	h.arrivedSince++

	if !h.haveLatest || timeutil.AtOrAfter(e.Stamp, h.latest) {
		h.latest = e.Stamp
		h.haveLatest = true
	}
	return true
}

func (h *Handler) compactLocked() {
	if h.head < compactThreshold || h.head < len(h.pending)/2 {
		return
	}
	n := copy(h.pending, h.pending[h.head:])
	h.pending = h.pending[:n]
	h.head = 0
}

func (h *Handler) resetPendingLocked() {
	h.pending = h.pending[:0]
	h.head = 0
}

func (h *Handler) surfaceLocked(ch, pol int) *Map {
	m := h.surfaces[ch][pol]
	if m == nil {
		m = NewMap(h.res)
		h.surfaces[ch][pol] = m
	}
	return m
}

// Query blocks until an event stamped at or after conditionStamp has been
// pushed, then returns the buffered events stamped within
// [conditionStamp-window, conditionStamp] and clears the buffer. Only one
// query may be outstanding; Interrupt or ctx cancellation release it.
func (h *Handler) Query(ctx context.Context, conditionStamp, window uint32) (event.Window, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.querying {
		return nil, ErrQueryInProgress
	}
	h.querying = true
	defer func() { h.querying = false }()

	if err := h.waitLocked(ctx, func() bool {
		return h.haveLatest && timeutil.AtOrAfter(h.latest, conditionStamp)
	}); err != nil {
		return nil, err
	}

	live := h.pending[h.head:]
	out := make(event.Window, 0, len(live))
	for _, e := range live {
		if timeutil.Within(e.Stamp, conditionStamp, window) {
			out = append(out, e)
		}
	}
	h.resetPendingLocked()
	h.stats.Queries++
	h.updateRateLocked()
	return out, nil
}

// WaitPending blocks until at least one event is buffered. It shares the
// single-consumer slot with Query.
func (h *Handler) WaitPending(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.querying {
		return ErrQueryInProgress
	}
	h.querying = true
	defer func() { h.querying = false }()

	return h.waitLocked(ctx, func() bool { return len(h.pending) > h.head })
}

// waitLocked parks on the condition variable until ready holds, ctx is done
// or an interrupt is pending. Returning consumes the pending interrupt.
// h.mu must be held.
func (h *Handler) waitLocked(ctx context.Context, ready func() bool) error {
	stop := context.AfterFunc(ctx, func() {
		h.mu.Lock()
		h.cond.Broadcast()
		h.mu.Unlock()
	})
	defer stop()
	defer func() { h.interrupted = false }()

	for !ready() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if h.interrupted {
			return ErrInterrupted
		}
		h.cond.Wait()
	}
	return nil
}

func (h *Handler) updateRateLocked() {
	now := h.clock.Now()
	if !h.lastQuery.IsZero() {
		if elapsed := now.Sub(h.lastQuery).Seconds(); elapsed > 0 {
			h.eventRate = float64(h.arrivedSince) / elapsed
		}
	}
	h.lastQuery = now
	h.arrivedSince = 0
}

// Interrupt releases a parked Query or WaitPending with ErrInterrupted.
// With nothing parked the interrupt is held and the next wait that would
// block returns ErrInterrupted instead. A wait that finds its data ready
// consumes the held interrupt.
func (h *Handler) Interrupt() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.interrupted = true
	h.cond.Broadcast()
}

// Latest returns the most recent stamp pushed, if any.
func (h *Handler) Latest() (uint32, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.latest, h.haveLatest
}

// Pending returns the number of buffered events.
func (h *Handler) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending) - h.head
}

// SetROI restricts subsequently pushed events to the inclusive rectangle.
// Events outside it are neither buffered nor recorded on the surfaces.
func (h *Handler) SetROI(xl, xh, yl, yh int) error {
	roi, err := event.NewROI(xl, xh, yl, yh)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.roi = roi
	h.useROI = true
	// Buffered events from before the change must not leak into a query.
	kept := h.pending[:h.head]
	for _, e := range h.pending[h.head:] {
		if roi.ContainsEvent(e) {
			kept = append(kept, e)
		} else {
			h.stats.ROIRejected++
		}
	}
	h.pending = kept
	return nil
}

// ClearROI accepts the whole frame again.
func (h *Handler) ClearROI() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.useROI = false
}

// LastSeen returns the last stamp recorded at a pixel for a channel and
// polarity.
func (h *Handler) LastSeen(channel uint8, polarity bool, x, y int) (uint32, bool) {
	if int(channel) >= event.MaxChannels {
		return 0, false
	}
	pol := 0
	if polarity {
		pol = 1
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	m := h.surfaces[channel][pol]
	if m == nil {
		return 0, false
	}
	return m.Get(x, y)
}

// CountActive counts pixels of a channel (both polarities) inside roi that
// fired within window ticks of the latest stamp.
func (h *Handler) CountActive(channel uint8, roi event.ROI, window uint32) int {
	if int(channel) >= event.MaxChannels {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.haveLatest {
		return 0
	}
	n := 0
	for _, m := range h.surfaces[channel] {
		if m != nil {
			n += m.CountActive(roi, h.latest, window)
		}
	}
	return n
}

// EventRate returns events per second measured between the last two
// queries.
func (h *Handler) EventRate() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.eventRate
}

// Stats returns a snapshot of the counters.
func (h *Handler) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.stats
	s.Pending = len(h.pending) - h.head
	s.EventRate = h.eventRate
	return s
}
