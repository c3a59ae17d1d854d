package timeutil

import "time"

// Sensor stamps are counters that wrap at StampModulus. One tick is
// TickPeriod of sensor time.
const (
	StampBits    = 24
	StampModulus = uint32(1) << StampBits
	StampMask    = StampModulus - 1
	TickPeriod   = time.Microsecond
)

// Wrap reduces s into [0, StampModulus).
func Wrap(s uint32) uint32 { return s & StampMask }

// Delta returns the ticks elapsed going forward from a to b, modulo
// StampModulus. Delta(StampModulus-1, 1) == 2.
func Delta(a, b uint32) uint32 {
	return (b - a) & StampMask
}

// Add advances s by d ticks, wrapping.
func Add(s, d uint32) uint32 { return (s + d) & StampMask }

// Sub moves s back by d ticks, wrapping.
func Sub(s, d uint32) uint32 { return (s - d) & StampMask }

// AtOrAfter reports whether b is at or after a. Stamps are compared on the
// half circle: b is "after" a when it lies less than half a period ahead.
func AtOrAfter(b, a uint32) bool {
	return Delta(a, b) < StampModulus/2
}

// Within reports whether s lies in the closed interval [cond-window, cond].
func Within(s, cond, window uint32) bool {
	return Delta(s, cond) <= window && AtOrAfter(cond, s)
}

// Ticks converts a wall duration into stamp ticks, saturating at half the
// modulus so the result is always comparable with AtOrAfter.
func Ticks(d time.Duration) uint32 {
	if d <= 0 {
		return 0
	}
	t := d / TickPeriod
	if t >= time.Duration(StampModulus/2) {
		return StampModulus/2 - 1
	}
	return uint32(t)
}

// Duration converts a tick count into wall time.
func Duration(ticks uint32) time.Duration {
	return time.Duration(ticks) * TickPeriod
}

// Unwrapper turns a stream of wrapping stamps into a monotonic 64-bit
// count. It is not safe for concurrent use.
type Unwrapper struct {
	last    uint32
	wraps   uint64
	started bool
}

// Unwrap returns the monotonic equivalent of s. Stamps that step backwards
// by more than half a period are treated as a wrap.
func (u *Unwrapper) Unwrap(s uint32) uint64 {
	s = Wrap(s)
	if !u.started {
		u.started = true
		u.last = s
		return uint64(s)
	}
	if s < u.last && u.last-s > StampModulus/2 {
		u.wraps++
	}
	u.last = s
	return u.wraps*uint64(StampModulus) + uint64(s)
}
