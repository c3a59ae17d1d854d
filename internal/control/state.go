package control

import (
	"math"
	"time"
)

// State is the delay-control state. Only the loop goroutine reads or
// writes it.
type State struct {
	TargetEventsPerCycle int
	FilterPeriod         time.Duration
	Gain                 float64
	LastGoodTrackStamp   uint32
	LastGoodTrack        time.Time
	TrackLost            bool
}

// LatencyError returns (budget - FilterPeriod) / budget: negative when the
// last cycle overran the budget, positive when it had slack.
func (s *State) LatencyError(budget time.Duration) float64 {
	if budget <= 0 {
		return 0
	}
	return float64(budget-s.FilterPeriod) / float64(budget)
}

// Adjust applies the proportional feedback law and returns the new target.
//
// On overrun the target is scaled by 1+Gain*e and always drops by at least
// one event. With slack and a backlog waiting it grows by Gain*e*target,
// at least one event. Otherwise it is left alone. The result is clamped to
// [minEvents, maxEvents].
func (s *State) Adjust(budget time.Duration, backlog, minEvents, maxEvents int) int {
	e := s.LatencyError(budget)
	target := s.TargetEventsPerCycle
	switch {
	case s.FilterPeriod > budget:
		next := int(math.Floor(float64(target) * (1 + s.Gain*e)))
		target = min(next, target-1)
	case backlog > 0:
		step := int(math.Ceil(s.Gain * e * float64(target)))
		target += max(step, 1)
	}
	s.TargetEventsPerCycle = clampInt(target, minEvents, maxEvents)
	return s.TargetEventsPerCycle
}

func clampInt(v, lo, hi int) int {
	if hi < lo {
		hi = lo
	}
	return max(lo, min(hi, v))
}
