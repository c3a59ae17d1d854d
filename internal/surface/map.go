// Package surface keeps per-pixel "last seen" stamps for each sensor channel
// and polarity, and the blocking query buffer the control loop reads event
// windows from.
package surface

import (
	"github.com/banshee-data/eventtrack/internal/event"
	"github.com/banshee-data/eventtrack/internal/timeutil"
)

// Map is a per-pixel grid of the most recent stamp seen at each pixel. It
// is not safe for concurrent use; owners guard it.
type Map struct {
	width  int
	height int
	stamps []uint32
	seen   []bool
}

// NewMap allocates a map covering res.
func NewMap(res event.Resolution) *Map {
	n := res.Width * res.Height
	return &Map{
		width:  res.Width,
		height: res.Height,
		stamps: make([]uint32, n),
		seen:   make([]bool, n),
	}
}

func (m *Map) index(x, y int) (int, bool) {
	if x < 0 || y < 0 || x >= m.width || y >= m.height {
		return 0, false
	}
	return y*m.width + x, true
}

// Set records stamp s at (x, y). Out-of-range pixels are ignored.
func (m *Map) Set(x, y int, s uint32) {
	if i, ok := m.index(x, y); ok {
		m.stamps[i] = s
		m.seen[i] = true
	}
}

// Get returns the last stamp at (x, y) and whether the pixel has fired.
func (m *Map) Get(x, y int) (uint32, bool) {
	i, ok := m.index(x, y)
	if !ok || !m.seen[i] {
		return 0, false
	}
	return m.stamps[i], true
}

// Reset forgets every pixel.
func (m *Map) Reset() {
	clear(m.stamps)
	clear(m.seen)
}

// CountActive counts pixels inside roi that fired within window ticks
// before now.
func (m *Map) CountActive(roi event.ROI, now, window uint32) int {
	r, ok := roi.Clip(event.Resolution{Width: m.width, Height: m.height})
	if !ok {
		return 0
	}
	count := 0
	for y := r.YLow; y <= r.YHigh; y++ {
		row := y * m.width
		for x := r.XLow; x <= r.XHigh; x++ {
			if m.seen[row+x] && timeutil.Within(m.stamps[row+x], now, window) {
				count++
			}
		}
	}
	return count
}
