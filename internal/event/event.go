// Package event defines the address-event data model shared by every stage
// of the tracker: single events, the batches they arrive in, the sensor
// resolution used to validate them and the region of interest used to crop
// them.
package event

import (
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/eventtrack/internal/timeutil"
)

// MaxChannels is the number of sensor channels (cameras) an event may carry.
const MaxChannels = 8

var (
	ErrInvalidResolution = errors.New("resolution must be positive")
	ErrInvalidROI        = errors.New("invalid region of interest")
)

// Event is a single brightness change reported by the sensor. Events are
// immutable values once decoded.
type Event struct {
	X        uint16
	Y        uint16
	Polarity bool
	Channel  uint8
	Stamp    uint32 // wraps at timeutil.StampModulus
}

// Pol returns the polarity as a 0/1 index.
func (e Event) Pol() int {
	if e.Polarity {
		return 1
	}
	return 0
}

// Window is an ordered run of events consumed by one filter cycle.
type Window []Event

// Batch is the unit handed over by the ingestion boundary: decoded events and
// the wall time they were received at.
type Batch struct {
	Events   []Event
	Received time.Time
}

// Resolution is the sensor frame size in pixels.
type Resolution struct {
	Width  int
	Height int
}

// Validate checks the resolution is usable.
func (r Resolution) Validate() error {
	if r.Width <= 0 || r.Height <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidResolution, r.Width, r.Height)
	}
	return nil
}

// Contains reports whether e addresses a pixel and channel that exist.
func (r Resolution) Contains(e Event) bool {
	return int(e.X) < r.Width && int(e.Y) < r.Height &&
		int(e.Channel) < MaxChannels && e.Stamp <= timeutil.StampMask
}

// InFrame reports whether the continuous point (x, y) lies on the frame.
func (r Resolution) InFrame(x, y float64) bool {
	return x >= 0 && y >= 0 && x <= float64(r.Width-1) && y <= float64(r.Height-1)
}

// ROI is an inclusive pixel rectangle.
type ROI struct {
	XLow, XHigh int
	YLow, YHigh int
}

// NewROI builds a rectangle from inclusive bounds.
func NewROI(xl, xh, yl, yh int) (ROI, error) {
	if xl < 0 || yl < 0 || xh < xl || yh < yl {
		return ROI{}, fmt.Errorf("%w: x[%d,%d] y[%d,%d]", ErrInvalidROI, xl, xh, yl, yh)
	}
	return ROI{XLow: xl, XHigh: xh, YLow: yl, YHigh: yh}, nil
}

// FullFrame returns the ROI covering the whole resolution.
func FullFrame(r Resolution) ROI {
	return ROI{XLow: 0, XHigh: r.Width - 1, YLow: 0, YHigh: r.Height - 1}
}

// Contains reports whether the pixel lies inside the rectangle.
func (r ROI) Contains(x, y int) bool {
	return x >= r.XLow && x <= r.XHigh && y >= r.YLow && y <= r.YHigh
}

// ContainsEvent is Contains for an event's address.
func (r ROI) ContainsEvent(e Event) bool {
	return r.Contains(int(e.X), int(e.Y))
}

// Clip intersects the ROI with the frame. The result may be empty, in which
// case ok is false.
func (r ROI) Clip(res Resolution) (clipped ROI, ok bool) {
	clipped = ROI{
		XLow:  max(r.XLow, 0),
		XHigh: min(r.XHigh, res.Width-1),
		YLow:  max(r.YLow, 0),
		YHigh: min(r.YHigh, res.Height-1),
	}
	return clipped, clipped.XLow <= clipped.XHigh && clipped.YLow <= clipped.YHigh
}
