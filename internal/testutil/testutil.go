// Package testutil provides shared test fixtures: synthetic event windows,
// a recording ingest target, and HTTP helpers for the admin surface tests.
package testutil

import (
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/eventtrack/internal/event"
	"github.com/banshee-data/eventtrack/internal/timeutil"
)

// RingEvents returns n events evenly spaced on a circle, rounded to pixels,
// with consecutive stamps starting at stamp0. Points with negative
// coordinates are clamped to zero.
func RingEvents(cx, cy, r float64, n int, stamp0 uint32) event.Window {
	w := make(event.Window, n)
	for i := range w {
		a := 2 * math.Pi * float64(i) / float64(n)
		w[i] = event.Event{
			X:     pixel(cx + r*math.Cos(a)),
			Y:     pixel(cy + r*math.Sin(a)),
			Stamp: timeutil.Add(stamp0, uint32(i)),
		}
	}
	return w
}

func pixel(v float64) uint16 {
	if v < 0 {
		return 0
	}
	return uint16(math.Round(v))
}

// Batch wraps events as a batch received now.
func Batch(evs []event.Event) event.Batch {
	return event.Batch{Events: evs, Received: time.Now()}
}

// CaptureTarget records every batch it is given and accepts all events.
type CaptureTarget struct {
	mu      sync.Mutex
	batches []event.Batch
}

// AddBatch records b.
func (c *CaptureTarget) AddBatch(b event.Batch) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, b)
	return len(b.Events)
}

// Events returns every recorded event in arrival order.
func (c *CaptureTarget) Events() []event.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []event.Event
	for _, b := range c.batches {
		out = append(out, b.Events...)
	}
	return out
}

// Batches returns the number of batches recorded.
func (c *CaptureTarget) Batches() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batches)
}

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t testing.TB, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// NewTestRequest creates a loopback request so tsweb's debug pages accept
// it. An empty body sends no body.
func NewTestRequest(method, path, contentType, body string) *http.Request {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

// NewTestRecorder creates a test response recorder.
func NewTestRecorder() *httptest.ResponseRecorder {
	return httptest.NewRecorder()
}
