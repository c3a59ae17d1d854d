package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/eventtrack/internal/control"
	"github.com/banshee-data/eventtrack/internal/pf"
	"github.com/banshee-data/eventtrack/internal/sink"
	"github.com/banshee-data/eventtrack/internal/storage/sqlite"
	"github.com/banshee-data/eventtrack/internal/testutil"
)

// fakeTracker records admin calls. Validation mirrors control.Loop for the
// cases the handlers map to status codes.
type fakeTracker struct {
	mu        sync.Mutex
	reseeds   [][3]float64
	uniform   int
	paused    bool
	gain      float64
	delay     time.Duration
	minEvents int
	filterCfg pf.Config
	history   []control.Diagnostics
	queueFull bool
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{gain: 0.5, delay: 10 * time.Millisecond, minEvents: 50, filterCfg: pf.DefaultConfig()}
}

func (f *fakeTracker) Reseed(x, y, r float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queueFull {
		return control.ErrCommandQueueFull
	}
	if !f.filterCfg.Resolution.InFrame(x, y) || r <= 0 {
		return pf.ErrInvalidSeed
	}
	f.reseeds = append(f.reseeds, [3]float64{x, y, r})
	return nil
}

func (f *fakeTracker) ReseedUniform() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uniform++
	return nil
}

func (f *fakeTracker) Pause()  { f.mu.Lock(); f.paused = true; f.mu.Unlock() }
func (f *fakeTracker) Resume() { f.mu.Lock(); f.paused = false; f.mu.Unlock() }
func (f *fakeTracker) Paused() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused
}

func (f *fakeTracker) Diagnostics() control.Diagnostics {
	f.mu.Lock()
	defer f.mu.Unlock()
	return control.Diagnostics{
		Output:         sink.Output{Cycle: 42, State: "tracking"},
		Mode:           "drain",
		Paused:         f.paused,
		Gain:           f.gain,
		DesiredDelayMs: float64(f.delay) / float64(time.Millisecond),
		MinEvents:      f.minEvents,
	}
}

func (f *fakeTracker) History() []control.Diagnostics {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]control.Diagnostics(nil), f.history...)
}

func (f *fakeTracker) SetGain(g float64) error {
	if g < 0 {
		return control.ErrInvalidGain
	}
	f.mu.Lock()
	f.gain = g
	f.mu.Unlock()
	return nil
}

func (f *fakeTracker) SetDesiredDelay(d time.Duration) error {
	f.mu.Lock()
	f.delay = d
	f.mu.Unlock()
	return nil
}

func (f *fakeTracker) SetMinEvents(n int) error {
	if n > 4000 {
		return control.ErrInvalidMinEvents
	}
	f.mu.Lock()
	f.minEvents = n
	f.mu.Unlock()
	return nil
}

func (f *fakeTracker) UpdateFilterConfig(fn func(*pf.Config)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	next := f.filterCfg
	fn(&next)
	if err := f.filterCfg.CheckUpdate(next); err != nil {
		return err
	}
	f.filterCfg = next
	return nil
}

func (f *fakeTracker) FilterConfig() pf.Config {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.filterCfg
}

func do(t *testing.T, h http.Handler, method, target, contentType, body string) *httptest.ResponseRecorder {
	t.Helper()
	w := testutil.NewTestRecorder()
	h.ServeHTTP(w, testutil.NewTestRequest(method, target, contentType, body))
	return w
}

func TestDiagnostics(t *testing.T) {
	s := NewServer(newFakeTracker(), nil)
	mux := s.ServeMux()

	w := do(t, mux, http.MethodGet, "/api/diagnostics", "", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	var d control.Diagnostics
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &d))
	assert.Equal(t, uint64(42), d.Cycle)
	assert.Equal(t, "drain", d.Mode)

	w = do(t, mux, http.MethodPost, "/api/diagnostics", "", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusMethodNotAllowed)
}

func TestHistoryLimit(t *testing.T) {
	tr := newFakeTracker()
	for c := uint64(1); c <= 5; c++ {
		tr.history = append(tr.history, control.Diagnostics{Output: sink.Output{Cycle: c}})
	}
	mux := NewServer(tr, nil).ServeMux()

	w := do(t, mux, http.MethodGet, "/api/history?limit=2", "", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	var got []control.Diagnostics
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, uint64(4), got[0].Cycle)

	w = do(t, mux, http.MethodGet, "/api/history?limit=-1", "", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusBadRequest)
}

func TestReseed(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
		queueFull   bool
		wantStatus  int
		wantSeeds   int
		wantUniform int
	}{
		{"json seed", "application/json", `{"x":30,"y":40,"r":8}`, false, http.StatusAccepted, 1, 0},
		{"form seed", "application/x-www-form-urlencoded", url.Values{"x": {"30"}, "y": {"40"}, "r": {"8"}}.Encode(), false, http.StatusAccepted, 1, 0},
		{"uniform", "application/json", `{"uniform":true}`, false, http.StatusAccepted, 0, 1},
		{"form uniform", "application/x-www-form-urlencoded", "uniform=1", false, http.StatusAccepted, 0, 1},
		{"missing radius", "application/json", `{"x":30,"y":40}`, false, http.StatusBadRequest, 0, 0},
		{"bad number", "application/x-www-form-urlencoded", "x=a&y=1&r=1", false, http.StatusBadRequest, 0, 0},
		{"bad json", "application/json", `{`, false, http.StatusBadRequest, 0, 0},
		{"outside frame", "application/json", `{"x":-5,"y":40,"r":8}`, false, http.StatusBadRequest, 0, 0},
		{"queue full", "application/json", `{"x":30,"y":40,"r":8}`, true, http.StatusServiceUnavailable, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newFakeTracker()
			tr.queueFull = tt.queueFull
			w := do(t, NewServer(tr, nil).ServeMux(), http.MethodPost, "/api/reseed", tt.contentType, tt.body)
			testutil.AssertStatusCode(t, w.Code, tt.wantStatus)
			assert.Len(t, tr.reseeds, tt.wantSeeds)
			assert.Equal(t, tt.wantUniform, tr.uniform)
		})
	}
}

func TestPauseResume(t *testing.T) {
	tr := newFakeTracker()
	mux := NewServer(tr, nil).ServeMux()

	w := do(t, mux, http.MethodPost, "/api/pause", "", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	assert.JSONEq(t, `{"paused":true}`, w.Body.String())
	assert.True(t, tr.Paused())

	w = do(t, mux, http.MethodPost, "/api/resume", "", "")
	assert.JSONEq(t, `{"paused":false}`, w.Body.String())

	w = do(t, mux, http.MethodGet, "/api/pause", "", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusMethodNotAllowed)
}

func TestTuning(t *testing.T) {
	tr := newFakeTracker()
	mux := NewServer(tr, nil).ServeMux()

	w := do(t, mux, http.MethodPost, "/api/tuning", "application/json",
		`{"gain":0.8,"desired_delay":"5ms","min_events":80,"motion_variance":1.5,"reset_timeout":"2s","adaptive":true}`)
	testutil.AssertStatusCode(t, w.Code, http.StatusAccepted)
	assert.Equal(t, 0.8, tr.gain)
	assert.Equal(t, 5*time.Millisecond, tr.delay)
	assert.Equal(t, 80, tr.minEvents)
	fc := tr.FilterConfig()
	assert.Equal(t, 1.5, fc.MotionVariance)
	assert.Equal(t, 2*time.Second, fc.ResetTimeout)
	assert.True(t, fc.Adaptive)

	var view tuningView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, "5ms", view.DesiredDelay)
	assert.Equal(t, 1.5, view.MotionVariance)

	w = do(t, mux, http.MethodGet, "/api/tuning", "", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
}

func TestTuning_Rejects(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"fixed field", `{"particles":500}`, "particles"},
		{"startup seed", `{"seed_x":10,"seed_y":10,"seed_r":5}`, "seed_x"},
		{"unknown field", `{"colour":"blue"}`, "unknown field"},
		{"invalid value", `{"n_randomise":2}`, "n_randomise"},
		{"zero delay", `{"desired_delay":"0s"}`, "desired_delay"},
		{"min events too large", `{"min_events":5000}`, "minimum events"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newFakeTracker()
			w := do(t, NewServer(tr, nil).ServeMux(), http.MethodPost, "/api/tuning", "application/json", tt.body)
			testutil.AssertStatusCode(t, w.Code, http.StatusBadRequest)
			assert.Contains(t, w.Body.String(), tt.want)
			assert.Equal(t, pf.DefaultConfig(), tr.FilterConfig())
		})
	}
}

func TestSessions(t *testing.T) {
	rec, err := sqlite.Open(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	defer rec.Close()
	id, err := rec.StartSession("drain", nil)
	require.NoError(t, err)
	for c := uint64(1); c <= 3; c++ {
		require.NoError(t, rec.Publish(sink.Output{Cycle: c, State: "tracking", Time: time.Unix(0, int64(c))}))
	}

	mux := NewServer(newFakeTracker(), rec).ServeMux()
	w := do(t, mux, http.MethodGet, "/api/sessions", "", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	var sessions []sqlite.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sessions))
	require.Len(t, sessions, 1)
	assert.Equal(t, 3, sessions[0].Estimates)

	w = do(t, mux, http.MethodGet, "/api/sessions/"+id+"/estimates?limit=2", "", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	var outs []sink.Output
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &outs))
	require.Len(t, outs, 2)
	assert.Equal(t, uint64(2), outs[1].Cycle)

	w = do(t, NewServer(newFakeTracker(), nil).ServeMux(), http.MethodGet, "/api/sessions", "", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusNotFound)
}

func TestStats(t *testing.T) {
	s := NewServer(newFakeTracker(), nil)
	s.AddStats("udp", func() any { return map[string]int{"packets": 7} })
	w := do(t, s.ServeMux(), http.MethodGet, "/api/stats", "", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	var got map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.JSONEq(t, `{"packets":7}`, string(got["udp"]))
	assert.Contains(t, got, "live")
}

func TestAdminRoutes(t *testing.T) {
	tr := newFakeTracker()
	for c := uint64(1); c <= 4; c++ {
		d := control.Diagnostics{Output: sink.Output{Cycle: c, State: "tracking", TargetEvents: int(100 * c)}}
		d.Estimate.X, d.Estimate.Y, d.Estimate.R = 30, 40, 8
		tr.history = append(tr.history, d)
	}
	rec, err := sqlite.Open(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	defer rec.Close()

	mux := http.NewServeMux()
	require.NoError(t, NewServer(tr, rec).AttachAdminRoutes(mux))

	for _, path := range []string{"/debug/control-chart", "/debug/trajectory-chart"} {
		w := do(t, mux, http.MethodGet, path, "", "")
		testutil.AssertStatusCode(t, w.Code, http.StatusOK)
		assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
		assert.Contains(t, w.Body.String(), "echarts")
	}

	w := do(t, mux, http.MethodGet, "/debug/tracker", "", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)

	w = do(t, mux, http.MethodPost, "/debug/pause", "", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	assert.True(t, tr.Paused())

	w = do(t, mux, http.MethodGet, "/debug/tailsql/", "", "")
	if w.Code == http.StatusNotFound {
		t.Error("/debug/tailsql/ should be registered when sessions are recorded")
	}
}

func TestControlChart_EmptyHistory(t *testing.T) {
	mux := http.NewServeMux()
	require.NoError(t, NewServer(newFakeTracker(), nil).AttachAdminRoutes(mux))
	w := do(t, mux, http.MethodGet, "/debug/control-chart", "", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusNotFound)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(pf.ErrFixedParameter))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(control.ErrCommandQueueFull))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
}

func TestLiveFeed(t *testing.T) {
	s := NewServer(newFakeTracker(), nil)
	srv := httptest.NewServer(LoggingMiddleware(s.ServeMux()))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/live"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return s.Live().Stats().Clients == 1 }, 5*time.Second, time.Millisecond)

	require.NoError(t, s.Live().Publish(sink.Output{Cycle: 9, State: "tracking"}))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var got sink.Output
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, uint64(9), got.Cycle)

	conn.Close()
	require.Eventually(t, func() bool { return s.Live().Stats().Clients == 0 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, uint64(1), s.Live().Stats().Published)
}

func TestLiveHub_MaxClients(t *testing.T) {
	cfg := DefaultLiveConfig()
	cfg.MaxClients = 1
	hub := NewLiveHub(cfg)
	srv := httptest.NewServer(hub)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.Stats().Clients == 1 }, 5*time.Second, time.Millisecond)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestLiveHub_SlowClientDrops(t *testing.T) {
	hub := NewLiveHub(DefaultLiveConfig())
	slow := &liveClient{id: "slow", send: make(chan []byte, 1)}
	hub.clients[slow.id] = slow

	require.NoError(t, hub.Publish(sink.Output{Cycle: 1}))
	require.NoError(t, hub.Publish(sink.Output{Cycle: 2}))
	st := hub.Stats()
	assert.Equal(t, uint64(2), st.Published)
	assert.Equal(t, uint64(1), st.Dropped)

	var first sink.Output
	require.NoError(t, json.Unmarshal(<-slow.send, &first))
	assert.Equal(t, uint64(1), first.Cycle, "the oldest queued message is kept")
}
