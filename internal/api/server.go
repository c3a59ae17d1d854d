// Package api is the tracker's administrative HTTP surface: JSON endpoints
// for diagnostics, reseeding, pausing and tuning, recorded sessions, a
// websocket live feed, and debug pages under /debug/.
package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"

	"github.com/banshee-data/eventtrack/internal/control"
	"github.com/banshee-data/eventtrack/internal/pf"
	"github.com/banshee-data/eventtrack/internal/sink"
	"github.com/banshee-data/eventtrack/internal/storage/sqlite"
)

// ANSI escape codes for request logging
const (
	colorCyan      = "\033[36m"
	colorReset     = "\033[0m"
	colorYellow    = "\033[33m"
	colorBoldGreen = "\033[1;32m"
	colorBoldRed   = "\033[1;31m"
)

// Tracker is the control surface of the running loop. *control.Loop
// implements it.
type Tracker interface {
	Reseed(x, y, r float64) error
	ReseedUniform() error
	Pause()
	Resume()
	Paused() bool
	Diagnostics() control.Diagnostics
	History() []control.Diagnostics
	SetGain(float64) error
	SetDesiredDelay(time.Duration) error
	SetMinEvents(int) error
	UpdateFilterConfig(func(*pf.Config)) error
	FilterConfig() pf.Config
}

// SessionStore lists recorded sessions. *sqlite.Recorder implements it.
type SessionStore interface {
	Sessions() ([]sqlite.Session, error)
	Estimates(sessionID string, limit int) ([]sink.Output, error)
	DB() *sql.DB
}

// StatsFunc reports counters of a pipeline stage for /api/stats.
type StatsFunc func() any

type Server struct {
	tracker  Tracker
	sessions SessionStore
	live     *LiveHub
	stats    map[string]StatsFunc
}

// NewServer creates a server. sessions may be nil when recording is off.
func NewServer(t Tracker, sessions SessionStore) *Server {
	return &Server{
		tracker:  t,
		sessions: sessions,
		live:     NewLiveHub(DefaultLiveConfig()),
		stats:    make(map[string]StatsFunc),
	}
}

// Live returns the websocket hub; publish outputs to it to feed /live.
func (s *Server) Live() *LiveHub { return s.live }

// AddStats registers a named stats source for /api/stats.
func (s *Server) AddStats(name string, f StatsFunc) { s.stats[name] = f }

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, status, and duration. The live
// websocket is passed through untouched so the upgrade can hijack it.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/live" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux returns the JSON API and live feed routes.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/diagnostics", s.showDiagnostics)
	mux.HandleFunc("/api/history", s.showHistory)
	mux.HandleFunc("/api/stats", s.showStats)
	mux.HandleFunc("/api/reseed", s.handleReseed)
	mux.HandleFunc("/api/pause", s.handlePause)
	mux.HandleFunc("/api/resume", s.handleResume)
	mux.HandleFunc("/api/tuning", s.handleTuning)
	mux.HandleFunc("GET /api/sessions", s.listSessions)
	mux.HandleFunc("GET /api/sessions/{id}/estimates", s.listEstimates)
	mux.Handle("/live", s.live)
	return mux
}

// AttachAdminRoutes mounts the debug pages on mux under /debug/.
func (s *Server) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("tracker", "Current tracker diagnostics (JSON)", s.showDiagnostics)
	debug.HandleFunc("control-chart", "Events per cycle against filter period", s.handleControlChart)
	debug.HandleFunc("trajectory-chart", "Recent estimated centres", s.handleTrajectoryChart)
	debug.HandleFunc("reseed", "Reseed the filter (POST x, y, r or uniform=1)", s.handleReseed)
	debug.HandleFunc("pause", "Pause tracking (POST)", s.handlePause)
	debug.HandleFunc("resume", "Resume tracking (POST)", s.handleResume)

	if s.sessions == nil {
		return nil
	}
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://sessions.db", s.sessions.DB(), &tailsql.DBOptions{
		Label: "Tracking sessions",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[API] failed to encode response: %v", err)
	}
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) showDiagnostics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.tracker.Diagnostics())
}

func (s *Server) showHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	history := s.tracker.History()
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeJSONError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		if n < len(history) {
			history = history[len(history)-n:]
		}
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) showStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	out := make(map[string]any, len(s.stats)+1)
	for name, f := range s.stats {
		out[name] = f()
	}
	out["live"] = s.live.Stats()
	writeJSON(w, http.StatusOK, out)
}

type reseedRequest struct {
	X       *float64 `json:"x"`
	Y       *float64 `json:"y"`
	R       *float64 `json:"r"`
	Uniform bool     `json:"uniform"`
}

// handleReseed accepts a JSON body or form values. Either uniform is set,
// or all of x, y and r are.
func (s *Server) handleReseed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	req, err := parseReseed(r)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.Uniform {
		err = s.tracker.ReseedUniform()
	} else {
		err = s.tracker.Reseed(*req.X, *req.Y, *req.R)
	}
	if err != nil {
		s.writeJSONError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "reseed queued", "uniform": req.Uniform})
}

func parseReseed(r *http.Request) (reseedRequest, error) {
	var req reseedRequest
	if r.Header.Get("Content-Type") == "application/json" {
		if err := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<16)).Decode(&req); err != nil {
			return req, fmt.Errorf("invalid JSON: %v", err)
		}
	} else {
		if err := r.ParseForm(); err != nil {
			return req, fmt.Errorf("invalid form: %v", err)
		}
		req.Uniform = r.FormValue("uniform") == "1" || r.FormValue("uniform") == "true"
		for name, dst := range map[string]**float64{"x": &req.X, "y": &req.Y, "r": &req.R} {
			v := r.FormValue(name)
			if v == "" {
				continue
			}
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return req, fmt.Errorf("invalid %s: %q", name, v)
			}
			*dst = &f
		}
	}
	if req.Uniform {
		return req, nil
	}
	if req.X == nil || req.Y == nil || req.R == nil {
		return req, errors.New("x, y and r are required unless uniform is set")
	}
	return req, nil
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.tracker.Pause()
	writeJSON(w, http.StatusOK, map[string]bool{"paused": s.tracker.Paused()})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.tracker.Resume()
	writeJSON(w, http.StatusOK, map[string]bool{"paused": s.tracker.Paused()})
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		s.writeJSONError(w, http.StatusNotFound, "session recording is disabled")
		return
	}
	sessions, err := s.sessions.Sessions()
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sessions == nil {
		sessions = []sqlite.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) listEstimates(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		s.writeJSONError(w, http.StatusNotFound, "session recording is disabled")
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.writeJSONError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = n
	}
	outs, err := s.sessions.Estimates(r.PathValue("id"), limit)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if outs == nil {
		outs = []sink.Output{}
	}
	writeJSON(w, http.StatusOK, outs)
}

// statusFor maps tracker errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, control.ErrCommandQueueFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, pf.ErrInvalidSeed),
		errors.Is(err, pf.ErrInvalidConfig),
		errors.Is(err, pf.ErrFixedParameter),
		errors.Is(err, control.ErrInvalidGain),
		errors.Is(err, control.ErrInvalidDelay),
		errors.Is(err, control.ErrInvalidMinEvents):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
