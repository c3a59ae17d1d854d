// Package sqlite records tracking sessions to a SQLite database: one row
// per session and one row per published output.
package sqlite

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/eventtrack/internal/pf"
	"github.com/banshee-data/eventtrack/internal/sink"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var ErrNoSession = errors.New("no recording session is open")

// Session is a row of the sessions table.
type Session struct {
	ID         string    `json:"id"`
	Started    time.Time `json:"started"`
	Ended      time.Time `json:"ended,omitzero"`
	Mode       string    `json:"mode"`
	ConfigJSON string    `json:"config"`
	Estimates  int       `json:"estimates"`
}

// Recorder implements sink.Sink by inserting every output into the
// current session.
type Recorder struct {
	db *sql.DB

	mu      sync.Mutex
	session string
}

var _ sink.Sink = (*Recorder)(nil)

// Open opens (creating if needed) the database at path and migrates it to
// the latest schema.
func Open(path string) (*Recorder, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection so the per-connection pragmas hold for every query.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000; PRAGMA foreign_keys=ON;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}
	r := &Recorder{db: db}
	if err := r.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

// DB exposes the underlying handle for read-only tooling.
func (r *Recorder) DB() *sql.DB { return r.db }

// MigrateUp runs all pending migrations up to the latest version.
func (r *Recorder) MigrateUp() error {
	m, err := r.newMigrate()
	if err != nil {
		return err
	}
	// m is not closed: closing it would close the shared connection.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// MigrateVersion returns the current schema version and dirty state.
func (r *Recorder) MigrateVersion() (version uint, dirty bool, err error) {
	m, err := r.newMigrate()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func (r *Recorder) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(r.db, &migratesqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrateLogger{}
	return m, nil
}

type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) {
	log.Printf("[migrate] "+format, v...)
}

func (migrateLogger) Verbose() bool { return false }

// StartSession opens a new session, ending any open one. config is stored
// as JSON alongside it.
func (r *Recorder) StartSession(mode string, config interface{}) (string, error) {
	cfg, err := json.Marshal(config)
	if err != nil {
		return "", fmt.Errorf("encode session config: %w", err)
	}
	if err := r.EndSession(); err != nil && !errors.Is(err, ErrNoSession) {
		return "", err
	}
	id := uuid.NewString()
	_, err = r.db.Exec(
		`INSERT INTO sessions (session_id, started_unix_ns, mode, config_json) VALUES (?, ?, ?, ?)`,
		id, time.Now().UnixNano(), mode, string(cfg),
	)
	if err != nil {
		return "", fmt.Errorf("insert session: %w", err)
	}
	r.mu.Lock()
	r.session = id
	r.mu.Unlock()
	log.Printf("[Recorder] Session %s started (%s mode)", id, mode)
	return id, nil
}

// EndSession stamps the open session's end time.
func (r *Recorder) EndSession() error {
	r.mu.Lock()
	id := r.session
	r.session = ""
	r.mu.Unlock()
	if id == "" {
		return ErrNoSession
	}
	if _, err := r.db.Exec(`UPDATE sessions SET ended_unix_ns = ? WHERE session_id = ?`, time.Now().UnixNano(), id); err != nil {
		return fmt.Errorf("end session %s: %w", id, err)
	}
	log.Printf("[Recorder] Session %s ended", id)
	return nil
}

// SessionID returns the open session, or "".
func (r *Recorder) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session
}

// Publish inserts o into the open session.
func (r *Recorder) Publish(o sink.Output) error {
	id := r.SessionID()
	if id == "" {
		return ErrNoSession
	}
	e := o.Estimate
	_, err := r.db.Exec(
		`INSERT INTO estimates (
			session_id, cycle, recorded_unix_ns, state, x, y, r, max_likelihood,
			variance, stamp, low_confidence, events_processed, target_events,
			filter_period_ms, event_rate, backlog, dx, dy, dr
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, int64(o.Cycle), o.Time.UnixNano(), o.State, e.X, e.Y, e.R, e.MaxLikelihood,
		e.Variance, int64(e.Stamp), o.LowConfidence, o.EventsProcessed, o.TargetEvents,
		o.FilterPeriodMs, o.EventRate, o.Backlog, o.DX, o.DY, o.DR,
	)
	if err != nil {
		return fmt.Errorf("insert estimate for cycle %d: %w", o.Cycle, err)
	}
	return nil
}

// Sessions lists sessions newest first with their estimate counts.
func (r *Recorder) Sessions() ([]Session, error) {
	rows, err := r.db.Query(`
		SELECT s.session_id, s.started_unix_ns, s.ended_unix_ns, s.mode, s.config_json,
		       (SELECT COUNT(*) FROM estimates e WHERE e.session_id = s.session_id)
		FROM sessions s
		ORDER BY s.started_unix_ns DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var s Session
		var started int64
		var ended sql.NullInt64
		if err := rows.Scan(&s.ID, &started, &ended, &s.Mode, &s.ConfigJSON, &s.Estimates); err != nil {
			return nil, err
		}
		s.Started = time.Unix(0, started)
		if ended.Valid {
			s.Ended = time.Unix(0, ended.Int64)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// Estimates returns up to limit outputs of a session in cycle order. A
// limit of zero or less returns them all.
func (r *Recorder) Estimates(sessionID string, limit int) ([]sink.Output, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.Query(`
		SELECT cycle, recorded_unix_ns, state, x, y, r, max_likelihood, variance, stamp,
		       low_confidence, events_processed, target_events, filter_period_ms,
		       event_rate, backlog, dx, dy, dr
		FROM estimates WHERE session_id = ? ORDER BY cycle LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outs []sink.Output
	for rows.Next() {
		var o sink.Output
		var e pf.Estimate
		var cycle, recorded, stamp int64
		if err := rows.Scan(&cycle, &recorded, &o.State, &e.X, &e.Y, &e.R, &e.MaxLikelihood,
			&e.Variance, &stamp, &o.LowConfidence, &o.EventsProcessed, &o.TargetEvents,
			&o.FilterPeriodMs, &o.EventRate, &o.Backlog, &o.DX, &o.DY, &o.DR); err != nil {
			return nil, err
		}
		o.Cycle = uint64(cycle)
		o.Time = time.Unix(0, recorded)
		e.Stamp = uint32(stamp)
		o.Estimate = e
		outs = append(outs, o)
	}
	return outs, rows.Err()
}

// Close ends the open session and closes the database.
func (r *Recorder) Close() error {
	if err := r.EndSession(); err != nil && !errors.Is(err, ErrNoSession) {
		log.Printf("[Recorder] %v", err)
	}
	return r.db.Close()
}
