// Command session-plot renders PNG plots of a recorded tracking session:
// the estimate over cycles, the centre path, and the delay controller's
// filter period against its budget.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/banshee-data/eventtrack/internal/config"
	"github.com/banshee-data/eventtrack/internal/storage/sqlite"
)

var (
	dbPath    = flag.String("db", "eventtrack.db", "SQLite session database")
	sessionID = flag.String("session", "", "Session id to plot (defaults to the newest)")
	outDir    = flag.String("out", ".", "Output directory for PNG files")
	limit     = flag.Int("limit", 0, "Maximum cycles to plot, 0 plots all")
	list      = flag.Bool("list", false, "List sessions and exit")
)

func main() {
	flag.Parse()

	rec, err := sqlite.Open(*dbPath)
	if err != nil {
		log.Fatalf("failed to open %s: %v", *dbPath, err)
	}
	defer rec.Close()

	sessions, err := rec.Sessions()
	if err != nil {
		log.Fatalf("failed to list sessions: %v", err)
	}
	if len(sessions) == 0 {
		log.Fatalf("no sessions in %s", *dbPath)
	}

	if *list {
		for _, s := range sessions {
			fmt.Printf("%s  %s  %-5s  %d estimates\n", s.ID, s.Started.Format("2006-01-02 15:04:05"), s.Mode, s.Estimates)
		}
		return
	}

	session, err := pickSession(sessions, *sessionID)
	if err != nil {
		log.Fatal(err)
	}

	outs, err := rec.Estimates(session.ID, *limit)
	if err != nil {
		log.Fatalf("failed to load estimates: %v", err)
	}

	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		log.Fatalf("failed to create %s: %v", *outDir, err)
	}
	set, err := writePlots(outs, sessionBudgetMs(session), *outDir, session.ID)
	if err != nil {
		log.Fatalf("failed to plot session %s: %v", session.ID, err)
	}
	log.Printf("session %s: %d cycles plotted to %s, %s, %s, %s",
		session.ID, len(outs), set.Trajectory, set.Centre, set.Control, set.Events)
}

func pickSession(sessions []sqlite.Session, id string) (sqlite.Session, error) {
	if id == "" {
		return sessions[0], nil
	}
	for _, s := range sessions {
		if s.ID == id {
			return s, nil
		}
	}
	return sqlite.Session{}, fmt.Errorf("session %q not found", id)
}

// sessionBudgetMs reads the desired delay from the tuning recorded with the
// session. It returns 0 when the config is not a tuning document.
func sessionBudgetMs(s sqlite.Session) float64 {
	var tuning config.TuningConfig
	if err := json.Unmarshal([]byte(s.ConfigJSON), &tuning); err != nil {
		return 0
	}
	return float64(tuning.GetDesiredDelay().Microseconds()) / 1000
}
