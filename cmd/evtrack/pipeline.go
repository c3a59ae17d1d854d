package main

import (
	"fmt"
	"log"

	"github.com/banshee-data/eventtrack/internal/api"
	"github.com/banshee-data/eventtrack/internal/config"
	"github.com/banshee-data/eventtrack/internal/control"
	"github.com/banshee-data/eventtrack/internal/event"
	"github.com/banshee-data/eventtrack/internal/eventq"
	"github.com/banshee-data/eventtrack/internal/ingest"
	"github.com/banshee-data/eventtrack/internal/noise"
	"github.com/banshee-data/eventtrack/internal/pf"
	"github.com/banshee-data/eventtrack/internal/surface"
	"github.com/banshee-data/eventtrack/internal/timeutil"
)

// pipeline is the acquisition side of the tracker: the loop's input buffer
// and the ingest target that feeds it.
type pipeline struct {
	inputs control.Inputs
	target ingest.Target
	stats  map[string]api.StatsFunc
}

// roiSetter is implemented by both input buffers.
type roiSetter interface {
	SetROI(xl, xh, yl, yh int) error
}

func newPipeline(tuning *config.TuningConfig, mode control.Mode, res event.Resolution, clock timeutil.Clock) (*pipeline, error) {
	p := &pipeline{stats: map[string]api.StatsFunc{}}

	var buf roiSetter
	switch mode {
	case control.ModeQuery:
		h, err := surface.NewHandler(res, tuning.GetQueryBufferCapacity(), clock)
		if err != nil {
			return nil, fmt.Errorf("surface handler: %w", err)
		}
		p.inputs.Surface = h
		p.target = h
		p.stats["surface"] = func() any { return h.Stats() }
		buf = h
	default:
		q, err := eventq.New(res, tuning.GetQueueCapacity())
		if err != nil {
			return nil, fmt.Errorf("event queue: %w", err)
		}
		if tw := tuning.GetQueueTimeWindow(); tw > 0 {
			q.SetTimeWindow(timeutil.Ticks(tw))
		}
		p.inputs.Queue = q
		p.target = q
		p.stats["queue"] = func() any { return q.Stats() }
		buf = q
	}

	if roi := tuning.ROI; roi != nil {
		if err := buf.SetROI(roi.XLow, roi.XHigh, roi.YLow, roi.YHigh); err != nil {
			return nil, fmt.Errorf("roi: %w", err)
		}
		log.Printf("roi x[%d,%d] y[%d,%d]", roi.XLow, roi.XHigh, roi.YLow, roi.YHigh)
	}

	if nc, enabled := noise.ConfigFromTuning(tuning); enabled {
		nf, err := noise.New(res, nc, p.target)
		if err != nil {
			return nil, fmt.Errorf("noise filter: %w", err)
		}
		p.target = nf
		p.stats["noise"] = func() any { return nf.Stats() }
		log.Printf("noise filter enabled: temporal=%v spatial=%v radius=%d",
			nc.TemporalWindow, nc.SpatialWindow, nc.SpatialRadius)
	}
	return p, nil
}

// seedFilter applies the configured initial hypothesis. It reports false
// when none is configured and the loop should start a broad search.
func seedFilter(f *pf.Filter, tuning *config.TuningConfig) (bool, error) {
	x, y, r, ok := tuning.GetSeed()
	if !ok {
		return false, nil
	}
	if err := f.Seed(x, y, r); err != nil {
		return false, err
	}
	return true, nil
}
