package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/banshee-data/eventtrack/internal/config"
	"github.com/banshee-data/eventtrack/internal/pf"
)

var errNotRuntime = errors.New("not adjustable at runtime")

// tuningView is the runtime-adjustable subset of the tuning schema.
type tuningView struct {
	Gain               float64 `json:"gain"`
	DesiredDelay       string  `json:"desired_delay"`
	MinEvents          int     `json:"min_events"`
	MotionVariance     float64 `json:"motion_variance"`
	SeedVariance       float64 `json:"seed_variance"`
	MinRadius          float64 `json:"min_radius"`
	MaxRadius          float64 `json:"max_radius"`
	ObsInlier          float64 `json:"obs_inlier"`
	ObsOutlier         float64 `json:"obs_outlier"`
	ObsThresh          float64 `json:"obs_thresh"`
	InlierWidth        float64 `json:"inlier_width"`
	OutlierWidth       float64 `json:"outlier_width"`
	Adaptive           bool    `json:"adaptive"`
	ResampleThreshold  float64 `json:"resample_threshold"`
	NRandomise         float64 `json:"n_randomise"`
	DetectionThreshold float64 `json:"detection_threshold"`
	ResetTimeout       string  `json:"reset_timeout"`
}

func (s *Server) currentTuning() tuningView {
	d := s.tracker.Diagnostics()
	fc := s.tracker.FilterConfig()
	return tuningView{
		Gain:               d.Gain,
		DesiredDelay:       time.Duration(d.DesiredDelayMs * float64(time.Millisecond)).String(),
		MinEvents:          d.MinEvents,
		MotionVariance:     fc.MotionVariance,
		SeedVariance:       fc.SeedVariance,
		MinRadius:          fc.MinRadius,
		MaxRadius:          fc.MaxRadius,
		ObsInlier:          fc.ObsInlier,
		ObsOutlier:         fc.ObsOutlier,
		ObsThresh:          fc.ObsThresh,
		InlierWidth:        fc.InlierWidth,
		OutlierWidth:       fc.OutlierWidth,
		Adaptive:           fc.Adaptive,
		ResampleThreshold:  fc.ResampleThreshold,
		NRandomise:         fc.NRandomise,
		DetectionThreshold: fc.DetectionThreshold,
		ResetTimeout:       fc.ResetTimeout.String(),
	}
}

// handleTuning reports the runtime tuning on GET and applies a partial
// tuning document on POST. Fields fixed at startup are rejected.
func (s *Server) handleTuning(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.currentTuning())
	case http.MethodPost:
		var req config.TuningConfig
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
			return
		}
		if err := s.applyTuning(&req); err != nil {
			status := statusFor(err)
			if errors.Is(err, errNotRuntime) {
				status = http.StatusBadRequest
			}
			s.writeJSONError(w, status, err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, s.currentTuning())
	default:
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// applyTuning validates req as a whole before queueing any change.
func (s *Server) applyTuning(req *config.TuningConfig) error {
	if fixed := fixedFields(req); len(fixed) > 0 {
		return fmt.Errorf("%s: %w", strings.Join(fixed, ", "), errNotRuntime)
	}
	if err := req.Validate(); err != nil {
		return fmt.Errorf("%w: %v", pf.ErrInvalidConfig, err)
	}

	var delay time.Duration
	if req.DesiredDelay != nil {
		delay = req.GetDesiredDelay()
		if delay <= 0 {
			return fmt.Errorf("%w: desired_delay must be positive", pf.ErrInvalidConfig)
		}
	}

	if filterFieldsSet(req) {
		err := s.tracker.UpdateFilterConfig(func(c *pf.Config) {
			setFloat(&c.MotionVariance, req.MotionVariance)
			setFloat(&c.SeedVariance, req.SeedVariance)
			setFloat(&c.MinRadius, req.MinRadius)
			setFloat(&c.MaxRadius, req.MaxRadius)
			setFloat(&c.ObsInlier, req.ObsInlier)
			setFloat(&c.ObsOutlier, req.ObsOutlier)
			setFloat(&c.ObsThresh, req.ObsThresh)
			setFloat(&c.InlierWidth, req.InlierWidth)
			setFloat(&c.OutlierWidth, req.OutlierWidth)
			setFloat(&c.ResampleThreshold, req.ResampleThreshold)
			setFloat(&c.NRandomise, req.NRandomise)
			setFloat(&c.DetectionThreshold, req.DetectionThreshold)
			if req.Adaptive != nil {
				c.Adaptive = *req.Adaptive
			}
			if req.ResetTimeout != nil {
				c.ResetTimeout = req.GetResetTimeout()
			}
		})
		if err != nil {
			return err
		}
	}
	if req.Gain != nil {
		if err := s.tracker.SetGain(*req.Gain); err != nil {
			return err
		}
	}
	if req.DesiredDelay != nil {
		if err := s.tracker.SetDesiredDelay(delay); err != nil {
			return err
		}
	}
	if req.MinEvents != nil {
		if err := s.tracker.SetMinEvents(*req.MinEvents); err != nil {
			return err
		}
	}
	return nil
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

func filterFieldsSet(c *config.TuningConfig) bool {
	return c.MotionVariance != nil || c.SeedVariance != nil || c.MinRadius != nil ||
		c.MaxRadius != nil || c.ObsInlier != nil || c.ObsOutlier != nil ||
		c.ObsThresh != nil || c.InlierWidth != nil || c.OutlierWidth != nil ||
		c.Adaptive != nil || c.ResampleThreshold != nil || c.NRandomise != nil ||
		c.DetectionThreshold != nil || c.ResetTimeout != nil
}

// fixedFields names the startup-only fields present in c.
func fixedFields(c *config.TuningConfig) []string {
	var out []string
	add := func(set bool, name string) {
		if set {
			out = append(out, name)
		}
	}
	add(c.SensorWidth != nil, "sensor_width")
	add(c.SensorHeight != nil, "sensor_height")
	add(c.QueueCapacity != nil, "queue_capacity")
	add(c.QueueTimeWindow != nil, "queue_time_window")
	add(c.ROI != nil, "roi")
	add(c.AcquireMode != nil, "acquire_mode")
	add(c.QueryBufferCapacity != nil, "query_buffer_capacity")
	add(c.QueryWindow != nil, "query_window")
	add(c.NoiseFilter != nil, "noise_filter")
	add(c.NoiseTemporalWindow != nil, "noise_temporal_window")
	add(c.NoiseSpatialWindow != nil, "noise_spatial_window")
	add(c.NoiseSpatialRadius != nil, "noise_spatial_radius")
	add(c.Particles != nil, "particles")
	add(c.Workers != nil, "workers")
	add(c.RandomSeed != nil, "random_seed")
	add(c.SeedX != nil, "seed_x")
	add(c.SeedY != nil, "seed_y")
	add(c.SeedR != nil, "seed_r")
	add(c.InitialEvents != nil, "initial_events")
	add(c.AutoReseed != nil, "auto_reseed")
	add(c.HistorySize != nil, "history_size")
	add(c.PublishInterval != nil, "publish_interval")
	return out
}
