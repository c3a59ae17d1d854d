package api

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/eventtrack/internal/pf"
)

// handleControlChart renders the delay-control history: events per cycle
// against the filter period and its budget.
func (s *Server) handleControlChart(w http.ResponseWriter, r *http.Request) {
	history := s.tracker.History()
	if len(history) == 0 {
		s.writeJSONError(w, http.StatusNotFound, "no cycles recorded yet")
		return
	}

	cycles := make([]uint64, len(history))
	target := make([]opts.LineData, len(history))
	processed := make([]opts.LineData, len(history))
	period := make([]opts.LineData, len(history))
	budget := make([]opts.LineData, len(history))
	for i, d := range history {
		cycles[i] = d.Cycle
		target[i] = opts.LineData{Value: d.TargetEvents}
		processed[i] = opts.LineData{Value: d.EventsProcessed}
		period[i] = opts.LineData{Value: d.FilterPeriodMs}
		budget[i] = opts.LineData{Value: d.DesiredDelayMs}
	}
	last := history[len(history)-1]

	events := charts.NewLine()
	events.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "420px"}),
		charts.WithTitleOpts(opts.Title{Title: "Events per cycle", Subtitle: fmt.Sprintf("gain=%.2f min=%d", last.Gain, last.MinEvents)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "cycle"}),
	)
	events.SetXAxis(cycles).
		AddSeries("target", target).
		AddSeries("processed", processed)

	timing := charts.NewLine()
	timing.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "420px"}),
		charts.WithTitleOpts(opts.Title{Title: "Filter period (ms)", Subtitle: fmt.Sprintf("budget=%.2fms", last.DesiredDelayMs)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "cycle"}),
	)
	timing.SetXAxis(cycles).
		AddSeries("period", period).
		AddSeries("budget", budget)

	page := components.NewPage()
	page.AddCharts(events, timing)
	s.renderPage(w, page)
}

// handleTrajectoryChart plots recent centre estimates over the sensor frame.
func (s *Server) handleTrajectoryChart(w http.ResponseWriter, r *http.Request) {
	history := s.tracker.History()
	if len(history) == 0 {
		s.writeJSONError(w, http.StatusNotFound, "no cycles recorded yet")
		return
	}
	res := s.tracker.FilterConfig().Resolution

	var tracking, other []opts.ScatterData
	for _, d := range history {
		pt := opts.ScatterData{Value: []interface{}{d.Estimate.X, d.Estimate.Y, d.Estimate.R}}
		if d.State == pf.Tracking.String() {
			tracking = append(tracking, pt)
		} else {
			other = append(other, pt)
		}
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Trajectory", Theme: "dark", Width: "800px", Height: "800px"}),
		charts.WithTitleOpts(opts.Title{Title: "Estimated centre", Subtitle: fmt.Sprintf("%d cycles", len(history))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: 0, Max: res.Width, Name: "x (px)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: 0, Max: res.Height, Name: "y (px)", NameLocation: "middle", NameGap: 30}),
	)
	scatter.AddSeries("tracking", tracking, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 6}))
	scatter.AddSeries("searching/lost", other, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 4}))

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render trajectory chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) renderPage(w http.ResponseWriter, page *components.Page) {
	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
