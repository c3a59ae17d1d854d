package main

import (
	"fmt"
	"image/color"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/eventtrack/internal/security"
	"github.com/banshee-data/eventtrack/internal/sink"
)

var (
	colorX      = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	colorY      = color.RGBA{R: 255, G: 127, B: 14, A: 255}
	colorR      = color.RGBA{R: 44, G: 160, B: 44, A: 255}
	colorTarget = color.RGBA{R: 214, G: 39, B: 40, A: 255}
	colorGrey   = color.RGBA{R: 127, G: 127, B: 127, A: 255}
)

// plotSet is what writePlots produced.
type plotSet struct {
	Trajectory string
	Centre     string
	Control    string
	Events     string
}

// writePlots renders the estimate over cycles, the centre path in the
// sensor frame, the filter period against the budget and the events
// processed per cycle.
func writePlots(outs []sink.Output, budgetMs float64, dir, prefix string) (plotSet, error) {
	if len(outs) == 0 {
		return plotSet{}, fmt.Errorf("no estimates to plot")
	}

	xs := make(plotter.XYs, len(outs))
	ys := make(plotter.XYs, len(outs))
	rs := make(plotter.XYs, len(outs))
	centre := make(plotter.XYs, len(outs))
	period := make(plotter.XYs, len(outs))
	events := make(plotter.XYs, len(outs))
	for i, o := range outs {
		c := float64(o.Cycle)
		xs[i] = plotter.XY{X: c, Y: o.Estimate.X}
		ys[i] = plotter.XY{X: c, Y: o.Estimate.Y}
		rs[i] = plotter.XY{X: c, Y: o.Estimate.R}
		centre[i] = plotter.XY{X: o.Estimate.X, Y: o.Estimate.Y}
		period[i] = plotter.XY{X: c, Y: o.FilterPeriodMs}
		events[i] = plotter.XY{X: c, Y: float64(o.EventsProcessed)}
	}

	var set plotSet
	for _, f := range []struct {
		dst    *string
		suffix string
	}{
		{&set.Trajectory, "_trajectory.png"},
		{&set.Centre, "_centre.png"},
		{&set.Control, "_control.png"},
		{&set.Events, "_events.png"},
	} {
		p, err := security.OutputPath(dir, prefix, f.suffix)
		if err != nil {
			return set, err
		}
		*f.dst = p
	}

	pTraj := plot.New()
	pTraj.Title.Text = "Estimate over cycles"
	pTraj.X.Label.Text = "Cycle"
	pTraj.Y.Label.Text = "Pixels"
	for _, s := range []struct {
		name string
		pts  plotter.XYs
		c    color.Color
	}{
		{"x", xs, colorX},
		{"y", ys, colorY},
		{"r", rs, colorR},
	} {
		line, err := plotter.NewLine(s.pts)
		if err != nil {
			return set, err
		}
		line.Color = s.c
		line.Width = vg.Points(1)
		pTraj.Add(line)
		pTraj.Legend.Add(s.name, line)
	}
	pTraj.Legend.Top = true
	if err := pTraj.Save(14*vg.Inch, 6*vg.Inch, set.Trajectory); err != nil {
		return set, fmt.Errorf("save trajectory plot: %w", err)
	}

	pCentre := plot.New()
	pCentre.Title.Text = "Centre path"
	pCentre.X.Label.Text = "x (px)"
	pCentre.Y.Label.Text = "y (px)"
	scatter, err := plotter.NewScatter(centre)
	if err != nil {
		return set, err
	}
	scatter.GlyphStyle.Color = colorX
	scatter.GlyphStyle.Radius = vg.Points(1.5)
	pCentre.Add(scatter)
	if err := pCentre.Save(8*vg.Inch, 8*vg.Inch, set.Centre); err != nil {
		return set, fmt.Errorf("save centre plot: %w", err)
	}

	pCtl := plot.New()
	pCtl.Title.Text = fmt.Sprintf("Filter period (budget %.2f ms)", budgetMs)
	pCtl.X.Label.Text = "Cycle"
	pCtl.Y.Label.Text = "Period (ms)"
	periodLine, err := plotter.NewLine(period)
	if err != nil {
		return set, err
	}
	periodLine.Color = colorX
	periodLine.Width = vg.Points(1)
	pCtl.Add(periodLine)
	pCtl.Legend.Add("period", periodLine)
	if budgetMs > 0 {
		budget := plotter.NewFunction(func(float64) float64 { return budgetMs })
		budget.Color = colorTarget
		budget.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
		pCtl.Add(budget)
		pCtl.Legend.Add("budget", budget)
	}
	pCtl.Legend.Top = true
	pCtl.Legend.Left = false
	pCtl.Legend.XOffs = -10
	pCtl.Legend.YOffs = -10
	if err := pCtl.Save(14*vg.Inch, 6*vg.Inch, set.Control); err != nil {
		return set, fmt.Errorf("save control plot: %w", err)
	}

	pEvents := plot.New()
	pEvents.Title.Text = "Events per cycle"
	pEvents.X.Label.Text = "Cycle"
	pEvents.Y.Label.Text = "Events"
	eventsLine, err := plotter.NewLine(events)
	if err != nil {
		return set, err
	}
	eventsLine.Color = colorGrey
	eventsLine.Width = vg.Points(1)
	pEvents.Add(eventsLine)

	if err := pEvents.Save(14*vg.Inch, 4*vg.Inch, set.Events); err != nil {
		return set, fmt.Errorf("save events plot: %w", err)
	}
	return set, nil
}
