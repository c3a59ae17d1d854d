package pf

import (
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/eventtrack/internal/event"
)

// scoreParams is the read-only view of the observation model shared by the
// workers of one cycle.
type scoreParams struct {
	inlier, outlier        float64
	inlierWidth, outerBand float64
}

// Observe scores every particle against w and renormalises the weights.
// An empty window leaves the particle set untouched. When every score is
// zero the weights are also kept and the result is flagged Degenerate.
func (f *Filter) Observe(w event.Window) ObserveResult {
	res := ObserveResult{Events: len(w)}
	if f.state == Uninitialized || len(w) == 0 {
		res.LowConfidence = true
		f.lastObs = res
		return res
	}
	f.lastStamp = newestStamp(w)

	params := scoreParams{
		inlier:      f.cfg.ObsInlier,
		outlier:     f.cfg.ObsOutlier,
		inlierWidth: f.cfg.InlierWidth,
		outerBand:   f.cfg.OutlierWidth,
	}

	n := len(f.particles)
	workers := min(f.cfg.Workers, n)
	var g errgroup.Group
	for k := 0; k < workers; k++ {
		start, end := k*n/workers, (k+1)*n/workers
		g.Go(func() error {
			f.partialSum[k], f.partialMax[k] = scoreSlice(f.particles[start:end], w, params)
			return nil
		})
	}
	_ = g.Wait() // workers never fail

	for k := 0; k < workers; k++ {
		res.ScoreSum += f.partialSum[k]
		res.MaxLikelihood = math.Max(res.MaxLikelihood, f.partialMax[k])
	}
	res.LowConfidence = res.MaxLikelihood < f.cfg.ObsThresh

	if res.ScoreSum > 0 {
		for i := range f.particles {
			f.particles[i].Weight = f.particles[i].Score / res.ScoreSum
		}
	} else {
		res.Degenerate = true
	}
	f.lastObs = res
	return res
}

// scoreSlice writes each particle's raw likelihood into Score and returns
// the slice's score sum and maximum. Events are visited in window order so
// a particle's score does not depend on how the set is partitioned.
func scoreSlice(ps []Particle, w event.Window, sp scoreParams) (sum, best float64) {
	for i := range ps {
		p := &ps[i]
		var score float64
		for _, e := range w {
			h := math.Hypot(float64(e.X)-p.X, float64(e.Y)-p.Y)
			d := math.Abs(h - p.R)
			switch {
			case d <= sp.inlierWidth:
				score += sp.inlier * (1 - d/(2*sp.inlierWidth))
			case h < p.R+sp.outerBand:
				score -= sp.outlier
			}
		}
		p.Score = math.Max(score, 0)
		sum += p.Score
		best = math.Max(best, p.Score)
	}
	return sum, best
}
