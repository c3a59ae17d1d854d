package pf

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Resample draws a new, equally weighted particle set by systematic
// sampling over the cumulative weights, then redraws round(NRandomise*N)
// distinct, randomly chosen particles around the pre-resample weighted mean. With
// Adaptive set it only runs while the effective sample size is below
// ResampleThreshold*N. It reports whether resampling happened.
func (f *Filter) Resample() bool {
	if f.state == Uninitialized {
		return false
	}
	n := len(f.particles)
	if f.cfg.Adaptive && f.EffectiveSampleSize() >= f.cfg.ResampleThreshold*float64(n) {
		return false
	}

	for i, p := range f.particles {
		f.ws[i], f.xs[i], f.ys[i], f.rs[i] = p.Weight, p.X, p.Y, p.R
	}
	total := floats.Sum(f.ws)
	if !(total > 0) {
		return false
	}
	mx := stat.Mean(f.xs, f.ws)
	my := stat.Mean(f.ys, f.ws)
	mr := stat.Mean(f.rs, f.ws)

	floats.CumSum(f.cum, f.ws)
	step := total / float64(n)
	u := f.rng.Float64() * step
	j := 0
	for i := 0; i < n; i++ {
		for j < n-1 && f.cum[j] < u {
			j++
		}
		f.next[i] = f.particles[j]
		u += step
	}
	copy(f.particles, f.next)

	// Partial Fisher-Yates over f.order picks k distinct particles.
	sd := math.Sqrt(f.cfg.SeedVariance)
	k := min(int(math.Round(f.cfg.NRandomise*float64(n))), n)
	for t := 0; t < k; t++ {
		j := t + f.rng.IntN(n-t)
		f.order[t], f.order[j] = f.order[j], f.order[t]
		i := f.order[t]
		f.particles[i] = f.bounded(mx+f.normal.Rand()*sd, my+f.normal.Rand()*sd, mr+f.normal.Rand()*sd)
	}

	f.resetWeights()
	return true
}
