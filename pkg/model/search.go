package model

import (
	"errors"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/mat"

	"dwifit/pkg/metrics"
)

// design is one hypothesis of the direction search: k rotation columns and
// the isotropic column, with the pseudo-inverse that maps a voxel's
// attenuation to OLS weights
type design struct {
	cols [][]float64 // k+1 columns of length D, isotropic last
	pinv *mat.Dense  // (k+1) x D
}

// newDesign computes the pseudo-inverse once for all voxels. A rank
// deficient design reports ok=false and is skipped by the search.
func newDesign(cols [][]float64, logger *slog.Logger, label string) (design, bool) {
	D, m := len(cols[0]), len(cols)
	X := mat.NewDense(D, m, nil)
	for j, c := range cols {
		X.SetCol(j, c)
	}

	var pinv mat.Dense
	err := pinv.Solve(X, eye(D))
	var cond mat.Condition
	switch {
	case err == nil:
	case errors.As(err, &cond) && !math.IsInf(float64(cond), 1):
		logger.Warn("ill-conditioned design", "candidate", label, "condition", float64(cond))
	default:
		logger.Debug("skipping singular design", "candidate", label, "error", err)
		return design{}, false
	}
	return design{cols: cols, pinv: &pinv}, true
}

func eye(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}

// rssTieTol is the relative residual difference below which two designs
// tie in the fallback selection
const rssTieTol = 1e-12

// searcher scores every design against one voxel and keeps the best
type searcher struct {
	designs []design
	index   []int // candidate index of each design
	tol     float64
}

// result of a search for one voxel; index < 0 means no design survived
type result struct {
	index   int
	weights []float64
}

// solve fits every design to y and returns the winner. A non-finite y,
// from a zero baseline, leaves the voxel undefined.
//
// A design whose weights fall below -tol (or are NaN) is rejected. The
// survivor with the highest Pearson correlation between prediction and y
// wins, the first one on ties.
//
// When every survivor scores NaN, which happens for a constant signal, the
// survivor with the smallest residual sum of squares wins instead, again
// the first one on ties. Residual sums within rssTieTol of each other,
// relative to the energy of y, count as ties. A purely isotropic voxel is
// therefore defined, with zero directional weight. Only a voxel without
// survivors is undefined.
func (s *searcher) solve(y []float64) result {
	best := result{index: -1}
	for _, v := range y {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return best
		}
	}
	bestScore := math.Inf(-1)
	fallback := result{index: -1}
	fallbackRSS := math.Inf(1)
	energy := 0.0
	for _, v := range y {
		energy += v * v
	}
	tieTol := rssTieTol * energy

	D := len(y)
	pred := make([]float64, D)
	for k, d := range s.designs {
		m := len(d.cols)
		w := make([]float64, m)
		ok := true
		for j := 0; j < m && ok; j++ {
			row := d.pinv.RawRowView(j)
			sum := 0.0
			for t, v := range y {
				sum += row[t] * v
			}
			switch {
			case !(sum >= -s.tol):
				ok = false
			case sum < 0:
				sum = 0
			}
			w[j] = sum
		}
		if !ok {
			continue
		}

		rss := 0.0
		for t := range pred {
			p := 0.0
			for j, c := range d.cols {
				p += w[j] * c[t]
			}
			pred[t] = p
			rss += (y[t] - p) * (y[t] - p)
		}

		score := metrics.Pearson(y, pred)
		if !math.IsNaN(score) && score > bestScore {
			best = result{index: s.index[k], weights: w}
			bestScore = score
		}
		if rss < fallbackRSS-tieTol {
			fallback = result{index: s.index[k], weights: w}
			fallbackRSS = rss
		}
	}
	if best.index >= 0 {
		return best
	}
	return fallback
}
