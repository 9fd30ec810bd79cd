package solver

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// OMP is orthogonal matching pursuit: columns are added greedily by their
// normalized correlation with the residual and the active coefficients are
// refit by least squares after every addition
type OMP struct {
	// NonZero caps the number of selected columns. Zero means 10% of the
	// columns, at least one.
	NonZero int

	// Tol, when > 0, stops once the squared residual norm drops below it
	Tol float64
}

func newOMP(params map[string]float64) (Regressor, error) {
	o := &OMP{
		NonZero: int(param(params, "n_nonzero_coefs", 0)),
		Tol:     param(params, "tol", 0),
	}
	if o.NonZero < 0 || o.Tol < 0 {
		return nil, fmt.Errorf("solver: OMP parameters must be >= 0")
	}
	return o, nil
}

// Fit implements Regressor
func (o *OMP) Fit(X Design, y []float64) ([]float64, error) {
	if err := checkTarget(X, y); err != nil {
		return nil, err
	}
	cols, err := collect(X)
	if err != nil {
		return nil, err
	}

	k := o.NonZero
	if k == 0 {
		k = max(1, cols.p/10)
	}
	k = min(k, cols.p, cols.n)

	w := make([]float64, cols.p)
	r := append([]float64(nil), y...)
	used := make([]bool, cols.p)
	var active []int
	yv := mat.NewVecDense(len(y), append([]float64(nil), y...))

	for len(active) < k {
		if o.Tol > 0 && floats.Dot(r, r) <= o.Tol {
			break
		}

		best, bestCorr := -1, 0.0
		for j := 0; j < cols.p; j++ {
			if used[j] || cols.sq[j] == 0 {
				continue
			}
			if c := math.Abs(cols.dot(j, r)) / math.Sqrt(cols.sq[j]); c > bestCorr {
				best, bestCorr = j, c
			}
		}
		if best < 0 || bestCorr <= 1e-12*math.Sqrt(floats.Dot(y, y)) {
			break
		}
		used[best] = true
		active = append(active, best)

		A := mat.NewDense(cols.n, len(active), nil)
		for c, j := range active {
			A.SetCol(c, cols.dense(j))
		}
		var coef mat.VecDense
		if err := coef.SolveVec(A, yv); err != nil {
			return nil, fmt.Errorf("solver: OMP least-squares step: %w", err)
		}

		copy(r, y)
		for c, j := range active {
			w[j] = coef.AtVec(c)
			cols.axpy(j, -w[j], r)
		}
	}
	if err := checkSolution(w); err != nil {
		return nil, err
	}
	return w, nil
}
