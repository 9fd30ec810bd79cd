package solver

import (
	"fmt"
	"math"
)

// CoordinateDescent minimizes
//
//	1/(2n) ||y - Xw||² + Alpha L1Ratio ||w||₁ + Alpha (1 - L1Ratio)/2 ||w||²
//
// by cyclic coordinate descent. L1Ratio = 1 is the Lasso.
type CoordinateDescent struct {
	Alpha    float64
	L1Ratio  float64
	MaxIter  int
	Tol      float64
	Positive bool
}

func newLasso(params map[string]float64) (Regressor, error) {
	cd := &CoordinateDescent{
		Alpha:    param(params, "alpha", 1.0),
		L1Ratio:  1,
		MaxIter:  int(param(params, "max_iter", 1000)),
		Tol:      param(params, "tol", 1e-4),
		Positive: param(params, "positive", 0) != 0,
	}
	return cd, cd.validate()
}

func newElasticNet(params map[string]float64) (Regressor, error) {
	cd := &CoordinateDescent{
		Alpha:    param(params, "alpha", 1.0),
		L1Ratio:  param(params, "l1_ratio", 0.5),
		MaxIter:  int(param(params, "max_iter", 1000)),
		Tol:      param(params, "tol", 1e-4),
		Positive: param(params, "positive", 0) != 0,
	}
	return cd, cd.validate()
}

func (cd *CoordinateDescent) validate() error {
	switch {
	case cd.Alpha < 0:
		return fmt.Errorf("solver: alpha must be >= 0, got %v", cd.Alpha)
	case cd.L1Ratio < 0 || cd.L1Ratio > 1:
		return fmt.Errorf("solver: l1_ratio must be in [0, 1], got %v", cd.L1Ratio)
	case cd.MaxIter < 1:
		return fmt.Errorf("solver: max_iter must be >= 1, got %d", cd.MaxIter)
	case cd.Tol < 0:
		return fmt.Errorf("solver: tol must be >= 0, got %v", cd.Tol)
	}
	return nil
}

// Fit implements Regressor. When the iteration cap is reached the last
// iterate is returned together with ErrNotConverged.
func (cd *CoordinateDescent) Fit(X Design, y []float64) ([]float64, error) {
	if err := checkTarget(X, y); err != nil {
		return nil, err
	}
	cols, err := collect(X)
	if err != nil {
		return nil, err
	}

	n := float64(cols.n)
	l1 := cd.Alpha * cd.L1Ratio * n
	l2 := cd.Alpha * (1 - cd.L1Ratio) * n

	w := make([]float64, cols.p)
	r := append([]float64(nil), y...)

	for iter := 0; iter < cd.MaxIter; iter++ {
		wMax, dwMax := 0.0, 0.0
		for j := 0; j < cols.p; j++ {
			if cols.sq[j] == 0 {
				continue
			}
			old := w[j]
			rho := cols.dot(j, r) + cols.sq[j]*old

			var next float64
			if cd.Positive && rho < 0 {
				next = 0
			} else {
				next = softThreshold(rho, l1) / (cols.sq[j] + l2)
			}
			if next != old {
				cols.axpy(j, old-next, r)
				w[j] = next
			}
			dwMax = math.Max(dwMax, math.Abs(next-old))
			wMax = math.Max(wMax, math.Abs(next))
		}
		if wMax == 0 || dwMax/wMax < cd.Tol {
			return w, checkSolution(w)
		}
	}
	if err := checkSolution(w); err != nil {
		return nil, err
	}
	return w, fmt.Errorf("%w after %d iterations", ErrNotConverged, cd.MaxIter)
}

func softThreshold(x, lambda float64) float64 {
	switch {
	case x > lambda:
		return x - lambda
	case x < -lambda:
		return x + lambda
	default:
		return 0
	}
}
