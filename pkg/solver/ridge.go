package solver

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Ridge solves the L2-penalized normal equations (XᵀX + Alpha I) w = Xᵀy
type Ridge struct {
	Alpha float64
}

func newRidge(params map[string]float64) (Regressor, error) {
	r := &Ridge{Alpha: param(params, "alpha", 1.0)}
	if r.Alpha < 0 {
		return nil, fmt.Errorf("solver: alpha must be >= 0, got %v", r.Alpha)
	}
	return r, nil
}

// Fit implements Regressor
func (rg *Ridge) Fit(X Design, y []float64) ([]float64, error) {
	if err := checkTarget(X, y); err != nil {
		return nil, err
	}
	cols, err := collect(X)
	if err != nil {
		return nil, err
	}

	dense := make([][]float64, cols.p)
	for j := range dense {
		dense[j] = cols.dense(j)
	}

	gram := mat.NewSymDense(cols.p, nil)
	rhs := mat.NewVecDense(cols.p, nil)
	for a := 0; a < cols.p; a++ {
		rhs.SetVec(a, cols.dot(a, y))
		for b := a; b < cols.p; b++ {
			v := cols.dot(a, dense[b])
			if a == b {
				v += rg.Alpha
			}
			gram.SetSym(a, b, v)
		}
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(gram); !ok {
		return nil, fmt.Errorf("%w: ridge normal equations are not positive definite", ErrNonFinite)
	}
	var w mat.VecDense
	if err := chol.SolveVecTo(&w, rhs); err != nil {
		return nil, fmt.Errorf("solver: ridge solve: %w", err)
	}
	out := mat.Col(nil, 0, &w)
	if err := checkSolution(out); err != nil {
		return nil, err
	}
	return out, nil
}
