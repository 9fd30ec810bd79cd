package solver

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// sparseSystem returns a 6x3 design and a target built from weights
// (2, 0, -1.5) without noise
func sparseSystem() (*mat.Dense, []float64, []float64) {
	X := mat.NewDense(6, 3, []float64{
		1, 0.2, 0.1,
		0.5, 1, 0,
		0, 0.3, 1,
		1, 0, 0.5,
		0.2, 0.8, 0.3,
		0.4, 0.1, 0.9,
	})
	truth := []float64{2, 0, -1.5}
	y := make([]float64, 6)
	mat.NewVecDense(6, y).MulVec(X, mat.NewVecDense(3, truth))
	return X, y, truth
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry()
	assert.Equal(t, []string{"ElasticNet", "Lasso", "OMP", "Ridge"}, r.Names())

	_, err := r.New("LassoLars", nil)
	assert.ErrorIs(t, err, ErrUnknownSolver)

	_, err = r.New("Lasso", map[string]float64{"l1_ratio": 0.5})
	assert.ErrorIs(t, err, ErrUnknownParam)

	_, err = r.New("ElasticNet", map[string]float64{"l1_ratio": 2})
	assert.Error(t, err)

	_, err = r.New("Ridge", map[string]float64{"alpha": math.NaN()})
	assert.Error(t, err)

	for _, name := range r.Names() {
		reg, err := r.New(name, nil)
		require.NoError(t, err, name)
		assert.NotNil(t, reg)
	}
}

func TestLassoSmallAlphaRecoversWeights(t *testing.T) {
	X, y, truth := sparseSystem()
	reg, err := DefaultRegistry().New("Lasso", map[string]float64{"alpha": 1e-8, "tol": 1e-12, "max_iter": 100000})
	require.NoError(t, err)

	w, err := reg.Fit(AsDesign(X), y)
	require.NoError(t, err)
	assert.InDeltaSlice(t, truth, w, 1e-5)
}

func TestLassoLargeAlphaIsAllZero(t *testing.T) {
	X, y, _ := sparseSystem()
	reg, err := DefaultRegistry().New("Lasso", map[string]float64{"alpha": 100})
	require.NoError(t, err)

	w, err := reg.Fit(AsDesign(X), y)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0, 0}, w)
}

func TestLassoPositive(t *testing.T) {
	X, y, _ := sparseSystem()
	reg, err := DefaultRegistry().New("Lasso", map[string]float64{"alpha": 1e-3, "positive": 1, "max_iter": 10000})
	require.NoError(t, err)

	w, err := reg.Fit(AsDesign(X), y)
	require.NoError(t, err)
	for _, v := range w {
		assert.GreaterOrEqual(t, v, 0.0)
	}
}

func TestCoordinateDescentShrinks(t *testing.T) {
	X, y, _ := sparseSystem()
	loose := &CoordinateDescent{Alpha: 1e-6, L1Ratio: 0.5, MaxIter: 10000, Tol: 1e-10}
	tight := &CoordinateDescent{Alpha: 0.1, L1Ratio: 0.5, MaxIter: 10000, Tol: 1e-10}

	wl, err := loose.Fit(AsDesign(X), y)
	require.NoError(t, err)
	wt, err := tight.Fit(AsDesign(X), y)
	require.NoError(t, err)
	assert.Less(t, l1(wt), l1(wl))
}

func TestCoordinateDescentNotConverged(t *testing.T) {
	X, y, _ := sparseSystem()
	cd := &CoordinateDescent{Alpha: 1e-6, L1Ratio: 1, MaxIter: 1, Tol: 1e-12}
	w, err := cd.Fit(AsDesign(X), y)
	assert.ErrorIs(t, err, ErrNotConverged)
	assert.Len(t, w, 3)
}

func TestNonFiniteInputs(t *testing.T) {
	X, y, _ := sparseSystem()
	y[2] = math.NaN()
	for _, name := range DefaultRegistry().Names() {
		reg, err := DefaultRegistry().New(name, nil)
		require.NoError(t, err)
		_, err = reg.Fit(AsDesign(X), y)
		assert.ErrorIs(t, err, ErrNonFinite, name)
	}

	X2, y2, _ := sparseSystem()
	X2.Set(0, 0, math.Inf(1))
	_, err := (&Ridge{Alpha: 1}).Fit(AsDesign(X2), y2)
	assert.ErrorIs(t, err, ErrNonFinite)
}

func TestOMPSelectsSupport(t *testing.T) {
	X, y, truth := sparseSystem()
	reg, err := DefaultRegistry().New("OMP", map[string]float64{"n_nonzero_coefs": 2})
	require.NoError(t, err)

	w, err := reg.Fit(AsDesign(X), y)
	require.NoError(t, err)
	assert.InDeltaSlice(t, truth, w, 1e-9)
}

func TestOMPDefaultSparsity(t *testing.T) {
	X, y, _ := sparseSystem()
	w, err := (&OMP{}).Fit(AsDesign(X), y)
	require.NoError(t, err)

	nonZero := 0
	for _, v := range w {
		if v != 0 {
			nonZero++
		}
	}
	assert.Equal(t, 1, nonZero)
}

func TestRidge(t *testing.T) {
	X, y, truth := sparseSystem()

	w, err := (&Ridge{Alpha: 0}).Fit(AsDesign(X), y)
	require.NoError(t, err)
	assert.InDeltaSlice(t, truth, w, 1e-9)

	shrunk, err := (&Ridge{Alpha: 10}).Fit(AsDesign(X), y)
	require.NoError(t, err)
	assert.Less(t, l2(shrunk), l2(w))
}

func TestLSQRMatchesLeastSquares(t *testing.T) {
	A := mat.NewDense(5, 2, []float64{
		1, 0,
		1, 1,
		1, 2,
		1, 3,
		1, 4,
	})
	b := []float64{1.1, 2.9, 5.2, 7.1, 8.8}

	var want mat.VecDense
	require.NoError(t, want.SolveVec(A, mat.NewVecDense(5, b)))

	res, err := LSQR(DenseOperator{A}, b, LSQROptions{ATol: 1e-12, BTol: 1e-12})
	require.NoError(t, err)
	assert.True(t, res.Converged(), "istop %d", res.IStop)
	assert.InDeltaSlice(t, mat.Col(nil, 0, &want), res.X, 1e-8)
	assert.Greater(t, res.RNorm, 0.0)
}

func TestLSQRIterationLimit(t *testing.T) {
	A := mat.NewDense(4, 3, []float64{
		1, 2, 0,
		0, 1, 3,
		4, 0, 1,
		1, 1, 1,
	})
	b := []float64{1, -2, 3, 0.5}
	res, err := LSQR(DenseOperator{A}, b, LSQROptions{IterLim: 1, ATol: 1e-14, BTol: 1e-14})
	require.NoError(t, err)
	assert.Equal(t, StopIterLimit, res.IStop)
	assert.False(t, res.Converged())
	assert.Len(t, res.X, 3)
}

func TestLSQRZeroRightHandSide(t *testing.T) {
	A := mat.NewDense(2, 2, []float64{1, 0, 0, 1})
	res, err := LSQR(DenseOperator{A}, []float64{0, 0}, LSQROptions{})
	require.NoError(t, err)
	assert.Equal(t, StopZeroSolution, res.IStop)
	assert.Equal(t, []float64{0, 0}, res.X)

	_, err = LSQR(DenseOperator{A}, []float64{1}, LSQROptions{})
	assert.Error(t, err)
}

func l1(w []float64) float64 {
	s := 0.0
	for _, v := range w {
		s += math.Abs(v)
	}
	return s
}

func l2(w []float64) float64 {
	s := 0.0
	for _, v := range w {
		s += v * v
	}
	return math.Sqrt(s)
}
