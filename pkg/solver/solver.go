// Package solver provides the regularized regressors used for sparse fits
// and an LSQR solver for large sparse least-squares problems.
//
// Regressors are created by name through a Registry so that the solver is a
// configuration choice validated when a model is built.
package solver

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrUnknownSolver is returned for a solver name missing from the registry
	ErrUnknownSolver = errors.New("solver: unknown solver")

	// ErrUnknownParam is returned for a hyperparameter the solver does not take
	ErrUnknownParam = errors.New("solver: unknown parameter")

	// ErrNotConverged is returned when an iterative fit hits its iteration cap
	ErrNotConverged = errors.New("solver: did not converge")

	// ErrNonFinite is returned when the inputs or the solution hold NaN or Inf
	ErrNonFinite = errors.New("solver: non-finite values")
)

// Design is a read-only regression matrix that can be walked column by
// column. sparse.CSR satisfies it directly; dense gonum matrices are
// adapted with AsDesign.
type Design interface {
	Dims() (r, c int)
	ColDo(j int, fn func(i int, v float64))
}

// AsDesign adapts a gonum matrix. Matrices that already walk their columns
// are returned unchanged.
func AsDesign(m mat.Matrix) Design {
	if d, ok := m.(Design); ok {
		return d
	}
	return denseDesign{m}
}

type denseDesign struct {
	mat.Matrix
}

func (d denseDesign) ColDo(j int, fn func(i int, v float64)) {
	r, _ := d.Dims()
	for i := 0; i < r; i++ {
		if v := d.At(i, j); v != 0 {
			fn(i, v)
		}
	}
}

// Regressor fits coefficients w so that X w approximates y. There is no
// intercept: callers demean their inputs.
type Regressor interface {
	Fit(X Design, y []float64) ([]float64, error)
}

// Factory builds a regressor from its hyperparameters
type Factory func(params map[string]float64) (Regressor, error)

type entry struct {
	params  []string
	factory Factory
}

// Registry maps solver names to factories
type Registry struct {
	entries map[string]entry
}

// NewRegistry returns an empty registry
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// DefaultRegistry returns a registry with every built-in regressor
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("Lasso", []string{"alpha", "max_iter", "tol", "positive"}, newLasso)
	r.Register("ElasticNet", []string{"alpha", "l1_ratio", "max_iter", "tol", "positive"}, newElasticNet)
	r.Register("OMP", []string{"n_nonzero_coefs", "tol"}, newOMP)
	r.Register("Ridge", []string{"alpha"}, newRidge)
	return r
}

// Register adds or replaces a solver. params lists the accepted
// hyperparameter names.
func (r *Registry) Register(name string, params []string, f Factory) {
	r.entries[name] = entry{params: params, factory: f}
}

// Names returns the registered solver names in sorted order
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds the named regressor, rejecting unknown names and parameters
func (r *Registry) New(name string, params map[string]float64) (Regressor, error) {
	e, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %v)", ErrUnknownSolver, name, r.Names())
	}
	for p, v := range params {
		if !contains(e.params, p) {
			return nil, fmt.Errorf("%w: %s does not take %q", ErrUnknownParam, name, p)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("solver: %s parameter %q is %v", name, p, v)
		}
	}
	return e.factory(params)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func param(params map[string]float64, name string, def float64) float64 {
	if v, ok := params[name]; ok {
		return v
	}
	return def
}

// columns holds the stored entries of a design, column by column
type columns struct {
	n, p int
	idx  [][]int
	val  [][]float64
	sq   []float64 // squared column norms
}

func collect(X Design) (*columns, error) {
	n, p := X.Dims()
	c := &columns{n: n, p: p, idx: make([][]int, p), val: make([][]float64, p), sq: make([]float64, p)}
	finite := true
	for j := 0; j < p; j++ {
		X.ColDo(j, func(i int, v float64) {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				finite = false
			}
			c.idx[j] = append(c.idx[j], i)
			c.val[j] = append(c.val[j], v)
			c.sq[j] += v * v
		})
	}
	if !finite {
		return nil, fmt.Errorf("%w in design matrix", ErrNonFinite)
	}
	return c, nil
}

// dot returns x_jᵀ r
func (c *columns) dot(j int, r []float64) float64 {
	sum := 0.0
	for k, i := range c.idx[j] {
		sum += c.val[j][k] * r[i]
	}
	return sum
}

// axpy sets r += a x_j
func (c *columns) axpy(j int, a float64, r []float64) {
	for k, i := range c.idx[j] {
		r[i] += a * c.val[j][k]
	}
}

// dense returns column j as a dense vector
func (c *columns) dense(j int) []float64 {
	out := make([]float64, c.n)
	for k, i := range c.idx[j] {
		out[i] = c.val[j][k]
	}
	return out
}

func checkTarget(X Design, y []float64) error {
	n, _ := X.Dims()
	if len(y) != n {
		return fmt.Errorf("solver: target has %d values for %d rows", len(y), n)
	}
	for _, v := range y {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w in target", ErrNonFinite)
		}
	}
	return nil
}

func checkSolution(w []float64) error {
	for _, v := range w {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w in solution", ErrNonFinite)
		}
	}
	return nil
}
