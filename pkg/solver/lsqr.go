package solver

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Operator is a linear map that can be applied and transposed.
// sparse.CSR satisfies it.
type Operator interface {
	Dims() (r, c int)
	MulVec(dst, x []float64) []float64
	MulVecT(dst, y []float64) []float64
}

// DenseOperator adapts a gonum matrix to Operator
type DenseOperator struct {
	M mat.Matrix
}

// Dims implements Operator
func (d DenseOperator) Dims() (r, c int) { return d.M.Dims() }

// MulVec implements Operator
func (d DenseOperator) MulVec(dst, x []float64) []float64 {
	r, _ := d.M.Dims()
	if dst == nil {
		dst = make([]float64, r)
	}
	mat.NewVecDense(r, dst).MulVec(d.M, mat.NewVecDense(len(x), x))
	return dst
}

// MulVecT implements Operator
func (d DenseOperator) MulVecT(dst, y []float64) []float64 {
	_, c := d.M.Dims()
	if dst == nil {
		dst = make([]float64, c)
	}
	mat.NewVecDense(c, dst).MulVec(d.M.T(), mat.NewVecDense(len(y), y))
	return dst
}

// LSQROptions are the stopping rules of LSQR. Zero values select the
// defaults noted on each field.
type LSQROptions struct {
	// Damp is the Tikhonov damping factor (default 0)
	Damp float64

	// ATol and BTol are the relative error estimates of A and b
	// (default 1e-8)
	ATol, BTol float64

	// ConLim stops the iteration when the condition estimate exceeds it
	// (default 1e8)
	ConLim float64

	// IterLim caps the iterations (default 2 x columns)
	IterLim int
}

// LSQR stop reasons
const (
	StopZeroSolution   = 0 // x = 0 solves the problem exactly
	StopCompatible     = 1 // Ax = b within ATol, BTol
	StopLeastSquares   = 2 // least-squares solution within ATol
	StopIllConditioned = 3 // condition estimate exceeded ConLim
	StopCompatibleEps  = 4 // Ax = b to machine precision
	StopLeastSqEps     = 5 // least-squares solution to machine precision
	StopCondEps        = 6 // condition estimate exceeded 1/eps
	StopIterLimit      = 7 // iteration cap reached
)

// LSQRResult is the outcome of an LSQR solve
type LSQRResult struct {
	X      []float64
	IStop  int
	Iter   int
	RNorm  float64 // ||b - Ax||
	ARNorm float64 // ||Aᵀ(b - Ax)||
	ANorm  float64
	ACond  float64
	XNorm  float64
}

// Converged reports whether LSQR stopped on its tolerance tests
func (r *LSQRResult) Converged() bool {
	return r.IStop == StopCompatible || r.IStop == StopLeastSquares
}

// LSQR solves min ||Ax - b||² + Damp²||x||² with the bidiagonalization
// method of Paige and Saunders (ACM TOMS 8(1), 1982). It never returns
// ErrNotConverged: callers inspect Converged and decide.
func LSQR(A Operator, b []float64, opts LSQROptions) (*LSQRResult, error) {
	m, n := A.Dims()
	if len(b) != m {
		return nil, fmt.Errorf("solver: right-hand side has %d values for %d rows", len(b), m)
	}
	for _, v := range b {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w in right-hand side", ErrNonFinite)
		}
	}

	atol, btol, conlim, iterlim := opts.ATol, opts.BTol, opts.ConLim, opts.IterLim
	if atol == 0 {
		atol = 1e-8
	}
	if btol == 0 {
		btol = 1e-8
	}
	if conlim == 0 {
		conlim = 1e8
	}
	if iterlim == 0 {
		iterlim = 2 * n
	}
	damp := opts.Damp
	dampsq := damp * damp
	ctol := 1 / conlim
	const eps = 2.220446049250313e-16

	res := &LSQRResult{X: make([]float64, n)}
	x := res.X

	u := append([]float64(nil), b...)
	bnorm := floats.Norm(u, 2)
	beta := bnorm
	v := make([]float64, n)
	alfa := 0.0
	if beta > 0 {
		floats.Scale(1/beta, u)
		A.MulVecT(v, u)
		alfa = floats.Norm(v, 2)
	}
	if alfa > 0 {
		floats.Scale(1/alfa, v)
	}
	w := append([]float64(nil), v...)

	rhobar, phibar := alfa, beta
	res.RNorm = beta
	res.ARNorm = alfa * beta
	if res.ARNorm == 0 {
		return res, nil
	}

	var (
		anorm, ddnorm, res2, xxnorm, z float64
		cs2, sn2                       = -1.0, 0.0
		av                             = make([]float64, m)
		atu                            = make([]float64, n)
	)

	for res.Iter < iterlim {
		res.Iter++

		// Continue the bidiagonalization
		A.MulVec(av, v)
		for i := range u {
			u[i] = av[i] - alfa*u[i]
		}
		beta = floats.Norm(u, 2)
		if beta > 0 {
			floats.Scale(1/beta, u)
			anorm = math.Sqrt(anorm*anorm + alfa*alfa + beta*beta + dampsq)
			A.MulVecT(atu, u)
			for i := range v {
				v[i] = atu[i] - beta*v[i]
			}
			alfa = floats.Norm(v, 2)
			if alfa > 0 {
				floats.Scale(1/alfa, v)
			}
		}

		// Eliminate the damping parameter
		rhobar1 := math.Hypot(rhobar, damp)
		cs1 := rhobar / rhobar1
		sn1 := damp / rhobar1
		psi := sn1 * phibar
		phibar *= cs1

		// Eliminate the subdiagonal of the bidiagonal matrix
		rho := math.Hypot(rhobar1, beta)
		cs := rhobar1 / rho
		sn := beta / rho
		theta := sn * alfa
		rhobar = -cs * alfa
		phi := cs * phibar
		phibar *= sn
		tau := sn * phi

		t1 := phi / rho
		t2 := -theta / rho
		for i := range x {
			dk := w[i] / rho
			ddnorm += dk * dk
			x[i] += t1 * w[i]
			w[i] = v[i] + t2*w[i]
		}

		// Estimate the norm of x
		delta := sn2 * rho
		gambar := -cs2 * rho
		rhs := phi - delta*z
		zbar := rhs / gambar
		res.XNorm = math.Sqrt(xxnorm + zbar*zbar)
		gamma := math.Hypot(gambar, theta)
		cs2 = gambar / gamma
		sn2 = theta / gamma
		z = rhs / gamma
		xxnorm += z * z

		res.ANorm = anorm
		res.ACond = anorm * math.Sqrt(ddnorm)
		res2 += psi * psi
		res.RNorm = math.Sqrt(phibar*phibar + res2)
		res.ARNorm = alfa * math.Abs(tau)

		test1 := res.RNorm / bnorm
		test2 := res.ARNorm / (anorm*res.RNorm + eps)
		test3 := 1 / (res.ACond + eps)
		t1 = test1 / (1 + anorm*res.XNorm/bnorm)
		rtol := btol + atol*anorm*res.XNorm/bnorm

		istop := 0
		if res.Iter >= iterlim {
			istop = StopIterLimit
		}
		if 1+test3 <= 1 {
			istop = StopCondEps
		}
		if 1+test2 <= 1 {
			istop = StopLeastSqEps
		}
		if 1+t1 <= 1 {
			istop = StopCompatibleEps
		}
		if test3 <= ctol {
			istop = StopIllConditioned
		}
		if test2 <= atol {
			istop = StopLeastSquares
		}
		if test1 <= rtol {
			istop = StopCompatible
		}
		res.IStop = istop
		if istop != 0 {
			break
		}
	}

	if err := checkSolution(x); err != nil {
		return nil, err
	}
	return res, nil
}
