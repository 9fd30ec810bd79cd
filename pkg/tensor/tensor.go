// Package tensor predicts diffusion-weighted signal from simple tensor
// models using the Stejskal-Tanner equation S = S0 exp(-b gᵀDg).
//
// Only the axially symmetric ("canonical") tensor and the isotropic tensor
// are modelled: that is all the voxel models and the fiber design matrix need.
package tensor

import (
	"math"

	"dwifit/internal/models"
)

// Canonical is an axially symmetric tensor with diffusivity AD along its
// principal axis and RD perpendicular to it
type Canonical struct {
	AD float64
	RD float64
}

// ADC returns the apparent diffusion coefficient along gradient g when the
// principal axis points along d. Both vectors are normalized first.
func (c Canonical) ADC(d, g [3]float64) float64 {
	cos := dot(normalize(d), normalize(g))
	return c.RD + (c.AD-c.RD)*cos*cos
}

// Signal predicts the unit-S0 signal of the tensor pointing along d,
// one value per (bvec, bval) pair
func (c Canonical) Signal(d [3]float64, bvecs [][3]float64, bvals []float64) []float64 {
	out := make([]float64, len(bvals))
	for i := range bvals {
		out[i] = math.Exp(-bvals[i] * c.ADC(d, bvecs[i]))
	}
	return out
}

// Rotations returns the unit-S0 response of the tensor rotated onto each
// candidate direction
func (c Canonical) Rotations(candidates [][3]float64, bvecs [][3]float64, bvals []float64) [][]float64 {
	out := make([][]float64, len(candidates))
	for i, d := range candidates {
		out[i] = c.Signal(d, bvecs, bvals)
	}
	return out
}

// Isotropic predicts the unit-S0 signal of an isotropic tensor with
// diffusivity d
func Isotropic(d float64, bvals []float64) []float64 {
	out := make([]float64, len(bvals))
	for i, b := range bvals {
		out[i] = math.Exp(-b * d)
	}
	return out
}

// FromSpherical converts polar angle theta and azimuth phi to a unit vector
func FromSpherical(theta, phi float64) [3]float64 {
	st, ct := math.Sincos(theta)
	sp, cp := math.Sincos(phi)
	return [3]float64{st * cp, st * sp, ct}
}

// TangentResponse predicts the signal of a fiber node as a canonical tensor
// aligned with the local fiber tangent
type TangentResponse struct {
	Tensor Canonical
	BVecs  [][3]float64
	BVals  []float64
}

// NodeSignal returns the unit-S0 signal at node n of f. The tangent uses
// central differences inside the fiber and one-sided differences at its
// ends. A single-node fiber has no tangent; its response is the radial one.
func (r TangentResponse) NodeSignal(f *models.Fiber, n int) []float64 {
	return r.Tensor.Signal(Tangent(f.Coords, n), r.BVecs, r.BVals)
}

// Tangent returns the (unnormalized) tangent of a polyline at node n
func Tangent(coords [][3]float64, n int) [3]float64 {
	var t [3]float64
	switch {
	case len(coords) < 2:
		return t
	case n == 0:
		return sub(coords[1], coords[0])
	case n == len(coords)-1:
		return sub(coords[n], coords[n-1])
	default:
		t = sub(coords[n+1], coords[n-1])
		for i := range t {
			t[i] /= 2
		}
		return t
	}
}

func dot(a, b [3]float64) float64 {
	return a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
}

func sub(a, b [3]float64) [3]float64 {
	return [3]float64{a[0] - b[0], a[1] - b[1], a[2] - b[2]}
}

func normalize(v [3]float64) [3]float64 {
	n := math.Sqrt(dot(v, v))
	if n == 0 {
		return v
	}
	return [3]float64{v[0] / n, v[1] / n, v[2] / n}
}
