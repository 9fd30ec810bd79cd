package models

import (
	"fmt"
	"math"
)

// Dims holds the spatial extent of a volume in voxels
type Dims struct {
	X, Y, Z int
}

// Len returns the number of voxels in the volume
func (d Dims) Len() int {
	return d.X * d.Y * d.Z
}

// Index returns the row-major flat index of voxel (x, y, z)
func (d Dims) Index(x, y, z int) int {
	return (x*d.Y+y)*d.Z + z
}

// Coords is the inverse of Index
func (d Dims) Coords(idx int) (x, y, z int) {
	z = idx % d.Z
	y = (idx / d.Z) % d.Y
	x = idx / (d.Y * d.Z)
	return x, y, z
}

// Contains reports whether (x, y, z) lies inside the volume
func (d Dims) Contains(x, y, z int) bool {
	return x >= 0 && y >= 0 && z >= 0 && x < d.X && y < d.Y && z < d.Z
}

func (d Dims) String() string {
	return fmt.Sprintf("%dx%dx%d", d.X, d.Y, d.Z)
}

// SignalVolume is the 4-D diffusion-weighted acquisition.
// Measurement n of voxel s is stored at Data[s*N+n].
type SignalVolume struct {
	// Dims is the spatial extent of the volume
	Dims Dims

	// N is the number of measurements per voxel
	N int

	// Data holds the intensities in row-major order
	Data []float64
}

// NewSignalVolume allocates a zero-filled signal volume
func NewSignalVolume(dims Dims, n int) *SignalVolume {
	return &SignalVolume{
		Dims: dims,
		N:    n,
		Data: make([]float64, dims.Len()*n),
	}
}

// Voxel returns the measurements of the voxel with flat index s.
// The returned slice aliases the volume data.
func (v *SignalVolume) Voxel(s int) []float64 {
	return v.Data[s*v.N : (s+1)*v.N]
}

// Mask selects the active voxels of a volume
type Mask struct {
	Dims Dims
	Data []bool
}

// FullMask returns a mask with every voxel active
func FullMask(dims Dims) *Mask {
	m := &Mask{Dims: dims, Data: make([]bool, dims.Len())}
	for i := range m.Data {
		m.Data[i] = true
	}
	return m
}

// Count returns the number of active voxels
func (m *Mask) Count() int {
	n := 0
	for _, on := range m.Data {
		if on {
			n++
		}
	}
	return n
}

// GradientScheme describes the diffusion weighting of each measurement
type GradientScheme struct {
	// BVecs are the unit gradient directions, one per measurement
	BVecs [][3]float64

	// BVals are the diffusion weightings, one per measurement
	BVals []float64
}

// Affine maps voxel coordinates to world coordinates
type Affine [4][4]float64

// Identity returns the identity transform
func Identity() Affine {
	return Affine{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
		{0, 0, 0, 1},
	}
}

// Apply transforms a point with the affine
func (a Affine) Apply(p [3]float64) [3]float64 {
	var out [3]float64
	for r := 0; r < 3; r++ {
		out[r] = a[r][0]*p[0] + a[r][1]*p[1] + a[r][2]*p[2] + a[r][3]
	}
	return out
}

// Acquisition bundles everything the fitting engine consumes from a
// volumetric data source
type Acquisition struct {
	Signal    *SignalVolume
	Mask      *Mask // nil means every voxel is active
	Affine    Affine
	Gradients GradientScheme
}

// ParamVolume is a volume-shaped array of per-voxel parameter tuples.
// Undefined voxels hold NaN in every slot.
type ParamVolume struct {
	Dims    Dims
	NParams int
	Affine  Affine
	Data    []float64
}

// NewParamVolume allocates a parameter volume filled with NaN
func NewParamVolume(dims Dims, nParams int, affine Affine) *ParamVolume {
	p := &ParamVolume{
		Dims:    dims,
		NParams: nParams,
		Affine:  affine,
		Data:    make([]float64, dims.Len()*nParams),
	}
	for i := range p.Data {
		p.Data[i] = math.NaN()
	}
	return p
}

// Voxel returns the parameter tuple of the voxel with flat index s
func (p *ParamVolume) Voxel(s int) []float64 {
	return p.Data[s*p.NParams : (s+1)*p.NParams]
}

// ScalarVolume holds one value per voxel
type ScalarVolume struct {
	Dims Dims
	Data []float64
}

// NewScalarVolume allocates a scalar volume filled with NaN
func NewScalarVolume(dims Dims) *ScalarVolume {
	v := &ScalarVolume{Dims: dims, Data: make([]float64, dims.Len())}
	for i := range v.Data {
		v.Data[i] = math.NaN()
	}
	return v
}

// At returns the value at voxel (x, y, z)
func (v *ScalarVolume) At(x, y, z int) float64 {
	return v.Data[v.Dims.Index(x, y, z)]
}
