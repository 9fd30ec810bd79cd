package fiber

import (
	"fmt"

	"gonum.org/v1/gonum/floats"

	"dwifit/internal/models"
	"dwifit/pkg/dwi"
	"dwifit/pkg/sparse"
	"dwifit/pkg/tensor"
)

// NodeResponse predicts the unit-S0 signal of one fiber node over the
// weighted directions
type NodeResponse interface {
	NodeSignal(f *models.Fiber, n int) []float64
}

// TangentResponse returns the default node response: the canonical tensor
// aligned with the local fiber tangent, over the weighted directions of ctx
func TangentResponse(ctx *dwi.Context, t tensor.Canonical) tensor.TangentResponse {
	return tensor.TangentResponse{
		Tensor: t,
		BVecs:  ctx.WeightedBVecs(),
		BVals:  ctx.WeightedBVals(),
	}
}

// Matrices is the pair of design matrices of a fiber group. Row i*D + d
// belongs to active voxel i and weighted direction d.
type Matrices struct {
	// Fiber is (V*D) x F: column f holds the demeaned predicted signal of
	// fiber f in every voxel it crosses
	Fiber *sparse.CSR

	// Isotropic is (V*D) x V with a unit entry at (i*D + d, i)
	Isotropic *sparse.CSR

	Incidence *Incidence
	NVoxels   int
	NDirs     int
	NFibers   int
}

// Build assembles the design matrices of g against the active voxels of ctx.
//
// For active voxel i with baseline S0 and mean weighted signal m, and fiber
// f with in-voxel nodes N, the entry at (i*D + d, f) is
//
//	sum over n in N of (S0 * resp(n)[d] - m)
//
// so that the isotropic columns absorb the per-voxel offset.
func Build(ctx *dwi.Context, g *models.FiberGroup, resp NodeResponse) (*Matrices, error) {
	inc := NewIncidence(g, ctx.Mask())
	active := ctx.Active()
	V, D, F := len(active), ctx.NWeighted(), len(g.Fibers)

	row := make(map[int]int, V)
	for i, s := range active {
		row[s] = i
	}

	signal := ctx.FlatSignal()
	s0 := ctx.FlatS0()

	fib := sparse.NewTriplets(V*D, F)
	for _, s := range inc.Voxels() {
		i := row[s]
		mean := floats.Sum(signal.RawRowView(i)) / float64(D)
		for _, h := range inc.Hits(s) {
			f := &g.Fibers[h.Fiber]
			sum := make([]float64, D)
			for _, n := range h.Nodes {
				sig := resp.NodeSignal(f, n)
				if len(sig) != D {
					return nil, fmt.Errorf("fiber: node response has %d directions, want %d", len(sig), D)
				}
				for d, v := range sig {
					sum[d] += s0[i]*v - mean
				}
			}
			for d, v := range sum {
				if err := fib.Add(i*D+d, h.Fiber, v); err != nil {
					return nil, err
				}
			}
		}
	}

	iso := sparse.NewTriplets(V*D, V)
	for i := 0; i < V; i++ {
		for d := 0; d < D; d++ {
			if err := iso.Add(i*D+d, i, 1); err != nil {
				return nil, err
			}
		}
	}

	return &Matrices{
		Fiber:     fib.CSR(),
		Isotropic: iso.CSR(),
		Incidence: inc,
		NVoxels:   V,
		NDirs:     D,
		NFibers:   F,
	}, nil
}

// Row returns the matrix row of active voxel i and weighted direction d
func (m *Matrices) Row(i, d int) int { return i*m.NDirs + d }

// Split is the inverse of Row
func (m *Matrices) Split(r int) (i, d int) { return r / m.NDirs, r % m.NDirs }
