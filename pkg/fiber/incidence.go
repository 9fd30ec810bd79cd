// Package fiber relates tractography to the acquisition: which fibers pass
// through which voxels, and the sparse design matrices that turn per-fiber
// weights into predicted voxel signal.
package fiber

import (
	"sort"

	"dwifit/internal/models"
)

// Hit records the nodes of one fiber that fall inside one voxel
type Hit struct {
	Fiber int
	Nodes []int
}

// Incidence maps every masked voxel touched by a fiber to the fibers
// passing through it. Hits are ordered by fiber index and nodes ascending,
// following the iteration order of the fiber group.
type Incidence struct {
	dims    models.Dims
	byVoxel map[int][]Hit
	voxels  []int
}

// NewIncidence builds the incidence of g against mask. Node coordinates are
// in voxel space and are truncated toward zero; nodes outside the volume or
// the mask are ignored.
func NewIncidence(g *models.FiberGroup, mask *models.Mask) *Incidence {
	inc := &Incidence{dims: mask.Dims, byVoxel: make(map[int][]Hit)}
	for f := range g.Fibers {
		for n, c := range g.Fibers[f].Coords {
			x, y, z := int(c[0]), int(c[1]), int(c[2])
			if !mask.Dims.Contains(x, y, z) {
				continue
			}
			s := mask.Dims.Index(x, y, z)
			if !mask.Data[s] {
				continue
			}
			hits := inc.byVoxel[s]
			if k := len(hits) - 1; k >= 0 && hits[k].Fiber == f {
				hits[k].Nodes = append(hits[k].Nodes, n)
			} else {
				hits = append(hits, Hit{Fiber: f, Nodes: []int{n}})
			}
			inc.byVoxel[s] = hits
		}
	}

	inc.voxels = make([]int, 0, len(inc.byVoxel))
	for s := range inc.byVoxel {
		inc.voxels = append(inc.voxels, s)
	}
	sort.Ints(inc.voxels)
	return inc
}

// Voxels returns the flat indices of the touched voxels in ascending order
func (inc *Incidence) Voxels() []int { return inc.voxels }

// Hits returns the fibers crossing voxel s
func (inc *Incidence) Hits(s int) []Hit { return inc.byVoxel[s] }

// Fibers returns the indices of the fibers crossing voxel s
func (inc *Incidence) Fibers(s int) []int {
	hits := inc.byVoxel[s]
	out := make([]int, len(hits))
	for i, h := range hits {
		out[i] = h.Fiber
	}
	return out
}
