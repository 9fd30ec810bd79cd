package models

// Fiber is a single streamline: an ordered sequence of node coordinates
type Fiber struct {
	Coords [][3]float64
}

// FiberGroup is an ordered collection of fibers, typically the output of
// a tractography run
type FiberGroup struct {
	Fibers []Fiber
}

// NodeCount returns the total number of nodes over all fibers
func (g *FiberGroup) NodeCount() int {
	n := 0
	for _, f := range g.Fibers {
		n += len(f.Coords)
	}
	return n
}

// Transform returns a copy of the group with every node mapped through a
func (g *FiberGroup) Transform(a Affine) *FiberGroup {
	out := &FiberGroup{Fibers: make([]Fiber, len(g.Fibers))}
	for i, f := range g.Fibers {
		coords := make([][3]float64, len(f.Coords))
		for j, c := range f.Coords {
			coords[j] = a.Apply(c)
		}
		out.Fibers[i] = Fiber{Coords: coords}
	}
	return out
}
