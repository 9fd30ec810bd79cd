package models

import (
	"math"
	"testing"
)

func TestDimsIndexRoundTrip(t *testing.T) {
	d := Dims{X: 3, Y: 4, Z: 5}
	for idx := 0; idx < d.Len(); idx++ {
		x, y, z := d.Coords(idx)
		if !d.Contains(x, y, z) {
			t.Fatalf("Coords(%d) = (%d,%d,%d) outside %s", idx, x, y, z, d)
		}
		if got := d.Index(x, y, z); got != idx {
			t.Errorf("Index(Coords(%d)) = %d", idx, got)
		}
	}
}

func TestNewParamVolumeIsUndefined(t *testing.T) {
	p := NewParamVolume(Dims{X: 2, Y: 2, Z: 1}, 3, Identity())
	if len(p.Data) != 12 {
		t.Fatalf("Expected 12 values, got %d", len(p.Data))
	}
	for i, v := range p.Data {
		if !math.IsNaN(v) {
			t.Errorf("Value %d should be NaN, got %f", i, v)
		}
	}
	p.Voxel(1)[2] = 7
	if p.Data[5] != 7 {
		t.Errorf("Voxel slice should alias the data")
	}
}

func TestFiberGroupTransform(t *testing.T) {
	a := Identity()
	a[0][3] = 10
	a[1][1] = 2

	g := &FiberGroup{Fibers: []Fiber{{Coords: [][3]float64{{1, 1, 1}, {2, 3, 4}}}}}
	out := g.Transform(a)

	want := [3]float64{12, 6, 4}
	if out.Fibers[0].Coords[1] != want {
		t.Errorf("Expected %v, got %v", want, out.Fibers[0].Coords[1])
	}
	if g.Fibers[0].Coords[1] != [3]float64{2, 3, 4} {
		t.Errorf("Transform must not modify the input group")
	}
	if g.NodeCount() != 2 {
		t.Errorf("Expected 2 nodes, got %d", g.NodeCount())
	}
}

func TestFullMask(t *testing.T) {
	m := FullMask(Dims{X: 2, Y: 3, Z: 1})
	if m.Count() != 6 {
		t.Errorf("Expected 6 active voxels, got %d", m.Count())
	}
}
