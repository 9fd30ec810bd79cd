package tensor

import (
	"math"
	"testing"

	"dwifit/internal/models"
)

func TestCanonicalSignal(t *testing.T) {
	c := Canonical{AD: 1.5, RD: 0.5}
	bvecs := [][3]float64{{1, 0, 0}, {0, 1, 0}, {1, 1, 0}}
	bvals := []float64{1, 1, 2}

	sig := c.Signal([3]float64{2, 0, 0}, bvecs, bvals)

	expected := []float64{
		math.Exp(-1.5),     // parallel: AD
		math.Exp(-0.5),     // perpendicular: RD
		math.Exp(-2 * 1.0), // 45 degrees: RD + (AD-RD)/2
	}
	for i := range expected {
		if math.Abs(sig[i]-expected[i]) > 1e-12 {
			t.Errorf("Direction %d: expected %f, got %f", i, expected[i], sig[i])
		}
	}
}

func TestSignalIsAntipodallySymmetric(t *testing.T) {
	c := Canonical{AD: 1.7, RD: 0.3}
	bvecs := [][3]float64{{0.3, 0.4, 0.866}, {1, 0, 0}}
	bvals := []float64{1, 1}
	a := c.Signal([3]float64{0, 1, 1}, bvecs, bvals)
	b := c.Signal([3]float64{0, -1, -1}, bvecs, bvals)
	for i := range a {
		if math.Abs(a[i]-b[i]) > 1e-15 {
			t.Errorf("Signal should not depend on the sign of the direction")
		}
	}
}

func TestIsotropic(t *testing.T) {
	sig := Isotropic(3.0, []float64{1, 2})
	if math.Abs(sig[0]-math.Exp(-3)) > 1e-15 || math.Abs(sig[1]-math.Exp(-6)) > 1e-15 {
		t.Errorf("Unexpected isotropic signal %v", sig)
	}
}

func TestFromSpherical(t *testing.T) {
	v := FromSpherical(math.Pi/2, 0)
	if math.Abs(v[0]-1) > 1e-12 || math.Abs(v[2]) > 1e-12 {
		t.Errorf("Expected x axis, got %v", v)
	}
	v = FromSpherical(0, 1.234)
	if math.Abs(v[2]-1) > 1e-12 {
		t.Errorf("Expected z axis, got %v", v)
	}
}

func TestTangent(t *testing.T) {
	coords := [][3]float64{{0, 0, 0}, {1, 0, 0}, {1, 2, 0}}

	testCases := []struct {
		node     int
		expected [3]float64
	}{
		{0, [3]float64{1, 0, 0}},
		{1, [3]float64{0.5, 1, 0}},
		{2, [3]float64{0, 2, 0}},
	}
	for _, tc := range testCases {
		if got := Tangent(coords, tc.node); got != tc.expected {
			t.Errorf("Node %d: expected %v, got %v", tc.node, tc.expected, got)
		}
	}

	if got := Tangent(coords[:1], 0); got != ([3]float64{}) {
		t.Errorf("Single node should have zero tangent, got %v", got)
	}
}

func TestTangentResponse(t *testing.T) {
	r := TangentResponse{
		Tensor: Canonical{AD: 1.5, RD: 0.5},
		BVecs:  [][3]float64{{1, 0, 0}, {0, 1, 0}},
		BVals:  []float64{1, 1},
	}
	f := &models.Fiber{Coords: [][3]float64{{0, 0, 0}, {1, 0, 0}, {2, 0, 0}}}
	sig := r.NodeSignal(f, 1)
	if math.Abs(sig[0]-math.Exp(-1.5)) > 1e-12 || math.Abs(sig[1]-math.Exp(-0.5)) > 1e-12 {
		t.Errorf("Unexpected node signal %v", sig)
	}
}
