package dwi

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dwifit/internal/models"
	"dwifit/pkg/metrics"
	"dwifit/pkg/store"
)

// testAcquisition is a 2x1x1 volume with two baselines and three weighted
// measurements. Voxel 1 is outside the mask.
func testAcquisition() *models.Acquisition {
	dims := models.Dims{X: 2, Y: 1, Z: 1}
	return &models.Acquisition{
		Signal: &models.SignalVolume{Dims: dims, N: 5, Data: []float64{
			100, 50, 110, 25, 75,
			0, 10, 0, 10, 10,
		}},
		Mask:   &models.Mask{Dims: dims, Data: []bool{true, false}},
		Affine: models.Identity(),
		Gradients: models.GradientScheme{
			BVecs: [][3]float64{{0, 0, 0}, {1, 0, 0}, {0, 0, 0}, {0, 1, 0}, {0, 0, 1}},
			BVals: []float64{0, 1000, 0, 2000, 1000},
		},
	}
}

func newTestContext(t *testing.T, opts Options) *Context {
	t.Helper()
	c, err := New(FromAcquisition(testAcquisition()), opts)
	require.NoError(t, err)
	return c
}

func TestPartition(t *testing.T) {
	c := newTestContext(t, Options{})
	assert.Equal(t, []int{1, 3, 4}, c.BIdx())
	assert.Equal(t, []int{0, 2}, c.B0Idx())
	assert.Equal(t, []float64{1, 2, 1}, c.WeightedBVals())
	assert.Equal(t, [][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}, c.WeightedBVecs())
	assert.Equal(t, []int{0}, c.Active())
}

func TestFlatViews(t *testing.T) {
	c := newTestContext(t, Options{})

	assert.Equal(t, []float64{50, 25, 75}, c.FlatSignal().RawRowView(0))
	assert.Equal(t, []float64{105}, c.FlatS0())
	assert.InDeltaSlice(t, []float64{50.0 / 105, 25.0 / 105, 75.0 / 105}, c.FlatAttenuation().RawRowView(0), 1e-15)

	s0 := c.S0()
	assert.Equal(t, 105.0, s0.At(0, 0, 0))
	assert.True(t, math.IsNaN(s0.At(1, 0, 0)), "outside the mask")

	att := c.Attenuation()
	assert.Equal(t, 3, att.N)
	assert.True(t, math.IsNaN(att.Voxel(1)[0]))
	assert.InDelta(t, 25.0/105, att.Voxel(0)[1], 1e-15)
}

func TestZeroBaselineFollowsIEEE(t *testing.T) {
	acq := testAcquisition()
	acq.Mask = nil
	c, err := New(FromAcquisition(acq), Options{})
	require.NoError(t, err)

	row := c.FlatAttenuation().RawRowView(1)
	for _, v := range row {
		assert.True(t, math.IsInf(v, 1), "10/0 should be +Inf, got %v", v)
	}
}

func TestDerivedValuesAreCached(t *testing.T) {
	c := newTestContext(t, Options{})
	a := c.FlatAttenuation()
	assert.Same(t, a, c.FlatAttenuation())
	assert.True(t, c.Cache().Has("flat_signal"))

	c.Reset()
	assert.False(t, c.Cache().Has("flat_signal"))
	assert.NotSame(t, a, c.FlatAttenuation())
}

func TestShapeErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*models.Acquisition)
	}{
		{"mask dims", func(a *models.Acquisition) { a.Mask = models.FullMask(models.Dims{X: 1, Y: 2, Z: 1}) }},
		{"bval count", func(a *models.Acquisition) { a.Gradients.BVals = a.Gradients.BVals[:4] }},
		{"bvec count", func(a *models.Acquisition) { a.Gradients.BVecs = a.Gradients.BVecs[:4] }},
		{"signal length", func(a *models.Acquisition) { a.Signal.Data = a.Signal.Data[:9] }},
		{"no baseline", func(a *models.Acquisition) { a.Gradients.BVals = []float64{1, 1, 1, 1, 1} }},
		{"no weighting", func(a *models.Acquisition) { a.Gradients.BVals = []float64{0, 0, 0, 0, 0} }},
		{"no signal", func(a *models.Acquisition) { a.Signal = nil }},
		{"negative bval", func(a *models.Acquisition) { a.Gradients.BVals[1] = -1000 }},
		{"NaN bval", func(a *models.Acquisition) { a.Gradients.BVals[3] = math.NaN() }},
		{"empty mask", func(a *models.Acquisition) {
			a.Mask = &models.Mask{Dims: a.Signal.Dims, Data: []bool{false, false}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acq := testAcquisition()
			tt.mutate(acq)
			_, err := New(FromAcquisition(acq), Options{})
			assert.True(t, errors.Is(err, ErrShape), "got %v", err)
		})
	}
}

func TestSubSampleIndices(t *testing.T) {
	c := newTestContext(t, Options{SubSampleIndices: []int{2, 0}})
	assert.Equal(t, []int{4, 1}, c.BIdx())
	assert.Equal(t, []float64{75, 50}, c.FlatSignal().RawRowView(0))

	_, err := New(FromAcquisition(testAcquisition()), Options{SubSampleIndices: []int{3}})
	assert.Error(t, err)
}

func TestSubSampleCountIsSeeded(t *testing.T) {
	a := newTestContext(t, Options{SubSampleCount: 2, SubSampleSeed: 7})
	b := newTestContext(t, Options{SubSampleCount: 2, SubSampleSeed: 7})
	assert.Equal(t, a.BIdx(), b.BIdx())
	assert.Len(t, a.BIdx(), 2)
	assert.IsIncreasing(t, a.BIdx())

	_, err := New(FromAcquisition(testAcquisition()), Options{SubSampleCount: 4})
	assert.Error(t, err)
}

func TestIdentity(t *testing.T) {
	a := newTestContext(t, Options{})
	b := newTestContext(t, Options{})
	assert.Equal(t, a.ID(), b.ID())
	assert.Regexp(t, `^mem-[0-9a-f]{16}$`, a.ID())

	acq := testAcquisition()
	acq.Signal.Data[0] = 101
	c, err := New(FromAcquisition(acq), Options{})
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), c.ID())
}

func TestFromArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub01.dwa")
	require.NoError(t, store.WriteAcquisition(path, testAcquisition()))

	c, err := New(FromArchive(path), Options{})
	require.NoError(t, err)
	mem := newTestContext(t, Options{})
	assert.Regexp(t, `^sub01-[0-9a-f]{16}$`, c.ID())
	assert.Equal(t, strings.TrimPrefix(mem.ID(), "mem"), strings.TrimPrefix(c.ID(), "sub01"), "same content, same digest")
	if diff := cmp.Diff(mem.Attenuation(), c.Attenuation(), cmpopts.EquateNaNs()); diff != "" {
		t.Errorf("archive and in-memory attenuation differ (-mem +archive):\n%s", diff)
	}

	_, err = New(FromArchive(filepath.Join(t.TempDir(), "missing.dwa")), Options{})
	assert.Error(t, err)
	_, err = New(Input{}, Options{})
	assert.Error(t, err)
}

func TestSameNamedArchivesHaveDistinctIdentity(t *testing.T) {
	root := t.TempDir()
	first := filepath.Join(root, "sub01", "dwi.dwa")
	second := filepath.Join(root, "sub02", "dwi.dwa")

	require.NoError(t, os.MkdirAll(filepath.Dir(first), 0755))
	require.NoError(t, os.MkdirAll(filepath.Dir(second), 0755))
	require.NoError(t, store.WriteAcquisition(first, testAcquisition()))
	other := testAcquisition()
	other.Signal.Data[1] = 60
	require.NoError(t, store.WriteAcquisition(second, other))

	a, err := New(FromArchive(first), Options{})
	require.NoError(t, err)
	b, err := New(FromArchive(second), Options{})
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), b.ID())
	assert.True(t, strings.HasPrefix(a.ID(), "dwi-"))
}

func TestTissueFraction(t *testing.T) {
	c := newTestContext(t, Options{})
	assert.Nil(t, c.TissueFraction())
	assert.Nil(t, c.FlatTissueFraction())

	dims := models.Dims{X: 2, Y: 1, Z: 1}
	tf := &models.ScalarVolume{Dims: dims, Data: []float64{0.6, 0.2}}
	c = newTestContext(t, Options{TissueFraction: tf})
	assert.Same(t, tf, c.TissueFraction())
	assert.Equal(t, []float64{0.6}, c.FlatTissueFraction(), "active voxels only")

	bad := &models.ScalarVolume{Dims: models.Dims{X: 1, Y: 1, Z: 1}, Data: []float64{0.5}}
	_, err := New(FromAcquisition(testAcquisition()), Options{TissueFraction: bad})
	assert.ErrorIs(t, err, ErrShape)
}

func TestToVoxelSpace(t *testing.T) {
	acq := testAcquisition()
	acq.Affine = models.Affine{
		{2, 0, 0, -10},
		{0, 2, 0, 4},
		{0, 0, 2, 0},
		{0, 0, 0, 1},
	}
	c, err := New(FromAcquisition(acq), Options{})
	require.NoError(t, err)

	world := &models.FiberGroup{Fibers: []models.Fiber{{Coords: [][3]float64{{-10, 4, 0}, {-8, 6, 2}}}}}
	vox, err := c.ToVoxelSpace(world)
	require.NoError(t, err)
	want := [][3]float64{{0, 0, 0}, {1, 1, 1}}
	if diff := cmp.Diff(want, vox.Fibers[0].Coords, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Errorf("voxel coords (-want +got):\n%s", diff)
	}
}

func TestSignalReliability(t *testing.T) {
	a := newTestContext(t, Options{})
	b := newTestContext(t, Options{})

	rel, err := a.SignalReliability(b, metrics.Pearson, false)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, rel.At(0, 0, 0), 1e-12)
	assert.True(t, math.IsNaN(rel.At(1, 0, 0)))

	sub := newTestContext(t, Options{SubSampleIndices: []int{0, 1}})
	_, err = a.SignalReliability(sub, metrics.Pearson, false)
	assert.ErrorIs(t, err, ErrShape)
}
