package model

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dwifit/internal/logger"
	"dwifit/internal/models"
	"dwifit/pkg/dwi"
	"dwifit/pkg/store"
	"dwifit/pkg/tensor"
)

// tissueData has two fiber voxels with a measured tissue fraction and a
// third voxel whose tissue fraction is missing
func tissueData(t *testing.T) *dwi.Context {
	t.Helper()
	bvecs, bvals := sixDirections()
	ones := []float64{1, 1, 1, 1, 1, 1}
	rots := testTensor.Rotations(bvecs, bvecs, ones)
	iso := tensor.Isotropic(DefaultWaterDiffusivity, ones)

	dims := models.Dims{X: 3, Y: 1, Z: 1}
	acq := acquisition(dims, bvecs, bvals, 150, map[int][]float64{
		0: combine([]float64{0.6, 0.3}, rots[0], iso),
		1: combine([]float64{0.5, 0.4}, rots[3], iso),
		2: combine([]float64{0.5, 0.4}, rots[3], iso),
	})
	tf := &models.ScalarVolume{Dims: dims, Data: []float64{0.5, 0.4, math.NaN()}}
	data, err := dwi.New(dwi.FromAcquisition(acq), dwi.Options{Logger: logger.Discard(), TissueFraction: tf})
	require.NoError(t, err)
	return data
}

func TestTissueFractionSplitsIsotropicWeight(t *testing.T) {
	m, err := NewTissueFraction(tissueData(t), TensorOptions{}, TissueFractionOptions{}, testOptions())
	require.NoError(t, err)
	assert.Equal(t, 4, m.NParams())

	p, err := m.Params(context.Background())
	require.NoError(t, err)

	testCases := []struct {
		voxel int
		index float64
		w1    float64
		tf    float64
	}{
		{0, 0, 0.6, 0.5},
		{1, 3, 0.5, 0.4},
	}
	for _, tc := range testCases {
		v := p.Voxel(tc.voxel)
		w2 := (tc.tf - DefaultTissueFractionL1*tc.w1) / DefaultTissueFractionL2
		assert.Equal(t, tc.index, v[0])
		assert.InEpsilon(t, tc.w1, v[1], 1e-6)
		assert.InDelta(t, w2, v[2], 1e-6)
		assert.InDelta(t, 1-tc.w1-w2, v[3], 1e-6)
	}

	for _, v := range p.Voxel(2) {
		assert.True(t, math.IsNaN(v), "missing tissue fraction leaves the voxel undefined")
	}
}

func TestTissueFractionFit(t *testing.T) {
	m, err := NewTissueFraction(tissueData(t), TensorOptions{}, TissueFractionOptions{}, testOptions())
	require.NoError(t, err)
	ctx := context.Background()

	p, err := m.Params(ctx)
	require.NoError(t, err)
	fit, err := m.Fit(ctx)
	require.NoError(t, err)
	assert.Equal(t, m.Data().NWeighted()+1, fit.N, "tissue fraction appended")

	v := p.Voxel(0)
	rot := m.Tensor().Rotations()[0]
	got := fit.Voxel(0)
	for d := 0; d < len(rot); d++ {
		want := v[1]*rot[d] + v[2]*DefaultTissueWater + v[3]*DefaultFreeWater
		assert.InDelta(t, want, got[d], 1e-12)
	}
	assert.InDelta(t, 0.5, got[len(rot)], 1e-9, "tissue fraction is reproduced")

	res, err := m.Residuals(ctx)
	require.NoError(t, err)
	assert.Equal(t, fit.N, res.N)
	assert.InDelta(t, 0, res.Voxel(0)[len(rot)], 1e-9)
	for _, x := range fit.Voxel(2) {
		assert.True(t, math.IsNaN(x))
	}

	r2, err := m.RSquared(ctx)
	require.NoError(t, err)
	assert.False(t, math.IsNaN(r2.Data[0]))
	assert.True(t, math.IsNaN(r2.Data[2]))
}

func TestTissueFractionPersistsBothStages(t *testing.T) {
	st := &countingStore{ParamStore: store.NewMemory()}
	opts := testOptions()
	opts.Store = st

	m, err := NewTissueFraction(tissueData(t), TensorOptions{}, TissueFractionOptions{}, opts)
	require.NoError(t, err)
	first, err := m.Params(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), st.saves.Load(), "canonical and tissue fraction parameters")

	m.Reset()
	assert.False(t, m.Tensor().Cache().Has("params"))
	again, err := m.Params(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), st.loads.Load(), "tissue fraction parameters are loaded")
	assert.Equal(t, first.Voxel(0), again.Voxel(0))
}

func TestTissueFractionNeedsMap(t *testing.T) {
	m, _ := recoveryData(t)
	_, err := NewTissueFraction(m.Data(), TensorOptions{}, TissueFractionOptions{}, testOptions())
	assert.Error(t, err)

	_, err = NewTissueFraction(tissueData(t), TensorOptions{}, TissueFractionOptions{L2: -1}, testOptions())
	assert.Error(t, err)
}
