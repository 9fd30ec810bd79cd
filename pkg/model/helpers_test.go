package model

import (
	"math"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"dwifit/internal/logger"
	"dwifit/internal/models"
	"dwifit/pkg/dwi"
	"dwifit/pkg/store"
	"dwifit/pkg/tensor"
)

var testTensor = tensor.Canonical{AD: DefaultAxialDiffusivity, RD: DefaultRadialDiffusivity}

// sixDirections are non-antipodal unit gradients, all at b = 1000
func sixDirections() ([][3]float64, []float64) {
	r := 1 / math.Sqrt2
	bvecs := [][3]float64{
		{1, 0, 0}, {0, 1, 0}, {0, 0, 1},
		{r, r, 0}, {r, 0, r}, {0, r, r},
	}
	bvals := []float64{1000, 1000, 1000, 1000, 1000, 1000}
	return bvecs, bvals
}

// acquisition builds a volume with one baseline followed by the weighted
// measurements. Each active voxel gets S0 = s0 and weighted signal
// s0 * attenuation[i]; voxels without an entry are masked out.
func acquisition(dims models.Dims, bvecs [][3]float64, bvals []float64, s0 float64, attenuation map[int][]float64) *models.Acquisition {
	n := len(bvals) + 1
	sig := models.NewSignalVolume(dims, n)
	mask := &models.Mask{Dims: dims, Data: make([]bool, dims.Len())}
	for s, att := range attenuation {
		mask.Data[s] = true
		v := sig.Voxel(s)
		v[0] = s0
		for j, a := range att {
			v[j+1] = s0 * a
		}
	}
	g := models.GradientScheme{
		BVecs: append([][3]float64{{0, 0, 0}}, bvecs...),
		BVals: append([]float64{0}, bvals...),
	}
	return &models.Acquisition{Signal: sig, Mask: mask, Affine: models.Identity(), Gradients: g}
}

func newData(t *testing.T, acq *models.Acquisition) *dwi.Context {
	t.Helper()
	ctx, err := dwi.New(dwi.FromAcquisition(acq), dwi.Options{Logger: logger.Discard()})
	require.NoError(t, err)
	return ctx
}

// combine returns sum of w[j] * cols[j]
func combine(w []float64, cols ...[]float64) []float64 {
	out := make([]float64, len(cols[0]))
	for j, c := range cols {
		for t, v := range c {
			out[t] += w[j] * v
		}
	}
	return out
}

func testOptions() Options {
	return Options{Logger: logger.Discard(), Workers: 2}
}

// countingStore records how often the wrapped store is used
type countingStore struct {
	store.ParamStore
	exists, loads, saves atomic.Int32
}

func (c *countingStore) Exists(k store.Key) (bool, error) {
	c.exists.Add(1)
	return c.ParamStore.Exists(k)
}

func (c *countingStore) Load(k store.Key) (*models.ParamVolume, error) {
	c.loads.Add(1)
	return c.ParamStore.Load(k)
}

func (c *countingStore) Save(k store.Key, p *models.ParamVolume) error {
	c.saves.Add(1)
	return c.ParamStore.Save(k, p)
}
