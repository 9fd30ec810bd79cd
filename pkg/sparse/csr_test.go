package sparse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func build(t *testing.T) *CSR {
	t.Helper()
	tr := NewTriplets(3, 4)
	// Added out of order, with a duplicate at (2, 1)
	require.NoError(t, tr.Add(2, 3, 4))
	require.NoError(t, tr.Add(0, 1, 1))
	require.NoError(t, tr.Add(2, 1, 2))
	require.NoError(t, tr.Add(0, 0, 5))
	require.NoError(t, tr.Add(2, 1, 0.5))
	return tr.CSR()
}

func TestCSRMatchesDense(t *testing.T) {
	m := build(t)
	want := mat.NewDense(3, 4, []float64{
		5, 1, 0, 0,
		0, 0, 0, 0,
		0, 2.5, 0, 4,
	})
	assert.True(t, mat.Equal(want, m))
	assert.True(t, mat.Equal(want.T(), m.T()))
	assert.Equal(t, 4, m.NNZ())
	assert.Equal(t, 0, m.RowNNZ(1))
}

func TestTripletsRejectOutOfRange(t *testing.T) {
	tr := NewTriplets(2, 2)
	assert.Error(t, tr.Add(2, 0, 1))
	assert.Error(t, tr.Add(0, -1, 1))
	assert.Equal(t, 0, tr.Len())
}

func TestMulVec(t *testing.T) {
	m := build(t)
	assert.Equal(t, []float64{7, 0, 9}, m.MulVec(nil, []float64{1, 2, 3, 1}))

	dst := []float64{9, 9, 9, 9}
	assert.Equal(t, []float64{5, 1 + 2.5*2, 0, 8}, m.MulVecT(dst, []float64{1, 7, 2}))
}

func TestRowAndColumnIteration(t *testing.T) {
	m := build(t)

	var cols []int
	m.RowDo(2, func(j int, _ float64) { cols = append(cols, j) })
	assert.Equal(t, []int{1, 3}, cols)

	var rows []int
	var vals []float64
	m.ColDo(1, func(i int, v float64) {
		rows = append(rows, i)
		vals = append(vals, v)
	})
	assert.Equal(t, []int{0, 2}, rows)
	assert.Equal(t, []float64{1, 2.5}, vals)

	called := false
	m.ColDo(2, func(int, float64) { called = true })
	assert.False(t, called)
}

func TestEmptyMatrix(t *testing.T) {
	m := NewTriplets(2, 3).CSR()
	r, c := m.Dims()
	assert.Equal(t, 2, r)
	assert.Equal(t, 3, c)
	assert.Equal(t, 0.0, m.At(1, 2))
	assert.Equal(t, []float64{0, 0}, m.MulVec(nil, []float64{1, 1, 1}))
}
