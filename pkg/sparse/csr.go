// Package sparse implements the compressed sparse row matrix used for the
// voxel-by-fiber design matrices.
package sparse

import (
	"fmt"
	"sort"
	"sync"

	"gonum.org/v1/gonum/mat"
)

// Triplets accumulates (row, col, value) entries of a matrix under
// construction. Duplicate coordinates are summed when the matrix is built.
type Triplets struct {
	rows, cols int
	r, c       []int
	v          []float64
}

// NewTriplets starts an empty r x c matrix
func NewTriplets(r, c int) *Triplets {
	return &Triplets{rows: r, cols: c}
}

// Add appends one entry. Coordinates outside the matrix are an error.
func (t *Triplets) Add(i, j int, v float64) error {
	if i < 0 || i >= t.rows || j < 0 || j >= t.cols {
		return fmt.Errorf("sparse: entry (%d, %d) outside %dx%d matrix", i, j, t.rows, t.cols)
	}
	t.r = append(t.r, i)
	t.c = append(t.c, j)
	t.v = append(t.v, v)
	return nil
}

// Len returns the number of entries added so far
func (t *Triplets) Len() int { return len(t.v) }

// CSR compresses the entries. Within a row, columns are sorted ascending
// and duplicates are summed, so the result does not depend on the order
// entries were added in.
func (t *Triplets) CSR() *CSR {
	order := make([]int, len(t.v))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		ia, ib := order[a], order[b]
		if t.r[ia] != t.r[ib] {
			return t.r[ia] < t.r[ib]
		}
		return t.c[ia] < t.c[ib]
	})

	m := &CSR{rows: t.rows, cols: t.cols, indptr: make([]int, t.rows+1)}
	prevI, prevJ := -1, -1
	for _, k := range order {
		i, j, v := t.r[k], t.c[k], t.v[k]
		if i == prevI && j == prevJ {
			m.data[len(m.data)-1] += v
			continue
		}
		m.ind = append(m.ind, j)
		m.data = append(m.data, v)
		m.indptr[i+1]++
		prevI, prevJ = i, j
	}
	for i := 0; i < t.rows; i++ {
		m.indptr[i+1] += m.indptr[i]
	}
	return m
}

// CSR is an immutable compressed sparse row matrix. It implements
// mat.Matrix so it can be densified with mat.DenseCopyOf or used wherever
// gonum accepts a read-only matrix.
type CSR struct {
	rows, cols int
	indptr     []int
	ind        []int
	data       []float64

	cscOnce sync.Once
	csc     *csc
}

// Dims implements mat.Matrix
func (m *CSR) Dims() (r, c int) { return m.rows, m.cols }

// At implements mat.Matrix
func (m *CSR) At(i, j int) float64 {
	if i < 0 || i >= m.rows || j < 0 || j >= m.cols {
		panic(mat.ErrIndexOutOfRange)
	}
	lo, hi := m.indptr[i], m.indptr[i+1]
	k := lo + sort.SearchInts(m.ind[lo:hi], j)
	if k < hi && m.ind[k] == j {
		return m.data[k]
	}
	return 0
}

// T implements mat.Matrix
func (m *CSR) T() mat.Matrix { return mat.Transpose{Matrix: m} }

// NNZ returns the number of stored entries
func (m *CSR) NNZ() int { return len(m.data) }

// RowNNZ returns the number of stored entries in row i
func (m *CSR) RowNNZ(i int) int { return m.indptr[i+1] - m.indptr[i] }

// RowDo calls fn for every stored entry of row i in column order
func (m *CSR) RowDo(i int, fn func(j int, v float64)) {
	for k := m.indptr[i]; k < m.indptr[i+1]; k++ {
		fn(m.ind[k], m.data[k])
	}
}

// MulVec sets dst = m x, allocating dst when it is nil
func (m *CSR) MulVec(dst, x []float64) []float64 {
	if len(x) != m.cols {
		panic(mat.ErrShape)
	}
	if dst == nil {
		dst = make([]float64, m.rows)
	}
	for i := 0; i < m.rows; i++ {
		sum := 0.0
		for k := m.indptr[i]; k < m.indptr[i+1]; k++ {
			sum += m.data[k] * x[m.ind[k]]
		}
		dst[i] = sum
	}
	return dst
}

// MulVecT sets dst = mᵀ y, allocating dst when it is nil
func (m *CSR) MulVecT(dst, y []float64) []float64 {
	if len(y) != m.rows {
		panic(mat.ErrShape)
	}
	if dst == nil {
		dst = make([]float64, m.cols)
	} else {
		for j := range dst {
			dst[j] = 0
		}
	}
	for i := 0; i < m.rows; i++ {
		if y[i] == 0 {
			continue
		}
		for k := m.indptr[i]; k < m.indptr[i+1]; k++ {
			dst[m.ind[k]] += m.data[k] * y[i]
		}
	}
	return dst
}

// csc is the column-major copy used for column iteration
type csc struct {
	colptr []int
	row    []int
	data   []float64
}

func (m *CSR) columns() *csc {
	m.cscOnce.Do(func() {
		c := &csc{
			colptr: make([]int, m.cols+1),
			row:    make([]int, len(m.data)),
			data:   make([]float64, len(m.data)),
		}
		for _, j := range m.ind {
			c.colptr[j+1]++
		}
		for j := 0; j < m.cols; j++ {
			c.colptr[j+1] += c.colptr[j]
		}
		next := append([]int(nil), c.colptr[:m.cols]...)
		for i := 0; i < m.rows; i++ {
			for k := m.indptr[i]; k < m.indptr[i+1]; k++ {
				j := m.ind[k]
				c.row[next[j]] = i
				c.data[next[j]] = m.data[k]
				next[j]++
			}
		}
		m.csc = c
	})
	return m.csc
}

// ColDo calls fn for every stored entry of column j in row order
func (m *CSR) ColDo(j int, fn func(i int, v float64)) {
	c := m.columns()
	for k := c.colptr[j]; k < c.colptr[j+1]; k++ {
		fn(c.row[k], c.data[k])
	}
}
