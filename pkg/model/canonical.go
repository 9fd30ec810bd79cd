package model

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
	"gonum.org/v1/gonum/stat/combin"

	"dwifit/internal/models"
	"dwifit/pkg/dwi"
	"dwifit/pkg/lazy"
	"dwifit/pkg/tensor"
)

// Defaults of the canonical tensor models
const (
	DefaultAxialDiffusivity  = 1.5
	DefaultRadialDiffusivity = 0.5
	DefaultWaterDiffusivity  = 3.0
	DefaultNegativeTolerance = 1e-9
	DefaultNCanonicals       = 2
)

// TensorOptions configures the direction searches. Zero values select the
// package defaults.
type TensorOptions struct {
	Tensor           tensor.Canonical
	WaterDiffusivity float64

	// Candidates are the hypothesized fiber directions. Nil means the
	// weighted gradient directions of the acquisition.
	Candidates [][3]float64

	// NegativeTolerance is how far below zero an OLS weight may fall before
	// its design is rejected. Weights in [-tol, 0) are clamped to zero.
	NegativeTolerance float64
}

func (o TensorOptions) withDefaults(data *dwi.Context) TensorOptions {
	if o.Tensor.AD == 0 {
		o.Tensor.AD = DefaultAxialDiffusivity
	}
	if o.Tensor.RD == 0 {
		o.Tensor.RD = DefaultRadialDiffusivity
	}
	if o.WaterDiffusivity == 0 {
		o.WaterDiffusivity = DefaultWaterDiffusivity
	}
	if o.Candidates == nil {
		o.Candidates = data.WeightedBVecs()
	}
	if o.NegativeTolerance == 0 {
		o.NegativeTolerance = DefaultNegativeTolerance
	}
	return o
}

// tensorSearch chooses, per voxel, the combination of k candidate
// directions whose canonical tensors, together with an isotropic
// compartment, best explain the attenuation.
//
// Parameters per voxel: combination index, k direction weights and the
// isotropic weight.
type tensorSearch struct {
	*Base
	opts      TensorOptions
	k         int
	combos    [][]int
	rotations [][]float64
	iso       []float64
}

func newTensorSearch(name string, data *dwi.Context, topts TensorOptions, k, maxCombinations int, opts Options) (*tensorSearch, error) {
	topts = topts.withDefaults(data)
	n := len(topts.Candidates)
	switch {
	case topts.Tensor.AD < 0 || topts.Tensor.RD < 0 || topts.WaterDiffusivity < 0:
		return nil, fmt.Errorf("model: diffusivities must be positive")
	case topts.NegativeTolerance < 0:
		return nil, fmt.Errorf("model: negative tolerance must be >= 0")
	case n == 0:
		return nil, fmt.Errorf("model: no candidate directions")
	case k < 1 || k > n:
		return nil, fmt.Errorf("model: cannot choose %d of %d candidate directions", k, n)
	}
	if maxCombinations > 0 && !binomialAtMost(n, k, maxCombinations) {
		return nil, fmt.Errorf("%w: choosing %d of %d directions exceeds the bound of %d",
			ErrTooManyCombinations, k, n, maxCombinations)
	}

	bvecs, bvals := data.WeightedBVecs(), data.WeightedBVals()
	return &tensorSearch{
		Base:      newBase(name, data, opts),
		opts:      topts,
		k:         k,
		combos:    combin.Combinations(n, k),
		rotations: topts.Tensor.Rotations(topts.Candidates, bvecs, bvals),
		iso:       tensor.Isotropic(topts.WaterDiffusivity, bvals),
	}, nil
}

// binomialAtMost reports whether n choose k <= limit without overflowing
func binomialAtMost(n, k, limit int) bool {
	if k > n-k {
		k = n - k
	}
	c := 1.0
	for i := 1; i <= k; i++ {
		c = c * float64(n-k+i) / float64(i)
		if c > float64(limit)+0.5 {
			return false
		}
	}
	return true
}

// NParams returns k + 2
func (m *tensorSearch) NParams() int { return m.k + 2 }

// Combinations returns the candidate index sets in search order
func (m *tensorSearch) Combinations() [][]int { return m.combos }

// Rotations returns the unit-S0 response of each candidate direction
func (m *tensorSearch) Rotations() [][]float64 { return m.rotations }

// Isotropic returns the unit-S0 response of the free water compartment
func (m *tensorSearch) Isotropic() []float64 { return m.iso }

// Candidates returns the candidate directions
func (m *tensorSearch) Candidates() [][3]float64 { return m.opts.Candidates }

func (m *tensorSearch) config() string {
	h := xxhash.New()
	var buf [8]byte
	put := func(v float64) {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		h.Write(buf[:])
	}
	for _, d := range m.opts.Candidates {
		put(d[0])
		put(d[1])
		put(d[2])
	}
	for _, b := range m.Data().WeightedBVals() {
		put(b)
	}
	for _, g := range m.Data().WeightedBVecs() {
		put(g[0])
		put(g[1])
		put(g[2])
	}
	return fmt.Sprintf("ad=%g rd=%g water=%g k=%d tol=%g scheme=%016x",
		m.opts.Tensor.AD, m.opts.Tensor.RD, m.opts.WaterDiffusivity, m.k, m.opts.NegativeTolerance, h.Sum64())
}

func (m *tensorSearch) searcher() *searcher {
	s, _ := lazy.Get(m.cache, "designs", func() (*searcher, error) {
		s := &searcher{tol: m.opts.NegativeTolerance}
		for c, combo := range m.combos {
			cols := make([][]float64, 0, m.k+1)
			for _, j := range combo {
				cols = append(cols, m.rotations[j])
			}
			cols = append(cols, m.iso)
			d, ok := newDesign(cols, m.logger, fmt.Sprint(combo))
			if !ok {
				continue
			}
			s.designs = append(s.designs, d)
			s.index = append(s.index, c)
		}
		return s, nil
	})
	return s
}

// Params returns the fitted parameter volume
func (m *tensorSearch) Params(ctx context.Context) (*models.ParamVolume, error) {
	return m.params(ctx, m.NParams(), m.config(), m.search)
}

func (m *tensorSearch) search(ctx context.Context) (*models.ParamVolume, error) {
	data := m.Data()
	p := models.NewParamVolume(data.Dims(), m.NParams(), data.Affine())
	att := data.FlatAttenuation()
	active := data.Active()
	s := m.searcher()

	err := m.forEachVoxel(ctx, func(i int) error {
		r := s.solve(att.RawRowView(i))
		if r.index < 0 {
			return nil
		}
		vp := p.Voxel(active[i])
		vp[0] = float64(r.index)
		copy(vp[1:], r.weights)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// predictVoxel reconstructs the signal of one voxel from its parameters
func (m *tensorSearch) predictVoxel(s0 float64, p, dst []float64) {
	combo := m.combos[int(p[0])]
	wIso := p[m.k+1]
	for t := range dst {
		v := wIso * m.iso[t]
		for j, c := range combo {
			v += p[1+j] * m.rotations[c][t]
		}
		dst[t] = v * s0
	}
}

func (m *tensorSearch) fit(ctx context.Context) (*models.SignalVolume, error) {
	p, err := m.Params(ctx)
	if err != nil {
		return nil, err
	}
	s0 := m.Data().FlatS0()
	return m.predictFromParams(ctx, p, func(i int, vp, dst []float64) {
		m.predictVoxel(s0[i], vp, dst)
	})
}

// CanonicalTensor picks, per voxel, the single candidate direction whose
// canonical tensor plus an isotropic compartment best fits the attenuation.
// Parameters: candidate index, direction weight, isotropic weight.
type CanonicalTensor struct {
	*tensorSearch
}

// NewCanonicalTensor builds the single-direction search
func NewCanonicalTensor(data *dwi.Context, topts TensorOptions, opts Options) (*CanonicalTensor, error) {
	ts, err := newTensorSearch("CanonicalTensorModel", data, topts, 1, 0, opts)
	if err != nil {
		return nil, err
	}
	ts.predict = ts.fit
	return &CanonicalTensor{ts}, nil
}

// Direction returns the chosen direction of every active voxel, NaN where
// the voxel is undefined
func (m *CanonicalTensor) Direction(ctx context.Context) (*models.ParamVolume, error) {
	p, err := m.Params(ctx)
	if err != nil {
		return nil, err
	}
	out := models.NewParamVolume(p.Dims, 3, p.Affine)
	for _, s := range m.Data().Active() {
		vp := p.Voxel(s)
		if hasNaN(vp) {
			continue
		}
		d := m.opts.Candidates[int(vp[0])]
		copy(out.Voxel(s), d[:])
	}
	return out, nil
}

// MultiCanonicalTensor generalizes CanonicalTensor to every unordered
// k-subset of the candidate directions.
// Parameters: combination index, k direction weights, isotropic weight.
type MultiCanonicalTensor struct {
	*tensorSearch
}

// NewMultiCanonicalTensor builds the k-direction search. maxCombinations
// bounds the number of k-subsets (0 = unbounded).
func NewMultiCanonicalTensor(data *dwi.Context, topts TensorOptions, k, maxCombinations int, opts Options) (*MultiCanonicalTensor, error) {
	if k == 0 {
		k = DefaultNCanonicals
	}
	ts, err := newTensorSearch("MultiCanonicalTensorModel", data, topts, k, maxCombinations, opts)
	if err != nil {
		return nil, err
	}
	ts.predict = ts.fit
	return &MultiCanonicalTensor{ts}, nil
}
