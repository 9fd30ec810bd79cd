package model

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"dwifit/internal/models"
	"dwifit/pkg/dwi"
	"dwifit/pkg/solver"
)

// SolverOptions selects the regressor of a sparse fit
type SolverOptions struct {
	// Name and Params are resolved through Registry
	Name   string
	Params map[string]float64

	// Registry defaults to solver.DefaultRegistry()
	Registry *solver.Registry

	// Regressor, when set, is used as is and Name is only used for keys
	Regressor solver.Regressor
}

func (o SolverOptions) build() (solver.Regressor, string, error) {
	name := o.Name
	if name == "" {
		name = "Lasso"
	}
	if o.Regressor != nil {
		return o.Regressor, name, nil
	}
	reg := o.Registry
	if reg == nil {
		reg = solver.DefaultRegistry()
	}
	r, err := reg.New(name, o.Params)
	if err != nil {
		return nil, "", err
	}
	return r, name, nil
}

func (o SolverOptions) key(name string) string {
	keys := make([]string, 0, len(o.Params))
	for k := range o.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%g", k, o.Params[k])
	}
	return b.String()
}

// SparseDeconvolution fits, per voxel, one sparse weight per candidate
// direction: the demeaned weighted signal is regressed onto the demeaned
// rotation responses. Parameters: one weight per candidate.
type SparseDeconvolution struct {
	*tensorSearch
	regressor  solver.Regressor
	solverKey  string
	design     *mat.Dense // D x n demeaned rotations
	nCandidate int
}

// NewSparseDeconvolution builds the model. Unknown solver names or
// parameters are reported here.
func NewSparseDeconvolution(data *dwi.Context, topts TensorOptions, sopts SolverOptions, opts Options) (*SparseDeconvolution, error) {
	reg, name, err := sopts.build()
	if err != nil {
		return nil, err
	}
	ts, err := newTensorSearch("SparseDeconvolutionModel", data, topts, 1, 0, opts)
	if err != nil {
		return nil, err
	}

	n, D := len(ts.rotations), data.NWeighted()
	m := &SparseDeconvolution{
		tensorSearch: ts,
		regressor:    reg,
		solverKey:    sopts.key(name),
		design:       mat.NewDense(D, n, nil),
		nCandidate:   n,
	}
	for j, rot := range ts.rotations {
		mean := floats.Sum(rot) / float64(D)
		for t, v := range rot {
			m.design.Set(t, j, v-mean)
		}
	}
	ts.predict = m.fit
	return m, nil
}

// NParams returns the number of candidate directions
func (m *SparseDeconvolution) NParams() int { return m.nCandidate }

// Params returns the fitted weights
func (m *SparseDeconvolution) Params(ctx context.Context) (*models.ParamVolume, error) {
	return m.params(ctx, m.NParams(), m.tensorSearch.config()+" solver="+m.solverKey, m.deconvolve)
}

func (m *SparseDeconvolution) deconvolve(ctx context.Context) (*models.ParamVolume, error) {
	data := m.Data()
	p := models.NewParamVolume(data.Dims(), m.NParams(), data.Affine())
	sig := data.FlatSignal()
	active := data.Active()
	X := solver.AsDesign(m.design)
	D := data.NWeighted()

	err := m.forEachVoxel(ctx, func(i int) error {
		row := sig.RawRowView(i)
		mean := floats.Sum(row) / float64(D)
		y := make([]float64, D)
		for t, v := range row {
			y[t] = v - mean
		}
		w, err := m.regressor.Fit(X, y)
		if err != nil {
			x, yy, z := data.Dims().Coords(active[i])
			m.logger.Warn("voxel fit failed", "voxel", []int{x, yy, z}, "error", err)
			return nil
		}
		copy(p.Voxel(active[i]), w)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (m *SparseDeconvolution) fit(ctx context.Context) (*models.SignalVolume, error) {
	p, err := m.Params(ctx)
	if err != nil {
		return nil, err
	}
	sig := m.Data().FlatSignal()
	D := m.Data().NWeighted()
	return m.predictFromParams(ctx, p, func(i int, w, dst []float64) {
		mean := floats.Sum(sig.RawRowView(i)) / float64(D)
		for t := range dst {
			v := mean
			row := m.design.RawRowView(t)
			for j, wj := range w {
				v += wj * row[j]
			}
			dst[t] = v
		}
	})
}
