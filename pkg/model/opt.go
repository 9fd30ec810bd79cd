package model

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/optimize"

	"dwifit/internal/models"
	"dwifit/pkg/dwi"
	"dwifit/pkg/tensor"
)

// Optimizer names accepted by CanonicalTensorOpt
const (
	NelderMead      = "nelder-mead"
	LBFGS           = "lbfgs"
	BFGS            = "bfgs"
	GradientDescent = "gradient-descent"
)

func optimizerMethod(name string) (optimize.Method, error) {
	switch name {
	case NelderMead, "":
		return &optimize.NelderMead{}, nil
	case LBFGS:
		return &optimize.LBFGS{}, nil
	case BFGS:
		return &optimize.BFGS{}, nil
	case GradientDescent:
		return &optimize.GradientDescent{}, nil
	default:
		return nil, fmt.Errorf("model: unknown optimizer %q", name)
	}
}

// CanonicalTensorOpt refines the direction search with a continuous
// nonlinear fit of one canonical tensor and an isotropic compartment.
// Parameters: polar angle, azimuth, tensor weight, isotropic weight.
//
// Each voxel starts from the direction and weights chosen by the discrete
// search; voxels the search leaves undefined start along z with equal
// weights.
type CanonicalTensorOpt struct {
	*Base
	seed      *CanonicalTensor
	tensor    tensor.Canonical
	water     float64
	optimizer string
	maxIter   int
}

// NewCanonicalTensorOpt builds the model. optimizer is one of
// nelder-mead, lbfgs, bfgs or gradient-descent.
func NewCanonicalTensorOpt(data *dwi.Context, topts TensorOptions, optimizer string, opts Options) (*CanonicalTensorOpt, error) {
	if _, err := optimizerMethod(optimizer); err != nil {
		return nil, err
	}
	if optimizer == "" {
		optimizer = NelderMead
	}
	seedOpts := opts
	seedOpts.Store = nil
	seed, err := NewCanonicalTensor(data, topts, seedOpts)
	if err != nil {
		return nil, err
	}
	m := &CanonicalTensorOpt{
		Base:      newBase("CanonicalTensorModelOpt", data, opts),
		seed:      seed,
		tensor:    seed.opts.Tensor,
		water:     seed.opts.WaterDiffusivity,
		optimizer: optimizer,
		maxIter:   1000,
	}
	m.predict = m.fit
	return m, nil
}

// NParams returns 4
func (m *CanonicalTensorOpt) NParams() int { return 4 }

// Params returns the fitted parameter volume
func (m *CanonicalTensorOpt) Params(ctx context.Context) (*models.ParamVolume, error) {
	config := m.seed.config() + " optimizer=" + m.optimizer
	return m.params(ctx, m.NParams(), config, m.optimize)
}

func (m *CanonicalTensorOpt) optimize(ctx context.Context) (*models.ParamVolume, error) {
	seed, err := m.seed.Params(ctx)
	if err != nil {
		return nil, err
	}
	data := m.Data()
	p := models.NewParamVolume(data.Dims(), m.NParams(), data.Affine())
	att := data.FlatAttenuation()
	active := data.Active()
	bvecs, bvals := data.WeightedBVecs(), data.WeightedBVals()
	iso := tensor.Isotropic(m.water, bvals)

	err = m.forEachVoxel(ctx, func(i int) error {
		y := att.RawRowView(i)
		if hasNaN(y) || hasInf(y) {
			return nil
		}

		x0 := []float64{0, 0, 0.5, 0.5}
		if sp := seed.Voxel(active[i]); !hasNaN(sp) {
			d := m.seed.opts.Candidates[int(sp[0])]
			x0[0], x0[1] = toSpherical(d)
			x0[2], x0[3] = sp[1], sp[2]
		}

		sse := func(x []float64) float64 {
			pred := m.tensor.Signal(tensor.FromSpherical(x[0], x[1]), bvecs, bvals)
			sum := 0.0
			for t, v := range y {
				r := v - (x[2]*pred[t] + x[3]*iso[t])
				sum += r * r
			}
			return sum
		}
		problem := optimize.Problem{
			Func: sse,
			Grad: func(grad, x []float64) {
				fd.Gradient(grad, sse, x, nil)
			},
		}

		method, _ := optimizerMethod(m.optimizer)
		res, err := optimize.Minimize(problem, x0, &optimize.Settings{MajorIterations: m.maxIter}, method)
		if err != nil || hasNaN(res.X) || hasInf(res.X) {
			x, yy, z := data.Dims().Coords(active[i])
			m.logger.Warn("voxel optimization failed", "voxel", []int{x, yy, z}, "error", err)
			return nil
		}
		copy(p.Voxel(active[i]), res.X)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (m *CanonicalTensorOpt) fit(ctx context.Context) (*models.SignalVolume, error) {
	p, err := m.Params(ctx)
	if err != nil {
		return nil, err
	}
	data := m.Data()
	bvecs, bvals := data.WeightedBVecs(), data.WeightedBVals()
	iso := tensor.Isotropic(m.water, bvals)
	s0 := data.FlatS0()
	return m.predictFromParams(ctx, p, func(i int, x, dst []float64) {
		pred := m.tensor.Signal(tensor.FromSpherical(x[0], x[1]), bvecs, bvals)
		for t := range dst {
			dst[t] = (x[2]*pred[t] + x[3]*iso[t]) * s0[i]
		}
	})
}

// toSpherical is the inverse of tensor.FromSpherical for nonzero d
func toSpherical(d [3]float64) (theta, phi float64) {
	r := math.Sqrt(d[0]*d[0] + d[1]*d[1] + d[2]*d[2])
	if r == 0 {
		return 0, 0
	}
	return math.Acos(d[2] / r), math.Atan2(d[1], d[0])
}

func hasInf(v []float64) bool {
	for _, x := range v {
		if math.IsInf(x, 0) {
			return true
		}
	}
	return false
}
