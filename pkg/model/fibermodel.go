package model

import (
	"context"
	"errors"
	"fmt"
	"math"

	"dwifit/internal/models"
	"dwifit/pkg/dwi"
	"dwifit/pkg/fiber"
	"dwifit/pkg/lazy"
	"dwifit/pkg/solver"
	"dwifit/pkg/tensor"
)

// FiberOptions configures a FiberModel
type FiberOptions struct {
	// Tensor is the per-node response tensor (defaults 1.5 / 0.5)
	Tensor tensor.Canonical

	// Response overrides the tangent-aligned tensor response
	Response fiber.NodeResponse

	// Solver fits the fiber weights (default Lasso)
	Solver SolverOptions

	// LSQR controls the isotropic weight solve. Zero tolerances mean 1e-9.
	LSQR solver.LSQROptions
}

// FiberModel explains the signal of every voxel as the sum of the
// predicted signal of the fibers crossing it, each scaled by one weight per
// fiber, plus one isotropic offset per voxel
type FiberModel struct {
	*Base
	group     *models.FiberGroup
	resp      fiber.NodeResponse
	regressor solver.Regressor
	lsqr      solver.LSQROptions
}

// NewFiberModel builds the model for a fiber group given in the voxel
// space of data. Use dwi.Context.ToVoxelSpace for world coordinates.
func NewFiberModel(data *dwi.Context, group *models.FiberGroup, fopts FiberOptions, opts Options) (*FiberModel, error) {
	if group == nil || len(group.Fibers) == 0 {
		return nil, errors.New("model: empty fiber group")
	}
	reg, _, err := fopts.Solver.build()
	if err != nil {
		return nil, err
	}
	if fopts.Tensor.AD == 0 {
		fopts.Tensor.AD = DefaultAxialDiffusivity
	}
	if fopts.Tensor.RD == 0 {
		fopts.Tensor.RD = DefaultRadialDiffusivity
	}
	resp := fopts.Response
	if resp == nil {
		resp = fiber.TangentResponse(data, fopts.Tensor)
	}
	if fopts.LSQR.ATol == 0 {
		fopts.LSQR.ATol = 1e-9
	}
	if fopts.LSQR.BTol == 0 {
		fopts.LSQR.BTol = 1e-9
	}

	m := &FiberModel{
		Base:      newBase("FiberModel", data, opts),
		group:     group,
		resp:      resp,
		regressor: reg,
		lsqr:      fopts.LSQR,
	}
	m.predict = m.fit
	return m, nil
}

// Matrices returns the fiber and isotropic design matrices
func (m *FiberModel) Matrices() (*fiber.Matrices, error) {
	return lazy.Get(m.cache, "matrices", func() (*fiber.Matrices, error) {
		mats, err := fiber.Build(m.Data(), m.group, m.resp)
		if err != nil {
			return nil, err
		}
		m.logger.Debug("built fiber matrices",
			"voxels", mats.NVoxels, "fibers", mats.NFibers, "nnz", mats.Fiber.NNZ())
		return mats, nil
	})
}

// signal returns the weighted signal flattened in matrix row order
func (m *FiberModel) signal(demean bool) []float64 {
	sig := m.Data().FlatSignal()
	V, D := m.Data().NActive(), m.Data().NWeighted()
	out := make([]float64, V*D)
	for i := 0; i < V; i++ {
		row := sig.RawRowView(i)
		mean := 0.0
		if demean {
			for _, v := range row {
				mean += v
			}
			mean /= float64(D)
		}
		for d, v := range row {
			out[i*D+d] = v - mean
		}
	}
	return out
}

// IsotropicWeights returns one offset per active voxel, solved with LSQR.
// Non-convergence is logged and the last iterate is kept.
func (m *FiberModel) IsotropicWeights(ctx context.Context) ([]float64, error) {
	return lazy.Get(m.cache, "isotropic_weights", func() ([]float64, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		mats, err := m.Matrices()
		if err != nil {
			return nil, err
		}
		res, err := solver.LSQR(mats.Isotropic, m.signal(false), m.lsqr)
		if err != nil {
			return nil, fmt.Errorf("isotropic weights: %w", err)
		}
		if !res.Converged() {
			m.logger.Warn("LSQR did not converge, using last iterate",
				"istop", res.IStop, "iterations", res.Iter, "residual", res.RNorm)
		}
		return res.X, nil
	})
}

// FiberWeights returns one weight per fiber from the sparse regression of
// the demeaned signal onto the fiber matrix
func (m *FiberModel) FiberWeights(ctx context.Context) ([]float64, error) {
	return lazy.Get(m.cache, "fiber_weights", func() ([]float64, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		mats, err := m.Matrices()
		if err != nil {
			return nil, err
		}
		w, err := m.regressor.Fit(mats.Fiber, m.signal(true))
		switch {
		case errors.Is(err, solver.ErrNotConverged) && w != nil:
			m.logger.Warn("fiber weight fit did not converge, using last iterate", "error", err)
		case err != nil:
			return nil, fmt.Errorf("fiber weights: %w", err)
		}
		return w, nil
	})
}

func (m *FiberModel) fit(ctx context.Context) (*models.SignalVolume, error) {
	mats, err := m.Matrices()
	if err != nil {
		return nil, err
	}
	fw, err := m.FiberWeights(ctx)
	if err != nil {
		return nil, err
	}
	iw, err := m.IsotropicWeights(ctx)
	if err != nil {
		return nil, err
	}

	flat := mats.Fiber.MulVec(nil, fw)
	iso := mats.Isotropic.MulVec(nil, iw)

	data := m.Data()
	D := data.NWeighted()
	out := models.NewSignalVolume(data.Dims(), D)
	for i := range out.Data {
		out.Data[i] = math.NaN()
	}
	for i, s := range data.Active() {
		dst := out.Voxel(s)
		for d := range dst {
			dst[d] = flat[i*D+d] + iso[i*D+d]
		}
	}
	return out, nil
}
