package model

import (
	"fmt"

	"dwifit/pkg/config"
	"dwifit/pkg/dwi"
	"dwifit/pkg/tensor"
)

// Names lists the models New can build
var Names = []string{
	"CanonicalTensorModel",
	"MultiCanonicalTensorModel",
	"SparseDeconvolutionModel",
	"CanonicalTensorModelOpt",
	"TissueFractionModel",
}

// New builds the voxel model named in cfg. Configuration errors, including
// unknown solvers and oversized searches, are reported here.
func New(data *dwi.Context, cfg config.ModelConfig, opts Options) (VoxelModel, error) {
	topts := TensorOptions{
		Tensor:            tensor.Canonical{AD: cfg.AxialDiffusivity, RD: cfg.RadialDiffusivity},
		WaterDiffusivity:  cfg.WaterDiffusivity,
		NegativeTolerance: cfg.NegativeTolerance,
	}

	var (
		m   VoxelModel
		err error
	)
	switch cfg.Name {
	case "CanonicalTensorModel":
		m, err = NewCanonicalTensor(data, topts, opts)
	case "MultiCanonicalTensorModel":
		m, err = NewMultiCanonicalTensor(data, topts, cfg.NCanonicals, cfg.MaxCombinations, opts)
	case "SparseDeconvolutionModel":
		sopts := SolverOptions{Name: cfg.Solver.Name, Params: cfg.Solver.Params}
		m, err = NewSparseDeconvolution(data, topts, sopts, opts)
	case "CanonicalTensorModelOpt":
		m, err = NewCanonicalTensorOpt(data, topts, cfg.Optimizer, opts)
	case "TissueFractionModel":
		tf := cfg.TissueFraction
		tfo := TissueFractionOptions{L1: tf.L1, L2: tf.L2, TissueWater: tf.TissueWater, FreeWater: tf.FreeWater}
		m, err = NewTissueFraction(data, topts, tfo, opts)
	default:
		return nil, fmt.Errorf("model: unknown model %q (available: %v)", cfg.Name, Names)
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}
