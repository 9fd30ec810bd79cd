package model

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dwifit/internal/logger"
	"dwifit/internal/models"
	"dwifit/pkg/config"
	"dwifit/pkg/dwi"
	"dwifit/pkg/solver"
)

func TestNewBuildsEveryModel(t *testing.T) {
	acq := recoveryAcquisition()
	tf := &models.ScalarVolume{Dims: acq.Signal.Dims, Data: []float64{0.5, 0.3, 0.2}}
	data, err := dwi.New(dwi.FromAcquisition(acq), dwi.Options{Logger: logger.Discard(), TissueFraction: tf})
	require.NoError(t, err)

	for _, name := range Names {
		t.Run(name, func(t *testing.T) {
			cfg := config.DefaultConfig().Model
			cfg.Name = name
			cfg.NCanonicals = 1
			m, err := New(data, cfg, testOptions())
			require.NoError(t, err)
			assert.Equal(t, name, m.Name())

			p, err := m.Params(context.Background())
			require.NoError(t, err)
			assert.Equal(t, m.NParams(), p.NParams)
		})
	}
}

func TestNewConfigurationErrors(t *testing.T) {
	base, _ := recoveryData(t)

	cfg := config.DefaultConfig().Model
	cfg.Name = "TensorModel"
	_, err := New(base.Data(), cfg, testOptions())
	assert.Error(t, err)

	cfg = config.DefaultConfig().Model
	cfg.Name = "SparseDeconvolutionModel"
	cfg.Solver.Name = "Lars"
	_, err = New(base.Data(), cfg, testOptions())
	assert.ErrorIs(t, err, solver.ErrUnknownSolver)

	cfg = config.DefaultConfig().Model
	cfg.Name = "TissueFractionModel"
	_, err = New(base.Data(), cfg, testOptions())
	assert.Error(t, err, "no tissue fraction map")

	cfg = config.DefaultConfig().Model
	cfg.Name = "MultiCanonicalTensorModel"
	cfg.NCanonicals = 3
	cfg.MaxCombinations = 5
	m, err := New(base.Data(), cfg, testOptions())
	assert.ErrorIs(t, err, ErrTooManyCombinations)
	assert.Nil(t, m)
}
