// Package model fits voxel models of diffusion to an acquisition.
//
// Every model composes a Base, which owns the model's derived-value cache
// and implements the shared evaluation surface: the predicted signal, its
// residuals and per-voxel goodness-of-fit maps. Concrete models only supply
// their parameters and a per-voxel prediction.
//
// Fitted parameters move through Unfit, Fitting and Fit. When a parameter
// store already holds parameters for the same data, model and configuration
// they are loaded instead of fitted. Only Reset returns a model to Unfit.
package model

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"dwifit/internal/models"
	"dwifit/internal/workpool"
	"dwifit/pkg/dwi"
	"dwifit/pkg/lazy"
	"dwifit/pkg/metrics"
	"dwifit/pkg/store"
)

// Model is the capability set shared by every fitter
type Model interface {
	// Name identifies the model in logs and parameter store keys
	Name() string

	// Fit returns the predicted weighted signal, NaN for undefined voxels
	Fit(ctx context.Context) (*models.SignalVolume, error)

	// Residuals returns signal minus fit, NaN outside the mask
	Residuals(ctx context.Context) (*models.SignalVolume, error)

	// GoodnessOfFit scores every active voxel with metric, optionally
	// squared, clamped to [-1, 1]. Voxels outside the mask are NaN.
	GoodnessOfFit(ctx context.Context, metric metrics.Metric, square bool) (*models.ScalarVolume, error)

	RSquared(ctx context.Context) (*models.ScalarVolume, error)
	CoefficientOfDetermination(ctx context.Context) (*models.ScalarVolume, error)
	RMSE(ctx context.Context) (*models.ScalarVolume, error)

	// Reset drops every cached value, including fitted parameters
	Reset()
}

// VoxelModel is a Model whose parameters are a volume of per-voxel tuples
type VoxelModel interface {
	Model
	NParams() int
	Params(ctx context.Context) (*models.ParamVolume, error)
}

// Options are shared by every model
type Options struct {
	// Store persists fitted parameters. Nil disables persistence.
	Store store.ParamStore

	Logger *slog.Logger

	// Workers is the number of goroutines fitting voxels (< 1 = NumCPU)
	Workers int

	// Progress, if set, is called as voxel chunks complete
	Progress workpool.ProgressCallback
}

// Base implements the evaluation surface of a model on top of a fit
// function supplied by the concrete model
type Base struct {
	name   string
	data   *dwi.Context
	cache  *lazy.Cache
	opts   Options
	logger *slog.Logger

	predict func(ctx context.Context) (*models.SignalVolume, error)

	// observed is what predict is compared against. Nil means the weighted
	// signal of the acquisition.
	observed func() *models.SignalVolume
}

func (b *Base) target() *models.SignalVolume {
	if b.observed != nil {
		return b.observed()
	}
	return b.data.WeightedSignal()
}

func newBase(name string, data *dwi.Context, opts Options) *Base {
	logger := opts.Logger
	if logger == nil {
		logger = data.Logger()
	}
	return &Base{
		name:   name,
		data:   data,
		cache:  lazy.New(),
		opts:   opts,
		logger: logger.With("model", name, "data", data.ID()),
	}
}

// Name implements Model
func (b *Base) Name() string { return b.name }

// Data returns the acquisition the model is fitted to
func (b *Base) Data() *dwi.Context { return b.data }

// Cache exposes the model's derived values
func (b *Base) Cache() *lazy.Cache { return b.cache }

// Reset implements Model
func (b *Base) Reset() { b.cache.Reset() }

// Fit implements Model
func (b *Base) Fit(ctx context.Context) (*models.SignalVolume, error) {
	return lazy.Get(b.cache, "fit", func() (*models.SignalVolume, error) {
		return b.predict(ctx)
	})
}

// Residuals implements Model
func (b *Base) Residuals(ctx context.Context) (*models.SignalVolume, error) {
	return lazy.Get(b.cache, "residuals", func() (*models.SignalVolume, error) {
		fit, err := b.Fit(ctx)
		if err != nil {
			return nil, err
		}
		sig := b.target()
		out := models.NewSignalVolume(sig.Dims, sig.N)
		for i := range out.Data {
			out.Data[i] = sig.Data[i] - fit.Data[i]
		}
		return out, nil
	})
}

// GoodnessOfFit implements Model
func (b *Base) GoodnessOfFit(ctx context.Context, metric metrics.Metric, square bool) (*models.ScalarVolume, error) {
	fit, err := b.Fit(ctx)
	if err != nil {
		return nil, err
	}
	sig := b.target()
	out := models.NewScalarVolume(b.data.Dims())
	for _, s := range b.data.Active() {
		out.Data[s] = metrics.Score(metric, sig.Voxel(s), fit.Voxel(s), square)
	}
	return out, nil
}

// RSquared is the squared Pearson correlation between signal and fit
func (b *Base) RSquared(ctx context.Context) (*models.ScalarVolume, error) {
	return lazy.Get(b.cache, "r_squared", func() (*models.ScalarVolume, error) {
		return b.GoodnessOfFit(ctx, metrics.Pearson, true)
	})
}

// CoefficientOfDetermination is 1 - SSres/SStot per voxel, clamped
func (b *Base) CoefficientOfDetermination(ctx context.Context) (*models.ScalarVolume, error) {
	return lazy.Get(b.cache, "coefficient_of_determination", func() (*models.ScalarVolume, error) {
		return b.GoodnessOfFit(ctx, metrics.CoefficientOfDetermination, false)
	})
}

// RMSE is the root mean squared residual per voxel. It is not clamped.
func (b *Base) RMSE(ctx context.Context) (*models.ScalarVolume, error) {
	return lazy.Get(b.cache, "rmse", func() (*models.ScalarVolume, error) {
		fit, err := b.Fit(ctx)
		if err != nil {
			return nil, err
		}
		sig := b.target()
		out := models.NewScalarVolume(b.data.Dims())
		for _, s := range b.data.Active() {
			out.Data[s] = metrics.RMSE(sig.Voxel(s), fit.Voxel(s))
		}
		return out, nil
	})
}

// forEachVoxel runs fn for every active voxel row on the worker pool
func (b *Base) forEachVoxel(ctx context.Context, fn func(i int) error) error {
	return workpool.ForEach(ctx, b.data.NActive(), workpool.Options{
		Workers:  b.opts.Workers,
		Progress: b.opts.Progress,
	}, fn)
}

// params returns the cached parameter volume, loading it from the store
// when possible and fitting it otherwise
func (b *Base) params(ctx context.Context, nParams int, config string,
	compute func(ctx context.Context) (*models.ParamVolume, error)) (*models.ParamVolume, error) {

	return lazy.Get(b.cache, "params", func() (*models.ParamVolume, error) {
		key := store.Key{Data: b.data.ID(), Model: b.name, Config: config}

		if st := b.opts.Store; st != nil {
			ok, err := st.Exists(key)
			if err != nil {
				return nil, fmt.Errorf("check parameter store: %w", err)
			}
			if ok {
				p, err := st.Load(key)
				if err != nil {
					return nil, fmt.Errorf("load parameters: %w", err)
				}
				if err := store.CheckShape(p, b.data.Dims(), nParams); err != nil {
					return nil, err
				}
				b.logger.Info("loaded parameters", "key", key.ID())
				return p, nil
			}
		}

		start := time.Now()
		b.logger.Info("fitting", "voxels", b.data.NActive())
		p, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		b.logger.Info("fit complete", "elapsed", time.Since(start).Round(time.Millisecond).String())

		if st := b.opts.Store; st != nil {
			if err := st.Save(key, p); err != nil {
				b.logger.Warn("could not save parameters", "key", key.ID(), "error", err)
			} else {
				b.logger.Debug("saved parameters", "key", key.ID())
			}
		}
		return p, nil
	})
}

// predictFromParams evaluates predict for every voxel whose parameters are
// defined. Undefined voxels stay NaN.
func (b *Base) predictFromParams(ctx context.Context, p *models.ParamVolume,
	predict func(i int, params, dst []float64)) (*models.SignalVolume, error) {

	n := b.data.NWeighted()
	out := models.NewSignalVolume(b.data.Dims(), n)
	for i := range out.Data {
		out.Data[i] = math.NaN()
	}
	active := b.data.Active()
	err := workpool.ForEach(ctx, len(active), workpool.Options{Workers: b.opts.Workers}, func(i int) error {
		s := active[i]
		vp := p.Voxel(s)
		if hasNaN(vp) {
			return nil
		}
		predict(i, vp, out.Voxel(s))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func hasNaN(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) {
			return true
		}
	}
	return false
}

// ErrTooManyCombinations is returned when a multi-direction search would
// exceed its configured bound
var ErrTooManyCombinations = errors.New("model: too many direction combinations")
