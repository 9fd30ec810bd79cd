// Package dwi exposes a diffusion-weighted acquisition to the voxel models.
//
// A Context validates the acquisition once, partitions the measurements into
// baseline (b = 0) and weighted ones, and derives masked views of the signal
// on demand: the flat signal of the active voxels, their mean baseline and
// the attenuation (weighted signal over baseline). Derived values are cached
// for the lifetime of the Context.
package dwi

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sort"

	"github.com/cespare/xxhash/v2"
	"gonum.org/v1/gonum/mat"

	"dwifit/internal/models"
	"dwifit/pkg/lazy"
	"dwifit/pkg/metrics"
)

// ErrShape reports inconsistent acquisition dimensions
var ErrShape = errors.New("dwi: shape mismatch")

// DefaultScalingFactor converts b-values in s/mm² to the ms/µm² units of
// the default diffusivities
const DefaultScalingFactor = 1000

// Options configures how an acquisition is interpreted
type Options struct {
	// ScalingFactor divides every b-value. Zero means DefaultScalingFactor.
	ScalingFactor float64

	// SubSampleIndices keeps only these weighted directions (indices into
	// the weighted subset, not into all measurements)
	SubSampleIndices []int

	// SubSampleCount keeps this many weighted directions picked at random
	// with SubSampleSeed
	SubSampleCount int
	SubSampleSeed  int64

	// TissueFraction is an optional per-voxel tissue fraction map with the
	// spatial extent of the signal
	TissueFraction *models.ScalarVolume

	Logger *slog.Logger
}

// Context is the shared, read-only view of one acquisition used by every
// model fitted to it
type Context struct {
	id     string
	signal *models.SignalVolume
	mask   *models.Mask
	affine models.Affine

	bvecs [][3]float64
	bvals []float64 // scaled
	bIdx  []int
	b0Idx []int

	active []int
	tf     *models.ScalarVolume

	cache  *lazy.Cache
	logger *slog.Logger
}

// New resolves the input and validates it. Shape errors are reported here,
// never at fit time.
func New(in Input, opts Options) (*Context, error) {
	acq, prefix, err := in.resolve()
	if err != nil {
		return nil, err
	}
	if err := validate(acq); err != nil {
		return nil, err
	}

	scale := opts.ScalingFactor
	if scale == 0 {
		scale = DefaultScalingFactor
	}
	if scale < 0 || math.IsNaN(scale) || math.IsInf(scale, 0) {
		return nil, fmt.Errorf("dwi: invalid scaling factor %v", scale)
	}

	c := &Context{
		signal: acq.Signal,
		mask:   acq.Mask,
		affine: acq.Affine,
		tf:     opts.TissueFraction,
		bvecs:  acq.Gradients.BVecs,
		bvals:  make([]float64, len(acq.Gradients.BVals)),
		cache:  lazy.New(),
		logger: opts.Logger,
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.mask == nil {
		c.mask = models.FullMask(acq.Signal.Dims)
	}
	if c.affine == (models.Affine{}) {
		c.affine = models.Identity()
	}

	if tf := c.tf; tf != nil && (tf.Dims != acq.Signal.Dims || len(tf.Data) != tf.Dims.Len()) {
		return nil, fmt.Errorf("%w: tissue fraction %s does not match signal %s", ErrShape, tf.Dims, acq.Signal.Dims)
	}

	for i, b := range acq.Gradients.BVals {
		switch {
		case b > 0:
			c.bIdx = append(c.bIdx, i)
		case b == 0:
			c.b0Idx = append(c.b0Idx, i)
		default:
			return nil, fmt.Errorf("%w: b-value %d is %v, b-values must be >= 0", ErrShape, i, b)
		}
		c.bvals[i] = b / scale
	}
	if len(c.b0Idx) == 0 {
		return nil, fmt.Errorf("%w: acquisition has no baseline (b=0) measurement", ErrShape)
	}
	if len(c.bIdx) == 0 {
		return nil, fmt.Errorf("%w: acquisition has no diffusion-weighted measurement", ErrShape)
	}

	if c.bIdx, err = subSample(c.bIdx, opts); err != nil {
		return nil, err
	}

	for s, on := range c.mask.Data {
		if on {
			c.active = append(c.active, s)
		}
	}
	if len(c.active) == 0 {
		return nil, fmt.Errorf("%w: mask has no active voxels", ErrShape)
	}

	c.id = fmt.Sprintf("%s-%016x", prefix, digest(acq))

	c.logger.Debug("acquisition ready",
		"data", c.id,
		"dims", c.signal.Dims.String(),
		"measurements", c.signal.N,
		"weighted", len(c.bIdx),
		"baseline", len(c.b0Idx),
		"active_voxels", len(c.active))
	return c, nil
}

func validate(acq *models.Acquisition) error {
	sig := acq.Signal
	if sig == nil {
		return fmt.Errorf("%w: acquisition has no signal", ErrShape)
	}
	if sig.N <= 0 || len(sig.Data) != sig.Dims.Len()*sig.N {
		return fmt.Errorf("%w: signal has %d values for %s x %d", ErrShape, len(sig.Data), sig.Dims, sig.N)
	}
	if acq.Mask != nil && (acq.Mask.Dims != sig.Dims || len(acq.Mask.Data) != sig.Dims.Len()) {
		return fmt.Errorf("%w: mask %s does not match signal %s", ErrShape, acq.Mask.Dims, sig.Dims)
	}
	g := acq.Gradients
	if len(g.BVecs) != len(g.BVals) || len(g.BVals) != sig.N {
		return fmt.Errorf("%w: %d b-vectors and %d b-values for %d measurements",
			ErrShape, len(g.BVecs), len(g.BVals), sig.N)
	}
	return nil
}

func subSample(bIdx []int, opts Options) ([]int, error) {
	switch {
	case len(opts.SubSampleIndices) > 0 && opts.SubSampleCount > 0:
		return nil, errors.New("dwi: sub-sample indices and count are mutually exclusive")
	case len(opts.SubSampleIndices) > 0:
		out := make([]int, len(opts.SubSampleIndices))
		for i, j := range opts.SubSampleIndices {
			if j < 0 || j >= len(bIdx) {
				return nil, fmt.Errorf("dwi: sub-sample index %d out of range [0, %d)", j, len(bIdx))
			}
			out[i] = bIdx[j]
		}
		return out, nil
	case opts.SubSampleCount > 0:
		if opts.SubSampleCount > len(bIdx) {
			return nil, fmt.Errorf("dwi: cannot sub-sample %d of %d weighted directions", opts.SubSampleCount, len(bIdx))
		}
		rng := rand.New(rand.NewSource(opts.SubSampleSeed))
		perm := rng.Perm(len(bIdx))[:opts.SubSampleCount]
		sort.Ints(perm)
		out := make([]int, len(perm))
		for i, j := range perm {
			out[i] = bIdx[j]
		}
		return out, nil
	default:
		return bIdx, nil
	}
}

// digest identifies an acquisition by content, so archives that share a
// file name but hold different data never share persisted parameters
func digest(acq *models.Acquisition) uint64 {
	h := xxhash.New()
	var buf [8]byte
	writeFloat := func(v float64) {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		h.Write(buf[:])
	}
	d := acq.Signal.Dims
	for _, v := range []int{d.X, d.Y, d.Z, acq.Signal.N} {
		binary.LittleEndian.PutUint64(buf[:], uint64(v))
		h.Write(buf[:])
	}
	for _, v := range acq.Signal.Data {
		writeFloat(v)
	}
	if acq.Mask != nil {
		for _, on := range acq.Mask.Data {
			if on {
				h.Write([]byte{1})
			} else {
				h.Write([]byte{0})
			}
		}
	}
	for i, b := range acq.Gradients.BVals {
		writeFloat(b)
		for _, v := range acq.Gradients.BVecs[i] {
			writeFloat(v)
		}
	}
	return h.Sum64()
}

// ID is the data identity used to key persisted parameters: the archive
// stem (or "mem") followed by a digest of the acquisition content
func (c *Context) ID() string { return c.id }

// Dims returns the spatial extent of the acquisition
func (c *Context) Dims() models.Dims { return c.signal.Dims }

// Affine returns the voxel-to-world transform
func (c *Context) Affine() models.Affine { return c.affine }

// Mask returns the active-voxel mask
func (c *Context) Mask() *models.Mask { return c.mask }

// Signal returns the raw 4-D signal
func (c *Context) Signal() *models.SignalVolume { return c.signal }

// Logger returns the logger models should report through
func (c *Context) Logger() *slog.Logger { return c.logger }

// Active returns the flat indices of the active voxels in row-major order.
// Row i of every flat matrix belongs to voxel Active()[i].
func (c *Context) Active() []int { return c.active }

// NActive returns the number of active voxels
func (c *Context) NActive() int { return len(c.active) }

// BIdx returns the measurement indices of the weighted directions in use
func (c *Context) BIdx() []int { return c.bIdx }

// B0Idx returns the measurement indices of the baseline measurements
func (c *Context) B0Idx() []int { return c.b0Idx }

// NWeighted returns the number of weighted directions in use
func (c *Context) NWeighted() int { return len(c.bIdx) }

// BVals returns the scaled b-values of every measurement
func (c *Context) BVals() []float64 { return c.bvals }

// WeightedBVecs returns the gradient directions of the weighted subset
func (c *Context) WeightedBVecs() [][3]float64 {
	out := make([][3]float64, len(c.bIdx))
	for i, j := range c.bIdx {
		out[i] = c.bvecs[j]
	}
	return out
}

// WeightedBVals returns the scaled b-values of the weighted subset
func (c *Context) WeightedBVals() []float64 {
	out := make([]float64, len(c.bIdx))
	for i, j := range c.bIdx {
		out[i] = c.bvals[j]
	}
	return out
}

// FlatSignal returns the weighted signal of the active voxels,
// n_active x n_weighted
func (c *Context) FlatSignal() *mat.Dense {
	v, _ := lazy.Get(c.cache, "flat_signal", func() (*mat.Dense, error) {
		out := mat.NewDense(len(c.active), len(c.bIdx), nil)
		for i, s := range c.active {
			vox := c.signal.Voxel(s)
			row := out.RawRowView(i)
			for j, m := range c.bIdx {
				row[j] = vox[m]
			}
		}
		return out, nil
	})
	return v
}

// FlatS0 returns the mean baseline signal of each active voxel
func (c *Context) FlatS0() []float64 {
	v, _ := lazy.Get(c.cache, "flat_s0", func() ([]float64, error) {
		out := make([]float64, len(c.active))
		for i, s := range c.active {
			vox := c.signal.Voxel(s)
			sum := 0.0
			for _, m := range c.b0Idx {
				sum += vox[m]
			}
			out[i] = sum / float64(len(c.b0Idx))
		}
		return out, nil
	})
	return v
}

// FlatAttenuation returns FlatSignal divided row-wise by FlatS0. A zero
// baseline yields Inf or NaN.
func (c *Context) FlatAttenuation() *mat.Dense {
	v, _ := lazy.Get(c.cache, "flat_attenuation", func() (*mat.Dense, error) {
		sig := c.FlatSignal()
		s0 := c.FlatS0()
		r, cols := sig.Dims()
		out := mat.NewDense(r, cols, nil)
		for i := range s0 {
			src := sig.RawRowView(i)
			dst := out.RawRowView(i)
			for j := range src {
				dst[j] = src[j] / s0[i]
			}
		}
		return out, nil
	})
	return v
}

// S0 returns the mean baseline as a volume, NaN outside the mask
func (c *Context) S0() *models.ScalarVolume {
	v, _ := lazy.Get(c.cache, "s0", func() (*models.ScalarVolume, error) {
		out := models.NewScalarVolume(c.Dims())
		for i, s0 := range c.FlatS0() {
			out.Data[c.active[i]] = s0
		}
		return out, nil
	})
	return v
}

// WeightedSignal returns the weighted signal as a volume, NaN outside the
// mask
func (c *Context) WeightedSignal() *models.SignalVolume {
	v, _ := lazy.Get(c.cache, "weighted_signal", func() (*models.SignalVolume, error) {
		return c.Unflatten(c.FlatSignal()), nil
	})
	return v
}

// Attenuation returns the attenuation as a volume, NaN outside the mask
func (c *Context) Attenuation() *models.SignalVolume {
	v, _ := lazy.Get(c.cache, "attenuation", func() (*models.SignalVolume, error) {
		return c.Unflatten(c.FlatAttenuation()), nil
	})
	return v
}

// Unflatten scatters an n_active x n_weighted matrix back into a volume
// filled with NaN outside the mask
func (c *Context) Unflatten(flat mat.Matrix) *models.SignalVolume {
	n := len(c.bIdx)
	out := models.NewSignalVolume(c.Dims(), n)
	for i := range out.Data {
		out.Data[i] = math.NaN()
	}
	for i, s := range c.active {
		dst := out.Voxel(s)
		for j := 0; j < n; j++ {
			dst[j] = flat.At(i, j)
		}
	}
	return out
}

// ToVoxelSpace maps a fiber group given in world coordinates into the
// voxel space of the acquisition using the inverse of its affine
func (c *Context) ToVoxelSpace(g *models.FiberGroup) (*models.FiberGroup, error) {
	a := mat.NewDense(4, 4, nil)
	for r := 0; r < 4; r++ {
		for col := 0; col < 4; col++ {
			a.Set(r, col, c.affine[r][col])
		}
	}
	var inv mat.Dense
	if err := inv.Inverse(a); err != nil {
		return nil, fmt.Errorf("dwi: affine is not invertible: %w", err)
	}
	var out models.Affine
	for r := 0; r < 4; r++ {
		for col := 0; col < 4; col++ {
			out[r][col] = inv.At(r, col)
		}
	}
	return g.Transform(out), nil
}

// SignalReliability scores the agreement between the weighted signal of
// this acquisition and other, voxel by voxel, with the same squaring and
// clamping rules as a model's goodness of fit. Both acquisitions must have
// the same dims and number of weighted directions.
func (c *Context) SignalReliability(other *Context, metric metrics.Metric, square bool) (*models.ScalarVolume, error) {
	if other.Dims() != c.Dims() || other.NWeighted() != c.NWeighted() {
		return nil, fmt.Errorf("%w: cannot compare %s x %d with %s x %d",
			ErrShape, c.Dims(), c.NWeighted(), other.Dims(), other.NWeighted())
	}
	mine := c.WeightedSignal()
	theirs := other.WeightedSignal()
	out := models.NewScalarVolume(c.Dims())
	for _, s := range c.active {
		out.Data[s] = metrics.Score(metric, mine.Voxel(s), theirs.Voxel(s), square)
	}
	return out, nil
}

// TissueFraction returns the tissue fraction map, nil when none was given
func (c *Context) TissueFraction() *models.ScalarVolume { return c.tf }

// FlatTissueFraction returns the tissue fraction of each active voxel, nil
// when no map was given
func (c *Context) FlatTissueFraction() []float64 {
	if c.tf == nil {
		return nil
	}
	v, _ := lazy.Get(c.cache, "flat_tissue_fraction", func() ([]float64, error) {
		out := make([]float64, len(c.active))
		for i, s := range c.active {
			out[i] = c.tf.Data[s]
		}
		return out, nil
	})
	return v
}

// Reset drops every derived value
func (c *Context) Reset() {
	c.cache.Reset()
}

// Cache exposes the derived-value cache, mainly for tests
func (c *Context) Cache() *lazy.Cache { return c.cache }
