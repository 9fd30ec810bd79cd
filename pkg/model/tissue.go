package model

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"

	"dwifit/internal/models"
	"dwifit/pkg/dwi"
	"dwifit/pkg/lazy"
)

// Defaults of TissueFraction
const (
	DefaultTissueFractionL1 = 0.32
	DefaultTissueFractionL2 = 0.15
	DefaultTissueWater      = 0.25
	DefaultFreeWater        = 0.75
)

// TissueFractionOptions are the constants of TissueFraction. Zero values
// select the defaults.
type TissueFractionOptions struct {
	// L1 and L2 are the shares of the tensor and of tissue water in the
	// measured tissue fraction
	L1, L2 float64

	// TissueWater and FreeWater are the attenuation levels of the hindered
	// tissue water and free water compartments
	TissueWater, FreeWater float64
}

func (o TissueFractionOptions) withDefaults() TissueFractionOptions {
	if o.L1 == 0 {
		o.L1 = DefaultTissueFractionL1
	}
	if o.L2 == 0 {
		o.L2 = DefaultTissueFractionL2
	}
	if o.TissueWater == 0 {
		o.TissueWater = DefaultTissueWater
	}
	if o.FreeWater == 0 {
		o.FreeWater = DefaultFreeWater
	}
	return o
}

// TissueFraction splits the isotropic compartment of CanonicalTensor into
// hindered tissue water and free water, using a measured tissue fraction TF
// per voxel:
//
//	TF = L1·w1 + L2·w2
//	w3 = 1 - w1 - w2
//
// where w1 is the tensor weight chosen by the canonical search.
// Parameters: candidate index, w1, tissue water weight w2, free water
// weight w3.
//
// Fit predicts the attenuation of the weighted measurements followed by
// the tissue fraction, and the goodness-of-fit maps compare it with the
// observed attenuation followed by the measured tissue fraction.
type TissueFraction struct {
	*Base
	tensor *CanonicalTensor
	opts   TissueFractionOptions
}

// NewTissueFraction builds the model on top of a CanonicalTensor sharing
// opts, so the canonical parameters are persisted under their own key.
// data must carry a tissue fraction map.
func NewTissueFraction(data *dwi.Context, topts TensorOptions, tfo TissueFractionOptions, opts Options) (*TissueFraction, error) {
	if data.TissueFraction() == nil {
		return nil, errors.New("model: TissueFractionModel needs a tissue fraction map")
	}
	tfo = tfo.withDefaults()
	if tfo.L1 < 0 || tfo.L2 < 0 || tfo.TissueWater < 0 || tfo.FreeWater < 0 {
		return nil, fmt.Errorf("model: tissue fraction constants must be positive")
	}
	ct, err := NewCanonicalTensor(data, topts, opts)
	if err != nil {
		return nil, err
	}
	m := &TissueFraction{
		Base:   newBase("TissueFractionModel", data, opts),
		tensor: ct,
		opts:   tfo,
	}
	m.predict = m.fit
	m.observed = m.observations
	return m, nil
}

// NParams returns 4
func (m *TissueFraction) NParams() int { return 4 }

// Tensor returns the underlying canonical search
func (m *TissueFraction) Tensor() *CanonicalTensor { return m.tensor }

// Reset drops the cached values of the model and of its canonical search
func (m *TissueFraction) Reset() {
	m.Base.Reset()
	m.tensor.Reset()
}

func (m *TissueFraction) config() string {
	h := xxhash.New()
	var buf [8]byte
	for _, v := range m.Data().FlatTissueFraction() {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		h.Write(buf[:])
	}
	return fmt.Sprintf("%s l1=%g l2=%g tissue=%g free=%g tf=%016x",
		m.tensor.config(), m.opts.L1, m.opts.L2, m.opts.TissueWater, m.opts.FreeWater, h.Sum64())
}

// Params returns the fitted parameter volume
func (m *TissueFraction) Params(ctx context.Context) (*models.ParamVolume, error) {
	return m.params(ctx, m.NParams(), m.config(), m.split)
}

func (m *TissueFraction) split(ctx context.Context) (*models.ParamVolume, error) {
	tp, err := m.tensor.Params(ctx)
	if err != nil {
		return nil, err
	}
	data := m.Data()
	p := models.NewParamVolume(data.Dims(), m.NParams(), data.Affine())
	tf := data.FlatTissueFraction()
	for i, s := range data.Active() {
		vp := tp.Voxel(s)
		if hasNaN(vp) || math.IsNaN(tf[i]) || math.IsInf(tf[i], 0) {
			continue
		}
		w1 := vp[1]
		w2 := (tf[i] - m.opts.L1*w1) / m.opts.L2
		copy(p.Voxel(s), []float64{vp[0], w1, w2, 1 - w1 - w2})
	}
	return p, nil
}

// observations returns the attenuation with the tissue fraction appended
// as one more measurement
func (m *TissueFraction) observations() *models.SignalVolume {
	v, _ := lazy.Get(m.cache, "observed", func() (*models.SignalVolume, error) {
		data := m.Data()
		att := data.Attenuation()
		tf := data.TissueFraction()
		D := data.NWeighted()
		out := models.NewSignalVolume(data.Dims(), D+1)
		for i := range out.Data {
			out.Data[i] = math.NaN()
		}
		for _, s := range data.Active() {
			dst := out.Voxel(s)
			copy(dst, att.Voxel(s))
			dst[D] = tf.Data[s]
		}
		return out, nil
	})
	return v
}

func (m *TissueFraction) fit(ctx context.Context) (*models.SignalVolume, error) {
	p, err := m.Params(ctx)
	if err != nil {
		return nil, err
	}
	data := m.Data()
	D := data.NWeighted()
	rotations := m.tensor.Rotations()
	out := models.NewSignalVolume(data.Dims(), D+1)
	for i := range out.Data {
		out.Data[i] = math.NaN()
	}
	for _, s := range data.Active() {
		vp := p.Voxel(s)
		if hasNaN(vp) {
			continue
		}
		rot := rotations[int(vp[0])]
		w1, w2, w3 := vp[1], vp[2], vp[3]
		dst := out.Voxel(s)
		for t := 0; t < D; t++ {
			dst[t] = w1*rot[t] + w2*m.opts.TissueWater + w3*m.opts.FreeWater
		}
		dst[D] = w1*m.opts.L1 + w2*m.opts.L2
	}
	return out, nil
}
