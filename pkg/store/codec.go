package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/klauspost/compress/zstd"

	"dwifit/internal/models"
)

// ErrCorrupt is returned when a persisted payload cannot be decoded
var ErrCorrupt = errors.New("store: corrupt payload")

var (
	paramMagic       = [4]byte{'D', 'W', 'P', '1'}
	acquisitionMagic = [4]byte{'D', 'W', 'A', '1'}
)

// The encoder and decoder are safe for concurrent EncodeAll/DecodeAll
var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	decoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
)

func compress(raw []byte) []byte {
	return encoder.EncodeAll(raw, nil)
}

func decompress(data []byte) ([]byte, error) {
	raw, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: zstd decompression failed: %v", ErrCorrupt, err)
	}
	return raw, nil
}

func appendDims(buf []byte, d models.Dims) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(d.X))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(d.Y))
	return binary.LittleEndian.AppendUint32(buf, uint32(d.Z))
}

func appendAffine(buf []byte, a models.Affine) []byte {
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(a[r][c]))
		}
	}
	return buf
}

func appendFloats(buf []byte, values []float64) []byte {
	for _, v := range values {
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
	}
	return buf
}

// reader walks a decoded payload, remembering the first short read
type reader struct {
	buf []byte
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf) < n {
		r.err = fmt.Errorf("%w: truncated payload", ErrCorrupt)
		return nil
	}
	out := r.buf[:n]
	r.buf = r.buf[n:]
	return out
}

func (r *reader) uint32() int {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return int(binary.LittleEndian.Uint32(b))
}

func (r *reader) float64() float64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(b))
}

func (r *reader) floats(n int) []float64 {
	b := r.take(8 * n)
	if b == nil {
		return nil
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[8*i:]))
	}
	return out
}

func (r *reader) dims() models.Dims {
	return models.Dims{X: r.uint32(), Y: r.uint32(), Z: r.uint32()}
}

func (r *reader) affine() models.Affine {
	var a models.Affine
	for row := 0; row < 4; row++ {
		for c := 0; c < 4; c++ {
			a[row][c] = r.float64()
		}
	}
	return a
}

func (r *reader) magic(want [4]byte) {
	b := r.take(4)
	if b != nil && [4]byte(b) != want {
		r.err = fmt.Errorf("%w: unexpected magic %q", ErrCorrupt, b)
	}
}

// EncodeParams serializes a parameter volume into a compressed payload
func EncodeParams(p *models.ParamVolume) ([]byte, error) {
	if len(p.Data) != p.Dims.Len()*p.NParams {
		return nil, fmt.Errorf("store: parameter volume has %d values, want %d", len(p.Data), p.Dims.Len()*p.NParams)
	}
	buf := make([]byte, 0, 4+16+128+8*len(p.Data))
	buf = append(buf, paramMagic[:]...)
	buf = appendDims(buf, p.Dims)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(p.NParams))
	buf = appendAffine(buf, p.Affine)
	buf = appendFloats(buf, p.Data)
	return compress(buf), nil
}

// DecodeParams is the inverse of EncodeParams
func DecodeParams(data []byte) (*models.ParamVolume, error) {
	raw, err := decompress(data)
	if err != nil {
		return nil, err
	}
	r := &reader{buf: raw}
	r.magic(paramMagic)
	p := &models.ParamVolume{}
	p.Dims = r.dims()
	p.NParams = r.uint32()
	p.Affine = r.affine()
	p.Data = r.floats(p.Dims.Len() * p.NParams)
	if r.err != nil {
		return nil, r.err
	}
	if len(r.buf) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, len(r.buf))
	}
	return p, nil
}

// EncodeAcquisition serializes an acquisition into a compressed archive
func EncodeAcquisition(a *models.Acquisition) ([]byte, error) {
	sig := a.Signal
	if sig == nil {
		return nil, errors.New("store: acquisition has no signal")
	}
	if len(a.Gradients.BVals) != sig.N || len(a.Gradients.BVecs) != sig.N {
		return nil, fmt.Errorf("store: gradient table has %d b-values and %d b-vectors for %d measurements",
			len(a.Gradients.BVals), len(a.Gradients.BVecs), sig.N)
	}

	buf := make([]byte, 0, 4+16+128+8*(len(sig.Data)+4*sig.N)+sig.Dims.Len()+1)
	buf = append(buf, acquisitionMagic[:]...)
	buf = appendDims(buf, sig.Dims)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(sig.N))
	buf = appendAffine(buf, a.Affine)
	buf = appendFloats(buf, a.Gradients.BVals)
	for _, v := range a.Gradients.BVecs {
		buf = appendFloats(buf, v[:])
	}
	if a.Mask == nil {
		buf = append(buf, 0)
	} else {
		if a.Mask.Dims != sig.Dims {
			return nil, fmt.Errorf("store: mask %s does not match signal %s", a.Mask.Dims, sig.Dims)
		}
		buf = append(buf, 1)
		for _, on := range a.Mask.Data {
			if on {
				buf = append(buf, 1)
			} else {
				buf = append(buf, 0)
			}
		}
	}
	buf = appendFloats(buf, sig.Data)
	return compress(buf), nil
}

// DecodeAcquisition is the inverse of EncodeAcquisition
func DecodeAcquisition(data []byte) (*models.Acquisition, error) {
	raw, err := decompress(data)
	if err != nil {
		return nil, err
	}
	r := &reader{buf: raw}
	r.magic(acquisitionMagic)
	dims := r.dims()
	n := r.uint32()
	acq := &models.Acquisition{Affine: r.affine()}
	acq.Gradients.BVals = r.floats(n)
	acq.Gradients.BVecs = make([][3]float64, n)
	for i := 0; i < n && r.err == nil; i++ {
		copy(acq.Gradients.BVecs[i][:], r.floats(3))
	}
	if flag := r.take(1); flag != nil && flag[0] == 1 {
		bits := r.take(dims.Len())
		if bits != nil {
			acq.Mask = &models.Mask{Dims: dims, Data: make([]bool, dims.Len())}
			for i, b := range bits {
				acq.Mask.Data[i] = b == 1
			}
		}
	}
	acq.Signal = &models.SignalVolume{Dims: dims, N: n, Data: r.floats(dims.Len() * n)}
	if r.err != nil {
		return nil, r.err
	}
	if len(r.buf) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, len(r.buf))
	}
	return acq, nil
}
