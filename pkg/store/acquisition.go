package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"dwifit/internal/models"
)

// AcquisitionExt is the file extension of acquisition archives
const AcquisitionExt = ".dwa"

// WriteAcquisition saves an acquisition archive to path
func WriteAcquisition(path string, a *models.Acquisition) error {
	data, err := EncodeAcquisition(a)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}

// ReadAcquisition loads an acquisition archive from path
func ReadAcquisition(path string) (*models.Acquisition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read acquisition: %w", err)
	}
	a, err := DecodeAcquisition(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return a, nil
}

// Stem returns the file name of path without directory and extensions,
// so "/data/sub01.dwa" and "sub01.tar.dwa" both name "sub01"
func Stem(path string) string {
	base := filepath.Base(path)
	if i := strings.Index(base, "."); i > 0 {
		return base[:i]
	}
	return base
}

// WriteScalarMap saves a per-voxel map, such as a tissue fraction, as a
// one-parameter volume
func WriteScalarMap(path string, v *models.ScalarVolume, affine models.Affine) error {
	data, err := EncodeParams(&models.ParamVolume{Dims: v.Dims, NParams: 1, Affine: affine, Data: v.Data})
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}

// ReadScalarMap loads a map written by WriteScalarMap
func ReadScalarMap(path string) (*models.ScalarVolume, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read map: %w", err)
	}
	p, err := DecodeParams(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if p.NParams != 1 {
		return nil, fmt.Errorf("%w: %s holds %d values per voxel, want 1", ErrShapeMismatch, path, p.NParams)
	}
	return &models.ScalarVolume{Dims: p.Dims, Data: p.Data}, nil
}
