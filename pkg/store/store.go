// Package store persists fitted parameter volumes and acquisitions.
//
// A ParamStore is opaque key-value storage for parameter volumes, keyed by
// the identity of the input data, the model name and the model
// configuration. Payloads are little-endian float64 arrays compressed with
// zstd, so a loaded volume is bit-identical to the one that was saved.
package store

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"

	"dwifit/internal/models"
)

var (
	// ErrNotFound is returned when no parameters exist for a key
	ErrNotFound = errors.New("store: parameters not found")

	// ErrShapeMismatch is returned when persisted parameters do not have the
	// shape the caller expects
	ErrShapeMismatch = errors.New("store: parameter shape mismatch")
)

// Key identifies one set of fitted parameters
type Key struct {
	// Data is the identity of the input acquisition
	Data string

	// Model is the model name, e.g. "CanonicalTensorModel"
	Model string

	// Config is a canonical rendering of the model configuration
	Config string
}

// ID returns the deterministic name of the key: the sanitized data identity
// and model name, followed by a hash of all three raw fields so that names
// differing only in sanitized characters stay distinct
func (k Key) ID() string {
	h := xxhash.New()
	h.WriteString(k.Data)
	h.WriteString("\x00")
	h.WriteString(k.Model)
	h.WriteString("\x00")
	h.WriteString(k.Config)
	return fmt.Sprintf("%s_%s_%016x", sanitize(k.Data), sanitize(k.Model), h.Sum64())
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		default:
			return '_'
		}
	}, s)
}

// ParamStore is durable storage for fitted parameter volumes
type ParamStore interface {
	Exists(key Key) (bool, error)
	Load(key Key) (*models.ParamVolume, error)
	Save(key Key, p *models.ParamVolume) error
}

// CheckShape verifies that p has the expected spatial extent and number of
// parameters per voxel
func CheckShape(p *models.ParamVolume, dims models.Dims, nParams int) error {
	if p.Dims != dims || p.NParams != nParams {
		return fmt.Errorf("%w: stored %s x %d, expected %s x %d",
			ErrShapeMismatch, p.Dims, p.NParams, dims, nParams)
	}
	return nil
}

// Memory is an in-process ParamStore. It keeps encoded payloads so that
// loads go through the same codec as the durable stores.
type Memory struct {
	mu       sync.Mutex
	payloads map[string][]byte
}

// NewMemory returns an empty in-memory store
func NewMemory() *Memory {
	return &Memory{payloads: make(map[string][]byte)}
}

// Exists implements ParamStore
func (m *Memory) Exists(key Key) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.payloads[key.ID()]
	return ok, nil
}

// Load implements ParamStore
func (m *Memory) Load(key Key) (*models.ParamVolume, error) {
	m.mu.Lock()
	data, ok := m.payloads[key.ID()]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key.ID())
	}
	return DecodeParams(data)
}

// Save implements ParamStore
func (m *Memory) Save(key Key, p *models.ParamVolume) error {
	data, err := EncodeParams(p)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payloads[key.ID()] = data
	return nil
}

// Len returns the number of stored keys
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.payloads)
}
