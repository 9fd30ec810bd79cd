package dwi

import (
	"fmt"

	"dwifit/internal/models"
	"dwifit/pkg/store"
)

type inputKind int

const (
	inMemory inputKind = iota + 1
	archive
)

// Input is either an in-memory acquisition or the path of an archive that
// is loaded once when the context is built
type Input struct {
	kind inputKind
	acq  *models.Acquisition
	path string
}

// FromAcquisition wraps an acquisition already held in memory
func FromAcquisition(a *models.Acquisition) Input {
	return Input{kind: inMemory, acq: a}
}

// FromArchive references an acquisition archive on disk
func FromArchive(path string) Input {
	return Input{kind: archive, path: path}
}

func (in Input) String() string {
	switch in.kind {
	case inMemory:
		return "in-memory acquisition"
	case archive:
		return in.path
	default:
		return "empty input"
	}
}

// resolve returns the acquisition and the readable prefix of its data
// identity. The identity itself is completed with a content digest.
func (in Input) resolve() (*models.Acquisition, string, error) {
	switch in.kind {
	case inMemory:
		if in.acq == nil {
			return nil, "", fmt.Errorf("%w: nil acquisition", ErrShape)
		}
		return in.acq, "mem", nil
	case archive:
		a, err := store.ReadAcquisition(in.path)
		if err != nil {
			return nil, "", err
		}
		return a, store.Stem(in.path), nil
	default:
		return nil, "", fmt.Errorf("dwi: empty input")
	}
}
