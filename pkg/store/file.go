package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"dwifit/internal/models"
)

// ParamExt is the file extension of parameter files
const ParamExt = ".dwp"

// FileStore keeps one parameter file per key in a directory
type FileStore struct {
	Dir string
}

// NewFileStore returns a store rooted at dir. The directory is created on
// the first save.
func NewFileStore(dir string) *FileStore {
	return &FileStore{Dir: dir}
}

// Path returns the file that holds the parameters of key
func (s *FileStore) Path(key Key) string {
	return filepath.Join(s.Dir, key.ID()+ParamExt)
}

// Exists implements ParamStore
func (s *FileStore) Exists(key Key) (bool, error) {
	_, err := os.Stat(s.Path(key))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("stat params file: %w", err)
	}
}

// Load implements ParamStore
func (s *FileStore) Load(key Key) (*models.ParamVolume, error) {
	data, err := os.ReadFile(s.Path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, s.Path(key))
		}
		return nil, fmt.Errorf("read params file: %w", err)
	}
	p, err := DecodeParams(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.Path(key), err)
	}
	return p, nil
}

// Save implements ParamStore. The payload is written to a temporary file
// in the same directory and renamed into place.
func (s *FileStore) Save(key Key, p *models.ParamVolume) error {
	data, err := EncodeParams(p)
	if err != nil {
		return err
	}
	return writeFileAtomic(s.Path(key), data)
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
