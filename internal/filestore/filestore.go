// Package filestore keeps attachment bytes on local disk under opaque keys.
package filestore

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/and161185/cipherline/internal/errs"
	"github.com/gofrs/uuid/v5"
)

// Store is the attachment blob store used by the delivery service.
type Store interface {
	// Save copies r to a new blob and returns its key and size.
	Save(r io.Reader) (key string, size int64, err error)
	// Open returns the blob for reading or errs.ErrFileMissing.
	Open(key string) (io.ReadCloser, error)
	// Remove deletes a blob; a missing blob is not an error.
	Remove(key string) error
}

// Disk stores blobs as files named by a random uuid inside Dir.
type Disk struct {
	Dir string
}

// NewDisk creates dir if needed.
func NewDisk(dir string) (*Disk, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("filestore: %w", err)
	}
	return &Disk{Dir: dir}, nil
}

// Save writes to a temp file and renames it into place once fully written.
func (d *Disk) Save(r io.Reader) (string, int64, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", 0, err
	}
	key := id.String()

	tmp, err := os.CreateTemp(d.Dir, ".upload-*")
	if err != nil {
		return "", 0, fmt.Errorf("filestore: %w", err)
	}
	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return "", 0, fmt.Errorf("filestore: write: %w", err)
	}
	if err := os.Rename(tmp.Name(), d.path(key)); err != nil {
		_ = os.Remove(tmp.Name())
		return "", 0, fmt.Errorf("filestore: %w", err)
	}
	return key, n, nil
}

// Open opens the blob stored under key.
func (d *Disk) Open(key string) (io.ReadCloser, error) {
	if !validKey(key) {
		return nil, errs.ErrFileMissing
	}
	f, err := os.Open(d.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errs.ErrFileMissing
	}
	if err != nil {
		return nil, fmt.Errorf("filestore: %w", err)
	}
	return f, nil
}

// Remove deletes the blob stored under key.
func (d *Disk) Remove(key string) error {
	if !validKey(key) {
		return nil
	}
	err := os.Remove(d.path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("filestore: %w", err)
	}
	return nil
}

func (d *Disk) path(key string) string { return filepath.Join(d.Dir, key) }

// keys are always uuids, which also keeps lookups inside Dir
func validKey(key string) bool {
	_, err := uuid.FromString(key)
	return err == nil
}
