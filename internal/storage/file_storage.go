package storage

import (
	"errors"
	"fmt"
	"io"
	"os"

	errpkg "github.com/veranemoloko/gator/internal/errors"
)

// WriterAtCloser is a positioned writer owned by one worker.
type WriterAtCloser interface {
	io.WriterAt
	io.Closer
}

// FileStorage manages the single output file of a download.
type FileStorage struct{}

// NewFileStorage creates a new FileStorage instance.
func NewFileStorage() *FileStorage {
	return &FileStorage{}
}

// Preallocate makes path exactly size bytes long, creating it if needed.
// Extension uses Truncate, which produces a sparse file on filesystems that
// support it. created reports whether this call created the file. Calling
// it again on a file of the right size changes nothing.
func (s *FileStorage) Preallocate(path string, size int64) (created bool, err error) {
	if size < 0 {
		size = 0
	}

	info, err := os.Stat(path)
	switch {
	case err == nil:
		if !info.Mode().IsRegular() {
			return false, errpkg.NewDiskError("preallocate", path, fmt.Errorf("not a regular file"))
		}
		if info.Size() == size {
			return false, nil
		}
	case errors.Is(err, os.ErrNotExist):
		created = true
	default:
		return false, errpkg.NewDiskError("stat", path, err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return false, errpkg.NewDiskError("open", path, err)
	}

	if err := f.Truncate(size); err != nil {
		f.Close()
		return created, errpkg.NewDiskError("truncate", path, err)
	}

	if err := f.Close(); err != nil {
		return created, errpkg.NewDiskError("close", path, err)
	}

	return created, nil
}

// OpenWriter opens an independent write handle on an existing file.
func (s *FileStorage) OpenWriter(path string) (WriterAtCloser, error) {
	f, err := os.OpenFile(path, os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errpkg.NewDiskError("open", path, err)
	}
	return &diskWriter{f: f, path: path}, nil
}

// Remove deletes path. A missing file is not an error.
func (s *FileStorage) Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errpkg.NewDiskError("remove", path, err)
	}
	return nil
}

// FileSize returns the size of path, or -1 if it does not exist.
func (s *FileStorage) FileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return -1, nil
		}
		return -1, errpkg.NewDiskError("stat", path, err)
	}
	return info.Size(), nil
}

// diskWriter maps write failures to DiskError.
type diskWriter struct {
	f    *os.File
	path string
}

func (w *diskWriter) WriteAt(p []byte, off int64) (int, error) {
	n, err := w.f.WriteAt(p, off)
	if err != nil {
		return n, errpkg.NewDiskError("write", w.path, err)
	}
	return n, nil
}

func (w *diskWriter) Close() error {
	if err := w.f.Close(); err != nil {
		return errpkg.NewDiskError("close", w.path, err)
	}
	return nil
}
