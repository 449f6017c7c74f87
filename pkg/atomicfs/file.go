package atomicfs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// File is written next to its destination and renamed into place on Close.
// Readers of the destination never see a partially written file.
type File struct {
	tmp  *os.File
	dst  string
	sync bool
}

type Option func(f *File) error

// WithSync makes Close fsync the data before the rename.
func WithSync() Option {
	return func(f *File) error {
		f.sync = true
		return nil
	}
}

func WithMode(mode os.FileMode) Option {
	return func(f *File) error {
		return f.tmp.Chmod(mode)
	}
}

const tmpSuffix = ".tmp-"

func Create(path string, opts ...Option) (*File, error) {
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	dir, base := filepath.Split(path)

	tmp, err := os.CreateTemp(dir, base+tmpSuffix)
	if err != nil {
		return nil, fmt.Errorf("failed to create temporary file for %s: %w", path, err)
	}

	f := &File{tmp: tmp, dst: path}
	for _, opt := range opts {
		if err := opt(f); err != nil {
			return nil, errors.Join(err, f.Discard())
		}
	}
	return f, nil
}

func (f *File) Name() string {
	return f.dst
}

func (f *File) Write(data []byte) (int, error) {
	if f.tmp == nil {
		return 0, os.ErrClosed
	}
	return f.tmp.Write(data)
}

// Discard removes the temporary file. It is a no-op after Close succeeded.
func (f *File) Discard() error {
	if f.tmp == nil {
		return nil
	}
	tmp := f.tmp
	f.tmp = nil
	return errors.Join(tmp.Close(), os.Remove(tmp.Name()))
}

// Close commits the file to its destination.
func (f *File) Close() error {
	if f.tmp == nil {
		return os.ErrClosed
	}

	if f.sync {
		if err := f.tmp.Sync(); err != nil {
			return errors.Join(fmt.Errorf("failed to sync %s: %w", f.dst, err), f.Discard())
		}
	}

	name := f.tmp.Name()
	if err := f.tmp.Close(); err != nil {
		f.tmp = nil
		return errors.Join(fmt.Errorf("failed to close %s: %w", name, err), os.Remove(name))
	}
	f.tmp = nil

	if err := os.Rename(name, f.dst); err != nil {
		return errors.Join(fmt.Errorf("failed to commit %s: %w", f.dst, err), os.Remove(name))
	}
	return nil
}

var _ io.WriteCloser = (*File)(nil)
