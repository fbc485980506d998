package volume

import (
	"os"
	"sync"

	"github.com/pkg/errors"
)

const filePerm = 0o600

// File is a Volume over a plain os.File using positional reads and writes.
type File struct {
	mu   sync.RWMutex
	f    *os.File
	path string
	size int64
}

var _ Volume = (*File)(nil)

// OpenFile opens or creates the file at path.
func OpenFile(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, filePerm)
	if err != nil {
		return nil, errors.Wrapf(err, "open volume file %s", path)
	}

	stat, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "stat volume file %s", path)
	}

	return &File{f: f, path: path, size: stat.Size()}, nil
}

// OpenSequentialFile is OpenFile plus a kernel hint that the file is mostly
// read front to back, which is how log segments are consumed.
func OpenSequentialFile(path string) (*File, error) {
	v, err := OpenFile(path)
	if err != nil {
		return nil, err
	}
	adviseSequential(v.f)
	return v, nil
}

func (v *File) Path() string {
	return v.path
}

func (v *File) ReadAt(p []byte, off int64) (int, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.f == nil {
		return 0, ErrClosed
	}
	return v.f.ReadAt(p, off)
}

func (v *File) WriteAt(p []byte, off int64) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.f == nil {
		return 0, ErrClosed
	}
	n, err := v.f.WriteAt(p, off)
	if end := off + int64(n); end > v.size {
		v.size = end
	}
	return n, err
}

func (v *File) EnsureAvailable(size int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.f == nil {
		return ErrClosed
	}
	if size <= v.size {
		return nil
	}
	if err := v.f.Truncate(size); err != nil {
		return errors.Wrapf(err, "grow %s to %d bytes", v.path, size)
	}
	v.size = size
	return nil
}

func (v *File) Length() int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.size
}

func (v *File) Truncate(size int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.f == nil {
		return ErrClosed
	}
	if err := v.f.Truncate(size); err != nil {
		return errors.Wrapf(err, "truncate %s to %d bytes", v.path, size)
	}
	v.size = size
	return nil
}

func (v *File) Sync() error {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.f == nil {
		return ErrClosed
	}
	return errors.Wrapf(v.f.Sync(), "sync %s", v.path)
}

func (v *File) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.f == nil {
		return nil
	}
	err := v.f.Close()
	v.f = nil
	return errors.Wrapf(err, "close %s", v.path)
}
