package volume

import (
	"io"
	"os"
	"sync"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
)

// mapped files grow in steps of this size to keep remapping rare
const mappedGrowStep = 1 << 20

// Mapped is a Volume over a read-write memory mapping of a file. The mapping
// is replaced whenever the volume grows past its current size.
type Mapped struct {
	mu   sync.RWMutex
	f    *os.File
	m    mmap.MMap
	path string
}

var _ Volume = (*Mapped)(nil)

func OpenMapped(path string) (*Mapped, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, filePerm)
	if err != nil {
		return nil, errors.Wrapf(err, "open mapped volume %s", path)
	}

	v := &Mapped{f: f, path: path}

	stat, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "stat mapped volume %s", path)
	}
	if stat.Size() > 0 {
		if err := v.remap(stat.Size()); err != nil {
			_ = f.Close()
			return nil, err
		}
	}

	return v, nil
}

// remap must be called with mu held for writing.
func (v *Mapped) remap(size int64) error {
	if v.m != nil {
		if err := v.m.Unmap(); err != nil {
			return errors.Wrapf(err, "unmap %s", v.path)
		}
		v.m = nil
	}

	stat, err := v.f.Stat()
	if err != nil {
		return errors.Wrapf(err, "stat %s", v.path)
	}
	if stat.Size() != size {
		if err := v.f.Truncate(size); err != nil {
			return errors.Wrapf(err, "resize %s to %d bytes", v.path, size)
		}
	}
	if size == 0 {
		return nil
	}

	m, err := mmap.MapRegion(v.f, int(size), mmap.RDWR, 0, 0)
	if err != nil {
		return errors.Wrapf(err, "map %s", v.path)
	}
	v.m = m
	return nil
}

func (v *Mapped) grow(size int64) error {
	if size <= int64(len(v.m)) {
		return nil
	}
	size = (size + mappedGrowStep - 1) / mappedGrowStep * mappedGrowStep
	return v.remap(size)
}

func (v *Mapped) ReadAt(p []byte, off int64) (int, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.f == nil {
		return 0, ErrClosed
	}
	if off < 0 {
		return 0, io.ErrUnexpectedEOF
	}
	if off >= int64(len(v.m)) {
		return 0, io.EOF
	}
	n := copy(p, v.m[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (v *Mapped) WriteAt(p []byte, off int64) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.f == nil {
		return 0, ErrClosed
	}
	if err := v.grow(off + int64(len(p))); err != nil {
		return 0, err
	}
	return copy(v.m[off:], p), nil
}

func (v *Mapped) EnsureAvailable(size int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.f == nil {
		return ErrClosed
	}
	return v.grow(size)
}

func (v *Mapped) Length() int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return int64(len(v.m))
}

func (v *Mapped) Truncate(size int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.f == nil {
		return ErrClosed
	}
	return v.remap(size)
}

func (v *Mapped) Sync() error {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.f == nil {
		return ErrClosed
	}
	if v.m != nil {
		if err := v.m.Flush(); err != nil {
			return errors.Wrapf(err, "flush mapping of %s", v.path)
		}
	}
	return errors.Wrapf(v.f.Sync(), "sync %s", v.path)
}

func (v *Mapped) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.f == nil {
		return nil
	}

	var err error
	if v.m != nil {
		err = v.m.Unmap()
		v.m = nil
	}
	if cerr := v.f.Close(); err == nil {
		err = cerr
	}
	v.f = nil
	return errors.Wrapf(err, "close mapped volume %s", v.path)
}
