package volume

import (
	"github.com/pkg/errors"
	expmmap "golang.org/x/exp/mmap"
)

// ReadOnly maps a file for inspection. It never modifies the file, so it is
// safe to point at the log of a store that is still open elsewhere.
type ReadOnly struct {
	r    *expmmap.ReaderAt
	path string
}

var _ Volume = (*ReadOnly)(nil)

func OpenReadOnly(path string) (*ReadOnly, error) {
	r, err := expmmap.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "map %s read-only", path)
	}
	return &ReadOnly{r: r, path: path}, nil
}

func (v *ReadOnly) ReadAt(p []byte, off int64) (int, error) {
	return v.r.ReadAt(p, off)
}

func (v *ReadOnly) WriteAt([]byte, int64) (int, error) {
	return 0, ErrReadOnly
}

func (v *ReadOnly) EnsureAvailable(size int64) error {
	if size <= v.Length() {
		return nil
	}
	return ErrReadOnly
}

func (v *ReadOnly) Length() int64 {
	return int64(v.r.Len())
}

func (v *ReadOnly) Truncate(int64) error {
	return ErrReadOnly
}

func (v *ReadOnly) Sync() error {
	return nil
}

func (v *ReadOnly) Close() error {
	return errors.Wrapf(v.r.Close(), "unmap %s", v.path)
}
