// Package volume provides byte-addressable storage used by both the
// write-ahead log and the main store file.
//
// A Volume is a growable random access region. Bytes that were made available
// through EnsureAvailable but never written read back as zero, which lets the
// log use a zero tag as its end marker.
package volume

import (
	"encoding/binary"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

const (
	hashBufSize = 64 * 1024
	copyBufSize = 1024 * 1024
)

// all fixed width values are stored big-endian
var order = binary.BigEndian

var (
	ErrReadOnly = errors.New("volume is read-only")
	ErrClosed   = errors.New("volume is closed")
)

// Volume is the storage primitive. Offsets are absolute byte positions;
// callers are responsible for alignment.
type Volume interface {
	io.ReaderAt
	io.WriterAt

	// EnsureAvailable grows the volume so that [0, size) is addressable.
	EnsureAvailable(size int64) error
	Length() int64
	Truncate(size int64) error
	Sync() error
	Close() error
}

// Factory opens the volume backing path.
type Factory func(path string) (Volume, error)

type Kind string

const (
	KindFile   Kind = "file"
	KindMapped Kind = "mmap"
	KindMemory Kind = "memory"
)

// FactoryFor returns the Factory for a configured volume kind.
func FactoryFor(kind Kind) (Factory, error) {
	switch kind {
	case KindFile, "":
		return func(path string) (Volume, error) { return OpenFile(path) }, nil
	case KindMapped:
		return func(path string) (Volume, error) { return OpenMapped(path) }, nil
	case KindMemory:
		return func(string) (Volume, error) { return NewMemory(), nil }, nil
	default:
		return nil, errors.Errorf("unknown volume kind %q", kind)
	}
}

func readFull(v io.ReaderAt, p []byte, off int64) error {
	n, err := v.ReadAt(p, off)
	if n == len(p) {
		return nil
	}
	if err == nil || err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return errors.Wrapf(err, "read %d bytes at offset %d", len(p), off)
}

func writeFull(v io.WriterAt, p []byte, off int64) error {
	n, err := v.WriteAt(p, off)
	if err != nil {
		return errors.Wrapf(err, "write %d bytes at offset %d", len(p), off)
	}
	if n != len(p) {
		return errors.Wrapf(io.ErrShortWrite, "write %d bytes at offset %d", len(p), off)
	}
	return nil
}

func GetByte(v Volume, off int64) (byte, error) {
	var b [1]byte
	if err := readFull(v, b[:], off); err != nil {
		return 0, err
	}
	return b[0], nil
}

func PutByte(v Volume, off int64, b byte) error {
	return writeFull(v, []byte{b}, off)
}

func GetInt(v Volume, off int64) (uint32, error) {
	var b [4]byte
	if err := readFull(v, b[:], off); err != nil {
		return 0, err
	}
	return order.Uint32(b[:]), nil
}

func PutInt(v Volume, off int64, val uint32) error {
	var b [4]byte
	order.PutUint32(b[:], val)
	return writeFull(v, b[:], off)
}

func GetLong(v Volume, off int64) (uint64, error) {
	var b [8]byte
	if err := readFull(v, b[:], off); err != nil {
		return 0, err
	}
	return order.Uint64(b[:]), nil
}

func PutLong(v Volume, off int64, val uint64) error {
	var b [8]byte
	order.PutUint64(b[:], val)
	return writeFull(v, b[:], off)
}

// GetData reads exactly n bytes starting at off.
func GetData(v Volume, off int64, n int) ([]byte, error) {
	buf := make([]byte, n)
	if err := readFull(v, buf, off); err != nil {
		return nil, err
	}
	return buf, nil
}

func PutData(v Volume, off int64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return writeFull(v, data, off)
}

// Hash computes a seeded xxhash64 over [off, off+length).
func Hash(v Volume, off, length int64, seed uint64) (uint64, error) {
	if length < 0 || off < 0 {
		return 0, errors.Errorf("invalid hash range off=%d length=%d", off, length)
	}

	d := xxhash.NewWithSeed(seed)
	buf := make([]byte, min(length, hashBufSize))
	for length > 0 {
		n := min(length, int64(len(buf)))
		if err := readFull(v, buf[:n], off); err != nil {
			return 0, errors.Wrap(err, "hash volume range")
		}
		_, _ = d.Write(buf[:n])
		off += n
		length -= n
	}
	return d.Sum64(), nil
}

// CopyEntireVolumeTo copies every addressable byte of src into dst at the
// same offsets.
func CopyEntireVolumeTo(src, dst Volume) error {
	size := src.Length()
	if err := dst.EnsureAvailable(size); err != nil {
		return errors.Wrap(err, "grow copy target")
	}

	buf := make([]byte, min(size, copyBufSize))
	for off := int64(0); off < size; {
		n := min(size-off, int64(len(buf)))
		if err := readFull(src, buf[:n], off); err != nil {
			return errors.Wrap(err, "copy volume")
		}
		if err := writeFull(dst, buf[:n], off); err != nil {
			return errors.Wrap(err, "copy volume")
		}
		off += n
	}
	return nil
}

// CopyRange copies n bytes from src at srcOff to dst at dstOff.
func CopyRange(src Volume, srcOff int64, dst Volume, dstOff, n int64) error {
	buf := make([]byte, min(n, copyBufSize))
	for n > 0 {
		k := min(n, int64(len(buf)))
		if err := readFull(src, buf[:k], srcOff); err != nil {
			return errors.Wrap(err, "copy range")
		}
		if err := writeFull(dst, buf[:k], dstOff); err != nil {
			return errors.Wrap(err, "copy range")
		}
		srcOff += k
		dstOff += k
		n -= k
	}
	return nil
}
