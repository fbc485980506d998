// Package wal implements the write-ahead log of the store.
//
// The log is an ordered set of segment files named <base>.wal.0,
// <base>.wal.1, ... Each file starts with a 24 byte header (magic, format,
// seal, tail checksum) followed by tagged entries. Commit and rollback
// markers carry a rolling checksum of every byte written to the same file
// since the previous marker, so replay can find the point where an
// interrupted write left garbage. A file is sealed once it is complete; the
// seal comes with a checksum of the entries after the last marker, which is
// how a transaction continues across a rollover.
package wal

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"walstore/pkg/dberrors"
	"walstore/pkg/metrics"
	"walstore/pkg/volume"
)

// ReplayMode decides what Open does with segments left by a previous run.
type ReplayMode int

const (
	// ReplayAuto keeps existing segments so they can be replayed.
	ReplayAuto ReplayMode = iota
	// ReplayNone removes existing segments and starts clean.
	ReplayNone
)

type Options struct {
	// MaxFileSize bounds every segment file. Payloads that do not fit into a
	// single file are split across consecutive files.
	MaxFileSize int64
	// Factory opens segment files. Defaults to sequential file volumes.
	Factory volume.Factory
	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics
}

func (o *Options) setDefaults() {
	if o.MaxFileSize <= 0 {
		o.MaxFileSize = DefaultMaxFileSize
	}
	if o.MaxFileSize < minMaxFileSize {
		o.MaxFileSize = minMaxFileSize
	}
	if o.Factory == nil {
		o.Factory = func(path string) (volume.Volume, error) {
			return volume.OpenSequentialFile(path)
		}
	}
	if o.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		o.Logger = l
	}
}

// WAL is the write-ahead log. Appends are serialized internally; the store
// guarantees at most one transaction writes at a time.
type WAL struct {
	mu     sync.Mutex
	base   string
	opts   Options
	logger logrus.FieldLogger

	volumes []volume.Volume
	cur     volume.Volume
	fileNum int
	offset  int64
	// markEnd is where the checksum range of the next marker starts
	markEnd  int64
	checksum uint32
	sealed   bool

	readOnly bool
	closed   bool
}

// FileName returns the name of a file that belongs to the log of base, e.g.
// FileName(base, "0") for the first segment.
func FileName(base, suffix string) string {
	return base + ".wal." + suffix
}

// Open attaches to the log of base. An empty base gives an in-memory log.
// Segment files are created lazily by the first append.
func Open(base string, mode ReplayMode, opts Options) (*WAL, error) {
	opts.setDefaults()

	w := &WAL{
		base:    base,
		opts:    opts,
		logger:  opts.Logger.WithField("component", "wal"),
		fileNum: -1,
	}

	if base == "" {
		return w, nil
	}

	existing := existingSegments(base)
	if mode == ReplayNone {
		for _, path := range existing {
			if err := os.Remove(path); err != nil {
				return nil, errors.Wrapf(err, "remove stale segment %s", path)
			}
		}
		return w, nil
	}

	for _, path := range existing {
		v, err := opts.Factory(path)
		if err != nil {
			_ = w.closeVolumes()
			return nil, errors.Wrapf(err, "open segment %s", path)
		}
		w.volumes = append(w.volumes, v)
	}
	if len(existing) > 0 {
		w.logger.WithField("action", "wal_open").
			WithField("segments", len(existing)).
			Info("found write-ahead log segments from a previous run")
	}

	return w, nil
}

// OpenReadOnly maps the existing segments of base for inspection.
func OpenReadOnly(base string, logger logrus.FieldLogger) (*WAL, error) {
	opts := Options{Logger: logger}
	opts.setDefaults()

	w := &WAL{
		base:     base,
		opts:     opts,
		logger:   opts.Logger.WithField("component", "wal"),
		fileNum:  -1,
		readOnly: true,
	}
	for _, path := range existingSegments(base) {
		v, err := volume.OpenReadOnly(path)
		if err != nil {
			_ = w.closeVolumes()
			return nil, err
		}
		w.volumes = append(w.volumes, v)
	}
	return w, nil
}

// existingSegments lists <base>.wal.0 .. <base>.wal.N without gaps.
func existingSegments(base string) []string {
	var paths []string
	for i := 0; ; i++ {
		path := FileName(base, fmt.Sprint(i))
		if _, err := os.Stat(path); err != nil {
			return paths
		}
		paths = append(paths, path)
	}
}

// HasSegments reports whether the log holds any segment file, either left
// over from a previous run or written by this one.
func (w *WAL) HasSegments() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.volumes) > 0
}

// SegmentCount returns the number of segments, in memory or on disk.
func (w *WAL) SegmentCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.volumes)
}

// Files returns the paths of the current segment files.
func (w *WAL) Files() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.base == "" {
		return nil
	}
	paths := make([]string, len(w.volumes))
	for i := range w.volumes {
		paths[i] = FileName(w.base, fmt.Sprint(i))
	}
	return paths
}

// Offset returns the write position inside the current segment.
func (w *WAL) Offset() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.offset
}

func (w *WAL) checkWritable() error {
	if w.closed {
		return dberrors.ErrClosed
	}
	if w.readOnly {
		return volume.ErrReadOnly
	}
	return nil
}

// StartNextFile seals the current segment, if any, and begins the next one.
func (w *WAL) StartNextFile() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.checkWritable(); err != nil {
		return err
	}
	return w.startNextFile()
}

func (w *WAL) startNextFile() error {
	if w.cur != nil && !w.sealed {
		if err := w.sealCurrent(); err != nil {
			return err
		}
	}

	num := len(w.volumes)
	var (
		v   volume.Volume
		err error
	)
	if w.base == "" {
		v = volume.NewMemory()
	} else {
		v, err = w.opts.Factory(FileName(w.base, fmt.Sprint(num)))
		if err != nil {
			return errors.Wrapf(err, "open segment %d", num)
		}
		if err := v.Truncate(0); err != nil {
			return errors.Wrapf(err, "reset segment %d", num)
		}
	}

	if err := volume.PutInt(v, 0, HeaderMagic); err != nil {
		return errors.Wrap(err, "write segment header")
	}
	if err := volume.PutInt(v, 4, formatVersion); err != nil {
		return errors.Wrap(err, "write segment header")
	}
	if err := volume.PutLong(v, sealOffset, 0); err != nil {
		return errors.Wrap(err, "write segment header")
	}
	if err := volume.PutLong(v, tailSumOffset, 0); err != nil {
		return errors.Wrap(err, "write segment header")
	}

	w.volumes = append(w.volumes, v)
	w.cur = v
	w.fileNum = num
	w.offset = headerSize
	w.markEnd = headerSize
	w.checksum = 0
	w.sealed = false

	w.opts.Metrics.SegmentStarted()
	w.logger.WithField("action", "wal_rollover").
		WithField("segment", num).
		Debug("started write-ahead log segment")
	return nil
}

// sealCurrent makes everything written so far durable and then writes the
// seal, so a present seal always implies complete content.
func (w *WAL) sealCurrent() error {
	h, err := volume.Hash(w.cur, w.markEnd, w.offset-w.markEnd, uint64(w.fileNum+1))
	if err != nil {
		return errors.Wrapf(err, "checksum tail of segment %d", w.fileNum)
	}
	if err := volume.PutInt(w.cur, tailSumOffset, w.checksum+LongHash(h)); err != nil {
		return errors.Wrapf(err, "write tail checksum of segment %d", w.fileNum)
	}
	if err := w.cur.Sync(); err != nil {
		return errors.Wrapf(err, "sync segment %d before seal", w.fileNum)
	}
	if err := volume.PutLong(w.cur, sealOffset, SealValue); err != nil {
		return errors.Wrapf(err, "seal segment %d", w.fileNum)
	}
	if err := w.cur.Sync(); err != nil {
		return errors.Wrapf(err, "sync seal of segment %d", w.fileNum)
	}
	w.sealed = true
	return nil
}

// Seal finalizes the current segment. Appends after Seal go to a new file.
func (w *WAL) Seal() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.checkWritable(); err != nil {
		return err
	}
	if w.cur == nil || w.sealed {
		return nil
	}
	return w.sealCurrent()
}

// room makes sure n contiguous bytes fit into the current segment.
func (w *WAL) room(n int64) error {
	if w.cur == nil || w.sealed || w.offset+n > w.opts.MaxFileSize {
		return w.startNextFile()
	}
	return nil
}

func (w *WAL) write(b []byte) error {
	if err := volume.PutData(w.cur, w.offset, b); err != nil {
		return errors.Wrapf(err, "append to segment %d", w.fileNum)
	}
	w.offset += int64(len(b))
	w.opts.Metrics.AddWALBytes(len(b))
	return nil
}

func (w *WAL) putSmall(b []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.checkWritable(); err != nil {
		return err
	}
	if err := w.room(int64(len(b))); err != nil {
		return err
	}
	return w.write(b)
}

// PutLong logs an 8 byte value to be written at offset of the main volume.
func (w *WAL) PutLong(offset int64, value uint64) error {
	return w.putSmall(encodeLong(offset, value))
}

func (w *WAL) PutTombstone(recid uint64) error {
	return w.putSmall(encodeRecid(KindTombstone, recid))
}

func (w *WAL) PutPreallocate(recid uint64) error {
	return w.putSmall(encodeRecid(KindPreallocate, recid))
}

// PutRecord logs a whole record body for recid. A nil data logs a null
// record and returns the zero pointer.
func (w *WAL) PutRecord(recid uint64, data []byte) (LogPointer, error) {
	total := uint32(len(data))
	if data == nil {
		total = nullLength
	}
	ptr, err := w.putPayload(KindRecord, recid, total, data)
	if err != nil || data == nil {
		return 0, err
	}
	return ptr, nil
}

// PutByteArray logs raw bytes to be placed at offset of the main volume.
func (w *WAL) PutByteArray(offset int64, data []byte) (LogPointer, error) {
	return w.putPayload(KindByteArray, uint64(offset), uint32(len(data)), data)
}

func (w *WAL) putPayload(kind Kind, key uint64, total uint32, data []byte) (LogPointer, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.checkWritable(); err != nil {
		return 0, err
	}
	if int64(len(data)) >= int64(nullLength) {
		return 0, errors.Wrapf(dberrors.ErrInvalidArgument, "payload of %d bytes", len(data))
	}

	var (
		limit    = w.opts.MaxFileSize
		capacity = limit - headerSize
		need     = int64(payloadHeader + len(data))
		open     = w.cur != nil && !w.sealed
	)
	if !open || w.offset+need > limit {
		// Payloads that fit a fresh file are never split. Larger ones start
		// here if at least one byte fits after the entry header.
		if need <= capacity || !open || w.offset+payloadHeader+1 > limit {
			if err := w.startNextFile(); err != nil {
				return 0, err
			}
		}
	}

	ptr := NewLogPointer(w.fileNum, w.offset)
	frag := min(int64(len(data)), limit-w.offset-payloadHeader)
	if err := w.write(encodePayload(kind, key, total, data[:frag])); err != nil {
		return 0, err
	}

	rest := data[frag:]
	for len(rest) > 0 {
		if err := w.startNextFile(); err != nil {
			return 0, err
		}
		frag = min(int64(len(rest)), limit-w.offset-continueHeader)
		if err := w.write(encodeContinue(rest[:frag])); err != nil {
			return 0, err
		}
		rest = rest[frag:]
	}

	return ptr, nil
}

// Commit appends a commit marker and syncs the segment. Once Commit returns
// the transaction survives a crash.
func (w *WAL) Commit() error {
	return w.putMarker(KindCommit)
}

// Rollback appends a rollback marker. Entries before it stay in the log but
// are never applied.
func (w *WAL) Rollback() error {
	return w.putMarker(KindRollback)
}

func (w *WAL) putMarker(kind Kind) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.checkWritable(); err != nil {
		return err
	}
	if err := w.room(markerEntrySize); err != nil {
		return err
	}

	h, err := volume.Hash(w.cur, w.markEnd, w.offset-w.markEnd, uint64(w.fileNum+1))
	if err != nil {
		return errors.Wrapf(err, "checksum %s range", kind)
	}
	w.checksum += LongHash(h)

	if err := w.write(encodeMarker(kind, w.checksum)); err != nil {
		return err
	}
	w.markEnd = w.offset

	if err := w.cur.Sync(); err != nil {
		return errors.Wrapf(err, "sync %s marker", kind)
	}
	return nil
}

// Destroy closes and removes every segment. The next append starts again
// with segment 0.
func (w *WAL) Destroy() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.readOnly {
		return volume.ErrReadOnly
	}

	count := len(w.volumes)
	result := w.closeVolumes()
	if w.base != "" {
		for i := 0; i < count; i++ {
			path := FileName(w.base, fmt.Sprint(i))
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				result = multierror.Append(result, errors.Wrapf(err, "remove segment %s", path))
			}
		}
	}

	w.cur = nil
	w.fileNum = -1
	w.offset = 0
	w.markEnd = 0
	w.checksum = 0
	w.sealed = false

	if result != nil {
		return result
	}
	return nil
}

// Close syncs and releases the segments without removing them; a later
// Open can still replay their content.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	var result error
	if w.cur != nil && !w.readOnly {
		if err := w.cur.Sync(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "sync segment on close"))
		}
	}
	if err := w.closeVolumes(); err != nil {
		result = multierror.Append(result, err)
	}
	return result
}

// closeVolumes closes and forgets every volume. It returns nil or a
// *multierror.Error.
func (w *WAL) closeVolumes() error {
	var result *multierror.Error
	for i, v := range w.volumes {
		if err := v.Close(); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "close segment %d", i))
		}
	}
	w.volumes = nil
	w.cur = nil
	return result.ErrorOrNil()
}
