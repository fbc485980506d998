package store

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"walstore/pkg/dberrors"
	"walstore/pkg/volume"
	"walstore/pkg/wal"
)

// Compaction files live next to the log: the candidate is written under a
// unique temporary name, renamed to <base>.wal.c.compact once complete, and
// <base>.wal.c holds the seal deciding its fate.
const (
	sealSuffix      = "c"
	candidateSuffix = "c.compact"
	tempPrefix      = "c.compact-"

	sealAdopt   = wal.SealValue
	sealDiscard = wal.SealValue + 1

	compactCheckEvery = 256
)

// changeTracker collects recids committed while a compaction copies the
// main file, so they can be copied again before promotion.
type changeTracker struct {
	mu     sync.Mutex
	recids map[uint64]struct{}
}

func newChangeTracker() *changeTracker {
	return &changeTracker{recids: make(map[uint64]struct{})}
}

func (t *changeTracker) add(recid uint64) {
	t.mu.Lock()
	t.recids[recid] = struct{}{}
	t.mu.Unlock()
}

func (t *changeTracker) sorted() []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]uint64, 0, len(t.recids))
	for recid := range t.recids {
		out = append(out, recid)
	}
	slices.Sort(out)
	return out
}

func (s *Store) trackChange(recid uint64) {
	if t := s.tracker.Load(); t != nil {
		t.add(recid)
	}
}

// compactWriter builds a dense main file directly, without a log.
type compactWriter struct {
	dst     volume.Volume
	index   *indexTable
	garbage int64
}

func newCompactWriter(dst volume.Volume) (*compactWriter, error) {
	if err := dst.Truncate(0); err != nil {
		return nil, errors.Wrap(err, "reset compaction target")
	}
	if err := initHeader(dst); err != nil {
		return nil, err
	}
	return &compactWriter{dst: dst, index: newIndexTable()}, nil
}

func (w *compactWriter) slotAddress(recid uint64) (int64, error) {
	if addr, ok := w.index.slotAddress(recid); ok {
		return addr, nil
	}

	p := pageOf(recid)
	off := w.index.freePointer
	w.index.freePointer += pageSize
	if err := volume.PutData(w.dst, off, zeroPage); err != nil {
		return 0, err
	}
	if err := volume.PutLong(w.dst, offPageDir+int64(p)*8, uint64(off)); err != nil {
		return 0, err
	}
	w.index.setPage(p, off)
	return off + slotOf(recid), nil
}

// copy writes the committed state val of recid with the given body.
func (w *compactWriter) copy(recid, val uint64, body []byte) error {
	addr, err := w.slotAddress(recid)
	if err != nil {
		return err
	}

	prev, err := chainFootprint(w.dst, w.index.get(recid))
	if err != nil {
		return err
	}
	w.garbage += prev

	switch {
	case !live(val):
		val = flagDeleted
	case isNull(val):
		val = flagArchive
	default:
		var chunks []chunk
		val, chunks, w.index.freePointer = layoutRecord(body, w.index.freePointer, flagUnmodified)
		for _, c := range chunks {
			if err := volume.PutData(w.dst, c.offset, c.data); err != nil {
				return err
			}
		}
	}

	if err := volume.PutLong(w.dst, addr, val); err != nil {
		return err
	}
	w.index.set(recid, val)
	return nil
}

func (w *compactWriter) finish(maxRecid uint64) error {
	w.index.maxRecid = maxRecid
	if err := w.dst.EnsureAvailable(w.index.freePointer); err != nil {
		return err
	}
	if err := volume.PutLong(w.dst, offFreePointer, uint64(w.index.freePointer)); err != nil {
		return err
	}
	if err := volume.PutLong(w.dst, offMaxRecid, maxRecid); err != nil {
		return err
	}
	return errors.Wrap(w.dst.Sync(), "sync compacted file")
}

// copyRecord copies the committed state of recid from the main file.
func (s *Store) copyRecord(w *compactWriter, recid uint64) error {
	val := s.index.get(recid)
	if val == 0 {
		return nil
	}
	var body []byte
	if live(val) && !isNull(val) {
		b, err := readBody(s.vol, val)
		if err != nil {
			return errors.Wrapf(err, "read recid %d", recid)
		}
		body = b
	}
	return w.copy(recid, val, body)
}

// Compact rewrites the main file without garbage while transactions keep
// running. Commits that land during the copy are caught up before the
// result replaces the main file; the open transaction is carried over.
// Cancelling ctx before promotion abandons the result.
func (s *Store) Compact(ctx context.Context) error {
	if err := s.usable(); err != nil {
		return err
	}
	if !s.compactMu.TryLock() {
		return dberrors.ErrCompactionRunning
	}
	defer s.compactMu.Unlock()

	start := time.Now()
	err := s.compact(ctx)
	took := time.Since(start)

	log := s.logger.WithFields(logrus.Fields{"action": "compaction", "took": took})
	switch {
	case err == nil:
		s.metrics.Compacted("promoted", took)
		log.Info("compaction promoted")
	case ctx.Err() != nil:
		s.metrics.Compacted("aborted", took)
		log.WithError(err).Info("compaction aborted")
	default:
		s.metrics.Compacted("failed", took)
		log.WithError(err).Warn("compaction failed")
	}
	return err
}

func (s *Store) compact(ctx context.Context) error {
	var (
		dst      volume.Volume
		tempPath string
		err      error
	)
	if s.path == "" {
		dst = volume.NewMemory()
	} else {
		tempPath = wal.FileName(s.path, tempPrefix+uuid.NewString())
		if dst, err = s.factory(tempPath); err != nil {
			return errors.Wrap(err, "create compaction file")
		}
	}
	defer s.tracker.Store(nil)

	w, err := newCompactWriter(dst)
	if err != nil {
		return s.abandon(dst, tempPath, err)
	}
	if err := s.snapshot(ctx, w); err != nil {
		return s.abandon(dst, tempPath, err)
	}
	if err := dst.Sync(); err != nil {
		return s.abandon(dst, tempPath, errors.Wrap(err, "sync compaction file"))
	}

	s.commitLock.Lock()
	defer s.commitLock.Unlock()
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return s.abandon(dst, tempPath, err)
	}
	if err := s.usable(); err != nil {
		return s.abandon(dst, tempPath, err)
	}

	changed := s.tracker.Swap(nil).sorted()
	for _, recid := range changed {
		if err := s.copyRecord(w, recid); err != nil {
			return s.abandon(dst, tempPath, err)
		}
	}
	if err := w.finish(s.index.maxRecid); err != nil {
		return s.abandon(dst, tempPath, err)
	}

	if s.path == "" {
		old := s.vol
		s.vol, s.index = dst, w.index
		_ = old.Close()
	} else if err := s.promote(dst, tempPath); err != nil {
		return err
	}

	s.garbage.Store(w.garbage)
	s.logger.WithFields(logrus.Fields{
		"action":    "compaction_promote",
		"caught_up": len(changed),
		"size":      s.index.freePointer,
	}).Debug("compacted file promoted")
	return s.rebaseTx()
}

// snapshot copies every allocated recid under the structural read lock and
// installs the change tracker for commits that follow.
func (s *Store) snapshot(ctx context.Context, w *compactWriter) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	s.tracker.Store(newChangeTracker())
	for recid := uint64(1); recid <= s.index.maxRecid; recid++ {
		if recid%compactCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if err := s.copyRecord(w, recid); err != nil {
			return err
		}
	}
	return nil
}

// promote swaps the candidate in for the main file. Once the adopt seal is
// written the candidate wins, even across a crash.
func (s *Store) promote(dst volume.Volume, tempPath string) error {
	candidate := wal.FileName(s.path, candidateSuffix)
	seal := wal.FileName(s.path, sealSuffix)

	if err := dst.Close(); err != nil {
		return s.abandon(nil, tempPath, errors.Wrap(err, "close compaction file"))
	}
	if err := os.Rename(tempPath, candidate); err != nil {
		return s.abandon(nil, tempPath, errors.Wrap(err, "rename compaction file"))
	}
	if err := writeSeal(seal, sealAdopt); err != nil {
		return s.abandon(nil, candidate, errors.Wrap(err, "seal compaction file"))
	}

	if err := s.vol.Close(); err != nil {
		s.logger.WithField("action", "compaction_promote").WithError(err).Warn("close replaced main file")
	}
	if err := os.Rename(candidate, s.path); err != nil {
		return s.fail(errors.Wrap(err, "replace main file"))
	}
	if err := os.Remove(seal); err != nil {
		s.logger.WithField("action", "compaction_promote").WithError(err).Warn("remove seal file")
	}

	vol, err := s.factory(s.path)
	if err != nil {
		return s.fail(errors.Wrap(err, "reopen main file"))
	}
	index, err := loadIndex(vol)
	if err != nil {
		_ = vol.Close()
		return s.fail(errors.Wrap(err, "reload index"))
	}
	s.vol, s.index = vol, index
	return nil
}

// abandon marks the candidate for discard, removes it and returns cause.
func (s *Store) abandon(dst volume.Volume, path string, cause error) error {
	if dst != nil {
		_ = dst.Close()
	}
	if path == "" {
		return cause
	}

	log := s.logger.WithField("action", "compaction_abandon")
	seal := wal.FileName(s.path, sealSuffix)
	if err := writeSeal(seal, sealDiscard); err != nil {
		log.WithError(err).Warn("write discard seal")
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("remove compaction file")
	}
	if err := os.Remove(seal); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("remove seal file")
	}
	return cause
}

// rebaseTx moves the open transaction onto the new layout: its log
// addressed space in the old file, so every pending value is logged again.
func (s *Store) rebaseTx() error {
	old := s.tx
	if !old.dirty {
		s.resetTx()
		return nil
	}

	type carried struct {
		recid uint64
		pw    *pendingWrite
		data  []byte
	}
	var (
		items   []carried
		readErr error
	)
	s.pending.Range(func(recid uint64, pw *pendingWrite) bool {
		var data []byte
		if pw.kind == pendingRecord && !isNull(pw.val) {
			if data, readErr = s.readPending(recid, pw); readErr != nil {
				return false
			}
		}
		items = append(items, carried{recid: recid, pw: pw, data: data})
		return true
	})
	if readErr != nil {
		return s.fail(errors.Wrap(readErr, "read open transaction"))
	}
	if err := s.wal.Destroy(); err != nil {
		return s.fail(errors.Wrap(err, "discard log of open transaction"))
	}

	s.resetTx()
	s.tx.maxRecid = old.maxRecid
	s.tx.free = old.free
	s.tx.dirty = true

	for _, it := range items {
		var err error
		switch it.pw.kind {
		case pendingRecord:
			err = s.writeRecord(it.recid, it.data)
		case pendingDeleted:
			err = s.writeTombstone(it.recid)
		case pendingPreallocated:
			err = s.writePreallocate(it.recid)
		}
		if err != nil {
			return s.fail(errors.Wrapf(err, "carry recid %d over compaction", it.recid))
		}
	}
	return nil
}

func writeSeal(path string, value uint64) error {
	v, err := volume.OpenFile(path)
	if err != nil {
		return err
	}
	err = v.Truncate(0)
	if err == nil {
		err = volume.PutInt(v, 0, wal.HeaderMagic)
	}
	if err == nil {
		err = volume.PutLong(v, 8, value)
	}
	if err == nil {
		err = v.Sync()
	}
	if cerr := v.Close(); err == nil {
		err = cerr
	}
	return err
}

func readSeal(path string) (uint64, bool) {
	raw, err := os.ReadFile(path)
	if err != nil || len(raw) < 16 || order.Uint32(raw) != wal.HeaderMagic {
		return 0, false
	}
	return order.Uint64(raw[8:]), true
}

// recoverCompaction settles an interrupted compaction before the main file
// is opened. It reports whether a sealed candidate replaced the main file.
func recoverCompaction(path string, logger logrus.FieldLogger) (bool, error) {
	log := logger.WithField("action", "compaction_recover")
	seal := wal.FileName(path, sealSuffix)
	candidate := wal.FileName(path, candidateSuffix)

	value, sealed := readSeal(seal)
	_, statErr := os.Stat(candidate)
	haveCandidate := statErr == nil

	adopted := false
	switch {
	case haveCandidate && sealed && value == sealAdopt:
		if err := os.Rename(candidate, path); err != nil {
			return false, errors.Wrap(err, "adopt compacted file")
		}
		adopted = true
		log.Info("adopted sealed compaction result")
	case haveCandidate:
		if err := os.Remove(candidate); err != nil {
			return false, errors.Wrap(err, "remove unsealed compaction result")
		}
		log.Info("discarded unsealed compaction result")
	}

	if err := os.Remove(seal); err != nil && !os.IsNotExist(err) {
		return false, errors.Wrap(err, "remove seal file")
	}

	temps, err := filepath.Glob(wal.FileName(path, tempPrefix+"*"))
	if err != nil {
		return false, errors.Wrap(err, "list compaction temp files")
	}
	for _, tmp := range temps {
		if err := os.Remove(tmp); err != nil {
			return false, errors.Wrapf(err, "remove %s", tmp)
		}
	}
	return adopted, nil
}
