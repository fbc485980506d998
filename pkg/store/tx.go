package store

import (
	"github.com/pkg/errors"
	"github.com/zhangyunhao116/skipmap"

	"walstore/pkg/dberrors"
	"walstore/pkg/volume"
	"walstore/pkg/wal"
)

type pendingKind uint8

const (
	pendingRecord pendingKind = iota
	pendingDeleted
	pendingPreallocated
)

// pendingWrite is the uncommitted state of one recid. Values are replaced,
// never mutated, so readers can use them without the transaction lock.
type pendingWrite struct {
	kind pendingKind
	val  uint64
	// ptr locates a single chunk body, chunks the bodies of a linked record
	ptr    wal.LogPointer
	chunks []chunkRef
	// footprint is the allocated size of the body in the main file
	footprint int64
}

type chunkRef struct {
	ptr    wal.LogPointer
	offset int64
}

type pendingSet = skipmap.FuncMap[uint64, *pendingWrite]

func newPendingSet() *pendingSet {
	return skipmap.NewFunc[uint64, *pendingWrite](func(a, b uint64) bool {
		return a < b
	})
}

// txState is the allocation state of the open transaction. It starts as a
// copy of the committed state and is thrown away by rollback.
type txState struct {
	freePointer int64
	maxRecid    uint64
	free        []uint64
	deleted     []uint64
	pages       map[int]int64
	garbage     int64
	dirty       bool
}

func newTxState(idx *indexTable, free []uint64) *txState {
	return &txState{
		freePointer: idx.freePointer,
		maxRecid:    idx.maxRecid,
		free:        append([]uint64(nil), free...),
		pages:       make(map[int]int64),
	}
}

// slot returns the index value of recid as the open transaction sees it.
func (s *Store) slot(recid uint64) uint64 {
	if pw, ok := s.pending.Load(recid); ok {
		return pw.val
	}
	return s.index.get(recid)
}

// footprintOf returns the space held by the current body of recid.
func (s *Store) footprintOf(recid uint64) (int64, error) {
	if pw, ok := s.pending.Load(recid); ok {
		return pw.footprint, nil
	}
	return chainFootprint(s.vol, s.index.get(recid))
}

// chainFootprint walks a committed record and sums its allocated chunks.
func chainFootprint(v volume.Volume, val uint64) (int64, error) {
	var total int64
	for live(val) && indexOffset(val) != 0 {
		total += round16(int64(indexSize(val)))
		if !linked(val) {
			break
		}
		next, err := volume.GetLong(v, indexOffset(val))
		if err != nil {
			return 0, errors.Wrap(err, "follow record chain")
		}
		val = next
	}
	return total, nil
}

func (s *Store) allocRecid() (uint64, error) {
	tx := s.tx
	if n := len(tx.free); n > 0 {
		recid := tx.free[n-1]
		if live(s.slot(recid)) {
			return 0, errors.Wrapf(dberrors.ErrRecidInUse, "free list holds recid %d", recid)
		}
		tx.free = tx.free[:n-1]
		return recid, nil
	}
	if tx.maxRecid >= MaxRecid {
		return 0, errors.Wrap(dberrors.ErrInvalidArgument, "recid space exhausted")
	}
	tx.maxRecid++
	return tx.maxRecid, nil
}

// ensurePage returns the slot address of recid, logging the allocation of
// its index page when neither the committed index nor the transaction has
// one yet.
func (s *Store) ensurePage(recid uint64) (int64, error) {
	if addr, ok := s.index.slotAddress(recid); ok {
		return addr, nil
	}

	p := pageOf(recid)
	tx := s.tx
	if off, ok := tx.pages[p]; ok {
		return off + slotOf(recid), nil
	}

	off := tx.freePointer
	tx.freePointer += pageSize
	tx.pages[p] = off
	tx.dirty = true

	if err := s.wal.PutLong(offPageDir+int64(p)*8, uint64(off)); err != nil {
		return 0, s.failAppend(err)
	}
	if _, err := s.wal.PutByteArray(off, zeroPage); err != nil {
		return 0, s.failAppend(err)
	}
	return off + slotOf(recid), nil
}

// failAppend poisons the store after a failed log append. Entries logged
// earlier in the same mutation stay in the open transaction and would be
// applied half done by the next commit.
func (s *Store) failAppend(err error) error {
	return s.fail(errors.Wrap(err, "append to write-ahead log"))
}

// inPlace reports whether a body of n bytes can overwrite the current one.
func inPlace(old uint64, n int) bool {
	return live(old) && !linked(old) && indexOffset(old) != 0 &&
		round16(int64(n)) <= round16(int64(indexSize(old)))
}

// writeRecord logs the new body of recid. The index patch always precedes
// the body so that applying the body can find its offset in the slot.
func (s *Store) writeRecord(recid uint64, data []byte) error {
	old := s.slot(recid)
	oldFootprint, err := s.footprintOf(recid)
	if err != nil {
		return err
	}
	addr, err := s.ensurePage(recid)
	if err != nil {
		return err
	}

	tx := s.tx

	pw := &pendingWrite{kind: pendingRecord}
	var chunks []chunk
	switch {
	case data == nil:
		pw.val = flagArchive
	case len(data) <= maxChunkSize && inPlace(old, len(data)):
		pw.val = composeIndexVal(len(data), indexOffset(old), 0)
		pw.footprint = oldFootprint
		oldFootprint = 0
	default:
		pw.val, chunks, tx.freePointer = layoutRecord(data, tx.freePointer, 0)
		for _, c := range chunks {
			pw.footprint += round16(int64(len(c.data)))
		}
	}
	tx.garbage += oldFootprint
	tx.dirty = true

	if err := s.wal.PutLong(addr, pw.val); err != nil {
		return s.failAppend(err)
	}
	if linked(pw.val) {
		for _, c := range chunks {
			ptr, err := s.wal.PutByteArray(c.offset, c.data)
			if err != nil {
				return s.failAppend(err)
			}
			pw.chunks = append(pw.chunks, chunkRef{ptr: ptr, offset: c.offset})
		}
	} else {
		if pw.ptr, err = s.wal.PutRecord(recid, data); err != nil {
			return s.failAppend(err)
		}
	}

	s.pending.Store(recid, pw)
	return nil
}

func (s *Store) writeTombstone(recid uint64) error {
	footprint, err := s.footprintOf(recid)
	if err != nil {
		return err
	}
	if _, err := s.ensurePage(recid); err != nil {
		return err
	}

	tx := s.tx
	tx.garbage += footprint
	tx.deleted = append(tx.deleted, recid)
	tx.dirty = true

	if err := s.wal.PutTombstone(recid); err != nil {
		return s.failAppend(err)
	}
	s.pending.Store(recid, &pendingWrite{kind: pendingDeleted, val: flagDeleted})
	return nil
}

func (s *Store) writePreallocate(recid uint64) error {
	if _, err := s.ensurePage(recid); err != nil {
		return err
	}
	s.tx.dirty = true

	if err := s.wal.PutPreallocate(recid); err != nil {
		return s.failAppend(err)
	}
	s.pending.Store(recid, &pendingWrite{kind: pendingPreallocated, val: flagArchive})
	return nil
}

// readPending resolves an uncommitted value through the log.
func (s *Store) readPending(recid uint64, pw *pendingWrite) ([]byte, error) {
	switch {
	case pw.kind == pendingDeleted:
		return nil, errors.Wrapf(dberrors.ErrRecordNotFound, "recid %d", recid)
	case isNull(pw.val):
		return nil, nil
	case linked(pw.val):
		bodies := make([][]byte, len(pw.chunks))
		for i, c := range pw.chunks {
			b, err := s.wal.GetByteArray(c.ptr, c.offset)
			if err != nil {
				return nil, err
			}
			bodies[i] = b
		}
		return joinChunks(bodies), nil
	default:
		return s.wal.GetRecord(pw.ptr, recid)
	}
}
