package store

import (
	"encoding/binary"
	"slices"

	"github.com/pkg/errors"

	"walstore/pkg/dberrors"
	"walstore/pkg/volume"
)

var order = binary.BigEndian

type pageStart struct {
	offset int64
	page   int
}

// indexTable mirrors the committed index of the main file: header fields,
// page directory and slots. It changes only under the structural lock.
type indexTable struct {
	freePointer int64
	maxRecid    uint64

	pages [pageDirSlots]int64
	// starts is sorted by offset and maps a slot address back to its page
	starts []pageStart
	slots  []uint64
}

func newIndexTable() *indexTable {
	return &indexTable{freePointer: dataStart}
}

// initHeader formats an empty main volume.
func initHeader(v volume.Volume) error {
	if err := v.EnsureAvailable(dataStart); err != nil {
		return errors.Wrap(err, "allocate header")
	}
	if err := volume.PutInt(v, offMagic, headerMagic); err != nil {
		return err
	}
	if err := volume.PutInt(v, offFormat, formatVersion); err != nil {
		return err
	}
	if err := volume.PutLong(v, offFreePointer, dataStart); err != nil {
		return err
	}
	if err := volume.PutLong(v, offMaxRecid, 0); err != nil {
		return err
	}
	return volume.PutData(v, offPageDir, make([]byte, pageDirSlots*8))
}

// loadIndex reads the header, page directory and every index page.
func loadIndex(v volume.Volume) (*indexTable, error) {
	if v.Length() < dataStart {
		return nil, errors.Wrapf(dberrors.ErrCorruptHeader, "main file has %d bytes", v.Length())
	}
	magic, err := volume.GetInt(v, offMagic)
	if err != nil {
		return nil, err
	}
	if magic != headerMagic {
		return nil, errors.Wrapf(dberrors.ErrCorruptHeader, "magic %#x", magic)
	}
	format, err := volume.GetInt(v, offFormat)
	if err != nil {
		return nil, err
	}
	if format != formatVersion {
		return nil, errors.Wrapf(dberrors.ErrCorruptHeader, "format version %d", format)
	}

	t := newIndexTable()
	free, err := volume.GetLong(v, offFreePointer)
	if err != nil {
		return nil, err
	}
	if t.maxRecid, err = volume.GetLong(v, offMaxRecid); err != nil {
		return nil, err
	}
	t.freePointer = int64(free)
	if t.freePointer < dataStart || t.maxRecid > MaxRecid {
		return nil, errors.Wrapf(dberrors.ErrCorruptHeader,
			"free pointer %d, max recid %d", t.freePointer, t.maxRecid)
	}

	dir, err := volume.GetData(v, offPageDir, pageDirSlots*8)
	if err != nil {
		return nil, errors.Wrap(err, "read page directory")
	}
	for p := 0; p < pageDirSlots; p++ {
		off := int64(order.Uint64(dir[p*8:]))
		if off == 0 {
			continue
		}
		t.setPage(p, off)

		raw, err := volume.GetData(v, off, pageSize)
		if err != nil {
			return nil, errors.Wrapf(err, "read index page %d", p)
		}
		base := uint64(p) * pageSlots
		for s := 0; s < pageSlots; s++ {
			t.slots[base+uint64(s)] = order.Uint64(raw[s*8:])
		}
	}

	return t, nil
}

func (t *indexTable) get(recid uint64) uint64 {
	if recid >= uint64(len(t.slots)) {
		return 0
	}
	return t.slots[recid]
}

func (t *indexTable) set(recid, val uint64) {
	t.grow(pageOf(recid))
	t.slots[recid] = val
}

func (t *indexTable) grow(page int) {
	if need := (page + 1) * pageSlots; need > len(t.slots) {
		t.slots = append(t.slots, make([]uint64, need-len(t.slots))...)
	}
}

func (t *indexTable) setPage(p int, off int64) {
	if old := t.pages[p]; old != 0 {
		if i, ok := slices.BinarySearchFunc(t.starts, old, cmpStart); ok {
			t.starts = slices.Delete(t.starts, i, i+1)
		}
	}
	t.pages[p] = off
	if off == 0 {
		return
	}
	i, _ := slices.BinarySearchFunc(t.starts, off, cmpStart)
	t.starts = slices.Insert(t.starts, i, pageStart{offset: off, page: p})
	t.grow(p)
}

func cmpStart(s pageStart, off int64) int {
	switch {
	case s.offset < off:
		return -1
	case s.offset > off:
		return 1
	}
	return 0
}

// slotAddress returns the main file offset of the slot of recid, or false if
// its page is not allocated.
func (t *indexTable) slotAddress(recid uint64) (int64, bool) {
	p := pageOf(recid)
	if p >= pageDirSlots || t.pages[p] == 0 {
		return 0, false
	}
	return t.pages[p] + slotOf(recid), true
}

// recidAt resolves a main file offset to the recid whose slot it is.
func (t *indexTable) recidAt(off int64) (uint64, bool) {
	i, found := slices.BinarySearchFunc(t.starts, off, cmpStart)
	if !found {
		if i == 0 {
			return 0, false
		}
		i--
	}
	s := t.starts[i]
	if off < s.offset || off >= s.offset+pageSize || (off-s.offset)%8 != 0 {
		return 0, false
	}
	return uint64(s.page)*pageSlots + uint64(off-s.offset)/8, true
}

// applyLong mirrors an 8 byte write to the main file. It returns the recid
// when the write landed in an index slot.
func (t *indexTable) applyLong(off int64, val uint64) (uint64, bool) {
	switch {
	case off == offFreePointer:
		t.freePointer = int64(val)
	case off == offMaxRecid:
		t.maxRecid = val
	case off >= offPageDir && off < dataStart:
		t.setPage(int(off-offPageDir)/8, int64(val))
	default:
		if recid, ok := t.recidAt(off); ok {
			t.slots[recid] = val
			return recid, true
		}
	}
	return 0, false
}

// tombstones lists deleted recids in ascending order.
func (t *indexTable) tombstones() []uint64 {
	var out []uint64
	for recid := uint64(1); recid <= t.maxRecid && recid < uint64(len(t.slots)); recid++ {
		if t.slots[recid]&flagDeleted != 0 {
			out = append(out, recid)
		}
	}
	return out
}
