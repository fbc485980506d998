package wal

import (
	"github.com/pkg/errors"

	"walstore/pkg/dberrors"
	"walstore/pkg/volume"
)

// GetRecord reads back the body written by PutRecord. The zero pointer and
// logged null records yield a nil slice; an empty record yields an empty,
// non-nil slice.
func (w *WAL) GetRecord(ptr LogPointer, recid uint64) ([]byte, error) {
	if ptr.IsNull() {
		return nil, nil
	}
	return w.readPayload(ptr, KindRecord, recid)
}

// GetByteArray reads back the bytes written by PutByteArray.
func (w *WAL) GetByteArray(ptr LogPointer, offset int64) ([]byte, error) {
	return w.readPayload(ptr, KindByteArray, uint64(offset))
}

func (w *WAL) readPayload(ptr LogPointer, kind Kind, key uint64) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil, dberrors.ErrClosed
	}

	file, pos := ptr.File(), ptr.Offset()
	if file >= len(w.volumes) || pos < headerSize {
		return nil, errors.Wrapf(dberrors.ErrPointerMismatch, "pointer %s out of range", ptr)
	}

	v := w.volumes[file]
	head, err := volume.GetData(v, pos, payloadHeader)
	if err != nil {
		return nil, errors.Wrapf(err, "read entry at %s", ptr)
	}
	if Kind(head[0]) != kind || order.Uint64(head[1:]) != key {
		return nil, errors.Wrapf(dberrors.ErrPointerMismatch,
			"pointer %s holds %s for %d, want %s for %d", ptr, Kind(head[0]), order.Uint64(head[1:]), kind, key)
	}

	total := order.Uint32(head[9:])
	if total == nullLength {
		return nil, nil
	}
	frag := order.Uint32(head[13:])

	data, err := volume.GetData(v, pos+payloadHeader, int(frag))
	if err != nil {
		return nil, errors.Wrapf(err, "read payload at %s", ptr)
	}

	for uint32(len(data)) < total {
		file++
		if file >= len(w.volumes) {
			return nil, errors.Errorf("payload at %s is missing %d bytes", ptr, total-uint32(len(data)))
		}
		rest, err := readContinue(w.volumes[file])
		if err != nil {
			return nil, errors.Wrapf(err, "read continuation of %s", ptr)
		}
		data = append(data, rest...)
	}
	return data, nil
}

// readContinue reads the CONTINUE entry at the start of a segment.
func readContinue(v volume.Volume) ([]byte, error) {
	head, err := volume.GetData(v, headerSize, continueHeader)
	if err != nil {
		return nil, err
	}
	if Kind(head[0]) != kindContinue {
		return nil, errors.Errorf("expected %s entry, found %s", kindContinue, Kind(head[0]))
	}
	return volume.GetData(v, headerSize+continueHeader, int(order.Uint32(head[1:])))
}
