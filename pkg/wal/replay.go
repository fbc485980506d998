package wal

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"walstore/pkg/volume"
)

// Event is one replayed log entry. Which fields are set depends on Kind:
//
//	LONG            Offset, Value
//	BYTE_ARRAY      Offset, Volume/VolumeOffset/Length
//	RECORD          Recid, Pointer, Volume/VolumeOffset/Length (Volume nil for null)
//	TOMBSTONE       Recid
//	PREALLOCATE     Recid
//	COMMIT/ROLLBACK none
//
// Payload volumes are only valid during the callback.
type Event struct {
	Kind    Kind
	Offset  int64
	Value   uint64
	Recid   uint64
	Pointer LogPointer

	Volume       volume.Volume
	VolumeOffset int64
	Length       int
}

// Bytes copies the payload of a BYTE_ARRAY or RECORD event.
func (e Event) Bytes() ([]byte, error) {
	if e.Volume == nil {
		return nil, nil
	}
	return volume.GetData(e.Volume, e.VolumeOffset, e.Length)
}

// Replay feeds every verified entry to fn in log order.
//
// Entries are held back until the next commit or rollback marker checks out,
// then delivered together with that marker. Entries after the last marker are
// delivered only when the last segment is sealed. Replay stops quietly at the
// first malformed or unverifiable entry; it returns an error only when fn
// does. fn runs with the log locked and must not call back into it.
func (w *WAL) Replay(fn func(Event) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	r := &replayer{w: w, fn: fn}
	if err := fn(Event{Kind: KindBeforeReplayStart}); err != nil {
		return err
	}
	if err := r.run(); err != nil {
		return err
	}
	return fn(Event{Kind: KindBeforeDestroy})
}

type replayer struct {
	w  *WAL
	fn func(Event) error

	queue []Event
	// split is a payload whose tail lives in the following segments
	split     *Event
	remaining uint32
}

// errStop ends replay at a corrupted entry. It never leaves the replayer.
type errStop struct {
	file   int
	offset int64
	reason string
}

func (e *errStop) Error() string {
	return fmt.Sprintf("segment %d offset %d: %s", e.file, e.offset, e.reason)
}

func (r *replayer) run() error {
	sealed := false
	for i := range r.w.volumes {
		var err error
		sealed, err = r.file(i)
		if stop, ok := err.(*errStop); ok {
			r.w.logger.WithFields(logrus.Fields{
				"action":  "wal_replay",
				"segment": stop.file,
				"offset":  stop.offset,
			}).Warnf("replay stopped at unverified entry: %s", stop.reason)
			r.w.opts.Metrics.ReplayCorruption()
			return nil
		}
		if err != nil {
			return err
		}
		if !sealed {
			break
		}
	}

	if !sealed || r.split != nil {
		return nil
	}
	return r.flush()
}

func (r *replayer) flush() error {
	for _, e := range r.queue {
		if err := r.fn(e); err != nil {
			return err
		}
	}
	r.queue = r.queue[:0]
	return nil
}

// file walks segment i and reports whether it is sealed.
func (r *replayer) file(i int) (bool, error) {
	v := r.w.volumes[i]
	length := v.Length()
	stop := func(pos int64, format string, args ...any) (bool, error) {
		return false, &errStop{file: i, offset: pos, reason: fmt.Sprintf(format, args...)}
	}

	if length < headerSize {
		return stop(0, "segment shorter than its header")
	}
	magic, err := volume.GetInt(v, 0)
	if err != nil {
		return stop(0, "read header: %v", err)
	}
	if magic != HeaderMagic {
		return stop(0, "bad header magic %#x", magic)
	}
	seal, err := volume.GetLong(v, sealOffset)
	if err != nil {
		return stop(sealOffset, "read seal: %v", err)
	}
	sealed := seal == SealValue

	var (
		pos      int64 = headerSize
		markEnd  int64 = headerSize
		checksum uint32
	)

	// sealedEnd verifies the entries after the last marker of a sealed
	// file against the tail checksum next to the seal.
	sealedEnd := func(end int64) (bool, error) {
		if !sealed {
			return false, nil
		}
		stored, err := volume.GetInt(v, tailSumOffset)
		if err != nil {
			return stop(tailSumOffset, "read tail checksum: %v", err)
		}
		h, err := volume.Hash(v, markEnd, end-markEnd, uint64(i+1))
		if err != nil {
			return stop(markEnd, "checksum tail: %v", err)
		}
		if sum := checksum + LongHash(h); sum != stored {
			return stop(markEnd, "tail checksum mismatch: stored %#x, computed %#x", stored, sum)
		}
		return true, nil
	}

	if r.split != nil {
		if pos+continueHeader > length {
			return stop(pos, "missing continuation")
		}
		head, err := volume.GetData(v, pos, continueHeader)
		if err != nil {
			return stop(pos, "read continuation: %v", err)
		}
		frag := order.Uint32(head[1:])
		if Kind(head[0]) != kindContinue || frag > r.remaining || pos+continueHeader+int64(frag) > length {
			return stop(pos, "malformed continuation")
		}
		if err := volume.CopyRange(v, pos+continueHeader, r.split.Volume, int64(r.split.Length), int64(frag)); err != nil {
			return stop(pos, "copy continuation: %v", err)
		}
		r.split.Length += int(frag)
		r.remaining -= frag
		pos += continueHeader + int64(frag)

		if r.remaining == 0 {
			r.queue = append(r.queue, *r.split)
			r.split = nil
		} else if !sealed {
			return stop(pos, "split payload continues past an unsealed segment")
		} else {
			return sealedEnd(pos)
		}
	}

	for pos < length {
		tag := make([]byte, 1)
		if _, err := v.ReadAt(tag, pos); err != nil {
			return stop(pos, "read tag: %v", err)
		}
		kind := Kind(tag[0])

		switch kind {
		case kindEnd:
			return sealedEnd(pos)

		case KindLong:
			if pos+longEntrySize > length {
				return stop(pos, "truncated %s", kind)
			}
			b, err := volume.GetData(v, pos, longEntrySize)
			if err != nil {
				return stop(pos, "read %s: %v", kind, err)
			}
			r.queue = append(r.queue, Event{
				Kind:   kind,
				Offset: int64(order.Uint64(b[1:])),
				Value:  order.Uint64(b[9:]),
			})
			pos += longEntrySize

		case KindTombstone, KindPreallocate:
			if pos+recidEntrySize > length {
				return stop(pos, "truncated %s", kind)
			}
			b, err := volume.GetData(v, pos, recidEntrySize)
			if err != nil {
				return stop(pos, "read %s: %v", kind, err)
			}
			r.queue = append(r.queue, Event{Kind: kind, Recid: order.Uint64(b[1:])})
			pos += recidEntrySize

		case KindRecord, KindByteArray:
			if pos+payloadHeader > length {
				return stop(pos, "truncated %s", kind)
			}
			b, err := volume.GetData(v, pos, payloadHeader)
			if err != nil {
				return stop(pos, "read %s: %v", kind, err)
			}
			key := order.Uint64(b[1:])
			total := order.Uint32(b[9:])
			frag := order.Uint32(b[13:])

			e := Event{Kind: kind}
			if kind == KindRecord {
				e.Recid = key
				e.Pointer = NewLogPointer(i, pos)
			} else {
				e.Offset = int64(key)
			}

			if kind == KindRecord && total == nullLength {
				if frag != 0 {
					return stop(pos, "null record with %d payload bytes", frag)
				}
				e.Pointer = 0
				r.queue = append(r.queue, e)
				pos += payloadHeader
				continue
			}
			if total == nullLength || frag > total || pos+payloadHeader+int64(frag) > length {
				return stop(pos, "malformed %s length %d/%d", kind, frag, total)
			}

			if frag == total {
				e.Volume = v
				e.VolumeOffset = pos + payloadHeader
				e.Length = int(frag)
				r.queue = append(r.queue, e)
				pos += payloadHeader + int64(frag)
				continue
			}

			// The payload runs to the end of this segment and continues in
			// the next ones; only a sealed segment may end that way.
			if !sealed {
				return stop(pos, "split %s in unsealed segment", kind)
			}
			buf := volume.NewMemory()
			if err := volume.CopyRange(v, pos+payloadHeader, buf, 0, int64(frag)); err != nil {
				return stop(pos, "copy %s fragment: %v", kind, err)
			}
			e.Volume = buf
			e.Length = int(frag)
			r.split = &e
			r.remaining = total - frag
			return sealedEnd(pos + payloadHeader + int64(frag))

		case KindCommit, KindRollback:
			if pos+markerEntrySize > length {
				return stop(pos, "truncated %s", kind)
			}
			stored, err := volume.GetInt(v, pos+1)
			if err != nil {
				return stop(pos, "read %s: %v", kind, err)
			}
			h, err := volume.Hash(v, markEnd, pos-markEnd, uint64(i+1))
			if err != nil {
				return stop(pos, "checksum %s range: %v", kind, err)
			}
			checksum += LongHash(h)
			if checksum != stored {
				return stop(pos, "%s checksum mismatch: stored %#x, computed %#x", kind, stored, checksum)
			}

			r.queue = append(r.queue, Event{Kind: kind})
			if err := r.flush(); err != nil {
				return false, err
			}
			pos += markerEntrySize
			markEnd = pos

		default:
			return stop(pos, "unknown entry tag %d", tag[0])
		}
	}

	return sealedEnd(pos)
}
