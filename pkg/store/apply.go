package store

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"walstore/pkg/volume"
	"walstore/pkg/wal"
)

// applier plays committed log transactions onto the main volume and the
// index table. Entries are buffered until their commit marker arrives and
// dropped on rollback or when the log ends without a marker.
type applier struct {
	vol    volume.Volume
	index  *indexTable
	logger logrus.FieldLogger
	// onSlot is told about every recid whose slot changed
	onSlot func(recid uint64)

	buffered  []wal.Event
	commits   int
	rollbacks int
	dropped   int
}

func (a *applier) handle(e wal.Event) error {
	switch e.Kind {
	case wal.KindBeforeReplayStart:
		a.buffered = a.buffered[:0]

	case wal.KindLong, wal.KindByteArray, wal.KindRecord, wal.KindTombstone, wal.KindPreallocate:
		a.buffered = append(a.buffered, e)

	case wal.KindCommit:
		for _, ev := range a.buffered {
			if err := a.apply(ev); err != nil {
				return errors.Wrapf(err, "apply %s", ev.Kind)
			}
		}
		a.buffered = a.buffered[:0]
		a.commits++

	case wal.KindRollback:
		a.buffered = a.buffered[:0]
		a.rollbacks++

	case wal.KindBeforeDestroy:
		if n := len(a.buffered); n > 0 {
			a.dropped += n
			a.logger.WithField("action", "wal_apply").
				WithField("entries", n).
				Debug("dropping entries of an unterminated transaction")
		}
		a.buffered = a.buffered[:0]
	}
	return nil
}

func (a *applier) apply(e wal.Event) error {
	switch e.Kind {
	case wal.KindLong:
		if err := volume.PutLong(a.vol, e.Offset, e.Value); err != nil {
			return err
		}
		if recid, ok := a.index.applyLong(e.Offset, e.Value); ok {
			a.changed(recid)
		}

	case wal.KindByteArray:
		if err := a.vol.EnsureAvailable(e.Offset + int64(e.Length)); err != nil {
			return err
		}
		return volume.CopyRange(e.Volume, e.VolumeOffset, a.vol, e.Offset, int64(e.Length))

	case wal.KindRecord:
		if e.Volume == nil {
			return nil
		}
		val := a.index.get(e.Recid)
		if !live(val) || indexOffset(val) == 0 || linked(val) {
			return errors.Errorf("record %d has no body slot (index value %#x)", e.Recid, val)
		}
		off := indexOffset(val)
		if err := a.vol.EnsureAvailable(off + int64(e.Length)); err != nil {
			return err
		}
		return volume.CopyRange(e.Volume, e.VolumeOffset, a.vol, off, int64(e.Length))

	case wal.KindTombstone:
		return a.setSlot(e.Recid, flagDeleted)

	case wal.KindPreallocate:
		return a.setSlot(e.Recid, flagArchive)
	}
	return nil
}

func (a *applier) setSlot(recid, val uint64) error {
	addr, ok := a.index.slotAddress(recid)
	if !ok {
		return errors.Errorf("recid %d has no index page", recid)
	}
	if err := volume.PutLong(a.vol, addr, val); err != nil {
		return err
	}
	a.index.set(recid, val)
	a.changed(recid)
	return nil
}

func (a *applier) changed(recid uint64) {
	if a.onSlot != nil {
		a.onSlot(recid)
	}
}
