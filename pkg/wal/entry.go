package wal

import (
	"encoding/binary"
	"fmt"
)

// Kind tags a log entry on disk and a replay Event in memory.
type Kind uint8

const (
	// kindEnd is the zero byte that follows the last written entry.
	kindEnd Kind = iota
	KindLong
	KindByteArray
	KindRecord
	KindTombstone
	KindPreallocate
	KindCommit
	KindRollback
	// kindContinue carries the remainder of a payload into the next file.
	kindContinue
)

// Replay lifecycle kinds. They are never written to a segment.
const (
	KindBeforeReplayStart Kind = 64 + iota
	KindBeforeDestroy
)

func (k Kind) String() string {
	switch k {
	case kindEnd:
		return "END"
	case KindLong:
		return "LONG"
	case KindByteArray:
		return "BYTE_ARRAY"
	case KindRecord:
		return "RECORD"
	case KindTombstone:
		return "TOMBSTONE"
	case KindPreallocate:
		return "PREALLOCATE"
	case KindCommit:
		return "COMMIT"
	case KindRollback:
		return "ROLLBACK"
	case kindContinue:
		return "CONTINUE"
	case KindBeforeReplayStart:
		return "BEFORE_REPLAY_START"
	case KindBeforeDestroy:
		return "BEFORE_DESTROY"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

const (
	// HeaderMagic opens every segment file.
	HeaderMagic   uint32 = 0x57414C53
	formatVersion uint32 = 1

	// SealValue at sealOffset marks a file as complete. SealValue+1 is the
	// discard variant used by compaction seals.
	SealValue uint64 = 0x8A3F_52C1_D7E6_9B40

	DefaultMaxFileSize int64 = 16 << 20
	minMaxFileSize     int64 = 1024
)

const (
	headerSize = 24
	sealOffset = 8
	// tailSumOffset holds the checksum of the bytes after the last marker
	// of a sealed file
	tailSumOffset = 16

	longEntrySize   = 1 + 8 + 8
	recidEntrySize  = 1 + 8
	markerEntrySize = 1 + 4
	payloadHeader   = 1 + 8 + 4 + 4
	continueHeader  = 1 + 4

	nullLength = ^uint32(0)
)

var order = binary.BigEndian

func encodeLong(offset int64, value uint64) []byte {
	b := make([]byte, longEntrySize)
	b[0] = byte(KindLong)
	order.PutUint64(b[1:], uint64(offset))
	order.PutUint64(b[9:], value)
	return b
}

func encodeRecid(kind Kind, recid uint64) []byte {
	b := make([]byte, recidEntrySize)
	b[0] = byte(kind)
	order.PutUint64(b[1:], recid)
	return b
}

func encodeMarker(kind Kind, checksum uint32) []byte {
	b := make([]byte, markerEntrySize)
	b[0] = byte(kind)
	order.PutUint32(b[1:], checksum)
	return b
}

// encodePayload encodes a RECORD or BYTE_ARRAY entry holding the first frag
// bytes of data.
func encodePayload(kind Kind, key uint64, total uint32, frag []byte) []byte {
	b := make([]byte, payloadHeader+len(frag))
	b[0] = byte(kind)
	order.PutUint64(b[1:], key)
	order.PutUint32(b[9:], total)
	order.PutUint32(b[13:], uint32(len(frag)))
	copy(b[payloadHeader:], frag)
	return b
}

func encodeContinue(frag []byte) []byte {
	b := make([]byte, continueHeader+len(frag))
	b[0] = byte(kindContinue)
	order.PutUint32(b[1:], uint32(len(frag)))
	copy(b[continueHeader:], frag)
	return b
}

// LongHash folds a 64 bit volume hash into the 32 bit checksum stored in
// commit and rollback markers.
func LongHash(h uint64) uint32 {
	return uint32(h ^ (h >> 32))
}
