package store

// Main file layout:
//
//	0     magic        u32
//	4     format       u32
//	8     free pointer u64, end of the allocated area
//	16    max recid    u64
//	64    page directory, 1024 x u64 offsets of index pages
//	8256  data area: index pages and record bodies, 16 byte aligned
//
// An index page holds 512 slots of 8 bytes. Recid r lives in page r/512,
// slot r%512. Recid 0 is never handed out.
const (
	headerMagic   uint32 = 0x5753_544F
	formatVersion uint32 = 1

	offMagic       = 0
	offFormat      = 4
	offFreePointer = 8
	offMaxRecid    = 16
	offPageDir     = 64

	pageDirSlots = 1024
	pageSlots    = 512
	pageSize     = pageSlots * 8
	dataStart    = offPageDir + pageDirSlots*8

	// MaxRecid is the largest recid the page directory can address.
	MaxRecid = pageDirSlots*pageSlots - 1

	alignment = 16
	// maxChunkSize is the largest body one index value can describe. Larger
	// records are chained: every chunk but the last begins with the index
	// value of the next chunk.
	maxChunkSize  = 0xFFF0
	linkSize      = 8
	chunkCapacity = maxChunkSize - linkSize
)

// Index value bits: size<<48 | offset | flags. Offsets are 16 byte aligned,
// which leaves the low four bits for flags.
const (
	flagDeleted    uint64 = 0x1
	flagArchive    uint64 = 0x2
	flagUnmodified uint64 = 0x4
	flagLinked     uint64 = 0x8

	flagMask   uint64 = 0xF
	offsetMask uint64 = 0x0000_FFFF_FFFF_FFF0
	sizeShift         = 48
)

var zeroPage = make([]byte, pageSize)

func composeIndexVal(size int, offset int64, flags uint64) uint64 {
	return uint64(size)<<sizeShift | uint64(offset)&offsetMask | flags&flagMask
}

func indexSize(val uint64) int {
	return int(val >> sizeShift)
}

func indexOffset(val uint64) int64 {
	return int64(val & offsetMask)
}

func round16(n int64) int64 {
	return (n + alignment - 1) &^ (alignment - 1)
}

// live reports whether a slot holds a readable record. Zero means the slot
// was never allocated.
func live(val uint64) bool {
	return val != 0 && val&flagDeleted == 0
}

// isNull reports a live slot without a body: a preallocated recid or a
// record stored as null.
func isNull(val uint64) bool {
	return live(val) && val&flagArchive != 0 && indexOffset(val) == 0
}

func linked(val uint64) bool {
	return val&flagLinked != 0
}

func pageOf(recid uint64) int {
	return int(recid / pageSlots)
}

func slotOf(recid uint64) int64 {
	return int64(recid%pageSlots) * 8
}

type chunk struct {
	offset int64
	data   []byte
}

// layoutRecord places data at freePointer and returns the head index value,
// the chunks to write and the new free pointer. Bodies up to maxChunkSize
// take a single chunk; an empty body takes no space but still gets a
// non-zero offset so its slot differs from a never allocated one.
func layoutRecord(data []byte, freePointer int64, flags uint64) (uint64, []chunk, int64) {
	if len(data) <= maxChunkSize {
		head := composeIndexVal(len(data), freePointer, flags)
		return head, []chunk{{offset: freePointer, data: data}}, freePointer + round16(int64(len(data)))
	}

	var pieces [][]byte
	for rest := data; ; {
		if len(rest) <= maxChunkSize {
			pieces = append(pieces, rest)
			break
		}
		pieces = append(pieces, rest[:chunkCapacity])
		rest = rest[chunkCapacity:]
	}

	chunks := make([]chunk, len(pieces))
	offsets := make([]int64, len(pieces))
	for i, p := range pieces {
		offsets[i] = freePointer
		size := len(p)
		if i < len(pieces)-1 {
			size += linkSize
		}
		freePointer += round16(int64(size))
	}

	var next uint64
	for i := len(pieces) - 1; i >= 0; i-- {
		body := pieces[i]
		if i < len(pieces)-1 {
			body = make([]byte, linkSize+len(pieces[i]))
			order.PutUint64(body, next)
			copy(body[linkSize:], pieces[i])
		}
		chunks[i] = chunk{offset: offsets[i], data: body}

		f := flags
		if i < len(pieces)-1 {
			f |= flagLinked
		}
		next = composeIndexVal(len(body), offsets[i], f)
	}

	return next, chunks, freePointer
}

// joinChunks strips the link headers from chunk bodies read back in order.
func joinChunks(bodies [][]byte) []byte {
	total := 0
	for i, b := range bodies {
		if i < len(bodies)-1 {
			total += len(b) - linkSize
		} else {
			total += len(b)
		}
	}

	out := make([]byte, 0, total)
	for i, b := range bodies {
		if i < len(bodies)-1 {
			b = b[linkSize:]
		}
		out = append(out, b...)
	}
	return out
}
