package wal

import "fmt"

const pointerOffsetBits = 48

// LogPointer addresses an entry inside the log as (segment file, byte
// offset). It is only meaningful for the log that returned it and only until
// that log is destroyed. The zero pointer stands for a null record.
type LogPointer uint64

func NewLogPointer(file int, offset int64) LogPointer {
	return LogPointer(uint64(file)<<pointerOffsetBits | uint64(offset))
}

func (p LogPointer) File() int {
	return int(uint64(p) >> pointerOffsetBits)
}

func (p LogPointer) Offset() int64 {
	return int64(uint64(p) & (1<<pointerOffsetBits - 1))
}

func (p LogPointer) IsNull() bool {
	return p == 0
}

func (p LogPointer) String() string {
	return fmt.Sprintf("%d:%d", p.File(), p.Offset())
}
