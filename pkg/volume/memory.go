package volume

import (
	"io"
	"sync"
)

const (
	memoryChunkShift = 20
	memoryChunkSize  = 1 << memoryChunkShift
	memoryChunkMask  = memoryChunkSize - 1
)

// Memory is a heap backed Volume made of fixed size chunks, so growth never
// copies existing content.
type Memory struct {
	mu     sync.RWMutex
	chunks [][]byte
	length int64
	closed bool
}

var _ Volume = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, ErrClosed
	}
	if off < 0 {
		return 0, io.ErrUnexpectedEOF
	}
	if off >= m.length {
		return 0, io.EOF
	}

	want := min(int64(len(p)), m.length-off)
	n := 0
	for int64(n) < want {
		pos := off + int64(n)
		chunk := m.chunks[pos>>memoryChunkShift]
		n += copy(p[n:want], chunk[pos&memoryChunkMask:])
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}
	if off < 0 {
		return 0, io.ErrShortWrite
	}
	m.grow(off + int64(len(p)))

	n := 0
	for n < len(p) {
		pos := off + int64(n)
		chunk := m.chunks[pos>>memoryChunkShift]
		n += copy(chunk[pos&memoryChunkMask:], p[n:])
	}
	return n, nil
}

func (m *Memory) EnsureAvailable(size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.grow(size)
	return nil
}

func (m *Memory) grow(size int64) {
	for int64(len(m.chunks))*memoryChunkSize < size {
		m.chunks = append(m.chunks, make([]byte, memoryChunkSize))
	}
	if size > m.length {
		m.length = size
	}
}

func (m *Memory) Length() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.length
}

func (m *Memory) Truncate(size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if size >= m.length {
		m.grow(size)
		return nil
	}

	keep := int((size + memoryChunkMask) >> memoryChunkShift)
	m.chunks = m.chunks[:keep]
	if rem := size & memoryChunkMask; rem != 0 {
		clear(m.chunks[keep-1][rem:])
	}
	m.length = size
	return nil
}

func (m *Memory) Sync() error {
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.chunks = nil
	return nil
}
