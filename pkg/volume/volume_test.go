package volume

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func volumeKinds(t *testing.T) map[string]func() Volume {
	dir := t.TempDir()
	return map[string]func() Volume{
		"memory": func() Volume { return NewMemory() },
		"file": func() Volume {
			v, err := OpenFile(filepath.Join(dir, "file.vol"))
			require.NoError(t, err)
			return v
		},
		"mmap": func() Volume {
			v, err := OpenMapped(filepath.Join(dir, "mapped.vol"))
			require.NoError(t, err)
			return v
		},
	}
}

func TestVolume_FixedWidthValues(t *testing.T) {
	for name, open := range volumeKinds(t) {
		t.Run(name, func(t *testing.T) {
			v := open()
			defer v.Close()

			require.NoError(t, v.EnsureAvailable(64))
			require.NoError(t, PutByte(v, 0, 0xAB))
			require.NoError(t, PutInt(v, 4, 0xDEADBEEF))
			require.NoError(t, PutLong(v, 8, 0x0102030405060708))

			b, err := GetByte(v, 0)
			require.NoError(t, err)
			assert.Equal(t, byte(0xAB), b)

			i, err := GetInt(v, 4)
			require.NoError(t, err)
			assert.Equal(t, uint32(0xDEADBEEF), i)

			l, err := GetLong(v, 8)
			require.NoError(t, err)
			assert.Equal(t, uint64(0x0102030405060708), l)

			// never written bytes read as zero
			zero, err := GetLong(v, 32)
			require.NoError(t, err)
			assert.Zero(t, zero)
		})
	}
}

func TestVolume_DataAcrossChunkBoundary(t *testing.T) {
	for name, open := range volumeKinds(t) {
		t.Run(name, func(t *testing.T) {
			v := open()
			defer v.Close()

			data := bytes.Repeat([]byte("walstore"), 1000)
			off := int64(memoryChunkSize - 100)
			require.NoError(t, PutData(v, off, data))
			assert.GreaterOrEqual(t, v.Length(), off+int64(len(data)))

			got, err := GetData(v, off, len(data))
			require.NoError(t, err)
			assert.Equal(t, data, got)
		})
	}
}

func TestVolume_ReadPastEnd(t *testing.T) {
	v := NewMemory()
	require.NoError(t, v.EnsureAvailable(10))

	buf := make([]byte, 20)
	n, err := v.ReadAt(buf, 0)
	assert.Equal(t, 10, n)
	assert.ErrorIs(t, err, io.EOF)

	_, err = GetLong(v, 8)
	assert.Error(t, err)
}

func TestVolume_HashIsSeededAndRangeSensitive(t *testing.T) {
	v := NewMemory()
	require.NoError(t, PutData(v, 0, []byte("hello world, hello volume")))

	h1, err := Hash(v, 0, 11, 1)
	require.NoError(t, err)
	h2, err := Hash(v, 0, 11, 1)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	other, err := Hash(v, 0, 11, 2)
	require.NoError(t, err)
	assert.NotEqual(t, h1, other)

	shifted, err := Hash(v, 1, 11, 1)
	require.NoError(t, err)
	assert.NotEqual(t, h1, shifted)

	_, err = Hash(v, 0, -1, 1)
	assert.Error(t, err)
}

func TestVolume_CopyEntireVolumeTo(t *testing.T) {
	src := NewMemory()
	payload := bytes.Repeat([]byte{1, 2, 3, 4, 5}, 300000)
	require.NoError(t, PutData(src, 16, payload))

	dst, err := OpenFile(filepath.Join(t.TempDir(), "copy.vol"))
	require.NoError(t, err)
	defer dst.Close()

	require.NoError(t, CopyEntireVolumeTo(src, dst))
	require.NoError(t, dst.Sync())
	assert.Equal(t, src.Length(), dst.Length())

	got, err := GetData(dst, 16, len(payload))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestVolume_TruncateZeroesTail(t *testing.T) {
	v := NewMemory()
	require.NoError(t, PutLong(v, 0, 7))
	require.NoError(t, PutLong(v, 8, 9))

	require.NoError(t, v.Truncate(8))
	assert.Equal(t, int64(8), v.Length())

	require.NoError(t, v.EnsureAvailable(16))
	val, err := GetLong(v, 8)
	require.NoError(t, err)
	assert.Zero(t, val)
}

func TestVolume_ReadOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ro.vol")
	require.NoError(t, os.WriteFile(path, []byte{0, 0, 0, 42}, 0o600))

	v, err := OpenReadOnly(path)
	require.NoError(t, err)
	defer v.Close()

	i, err := GetInt(v, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), i)

	assert.ErrorIs(t, PutInt(v, 0, 1), ErrReadOnly)
	assert.ErrorIs(t, v.EnsureAvailable(100), ErrReadOnly)
}

func TestVolume_MappedReopenKeepsContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.vol")

	v, err := OpenMapped(path)
	require.NoError(t, err)
	require.NoError(t, PutLong(v, 3*mappedGrowStep, 77))
	require.NoError(t, v.Sync())
	require.NoError(t, v.Close())

	v, err = OpenMapped(path)
	require.NoError(t, err)
	defer v.Close()

	val, err := GetLong(v, 3*mappedGrowStep)
	require.NoError(t, err)
	assert.Equal(t, uint64(77), val)
}

func TestFactoryFor(t *testing.T) {
	for _, kind := range []Kind{KindFile, KindMapped, KindMemory, ""} {
		f, err := FactoryFor(kind)
		require.NoError(t, err)
		require.NotNil(t, f)
	}

	_, err := FactoryFor("tape")
	assert.Error(t, err)
}
