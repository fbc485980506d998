package codec

import (
	"bytes"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

// zstdCoders returns process wide coders; EncodeAll and DecodeAll are safe
// for concurrent use.
func zstdCoders() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		if zstdEncoder, zstdErr = zstd.NewWriter(nil); zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil)
	})
	return zstdEncoder, zstdDecoder, zstdErr
}

// Zstd compresses the output of Inner with zstd.
type Zstd[T any] struct {
	Inner Codec[T]
}

func (c Zstd[T]) Encode(v T) ([]byte, error) {
	raw, err := c.Inner.Encode(v)
	if err != nil {
		return nil, err
	}
	enc, _, err := zstdCoders()
	if err != nil {
		return nil, errors.Wrap(err, "zstd init")
	}
	return enc.EncodeAll(raw, nil), nil
}

func (c Zstd[T]) Decode(b []byte) (T, error) {
	var zero T
	_, dec, err := zstdCoders()
	if err != nil {
		return zero, errors.Wrap(err, "zstd init")
	}
	raw, err := dec.DecodeAll(b, nil)
	if err != nil {
		return zero, errors.Wrap(err, "zstd decode")
	}
	return c.Inner.Decode(raw)
}

// Gzip compresses the output of Inner with gzip, for bodies read by tools
// that only speak gzip.
type Gzip[T any] struct {
	Inner Codec[T]
}

func (c Gzip[T]) Encode(v T) ([]byte, error) {
	raw, err := c.Inner.Encode(v)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(raw); err != nil {
		return nil, errors.Wrap(err, "gzip encode")
	}
	if err := gz.Close(); err != nil {
		return nil, errors.Wrap(err, "gzip encode")
	}
	return buf.Bytes(), nil
}

func (c Gzip[T]) Decode(b []byte) (T, error) {
	var zero T
	gz, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return zero, errors.Wrap(err, "gzip decode")
	}
	defer gz.Close()

	raw, err := io.ReadAll(gz)
	if err != nil {
		return zero, errors.Wrap(err, "gzip decode")
	}
	return c.Inner.Decode(raw)
}
