// Package codec turns typed values into record bodies and back.
package codec

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec serializes values of one type. Decode receives exactly the bytes
// produced by Encode.
type Codec[T any] interface {
	Encode(v T) ([]byte, error)
	Decode(b []byte) (T, error)
}

var (
	_ Codec[string] = String{}
	_ Codec[[]byte] = Bytes{}
	_ Codec[int64]  = Int64{}
)

type String struct{}

func (String) Encode(v string) ([]byte, error) {
	return []byte(v), nil
}

func (String) Decode(b []byte) (string, error) {
	return string(b), nil
}

// Bytes stores blobs as they are.
type Bytes struct{}

func (Bytes) Encode(v []byte) ([]byte, error) {
	return v, nil
}

func (Bytes) Decode(b []byte) ([]byte, error) {
	return b, nil
}

// Int64 is a fixed 8 byte big-endian encoding.
type Int64 struct{}

func (Int64) Encode(v int64) ([]byte, error) {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b, nil
}

func (Int64) Decode(b []byte) (int64, error) {
	if len(b) != 8 {
		return 0, errors.Errorf("int64 value has %d bytes, want 8", len(b))
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

// Msgpack encodes arbitrary structs with msgpack.
type Msgpack[T any] struct{}

func (Msgpack[T]) Encode(v T) ([]byte, error) {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "msgpack encode")
	}
	return b, nil
}

func (Msgpack[T]) Decode(b []byte) (T, error) {
	var v T
	if err := msgpack.Unmarshal(b, &v); err != nil {
		return v, errors.Wrap(err, "msgpack decode")
	}
	return v, nil
}
