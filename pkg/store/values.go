package store

import (
	"walstore/pkg/codec"
)

// PutValue encodes v with c and stores it under a new recid.
func PutValue[T any](s *Store, c codec.Codec[T], v T) (uint64, error) {
	b, err := c.Encode(v)
	if err != nil {
		return 0, err
	}
	if b == nil {
		b = []byte{}
	}
	return s.Put(b)
}

// GetValue decodes the body of recid. Null and preallocated records yield
// the zero value.
func GetValue[T any](s *Store, c codec.Codec[T], recid uint64) (T, error) {
	var zero T
	b, err := s.Get(recid)
	if err != nil || b == nil {
		return zero, err
	}
	return c.Decode(b)
}

func UpdateValue[T any](s *Store, c codec.Codec[T], recid uint64, v T) error {
	b, err := c.Encode(v)
	if err != nil {
		return err
	}
	if b == nil {
		b = []byte{}
	}
	return s.Update(recid, b)
}
