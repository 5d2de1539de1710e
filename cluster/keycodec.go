package cluster

import (
	"encoding/binary"
	"errors"
)

// KeyCodec maps K <-> []byte for the wire and for affinity hashing. The
// encoding must be stable across processes: the byte form is what the
// affinity oracle hashes and what the server decodes.
type KeyCodec[K any] interface {
	EncodeKey(K) []byte
	DecodeKey([]byte) (K, error)
}

// String keys: raw bytes.
type StringKeyCodec[K ~string] struct{}

func (StringKeyCodec[K]) EncodeKey(k K) []byte          { return []byte(string(k)) }
func (StringKeyCodec[K]) DecodeKey(b []byte) (K, error) { return K(string(b)), nil }

// Bytes keys: pass-through on encode; decode copies to detach from the frame.
type BytesKeyCodec[K ~[]byte] struct{}

func (BytesKeyCodec[K]) EncodeKey(k K) []byte          { return []byte(k) }
func (BytesKeyCodec[K]) DecodeKey(b []byte) (K, error) { return K(append([]byte(nil), b...)), nil }

type Int64KeyCodec[K ~int64] struct{}

func (Int64KeyCodec[K]) EncodeKey(k K) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(k))
	return buf[:]
}

func (Int64KeyCodec[K]) DecodeKey(b []byte) (K, error) {
	if len(b) != 8 {
		return *new(K), errors.New("invalid int64 key length")
	}
	return K(int64(binary.BigEndian.Uint64(b))), nil
}

type Uint64KeyCodec[K ~uint64] struct{}

func (Uint64KeyCodec[K]) EncodeKey(k K) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(k))
	return buf[:]
}

func (Uint64KeyCodec[K]) DecodeKey(b []byte) (K, error) {
	if len(b) != 8 {
		return *new(K), errors.New("invalid uint64 key length")
	}
	return K(binary.BigEndian.Uint64(b)), nil
}
