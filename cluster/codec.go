package cluster

import (
	cbor "github.com/fxamacker/cbor/v2"
	"github.com/goccy/go-json"
	"github.com/shamaton/msgpack/v2"
)

// Codec abstracts value encoding for the wire. Must be deterministic and
// stable across nodes; the server decodes with the same codec the streamer
// encoded with.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}

// BytesCodec: pass-through []byte (no copy on Encode; Decode returns a copy).
type BytesCodec struct{}

func (BytesCodec) Encode(v []byte) ([]byte, error) { return v, nil }
func (BytesCodec) Decode(b []byte) ([]byte, error) {
	out := append([]byte(nil), b...)
	return out, nil
}

type CBORCodec[V any] struct{}

func (CBORCodec[V]) Encode(v V) ([]byte, error) { return cbor.Marshal(v) }
func (CBORCodec[V]) Decode(b []byte) (V, error) {
	var v V
	err := cbor.Unmarshal(b, &v)
	return v, err
}

type JSONCodec[V any] struct{}

func (JSONCodec[V]) Encode(v V) ([]byte, error) { return json.Marshal(v) }
func (JSONCodec[V]) Decode(b []byte) (V, error) {
	var v V
	err := json.Unmarshal(b, &v)
	return v, err
}

type MsgpackCodec[V any] struct{}

func (MsgpackCodec[V]) Encode(v V) ([]byte, error) { return msgpack.Marshal(v) }
func (MsgpackCodec[V]) Decode(b []byte) (V, error) {
	var v V
	err := msgpack.Unmarshal(b, &v)
	return v, err
}
