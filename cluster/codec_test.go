package cluster

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type payload struct {
	Name  string   `cbor:"n" json:"name" msgpack:"n"`
	Count int      `cbor:"c" json:"count" msgpack:"c"`
	Tags  []string `cbor:"t" json:"tags" msgpack:"t"`
}

func TestCBORCodecRoundTrip(t *testing.T) {
	c := CBORCodec[payload]{}
	in := payload{Name: "a", Count: 3, Tags: []string{"x", "y"}}

	b, err := c.Encode(in)
	require.NoError(t, err)
	out, err := c.Decode(b)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestJSONCodecRoundTrip(t *testing.T) {
	c := JSONCodec[payload]{}
	in := payload{Name: "a", Count: 3, Tags: []string{"x"}}

	b, err := c.Encode(in)
	require.NoError(t, err)
	out, err := c.Decode(b)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestMsgpackCodecRoundTrip(t *testing.T) {
	c := MsgpackCodec[payload]{}
	in := payload{Name: "a", Count: 3, Tags: []string{"x"}}

	b, err := c.Encode(in)
	require.NoError(t, err)
	out, err := c.Decode(b)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestBytesCodecDecodeCopies(t *testing.T) {
	c := BytesCodec{}
	src := []byte("abc")

	out, err := c.Decode(src)
	require.NoError(t, err)
	src[0] = 'z'
	require.Equal(t, []byte("abc"), out, "decode must detach from the input")
}

func TestKeyCodecs(t *testing.T) {
	sk := StringKeyCodec[string]{}
	s, err := sk.DecodeKey(sk.EncodeKey("hello"))
	require.NoError(t, err)
	require.Equal(t, "hello", s)

	ik := Int64KeyCodec[int64]{}
	i, err := ik.DecodeKey(ik.EncodeKey(-42))
	require.NoError(t, err)
	require.Equal(t, int64(-42), i)
	_, err = ik.DecodeKey([]byte{1, 2})
	require.Error(t, err)

	uk := Uint64KeyCodec[uint64]{}
	u, err := uk.DecodeKey(uk.EncodeKey(7))
	require.NoError(t, err)
	require.Equal(t, uint64(7), u)
}
