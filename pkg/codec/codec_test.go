package codec

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type account struct {
	ID      int64    `msgpack:"id"`
	Name    string   `msgpack:"name"`
	Tags    []string `msgpack:"tags"`
	Balance float64  `msgpack:"balance"`
}

func TestInt64(t *testing.T) {
	c := Int64{}

	b, err := c.Encode(-42)
	require.NoError(t, err)
	assert.Len(t, b, 8)

	v, err := c.Decode(b)
	require.NoError(t, err)
	assert.Equal(t, int64(-42), v)

	_, err = c.Decode([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestString_EmptyValue(t *testing.T) {
	b, err := String{}.Encode("")
	require.NoError(t, err)
	assert.Empty(t, b)

	v, err := String{}.Decode(b)
	require.NoError(t, err)
	assert.Equal(t, "", v)
}

func TestMsgpack(t *testing.T) {
	c := Msgpack[account]{}
	in := account{ID: 7, Name: "alice", Tags: []string{"a", "b"}, Balance: 12.5}

	b, err := c.Encode(in)
	require.NoError(t, err)

	out, err := c.Decode(b)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = c.Decode([]byte{0xc1})
	assert.Error(t, err)
}

func TestCompressed(t *testing.T) {
	in := account{ID: 9, Name: strings.Repeat("bob", 500), Tags: []string{"x"}}
	raw, err := Msgpack[account]{}.Encode(in)
	require.NoError(t, err)

	codecs := map[string]Codec[account]{
		"zstd": Zstd[account]{Inner: Msgpack[account]{}},
		"gzip": Gzip[account]{Inner: Msgpack[account]{}},
	}
	for name, c := range codecs {
		t.Run(name, func(t *testing.T) {
			b, err := c.Encode(in)
			require.NoError(t, err)
			assert.Less(t, len(b), len(raw))

			out, err := c.Decode(b)
			require.NoError(t, err)
			assert.Equal(t, in, out)

			_, err = c.Decode(raw)
			assert.Error(t, err)
		})
	}
}
