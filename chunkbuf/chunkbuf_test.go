package chunkbuf

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteThenWriteTo(t *testing.T) {
	cb := NewChunkBuffer(make([]byte, 16))
	n, err := cb.Write([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 5, n)

	cb.Reset(cb.Bytes()[:5])
	var out bytes.Buffer
	written, err := cb.WriteTo(&out)
	require.NoError(t, err)
	require.Equal(t, int64(5), written)
	require.Equal(t, "hello", out.String())
}

func TestResetThenBytes(t *testing.T) {
	cb := NewChunkBuffer(nil)
	data := []byte("chunk contents")
	cb.Reset(data)
	require.Equal(t, data, cb.Bytes())
	require.Equal(t, len(data), cb.Len())
}

func TestSeekClampsToSize(t *testing.T) {
	cb := NewChunkBuffer(nil)
	cb.Reset([]byte("abcdef"))

	pos, err := cb.Seek(0, 2) // io.SeekEnd
	require.NoError(t, err)
	require.Equal(t, int64(6), pos)

	pos, err = cb.Seek(100, 2)
	require.NoError(t, err)
	require.Equal(t, int64(6), pos, "seek past end clamps to size")
}

func TestNewChunkBufferDefaultsWhenNil(t *testing.T) {
	cb := NewChunkBuffer(nil)
	require.Equal(t, defaultSize, len(cb.Bytes()))
}
