package chunktable

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codenamedpkt/wimlib/format"
)

// writeSeekBuffer adapts a bytes.Buffer into an io.WriteSeeker for tests,
// the same role a *os.File plays in production.
type writeSeekBuffer struct {
	buf []byte
	pos int64
}

func (w *writeSeekBuffer) Write(p []byte) (int, error) {
	end := w.pos + int64(len(p))
	if end > int64(len(w.buf)) {
		grown := make([]byte, end)
		copy(grown, w.buf)
		w.buf = grown
	}
	n := copy(w.buf[w.pos:end], p)
	w.pos = end
	return n, nil
}

func (w *writeSeekBuffer) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case 0:
		w.pos = offset
	case 1:
		w.pos += offset
	case 2:
		w.pos = int64(len(w.buf)) + offset
	}
	return w.pos, nil
}

func TestSingleChunkHasNoTable(t *testing.T) {
	out := &writeSeekBuffer{}
	tab, err := Begin(out, 100, 0)
	require.NoError(t, err)
	require.EqualValues(t, 1, tab.NumChunks())
	require.EqualValues(t, 0, out.pos) // nothing reserved

	require.NoError(t, tab.Record(42))
	size, err := Finalize(tab, out)
	require.NoError(t, err)
	require.EqualValues(t, 42, size)
}

func TestTwoChunksFourByteEntries(t *testing.T) {
	out := &writeSeekBuffer{}
	resourceSize := uint64(format.ChunkSize + 1)
	tab, err := Begin(out, resourceSize, 0)
	require.NoError(t, err)
	require.EqualValues(t, 2, tab.NumChunks())
	require.EqualValues(t, 4, out.pos) // one 4-byte entry reserved

	require.NoError(t, tab.Record(1000))
	require.NoError(t, tab.Record(5))

	size, err := Finalize(tab, out)
	require.NoError(t, err)
	require.EqualValues(t, 4+1000+5, size)

	// The single serialized entry should equal the encoded size of
	// chunk 0 (offsets[1] == cur_offset after chunk 0 == 1000).
	require.Equal(t, 4, len(out.buf[0:4]))
	got := uint32(out.buf[0]) | uint32(out.buf[1])<<8 | uint32(out.buf[2])<<16 | uint32(out.buf[3])<<24
	require.EqualValues(t, 1000, got)
}

func TestRecordMoreThanNumChunksFails(t *testing.T) {
	out := &writeSeekBuffer{}
	tab, err := Begin(out, 10, 0)
	require.NoError(t, err)
	require.NoError(t, tab.Record(5))
	require.Error(t, tab.Record(5))
}

func TestFinalizeBeforeAllRecordsFails(t *testing.T) {
	out := &writeSeekBuffer{}
	tab, err := Begin(out, uint64(format.ChunkSize+1), 0)
	require.NoError(t, err)
	require.NoError(t, tab.Record(5))
	_, err = Finalize(tab, out)
	require.Error(t, err)
}

func TestBeginRejectsZeroSize(t *testing.T) {
	out := &writeSeekBuffer{}
	_, err := Begin(out, 0, 0)
	require.Error(t, err)
}
