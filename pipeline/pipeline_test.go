package pipeline

import (
	"errors"
	"io"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codenamedpkt/wimlib/compressor"
	"github.com/codenamedpkt/wimlib/format"
	"github.com/codenamedpkt/wimlib/resource"
	"github.com/codenamedpkt/wimlib/source"
	"github.com/codenamedpkt/wimlib/stream"
)

type fakeOut struct {
	buf []byte
	pos int64
}

func (f *fakeOut) Write(p []byte) (int, error) {
	end := f.pos + int64(len(p))
	if end > int64(len(f.buf)) {
		grown := make([]byte, end)
		copy(grown, f.buf)
		f.buf = grown
	}
	copy(f.buf[f.pos:end], p)
	f.pos = end
	return len(p), nil
}

func (f *fakeOut) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case 0:
		f.pos = offset
	case 1:
		f.pos += offset
	case 2:
		f.pos = int64(len(f.buf)) + offset
	}
	return f.pos, nil
}

func (f *fakeOut) Truncate(size int64) error {
	if size < int64(len(f.buf)) {
		f.buf = f.buf[:size]
	}
	return nil
}

func newMemStream(data []byte) *stream.Stream {
	return &stream.Stream{
		Kind:       stream.SourceInMemory,
		Descriptor: stream.Descriptor{Bytes: data},
		Size:       uint64(len(data)),
	}
}

func repeating(n int, b byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

func TestRunMatchesSerialWriterForSingleWorker(t *testing.T) {
	streams := []*stream.Stream{
		newMemStream(repeating(1000, 'a')),
		newMemStream(repeating(format.ChunkSize*2, 'b')),
	}

	p := &Pipeline{
		Opener:     &source.Dispatcher{},
		Compressor: compressor.RLE{},
		OutCtype:   format.CompressionXpress,
		NumWorkers: 1,
	}
	out := &fakeOut{}
	entries, err := p.Run(streams, out)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	serialOut := &fakeOut{}
	w := &resource.Writer{Opener: &source.Dispatcher{}}
	var serialEntries []format.ResourceEntry
	for _, s := range []*stream.Stream{
		newMemStream(repeating(1000, 'a')),
		newMemStream(repeating(format.ChunkSize*2, 'b')),
	} {
		e, err := w.WriteResource(s, serialOut, format.CompressionXpress, compressor.RLE{}, 0)
		require.NoError(t, err)
		serialEntries = append(serialEntries, e)
	}

	require.Equal(t, serialEntries, entries)
	require.Equal(t, serialOut.buf, out.buf)
}

func TestRunWithMultipleWorkersPreservesStreamOrder(t *testing.T) {
	streams := []*stream.Stream{
		newMemStream(repeating(format.ChunkSize*3, 'x')),
		newMemStream(repeating(500, 'y')),
		newMemStream(repeating(format.ChunkSize*2, 'z')),
	}

	p := &Pipeline{
		Opener:     &source.Dispatcher{},
		Compressor: compressor.RLE{},
		OutCtype:   format.CompressionXpress,
		NumWorkers: 4,
	}
	out := &fakeOut{}
	entries, err := p.Run(streams, out)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	var prevEnd uint64
	for i, e := range entries {
		require.Equal(t, streams[i].Size, e.OriginalSize)
		require.GreaterOrEqual(t, e.Offset, prevEnd, "resource %d must not overlap the previous one", i)
		prevEnd = e.Offset + e.Size
	}
	require.Equal(t, int64(prevEnd), int64(len(out.buf)))
}

// erroringReader fails every read at or past failAt, modeling a disk I/O
// error partway through a stream.
type erroringReader struct {
	data   []byte
	failAt int64
}

var errSimulatedReadFailure = errors.New("pipeline_test: simulated read failure")

func (r *erroringReader) ReadAt(p []byte, off int64) (int, error) {
	if off >= r.failAt {
		return 0, errSimulatedReadFailure
	}
	n := copy(p, r.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (r *erroringReader) Close() error { return nil }

// erroringOpener behaves like source.Dispatcher except for one designated
// stream, which it opens as an erroringReader instead.
type erroringOpener struct {
	d              source.Dispatcher
	failStream     *stream.Stream
	failAfterBytes int64
}

func (o *erroringOpener) Open(s *stream.Stream) (stream.Reader, error) {
	if s == o.failStream {
		return &erroringReader{data: s.Descriptor.Bytes, failAt: o.failAfterBytes}, nil
	}
	return o.d.Open(s)
}

func TestRunReturnsPromptlyOnHashMismatchDuringParallelCompression(t *testing.T) {
	s := newMemStream(repeating(format.ChunkSize*3, 'q'))
	s.Hash = [20]byte{0xff} // declared hash deliberately wrong, forces a mismatch

	p := &Pipeline{
		Opener:     &source.Dispatcher{},
		Compressor: compressor.RLE{},
		OutCtype:   format.CompressionXpress,
		NumWorkers: 4,
	}
	out := &fakeOut{}

	done := make(chan error, 1)
	go func() {
		_, err := p.Run([]*stream.Stream{s}, out)
		done <- err
	}()

	select {
	case err := <-done:
		require.Error(t, err)
		var mismatch *resource.HashMismatchError
		require.ErrorAs(t, err, &mismatch)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after a hash mismatch; the pipeline deadlocked")
	}
}

func TestRunReturnsPromptlyOnReadErrorMidStream(t *testing.T) {
	failing := newMemStream(repeating(format.ChunkSize*4, 'r'))
	streams := []*stream.Stream{
		failing,
		newMemStream(repeating(format.ChunkSize*4, 's')),
	}

	p := &Pipeline{
		Opener: &erroringOpener{
			failStream:     failing,
			failAfterBytes: format.ChunkSize,
		},
		Compressor: compressor.RLE{},
		OutCtype:   format.CompressionXpress,
		NumWorkers: 2,
	}
	out := &fakeOut{}

	done := make(chan error, 1)
	go func() {
		_, err := p.Run(streams, out)
		done <- err
	}()

	select {
	case err := <-done:
		require.Error(t, err)
		require.ErrorIs(t, err, errSimulatedReadFailure)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after a read error; the pipeline deadlocked")
	}
}

func TestRunWithZeroNumWorkersUsesCPUCount(t *testing.T) {
	streams := []*stream.Stream{newMemStream(repeating(format.ChunkSize*2, 'c'))}

	p := &Pipeline{
		Opener:     &source.Dispatcher{},
		Compressor: compressor.RLE{},
		OutCtype:   format.CompressionXpress,
		NumWorkers: 0,
	}
	_, err := p.Run(streams, &fakeOut{})
	require.NoError(t, err)
	require.Equal(t, runtime.NumCPU(), p.NumWorkers)
}

func TestRunDirectStreamsBypassCompression(t *testing.T) {
	streams := []*stream.Stream{
		newMemStream(nil),
		newMemStream([]byte("small")),
	}
	p := &Pipeline{
		Opener:     &source.Dispatcher{},
		Compressor: compressor.Noop(),
		OutCtype:   format.CompressionNone,
		NumWorkers: 2,
	}
	out := &fakeOut{}
	entries, err := p.Run(streams, out)
	require.NoError(t, err)
	require.Equal(t, format.ResourceEntry{}, entries[0])
	require.Equal(t, uint64(5), entries[1].Size)
	require.False(t, entries[1].Compressed())
}
