package streamlist

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codenamedpkt/wimlib/compressor"
	"github.com/codenamedpkt/wimlib/format"
	"github.com/codenamedpkt/wimlib/source"
	"github.com/codenamedpkt/wimlib/stream"
)

var errStop = errors.New("streamlist test: stop")

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

func TestWriteUsesSerialBelowThreshold(t *testing.T) {
	var updates []Progress
	d := &Driver{
		Opener:     &source.Dispatcher{},
		Compressor: compressor.RLE{},
		OutCtype:   format.CompressionXpress,
		NumThreads: 4,
		Progress:   func(p Progress) error { updates = append(updates, p); return nil },
	}

	streams := []*stream.Stream{newMemStream([]byte("small content"))}
	out := &fakeOut{}
	entries, err := d.Write(streams, out)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Len(t, updates, 1)
	require.Equal(t, 1, updates[0].NumThreads, "serial path reports one thread regardless of NumThreads")
}

func TestWriteUsesSerialWhenSingleThreadRequestedEvenAboveThreshold(t *testing.T) {
	big := make([]byte, ParallelThreshold+1)
	d := &Driver{
		Opener:     &source.Dispatcher{},
		Compressor: compressor.RLE{},
		OutCtype:   format.CompressionXpress,
		NumThreads: 1,
	}
	streams := []*stream.Stream{newMemStream(big)}
	out := &fakeOut{}
	entries, err := d.Write(streams, out)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestWriteUsesParallelAboveThresholdWithMultipleThreads(t *testing.T) {
	big := make([]byte, ParallelThreshold+format.ChunkSize)
	for i := range big {
		big[i] = 'q'
	}

	var updates []Progress
	d := &Driver{
		Opener:     &source.Dispatcher{},
		Compressor: compressor.RLE{},
		OutCtype:   format.CompressionXpress,
		NumThreads: 4,
		Progress:   func(p Progress) error { updates = append(updates, p); return nil },
	}
	streams := []*stream.Stream{newMemStream(big)}
	out := &fakeOut{}
	entries, err := d.Write(streams, out)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.True(t, entries[0].Compressed())
	require.NotEmpty(t, updates)
	require.Equal(t, 4, updates[0].NumThreads)
}

func TestProgressCallbackErrorAbortsWrite(t *testing.T) {
	d := &Driver{
		Opener:     &source.Dispatcher{},
		Compressor: compressor.RLE{},
		OutCtype:   format.CompressionXpress,
		NumThreads: 1,
		Progress:   func(Progress) error { return errStop },
	}
	streams := []*stream.Stream{newMemStream([]byte("a")), newMemStream([]byte("b"))}
	out := &fakeOut{}
	_, err := d.Write(streams, out)
	require.ErrorIs(t, err, errStop)
}
