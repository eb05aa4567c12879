package source

import (
	"bytes"
	"fmt"

	"github.com/codenamedpkt/wimlib/format"
)

// ChunkFunc receives one CHUNK_SIZE-aligned (or final, shorter) chunk of a
// push-style source's data, in order, and reports any error handling it.
type ChunkFunc func(chunk []byte) error

// PushAdapter reassembles a push-style, read-once, non-seekable stream
// (the "raw encrypted" source kind of §4.2 — modeling an OS API such as
// Windows EFS that only offers whole-file streaming) into CHUNK_SIZE
// units and hands each one to a ChunkFunc as it becomes available.
//
// This is adapted from the teacher's encrypt.Writer: the same
// accumulate-into-a-buffer-then-flush-full-blocks structure (rbuf,
// flushPack, headerWritten), with the AEAD/nonce machinery removed — this
// writer has no encryption concern, SHA-1 here is for dedup only — and the
// block boundary changed from the cipher's maxBlockSize to format.ChunkSize.
type PushAdapter struct {
	rbuf      *bytes.Buffer
	onChunk   ChunkFunc
	flushed   int
	closed    bool
}

// NewPushAdapter returns an adapter that calls onChunk once per
// format.ChunkSize-sized unit of pushed data (the final call may be
// shorter).
func NewPushAdapter(onChunk ChunkFunc) *PushAdapter {
	return &PushAdapter{
		rbuf:    &bytes.Buffer{},
		onChunk: onChunk,
	}
}

// Push feeds the next slice of pushed data into the adapter. It is the
// moral equivalent of encrypt.Writer.Write, minus the header and cipher
// framing: buffer until a full chunk accumulates, then flush it.
func (a *PushAdapter) Push(p []byte) error {
	if a.closed {
		return fmt.Errorf("source: push to a closed PushAdapter")
	}

	if _, err := a.rbuf.Write(p); err != nil {
		return fmt.Errorf("source: buffer pushed data: %w", err)
	}

	for a.rbuf.Len() >= format.ChunkSize {
		if err := a.flush(a.rbuf.Next(format.ChunkSize)); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes any trailing partial chunk. After Close, the adapter must
// not be pushed to again; it is read-once, as the specification requires
// for this source kind.
func (a *PushAdapter) Close() error {
	if a.closed {
		return nil
	}
	a.closed = true

	if a.rbuf.Len() > 0 {
		return a.flush(a.rbuf.Bytes())
	}
	return nil
}

func (a *PushAdapter) flush(chunk []byte) error {
	// Copy out: chunk aliases rbuf's internal storage, which the next
	// Push call will overwrite.
	cp := make([]byte, len(chunk))
	copy(cp, chunk)

	a.flushed++
	return a.onChunk(cp)
}

// FlushedChunks reports how many chunks have been emitted so far, for
// diagnostics and tests.
func (a *PushAdapter) FlushedChunks() int { return a.flushed }
