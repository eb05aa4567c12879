// Package chunkbuf provides a reusable, Read/Write/Seek-capable buffer
// sized to hold one chunk's worth of bytes, so the per-chunk copy loops in
// resource.Writer don't need a fresh allocation on every iteration.
//
// Adapted from the teacher's catfs/mio/chunkbuf.ChunkBuffer — same
// Read/Write/Seek/WriteTo shape, relocated out of the catfs/mio tree (this
// module has no catfs layer) and pointed at this module's own util
// package instead of sahib/brig/util.
package chunkbuf

import (
	"io"

	"github.com/codenamedpkt/wimlib/util"
)

// defaultSize is used when NewChunkBuffer is called with nil data.
const defaultSize = 64 * 1024

// ChunkBuffer is a fixed-capacity buffer with independent read/write
// cursors, letting a caller write a chunk's bytes in, hash or inspect them,
// then drain them out via WriteTo without a second copy.
type ChunkBuffer struct {
	buf      []byte
	readOff  int64
	writeOff int64
	size     int64
}

// NewChunkBuffer returns a ChunkBuffer taking ownership of data. If data
// is nil, a defaultSize-byte buffer is allocated.
func NewChunkBuffer(data []byte) *ChunkBuffer {
	if data == nil {
		data = make([]byte, defaultSize)
	}
	return &ChunkBuffer{buf: data, size: int64(len(data))}
}

// Write copies p into the buffer starting at the current write cursor.
func (c *ChunkBuffer) Write(p []byte) (int, error) {
	n := copy(c.buf[c.writeOff:c.size], p)
	c.writeOff += int64(n)
	c.size = util.Max64(c.size, c.writeOff)
	return n, nil
}

// Reset discards prior contents and takes ownership of data as the new
// backing array, with both cursors at the start.
func (c *ChunkBuffer) Reset(data []byte) {
	c.readOff = 0
	c.writeOff = 0
	c.size = int64(len(data))
	c.buf = data
}

// Len reports how many unread bytes remain.
func (c *ChunkBuffer) Len() int {
	return int(c.size - c.readOff)
}

// Bytes returns the full valid (written) portion of the backing array,
// independent of the read cursor; used to hash or re-inspect a chunk
// after it has been filled but before it is drained via WriteTo.
func (c *ChunkBuffer) Bytes() []byte {
	return c.buf[:c.size]
}

// Read implements io.Reader from the current read cursor.
func (c *ChunkBuffer) Read(p []byte) (int, error) {
	n := copy(p, c.buf[c.readOff:c.size])
	c.readOff += int64(n)
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Seek implements io.Seeker over the read cursor.
func (c *ChunkBuffer) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekCurrent:
		c.readOff += offset
	case io.SeekEnd:
		c.readOff = c.size + offset
	case io.SeekStart:
		c.readOff = offset
	}
	c.readOff = util.Min64(c.readOff, c.size)
	c.writeOff = c.readOff
	return c.readOff, nil
}

// Close is a no-op, present only to satisfy io.Closer.
func (c *ChunkBuffer) Close() error {
	return nil
}

// WriteTo drains the unread portion of the buffer into w, advancing the
// read cursor to the end.
func (c *ChunkBuffer) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(c.buf[c.readOff:c.size])
	if err != nil {
		return 0, err
	}
	c.readOff += int64(n)
	return int64(n), nil
}
