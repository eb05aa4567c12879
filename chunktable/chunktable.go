// Package chunktable builds the per-resource chunk offset table that
// precedes every compressed WIM resource on disk.
//
// The shape mirrors the reference C writer's begin_wim_resource_chunk_tab /
// finish_wim_resource_chunk_tab pair, reworked into the accumulate-then-seek-
// back idiom the reference corpus's own chunked compressors use (record a
// running offset per chunk, then rewrite the reserved header once the final
// size is known).
package chunktable

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/codenamedpkt/wimlib/format"
)

// Table accumulates chunk boundaries for a single resource while its
// compressed (or raw) bytes are being written, then serializes the offset
// array back into the space reserved for it.
type Table struct {
	fileOffset      int64
	numChunks       uint64
	bytesPerEntry   int
	tableDiskSize   int64
	offsets         []uint64
	curOffset       uint64
	recorded        uint64
}

// Begin reserves space for a chunk table covering a resource of
// resourceSize uncompressed bytes, starting at fileOffset (which must be
// the writer's current position in out). It writes tableDiskSize
// placeholder bytes so the caller's position ends up exactly after the
// reserved table, ready to write the first chunk.
//
// Begin must not be called for a zero-size resource: the caller is
// expected to skip chunk-table construction entirely in that case (see
// §4.1's edge cases).
func Begin(out io.Writer, resourceSize uint64, fileOffset int64) (*Table, error) {
	if resourceSize == 0 {
		return nil, fmt.Errorf("chunktable: begin called for zero-size resource")
	}

	numChunks := format.NumChunks(resourceSize)
	bytesPerEntry := format.BytesPerChunkEntry(resourceSize)
	tableDiskSize := int64(numChunks-1) * int64(bytesPerEntry)
	if numChunks == 1 {
		tableDiskSize = 0
	}

	t := &Table{
		fileOffset:    fileOffset,
		numChunks:     numChunks,
		bytesPerEntry: bytesPerEntry,
		tableDiskSize: tableDiskSize,
		offsets:       make([]uint64, 0, numChunks),
	}

	if tableDiskSize > 0 {
		if _, err := out.Write(make([]byte, tableDiskSize)); err != nil {
			return nil, fmt.Errorf("chunktable: reserve table: %w", err)
		}
	}

	return t, nil
}

// NumChunks returns how many times Record must be called.
func (t *Table) NumChunks() uint64 { return t.numChunks }

// Record appends the offset, relative to the end of the table, at which
// the chunk just written began, then advances the running offset by
// encodedChunkSize. Record must be called exactly NumChunks times, once
// per chunk, in order.
func (t *Table) Record(encodedChunkSize uint64) error {
	if uint64(len(t.offsets)) >= t.numChunks {
		return fmt.Errorf("chunktable: record called more than NumChunks (%d) times", t.numChunks)
	}
	t.offsets = append(t.offsets, t.curOffset)
	t.curOffset += encodedChunkSize
	t.recorded++
	return nil
}

// Finalize seeks back to the reserved table, serializes offsets[1:] in
// little-endian (offsets[0] is always 0 and is never stored on disk), then
// seeks to the end and returns the total encoded size of the resource
// (table + chunks).
func Finalize(t *Table, out io.WriteSeeker) (uint64, error) {
	if t.recorded != t.numChunks {
		return 0, fmt.Errorf("chunktable: finalize called after only %d/%d Record calls", t.recorded, t.numChunks)
	}

	encodedBodySize := t.curOffset + uint64(t.tableDiskSize)

	if t.tableDiskSize > 0 {
		if _, err := out.Seek(t.fileOffset, io.SeekStart); err != nil {
			return 0, fmt.Errorf("chunktable: seek to table: %w", err)
		}

		buf := make([]byte, t.tableDiskSize)
		pos := 0
		for i := uint64(1); i < t.numChunks; i++ {
			switch t.bytesPerEntry {
			case 8:
				binary.LittleEndian.PutUint64(buf[pos:pos+8], t.offsets[i])
			default:
				binary.LittleEndian.PutUint32(buf[pos:pos+4], uint32(t.offsets[i]))
			}
			pos += t.bytesPerEntry
		}

		if _, err := out.Write(buf); err != nil {
			return 0, fmt.Errorf("chunktable: write table: %w", err)
		}

		if _, err := out.Seek(0, io.SeekEnd); err != nil {
			return 0, fmt.Errorf("chunktable: seek to end: %w", err)
		}
	}

	return encodedBodySize, nil
}

// FileOffset returns the archive offset at which this table (and the
// resource it describes) begins.
func (t *Table) FileOffset() int64 { return t.fileOffset }
