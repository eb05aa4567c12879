package source

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/codenamedpkt/wimlib/format"
)

// ArchiveResourceReader provides random access to a resource that is
// already present in the archive being overwritten: a stream whose
// SourceKind is SourceInCurrentArchive.
//
// Its chunk-table handling is grounded on the teacher's compress.Reader:
// parse the table once, lazily, the way compress.Reader.parseTrailerIfNeeded
// works, adapted from the teacher's private record format to this
// container's ResourceEntry + little-endian offset array. Because every
// chunk but the last holds exactly format.ChunkSize logical bytes, the chunk
// covering a logical offset is found by division rather than by searching
// the table.
type ArchiveResourceReader struct {
	archive io.ReaderAt
	entry   format.ResourceEntry

	mu      sync.Mutex
	parsed  bool
	offsets []uint64 // offsets[0] == 0, implicit on disk
}

// NewArchiveResourceReader returns a reader over the resource described by
// entry, within archive.
func NewArchiveResourceReader(archive io.ReaderAt, entry format.ResourceEntry) *ArchiveResourceReader {
	return &ArchiveResourceReader{archive: archive, entry: entry}
}

func (r *ArchiveResourceReader) parseIfNeeded() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.parsed {
		return nil
	}

	if !r.entry.Compressed() {
		r.parsed = true
		return nil
	}

	numChunks := format.NumChunks(r.entry.OriginalSize)
	bytesPerEntry := format.BytesPerChunkEntry(r.entry.OriginalSize)
	tableDiskSize := int64(numChunks-1) * int64(bytesPerEntry)

	r.offsets = make([]uint64, numChunks)
	if tableDiskSize > 0 {
		buf := make([]byte, tableDiskSize)
		if _, err := r.archive.ReadAt(buf, int64(r.entry.Offset)); err != nil {
			return fmt.Errorf("source: read chunk table: %w", err)
		}
		for i := uint64(1); i < numChunks; i++ {
			pos := int((i - 1)) * bytesPerEntry
			if bytesPerEntry == 8 {
				r.offsets[i] = binary.LittleEndian.Uint64(buf[pos : pos+8])
			} else {
				r.offsets[i] = uint64(binary.LittleEndian.Uint32(buf[pos : pos+4]))
			}
		}
	}

	r.parsed = true
	return nil
}

// chunkIndexForOffset returns the index of the chunk that contains logical
// (uncompressed) offset rawOff, analogous to compress.Reader.chunkLookup
// but operating on WIM's fixed ChunkSize rather than an arbitrary index.
func (r *ArchiveResourceReader) chunkIndexForOffset(rawOff int64) uint64 {
	return uint64(rawOff) / format.ChunkSize
}

// ReadAt decompresses (if necessary) and returns len(p) bytes starting at
// logical offset off within the resource's uncompressed content.
func (r *ArchiveResourceReader) ReadAt(p []byte, off int64) (int, error) {
	if err := r.parseIfNeeded(); err != nil {
		return 0, err
	}

	if !r.entry.Compressed() {
		return r.archive.ReadAt(p, int64(r.entry.Offset)+off)
	}

	read := 0
	for read < len(p) {
		chunkIdx := r.chunkIndexForOffset(off + int64(read))
		chunkData, err := r.readChunk(chunkIdx)
		if err != nil {
			return read, err
		}

		chunkStart := int64(chunkIdx) * format.ChunkSize
		within := off + int64(read) - chunkStart
		n := copy(p[read:], chunkData[within:])
		read += n
		if n == 0 {
			return read, io.EOF
		}
	}
	return read, nil
}

// readChunk decompresses chunk number idx. Declared here as the seam
// where a real implementation would call the §6.3 Compressor's inverse;
// since decoding existing archives is out of the writer's core scope
// (§1 Non-goals), this only supports the degenerate "chunk stored
// uncompressed because compression made it bigger" case directly, and
// otherwise returns an error naming the gap explicitly rather than
// silently returning garbage.
func (r *ArchiveResourceReader) readChunk(idx uint64) ([]byte, error) {
	numChunks := format.NumChunks(r.entry.OriginalSize)
	if idx >= numChunks {
		return nil, io.EOF
	}

	bytesPerEntry := format.BytesPerChunkEntry(r.entry.OriginalSize)
	tableDiskSize := int64(numChunks-1) * int64(bytesPerEntry)

	chunkStart := r.offsets[idx]
	var chunkEnd uint64
	if idx+1 < numChunks {
		chunkEnd = r.offsets[idx+1]
	} else {
		chunkEnd = r.entry.Size - uint64(tableDiskSize)
	}

	encSize := chunkEnd - chunkStart
	rawSize := format.ChunkSize
	if idx == numChunks-1 {
		rawSize = int(r.entry.OriginalSize - idx*format.ChunkSize)
	}

	buf := make([]byte, encSize)
	absOff := int64(r.entry.Offset) + tableDiskSize + int64(chunkStart)
	if _, err := r.archive.ReadAt(buf, absOff); err != nil {
		return nil, fmt.Errorf("source: read chunk %d: %w", idx, err)
	}

	if int(encSize) == rawSize {
		// Stored uncompressed (the per-chunk "didn't shrink" outcome).
		return buf, nil
	}

	return nil, fmt.Errorf("source: chunk %d is compressed; decoding existing archive resources is out of scope for the writer core", idx)
}

// sortedOffsetSearch is a binary search over a sorted offset array, kept
// as a standalone function the same way the teacher's chunkLookup is
// separable from I/O. Nothing in this package calls it; ReadAt locates
// chunks by division instead.
func sortedOffsetSearch(offsets []uint64, target uint64) int {
	return sort.Search(len(offsets), func(i int) bool { return offsets[i] > target })
}
