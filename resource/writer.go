// Package resource implements the single-resource writer (§4.3): the
// routine that takes one stream.Stream and an output compression type and
// produces a ResourceEntry, choosing among raw-copy, uncompressed, and
// chunk-and-compress strategies.
//
// This is adapted from the teacher's catfs/mio compression writer: the
// same shape of "read a chunk, try to shrink it, fall back to storing it
// raw, record what actually got written" loop, rebuilt around
// chunktable.Table instead of the teacher's own chunked framing, and with
// SHA-1 accumulation folded in per §4.3 step 4.
package resource

import (
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"

	"github.com/codenamedpkt/wimlib/chunkbuf"
	"github.com/codenamedpkt/wimlib/chunktable"
	"github.com/codenamedpkt/wimlib/compressor"
	"github.com/codenamedpkt/wimlib/digest"
	"github.com/codenamedpkt/wimlib/format"
	"github.com/codenamedpkt/wimlib/source"
	"github.com/codenamedpkt/wimlib/stream"
)

// HashMismatchError is returned when a stream's declared hash disagrees
// with the digest computed while writing it, per §4.3 step 4.
type HashMismatchError struct {
	Declared [20]byte
	Computed [20]byte
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("resource: hash mismatch: declared %x, computed %x", e.Declared, e.Computed)
}

// Flag controls optional write behavior, mirroring the reference writer's
// per-call flag bits that matter at this layer.
type Flag uint32

const (
	// Recompress forces chunk-and-compress even when the stream's
	// existing on-disk encoding already matches out_ctype.
	Recompress Flag = 1 << iota
)

// Writer writes single resources to an output archive, given a way to
// open each stream's current bytes.
type Writer struct {
	Opener stream.Opener
}

// WriteResource implements the §4.3 decision table and returns the
// ResourceEntry describing the bytes it wrote (out must already be
// positioned at the resource's intended starting offset).
func (w *Writer) WriteResource(s *stream.Stream, out io.WriteSeeker, outCtype format.CompressionType, c compressor.Compressor, flags Flag) (format.ResourceEntry, error) {
	if s.Size == 0 {
		return format.ResourceEntry{}, nil
	}

	if s.Kind == stream.SourceEncryptedFile {
		return w.writePushed(s, out)
	}

	switch {
	case s.CompressedSize > 0 && s.ExistingCompression == outCtype && flags&Recompress == 0 && outCtype != format.CompressionNone:
		return w.writeRawCopy(s, out)
	case outCtype == format.CompressionNone:
		return w.writeUncompressed(s, out)
	default:
		return w.writeChunked(s, out, outCtype, c)
	}
}

// writePushed writes an encrypted-file stream (§4.2's SourceEncryptedFile):
// a push-style, read-once OS API that cannot be [de]compressed, so the
// bytes are stored exactly as pushed, digested as they arrive via
// source.PushAdapter rather than pulled through stream.Reader.ReadAt.
func (w *Writer) writePushed(s *stream.Stream, out io.WriteSeeker) (format.ResourceEntry, error) {
	if s.Descriptor.PushProducer == nil {
		return format.ResourceEntry{}, fmt.Errorf("resource: encrypted-file stream has no PushProducer configured")
	}

	fileOffset, err := out.Seek(0, io.SeekCurrent)
	if err != nil {
		return format.ResourceEntry{}, fmt.Errorf("resource: tell before pushed write: %w", err)
	}

	acc := digest.NewAccumulator()
	var written uint64
	var writeErr error

	adapter := source.NewPushAdapter(func(chunk []byte) error {
		acc.Write(chunk)
		if _, werr := out.Write(chunk); werr != nil {
			writeErr = fmt.Errorf("resource: write pushed chunk: %w", werr)
			return writeErr
		}
		written += uint64(len(chunk))
		return nil
	})

	if perr := s.Descriptor.PushProducer(adapter.Push); perr != nil {
		if writeErr != nil {
			return format.ResourceEntry{}, writeErr
		}
		return format.ResourceEntry{}, fmt.Errorf("resource: push producer: %w", perr)
	}
	if cerr := adapter.Close(); cerr != nil {
		if writeErr != nil {
			return format.ResourceEntry{}, writeErr
		}
		return format.ResourceEntry{}, fmt.Errorf("resource: flush trailing pushed data: %w", cerr)
	}
	if writeErr != nil {
		return format.ResourceEntry{}, writeErr
	}

	if err := checkHash(s, acc); err != nil {
		return format.ResourceEntry{}, err
	}

	return format.ResourceEntry{
		Size:         written,
		Flags:        0,
		Offset:       uint64(fileOffset),
		OriginalSize: s.Size,
	}, nil
}

// writeRawCopy copies a stream's already-encoded bytes byte-for-byte,
// skipping both the digest check and recompression, per §4.3's second
// decision-table row.
func (w *Writer) writeRawCopy(s *stream.Stream, out io.WriteSeeker) (format.ResourceEntry, error) {
	fileOffset, err := out.Seek(0, io.SeekCurrent)
	if err != nil {
		return format.ResourceEntry{}, fmt.Errorf("resource: tell before raw copy: %w", err)
	}

	r, err := w.Opener.Open(s)
	if err != nil {
		return format.ResourceEntry{}, fmt.Errorf("resource: open for raw copy: %w", err)
	}
	defer source.Close(s)

	n, err := copyAt(out, r, int64(s.CompressedSize))
	if err != nil {
		return format.ResourceEntry{}, fmt.Errorf("resource: raw copy: %w", err)
	}

	entry := format.ResourceEntry{
		Size:         uint64(n),
		Flags:        format.FlagRaw | format.FlagCompressed,
		Offset:       uint64(fileOffset),
		OriginalSize: s.Size,
	}
	log.Debugf("resource: raw-copied stream (size=%d) at offset %d", s.Size, fileOffset)
	return entry, nil
}

// writeUncompressed copies a stream's raw bytes and digests them as it
// goes, per §4.3's third decision-table row.
func (w *Writer) writeUncompressed(s *stream.Stream, out io.WriteSeeker) (format.ResourceEntry, error) {
	fileOffset, err := out.Seek(0, io.SeekCurrent)
	if err != nil {
		return format.ResourceEntry{}, fmt.Errorf("resource: tell before uncompressed write: %w", err)
	}

	r, err := w.Opener.Open(s)
	if err != nil {
		return format.ResourceEntry{}, fmt.Errorf("resource: open for uncompressed write: %w", err)
	}
	defer source.Close(s)

	acc := digest.NewAccumulator()
	cb := chunkbuf.NewChunkBuffer(make([]byte, format.ChunkSize))
	var written uint64
	var readOff int64

	for written < s.Size {
		toRead := int64(s.Size - written)
		if toRead > format.ChunkSize {
			toRead = format.ChunkSize
		}
		n, err := r.ReadAt(cb.Bytes()[:toRead], readOff)
		if n > 0 {
			cb.Reset(cb.Bytes()[:n])
			acc.Write(cb.Bytes())
			if _, werr := cb.WriteTo(out); werr != nil {
				return format.ResourceEntry{}, fmt.Errorf("resource: write uncompressed chunk: %w", werr)
			}
			written += uint64(n)
			readOff += int64(n)
		}
		if err != nil && err != io.EOF {
			return format.ResourceEntry{}, fmt.Errorf("resource: read uncompressed chunk: %w", err)
		}
		if n == 0 {
			break
		}
	}

	if err := checkHash(s, acc); err != nil {
		return format.ResourceEntry{}, err
	}

	entry := format.ResourceEntry{
		Size:         written,
		Flags:        0,
		Offset:       uint64(fileOffset),
		OriginalSize: s.Size,
	}
	return entry, nil
}

// writeChunked runs the chunk-and-compress loop of §4.3, including the
// "compression made it bigger" fallback to uncompressed storage.
func (w *Writer) writeChunked(s *stream.Stream, out io.WriteSeeker, outCtype format.CompressionType, c compressor.Compressor) (format.ResourceEntry, error) {
	fileOffset, err := out.Seek(0, io.SeekCurrent)
	if err != nil {
		return format.ResourceEntry{}, fmt.Errorf("resource: tell before chunked write: %w", err)
	}

	table, err := chunktable.Begin(out, s.Size, fileOffset)
	if err != nil {
		return format.ResourceEntry{}, fmt.Errorf("resource: begin chunk table: %w", err)
	}

	r, err := w.Opener.Open(s)
	if err != nil {
		return format.ResourceEntry{}, fmt.Errorf("resource: open for chunked write: %w", err)
	}
	defer source.Close(s)

	acc := digest.NewAccumulator()
	raw := make([]byte, format.ChunkSize)
	compressed := make([]byte, format.ChunkSize)
	var readOff int64
	remaining := s.Size

	for i := uint64(0); i < table.NumChunks(); i++ {
		toRead := remaining
		if toRead > format.ChunkSize {
			toRead = format.ChunkSize
		}

		n, err := r.ReadAt(raw[:toRead], readOff)
		if err != nil && err != io.EOF {
			return format.ResourceEntry{}, fmt.Errorf("resource: read chunk %d: %w", i, err)
		}
		if uint64(n) != toRead {
			return format.ResourceEntry{}, fmt.Errorf("resource: short read on chunk %d: got %d want %d", i, n, toRead)
		}
		acc.Write(raw[:n])
		readOff += int64(n)
		remaining -= uint64(n)

		written, werr := compressAndWriteChunk(out, c, raw[:n], compressed)
		if werr != nil {
			return format.ResourceEntry{}, werr
		}
		if err := table.Record(uint64(written)); err != nil {
			return format.ResourceEntry{}, fmt.Errorf("resource: record chunk %d: %w", i, err)
		}
	}

	if err := checkHash(s, acc); err != nil {
		return format.ResourceEntry{}, err
	}

	encodedBodySize, err := chunktable.Finalize(table, out)
	if err != nil {
		return format.ResourceEntry{}, fmt.Errorf("resource: finalize chunk table: %w", err)
	}

	if encodedBodySize >= s.Size {
		log.Debugf("resource: compression did not shrink stream (size=%d, encoded=%d); falling back to uncompressed", s.Size, encodedBodySize)
		if _, err := out.Seek(fileOffset, io.SeekStart); err != nil {
			return format.ResourceEntry{}, fmt.Errorf("resource: seek back for fallback: %w", err)
		}
		// Release the chunked pass's reader so writeUncompressed can open
		// the stream again.
		source.Close(s)
		entry, err := w.writeUncompressed(s, out)
		if err != nil {
			return format.ResourceEntry{}, err
		}
		if f, ok := out.(truncater); ok {
			if err := f.Truncate(fileOffset + int64(s.Size)); err != nil {
				return format.ResourceEntry{}, fmt.Errorf("resource: truncate after fallback: %w", err)
			}
		}
		return entry, nil
	}

	entry := format.ResourceEntry{
		Size:         encodedBodySize,
		Flags:        format.FlagCompressed,
		Offset:       uint64(fileOffset),
		OriginalSize: s.Size,
	}
	return entry, nil
}

// truncater is satisfied by *os.File; the fallback path only needs it when
// writing to a real file, so it is probed rather than required.
type truncater interface {
	Truncate(size int64) error
}

// compressAndWriteChunk compresses one chunk, falling back to writing it
// raw when the compressor reports compressor.ErrNotSmaller (or any chunk
// that didn't actually shrink), and returns the number of bytes written.
func compressAndWriteChunk(out io.Writer, c compressor.Compressor, raw []byte, scratch []byte) (int, error) {
	if len(raw) > 0 {
		n, err := c.Compress(raw, scratch[:len(raw)-boundOrZero(len(raw))])
		if err == nil && n > 0 && n < len(raw) {
			if _, werr := out.Write(scratch[:n]); werr != nil {
				return 0, fmt.Errorf("resource: write compressed chunk: %w", werr)
			}
			return n, nil
		}
		if err != nil && err != compressor.ErrNotSmaller {
			return 0, fmt.Errorf("resource: compress chunk: %w", err)
		}
	}

	if _, err := out.Write(raw); err != nil {
		return 0, fmt.Errorf("resource: write raw chunk: %w", err)
	}
	return len(raw), nil
}

// boundOrZero is the one byte compressAndWriteChunk trims from the output
// capacity (out_buf_cap is defined as in_len-1 per §6.3), or 0 for an empty
// chunk so the slice bound can never go negative. A single-byte chunk thus
// gets a zero-capacity buffer, which no compressor can shrink into.
func boundOrZero(n int) int {
	if n == 0 {
		return 0
	}
	return 1
}

func checkHash(s *stream.Stream, acc *digest.Accumulator) error {
	computed := acc.Sum20()
	if s.HashIsZero() {
		s.Hash = computed
		logDigest("adopted", acc, computed)
		return nil
	}
	if !digest.Equal(s.Hash, computed) {
		return &HashMismatchError{Declared: s.Hash, Computed: computed}
	}
	logDigest("verified", acc, computed)
	return nil
}

// logDigest renders the running digest in both its OCI and multihash forms
// for the debug log line, the dedup-key shape callers are expected to index
// streams by (§4.10).
func logDigest(verb string, acc *digest.Accumulator, sum [20]byte) {
	mh, err := digest.Multihash(sum)
	if err != nil {
		log.Debugf("resource: %s stream digest %s", verb, acc.Digest())
		return
	}
	log.Debugf("resource: %s stream digest %s (%s)", verb, acc.Digest(), mh)
}

// copyAt copies exactly n bytes from r (starting at offset 0) to out,
// returning the number of bytes copied.
func copyAt(out io.Writer, r stream.Reader, n int64) (int64, error) {
	buf := make([]byte, format.ChunkSize)
	var copied int64
	var off int64
	for copied < n {
		toRead := n - copied
		if toRead > int64(len(buf)) {
			toRead = int64(len(buf))
		}
		rn, err := r.ReadAt(buf[:toRead], off)
		if rn > 0 {
			if _, werr := out.Write(buf[:rn]); werr != nil {
				return copied, werr
			}
			copied += int64(rn)
			off += int64(rn)
		}
		if err != nil && err != io.EOF {
			return copied, err
		}
		if rn == 0 {
			break
		}
	}
	return copied, nil
}
