// Package source implements the resource reader abstraction (§4.2, §6.2):
// a uniform, chunked read interface over the heterogeneous places a
// stream's bytes can live. Each source_kind gets its own small adapter; the
// Dispatcher ties a stream.Stream to the right one and enforces "at most
// one in-flight reader per stream", mirroring the reference C writer's
// prepare_resource_for_read / end_wim_resource_read pair, translated from
// "cache a FILE* on the lookup-table entry" into "cache a capability
// interface on the Stream".
package source

import (
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/codenamedpkt/wimlib/stream"
)

// Dispatcher opens the right Reader for a stream based on its SourceKind,
// and is the single place new source kinds get registered. It is the Go
// analogue of the reference writer's switch over resource_location.
type Dispatcher struct {
	// ArchiveReaderAt is the archive this writer is appending to or
	// rewriting, used for SourceInCurrentArchive streams. It may be nil
	// if the writer never needs to re-read already-archived bytes
	// (e.g. a from-scratch write_new with no resource reuse).
	ArchiveReaderAt io.ReaderAt
}

// Open returns a Reader for s, honoring the "at most one in-flight reader"
// invariant: if s already has a reader attached, that error is surfaced
// rather than silently opening a second one.
func (d *Dispatcher) Open(s *stream.Stream) (stream.Reader, error) {
	var r stream.Reader
	var err error

	switch s.Kind {
	case stream.SourceOnDiskFile:
		r, err = openFile(s.Descriptor.Path)
	case stream.SourceInMemory:
		r = newMemoryReader(s.Descriptor.Bytes)
	case stream.SourceInCurrentArchive:
		if d.ArchiveReaderAt == nil {
			return nil, fmt.Errorf("source: stream references current archive but no archive reader was configured")
		}
		r = NewArchiveResourceReader(d.ArchiveReaderAt, s.OutputEntry)
	case stream.SourceNativeHandle:
		nh, ok := s.Descriptor.NativeHandle.(stream.Reader)
		if !ok {
			return nil, fmt.Errorf("source: native handle does not implement stream.Reader")
		}
		r = nh
	case stream.SourceEncryptedFile:
		return nil, fmt.Errorf("source: encrypted-file sources are read-once and must be consumed via PushAdapter, not Open/ReadAt")
	case stream.SourceNonexistent:
		return nil, fmt.Errorf("source: stream has no backing data")
	default:
		return nil, fmt.Errorf("source: unsupported source kind %v", s.Kind)
	}

	if err != nil {
		return nil, fmt.Errorf("source: open %v: %w", s.Kind, err)
	}

	if err := s.AttachReader(r); err != nil {
		_ = r.Close()
		return nil, err
	}

	log.Debugf("source: opened %v reader for stream (size=%d)", s.Kind, s.Size)
	return r, nil
}

// Close releases whatever reader is attached to s, logging but not
// failing the caller if the underlying close errors (matching the
// reference writer's end_wim_resource_read, which is void and cannot
// fail).
func Close(s *stream.Stream) {
	if err := s.DetachReader(); err != nil {
		log.Warnf("source: error closing reader: %v", err)
	}
}

// fileReader adapts an *os.File to stream.Reader.
type fileReader struct {
	f *os.File
}

func openFile(path string) (stream.Reader, error) {
	f, err := os.Open(path) // #nosec G304 -- path supplied by the archive's own caller.
	if err != nil {
		return nil, err
	}
	return &fileReader{f: f}, nil
}

func (r *fileReader) ReadAt(p []byte, off int64) (int, error) {
	return r.f.ReadAt(p, off)
}

func (r *fileReader) Close() error {
	return r.f.Close()
}

// memoryReader adapts an in-memory byte slice to stream.Reader.
type memoryReader struct {
	data []byte
}

func newMemoryReader(data []byte) stream.Reader {
	return &memoryReader{data: data}
}

func (r *memoryReader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(r.data)) {
		return 0, io.EOF
	}
	n := copy(p, r.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (r *memoryReader) Close() error { return nil }
