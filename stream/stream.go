// Package stream holds the writer's in-memory model of one content blob
// (a "stream" in WIM terminology): its identity, where its bytes currently
// live, and where they end up once written.
package stream

import (
	"fmt"
	"sync"

	"github.com/codenamedpkt/wimlib/format"
)

// SourceKind identifies where a stream's bytes currently come from.
type SourceKind int

const (
	// SourceInCurrentArchive means the bytes are already present in the
	// archive being overwritten, at a known offset.
	SourceInCurrentArchive SourceKind = iota
	// SourceOnDiskFile means the bytes live in a regular file reachable
	// by path.
	SourceOnDiskFile
	// SourceInMemory means the bytes are held in a byte slice supplied
	// by the caller.
	SourceInMemory
	// SourceNTFSAttribute means the bytes are an NTFS stream attribute,
	// read through the external NTFS collaborator (out of scope; only
	// the descriptor is modeled here).
	SourceNTFSAttribute
	// SourceNativeHandle means the bytes come from a platform-native
	// open handle supplied by the caller.
	SourceNativeHandle
	// SourceEncryptedFile means the bytes come from a push-style,
	// read-once, non-seekable OS API (e.g. Windows EFS); see
	// source.PushAdapter.
	SourceEncryptedFile
	// SourceNonexistent means the stream has no backing data at all
	// (e.g. a zero-length stream); writing it is a no-op.
	SourceNonexistent
)

func (k SourceKind) String() string {
	switch k {
	case SourceInCurrentArchive:
		return "in-current-archive"
	case SourceOnDiskFile:
		return "on-disk-file"
	case SourceInMemory:
		return "in-memory"
	case SourceNTFSAttribute:
		return "ntfs-attribute"
	case SourceNativeHandle:
		return "native-handle"
	case SourceEncryptedFile:
		return "encrypted-file"
	case SourceNonexistent:
		return "nonexistent"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// PushProducer drives a push-style, read-once source (SourceEncryptedFile):
// it must call push, in order, once per slice of data it receives from the
// underlying OS API, and return either the first error push reports or an
// error of its own.
type PushProducer func(push func([]byte) error) error

// Descriptor is the union of per-kind location data. Only the field
// matching Stream.Kind is meaningful.
type Descriptor struct {
	Path           string // SourceOnDiskFile
	Bytes          []byte // SourceInMemory
	ArchiveOffset  uint64 // SourceInCurrentArchive
	NativeHandle   interface{}
	NTFSAttrName   string
	PushProducer   PushProducer // SourceEncryptedFile
}

// Reader is the capability interface implemented by every stream-source
// adapter (§6.2 of the specification). It is intentionally narrow: a
// source need only support positioned reads of a known total size, except
// for push-style sources, which are driven through Descriptor.PushProducer
// and source.PushAdapter instead.
type Reader interface {
	ReadAt(p []byte, off int64) (int, error)
	Close() error
}

// Opener is implemented by whatever knows how to turn a Stream's
// Descriptor into a live Reader. Exactly one Reader may be open per
// Stream at a time; callers are expected to call Close deterministically.
type Opener interface {
	Open(s *Stream) (Reader, error)
}

// Stream is one content-addressed blob pending (or already) written.
type Stream struct {
	mu sync.Mutex

	// Hash is the stream's SHA-1 digest. All-zero means "not yet known;
	// adopt the digest computed on first write."
	Hash [20]byte

	// Size is the original, uncompressed byte length.
	Size uint64

	// CompressedSize is the on-disk size of the existing encoded form,
	// if any (zero if the stream isn't already encoded anywhere).
	CompressedSize uint64

	// ExistingCompression is the compression type already applied to
	// this stream's bytes, if CompressedSize > 0.
	ExistingCompression format.CompressionType

	Kind       SourceKind
	Descriptor Descriptor

	// OutputEntry is filled in once the stream has been written to the
	// output archive.
	OutputEntry format.ResourceEntry

	// RefCountOut is the number of references to this stream in the
	// *output* image, distinct from however many references it has in
	// whatever input produced it.
	RefCountOut int

	reader       Reader
	readerClosed bool
}

// HashIsZero reports whether the declared hash is the zero value, meaning
// "unknown; adopt on first write" per the data model invariant.
func (s *Stream) HashIsZero() bool {
	return s.Hash == [20]byte{}
}

// AttachReader records the reader opened for this stream. It is an error
// to attach a second reader before the first is released via
// DetachReader; the writer core guarantees at most one in-flight reader
// per stream.
func (s *Stream) AttachReader(r Reader) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reader != nil {
		return fmt.Errorf("stream: reader already attached for %x", s.Hash)
	}
	s.reader = r
	s.readerClosed = false
	return nil
}

// DetachReader closes and forgets the stream's reader, if any. It is safe
// to call more than once.
func (s *Stream) DetachReader() error {
	s.mu.Lock()
	r := s.reader
	s.reader = nil
	closed := s.readerClosed
	s.readerClosed = true
	s.mu.Unlock()

	if r == nil || closed {
		return nil
	}
	return r.Close()
}
