// Package trailer implements the three collaborators the full-write and
// overwrite controller (archive package) calls after the stream body has
// been written: the lookup table, the XML info blob, and the integrity
// table. Grounded on original_source/src/write.c's finish_write, which
// calls write_lookup_table / write_xml_data / write_integrity_table in
// that order and threads their ResourceEntry results back into the
// header.
package trailer

import (
	"crypto/sha1" // #nosec G505 -- integrity checksums, not security.
	"encoding/binary"
	"fmt"
	"io"

	"github.com/codenamedpkt/wimlib/format"
	"github.com/codenamedpkt/wimlib/stream"
)

// LookupTableEntry is one record of the lookup table: a stream's identity
// plus where it ended up in the output archive.
type LookupTableEntry struct {
	Hash          [20]byte
	RefCount      int
	ResourceEntry format.ResourceEntry
}

// onDiskLookupEntrySize is the encoded width of one lookup table record:
// a ResourceEntry (24 bytes), a 2-byte part number, a 4-byte refcount, and
// the 20-byte hash, matching the reference container's lookup table row
// shape.
const onDiskLookupEntrySize = 24 + 2 + 4 + 20

// WriteLookupTable appends every entry's on-disk record to out and
// returns the ResourceEntry describing the table itself. The table is
// never compressed, matching the reference corpus's treatment of the
// lookup table as plain fixed-width records.
func WriteLookupTable(entries []LookupTableEntry, out io.WriteSeeker) (format.ResourceEntry, error) {
	fileOffset, err := out.Seek(0, io.SeekCurrent)
	if err != nil {
		return format.ResourceEntry{}, fmt.Errorf("trailer: tell before lookup table: %w", err)
	}

	buf := make([]byte, onDiskLookupEntrySize)
	for _, e := range entries {
		if err := e.ResourceEntry.Marshal(buf[0:24]); err != nil {
			return format.ResourceEntry{}, fmt.Errorf("trailer: marshal lookup entry: %w", err)
		}
		binary.LittleEndian.PutUint16(buf[24:26], 1) // part number; spanning is a Non-goal
		binary.LittleEndian.PutUint32(buf[26:30], uint32(e.RefCount))
		copy(buf[30:50], e.Hash[:])

		if _, err := out.Write(buf); err != nil {
			return format.ResourceEntry{}, fmt.Errorf("trailer: write lookup entry: %w", err)
		}
	}

	size, err := out.Seek(0, io.SeekCurrent)
	if err != nil {
		return format.ResourceEntry{}, fmt.Errorf("trailer: tell after lookup table: %w", err)
	}

	return format.ResourceEntry{
		Size:         uint64(size - fileOffset),
		Offset:       uint64(fileOffset),
		OriginalSize: uint64(size - fileOffset),
	}, nil
}

// ImageInfo is the minimal per-image metadata the XML blob reports: the
// handful of fields every WIM XML info document carries regardless of
// what NTFS-specific attributes a real capture would add.
type ImageInfo struct {
	Index         int
	Name          string
	TotalBytes    uint64
	HardLinkBytes uint64
	Metadata      format.ResourceEntry
}

// WriteXML renders info as the archive's XML info blob and appends it to
// out, returning its ResourceEntry. totalBytesHint overrides the summed
// TotalBytes field when nonzero, matching write_xml_data's behavior when
// NO_LOOKUP_TABLE means the real total can't be derived from the lookup
// table the caller didn't write.
func WriteXML(images []ImageInfo, totalBytesHint uint64, out io.WriteSeeker) (format.ResourceEntry, error) {
	fileOffset, err := out.Seek(0, io.SeekCurrent)
	if err != nil {
		return format.ResourceEntry{}, fmt.Errorf("trailer: tell before xml: %w", err)
	}

	var body []byte
	body = append(body, []byte("<?xml version=\"1.0\" encoding=\"UTF-8\"?>\r\n<WIM>\r\n")...)
	for _, img := range images {
		total := img.TotalBytes
		if totalBytesHint != 0 {
			total = totalBytesHint
		}
		body = append(body, []byte(fmt.Sprintf(
			"<IMAGE INDEX=\"%d\">\r\n<NAME>%s</NAME>\r\n<TOTALBYTES>%d</TOTALBYTES>\r\n<HARDLINKBYTES>%d</HARDLINKBYTES>\r\n</IMAGE>\r\n",
			img.Index, img.Name, total, img.HardLinkBytes,
		))...)
	}
	body = append(body, []byte("</WIM>\r\n")...)

	// The reference format stores XML data as UTF-16LE; this writer keeps
	// the bytes UTF-8 on disk, a deliberate, documented divergence since
	// nothing in this repository parses the XML data back.
	if _, err := out.Write(body); err != nil {
		return format.ResourceEntry{}, fmt.Errorf("trailer: write xml: %w", err)
	}

	return format.ResourceEntry{
		Size:         uint64(len(body)),
		Offset:       uint64(fileOffset),
		OriginalSize: uint64(len(body)),
	}, nil
}

// integrityBlockSize is the granularity at which the integrity table
// hashes the file, matching the reference container's 10 MiB blocks.
const integrityBlockSize = 10 << 20

// WriteIntegrity reads the archive from its start up to lookupTableEnd in
// integrityBlockSize chunks, SHA-1-hashing each, and appends the
// resulting table to out. When oldLookupTableEnd is nonzero, blocks fully
// within that prefix are assumed unchanged and their hashes are reused
// from oldEntries rather than recomputed, matching
// WIMLIB_WRITE_FLAG_REUSE_INTEGRITY_TABLE.
func WriteIntegrity(r io.ReaderAt, lookupTableEnd int64, oldLookupTableEnd int64, oldEntries [][20]byte, out io.WriteSeeker) (format.ResourceEntry, error) {
	fileOffset, err := out.Seek(0, io.SeekCurrent)
	if err != nil {
		return format.ResourceEntry{}, fmt.Errorf("trailer: tell before integrity: %w", err)
	}

	numBlocks := int((lookupTableEnd + integrityBlockSize - 1) / integrityBlockSize)
	reusable := int(oldLookupTableEnd / integrityBlockSize)

	hashes := make([][20]byte, numBlocks)
	buf := make([]byte, integrityBlockSize)
	var off int64
	for i := 0; i < numBlocks; i++ {
		if oldLookupTableEnd != 0 && i < reusable && i < len(oldEntries) {
			hashes[i] = oldEntries[i]
			off += integrityBlockSize
			continue
		}

		toRead := lookupTableEnd - off
		if toRead > integrityBlockSize {
			toRead = integrityBlockSize
		}
		n, err := r.ReadAt(buf[:toRead], off)
		if err != nil && err != io.EOF {
			return format.ResourceEntry{}, fmt.Errorf("trailer: read integrity block %d: %w", i, err)
		}
		h := sha1.Sum(buf[:n]) // #nosec G401
		hashes[i] = h
		off += int64(n)
	}

	header := make([]byte, 12)
	binary.LittleEndian.PutUint32(header[0:4], uint32(12+20*numBlocks))
	binary.LittleEndian.PutUint32(header[4:8], uint32(numBlocks))
	binary.LittleEndian.PutUint32(header[8:12], integrityBlockSize)
	if _, err := out.Write(header); err != nil {
		return format.ResourceEntry{}, fmt.Errorf("trailer: write integrity header: %w", err)
	}
	for _, h := range hashes {
		if _, err := out.Write(h[:]); err != nil {
			return format.ResourceEntry{}, fmt.Errorf("trailer: write integrity hash: %w", err)
		}
	}

	size, err := out.Seek(0, io.SeekCurrent)
	if err != nil {
		return format.ResourceEntry{}, fmt.Errorf("trailer: tell after integrity: %w", err)
	}

	return format.ResourceEntry{
		Size:         uint64(size - fileOffset),
		Offset:       uint64(fileOffset),
		OriginalSize: uint64(size - fileOffset),
	}, nil
}

// LookupTableEntriesFromStreams builds the lookup table rows for a set of
// written streams, skipping any with Size 0 (empty streams carry no lookup
// table row in the reference format).
func LookupTableEntriesFromStreams(streams []*stream.Stream) []LookupTableEntry {
	entries := make([]LookupTableEntry, 0, len(streams))
	for _, s := range streams {
		if s.Size == 0 {
			continue
		}
		entries = append(entries, LookupTableEntry{
			Hash:          s.Hash,
			RefCount:      s.RefCountOut,
			ResourceEntry: s.OutputEntry,
		})
	}
	return entries
}
