package format

import (
	"encoding/binary"
	"fmt"
)

// Header is the fixed 212-byte structure at offset 0 of every WIM archive.
// It is written twice: once as a zeroed placeholder before the body is
// written, and once, finalized, after every other section is in place.
type Header struct {
	Version         uint32
	Flags           HeaderFlag
	CompressionType CompressionType
	ChunkSize       uint32

	PartNumber  uint16
	TotalParts  uint16
	ImageCount  uint32
	BootIndex   uint32

	LookupTable ResourceEntry
	XML         ResourceEntry
	Boot        ResourceEntry
	Integrity   ResourceEntry
}

// NewPlaceholder returns a Header suitable for writing before the body:
// every ResourceEntry is zeroed, and WriteInProgress is set so a reader
// that sees the placeholder (e.g. a crash mid-write) can tell the archive
// is incomplete.
func NewPlaceholder(version uint32, ctype CompressionType) Header {
	return Header{
		Version:         version,
		Flags:           HeaderFlagWriteInProgress | compressionFlag(ctype),
		CompressionType: ctype,
		ChunkSize:       ChunkSize,
		PartNumber:      1,
		TotalParts:      1,
	}
}

func compressionFlag(ctype CompressionType) HeaderFlag {
	if ctype == CompressionNone {
		return 0
	}
	return HeaderFlagCompression
}

// Marshal encodes h into the fixed 212-byte on-disk header, including the
// leading magic bytes.
func (h Header) Marshal() []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:8], magic[:])
	binary.LittleEndian.PutUint32(buf[8:12], HeaderSize)
	binary.LittleEndian.PutUint32(buf[12:16], h.Version)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(h.Flags))
	binary.LittleEndian.PutUint32(buf[20:24], h.ChunkSize)

	off := 24
	for _, e := range []ResourceEntry{h.LookupTable, h.XML, h.Boot} {
		// Errors are impossible here: buf is always large enough.
		_ = e.Marshal(buf[off : off+onDiskResourceEntrySize])
		off += onDiskResourceEntrySize
	}

	binary.LittleEndian.PutUint32(buf[off:off+4], h.BootIndex)
	off += 4

	_ = h.Integrity.Marshal(buf[off : off+onDiskResourceEntrySize])
	off += onDiskResourceEntrySize

	binary.LittleEndian.PutUint16(buf[off:off+2], h.PartNumber)
	off += 2
	binary.LittleEndian.PutUint16(buf[off:off+2], h.TotalParts)
	off += 2
	binary.LittleEndian.PutUint32(buf[off:off+4], h.ImageCount)

	return buf
}

// UnmarshalHeader decodes a Header from its on-disk 212-byte form.
func UnmarshalHeader(buf []byte) (Header, error) {
	var h Header
	if len(buf) < HeaderSize {
		return h, fmt.Errorf("format: header buffer too small: %d", len(buf))
	}
	for i, b := range magic {
		if buf[i] != b {
			return h, fmt.Errorf("format: bad magic at byte %d", i)
		}
	}

	h.Version = binary.LittleEndian.Uint32(buf[12:16])
	h.Flags = HeaderFlag(binary.LittleEndian.Uint32(buf[16:20]))
	h.ChunkSize = binary.LittleEndian.Uint32(buf[20:24])

	off := 24
	entries := make([]ResourceEntry, 3)
	for i := range entries {
		e, err := UnmarshalResourceEntry(buf[off : off+onDiskResourceEntrySize])
		if err != nil {
			return h, err
		}
		entries[i] = e
		off += onDiskResourceEntrySize
	}
	h.LookupTable, h.XML, h.Boot = entries[0], entries[1], entries[2]

	h.BootIndex = binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4

	integrity, err := UnmarshalResourceEntry(buf[off : off+onDiskResourceEntrySize])
	if err != nil {
		return h, err
	}
	h.Integrity = integrity
	off += onDiskResourceEntrySize

	h.PartNumber = binary.LittleEndian.Uint16(buf[off : off+2])
	off += 2
	h.TotalParts = binary.LittleEndian.Uint16(buf[off : off+2])
	off += 2
	h.ImageCount = binary.LittleEndian.Uint32(buf[off : off+4])

	if h.Flags&HeaderFlagCompression != 0 {
		h.CompressionType = CompressionLzx
	} else {
		h.CompressionType = CompressionNone
	}

	return h, nil
}
