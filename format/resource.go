package format

import (
	"encoding/binary"
	"fmt"
)

// ResourceEntry is the 24-byte logical record that locates one resource
// (a compressed-or-not blob) in the archive: its lookup-table entry, the
// XML entry, the boot metadata entry, and the integrity table entry all
// share this shape.
//
// On disk the size field is a 56-bit (7-byte) little-endian integer packed
// together with the one-byte flags field, matching the historical WIM
// layout; Offset and OriginalSize are plain 64-bit little-endian.
type ResourceEntry struct {
	// Size is the number of bytes this resource occupies on disk
	// (including any chunk table, for compressed resources).
	Size uint64
	// Flags holds the ResourceFlag bitset.
	Flags ResourceFlag
	// Offset is the byte position in the archive where this resource
	// begins.
	Offset uint64
	// OriginalSize is the uncompressed length of the resource.
	OriginalSize uint64
}

// onDiskResourceEntrySize is the encoded size of a ResourceEntry.
const onDiskResourceEntrySize = 8 + 8 + 8

// Compressed reports whether the resource is stored as a chunk table
// followed by compressed chunks.
func (r ResourceEntry) Compressed() bool {
	return r.Flags&FlagCompressed != 0
}

// Marshal encodes r into the on-disk 24-byte representation.
func (r ResourceEntry) Marshal(buf []byte) error {
	if len(buf) < onDiskResourceEntrySize {
		return fmt.Errorf("format: resource entry buffer too small: %d", len(buf))
	}

	// Pack size (56 bits) and flags (8 bits) into the first 8 bytes, low
	// byte first, matching the reference container's historical layout.
	var sizeAndFlags [8]byte
	binary.LittleEndian.PutUint64(sizeAndFlags[:], r.Size&0x00ffffffffffffff)
	sizeAndFlags[7] = byte(r.Flags)

	copy(buf[0:8], sizeAndFlags[:])
	binary.LittleEndian.PutUint64(buf[8:16], r.Offset)
	binary.LittleEndian.PutUint64(buf[16:24], r.OriginalSize)
	return nil
}

// UnmarshalResourceEntry decodes a ResourceEntry from its on-disk form.
func UnmarshalResourceEntry(buf []byte) (ResourceEntry, error) {
	var r ResourceEntry
	if len(buf) < onDiskResourceEntrySize {
		return r, fmt.Errorf("format: resource entry buffer too small: %d", len(buf))
	}

	sizeAndFlags := binary.LittleEndian.Uint64(buf[0:8])
	r.Size = sizeAndFlags & 0x00ffffffffffffff
	r.Flags = ResourceFlag(buf[7])
	r.Offset = binary.LittleEndian.Uint64(buf[8:16])
	r.OriginalSize = binary.LittleEndian.Uint64(buf[16:24])
	return r, nil
}

// BytesPerChunkEntry returns the width, in bytes, of each serialized chunk
// table offset for a resource of the given uncompressed size: 8 if the
// resource is 4 GiB or larger, else 4.
func BytesPerChunkEntry(originalSize uint64) int {
	if originalSize >= (1 << 32) {
		return 8
	}
	return 4
}

// NumChunks returns ceil(originalSize / ChunkSize), with a minimum of 0 for
// an empty resource (which has no chunk table at all).
func NumChunks(originalSize uint64) uint64 {
	if originalSize == 0 {
		return 0
	}
	return (originalSize + ChunkSize - 1) / ChunkSize
}
