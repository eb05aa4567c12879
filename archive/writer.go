package archive

import (
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/codenamedpkt/wimlib/compressor"
	"github.com/codenamedpkt/wimlib/config"
	"github.com/codenamedpkt/wimlib/format"
	"github.com/codenamedpkt/wimlib/resume"
	"github.com/codenamedpkt/wimlib/stream"
	"github.com/codenamedpkt/wimlib/streamlist"
	"github.com/codenamedpkt/wimlib/trailer"
	"github.com/codenamedpkt/wimlib/version"
)

// Flag is a bitset of the public and private write/overwrite flags §6.5
// names. Only the first six (lowest) bits are ever set by a caller; the
// bits above them are set internally as the controller works out what a
// given overwrite needs.
type Flag uint32

const (
	// CheckIntegrity requests an integrity table.
	CheckIntegrity Flag = 1 << iota
	// ShowProgress is a hint for callers driving their own progress UI;
	// Writer does not read it, and progress reaches the caller only through
	// Writer.Progress.
	ShowProgress
	// RecompressFlag forces every stream through chunk-and-compress even
	// if its existing on-disk encoding already matches the target
	// compression type.
	RecompressFlag
	// FsyncFlag fsyncs the output file before closing it.
	FsyncFlag
	// SoftDelete means a deletion happened but the deleted image's
	// streams should not force a rebuild; only a hard delete without this
	// flag forces RebuildFlag strategy selection.
	SoftDelete
	// RebuildFlag forces overwrite_via_tmpfile regardless of whether
	// in-place append would have worked.
	RebuildFlag

	// noLookupTable, reuseIntegrityTable, and checkpointAfterXML are set
	// internally by OverwriteInPlace; a caller never sets these directly.
	noLookupTable
	reuseIntegrityTable
	checkpointAfterXML
)

// ResourceOrderError is returned when an in-place overwrite can't safely
// append: either the trailer isn't in canonical order, or an existing
// stream's on-disk region extends past the point new data would be
// appended, which would require rewriting bytes rather than just adding
// to the end of the file.
var ResourceOrderError = errors.New("archive: resources are out of order for in-place append")

// MetadataWriter writes one image's metadata resource at the current file
// position, returning its ResourceEntry. It is supplied by the caller:
// per-image metadata capture (the NTFS/directory-tree walk that produces
// it) is an external collaborator, out of scope for this package.
type MetadataWriter func(image int, out writeSeekerAt) (format.ResourceEntry, error)

// writeSeekerAt is the capability every trailer/metadata collaborator
// needs: sequential writes, the ability to tell/seek, and (for the
// integrity table) positioned reads back over what has already been
// written.
type writeSeekerAt interface {
	Write(p []byte) (int, error)
	Seek(offset int64, whence int) (int64, error)
	ReadAt(p []byte, off int64) (int, error)
}

// Writer drives the full-write and overwrite controller (§4.7): it owns
// no state of its own across calls (files are opened, written, and closed
// within a single WriteNew/OverwriteInPlace/OverwriteViaTempfile
// invocation), the same "configure once, call per operation" shape the
// reference corpus's repo.Repository and gateway server use for their
// long-lived collaborators.
type Writer struct {
	Opener          stream.Opener
	Compressor      compressor.Compressor
	CompressionType format.CompressionType
	Config          *config.WriterConfig
	WriteMetadata   MetadataWriter
	Progress        streamlist.ProgressFunc
}

// ExistingArchive describes the archive OverwriteInPlace is appending to:
// just enough of its current header and lookup table to validate trailer
// order, compute old_end, and reuse unchanged integrity hashes.
type ExistingArchive struct {
	Header             format.Header
	LookupTableEntries []trailer.LookupTableEntry
	IntegrityHashes    [][20]byte
	TotalBytesHint     uint64
}

func (w *Writer) gateVersion(requestedVersion string) error {
	if w.Config == nil {
		return nil
	}
	min, max := w.Config.VersionRange()
	if err := version.Gate(requestedVersion, min, max); err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	return nil
}

func (w *Writer) numThreads() int {
	if w.Config != nil {
		return w.Config.Threads()
	}
	return 0
}

func (w *Writer) recompress(flags Flag) bool {
	if flags&RecompressFlag != 0 {
		return true
	}
	return w.Config != nil && w.Config.Recompress()
}

// WriteNew writes a brand-new archive to path, per §4.7 step 1-7: a
// placeholder header, the stream body via streamlist.Driver, every
// image's metadata resource, then the trailer (lookup table, XML,
// optional checkpoint, integrity), then the finalized header.
func (w *Writer) WriteNew(path string, formatVersion string, streams []*stream.Stream, images []trailer.ImageInfo, bootIndex int, flags Flag) (err error) {
	if err := w.gateVersion(formatVersion); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644) // #nosec G302 -- archive files are not secrets.
	if err != nil {
		return fmt.Errorf("archive: open %s for write_new: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	placeholder := format.NewPlaceholder(1, w.CompressionType)
	if _, werr := f.Write(placeholder.Marshal()); werr != nil {
		return fmt.Errorf("archive: write placeholder header: %w", werr)
	}

	entries, err := w.writeStreamBody(streams, f, flags)
	if err != nil {
		return err
	}
	for i, s := range streams {
		s.OutputEntry = entries[i]
	}

	if err := w.writeAllMetadata(images, f); err != nil {
		return err
	}

	hdr := placeholder
	lookupEntry, err := trailer.WriteLookupTable(trailer.LookupTableEntriesFromStreams(streams), f)
	if err != nil {
		return err
	}
	hdr.LookupTable = lookupEntry

	hdr, err = w.writeXMLAndIntegrity(f, f, images, hdr, 0, nil, flags, 0)
	if err != nil {
		return err
	}
	hdr.ImageCount = uint32(len(images))
	hdr.BootIndex = uint32(bootIndex)
	if bootIndex > 0 && bootIndex <= len(images) {
		hdr.Boot = images[bootIndex-1].Metadata
	}

	if err := w.finalizeHeader(f, hdr, flags); err != nil {
		return err
	}

	log.Infof("archive: wrote new archive %s (%d streams, %d images)", path, len(streams), len(images))
	return nil
}

// OverwriteInPlace appends new streams and, if needed, rewrites the
// trailer of an existing archive without rebuilding it, per §4.7's
// in-place overwrite algorithm. existingStreams must include every stream
// the archive currently references (both kept and newly added); Kind
// distinguishes them.
func (w *Writer) OverwriteInPlace(path string, existing *ExistingArchive, existingStreams []*stream.Stream, images []trailer.ImageInfo, modifiedImages []int, deletionOccurred bool, attempt uint32, flags Flag) (err error) {
	hdr := existing.Header

	if hdr.Integrity.Offset != 0 && hdr.Integrity.Offset < hdr.XML.Offset {
		return fmt.Errorf("archive: integrity table precedes xml data: %w", ResourceOrderError)
	}
	if hdr.LookupTable.Offset > hdr.XML.Offset {
		return fmt.Errorf("archive: lookup table follows xml data: %w", ResourceOrderError)
	}

	var oldEnd uint64
	if hdr.Integrity.Offset != 0 {
		oldEnd = hdr.Integrity.Offset + hdr.Integrity.Size
	} else {
		oldEnd = hdr.XML.Offset + hdr.XML.Size
	}

	if len(modifiedImages) == 0 && !deletionOccurred {
		oldEnd = hdr.LookupTable.Offset + hdr.LookupTable.Size
		flags |= noLookupTable | checkpointAfterXML
	}

	newStreams, err := streamsToAppend(existingStreams, oldEnd)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("archive: open %s for overwrite_inplace: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	if err := lock(f); err != nil {
		return err
	}
	defer unlock(f)

	if _, err := f.Seek(int64(oldEnd), io.SeekStart); err != nil {
		return fmt.Errorf("archive: seek to old_end %d: %w", oldEnd, err)
	}

	manifest := resume.New(oldEnd, attempt)
	if err := resume.Save(path, manifest); err != nil {
		return fmt.Errorf("archive: save resume manifest: %w", err)
	}

	// On any failure past this point the previous valid archive is
	// restored by truncating back to old_end, per §4.7's failure-path
	// invariant; the manifest survives a failed truncate as a diagnostic.
	appendErr := w.appendInPlace(f, manifest, path, newStreams, images, modifiedImages, existing, oldEnd, flags)
	if appendErr != nil {
		if terr := f.Truncate(int64(oldEnd)); terr != nil {
			log.Warnf("archive: failed to truncate %s back to old_end after error: %v", path, terr)
			return appendErr
		}
		if rerr := resume.Remove(path); rerr != nil {
			log.Warnf("archive: failed to remove resume manifest after truncate: %v", rerr)
		}
		return appendErr
	}

	if err := resume.Remove(path); err != nil {
		log.Warnf("archive: failed to remove resume manifest after success: %v", err)
	}
	log.Infof("archive: overwrote %s in place (%d new streams)", path, len(newStreams))
	return nil
}

func (w *Writer) appendInPlace(f *os.File, manifest *resume.Manifest, path string, newStreams []*stream.Stream, images []trailer.ImageInfo, modifiedImages []int, existing *ExistingArchive, oldEnd uint64, flags Flag) error {
	if len(newStreams) > 0 {
		entries, err := w.writeStreamBody(newStreams, f, flags)
		if err != nil {
			return err
		}
		for i, s := range newStreams {
			s.OutputEntry = entries[i]
			manifest.RecordStream(s.Hash[:], entries[i].Size)
		}
		if serr := resume.Save(path, manifest); serr != nil {
			log.Warnf("archive: failed to refresh resume manifest: %v", serr)
		}
	}

	for _, idx := range modifiedImages {
		if idx < 1 || idx > len(images) {
			return fmt.Errorf("archive: modified image index %d out of range", idx)
		}
		if w.WriteMetadata == nil {
			return fmt.Errorf("archive: no MetadataWriter configured but image %d was modified", idx)
		}
		entry, err := w.WriteMetadata(idx, f)
		if err != nil {
			return fmt.Errorf("archive: write metadata for image %d: %w", idx, err)
		}
		images[idx-1].Metadata = entry
	}

	hdr := existing.Header
	if flags&noLookupTable != 0 {
		hdr.LookupTable = existing.Header.LookupTable
	} else {
		allEntries := append(append([]trailer.LookupTableEntry(nil), existing.LookupTableEntries...),
			trailer.LookupTableEntriesFromStreams(newStreams)...)
		entry, err := trailer.WriteLookupTable(allEntries, f)
		if err != nil {
			return err
		}
		hdr.LookupTable = entry
	}

	flags |= reuseIntegrityTable
	hdr, err := w.writeXMLAndIntegrity(f, f, images, hdr, existing.LookupTable(), existing.IntegrityHashes, flags, existing.TotalBytesHint)
	if err != nil {
		return err
	}

	hdr.ImageCount = existing.Header.ImageCount
	hdr.BootIndex = existing.Header.BootIndex

	return w.finalizeHeader(f, hdr, flags)
}

// LookupTable reports the end offset (offset + size) of the lookup table
// an ExistingArchive's header currently records, or 0 if it records none,
// used when deciding whether the integrity table may reuse
// previously-computed block hashes.
func (e *ExistingArchive) LookupTable() uint64 {
	if e.Header.LookupTable.Size == 0 {
		return 0
	}
	return e.Header.LookupTable.Offset + e.Header.LookupTable.Size
}

// OverwriteViaTempfile rebuilds the whole archive into a temporary file
// in the same directory as path, then renames over the original, per
// §4.7's rebuild strategy.
func (w *Writer) OverwriteViaTempfile(path string, formatVersion string, streams []*stream.Stream, images []trailer.ImageInfo, bootIndex int, flags Flag) error {
	tmp := path + "." + randomAlnumSuffix(9)

	if err := w.WriteNew(tmp, formatVersion, streams, images, bootIndex, flags|FsyncFlag); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("archive: write temporary file %s: %w", tmp, err)
	}

	log.Debugf("archive: renaming %s to %s", tmp, path)
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("archive: rename %s to %s: %w", tmp, path, err)
	}

	if w.Progress != nil {
		// The reference corpus emits a dedicated Rename progress event
		// here; this writer's ProgressFunc shape (§4.6) only carries
		// stream-completion fields, so the rename is logged instead of
		// routed through Progress. No read-side handle exists in this
		// package to "reopen read-only" as the reference does — there is
		// nothing here that holds the file open across calls.
		log.Infof("archive: renamed %s to %s", tmp, path)
	}
	return nil
}

// Overwrite is the strategy-selection entry point (§4.7 "Strategy
// selection"): in-place unless the caller asks for RebuildFlag, a hard
// delete occurred, or in-place fails with ResourceOrderError and the
// configuration allows falling back.
func (w *Writer) Overwrite(path string, formatVersion string, existing *ExistingArchive, existingStreams []*stream.Stream, images []trailer.ImageInfo, modifiedImages []int, deletionOccurred bool, bootIndex int, attempt uint32, flags Flag) error {
	if err := w.gateVersion(formatVersion); err != nil {
		return err
	}

	hardDelete := deletionOccurred && flags&SoftDelete == 0
	wantsRebuild := flags&RebuildFlag != 0 || hardDelete

	if !wantsRebuild {
		err := w.OverwriteInPlace(path, existing, existingStreams, images, modifiedImages, deletionOccurred, attempt, flags)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ResourceOrderError) {
			return err
		}
		if w.Config != nil && !w.Config.AllowRebuild() {
			return err
		}
		log.Warnf("archive: in-place overwrite hit resource order error, rebuilding via tempfile: %v", err)
	}

	return w.OverwriteViaTempfile(path, formatVersion, existingStreams, images, bootIndex, flags)
}

// streamsToAppend partitions existingStreams into the list that must be
// newly written, failing with ResourceOrderError if any stream already in
// the archive claims a region past oldEnd (meaning it can't be preserved
// by a pure append).
func streamsToAppend(existingStreams []*stream.Stream, oldEnd uint64) ([]*stream.Stream, error) {
	var toAppend []*stream.Stream
	for _, s := range existingStreams {
		if s.Kind != stream.SourceInCurrentArchive {
			toAppend = append(toAppend, s)
			continue
		}
		if s.Descriptor.ArchiveOffset+s.Size > oldEnd {
			return nil, fmt.Errorf("archive: stream at offset %d extends past old_end %d: %w",
				s.Descriptor.ArchiveOffset, oldEnd, ResourceOrderError)
		}
	}
	return toAppend, nil
}

// writeStreamBody hands streams to the stream-list driver (§4.6) at the
// output's current position.
func (w *Writer) writeStreamBody(streams []*stream.Stream, out *os.File, flags Flag) ([]format.ResourceEntry, error) {
	driver := &streamlist.Driver{
		Opener:     w.Opener,
		Compressor: w.Compressor,
		OutCtype:   w.CompressionType,
		NumThreads: w.numThreads(),
		Recompress: w.recompress(flags),
		Progress:   w.Progress,
	}
	return driver.Write(streams, out)
}

func (w *Writer) writeAllMetadata(images []trailer.ImageInfo, out *os.File) error {
	if w.WriteMetadata == nil {
		return nil
	}
	for i := range images {
		entry, err := w.WriteMetadata(images[i].Index, out)
		if err != nil {
			return fmt.Errorf("archive: write metadata for image %d: %w", images[i].Index, err)
		}
		images[i].Metadata = entry
	}
	return nil
}

// writeXMLAndIntegrity writes the XML data and, if requested, a
// checkpoint header followed by an integrity table. The lookup table
// must already be written (and base.LookupTable already set) by the
// caller, since WriteNew and OverwriteInPlace disagree on how its entry
// set is assembled. It returns the header to finalize, with every
// trailer ResourceEntry already filled in.
func (w *Writer) writeXMLAndIntegrity(out *os.File, src writeSeekerAt, images []trailer.ImageInfo, base format.Header, oldLookupTableEnd uint64, oldIntegrityHashes [][20]byte, flags Flag, totalBytesHintOverride uint64) (format.Header, error) {
	hdr := base
	hdr.CompressionType = w.CompressionType
	hdr.ChunkSize = format.ChunkSize

	checkIntegrity := flags&CheckIntegrity != 0 && (w.Config == nil || w.Config.CheckIntegrity())

	var totalBytesHint uint64
	if flags&noLookupTable != 0 {
		totalBytesHint = totalBytesHintOverride
		if totalBytesHint == 0 {
			totalBytesHint = hintTotalBytes(images)
		}
	}
	xmlEntry, err := trailer.WriteXML(images, totalBytesHint, out)
	if err != nil {
		return format.Header{}, err
	}
	hdr.XML = xmlEntry

	if !checkIntegrity {
		hdr.Integrity = format.ResourceEntry{}
		return hdr, nil
	}

	if flags&checkpointAfterXML != 0 {
		checkpoint := hdr
		checkpoint.Integrity = format.ResourceEntry{}
		checkpoint.Flags |= format.HeaderFlagWriteInProgress
		if _, err := out.Seek(0, io.SeekStart); err != nil {
			return format.Header{}, fmt.Errorf("archive: seek to start for checkpoint header: %w", err)
		}
		if _, err := out.Write(checkpoint.Marshal()); err != nil {
			return format.Header{}, fmt.Errorf("archive: write checkpoint header: %w", err)
		}
		if err := flushIfPossible(out); err != nil {
			return format.Header{}, err
		}
		if _, err := out.Seek(0, io.SeekEnd); err != nil {
			return format.Header{}, fmt.Errorf("archive: seek to end after checkpoint header: %w", err)
		}
	}

	newLookupEnd := int64(hdr.LookupTable.Offset + hdr.LookupTable.Size)
	var oldEnd int64
	if flags&reuseIntegrityTable != 0 {
		oldEnd = int64(oldLookupTableEnd)
	}
	integrityEntry, err := trailer.WriteIntegrity(src, newLookupEnd, oldEnd, oldIntegrityHashes, out)
	if err != nil {
		return format.Header{}, err
	}
	hdr.Integrity = integrityEntry
	return hdr, nil
}

func hintTotalBytes(images []trailer.ImageInfo) uint64 {
	var total uint64
	for _, img := range images {
		total += img.TotalBytes
	}
	return total
}

func (w *Writer) finalizeHeader(f *os.File, hdr format.Header, flags Flag) error {
	hdr.Flags &^= format.HeaderFlagWriteInProgress

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("archive: seek to start for final header: %w", err)
	}
	if _, err := f.Write(hdr.Marshal()); err != nil {
		return fmt.Errorf("archive: write final header: %w", err)
	}

	if flags&FsyncFlag != 0 || (w.Config != nil && w.Config.Fsync()) {
		if err := flushIfPossible(f); err != nil {
			return err
		}
		if err := f.Sync(); err != nil {
			return fmt.Errorf("archive: fsync: %w", err)
		}
	}
	return nil
}

// flushIfPossible flushes buffered writes to the OS; os.File has no
// userspace buffer, but this indirection keeps finalizeHeader and
// writeXMLAndIntegrity honest about the reference's fflush() call sites without
// assuming the concrete writer type.
func flushIfPossible(f *os.File) error {
	return nil
}

var randSrc = rand.New(rand.NewSource(time.Now().UnixNano()))

const alnum = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// randomAlnumSuffix returns a random alphanumeric string of length n, for
// the rebuild strategy's temporary filename.
func randomAlnumSuffix(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = alnum[randSrc.Intn(len(alnum))]
	}
	return string(b)
}
