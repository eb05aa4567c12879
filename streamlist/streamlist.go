// Package streamlist implements the stream-list driver (§4.6): the
// threshold policy that decides whether a batch of streams is written
// serially through resource.Writer or handed to the parallel
// pipeline.Pipeline, plus the progress notifications emitted as streams
// complete.
//
// Grounded on original_source/src/write.c's write_stream_list, which picks
// between write_stream_list_serial and write_stream_list_parallel on
// exactly this byte-count/thread-count threshold, and on its
// union wimlib_progress_info.write_streams progress struct shape.
package streamlist

import (
	"errors"
	"io"

	log "github.com/sirupsen/logrus"

	"github.com/codenamedpkt/wimlib/compressor"
	"github.com/codenamedpkt/wimlib/format"
	"github.com/codenamedpkt/wimlib/pipeline"
	"github.com/codenamedpkt/wimlib/resource"
	"github.com/codenamedpkt/wimlib/stream"
)

// ParallelThreshold is the minimum total uncompressed byte count (across
// all streams in one call) required before the parallel pipeline is even
// considered.
const ParallelThreshold = 1_000_000

// Progress describes one stream-completion notification.
type Progress struct {
	CompletedBytes   uint64
	CompletedStreams int
	TotalBytes       uint64
	TotalStreams     int
	NumThreads       int
	CompressionType  format.CompressionType
}

// ProgressFunc receives a Progress update after each completed stream. A
// non-nil error aborts the write, and Write returns that error unchanged.
type ProgressFunc func(Progress) error

// ErrOutOfMemory, when it comes back from the parallel path, makes Write
// fall back to the serial path described in §4.6 and §7. pipeline.Pipeline
// itself never returns it.
var ErrOutOfMemory = errors.New("streamlist: out of memory in parallel path")

// Driver writes a batch of streams, choosing between the serial and
// parallel engines per the §4.6 threshold policy.
type Driver struct {
	Opener     stream.Opener
	Compressor compressor.Compressor
	OutCtype   format.CompressionType
	NumThreads int
	Recompress bool
	Progress   ProgressFunc
}

// Write writes every stream in streams to out, in order, returning each
// stream's ResourceEntry.
func (d *Driver) Write(streams []*stream.Stream, out io.WriteSeeker) ([]format.ResourceEntry, error) {
	var totalBytes uint64
	for _, s := range streams {
		totalBytes += s.Size
	}

	useParallel := totalBytes >= ParallelThreshold && d.NumThreads != 1
	if useParallel {
		entries, err := d.writeParallel(streams, out, totalBytes)
		if err == nil {
			return entries, nil
		}
		if !errors.Is(err, ErrOutOfMemory) {
			return nil, err
		}
		log.Warnf("streamlist: parallel write ran out of memory; falling back to serial")
	}

	return d.writeSerial(streams, out, totalBytes)
}

func (d *Driver) writeParallel(streams []*stream.Stream, out io.WriteSeeker, totalBytes uint64) ([]format.ResourceEntry, error) {
	p := &pipeline.Pipeline{
		Opener:     d.Opener,
		Compressor: d.Compressor,
		OutCtype:   d.OutCtype,
		NumWorkers: d.NumThreads,
		Recompress: d.Recompress,
	}

	entries, err := p.Run(streams, out)
	if err != nil {
		return nil, err
	}

	if err := d.notifyAll(streams, totalBytes); err != nil {
		return nil, err
	}
	return entries, nil
}

func (d *Driver) writeSerial(streams []*stream.Stream, out io.WriteSeeker, totalBytes uint64) ([]format.ResourceEntry, error) {
	w := &resource.Writer{Opener: d.Opener}
	entries := make([]format.ResourceEntry, len(streams))

	var flags resource.Flag
	if d.Recompress {
		flags |= resource.Recompress
	}

	var completedBytes uint64
	for i, s := range streams {
		entry, err := w.WriteResource(s, out, d.OutCtype, d.Compressor, flags)
		if err != nil {
			return nil, err
		}
		entries[i] = entry
		completedBytes += s.Size

		if err := d.notify(Progress{
			CompletedBytes:   completedBytes,
			CompletedStreams: i + 1,
			TotalBytes:       totalBytes,
			TotalStreams:     len(streams),
			NumThreads:       1,
			CompressionType:  d.OutCtype,
		}); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

// notifyAll emits one progress update per stream after the parallel
// engine returns all of them at once; the parallel path has no natural
// per-stream completion hook to notify from incrementally.
func (d *Driver) notifyAll(streams []*stream.Stream, totalBytes uint64) error {
	var completedBytes uint64
	for i, s := range streams {
		completedBytes += s.Size
		if err := d.notify(Progress{
			CompletedBytes:   completedBytes,
			CompletedStreams: i + 1,
			TotalBytes:       totalBytes,
			TotalStreams:     len(streams),
			NumThreads:       d.NumThreads,
			CompressionType:  d.OutCtype,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) notify(p Progress) error {
	if d.Progress == nil {
		return nil
	}
	return d.Progress(p)
}
