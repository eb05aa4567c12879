// Package config implements the configuration layer (§4.8): a YAML-backed
// WriterConfig, typed accessors for the knobs the rest of the writer
// consults, and the section layout §6.6 documents.
//
// Grounded on the teacher's repo.Repository / gateway server config idiom:
// a github.com/sahib/config.Config tree opened from a DefaultMapping, read
// through typed accessors (cfg.String/.Int/.Bool/.Section), and persisted
// with config.ToYamlFile — the same shape Hookey-brig/repo/repo.go and
// Hookey-brig/gateway/server.go use, generalized from brig's repo-wide
// config to this writer's narrower section set.
package config

import (
	"fmt"
	"os"

	e "github.com/pkg/errors"
	"github.com/sahib/config"

	"github.com/codenamedpkt/wimlib/format"
)

// defaults describes every key this writer reads, mirroring the shape of
// brig's own defaults table (key -> default value, docs, restart-needed).
var defaults = config.DefaultMapping{
	"compression.type": config.DefaultEntry{
		Default:      "xpress",
		NeedsRestart: false,
		Docs:         "Compression algorithm for new resources: none, xpress, or lzx.",
	},
	"compression.recompress": config.DefaultEntry{
		Default:      false,
		NeedsRestart: false,
		Docs:         "Recompress streams even if their existing encoding already matches compression.type.",
	},
	"pipeline.threads": config.DefaultEntry{
		Default:      0,
		NeedsRestart: false,
		Docs:         "Worker goroutines for parallel compression; 0 selects a writer-chosen default.",
	},
	"pipeline.queue_depth": config.DefaultEntry{
		Default:      0,
		NeedsRestart: false,
		Docs:         "Bounded queue capacity between the I/O goroutine and workers; 0 selects 2x threads. Read through QueueDepth(); archive.Writer does not pass it to the pipeline.",
	},
	"integrity.check": config.DefaultEntry{
		Default:      true,
		NeedsRestart: false,
		Docs:         "Allow an integrity table to be written when the caller requests one; false suppresses it. An existing integrity table is never verified.",
	},
	"overwrite.allow_rebuild": config.DefaultEntry{
		Default:      true,
		NeedsRestart: false,
		Docs:         "Permit falling back to rebuild-via-tempfile when in-place overwrite hits ResourceOrderError.",
	},
	"overwrite.fsync": config.DefaultEntry{
		Default:      false,
		NeedsRestart: false,
		Docs:         "fsync the output file before closing.",
	},
	"format.min_version": config.DefaultEntry{
		Default:      "1.9.0",
		NeedsRestart: false,
		Docs:         "Minimum on-disk WIM format version this writer will produce.",
	},
	"format.max_version": config.DefaultEntry{
		Default:      "1.14.0",
		NeedsRestart: false,
		Docs:         "Maximum on-disk WIM format version this writer will produce.",
	},
}

// WriterConfig wraps a config.Config tree and exposes the typed
// accessors C6/C7 consult.
type WriterConfig struct {
	tree *config.Config
}

// Open loads a WriterConfig from path, seeded with defaults for any key
// the file doesn't set. A nonexistent path is not an error: Open returns
// a config built entirely from defaults, matching the reference corpus's
// "config file is optional, defaults carry the repo" convention.
func Open(path string) (*WriterConfig, error) {
	tree, err := config.Open(nil, defaults)
	if err != nil {
		return nil, e.Wrap(err, "config: open default mapping")
	}

	if path != "" {
		if err := config.LoadYamlFile(path, tree); err != nil && !os.IsNotExist(err) {
			return nil, e.Wrapf(err, "config: load %s", path)
		}
	}

	return &WriterConfig{tree: tree}, nil
}

// Save persists the configuration as YAML to path.
func (w *WriterConfig) Save(path string) error {
	if err := config.ToYamlFile(path, w.tree); err != nil {
		return e.Wrapf(err, "config: save %s", path)
	}
	return nil
}

// CompressionType returns the configured archive-wide compression
// algorithm.
func (w *WriterConfig) CompressionType() (format.CompressionType, error) {
	switch w.tree.String("compression.type") {
	case "none":
		return format.CompressionNone, nil
	case "xpress":
		return format.CompressionXpress, nil
	case "lzx":
		return format.CompressionLzx, nil
	default:
		return 0, fmt.Errorf("config: unknown compression.type %q", w.tree.String("compression.type"))
	}
}

// Recompress reports whether streams should be recompressed even when
// their existing encoding already matches CompressionType.
func (w *WriterConfig) Recompress() bool {
	return w.tree.Bool("compression.recompress")
}

// Threads returns the configured worker count for the parallel pipeline.
func (w *WriterConfig) Threads() int {
	return w.tree.Int("pipeline.threads")
}

// QueueDepth returns the configured bounded-queue capacity, or 0 to let
// the pipeline pick its own default.
func (w *WriterConfig) QueueDepth() int {
	return w.tree.Int("pipeline.queue_depth")
}

// CheckIntegrity reports whether an integrity table should be written.
func (w *WriterConfig) CheckIntegrity() bool {
	return w.tree.Bool("integrity.check")
}

// AllowRebuild reports whether ResourceOrderError during in-place
// overwrite may fall back to rebuild-via-tempfile.
func (w *WriterConfig) AllowRebuild() bool {
	return w.tree.Bool("overwrite.allow_rebuild")
}

// Fsync reports whether the output file should be fsynced before close.
func (w *WriterConfig) Fsync() bool {
	return w.tree.Bool("overwrite.fsync")
}

// VersionRange returns the configured minimum and maximum on-disk WIM
// format versions, as semantic-version strings (see version.Gate).
func (w *WriterConfig) VersionRange() (min, max string) {
	return w.tree.String("format.min_version"), w.tree.String("format.max_version")
}

// Section exposes a raw subtree for callers (e.g. tests) that need direct
// access beyond the typed accessors above.
func (w *WriterConfig) Section(key string) *config.Config {
	return w.tree.Section(key)
}
