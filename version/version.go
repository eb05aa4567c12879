// Package version implements the version gate (§4.12): a fail-fast check,
// run before any I/O, that the requested on-disk WIM format version falls
// within the range a WriterConfig declares supported.
package version

import (
	"fmt"

	"github.com/blang/semver/v4"
)

// InvalidParamError reports that a requested format version fell outside
// a configured [min, max] range.
type InvalidParamError struct {
	Requested semver.Version
	Min       semver.Version
	Max       semver.Version
}

func (e *InvalidParamError) Error() string {
	return fmt.Sprintf("version: requested format version %s outside supported range [%s, %s]", e.Requested, e.Min, e.Max)
}

// Gate validates a requested version string against a [min, max]
// (inclusive) range, both given as semantic-version strings, typically
// sourced from WriterConfig.VersionRange.
func Gate(requested, min, max string) error {
	req, err := semver.Parse(requested)
	if err != nil {
		return fmt.Errorf("version: parse requested version %q: %w", requested, err)
	}
	lo, err := semver.Parse(min)
	if err != nil {
		return fmt.Errorf("version: parse minimum version %q: %w", min, err)
	}
	hi, err := semver.Parse(max)
	if err != nil {
		return fmt.Errorf("version: parse maximum version %q: %w", max, err)
	}

	if req.LT(lo) || req.GT(hi) {
		return &InvalidParamError{Requested: req, Min: lo, Max: hi}
	}
	return nil
}
