// Package digest wraps the SHA-1 accumulation used for stream
// deduplication and integrity checking (never for cryptographic security:
// that is an explicit Non-goal of the writer). It exists so resource.Writer
// and pipeline.Pipeline share one accumulator type and the Equal helper
// their own "adopt vs. compare" checks use, and so every digest can be
// rendered as a self-describing string for logging and as a dedup key.
package digest

import (
	"crypto/sha1" // #nosec G505 -- dedup/integrity only, never security.
	"fmt"
	"hash"

	godigest "github.com/opencontainers/go-digest"
	multihash "github.com/jbenet/go-multihash"
)

// Accumulator incrementally hashes chunks of a stream exactly as they are
// read off the wire, mirroring the reference corpus's use of
// digest.Canonical.Digester() (here pinned to SHA-1, since that is what
// the container format mandates) to keep hashing out of the call sites
// that actually move bytes.
type Accumulator struct {
	h hash.Hash
}

// NewAccumulator returns a fresh SHA-1 accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{h: sha1.New()} // #nosec G401
}

// Write feeds raw (uncompressed) bytes into the running digest. It never
// returns an error; hash.Hash.Write is defined not to fail.
func (a *Accumulator) Write(p []byte) (int, error) {
	return a.h.Write(p)
}

// Sum20 returns the 20-byte SHA-1 digest of everything written so far.
func (a *Accumulator) Sum20() [20]byte {
	var out [20]byte
	copy(out[:], a.h.Sum(nil))
	return out
}

// Digest renders the running digest using the OCI digest string form
// (algorithm:hex), the same shape used throughout the container/image
// ecosystem for content-addressed blobs.
func (a *Accumulator) Digest() godigest.Digest {
	return godigest.NewDigestFromBytes(godigest.Algorithm("sha1"), a.h.Sum(nil))
}

// Multihash renders the digest as a self-describing multihash string,
// used for log lines and as the dedup key into any in-memory
// hash-to-stream index a caller maintains across capture sessions.
func Multihash(sum [20]byte) (string, error) {
	mh, err := multihash.Encode(sum[:], multihash.SHA1)
	if err != nil {
		return "", fmt.Errorf("digest: encode multihash: %w", err)
	}
	return multihash.Multihash(mh).B58String(), nil
}

// Equal reports whether two 20-byte digests match.
func Equal(a, b [20]byte) bool {
	return a == b
}

// IsZero reports whether sum is the all-zero digest, the writer's sentinel
// for "unknown; adopt on first write".
func IsZero(sum [20]byte) bool {
	return sum == [20]byte{}
}
