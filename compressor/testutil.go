package compressor

// RLE is a trivial run-length encoder used by the test suite to exercise
// the writer core's compression-decision paths without depending on a real
// LZX/XPRESS implementation. It encodes each run of a repeated byte (up to
// 255 long) as a (count, byte) pair, which shrinks long runs such as
// scenario S2's 100 bytes of 0xAA, and reports ErrNotSmaller whenever the
// encoding would not be shorter than the input or would not fit in out,
// as with genuinely random data (S3).
type RLE struct{}

// Compress implements Compressor.
func (RLE) Compress(in []byte, out []byte) (int, error) {
	if len(in) == 0 {
		return 0, ErrNotSmaller
	}

	n := 0
	i := 0
	for i < len(in) {
		run := 1
		for i+run < len(in) && in[i+run] == in[i] && run < 255 {
			run++
		}
		if n+2 > len(out) {
			return 0, ErrNotSmaller
		}
		out[n] = byte(run)
		out[n+1] = in[i]
		n += 2
		i += run
	}

	if n >= len(in) {
		return 0, ErrNotSmaller
	}
	return n, nil
}
