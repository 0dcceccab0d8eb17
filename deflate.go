package zvault

import (
	"io"

	"github.com/klauspost/compress/flate"
)

// newInflater wraps r with a DEFLATE decompressor. klauspost/compress's
// flate.Reader, unlike the standard library's, never reads past the end
// of a correctly-terminated stream, which the stream reader's trailing
// data-descriptor lookahead depends on.
func newInflater(r io.Reader) io.ReadCloser {
	return flate.NewReader(r)
}

// newDeflater wraps w with a DEFLATE compressor at the library's default
// level, matching the balance most ZIP writers in the wild ship with.
func newDeflater(w io.Writer) *flate.Writer {
	fw, err := flate.NewWriter(w, flate.DefaultCompression)
	if err != nil {
		// Only returns an error for an out-of-range level, which
		// DefaultCompression never is.
		panic(err)
	}
	return fw
}
