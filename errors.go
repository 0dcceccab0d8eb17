package zvault

import "fmt"

// Sentinel errors for the coarse parts of the taxonomy. Use errors.Is to
// test against these; the more specific types below carry extra payload.
var (
	// ErrFormat means a structural expectation about the archive was
	// violated: a signature didn't match or a length made no sense. A
	// record cut short by the end of the source is reported as a wrapped
	// io.ErrUnexpectedEOF or io.EOF instead.
	ErrFormat = fmt.Errorf("zvault: not a valid zip archive")

	// ErrAlgorithm means an entry declared a compression method other
	// than Store or Deflate.
	ErrAlgorithm = fmt.Errorf("zvault: unsupported compression method")

	// ErrSpanned means the archive claims to span more than one disk,
	// which this package does not support.
	ErrSpanned = fmt.Errorf("zvault: spanned archives not supported")

	// ErrClosed means an operation was attempted on a reader, writer, or
	// entry after it stopped being valid: a closed Writer, a stream
	// Entry after the next one has been requested, and so on.
	ErrClosed = fmt.Errorf("zvault: use of closed or superseded handle")

	// ErrTooLarge means a count or offset exceeds what this
	// implementation is willing to index in memory.
	ErrTooLarge = fmt.Errorf("zvault: archive too large to index")
)

// ChecksumError reports that an entry's decoded content did not match its
// recorded CRC-32.
type ChecksumError struct {
	Name string
	Want uint32
	Got  uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("zvault: checksum mismatch for %q: want %#08x got %#08x", e.Name, e.Want, e.Got)
}

func (e *ChecksumError) Is(target error) bool { return target == ErrFormat }

// DuplicateNameError reports that a Writer was asked to add an entry whose
// name was already used earlier in the same archive.
type DuplicateNameError struct {
	Name string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("zvault: duplicate entry name %q", e.Name)
}

// SizeOverflowError reports a count or offset that overflows the field
// meant to carry it, after Zip64 promotion has already been considered.
type SizeOverflowError struct {
	What string
	Got  uint64
}

func (e *SizeOverflowError) Error() string {
	return fmt.Sprintf("zvault: %s (%d) too large to represent", e.What, e.Got)
}

func (e *SizeOverflowError) Is(target error) bool { return target == ErrTooLarge }
