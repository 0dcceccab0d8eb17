// Copyright Elliot Nunn. Portions copyright 2010 The Go Authors. All rights
// reserved. Use of this source code is governed by a BSD-style license that
// can be found in the LICENSE file.

package zvault

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"sync"

	bufra "github.com/avvmoto/buf-readerat"

	"github.com/corvid-labs/zvault/internal/handlecache"
	"github.com/corvid-labs/zvault/internal/nameindex"
	"github.com/corvid-labs/zvault/internal/sectionreader"
)

// Archive is a materialised view of a seekable ZIP archive: its central
// directory has already been read into memory, so entries can be opened
// in any order and, source permitting, concurrently.
type Archive struct {
	r       io.ReaderAt
	size    int64
	comment string

	entries []*Entry
	names   *nameindex.Index

	path    string // non-empty if OpenReader opened this by path
	cache   *handlecache.Cache
	closers []io.Closer

	metrics *Metrics
}

// SetMetrics attaches m so subsequent Entry.Open calls report read outcomes
// to it. Pass nil to detach.
func (a *Archive) SetMetrics(m *Metrics) { a.metrics = m }

// OpenReader opens the ZIP archive at path and indexes its central
// directory. The returned Archive owns the underlying file; Close
// releases it. Entry.Open calls read through file handles from an internal
// bounded cache, opened separately from the archive's own handle; the cache
// hands the same handle to concurrent callers, which read from it with
// positional reads rather than a shared file position.
func OpenReader(path string) (*Archive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	a, err := newArchive(bufra.NewBufReaderAt(f, 64*1024), fi.Size())
	if err != nil {
		f.Close()
		return nil, err
	}
	a.path = path
	a.cache = handlecache.New(path, 16)
	a.closers = append(a.closers, f)
	slog.Debug("zvault: opened archive", "path", path, "entries", len(a.entries))
	return a, nil
}

// NewReader indexes a ZIP archive already available through r, which must
// support positional reads over exactly size bytes. The caller retains
// ownership of r; Close on the returned Archive does not close it.
func NewReader(r io.ReaderAt, size int64) (*Archive, error) {
	return newArchive(r, size)
}

func newArchive(r io.ReaderAt, size int64) (*Archive, error) {
	eocd, eocdOffset, err := findEOCD(r, size)
	if err != nil {
		return nil, err
	}

	b := readBuf(eocd[4:])
	_ = b.uint16() // disk_no
	_ = b.uint16() // cd_start_disk
	entriesOnDisk := uint64(b.uint16())
	entriesTotal := uint64(b.uint16())
	cdSize := uint64(b.uint32())
	cdOffset := uint64(b.uint32())
	commentLen := int(b.uint16())
	comment := ""
	if commentLen > 0 && len(b) >= commentLen {
		comment = string(b[:commentLen])
	}

	if entriesOnDisk == uint16max || entriesTotal == uint16max || cdSize == uint32max || cdOffset == uint32max {
		entriesTotal, cdSize, cdOffset, err = promoteZip64(r, eocdOffset)
		if err != nil {
			return nil, err
		}
	}

	if entriesTotal > math.MaxInt32 {
		return nil, &SizeOverflowError{What: "entry count", Got: entriesTotal}
	}
	if cdOffset > math.MaxInt64 {
		return nil, &SizeOverflowError{What: "central directory offset", Got: cdOffset}
	}

	a := &Archive{r: r, size: size, comment: comment, names: nameindex.New(int(entriesTotal))}

	cd := io.NewSectionReader(r, int64(cdOffset), int64(cdSize))
	for i := uint64(0); i < entriesTotal; i++ {
		var sig [4]byte
		if _, err := io.ReadFull(cd, sig[:]); err != nil {
			return nil, fmt.Errorf("zvault: reading central directory entry %d: %w", i, err)
		}
		if binaryLE32(sig[:]) != centralHeaderSignature {
			return nil, fmt.Errorf("%w: bad central directory signature at entry %d", ErrFormat, i)
		}
		h, err := readCentralHeader(cd)
		if err != nil {
			return nil, err
		}
		e := &Entry{FileHeader: *h, arc: a}
		a.names.Put(e.Name, len(a.entries))
		a.entries = append(a.entries, e)
	}

	return a, nil
}

func binaryLE32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// promoteZip64 follows the Zip64 locator from eocdOffset and returns the
// 64-bit entry count, central-directory size, and central-directory
// offset from the Zip64 EOCD record.
func promoteZip64(r io.ReaderAt, eocdOffset int64) (entriesTotal, cdSize, cdOffset uint64, err error) {
	locatorOffset := eocdOffset - zip64LocatorLen
	if locatorOffset < 0 {
		return 0, 0, 0, fmt.Errorf("%w: archive too short for zip64 locator", ErrFormat)
	}
	loc := make([]byte, zip64LocatorLen)
	if _, err := io.ReadFull(io.NewSectionReader(r, locatorOffset, zip64LocatorLen), loc); err != nil {
		return 0, 0, 0, fmt.Errorf("zvault: reading zip64 locator: %w", err)
	}
	b := readBuf(loc)
	if sig := b.uint32(); sig != zip64LocatorSignature {
		return 0, 0, 0, fmt.Errorf("%w: bad zip64 locator signature", ErrFormat)
	}
	eocd64Disk := b.uint32()
	eocd64Offset := int64(b.uint64())
	totalDisks := b.uint32()
	if eocd64Disk != 0 || totalDisks != 1 {
		return 0, 0, 0, ErrSpanned
	}

	fixed := make([]byte, zip64EOCDLen)
	if _, err := io.ReadFull(io.NewSectionReader(r, eocd64Offset, zip64EOCDLen), fixed); err != nil {
		return 0, 0, 0, fmt.Errorf("zvault: reading zip64 eocd: %w", err)
	}
	b = readBuf(fixed)
	if sig := b.uint32(); sig != zip64EOCDSignature {
		return 0, 0, 0, fmt.Errorf("%w: bad zip64 eocd signature", ErrFormat)
	}
	_ = b.uint64() // size_of_record; excess beyond the 44-byte fixed payload is an extensible-data sector, skipped
	_ = b.uint16() // version made by
	_ = b.uint16() // version needed
	thisDisk := b.uint32()
	cdStartDisk := b.uint32()
	_ = b.uint64() // entries on this disk
	entriesTotal = b.uint64()
	cdSize = b.uint64()
	cdOffset = b.uint64()
	if thisDisk != 0 || cdStartDisk != 0 {
		return 0, 0, 0, ErrSpanned
	}
	return entriesTotal, cdSize, cdOffset, nil
}

// findEOCD locates the end-of-central-directory record within the
// trailing 65 557 bytes of the archive (22-byte fixed record plus a
// comment of up to 65 535 bytes), scanning from the highest candidate
// offset downward. Shape (escalating read sizes, scan backward for the
// signature while validating the comment-length field at each candidate)
// follows BeHierarchic's internal/zip.getEOCD.
func findEOCD(r io.ReaderAt, size int64) (eocd []byte, offset int64, err error) {
	if size < int64(eocdLen) {
		return nil, 0, ErrFormat
	}
	maxComment := int(min(uint16max, size-int64(eocdLen)))

	data := make([]byte, eocdLen+maxComment)
	have := 0
	ensure := func(min, max int) error {
		if min <= have {
			return nil
		}
		if max > len(data) {
			return ErrFormat
		}
		n, err := r.ReadAt(data[len(data)-max:len(data)-have], size-int64(max))
		have += n
		if have != max {
			if err == nil {
				err = io.ErrUnexpectedEOF
			}
			return err
		}
		return nil
	}
	atEnd := func(backFromEnd int) byte { return data[len(data)-1-backFromEnd] }

	for commentLen := 0; commentLen <= maxComment; commentLen++ {
		if err := ensure(commentLen+2, commentLen+eocdLen); err != nil {
			return nil, 0, err
		}
		if atEnd(commentLen) != byte(commentLen>>8) || atEnd(commentLen+1) != byte(commentLen) {
			continue
		}
		if err := ensure(commentLen+eocdLen, commentLen+eocdLen); err != nil {
			return nil, 0, err
		}
		if atEnd(commentLen+eocdLen-1) == 'P' &&
			atEnd(commentLen+eocdLen-2) == 'K' &&
			atEnd(commentLen+eocdLen-3) == 5 &&
			atEnd(commentLen+eocdLen-4) == 6 {
			block := data[len(data)-have:]
			return block, size - int64(len(block)), nil
		}
	}
	return nil, 0, ErrFormat
}

// Entries returns the archive's entries in central-directory order.
func (a *Archive) Entries() []*Entry { return a.entries }

// Lookup returns the entry with the given name, if present.
func (a *Archive) Lookup(name string) (*Entry, bool) {
	pos, ok := a.names.Get(name)
	if !ok {
		return nil, false
	}
	return a.entries[pos], true
}

// Comment returns the archive-level comment recorded in the EOCD record.
func (a *Archive) Comment() string { return a.comment }

// Close releases resources owned by the Archive. It is a no-op for
// archives opened via NewReader over a caller-supplied source.
func (a *Archive) Close() error {
	var firstErr error
	for _, c := range a.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Entry is one file or directory recorded in an Archive's central
// directory.
type Entry struct {
	FileHeader

	arc        *Archive
	once       sync.Once
	dataOffset int64
	offsetErr  error
}

// resolveDataOffset resolves and caches the byte offset of this entry's
// payload by reading its local header's fixed prefix once. The local
// header's filename/extra lengths may differ from the central
// directory's, so they, not the central-directory lengths, determine
// the offset.
func (e *Entry) resolveDataOffset() (int64, error) {
	e.once.Do(func() {
		src, err := e.arc.readerAt()
		if err != nil {
			e.offsetErr = err
			return
		}
		defer src.Close()
		fixed := make([]byte, fileHeaderLen)
		n, err := src.r.ReadAt(fixed, int64(e.LocalHeaderOffset))
		if n < len(fixed) {
			if err == nil {
				err = io.ErrUnexpectedEOF
			}
			e.offsetErr = fmt.Errorf("zvault: reading local header for %q: %w", e.Name, err)
			return
		}
		if binaryLE32(fixed[:4]) != fileHeaderSignature {
			e.offsetErr = fmt.Errorf("%w: bad local file header signature for %q", ErrFormat, e.Name)
			return
		}
		nameLenBuf := readBuf(fixed[26:28])
		extraLenBuf := readBuf(fixed[28:30])
		nameLen := int(nameLenBuf.uint16())
		extraLen := int(extraLenBuf.uint16())
		e.dataOffset = int64(e.LocalHeaderOffset) + int64(fileHeaderLen) + int64(nameLen) + int64(extraLen)
	})
	return e.dataOffset, e.offsetErr
}

// Open returns a reader over the entry's decompressed, checksum-verified
// contents. Each call starts an independent cursor; concurrent Open calls
// on distinct (or the same) entries do not interfere, provided the
// underlying source supports concurrent positional reads.
func (e *Entry) Open() (io.ReadCloser, error) {
	dataOffset, err := e.resolveDataOffset()
	if err != nil {
		return nil, err
	}

	src, err := e.arc.readerAt()
	if err != nil {
		return nil, err
	}

	packed := sectionreader.Section(src.r, dataOffset, int64(e.CompressedSize))

	var plain io.Reader
	switch e.Method {
	case Store:
		plain = io.NewSectionReader(packed, 0, int64(e.UncompressedSize))
	case Deflate:
		plain = newInflater(io.NewSectionReader(packed, 0, int64(e.CompressedSize)))
	default:
		src.Close()
		return nil, fmt.Errorf("%w: method %d", ErrAlgorithm, e.Method)
	}

	cr := newChecksumReader(plain, e.Name, int64(e.UncompressedSize), e.CRC32)
	return &entryReadCloser{r: &observingReader{r: cr, m: e.arc.metrics}, closer: src}, nil
}

// OpenRangeReader returns checksum-verified positional reads over a
// STORED entry's content without decoding a sequential stream, so
// concurrent or out-of-order ReadAt calls against one entry (or many) can
// share the archive's handle cache directly. The CRC-32 is validated once
// reads have hashed [0, UncompressedSize); a read that starts beyond the
// bytes hashed so far is not hashed (see newChecksumReaderAt), so reads
// issued out of order can leave the check unrun.
// DEFLATEd entries have no meaningful positional decode and return
// ErrAlgorithm; use Open for those.
func (e *Entry) OpenRangeReader() (io.ReaderAt, io.Closer, error) {
	if e.Method != Store {
		return nil, nil, fmt.Errorf("%w: method %d", ErrAlgorithm, e.Method)
	}
	dataOffset, err := e.resolveDataOffset()
	if err != nil {
		return nil, nil, err
	}
	src, err := e.arc.readerAt()
	if err != nil {
		return nil, nil, err
	}
	packed := sectionreader.Section(src.r, dataOffset, int64(e.UncompressedSize))
	return newChecksumReaderAt(packed, e.Name, int64(e.UncompressedSize), e.CRC32), src, nil
}

type entryReadCloser struct {
	r      io.Reader
	closer io.Closer
}

func (e *entryReadCloser) Read(p []byte) (int, error) { return e.r.Read(p) }
func (e *entryReadCloser) Close() error               { return e.closer.Close() }

// readerAt returns a positional reader over the whole archive, borrowed
// from the handle cache for path-backed archives, or the shared
// io.ReaderAt directly for buffer-backed ones (positional reads on those
// are assumed safe for concurrent use, e.g. bytes.Reader or os.File).
func (a *Archive) readerAt() (*entrySource, error) {
	if a.cache == nil {
		return &entrySource{r: a.r}, nil
	}
	h, err := a.cache.Acquire()
	if err != nil {
		return nil, err
	}
	return &entrySource{r: h}, nil
}

type entrySource struct {
	r io.ReaderAt
}

func (s *entrySource) Close() error { return nil }
