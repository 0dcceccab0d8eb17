// Copyright Elliot Nunn. Portions copyright 2010 The Go Authors. All rights
// reserved. Use of this source code is governed by a BSD-style license that
// can be found in the LICENSE file.

package zvault

import (
	"hash/crc32"
	"io"
	"os"
	"strings"
	"time"
)

// Writer emits entries sequentially to a byte sink and, on Close, the
// central directory, optional Zip64 terminator, and classical EOCD. The
// first sink failure poisons the Writer: every later operation, Close
// included, returns that error; once closed, operations return ErrClosed.
// A rejected duplicate name does not poison it.
type Writer struct {
	cw      *countWriter
	owned   io.Closer // non-nil if Create opened the underlying file
	dir     []*dirEntry
	names   map[string]bool
	cur     *entryWriter
	closed  bool
	err     error // sticky, recorded by setErr on the first sink failure
	comment string

	metrics *Metrics
}

// setErr records the first sink failure, after which every operation on
// the Writer returns it. Same shape as bufio.Writer's sticky err field.
func (zw *Writer) setErr(err error) error {
	if zw.err == nil {
		zw.err = err
	}
	return err
}

// SetMetrics attaches m so subsequent entries report write outcomes to it.
// Pass nil to detach.
func (zw *Writer) SetMetrics(m *Metrics) { zw.metrics = m }

type dirEntry struct {
	FileHeader
	offset uint64
}

type countWriter struct {
	w     io.Writer
	count int64
}

func (w *countWriter) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	w.count += int64(n)
	return n, err
}

// NewWriter returns a Writer emitting to w. Closing the Writer does not
// close w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{cw: &countWriter{w: w}, names: make(map[string]bool)}
}

// Create opens path for writing and returns a Writer that owns the
// resulting file: closing the Writer closes the file too.
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	zw := NewWriter(f)
	zw.owned = f
	return zw, nil
}

// SetComment sets the archive-level comment written after the EOCD
// record.
func (zw *Writer) SetComment(comment string) error {
	if zw.closed {
		return ErrClosed
	}
	if zw.err != nil {
		return zw.err
	}
	if len(comment) > uint16max {
		return &SizeOverflowError{What: "archive comment length", Got: uint64(len(comment))}
	}
	zw.comment = comment
	return nil
}

// CreateHeader begins a new entry described by fh and returns a writer
// for its uncompressed content. A previously open entry is finalised
// first. For fh.Method == Deflate, CRC-32 and sizes are computed from
// what is written and a trailing data descriptor is emitted; the local
// header carries zeroed placeholders and gp-flag bit 3. For fh.Method ==
// Store, fh.CRC32, CompressedSize, and UncompressedSize must already hold
// the caller's precomputed values, which are written inline and trusted
// verbatim; CreateHeader does not re-derive them from what gets written.
func (zw *Writer) CreateHeader(fh *FileHeader) (io.Writer, error) {
	if zw.closed {
		return nil, ErrClosed
	}
	if zw.err != nil {
		return nil, zw.err
	}
	if err := zw.finalizeCurrent(); err != nil {
		return nil, err
	}
	if fh.Method != Store && fh.Method != Deflate {
		return nil, ErrAlgorithm
	}
	if zw.names[fh.Name] {
		return nil, &DuplicateNameError{Name: fh.Name}
	}
	if len(fh.Name) > uint16max {
		return nil, &SizeOverflowError{What: "entry name length", Got: uint64(len(fh.Name))}
	}
	zw.names[fh.Name] = true

	h := *fh
	prepareEntry(&h)

	ew := &entryWriter{
		zw:                 zw,
		fh:                 &h,
		offset:             uint64(zw.cw.count),
		declaredCRC:        fh.CRC32,
		declaredCompressed: fh.CompressedSize,
		declaredUncompr:    fh.UncompressedSize,
	}
	if err := ew.writeLocalHeader(); err != nil {
		return nil, err
	}
	ew.dataStart = zw.cw.count

	ew.crc = crc32.NewIEEE()
	if h.Method == Deflate {
		ew.deflate = newDeflater(zw.cw)
	}

	zw.cur = ew
	return ew, nil
}

// AddDir writes an empty directory entry. The name is canonicalised to
// end in exactly one '/'.
func (zw *Writer) AddDir(name string, modified time.Time) error {
	name = strings.TrimRight(name, "/") + "/"
	_, err := zw.CreateHeader(&FileHeader{Name: name, Method: Store, Modified: modified})
	return err
}

// prepareEntry fills in version fields, the UTF-8 flag, and the extended
// timestamp extra, and forces directory entries to STORED with no
// descriptor. Logic and layering follow martin-sucha/zipserve's function
// of the same name.
func prepareEntry(fh *FileHeader) {
	utf8Valid1, utf8Require1 := detectUTF8(fh.Name)
	utf8Valid2, utf8Require2 := detectUTF8(fh.Comment)
	switch {
	case fh.NonUTF8:
		fh.Flags &^= flagUTF8
	case (utf8Require1 || utf8Require2) && utf8Valid1 && utf8Valid2:
		fh.Flags |= flagUTF8
	}

	fh.VersionMadeBy = fh.VersionMadeBy&0xff00 | versionNeeded
	fh.VersionNeeded = versionNeeded

	fh.Extra = append(fh.Extra, extTimeExtra(fh.Modified)...)

	if fh.IsDir() {
		fh.Method = Store
		fh.Flags &^= flagDataDescriptor
		fh.CompressedSize = 0
		fh.UncompressedSize = 0
		fh.CRC32 = 0
	} else if fh.Method == Deflate {
		fh.Flags |= flagDataDescriptor
	}
}

type entryWriter struct {
	zw     *Writer
	fh     *FileHeader
	offset uint64

	dataStart int64
	crc       hash32
	deflate   interface {
		io.Writer
		Close() error
	}

	declaredCRC        uint32
	declaredCompressed uint64
	declaredUncompr    uint64

	uncompressedCount uint64
	finalized         bool
}

func (ew *entryWriter) writeLocalHeader() error {
	fh := ew.fh
	date, clock := dosTime(fh.Modified)

	var buf [fileHeaderLen]byte
	b := writeBuf(buf[:])
	b.uint32(fileHeaderSignature)
	b.uint16(fh.VersionNeeded)
	b.uint16(fh.Flags)
	b.uint16(fh.Method)
	b.uint16(clock)
	b.uint16(date)
	if fh.Method == Store {
		b.uint32(fh.CRC32)
		b.uint32(uint32(fh.CompressedSize))
		b.uint32(uint32(fh.UncompressedSize))
	} else {
		b.uint32(0)
		b.uint32(0)
		b.uint32(0)
	}
	b.uint16(uint16(len(fh.Name)))
	b.uint16(uint16(len(fh.Extra)))

	if _, err := ew.zw.cw.Write(buf[:]); err != nil {
		return ew.zw.setErr(err)
	}
	if _, err := io.WriteString(ew.zw.cw, fh.Name); err != nil {
		return ew.zw.setErr(err)
	}
	if _, err := ew.zw.cw.Write(fh.Extra); err != nil {
		return ew.zw.setErr(err)
	}
	return nil
}

func (ew *entryWriter) Write(p []byte) (int, error) {
	if ew.finalized {
		return 0, ErrClosed
	}
	if ew.zw.err != nil {
		return 0, ew.zw.err
	}
	ew.crc.Write(p)
	ew.uncompressedCount += uint64(len(p))
	ew.zw.metrics.observeWrite(len(p))
	var n int
	var err error
	if ew.fh.Method == Deflate {
		n, err = ew.deflate.Write(p)
	} else {
		n, err = ew.zw.cw.Write(p)
	}
	if err != nil {
		ew.zw.setErr(err)
	}
	return n, err
}

func (zw *Writer) finalizeCurrent() error {
	if zw.cur == nil {
		return nil
	}
	err := zw.cur.finalize()
	zw.cur = nil
	return err
}

func (ew *entryWriter) finalize() error {
	if ew.finalized {
		return nil
	}
	ew.finalized = true
	fh := ew.fh

	if fh.Method == Deflate {
		if err := ew.deflate.Close(); err != nil {
			return ew.zw.setErr(err)
		}
		fh.CRC32 = ew.crc.Sum32()
		fh.CompressedSize = uint64(ew.zw.cw.count - ew.dataStart)
		fh.UncompressedSize = ew.uncompressedCount

		desc := makeDataDescriptor(fh.CRC32, fh.CompressedSize, fh.UncompressedSize)
		if _, err := ew.zw.cw.Write(desc); err != nil {
			return ew.zw.setErr(err)
		}
	} else {
		fh.CRC32 = ew.declaredCRC
		fh.CompressedSize = ew.declaredCompressed
		fh.UncompressedSize = ew.declaredUncompr
	}

	ew.zw.dir = append(ew.zw.dir, &dirEntry{FileHeader: *fh, offset: ew.offset})
	ew.zw.metrics.observeEntryWritten()
	return nil
}

// makeDataDescriptor builds the 16- or 24-byte trailing record for a
// DEFLATED entry, preferring 32-bit sizes when both fit for broadest
// reader compatibility.
func makeDataDescriptor(crc uint32, compressed, uncompressed uint64) []byte {
	if compressed < uint32max && uncompressed < uint32max {
		buf := make([]byte, descriptorLen32)
		b := writeBuf(buf)
		b.uint32(dataDescriptorSignature)
		b.uint32(crc)
		b.uint32(uint32(compressed))
		b.uint32(uint32(uncompressed))
		return buf
	}
	buf := make([]byte, descriptorLen64)
	b := writeBuf(buf)
	b.uint32(dataDescriptorSignature)
	b.uint32(crc)
	b.uint64(compressed)
	b.uint64(uncompressed)
	return buf
}

// Close finalises any open entry, writes the central directory, an
// optional Zip64 EOCD + locator, and the classical EOCD. It does not
// close the underlying writer unless it was opened via Create.
func (zw *Writer) Close() error {
	if zw.closed {
		return ErrClosed
	}
	err := zw.err
	if err == nil {
		err = zw.finalizeCurrent()
	}
	zw.closed = true

	if err == nil {
		err = zw.writeTrailer()
	}
	if zw.owned != nil {
		if cerr := zw.owned.Close(); err == nil {
			err = cerr
		}
		zw.owned = nil
	}
	return err
}

func (zw *Writer) writeTrailer() error {
	cdOffset := uint64(zw.cw.count)
	for _, e := range zw.dir {
		if err := writeCentralHeader(zw.cw, e); err != nil {
			return err
		}
	}
	cdSize := uint64(zw.cw.count) - cdOffset
	entries := uint64(len(zw.dir))

	if entries > uint16max-1 || cdSize > uint32max-1 || cdOffset > uint32max-1 {
		if err := writeZip64EOCD(zw.cw, uint64(zw.cw.count), entries, cdSize, cdOffset); err != nil {
			return err
		}
	}

	return writeEOCD(zw.cw, entries, cdSize, cdOffset, zw.comment)
}

func writeCentralHeader(w io.Writer, e *dirEntry) error {
	fh := &e.FileHeader
	date, clock := dosTime(fh.Modified)

	extra := fh.Extra
	versionNeededOut := fh.VersionNeeded

	compressed, uncompressed := fh.CompressedSize, fh.UncompressedSize
	offset := e.offset

	compressedOverflow := compressed >= uint32max
	uncompressedOverflow := uncompressed >= uint32max
	offsetOverflow := offset >= uint32max

	if compressedOverflow || uncompressedOverflow || offsetOverflow {
		versionNeededOut = zip64VersionNeeded
		extra = append(append([]byte{}, extra...), buildZip64Extra(uncompressedOverflow, compressedOverflow, offsetOverflow, uncompressed, compressed, offset)...)
	}

	if len(extra) > uint16max {
		return &SizeOverflowError{What: "entry extra field length", Got: uint64(len(extra))}
	}
	if len(fh.Comment) > uint16max {
		return &SizeOverflowError{What: "entry comment length", Got: uint64(len(fh.Comment))}
	}

	var buf [centralHeaderLen]byte
	b := writeBuf(buf[:])
	b.uint32(centralHeaderSignature)
	b.uint16(fh.VersionMadeBy)
	b.uint16(versionNeededOut)
	b.uint16(fh.Flags)
	b.uint16(fh.Method)
	b.uint16(clock)
	b.uint16(date)
	b.uint32(fh.CRC32)
	if compressedOverflow {
		b.uint32(uint32max)
	} else {
		b.uint32(uint32(compressed))
	}
	if uncompressedOverflow {
		b.uint32(uint32max)
	} else {
		b.uint32(uint32(uncompressed))
	}
	b.uint16(uint16(len(fh.Name)))
	b.uint16(uint16(len(extra)))
	b.uint16(uint16(len(fh.Comment)))
	b.uint16(0) // disk number start
	b.uint16(0) // internal file attributes
	b.uint32(fh.ExternalAttrs)
	if offsetOverflow {
		b.uint32(uint32max)
	} else {
		b.uint32(uint32(offset))
	}

	if _, err := w.Write(buf[:]); err != nil {
		return err
	}
	if _, err := io.WriteString(w, fh.Name); err != nil {
		return err
	}
	if _, err := w.Write(extra); err != nil {
		return err
	}
	_, err := io.WriteString(w, fh.Comment)
	return err
}

// buildZip64Extra emits the Zip64 extended-information extra record,
// containing only the fields whose base value overflowed, in the
// mandated order: uncompressed, compressed, local-header offset.
func buildZip64Extra(uncompressedOverflow, compressedOverflow, offsetOverflow bool, uncompressed, compressed, offset uint64) []byte {
	size := 0
	if uncompressedOverflow {
		size += 8
	}
	if compressedOverflow {
		size += 8
	}
	if offsetOverflow {
		size += 8
	}
	buf := make([]byte, 4+size)
	b := writeBuf(buf)
	b.uint16(zip64ExtraID)
	b.uint16(uint16(size))
	if uncompressedOverflow {
		b.uint64(uncompressed)
	}
	if compressedOverflow {
		b.uint64(compressed)
	}
	if offsetOverflow {
		b.uint64(offset)
	}
	return buf
}

func writeZip64EOCD(w io.Writer, zip64EOCDOffset, entries, cdSize, cdOffset uint64) error {
	var buf [zip64EOCDLen]byte
	b := writeBuf(buf[:])
	b.uint32(zip64EOCDSignature)
	b.uint64(zip64EOCDLen - 12)
	b.uint16(zip64VersionNeeded)
	b.uint16(zip64VersionNeeded)
	b.uint32(0) // this disk
	b.uint32(0) // disk with start of central directory
	b.uint64(entries)
	b.uint64(entries)
	b.uint64(cdSize)
	b.uint64(cdOffset)
	if _, err := w.Write(buf[:]); err != nil {
		return err
	}

	var lbuf [zip64LocatorLen]byte
	lb := writeBuf(lbuf[:])
	lb.uint32(zip64LocatorSignature)
	lb.uint32(0)
	lb.uint64(zip64EOCDOffset)
	lb.uint32(1)
	_, err := w.Write(lbuf[:])
	return err
}

func writeEOCD(w io.Writer, entries, cdSize, cdOffset uint64, comment string) error {
	recordEntries, size, offset := entries, cdSize, cdOffset
	if recordEntries > uint16max {
		recordEntries = uint16max
	}
	if size > uint32max {
		size = uint32max
	}
	if offset > uint32max {
		offset = uint32max
	}

	var buf [eocdLen]byte
	b := writeBuf(buf[:])
	b.uint32(eocdSignature)
	b.uint16(0) // disk number
	b.uint16(0) // disk with start of central directory
	b.uint16(uint16(recordEntries))
	b.uint16(uint16(recordEntries))
	b.uint32(uint32(size))
	b.uint32(uint32(offset))
	b.uint16(uint16(len(comment)))
	if _, err := w.Write(buf[:]); err != nil {
		return err
	}
	_, err := io.WriteString(w, comment)
	return err
}
