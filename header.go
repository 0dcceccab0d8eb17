// Copyright Elliot Nunn. Portions copyright 2010 The Go Authors. All rights
// reserved. Use of this source code is governed by a BSD-style license that
// can be found in the LICENSE file.

package zvault

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"
	"unicode/utf8"
)

// FileHeader is the per-entry metadata shared between local file headers
// and central directory headers. Zero value is a
// directory-less, unnamed entry; Writer.CreateHeader reads at least its
// Name and Method.
type FileHeader struct {
	Name    string
	Comment string

	// NonUTF8 forces the writer to leave the UTF-8 flag bit clear even
	// if Name/Comment happen to be valid UTF-8. See detectUTF8.
	NonUTF8 bool

	VersionMadeBy uint16
	VersionNeeded uint16
	Flags         uint16
	Method        uint16
	Modified      time.Time
	CRC32         uint32

	CompressedSize   uint64
	UncompressedSize uint64

	Extra         []byte
	ExternalAttrs uint32

	// LocalHeaderOffset is populated by IndexedReader; it is meaningless
	// on a FileHeader read from a StreamReader. Writer records each entry's
	// offset in its own bookkeeping and does not set this field.
	LocalHeaderOffset uint64
	DiskStart         uint32
}

// IsDir reports whether the entry name designates a directory, i.e. ends
// in a forward slash.
func (h *FileHeader) IsDir() bool {
	return strings.HasSuffix(h.Name, "/")
}

func (h *FileHeader) isZip64() bool {
	return h.CompressedSize >= uint32max || h.UncompressedSize >= uint32max || h.LocalHeaderOffset >= uint32max
}

// Unix file-mode bits, shared between central-directory external
// attributes and MS-DOS/NTFS/FAT attributes. Values agreed on by
// tools, not specified by PKWARE; carried over from martin-sucha/zipserve's
// struct.go, which in turn carries them from archive/zip.
const (
	unixIFMT   = 0xf000
	unixIFSOCK = 0xc000
	unixIFLNK  = 0xa000
	unixIFREG  = 0x8000
	unixIFBLK  = 0x6000
	unixIFDIR  = 0x4000
	unixIFCHR  = 0x2000
	unixIFIFO  = 0x1000
	unixISUID  = 0x800
	unixISGID  = 0x400
	unixISVTX  = 0x200

	msdosDir      = 0x10
	msdosReadOnly = 0x01

	creatorUnix = 3
)

// Mode returns the permission and type bits recorded for the entry,
// decoded according to whichever creator OS wrote ExternalAttrs.
func (h *FileHeader) Mode() os.FileMode {
	var mode os.FileMode
	switch h.VersionMadeBy >> 8 {
	case creatorUnix, 19: // Unix, Mac OS X
		mode = unixModeToFileMode(h.ExternalAttrs >> 16)
	default:
		mode = msdosModeToFileMode(h.ExternalAttrs)
	}
	if h.IsDir() {
		mode |= os.ModeDir
	}
	return mode
}

// SetMode stores mode into ExternalAttrs using Unix conventions, also
// setting the MS-DOS bits that legacy tools still look at.
func (h *FileHeader) SetMode(mode os.FileMode) {
	h.VersionMadeBy = h.VersionMadeBy&0xff | creatorUnix<<8
	h.ExternalAttrs = fileModeToUnixMode(mode) << 16
	if mode&os.ModeDir != 0 {
		h.ExternalAttrs |= msdosDir
	}
	if mode&0200 == 0 {
		h.ExternalAttrs |= msdosReadOnly
	}
}

func msdosModeToFileMode(m uint32) (mode os.FileMode) {
	if m&msdosDir != 0 {
		mode = os.ModeDir | 0777
	} else {
		mode = 0666
	}
	if m&msdosReadOnly != 0 {
		mode &^= 0222
	}
	return mode
}

func fileModeToUnixMode(mode os.FileMode) uint32 {
	var m uint32
	switch mode & os.ModeType {
	default:
		m = unixIFREG
	case os.ModeDir:
		m = unixIFDIR
	case os.ModeSymlink:
		m = unixIFLNK
	case os.ModeNamedPipe:
		m = unixIFIFO
	case os.ModeSocket:
		m = unixIFSOCK
	case os.ModeDevice:
		if mode&os.ModeCharDevice != 0 {
			m = unixIFCHR
		} else {
			m = unixIFBLK
		}
	}
	if mode&os.ModeSetuid != 0 {
		m |= unixISUID
	}
	if mode&os.ModeSetgid != 0 {
		m |= unixISGID
	}
	if mode&os.ModeSticky != 0 {
		m |= unixISVTX
	}
	return m | uint32(mode&0777)
}

func unixModeToFileMode(m uint32) os.FileMode {
	mode := os.FileMode(m & 0777)
	switch m & unixIFMT {
	case unixIFBLK:
		mode |= os.ModeDevice
	case unixIFCHR:
		mode |= os.ModeDevice | os.ModeCharDevice
	case unixIFDIR:
		mode |= os.ModeDir
	case unixIFIFO:
		mode |= os.ModeNamedPipe
	case unixIFLNK:
		mode |= os.ModeSymlink
	case unixIFSOCK:
		mode |= os.ModeSocket
	}
	if m&unixISGID != 0 {
		mode |= os.ModeSetgid
	}
	if m&unixISUID != 0 {
		mode |= os.ModeSetuid
	}
	if m&unixISVTX != 0 {
		mode |= os.ModeSticky
	}
	return mode
}

// parseExtra decodes a ZIP extra-field blob into a map keyed by header ID.
// The scan is bounded: it stops as soon as fewer than 4 bytes remain, or a
// declared data_size would overrun the blob, rather than trusting the
// lengths unconditionally.
func parseExtra(extra []byte) map[uint16][]byte {
	fields := make(map[uint16][]byte)
	b := readBuf(extra)
	for len(b) >= 4 {
		id := b.uint16()
		size := int(b.uint16())
		if len(b) < size {
			break
		}
		fields[id] = b.sub(size)
	}
	return fields
}

// zip64Need records which base fields held the 32-bit/16-bit overflow
// sentinel and therefore must be filled in from the Zip64 extra record, in
// the mandated order: uncompressed, compressed, local header offset, disk
// start. Conditional presence, not a fixed 4-field record.
type zip64Need struct {
	uncompressed bool
	compressed   bool
	localOffset  bool
	diskStart    bool
}

// applyZip64 overrides h's sentinel-marked fields from the Zip64 extra
// record (header ID 0x0001) in fields, if present. Fields not marked
// sentinel are left untouched even if the extra record is present and
// nominally large enough; the payload holds *only* those fields whose
// base was sentinel, in order.
func applyZip64(fields map[uint16][]byte, need zip64Need, h *FileHeader) {
	buf, ok := fields[zip64ExtraID]
	if !ok {
		return
	}
	r := readBuf(buf)
	if need.uncompressed && len(r) >= 8 {
		h.UncompressedSize = r.uint64()
	}
	if need.compressed && len(r) >= 8 {
		h.CompressedSize = r.uint64()
	}
	if need.localOffset && len(r) >= 8 {
		h.LocalHeaderOffset = r.uint64()
	}
	if need.diskStart && len(r) >= 4 {
		h.DiskStart = r.uint32()
	}
}

// readLocalHeader parses a local file header, assuming the caller has
// already consumed and validated the fileHeaderSignature. It reads the
// fixed 26-byte portion, the filename, and the extra field, applying any
// Zip64 overrides found in the extra.
func readLocalHeader(r io.Reader) (*FileHeader, error) {
	var fixed [26]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return nil, fmt.Errorf("zvault: reading local file header: %w", err)
	}
	b := readBuf(fixed[:])

	h := &FileHeader{}
	h.VersionNeeded = b.uint16()
	h.Flags = b.uint16()
	h.Method = b.uint16()
	modTime := b.uint16()
	modDate := b.uint16()
	h.CRC32 = b.uint32()
	compressed := b.uint32()
	uncompressed := b.uint32()
	nameLen := int(b.uint16())
	extraLen := int(b.uint16())

	h.CompressedSize = uint64(compressed)
	h.UncompressedSize = uint64(uncompressed)
	h.Modified = dosTimeToTime(modDate, modTime)

	rest := make([]byte, nameLen+extraLen)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, fmt.Errorf("zvault: reading local header name/extra: %w", err)
	}
	h.Name = string(rest[:nameLen])
	h.Extra = rest[nameLen:]
	h.NonUTF8 = h.Flags&flagUTF8 == 0

	fields := parseExtra(h.Extra)
	applyZip64(fields, zip64Need{
		uncompressed: uncompressed == uint32max,
		compressed:   compressed == uint32max,
	}, h)
	if t, ok := extTimeFromExtra(fields); ok {
		h.Modified = t
	}

	return h, nil
}

// readCentralHeader parses a central directory header, assuming the
// caller has already consumed and validated centralHeaderSignature.
func readCentralHeader(r io.Reader) (*FileHeader, error) {
	var fixed [42]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return nil, fmt.Errorf("zvault: reading central directory header: %w", err)
	}
	b := readBuf(fixed[:])

	h := &FileHeader{}
	h.VersionMadeBy = b.uint16()
	h.VersionNeeded = b.uint16()
	h.Flags = b.uint16()
	h.Method = b.uint16()
	modTime := b.uint16()
	modDate := b.uint16()
	h.CRC32 = b.uint32()
	compressed := b.uint32()
	uncompressed := b.uint32()
	nameLen := int(b.uint16())
	extraLen := int(b.uint16())
	commentLen := int(b.uint16())
	diskStart := uint32(b.uint16())
	_ = b.uint16() // internal file attributes, not surfaced
	h.ExternalAttrs = b.uint32()
	localOffset := b.uint32()

	h.CompressedSize = uint64(compressed)
	h.UncompressedSize = uint64(uncompressed)
	h.LocalHeaderOffset = uint64(localOffset)
	h.DiskStart = diskStart
	h.Modified = dosTimeToTime(modDate, modTime)

	rest := make([]byte, nameLen+extraLen+commentLen)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, fmt.Errorf("zvault: reading central header name/extra/comment: %w", err)
	}
	h.Name = string(rest[:nameLen])
	h.Extra = rest[nameLen : nameLen+extraLen]
	h.Comment = string(rest[nameLen+extraLen:])
	h.NonUTF8 = h.Flags&flagUTF8 == 0

	fields := parseExtra(h.Extra)
	applyZip64(fields, zip64Need{
		uncompressed: uncompressed == uint32max,
		compressed:   compressed == uint32max,
		localOffset:  localOffset == uint32max,
		diskStart:    diskStart == uint16max,
	}, h)
	if t, ok := extTimeFromExtra(fields); ok {
		h.Modified = t
	}

	return h, nil
}

// detectUTF8 reports whether s is valid UTF-8, and whether it must be
// treated as UTF-8 (i.e. is not also representable in CP-437/ASCII).
// Verbatim logic from martin-sucha/zipserve's writer.go, since the
// reasoning in its comment there (CP-437 compatibility, EUC-KR/Shift-JIS
// currency-symbol collisions) doesn't get any clearer by rephrasing it.
func detectUTF8(s string) (valid, require bool) {
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		i += size
		if r < 0x20 || r > 0x7d || r == 0x5c {
			if r == utf8.RuneError && size == 1 {
				return false, false
			}
			require = true
		}
	}
	return true, require
}
