// Copyright Elliot Nunn. Portions copyright 2010 The Go Authors. All rights
// reserved. Use of this source code is governed by a BSD-style license that
// can be found in the LICENSE file.

package zvault

import (
	"bytes"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeSample writes the given name->contents entries to a Writer using
// method, returning the finished archive bytes. For Store, CRC and sizes
// are pre-computed by the caller, matching the contract CreateHeader
// documents.
func writeSample(t *testing.T, method uint16, entries map[string]string, order []string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := NewWriter(&buf)
	modified := time.Date(2024, time.March, 2, 10, 30, 0, 0, time.UTC)

	for _, name := range order {
		content := entries[name]
		fh := &FileHeader{Name: name, Method: method, Modified: modified}
		if method == Store {
			sum := crc32.ChecksumIEEE([]byte(content))
			fh.CRC32 = sum
			fh.CompressedSize = uint64(len(content))
			fh.UncompressedSize = uint64(len(content))
		}
		w, err := zw.CreateHeader(fh)
		if err != nil {
			t.Fatalf("CreateHeader(%q): %v", name, err)
		}
		if _, err := io.WriteString(w, content); err != nil {
			t.Fatalf("writing %q: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return buf.Bytes()
}

func TestRoundTripDeflateIndexed(t *testing.T) {
	entries := map[string]string{"foo.txt": "contents of foo", "bar.txt": "contents of bar"}
	order := []string{"foo.txt", "bar.txt"}
	data := writeSample(t, Deflate, entries, order)

	arc, err := NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	if len(arc.Entries()) != 2 {
		t.Fatalf("Entries() len = %d, want 2", len(arc.Entries()))
	}
	for i, name := range order {
		if got := arc.Entries()[i].Name; got != name {
			t.Errorf("Entries()[%d].Name = %q, want %q", i, got, name)
		}
	}
	for _, name := range order {
		e, ok := arc.Lookup(name)
		if !ok {
			t.Fatalf("Lookup(%q) not found", name)
		}
		r, err := e.Open()
		if err != nil {
			t.Fatalf("Open(%q): %v", name, err)
		}
		got, err := io.ReadAll(r)
		r.Close()
		if err != nil {
			t.Fatalf("reading %q: %v", name, err)
		}
		if string(got) != entries[name] {
			t.Errorf("content of %q = %q, want %q", name, got, entries[name])
		}
	}
	if _, ok := arc.Lookup("baz.txt"); ok {
		t.Error("Lookup(baz.txt) unexpectedly found")
	}
}

func TestRoundTripDeflateStream(t *testing.T) {
	entries := map[string]string{"foo.txt": "contents of foo", "bar.txt": "contents of bar"}
	order := []string{"foo.txt", "bar.txt"}
	data := writeSample(t, Deflate, entries, order)

	sr := NewStreamReader(bytes.NewReader(data))
	var gotNames []string
	for {
		e, err := sr.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if e == nil {
			break
		}
		gotNames = append(gotNames, e.Name)
		got, err := io.ReadAll(e)
		if err != nil {
			t.Fatalf("reading %q: %v", e.Name, err)
		}
		if string(got) != entries[e.Name] {
			t.Errorf("content of %q = %q, want %q", e.Name, got, entries[e.Name])
		}
	}
	if len(gotNames) != len(order) {
		t.Fatalf("got %d entries, want %d", len(gotNames), len(order))
	}
	for i, name := range order {
		if gotNames[i] != name {
			t.Errorf("entry %d = %q, want %q", i, gotNames[i], name)
		}
	}
}

func TestRoundTripStored(t *testing.T) {
	entries := map[string]string{"a": "aaaa", "b": "bbbbbbbb"}
	order := []string{"a", "b"}
	data := writeSample(t, Store, entries, order)

	arc, err := NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	for _, name := range order {
		e, _ := arc.Lookup(name)
		r, err := e.Open()
		if err != nil {
			t.Fatalf("Open(%q): %v", name, err)
		}
		got, err := io.ReadAll(r)
		r.Close()
		if err != nil {
			t.Fatalf("reading %q: %v", name, err)
		}
		if string(got) != entries[name] {
			t.Errorf("content of %q = %q, want %q", name, got, entries[name])
		}
	}

	sr := NewStreamReader(bytes.NewReader(data))
	for _, name := range order {
		e, err := sr.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		got, err := io.ReadAll(e)
		if err != nil {
			t.Fatalf("reading %q via stream: %v", name, err)
		}
		if string(got) != entries[name] {
			t.Errorf("stream content of %q = %q, want %q", name, got, entries[name])
		}
	}
}

func TestWrite100Entries(t *testing.T) {
	entries := make(map[string]string)
	var order []string
	for i := 0; i < 100; i++ {
		name := fmt.Sprintf("foo%d.txt", i)
		entries[name] = fmt.Sprintf("some contents %d", i)
		order = append(order, name)
	}
	data := writeSample(t, Deflate, entries, order)

	arc, err := NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	if len(arc.Entries()) != 100 {
		t.Fatalf("Entries() len = %d, want 100", len(arc.Entries()))
	}
}

func TestDuplicateFilenameRejected(t *testing.T) {
	var buf bytes.Buffer
	zw := NewWriter(&buf)
	if _, err := zw.CreateHeader(&FileHeader{Name: "foo.txt", Method: Deflate}); err != nil {
		t.Fatalf("first CreateHeader: %v", err)
	}
	_, err := zw.CreateHeader(&FileHeader{Name: "foo.txt", Method: Deflate})
	var dup *DuplicateNameError
	if !errors.As(err, &dup) {
		t.Fatalf("CreateHeader duplicate = %v, want *DuplicateNameError", err)
	}
	if dup.Name != "foo.txt" {
		t.Errorf("DuplicateNameError.Name = %q, want foo.txt", dup.Name)
	}
	// A rejected duplicate must not poison the writer.
	if _, err := zw.CreateHeader(&FileHeader{Name: "bar.txt", Method: Deflate}); err != nil {
		t.Fatalf("CreateHeader after duplicate rejection = %v, want success", err)
	}
}

func TestReopenByPathAfterClose(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sample.zip")

	zw, err := Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	w, err := zw.CreateHeader(&FileHeader{Name: "foo.txt", Method: Deflate, Modified: time.Now().UTC()})
	if err != nil {
		t.Fatalf("CreateHeader: %v", err)
	}
	if _, err := io.WriteString(w, "contents of foo"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("Writer.Close: %v", err)
	}

	arc, err := OpenReader(path)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer arc.Close()

	e, ok := arc.Lookup("foo.txt")
	if !ok {
		t.Fatal("Lookup(foo.txt) not found")
	}
	r, err := e.Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("reading: %v", err)
	}
	if string(got) != "contents of foo" {
		t.Errorf("content = %q, want %q", got, "contents of foo")
	}
}

func TestDOSTimeRoundTrip(t *testing.T) {
	cases := []time.Time{
		time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, time.March, 2, 10, 30, 42, 0, time.UTC),
		time.Date(2107, time.December, 31, 23, 59, 58, 0, time.UTC),
		time.Date(2000, time.June, 15, 12, 0, 0, 0, time.UTC),
	}
	for _, want := range cases {
		want = want.Truncate(2 * time.Second)
		date, clock := dosTime(want)
		got := dosTimeToTime(date, clock)
		if !got.Equal(want) {
			t.Errorf("dosTimeToTime(dosTime(%v)) = %v, want %v", want, got, want)
		}
	}
}

func TestExtraFieldReemission(t *testing.T) {
	var buf bytes.Buffer
	zw := NewWriter(&buf)
	customExtra := []byte{0xAB, 0xCD, 0x04, 0x00, 1, 2, 3, 4}
	w, err := zw.CreateHeader(&FileHeader{
		Name:     "foo.txt",
		Method:   Deflate,
		Modified: time.Now().UTC(),
		Extra:    customExtra,
	})
	if err != nil {
		t.Fatalf("CreateHeader: %v", err)
	}
	io.WriteString(w, "hi")
	if err := zw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	arc, err := NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	e, ok := arc.Lookup("foo.txt")
	if !ok {
		t.Fatal("Lookup(foo.txt) not found")
	}
	if !bytes.Contains(e.Extra, customExtra) {
		t.Errorf("Extra = %x, want to contain %x", e.Extra, customExtra)
	}
}

func TestChecksumMismatchIndexed(t *testing.T) {
	content := "contents of foo"
	entries := map[string]string{"foo.txt": content}
	data := writeSample(t, Store, entries, []string{"foo.txt"})

	corrupted := append([]byte(nil), data...)
	idx := bytes.Index(corrupted, []byte(content))
	if idx < 0 {
		t.Fatal("could not locate payload bytes to corrupt")
	}
	corrupted[idx] ^= 0xFF

	arc, err := NewReader(bytes.NewReader(corrupted), int64(len(corrupted)))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	e, _ := arc.Lookup("foo.txt")
	r, err := e.Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()
	_, err = io.ReadAll(r)
	var cerr *ChecksumError
	if !errors.As(err, &cerr) {
		t.Fatalf("reading corrupted entry = %v, want *ChecksumError", err)
	}
	if cerr.Name != "foo.txt" {
		t.Errorf("ChecksumError.Name = %q, want foo.txt", cerr.Name)
	}
}

func TestChecksumMismatchStream(t *testing.T) {
	content := "contents of foo"
	entries := map[string]string{"foo.txt": content}
	data := writeSample(t, Store, entries, []string{"foo.txt"})

	corrupted := append([]byte(nil), data...)
	idx := bytes.Index(corrupted, []byte(content))
	if idx < 0 {
		t.Fatal("could not locate payload bytes to corrupt")
	}
	corrupted[idx] ^= 0xFF

	sr := NewStreamReader(bytes.NewReader(corrupted))
	e, err := sr.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	_, err = io.ReadAll(e)
	var cerr *ChecksumError
	if !errors.As(err, &cerr) {
		t.Fatalf("reading corrupted entry = %v, want *ChecksumError", err)
	}
}

// TestLocalHeaderZip64Override parses a local header whose 32-bit sizes
// are both the overflow sentinel, with a single Zip64 extra record
// supplying the real 64-bit sizes.
func TestLocalHeaderZip64Override(t *testing.T) {
	extra := make([]byte, 4+16)
	eb := writeBuf(extra)
	eb.uint16(zip64ExtraID)
	eb.uint16(16)
	eb.uint64(5) // uncompressed
	eb.uint64(5) // compressed

	name := "a.txt"
	fixed := make([]byte, 26)
	b := writeBuf(fixed)
	b.uint16(zip64VersionNeeded)
	b.uint16(0) // flags
	b.uint16(Store)
	b.uint16(0) // mod time
	b.uint16(0) // mod date
	b.uint32(0) // crc32 (unused by this assertion)
	b.uint32(uint32max)
	b.uint32(uint32max)
	b.uint16(uint16(len(name)))
	b.uint16(uint16(len(extra)))

	var buf bytes.Buffer
	buf.Write(fixed)
	buf.WriteString(name)
	buf.Write(extra)

	h, err := readLocalHeader(&buf)
	if err != nil {
		t.Fatalf("readLocalHeader: %v", err)
	}
	if h.UncompressedSize != 5 {
		t.Errorf("UncompressedSize = %d, want 5", h.UncompressedSize)
	}
	if h.CompressedSize != 5 {
		t.Errorf("CompressedSize = %d, want 5", h.CompressedSize)
	}
}

// TestZip64Promotion reads a hand-built archive whose classical EOCD
// carries only sentinel values, promoted via the Zip64 locator and Zip64
// EOCD to the real entry count, central directory size and offset.
func TestZip64Promotion(t *testing.T) {
	const payload = "Hello"
	crc := crc32.ChecksumIEEE([]byte(payload))
	name := "a.txt"

	var arc bytes.Buffer

	// Local header, offset 0.
	localOffset := int64(arc.Len())
	fixed := make([]byte, fileHeaderLen)
	b := writeBuf(fixed)
	b.uint32(fileHeaderSignature)
	b.uint16(versionNeeded)
	b.uint16(0)
	b.uint16(Store)
	b.uint16(0)
	b.uint16(0)
	b.uint32(crc)
	b.uint32(uint32(len(payload)))
	b.uint32(uint32(len(payload)))
	b.uint16(uint16(len(name)))
	b.uint16(0)
	arc.Write(fixed)
	arc.WriteString(name)
	arc.WriteString(payload)

	// Central directory, one entry.
	cdOffset := int64(arc.Len())
	cfixed := make([]byte, centralHeaderLen)
	cb := writeBuf(cfixed)
	cb.uint32(centralHeaderSignature)
	cb.uint16(versionNeeded)
	cb.uint16(versionNeeded)
	cb.uint16(0)
	cb.uint16(Store)
	cb.uint16(0)
	cb.uint16(0)
	cb.uint32(crc)
	cb.uint32(uint32(len(payload)))
	cb.uint32(uint32(len(payload)))
	cb.uint16(uint16(len(name)))
	cb.uint16(0)
	cb.uint16(0)
	cb.uint16(0)
	cb.uint16(0)
	cb.uint32(0)
	cb.uint32(uint32(localOffset))
	arc.Write(cfixed)
	arc.WriteString(name)
	cdSize := int64(arc.Len()) - cdOffset

	// Zip64 EOCD.
	zip64EOCDOffset := int64(arc.Len())
	zfixed := make([]byte, zip64EOCDLen)
	zb := writeBuf(zfixed)
	zb.uint32(zip64EOCDSignature)
	zb.uint64(zip64EOCDLen - 12)
	zb.uint16(zip64VersionNeeded)
	zb.uint16(zip64VersionNeeded)
	zb.uint32(0)
	zb.uint32(0)
	zb.uint64(1)
	zb.uint64(1)
	zb.uint64(uint64(cdSize))
	zb.uint64(uint64(cdOffset))
	arc.Write(zfixed)

	// Zip64 locator.
	lfixed := make([]byte, zip64LocatorLen)
	lb := writeBuf(lfixed)
	lb.uint32(zip64LocatorSignature)
	lb.uint32(0)
	lb.uint64(uint64(zip64EOCDOffset))
	lb.uint32(1)
	arc.Write(lfixed)

	// Classical EOCD, all sentinels.
	efixed := make([]byte, eocdLen)
	eb2 := writeBuf(efixed)
	eb2.uint32(eocdSignature)
	eb2.uint16(0)
	eb2.uint16(0)
	eb2.uint16(uint16max)
	eb2.uint16(uint16max)
	eb2.uint32(uint32max)
	eb2.uint32(uint32max)
	eb2.uint16(0)
	arc.Write(efixed)

	data := arc.Bytes()
	a, err := NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	if len(a.Entries()) != 1 {
		t.Fatalf("Entries() len = %d, want 1", len(a.Entries()))
	}
	e := a.Entries()[0]
	if e.UncompressedSize != 5 {
		t.Errorf("UncompressedSize = %d, want 5", e.UncompressedSize)
	}
	r, err := e.Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("reading: %v", err)
	}
	if string(got) != payload {
		t.Errorf("content = %q, want %q", got, payload)
	}
}

func TestGlob(t *testing.T) {
	entries := map[string]string{
		"dir/a.txt": "a",
		"dir/b.txt": "b",
		"other.log": "c",
	}
	order := []string{"dir/a.txt", "dir/b.txt", "other.log"}
	data := writeSample(t, Deflate, entries, order)

	arc, err := NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	matches, err := arc.Glob("dir/*.txt")
	if err != nil {
		t.Fatalf("Glob: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("Glob matches = %v, want 2 entries", matches)
	}
}

func TestUnsupportedCompressionMethod(t *testing.T) {
	var buf bytes.Buffer
	zw := NewWriter(&buf)
	_, err := zw.CreateHeader(&FileHeader{Name: "foo.txt", Method: 99})
	if !errors.Is(err, ErrAlgorithm) {
		t.Fatalf("CreateHeader with method 99 = %v, want ErrAlgorithm", err)
	}
}

func TestCreateHeaderAfterCloseFails(t *testing.T) {
	var buf bytes.Buffer
	zw := NewWriter(&buf)
	if err := zw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := zw.CreateHeader(&FileHeader{Name: "foo.txt", Method: Store}); !errors.Is(err, ErrClosed) {
		t.Fatalf("CreateHeader after Close = %v, want ErrClosed", err)
	}
}

// failingWriter accepts allow Writes and then fails every one after,
// standing in for a sink whose underlying device has gone away.
type failingWriter struct {
	allow int
}

var errSinkBroken = errors.New("sink broken")

func (w *failingWriter) Write(p []byte) (int, error) {
	if w.allow <= 0 {
		return 0, errSinkBroken
	}
	w.allow--
	return len(p), nil
}

// TestWriterPoisonedBySinkError drives a Writer into an I/O failure
// mid-entry and checks the failure is sticky: every later operation,
// including ones with fresh valid names and the first Close, returns the
// original sink error, and a second Close returns ErrClosed.
func TestWriterPoisonedBySinkError(t *testing.T) {
	const content = "payload"
	// The local header is three Writes (fixed fields, name, extra); let
	// those through and fail on the entry payload.
	sink := &failingWriter{allow: 3}
	zw := NewWriter(sink)

	fh := &FileHeader{
		Name:             "a.txt",
		Method:           Store,
		CRC32:            crc32.ChecksumIEEE([]byte(content)),
		CompressedSize:   uint64(len(content)),
		UncompressedSize: uint64(len(content)),
	}
	w, err := zw.CreateHeader(fh)
	if err != nil {
		t.Fatalf("CreateHeader: %v", err)
	}
	if _, err := io.WriteString(w, content); !errors.Is(err, errSinkBroken) {
		t.Fatalf("Write = %v, want errSinkBroken", err)
	}

	if _, err := zw.CreateHeader(&FileHeader{Name: "b.txt", Method: Store}); !errors.Is(err, errSinkBroken) {
		t.Fatalf("CreateHeader after sink failure = %v, want errSinkBroken", err)
	}
	if _, err := io.WriteString(w, "more"); !errors.Is(err, errSinkBroken) {
		t.Fatalf("Write after sink failure = %v, want errSinkBroken", err)
	}
	if err := zw.SetComment("too late"); !errors.Is(err, errSinkBroken) {
		t.Fatalf("SetComment after sink failure = %v, want errSinkBroken", err)
	}
	if err := zw.Close(); !errors.Is(err, errSinkBroken) {
		t.Fatalf("Close after sink failure = %v, want errSinkBroken", err)
	}
	if err := zw.Close(); !errors.Is(err, ErrClosed) {
		t.Fatalf("second Close = %v, want ErrClosed", err)
	}
}

func TestAddDir(t *testing.T) {
	var buf bytes.Buffer
	zw := NewWriter(&buf)
	if err := zw.AddDir("mydir", time.Now().UTC()); err != nil {
		t.Fatalf("AddDir: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	arc, err := NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	e, ok := arc.Lookup("mydir/")
	if !ok {
		t.Fatal("Lookup(mydir/) not found")
	}
	if !e.IsDir() {
		t.Error("IsDir() = false, want true")
	}
	if e.UncompressedSize != 0 {
		t.Errorf("UncompressedSize = %d, want 0", e.UncompressedSize)
	}
}

// writeBareEOCD appends a minimal zero-entry EOCD record, enough for the
// stream reader's lookahead heuristic to find a known signature after a
// data descriptor.
func writeBareEOCD(buf *bytes.Buffer) {
	fixed := make([]byte, eocdLen)
	b := writeBuf(fixed)
	b.uint32(eocdSignature)
	b.uint16(0)
	b.uint16(0)
	b.uint16(0)
	b.uint16(0)
	b.uint32(0)
	b.uint32(0)
	b.uint16(0)
	buf.Write(fixed)
}

// TestStreamDeferredStoredDescriptor hand-builds an archive whose single
// STORED entry has gp-flag bit 3 set, so its CRC arrives only in a
// trailing data descriptor that Next must consume and verify before
// moving on.
func TestStreamDeferredStoredDescriptor(t *testing.T) {
	const payload = "stored but deferred"
	crc := crc32.ChecksumIEEE([]byte(payload))
	name := "a.bin"

	var arc bytes.Buffer
	fixed := make([]byte, fileHeaderLen)
	b := writeBuf(fixed)
	b.uint32(fileHeaderSignature)
	b.uint16(versionNeeded)
	b.uint16(flagDataDescriptor)
	b.uint16(Store)
	b.uint16(0)
	b.uint16(0)
	b.uint32(0) // crc deferred
	b.uint32(uint32(len(payload)))
	b.uint32(uint32(len(payload)))
	b.uint16(uint16(len(name)))
	b.uint16(0)
	arc.Write(fixed)
	arc.WriteString(name)
	arc.WriteString(payload)

	desc := make([]byte, descriptorLen32)
	db := writeBuf(desc)
	db.uint32(dataDescriptorSignature)
	db.uint32(crc)
	db.uint32(uint32(len(payload)))
	db.uint32(uint32(len(payload)))
	arc.Write(desc)
	writeBareEOCD(&arc)

	sr := NewStreamReader(bytes.NewReader(arc.Bytes()))
	e, err := sr.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	got, err := io.ReadAll(e)
	if err != nil {
		t.Fatalf("reading: %v", err)
	}
	if string(got) != payload {
		t.Errorf("content = %q, want %q", got, payload)
	}
	e2, err := sr.Next()
	if err != nil {
		t.Fatalf("Next after deferred entry: %v", err)
	}
	if e2 != nil {
		t.Fatalf("Next = %q, want end of archive", e2.Name)
	}
	if e.CRC32 != crc {
		t.Errorf("CRC32 = %#08x, want %#08x", e.CRC32, crc)
	}
}

// TestStreamDescriptor64BitSizes hand-builds a DEFLATED entry whose
// trailing descriptor carries 64-bit sizes, which the reader must detect
// via the signature lookahead rather than any explicit marker.
func TestStreamDescriptor64BitSizes(t *testing.T) {
	const payload = "hello deflated world"
	crc := crc32.ChecksumIEEE([]byte(payload))
	name := "b.bin"

	var comp bytes.Buffer
	fw := newDeflater(&comp)
	if _, err := fw.Write([]byte(payload)); err != nil {
		t.Fatal(err)
	}
	if err := fw.Close(); err != nil {
		t.Fatal(err)
	}

	var arc bytes.Buffer
	fixed := make([]byte, fileHeaderLen)
	b := writeBuf(fixed)
	b.uint32(fileHeaderSignature)
	b.uint16(zip64VersionNeeded)
	b.uint16(flagDataDescriptor)
	b.uint16(Deflate)
	b.uint16(0)
	b.uint16(0)
	b.uint32(0)
	b.uint32(0)
	b.uint32(0)
	b.uint16(uint16(len(name)))
	b.uint16(0)
	arc.Write(fixed)
	arc.WriteString(name)
	arc.Write(comp.Bytes())

	desc := make([]byte, descriptorLen64)
	db := writeBuf(desc)
	db.uint32(dataDescriptorSignature)
	db.uint32(crc)
	db.uint64(uint64(comp.Len()))
	db.uint64(uint64(len(payload)))
	arc.Write(desc)
	writeBareEOCD(&arc)

	sr := NewStreamReader(bytes.NewReader(arc.Bytes()))
	e, err := sr.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	got, err := io.ReadAll(e)
	if err != nil {
		t.Fatalf("reading: %v", err)
	}
	if string(got) != payload {
		t.Errorf("content = %q, want %q", got, payload)
	}
	if e.UncompressedSize != uint64(len(payload)) {
		t.Errorf("UncompressedSize = %d, want %d", e.UncompressedSize, len(payload))
	}
	if e.CompressedSize != uint64(comp.Len()) {
		t.Errorf("CompressedSize = %d, want %d", e.CompressedSize, comp.Len())
	}
}

func TestStrayDataDescriptorFails(t *testing.T) {
	var arc bytes.Buffer
	desc := make([]byte, descriptorLen32)
	db := writeBuf(desc)
	db.uint32(dataDescriptorSignature)
	db.uint32(0)
	db.uint32(0)
	db.uint32(0)
	arc.Write(desc)
	writeBareEOCD(&arc)

	sr := NewStreamReader(bytes.NewReader(arc.Bytes()))
	if _, err := sr.Next(); !errors.Is(err, ErrFormat) {
		t.Fatalf("Next on stray descriptor = %v, want ErrFormat", err)
	}
}

func TestArchiveComment(t *testing.T) {
	var buf bytes.Buffer
	zw := NewWriter(&buf)
	if err := zw.SetComment("made by zvault"); err != nil {
		t.Fatalf("SetComment: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	arc, err := NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	if got := arc.Comment(); got != "made by zvault" {
		t.Errorf("Comment() = %q, want %q", got, "made by zvault")
	}
}

func TestOpenReaderMissingFile(t *testing.T) {
	_, err := OpenReader(filepath.Join(t.TempDir(), "does-not-exist.zip"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("OpenReader on missing file = %v, want os.ErrNotExist", err)
	}
}
