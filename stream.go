// Copyright Elliot Nunn. Portions copyright 2010 The Go Authors. All rights
// reserved. Use of this source code is governed by a BSD-style license that
// can be found in the LICENSE file.

package zvault

import (
	"bufio"
	"fmt"
	"hash/crc32"
	"io"
)

// StreamReader consumes a non-seekable byte source and yields archive
// entries in physical order, one at a time. An Entry returned by Next is
// valid only until the following call to Next, which drains and closes
// it first.
type StreamReader struct {
	br  *bufio.Reader
	cur *StreamEntry
	end bool

	// prevDeferredStore is the most recently closed entry if it was a
	// STORED entry with gp-flag bit 3 set, so the main loop knows to
	// skip and verify its trailing data descriptor. Reset to
	// nil once consumed or superseded by the next entry.
	prevDeferredStore *StreamEntry

	metrics *Metrics
}

// SetMetrics attaches m so subsequent entries report read outcomes to it.
// Pass nil to detach.
func (sr *StreamReader) SetMetrics(m *Metrics) { sr.metrics = m }

// NewStreamReader wraps r for sequential entry-by-entry reading. r need
// not support seeking or positional reads; NewStreamReader buffers it
// internally to provide the short look-ahead the data-descriptor
// heuristic requires.
func NewStreamReader(r io.Reader) *StreamReader {
	return &StreamReader{br: bufio.NewReaderSize(r, 32*1024)}
}

// StreamEntry is one archive entry as seen by a StreamReader: metadata
// plus a live decoding pipeline bound to the underlying stream.
type StreamEntry struct {
	FileHeader

	sr       *StreamReader
	body     io.Reader
	hash     *crcCountReader
	closed   bool
	deferred bool // gp_flags bit 3 was set on the local header
}

func (e *StreamEntry) Read(p []byte) (int, error) {
	if e.closed {
		if e.sr.cur != e {
			return 0, ErrClosed
		}
		return 0, io.EOF
	}
	n, err := e.body.Read(p)
	if err == io.EOF {
		if cerr := e.finish(); cerr != nil {
			return n, cerr
		}
	}
	return n, err
}

// finish drains any remainder, resolves a deferred CRC/size via the
// trailing data descriptor if needed, and validates the checksum. It is
// idempotent.
func (e *StreamEntry) finish() error {
	if e.closed {
		return nil
	}
	// Drain in case the caller stopped reading early.
	if _, err := io.Copy(io.Discard, e.body); err != nil {
		e.closed = true
		return err
	}
	e.closed = true

	if e.deferred {
		if e.Method == Store {
			// The local header carried no CRC or sizes; they arrive in a
			// descriptor that Next consumes before the following entry,
			// and the checksum is verified there.
			return nil
		}
		crc, compressed, uncompressed, err := readDeferredDescriptor(e.sr.br)
		if err != nil {
			return err
		}
		e.CRC32, e.CompressedSize, e.UncompressedSize = crc, compressed, uncompressed
	}

	if got := e.hash.Sum32(); got != e.CRC32 {
		err := &ChecksumError{Name: e.Name, Want: e.CRC32, Got: got}
		e.sr.metrics.observeRead(int(e.hash.count), err)
		return err
	}
	e.sr.metrics.observeRead(int(e.hash.count), nil)
	return nil
}

// Next advances to the next entry, draining and verifying the current one
// first. It returns (nil, nil) once the signature following the last entry
// is not a local-file header; the caller is then expected to know that
// central-directory/EOCD bytes follow, if it cares to look.
func (sr *StreamReader) Next() (*StreamEntry, error) {
	if sr.end {
		return nil, nil
	}
	if sr.cur != nil {
		if err := sr.cur.finish(); err != nil {
			return nil, err
		}
		sr.cur = nil
	}

	for {
		var sigBuf [4]byte
		if _, err := io.ReadFull(sr.br, sigBuf[:]); err != nil {
			return nil, fmt.Errorf("zvault: reading entry signature: %w", err)
		}
		sig := le32(sigBuf[:])

		switch sig {
		case fileHeaderSignature:
			h, err := readLocalHeader(sr.br)
			if err != nil {
				return nil, err
			}
			return sr.openEntry(h)

		case dataDescriptorSignature:
			prev := sr.prevDeferredStore
			if prev == nil {
				return nil, fmt.Errorf("%w: data descriptor with no preceding entry", ErrFormat)
			}
			sr.prevDeferredStore = nil
			crc, compressed, uncompressed, err := finishDescriptor(sr.br)
			if err != nil {
				return nil, err
			}
			prev.CRC32, prev.CompressedSize, prev.UncompressedSize = crc, compressed, uncompressed
			if got := prev.hash.Sum32(); got != crc {
				err := &ChecksumError{Name: prev.Name, Want: crc, Got: got}
				sr.metrics.observeRead(int(prev.hash.count), err)
				return nil, err
			}
			sr.metrics.observeRead(int(prev.hash.count), nil)
			continue

		default:
			sr.end = true
			return nil, nil
		}
	}
}

func (sr *StreamReader) openEntry(h *FileHeader) (*StreamEntry, error) {
	e := &StreamEntry{FileHeader: *h, sr: sr}
	e.deferred = h.Flags&flagDataDescriptor != 0

	var packed io.Reader
	switch h.Method {
	case Store:
		// A STORED entry with bit 3 set and compressed_size == 0 is
		// genuinely ambiguous without scanning for the descriptor
		// signature in the payload itself; this reader trusts
		// compressed_size as given.
		packed = io.LimitReader(sr.br, int64(h.CompressedSize))
	case Deflate:
		if h.CompressedSize == 0 && e.deferred {
			packed = newInflater(sr.br)
		} else {
			packed = newInflater(io.LimitReader(sr.br, int64(h.CompressedSize)))
		}
	default:
		return nil, fmt.Errorf("%w: method %d", ErrAlgorithm, h.Method)
	}

	e.hash = &crcCountReader{r: packed, hash: crc32.NewIEEE()}
	e.body = e.hash

	if e.deferred && h.Method == Store {
		sr.prevDeferredStore = e
	} else {
		sr.prevDeferredStore = nil
	}

	sr.cur = e
	return e, nil
}

// crcCountReader accumulates a running CRC-32 over everything read
// through it; unlike checksumReader in checksum.go it does not know the
// expected sum or final length up front, since a StreamEntry with a
// deferred descriptor learns both only after EOF.
type crcCountReader struct {
	r     io.Reader
	hash  hash32
	count int64
}

type hash32 interface {
	io.Writer
	Sum32() uint32
}

func (c *crcCountReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.hash.Write(p[:n])
	c.count += int64(n)
	return n, err
}

func (c *crcCountReader) Sum32() uint32 { return c.hash.Sum32() }

func le32(b []byte) uint32 { return binaryLE32(b) }

var knownSignatures = [...]uint32{fileHeaderSignature, centralHeaderSignature, eocdSignature, dataDescriptorSignature}

func isKnownSignature(b []byte) bool {
	if len(b) < 4 {
		return false
	}
	v := le32(b)
	for _, s := range knownSignatures {
		if v == s {
			return true
		}
	}
	return false
}

// finishDescriptor reads a data descriptor's CRC and sizes, assuming the
// optional 0x08074B50 signature has already been consumed by the caller.
// Used when the loop-level dispatch in Next already knows a descriptor is
// present (the deferred-STORED case).
func finishDescriptor(br *bufio.Reader) (crc32v uint32, compressed, uncompressed uint64, err error) {
	var crcBuf [4]byte
	if _, err := io.ReadFull(br, crcBuf[:]); err != nil {
		return 0, 0, 0, fmt.Errorf("zvault: reading data descriptor crc: %w", err)
	}
	crc32v = le32(crcBuf[:])

	sixtyFour, err := sizesAre64Bit(br)
	if err != nil {
		return 0, 0, 0, err
	}
	if sixtyFour {
		var buf [16]byte
		if _, err := io.ReadFull(br, buf[:]); err != nil {
			return 0, 0, 0, fmt.Errorf("zvault: reading 64-bit descriptor sizes: %w", err)
		}
		b := readBuf(buf[:])
		compressed = b.uint64()
		uncompressed = b.uint64()
	} else {
		var buf [8]byte
		if _, err := io.ReadFull(br, buf[:]); err != nil {
			return 0, 0, 0, fmt.Errorf("zvault: reading 32-bit descriptor sizes: %w", err)
		}
		b := readBuf(buf[:])
		compressed = uint64(b.uint32())
		uncompressed = uint64(b.uint32())
	}
	return crc32v, compressed, uncompressed, nil
}

// readDeferredDescriptor reads a full data descriptor where the optional
// leading signature has NOT yet been consumed, distinguishing its
// presence from the case where the first 4 bytes are the CRC itself.
func readDeferredDescriptor(br *bufio.Reader) (crc32v uint32, compressed, uncompressed uint64, err error) {
	peek, _ := br.Peek(4)
	if len(peek) == 4 && le32(peek) == dataDescriptorSignature {
		if _, err := br.Discard(4); err != nil {
			return 0, 0, 0, err
		}
	}
	return finishDescriptor(br)
}

// sizesAre64Bit implements the descriptor-width look-ahead heuristic: at
// the position where the size fields begin, a known signature 8 bytes in
// means 32-bit sizes (they'd occupy exactly 8 bytes); one 16 bytes in
// means 64-bit sizes; otherwise default to 32-bit.
func sizesAre64Bit(br *bufio.Reader) (bool, error) {
	peek, _ := br.Peek(20)
	if len(peek) >= 12 && isKnownSignature(peek[8:12]) {
		return false, nil
	}
	if len(peek) >= 20 && isKnownSignature(peek[16:20]) {
		return true, nil
	}
	return false, nil
}
