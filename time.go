// Copyright Elliot Nunn. Portions copyright 2010 The Go Authors. All rights
// reserved. Use of this source code is governed by a BSD-style license that
// can be found in the LICENSE file.

package zvault

import "time"

// dosTime encodes t as the little-endian MS-DOS date/time pair stored in a
// local or central header. Resolution is 2 seconds; years outside
// [1980, 2107] saturate rather than wrap, matching how every other ZIP
// implementation in the wild behaves.
func dosTime(t time.Time) (date, clock uint16) {
	year := t.Year()
	if year < 1980 {
		year = 1980
	} else if year > 2107 {
		year = 2107
	}
	date = uint16(t.Day()) + uint16(t.Month())<<5 + uint16(year-1980)<<9
	clock = uint16(t.Second()/2) + uint16(t.Minute())<<5 + uint16(t.Hour())<<11
	return
}

// dosTimeToTime is the inverse of dosTime, always returning a UTC instant;
// the DOS format carries no timezone information of its own.
func dosTimeToTime(date, clock uint16) time.Time {
	return time.Date(
		int(date>>9)+1980,
		time.Month(date>>5&0xf),
		int(date&0x1f),
		int(clock>>11),
		int(clock>>5&0x3f),
		int(clock&0x1f)*2,
		0,
		time.UTC,
	)
}

// extTimeExtra builds the Info-ZIP "extended timestamp" extra record
// (0x5455) carrying just a modification time, the same record
// martin-sucha/zipserve's prepareEntry emits: nearly every ZIP reader in
// the wild understands it, so the writer always attaches one.
func extTimeExtra(t time.Time) []byte {
	buf := make([]byte, extTimeExtraLen)
	b := writeBuf(buf)
	b.uint16(extTimeExtraID)
	b.uint16(5) // flags byte + 4-byte unix time
	b.uint8(1)  // flags: modtime present
	b.uint32(uint32(t.Unix()))
	return buf
}

const extTimeExtraLen = 2 + 2 + 1 + 4

// extTimeFromExtra scans a parsed extra-field map for an extended
// timestamp record and returns the modification time it carries, if any.
func extTimeFromExtra(fields map[uint16][]byte) (time.Time, bool) {
	buf, ok := fields[extTimeExtraID]
	if !ok || len(buf) < 5 {
		return time.Time{}, false
	}
	r := readBuf(buf)
	flags := r.uint8()
	if flags&1 == 0 {
		return time.Time{}, false
	}
	return time.Unix(int64(r.uint32()), 0).UTC(), true
}
