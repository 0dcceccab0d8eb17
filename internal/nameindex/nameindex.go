// Package nameindex implements an open-addressing hash table mapping
// archive entry names to their position in the central directory list.
// Open addressing with linear probing follows the shape of
// buildbarn-bb-storage's HashingKeyLocationMap (pkg/blobstore/local,
// LocationRecordKey's probing-distance comment): collisions are resolved
// by scanning forward from the hashed slot rather than chaining. Keyed
// on xxhash instead of that package's FNV-1a, and grown by doubling
// instead of losing records on overflow, since an Index is built once
// while the central directory is read and then only ever looked up, so
// it can afford to keep everything rather than bound its size.
package nameindex

import "github.com/cespare/xxhash/v2"

const growThreshold = 0.8125

// Index maps entry names to their slot in the caller's entry slice.
type Index struct {
	slots    []slot
	occupied int
}

type slot struct {
	name string
	pos  int
	used bool
}

// New returns an empty index sized for roughly hint entries.
func New(hint int) *Index {
	size := 8
	for size < hint*2 {
		size <<= 1
	}
	return &Index{slots: make([]slot, size)}
}

// Put records that name lives at position pos. A duplicate name keeps
// the earlier position, matching the documented "first entry with this
// name wins" lookup behavior for Archive.Lookup.
func (x *Index) Put(name string, pos int) {
	if float64(x.occupied+1) >= growThreshold*float64(len(x.slots)) {
		x.grow()
	}
	x.insert(name, pos)
}

func (x *Index) insert(name string, pos int) {
	mask := uint64(len(x.slots) - 1)
	h := xxhash.Sum64String(name)
	for i := h & mask; ; i = (i + 1) & mask {
		s := &x.slots[i]
		if !s.used {
			*s = slot{name: name, pos: pos, used: true}
			x.occupied++
			return
		}
		if s.name == name {
			// First entry with this name already occupies the slot.
			return
		}
	}
}

func (x *Index) grow() {
	old := x.slots
	x.slots = make([]slot, len(old)*2)
	x.occupied = 0
	for _, s := range old {
		if s.used {
			x.insert(s.name, s.pos)
		}
	}
}

// Get returns the position stored under name, if any.
func (x *Index) Get(name string) (pos int, ok bool) {
	if len(x.slots) == 0 {
		return 0, false
	}
	mask := uint64(len(x.slots) - 1)
	h := xxhash.Sum64String(name)
	for i := h & mask; ; i = (i + 1) & mask {
		s := &x.slots[i]
		if !s.used {
			return 0, false
		}
		if s.name == name {
			return s.pos, true
		}
	}
}

// Len reports how many distinct names are currently indexed.
func (x *Index) Len() int { return x.occupied }
