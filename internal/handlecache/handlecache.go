// Package handlecache bounds the number of open file descriptors used for
// concurrent random-access reads against a path-backed archive. Grounded
// on the tinylfu wiring in BeHierarchic's internal/spinner/concurrent.go
// (tinylfu.New with an OnEvict callback that releases the evicted
// resource), stripped down from that file's full multiplexed-reader pool
// to a plain handle cache: IndexedReader only needs "give me a fresh
// *os.File for this path, reusing one if the cache already has it", not
// the block-level read coalescing concurrent.go also does.
package handlecache

import (
	"hash/maphash"
	"os"
	"sync"

	"github.com/dgryski/go-tinylfu"
)

// Cache hands out *os.File handles opened against a single underlying
// path, reusing a bounded number of already-open handles across
// concurrent callers and closing the rest on eviction.
type Cache struct {
	mu   sync.Mutex
	path string
	t    *tinylfu.T[int, *os.File]
	next int
}

var seed = maphash.MakeSeed()

// New returns a Cache capped at holding n open handles to path at once.
func New(path string, n int) *Cache {
	c := &Cache{path: path}
	c.t = tinylfu.New[int, *os.File](n, n*10, hasher, tinylfu.OnEvict(func(_ int, f *os.File) {
		f.Close()
	}))
	return c
}

func hasher(k int) uint64 { return maphash.Comparable(seed, k) }

// Acquire returns a handle to the file, reusing one already tracked by
// the cache when one exists under any of the slot ids handed out so far
// and opening a fresh one otherwise. Unlike a checkout/return pool, a
// *os.File's ReadAt is safe for concurrent use at independent offsets, so
// Acquire does not need to remove the entry from the cache: many callers
// can share the same handle, and tinylfu's eviction callback closes the
// least-valuable one once more distinct handles exist than the cache was
// sized for.
func (c *Cache) Acquire() (*File, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id := 0; id < c.next; id++ {
		if f, ok := c.t.Get(id); ok {
			return &File{f: f}, nil
		}
	}

	f, err := os.Open(c.path)
	if err != nil {
		return nil, err
	}
	id := c.next
	c.next++
	c.t.Add(id, f)
	return &File{f: f}, nil
}

// File is a handle borrowed from a Cache. It must not be closed directly;
// the Cache closes handles itself, via OnEvict, once they fall out of
// favor.
type File struct {
	f *os.File
}

func (bf *File) ReadAt(p []byte, off int64) (int, error) { return bf.f.ReadAt(p, off) }
