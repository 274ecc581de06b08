// Package freelist tracks reusable overflow/freelist page IDs with
// lowest-first allocation.
package freelist

import (
	"encoding/binary"

	gbtree "github.com/google/btree"

	"github.com/alexhholmes/thunder/internal/page"
)

func idLess(a, b page.ID) bool { return a < b }

// Freelist is an ordered set of page IDs available for reuse, backed by a
// B-tree so Allocate's smallest-free lookup and Free's insert are both
// O(log n) rather than a linear scan over an unordered set.
// Thunder is single-writer with no reader-epoch pinning beyond the
// snapshot a ReadTx already gets from the live map, so unlike bbolt-style
// freelists there is no pending/epoch split here: a page freed during a
// commit becomes allocatable as soon as the commit has rewritten anything
// that referenced it, which happens within the same commit.
type Freelist struct {
	ids   *gbtree.BTreeG[page.ID]
	tail  page.ID // next page ID to hand out once ids is empty
	start page.ID // lowest page ID ever handed out by this region, fixed at New
}

// New returns an empty Freelist that starts allocating tail pages at next.
// next also becomes the region's fixed floor (RegionStart), since every
// page from next upward may eventually hold live overflow or freelist
// bytes once handed out.
func New(next page.ID) *Freelist {
	if next < page.FirstDataPageID {
		next = page.FirstDataPageID
	}
	return &Freelist{ids: gbtree.NewG(32, idLess), tail: next, start: next}
}

// Allocate returns the smallest free page ID, or grows the file by
// returning the next unused tail ID if the free set is empty.
func (f *Freelist) Allocate() page.ID {
	if id, ok := f.ids.DeleteMin(); ok {
		return id
	}
	id := f.tail
	f.tail++
	return id
}

// Free marks id as reusable. Idempotent: freeing an already-free id is a no-op.
func (f *Freelist) Free(id page.ID) {
	f.ids.ReplaceOrInsert(id)
}

// Len returns the number of pages currently free.
func (f *Freelist) Len() int { return f.ids.Len() }

// Tail returns the next tail page ID that would be allocated once the free
// set is exhausted; used to compute meta.page_count.
func (f *Freelist) Tail() page.ID { return f.tail }

// RegionStart returns the lowest page ID this freelist has ever handed
// out: the hard ceiling on how far the flat data section may grow,
// since any page from here upward may already hold live overflow or
// freelist bytes (unlike Tail, this never moves after New).
func (f *Freelist) RegionStart() page.ID { return f.start }

// Serialize encodes the freelist as count(8) || tail(8) || start(8) ||
// sorted ids(8 each).
func (f *Freelist) Serialize() []byte {
	sorted := make([]page.ID, 0, f.ids.Len())
	f.ids.Ascend(func(id page.ID) bool {
		sorted = append(sorted, id)
		return true
	})

	buf := make([]byte, 24+8*len(sorted))
	binary.LittleEndian.PutUint64(buf[0:8], uint64(len(sorted)))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(f.tail))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(f.start))
	for i, id := range sorted {
		off := 24 + 8*i
		binary.LittleEndian.PutUint64(buf[off:off+8], uint64(id))
	}
	return buf
}

// Deserialize rebuilds a Freelist from bytes written by Serialize.
func Deserialize(buf []byte) (*Freelist, error) {
	if len(buf) < 24 {
		return New(page.FirstDataPageID), nil
	}
	count := binary.LittleEndian.Uint64(buf[0:8])
	tail := page.ID(binary.LittleEndian.Uint64(buf[8:16]))
	start := page.ID(binary.LittleEndian.Uint64(buf[16:24]))

	f := &Freelist{ids: gbtree.NewG(32, idLess), tail: tail, start: start}
	for i := uint64(0); i < count; i++ {
		off := 24 + 8*i
		if off+8 > uint64(len(buf)) {
			break
		}
		id := page.ID(binary.LittleEndian.Uint64(buf[off : off+8]))
		f.ids.ReplaceOrInsert(id)
	}
	return f, nil
}
