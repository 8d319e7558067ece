package gpucache

import "sync/atomic"

// PageFlags is the per-4-KiB watch bitmask tracked for every page of a
// VM id's address space (spec.md §3's cache page table).
type PageFlags uint8

const (
	WriteWatch    PageFlags = 1 << iota
	ReadWriteLock
	LazyLock
	Invalidated
)

const pageSize = 4096

// pageTable is a flat, atomically-updated array of PageFlags for one VM
// id, matching the "plain byte, CAS'd by the producer" idiom named in
// SPEC_FULL §3.
type pageTable struct {
	pages []atomic.Uint32 // low byte holds PageFlags; widened for atomic.Uint32 portability
}

func newPageTable(addressSpaceBytes uint64) *pageTable {
	n := (addressSpaceBytes + pageSize - 1) / pageSize
	return &pageTable{pages: make([]atomic.Uint32, n)}
}

func pageIndex(addr uint64) uint64 { return addr / pageSize }

func (t *pageTable) pagesFor(r Interval) (first, count uint64) {
	first = pageIndex(r.Begin)
	last := pageIndex(r.End - 1)
	return first, last - first + 1
}

// Set ORs flags into every page covering r.
func (t *pageTable) Set(r Interval, flags PageFlags) {
	first, count := t.pagesFor(r)
	for i := first; i < first+count && int(i) < len(t.pages); i++ {
		p := &t.pages[i]
		for {
			old := p.Load()
			next := old | uint32(flags)
			if p.CompareAndSwap(old, next) {
				break
			}
		}
	}
}

// Clear ANDs the complement of flags out of every page covering r.
func (t *pageTable) Clear(r Interval, flags PageFlags) {
	first, count := t.pagesFor(r)
	mask := ^uint32(flags)
	for i := first; i < first+count && int(i) < len(t.pages); i++ {
		p := &t.pages[i]
		for {
			old := p.Load()
			next := old & mask
			if p.CompareAndSwap(old, next) {
				break
			}
		}
	}
}

// Test reports whether every page covering r carries all of flags.
func (t *pageTable) Test(r Interval, flags PageFlags) bool {
	first, count := t.pagesFor(r)
	for i := first; i < first+count && int(i) < len(t.pages); i++ {
		if PageFlags(t.pages[i].Load())&flags != flags {
			return false
		}
	}
	return true
}

// Any reports whether any page covering r carries any of flags.
func (t *pageTable) Any(r Interval, flags PageFlags) bool {
	first, count := t.pagesFor(r)
	for i := first; i < first+count && int(i) < len(t.pages); i++ {
		if PageFlags(t.pages[i].Load())&flags != 0 {
			return true
		}
	}
	return false
}
