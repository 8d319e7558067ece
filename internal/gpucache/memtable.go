package gpucache

import "sync"

// MemoryTableEntry is one slot of the flat bindless-style resource
// table: shaders index into it rather than through per-resource
// descriptor sets (spec.md §4.6's "Memory table").
type MemoryTableEntry struct {
	Address       uint64
	SizeAndFlags  uint32
	DeviceAddress uint64
}

// MemoryTable builds one flat table per draw/dispatch and tracks slot
// ownership through a ConcurrentBitPool so a dispatch's resource slots
// can be released as soon as it retires.
type MemoryTable struct {
	mu      sync.Mutex
	entries []MemoryTableEntry
	pool    *ConcurrentBitPool
}

// NewMemoryTable allocates a table with room for capacity resource
// slots.
func NewMemoryTable(capacity int) *MemoryTable {
	return &MemoryTable{entries: make([]MemoryTableEntry, capacity), pool: NewConcurrentBitPool(capacity)}
}

// Acquire reserves the next free slot and writes entry into it,
// satisfying invariant 5 ("slot i describes the resource used by
// resource slot i of the currently-building dispatch").
func (m *MemoryTable) Acquire(entry MemoryTableEntry) (int, bool) {
	slot, ok := m.pool.Acquire()
	if !ok {
		return 0, false
	}
	m.mu.Lock()
	m.entries[slot] = entry
	m.mu.Unlock()
	return slot, true
}

// Release returns slot to the pool once the dispatch that used it
// retires.
func (m *MemoryTable) Release(slot int) {
	m.pool.Release(slot)
}

// Snapshot copies the table's current contents for upload to the
// GPU-visible buffer backing it.
func (m *MemoryTable) Snapshot() []MemoryTableEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MemoryTableEntry, len(m.entries))
	copy(out, m.entries)
	return out
}
