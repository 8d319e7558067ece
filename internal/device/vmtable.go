package device

import "sort"

// kMinAddress/kMaxAddress bound the per-VM-id guest address window a
// process's memory image is imported under: [vmId*2^40+kMinAddress,
// vmId*2^40+kMaxAddress).
const (
	kMinAddress uint64 = 0
	kMaxAddress uint64 = 1 << 40
	vmIDShift          = 40
)

// VMWindow returns the absolute [begin,end) address range vmID's guest
// memory image is imported under.
func VMWindow(vmID uint8) (begin, end uint64) {
	base := uint64(vmID) << vmIDShift
	return base + kMinAddress, base + kMaxAddress
}

// VmMapSlot is one mapped region of a guest process's virtual address
// space - spec.md §3's VmMapSlot payload verbatim.
type VmMapSlot struct {
	Begin, End  uint64
	MemoryType  int // >= 0 marks a direct-memory (DMEM) mapping
	Prot        int
	Offset      uint64
	BaseAddress uint64
}

func (s VmMapSlot) overlaps(begin, end uint64) bool {
	return s.Begin < end && begin < s.End
}

// VMTable is one guest process's interval-keyed virtual memory table.
// It is mutated only from the main ring-processor goroutine; readers
// (the cache-update goroutine) observe it through the page-lock
// protocol rather than by holding a reference across a mutation.
type VMTable struct {
	slots []VmMapSlot
}

// NewVMTable returns an empty table.
func NewVMTable() *VMTable { return &VMTable{} }

// MapMemory installs slot, replacing (truncating or removing) any
// region of existing slots it overlaps - spec.md §3's invariant 4:
// "mapping on top of an overlap replaces affected regions."
func (t *VMTable) MapMemory(slot VmMapSlot) {
	t.clearRange(slot.Begin, slot.End)
	t.slots = append(t.slots, slot)
	t.sort()
}

// UnmapMemory removes every slot-covering byte in [begin,end), splitting
// slots that only partially overlap the range.
func (t *VMTable) UnmapMemory(begin, end uint64) {
	t.clearRange(begin, end)
	t.sort()
}

// ProtectMemory updates Prot for every slot covering [begin,end),
// splitting slots whose range only partially overlaps it so the
// protection change never bleeds outside the requested window.
func (t *VMTable) ProtectMemory(begin, end uint64, prot int) {
	var next []VmMapSlot
	for _, s := range t.slots {
		if !s.overlaps(begin, end) {
			next = append(next, s)
			continue
		}
		for _, piece := range splitOutside(s, begin, end) {
			next = append(next, piece)
		}
		inner := s
		if inner.Begin < begin {
			inner.Offset += begin - inner.Begin
			inner.Begin = begin
		}
		if inner.End > end {
			inner.End = end
		}
		inner.Prot = prot
		next = append(next, inner)
	}
	t.slots = next
	t.sort()
}

// clearRange removes every byte in [begin,end) from the table, keeping
// the parts of any overlapping slot that fall outside the range.
func (t *VMTable) clearRange(begin, end uint64) {
	var next []VmMapSlot
	for _, s := range t.slots {
		if !s.overlaps(begin, end) {
			next = append(next, s)
			continue
		}
		next = append(next, splitOutside(s, begin, end)...)
	}
	t.slots = next
}

// splitOutside returns the portions of s that lie outside [begin,end).
func splitOutside(s VmMapSlot, begin, end uint64) []VmMapSlot {
	var out []VmMapSlot
	if s.Begin < begin {
		left := s
		left.End = begin
		out = append(out, left)
	}
	if s.End > end {
		right := s
		right.Begin = end
		right.Offset += end - s.Begin
		out = append(out, right)
	}
	return out
}

func (t *VMTable) sort() {
	sort.Slice(t.slots, func(i, j int) bool { return t.slots[i].Begin < t.slots[j].Begin })
}

// Slots returns a snapshot of the table's current slots, in address
// order.
func (t *VMTable) Slots() []VmMapSlot {
	out := make([]VmMapSlot, len(t.slots))
	copy(out, t.slots)
	return out
}

// Disjoint reports whether every pair of slots satisfies P4: a.end <=
// b.begin or b.end <= a.begin.
func (t *VMTable) Disjoint() bool {
	slots := t.Slots()
	for i := 0; i < len(slots); i++ {
		for j := i + 1; j < len(slots); j++ {
			a, b := slots[i], slots[j]
			if !(a.End <= b.Begin || b.End <= a.Begin) {
				return false
			}
		}
	}
	return true
}

// Translate resolves addr to its backing slot, if any.
func (t *VMTable) Translate(addr uint64) (VmMapSlot, bool) {
	for _, s := range t.slots {
		if addr >= s.Begin && addr < s.End {
			return s, true
		}
	}
	return VmMapSlot{}, false
}
