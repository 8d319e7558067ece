package device

import "testing"

// TestMapMemoryReplacesOverlap is spec invariant 4: mapping on top of an
// overlap replaces affected regions while disjointness (P4) holds.
func TestMapMemoryReplacesOverlap(t *testing.T) {
	vt := NewVMTable()
	vt.MapMemory(VmMapSlot{Begin: 0x1000, End: 0x4000, MemoryType: 1})
	vt.MapMemory(VmMapSlot{Begin: 0x2000, End: 0x3000, MemoryType: 2})

	if !vt.Disjoint() {
		t.Fatalf("table is not disjoint after overlapping map: %+v", vt.Slots())
	}

	slots := vt.Slots()
	if len(slots) != 3 {
		t.Fatalf("expected 3 slots (left remainder, new slot, right remainder), got %d: %+v", len(slots), slots)
	}
	if slots[0].Begin != 0x1000 || slots[0].End != 0x2000 {
		t.Fatalf("unexpected left remainder: %+v", slots[0])
	}
	if slots[1].Begin != 0x2000 || slots[1].End != 0x3000 || slots[1].MemoryType != 2 {
		t.Fatalf("unexpected inserted slot: %+v", slots[1])
	}
	if slots[2].Begin != 0x3000 || slots[2].End != 0x4000 {
		t.Fatalf("unexpected right remainder: %+v", slots[2])
	}
}

// TestUnmapMemorySplitsPartialOverlap checks UnmapMemory only removes the
// requested sub-range, leaving the rest of a larger slot intact.
func TestUnmapMemorySplitsPartialOverlap(t *testing.T) {
	vt := NewVMTable()
	vt.MapMemory(VmMapSlot{Begin: 0, End: 0x10000})
	vt.UnmapMemory(0x4000, 0x8000)

	if !vt.Disjoint() {
		t.Fatalf("table is not disjoint after unmap: %+v", vt.Slots())
	}
	slots := vt.Slots()
	if len(slots) != 2 {
		t.Fatalf("expected 2 remaining slots, got %d: %+v", len(slots), slots)
	}
	if slots[0].End != 0x4000 || slots[1].Begin != 0x8000 {
		t.Fatalf("unexpected split: %+v", slots)
	}
}

// TestProtectMemoryKeepsDisjointness is P4 exercised against
// ProtectMemory, whose split path is distinct from MapMemory/UnmapMemory.
func TestProtectMemoryKeepsDisjointness(t *testing.T) {
	vt := NewVMTable()
	vt.MapMemory(VmMapSlot{Begin: 0x1000, End: 0x9000, Prot: 0x3})
	vt.ProtectMemory(0x3000, 0x5000, 0x1)

	if !vt.Disjoint() {
		t.Fatalf("table is not disjoint after protect: %+v", vt.Slots())
	}

	slot, ok := vt.Translate(0x3500)
	if !ok || slot.Prot != 0x1 {
		t.Fatalf("expected protected inner slot at 0x3500, got %+v (ok=%v)", slot, ok)
	}
	slot, ok = vt.Translate(0x1500)
	if !ok || slot.Prot != 0x3 {
		t.Fatalf("expected original protection outside the range, got %+v (ok=%v)", slot, ok)
	}
}

// TestVMWindowIsDisjointAcrossVMIDs exercises P4 across the vm-id
// namespacing scheme itself: distinct vm ids never produce overlapping
// absolute address windows.
func TestVMWindowIsDisjointAcrossVMIDs(t *testing.T) {
	b0, e0 := VMWindow(0)
	b1, e1 := VMWindow(1)
	if e0 > b1 {
		t.Fatalf("vm window 0 [%#x,%#x) overlaps vm window 1 starting at %#x", b0, e0, b1)
	}
	if e0-b0 != kMaxAddress {
		t.Fatalf("vm window size = %#x, want %#x", e0-b0, kMaxAddress)
	}
	_ = e1
}
