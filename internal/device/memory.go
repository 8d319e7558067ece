package device

import (
	"unsafe"
)

// processMemory adapts one guest process's shared-memory region and VM
// table to gpucache.GuestMemory, so a process's resource cache can read
// shader programs and resource descriptors, and write back buffers the
// cache-update thread flushes, the same shared-memory-backed
// translation resolveIndirectBuffer already does for IT_INDIRECT_BUFFER.
//
// Reads and writes outside a mapped slot or past the end of the
// region are silently dropped rather than returned as errors, matching
// GuestMemory's no-error signature - a cache miss against unmapped guest
// memory is a guest bug, not a façade error.
type processMemory struct {
	d   *Device
	pid int32
}

func newProcessMemory(d *Device, pid int32) *processMemory {
	return &processMemory{d: d, pid: pid}
}

// translate resolves addr to a byte offset into the process's mapped
// shared-memory region, or false if the process, bridge, or region
// aren't available yet.
func (m *processMemory) translate(addr uint64) (data []byte, offset uint64, ok bool) {
	m.d.mu.Lock()
	proc, hasProc := m.d.processes[m.pid]
	bridge := m.d.bridge
	m.d.mu.Unlock()
	if !hasProc || bridge == nil {
		return nil, 0, false
	}
	region, hasRegion := bridge.Memory[m.pid]
	if !hasRegion {
		return nil, 0, false
	}
	slot, hasSlot := proc.Table.Translate(addr)
	if !hasSlot {
		return nil, 0, false
	}
	byteOffset := slot.Offset + (addr - slot.Begin)
	if byteOffset >= uint64(len(region.Data)) {
		return nil, 0, false
	}
	return region.Data, byteOffset, true
}

// ReadBytes fills out from addr, leaving it untouched if addr isn't
// currently mapped. The slot's Prot bits are not consulted.
func (m *processMemory) ReadBytes(addr uint64, out []byte) {
	data, offset, ok := m.translate(addr)
	if !ok {
		return
	}
	copy(out, data[offset:])
}

// WriteBytes writes data at addr, a no-op if addr isn't currently
// mapped. The slot's Prot bits are not consulted.
func (m *processMemory) WriteBytes(addr uint64, data []byte) {
	region, offset, ok := m.translate(addr)
	if !ok {
		return
	}
	copy(region[offset:], data)
}

// ReadWords reads count 32-bit words starting at addr, returning a
// zero-filled slice if addr isn't mapped.
func (m *processMemory) ReadWords(addr uint64, count int) []uint32 {
	out := make([]uint32, count)
	if count == 0 {
		return out
	}
	raw := unsafe.Slice((*byte)(unsafe.Pointer(&out[0])), count*4)
	m.ReadBytes(addr, raw)
	return out
}
