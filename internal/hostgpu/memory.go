package hostgpu

import (
	"fmt"
	"sync"

	vk "github.com/goki/vulkan"
)

// page is one vkDeviceMemory allocation a MemoryResource bump-allocates
// sub-ranges from.
type page struct {
	memory vk.DeviceMemory
	size   uint64
	used   uint64
}

const pageSize = 64 * 1024 * 1024

// MemoryResource sub-allocates fixed-size device memory pages for a
// single property-flag set (host-visible or device-local), serialized by
// an internal mutex per spec.md §5's shared-resource policy.
type MemoryResource struct {
	mu         sync.Mutex
	device     vk.Device
	physical   vk.PhysicalDevice
	properties vk.MemoryPropertyFlags
	pages      []*page
}

func newMemoryResource(device vk.Device, physical vk.PhysicalDevice, properties vk.MemoryPropertyFlags) *MemoryResource {
	return &MemoryResource{device: device, physical: physical, properties: properties}
}

// Allocation is a sub-range of one page's device memory.
type Allocation struct {
	Memory vk.DeviceMemory
	Offset uint64
	Size   uint64
}

// Allocate reserves size bytes aligned to alignment, adding a fresh page
// when no existing page has room - the bump-allocator idiom the cache
// (C6) uses for every buffer/image backing store.
func (m *MemoryResource) Allocate(size, alignment uint64, memoryTypeBits uint32) (Allocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.pages {
		offset := alignUp(p.used, alignment)
		if offset+size <= p.size {
			p.used = offset + size
			return Allocation{Memory: p.memory, Offset: offset, Size: size}, nil
		}
	}

	allocSize := pageSize
	if size > uint64(allocSize) {
		allocSize = int(alignUp(size, alignment))
	}

	typeIndex, err := m.findMemoryType(memoryTypeBits, m.properties)
	if err != nil {
		return Allocation{}, err
	}

	allocInfo := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  vk.DeviceSize(allocSize),
		MemoryTypeIndex: typeIndex,
	}
	var mem vk.DeviceMemory
	if res := vk.AllocateMemory(m.device, &allocInfo, nil, &mem); res != vk.Success {
		return Allocation{}, fmt.Errorf("vkAllocateMemory failed: %d", res)
	}

	p := &page{memory: mem, size: uint64(allocSize), used: size}
	m.pages = append(m.pages, p)
	return Allocation{Memory: mem, Offset: 0, Size: size}, nil
}

func (m *MemoryResource) findMemoryType(typeFilter uint32, properties vk.MemoryPropertyFlags) (uint32, error) {
	var props vk.PhysicalDeviceMemoryProperties
	vk.GetPhysicalDeviceMemoryProperties(m.physical, &props)
	props.Deref()

	for i := uint32(0); i < props.MemoryTypeCount; i++ {
		props.MemoryTypes[i].Deref()
		if typeFilter&(1<<i) != 0 && props.MemoryTypes[i].PropertyFlags&properties == properties {
			return i, nil
		}
	}
	return 0, fmt.Errorf("no memory type matches filter 0x%X with properties 0x%X", typeFilter, properties)
}

// Destroy frees every page this resource owns.
func (m *MemoryResource) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.pages {
		vk.FreeMemory(m.device, p.memory, nil)
	}
	m.pages = nil
}

func alignUp(v, alignment uint64) uint64 {
	if alignment == 0 {
		return v
	}
	return (v + alignment - 1) &^ (alignment - 1)
}
