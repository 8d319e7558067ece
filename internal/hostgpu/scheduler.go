package hostgpu

import (
	"fmt"
	"sync"
	"unsafe"

	vk "github.com/goki/vulkan"
)

// Scheduler serializes command buffer recording behind one timeline
// semaphore, exactly the contract of spec.md §4.5: submit/wait/
// createExternalSubmit/then. A host mutex guards recording the way the
// teacher's VulkanBackend.mutex guards FlushTriangles/ClearFramebuffer.
type Scheduler struct {
	mu sync.Mutex

	device    vk.Device
	queue     vk.Queue
	semaphore vk.Semaphore

	pool    vk.CommandPool
	current vk.CommandBuffer

	nextValue    uint64
	lastReserved uint64
	callbacks    map[uint64][]func()
}

func newScheduler(device vk.Device, queue vk.Queue) (*Scheduler, error) {
	typeCreateInfo := vk.SemaphoreTypeCreateInfo{
		SType:         vk.StructureTypeSemaphoreTypeCreateInfo,
		SemaphoreType: vk.SemaphoreTypeTimeline,
		InitialValue:  0,
	}
	semInfo := vk.SemaphoreCreateInfo{
		SType: vk.StructureTypeSemaphoreCreateInfo,
		PNext: unsafe.Pointer(&typeCreateInfo),
	}
	var sem vk.Semaphore
	if res := vk.CreateSemaphore(device, &semInfo, nil, &sem); res != vk.Success {
		return nil, fmt.Errorf("vkCreateSemaphore(timeline) failed: %d", res)
	}

	s := &Scheduler{
		device:    device,
		queue:     queue,
		semaphore: sem,
		callbacks: make(map[uint64][]func()),
	}

	if err := s.openCommandBuffer(); err != nil {
		vk.DestroySemaphore(device, sem, nil)
		return nil, err
	}
	return s, nil
}

func (s *Scheduler) openCommandBuffer() error {
	if s.pool == nil {
		poolInfo := vk.CommandPoolCreateInfo{
			SType: vk.StructureTypeCommandPoolCreateInfo,
			Flags: vk.CommandPoolCreateFlags(vk.CommandPoolCreateResetCommandBufferBit),
		}
		var pool vk.CommandPool
		if res := vk.CreateCommandPool(s.device, &poolInfo, nil, &pool); res != vk.Success {
			return fmt.Errorf("vkCreateCommandPool failed: %d", res)
		}
		s.pool = pool
	}

	allocInfo := vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        s.pool,
		Level:              vk.CommandBufferLevelPrimary,
		CommandBufferCount: 1,
	}
	buffers := make([]vk.CommandBuffer, 1)
	if res := vk.AllocateCommandBuffers(s.device, &allocInfo, buffers); res != vk.Success {
		return fmt.Errorf("vkAllocateCommandBuffers failed: %d", res)
	}
	s.current = buffers[0]

	beginInfo := vk.CommandBufferBeginInfo{SType: vk.StructureTypeCommandBufferBeginInfo}
	if res := vk.BeginCommandBuffer(s.current, &beginInfo); res != vk.Success {
		return fmt.Errorf("vkBeginCommandBuffer failed: %d", res)
	}
	return nil
}

// Record exposes the currently-open command buffer to a caller that
// wants to append Vulkan commands before the next Submit.
func (s *Scheduler) Record() vk.CommandBuffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Submit closes the current command buffer, signals the next timeline
// value on completion, and reopens a fresh command buffer - spec.md
// §4.5's submit().
func (s *Scheduler) Submit() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	vk.EndCommandBuffer(s.current)

	value := s.nextValue + 1
	s.nextValue = value

	timelineInfo := vk.TimelineSemaphoreSubmitInfo{
		SType:                     vk.StructureTypeTimelineSemaphoreSubmitInfo,
		SignalSemaphoreValueCount: 1,
		PSignalSemaphoreValues:    []uint64{value},
	}
	submitInfo := vk.SubmitInfo{
		SType:                vk.StructureTypeSubmitInfo,
		PNext:                unsafe.Pointer(&timelineInfo),
		CommandBufferCount:   1,
		PCommandBuffers:      []vk.CommandBuffer{s.current},
		SignalSemaphoreCount: 1,
		PSignalSemaphores:    []vk.Semaphore{s.semaphore},
	}
	if res := vk.QueueSubmit(s.queue, 1, []vk.SubmitInfo{submitInfo}, vk.Fence(vk.NullHandle)); res != vk.Success {
		return 0, fmt.Errorf("vkQueueSubmit failed: %d", res)
	}

	if err := s.openCommandBuffer(); err != nil {
		return value, err
	}
	return value, nil
}

// Wait blocks the host on the last submitted timeline value - §4.5's
// wait().
func (s *Scheduler) Wait() error {
	s.mu.Lock()
	value := s.nextValue
	s.mu.Unlock()
	if value == 0 {
		return nil
	}
	return s.WaitValue(value)
}

// WaitValue blocks the host until the timeline reaches value.
func (s *Scheduler) WaitValue(value uint64) error {
	waitInfo := vk.SemaphoreWaitInfo{
		SType:          vk.StructureTypeSemaphoreWaitInfo,
		SemaphoreCount: 1,
		PSemaphores:    []vk.Semaphore{s.semaphore},
		PValues:        []uint64{value},
	}
	if res := vk.WaitSemaphores(s.device, &waitInfo, ^uint64(0)); res != vk.Success {
		return fmt.Errorf("vkWaitSemaphores failed: %d", res)
	}
	s.runCallbacksUpTo(value)
	return nil
}

// CreateExternalSubmit reserves the next timeline value for a caller
// that will signal it itself (an external queue submission outside this
// scheduler) - §4.5's createExternalSubmit().
func (s *Scheduler) CreateExternalSubmit() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextValue++
	return s.nextValue
}

// Then schedules f to run on the host after the current submission's
// timeline value completes - §4.5's then(f). Running the callback
// requires a subsequent Wait/WaitValue call to observe completion and
// drain it, matching the scheduler's single host-thread recording model.
func (s *Scheduler) Then(f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value := s.nextValue + 1
	s.callbacks[value] = append(s.callbacks[value], f)
}

func (s *Scheduler) runCallbacksUpTo(value uint64) {
	s.mu.Lock()
	var toRun []func()
	for v, fns := range s.callbacks {
		if v <= value {
			toRun = append(toRun, fns...)
			delete(s.callbacks, v)
		}
	}
	s.mu.Unlock()
	for _, f := range toRun {
		f()
	}
}

func (s *Scheduler) destroy() {
	if s.pool != nil {
		vk.DestroyCommandPool(s.device, s.pool, nil)
	}
	if s.semaphore != nil {
		vk.DestroySemaphore(s.device, s.semaphore, nil)
	}
}

