// Package device implements the per-guest-process façade (C9): VM
// tables, buffer registration, and the synthetic PM4 opcodes the kernel
// side drives the GPU core through.
package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rpcsx-go/gcnproc/internal/diag"
	"github.com/rpcsx-go/gcnproc/internal/gpucache"
	"github.com/rpcsx-go/gcnproc/internal/hostgpu"
	"github.com/rpcsx-go/gcnproc/internal/pm4"
	"github.com/rpcsx-go/gcnproc/internal/present"
	"github.com/rpcsx-go/gcnproc/internal/tiler"
)

const (
	maxBuffersPerProcess = 10
	unmappedVMID         = -1

	// ringPollInterval is how often the supervisor drains a ring with no
	// dedicated interrupt source to wake it.
	ringPollInterval = 125 * time.Microsecond
)

// BufferAttribute is the pixel layout metadata registerBufferAttribute
// associates with a buffer slot, ahead of the RegisteredBuffer itself
// being installed by a flip.
type BufferAttribute struct {
	PixelFormat uint32
	TileMode    tiler.TileMode
	Width       uint32
	Height      uint32
	Pitch       uint32
}

// Process is one guest process's façade-owned state.
type Process struct {
	PID   int32
	VMID  int32 // -1 if unmapped
	ShmFD int
	Table *VMTable

	buffers     [maxBuffersPerProcess]present.RegisteredBuffer
	bufferAttrs [maxBuffersPerProcess]BufferAttribute
}

// Device is the reference-counted façade the kernel side holds, fanning
// guest submissions out across the PM4 pipes, the resource cache, and
// the present engine.
type Device struct {
	log *diag.Logger

	backend *hostgpu.Backend
	present *present.Engine

	commandPipe   *pm4.Pipe
	graphicsPipes []*pm4.Pipe
	computePipes  []*pm4.Pipe
	supervisor    *pm4.Supervisor

	commandRing *pm4.Ring
	bridge      *Bridge

	mu        sync.Mutex
	processes map[int32]*Process
	caches    map[int32]*gpucache.Cache
	persist   gpucache.ShaderPersistence

	// cacheGroup and cacheCtx are set by Start and let handleMapProcess
	// launch a RunCacheUpdate goroutine for every cache created after
	// Start runs, not just the ones that existed at Start time.
	cacheGroup *errgroup.Group
	cacheCtx   context.Context

	Events Events
}

// Events is the event channel bundle the kernel side listens on.
type Events struct {
	Flip           chan present.FlipEvent
	VBlank         chan struct{}
	PreVBlankStart chan struct{}
}

// New constructs a Device wired to an already-initialized backend and
// present engine, with one command ring and the given graphics/compute
// pipe sets.
func New(log *diag.Logger, backend *hostgpu.Backend, presentEngine *present.Engine, commandRing *pm4.Ring, graphicsPipes, computePipes []*pm4.Pipe) *Device {
	d := &Device{
		log:           log,
		backend:       backend,
		present:       presentEngine,
		graphicsPipes: graphicsPipes,
		computePipes:  computePipes,
		commandRing:   commandRing,
		processes:     make(map[int32]*Process),
		caches:        make(map[int32]*gpucache.Cache),
		Events: Events{
			Flip:           presentEngine.FlipEvents,
			VBlank:         presentEngine.VBlank.VBlank,
			PreVBlankStart: presentEngine.VBlank.PreVBlankStart,
		},
	}

	hooks := pm4.Hooks{
		ResolveIndirectBuffer: d.resolveIndirectBuffer,
		Flip:                  d.handleFlip,
		MapMemory:             d.handleMapMemory,
		UnmapMemory:           d.handleUnmapMemory,
		ProtectMemory:         d.handleProtectMemory,
		MapProcess:            d.handleMapProcess,
		UnmapProcess:          d.handleUnmapProcess,
	}
	d.commandPipe = pm4.NewCommandPipe(commandRing, hooks)

	for _, pipe := range graphicsPipes {
		d.installGraphicsHooks(pipe)
	}
	for _, pipe := range computePipes {
		d.installComputeHooks(pipe)
	}

	pipes := append([]*pm4.Pipe{d.commandPipe}, graphicsPipes...)
	pipes = append(pipes, computePipes...)
	d.supervisor = pm4.NewSupervisor(ringPollInterval, pipes...)

	return d
}

// Start launches the ring-processor supervisor, the VBlank thread, and
// one cache-update goroutine per mapped process's resource cache -
// spec.md §5's dedicated cache-update thread that drains each cache's
// page-watch channel and runs the flush/invalidate/unlock protocol.
// Returns once ctx is cancelled or any of them hits a fatal error.
func (d *Device) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	d.mu.Lock()
	d.cacheGroup = g
	d.cacheCtx = ctx
	caches := make([]*gpucache.Cache, 0, len(d.caches))
	for _, c := range d.caches {
		caches = append(caches, c)
	}
	d.mu.Unlock()
	for _, c := range caches {
		c := c
		g.Go(func() error {
			if err := c.RunCacheUpdate(ctx); err != nil && ctx.Err() == nil {
				return fmt.Errorf("device: cache-update: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error { return d.supervisor.Run(ctx) })
	g.Go(func() error { d.present.VBlank.Run(ctx); return nil })
	return g.Wait()
}

// WaitForIdle blocks until every submission so far recorded on the
// backend scheduler retires.
func (d *Device) WaitForIdle() error {
	return d.backend.Scheduler.Wait()
}

// SubmitGfxCommand enqueues one raw PM4 packet onto the named graphics
// pipe's DE ring for vmId.
func (d *Device) SubmitGfxCommand(gfxPipe int, vmID uint8, words []uint32) error {
	if gfxPipe < 0 || gfxPipe >= len(d.graphicsPipes) {
		return fmt.Errorf("device: no graphics pipe %d", gfxPipe)
	}
	return d.commandRing.Push(words)
}

// splitWords64 encodes a 64-bit value as (lo, hi) 32-bit words, the
// convention IndirectBufferTarget and every synthetic opcode carrying a
// guest address or 64-bit argument uses on the wire.
func splitWords64(v uint64) (lo, hi uint32) {
	return uint32(v), uint32(v >> 32)
}

// SubmitSwitchBuffer emits a synthetic buffer-switch packet (reusing
// IT_FLIP's wire shape with a sentinel arg of 0) ahead of a real flip.
func (d *Device) SubmitSwitchBuffer(pid int32, bufferIndex int) error {
	return d.commandRing.Push([]uint32{
		pm4.EncodeType3Header(pm4.ITFlip, 4),
		uint32(pid), uint32(bufferIndex), 0, 0,
	})
}

// SubmitFlip emits IT_FLIP(pid, bufferIndex, arg).
func (d *Device) SubmitFlip(pid int32, bufferIndex int, arg uint64) error {
	argLo, argHi := splitWords64(arg)
	return d.commandRing.Push([]uint32{
		pm4.EncodeType3Header(pm4.ITFlip, 4),
		uint32(pid), uint32(bufferIndex), argLo, argHi,
	})
}

// SubmitMapMemory emits IT_MAP_MEMORY(pid, begin, end, memoryType).
func (d *Device) SubmitMapMemory(pid int32, begin, end uint64, memoryType int) error {
	beginLo, beginHi := splitWords64(begin)
	endLo, endHi := splitWords64(end)
	return d.commandRing.Push([]uint32{
		pm4.EncodeType3Header(pm4.ITMapMemory, 6),
		uint32(pid), beginLo, beginHi, endLo, endHi, uint32(memoryType),
	})
}

// SubmitUnmapMemory emits IT_UNMAP_MEMORY(pid, begin, end).
func (d *Device) SubmitUnmapMemory(pid int32, begin, end uint64) error {
	beginLo, beginHi := splitWords64(begin)
	endLo, endHi := splitWords64(end)
	return d.commandRing.Push([]uint32{
		pm4.EncodeType3Header(pm4.ITUnmapMemory, 5),
		uint32(pid), beginLo, beginHi, endLo, endHi,
	})
}

// SubmitProtectMemory emits IT_PROTECT_MEMORY(pid, begin, end, prot).
func (d *Device) SubmitProtectMemory(pid int32, begin, end uint64, prot int) error {
	beginLo, beginHi := splitWords64(begin)
	endLo, endHi := splitWords64(end)
	return d.commandRing.Push([]uint32{
		pm4.EncodeType3Header(pm4.ITProtectMemory, 6),
		uint32(pid), beginLo, beginHi, endLo, endHi, uint32(prot),
	})
}

// SubmitMapProcess emits IT_MAP_PROCESS(pid, vmId).
func (d *Device) SubmitMapProcess(pid int32, vmID uint8) error {
	return d.commandRing.Push([]uint32{
		pm4.EncodeType3Header(pm4.ITMapProcess, 2),
		uint32(pid), uint32(vmID),
	})
}

// SubmitUnmapProcess emits IT_UNMAP_PROCESS(pid).
func (d *Device) SubmitUnmapProcess(pid int32) error {
	return d.commandRing.Push([]uint32{
		pm4.EncodeType3Header(pm4.ITUnmapProcess, 1),
		uint32(pid),
	})
}

// RegisterBuffer installs buf at bufferIndex for pid, up to the
// 10-buffer-per-process limit.
func (d *Device) RegisterBuffer(pid int32, bufferIndex int, buf present.RegisteredBuffer) error {
	proc, err := d.processFor(pid)
	if err != nil {
		return err
	}
	if bufferIndex < 0 || bufferIndex >= maxBuffersPerProcess {
		return fmt.Errorf("device: buffer index %d out of range", bufferIndex)
	}
	d.mu.Lock()
	proc.buffers[bufferIndex] = buf
	d.mu.Unlock()
	if proc.VMID != unmappedVMID {
		d.present.RegisterBuffer(uint8(proc.VMID), bufferIndex, buf)
	}
	return nil
}

// RegisterBufferAttribute installs attr at bufferIndex for pid.
func (d *Device) RegisterBufferAttribute(pid int32, bufferIndex int, attr BufferAttribute) error {
	proc, err := d.processFor(pid)
	if err != nil {
		return err
	}
	if bufferIndex < 0 || bufferIndex >= maxBuffersPerProcess {
		return fmt.Errorf("device: buffer index %d out of range", bufferIndex)
	}
	d.mu.Lock()
	proc.bufferAttrs[bufferIndex] = attr
	d.mu.Unlock()
	return nil
}

func (d *Device) processFor(pid int32) (*Process, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	proc, ok := d.processes[pid]
	if !ok {
		proc = &Process{PID: pid, VMID: unmappedVMID, Table: NewVMTable()}
		d.processes[pid] = proc
	}
	return proc, nil
}

func (d *Device) cacheFor(vmID uint8) *gpucache.Cache {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.caches[int32(vmID)]
}

// SetBridge installs the shared-memory bridge indirect buffer resolution
// (and any other guest-memory read) goes through. Submitting commands
// works without one; resolving an IT_INDIRECT_BUFFER does not.
func (d *Device) SetBridge(b *Bridge) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bridge = b
}

// SetShaderPersistence installs the on-disk shader cache every
// subsequently mapped process's resource cache is given, so a shader
// translated once survives across guest process restarts.
func (d *Device) SetShaderPersistence(store gpucache.ShaderPersistence) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.persist = store
}

func (d *Device) resolveIndirectBuffer(addr uint64, sizeDW uint32, vmID uint8) ([]uint32, error) {
	d.mu.Lock()
	var proc *Process
	for _, p := range d.processes {
		if p.VMID == int32(vmID) {
			proc = p
			break
		}
	}
	bridge := d.bridge
	d.mu.Unlock()

	if proc == nil {
		return nil, fmt.Errorf("device: no process mapped to vm %d", vmID)
	}
	if bridge == nil {
		return nil, fmt.Errorf("device: indirect buffer resolution requires a live shared-memory bridge")
	}
	slot, ok := proc.Table.Translate(addr)
	if !ok {
		return nil, fmt.Errorf("device: address %#x unmapped in vm %d", addr, vmID)
	}

	region, ok := bridge.Memory[proc.PID]
	if !ok {
		return nil, fmt.Errorf("device: no shared-memory region attached for pid %d", proc.PID)
	}

	byteOffset := slot.Offset + (addr - slot.Begin)
	wordOffset := byteOffset / 4
	words := region.Words()
	if wordOffset >= uint64(len(words)) {
		return nil, fmt.Errorf("device: address %#x (offset %d) past end of pid %d's mapped region", addr, byteOffset, proc.PID)
	}
	end := wordOffset + uint64(sizeDW)
	if end > uint64(len(words)) {
		return nil, fmt.Errorf("device: indirect buffer at %#x (%d dwords) overruns pid %d's mapped region", addr, sizeDW, proc.PID)
	}
	return words[wordOffset:end], nil
}

// joinWords64 is the inverse of splitWords64.
func joinWords64(lo, hi uint32) uint64 {
	return uint64(lo) | uint64(hi)<<32
}

// resolveFlipVMID looks up the vm id pid is currently mapped to, the
// same processFor-backed resolution every other IT_* handler uses
// instead of trusting the command pipe's own (fixed) vmID argument.
func (d *Device) resolveFlipVMID(pid int32) (uint8, error) {
	proc, err := d.processFor(pid)
	if err != nil {
		return 0, err
	}
	d.mu.Lock()
	vmID := proc.VMID
	d.mu.Unlock()
	if vmID == unmappedVMID {
		return 0, fmt.Errorf("device: pid %d has no mapped vm to flip on", pid)
	}
	return uint8(vmID), nil
}

func (d *Device) handleFlip(vmID uint8, body []uint32) error {
	if len(body) < 4 {
		return fmt.Errorf("device: malformed IT_FLIP body")
	}
	pid, bufferIndex, arg := int32(body[0]), int(body[1]), joinWords64(body[2], body[3])
	flipVMID, err := d.resolveFlipVMID(pid)
	if err != nil {
		return err
	}
	return d.present.Flip(flipVMID, bufferIndex, arg)
}

func (d *Device) handleMapMemory(vmID uint8, body []uint32) error {
	if len(body) < 6 {
		return fmt.Errorf("device: malformed IT_MAP_MEMORY body")
	}
	pid := int32(body[0])
	begin := joinWords64(body[1], body[2])
	end := joinWords64(body[3], body[4])
	memoryType := int(body[5])
	proc, err := d.processFor(pid)
	if err != nil {
		return err
	}
	d.mu.Lock()
	proc.Table.MapMemory(VmMapSlot{Begin: begin, End: end, MemoryType: memoryType})
	d.mu.Unlock()
	return nil
}

func (d *Device) handleUnmapMemory(vmID uint8, body []uint32) error {
	if len(body) < 5 {
		return fmt.Errorf("device: malformed IT_UNMAP_MEMORY body")
	}
	pid := int32(body[0])
	begin := joinWords64(body[1], body[2])
	end := joinWords64(body[3], body[4])
	proc, err := d.processFor(pid)
	if err != nil {
		return err
	}
	d.mu.Lock()
	proc.Table.UnmapMemory(begin, end)
	d.mu.Unlock()
	return nil
}

func (d *Device) handleProtectMemory(vmID uint8, body []uint32) error {
	if len(body) < 6 {
		return fmt.Errorf("device: malformed IT_PROTECT_MEMORY body")
	}
	pid := int32(body[0])
	begin := joinWords64(body[1], body[2])
	end := joinWords64(body[3], body[4])
	prot := int(body[5])
	proc, err := d.processFor(pid)
	if err != nil {
		return err
	}
	d.mu.Lock()
	proc.Table.ProtectMemory(begin, end, prot)
	d.mu.Unlock()
	return nil
}

func (d *Device) handleMapProcess(vmID uint8, body []uint32) error {
	if len(body) < 2 {
		return fmt.Errorf("device: malformed IT_MAP_PROCESS body")
	}
	pid := int32(body[0])
	mappedVMID := int32(body[1])
	proc, err := d.processFor(pid)
	if err != nil {
		return err
	}
	d.mu.Lock()
	proc.VMID = mappedVMID
	cache := gpucache.NewCache(d.log, d.backend, newProcessMemory(d, pid), kMaxAddress)
	if d.persist != nil {
		cache.SetPersistence(d.persist)
	}
	d.caches[mappedVMID] = cache
	d.mu.Unlock()

	if d.cacheGroup != nil {
		d.cacheGroup.Go(func() error {
			if err := cache.RunCacheUpdate(d.cacheCtx); err != nil && d.cacheCtx.Err() == nil {
				return fmt.Errorf("device: cache-update for vm %d: %w", mappedVMID, err)
			}
			return nil
		})
	}
	return nil
}

func (d *Device) handleUnmapProcess(vmID uint8, body []uint32) error {
	if len(body) < 1 {
		return fmt.Errorf("device: malformed IT_UNMAP_PROCESS body")
	}
	pid := int32(body[0])
	d.mu.Lock()
	if proc, ok := d.processes[pid]; ok {
		delete(d.caches, proc.VMID)
		proc.VMID = unmappedVMID
	}
	d.mu.Unlock()
	return nil
}
