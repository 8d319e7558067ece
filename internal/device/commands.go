package device

import (
	"encoding/binary"
	"fmt"
	"runtime"

	vk "github.com/goki/vulkan"

	"github.com/rpcsx-go/gcnproc/internal/gcnconvert"
	"github.com/rpcsx-go/gcnproc/internal/gpucache"
	"github.com/rpcsx-go/gcnproc/internal/pm4"
)

// installGraphicsHooks wires pipe's draw/dispatch/indirect-buffer hooks
// to this device, closing over pipe itself so the handlers can read its
// register banks - Hooks.DrawIndexAuto et al. only carry (vmID, body),
// not a pipe reference, so the pipe has to come from the closure.
func (d *Device) installGraphicsHooks(pipe *pm4.Pipe) {
	pipe.Hooks.ResolveIndirectBuffer = d.resolveIndirectBuffer
	pipe.Hooks.DrawIndexAuto = func(vmID uint8, body []uint32) error {
		return d.handleDrawIndexAuto(pipe, vmID, body)
	}
	pipe.Hooks.DrawIndex2 = func(vmID uint8, body []uint32) error {
		return d.handleDrawIndex2(pipe, vmID, body)
	}
	pipe.Hooks.EventWriteEOP = d.handleEventWriteEOP
	pipe.Hooks.WaitRegMem = d.handleWaitRegMem
}

// installComputeHooks is installGraphicsHooks' compute-pipe counterpart:
// a compute pipe never draws, but does dispatch, indirect-buffer-chain,
// fence, and wait.
func (d *Device) installComputeHooks(pipe *pm4.Pipe) {
	pipe.Hooks.ResolveIndirectBuffer = d.resolveIndirectBuffer
	pipe.Hooks.DispatchDirect = func(vmID uint8, body []uint32) error {
		return d.handleDispatchDirect(pipe, vmID, body)
	}
	pipe.Hooks.EventWriteEOP = d.handleEventWriteEOP
	pipe.Hooks.WaitRegMem = d.handleWaitRegMem
}

// processForVMID finds the process currently mapped to vmID, the same
// linear scan resolveIndirectBuffer already does (VMID is rarely
// remapped, and the process table is small).
func (d *Device) processForVMID(vmID uint8) (*Process, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range d.processes {
		if p.VMID == int32(vmID) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("device: no process mapped to vm %d", vmID)
}

// handleDispatchDirect realizes IT_DISPATCH_DIRECT(dimX, dimY, dimZ):
// look up the compute program pipe's ShRegs currently point at, bind
// its pipeline, and record a dispatch into the backend's current
// command buffer.
func (d *Device) handleDispatchDirect(pipe *pm4.Pipe, vmID uint8, body []uint32) error {
	if len(body) < 3 {
		return fmt.Errorf("device: malformed IT_DISPATCH_DIRECT body")
	}
	cache := d.cacheFor(vmID)
	if cache == nil {
		return fmt.Errorf("device: no resource cache mapped for vm %d", vmID)
	}

	addr := joinWords64(pipe.ShRegs.Get(regComputePgmLo), pipe.ShRegs.Get(regComputePgmHi))
	sgprs := userSGPRs(pipe.ShRegs, regComputeUserData0)
	key := gpucache.ShaderKey{Address: addr, Stage: gcnconvert.StageCompute}

	tag := cache.NewComputeTag()
	defer tag.Release()

	shader, err := tag.GetShader(key, sgprs)
	if err != nil {
		return fmt.Errorf("device: compute shader at %#x: %w", addr, err)
	}
	pipeline, err := cache.ComputePipeline(shader)
	if err != nil {
		return fmt.Errorf("device: compute pipeline for %#x: %w", addr, err)
	}

	cmd := d.backend.Scheduler.Record()
	vk.CmdBindPipeline(cmd, vk.PipelineBindPointCompute, pipeline)
	vk.CmdDispatch(cmd, body[0], body[1], body[2])
	return nil
}

func (d *Device) handleDrawIndexAuto(pipe *pm4.Pipe, vmID uint8, body []uint32) error {
	if len(body) < 1 {
		return fmt.Errorf("device: malformed IT_DRAW_INDEX_AUTO body")
	}
	cache := d.cacheFor(vmID)
	if cache == nil {
		return fmt.Errorf("device: no resource cache mapped for vm %d", vmID)
	}
	vertexCount := body[0]

	tag, vs, fs, target, err := d.acquireDrawState(cache, pipe)
	if err != nil {
		return err
	}
	defer tag.Release()

	pipeline, rp, fb, err := cache.PrepareDraw(vs, fs, target)
	if err != nil {
		return fmt.Errorf("device: draw-index-auto pipeline: %w", err)
	}
	d.recordDraw(rp, fb, target, func(cmd vk.CommandBuffer) {
		vk.CmdBindPipeline(cmd, vk.PipelineBindPointGraphics, pipeline)
		vk.CmdDraw(cmd, vertexCount, 1, 0, 0)
	})
	return nil
}

func (d *Device) handleDrawIndex2(pipe *pm4.Pipe, vmID uint8, body []uint32) error {
	if len(body) < 4 {
		return fmt.Errorf("device: malformed IT_DRAW_INDEX_2 body")
	}
	cache := d.cacheFor(vmID)
	if cache == nil {
		return fmt.Errorf("device: no resource cache mapped for vm %d", vmID)
	}
	indexCount := body[0]
	indexAddr := joinWords64(body[1], body[2])
	indexType := int(body[3])

	tag, vs, fs, target, err := d.acquireDrawState(cache, pipe)
	if err != nil {
		return err
	}
	defer tag.Release()

	indexRange := gpucache.Interval{Begin: indexAddr, End: indexAddr + uint64(indexCount)*indexElementSize(indexType)}
	idx, err := tag.GetIndexBuffer(indexRange, indexType, int(gcnconvert.PrimitiveTriangleList), indexCount)
	if err != nil {
		return fmt.Errorf("device: draw-index-2 index buffer: %w", err)
	}

	pipeline, rp, fb, err := cache.PrepareDraw(vs, fs, target)
	if err != nil {
		return fmt.Errorf("device: draw-index-2 pipeline: %w", err)
	}
	d.recordDraw(rp, fb, target, func(cmd vk.CommandBuffer) {
		vk.CmdBindPipeline(cmd, vk.PipelineBindPointGraphics, pipeline)
		vk.CmdBindIndexBuffer(cmd, idx.Buffer, 0, vkIndexType(indexType))
		vk.CmdDrawIndexed(cmd, idx.Count, 1, 0, 0, 0)
	})
	return nil
}

// acquireDrawState resolves the vertex/fragment shaders and color
// render target a draw opcode shares, scoped to one graphics tag the
// caller must Release.
func (d *Device) acquireDrawState(cache *gpucache.Cache, pipe *pm4.Pipe) (*gpucache.GraphicsTag, *gpucache.ShaderEntry, *gpucache.ShaderEntry, *gpucache.ImageEntry, error) {
	vsAddr := joinWords64(pipe.ContextRegs.Get(regVsPgmLo), pipe.ContextRegs.Get(regVsPgmHi))
	psAddr := joinWords64(pipe.ContextRegs.Get(regPsPgmLo), pipe.ContextRegs.Get(regPsPgmHi))
	vsSGPRs := userSGPRs(pipe.ContextRegs, regVsUserData0)
	psSGPRs := userSGPRs(pipe.ContextRegs, regPsUserData0)

	tag := cache.NewGraphicsTag()

	vsKey := gpucache.ShaderKey{Address: vsAddr, Stage: gcnconvert.StageVertex}
	vs, err := tag.GetShader(vsKey, vsSGPRs)
	if err != nil {
		tag.Release()
		return nil, nil, nil, nil, fmt.Errorf("vertex shader at %#x: %w", vsAddr, err)
	}
	fsKey := gpucache.ShaderKey{Address: psAddr, Stage: gcnconvert.StageFragment, DependentKey: vsKey.Fingerprint()}
	fs, err := tag.GetShader(fsKey, psSGPRs)
	if err != nil {
		tag.Release()
		return nil, nil, nil, nil, fmt.Errorf("fragment shader at %#x: %w", psAddr, err)
	}

	colorAddr := joinWords64(pipe.ContextRegs.Get(regColorBaseLo), pipe.ContextRegs.Get(regColorBaseHi))
	width := pipe.ContextRegs.Get(regColorWidth)
	height := pipe.ContextRegs.Get(regColorHeight)
	key := gpucache.ImageKey{
		Dimension:  gpucache.ImageDimension2D,
		DataFormat: pipe.ContextRegs.Get(regColorFormat),
		TileMode:   int(pipe.ContextRegs.Get(regColorTileMode)),
		Width:      width,
		Height:     height,
		Pitch:      pipe.ContextRegs.Get(regColorPitch),
		MipLevels:  1,
		ArrayLayers: 1,
		Kind:       gpucache.ImageKindColor,
	}
	colorRange := gpucache.Interval{Begin: colorAddr, End: colorAddr + uint64(key.Pitch)*uint64(height)}
	target, err := tag.GetImage(colorRange, key, gpucache.AccessWrite)
	if err != nil {
		tag.Release()
		return nil, nil, nil, nil, fmt.Errorf("color target at %#x: %w", colorAddr, err)
	}

	return tag, vs, fs, target, nil
}

// recordDraw wraps fn's draw commands in a begin/end render pass pair
// against rp/fb, the shape every draw opcode needs regardless of how it
// sources vertices.
func (d *Device) recordDraw(rp vk.RenderPass, fb vk.Framebuffer, target *gpucache.ImageEntry, fn func(cmd vk.CommandBuffer)) {
	cmd := d.backend.Scheduler.Record()
	begin := vk.RenderPassBeginInfo{
		SType:      vk.StructureTypeRenderPassBeginInfo,
		RenderPass: rp,
		Framebuffer: fb,
		RenderArea: vk.Rect2D{Extent: vk.Extent2D{Width: target.Key.Width, Height: target.Key.Height}},
	}
	vk.CmdBeginRenderPass(cmd, &begin, vk.SubpassContentsInline)
	fn(cmd)
	vk.CmdEndRenderPass(cmd)
}

// indexElementSize returns the byte width of one index, keyed the same
// way Tag.GetIndexBuffer's indexType parameter is.
func indexElementSize(indexType int) uint64 {
	if indexType == 1 {
		return 4
	}
	return 2
}

func vkIndexType(indexType int) vk.IndexType {
	if indexType == 1 {
		return vk.IndexTypeUint32
	}
	return vk.IndexTypeUint16
}

// handleEventWriteEOP realizes IT_EVENT_WRITE_EOP(addrLo, addrHi,
// dataLo, dataHi): once every command recorded so far retires, write
// the 64-bit fence value to guest memory - the same deferred-callback
// shape hostgpu.Scheduler.Then documents for an end-of-pipe event.
func (d *Device) handleEventWriteEOP(vmID uint8, body []uint32) error {
	if len(body) < 4 {
		return fmt.Errorf("device: malformed IT_EVENT_WRITE_EOP body")
	}
	proc, err := d.processForVMID(vmID)
	if err != nil {
		return err
	}
	addr := joinWords64(body[0], body[1])
	value := joinWords64(body[2], body[3])
	mem := newProcessMemory(d, proc.PID)

	d.backend.Scheduler.Then(func() {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], value)
		mem.WriteBytes(addr, buf[:])
	})
	return nil
}

// waitRegMemMaxAttempts bounds IT_WAIT_REG_MEM's poll loop: real
// hardware stalls its ring indefinitely, but this façade's ring
// processor is single-threaded and a guest bug that never satisfies the
// condition would otherwise hang it forever.
const waitRegMemMaxAttempts = 1 << 16

// handleWaitRegMem realizes IT_WAIT_REG_MEM(function, addrLo, addrHi,
// ref, mask): poll the guest word at (addrLo,addrHi) until it compares
// true against ref under mask per function's AMD WAIT_REG_MEM encoding
// (0 always, 1 <, 2 <=, 3 ==, 4 !=, 5 >=, 6 >).
func (d *Device) handleWaitRegMem(vmID uint8, body []uint32) error {
	if len(body) < 5 {
		return fmt.Errorf("device: malformed IT_WAIT_REG_MEM body")
	}
	function := body[0]
	addr := joinWords64(body[1], body[2])
	ref := body[3]
	mask := body[4]

	proc, err := d.processForVMID(vmID)
	if err != nil {
		return err
	}
	mem := newProcessMemory(d, proc.PID)

	for attempt := 0; attempt < waitRegMemMaxAttempts; attempt++ {
		words := mem.ReadWords(addr, 1)
		var val uint32
		if len(words) > 0 {
			val = words[0]
		}
		if waitRegMemSatisfied(function, val, ref, mask) {
			return nil
		}
		runtime.Gosched()
	}
	return fmt.Errorf("device: IT_WAIT_REG_MEM timed out waiting on %#x", addr)
}

func waitRegMemSatisfied(function, val, ref, mask uint32) bool {
	lhs := val & mask
	rhs := ref & mask
	switch function {
	case 0:
		return true
	case 1:
		return lhs < rhs
	case 2:
		return lhs <= rhs
	case 3:
		return lhs == rhs
	case 4:
		return lhs != rhs
	case 5:
		return lhs >= rhs
	case 6:
		return lhs > rhs
	default:
		return lhs == rhs
	}
}
