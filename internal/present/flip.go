package present

import (
	"fmt"
	"sync"

	vk "github.com/goki/vulkan"

	"github.com/rpcsx-go/gcnproc/internal/hostgpu"
	"github.com/rpcsx-go/gcnproc/internal/tiler"
)

// RegisteredBuffer is a guest-side flip target: the address C9's
// registerBuffer call associated with a (vmId, bufferIndex) pair.
type RegisteredBuffer struct {
	Address     uint64
	Width       uint32
	Height      uint32
	TileMode    tiler.TileMode
	PixelFormat uint32
}

// DetileBlit records the commands that copy tiled guest memory into a
// swapchain-ready image. It is injected so present stays independent of
// how the blit is implemented (compute shader vs. a host-side copy),
// matching the narrow-interface style the rest of this core uses at its
// package boundaries.
type DetileBlit func(cmd vk.CommandBuffer, target vk.Image, buf RegisteredBuffer, layout PixelLayout) error

// Engine drives one device's flip pipeline: swapchain acquisition,
// pixel-format resolution, the detile blit, and the bookkeeping
// (flipBuffer/flipArg/flipCount per VM id) the kernel side reads back.
type Engine struct {
	backend    *hostgpu.Backend
	swapchain  Swapchain
	blit       DetileBlit
	VBlank     *VBlankSource
	FlipEvents chan FlipEvent

	mu          sync.Mutex
	buffers     map[bufferKey]RegisteredBuffer
	flipBuffer  map[uint8]int
	flipArg     map[uint8]uint64
	flipCount   map[uint8]uint64
}

type bufferKey struct {
	vmID        uint8
	bufferIndex int
}

// FlipEvent is emitted on Engine.FlipEvents once a flip's GPU work has
// been submitted.
type FlipEvent struct {
	VMID uint8
	Arg  uint64
}

// NewEngine constructs a flip engine over backend/swapchain, blitting
// tiled guest memory into swap images via blit.
func NewEngine(backend *hostgpu.Backend, swapchain Swapchain, blit DetileBlit) *Engine {
	return &Engine{
		backend:    backend,
		swapchain:  swapchain,
		blit:       blit,
		VBlank:     NewVBlankSource(),
		FlipEvents: make(chan FlipEvent, 4),
		buffers:    make(map[bufferKey]RegisteredBuffer),
		flipBuffer: make(map[uint8]int),
		flipArg:    make(map[uint8]uint64),
		flipCount:  make(map[uint8]uint64),
	}
}

// RegisterBuffer records a flip target for (vmID, bufferIndex), up to
// the 10-buffer-per-process limit the device façade enforces.
func (e *Engine) RegisterBuffer(vmID uint8, bufferIndex int, buf RegisteredBuffer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.buffers[bufferKey{vmID, bufferIndex}] = buf
}

// Flip executes the seven-step flip sequence: resolve the registered
// buffer, translate its pixel format, acquire, blit, submit, present,
// and publish the Flip/VBlank events.
func (e *Engine) Flip(vmID uint8, bufferIndex int, arg uint64) error {
	e.mu.Lock()
	buf, ok := e.buffers[bufferKey{vmID, bufferIndex}]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("present: flip on unregistered buffer %d for vm %d", bufferIndex, vmID)
	}

	layout, err := TranslatePixelFormat(buf.PixelFormat)
	if err != nil {
		return fmt.Errorf("present: flip: %w", err)
	}

	imageIndex, err := e.acquireWithRetry()
	if err != nil {
		return fmt.Errorf("present: acquire: %w", err)
	}

	cmd := e.backend.Scheduler.Record()
	target := e.swapchain.Image(imageIndex)
	if e.blit != nil {
		if err := e.blit(cmd, target, buf, layout); err != nil {
			return fmt.Errorf("present: blit: %w", err)
		}
	}

	if _, err := e.backend.Scheduler.Submit(); err != nil {
		return fmt.Errorf("present: submit: %w", err)
	}

	if err := e.presentWithRetry(imageIndex, nil); err != nil {
		return fmt.Errorf("present: present: %w", err)
	}

	e.mu.Lock()
	e.flipBuffer[vmID] = bufferIndex
	e.flipArg[vmID] = arg
	e.flipCount[vmID]++
	e.mu.Unlock()

	select {
	case e.FlipEvents <- FlipEvent{VMID: vmID, Arg: arg}:
	default:
	}
	nonBlockingSend(e.VBlank.PreVBlankStart)
	nonBlockingSend(e.VBlank.VBlank)
	return nil
}

func (e *Engine) acquireWithRetry() (int, error) {
	idx, err := e.swapchain.AcquireNextImage()
	if err == ErrOutOfDate {
		if rerr := e.swapchain.Recreate(); rerr != nil {
			return 0, rerr
		}
		return e.swapchain.AcquireNextImage()
	}
	return idx, err
}

func (e *Engine) presentWithRetry(imageIndex int, waitSemaphore vk.Semaphore) error {
	err := e.swapchain.Present(imageIndex, waitSemaphore)
	if err == ErrOutOfDate {
		return e.swapchain.Recreate()
	}
	return err
}

// FlipCount reports how many flips vmID has completed.
func (e *Engine) FlipCount(vmID uint8) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flipCount[vmID]
}

// LastFlipArg reports the most recent flip argument delivered for vmID.
func (e *Engine) LastFlipArg(vmID uint8) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flipArg[vmID]
}
