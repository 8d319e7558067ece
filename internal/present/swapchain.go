package present

import (
	"fmt"

	vk "github.com/goki/vulkan"

	"github.com/rpcsx-go/gcnproc/internal/hostgpu"
)

// Swapchain abstracts the target an Engine flips into. The only
// implementation is offscreenSwapchain, a fixed ring of offscreen color
// images; no VkSwapchainKHR-backed implementation exists, so nothing is
// presented to a window surface.
type Swapchain interface {
	AcquireNextImage() (imageIndex int, err error)
	Image(index int) vk.Image
	View(index int) vk.ImageView
	Present(imageIndex int, waitSemaphore vk.Semaphore) error
	Recreate() error
	Destroy()
}

// ErrOutOfDate signals the swapchain must be recreated and the
// operation retried, mirroring VK_ERROR_OUT_OF_DATE_KHR/SUBOPTIMAL_KHR.
var ErrOutOfDate = fmt.Errorf("present: swapchain out of date")

// offscreenSwapchain cycles a fixed ring of device-local color images
// with no real VkSurfaceKHR behind them - the present target for a
// headless device façade, grounded on the teacher's double-buffered
// SwapBuffers idiom.
type offscreenSwapchain struct {
	backend *hostgpu.Backend
	width   uint32
	height  uint32
	format  vk.Format

	images []vk.Image
	views  []vk.ImageView
	allocs []hostgpu.Allocation

	count int
	next  int
}

// NewOffscreenSwapchain allocates count color images of the given size
// and format, cycled round-robin by AcquireNextImage.
func NewOffscreenSwapchain(backend *hostgpu.Backend, width, height uint32, format vk.Format, count int) (Swapchain, error) {
	s := &offscreenSwapchain{backend: backend, width: width, height: height, format: format, count: count}
	if err := s.allocate(count); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *offscreenSwapchain) allocate(count int) error {
	for i := 0; i < count; i++ {
		imgInfo := vk.ImageCreateInfo{
			SType:       vk.StructureTypeImageCreateInfo,
			ImageType:   vk.ImageType2d,
			Format:      s.format,
			Extent:      vk.Extent3D{Width: s.width, Height: s.height, Depth: 1},
			MipLevels:   1,
			ArrayLayers: 1,
			Samples:     vk.SampleCount1Bit,
			Tiling:      vk.ImageTilingOptimal,
			Usage:       vk.ImageUsageFlags(vk.ImageUsageColorAttachmentBit | vk.ImageUsageTransferSrcBit | vk.ImageUsageTransferDstBit),
		}
		var img vk.Image
		if res := vk.CreateImage(s.backend.Device, &imgInfo, nil, &img); res != vk.Success {
			return fmt.Errorf("present: vkCreateImage failed: %d", res)
		}

		var req vk.MemoryRequirements
		vk.GetImageMemoryRequirements(s.backend.Device, img, &req)
		req.Deref()

		alloc, err := s.backend.DeviceLocal.Allocate(uint64(req.Size), uint64(req.Alignment), req.MemoryTypeBits)
		if err != nil {
			vk.DestroyImage(s.backend.Device, img, nil)
			return err
		}
		if res := vk.BindImageMemory(s.backend.Device, img, alloc.Memory, vk.DeviceSize(alloc.Offset)); res != vk.Success {
			vk.DestroyImage(s.backend.Device, img, nil)
			return fmt.Errorf("present: vkBindImageMemory failed: %d", res)
		}

		viewInfo := vk.ImageViewCreateInfo{
			SType:    vk.StructureTypeImageViewCreateInfo,
			Image:    img,
			ViewType: vk.ImageViewType2d,
			Format:   s.format,
			SubresourceRange: vk.ImageSubresourceRange{
				AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit),
				LevelCount: 1,
				LayerCount: 1,
			},
		}
		var view vk.ImageView
		if res := vk.CreateImageView(s.backend.Device, &viewInfo, nil, &view); res != vk.Success {
			vk.DestroyImage(s.backend.Device, img, nil)
			return fmt.Errorf("present: vkCreateImageView failed: %d", res)
		}

		s.images = append(s.images, img)
		s.views = append(s.views, view)
		s.allocs = append(s.allocs, alloc)
	}
	return nil
}

func (s *offscreenSwapchain) AcquireNextImage() (int, error) {
	idx := s.next
	s.next = (s.next + 1) % len(s.images)
	return idx, nil
}

func (s *offscreenSwapchain) Image(index int) vk.Image { return s.images[index] }

func (s *offscreenSwapchain) View(index int) vk.ImageView { return s.views[index] }

// Present is a no-op beyond bookkeeping: there is no VkSurfaceKHR to
// queue-present to, so a registered external consumer (the kernel-side
// event listener) is expected to pull the image contents itself once
// Flip fires.
func (s *offscreenSwapchain) Present(imageIndex int, waitSemaphore vk.Semaphore) error {
	return nil
}

func (s *offscreenSwapchain) Recreate() error {
	s.Destroy()
	s.images, s.views, s.allocs = nil, nil, nil
	s.next = 0
	return s.allocate(s.count)
}

func (s *offscreenSwapchain) Destroy() {
	for i, img := range s.images {
		vk.DestroyImageView(s.backend.Device, s.views[i], nil)
		vk.DestroyImage(s.backend.Device, img, nil)
	}
}
