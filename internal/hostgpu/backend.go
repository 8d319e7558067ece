// Package hostgpu owns the host Vulkan instance/device and the
// submission scheduler every other component records work through
// (spec.md §4.5, C5). The instance/device selection and teardown-on-
// error idiom is carried over directly from the teacher's VulkanBackend.
package hostgpu

import (
	"fmt"
	"sync"

	vk "github.com/goki/vulkan"

	"github.com/rpcsx-go/gcnproc/internal/diag"
)

var (
	vulkanInitMutex sync.Mutex
	vulkanInit      bool
)

// QueueSet is one selected queue family/index pair.
type QueueSet struct {
	Family uint32
	Queue  vk.Queue
}

// Backend owns the Vulkan instance, the selected physical/logical
// device, the three queue sets named in spec.md §4.5, and the two memory
// resources every cache allocation sub-allocates from.
type Backend struct {
	log *diag.Logger

	Instance       vk.Instance
	PhysicalDevice vk.PhysicalDevice
	Device         vk.Device

	Present  QueueSet
	Graphics QueueSet
	Compute  QueueSet

	HostVisible *MemoryResource
	DeviceLocal *MemoryResource

	Scheduler *Scheduler
}

// New creates a Backend: instance (with validation layers if requested),
// physical device selection (preferring gpuIndex when it names a valid
// device), logical device and queues, then the two memory resources and
// a Scheduler. Every step tears down everything created so far on
// failure, mirroring the teacher's initVulkan cleanup chain.
func New(log *diag.Logger, gpuIndex int, validation bool) (*Backend, error) {
	if err := ensureVulkanLoaded(); err != nil {
		return nil, err
	}

	b := &Backend{log: log}

	if err := b.createInstance(validation); err != nil {
		return nil, fmt.Errorf("create instance: %w", err)
	}
	if err := b.selectPhysicalDevice(gpuIndex); err != nil {
		b.destroyInstance()
		return nil, fmt.Errorf("select physical device: %w", err)
	}
	if err := b.createDevice(); err != nil {
		b.destroyInstance()
		return nil, fmt.Errorf("create device: %w", err)
	}

	b.HostVisible = newMemoryResource(b.Device, b.PhysicalDevice, vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit|vk.MemoryPropertyHostCoherentBit))
	b.DeviceLocal = newMemoryResource(b.Device, b.PhysicalDevice, vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit))

	sched, err := newScheduler(b.Device, b.Graphics.Queue)
	if err != nil {
		b.destroyDevice()
		b.destroyInstance()
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	b.Scheduler = sched

	return b, nil
}

func ensureVulkanLoaded() error {
	vulkanInitMutex.Lock()
	defer vulkanInitMutex.Unlock()
	if vulkanInit {
		return nil
	}
	if err := vk.SetDefaultGetInstanceProcAddr(); err != nil {
		return fmt.Errorf("load Vulkan library: %w", err)
	}
	if err := vk.Init(); err != nil {
		return fmt.Errorf("initialize Vulkan loader: %w", err)
	}
	vulkanInit = true
	return nil
}

func (b *Backend) createInstance(validation bool) error {
	appInfo := vk.ApplicationInfo{
		SType:              vk.StructureTypeApplicationInfo,
		PApplicationName:   safeString("gcnproc"),
		ApplicationVersion: vk.MakeVersion(1, 0, 0),
		PEngineName:        safeString("gcnproc"),
		EngineVersion:      vk.MakeVersion(1, 0, 0),
		ApiVersion:         vk.MakeVersion(1, 2, 0),
	}

	createInfo := vk.InstanceCreateInfo{
		SType:            vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo: &appInfo,
	}
	if validation {
		layers := []string{"VK_LAYER_KHRONOS_validation"}
		createInfo.EnabledLayerCount = uint32(len(layers))
		createInfo.PpEnabledLayerNames = layers
	}

	var instance vk.Instance
	if res := vk.CreateInstance(&createInfo, nil, &instance); res != vk.Success {
		return fmt.Errorf("vkCreateInstance failed: %d", res)
	}
	b.Instance = instance
	vk.InitInstance(instance)
	return nil
}

// selectPhysicalDevice prefers the device at gpuIndex (when in range) and
// otherwise the first device exposing a graphics queue family, then
// resolves present/graphics/compute queue families against it.
func (b *Backend) selectPhysicalDevice(gpuIndex int) error {
	var count uint32
	vk.EnumeratePhysicalDevices(b.Instance, &count, nil)
	if count == 0 {
		return fmt.Errorf("no Vulkan-capable GPUs found")
	}
	devices := make([]vk.PhysicalDevice, count)
	vk.EnumeratePhysicalDevices(b.Instance, &count, devices)

	chosen := devices[0]
	if gpuIndex >= 0 && gpuIndex < len(devices) {
		chosen = devices[gpuIndex]
	} else {
	search:
		for _, dev := range devices {
			var n uint32
			vk.GetPhysicalDeviceQueueFamilyProperties(dev, &n, nil)
			props := make([]vk.QueueFamilyProperties, n)
			vk.GetPhysicalDeviceQueueFamilyProperties(dev, &n, props)
			for _, qf := range props {
				qf.Deref()
				if qf.QueueFlags&vk.QueueFlags(vk.QueueGraphicsBit) != 0 {
					chosen = dev
					break search
				}
			}
		}
	}
	b.PhysicalDevice = chosen

	var qfCount uint32
	vk.GetPhysicalDeviceQueueFamilyProperties(chosen, &qfCount, nil)
	families := make([]vk.QueueFamilyProperties, qfCount)
	vk.GetPhysicalDeviceQueueFamilyProperties(chosen, &qfCount, families)

	haveGraphics, haveCompute := false, false
	for i, qf := range families {
		qf.Deref()
		idx := uint32(i)
		if qf.QueueFlags&vk.QueueFlags(vk.QueueGraphicsBit) != 0 && !haveGraphics {
			b.Graphics.Family = idx
			b.Present.Family = idx // offscreen/swapchain present shares the graphics family
			haveGraphics = true
		}
		if qf.QueueFlags&vk.QueueFlags(vk.QueueComputeBit) != 0 && !haveCompute {
			b.Compute.Family = idx
			haveCompute = true
		}
	}
	if !haveGraphics {
		return fmt.Errorf("no queue family with graphics support found")
	}
	if !haveCompute {
		b.Compute.Family = b.Graphics.Family // fall back to the shared universal queue
	}
	return nil
}

func (b *Backend) createDevice() error {
	families := uniqueFamilies(b.Graphics.Family, b.Compute.Family)
	priority := float32(1.0)

	queueInfos := make([]vk.DeviceQueueCreateInfo, len(families))
	for i, f := range families {
		queueInfos[i] = vk.DeviceQueueCreateInfo{
			SType:            vk.StructureTypeDeviceQueueCreateInfo,
			QueueFamilyIndex: f,
			QueueCount:       1,
			PQueuePriorities: []float32{priority},
		}
	}

	createInfo := vk.DeviceCreateInfo{
		SType:                vk.StructureTypeDeviceCreateInfo,
		QueueCreateInfoCount: uint32(len(queueInfos)),
		PQueueCreateInfos:    queueInfos,
	}

	var device vk.Device
	if res := vk.CreateDevice(b.PhysicalDevice, &createInfo, nil, &device); res != vk.Success {
		return fmt.Errorf("vkCreateDevice failed: %d", res)
	}
	b.Device = device

	var gq vk.Queue
	vk.GetDeviceQueue(device, b.Graphics.Family, 0, &gq)
	b.Graphics.Queue = gq
	b.Present.Queue = gq

	var cq vk.Queue
	vk.GetDeviceQueue(device, b.Compute.Family, 0, &cq)
	b.Compute.Queue = cq

	return nil
}

func uniqueFamilies(families ...uint32) []uint32 {
	seen := make(map[uint32]bool)
	var out []uint32
	for _, f := range families {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}

func (b *Backend) destroyDevice() {
	if b.Device != nil {
		vk.DestroyDevice(b.Device, nil)
		b.Device = nil
	}
}

func (b *Backend) destroyInstance() {
	if b.Instance != nil {
		vk.DestroyInstance(b.Instance, nil)
		b.Instance = nil
	}
}

// Destroy tears down the scheduler, device, and instance in dependency
// order.
func (b *Backend) Destroy() {
	if b.Scheduler != nil {
		b.Scheduler.destroy()
	}
	b.destroyDevice()
	b.destroyInstance()
}

func safeString(s string) string { return s + "\x00" }
