package gpucache

import (
	"context"
	"fmt"
	"sync"
	"unsafe"

	vk "github.com/goki/vulkan"
	"golang.org/x/sync/singleflight"

	"github.com/rpcsx-go/gcnproc/internal/diag"
	"github.com/rpcsx-go/gcnproc/internal/gcnconvert"
	"github.com/rpcsx-go/gcnproc/internal/hostgpu"
)

// maxShaderWords bounds how far getShader reads looking for S_ENDPGM;
// no real GCN shader approaches this length.
const maxShaderWords = 16384

// GuestMemory is the narrow read/write surface the cache needs from the
// process address space it backs - satisfied by the device package's VM
// table (C9) in production and by a flat byte slice in tests.
type GuestMemory interface {
	ReadBytes(addr uint64, out []byte)
	WriteBytes(addr uint64, data []byte)
	ReadWords(addr uint64, count int) []uint32
}

// Cache owns every host resource translated from one VM id's guest
// memory: buffers, images, samplers, shaders, and the page-watch table
// that serializes CPU<->GPU coherence for it (spec.md §4.6, C6).
type Cache struct {
	log     *diag.Logger
	backend *hostgpu.Backend
	memory  GuestMemory

	mu             sync.Mutex
	BufferMap      map[Interval]*BufferEntry
	IndexBufferMap map[Interval]*IndexBufferEntry
	ImageMap       map[Interval]*ImageEntry
	ShaderMap      map[string]*ShaderEntry
	SamplerMap     map[SamplerKey]*SamplerEntry
	SyncTable      *pageTable

	tags    *tagGenerator
	inflght singleflight.Group

	persist ShaderPersistence

	watch chan pageWatchCmd

	layout            vk.PipelineLayout
	ComputePipelines  map[string]vk.Pipeline
	GraphicsPipelines map[string]vk.Pipeline
	RenderPasses      map[vk.Format]vk.RenderPass
	Framebuffers      map[vk.ImageView]vk.Framebuffer
}

// pageWatchQueueDepth bounds how far the cache-update thread can fall
// behind the ring processor before RequestUnlock starts dropping
// notifications (see RequestUnlock).
const pageWatchQueueDepth = 256

// ShaderPersistence is the optional on-disk second tier behind ShaderMap
// (internal/cache/persist's Store in production, unimplemented in tests
// that don't care about cross-run persistence).
type ShaderPersistence interface {
	Get(fingerprint string) (gcnconvert.Shader, bool, error)
	Put(fingerprint string, shader gcnconvert.Shader) error
}

// SetPersistence installs an on-disk shader cache consulted before C3 is
// invoked and updated after every miss. A nil store disables it.
func (c *Cache) SetPersistence(store ShaderPersistence) {
	c.persist = store
}

// NewCache constructs an empty cache over a backend and the guest memory
// it reads programs and resource descriptors from. addressSpaceBytes
// sizes the page-watch table.
func NewCache(log *diag.Logger, backend *hostgpu.Backend, memory GuestMemory, addressSpaceBytes uint64) *Cache {
	return &Cache{
		log:            log,
		backend:        backend,
		memory:         memory,
		BufferMap:      make(map[Interval]*BufferEntry),
		IndexBufferMap: make(map[Interval]*IndexBufferEntry),
		ImageMap:       make(map[Interval]*ImageEntry),
		ShaderMap:      make(map[string]*ShaderEntry),
		SamplerMap:     make(map[SamplerKey]*SamplerEntry),
		SyncTable:      newPageTable(addressSpaceBytes),
		tags:           newTagGenerator(),
		watch:          make(chan pageWatchCmd, pageWatchQueueDepth),
		ComputePipelines:  make(map[string]vk.Pipeline),
		GraphicsPipelines: make(map[string]vk.Pipeline),
		RenderPasses:      make(map[vk.Format]vk.RenderPass),
		Framebuffers:      make(map[vk.ImageView]vk.Framebuffer),
	}
}

// Tag is one scoped acquisition: every resource fetched through it is
// remembered so Release can drop the corresponding page-watch flags in
// one pass, matching spec.md §3's "Tag (TagId)" scoping rule.
type Tag struct {
	c       *Cache
	write   TagId
	read    TagId
	touched []Interval
}

// newTag reserves a fresh write/read tag pair and returns a Tag scoped
// to use them.
func (c *Cache) newTag() *Tag {
	w := c.tags.NextWriteTag()
	return &Tag{c: c, write: w, read: w.ReadTag()}
}

// GraphicsTag scopes the resource acquisitions of one draw call.
type GraphicsTag struct{ *Tag }

// ComputeTag scopes the resource acquisitions of one dispatch.
type ComputeTag struct{ *Tag }

// NewGraphicsTag begins a draw-scoped acquisition.
func (c *Cache) NewGraphicsTag() *GraphicsTag { return &GraphicsTag{c.newTag()} }

// NewComputeTag begins a dispatch-scoped acquisition.
func (c *Cache) NewComputeTag() *ComputeTag { return &ComputeTag{c.newTag()} }

// Release drops this tag's page-watch flags, unblocking any CPU access
// that was waiting on the resources it touched.
func (t *Tag) Release() {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	for _, r := range t.touched {
		t.c.SyncTable.Clear(r, WriteWatch|ReadWriteLock)
	}
	t.touched = nil
}

func (t *Tag) watch(r Interval, access Access) {
	flags := PageFlags(0)
	if access&AccessWrite != 0 {
		flags |= WriteWatch
	}
	if access&AccessRead != 0 {
		flags |= ReadWriteLock
	}
	t.c.SyncTable.Set(r, flags)
	t.touched = append(t.touched, r)
}

// GetBuffer returns the cached buffer backing r, uploading a fresh one
// from guest memory on a miss and re-uploading whenever the range is
// marked Invalidated.
func (t *Tag) GetBuffer(r Interval, access Access) (*BufferEntry, error) {
	t.c.mu.Lock()
	entry, ok := t.c.BufferMap[r]
	stale := ok && t.c.SyncTable.Any(r, Invalidated)
	t.c.mu.Unlock()

	if !ok || stale {
		var err error
		entry, err = t.c.uploadBuffer(r)
		if err != nil {
			return nil, err
		}
		t.c.mu.Lock()
		t.c.BufferMap[r] = entry
		t.c.SyncTable.Clear(r, Invalidated)
		t.c.mu.Unlock()
	}

	entry.AcquireTag = t.write
	t.watch(r, access)
	return entry, nil
}

// GetIndexBuffer is GetBuffer specialized for index data, recording the
// element type and primitive topology alongside the upload.
func (t *Tag) GetIndexBuffer(r Interval, indexType, primType int, count uint32) (*IndexBufferEntry, error) {
	t.c.mu.Lock()
	entry, ok := t.c.IndexBufferMap[r]
	stale := ok && t.c.SyncTable.Any(r, Invalidated)
	t.c.mu.Unlock()

	if !ok || stale {
		buf, alloc, err := t.c.uploadRaw(r)
		if err != nil {
			return nil, err
		}
		entry = &IndexBufferEntry{Buffer: buf, Alloc: alloc, IndexType: indexType, PrimType: primType, Count: count}
		t.c.mu.Lock()
		t.c.IndexBufferMap[r] = entry
		t.c.SyncTable.Clear(r, Invalidated)
		t.c.mu.Unlock()
	}

	entry.AcquireTag = t.write
	t.watch(r, AccessRead)
	return entry, nil
}

// GetImage returns the cached image matching key over r, recreating it
// whenever the key changes (a format/tiling/extent change invalidates
// the old host image outright) or the range is marked Invalidated.
func (t *Tag) GetImage(r Interval, key ImageKey, access Access) (*ImageEntry, error) {
	t.c.mu.Lock()
	entry, ok := t.c.ImageMap[r]
	stale := ok && (entry.Key != key || t.c.SyncTable.Any(r, Invalidated))
	t.c.mu.Unlock()

	if !ok || stale {
		var err error
		entry, err = t.c.uploadImage(r, key)
		if err != nil {
			return nil, err
		}
		t.c.mu.Lock()
		t.c.ImageMap[r] = entry
		t.c.SyncTable.Clear(r, Invalidated)
		t.c.mu.Unlock()
	}

	entry.AcquireTag = t.write
	t.watch(r, access)
	return entry, nil
}

// GetImageView returns the view matching aspect for an already-acquired
// image entry, falling back to the color view for aspects the image
// wasn't created with.
func (t *Tag) GetImageView(entry *ImageEntry, kind ImageKind) vk.ImageView {
	switch kind {
	case ImageKindDepth:
		if entry.DepthView != nil {
			return entry.DepthView
		}
	case ImageKindStencil:
		if entry.StencilView != nil {
			return entry.StencilView
		}
	}
	return entry.ColorView
}

// GetSampler deduplicates samplers by key; per spec.md §4.6 these are
// never destroyed until the cache itself tears down.
func (t *Tag) GetSampler(key SamplerKey) (*SamplerEntry, error) {
	t.c.mu.Lock()
	entry, ok := t.c.SamplerMap[key]
	t.c.mu.Unlock()
	if ok {
		return entry, nil
	}

	sampler, err := t.c.createSampler(key)
	if err != nil {
		return nil, err
	}
	entry = &SamplerEntry{Key: key, Sampler: sampler}

	t.c.mu.Lock()
	if existing, raced := t.c.SamplerMap[key]; raced {
		t.c.mu.Unlock()
		vk.DestroySampler(t.c.backend.Device, sampler, nil)
		return existing, nil
	}
	t.c.SamplerMap[key] = entry
	t.c.mu.Unlock()
	return entry, nil
}

// GetShader memoizes shader translation by key fingerprint through a
// singleflight.Group, so concurrent draws referencing the same program
// translate it exactly once (spec.md §4.6, S6).
func (t *Tag) GetShader(key ShaderKey, userSGPRs gcnconvert.UserSGPRs) (*ShaderEntry, error) {
	fp := key.Fingerprint()

	t.c.mu.Lock()
	entry, ok := t.c.ShaderMap[fp]
	t.c.mu.Unlock()
	if ok {
		entry.AcquireTag = t.write
		return entry, nil
	}

	v, err, _ := t.c.inflght.Do(fp, func() (interface{}, error) {
		t.c.mu.Lock()
		if existing, raced := t.c.ShaderMap[fp]; raced {
			t.c.mu.Unlock()
			return existing, nil
		}
		t.c.mu.Unlock()

		var shader gcnconvert.Shader
		if t.c.persist != nil {
			if cached, hit, perr := t.c.persist.Get(fp); perr == nil && hit {
				shader = cached
			}
		}
		if shader.SPIRV == nil {
			var deps *gcnconvert.DependencyRecorder
			program := t.c.memory.ReadWords(key.Address, maxShaderWords)
			shader, deps = gcnconvert.Convert(program, key.Stage, key.Environment, userSGPRs)
			for _, r := range deps.Reads() {
				_ = r // dependency reads are informational; the caller re-fetches on invalidation via GetBuffer/GetImage
			}
			if t.c.persist != nil {
				if perr := t.c.persist.Put(fp, shader); perr != nil && t.c.log != nil {
					t.c.log.Warn("gpucache: failed to persist shader %q: %v", fp, perr)
				}
			}
		}

		module, err := t.c.createShaderModule(shader)
		if err != nil {
			return nil, err
		}
		e := &ShaderEntry{Key: key, Shader: shader, ShaderModule: module}

		t.c.mu.Lock()
		t.c.ShaderMap[fp] = e
		t.c.mu.Unlock()
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	entry = v.(*ShaderEntry)
	entry.AcquireTag = t.write
	return entry, nil
}

// readMemory copies from guest memory through the cache, flushing any
// pending GPU writes to r first so the host sees a coherent view -
// spec.md §4.6's readMemory().
func (c *Cache) readMemory(r Interval, out []byte) error {
	if err := c.flushBuffers(r); err != nil {
		return err
	}
	c.memory.ReadBytes(r.Begin, out)
	return nil
}

// writeMemory writes to guest memory and marks the range Invalidated so
// the next cache acquisition re-uploads it - spec.md §4.6's
// writeMemory().
func (c *Cache) writeMemory(r Interval, data []byte) {
	c.memory.WriteBytes(r.Begin, data)
	c.SyncTable.Set(r, Invalidated)
}

// compareMemory reports whether the guest bytes covering r equal data,
// without marking the range Invalidated - used by callers that want to
// skip redundant writes.
func (c *Cache) compareMemory(r Interval, data []byte) bool {
	buf := make([]byte, len(data))
	c.memory.ReadBytes(r.Begin, buf)
	if len(buf) != len(data) {
		return false
	}
	for i := range data {
		if buf[i] != data[i] {
			return false
		}
	}
	return true
}

// flushBuffers forces any GPU-side writes touching r to retire before
// the host reads guest memory back, by waiting on the backend scheduler
// whenever r carries an outstanding WriteWatch.
func (c *Cache) flushBuffers(r Interval) error {
	if !c.SyncTable.Any(r, WriteWatch) {
		return nil
	}
	if err := c.backend.Scheduler.Wait(); err != nil {
		return fmt.Errorf("flush buffers: %w", err)
	}
	c.SyncTable.Clear(r, WriteWatch)
	return nil
}

// flushImages is flushBuffers specialized for image-backed ranges.
func (c *Cache) flushImages(r Interval) error {
	return c.flushBuffers(r)
}

// flushImageBuffers flushes every currently-cached image whose backing
// range overlaps r, used when a write through one alias must be visible
// to a read through another.
func (c *Cache) flushImageBuffers(r Interval) error {
	c.mu.Lock()
	var overlapping []Interval
	for ir := range c.ImageMap {
		if ir.Overlaps(r) {
			overlapping = append(overlapping, ir)
		}
	}
	c.mu.Unlock()

	for _, ir := range overlapping {
		if err := c.flushImages(ir); err != nil {
			return err
		}
	}
	return nil
}

// pageWatchCmd is one CPU-side "I'm about to write here" notification -
// spec.md §4.6's gpuCacheCommand, carrying the range a pending guest
// write covers.
type pageWatchCmd struct {
	Range Interval
}

// RequestUnlock enqueues r on the cache-update channel, matching
// spec.md §4.6's description of a CPU write signalling intent through
// the page-watch channel when it touches a ReadWriteLock'd range.
// Non-blocking: a full channel means the cache-update thread is already
// behind, and SyncTable.Any(ReadWriteLock) continuing to report locked
// is the backpressure signal the caller retries on.
func (c *Cache) RequestUnlock(r Interval) {
	select {
	case c.watch <- pageWatchCmd{Range: r}:
	default:
	}
}

// RunCacheUpdate is the dedicated cache-update thread named in spec.md
// §5: on each pageWatchCmd it flushes overlapping image buffers then
// buffers, then unlocks the affected pages, exactly the sequence §4.6's
// flush/invalidate protocol describes. Runs until ctx is cancelled.
func (c *Cache) RunCacheUpdate(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-c.watch:
			if err := c.flushImageBuffers(cmd.Range); err != nil {
				return fmt.Errorf("gpucache: cache-update: %w", err)
			}
			if err := c.flushBuffers(cmd.Range); err != nil {
				return fmt.Errorf("gpucache: cache-update: %w", err)
			}
			c.SyncTable.Clear(cmd.Range, ReadWriteLock)
		}
	}
}

func (c *Cache) uploadBuffer(r Interval) (*BufferEntry, error) {
	buf, alloc, err := c.uploadRaw(r)
	if err != nil {
		return nil, err
	}
	return &BufferEntry{Buffer: buf, Alloc: alloc}, nil
}

func (c *Cache) uploadRaw(r Interval) (vk.Buffer, hostgpu.Allocation, error) {
	size := r.End - r.Begin
	bufInfo := vk.BufferCreateInfo{
		SType: vk.StructureTypeBufferCreateInfo,
		Size:  vk.DeviceSize(size),
		Usage: vk.BufferUsageFlags(vk.BufferUsageTransferDstBit | vk.BufferUsageVertexBufferBit | vk.BufferUsageIndexBufferBit | vk.BufferUsageStorageBufferBit),
	}
	var buf vk.Buffer
	if res := vk.CreateBuffer(c.backend.Device, &bufInfo, nil, &buf); res != vk.Success {
		return nil, hostgpu.Allocation{}, fmt.Errorf("vkCreateBuffer failed: %d", res)
	}

	var req vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(c.backend.Device, buf, &req)
	req.Deref()

	alloc, err := c.backend.HostVisible.Allocate(uint64(req.Size), uint64(req.Alignment), req.MemoryTypeBits)
	if err != nil {
		vk.DestroyBuffer(c.backend.Device, buf, nil)
		return nil, hostgpu.Allocation{}, err
	}
	if res := vk.BindBufferMemory(c.backend.Device, buf, alloc.Memory, vk.DeviceSize(alloc.Offset)); res != vk.Success {
		vk.DestroyBuffer(c.backend.Device, buf, nil)
		return nil, hostgpu.Allocation{}, fmt.Errorf("vkBindBufferMemory failed: %d", res)
	}

	data := make([]byte, size)
	c.memory.ReadBytes(r.Begin, data)

	var mapped unsafe.Pointer
	if res := vk.MapMemory(c.backend.Device, alloc.Memory, vk.DeviceSize(alloc.Offset), vk.DeviceSize(size), 0, &mapped); res != vk.Success {
		vk.DestroyBuffer(c.backend.Device, buf, nil)
		return nil, hostgpu.Allocation{}, fmt.Errorf("vkMapMemory failed: %d", res)
	}
	vk.Memcopy(mapped, data)
	vk.UnmapMemory(c.backend.Device, alloc.Memory)

	return buf, alloc, nil
}

func (c *Cache) uploadImage(r Interval, key ImageKey) (*ImageEntry, error) {
	imgInfo := vk.ImageCreateInfo{
		SType:     vk.StructureTypeImageCreateInfo,
		ImageType: imageTypeFor(key.Dimension),
		Format:    vk.Format(key.DataFormat),
		Extent:    vk.Extent3D{Width: key.Width, Height: key.Height, Depth: max1(key.Depth)},
		MipLevels: max1(key.MipLevels),
		ArrayLayers: max1(key.ArrayLayers),
		Samples:   vk.SampleCount1Bit,
		Tiling:    vk.ImageTilingOptimal,
		Usage:     vk.ImageUsageFlags(vk.ImageUsageSampledBit | vk.ImageUsageTransferDstBit | vk.ImageUsageColorAttachmentBit),
	}
	var img vk.Image
	if res := vk.CreateImage(c.backend.Device, &imgInfo, nil, &img); res != vk.Success {
		return nil, fmt.Errorf("vkCreateImage failed: %d", res)
	}

	var req vk.MemoryRequirements
	vk.GetImageMemoryRequirements(c.backend.Device, img, &req)
	req.Deref()

	alloc, err := c.backend.DeviceLocal.Allocate(uint64(req.Size), uint64(req.Alignment), req.MemoryTypeBits)
	if err != nil {
		vk.DestroyImage(c.backend.Device, img, nil)
		return nil, err
	}
	if res := vk.BindImageMemory(c.backend.Device, img, alloc.Memory, vk.DeviceSize(alloc.Offset)); res != vk.Success {
		vk.DestroyImage(c.backend.Device, img, nil)
		return nil, fmt.Errorf("vkBindImageMemory failed: %d", res)
	}

	viewInfo := vk.ImageViewCreateInfo{
		SType:    vk.StructureTypeImageViewCreateInfo,
		Image:    img,
		ViewType: viewTypeFor(key.Dimension),
		Format:   vk.Format(key.DataFormat),
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask:     vk.ImageAspectFlags(aspectFor(key.Kind)),
			LevelCount:     max1(key.MipLevels),
			LayerCount:     max1(key.ArrayLayers),
		},
	}
	var view vk.ImageView
	if res := vk.CreateImageView(c.backend.Device, &viewInfo, nil, &view); res != vk.Success {
		vk.DestroyImage(c.backend.Device, img, nil)
		return nil, fmt.Errorf("vkCreateImageView failed: %d", res)
	}

	entry := &ImageEntry{Key: key, Image: img, Alloc: alloc}
	switch key.Kind {
	case ImageKindDepth:
		entry.DepthView = view
	case ImageKindStencil:
		entry.StencilView = view
	default:
		entry.ColorView = view
	}
	return entry, nil
}

func (c *Cache) createSampler(key SamplerKey) (vk.Sampler, error) {
	info := vk.SamplerCreateInfo{
		SType:                   vk.StructureTypeSamplerCreateInfo,
		MagFilter:               vk.Filter(key.MagFilter),
		MinFilter:               vk.Filter(key.MinFilter),
		MipmapMode:              vk.SamplerMipmapMode(key.MipmapMode),
		AddressModeU:            vk.SamplerAddressMode(key.AddressModeU),
		AddressModeV:            vk.SamplerAddressMode(key.AddressModeV),
		AddressModeW:            vk.SamplerAddressMode(key.AddressModeW),
		AnisotropyEnable:        vk.Bool32(boolToUint32(key.MaxAnisotropy > 1)),
		MaxAnisotropy:           key.MaxAnisotropy,
		CompareEnable:           vk.Bool32(boolToUint32(key.CompareEnable)),
		CompareOp:               vk.CompareOp(key.CompareOp),
		MinLod:                  key.MinLod,
		MaxLod:                  key.MaxLod,
		BorderColor:             vk.BorderColor(key.BorderColor),
	}
	var sampler vk.Sampler
	if res := vk.CreateSampler(c.backend.Device, &info, nil, &sampler); res != vk.Success {
		return nil, fmt.Errorf("vkCreateSampler failed: %d", res)
	}
	return sampler, nil
}

func (c *Cache) createShaderModule(shader gcnconvert.Shader) (vk.ShaderModule, error) {
	info := vk.ShaderModuleCreateInfo{
		SType:    vk.StructureTypeShaderModuleCreateInfo,
		CodeSize: uint(len(shader.SPIRV) * 4),
		PCode:    shader.SPIRV,
	}
	var module vk.ShaderModule
	if res := vk.CreateShaderModule(c.backend.Device, &info, nil, &module); res != vk.Success {
		return nil, fmt.Errorf("vkCreateShaderModule failed: %d", res)
	}
	return module, nil
}

func imageTypeFor(d ImageDimension) vk.ImageType {
	if d == ImageDimension3D {
		return vk.ImageType3d
	}
	if d == ImageDimension1D {
		return vk.ImageType1d
	}
	return vk.ImageType2d
}

func viewTypeFor(d ImageDimension) vk.ImageViewType {
	switch d {
	case ImageDimension1D:
		return vk.ImageViewType1d
	case ImageDimension3D:
		return vk.ImageViewType3d
	case ImageDimensionCube:
		return vk.ImageViewTypeCube
	case ImageDimensionArray:
		return vk.ImageViewType2dArray
	default:
		return vk.ImageViewType2d
	}
}

func aspectFor(k ImageKind) vk.ImageAspectFlagBits {
	switch k {
	case ImageKindDepth:
		return vk.ImageAspectDepthBit
	case ImageKindStencil:
		return vk.ImageAspectStencilBit
	default:
		return vk.ImageAspectColorBit
	}
}

func max1(v uint32) uint32 {
	if v == 0 {
		return 1
	}
	return v
}

func boolToUint32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
