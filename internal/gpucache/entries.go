package gpucache

import (
	vk "github.com/goki/vulkan"

	"github.com/rpcsx-go/gcnproc/internal/gcnconvert"
	"github.com/rpcsx-go/gcnproc/internal/hostgpu"
)

// BufferEntry is a cached device buffer backing one guest [addr,size)
// range.
type BufferEntry struct {
	Buffer     vk.Buffer
	Alloc      hostgpu.Allocation
	AcquireTag TagId
}

// IndexBufferEntry is a read-only index buffer upload, with the index
// element type and primitive-topology translation recorded alongside it.
type IndexBufferEntry struct {
	Buffer      vk.Buffer
	Alloc       hostgpu.Allocation
	IndexType   int
	PrimType    int
	Count       uint32
	AcquireTag  TagId
}

// ImageEntry is a cached image, with a distinct view per aspect when
// Kind is Depth or Stencil.
type ImageEntry struct {
	Key          ImageKey
	Image        vk.Image
	Alloc        hostgpu.Allocation
	ColorView    vk.ImageView
	DepthView    vk.ImageView
	StencilView  vk.ImageView
	AcquireTag   TagId
}

// ShaderEntry is a translated shader plus the resolved uniform list C3
// produced for it.
type ShaderEntry struct {
	Key        ShaderKey
	Shader     gcnconvert.Shader
	ShaderModule vk.ShaderModule
	AcquireTag TagId
}

// SamplerEntry is a deduplicated Vulkan sampler, never destroyed until
// cache teardown per spec.md §4.6.
type SamplerEntry struct {
	Key     SamplerKey
	Sampler vk.Sampler
}
