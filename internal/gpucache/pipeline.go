package gpucache

import (
	"fmt"
	"unsafe"

	vk "github.com/goki/vulkan"
)

// vertex is this façade's fixed draw-call vertex layout: position plus a
// per-vertex color, the same two-attribute shape voodoo_vulkan.go's
// VulkanVertex binds for its fullscreen pass. A real per-draw layout
// would derive attribute count/format from the GCN V# buffer descriptor
// and the vertex shader's input interface; deriving that is out of this
// cache's scope, so every draw shares one fixed layout.
type vertex struct {
	Position [3]float32
	Color    [4]float32
}

func safeString(s string) string { return s + "\x00" }

// pipelineLayout lazily creates the one pipeline layout every graphics
// and compute pipeline in this cache shares - empty, exactly like
// voodoo_vulkan.go's createPipeline does for its single fullscreen
// pipeline, since resource access here goes through the memory table
// rather than per-pipeline descriptor sets.
func (c *Cache) pipelineLayout() (vk.PipelineLayout, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.layout != nil {
		return c.layout, nil
	}
	info := vk.PipelineLayoutCreateInfo{SType: vk.StructureTypePipelineLayoutCreateInfo}
	var layout vk.PipelineLayout
	if res := vk.CreatePipelineLayout(c.backend.Device, &info, nil, &layout); res != vk.Success {
		return nil, fmt.Errorf("vkCreatePipelineLayout failed: %d", res)
	}
	c.layout = layout
	return layout, nil
}

// ComputePipeline returns the pipeline wrapping entry's shader module,
// creating and caching it on the entry's key fingerprint - the same
// key -> variant cache voodoo_vulkan.go's getOrCreatePipeline keeps,
// generalized from blend/depth state to a translated shader.
func (c *Cache) ComputePipeline(entry *ShaderEntry) (vk.Pipeline, error) {
	fp := entry.Key.Fingerprint()
	c.mu.Lock()
	if p, ok := c.ComputePipelines[fp]; ok {
		c.mu.Unlock()
		return p, nil
	}
	c.mu.Unlock()

	layout, err := c.pipelineLayout()
	if err != nil {
		return nil, err
	}

	info := vk.ComputePipelineCreateInfo{
		SType: vk.StructureTypeComputePipelineCreateInfo,
		Stage: vk.PipelineShaderStageCreateInfo{
			SType:  vk.StructureTypePipelineShaderStageCreateInfo,
			Stage:  vk.ShaderStageComputeBit,
			Module: entry.ShaderModule,
			PName:  safeString("main"),
		},
		Layout: layout,
	}
	pipelines := make([]vk.Pipeline, 1)
	if res := vk.CreateComputePipelines(c.backend.Device, vk.PipelineCache(vk.NullHandle), 1, []vk.ComputePipelineCreateInfo{info}, nil, pipelines); res != vk.Success {
		return nil, fmt.Errorf("vkCreateComputePipelines failed: %d", res)
	}

	c.mu.Lock()
	if existing, raced := c.ComputePipelines[fp]; raced {
		c.mu.Unlock()
		vk.DestroyPipeline(c.backend.Device, pipelines[0], nil)
		return existing, nil
	}
	c.ComputePipelines[fp] = pipelines[0]
	c.mu.Unlock()
	return pipelines[0], nil
}

// renderPassFor returns the single-color-attachment render pass for
// format, creating it on first use - voodoo_vulkan.go's createRenderPass
// minus the depth attachment (depth-tested draws are a Non-goal here).
func (c *Cache) renderPassFor(format vk.Format) (vk.RenderPass, error) {
	c.mu.Lock()
	if rp, ok := c.RenderPasses[format]; ok {
		c.mu.Unlock()
		return rp, nil
	}
	c.mu.Unlock()

	colorAttachment := vk.AttachmentDescription{
		Format:         format,
		Samples:        vk.SampleCount1Bit,
		LoadOp:         vk.AttachmentLoadOpLoad,
		StoreOp:        vk.AttachmentStoreOpStore,
		StencilLoadOp:  vk.AttachmentLoadOpDontCare,
		StencilStoreOp: vk.AttachmentStoreOpDontCare,
		InitialLayout:  vk.ImageLayoutColorAttachmentOptimal,
		FinalLayout:    vk.ImageLayoutColorAttachmentOptimal,
	}
	colorRef := vk.AttachmentReference{Attachment: 0, Layout: vk.ImageLayoutColorAttachmentOptimal}
	subpass := vk.SubpassDescription{
		PipelineBindPoint:    vk.PipelineBindPointGraphics,
		ColorAttachmentCount: 1,
		PColorAttachments:    []vk.AttachmentReference{colorRef},
	}
	info := vk.RenderPassCreateInfo{
		SType:           vk.StructureTypeRenderPassCreateInfo,
		AttachmentCount: 1,
		PAttachments:    []vk.AttachmentDescription{colorAttachment},
		SubpassCount:    1,
		PSubpasses:      []vk.SubpassDescription{subpass},
	}
	var rp vk.RenderPass
	if res := vk.CreateRenderPass(c.backend.Device, &info, nil, &rp); res != vk.Success {
		return nil, fmt.Errorf("vkCreateRenderPass failed: %d", res)
	}

	c.mu.Lock()
	if existing, raced := c.RenderPasses[format]; raced {
		c.mu.Unlock()
		vk.DestroyRenderPass(c.backend.Device, rp, nil)
		return existing, nil
	}
	c.RenderPasses[format] = rp
	c.mu.Unlock()
	return rp, nil
}

// framebufferFor returns the single-attachment framebuffer wrapping
// target's color view, sized to target's extent and cached by view
// handle for the lifetime of the cache (images are never resized once
// created - a format/extent change recreates the ImageEntry outright).
func (c *Cache) framebufferFor(target *ImageEntry, width, height uint32) (vk.Framebuffer, error) {
	c.mu.Lock()
	if fb, ok := c.Framebuffers[target.ColorView]; ok {
		c.mu.Unlock()
		return fb, nil
	}
	c.mu.Unlock()

	rp, err := c.renderPassFor(vk.Format(target.Key.DataFormat))
	if err != nil {
		return nil, err
	}

	info := vk.FramebufferCreateInfo{
		SType:           vk.StructureTypeFramebufferCreateInfo,
		RenderPass:      rp,
		AttachmentCount: 1,
		PAttachments:    []vk.ImageView{target.ColorView},
		Width:           width,
		Height:          height,
		Layers:          1,
	}
	var fb vk.Framebuffer
	if res := vk.CreateFramebuffer(c.backend.Device, &info, nil, &fb); res != vk.Success {
		return nil, fmt.Errorf("vkCreateFramebuffer failed: %d", res)
	}

	c.mu.Lock()
	if existing, raced := c.Framebuffers[target.ColorView]; raced {
		c.mu.Unlock()
		vk.DestroyFramebuffer(c.backend.Device, fb, nil)
		return existing, nil
	}
	c.Framebuffers[target.ColorView] = fb
	c.mu.Unlock()
	return fb, nil
}

// GraphicsPipeline returns the pipeline pairing vs and fs, creating and
// caching it on first use, targeting a render pass compatible with
// colorFormat.
func (c *Cache) GraphicsPipeline(vs, fs *ShaderEntry, colorFormat vk.Format, width, height uint32) (vk.Pipeline, vk.RenderPass, error) {
	rp, err := c.renderPassFor(colorFormat)
	if err != nil {
		return nil, nil, err
	}

	fp := vs.Key.Fingerprint() + "|" + fs.Key.Fingerprint()
	c.mu.Lock()
	if p, ok := c.GraphicsPipelines[fp]; ok {
		c.mu.Unlock()
		return p, rp, nil
	}
	c.mu.Unlock()

	layout, err := c.pipelineLayout()
	if err != nil {
		return nil, nil, err
	}

	stages := []vk.PipelineShaderStageCreateInfo{
		{SType: vk.StructureTypePipelineShaderStageCreateInfo, Stage: vk.ShaderStageVertexBit, Module: vs.ShaderModule, PName: safeString("main")},
		{SType: vk.StructureTypePipelineShaderStageCreateInfo, Stage: vk.ShaderStageFragmentBit, Module: fs.ShaderModule, PName: safeString("main")},
	}

	bindingDesc := vk.VertexInputBindingDescription{Binding: 0, Stride: uint32(unsafe.Sizeof(vertex{})), InputRate: vk.VertexInputRateVertex}
	attrDescs := []vk.VertexInputAttributeDescription{
		{Location: 0, Binding: 0, Format: vk.FormatR32g32b32Sfloat, Offset: uint32(unsafe.Offsetof(vertex{}.Position))},
		{Location: 1, Binding: 0, Format: vk.FormatR32g32b32a32Sfloat, Offset: uint32(unsafe.Offsetof(vertex{}.Color))},
	}
	vertexInput := vk.PipelineVertexInputStateCreateInfo{
		SType:                           vk.StructureTypePipelineVertexInputStateCreateInfo,
		VertexBindingDescriptionCount:   1,
		PVertexBindingDescriptions:      []vk.VertexInputBindingDescription{bindingDesc},
		VertexAttributeDescriptionCount: uint32(len(attrDescs)),
		PVertexAttributeDescriptions:    attrDescs,
	}
	inputAssembly := vk.PipelineInputAssemblyStateCreateInfo{
		SType:    vk.StructureTypePipelineInputAssemblyStateCreateInfo,
		Topology: vk.PrimitiveTopologyTriangleList,
	}
	viewport := vk.Viewport{Width: float32(width), Height: float32(height), MaxDepth: 1}
	scissor := vk.Rect2D{Extent: vk.Extent2D{Width: width, Height: height}}
	viewportState := vk.PipelineViewportStateCreateInfo{
		SType:         vk.StructureTypePipelineViewportStateCreateInfo,
		ViewportCount: 1,
		PViewports:    []vk.Viewport{viewport},
		ScissorCount:  1,
		PScissors:     []vk.Rect2D{scissor},
	}
	rasterizer := vk.PipelineRasterizationStateCreateInfo{
		SType:      vk.StructureTypePipelineRasterizationStateCreateInfo,
		PolygonMode: vk.PolygonModeFill,
		CullMode:    vk.CullModeFlags(vk.CullModeNone),
		FrontFace:   vk.FrontFaceCounterClockwise,
		LineWidth:   1.0,
	}
	multisample := vk.PipelineMultisampleStateCreateInfo{
		SType:                vk.StructureTypePipelineMultisampleStateCreateInfo,
		RasterizationSamples: vk.SampleCount1Bit,
		MinSampleShading:     1.0,
	}
	colorBlendAttachment := vk.PipelineColorBlendAttachmentState{
		ColorWriteMask: vk.ColorComponentFlags(vk.ColorComponentRBit | vk.ColorComponentGBit | vk.ColorComponentBBit | vk.ColorComponentABit),
	}
	colorBlend := vk.PipelineColorBlendStateCreateInfo{
		SType:           vk.StructureTypePipelineColorBlendStateCreateInfo,
		AttachmentCount: 1,
		PAttachments:    []vk.PipelineColorBlendAttachmentState{colorBlendAttachment},
	}

	info := vk.GraphicsPipelineCreateInfo{
		SType:               vk.StructureTypeGraphicsPipelineCreateInfo,
		StageCount:          uint32(len(stages)),
		PStages:             stages,
		PVertexInputState:   &vertexInput,
		PInputAssemblyState: &inputAssembly,
		PViewportState:      &viewportState,
		PRasterizationState: &rasterizer,
		PMultisampleState:   &multisample,
		PColorBlendState:    &colorBlend,
		Layout:              layout,
		RenderPass:          rp,
	}
	pipelines := make([]vk.Pipeline, 1)
	if res := vk.CreateGraphicsPipelines(c.backend.Device, vk.PipelineCache(vk.NullHandle), 1, []vk.GraphicsPipelineCreateInfo{info}, nil, pipelines); res != vk.Success {
		return nil, nil, fmt.Errorf("vkCreateGraphicsPipelines failed: %d", res)
	}

	c.mu.Lock()
	if existing, raced := c.GraphicsPipelines[fp]; raced {
		c.mu.Unlock()
		vk.DestroyPipeline(c.backend.Device, pipelines[0], nil)
		return existing, rp, nil
	}
	c.GraphicsPipelines[fp] = pipelines[0]
	c.mu.Unlock()
	return pipelines[0], rp, nil
}

// PrepareDraw resolves everything a draw call needs to record into the
// scheduler's current command buffer: the vs/fs pipeline, a render pass
// compatible with target, and a framebuffer wrapping target's color
// view - the three pieces voodoo_vulkan.go's render loop keeps as
// long-lived fields, built lazily and cached here instead since target
// changes per draw.
func (c *Cache) PrepareDraw(vs, fs *ShaderEntry, target *ImageEntry) (vk.Pipeline, vk.RenderPass, vk.Framebuffer, error) {
	pipeline, rp, err := c.GraphicsPipeline(vs, fs, vk.Format(target.Key.DataFormat), target.Key.Width, target.Key.Height)
	if err != nil {
		return nil, nil, nil, err
	}
	fb, err := c.framebufferFor(target, target.Key.Width, target.Key.Height)
	if err != nil {
		return nil, nil, nil, err
	}
	return pipeline, rp, fb, nil
}

