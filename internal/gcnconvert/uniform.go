// Package gcnconvert lowers decoded GCN instructions (internal/gcndecode)
// plus a semantic module into SPIR-V shaders, collecting resource
// bindings along the way (SPEC_FULL §4.3, C3).
package gcnconvert

import "github.com/rpcsx-go/gcnproc/internal/spirvir"

// UniformKind names what a resolved descriptor binds to.
type UniformKind int

const (
	UniformBuffer UniformKind = iota
	UniformSampler
	UniformStorageImage
	UniformImage
)

// AccessOp is a bitmask of how a shader touches a bound resource.
type AccessOp uint8

const (
	AccessLoad  AccessOp = 1 << 0
	AccessStore AccessOp = 1 << 1
)

// UniformInfo is one resolved resource descriptor, as produced by walking
// the V#/T#/S# descriptor chain reachable from the initial user SGPRs.
type UniformInfo struct {
	Binding int
	Raw     [8]uint32
	Kind    UniformKind
	Access  AccessOp
}

// Shader is C3's output: the translated SPIR-V module plus every resource
// binding the shader's descriptor-chain walk resolved.
type Shader struct {
	Uniforms []UniformInfo
	SPIRV    []uint32
}

// Stage names a shader pipeline stage, ordered per SPEC_FULL §6.2.
type Stage int

const (
	StageCompute Stage = iota
	StageVertex
	StageGeometry
	StageFragment
	StageTessControl
	StageTessEvaluation
	numStages
)

// bindings lays out the fixed per-stage descriptor slots named in
// SPEC_FULL §6.2 and grounded on
// original_source/hw/amdgpu/shader/include/amdgpu/shader/UniformBindings.hpp:
// per stage, storage buffers then samplers then sampled images (by
// dimension) then storage images, with the memory-table buffer always at
// binding 0 of the fixed "layout-0" descriptor set.
const (
	bufferSlotsPerStage  = 16
	samplerSlotsPerStage = 16
	imageSlotsPerStage   = 16
	stageSlotWidth       = bufferSlotsPerStage + samplerSlotsPerStage + imageSlotsPerStage
	memoryTableBinding   = 0
)

func stageOffset(stage Stage) int {
	return memoryTableBinding + 1 + int(stage)*stageSlotWidth
}

func bufferBinding(stage Stage, index int) int {
	return stageOffset(stage) + index
}

func samplerBinding(stage Stage, index int) int {
	return stageOffset(stage) + bufferSlotsPerStage + index
}

func imageBinding(stage Stage, index int) int {
	return stageOffset(stage) + bufferSlotsPerStage + samplerSlotsPerStage + index
}

// structTypeKey identifies a resolved struct-pointer type by the caller's
// own key, not by (broken) self-comparison: see the
// ConverterContext::getStructPointerType note in SPEC_FULL §4.3 and §9.
type structTypeKey string

// structPointerCache resolves (or creates) a struct pointer type, matching
// lookups against the caller-supplied key.
type structPointerCache struct {
	builder *spirvir.Builder
	entries map[structTypeKey]spirvir.ID
}

func newStructPointerCache(b *spirvir.Builder) *structPointerCache {
	return &structPointerCache{builder: b, entries: make(map[structTypeKey]spirvir.ID)}
}

// getStructPointerType returns the pointer type for key's struct in the
// given storage class, building it once and caching the result - the
// fixed, non-tautological form of the original's buggy lookup.
func (c *structPointerCache) getStructPointerType(class spirvir.StorageClass, key structTypeKey, members []spirvir.ID) spirvir.ID {
	structType := c.builder.TypeStruct(string(key), members)
	cacheKey := structTypeKey(string(key) + ":" + classSuffix(class))
	if id, ok := c.entries[cacheKey]; ok {
		return id
	}
	ptr := c.builder.TypePointer(class, structType)
	c.entries[cacheKey] = ptr
	return ptr
}

func classSuffix(class spirvir.StorageClass) string {
	switch class {
	case spirvir.StorageClassStorageBuffer:
		return "ssbo"
	case spirvir.StorageClassUniform:
		return "ubo"
	case spirvir.StorageClassUniformConstant:
		return "uc"
	default:
		return "other"
	}
}
