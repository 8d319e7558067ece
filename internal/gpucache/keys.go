// Package gpucache maps guest-memory fingerprints to host Vulkan
// resources: buffers, images, samplers, and translated shaders, with a
// tag-scoped acquisition protocol and a page-level flush/invalidate
// mechanism that serializes CPU<->GPU coherence (spec.md §4.6, C6).
package gpucache

import (
	"fmt"

	"github.com/rpcsx-go/gcnproc/internal/gcnconvert"
)

// Interval is a half-open [Begin, End) guest-address range, used as the
// key for every interval-addressed map this package owns.
type Interval struct {
	Begin, End uint64
}

// Overlaps reports whether i and o share any address.
func (i Interval) Overlaps(o Interval) bool {
	return i.Begin < o.End && o.Begin < i.End
}

// Access names whether a cache acquisition intends to read, write, or
// both.
type Access uint8

const (
	AccessRead Access = 1 << iota
	AccessWrite
)

// ShaderKey identifies a translated shader by its guest entry address,
// pipeline stage, and the environment bag that affects translation -
// spec.md §3's ShaderKey verbatim.
type ShaderKey struct {
	Address     uint64
	Stage       gcnconvert.Stage
	Environment gcnconvert.Environment
	// DependentKey lets a fragment shader's key include its paired vertex
	// shader's output-interface fingerprint, per spec.md §4.6's note that
	// key equality must include the dependent key.
	DependentKey string
}

// Fingerprint renders a ShaderKey to a comparable string, since
// Environment holds slices that aren't comparable via ==. Exported so
// a caller outside this package can derive one shader's DependentKey
// from another's key, the way a fragment shader's key folds in its
// paired vertex shader's fingerprint.
func (k ShaderKey) Fingerprint() string {
	return fmt.Sprintf("%d:%d:%+v:%s", k.Address, k.Stage, k.Environment, k.DependentKey)
}

// ImageKind distinguishes the aspect an image's views expose.
type ImageKind int

const (
	ImageKindColor ImageKind = iota
	ImageKindDepth
	ImageKindStencil
)

// ImageDimension names an image's base view type.
type ImageDimension int

const (
	ImageDimension1D ImageDimension = iota
	ImageDimension2D
	ImageDimension3D
	ImageDimensionCube
	ImageDimensionArray
)

// ImageKey identifies a cached image by every property that affects how
// it's created and viewed - spec.md §3's ImageKey verbatim.
type ImageKey struct {
	Dimension     ImageDimension
	DataFormat    uint32
	NumericFormat uint32
	TileMode      int
	Width, Height, Depth uint32
	Pitch         uint32
	MipLevels     uint32
	ArrayLayers   uint32
	Kind          ImageKind
}

// SamplerKey is exactly the Vulkan sampler parameters derived from a GCN
// SSampler wire descriptor - spec.md §3's SamplerKey verbatim.
type SamplerKey struct {
	MagFilter, MinFilter   int
	MipmapMode             int
	AddressModeU           int
	AddressModeV           int
	AddressModeW           int
	MaxAnisotropy          float32
	CompareEnable          bool
	CompareOp              int
	MinLod, MaxLod         float32
	BorderColor            int
}
