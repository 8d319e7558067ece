// Package spirvir is the in-memory IR that mirrors SPIR-V's own module
// layout: capabilities, extensions, ext-inst imports, memory model, entry
// points, execution modes, debug info, annotations, globals and functions.
// A Context owns all storage; every IR object is referenced by a small
// integer handle into the context, following the handle-indexed-slice shape
// of gogpu/naga's ir.Module (see DESIGN.md).
package spirvir

// ID is a SPIR-V result id.
type ID uint32

// Op is a SPIR-V opcode.
type Op uint16

// Instr is one SPIR-V instruction: an opcode plus its operand words, with
// the result id (if any) and result type id (if any) broken out for quick
// access during building and optimization.
type Instr struct {
	Op         Op
	ResultType ID // 0 if the opcode produces no typed result
	Result     ID // 0 if the opcode produces no result id
	Operands   []uint32
}

// Section names the unordered top-level SPIR-V sections a Region tracks
// separately, matching the logical-header grouping in the SPIR-V spec.
type Section int

const (
	SectionCapability Section = iota
	SectionExtension
	SectionExtInstImport
	SectionMemoryModel
	SectionEntryPoint
	SectionExecutionMode
	SectionDebug
	SectionAnnotation
	SectionTypesAndConstants
	SectionGlobals
	SectionFunctions
	numSections
)

// Region is a self-contained slice of a Context's instruction stream,
// grouped by section. Deserialize produces one Region per module;
// function bodies are not split into separate Regions: every function's
// instructions share the one SectionFunctions list.
type Region struct {
	Bound    ID // one past the highest id used
	Sections [numSections][]Instr
}

// NewRegion returns an empty region.
func NewRegion() *Region {
	return &Region{Bound: 1}
}

// Context owns all IR storage for one or more regions being built or
// merged together. Builders (build.go) allocate ids and append
// instructions to a Context-owned Region.
type Context struct {
	region *Region

	// dedup maps let type/constant builders collapse structurally equal
	// instructions onto a single id, mirroring spirv.Writer's
	// typeIDs/constantIDs maps in gogpu/naga.
	typeKeys     map[string]ID
	constantKeys map[string]ID
}

// NewContext creates a Context that builds into a fresh Region.
func NewContext() *Context {
	return &Context{
		region:       NewRegion(),
		typeKeys:     make(map[string]ID),
		constantKeys: make(map[string]ID),
	}
}

// Region returns the context's backing region.
func (c *Context) Region() *Region { return c.region }

// AllocID returns a fresh, never-before-used id and advances the bound.
func (c *Context) AllocID() ID {
	id := c.region.Bound
	c.region.Bound++
	return id
}

// Append adds instr to the named section of the context's region.
func (c *Context) Append(section Section, instr Instr) {
	c.region.Sections[section] = append(c.region.Sections[section], instr)
}

// TypeKeysForMerge exposes the type-dedup table to spirvcodec.Merge, which
// needs to rebind a foreign region's type instructions against this
// context's existing table rather than blindly appending duplicates.
func (c *Context) TypeKeysForMerge() map[string]ID { return c.typeKeys }

// ConstantKeysForMerge is the constant-table analogue of TypeKeysForMerge.
func (c *Context) ConstantKeysForMerge() map[string]ID { return c.constantKeys }

// Location identifies the source position (debug-line association, not a
// SPIR-V concept itself) that a builder call originated from, so
// diagnostics and OpLine emission can point back at GCN source.
type Location struct {
	File   string
	Line   uint32
	Column uint32
}
