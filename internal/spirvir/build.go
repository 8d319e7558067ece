package spirvir

import "fmt"

// Builder wraps a Context with one method per SPIR-V instruction family
// used by the converter, each taking a Location plus typed operands -
// the shape spec.md §4.1 calls for. Type and constant builders dedupe by
// structural equality via the Context's key maps, mirroring
// gogpu/naga's spirv.Writer.typeIDs/constantIDs.
type Builder struct {
	ctx *Context
	loc Location
}

// NewBuilder returns a Builder over ctx at the given source location.
func NewBuilder(ctx *Context, loc Location) *Builder {
	return &Builder{ctx: ctx, loc: loc}
}

// At returns a copy of b positioned at a new Location, used when lowering
// moves to a different GCN instruction.
func (b *Builder) At(loc Location) *Builder {
	return &Builder{ctx: b.ctx, loc: loc}
}

func (b *Builder) emit(section Section, instr Instr) ID {
	b.ctx.Append(section, instr)
	return instr.Result
}

// ---- types (deduplicated) ----

func (b *Builder) dedupeType(key string, build func() Instr) ID {
	if id, ok := b.ctx.typeKeys[key]; ok {
		return id
	}
	id := b.ctx.AllocID()
	instr := build()
	instr.Result = id
	b.ctx.Append(SectionTypesAndConstants, instr)
	b.ctx.typeKeys[key] = id
	return id
}

func (b *Builder) TypeVoid() ID {
	return b.dedupeType("void", func() Instr { return Instr{Op: OpTypeVoid} })
}

func (b *Builder) TypeBool() ID {
	return b.dedupeType("bool", func() Instr { return Instr{Op: OpTypeBool} })
}

func (b *Builder) TypeInt(width uint32, signed bool) ID {
	key := fmt.Sprintf("int:%d:%v", width, signed)
	sig := uint32(0)
	if signed {
		sig = 1
	}
	return b.dedupeType(key, func() Instr {
		return Instr{Op: OpTypeInt, Operands: []uint32{width, sig}}
	})
}

func (b *Builder) TypeFloat(width uint32) ID {
	key := fmt.Sprintf("float:%d", width)
	return b.dedupeType(key, func() Instr {
		return Instr{Op: OpTypeFloat, Operands: []uint32{width}}
	})
}

func (b *Builder) TypeVector(component ID, count uint32) ID {
	key := fmt.Sprintf("vec:%d:%d", component, count)
	return b.dedupeType(key, func() Instr {
		return Instr{Op: OpTypeVector, Operands: []uint32{uint32(component), count}}
	})
}

func (b *Builder) TypePointer(class StorageClass, pointee ID) ID {
	key := fmt.Sprintf("ptr:%d:%d", class, pointee)
	return b.dedupeType(key, func() Instr {
		return Instr{Op: OpTypePointer, Operands: []uint32{uint32(class), uint32(pointee)}}
	})
}

// TypeStruct returns (or reuses) a struct type built from the given member
// type ids. The caller's key (typically the GCN-side struct layout tag)
// disambiguates structurally-identical-but-semantically-distinct structs,
// resolving the ConverterContext::getStructPointerType caller-key bug
// noted in SPEC_FULL §4.3: lookups are by key, never by a tautological
// self-comparison.
func (b *Builder) TypeStruct(key string, members []ID) ID {
	k := "struct:" + key
	return b.dedupeType(k, func() Instr {
		ops := make([]uint32, len(members))
		for i, m := range members {
			ops[i] = uint32(m)
		}
		return Instr{Op: OpTypeStruct, Operands: ops}
	})
}

func (b *Builder) TypeFunction(ret ID, params []ID) ID {
	key := fmt.Sprintf("fn:%d", ret)
	ops := []uint32{uint32(ret)}
	for _, p := range params {
		key += fmt.Sprintf(":%d", p)
		ops = append(ops, uint32(p))
	}
	return b.dedupeType(key, func() Instr { return Instr{Op: OpTypeFunction, Operands: ops} })
}

// ---- constants (deduplicated) ----

func (b *Builder) dedupeConstant(key string, build func() Instr) ID {
	if id, ok := b.ctx.constantKeys[key]; ok {
		return id
	}
	id := b.ctx.AllocID()
	instr := build()
	instr.Result = id
	b.ctx.Append(SectionTypesAndConstants, instr)
	b.ctx.constantKeys[key] = id
	return id
}

func (b *Builder) ConstantUint32(typ ID, v uint32) ID {
	key := fmt.Sprintf("u32:%d:%d", typ, v)
	return b.dedupeConstant(key, func() Instr {
		return Instr{Op: OpConstant, ResultType: typ, Operands: []uint32{v}}
	})
}

func (b *Builder) ConstantFloat32(typ ID, bits uint32) ID {
	key := fmt.Sprintf("f32:%d:%d", typ, bits)
	return b.dedupeConstant(key, func() Instr {
		return Instr{Op: OpConstant, ResultType: typ, Operands: []uint32{bits}}
	})
}

func (b *Builder) ConstantBool(typ ID, value bool) ID {
	key := fmt.Sprintf("bool:%d:%v", typ, value)
	return b.dedupeConstant(key, func() Instr {
		if value {
			return Instr{Op: OpConstantTrue, ResultType: typ}
		}
		return Instr{Op: OpConstantFalse, ResultType: typ}
	})
}

// ---- function-body instructions (not deduplicated: each call site needs
// its own result id / program point) ----

func (b *Builder) Label() ID {
	id := b.ctx.AllocID()
	b.emit(SectionFunctions, Instr{Op: OpLabel, Result: id})
	return id
}

// ReserveID allocates an id without emitting any instruction, for forward
// references (a branch to a block label that hasn't been visited yet)
// that must later be bound to a real OpLabel via EmitLabel.
func (b *Builder) ReserveID() ID {
	return b.ctx.AllocID()
}

// EmitLabel appends an OpLabel for a previously-reserved id, starting a
// new basic block at the current position in the function's instruction
// stream.
func (b *Builder) EmitLabel(id ID) {
	b.emit(SectionFunctions, Instr{Op: OpLabel, Result: id})
}

func (b *Builder) Branch(target ID) {
	b.emit(SectionFunctions, Instr{Op: OpBranch, Operands: []uint32{uint32(target)}})
}

func (b *Builder) BranchConditional(cond, trueLabel, falseLabel ID) {
	b.emit(SectionFunctions, Instr{
		Op:       OpBranchConditional,
		Operands: []uint32{uint32(cond), uint32(trueLabel), uint32(falseLabel)},
	})
}

func (b *Builder) SelectionMerge(mergeBlock ID) {
	b.emit(SectionFunctions, Instr{Op: OpSelectionMerge, Operands: []uint32{uint32(mergeBlock), 0}})
}

func (b *Builder) LoopMerge(mergeBlock, continueTarget ID) {
	b.emit(SectionFunctions, Instr{
		Op:       OpLoopMerge,
		Operands: []uint32{uint32(mergeBlock), uint32(continueTarget), 0},
	})
}

func (b *Builder) Variable(ptrType ID, class StorageClass) ID {
	id := b.ctx.AllocID()
	section := SectionFunctions
	if class != StorageClassFunction {
		section = SectionGlobals
	}
	b.ctx.Append(section, Instr{
		Op: OpVariable, ResultType: ptrType, Result: id,
		Operands: []uint32{uint32(class)},
	})
	return id
}

func (b *Builder) Load(typ, pointer ID) ID {
	id := b.ctx.AllocID()
	b.emit(SectionFunctions, Instr{Op: OpLoad, ResultType: typ, Result: id, Operands: []uint32{uint32(pointer)}})
	return id
}

func (b *Builder) Store(pointer, object ID) {
	b.emit(SectionFunctions, Instr{Op: OpStore, Operands: []uint32{uint32(pointer), uint32(object)}})
}

func (b *Builder) AccessChain(resultType, base ID, indexes []ID) ID {
	id := b.ctx.AllocID()
	ops := []uint32{uint32(base)}
	for _, idx := range indexes {
		ops = append(ops, uint32(idx))
	}
	b.emit(SectionFunctions, Instr{Op: OpAccessChain, ResultType: resultType, Result: id, Operands: ops})
	return id
}

func (b *Builder) FunctionCall(resultType, fn ID, args []ID) ID {
	id := b.ctx.AllocID()
	ops := []uint32{uint32(fn)}
	for _, a := range args {
		ops = append(ops, uint32(a))
	}
	b.emit(SectionFunctions, Instr{Op: OpFunctionCall, ResultType: resultType, Result: id, Operands: ops})
	return id
}

// Binary emits a two-operand arithmetic/logical/comparison instruction and
// returns its result id - used by the converter for the large family of
// GCN ALU opcodes that map 1:1 onto a SPIR-V binary op.
func (b *Builder) Binary(op Op, resultType, lhs, rhs ID) ID {
	id := b.ctx.AllocID()
	b.emit(SectionFunctions, Instr{Op: op, ResultType: resultType, Result: id, Operands: []uint32{uint32(lhs), uint32(rhs)}})
	return id
}

// Unary emits a single-operand instruction (bitcasts, conversions, not).
func (b *Builder) Unary(op Op, resultType, operand ID) ID {
	id := b.ctx.AllocID()
	b.emit(SectionFunctions, Instr{Op: op, ResultType: resultType, Result: id, Operands: []uint32{uint32(operand)}})
	return id
}

func (b *Builder) Decorate(target ID, decoration uint32, extra ...uint32) {
	ops := append([]uint32{uint32(target), decoration}, extra...)
	b.emit(SectionAnnotation, Instr{Op: OpDecorate, Operands: ops})
}

func (b *Builder) MemberDecorate(structType ID, member uint32, decoration uint32, extra ...uint32) {
	ops := append([]uint32{uint32(structType), member, decoration}, extra...)
	b.emit(SectionAnnotation, Instr{Op: OpMemberDecorate, Operands: ops})
}

// Function opens a function definition, returning its result id.
// functionControl is SPIR-V's FunctionControlMask (0 for "none").
func (b *Builder) Function(resultType ID, functionControl uint32, fnType ID) ID {
	id := b.ctx.AllocID()
	b.emit(SectionFunctions, Instr{
		Op: OpFunction, ResultType: resultType, Result: id,
		Operands: []uint32{functionControl, uint32(fnType)},
	})
	return id
}

func (b *Builder) FunctionEnd() {
	b.emit(SectionFunctions, Instr{Op: OpFunctionEnd})
}

func (b *Builder) Return() {
	b.emit(SectionFunctions, Instr{Op: OpReturn})
}

func (b *Builder) EntryPoint(executionModel uint32, entry ID, name string, interfaceIDs []ID) {
	ops := []uint32{executionModel, uint32(entry)}
	ops = append(ops, encodeString(name)...)
	for _, id := range interfaceIDs {
		ops = append(ops, uint32(id))
	}
	b.emit(SectionEntryPoint, Instr{Op: OpEntryPoint, Operands: ops})
}

func (b *Builder) Capability(capability uint32) {
	b.emit(SectionCapability, Instr{Op: OpCapability, Operands: []uint32{capability}})
}

func (b *Builder) MemoryModel(addressing, memory uint32) {
	b.emit(SectionMemoryModel, Instr{Op: OpMemoryModel, Operands: []uint32{addressing, memory}})
}

// encodeString packs a name into SPIR-V's nul-terminated, word-padded
// literal-string operand encoding.
func encodeString(s string) []uint32 {
	bytes := append([]byte(s), 0)
	for len(bytes)%4 != 0 {
		bytes = append(bytes, 0)
	}
	words := make([]uint32, len(bytes)/4)
	for i := range words {
		words[i] = uint32(bytes[i*4]) | uint32(bytes[i*4+1])<<8 | uint32(bytes[i*4+2])<<16 | uint32(bytes[i*4+3])<<24
	}
	return words
}
