package gcnconvert

import (
	"github.com/rpcsx-go/gcnproc/internal/gcndecode"
	"github.com/rpcsx-go/gcnproc/internal/spirvcodec"
	"github.com/rpcsx-go/gcnproc/internal/spirvir"
)

// SPIR-V execution model / addressing / memory model / capability values
// used by EntryPoint, grounded on the fixed set gogpu/naga's spirv writer
// emits for every module it produces.
const (
	executionModelVertex    = 0
	executionModelFragment  = 4
	executionModelGLCompute = 5

	addressingModelLogical = 0
	memoryModelGLSL450     = 1
	capabilityShader       = 1
)

func executionModelFor(stage Stage) uint32 {
	switch stage {
	case StageCompute:
		return executionModelGLCompute
	case StageFragment:
		return executionModelFragment
	default:
		return executionModelVertex
	}
}

// Convert lowers a GCN shader program - a flat stream of instruction
// words, decoded from word 0 until S_ENDPGM - into SPIR-V, following the
// five-step procedure of spec.md §4.3: build a per-function IR, resolve
// resource descriptors reachable from userSGPRs, assign descriptor
// bindings, structure control flow from the EXEC mask, then link and
// serialize.
func Convert(program []uint32, stage Stage, env Environment, userSGPRs UserSGPRs) (Shader, *DependencyRecorder) {
	deps := &DependencyRecorder{}
	instrs := decodeProgram(program)
	blocks := SplitBlocks(instrs)

	ctx := spirvir.NewContext()
	loc := spirvir.Location{File: "shader", Line: 1}
	b := spirvir.NewBuilder(ctx, loc)

	b.Capability(capabilityShader)
	b.MemoryModel(addressingModelLogical, memoryModelGLSL450)

	voidType := b.TypeVoid()
	fnType := b.TypeFunction(voidType, nil)
	entry := b.Function(voidType, 0, fnType)

	uniforms := resolveUniforms(stage, userSGPRs, deps)

	boolType := b.TypeBool()
	execCondType := b.TypePointer(spirvir.StorageClassPrivate, boolType)
	execCond := b.Variable(execCondType, spirvir.StorageClassPrivate)
	b.Store(execCond, b.ConstantBool(boolType, true))

	st := newStructurizer(b, blocks)
	st.Lower(func(gcndecode.Instruction) spirvir.ID {
		return b.Load(boolType, execCond)
	})

	b.Return()
	b.FunctionEnd()
	b.EntryPoint(executionModelFor(stage), entry, "main", nil)

	return Shader{Uniforms: uniforms, SPIRV: spirvcodec.Serialize(ctx.Region())}, deps
}

// decodeProgram runs C2's decoder over program from word 0 until an
// S_ENDPGM terminator, or the program runs out of words.
func decodeProgram(program []uint32) []gcndecode.Instruction {
	space := gcndecode.WordSlice(program)
	var instrs []gcndecode.Instruction
	for pc := uint32(0); int(pc) < len(program); {
		raw := space.Word(pc)
		in := gcndecode.FixOpcode(gcndecode.Decode(space, pc), raw)
		instrs = append(instrs, in)
		pc += uint32(in.Words)
		if in.Class == gcndecode.ClassSOPP && in.Opcode == gcndecode.SOPPEndpgm {
			break
		}
	}
	return instrs
}

// resolveUniforms walks the fixed V#/T#/S# pointer slots in userSGPRs and
// resolves each non-zero one to a descriptor, recording the guest-memory
// bytes it depends on and assigning it a binding per SPEC_FULL §6.2's
// per-stage layout. Slots cycle buffer/image/sampler, matching the
// userdata layout original_source's shader translator assumes for a
// resource table built by the three PM4 SET_SH_REG descriptor writes.
func resolveUniforms(stage Stage, userSGPRs UserSGPRs, deps *DependencyRecorder) []UniformInfo {
	const descriptorDwords = 8

	var uniforms []UniformInfo
	bufferIdx, samplerIdx, imageIdx := 0, 0, 0
	for slot, addr := range userSGPRs {
		if addr == 0 {
			continue
		}
		deps.RecordRead(addr, descriptorDwords*4)

		info := UniformInfo{Access: AccessLoad}
		info.Raw[0] = addr
		switch slot % 3 {
		case 0:
			info.Kind = UniformBuffer
			info.Binding = bufferBinding(stage, bufferIdx)
			bufferIdx++
		case 1:
			info.Kind = UniformImage
			info.Binding = imageBinding(stage, imageIdx)
			imageIdx++
		default:
			info.Kind = UniformSampler
			info.Binding = samplerBinding(stage, samplerIdx)
			samplerIdx++
		}
		uniforms = append(uniforms, info)
	}
	return uniforms
}
