package gcnconvert

import "testing"

// minimalProgram is S_MOV_B32 s0, 1.0f; S_ENDPGM - the smallest program
// that exercises decode, block splitting and function emission without
// any branching.
var minimalProgram = []uint32{
	0xBE8000FF, 0x3F800000,
	0xBF810000,
}

func TestConvertProducesNonEmptyModule(t *testing.T) {
	shader, deps := Convert(minimalProgram, StageVertex, Environment{}, UserSGPRs{})
	if len(shader.SPIRV) < 5 {
		t.Fatalf("expected at least a 5-word header, got %d words", len(shader.SPIRV))
	}
	if shader.SPIRV[0] != 0x07230203 {
		t.Fatalf("expected SPIR-V magic number, got 0x%08X", shader.SPIRV[0])
	}
	if len(deps.Reads()) != 0 {
		t.Fatalf("expected no dependency reads with an all-zero userdata table, got %d", len(deps.Reads()))
	}
}

// TestConvertIsDeterministic is the boundary property the resource cache
// (C6) relies on for reusing a translated shader across calls with
// identical inputs: translating the same program, stage and userdata
// twice must produce byte-identical SPIR-V and the same resolved bindings.
func TestConvertIsDeterministic(t *testing.T) {
	sgprs := UserSGPRs{0x40000000, 0x40001000, 0x40002000}
	shaderA, _ := Convert(minimalProgram, StageFragment, Environment{}, sgprs)
	shaderB, _ := Convert(minimalProgram, StageFragment, Environment{}, sgprs)

	if len(shaderA.SPIRV) != len(shaderB.SPIRV) {
		t.Fatalf("non-deterministic SPIR-V length: %d vs %d", len(shaderA.SPIRV), len(shaderB.SPIRV))
	}
	for i := range shaderA.SPIRV {
		if shaderA.SPIRV[i] != shaderB.SPIRV[i] {
			t.Fatalf("non-deterministic SPIR-V at word %d: 0x%08X vs 0x%08X", i, shaderA.SPIRV[i], shaderB.SPIRV[i])
		}
	}
	if len(shaderA.Uniforms) != len(shaderB.Uniforms) {
		t.Fatalf("non-deterministic uniform count: %d vs %d", len(shaderA.Uniforms), len(shaderB.Uniforms))
	}
}

func TestResolveUniformsAssignsDistinctBindings(t *testing.T) {
	sgprs := UserSGPRs{0x1000, 0x2000, 0x3000, 0x4000}
	deps := &DependencyRecorder{}
	uniforms := resolveUniforms(StageCompute, sgprs, deps)

	if len(uniforms) != 4 {
		t.Fatalf("expected 4 resolved uniforms, got %d", len(uniforms))
	}
	seen := make(map[int]bool)
	for _, u := range uniforms {
		if seen[u.Binding] {
			t.Fatalf("duplicate binding %d assigned to two uniforms", u.Binding)
		}
		seen[u.Binding] = true
	}
	if len(deps.Reads()) != 4 {
		t.Fatalf("expected 4 recorded dependency reads, got %d", len(deps.Reads()))
	}
}

func TestConvertHandlesBranchingProgram(t *testing.T) {
	// S_MOV_B32 s0, 0; S_CBRANCH_SCC0 +2 (skip the next mov); S_MOV_B32 s1, 1; S_ENDPGM
	program := []uint32{
		0xBE8000FF, 0x00000000,
		0xBF840002,
		0xBE8100FF, 0x00000001,
		0xBF810000,
	}
	shader, _ := Convert(program, StageCompute, Environment{}, UserSGPRs{})
	if len(shader.SPIRV) < 5 {
		t.Fatalf("expected a non-trivial module for a branching program, got %d words", len(shader.SPIRV))
	}
}
