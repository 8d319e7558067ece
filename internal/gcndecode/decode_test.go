package gcndecode

import "testing"

// TestFixOpcodeIsIdempotent is property P2: fixing the opcode of a decoded
// instruction against the same raw word twice must agree both times.
func TestFixOpcodeIsIdempotent(t *testing.T) {
	words := []uint32{
		0xBE8000FF, 0x3F800000,
		0xBE8100FF, 0x00000000,
		0xBF810000,
		0x00000000,
		0xFFFFFFFF,
		0x80000000,
	}
	for _, w := range words {
		instr := Decode(WordSlice{w}, 0)
		first := FixOpcode(instr, w)
		second := FixOpcode(first, w)
		if first.Opcode != second.Opcode || first.Class != second.Class {
			t.Fatalf("word 0x%08X: FixOpcode not idempotent: %+v vs %+v", w, first, second)
		}
	}
}

// TestDecodeMovProgram is S2: a three-instruction GCN program
// (S_MOV_B32 s0, 1.0f; S_MOV_B32 s1, 0; S_ENDPGM) decodes to SOP1, SOP1,
// SOPP with the inline literal constants picked up correctly and the
// program terminating after exactly three instructions.
func TestDecodeMovProgram(t *testing.T) {
	program := WordSlice{
		0xBE8000FF, 0x3F800000, // S_MOV_B32 s0, 0x3F800000
		0xBE8100FF, 0x00000000, // S_MOV_B32 s1, 0
		0xBF810000, // S_ENDPGM
	}

	pc := uint32(0)

	mov0 := Decode(program, pc)
	if mov0.Class != ClassSOP1 {
		t.Fatalf("expected first instruction to decode as SOP1, got %s", mov0.Class)
	}
	if !mov0.HasLiteral || mov0.LiteralConstant != 0x3F800000 {
		t.Fatalf("expected inline literal 0x3F800000, got has=%v lit=0x%08X", mov0.HasLiteral, mov0.LiteralConstant)
	}
	if mov0.SDst != 0 {
		t.Fatalf("expected destination s0, got s%d", mov0.SDst)
	}
	pc += uint32(mov0.Words)

	mov1 := Decode(program, pc)
	if mov1.Class != ClassSOP1 || mov1.SDst != 1 {
		t.Fatalf("expected second instruction to write s1, got class=%s dst=s%d", mov1.Class, mov1.SDst)
	}
	if !mov1.HasLiteral || mov1.LiteralConstant != 0 {
		t.Fatalf("expected inline literal 0, got has=%v lit=%d", mov1.HasLiteral, mov1.LiteralConstant)
	}
	pc += uint32(mov1.Words)

	endpgm := Decode(program, pc)
	if endpgm.Class != ClassSOPP || endpgm.Opcode != SOPPEndpgm {
		t.Fatalf("expected S_ENDPGM, got class=%s opcode=%d", endpgm.Class, endpgm.Opcode)
	}
	if !endpgm.IsTerminator() {
		t.Fatalf("S_ENDPGM must report as a basic-block terminator")
	}
	pc += uint32(endpgm.Words)

	if int(pc) != len(program) {
		t.Fatalf("expected decoding to consume the whole program, consumed %d of %d words", pc, len(program))
	}
}

func TestClassifyDoesNotOverlap(t *testing.T) {
	// Every class-defining prefix must classify to exactly that class -
	// a regression here would mean two instruction families silently
	// alias onto the same encoding.
	cases := map[uint32]InstructionClass{
		0xBF810000: ClassSOPP,
		0xBE8000FF: ClassSOP1,
		0xFC000000: ClassVOPC,
		0xFE000000: ClassVOP3,
		0xFA000000: ClassVOP1,
		0xC8000000: ClassVINTRP,
		0xC4000000: ClassEXP,
		0xC0000000: ClassMTBUF,
	}
	for word, want := range cases {
		if got := classify(word); got != want {
			t.Fatalf("classify(0x%08X) = %s, want %s", word, got, want)
		}
	}
}
