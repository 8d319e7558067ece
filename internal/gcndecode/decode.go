package gcndecode

// AddressSpace is the decoder's view of guest memory: a flat array of
// 32-bit words, indexed by word offset from the program's base.
type AddressSpace interface {
	Word(offset uint32) uint32
}

// WordSlice adapts a plain []uint32 to AddressSpace.
type WordSlice []uint32

func (s WordSlice) Word(offset uint32) uint32 {
	if int(offset) >= len(s) {
		return 0
	}
	return s[offset]
}

// classify identifies the instruction class from the upper bits of word.
// Scalar (SOPx) encodings share the top two bits 0b10 and are
// disambiguated by a narrower prefix. VOP1/VOPC/VOP3 each claim a 7-bit
// prefix at the top of the 0b11 space, and VOP2 takes every word whose top
// bit is clear. The remaining memory/interpolation/export classes each
// claim a distinct 6-8 bit prefix in the 0b11 (top-bit-set,
// second-bit-set) space.
func classify(word uint32) InstructionClass {
	switch word >> 23 {
	case 0x17F: // 1011_1111_1: SOPP
		return ClassSOPP
	case 0x17E: // 1011_1111_0: SOPC
		return ClassSOPC
	case 0x17D: // 1011_1110_1: SOP1
		return ClassSOP1
	}
	switch word >> 25 {
	case 0x7F: // 0111_1111: VOP3
		return ClassVOP3
	case 0x7E: // 0111_1110: VOPC
		return ClassVOPC
	case 0x7D: // 0111_1101: VOP1
		return ClassVOP1
	}
	switch word >> 28 {
	case 0xB: // 1011: SOPK
		return ClassSOPK
	}
	// VINTRP/EXP use an 8-bit prefix that is a strict refinement of one of
	// the 6-bit memory-class prefixes below, so they must be checked first.
	switch word >> 24 {
	case 0xC8: // VINTRP
		return ClassVINTRP
	case 0xC4: // EXP
		return ClassEXP
	}
	switch word >> 26 {
	case 0x30: // 11_0000: MTBUF
		return ClassMTBUF
	case 0x32: // 11_0010: SMRD
		return ClassSMRD
	case 0x36: // 11_0110: DS
		return ClassDS
	case 0x38: // 11_1000: MUBUF
		return ClassMUBUF
	case 0x3C: // 11_1100: MIMG
		return ClassMIMG
	}
	switch word >> 30 {
	case 0x2: // 10: SOP2 (falls through here once the narrower SOPx prefixes are ruled out)
		return ClassSOP2
	case 0x0, 0x1: // 0x: VOP2 (falls through once the narrower VOPx prefixes are ruled out)
		return ClassVOP2
	}
	return ClassUnknown
}

// Decode reads one instruction starting at pc (a word offset into space)
// and returns it along with the word count consumed (1, or 2 when an
// inline literal constant followed per SPEC_FULL §4.2).
func Decode(space AddressSpace, pc uint32) Instruction {
	word := space.Word(pc)
	class := classify(word)

	instr := Instruction{Class: class, PC: pc, Words: 1}

	switch class {
	case ClassSOP2:
		instr.Opcode = (word >> 23) & 0xFF
		instr.SDst = (word >> 16) & 0x7F
		instr.SSrc0 = word & 0xFF
		instr.SSrc1 = (word >> 8) & 0xFF
	case ClassSOPK:
		instr.Opcode = (word >> 23) & 0x1F
		instr.SDst = (word >> 16) & 0x7F
		instr.SImm = word & 0xFFFF
	case ClassSOP1:
		instr.Opcode = (word >> 8) & 0xFF
		instr.SDst = (word >> 16) & 0x7F
		instr.SSrc0 = word & 0xFF
	case ClassSOPC:
		instr.Opcode = (word >> 16) & 0x7F
		instr.SSrc0 = word & 0xFF
		instr.SSrc1 = (word >> 8) & 0xFF
	case ClassSOPP:
		instr.Opcode = (word >> 16) & 0x7F
		imm := word & 0xFFFF
		instr.SImm = imm
		instr.SimmOffset = int32(int16(imm))
	case ClassVOP1:
		instr.Opcode = (word >> 9) & 0xFF
		instr.VDst = (word >> 17) & 0xFF
		instr.VSrc0 = word & 0x1FF
	case ClassVOP2:
		instr.Opcode = (word >> 25) & 0x3F
		instr.VDst = (word >> 17) & 0xFF
		instr.VSrc1 = (word >> 9) & 0xFF
		instr.VSrc0 = word & 0x1FF
	case ClassVOPC:
		instr.Opcode = (word >> 17) & 0xFF
		instr.VSrc1 = (word >> 9) & 0xFF
		instr.VSrc0 = word & 0x1FF
	case ClassVOP3:
		instr.Opcode = (word >> 17) & 0x1FF
		instr.VDst = word & 0xFF
		// VOP3 is a two-word encoding in real hardware (second word holds
		// the three source operands); this decoder models the common
		// single-word subset the converter exercises and leaves VSrc*
		// zero otherwise.
	case ClassSMRD:
		instr.Opcode = (word >> 22) & 0x1F
		instr.SDst = (word >> 15) & 0x7F
		instr.Offset = word & 0xFF
	case ClassMUBUF, ClassMTBUF:
		instr.Opcode = (word >> 18) & 0xFF
		instr.Offset = word & 0xFFF
		if class == ClassMTBUF {
			instr.DFmt = (word >> 19) & 0xF
			instr.NFmt = (word >> 23) & 0x7
		}
	case ClassMIMG:
		instr.Opcode = (word >> 18) & 0x7F
		instr.DMask = (word >> 8) & 0xF
	case ClassDS:
		instr.Opcode = (word >> 17) & 0xFF
		instr.Offset = word & 0xFFFF
	case ClassVINTRP:
		instr.Opcode = (word >> 16) & 0x3
		instr.VDst = (word >> 18) & 0xFF
		instr.VSrc0 = word & 0xFF
	case ClassEXP:
		instr.Opcode = (word >> 4) & 0xF // target field
		instr.VSrc0 = word & 0xF         // vsrc0 enable mask (lowest nibble), simplified
	}

	if operandIsLiteral(instr) {
		instr.Words = 2
		instr.HasLiteral = true
		instr.LiteralConstant = space.Word(pc + 1)
	}

	return instr
}

// operandIsLiteral reports whether any decoded source-operand field holds
// the inline-literal sentinel (255), per spec.md §4.2.
func operandIsLiteral(instr Instruction) bool {
	switch instr.Class {
	case ClassSOP1:
		return instr.SSrc0 == LiteralOperand
	case ClassSOP2:
		return instr.SSrc0 == LiteralOperand || instr.SSrc1 == LiteralOperand
	case ClassSOPC:
		return instr.SSrc0 == LiteralOperand || instr.SSrc1 == LiteralOperand
	case ClassVOP1, ClassVOP2, ClassVOPC:
		return instr.VSrc0 == LiteralOperand
	default:
		return false
	}
}

// FixOpcode re-derives the opcode field of instr from the raw word,
// exercising the same bitfield extraction Decode used. This is P2's
// closure property: applying it twice to the same word must agree.
func FixOpcode(instr Instruction, word uint32) Instruction {
	fixed := Decode(WordSlice{word}, 0)
	instr.Opcode = fixed.Opcode
	instr.Class = fixed.Class
	return instr
}
