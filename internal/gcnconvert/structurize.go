package gcnconvert

import (
	"github.com/rpcsx-go/gcnproc/internal/gcndecode"
	"github.com/rpcsx-go/gcnproc/internal/spirvir"
)

// Block is a maximal straight-line run of instructions ending in a
// terminator (or the end of the program). PC is the word offset of the
// block's first instruction, used as the block's identity for branch
// target resolution.
type Block struct {
	PC           uint32
	Instructions []gcndecode.Instruction
	Succs        []uint32 // PCs of successor blocks, in source order
}

// SplitBlocks partitions a flat instruction stream into basic blocks at
// every terminator (spec.md §4.2's S_ENDPGM/S_BRANCH/S_CBRANCH_* set),
// the same leader/splitter idiom the teacher's machine-code decoders use
// to find jump targets before structuring control flow.
func SplitBlocks(instrs []gcndecode.Instruction) []Block {
	if len(instrs) == 0 {
		return nil
	}

	leaders := map[uint32]bool{instrs[0].PC: true}
	for i, in := range instrs {
		if in.IsTerminator() && in.Opcode != gcndecode.SOPPEndpgm {
			next := nextPC(instrs, i)
			if next != 0 || i+1 < len(instrs) {
				leaders[next] = true
			}
			if target, ok := branchTarget(in); ok {
				leaders[target] = true
			}
		}
	}

	var blocks []Block
	var cur *Block
	for i, in := range instrs {
		if leaders[in.PC] || cur == nil {
			if cur != nil {
				// cur is being cut off by a leader mid-block rather than
				// by its own terminator: record the implicit fallthrough
				// into the new block so it isn't left a dead end.
				last := cur.Instructions[len(cur.Instructions)-1]
				if !last.IsTerminator() {
					cur.Succs = append(cur.Succs, in.PC)
				}
				blocks = append(blocks, *cur)
			}
			cur = &Block{PC: in.PC}
		}
		cur.Instructions = append(cur.Instructions, in)
		if in.IsTerminator() {
			term := in
			next := nextPC(instrs, i)
			switch term.Opcode {
			case gcndecode.SOPPEndpgm:
				// no successors
			case gcndecode.SOPPBranch:
				if target, ok := branchTarget(term); ok {
					cur.Succs = append(cur.Succs, target)
				}
			default: // conditional branch: fallthrough, then taken target
				cur.Succs = append(cur.Succs, next)
				if target, ok := branchTarget(term); ok {
					cur.Succs = append(cur.Succs, target)
				}
			}
			blocks = append(blocks, *cur)
			cur = nil
		}
	}
	if cur != nil {
		blocks = append(blocks, *cur)
	}
	return blocks
}

func nextPC(instrs []gcndecode.Instruction, i int) uint32 {
	if i+1 < len(instrs) {
		return instrs[i+1].PC
	}
	return instrs[i].PC + uint32(instrs[i].Words)
}

func branchTarget(in gcndecode.Instruction) (uint32, bool) {
	if in.Class != gcndecode.ClassSOPP {
		return 0, false
	}
	switch in.Opcode {
	case gcndecode.SOPPBranch,
		gcndecode.SOPPCbranchSCC0, gcndecode.SOPPCbranchSCC1,
		gcndecode.SOPPCbranchVCCZ, gcndecode.SOPPCbranchVCCNZ,
		gcndecode.SOPPCbranchEXECZ, gcndecode.SOPPCbranchEXECNZ:
		return uint32(int64(in.PC) + int64(in.Words) + int64(in.SimmOffset)), true
	default:
		return 0, false
	}
}

// blockIndex builds a PC-to-index lookup over a block list.
func blockIndex(blocks []Block) map[uint32]int {
	idx := make(map[uint32]int, len(blocks))
	for i, b := range blocks {
		idx[b.PC] = i
	}
	return idx
}

// isBackward reports whether succPC targets a block at or before fromPC in
// program order - the signature of a loop back-edge.
func isBackward(fromPC, succPC uint32) bool {
	return succPC <= fromPC
}

// structurizer lowers a block list into SPIR-V structured control flow. It
// recognizes the two shapes a shader compiler's EXEC-mask predication
// actually produces: an if/else diamond (a conditional branch whose two
// successors reconverge at a single merge block) and a single natural
// loop (a block reachable by its own backward edge). Anything else falls
// back to a flat chain of unconditional branches between block labels,
// which is always valid SPIR-V even if not maximally structured.
type structurizer struct {
	b      *spirvir.Builder
	blocks []Block
	byPC   map[uint32]int
	labels map[uint32]spirvir.ID
}

func newStructurizer(b *spirvir.Builder, blocks []Block) *structurizer {
	return &structurizer{b: b, blocks: blocks, byPC: blockIndex(blocks), labels: make(map[uint32]spirvir.ID)}
}

// labelFor returns the SPIR-V label id reserved for the block starting at
// pc, reserving one on first reference so forward branches can name a
// label before that block has been visited. The id is bound to an actual
// OpLabel instruction later, when Lower visits that block in program
// order (see visitLabel).
func (s *structurizer) labelFor(pc uint32) spirvir.ID {
	if id, ok := s.labels[pc]; ok {
		return id
	}
	id := s.b.ReserveID()
	s.labels[pc] = id
	return id
}

// visitLabel emits the OpLabel for pc's block at the current program
// point, reusing a previously-reserved id if a forward branch already
// named this block.
func (s *structurizer) visitLabel(pc uint32) {
	s.b.EmitLabel(s.labelFor(pc))
}

// mergeBlockOf finds the block two divergent successors reconverge at.
// Real shader compilers emit reconvergent diamonds, where the later of
// the two successor PCs (in program order) is exactly the reconvergence
// point, whether that block continues the function or ends it; this is
// the common case mergeBlockOf resolves directly.
func (s *structurizer) mergeBlockOf(b Block) (uint32, bool) {
	if len(b.Succs) != 2 {
		return 0, false
	}
	a, c := b.Succs[0], b.Succs[1]
	if isBackward(b.PC, a) || isBackward(b.PC, c) {
		return 0, false // a loop back-edge, not an if/else diamond
	}
	later := a
	if c > later {
		later = c
	}
	if _, ok := s.byPC[later]; !ok {
		return 0, false
	}
	return later, true
}

// Lower walks blocks in program order, emitting one SPIR-V label per block
// and structured selection/loop merge instructions where the shape of the
// terminator calls for them (spec.md §4.3 step 4: "lower control flow
// using the EXEC mask"). condFor resolves a conditional terminator's VCC/
// EXEC/SCC test to the boolean SPIR-V id the branch should use.
func (s *structurizer) Lower(condFor func(gcndecode.Instruction) spirvir.ID) {
	loopHeaders := make(map[uint32]bool)
	for _, blk := range s.blocks {
		for _, succ := range blk.Succs {
			if isBackward(blk.PC, succ) {
				loopHeaders[succ] = true
			}
		}
	}

	for _, blk := range s.blocks {
		s.visitLabel(blk.PC)

		term := blk.Instructions[len(blk.Instructions)-1]
		switch {
		case len(blk.Succs) == 0:
			// S_ENDPGM or fallthrough end-of-program: no branch to emit,
			// the caller emits OpReturn.
		case len(blk.Succs) == 1:
			target := s.labelFor(blk.Succs[0])
			if loopHeaders[blk.Succs[0]] {
				merge, ok := s.mergeBlockOf(blk)
				if !ok {
					merge = blk.Succs[0]
				}
				s.b.LoopMerge(s.labelFor(merge), target)
			}
			s.b.Branch(target)
		default:
			fallthroughTarget := s.labelFor(blk.Succs[0])
			takenTarget := s.labelFor(blk.Succs[1])
			if merge, ok := s.mergeBlockOf(blk); ok {
				s.b.SelectionMerge(s.labelFor(merge))
			}
			cond := condFor(term)
			s.b.BranchConditional(cond, takenTarget, fallthroughTarget)
		}
	}
}
