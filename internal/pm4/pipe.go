package pm4

import (
	"context"
	"fmt"
)

// IndirectBufferResolver fetches sizeDW guest words backing an indirect
// buffer submission for the given address and VM id.
type IndirectBufferResolver func(addr uint64, sizeDW uint32, vmID uint8) ([]uint32, error)

// Hooks are the callbacks a Pipe invokes for packets it cannot service
// on its own - C7 decodes and dispatches, but draws/dispatches/flips
// and device-façade operations are realized by the caller (C3/C5/C6/C8/
// C9), keeping this package free of a dependency on any of them.
type Hooks struct {
	ResolveIndirectBuffer IndirectBufferResolver
	DrawIndexAuto         func(vmID uint8, body []uint32) error
	DrawIndex2            func(vmID uint8, body []uint32) error
	DispatchDirect        func(vmID uint8, body []uint32) error
	EventWriteEOP         func(vmID uint8, body []uint32) error
	WaitRegMem            func(vmID uint8, body []uint32) error
	Flip                  func(vmID uint8, body []uint32) error
	MapMemory             func(vmID uint8, body []uint32) error
	UnmapMemory           func(vmID uint8, body []uint32) error
	ProtectMemory         func(vmID uint8, body []uint32) error
	MapProcess            func(vmID uint8, body []uint32) error
	UnmapProcess          func(vmID uint8, body []uint32) error
}

func (h Hooks) call(f func(uint8, []uint32) error, vmID uint8, body []uint32) error {
	if f == nil {
		return nil
	}
	return f(vmID, body)
}

// ringStack is one logical ring together with any indirect-buffer rings
// chained onto it; packets are consumed from the top of the stack and
// control returns to the enclosing ring once a chained ring drains.
type ringStack struct {
	frames []*Ring
}

func newRingStack(base *Ring) *ringStack {
	return &ringStack{frames: []*Ring{base}}
}

func (s *ringStack) top() *Ring { return s.frames[len(s.frames)-1] }

func (s *ringStack) push(r *Ring) { s.frames = append(s.frames, r) }

// pop drops exhausted chained rings, always leaving the base ring (index
// 0) in place even when it is itself empty.
func (s *ringStack) pop() {
	for len(s.frames) > 1 && s.top().Empty() {
		s.frames = s.frames[:len(s.frames)-1]
	}
}

// Pipe is one PM4 consumer: the command pipe, a graphics pipe (CE then
// its DE rings), or a compute pipe (its own ring set). Every ring it
// owns is processed to exhaustion in order per tick, matching the
// "CE precedes DE" ordering rule.
type Pipe struct {
	Name          string
	VMID          uint8
	rings         []*ringStack
	ContextRegs   *RegisterBank
	ShRegs        *RegisterBank
	UconfigRegs   *RegisterBank
	Hooks         Hooks
}

func newPipe(name string, vmID uint8, rings []*Ring, hooks Hooks) *Pipe {
	stacks := make([]*ringStack, len(rings))
	for i, r := range rings {
		stacks[i] = newRingStack(r)
	}
	return &Pipe{
		Name:        name,
		VMID:        vmID,
		rings:       stacks,
		ContextRegs: NewRegisterBank(),
		ShRegs:      NewRegisterBank(),
		UconfigRegs: NewRegisterBank(),
		Hooks:       hooks,
	}
}

// NewCommandPipe processes the device's internal control ring (memory
// maps, flips, process lifecycle opcodes).
func NewCommandPipe(ring *Ring, hooks Hooks) *Pipe {
	return newPipe("command", 0, []*Ring{ring}, hooks)
}

// NewGraphicsPipe processes one CE ring followed by K DE rings, in that
// order, every tick.
func NewGraphicsPipe(vmID uint8, ceRing *Ring, deRings []*Ring, hooks Hooks) *Pipe {
	rings := append([]*Ring{ceRing}, deRings...)
	return newPipe("graphics", vmID, rings, hooks)
}

// NewComputePipe processes its own ring set.
func NewComputePipe(vmID uint8, rings []*Ring, hooks Hooks) *Pipe {
	return newPipe("compute", vmID, rings, hooks)
}

// ProcessAllRings drains every pending packet on every ring this pipe
// owns, in ring order, returning the first fatal decode or dispatch
// error encountered (malformed/unsupported PM4 is always fatal).
func (p *Pipe) ProcessAllRings(ctx context.Context) error {
	for _, stack := range p.rings {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			stack.pop()
			ring := stack.top()
			if ring.Empty() {
				break
			}
			pkt, err := Decode(ring)
			if err != nil {
				return fmt.Errorf("pm4: pipe %q: %w", p.Name, err)
			}
			if pkt.Type == PacketType2 {
				continue
			}
			if err := p.dispatch(stack, pkt); err != nil {
				return fmt.Errorf("pm4: pipe %q opcode 0x%02X: %w", p.Name, pkt.Opcode, err)
			}
		}
	}
	return nil
}

func (p *Pipe) dispatch(stack *ringStack, pkt Packet) error {
	switch pkt.Opcode {
	case ITNop:
		return nil
	case ITIndirectBuffer, ITIndirectBufferCnst:
		addr, sizeDW, vmID, err := IndirectBufferTarget(pkt.Body)
		if err != nil {
			return err
		}
		sub, err := p.resolveIndirectBuffer(addr, sizeDW, vmID)
		if err != nil {
			return err
		}
		stack.push(sub)
		return nil
	case ITDrawIndexAuto:
		return p.Hooks.call(p.Hooks.DrawIndexAuto, p.VMID, pkt.Body)
	case ITDrawIndex2:
		return p.Hooks.call(p.Hooks.DrawIndex2, p.VMID, pkt.Body)
	case ITDispatchDirect:
		return p.Hooks.call(p.Hooks.DispatchDirect, p.VMID, pkt.Body)
	case ITSetContextReg:
		setRegs(p.ContextRegs, pkt.Body)
		return nil
	case ITSetShReg:
		setRegs(p.ShRegs, pkt.Body)
		return nil
	case ITSetUconfigReg:
		setRegs(p.UconfigRegs, pkt.Body)
		return nil
	case ITEventWriteEOP:
		return p.Hooks.call(p.Hooks.EventWriteEOP, p.VMID, pkt.Body)
	case ITWaitRegMem:
		return p.Hooks.call(p.Hooks.WaitRegMem, p.VMID, pkt.Body)
	case ITFlip:
		return p.Hooks.call(p.Hooks.Flip, p.VMID, pkt.Body)
	case ITMapMemory:
		return p.Hooks.call(p.Hooks.MapMemory, p.VMID, pkt.Body)
	case ITUnmapMemory:
		return p.Hooks.call(p.Hooks.UnmapMemory, p.VMID, pkt.Body)
	case ITProtectMemory:
		return p.Hooks.call(p.Hooks.ProtectMemory, p.VMID, pkt.Body)
	case ITMapProcess:
		return p.Hooks.call(p.Hooks.MapProcess, p.VMID, pkt.Body)
	case ITUnmapProcess:
		return p.Hooks.call(p.Hooks.UnmapProcess, p.VMID, pkt.Body)
	default:
		return fmt.Errorf("unsupported opcode 0x%02X, length %d", pkt.Opcode, pkt.Words)
	}
}

// setRegs writes a contiguous IT_SET_*_REG body - word[0] is the start
// offset, the remaining words are consecutive register values.
func setRegs(bank *RegisterBank, body []uint32) {
	if len(body) == 0 {
		return
	}
	offset := body[0]
	for i, v := range body[1:] {
		bank.Set(offset+uint32(i), v)
	}
}

func (p *Pipe) resolveIndirectBuffer(addr uint64, sizeDW uint32, vmID uint8) (*Ring, error) {
	if p.Hooks.ResolveIndirectBuffer == nil {
		return nil, fmt.Errorf("no indirect buffer resolver installed for pipe %q", p.Name)
	}
	words, err := p.Hooks.ResolveIndirectBuffer(addr, sizeDW, vmID)
	if err != nil {
		return nil, err
	}
	return PushSubRing(words)
}
