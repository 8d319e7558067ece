// Package pm4 decodes the AMD PM4 command-processor packet stream and
// dispatches it across the command, graphics, and compute pipes (C7).
package pm4

import "fmt"

// Ring is a contiguous circular buffer of 32-bit PM4 words, addressed by
// a read and write pointer - the wire format the external command
// producer and this consumer share.
type Ring struct {
	Base []uint32
	Size uint32
	RPtr uint32
	WPtr uint32
}

// NewRing wraps base as a ring of its own length.
func NewRing(base []uint32) *Ring {
	return &Ring{Base: base, Size: uint32(len(base))}
}

// Empty reports whether the ring has nothing left to consume.
func (r *Ring) Empty() bool { return r.RPtr == r.WPtr }

// Word returns the word at the given ring-relative index, wrapping
// around Size.
func (r *Ring) Word(idx uint32) uint32 {
	return r.Base[idx%r.Size]
}

// Advance moves rptr forward by n words, wrapping around Size. A ring
// whose wptr equals Size (a PushSubRing buffer) is drained when rptr
// reaches Size, so rptr is not wrapped back to 0 in that case.
func (r *Ring) Advance(n uint32) {
	r.RPtr += n
	if r.RPtr > r.Size || (r.RPtr == r.Size && r.WPtr != r.Size) {
		r.RPtr -= r.Size
	}
}

// Pending returns the number of unconsumed words between rptr and wptr.
func (r *Ring) Pending() uint32 {
	if r.WPtr >= r.RPtr {
		return r.WPtr - r.RPtr
	}
	return r.Size - r.RPtr + r.WPtr
}

// Push appends words to the ring at wptr, advancing it - the producer
// side of the same ring Decode/Advance consume from.
func (r *Ring) Push(words []uint32) error {
	if uint32(len(words)) > r.Size-r.Pending() {
		return fmt.Errorf("pm4: ring overflow: %d words requested, %d free", len(words), r.Size-r.Pending())
	}
	for i, w := range words {
		r.Base[(r.WPtr+uint32(i))%r.Size] = w
	}
	r.WPtr = (r.WPtr + uint32(len(words))) % r.Size
	return nil
}

// PushSubRing installs a chained indirect-buffer ring sourced from
// guest memory words, used by IT_INDIRECT_BUFFER/IT_INDIRECT_BUFFER_CNST
// to switch the pipe's read cursor onto the referenced buffer.
func PushSubRing(words []uint32) (*Ring, error) {
	if len(words) == 0 {
		return nil, fmt.Errorf("pm4: empty indirect buffer")
	}
	r := NewRing(words)
	r.WPtr = r.Size
	return r, nil
}
