package present

import (
	"context"
	"time"
)

// vblankPeriod is 1001/60000 s, the NTSC-locked 59.94 Hz refresh rate a
// real PS4 display pipe runs at.
const vblankPeriod = time.Duration(1_000_000_000 * 1001 / 60000)

// VBlankSource emits PreVBlankStart immediately before each VBlank tick,
// regardless of whether a flip happened that period.
type VBlankSource struct {
	PreVBlankStart chan struct{}
	VBlank         chan struct{}
}

// NewVBlankSource allocates a source with single-slot buffered channels
// so a slow consumer coalesces ticks instead of blocking the emitter.
func NewVBlankSource() *VBlankSource {
	return &VBlankSource{
		PreVBlankStart: make(chan struct{}, 1),
		VBlank:         make(chan struct{}, 1),
	}
}

// Run ticks at vblankPeriod until ctx is cancelled.
func (s *VBlankSource) Run(ctx context.Context) {
	ticker := time.NewTicker(vblankPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			nonBlockingSend(s.PreVBlankStart)
			nonBlockingSend(s.VBlank)
		}
	}
}

func nonBlockingSend(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
