package pm4

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// Supervisor runs one goroutine per pipe, polling ProcessAllRings at a
// fixed tick and cancelling every pipe on the first fatal error -
// malformed/unsupported PM4 is always fatal, so there is no retry here.
type Supervisor struct {
	pipes []*Pipe
	tick  time.Duration
}

// NewSupervisor returns a supervisor over pipes, polling every tick.
func NewSupervisor(tick time.Duration, pipes ...*Pipe) *Supervisor {
	return &Supervisor{pipes: pipes, tick: tick}
}

// Run blocks until ctx is cancelled or any pipe returns a fatal error,
// in which case every other pipe's goroutine is cancelled too.
func (s *Supervisor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, p := range s.pipes {
		p := p
		g.Go(func() error {
			ticker := time.NewTicker(s.tick)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					if err := p.ProcessAllRings(ctx); err != nil {
						return err
					}
				}
			}
		})
	}
	return g.Wait()
}
