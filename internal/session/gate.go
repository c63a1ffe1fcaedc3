package session

import (
	"context"
	"sync"
)

// gate releases session workers while a step is dispatched. Every Open starts
// a new period; permits acquired in an earlier period are discarded.
type gate struct {
	mu     sync.Mutex
	open   bool
	stage  int
	gen    uint64
	opened chan struct{} // closed while the gate is open
	period context.Context
	cancel context.CancelFunc
}

func newGate() *gate {
	return &gate{opened: make(chan struct{})}
}

func (g *gate) Open(stage int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.open {
		g.cancel()
	} else {
		close(g.opened)
	}
	g.period, g.cancel = context.WithCancel(context.Background())
	g.open = true
	g.stage = stage
	g.gen++
}

func (g *gate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.open {
		return
	}
	g.open = false
	g.cancel()
	g.opened = make(chan struct{})
}

// Wait blocks until the gate is open and returns the period's context, stage
// and generation.
func (g *gate) Wait(ctx context.Context) (context.Context, int, uint64, error) {
	for {
		g.mu.Lock()
		if g.open {
			period, stage, gen := g.period, g.stage, g.gen
			g.mu.Unlock()
			return period, stage, gen, nil
		}
		ch := g.opened
		g.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, 0, 0, ctx.Err()
		}
	}
}

// Current reports whether the gate is still open in generation gen.
func (g *gate) Current(gen uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open && g.gen == gen
}

func (g *gate) IsOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open
}
