// Package gate provides a level-triggered open/closed switch that callers
// can wait on.
package gate

import (
	"context"
	"sync"
)

// Gate blocks callers of AwaitOpen while closed. Opening the gate releases
// every waiter at once. The zero value is not usable; use New.
type Gate struct {
	mu     sync.Mutex
	open   bool
	opened chan struct{}
}

// New returns an open gate.
func New() *Gate {
	ch := make(chan struct{})
	close(ch)
	return &Gate{open: true, opened: ch}
}

// SetOpen opens or closes the gate. Setting the current state again is a
// no-op.
func (g *Gate) SetOpen(open bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.open == open {
		return
	}
	g.open = open
	if open {
		close(g.opened)
	} else {
		g.opened = make(chan struct{})
	}
}

// IsOpen reports the current state.
func (g *Gate) IsOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open
}

// AwaitOpen returns once the gate is open or ctx is done. A waiter that is
// woken re-checks the state, so a close that races with the wake keeps it
// blocked.
func (g *Gate) AwaitOpen(ctx context.Context) error {
	for {
		g.mu.Lock()
		if g.open {
			g.mu.Unlock()
			return nil
		}
		ch := g.opened
		g.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
