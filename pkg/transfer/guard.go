package transfer

import (
	"errors"
	"sync"
)

// ErrBusy rejects a second in-flight transfer on the same engine.
var ErrBusy = errors.New("a transfer is already in progress")

// sessionGuard admits at most one transfer at a time. A rejected caller
// gets ErrBusy immediately; there is no queueing.
type sessionGuard struct {
	mu     sync.Mutex
	active bool
}

func (g *sessionGuard) acquire() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active {
		return ErrBusy
	}
	g.active = true
	return nil
}

func (g *sessionGuard) release() {
	g.mu.Lock()
	g.active = false
	g.mu.Unlock()
}
