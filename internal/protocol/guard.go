package protocol

import "sync/atomic"

// Guard rejects a second guarded call while one is already in progress on the
// same component.
type Guard struct {
	entered atomic.Bool
}

// Enter marks the component busy. The caller must call Exit when Enter succeeds.
func (g *Guard) Enter() error {
	if !g.entered.CompareAndSwap(false, true) {
		return ErrReentrantCall
	}
	return nil
}

func (g *Guard) Exit() {
	g.entered.Store(false)
}

// Active reports whether a guarded call is in progress.
func (g *Guard) Active() bool {
	return g.entered.Load()
}
