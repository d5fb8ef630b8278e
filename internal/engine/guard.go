package engine

import "sync"

// reentrancyGuard gives every mutating entry point whole-operation mutual
// exclusion. Collaborator calls (token transfers, debt mint/burn) may call
// back into the engine; any such re-entry while an operation is in flight
// is rejected rather than queued, so a callback can never observe or
// corrupt mid-mutation state.
type reentrancyGuard struct {
	mu sync.Mutex
}

// enter acquires the guard or fails with ErrReentrantCall. Callers must
// pair a successful enter with a deferred exit so the guard is released on
// every path, including error returns.
func (g *reentrancyGuard) enter() error {
	if !g.mu.TryLock() {
		return ErrReentrantCall
	}
	return nil
}

func (g *reentrancyGuard) exit() {
	g.mu.Unlock()
}
