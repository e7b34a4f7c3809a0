package pipeline

import "sync"

// RunGuard tracks pages with an attempt in flight so that two attempts never
// race to write the same page's step marker.
type RunGuard struct {
	mu     sync.Mutex
	active map[int64]struct{}
}

// NewRunGuard creates an empty guard
func NewRunGuard() *RunGuard {
	return &RunGuard{active: make(map[int64]struct{})}
}

// TryAcquire marks the page as running. It returns false if it already is.
func (g *RunGuard) TryAcquire(pageID int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, busy := g.active[pageID]; busy {
		return false
	}
	g.active[pageID] = struct{}{}
	return true
}

// Release clears the running mark for the page
func (g *RunGuard) Release(pageID int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.active, pageID)
}

// Running reports whether an attempt is in flight for the page
func (g *RunGuard) Running(pageID int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, busy := g.active[pageID]
	return busy
}
