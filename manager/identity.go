package manager

import (
	"sync"
)

// Connection is a control-plane connection that attached itself to a
// package.
type Connection struct {
	ID      string
	Package string
	PID     int32
}

// identities maps control-plane connections to the processes behind them.
// It is read by the transport accept path, so it has its own lock instead
// of living on the work queue.
type identities struct {
	mu    sync.RWMutex
	byID  map[string]Connection
	byPID map[int32]string
}

func newIdentities() *identities {
	return &identities{
		byID:  make(map[string]Connection),
		byPID: make(map[int32]string),
	}
}

func (r *identities) attach(c Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.byID[c.ID]; ok && old.PID != 0 && r.byPID[old.PID] == c.ID {
		delete(r.byPID, old.PID)
	}
	r.byID[c.ID] = c
	if c.PID != 0 {
		r.byPID[c.PID] = c.ID
	}
}

func (r *identities) detach(id string) (Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[id]
	if !ok {
		return Connection{}, false
	}
	delete(r.byID, id)
	if r.byPID[c.PID] == id {
		delete(r.byPID, c.PID)
	}
	return c, true
}

func (r *identities) get(id string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	return c, ok
}

// ResolvePID implements transport.IdentityResolver.
func (r *identities) ResolvePID(pid int32) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byPID[pid]
	return id, ok
}
