package mcp

import (
	"slices"
	"sync"
)

// WatchRegistry maps execution IDs to the MCP sessions watching them.
// Populated when a client calls execution.status with watch set.
type WatchRegistry struct {
	mu       sync.RWMutex
	watchers map[string][]string // executionID → sessionIDs
}

// NewWatchRegistry creates a new empty WatchRegistry.
func NewWatchRegistry() *WatchRegistry {
	return &WatchRegistry{watchers: make(map[string][]string)}
}

// Watch subscribes a session to an execution. Repeated calls are no-ops.
func (r *WatchRegistry) Watch(executionID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !slices.Contains(r.watchers[executionID], sessionID) {
		r.watchers[executionID] = append(r.watchers[executionID], sessionID)
	}
}

// SessionsFor returns the sessions watching an execution.
func (r *WatchRegistry) SessionsFor(executionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.watchers[executionID])
}

// Forget drops every watcher of an execution, typically once it finished.
func (r *WatchRegistry) Forget(executionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.watchers, executionID)
}

// Remove deletes all watches held by the given session.
// Called when a session disconnects.
func (r *WatchRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, sids := range r.watchers {
		sids = slices.DeleteFunc(sids, func(s string) bool { return s == sessionID })
		if len(sids) == 0 {
			delete(r.watchers, id)
			continue
		}
		r.watchers[id] = sids
	}
}
