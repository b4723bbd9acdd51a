// Package projection derives per-node execution state from the event stream.
// The result is never authoritative: it can always be rebuilt from the log.
package projection

import (
	"maps"
	"slices"
	"sync"

	"github.com/rendis/agentgraph/internal/streaming"
	"github.com/rendis/agentgraph/pkg/schema"
)

// Project folds events into a node state map. Every id in nodeIDs starts
// pending; a full_sync carrying node states replaces the whole projection.
func Project(nodeIDs []string, events []streaming.Event) map[string]schema.NodeState {
	p := NewProjector(nodeIDs)
	for _, ev := range events {
		p.apply(ev)
	}
	return p.states
}

// Projector is the incremental form of Project. It is safe for concurrent use
// and can be registered directly as a stream Handler.
type Projector struct {
	streaming.BaseHandler

	mu        sync.Mutex
	nodeIDs   []string
	states    map[string]schema.NodeState
	status    schema.ExecutionStatus
	listeners map[int]func(map[string]schema.NodeState)
	nextID    int
}

// NewProjector creates a projector with every node pending.
func NewProjector(nodeIDs []string) *Projector {
	p := &Projector{
		nodeIDs:   slices.Clone(nodeIDs),
		status:    schema.ExecutionPending,
		listeners: make(map[int]func(map[string]schema.NodeState)),
	}
	p.states = pending(p.nodeIDs)
	return p
}

// Apply folds one event and reports whether the node map changed.
// Listeners are notified after each change.
func (p *Projector) Apply(ev streaming.Event) bool {
	p.mu.Lock()
	changed := p.apply(ev)
	var snap map[string]schema.NodeState
	var fns []func(map[string]schema.NodeState)
	if changed {
		snap = maps.Clone(p.states)
		fns = slices.Collect(maps.Values(p.listeners))
	}
	p.mu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
	return changed
}

// Snapshot returns a copy of the current node states.
func (p *Projector) Snapshot() map[string]schema.NodeState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return maps.Clone(p.states)
}

// Status returns the execution status seen so far: pending before any
// event, running after one, and the reported status after execution_complete.
func (p *Projector) Status() schema.ExecutionStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// OnChange registers fn for node map changes; the returned func unregisters it.
func (p *Projector) OnChange(fn func(map[string]schema.NodeState)) func() {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = fn
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.listeners, id)
		p.mu.Unlock()
	}
}

func (p *Projector) OnNodeStart(e *streaming.NodeStartEvent)       { p.Apply(e) }
func (p *Projector) OnNodeComplete(e *streaming.NodeCompleteEvent) { p.Apply(e) }
func (p *Projector) OnNodeFailed(e *streaming.NodeFailedEvent)     { p.Apply(e) }
func (p *Projector) OnNodeSkipped(e *streaming.NodeSkippedEvent)   { p.Apply(e) }
func (p *Projector) OnFullSync(e *streaming.FullSyncEvent)         { p.Apply(e) }
func (p *Projector) OnExecutionComplete(e *streaming.ExecutionCompleteEvent) {
	p.Apply(e)
}

// apply is the fold step. p.mu must be held when p is shared.
func (p *Projector) apply(ev streaming.Event) bool {
	if ev == nil {
		return false
	}
	if p.status == schema.ExecutionPending {
		p.status = schema.ExecutionRunning
	}
	switch e := ev.(type) {
	case *streaming.NodeStartEvent:
		return p.set(e.NodeID, schema.NodeRunning)
	case *streaming.NodeCompleteEvent:
		return p.set(e.NodeID, schema.NodeCompleted)
	case *streaming.NodeFailedEvent:
		return p.set(e.NodeID, schema.NodeFailed)
	case *streaming.NodeSkippedEvent:
		return p.set(e.NodeID, schema.NodeSkipped)
	case *streaming.FullSyncEvent:
		// A snapshot without node states says nothing about nodes.
		if e.Nodes == nil {
			return false
		}
		next := pending(p.nodeIDs)
		maps.Copy(next, e.Nodes)
		changed := !maps.Equal(next, p.states)
		p.states = next
		return changed
	case *streaming.ExecutionCompleteEvent:
		if e.Status != "" {
			p.status = e.Status
		}
	}
	return false
}

func (p *Projector) set(nodeID string, state schema.NodeState) bool {
	if nodeID == "" || p.states[nodeID] == state {
		return false
	}
	p.states[nodeID] = state
	return true
}

func pending(nodeIDs []string) map[string]schema.NodeState {
	out := make(map[string]schema.NodeState, len(nodeIDs))
	for _, id := range nodeIDs {
		out[id] = schema.NodePending
	}
	return out
}
