// Package coordinator tracks one user action fanned out to several backends.
// It closes the race between events from fast backends and the late
// authoritative backend list: a dispatch is only finished once the list is
// final and every backend on it has reached a terminal status.
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/rendis/agentgraph/internal/logging"
	"github.com/rendis/agentgraph/internal/streaming"
	"github.com/rendis/agentgraph/pkg/schema"
)

// ErrSuperseded is reported by a Handle whose dispatch was replaced by a newer one.
var ErrSuperseded = errors.New("coordinator: dispatch superseded")

// DispatchOptions configures one dispatched action.
type DispatchOptions struct {
	// Compound enables the synthesis sub-state: Primary combines the other
	// backends' outputs after they finish.
	Compound bool
	Primary  string
}

// Options configures a Coordinator.
type Options struct {
	Logger *slog.Logger
}

// Coordinator owns the state of the current dispatched action. It is safe for
// concurrent use; events for different backends may arrive interleaved.
type Coordinator struct {
	logger *slog.Logger

	mu        sync.Mutex
	cur       *dispatch
	listeners map[int]func(schema.CoordinatorState)
	nextID    int
}

// New creates an idle coordinator.
func New(opts Options) *Coordinator {
	return &Coordinator{
		logger:    logging.OrDefault(opts.Logger).With("component", "coordinator"),
		listeners: make(map[int]func(schema.CoordinatorState)),
	}
}

// Dispatch starts tracking a new action with a provisional backend set. Any
// previous action is discarded; if it was still open, its Handle reports
// ErrSuperseded.
func (c *Coordinator) Dispatch(provisional []string, opts DispatchOptions) *Handle {
	d := newDispatch(uuid.NewString(), provisional, opts)

	c.mu.Lock()
	prev := c.cur
	c.cur = d
	c.mu.Unlock()

	if prev != nil {
		prev.finish(ErrSuperseded)
		c.logger.Debug("dispatch superseded", "dispatch_id", prev.id, "by", d.id)
	}
	c.logger.Debug("dispatch started", "dispatch_id", d.id, "backends", provisional, "compound", opts.Compound)

	d.mu.Lock()
	snap := d.snapshotLocked()
	d.mu.Unlock()
	c.notify(snap)
	return &Handle{d: d}
}

// Finalize supplies the authoritative backend list for the current action.
// Backends already seen in events are kept. It is a no-op without an active
// dispatch.
func (c *Coordinator) Finalize(authoritative []string) {
	d := c.current()
	if d == nil {
		return
	}

	d.mu.Lock()
	if !d.active {
		d.mu.Unlock()
		return
	}
	for _, id := range authoritative {
		d.addLocked(id)
	}
	d.finalized = true
	d.mu.Unlock()

	c.settle(d)
}

// OnEvent applies a multi-backend event to the current action. It reports
// whether the event was consumed; events without a backend, and every event
// while no action is active, are left to other consumers.
func (c *Coordinator) OnEvent(ev streaming.Event) bool {
	d := c.current()
	if d == nil || ev == nil {
		return false
	}

	var consumed bool
	switch e := ev.(type) {
	case *streaming.ContentDeltaEvent:
		consumed = e.Backend != "" && d.updateBackend(e.Backend, func(r *schema.BackendResponse) {
			r.Content += e.Content
		})
	case *streaming.MessageEvent:
		consumed = e.Backend != "" && d.updateBackend(e.Backend, func(r *schema.BackendResponse) {
			r.Content = e.Content
		})
	case *streaming.FinishEvent:
		consumed = e.Backend != "" && d.updateBackend(e.Backend, func(r *schema.BackendResponse) {
			if e.Content != "" {
				r.Content = e.Content
			}
			r.Status = schema.BackendComplete
		})
	case *streaming.BackendCompleteEvent:
		consumed = d.terminate(e.BackendSignal, schema.BackendComplete)
	case *streaming.BackendTimeoutEvent:
		consumed = d.terminate(e.BackendSignal, schema.BackendTimeout)
	case *streaming.BackendErrorEvent:
		consumed = d.terminate(e.BackendSignal, schema.BackendError)
	case *streaming.SynthesisStartEvent:
		consumed = d.updateSynthesis(e.Synthesis, schema.SynthesisStreaming, false)
	case *streaming.SynthesisDeltaEvent:
		consumed = d.updateSynthesis(e.Synthesis, schema.SynthesisStreaming, true)
	case *streaming.SynthesisCompleteEvent:
		consumed = d.updateSynthesis(e.Synthesis, schema.SynthesisComplete, false)
	case *streaming.SynthesisErrorEvent:
		consumed = d.updateSynthesis(e.Synthesis, schema.SynthesisError, false)
	}

	if consumed {
		c.settle(d)
	}
	return consumed
}

// Snapshot returns a consistent copy of the current action's state.
func (c *Coordinator) Snapshot() schema.CoordinatorState {
	d := c.current()
	if d == nil {
		return schema.CoordinatorState{Backends: map[string]schema.BackendResponse{}}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshotLocked()
}

// Active reports whether an action is in flight.
func (c *Coordinator) Active() bool {
	d := c.current()
	if d == nil {
		return false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.active
}

// OnChange registers fn to receive a snapshot after every state change. The
// returned func unregisters it. Listeners run on the goroutine that delivered
// the change and may run concurrently with each other.
func (c *Coordinator) OnChange(fn func(schema.CoordinatorState)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *Coordinator) current() *dispatch {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

// settle applies the deactivation rule on a consistent view and notifies.
func (c *Coordinator) settle(d *dispatch) {
	d.mu.Lock()
	deactivated := d.active && d.finishedLocked()
	if deactivated {
		d.active = false
	}
	snap := d.snapshotLocked()
	d.mu.Unlock()

	if deactivated {
		d.finish(nil)
		c.logger.Debug("dispatch finished", "dispatch_id", d.id, "backends", len(snap.Backends))
	}
	if c.current() == d {
		c.notify(snap)
	}
}

func (c *Coordinator) notify(snap schema.CoordinatorState) {
	c.mu.Lock()
	fns := slices.Collect(maps.Values(c.listeners))
	c.mu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}

// Handle identifies one dispatched action.
type Handle struct {
	d *dispatch
}

// ID returns the dispatch ID.
func (h *Handle) ID() string { return h.d.id }

// Done is closed when the action finishes or is superseded.
func (h *Handle) Done() <-chan struct{} { return h.d.done }

// Err returns ErrSuperseded when a newer dispatch replaced this one before it
// finished, and nil otherwise.
func (h *Handle) Err() error {
	h.d.mu.RLock()
	defer h.d.mu.RUnlock()
	return h.d.err
}

// Wait blocks until the action finishes, is superseded or ctx ends.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.d.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns a snapshot of this action, even after it was superseded.
func (h *Handle) State() schema.CoordinatorState {
	h.d.mu.Lock()
	defer h.d.mu.Unlock()
	return h.d.snapshotLocked()
}

// --- dispatch ---

// dispatch is the state of one action. mu guards the backend map and the
// aggregate fields; each backend entry has its own lock so per-backend
// updates only hold mu for reading.
type dispatch struct {
	id       string
	compound bool

	mu        sync.RWMutex
	backends  map[string]*backend
	order     []string
	finalized bool
	active    bool
	synthesis *schema.SynthesisState
	err       error

	done     chan struct{}
	doneOnce sync.Once
}

type backend struct {
	mu   sync.Mutex
	resp schema.BackendResponse
}

func newDispatch(id string, provisional []string, opts DispatchOptions) *dispatch {
	d := &dispatch{
		id:       id,
		compound: opts.Compound,
		backends: make(map[string]*backend),
		active:   true,
		done:     make(chan struct{}),
	}
	for _, b := range provisional {
		d.addLocked(b)
	}
	if opts.Compound {
		d.synthesis = &schema.SynthesisState{Status: schema.SynthesisWaiting, PrimaryBackend: opts.Primary}
	}
	return d
}

// addLocked registers a streaming backend. d.mu must be held for writing.
func (d *dispatch) addLocked(id string) bool {
	id = strings.TrimSpace(id)
	if id == "" {
		return false
	}
	if _, ok := d.backends[id]; ok {
		return false
	}
	d.backends[id] = &backend{resp: schema.BackendResponse{BackendID: id, Status: schema.BackendStreaming}}
	d.order = append(d.order, id)
	return true
}

// updateBackend applies fn to one backend, adding it first if unknown.
// Terminal backends are never modified. It reports whether the event belonged
// to this dispatch.
func (d *dispatch) updateBackend(id string, fn func(*schema.BackendResponse)) bool {
	d.mu.RLock()
	if !d.active {
		d.mu.RUnlock()
		return false
	}
	b, ok := d.backends[id]
	d.mu.RUnlock()

	if !ok {
		d.mu.Lock()
		if !d.active {
			d.mu.Unlock()
			return false
		}
		d.addLocked(id)
		d.mu.Unlock()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.active {
		return false
	}
	b = d.backends[id]
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.resp.Status.Terminal() {
		fn(&b.resp)
	}
	return true
}

func (d *dispatch) terminate(sig streaming.BackendSignal, status schema.BackendStatus) bool {
	if sig.Backend == "" {
		return false
	}
	return d.updateBackend(sig.Backend, func(r *schema.BackendResponse) {
		r.Status = status
		r.Error = sig.Error
	})
}

// updateSynthesis advances the synthesis sub-state. Terminal synthesis states
// are final.
func (d *dispatch) updateSynthesis(s streaming.Synthesis, status schema.SynthesisStatus, appendText bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.active || d.synthesis == nil {
		return false
	}
	syn := d.synthesis
	if syn.Status == schema.SynthesisComplete || syn.Status == schema.SynthesisError {
		return true
	}
	syn.Status = status
	if s.PrimaryBackend != "" {
		syn.PrimaryBackend = s.PrimaryBackend
	}
	if len(s.BackendsCollected) > 0 {
		syn.ContributingBackends = slices.Clone(s.BackendsCollected)
	}
	switch {
	case appendText:
		syn.Content += s.Text
	case s.Text != "":
		syn.Content = s.Text
	}
	if status == schema.SynthesisError {
		syn.Error = s.Error
	}
	return true
}

// finishedLocked is the deactivation rule. d.mu must be held for writing so
// no backend entry changes underneath it.
func (d *dispatch) finishedLocked() bool {
	if d.synthesis != nil {
		switch d.synthesis.Status {
		case schema.SynthesisComplete, schema.SynthesisError:
			return true
		}
	}
	if !d.finalized {
		return false
	}
	anyComplete := false
	for _, b := range d.backends {
		if !b.resp.Status.Terminal() {
			return false
		}
		if b.resp.Status == schema.BackendComplete {
			anyComplete = true
		}
	}
	if d.compound {
		return !anyComplete
	}
	return true
}

func (d *dispatch) snapshotLocked() schema.CoordinatorState {
	st := schema.CoordinatorState{
		DispatchID:           d.id,
		Active:               d.active,
		BackendListFinalized: d.finalized,
		Backends:             make(map[string]schema.BackendResponse, len(d.backends)),
		Order:                slices.Clone(d.order),
	}
	for id, b := range d.backends {
		b.mu.Lock()
		st.Backends[id] = b.resp
		b.mu.Unlock()
	}
	if d.synthesis != nil {
		syn := *d.synthesis
		syn.ContributingBackends = slices.Clone(syn.ContributingBackends)
		st.Synthesis = &syn
	}
	return st
}

// finish closes the dispatch once. The first outcome sticks: a dispatch that
// already settled is not turned into a superseded one later.
func (d *dispatch) finish(err error) {
	d.doneOnce.Do(func() {
		d.mu.Lock()
		d.active = false
		d.err = err
		d.mu.Unlock()
		close(d.done)
	})
}
