package streaming

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/rendis/agentgraph/internal/metrics"
)

const defaultChannelBuffer = 256

// Envelope is a published event as it travels between gateway goroutines.
type Envelope struct {
	ExecutionID string          `json:"execution_id"`
	Seq         int64           `json:"seq"`
	Type        string          `json:"type"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// Frame returns the wire frame for the envelope.
func (e Envelope) Frame() Frame {
	return Frame{Type: e.Type, Seq: e.Seq, Data: e.Data}
}

// Filter selects the envelopes a subscriber receives.
type Filter struct {
	ExecutionID string   `json:"execution_id,omitempty"`
	EventTypes  []string `json:"event_types,omitempty"`
}

// Hub provides pub/sub for live execution events.
type Hub interface {
	Publish(ctx context.Context, env Envelope) error
	Subscribe(ctx context.Context, filter Filter) (<-chan Envelope, func(), error)
}

type subscriber struct {
	ch     chan Envelope
	filter Filter
}

// MemoryHub is an in-memory Hub. A subscriber whose buffer is full is evicted
// and its channel closed, so it reconnects and resumes from the event log
// instead of silently missing events.
type MemoryHub struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	seq     atomic.Uint64
	buffer  int
	metrics *metrics.Collector
}

// HubOption configures a MemoryHub.
type HubOption func(*MemoryHub)

// WithBuffer sets the per-subscriber channel capacity.
func WithBuffer(n int) HubOption {
	return func(h *MemoryHub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithHubMetrics records evictions on c.
func WithHubMetrics(c *metrics.Collector) HubOption {
	return func(h *MemoryHub) { h.metrics = c }
}

// NewMemoryHub creates a new MemoryHub.
func NewMemoryHub(opts ...HubOption) *MemoryHub {
	h := &MemoryHub{
		subs:   make(map[uint64]*subscriber),
		buffer: defaultChannelBuffer,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Publish sends env to all matching subscribers without blocking.
func (h *MemoryHub) Publish(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var slow []uint64
	h.mu.RLock()
	for id, sub := range h.subs {
		if !matchFilter(sub.filter, env) {
			continue
		}
		select {
		case sub.ch <- env:
		default:
			slow = append(slow, id)
		}
	}
	h.mu.RUnlock()

	for _, id := range slow {
		if h.remove(id) {
			h.metrics.RecordSlowSubscriber()
		}
	}
	return nil
}

// Subscribe registers a subscriber. The channel is closed on cancel or eviction.
func (h *MemoryHub) Subscribe(ctx context.Context, filter Filter) (<-chan Envelope, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	id := h.seq.Add(1)
	ch := make(chan Envelope, h.buffer)

	h.mu.Lock()
	h.subs[id] = &subscriber{ch: ch, filter: filter}
	h.mu.Unlock()

	return ch, func() { h.remove(id) }, nil
}

// Subscribers returns the number of live subscriptions.
func (h *MemoryHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *MemoryHub) remove(id uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.subs[id]
	if !ok {
		return false
	}
	delete(h.subs, id)
	close(sub.ch)
	return true
}

func matchFilter(f Filter, e Envelope) bool {
	if f.ExecutionID != "" && f.ExecutionID != e.ExecutionID {
		return false
	}
	return len(f.EventTypes) == 0 || slices.Contains(f.EventTypes, e.Type)
}
