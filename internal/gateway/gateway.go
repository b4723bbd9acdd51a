// Package gateway is the event gateway between an execution engine and
// stream clients. Engines publish events; the gateway assigns sequence
// numbers through the store's event log, fans events out to live
// subscribers and serves resumable SSE and WebSocket streams.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rendis/agentgraph/internal/logging"
	"github.com/rendis/agentgraph/internal/metrics"
	"github.com/rendis/agentgraph/internal/projection"
	"github.com/rendis/agentgraph/internal/store"
	"github.com/rendis/agentgraph/internal/streaming"
	"github.com/rendis/agentgraph/pkg/schema"
)

// DefaultKeepaliveInterval sits well under the client's default 65s
// heartbeat watchdog.
const DefaultKeepaliveInterval = 25 * time.Second

// Options configures a Gateway.
type Options struct {
	Store   store.Store
	Hub     streaming.Hub
	Metrics *metrics.Collector
	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger

	KeepaliveInterval time.Duration
	// ReplayWindow is the number of events retained per execution. Older
	// events are folded into the execution snapshot and truncated. Zero
	// keeps the whole log.
	ReplayWindow int
	// AuthToken, when set, is required as a bearer token on every
	// execution and graph route.
	AuthToken string
	// OriginPatterns is passed to the WebSocket handshake.
	OriginPatterns []string
}

// Gateway publishes execution events and serves them to stream clients.
type Gateway struct {
	opts    Options
	store   store.Store
	hub     streaming.Hub
	metrics *metrics.Collector
	logger  *slog.Logger

	// publishMu keeps log order and fan-out order identical.
	publishMu sync.Mutex
}

// New creates a Gateway. Store is required; a nil Hub gets a MemoryHub.
func New(opts Options) (*Gateway, error) {
	if opts.Store == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "gateway requires a store")
	}
	if opts.Hub == nil {
		opts.Hub = streaming.NewMemoryHub(streaming.WithHubMetrics(opts.Metrics))
	}
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if opts.ReplayWindow < 0 {
		opts.ReplayWindow = 0
	}
	return &Gateway{
		opts:    opts,
		store:   opts.Store,
		hub:     opts.Hub,
		metrics: opts.Metrics,
		logger:  logging.OrDefault(opts.Logger),
	}, nil
}

// Handler returns the HTTP handler for all gateway routes.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", g.handleHealth)
	if g.opts.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(g.opts.Gatherer, promhttp.HandlerOpts{}))
	}

	// Graphs.
	mux.HandleFunc("GET /graphs", g.requireAuth(g.handleListGraphs))
	mux.HandleFunc("PUT /graphs/{id}", g.requireAuth(g.handlePutGraph))
	mux.HandleFunc("GET /graphs/{id}", g.requireAuth(g.handleGetGraph))
	mux.HandleFunc("DELETE /graphs/{id}", g.requireAuth(g.handleDeleteGraph))

	// Executions.
	mux.HandleFunc("POST /executions", g.requireAuth(g.handleCreateExecution))
	mux.HandleFunc("GET /executions/{id}", g.requireAuth(g.handleGetExecution))
	mux.HandleFunc("POST /executions/{id}/events", g.requireAuth(g.handlePublish))

	// Streams. The WebSocket route authenticates after the upgrade so it
	// can answer with a close code.
	mux.HandleFunc("GET /executions/{id}/events", g.requireAuth(g.handleSSE))
	mux.HandleFunc("GET /executions/{id}/ws", g.handleWS)

	return g.instrument(mux)
}

// Publish appends ev to the execution's log and fans it out. It returns the
// assigned sequence number.
func (g *Gateway) Publish(ctx context.Context, executionID string, ev streaming.Event) (int64, error) {
	eventType, data, err := streaming.Encode(ev)
	if err != nil {
		return 0, schema.NewError(schema.ErrCodeValidation, "encode event").WithCause(err)
	}
	return g.publish(ctx, executionID, eventType, data, ev)
}

func (g *Gateway) publish(ctx context.Context, executionID, eventType string, data []byte, ev streaming.Event) (int64, error) {
	g.publishMu.Lock()
	defer g.publishMu.Unlock()

	nodeID, backendID := correlation(ev)
	ctx = logging.WithIDs(ctx, executionID, nodeID, backendID)

	rec := &store.Event{ExecutionID: executionID, Type: eventType, Data: data}
	if err := g.store.AppendEvent(ctx, rec); err != nil {
		return 0, err
	}
	env := streaming.Envelope{ExecutionID: executionID, Seq: rec.Seq, Type: eventType, Data: rec.Data}
	if err := g.hub.Publish(ctx, env); err != nil {
		// The event is durable; subscribers pick it up on resume.
		g.logger.WarnContext(ctx, "fan-out failed", "seq", rec.Seq, "error", err)
	}
	g.metrics.RecordPublished(eventType)
	g.logger.DebugContext(ctx, "event published", "type", eventType, "seq", rec.Seq)

	g.trackStatus(ctx, executionID, ev)
	if w := int64(g.opts.ReplayWindow); w > 0 && rec.Seq > w && rec.Seq%w == 0 {
		if _, err := g.compact(ctx, executionID, g.opts.ReplayWindow); err != nil {
			g.logger.Warn("compact event log", "execution_id", executionID, "error", err)
		}
	}
	return rec.Seq, nil
}

// correlation extracts the node and backend an event concerns, if any.
func correlation(ev streaming.Event) (nodeID, backendID string) {
	switch e := ev.(type) {
	case *streaming.NodeStartEvent:
		return e.NodeID, ""
	case *streaming.NodeCompleteEvent:
		return e.NodeID, ""
	case *streaming.NodeFailedEvent:
		return e.NodeID, ""
	case *streaming.NodeSkippedEvent:
		return e.NodeID, ""
	case *streaming.ContentDeltaEvent:
		return "", e.Backend
	case *streaming.MessageEvent:
		return "", e.Backend
	case *streaming.BackendCompleteEvent:
		return "", e.Backend
	case *streaming.BackendErrorEvent:
		return "", e.Backend
	case *streaming.BackendTimeoutEvent:
		return "", e.Backend
	}
	return "", ""
}

// trackStatus keeps the execution row's status in step with the stream.
func (g *Gateway) trackStatus(ctx context.Context, executionID string, ev streaming.Event) {
	switch e := ev.(type) {
	case *streaming.NodeStartEvent:
		g.setStatus(ctx, executionID, schema.ExecutionRunning)
	case *streaming.ExecutionCompleteEvent:
		if e.Status == schema.ExecutionCompleted {
			// pending -> completed is not a transition; pass through running.
			g.setStatus(ctx, executionID, schema.ExecutionRunning)
		}
		if e.Status != "" {
			g.setStatus(ctx, executionID, e.Status)
		}
	}
}

func (g *Gateway) setStatus(ctx context.Context, executionID string, status schema.ExecutionStatus) {
	err := g.store.UpdateExecutionStatus(ctx, executionID, status, "")
	if err != nil && !schema.HasCode(err, schema.ErrCodeInvalidTransition) {
		g.logger.Warn("update execution status", "execution_id", executionID, "status", status, "error", err)
	}
}

// Compact folds all but the newest keep events into the execution snapshot
// and truncates them from the log. It returns the number of events removed.
func (g *Gateway) Compact(ctx context.Context, executionID string, keep int) (int64, error) {
	g.publishMu.Lock()
	defer g.publishMu.Unlock()
	return g.compact(ctx, executionID, keep)
}

func (g *Gateway) compact(ctx context.Context, executionID string, keep int) (int64, error) {
	latest, err := g.store.LatestSeq(ctx, executionID)
	if err != nil {
		return 0, err
	}
	before := latest - int64(max(keep, 0)) + 1
	if before <= 1 {
		return 0, nil
	}
	exec, err := g.store.GetExecution(ctx, executionID)
	if err != nil {
		return 0, err
	}
	events, err := g.store.GetEvents(ctx, executionID, exec.SnapshotSeq)
	if err != nil {
		return 0, err
	}

	p := projection.NewProjector(nil)
	if exec.Snapshot != nil {
		p.Apply(&streaming.FullSyncEvent{Nodes: exec.Snapshot})
	}
	for _, rec := range events {
		if rec.Seq >= before {
			break
		}
		if ev, ok := g.decode(rec); ok {
			p.Apply(ev)
		}
	}
	// The snapshot lands before the truncation so a failure in between
	// leaves events that re-fold to the same states.
	if err := g.store.SaveSnapshot(ctx, executionID, p.Snapshot(), before-1); err != nil {
		return 0, err
	}
	return g.store.TruncateEvents(ctx, executionID, before)
}

// ExecutionView is an execution with its node projection.
type ExecutionView struct {
	*store.Execution
	Nodes        map[string]schema.NodeState `json:"nodes"`
	Progress     schema.ExecutionStatus      `json:"progress"`
	RetainedFrom int64                       `json:"retained_from"`
}

// Status projects an execution's node states from its snapshot and the
// retained event log. It does not depend on any live connection.
func (g *Gateway) Status(ctx context.Context, executionID string) (*ExecutionView, error) {
	exec, err := g.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	p, _, _, err := g.project(ctx, exec)
	if err != nil {
		return nil, err
	}
	oldest, err := g.store.OldestSeq(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return &ExecutionView{
		Execution:    exec,
		Nodes:        p.Snapshot(),
		Progress:     p.Status(),
		RetainedFrom: oldest,
	}, nil
}

// project rebuilds the projection for exec and returns it with the retained
// conversation and the highest sequence it covers.
func (g *Gateway) project(ctx context.Context, exec *store.Execution) (*projection.Projector, []streaming.Message, int64, error) {
	var nodeIDs []string
	if exec.GraphID != "" {
		rec, err := g.store.GetGraph(ctx, exec.GraphID)
		switch {
		case err == nil:
			nodeIDs = rec.Graph.NodeIDs()
		case schema.HasCode(err, schema.ErrCodeNotFound):
		default:
			return nil, nil, 0, err
		}
	}

	p := projection.NewProjector(nodeIDs)
	if exec.Snapshot != nil {
		p.Apply(&streaming.FullSyncEvent{Nodes: exec.Snapshot})
	}
	events, err := g.store.GetEvents(ctx, exec.ID, exec.SnapshotSeq)
	if err != nil {
		return nil, nil, 0, err
	}

	cursor := max(exec.LastSeq, exec.SnapshotSeq)
	messages := []streaming.Message{}
	for _, rec := range events {
		cursor = max(cursor, rec.Seq)
		ev, ok := g.decode(rec)
		if !ok {
			continue
		}
		p.Apply(ev)
		if m, ok := ev.(*streaming.MessageEvent); ok {
			messages = append(messages, m.Message)
		}
	}
	return p, messages, cursor, nil
}

func (g *Gateway) decode(rec *store.Event) (streaming.Event, bool) {
	ev, err := streaming.Decode(rec.Type, rec.Seq, rec.Data)
	if err != nil {
		g.logger.Warn("skip undecodable log entry",
			"execution_id", rec.ExecutionID, "seq", rec.Seq, "type", rec.Type, "error", err)
		return nil, false
	}
	return ev, true
}
