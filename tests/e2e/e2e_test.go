package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentgraph/internal/coordinator"
	"github.com/rendis/agentgraph/internal/gateway"
	"github.com/rendis/agentgraph/internal/logging"
	"github.com/rendis/agentgraph/internal/metrics"
	"github.com/rendis/agentgraph/internal/projection"
	"github.com/rendis/agentgraph/internal/store"
	"github.com/rendis/agentgraph/internal/streaming"
	agentmcp "github.com/rendis/agentgraph/pkg/mcp"
	"github.com/rendis/agentgraph/pkg/schema"
)

// --- Test infrastructure ---

// testEnv wires the real store, hub, gateway and MCP server behind one
// HTTP server, the way the serve command does.
type testEnv struct {
	store   *store.LibSQLStore
	hub     *streaming.MemoryHub
	gateway *gateway.Gateway
	tools   *agentmcp.Server
	srv     *httptest.Server
}

func newTestEnv(t *testing.T, replayWindow int) *testEnv {
	t.Helper()

	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "e2e.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	reg := prometheus.NewRegistry()
	m := metrics.NewCollector("agentgraph", reg)
	logger := logging.Discard()
	hub := streaming.NewMemoryHub(streaming.WithHubMetrics(m))

	gw, err := gateway.New(gateway.Options{
		Store:             s,
		Hub:               hub,
		Metrics:           m,
		Gatherer:          reg,
		Logger:            logger,
		KeepaliveInterval: time.Second,
		ReplayWindow:      replayWindow,
	})
	require.NoError(t, err)

	tools, err := agentmcp.NewServer(agentmcp.ServerDeps{Store: s, Status: gw, Metrics: m, Logger: logger})
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.Handle("/mcp", tools.HTTPHandler())
	mux.Handle("/", gw.Handler())
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &testEnv{store: s, hub: hub, gateway: gw, tools: tools, srv: srv}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

// publish pushes one event through the HTTP publish endpoint.
func (e *testEnv) publish(t *testing.T, executionID string, ev streaming.Event) int64 {
	t.Helper()
	eventType, data, err := streaming.Encode(ev)
	require.NoError(t, err)
	var out struct {
		Seq int64 `json:"seq"`
	}
	code := e.do(t, http.MethodPost, "/executions/"+executionID+"/events",
		map[string]any{"type": eventType, "data": data}, &out)
	require.Equal(t, http.StatusAccepted, code)
	return out.Seq
}

func (e *testEnv) createExecution(t *testing.T, graphID string) string {
	t.Helper()
	var exec store.Execution
	code := e.do(t, http.MethodPost, "/executions", map[string]string{"graph_id": graphID}, &exec)
	require.Equal(t, http.StatusCreated, code)
	require.NotEmpty(t, exec.ID)
	return exec.ID
}

// recorder collects every event a client dispatches.
type recorder struct {
	mu     sync.Mutex
	events []streaming.Event
	next   streaming.Handler
}

func (r *recorder) handler() streaming.Handler {
	return streaming.HandlerFunc(func(ev streaming.Event) {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
		if r.next != nil {
			ev.Accept(r.next)
		}
	})
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type())
	}
	return out
}

func (r *recorder) seqs() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int64, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Seq())
	}
	return out
}

func openClient(t *testing.T, tr streaming.Transport, endpoint string, since int64, h streaming.Handler) *streaming.Client {
	t.Helper()
	opts := streaming.DefaultOptions()
	opts.Transport = tr
	opts.Handler = h
	opts.Logger = logging.Discard()
	c, err := streaming.NewClient(opts)
	require.NoError(t, err)
	require.NoError(t, c.Open(context.Background(), endpoint, since))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitSeq(t *testing.T, c *streaming.Client, seq int64) {
	t.Helper()
	require.Eventually(t, func() bool { return c.LastSeq() >= seq },
		5*time.Second, 10*time.Millisecond, "client stuck at seq %d", c.LastSeq())
}

func nodeStart(id string) streaming.Event {
	return &streaming.NodeStartEvent{NodeProgress: streaming.NodeProgress{NodeID: id}}
}

func nodeComplete(id string) streaming.Event {
	return &streaming.NodeCompleteEvent{NodeProgress: streaming.NodeProgress{NodeID: id}}
}

func nodeFailed(id, msg string) streaming.Event {
	return &streaming.NodeFailedEvent{NodeProgress: streaming.NodeProgress{NodeID: id, Error: msg}}
}

func executionComplete(status schema.ExecutionStatus) streaming.Event {
	return &streaming.ExecutionCompleteEvent{Status: status}
}

var reportWorkflow = &schema.Graph{
	Nodes: []schema.GraphNode{
		{ID: "start", Kind: schema.KindTrigger},
		{ID: "collect", Kind: schema.KindSkill, Config: map[string]any{"skill": "collect"}},
		{ID: "report", Kind: schema.KindSkill, Config: map[string]any{"skill": "report"}},
	},
	Edges: []schema.GraphEdge{
		{Source: "start", Target: "collect"},
		{Source: "collect", Target: "report"},
	},
}

// --- Tests ---

func TestExecutionLifecycle_SSE(t *testing.T) {
	env := newTestEnv(t, 0)

	code := env.do(t, http.MethodPut, "/graphs/report", map[string]any{"name": "report", "graph": reportWorkflow}, nil)
	require.Equal(t, http.StatusOK, code)
	id := env.createExecution(t, "report")

	proj := projection.NewProjector(reportWorkflow.NodeIDs())
	rec := &recorder{next: proj}
	client := openClient(t, &streaming.SSETransport{}, env.srv.URL+"/executions/"+id+"/events", 0, rec.handler())
	require.Eventually(t, func() bool { return client.State() == streaming.StateOpen }, 5*time.Second, 10*time.Millisecond)

	for _, ev := range []streaming.Event{
		nodeStart("start"), nodeComplete("start"),
		nodeStart("collect"), nodeComplete("collect"),
		nodeStart("report"), nodeFailed("report", "template missing"),
		executionComplete(schema.ExecutionFailed),
	} {
		env.publish(t, id, ev)
	}
	waitSeq(t, client, 7)

	want := map[string]schema.NodeState{
		"start":   schema.NodeCompleted,
		"collect": schema.NodeCompleted,
		"report":  schema.NodeFailed,
	}
	assert.Equal(t, want, proj.Snapshot())
	assert.Equal(t, schema.ExecutionFailed, proj.Status())
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6, 7}, rec.seqs())
	assert.Zero(t, client.Stats().Gaps)

	var view gateway.ExecutionView
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/executions/"+id, nil, &view))
	assert.Equal(t, schema.ExecutionFailed, view.Status)
	assert.Equal(t, want, view.Nodes)
	assert.Equal(t, int64(7), view.LastSeq)
}

func TestResumeAfterCompaction_WS(t *testing.T) {
	env := newTestEnv(t, 3)
	code := env.do(t, http.MethodPut, "/graphs/report", map[string]any{"name": "report", "graph": reportWorkflow}, nil)
	require.Equal(t, http.StatusOK, code)
	id := env.createExecution(t, "report")
	endpoint := "ws" + env.srv.URL[len("http"):] + "/executions/" + id + "/ws"

	first := &recorder{}
	client := openClient(t, &streaming.WSTransport{}, endpoint, 0, first.handler())
	require.Eventually(t, func() bool { return client.State() == streaming.StateOpen }, 5*time.Second, 10*time.Millisecond)
	env.publish(t, id, nodeStart("start"))
	env.publish(t, id, nodeComplete("start"))
	env.publish(t, id, nodeStart("collect"))
	waitSeq(t, client, 3)
	require.NoError(t, client.Close())

	// Published while disconnected; the window compacts at seq 6 and 9.
	env.publish(t, id, nodeComplete("collect"))
	env.publish(t, id, nodeStart("report"))
	env.publish(t, id, nodeComplete("report"))
	env.publish(t, id, &streaming.MessageEvent{Message: streaming.Message{Role: "assistant", Content: "report ready"}})
	env.publish(t, id, &streaming.StatusChangeEvent{Status: schema.SessionIdle})
	env.publish(t, id, executionComplete(schema.ExecutionCompleted))

	proj := projection.NewProjector(reportWorkflow.NodeIDs())
	second := &recorder{next: proj}
	resumed := openClient(t, &streaming.WSTransport{}, endpoint, 3, second.handler())
	waitSeq(t, resumed, 9)

	types := second.types()
	require.NotEmpty(t, types)
	assert.Equal(t, schema.EventFullSync, types[0], "cursor 3 fell out of the retained window")
	for _, st := range proj.Snapshot() {
		assert.Equal(t, schema.NodeCompleted, st)
	}
	assert.Zero(t, resumed.Stats().Gaps)

	second.mu.Lock()
	full, ok := second.events[0].(*streaming.FullSyncEvent)
	second.mu.Unlock()
	require.True(t, ok)
	assert.Equal(t, int64(9), full.Seq())
	require.Len(t, full.Messages, 1)
	assert.Equal(t, "report ready", full.Messages[0].Content)
}

func TestMultiBackendDispatch_OverStream(t *testing.T) {
	env := newTestEnv(t, 0)
	id := env.createExecution(t, "")

	coord := coordinator.New(coordinator.Options{Logger: logging.Discard()})
	h := coord.Dispatch([]string{"claude", "codex"}, coordinator.DispatchOptions{})

	handler := streaming.HandlerFunc(func(ev streaming.Event) { coord.OnEvent(ev) })
	client := openClient(t, &streaming.SSETransport{}, env.srv.URL+"/executions/"+id+"/events", 0, handler)
	require.Eventually(t, func() bool { return client.State() == streaming.StateOpen }, 5*time.Second, 10*time.Millisecond)

	env.publish(t, id, &streaming.ContentDeltaEvent{Backend: "claude", Content: "hel"})
	env.publish(t, id, &streaming.ContentDeltaEvent{Backend: "gemini", Content: "late joiner"})
	env.publish(t, id, &streaming.ContentDeltaEvent{Backend: "claude", Content: "lo"})
	env.publish(t, id, &streaming.BackendCompleteEvent{BackendSignal: streaming.BackendSignal{Backend: "claude"}})
	env.publish(t, id, &streaming.BackendErrorEvent{BackendSignal: streaming.BackendSignal{Backend: "codex", Error: "rate limited"}})
	env.publish(t, id, &streaming.BackendCompleteEvent{BackendSignal: streaming.BackendSignal{Backend: "gemini"}})
	waitSeq(t, client, 6)

	// Everything has finished, but the set is not authoritative yet.
	assert.True(t, coord.Active())
	coord.Finalize([]string{"claude", "codex", "gemini"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.Wait(ctx))

	snap := coord.Snapshot()
	assert.False(t, snap.Active)
	assert.Equal(t, []string{"claude", "codex", "gemini"}, snap.Order)
	assert.Equal(t, "hello", snap.Backends["claude"].Content)
	assert.Equal(t, schema.BackendError, snap.Backends["codex"].Status)
	assert.Equal(t, schema.BackendComplete, snap.Backends["gemini"].Status)
}
