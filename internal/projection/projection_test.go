package projection

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentgraph/internal/graph"
	"github.com/rendis/agentgraph/internal/streaming"
	"github.com/rendis/agentgraph/internal/validation"
	"github.com/rendis/agentgraph/pkg/schema"
)

func start(id string) streaming.Event {
	return &streaming.NodeStartEvent{NodeProgress: streaming.NodeProgress{NodeID: id}}
}

func done(id string) streaming.Event {
	return &streaming.NodeCompleteEvent{NodeProgress: streaming.NodeProgress{NodeID: id}}
}

func TestProject_Empty(t *testing.T) {
	got := Project([]string{"a", "b"}, nil)
	assert.Equal(t, map[string]schema.NodeState{"a": schema.NodePending, "b": schema.NodePending}, got)
}

func TestProject_Fold(t *testing.T) {
	got := Project([]string{"a", "b", "c", "d"}, []streaming.Event{
		start("a"), done("a"),
		start("b"),
		&streaming.NodeFailedEvent{NodeProgress: streaming.NodeProgress{NodeID: "b", Error: "exit 1"}},
		&streaming.NodeSkippedEvent{NodeProgress: streaming.NodeProgress{NodeID: "c"}},
		&streaming.MessageEvent{},
	})
	assert.Equal(t, map[string]schema.NodeState{
		"a": schema.NodeCompleted,
		"b": schema.NodeFailed,
		"c": schema.NodeSkipped,
		"d": schema.NodePending,
	}, got)
}

func TestProject_FullSyncReplaces(t *testing.T) {
	got := Project([]string{"a", "b", "c"}, []streaming.Event{
		start("a"), done("a"), start("b"),
		&streaming.FullSyncEvent{Nodes: map[string]schema.NodeState{"c": schema.NodeRunning}},
	})
	// Nodes absent from the snapshot fall back to pending, not to their prior state.
	assert.Equal(t, map[string]schema.NodeState{
		"a": schema.NodePending,
		"b": schema.NodePending,
		"c": schema.NodeRunning,
	}, got)

	got = Project([]string{"a"}, []streaming.Event{
		done("a"),
		&streaming.FullSyncEvent{Messages: []streaming.Message{{Role: "user", Content: "hi"}}},
	})
	assert.Equal(t, schema.NodeCompleted, got["a"], "a snapshot without nodes leaves the projection alone")
}

func TestProjector_EmptyFullSyncOverWire(t *testing.T) {
	p := NewProjector([]string{"x"})
	p.Apply(start("x"))
	require.Equal(t, schema.NodeRunning, p.Snapshot()["x"])

	name, data, err := streaming.Encode(&streaming.FullSyncEvent{Nodes: map[string]schema.NodeState{}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"messages":null,"nodes":{}}`, string(data))

	ev, err := streaming.Decode(name, 4, data)
	require.NoError(t, err)
	assert.NotNil(t, ev.(*streaming.FullSyncEvent).Nodes)

	assert.True(t, p.Apply(ev))
	assert.Equal(t, map[string]schema.NodeState{"x": schema.NodePending}, p.Snapshot())
}

// A -> B -> C sequential workflow, end to end from the graph model.
func TestProject_SequentialScenario(t *testing.T) {
	m := graph.New(schema.GraphKindWorkflow)
	require.NoError(t, m.AddNode(schema.GraphNode{ID: "A", Kind: schema.KindTrigger, Config: map[string]any{"event": "push"}}))
	require.NoError(t, m.AddNode(schema.GraphNode{ID: "B", Kind: schema.KindScript, Config: map[string]any{"script": "echo hi"}}))
	require.NoError(t, m.AddNode(schema.GraphNode{ID: "C", Kind: schema.KindScript, Config: map[string]any{"script": "echo bye"}}))
	require.NoError(t, m.AddEdge(schema.GraphEdge{Source: "A", Target: "B"}))
	require.NoError(t, m.AddEdge(schema.GraphEdge{Source: "B", Target: "C"}))

	res := validation.Validate(m.Graph())
	require.True(t, res.Valid(), "%+v", res.Errors)

	p := NewProjector(m.NodeIDs())
	var snaps []map[string]schema.NodeState
	p.OnChange(func(s map[string]schema.NodeState) { snaps = append(snaps, s) })

	for _, ev := range []streaming.Event{
		start("A"), done("A"),
		start("B"), done("B"),
		start("C"), done("C"),
		&streaming.ExecutionCompleteEvent{Status: schema.ExecutionCompleted},
	} {
		ev.Accept(p)
	}

	assert.Equal(t, map[string]schema.NodeState{
		"A": schema.NodeCompleted, "B": schema.NodeCompleted, "C": schema.NodeCompleted,
	}, p.Snapshot())
	assert.Equal(t, schema.ExecutionCompleted, p.Status())
	require.Len(t, snaps, 6)
	assert.Equal(t, schema.NodeRunning, snaps[2]["B"])
	assert.Equal(t, schema.NodeCompleted, snaps[2]["A"])
	assert.Equal(t, schema.NodePending, snaps[2]["C"])
}

func TestProjector_ApplyReportsChange(t *testing.T) {
	p := NewProjector([]string{"a"})
	assert.Equal(t, schema.ExecutionPending, p.Status())
	assert.True(t, p.Apply(start("a")))
	assert.False(t, p.Apply(start("a")))
	assert.False(t, p.Apply(nil))
	assert.Equal(t, schema.ExecutionRunning, p.Status())

	snap := p.Snapshot()
	snap["a"] = schema.NodeFailed
	assert.Equal(t, schema.NodeRunning, p.Snapshot()["a"], "snapshots are copies")
}

func TestProjector_Concurrent(t *testing.T) {
	ids := []string{"a", "b", "c", "d"}
	p := NewProjector(ids)
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Apply(start(id))
			p.Apply(done(id))
			_ = p.Snapshot()
		}()
	}
	wg.Wait()
	for _, id := range ids {
		assert.Equal(t, schema.NodeCompleted, p.Snapshot()[id])
	}
}
