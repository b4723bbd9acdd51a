package graph

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentgraph/pkg/schema"
)

func chain(t *testing.T) *Model {
	t.Helper()
	m := New(schema.GraphKindWorkflow)
	require.NoError(t, m.AddNode(schema.GraphNode{ID: "t", Kind: schema.KindTrigger}))
	require.NoError(t, m.AddNode(schema.GraphNode{ID: "a", Kind: schema.KindAgent, Config: map[string]any{"agent": "writer"}}))
	require.NoError(t, m.AddNode(schema.GraphNode{ID: "b", Kind: schema.KindSkill}))
	require.NoError(t, m.AddEdge(schema.GraphEdge{Source: "t", Target: "a"}))
	require.NoError(t, m.AddEdge(schema.GraphEdge{Source: "a", Target: "b"}))
	return m
}

func TestModel_AddNodeRejectsDuplicateAndBlank(t *testing.T) {
	m := chain(t)

	err := m.AddNode(schema.GraphNode{ID: "a", Kind: schema.KindSkill})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))

	err = m.AddNode(schema.GraphNode{ID: "  "})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
	assert.Equal(t, 3, m.Len())
}

func TestModel_AddEdgeInvariants(t *testing.T) {
	m := chain(t)

	err := m.AddEdge(schema.GraphEdge{Source: "a", Target: "a"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation), "self-loop")

	err = m.AddEdge(schema.GraphEdge{Source: "a", Target: "b", Label: "different label"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict), "label does not make an edge distinct")

	err = m.AddEdge(schema.GraphEdge{Source: "a", Target: "ghost"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))

	// A different handle is a different edge.
	require.NoError(t, m.AddEdge(schema.GraphEdge{Source: "a", Target: "b", SourceHandle: "true"}))
	assert.Len(t, m.Edges(), 3)
	assert.Equal(t, []string{"b"}, m.Successors("a"))
}

func TestModel_RemoveNodeCascadesEdges(t *testing.T) {
	m := chain(t)

	require.NoError(t, m.RemoveNode("a"))

	assert.Equal(t, []string{"t", "b"}, m.NodeIDs())
	assert.Empty(t, m.Edges())
	_, ok := m.Node("a")
	assert.False(t, ok)

	n, ok := m.Node("b")
	require.True(t, ok)
	assert.Equal(t, schema.KindSkill, n.Kind)

	assert.True(t, schema.HasCode(m.RemoveNode("a"), schema.ErrCodeNotFound))
}

func TestModel_RemoveEdge(t *testing.T) {
	m := chain(t)
	assert.True(t, m.RemoveEdge(schema.EdgeKey{Source: "t", Target: "a"}))
	assert.False(t, m.RemoveEdge(schema.EdgeKey{Source: "t", Target: "a"}))
	assert.Empty(t, m.Predecessors("a"))
}

func TestModel_UpdateConfig(t *testing.T) {
	m := chain(t)
	require.NoError(t, m.UpdateConfig("b", "skill", "summarize"))
	n, _ := m.Node("b")
	assert.Equal(t, "summarize", n.Config["skill"])

	require.NoError(t, m.UpdateConfig("b", "skill", nil))
	n, _ = m.Node("b")
	assert.NotContains(t, n.Config, "skill")

	assert.True(t, schema.HasCode(m.UpdateConfig("nope", "k", 1), schema.ErrCodeNotFound))
}

func TestModel_CloneIsIndependent(t *testing.T) {
	m := chain(t)
	m.SetSettings(json.RawMessage(`{"positions":{"a":{"x":1,"y":2}}}`))

	c := m.Clone()
	require.NoError(t, c.UpdateConfig("a", "agent", "reviewer"))
	require.NoError(t, c.RemoveNode("b"))

	n, _ := m.Node("a")
	assert.Equal(t, "writer", n.Config["agent"])
	assert.Equal(t, 3, m.Len())
	assert.JSONEq(t, string(m.Settings()), string(c.Settings()))
}

func TestModel_ReplaceEdgesIsAtomic(t *testing.T) {
	m := chain(t)
	before := m.Edges()

	err := m.ReplaceEdges([]schema.GraphEdge{{Source: "b", Target: "a"}, {Source: "b", Target: "b"}})
	require.Error(t, err)
	assert.Equal(t, before, m.Edges())

	require.NoError(t, m.ReplaceEdges([]schema.GraphEdge{{Source: "b", Target: "a"}}))
	assert.Equal(t, []string{"b"}, m.Predecessors("a"))
}

func TestFromGraph_KeepsDefectsForValidation(t *testing.T) {
	g := &schema.Graph{
		Nodes: []schema.GraphNode{{ID: "x"}, {ID: "x"}},
		Edges: []schema.GraphEdge{{Source: "x", Target: "x"}},
	}
	m := FromGraph(schema.GraphKindWorkflow, g)
	out := m.Graph()
	assert.Len(t, out.Nodes, 2)
	assert.Len(t, out.Edges, 1)
}

func TestBuildAdjacency(t *testing.T) {
	a := BuildAdjacency([]string{"a", "b", "c"}, []schema.GraphEdge{
		{Source: "a", Target: "b"},
		{Source: "a", Target: "b", SourceHandle: "true"},
		{Source: "b", Target: "c"},
		{Source: "c", Target: "c"},
		{Source: "c", Target: "zzz"},
	})

	assert.Equal(t, []string{"b"}, a.Out["a"])
	assert.Equal(t, []string{"c"}, a.Out["b"])
	assert.Len(t, a.SelfLoops, 1)
	assert.Len(t, a.Dangling, 1)
	assert.True(t, a.HasEdge("c", "c"))
	assert.Equal(t, 3, a.EdgeCount())
	assert.Equal(t, map[string]bool{"b": true, "c": true}, a.Reachable("b"))
}
