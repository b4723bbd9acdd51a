// Package graph holds the editable in-memory graph shared by workflows and
// team topologies, plus its persisted document codec.
package graph

import (
	"encoding/json"
	"maps"
	"slices"
	"strings"

	"github.com/rendis/agentgraph/pkg/schema"
)

// Model is a graph owned by a single editing session. It is not safe for
// concurrent mutation; derived views (validation, topology) take copies.
type Model struct {
	kind  schema.GraphKind
	nodes []schema.GraphNode
	edges []schema.GraphEdge
	index map[string]int

	settings json.RawMessage
}

// New creates an empty model of the given kind.
func New(kind schema.GraphKind) *Model {
	return &Model{kind: kind, index: make(map[string]int)}
}

// FromGraph builds a model from a persisted graph. Nodes and edges are copied
// as-is, defects included; use Validate to report them.
func FromGraph(kind schema.GraphKind, g *schema.Graph) *Model {
	m := New(kind)
	if g == nil {
		return m
	}
	for _, n := range g.Nodes {
		n.Config = maps.Clone(n.Config)
		m.nodes = append(m.nodes, n)
		if _, dup := m.index[n.ID]; !dup {
			m.index[n.ID] = len(m.nodes) - 1
		}
	}
	m.edges = slices.Clone(g.Edges)
	m.settings = slices.Clone(g.Settings)
	return m
}

// Kind reports whether this is a workflow or team graph.
func (m *Model) Kind() schema.GraphKind { return m.kind }

// Graph returns a deep-enough copy suitable for persistence or validation.
func (m *Model) Graph() *schema.Graph {
	g := &schema.Graph{
		Nodes:    make([]schema.GraphNode, 0, len(m.nodes)),
		Edges:    slices.Clone(m.edges),
		Settings: slices.Clone(m.settings),
	}
	for _, n := range m.nodes {
		n.Config = maps.Clone(n.Config)
		g.Nodes = append(g.Nodes, n)
	}
	if g.Edges == nil {
		g.Edges = []schema.GraphEdge{}
	}
	return g
}

// Len returns the number of nodes.
func (m *Model) Len() int { return len(m.nodes) }

// Node returns a copy of the node with the given ID.
func (m *Model) Node(id string) (schema.GraphNode, bool) {
	i, ok := m.index[id]
	if !ok {
		return schema.GraphNode{}, false
	}
	n := m.nodes[i]
	n.Config = maps.Clone(n.Config)
	return n, true
}

// NodeIDs returns IDs in declaration order.
func (m *Model) NodeIDs() []string {
	ids := make([]string, 0, len(m.nodes))
	for _, n := range m.nodes {
		ids = append(ids, n.ID)
	}
	return ids
}

// Edges returns a copy of the edge list.
func (m *Model) Edges() []schema.GraphEdge { return slices.Clone(m.edges) }

// AddNode appends a node. IDs must be non-blank and unique.
func (m *Model) AddNode(n schema.GraphNode) error {
	if strings.TrimSpace(n.ID) == "" {
		return schema.NewError(schema.ErrCodeValidation, "node id is required")
	}
	if _, exists := m.index[n.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "node %q already exists", n.ID).WithNode(n.ID)
	}
	n.Config = maps.Clone(n.Config)
	m.nodes = append(m.nodes, n)
	m.index[n.ID] = len(m.nodes) - 1
	return nil
}

// RemoveNode deletes a node and every edge touching it.
func (m *Model) RemoveNode(id string) error {
	i, ok := m.index[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "node %q not found", id).WithNode(id)
	}
	m.nodes = slices.Delete(m.nodes, i, i+1)
	m.edges = slices.DeleteFunc(m.edges, func(e schema.GraphEdge) bool {
		return e.Source == id || e.Target == id
	})
	m.reindex()
	return nil
}

// UpdateConfig sets (or, for a nil value, clears) one config key on a node.
func (m *Model) UpdateConfig(id, key string, value any) error {
	i, ok := m.index[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "node %q not found", id).WithNode(id)
	}
	if value == nil {
		delete(m.nodes[i].Config, key)
		return nil
	}
	if m.nodes[i].Config == nil {
		m.nodes[i].Config = make(map[string]any)
	}
	m.nodes[i].Config[key] = value
	return nil
}

// AddEdge connects two existing nodes. Self-loops and duplicate
// (source, target, sourceHandle, targetHandle) tuples are rejected.
func (m *Model) AddEdge(e schema.GraphEdge) error {
	if e.Source == e.Target {
		return schema.NewErrorf(schema.ErrCodeValidation, "self-loop on %q is not allowed", e.Source).WithNode(e.Source)
	}
	for _, id := range []string{e.Source, e.Target} {
		if _, ok := m.index[id]; !ok {
			return schema.NewErrorf(schema.ErrCodeNotFound, "node %q not found", id).WithNode(id)
		}
	}
	key := e.Key()
	for _, existing := range m.edges {
		if existing.Key() == key {
			return schema.NewErrorf(schema.ErrCodeConflict, "edge %s -> %s already exists", e.Source, e.Target)
		}
	}
	m.edges = append(m.edges, e)
	return nil
}

// RemoveEdge deletes the edge with the given identity. It reports whether one was removed.
func (m *Model) RemoveEdge(key schema.EdgeKey) bool {
	before := len(m.edges)
	m.edges = slices.DeleteFunc(m.edges, func(e schema.GraphEdge) bool { return e.Key() == key })
	return len(m.edges) != before
}

// ReplaceEdges swaps the whole edge list, e.g. after expanding a topology pattern.
// Every edge is checked with the same rules as AddEdge; on error the model is unchanged.
func (m *Model) ReplaceEdges(edges []schema.GraphEdge) error {
	saved := m.edges
	m.edges = nil
	for _, e := range edges {
		if err := m.AddEdge(e); err != nil {
			m.edges = saved
			return err
		}
	}
	return nil
}

// Settings returns the opaque layout metadata.
func (m *Model) Settings() json.RawMessage { return slices.Clone(m.settings) }

// SetSettings replaces the opaque layout metadata.
func (m *Model) SetSettings(raw json.RawMessage) { m.settings = slices.Clone(raw) }

// Successors returns the targets of a node's outgoing edges, deduplicated, in edge order.
func (m *Model) Successors(id string) []string {
	return BuildAdjacency(m.NodeIDs(), m.edges).Out[id]
}

// Predecessors returns the sources of a node's incoming edges, deduplicated, in edge order.
func (m *Model) Predecessors(id string) []string {
	return BuildAdjacency(m.NodeIDs(), m.edges).In[id]
}

func (m *Model) reindex() {
	clear(m.index)
	for i, n := range m.nodes {
		if _, dup := m.index[n.ID]; !dup {
			m.index[n.ID] = i
		}
	}
}

// Clone returns an independent copy of the model.
func (m *Model) Clone() *Model {
	return FromGraph(m.kind, m.Graph())
}
