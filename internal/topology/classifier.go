// Package topology recognizes canonical team collaboration patterns in an
// edge set and generates edge sets from a chosen pattern.
package topology

import (
	"slices"

	"github.com/rendis/agentgraph/internal/graph"
	"github.com/rendis/agentgraph/pkg/schema"
)

// Pattern names a canonical collaboration topology.
type Pattern string

const (
	Sequential      Pattern = "sequential"
	Parallel        Pattern = "parallel"
	Coordinator     Pattern = "coordinator"
	GeneratorCritic Pattern = "generator_critic"
	Hierarchical    Pattern = "hierarchical"

	// Composite and HumanInLoop are stored but never inferred or generated.
	Composite   Pattern = "composite"
	HumanInLoop Pattern = "human_in_loop"
)

// Params parameterize a pattern for Expand.
type Params struct {
	Order     []string `json:"order,omitempty" yaml:"order,omitempty"`
	Hub       string   `json:"hub,omitempty" yaml:"hub,omitempty"`
	Lead      string   `json:"lead,omitempty" yaml:"lead,omitempty"`
	Generator string   `json:"generator,omitempty" yaml:"generator,omitempty"`
	Critic    string   `json:"critic,omitempty" yaml:"critic,omitempty"`
	// Existing carries stored edges for patterns that preserve manual layouts.
	Existing []schema.GraphEdge `json:"edges,omitempty" yaml:"edges,omitempty"`
}

// Result is the outcome of Infer: either Recognized or Unrecognized.
type Result interface {
	isResult()
}

// Recognized is a matched pattern with the parameters that reproduce it.
type Recognized struct {
	Pattern Pattern
	Params  Params
}

// Unrecognized keeps the input edges verbatim.
type Unrecognized struct {
	Edges []schema.GraphEdge
}

func (Recognized) isResult()   {}
func (Unrecognized) isResult() {}

// PatternOf returns the recognized pattern, or "" for Unrecognized.
func PatternOf(r Result) Pattern {
	if rec, ok := r.(Recognized); ok {
		return rec.Pattern
	}
	return ""
}

// Infer classifies an edge set over the given nodes. Rules are tried in
// order and the first match wins:
//  1. no edges and more than one node: parallel
//  2. two nodes linked both ways: generator_critic
//  3. one hub linked both ways with every other node, no other edges: coordinator
//  4. a single root whose tree reaches every node and branches somewhere: hierarchical
//  5. a single path through every node: sequential
//
// Self-loops and edges touching unknown nodes are ignored for matching but
// kept in Unrecognized.
func Infer(nodeIDs []string, edges []schema.GraphEdge) Result {
	ids := uniqueIDs(nodeIDs)
	unrecognized := Unrecognized{Edges: slices.Clone(edges)}
	if len(ids) == 0 {
		return unrecognized
	}

	adj := graph.BuildAdjacency(ids, classifiable(edges))
	edgeCount := adj.EdgeCount()

	if edgeCount == 0 {
		if len(ids) > 1 {
			return Recognized{Pattern: Parallel}
		}
		return unrecognized
	}
	if r, ok := matchGeneratorCritic(ids, adj); ok {
		return r
	}
	if r, ok := matchCoordinator(ids, adj, edgeCount); ok {
		return r
	}
	if r, ok := matchHierarchical(ids, adj, edgeCount); ok {
		return r
	}
	if r, ok := matchSequential(ids, adj); ok {
		return r
	}
	return unrecognized
}

func matchGeneratorCritic(ids []string, adj *graph.Adjacency) (Result, bool) {
	if len(ids) != 2 {
		return nil, false
	}
	a, b := ids[0], ids[1]
	if !adj.HasEdge(a, b) || !adj.HasEdge(b, a) {
		return nil, false
	}
	return Recognized{Pattern: GeneratorCritic, Params: Params{Generator: a, Critic: b}}, true
}

func matchCoordinator(ids []string, adj *graph.Adjacency, edgeCount int) (Result, bool) {
	if len(ids) < 3 || edgeCount != 2*(len(ids)-1) {
		return nil, false
	}
	for _, hub := range ids {
		if len(adj.Out[hub]) != len(ids)-1 || len(adj.In[hub]) != len(ids)-1 {
			continue
		}
		// Hub edges account for every edge, so no spoke-to-spoke edge exists.
		return Recognized{Pattern: Coordinator, Params: Params{Hub: hub}}, true
	}
	return nil, false
}

func matchHierarchical(ids []string, adj *graph.Adjacency, edgeCount int) (Result, bool) {
	if edgeCount != len(ids)-1 {
		return nil, false
	}
	root := ""
	branches := false
	for _, id := range ids {
		in, out := len(adj.In[id]), len(adj.Out[id])
		switch {
		case in == 0:
			if root != "" || out == 0 {
				return nil, false
			}
			root = id
		case in != 1:
			return nil, false
		}
		if out >= 2 {
			branches = true
		}
	}
	if root == "" || !branches || len(adj.Reachable(root)) != len(ids) {
		return nil, false
	}
	return Recognized{Pattern: Hierarchical, Params: Params{Lead: root, Existing: pairEdges(ids, adj)}}, true
}

func matchSequential(ids []string, adj *graph.Adjacency) (Result, bool) {
	head := ""
	for _, id := range ids {
		if len(adj.In[id]) > 1 || len(adj.Out[id]) > 1 {
			return nil, false
		}
		if len(adj.In[id]) == 0 {
			if head != "" {
				return nil, false
			}
			head = id
		}
	}
	if head == "" {
		return nil, false
	}

	order := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for cur := head; ; {
		if seen[cur] {
			return nil, false
		}
		seen[cur] = true
		order = append(order, cur)
		next := adj.Out[cur]
		if len(next) == 0 {
			break
		}
		cur = next[0]
	}
	if len(order) != len(ids) {
		return nil, false
	}
	return Recognized{Pattern: Sequential, Params: Params{Order: order}}, true
}

// classifiable drops self-loops; BuildAdjacency already ignores unknown endpoints.
func classifiable(edges []schema.GraphEdge) []schema.GraphEdge {
	out := make([]schema.GraphEdge, 0, len(edges))
	for _, e := range edges {
		if e.Source != e.Target {
			out = append(out, e)
		}
	}
	return out
}

// ClassifiedEdges returns the distinct (source, target) pairs Infer matches
// against, as handle-less edges in node order.
func ClassifiedEdges(nodeIDs []string, edges []schema.GraphEdge) []schema.GraphEdge {
	ids := uniqueIDs(nodeIDs)
	return pairEdges(ids, graph.BuildAdjacency(ids, classifiable(edges)))
}

func pairEdges(ids []string, adj *graph.Adjacency) []schema.GraphEdge {
	var out []schema.GraphEdge
	for _, id := range ids {
		for _, t := range adj.Out[id] {
			out = append(out, schema.GraphEdge{Source: id, Target: t})
		}
	}
	return out
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
