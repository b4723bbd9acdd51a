package validation

import (
	"fmt"
	"slices"
	"strings"

	"github.com/rendis/agentgraph/internal/graph"
	"github.com/rendis/agentgraph/pkg/schema"
)

// validateStructure reports duplicate node ids, edges to unknown nodes and
// repeated edges.
func validateStructure(g *schema.Graph) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	known := make(map[string]bool, len(g.Nodes))
	for i, n := range g.Nodes {
		path := fmt.Sprintf("nodes[%d]", i)
		if strings.TrimSpace(n.ID) == "" {
			result.AddError(path+".id", schema.ErrCodeValidation, "node id is required")
			continue
		}
		if known[n.ID] {
			result.AddError(path+".id", schema.ErrCodeDuplicateNode,
				fmt.Sprintf("duplicate node id %q", n.ID), n.ID)
			continue
		}
		known[n.ID] = true
	}

	seen := make(map[schema.EdgeKey]bool, len(g.Edges))
	for i, e := range g.Edges {
		path := fmt.Sprintf("edges[%d]", i)
		for _, end := range []string{e.Source, e.Target} {
			if !known[end] {
				result.AddError(path, schema.ErrCodeDanglingEdge,
					fmt.Sprintf("edge %s -> %s references unknown node %q", e.Source, e.Target, end))
			}
		}
		if seen[e.Key()] {
			result.AddWarning(path, schema.ErrCodeDuplicateEdge,
				fmt.Sprintf("duplicate edge %s -> %s", e.Source, e.Target), e.Source, e.Target)
		}
		seen[e.Key()] = true
	}

	return result
}

// validateEntry checks that the workflow has a trigger and flags nodes that
// nothing connects to.
func validateEntry(g *schema.Graph) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	var triggers []string
	for _, n := range g.Nodes {
		if n.Kind == schema.KindTrigger {
			triggers = append(triggers, n.ID)
		}
	}
	switch {
	case len(triggers) == 0:
		result.AddError("nodes", schema.ErrCodeMissingEntry,
			"workflow requires at least one trigger node as its entry point")
	case len(triggers) > 1:
		result.AddWarning("nodes", schema.ErrCodeMultipleEntries,
			fmt.Sprintf("workflow has %d trigger nodes; executions may start from any of them", len(triggers)),
			triggers...)
	}

	incident := make(map[string]bool, len(g.Nodes))
	outgoing := make(map[string]bool, len(g.Nodes))
	for _, e := range g.Edges {
		incident[e.Source] = true
		incident[e.Target] = true
		outgoing[e.Source] = true
	}

	for i, n := range g.Nodes {
		path := fmt.Sprintf("nodes[%d]", i)
		if n.Kind == schema.KindTrigger {
			if len(g.Edges) > 0 && !outgoing[n.ID] {
				result.AddWarning(path, schema.ErrCodeOrphanNode,
					fmt.Sprintf("trigger %q has no outgoing edges", n.ID), n.ID)
			}
			continue
		}
		if !incident[n.ID] {
			result.AddWarning(path, schema.ErrCodeOrphanNode,
				fmt.Sprintf("node %q is not connected to any other node", n.ID), n.ID)
		}
	}

	return result
}

// validateCycles reports the first cycle found by a depth-first search that
// starts from nodes in declaration order. The reported node set is the
// recursion-stack suffix beginning at the re-entered node.
func validateCycles(g *schema.Graph) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	cycle := FindCycle(g.NodeIDs(), g.Edges)
	if cycle == nil {
		return result
	}
	closed := append(slices.Clone(cycle), cycle[0])
	result.AddError("edges", schema.ErrCodeCycleDetected,
		fmt.Sprintf("cycle detected: %s", strings.Join(closed, " -> ")), cycle...)
	return result
}

const (
	unvisited = iota
	onStack
	finished
)

// FindCycle returns the nodes of the first cycle reachable in a depth-first
// walk (roots in nodeIDs order, neighbors in edge order), or nil if the graph
// is acyclic. Edges touching unknown nodes are ignored.
func FindCycle(nodeIDs []string, edges []schema.GraphEdge) []string {
	adj := graph.BuildAdjacency(nodeIDs, edges)

	state := make(map[string]int, len(nodeIDs))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		state[id] = onStack
		stack = append(stack, id)
		for _, next := range adj.Out[id] {
			switch state[next] {
			case onStack:
				start := slices.Index(stack, next)
				cycle = slices.Clone(stack[start:])
				return true
			case unvisited:
				if visit(next) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = finished
		return false
	}

	for _, id := range nodeIDs {
		if state[id] == unvisited && visit(id) {
			return cycle
		}
	}
	return nil
}
