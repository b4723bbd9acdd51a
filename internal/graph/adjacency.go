package graph

import "github.com/rendis/agentgraph/pkg/schema"

// Adjacency is a deduplicated view of a graph's edges between known nodes.
// Parallel edges that differ only by handle collapse into one neighbor entry.
type Adjacency struct {
	Nodes []string
	Known map[string]bool
	Out   map[string][]string
	In    map[string][]string

	// Dangling holds edges whose source or target is not a known node.
	Dangling []schema.GraphEdge
	// SelfLoops holds edges whose source equals their target.
	SelfLoops []schema.GraphEdge
}

// BuildAdjacency indexes edges over the given node IDs. Self-loops are kept
// in Out/In (validation reports them as cycles) and also listed in SelfLoops.
func BuildAdjacency(nodeIDs []string, edges []schema.GraphEdge) *Adjacency {
	a := &Adjacency{
		Nodes: nodeIDs,
		Known: make(map[string]bool, len(nodeIDs)),
		Out:   make(map[string][]string, len(nodeIDs)),
		In:    make(map[string][]string, len(nodeIDs)),
	}
	for _, id := range nodeIDs {
		a.Known[id] = true
	}

	type pair struct{ from, to string }
	seen := make(map[pair]bool, len(edges))
	for _, e := range edges {
		if !a.Known[e.Source] || !a.Known[e.Target] {
			a.Dangling = append(a.Dangling, e)
			continue
		}
		if e.Source == e.Target {
			a.SelfLoops = append(a.SelfLoops, e)
		}
		p := pair{e.Source, e.Target}
		if seen[p] {
			continue
		}
		seen[p] = true
		a.Out[e.Source] = append(a.Out[e.Source], e.Target)
		a.In[e.Target] = append(a.In[e.Target], e.Source)
	}
	return a
}

// HasEdge reports whether from -> to exists.
func (a *Adjacency) HasEdge(from, to string) bool {
	for _, t := range a.Out[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Reachable returns every node reachable from start, start included.
func (a *Adjacency) Reachable(start string) map[string]bool {
	seen := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, next := range a.Out[n] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return seen
}

// EdgeCount returns the number of distinct (source, target) pairs.
func (a *Adjacency) EdgeCount() int {
	n := 0
	for _, outs := range a.Out {
		n += len(outs)
	}
	return n
}
