package topology

import (
	"slices"

	"github.com/rendis/agentgraph/pkg/schema"
)

// Expand generates the edge set for a pattern. Patterns that are only ever
// stored (composite, human_in_loop, or anything unknown) return
// params.Existing unchanged, as does hierarchical when Existing is non-empty.
func Expand(p Pattern, params Params, nodeIDs []string) ([]schema.GraphEdge, error) {
	ids := uniqueIDs(nodeIDs)
	member := make(map[string]bool, len(ids))
	for _, id := range ids {
		member[id] = true
	}

	switch p {
	case Parallel:
		return []schema.GraphEdge{}, nil

	case Sequential:
		order := params.Order
		if len(order) == 0 {
			order = ids
		}
		seen := make(map[string]bool, len(order))
		for _, id := range order {
			if !member[id] {
				return nil, invalidParams(p, "order references unknown node %q", id)
			}
			if seen[id] {
				return nil, invalidParams(p, "order lists node %q twice", id)
			}
			seen[id] = true
		}
		edges := make([]schema.GraphEdge, 0, len(order))
		for i := 1; i < len(order); i++ {
			edges = append(edges, schema.GraphEdge{Source: order[i-1], Target: order[i]})
		}
		return edges, nil

	case Coordinator:
		if !member[params.Hub] {
			return nil, invalidParams(p, "hub %q is not a team member", params.Hub)
		}
		edges := make([]schema.GraphEdge, 0, 2*len(ids))
		for _, id := range ids {
			if id == params.Hub {
				continue
			}
			edges = append(edges,
				schema.GraphEdge{Source: params.Hub, Target: id},
				schema.GraphEdge{Source: id, Target: params.Hub})
		}
		return edges, nil

	case GeneratorCritic:
		if len(ids) != 2 {
			return nil, invalidParams(p, "requires exactly two nodes, got %d", len(ids))
		}
		gen, critic := ids[0], ids[1]
		if params.Generator != "" {
			if !member[params.Generator] {
				return nil, invalidParams(p, "generator %q is not a team member", params.Generator)
			}
			if params.Generator == critic {
				gen, critic = critic, gen
			}
		}
		return []schema.GraphEdge{
			{Source: gen, Target: critic},
			{Source: critic, Target: gen},
		}, nil

	case Hierarchical:
		if len(params.Existing) > 0 {
			return slices.Clone(params.Existing), nil
		}
		if !member[params.Lead] {
			return nil, invalidParams(p, "lead %q is not a team member", params.Lead)
		}
		edges := make([]schema.GraphEdge, 0, len(ids))
		for _, id := range ids {
			if id != params.Lead {
				edges = append(edges, schema.GraphEdge{Source: params.Lead, Target: id})
			}
		}
		return edges, nil

	default:
		return slices.Clone(params.Existing), nil
	}
}

func invalidParams(p Pattern, format string, args ...any) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeInvalidParams, string(p)+": "+format, args...).
		WithDetails(map[string]any{"pattern": string(p)})
}
