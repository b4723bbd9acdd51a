package validation

import (
	"fmt"

	"github.com/rendis/agentgraph/internal/topology"
	"github.com/rendis/agentgraph/pkg/schema"
)

// ValidateTeam checks a team collaboration graph. Team graphs may contain
// cycles (coordinator and generator_critic patterns depend on them), so only
// membership and role checks apply, plus an advisory note when the edges
// match no known collaboration pattern.
func (v *Validator) ValidateTeam(g *schema.Graph) *schema.ValidationResult {
	if g == nil {
		g = &schema.Graph{}
	}
	result := validateStructure(g)

	var leads []string
	for i, n := range g.Nodes {
		path := fmt.Sprintf("nodes[%d]", i)
		switch n.Kind {
		case schema.KindAgent, schema.KindSuperAgent:
			validateRequiredField(n, path, result)
		default:
			result.AddError(path+".type", schema.ErrCodeValidation,
				fmt.Sprintf("team member %q has kind %q; expected agent or super_agent", n.ID, n.Kind), n.ID)
		}
		if n.Kind == schema.KindSuperAgent {
			leads = append(leads, n.ID)
		}
	}
	if len(leads) > 1 {
		result.AddWarning("nodes", schema.ErrCodeMultipleLeads,
			fmt.Sprintf("team has %d super_agent nodes; at most one is expected", len(leads)), leads...)
	}

	if len(g.Nodes) > 1 {
		if _, ok := topology.Infer(g.NodeIDs(), g.Edges).(topology.Unrecognized); ok {
			result.AddWarning("edges", schema.ErrCodeUnrecognizedTopology,
				"edges match no known collaboration pattern; they will be stored as a composite topology")
		}
	}
	return result
}
