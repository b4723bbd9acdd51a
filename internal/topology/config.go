package topology

import "github.com/rendis/agentgraph/pkg/schema"

// Config is the structured, persisted form of a team's topology.
type Config struct {
	Pattern   Pattern            `json:"pattern" yaml:"pattern"`
	Order     []string           `json:"order,omitempty" yaml:"order,omitempty"`
	Hub       string             `json:"hub,omitempty" yaml:"hub,omitempty"`
	Lead      string             `json:"lead,omitempty" yaml:"lead,omitempty"`
	Generator string             `json:"generator,omitempty" yaml:"generator,omitempty"`
	Critic    string             `json:"critic,omitempty" yaml:"critic,omitempty"`
	Edges     []schema.GraphEdge `json:"edges,omitempty" yaml:"edges,omitempty"`
}

// Params extracts the Expand parameters stored in the config.
func (c Config) Params() Params {
	return Params{
		Order:     c.Order,
		Hub:       c.Hub,
		Lead:      c.Lead,
		Generator: c.Generator,
		Critic:    c.Critic,
		Existing:  c.Edges,
	}
}

// ToConfig classifies the edges and returns the config that regenerates them.
// An unrecognized edge set is stored as composite with the raw edges.
func ToConfig(nodeIDs []string, edges []schema.GraphEdge) Config {
	switch r := Infer(nodeIDs, edges).(type) {
	case Recognized:
		return Config{
			Pattern:   r.Pattern,
			Order:     r.Params.Order,
			Hub:       r.Params.Hub,
			Lead:      r.Params.Lead,
			Generator: r.Params.Generator,
			Critic:    r.Params.Critic,
			Edges:     r.Params.Existing,
		}
	case Unrecognized:
		return Config{Pattern: Composite, Edges: r.Edges}
	default:
		return Config{Pattern: Composite}
	}
}

// FromConfig regenerates the edge set described by cfg.
func FromConfig(cfg Config, nodeIDs []string) ([]schema.GraphEdge, error) {
	return Expand(cfg.Pattern, cfg.Params(), nodeIDs)
}
