package schema

import "encoding/json"

// NodeKind enumerates the roles a node can play in a workflow or team graph.
type NodeKind string

const (
	// Workflow kinds.
	KindTrigger     NodeKind = "trigger"
	KindSkill       NodeKind = "skill"
	KindCommand     NodeKind = "command"
	KindAgent       NodeKind = "agent"
	KindScript      NodeKind = "script"
	KindConditional NodeKind = "conditional"
	KindTransform   NodeKind = "transform"

	// Team-only kind. Team graphs also use KindAgent.
	KindSuperAgent NodeKind = "super_agent"
)

// PortType is the data category flowing through a node's input or output port.
type PortType string

const (
	PortAny  PortType = "any"
	PortNone PortType = "none"
	PortText PortType = "text"
	PortJSON PortType = "json"
	PortFile PortType = "file"
)

// Ports is the declared input/output pair for a node kind.
type Ports struct {
	Input  PortType
	Output PortType
}

// KindPorts holds the default port types for each node kind.
var KindPorts = map[NodeKind]Ports{
	KindTrigger:     {Input: PortNone, Output: PortJSON},
	KindSkill:       {Input: PortAny, Output: PortText},
	KindCommand:     {Input: PortText, Output: PortText},
	KindAgent:       {Input: PortText, Output: PortText},
	KindScript:      {Input: PortAny, Output: PortText},
	KindConditional: {Input: PortAny, Output: PortAny},
	KindTransform:   {Input: PortJSON, Output: PortJSON},
	KindSuperAgent:  {Input: PortText, Output: PortText},
}

// Error modes accepted on workflow nodes.
const (
	ErrorModeStop     = "stop"
	ErrorModeContinue = "continue"
	ErrorModeRetry    = "retry"
)

// GraphNode is one vertex of a workflow or team graph.
type GraphNode struct {
	ID                  string         `json:"id" yaml:"id"`
	Kind                NodeKind       `json:"type" yaml:"type"`
	Label               string         `json:"label,omitempty" yaml:"label,omitempty"`
	InputType           PortType       `json:"input_type,omitempty" yaml:"input_type,omitempty"`
	OutputType          PortType       `json:"output_type,omitempty" yaml:"output_type,omitempty"`
	Config              map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
	ErrorMode           string         `json:"error_mode,omitempty" yaml:"error_mode,omitempty"`
	RetryMax            int            `json:"retry_max,omitempty" yaml:"retry_max,omitempty"`
	RetryBackoffSeconds int            `json:"retry_backoff_seconds,omitempty" yaml:"retry_backoff_seconds,omitempty"`
}

// Input returns the node's input port, falling back to the kind default.
func (n GraphNode) Input() PortType {
	if n.InputType != "" {
		return n.InputType
	}
	if p, ok := KindPorts[n.Kind]; ok {
		return p.Input
	}
	return PortAny
}

// Output returns the node's output port, falling back to the kind default.
func (n GraphNode) Output() PortType {
	if n.OutputType != "" {
		return n.OutputType
	}
	if p, ok := KindPorts[n.Kind]; ok {
		return p.Output
	}
	return PortAny
}

// GraphEdge is a directed connection between two nodes.
type GraphEdge struct {
	Source       string `json:"source" yaml:"source"`
	Target       string `json:"target" yaml:"target"`
	SourceHandle string `json:"sourceHandle,omitempty" yaml:"sourceHandle,omitempty"`
	TargetHandle string `json:"targetHandle,omitempty" yaml:"targetHandle,omitempty"`
	Label        string `json:"label,omitempty" yaml:"label,omitempty"`
}

// Key identifies an edge for duplicate detection. Labels do not participate.
func (e GraphEdge) Key() EdgeKey {
	return EdgeKey{e.Source, e.Target, e.SourceHandle, e.TargetHandle}
}

// EdgeKey is the identity tuple of an edge.
type EdgeKey struct {
	Source, Target, SourceHandle, TargetHandle string
}

// Graph is the persisted shape shared by workflows and team topologies.
// Settings holds layout metadata (positions and friends) and is carried opaquely.
type Graph struct {
	Nodes    []GraphNode     `json:"nodes"`
	Edges    []GraphEdge     `json:"edges"`
	Settings json.RawMessage `json:"settings,omitempty"`
}

// NodeIDs returns node IDs in declaration order.
func (g *Graph) NodeIDs() []string {
	ids := make([]string, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		ids = append(ids, n.ID)
	}
	return ids
}

// Node returns the first node with the given ID.
func (g *Graph) Node(id string) (GraphNode, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return GraphNode{}, false
}

// GraphKind distinguishes workflow DAGs from team collaboration graphs.
type GraphKind string

const (
	GraphKindWorkflow GraphKind = "workflow"
	GraphKindTeam     GraphKind = "team"
)
