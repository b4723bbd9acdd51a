package validation

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/rendis/agentgraph/internal/expressions"
	"github.com/rendis/agentgraph/pkg/schema"
)

// RequiredFields lists the config key each node kind cannot run without.
var RequiredFields = map[schema.NodeKind]string{
	schema.KindSkill:       "skill",
	schema.KindCommand:     "command",
	schema.KindAgent:       "agent",
	schema.KindScript:      "script",
	schema.KindConditional: "expression",
	schema.KindTransform:   "expression",
	schema.KindSuperAgent:  "agent",
}

// MaxRecommendedRetries is the retry_max above which a warning is raised.
const MaxRecommendedRetries = 10

// Branch handles expected on a conditional node's outgoing edges.
const (
	HandleTrue  = "true"
	HandleFalse = "false"
)

// PortsCompatible reports whether data leaving a port of type from may enter
// a port of type to. A none target accepts nothing, any on either side
// accepts everything, otherwise the types must match.
func PortsCompatible(from, to schema.PortType) bool {
	if to == schema.PortNone {
		return false
	}
	if from == schema.PortAny || to == schema.PortAny {
		return true
	}
	return from == to
}

func (v *Validator) validateSemantic(g *schema.Graph) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	for i, n := range g.Nodes {
		path := fmt.Sprintf("nodes[%d]", i)
		validateRequiredField(n, path, result)
		v.validateExpression(n, path, result)
		validateSchedule(n, path, result)
		validateErrorMode(n, path, result)
	}

	validatePorts(g, result)
	validateBranches(g, result)
	return result
}

func validateRequiredField(n schema.GraphNode, path string, result *schema.ValidationResult) {
	field, ok := RequiredFields[n.Kind]
	if !ok || !isBlank(n.Config[field]) {
		return
	}
	result.AddWarning(path+".config."+field, schema.ErrCodeMissingField,
		fmt.Sprintf("%s node %q requires config field %q", n.Kind, n.ID, field), n.ID)
}

func (v *Validator) validateExpression(n schema.GraphNode, path string, result *schema.ValidationResult) {
	if v.exprs == nil {
		return
	}
	var engine string
	switch n.Kind {
	case schema.KindConditional:
		engine = "cel"
	case schema.KindTransform:
		engine = expressions.DefaultTransformEngine
		if name, ok := n.Config["engine"].(string); ok && strings.TrimSpace(name) != "" {
			engine = name
		}
	default:
		return
	}
	expr, ok := n.Config["expression"].(string)
	if !ok || strings.TrimSpace(expr) == "" {
		// Missing expressions are reported by the required-field check.
		return
	}
	if err := v.exprs.Check(engine, expr); err != nil {
		result.AddWarning(path+".config.expression", schema.ErrCodeInvalidExpression, err.Error(), n.ID)
	}
}

func validateSchedule(n schema.GraphNode, path string, result *schema.ValidationResult) {
	if n.Kind != schema.KindTrigger {
		return
	}
	spec, ok := n.Config["schedule"].(string)
	if !ok || strings.TrimSpace(spec) == "" {
		return
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		result.AddWarning(path+".config.schedule", schema.ErrCodeInvalidSchedule,
			fmt.Sprintf("trigger %q has an invalid cron schedule %q: %s", n.ID, spec, err), n.ID)
	}
}

func validateErrorMode(n schema.GraphNode, path string, result *schema.ValidationResult) {
	switch n.ErrorMode {
	case "", schema.ErrorModeStop, schema.ErrorModeContinue, schema.ErrorModeRetry:
	default:
		result.AddWarning(path+".error_mode", schema.ErrCodeInvalidErrorMode,
			fmt.Sprintf("node %q has unknown error_mode %q (expected stop, continue or retry)", n.ID, n.ErrorMode), n.ID)
	}
	if n.RetryMax > MaxRecommendedRetries {
		result.AddWarning(path+".retry_max", schema.ErrCodeHighRetry,
			fmt.Sprintf("node %q retries up to %d times; more than %d is rarely useful", n.ID, n.RetryMax, MaxRecommendedRetries), n.ID)
	}
}

func validatePorts(g *schema.Graph, result *schema.ValidationResult) {
	for i, e := range g.Edges {
		src, okSrc := g.Node(e.Source)
		dst, okDst := g.Node(e.Target)
		if !okSrc || !okDst {
			continue
		}
		from, to := src.Output(), dst.Input()
		if PortsCompatible(from, to) {
			continue
		}
		result.AddWarning(fmt.Sprintf("edges[%d]", i), schema.ErrCodePortMismatch,
			fmt.Sprintf("%s output %q (%s) does not fit %s input %q (%s)",
				src.Kind, src.ID, from, dst.Kind, dst.ID, to),
			src.ID, dst.ID)
	}
}

func validateBranches(g *schema.Graph, result *schema.ValidationResult) {
	for i, e := range g.Edges {
		src, ok := g.Node(e.Source)
		if !ok || src.Kind != schema.KindConditional {
			continue
		}
		if e.SourceHandle == HandleTrue || e.SourceHandle == HandleFalse {
			continue
		}
		result.AddWarning(fmt.Sprintf("edges[%d].sourceHandle", i), schema.ErrCodeUnlabeledBranch,
			fmt.Sprintf("edge from conditional %q should leave through the true or false handle", src.ID),
			src.ID, e.Target)
	}
}

// isBlank treats absent, nil and whitespace-only strings as empty.
func isBlank(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	default:
		return false
	}
}
