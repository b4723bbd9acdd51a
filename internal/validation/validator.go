// Package validation reports structural and semantic defects in workflow and
// team graphs. Defects are returned as data; nothing here returns an error
// for a malformed graph.
package validation

import (
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/agentgraph/internal/expressions"
	"github.com/rendis/agentgraph/pkg/schema"
)

// Validator runs graph checks. It is safe for concurrent use.
type Validator struct {
	exprs    *expressions.Registry
	document *jsonschema.Schema
}

// NewValidator builds a Validator with the cel, expr and jq engines and the
// compiled graph document schema.
func NewValidator() (*Validator, error) {
	exprs, err := expressions.NewRegistry()
	if err != nil {
		return nil, err
	}
	doc, err := compileDocumentSchema()
	if err != nil {
		return nil, err
	}
	return &Validator{exprs: exprs, document: doc}, nil
}

// NewValidatorWith builds a Validator around an existing expression registry.
// A nil registry disables expression compile checks.
func NewValidatorWith(exprs *expressions.Registry) (*Validator, error) {
	doc, err := compileDocumentSchema()
	if err != nil {
		return nil, err
	}
	return &Validator{exprs: exprs, document: doc}, nil
}

// Validate runs every workflow check and aggregates the findings:
//  1. Structure (duplicate ids, dangling and duplicate edges)
//  2. Entry points and orphans
//  3. Cycles
//  4. Semantic (required fields, ports, expressions, schedules, branches, error modes)
//
// Every stage runs regardless of earlier findings so a partially built graph
// still gets a complete report.
func (v *Validator) Validate(g *schema.Graph) *schema.ValidationResult {
	if g == nil {
		g = &schema.Graph{}
	}
	result := &schema.ValidationResult{}
	result.Merge(validateStructure(g))
	result.Merge(validateEntry(g))
	result.Merge(validateCycles(g))
	result.Merge(v.validateSemantic(g))
	return result
}

var defaultValidator = sync.OnceValues(NewValidator)

func std() *Validator {
	v, err := defaultValidator()
	if err != nil {
		// Only reachable if the embedded document schema fails to compile;
		// degrade to the checks that need no compiled state.
		return &Validator{}
	}
	return v
}

// Validate runs the workflow checks with the shared default Validator.
func Validate(g *schema.Graph) *schema.ValidationResult {
	return std().Validate(g)
}

// ValidateDocument runs the document checks with the shared default Validator.
func ValidateDocument(raw []byte) *schema.ValidationResult {
	return std().ValidateDocument(raw)
}

// ValidateTeam runs the team checks with the shared default Validator.
func ValidateTeam(g *schema.Graph) *schema.ValidationResult {
	return std().ValidateTeam(g)
}
