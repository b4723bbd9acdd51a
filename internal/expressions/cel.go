package expressions

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// CELEngine checks conditional branch expressions. A conditional may reference:
//   - input:     the upstream node's output
//   - nodes:     outputs of completed nodes keyed by node ID
//   - execution: execution metadata (id, trigger payload)
type CELEngine struct {
	env   *cel.Env
	cache compileCache
}

// NewCELEngine creates a CEL engine with the conditional variables declared.
func NewCELEngine() (*CELEngine, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)

	env, err := cel.NewEnv(
		cel.Variable("input", cel.DynType),
		cel.Variable("nodes", mapType),
		cel.Variable("execution", mapType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &CELEngine{env: env}, nil
}

// Name returns the engine identifier.
func (e *CELEngine) Name() string {
	return "cel"
}

// Check type-checks the expression and plans a program for it. References
// to undeclared variables fail here.
func (e *CELEngine) Check(expression string) error {
	if expression == "" {
		return emptyError("cel")
	}
	return e.cache.check(expression, func() error {
		ast, issues := e.env.Compile(expression)
		if issues != nil && issues.Err() != nil {
			return compileError("cel", expression, issues.Err())
		}
		if _, err := e.env.Program(ast); err != nil {
			return compileError("cel", expression, err)
		}
		return nil
	})
}

var _ Engine = (*CELEngine)(nil)
