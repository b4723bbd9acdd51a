package expressions

import (
	"github.com/expr-lang/expr"
)

// ExprEngine checks expr-lang transforms: let bindings, array builtins
// (filter, map, sum, ...), nil coalescing (??), optional chaining (?.) and pipes.
// Transforms see the node input as top-level variables, so any name is allowed.
type ExprEngine struct {
	cache compileCache
}

// NewExprEngine creates a new Expr expression engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{}
}

// Name returns the engine identifier.
func (e *ExprEngine) Name() string {
	return "expr"
}

// Check compiles the expression against an untyped environment.
func (e *ExprEngine) Check(expression string) error {
	if expression == "" {
		return emptyError("expr")
	}
	return e.cache.check(expression, func() error {
		_, err := expr.Compile(expression,
			expr.Env(map[string]any{}),
			expr.AllowUndefinedVariables(),
		)
		if err != nil {
			return compileError("expr", expression, err)
		}
		return nil
	})
}

var _ Engine = (*ExprEngine)(nil)
