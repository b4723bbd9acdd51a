package expressions

import (
	"github.com/itchyny/gojq"
)

// GoJQEngine checks jq transforms over JSON node outputs.
type GoJQEngine struct {
	cache compileCache
}

// NewGoJQEngine creates a new GoJQ expression engine.
func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{}
}

// Name returns the engine identifier.
func (e *GoJQEngine) Name() string {
	return "jq"
}

// Check parses and compiles the query. Compilation runs without an environ
// loader, so $ENV is always empty.
func (e *GoJQEngine) Check(expression string) error {
	if expression == "" {
		return emptyError("jq")
	}
	return e.cache.check(expression, func() error {
		query, err := gojq.Parse(expression)
		if err != nil {
			return compileError("jq", expression, err)
		}
		_, err = gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
		if err != nil {
			return compileError("jq", expression, err)
		}
		return nil
	})
}

var _ Engine = (*GoJQEngine)(nil)
