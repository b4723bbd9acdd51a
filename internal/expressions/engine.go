package expressions

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rendis/agentgraph/pkg/schema"
)

// Engine compiles expressions attached to graph nodes. The graph is only ever
// checked here; running it belongs to the backends.
// Three implementations: CEL (conditionals), GoJQ (transforms), Expr (transforms).
type Engine interface {
	Name() string
	// Check compiles the expression without running it.
	Check(expression string) error
}

// DefaultTransformEngine is used when a transform node does not name one.
const DefaultTransformEngine = "jq"

// Registry maps engine names to engines. Safe for concurrent use once built.
type Registry struct {
	engines map[string]Engine
}

// NewRegistry creates a registry holding the cel, expr and jq engines.
func NewRegistry() (*Registry, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return NewRegistryWith(celEngine, NewExprEngine(), NewGoJQEngine()), nil
}

// NewRegistryWith creates a registry from explicit engines.
func NewRegistryWith(engines ...Engine) *Registry {
	r := &Registry{engines: make(map[string]Engine, len(engines))}
	for _, e := range engines {
		r.engines[e.Name()] = e
	}
	return r
}

// Get returns the engine registered under name.
func (r *Registry) Get(name string) (Engine, bool) {
	e, ok := r.engines[name]
	return e, ok
}

// Names returns the registered engine names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.engines))
	for n := range r.engines {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Check compiles expression with the named engine.
func (r *Registry) Check(engine, expression string) error {
	e, ok := r.engines[engine]
	if !ok {
		return schema.NewError(schema.ErrCodeInvalidExpression,
			fmt.Sprintf("unknown expression engine %q", engine)).
			WithDetails(map[string]any{"engine": engine, "available": r.Names()})
	}
	return e.Check(expression)
}

func compileError(engine, expression string, err error) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeInvalidExpression,
		"%s compile error in %q: %s", engine, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression, "engine": engine})
}

func emptyError(engine string) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeInvalidExpression, "empty %s expression", engine)
}

// compileCache memoizes compile outcomes per expression. Compilation is
// deterministic, so failures are cached too. Safe for concurrent use.
type compileCache struct {
	mu      sync.RWMutex
	results map[string]error
}

func (c *compileCache) check(expression string, compile func() error) error {
	c.mu.RLock()
	err, ok := c.results[expression]
	c.mu.RUnlock()
	if ok {
		return err
	}

	err = compile()
	c.mu.Lock()
	if c.results == nil {
		c.results = make(map[string]error)
	}
	c.results[expression] = err
	c.mu.Unlock()
	return err
}
