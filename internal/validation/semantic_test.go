package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentgraph/pkg/schema"
)

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := NewValidator()
	require.NoError(t, err)
	return v
}

func TestPortsCompatible_Matrix(t *testing.T) {
	ports := []schema.PortType{schema.PortAny, schema.PortNone, schema.PortText, schema.PortJSON, schema.PortFile}
	for _, from := range ports {
		for _, to := range ports {
			var want bool
			switch {
			case to == schema.PortNone:
				want = false
			case from == schema.PortAny || to == schema.PortAny:
				want = true
			default:
				want = from == to
			}
			assert.Equal(t, want, PortsCompatible(from, to), "%s -> %s", from, to)
		}
	}

	assert.False(t, PortsCompatible(schema.PortAny, schema.PortNone), "none rejects even any")
	assert.True(t, PortsCompatible(schema.PortNone, schema.PortAny))
	assert.False(t, PortsCompatible(schema.PortJSON, schema.PortText))
}

func TestSemantic_PortMismatchUsesKindDefaults(t *testing.T) {
	v := newTestValidator(t)
	g := schema.Graph{
		Nodes: []schema.GraphNode{
			{ID: "t", Kind: schema.KindTrigger},
			{ID: "x", Kind: schema.KindTransform, Config: map[string]any{"expression": "."}},
			{ID: "a", Kind: schema.KindAgent, Config: map[string]any{"agent": "writer"}},
			{ID: "s", Kind: schema.KindScript, Config: map[string]any{"script": "run.sh"}, OutputType: schema.PortFile},
			{ID: "t2", Kind: schema.KindTrigger},
		},
		Edges: []schema.GraphEdge{
			edge("t", "x"),  // json -> json
			edge("x", "a"),  // json -> text: mismatch
			edge("a", "s"),  // text -> any
			edge("s", "t2"), // file -> none: mismatch
		},
	}
	mismatches := v.validateSemantic(&g).ByCode(schema.ErrCodePortMismatch)
	require.Len(t, mismatches, 2)
	assert.Equal(t, []string{"x", "a"}, mismatches[0].NodeIDs)
	assert.Equal(t, "edges[1]", mismatches[0].Path)
	assert.Equal(t, []string{"s", "t2"}, mismatches[1].NodeIDs)
}

func TestSemantic_RequiredFields(t *testing.T) {
	v := newTestValidator(t)
	g := schema.Graph{Nodes: []schema.GraphNode{
		{ID: "sk", Kind: schema.KindSkill},
		{ID: "cmd", Kind: schema.KindCommand, Config: map[string]any{"command": "   "}},
		{ID: "ag", Kind: schema.KindAgent, Config: map[string]any{"agent": nil}},
		{ID: "sc", Kind: schema.KindScript, Config: map[string]any{"script": "ok.sh"}},
		{ID: "co", Kind: schema.KindConditional, Config: map[string]any{"expression": ""}},
		{ID: "tr", Kind: schema.KindTransform},
		{ID: "sa", Kind: schema.KindSuperAgent, Config: map[string]any{"agent": 7}},
		{ID: "t", Kind: schema.KindTrigger},
	}}

	missing := v.validateSemantic(&g).ByCode(schema.ErrCodeMissingField)
	var ids []string
	for _, m := range missing {
		assert.Equal(t, schema.LevelWarning, m.Level)
		ids = append(ids, m.NodeIDs...)
	}
	assert.Equal(t, []string{"sk", "cmd", "ag", "co", "tr"}, ids)
	assert.Equal(t, "nodes[0].config.skill", missing[0].Path)
}

func TestSemantic_Expressions(t *testing.T) {
	v := newTestValidator(t)
	g := schema.Graph{Nodes: []schema.GraphNode{
		{ID: "ok-cel", Kind: schema.KindConditional, Config: map[string]any{"expression": "input.approved == true"}},
		{ID: "bad-cel", Kind: schema.KindConditional, Config: map[string]any{"expression": "input.approved =="}},
		{ID: "ok-jq", Kind: schema.KindTransform, Config: map[string]any{"expression": ".items | length"}},
		{ID: "bad-jq", Kind: schema.KindTransform, Config: map[string]any{"expression": ".items |"}},
		{ID: "ok-expr", Kind: schema.KindTransform, Config: map[string]any{"engine": "expr", "expression": "len(items) > 0"}},
		{ID: "bad-engine", Kind: schema.KindTransform, Config: map[string]any{"engine": "lua", "expression": "x"}},
	}}

	invalid := v.validateSemantic(&g).ByCode(schema.ErrCodeInvalidExpression)
	var ids []string
	for _, is := range invalid {
		ids = append(ids, is.NodeIDs...)
	}
	assert.Equal(t, []string{"bad-cel", "bad-jq", "bad-engine"}, ids)
}

func TestSemantic_ExpressionChecksSkippedWithoutRegistry(t *testing.T) {
	v, err := NewValidatorWith(nil)
	require.NoError(t, err)
	g := schema.Graph{Nodes: []schema.GraphNode{
		{ID: "c", Kind: schema.KindConditional, Config: map[string]any{"expression": "((("}},
	}}
	assert.Empty(t, v.validateSemantic(&g).ByCode(schema.ErrCodeInvalidExpression))
}

func TestSemantic_Schedule(t *testing.T) {
	v := newTestValidator(t)
	g := schema.Graph{Nodes: []schema.GraphNode{
		{ID: "cron", Kind: schema.KindTrigger, Config: map[string]any{"schedule": "*/15 9-17 * * 1-5"}},
		{ID: "every", Kind: schema.KindTrigger, Config: map[string]any{"schedule": "@every 1h"}},
		{ID: "bad", Kind: schema.KindTrigger, Config: map[string]any{"schedule": "every tuesday"}},
		{ID: "six", Kind: schema.KindTrigger, Config: map[string]any{"schedule": "0 */5 * * * *"}},
		{ID: "manual", Kind: schema.KindTrigger},
	}}
	invalid := v.validateSemantic(&g).ByCode(schema.ErrCodeInvalidSchedule)
	require.Len(t, invalid, 2)
	assert.Equal(t, []string{"bad"}, invalid[0].NodeIDs)
	assert.Equal(t, []string{"six"}, invalid[1].NodeIDs)
}

func TestSemantic_Branches(t *testing.T) {
	v := newTestValidator(t)
	g := schema.Graph{
		Nodes: []schema.GraphNode{
			{ID: "c", Kind: schema.KindConditional, Config: map[string]any{"expression": "true"}},
			{ID: "yes", Kind: schema.KindScript, Config: map[string]any{"script": "a"}},
			{ID: "no", Kind: schema.KindScript, Config: map[string]any{"script": "b"}},
			{ID: "maybe", Kind: schema.KindScript, Config: map[string]any{"script": "c"}},
		},
		Edges: []schema.GraphEdge{
			{Source: "c", Target: "yes", SourceHandle: "true"},
			{Source: "c", Target: "no", SourceHandle: "false"},
			{Source: "c", Target: "maybe"},
		},
	}
	unlabeled := v.validateSemantic(&g).ByCode(schema.ErrCodeUnlabeledBranch)
	require.Len(t, unlabeled, 1)
	assert.Equal(t, []string{"c", "maybe"}, unlabeled[0].NodeIDs)
}

func TestSemantic_ErrorModeAndRetry(t *testing.T) {
	v := newTestValidator(t)
	g := schema.Graph{Nodes: []schema.GraphNode{
		{ID: "a", Kind: schema.KindScript, Config: map[string]any{"script": "x"}, ErrorMode: "retry", RetryMax: 3},
		{ID: "b", Kind: schema.KindScript, Config: map[string]any{"script": "x"}, ErrorMode: "explode"},
		{ID: "c", Kind: schema.KindScript, Config: map[string]any{"script": "x"}, ErrorMode: "retry", RetryMax: 50},
	}}
	result := v.validateSemantic(&g)
	modes := result.ByCode(schema.ErrCodeInvalidErrorMode)
	require.Len(t, modes, 1)
	assert.Equal(t, []string{"b"}, modes[0].NodeIDs)

	retries := result.ByCode(schema.ErrCodeHighRetry)
	require.Len(t, retries, 1)
	assert.Equal(t, []string{"c"}, retries[0].NodeIDs)
	assert.True(t, result.Valid())
}
