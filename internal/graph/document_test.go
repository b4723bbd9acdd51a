package graph

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentgraph/pkg/schema"
)

const yamlDoc = `
nodes:
  - id: start
    type: trigger
    config:
      schedule: "*/5 * * * *"
  - id: write
    type: agent
    label: Writer
    config:
      agent: writer
    error_mode: retry
    retry_max: 3
edges:
  - source: start
    target: write
settings:
  positions:
    start: {x: 10, y: 20}
    write: {x: 200, y: 20}
  zoom: 1.5
`

func TestDecode_YAML(t *testing.T) {
	g, err := Decode([]byte(yamlDoc))
	require.NoError(t, err)

	require.Len(t, g.Nodes, 2)
	assert.Equal(t, schema.KindTrigger, g.Nodes[0].Kind)
	assert.Equal(t, "writer", g.Nodes[1].Config["agent"])
	assert.Equal(t, 3, g.Nodes[1].RetryMax)
	assert.Equal(t, []schema.GraphEdge{{Source: "start", Target: "write"}}, g.Edges)
	assert.JSONEq(t,
		`{"positions":{"start":{"x":10,"y":20},"write":{"x":200,"y":20}},"zoom":1.5}`,
		string(g.Settings))
}

func TestDecode_JSONSettingsOpaque(t *testing.T) {
	doc := `{"nodes":[{"id":"a","type":"agent"}],"edges":[],"settings":{"positions":{"a":{"x":1}},"custom":[1,"two"]}}`
	g, err := Decode([]byte(doc))
	require.NoError(t, err)

	out, err := Encode(g, FormatJSON)
	require.NoError(t, err)

	var back map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &back))
	assert.JSONEq(t, `{"positions":{"a":{"x":1}},"custom":[1,"two"]}`, string(back["settings"]))
}

func TestDecode_Invalid(t *testing.T) {
	_, err := Decode([]byte(`{"nodes": 7}`))
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = Decode([]byte("nodes: [\n  - id: a\n bad"))
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestSaveLoadFile_RoundTrip(t *testing.T) {
	g, err := Decode([]byte(yamlDoc))
	require.NoError(t, err)

	for _, name := range []string{"g.json", "g.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			require.NoError(t, SaveFile(path, g))

			loaded, err := LoadFile(path)
			require.NoError(t, err)
			assert.Equal(t, g.Nodes, loaded.Nodes)
			assert.Equal(t, g.Edges, loaded.Edges)
			assert.JSONEq(t, string(g.Settings), string(loaded.Settings))
		})
	}
}

func TestDetectFormat(t *testing.T) {
	assert.Equal(t, FormatJSON, DetectFormat([]byte("  \n{}")))
	assert.Equal(t, FormatYAML, DetectFormat([]byte("nodes: []")))
}
