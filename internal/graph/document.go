package graph

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/agentgraph/pkg/schema"
)

// Format is a graph document encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// DetectFormat guesses the encoding from the first significant byte.
func DetectFormat(data []byte) Format {
	trimmed := bytes.TrimLeft(data, " \t\r\n\uFEFF")
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		return FormatJSON
	}
	return FormatYAML
}

// ToJSON normalizes a JSON or YAML document to JSON bytes. YAML is decoded to
// generic values first so opaque sections like settings survive unchanged.
func ToJSON(data []byte) ([]byte, error) {
	if DetectFormat(data) == FormatJSON {
		return data, nil
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "invalid yaml document").WithCause(err)
	}
	out, err := json.Marshal(normalizeYAML(doc))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "yaml document is not representable as json").WithCause(err)
	}
	return out, nil
}

// Decode parses a JSON or YAML graph document.
func Decode(data []byte) (*schema.Graph, error) {
	raw, err := ToJSON(data)
	if err != nil {
		return nil, err
	}
	var g schema.Graph
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "invalid graph document").WithCause(err)
	}
	return &g, nil
}

// Encode serializes a graph in the requested format.
func Encode(g *schema.Graph, format Format) ([]byte, error) {
	raw, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal graph: %w", err)
	}
	if format != FormatYAML {
		return raw, nil
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("reparse graph: %w", err)
	}
	return yaml.Marshal(doc)
}

// LoadFile reads a graph document from disk.
func LoadFile(path string) (*schema.Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read graph %s: %w", path, err)
	}
	return Decode(data)
}

// SaveFile writes a graph document, choosing YAML for .yaml/.yml paths.
func SaveFile(path string, g *schema.Graph) error {
	format := FormatJSON
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		format = FormatYAML
	}
	data, err := Encode(g, format)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// normalizeYAML converts map[any]any (non-string keys) into map[string]any.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = normalizeYAML(val)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalizeYAML(val)
		}
		return out
	case []any:
		for i, val := range t {
			t[i] = normalizeYAML(val)
		}
		return t
	default:
		return v
	}
}
