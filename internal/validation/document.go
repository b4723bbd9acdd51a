package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/agentgraph/internal/graph"
	"github.com/rendis/agentgraph/pkg/schema"
)

const documentSchemaURL = "https://agentgraph.dev/schemas/graph.json"

// documentSchemaJSON describes the persisted graph document.
const documentSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://agentgraph.dev/schemas/graph.json",
  "type": "object",
  "required": ["nodes"],
  "properties": {
    "nodes": {
      "type": "array",
      "items": { "$ref": "#/$defs/node" }
    },
    "edges": {
      "type": "array",
      "items": { "$ref": "#/$defs/edge" }
    },
    "settings": {
      "type": "object",
      "properties": {
        "positions": { "type": "object" }
      }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "port": {
      "type": "string",
      "enum": ["any", "none", "text", "json", "file"]
    },
    "node": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "type": {
          "type": "string",
          "enum": ["trigger", "skill", "command", "agent", "script", "conditional", "transform", "super_agent"]
        },
        "label": { "type": "string" },
        "input_type": { "$ref": "#/$defs/port" },
        "output_type": { "$ref": "#/$defs/port" },
        "config": { "type": "object" },
        "error_mode": { "type": "string" },
        "retry_max": { "type": "integer", "minimum": 0 },
        "retry_backoff_seconds": { "type": "integer", "minimum": 0 }
      },
      "additionalProperties": false
    },
    "edge": {
      "type": "object",
      "required": ["source", "target"],
      "properties": {
        "source": { "type": "string", "minLength": 1 },
        "target": { "type": "string", "minLength": 1 },
        "sourceHandle": { "type": "string" },
        "targetHandle": { "type": "string" },
        "label": { "type": "string" }
      },
      "additionalProperties": false
    }
  }
}`

func compileDocumentSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(documentSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal graph schema: %w", err)
	}
	if err := c.AddResource(documentSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add graph schema resource: %w", err)
	}
	compiled, err := c.Compile(documentSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile graph schema: %w", err)
	}
	return compiled, nil
}

// ValidateDocument checks a raw JSON or YAML graph document against the
// document schema. When the bytes also decode into a Graph, the workflow
// checks run on it and their findings are merged in.
func (v *Validator) ValidateDocument(raw []byte) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	data, err := graph.ToJSON(raw)
	if err != nil {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}

	if v.document != nil {
		inst, err := jsonschema.UnmarshalJSON(strings.NewReader(string(data)))
		if err != nil {
			result.AddError("/", schema.ErrCodeValidation, fmt.Sprintf("document is not valid JSON: %s", err))
			return result
		}
		if err := v.document.Validate(inst); err != nil {
			addViolations(result, err)
		}
	}

	var g schema.Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return result
	}
	result.Merge(v.Validate(&g))
	return result
}

// addViolations flattens a jsonschema error tree into one issue per leaf.
func addViolations(result *schema.ValidationResult, err error) {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return
	}
	collectViolations(result, verr)
}

func collectViolations(result *schema.ValidationResult, verr *jsonschema.ValidationError) {
	if len(verr.Causes) == 0 {
		loc := "/" + strings.Join(verr.InstanceLocation, "/")
		result.AddError(loc, schema.ErrCodeValidation, verr.Error())
		return
	}
	for _, cause := range verr.Causes {
		collectViolations(result, cause)
	}
}
