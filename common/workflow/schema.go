package workflow

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// graphSchema structurally validates a graph definition before the
// compiler's semantic phases run. Semantic rules (cycles, triggers,
// handler configs) are not expressed here.
const graphSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["nodes"],
  "properties": {
    "nodes": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "type"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "type": {"type": "string", "minLength": 1},
          "data": {
            "type": "object",
            "properties": {
              "label": {"type": "string"},
              "config": {"type": ["object", "null"]}
            }
          }
        }
      }
    },
    "edges": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["source", "target"],
        "properties": {
          "source": {"type": "string", "minLength": 1},
          "target": {"type": "string", "minLength": 1},
          "sourceHandle": {"type": "string"},
          "targetHandle": {"type": "string"}
        }
      }
    },
    "settings": {"type": "object"}
  }
}`

var compiledGraphSchema = gojsonschema.NewStringLoader(graphSchema)

// ValidateSchema checks a raw graph definition against the embedded
// JSON Schema. Returns a single error summarizing all violations.
func ValidateSchema(definition []byte) error {
	result, err := gojsonschema.Validate(compiledGraphSchema, gojsonschema.NewBytesLoader(definition))
	if err != nil {
		return fmt.Errorf("invalid graph JSON: %w", err)
	}

	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		msgs = append(msgs, desc.String())
	}
	return fmt.Errorf("invalid graph structure: %s", strings.Join(msgs, "; "))
}
