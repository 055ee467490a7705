package validation

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// DefinitionSchema is the JSON Schema for definition documents.
const DefinitionSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["name", "steps"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "version": {"type": "integer", "minimum": 0},
    "description": {"type": "string"},
    "triggers": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "type", "cron"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "type": {"enum": ["schedule"]},
          "cron": {"type": "string", "minLength": 1},
          "timezone": {"type": "string"},
          "enabled": {"type": "boolean"},
          "description": {"type": "string"}
        }
      }
    },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "type"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "type": {"type": "string", "minLength": 1},
          "name": {"type": "string"},
          "depends_on": {"type": "array", "items": {"type": "string"}, "uniqueItems": true},
          "continue_on_failure": {"type": "boolean"},
          "resource": {"type": "string"},
          "message": {"type": "string"},
          "wait_if_busy": {"type": "boolean"},
          "delay": {"type": "string", "pattern": "^[0-9]+(ms|s|m|h|d)$"},
          "timeout": {"type": "string", "pattern": "^[0-9]+(ms|s|m|h|d)$"},
          "title": {"type": "string"},
          "assignees": {"type": "array", "items": {"type": "string", "minLength": 1}}
        }
      }
    }
  }
}`

var definitionSchemaLoader = gojsonschema.NewStringLoader(DefinitionSchema)

// ValidateDocument checks a decoded definition document (JSON or YAML) against DefinitionSchema.
func ValidateDocument(document any) error {
	result, err := gojsonschema.Validate(definitionSchemaLoader, gojsonschema.NewGoLoader(document))
	if err != nil {
		return fmt.Errorf("failed to validate definition document: %w", err)
	}

	if result.Valid() {
		return nil
	}

	issues := make([]Issue, 0, len(result.Errors()))
	for _, resultErr := range result.Errors() {
		issues = append(issues, Issue{Field: resultErr.Field(), Message: resultErr.Description()})
	}

	return &ValidationError{Issues: issues}
}
