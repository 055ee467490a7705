package validation

import (
	"encoding/json"
	"fmt"

	"github.com/dukex/procflow/pkg/models"
	"gopkg.in/yaml.v3"
)

// ParseDocument decodes a YAML or JSON definition document, checks it against
// DefinitionSchema and returns the decoded definition.
func ParseDocument(data []byte) (*models.Definition, error) {
	var document map[string]any
	if err := yaml.Unmarshal(data, &document); err != nil {
		return nil, &ValidationError{Issues: []Issue{{Message: "malformed document: " + err.Error()}}}
	}

	if document == nil {
		return nil, &ValidationError{Issues: []Issue{{Message: "document is empty"}}}
	}

	if err := ValidateDocument(document); err != nil {
		return nil, err
	}

	normalized, err := json.Marshal(document)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize definition document: %w", err)
	}

	var definition models.Definition
	if err := json.Unmarshal(normalized, &definition); err != nil {
		return nil, &ValidationError{Issues: []Issue{{Message: "malformed definition: " + err.Error()}}}
	}

	return &definition, nil
}
