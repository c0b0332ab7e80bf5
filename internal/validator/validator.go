// Package validator provides JSON schema validation for workflow
// graphs and feature definitions. Schema validation checks shape only;
// structural rules (cycles, degrees, references) live in topology.
package validator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Validator validates workflow graphs and feature definitions.
type Validator struct {
	graphSchema   *jsonschema.Schema
	featureSchema *jsonschema.Schema
}

// ValidationError represents a validation failure.
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationResult holds the result of a validation.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// New creates a new validator with embedded schemas.
func New() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	if err := compiler.AddResource("graph.json", strings.NewReader(graphSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add graph schema: %w", err)
	}
	if err := compiler.AddResource("feature.json", strings.NewReader(featureSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add feature schema: %w", err)
	}

	graphSchema, err := compiler.Compile("graph.json")
	if err != nil {
		return nil, fmt.Errorf("compile graph schema: %w", err)
	}
	featureSchema, err := compiler.Compile("feature.json")
	if err != nil {
		return nil, fmt.Errorf("compile feature schema: %w", err)
	}

	return &Validator{
		graphSchema:   graphSchema,
		featureSchema: featureSchema,
	}, nil
}

// ValidateGraph validates a decoded workflow graph.
func (v *Validator) ValidateGraph(graph map[string]interface{}) *ValidationResult {
	return v.validate(v.graphSchema, graph)
}

// ValidateFeature validates a decoded feature definition.
func (v *Validator) ValidateFeature(feature map[string]interface{}) *ValidationResult {
	return v.validate(v.featureSchema, feature)
}

// ValidateGraphJSON validates a JSON-encoded workflow graph.
func (v *Validator) ValidateGraphJSON(data []byte) *ValidationResult {
	var graph map[string]interface{}
	if err := json.Unmarshal(data, &graph); err != nil {
		return &ValidationResult{
			Valid: false,
			Errors: []ValidationError{
				{Path: "$", Message: fmt.Sprintf("invalid JSON: %v", err)},
			},
		}
	}
	return v.ValidateGraph(graph)
}

// ValidateFeatureJSON validates a JSON-encoded feature definition.
func (v *Validator) ValidateFeatureJSON(data []byte) *ValidationResult {
	var feature map[string]interface{}
	if err := json.Unmarshal(data, &feature); err != nil {
		return &ValidationResult{
			Valid: false,
			Errors: []ValidationError{
				{Path: "$", Message: fmt.Sprintf("invalid JSON: %v", err)},
			},
		}
	}
	return v.ValidateFeature(feature)
}

// validate runs schema validation and converts errors.
func (v *Validator) validate(schema *jsonschema.Schema, data interface{}) *ValidationResult {
	err := schema.Validate(data)
	if err == nil {
		return &ValidationResult{Valid: true}
	}

	result := &ValidationResult{Valid: false}
	if verr, ok := err.(*jsonschema.ValidationError); ok {
		result.Errors = extractErrors(verr)
	} else {
		result.Errors = []ValidationError{
			{Path: "$", Message: err.Error()},
		}
	}
	return result
}

// extractErrors recursively extracts validation errors.
func extractErrors(verr *jsonschema.ValidationError) []ValidationError {
	var errors []ValidationError

	if verr.Message != "" {
		errors = append(errors, ValidationError{
			Path:    verr.InstanceLocation,
			Message: verr.Message,
		})
	}
	for _, cause := range verr.Causes {
		errors = append(errors, extractErrors(cause)...)
	}
	return errors
}

// Embedded JSON schemas

const graphSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "graph.json",
  "title": "Workflow Graph",
  "description": "Schema for tideflow workflow graphs",
  "type": "object",
  "required": ["nodes"],
  "properties": {
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "type"],
        "properties": {
          "id": {
            "type": "string",
            "minLength": 1,
            "description": "Unique node identifier"
          },
          "type": {
            "type": "string",
            "enum": ["start", "end", "provider"],
            "description": "Node kind"
          },
          "data": {
            "type": "object",
            "properties": {
              "label": {"type": "string"},
              "provider_type": {"type": "string"},
              "provider_ref": {"type": "string"},
              "input_mapping": {"type": "string"},
              "output_key": {"type": "string"},
              "min_inputs": {"type": "integer", "minimum": 0},
              "max_inputs": {"type": "integer", "minimum": 0},
              "min_outputs": {"type": "integer", "minimum": 0},
              "max_outputs": {"type": "integer", "minimum": 0},
              "timeout_ms": {"type": "integer", "minimum": 1},
              "retry": {
                "type": "object",
                "properties": {
                  "max_retries": {"type": "integer", "minimum": 0, "maximum": 10},
                  "retry_delay_ms": {"type": "integer", "minimum": 0}
                }
              }
            }
          }
        }
      },
      "description": "Nodes in the workflow graph"
    },
    "edges": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["source", "target"],
        "properties": {
          "source": {
            "type": "string",
            "description": "Source node ID"
          },
          "target": {
            "type": "string",
            "description": "Target node ID"
          }
        }
      },
      "description": "Directed edges between nodes"
    }
  }
}`

const featureSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "feature.json",
  "title": "Feature Definition",
  "description": "Schema for tideflow feature create requests",
  "type": "object",
  "required": ["name"],
  "properties": {
    "id": {
      "type": "string",
      "pattern": "^[a-z][a-z0-9._-]*$",
      "description": "Feature identifier"
    },
    "name": {
      "type": "string",
      "minLength": 1,
      "description": "Human-readable feature name"
    },
    "description": {
      "type": "string"
    },
    "quota_cost": {
      "type": "integer",
      "minimum": 0,
      "description": "Quota units debited per execution"
    },
    "graph": {
      "$ref": "graph.json"
    },
    "metadata": {
      "type": "object",
      "description": "Additional metadata"
    },
    "created_by": {
      "type": "string"
    }
  }
}`
