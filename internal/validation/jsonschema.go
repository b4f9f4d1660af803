package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/foreman/pkg/schema"
)

// pipelineSchemaJSON is the JSON Schema for the incoming pipeline definition.
// Embedded as a constant to avoid filesystem dependencies.
const pipelineSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://foreman.dev/schemas/pipeline.json",
  "type": "object",
  "required": ["stages"],
  "properties": {
    "stages": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/stage" }
    },
    "metadata": { "type": "object" }
  },
  "additionalProperties": false,
  "$defs": {
    "stage": {
      "type": "object",
      "required": ["name", "executor_id", "orders"],
      "properties": {
        "name": { "type": "string", "minLength": 1 },
        "depends_on": {
          "type": "array",
          "items": { "type": "string" }
        },
        "executor_id": { "type": "string", "minLength": 1 },
        "mode": {
          "type": "string",
          "enum": ["parallel", "sequential", "dependency_graph"]
        },
        "orders": {
          "type": "array",
          "minItems": 1,
          "items": { "$ref": "#/$defs/order" }
        },
        "strategy": { "$ref": "#/$defs/strategy" },
        "verification": { "type": "boolean" },
        "verifies_stage": { "type": "string" }
      },
      "additionalProperties": false
    },
    "order": {
      "type": "object",
      "required": ["task_id", "description"],
      "properties": {
        "task_id": { "type": "string", "minLength": 1 },
        "executor_id": { "type": "string" },
        "description": { "type": "string", "minLength": 1 },
        "instruction_text": { "type": "string" },
        "depends_on": {
          "type": "array",
          "items": { "type": "string" }
        },
        "timeout": { "type": "integer", "minimum": 0 },
        "critical": { "type": "boolean" },
        "status": { "type": "string" },
        "result": { "type": "string" },
        "error": { "type": "string" },
        "started_at": { "type": "string" },
        "completed_at": { "type": "string" }
      },
      "additionalProperties": false
    },
    "strategy": {
      "type": "object",
      "required": ["max_attempts", "escalation_threshold"],
      "properties": {
        "max_attempts": { "type": "integer", "minimum": 1 },
        "backoff_factor": { "type": "number", "minimum": 1 },
        "timeout_multiplier": { "type": "number", "minimum": 1 },
        "escalation_threshold": { "type": "integer", "minimum": 1 },
        "abort_conditions": {
          "type": "array",
          "items": { "type": "string" }
        },
        "remediation_hints": {
          "type": "object",
          "additionalProperties": { "type": "string" }
        },
        "specialists": {
          "type": "object",
          "additionalProperties": { "type": "string" }
        },
        "default_escalation": { "type": "string" },
        "classifier_rules": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["predicate", "classification"],
            "properties": {
              "predicate": { "type": "string", "minLength": 1 },
              "classification": {
                "type": "string",
                "enum": ["artifact_defect", "verifier_defect"]
              }
            },
            "additionalProperties": false
          }
        }
      },
      "additionalProperties": false
    }
  }
}`

// reportSchemaJSON validates executor-submitted validation reports before
// the feedback engine ever sees them.
const reportSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://foreman.dev/schemas/report.json",
  "type": "object",
  "required": ["success"],
  "properties": {
    "success": { "type": "boolean" },
    "failures": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["type", "message"],
        "properties": {
          "type": { "type": "string", "minLength": 1 },
          "message": { "type": "string" },
          "expected": {},
          "actual": {},
          "details": { "type": "object" }
        },
        "additionalProperties": false
      }
    },
    "details": {}
  },
  "additionalProperties": false
}`

// gateSchemaJSON validates quality-gate result documents.
const gateSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://foreman.dev/schemas/gate.json",
  "type": "object",
  "required": ["gate", "status"],
  "properties": {
    "gate": { "type": "string", "minLength": 1 },
    "status": {
      "type": "string",
      "enum": ["passed", "failed"]
    },
    "score": { "type": "number" },
    "violations": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["rule", "message"],
        "properties": {
          "rule": { "type": "string", "minLength": 1 },
          "message": { "type": "string" },
          "severity": {
            "type": "string",
            "enum": ["critical", "high", "medium", "low"]
          }
        },
        "additionalProperties": false
      }
    },
    "suggested_fixes": {
      "type": "array",
      "items": { "type": "string" }
    }
  },
  "additionalProperties": false
}`

// PipelineDocument is the wire shape of an incoming pipeline definition.
type PipelineDocument struct {
	Stages   []*schema.StageDefinition `json:"stages"`
	Metadata map[string]any            `json:"metadata,omitempty"`
}

// JSONSchemaValidator validates incoming documents against JSON Schema
// Draft 2020-12. It is safe for concurrent use.
type JSONSchemaValidator struct {
	pipelineSchema *jsonschema.Schema
	reportSchema   *jsonschema.Schema
	gateSchema     *jsonschema.Schema

	// mu guards the cache for dynamic schema compilation.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a validator with the built-in schemas
// pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	v := &JSONSchemaValidator{cache: make(map[string]*jsonschema.Schema)}

	var err error
	if v.pipelineSchema, err = compileConst("https://foreman.dev/schemas/pipeline.json", pipelineSchemaJSON); err != nil {
		return nil, err
	}
	if v.reportSchema, err = compileConst("https://foreman.dev/schemas/report.json", reportSchemaJSON); err != nil {
		return nil, err
	}
	if v.gateSchema, err = compileConst("https://foreman.dev/schemas/gate.json", gateSchemaJSON); err != nil {
		return nil, err
	}
	return v, nil
}

// ValidatePipeline validates a pipeline definition document. Duplicate stage
// names and duplicate task IDs are checked here; dependency resolution and
// cycle detection belong to the orchestrator.
func (v *JSONSchemaValidator) ValidatePipeline(doc *PipelineDocument) error {
	if doc == nil {
		return schema.NewError(schema.ErrCodeValidation, "pipeline document is nil")
	}

	value, err := toJSONValue(doc)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize pipeline").WithCause(err)
	}
	if err := v.pipelineSchema.Validate(value); err != nil {
		return toForemanError(err)
	}

	// Structural checks JSON Schema cannot express.
	stageNames := make(map[string]struct{}, len(doc.Stages))
	for _, stage := range doc.Stages {
		if _, exists := stageNames[stage.Name]; exists {
			return schema.NewErrorf(schema.ErrCodeValidation, "duplicate stage name %q", stage.Name)
		}
		stageNames[stage.Name] = struct{}{}

		taskIDs := make(map[string]struct{}, len(stage.Orders))
		for _, order := range stage.Orders {
			if _, exists := taskIDs[order.TaskID]; exists {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"duplicate task id %q in stage %q", order.TaskID, stage.Name).WithStage(stage.Name)
			}
			taskIDs[order.TaskID] = struct{}{}
		}

		if stage.Verification && stage.Produces == "" {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"verification stage %q names no verified stage", stage.Name).WithStage(stage.Name)
		}
	}
	return nil
}

// ValidateReport validates a raw executor validation report and decodes it.
func (v *JSONSchemaValidator) ValidateReport(raw []byte) (*schema.ValidationResult, error) {
	value, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "report is not valid JSON").WithCause(err)
	}
	if err := v.reportSchema.Validate(value); err != nil {
		return nil, toForemanError(err)
	}

	var result schema.ValidationResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "failed to decode report").WithCause(err)
	}
	return &result, nil
}

// ValidateGate validates a raw quality-gate result and decodes it.
func (v *JSONSchemaValidator) ValidateGate(raw []byte) (*schema.QualityGateResult, error) {
	value, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "gate result is not valid JSON").WithCause(err)
	}
	if err := v.gateSchema.Validate(value); err != nil {
		return nil, toForemanError(err)
	}

	var result schema.QualityGateResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "failed to decode gate result").WithCause(err)
	}
	return &result, nil
}

// ValidateAgainst validates data against a caller-supplied JSON Schema. The
// compiled schema is cached for subsequent calls with the same bytes.
func (v *JSONSchemaValidator) ValidateAgainst(data map[string]any, schemaBytes []byte) error {
	if len(schemaBytes) == 0 {
		return nil
	}

	compiled, err := v.getOrCompile(schemaBytes)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid schema").WithCause(err)
	}

	value, err := toJSONValue(data)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize data").WithCause(err)
	}
	if err := compiled.Validate(value); err != nil {
		return toForemanError(err)
	}
	return nil
}

func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL to avoid compiler collisions.
	url := fmt.Sprintf("foreman://dynamic-schema/%d", len(v.cache))
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

func compileConst(url, source string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(source))
	if err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", url, err)
	}
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add resource %s: %w", url, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", url, err)
	}
	return compiled, nil
}

// toJSONValue round-trips a Go value through JSON encoding so numbers become
// json.Number, as the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toForemanError converts a jsonschema.ValidationError into a ForemanError
// with actionable per-location messages.
func toForemanError(err error) *schema.ForemanError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf messages
// with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
