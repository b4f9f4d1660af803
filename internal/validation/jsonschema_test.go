package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/foreman/pkg/schema"
)

func newValidator(t *testing.T) *JSONSchemaValidator {
	t.Helper()
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	return v
}

func validPipeline() *PipelineDocument {
	return &PipelineDocument{
		Stages: []*schema.StageDefinition{
			{
				Name:       "build",
				ExecutorID: "exec-1",
				Mode:       schema.DispatchModeParallel,
				Orders: []*schema.WorkOrder{
					{TaskID: "t1", Description: "build the thing"},
				},
			},
		},
	}
}

func TestValidatePipeline_Valid(t *testing.T) {
	v := newValidator(t)
	assert.NoError(t, v.ValidatePipeline(validPipeline()))
}

func TestValidatePipeline_Nil(t *testing.T) {
	v := newValidator(t)
	err := v.ValidatePipeline(nil)
	require.Error(t, err)
}

func TestValidatePipeline_MissingStageName(t *testing.T) {
	v := newValidator(t)
	doc := validPipeline()
	doc.Stages[0].Name = ""

	err := v.ValidatePipeline(doc)
	require.Error(t, err)
	fe, ok := err.(*schema.ForemanError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, fe.Code)
}

func TestValidatePipeline_UnknownMode(t *testing.T) {
	v := newValidator(t)
	doc := validPipeline()
	doc.Stages[0].Mode = "round_robin"

	err := v.ValidatePipeline(doc)
	require.Error(t, err)
}

func TestValidatePipeline_EmptyOrders(t *testing.T) {
	v := newValidator(t)
	doc := validPipeline()
	doc.Stages[0].Orders = nil

	err := v.ValidatePipeline(doc)
	require.Error(t, err)
}

func TestValidatePipeline_DuplicateStageName(t *testing.T) {
	v := newValidator(t)
	doc := validPipeline()
	doc.Stages = append(doc.Stages, validPipeline().Stages[0])

	err := v.ValidatePipeline(doc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate stage name")
}

func TestValidatePipeline_DuplicateTaskID(t *testing.T) {
	v := newValidator(t)
	doc := validPipeline()
	doc.Stages[0].Orders = append(doc.Stages[0].Orders,
		&schema.WorkOrder{TaskID: "t1", Description: "again"})

	err := v.ValidatePipeline(doc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate task id")
}

func TestValidatePipeline_VerificationStageNeedsTarget(t *testing.T) {
	v := newValidator(t)
	doc := validPipeline()
	doc.Stages[0].Verification = true

	err := v.ValidatePipeline(doc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no verified stage")

	doc.Stages[0].Produces = "build"
	assert.NoError(t, v.ValidatePipeline(doc))
}

func TestValidatePipeline_StrategyBounds(t *testing.T) {
	v := newValidator(t)
	doc := validPipeline()
	doc.Stages[0].Strategy = &schema.RetryStrategy{
		MaxAttempts:         0, // below minimum
		EscalationThreshold: 2,
	}

	err := v.ValidatePipeline(doc)
	require.Error(t, err)
}

func TestValidateReport_ValidAndDecoded(t *testing.T) {
	v := newValidator(t)
	raw := []byte(`{
		"success": false,
		"failures": [
			{"type": "test_failure", "message": "boom", "expected": "a", "actual": "b"}
		]
	}`)

	report, err := v.ValidateReport(raw)
	require.NoError(t, err)
	assert.False(t, report.Success)
	require.Len(t, report.Failures, 1)
	assert.True(t, report.Failures[0].HasExpectedActual())
}

func TestValidateReport_MissingSuccess(t *testing.T) {
	v := newValidator(t)
	_, err := v.ValidateReport([]byte(`{"failures": []}`))
	require.Error(t, err)
}

func TestValidateReport_FailureWithoutType(t *testing.T) {
	v := newValidator(t)
	_, err := v.ValidateReport([]byte(`{"success": false, "failures": [{"message": "no type"}]}`))
	require.Error(t, err)
}

func TestValidateReport_NotJSON(t *testing.T) {
	v := newValidator(t)
	_, err := v.ValidateReport([]byte(`not json at all`))
	require.Error(t, err)
}

func TestValidateGate_Valid(t *testing.T) {
	v := newValidator(t)
	raw := []byte(`{
		"gate": "coverage",
		"status": "failed",
		"score": 0.62,
		"violations": [{"rule": "min_coverage", "message": "62% < 80%", "severity": "high"}],
		"suggested_fixes": ["add tests for internal/feedback"]
	}`)

	gate, err := v.ValidateGate(raw)
	require.NoError(t, err)
	assert.False(t, gate.Passed())
	assert.Equal(t, "coverage", gate.Gate)
	require.Len(t, gate.Violations, 1)
}

func TestValidateGate_BadStatus(t *testing.T) {
	v := newValidator(t)
	_, err := v.ValidateGate([]byte(`{"gate": "coverage", "status": "meh"}`))
	require.Error(t, err)
}

func TestValidateAgainst_DynamicSchemaIsCached(t *testing.T) {
	v := newValidator(t)
	schemaBytes := []byte(`{
		"type": "object",
		"required": ["name"],
		"properties": {"name": {"type": "string"}}
	}`)

	assert.NoError(t, v.ValidateAgainst(map[string]any{"name": "ok"}, schemaBytes))
	assert.Error(t, v.ValidateAgainst(map[string]any{}, schemaBytes))
	// Second use hits the cache; behavior must not change.
	assert.NoError(t, v.ValidateAgainst(map[string]any{"name": "still ok"}, schemaBytes))
}

func TestValidateAgainst_EmptySchemaIsNoop(t *testing.T) {
	v := newValidator(t)
	assert.NoError(t, v.ValidateAgainst(map[string]any{"anything": true}, nil))
}

func TestValidationErrors_CarryViolationDetails(t *testing.T) {
	v := newValidator(t)
	doc := validPipeline()
	doc.Stages[0].Name = ""
	doc.Stages[0].ExecutorID = ""

	err := v.ValidatePipeline(doc)
	require.Error(t, err)
	fe, ok := err.(*schema.ForemanError)
	require.True(t, ok)
	assert.NotEmpty(t, fe.Details["violations"])
}
