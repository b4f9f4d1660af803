package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/foreman/pkg/schema"
)

func testPayload() map[string]any {
	return map[string]any{
		"failure": map[string]any{
			"type":    "test_failure",
			"message": "assertion failed",
		},
		"validation": map[string]any{
			"success": false,
			"failures": []any{
				map[string]any{"expected": "a", "actual": "b"},
			},
		},
		"feedback": map[string]any{
			"retry_count": 2,
		},
	}
}

func TestEvalPredicate_CEL(t *testing.T) {
	r, err := NewDefaultRegistry()
	require.NoError(t, err)
	ctx := context.Background()

	tests := []struct {
		predicate string
		want      bool
	}{
		{`cel:failure.type == "test_failure"`, true},
		{`cel:failure.type == "lint_failure"`, false},
		{`cel:feedback.retry_count >= 2`, true},
		{`cel:feedback.retry_count > 5`, false},
	}
	for _, tt := range tests {
		got, err := r.EvalPredicate(ctx, tt.predicate, testPayload())
		require.NoError(t, err, tt.predicate)
		assert.Equal(t, tt.want, got, tt.predicate)
	}
}

func TestEvalPredicate_Expr(t *testing.T) {
	r, err := NewDefaultRegistry()
	require.NoError(t, err)
	ctx := context.Background()

	got, err := r.EvalPredicate(ctx, `expr:failure.message contains "assertion"`, testPayload())
	require.NoError(t, err)
	assert.True(t, got)

	got, err = r.EvalPredicate(ctx, `expr:failure.message contains "panic"`, testPayload())
	require.NoError(t, err)
	assert.False(t, got)
}

func TestEvalPredicate_JQ(t *testing.T) {
	r, err := NewDefaultRegistry()
	require.NoError(t, err)
	ctx := context.Background()

	// Boolean output.
	got, err := r.EvalPredicate(ctx, `jq:.validation.success == false`, testPayload())
	require.NoError(t, err)
	assert.True(t, got)

	// Non-empty array output counts as a match.
	got, err = r.EvalPredicate(ctx, `jq:[.validation.failures[] | select(has("expected"))]`, testPayload())
	require.NoError(t, err)
	assert.True(t, got)

	// Null output does not.
	got, err = r.EvalPredicate(ctx, `jq:.failure.missing_field`, testPayload())
	require.NoError(t, err)
	assert.False(t, got)
}

func TestEvalPredicate_MissingPrefix(t *testing.T) {
	r, err := NewDefaultRegistry()
	require.NoError(t, err)

	_, err = r.EvalPredicate(context.Background(), "failure.type == 'x'", testPayload())
	require.Error(t, err)
	assert.True(t, schema.IsConfiguration(err))
}

func TestEvalPredicate_UnknownEngine(t *testing.T) {
	r, err := NewDefaultRegistry()
	require.NoError(t, err)

	_, err = r.EvalPredicate(context.Background(), "lua:1 == 1", testPayload())
	require.Error(t, err)
	assert.True(t, schema.IsConfiguration(err))
}

func TestExtract_FindsNestedExpectedActualPairs(t *testing.T) {
	r, err := NewDefaultRegistry()
	require.NoError(t, err)

	out, err := r.Extract(context.Background(),
		`[.. | objects | select(has("expected") and has("actual"))] | length > 0`,
		testPayload())
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, true, out[0])

	out, err = r.Extract(context.Background(),
		`[.. | objects | select(has("expected") and has("actual"))] | length > 0`,
		map[string]any{"failure": map[string]any{"type": "x"}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, false, out[0])
}

func TestCELEngine_MissingVariablesDefaultToEmptyMaps(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(), `"type" in failure`, nil)
	require.NoError(t, err)
	assert.Equal(t, false, out)
}

func TestCELEngine_CompileErrorIsConfiguration(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), "this is not CEL ((", nil)
	require.Error(t, err)
	assert.True(t, schema.IsConfiguration(err))
}

func TestGoJQEngine_MultipleOutputs(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), `.validation.failures[]`, testPayload())
	require.NoError(t, err)
	// Single failure: returned directly, not wrapped.
	m, ok := out.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "a", m["expected"])

	all, err := e.EvaluateAll(context.Background(), `.failure.type, .failure.message`, testPayload())
	require.NoError(t, err)
	assert.Equal(t, []any{"test_failure", "assertion failed"}, all)
}

func TestGoJQEngine_EnvironAccessIsSandboxed(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.EvaluateAll(context.Background(), `env.HOME`, map[string]any{})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Nil(t, out[0])
}

func TestEngines_EmptyExpression(t *testing.T) {
	r, err := NewDefaultRegistry()
	require.NoError(t, err)

	for _, predicate := range []string{"cel:", "expr:", "jq:"} {
		_, err := r.EvalPredicate(context.Background(), predicate, testPayload())
		assert.Error(t, err, predicate)
	}
}
