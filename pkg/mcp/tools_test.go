package mcp

import (
	"context"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/foreman/internal/expressions"
	"github.com/rendis/foreman/internal/feedback"
	"github.com/rendis/foreman/internal/state"
	"github.com/rendis/foreman/internal/validation"
)

func newTestServer(t *testing.T) (*ForemanServer, state.Store) {
	t.Helper()
	store := state.NewMemoryStore()
	registry, err := expressions.NewDefaultRegistry()
	require.NoError(t, err)
	engine := feedback.NewEngine(store, feedback.NewClassifier(registry, nil), nil, 0)
	validator, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)

	s := NewForemanServer(ForemanServerDeps{
		Engine:    engine,
		Store:     store,
		Validator: validator,
	})
	return s, store
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func TestReportTool_SuccessWithoutLoopIsContinue(t *testing.T) {
	s, store := newTestServer(t)

	req := buildRequest("foreman.report", map[string]any{
		"run_id":        "run-1",
		"stage":         "build",
		"work_order_id": "t1",
		"executor_id":   "exec-1",
		"report":        map[string]any{"success": true},
	})

	result, err := s.handleReport(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.False(t, result.IsError)

	active, err := store.ListActive(context.Background(), state.LoopFilter{RunID: "run-1"})
	require.NoError(t, err)
	assert.Empty(t, active, "a passing report must not open a loop")
}

func TestReportTool_FailureOpensLoopAndRetries(t *testing.T) {
	s, store := newTestServer(t)

	req := buildRequest("foreman.report", map[string]any{
		"run_id":        "run-1",
		"stage":         "build",
		"work_order_id": "t1",
		"executor_id":   "exec-1",
		"instruction":   "build the service",
		"report": map[string]any{
			"success":  false,
			"failures": []any{map[string]any{"type": "test_failure", "message": "boom"}},
		},
	})

	result, err := s.handleReport(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	active, err := store.ListActive(context.Background(), state.LoopFilter{RunID: "run-1"})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, 1, active[0].RetryCount)
	assert.Contains(t, active[0].FailureReason, "boom")
}

func TestReportTool_FailedGateFailsAPassingReport(t *testing.T) {
	s, store := newTestServer(t)

	req := buildRequest("foreman.report", map[string]any{
		"run_id":        "run-1",
		"stage":         "review",
		"work_order_id": "t1",
		"executor_id":   "exec-1",
		"instruction":   "review the change",
		"report":        map[string]any{"success": true},
		"gate": map[string]any{
			"gate":   "coverage",
			"status": "failed",
			"score":  0.62,
			"violations": []any{
				map[string]any{"rule": "min_coverage", "message": "62% < 80%", "severity": "high"},
			},
			"suggested_fixes": []any{"add tests for the new handlers"},
		},
	})

	result, err := s.handleReport(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	// The failed gate turned the passing report into a failure decision.
	active, err := store.ListActive(context.Background(), state.LoopFilter{RunID: "run-1"})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, 1, active[0].RetryCount)
	assert.Contains(t, active[0].FailureReason, "quality_gate")
	assert.Contains(t, active[0].FailureReason, "min_coverage")
}

func TestReportTool_MalformedGateIsRejected(t *testing.T) {
	s, _ := newTestServer(t)

	req := buildRequest("foreman.report", map[string]any{
		"run_id":        "run-1",
		"stage":         "review",
		"work_order_id": "t1",
		"executor_id":   "exec-1",
		"report":        map[string]any{"success": true},
		"gate":          map[string]any{"gate": "coverage", "status": "meh"},
	})

	result, err := s.handleReport(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestResolveTool_RejectsUnknownState(t *testing.T) {
	s, _ := newTestServer(t)

	req := buildRequest("foreman.resolve", map[string]any{
		"loop_id": "loop-1",
		"state":   "half-closed",
	})

	result, err := s.handleResolve(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}
