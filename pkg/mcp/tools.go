package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/foreman/internal/feedback"
	"github.com/rendis/foreman/internal/state"
	"github.com/rendis/foreman/internal/validation"
	"github.com/rendis/foreman/pkg/schema"
)

// handleExecute runs a full pipeline from a validated pipeline document.
func (s *ForemanServer) handleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw := mcp.ParseStringMap(req, "pipeline", nil)
	if raw == nil {
		return mcp.NewToolResultError("pipeline is required"), nil
	}

	doc, err := decodeAs[validation.PipelineDocument](raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid pipeline: %v", err)), nil
	}
	if err := s.validator.ValidatePipeline(doc); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("pipeline validation failed: %v", err)), nil
	}

	result, err := s.orchestrator.Execute(ctx, doc.Stages)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("pipeline execution failed: %v", err)), nil
	}
	return marshalResult(result)
}

// handleProduce assembles an instruction batch for a raw order set.
func (s *ForemanServer) handleProduce(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	mode, err := req.RequireString("mode")
	if err != nil {
		return mcp.NewToolResultError("mode is required"), nil
	}

	rawOrders, ok := req.GetArguments()["orders"].([]any)
	if !ok || len(rawOrders) == 0 {
		return mcp.NewToolResultError("orders is required and must be a non-empty array"), nil
	}

	orders := make([]*schema.WorkOrder, 0, len(rawOrders))
	for i, rawOrder := range rawOrders {
		order, err := decodeAs[schema.WorkOrder](rawOrder)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid order at index %d: %v", i, err)), nil
		}
		orders = append(orders, order)
	}

	run, err := s.scheduler.Dispatch(ctx, schema.DispatchMode(mode), orders)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("dispatch failed: %v", err)), nil
	}

	return marshalResult(map[string]any{
		"run_id":        run.RunID,
		"status":        run.Status,
		"success_count": run.SuccessCount,
		"failure_count": run.FailureCount,
		"batch":         run.Batch,
		"rendered":      run.Batch.Render(),
	})
}

// handleReport takes an executor's validation report, looks up or opens the
// matching feedback loop, and returns the engine's decision.
func (s *ForemanServer) handleReport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	stage, err := req.RequireString("stage")
	if err != nil {
		return mcp.NewToolResultError("stage is required"), nil
	}
	workOrderID, err := req.RequireString("work_order_id")
	if err != nil {
		return mcp.NewToolResultError("work_order_id is required"), nil
	}
	executorID, err := req.RequireString("executor_id")
	if err != nil {
		return mcp.NewToolResultError("executor_id is required"), nil
	}

	reportMap := mcp.ParseStringMap(req, "report", nil)
	if reportMap == nil {
		return mcp.NewToolResultError("report is required"), nil
	}
	reportRaw, marshalErr := json.Marshal(reportMap)
	if marshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid report: %v", marshalErr)), nil
	}
	report, valErr := s.validator.ValidateReport(reportRaw)
	if valErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("report validation failed: %v", valErr)), nil
	}

	// A failed quality gate fails the report; its violations enter the
	// decision engine as structured failures.
	if gateMap := mcp.ParseStringMap(req, "gate", nil); gateMap != nil {
		gateRaw, gateMarshalErr := json.Marshal(gateMap)
		if gateMarshalErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid gate: %v", gateMarshalErr)), nil
		}
		gate, gateErr := s.validator.ValidateGate(gateRaw)
		if gateErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("gate validation failed: %v", gateErr)), nil
		}
		report = validation.MergeGate(report, gate)
	}

	strategy := schema.DefaultRetryStrategy()
	if strategyMap := mcp.ParseStringMap(req, "strategy", nil); strategyMap != nil {
		decoded, err := decodeAs[schema.RetryStrategy](strategyMap)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid strategy: %v", err)), nil
		}
		strategy = decoded
	}

	loop, lookupErr := s.store.GetActiveByKey(ctx, runID, stage, workOrderID)
	if lookupErr != nil {
		if !schema.IsNotFound(lookupErr) {
			return mcp.NewToolResultError(fmt.Sprintf("loop lookup failed: %v", lookupErr)), nil
		}
		if report.Success {
			// No open loop and a passing report: nothing to decide.
			return marshalResult(map[string]any{"ok": true, "action": string(schema.ActionContinue)})
		}
		instruction := req.GetString("instruction", "")
		opened, openErr := s.engine.OpenLoop(ctx, runID, stage, executorID, workOrderID, instruction, strategy)
		if openErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("loop open failed: %v", openErr)), nil
		}
		loop = opened
	}

	// No stage definition on this path, so cross-stage routing does not
	// apply; executors reporting through a running pipeline get it from
	// the orchestrator instead.
	decision, decideErr := s.engine.Decide(ctx, feedback.DecisionRequest{
		Loop:       loop,
		Strategy:   strategy,
		Validation: report,
	})
	if decideErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("decision failed: %v", decideErr)), nil
	}

	redirected, applyErr := s.engine.ApplyDecision(ctx, loop, decision, report)
	if applyErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("decision apply failed: %v", applyErr)), nil
	}

	response := map[string]any{
		"loop_id":    loop.LoopID,
		"action":     string(decision.Action()),
		"confidence": decision.DecisionConfidence(),
		"reasoning":  decision.DecisionReasoning(),
		"decision":   decision,
	}
	if redirected != nil {
		response["redirected_loop_id"] = redirected.LoopID
	}
	return marshalResult(response)
}

// handleResolve closes a feedback loop. Resolving an already resolved loop
// is a no-op, so retried calls are safe.
func (s *ForemanServer) handleResolve(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	loopID, err := req.RequireString("loop_id")
	if err != nil {
		return mcp.NewToolResultError("loop_id is required"), nil
	}
	stateArg, err := req.RequireString("state")
	if err != nil {
		return mcp.NewToolResultError("state is required"), nil
	}

	loopState := schema.LoopState(stateArg)
	if loopState != schema.LoopStateClosedSuccess && loopState != schema.LoopStateClosedFailed {
		return mcp.NewToolResultError("state must be closed_success or closed_failed"), nil
	}

	if err := s.store.ResolveLoop(ctx, loopID, loopState); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("resolve failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"ok": true, "loop_id": loopID, "state": string(loopState)})
}

// handleQuery lists active loops, loop history, or events based on filters.
func (s *ForemanServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)
	loopFilter := state.LoopFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if runID, ok := filter["run_id"].(string); ok {
		loopFilter.RunID = runID
	}
	if stage, ok := filter["stage"].(string); ok {
		loopFilter.Stage = stage
	}

	switch resource {
	case "loops":
		loops, err := s.store.ListActive(ctx, loopFilter)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
		}
		return marshalResult(map[string]any{"loops": loops})
	case "history":
		loops, err := s.store.ListHistory(ctx, loopFilter)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
		}
		return marshalResult(map[string]any{"loops": loops})
	case "events":
		if loopFilter.RunID == "" {
			return mcp.NewToolResultError("event query requires 'run_id' in filter"), nil
		}
		events, err := s.store.GetEvents(ctx, loopFilter.RunID, 0)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
		}
		return marshalResult(map[string]any{"events": events})
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// --- Internal helpers ---

// decodeAs round-trips an arbitrary JSON-shaped value into a typed struct.
func decodeAs[T any](raw any) (*T, error) {
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var out T
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
