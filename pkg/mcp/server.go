package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/foreman/internal/dispatch"
	"github.com/rendis/foreman/internal/feedback"
	"github.com/rendis/foreman/internal/orchestrator"
	"github.com/rendis/foreman/internal/state"
	"github.com/rendis/foreman/internal/validation"
)

// ForemanServerDeps holds the dependencies for creating a ForemanServer.
type ForemanServerDeps struct {
	Orchestrator *orchestrator.Orchestrator
	Scheduler    *dispatch.Scheduler
	Engine       *feedback.Engine
	Store        state.Store
	Validator    *validation.JSONSchemaValidator
	Logger       *slog.Logger
}

// ForemanServer wraps an MCP server with foreman-specific tool handlers.
type ForemanServer struct {
	orchestrator *orchestrator.Orchestrator
	scheduler    *dispatch.Scheduler
	engine       *feedback.Engine
	store        state.Store
	validator    *validation.JSONSchemaValidator
	logger       *slog.Logger
	mcpServer    *server.MCPServer
}

// NewForemanServer creates a ForemanServer with all tools registered.
func NewForemanServer(deps ForemanServerDeps) *ForemanServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &ForemanServer{
		orchestrator: deps.Orchestrator,
		scheduler:    deps.Scheduler,
		engine:       deps.Engine,
		store:        deps.Store,
		validator:    deps.Validator,
		logger:       logger,
	}

	mcpSrv := server.NewMCPServer(
		"foreman",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Foreman coordinates multi-stage development pipelines for external executors. Use foreman.execute to run a full pipeline, foreman.produce to assemble an instruction batch for a set of work orders, foreman.report to submit a validation result and receive the next decision, foreman.resolve to close a feedback loop, and foreman.query to list loops or events."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *ForemanServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *ForemanServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *ForemanServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: executeTool(), Handler: s.handleExecute},
		{Tool: produceTool(), Handler: s.handleProduce},
		{Tool: reportTool(), Handler: s.handleReport},
		{Tool: resolveTool(), Handler: s.handleResolve},
		{Tool: queryTool(), Handler: s.handleQuery},
	}
}

// --- Tool definitions ---

func executeTool() mcp.Tool {
	return mcp.NewTool("foreman.execute",
		mcp.WithDescription("Execute a full multi-stage pipeline and return the per-stage outcome"),
		mcp.WithObject("pipeline", mcp.Required(), mcp.Description("Pipeline document with a 'stages' array")),
	)
}

func produceTool() mcp.Tool {
	return mcp.NewTool("foreman.produce",
		mcp.WithDescription("Assemble an instruction batch for a set of work orders without running a pipeline"),
		mcp.WithString("mode", mcp.Required(),
			mcp.Enum("parallel", "sequential", "dependency_graph"),
			mcp.Description("Dispatch mode"),
		),
		mcp.WithArray("orders", mcp.Required(), mcp.Description("Work orders to produce instructions for")),
	)
}

func reportTool() mcp.Tool {
	return mcp.NewTool("foreman.report",
		mcp.WithDescription("Submit an executor validation report for a work order and receive the feedback decision"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("Pipeline run ID")),
		mcp.WithString("stage", mcp.Required(), mcp.Description("Stage name")),
		mcp.WithString("work_order_id", mcp.Required(), mcp.Description("Task ID of the work order the report is for")),
		mcp.WithString("executor_id", mcp.Required(), mcp.Description("ID of the reporting executor")),
		mcp.WithObject("report", mcp.Required(), mcp.Description("Validation result document: {success, failures[]}")),
		mcp.WithObject("gate", mcp.Description("Quality-gate result document: {gate, status, score, violations[], suggested_fixes[]}; a failed gate fails the report")),
		mcp.WithObject("strategy", mcp.Description("Retry strategy override for this stage")),
		mcp.WithString("instruction", mcp.Description("Original instruction, used when the report opens a new loop")),
	)
}

func resolveTool() mcp.Tool {
	return mcp.NewTool("foreman.resolve",
		mcp.WithDescription("Close a feedback loop"),
		mcp.WithString("loop_id", mcp.Required(), mcp.Description("ID of the loop to close")),
		mcp.WithString("state", mcp.Required(),
			mcp.Enum("closed_success", "closed_failed"),
			mcp.Description("Final loop state"),
		),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("foreman.query",
		mcp.WithDescription("Query active loops, loop history, or events"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("loops", "history", "events"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (run_id, stage, limit)")),
	)
}
