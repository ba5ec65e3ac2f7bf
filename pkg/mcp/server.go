package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/weft-dev/weft/internal/actions"
	"github.com/weft-dev/weft/internal/store"
	"github.com/weft-dev/weft/internal/streaming"
)

// WorkflowEngine is the engine surface the MCP tools need.
// Satisfied by *engine.Engine.
type WorkflowEngine interface {
	Trigger(ctx context.Context, workflowID, projectID string, input map[string]any) (string, error)
	Execution(ctx context.Context, executionID string) (*store.Execution, []*store.StepState, error)
	Cancel(ctx context.Context, executionID string) error
	Wait(ctx context.Context, executionID string) (*store.Execution, error)
}

// WeftServerDeps holds the dependencies for creating a WeftServer.
type WeftServerDeps struct {
	Engine   WorkflowEngine
	Store    store.Store
	Registry actions.ActionRegistry
	Hub      streaming.EventHub
	Logger   *slog.Logger
}

// WeftServer wraps an MCP server with workflow tool handlers.
type WeftServer struct {
	engine    WorkflowEngine
	store     store.Store
	registry  actions.ActionRegistry
	logger    *slog.Logger
	sessions  *SessionRegistry
	notifier  *ExecutionNotifier
	mcpServer *server.MCPServer
}

// NewWeftServer creates a WeftServer with all tools registered.
func NewWeftServer(deps WeftServerDeps) *WeftServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &WeftServer{
		engine:   deps.Engine,
		store:    deps.Store,
		registry: deps.Registry,
		logger:   logger,
		sessions: NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"weft",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Weft is a workflow execution engine. Use workflow.define to register a workflow, workflow.run to execute one, workflow.status to inspect an execution, workflow.cancel to stop it, workflow.list to browse definitions, and action.list to discover available step actions."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv

	if deps.Hub != nil {
		s.notifier = NewExecutionNotifier(mcpSrv, s.sessions, deps.Hub, logger)
	}
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *WeftServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *WeftServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *WeftServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: listTool(), Handler: s.handleList},
		{Tool: actionListTool(), Handler: s.handleActionList},
	}
}

// --- Tool definitions ---

func defineTool() mcp.Tool {
	return mcp.NewTool("workflow.define",
		mcp.WithDescription("Register a workflow definition. The definition is validated (duplicate step IDs, unknown references, cycles) before it is stored"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Workflow name, unique per project")),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition: inputs, steps with depends_on/args/if/on_error")),
		mcp.WithString("project_id", mcp.Description("Project namespace (optional)")),
		mcp.WithString("description", mcp.Description("Human-readable description")),
	)
}

func runTool() mcp.Tool {
	return mcp.NewTool("workflow.run",
		mcp.WithDescription("Execute a registered workflow. Returns the execution ID immediately, or the final execution when wait is true"),
		mcp.WithString("workflow_id", mcp.Description("Workflow ID (or use name + project_id)")),
		mcp.WithString("name", mcp.Description("Workflow name, resolved within project_id")),
		mcp.WithString("project_id", mcp.Description("Project namespace for name lookup")),
		mcp.WithObject("input", mcp.Description("Input payload, validated against the workflow's declared inputs")),
		mcp.WithBoolean("wait", mcp.Description("Block until the execution reaches a terminal state (default: false)")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("workflow.status",
		mcp.WithDescription("Get an execution snapshot: status, output, error, logs and per-step state"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to inspect")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("workflow.cancel",
		mcp.WithDescription("Cancel a running execution. In-flight steps are stopped and remaining steps are skipped"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to cancel")),
	)
}

func listTool() mcp.Tool {
	return mcp.NewTool("workflow.list",
		mcp.WithDescription("List registered workflow definitions"),
		mcp.WithString("project_id", mcp.Description("Filter by project namespace")),
		mcp.WithString("name", mcp.Description("Filter by exact name")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of results (default: 50)")),
	)
}

func actionListTool() mcp.Tool {
	return mcp.NewTool("action.list",
		mcp.WithDescription("List the actions available to workflow steps"),
	)
}
