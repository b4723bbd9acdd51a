// Package mcp exposes graph validation, topology inference and execution
// status as Model Context Protocol tools.
package mcp

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/agentgraph/internal/gateway"
	"github.com/rendis/agentgraph/internal/logging"
	"github.com/rendis/agentgraph/internal/metrics"
	"github.com/rendis/agentgraph/internal/store"
	"github.com/rendis/agentgraph/internal/streaming"
	"github.com/rendis/agentgraph/internal/validation"
	"github.com/rendis/agentgraph/pkg/schema"
)

// StatusReader projects an execution's current state.
type StatusReader interface {
	Status(ctx context.Context, executionID string) (*gateway.ExecutionView, error)
}

// ServerDeps holds the dependencies for creating a Server. Store and Status
// are optional; tools that need them report an error when they are absent.
type ServerDeps struct {
	Store     store.Store
	Status    StatusReader
	Validator *validation.Validator
	Metrics   *metrics.Collector
	Logger    *slog.Logger
}

// Server wraps an MCP server with the agentgraph tool handlers.
type Server struct {
	store     store.Store
	status    StatusReader
	validator *validation.Validator
	metrics   *metrics.Collector
	logger    *slog.Logger
	watches   *WatchRegistry
	notifier  ExecutionNotifier
	mcpServer *server.MCPServer
}

// NewServer creates a new Server with all tools registered.
func NewServer(deps ServerDeps) (*Server, error) {
	v := deps.Validator
	if v == nil {
		var err error
		if v, err = validation.NewValidator(); err != nil {
			return nil, err
		}
	}

	s := &Server{
		store:     deps.Store,
		status:    deps.Status,
		validator: v,
		metrics:   deps.Metrics,
		logger:    logging.OrDefault(deps.Logger),
		watches:   NewWatchRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"agentgraph",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("agentgraph validates agent workflow and team graphs. Use graph.validate to find defects, topology.infer to recognize a team collaboration pattern, topology.expand to turn a pattern into edges, and execution.status to read a running execution's node states."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.watches)
	return s, nil
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// HTTPHandler returns the streamable HTTP transport for mounting next to the
// event gateway.
func (s *Server) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcpServer)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// WatchExecutions forwards terminal execution events from hub to watching
// sessions until ctx is cancelled.
func (s *Server) WatchExecutions(ctx context.Context, hub streaming.Hub) error {
	filter := streaming.Filter{
		EventTypes: []string{schema.EventExecutionComplete, schema.EventNodeFailed},
	}
	for {
		ch, cancel, err := hub.Subscribe(ctx, filter)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		evicted := s.drain(ctx, ch)
		cancel()
		if !evicted {
			return nil
		}
		// A missed notification is recoverable through execution.status.
		s.logger.Warn("execution watch subscription dropped, resubscribing")
	}
}

// drain forwards envelopes until ctx ends (false) or ch is closed (true).
func (s *Server) drain(ctx context.Context, ch <-chan streaming.Envelope) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case env, ok := <-ch:
			if !ok {
				return true
			}
			s.forward(ctx, env)
		}
	}
}

func (s *Server) forward(ctx context.Context, env streaming.Envelope) {
	payload := map[string]any{
		"level":  "info",
		"logger": "agentgraph",
		"data": map[string]any{
			"execution_id": env.ExecutionID,
			"seq":          env.Seq,
			"type":         env.Type,
			"event":        env.Data,
		},
	}
	if env.Type == schema.EventNodeFailed {
		payload["level"] = "warning"
	}
	if err := s.notifier.Notify(ctx, env.ExecutionID, payload); err != nil {
		s.logger.Warn("notify watchers", "execution_id", env.ExecutionID, "error", err)
	}
	if env.Type == schema.EventExecutionComplete {
		s.watches.Forget(env.ExecutionID)
	}
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: validateTool(), Handler: s.handleValidate},
		{Tool: inferTool(), Handler: s.handleInfer},
		{Tool: expandTool(), Handler: s.handleExpand},
		{Tool: statusTool(), Handler: s.handleStatus},
	}
}

// --- Tool definitions ---

func validateTool() mcp.Tool {
	return mcp.NewTool("graph.validate",
		mcp.WithDescription("Validate a workflow or team graph and report structural and semantic defects"),
		mcp.WithObject("graph", mcp.Description("Graph object with nodes, edges and settings")),
		mcp.WithString("document", mcp.Description("Graph document as JSON or YAML text (checked against the document schema)")),
		mcp.WithString("graph_id", mcp.Description("ID of a stored graph")),
		mcp.WithString("kind",
			mcp.Enum(string(schema.GraphKindWorkflow), string(schema.GraphKindTeam)),
			mcp.Description("Graph kind (default: workflow, or the stored kind for graph_id)"),
		),
	)
}

func inferTool() mcp.Tool {
	return mcp.NewTool("topology.infer",
		mcp.WithDescription("Infer the collaboration pattern of a team graph"),
		mcp.WithObject("graph", mcp.Description("Graph object; node order decides the generator and default order")),
		mcp.WithString("graph_id", mcp.Description("ID of a stored team graph")),
		mcp.WithArray("nodes", mcp.Description("Node IDs in order (used with edges when no graph is given)"), mcp.Items(map[string]any{"type": "string"})),
		mcp.WithArray("edges", mcp.Description("Edges as {source, target} objects"), mcp.Items(map[string]any{"type": "object"})),
	)
}

func expandTool() mcp.Tool {
	return mcp.NewTool("topology.expand",
		mcp.WithDescription("Expand a collaboration pattern into concrete edges"),
		mcp.WithString("pattern", mcp.Required(),
			mcp.Enum("sequential", "parallel", "coordinator", "generator_critic", "hierarchical", "composite", "human_in_loop"),
			mcp.Description("Pattern to expand"),
		),
		mcp.WithArray("nodes", mcp.Required(), mcp.Description("Node IDs in order"), mcp.Items(map[string]any{"type": "string"})),
		mcp.WithObject("params", mcp.Description("Pattern parameters (order, hub, lead, generator, critic, edges)")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("execution.status",
		mcp.WithDescription("Get an execution's status and per-node states from its event log"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to query")),
		mcp.WithBoolean("watch", mcp.Description("Push a notification to this session when the execution finishes or a node fails")),
	)
}
