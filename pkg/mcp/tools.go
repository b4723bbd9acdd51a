package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/agentgraph/internal/graph"
	"github.com/rendis/agentgraph/internal/store"
	"github.com/rendis/agentgraph/internal/topology"
	"github.com/rendis/agentgraph/pkg/schema"
)

// validateResponse is the graph.validate result.
type validateResponse struct {
	Valid    bool                     `json:"valid"`
	Kind     schema.GraphKind         `json:"kind"`
	Errors   []schema.ValidationIssue `json:"errors"`
	Warnings []schema.ValidationIssue `json:"warnings"`
}

// inferResponse is the topology.infer result.
type inferResponse struct {
	Recognized bool             `json:"recognized"`
	Pattern    topology.Pattern `json:"pattern,omitempty"`
	Params     *topology.Params `json:"params,omitempty"`
	Config     topology.Config  `json:"config"`
}

// handleValidate validates a graph given inline, as document text or by ID.
func (s *Server) handleValidate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	kind := schema.GraphKind(req.GetString("kind", ""))
	documentText := req.GetString("document", "")
	graphID := req.GetString("graph_id", "")

	start := time.Now()
	var (
		g      *schema.Graph
		result *schema.ValidationResult
	)
	switch {
	case graphID != "":
		rec, err := s.lookupGraph(ctx, graphID)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		g = rec.Graph
		if kind == "" {
			kind = rec.Kind
		}
	case documentText != "":
		raw, err := graph.ToJSON([]byte(documentText))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid document: %v", err)), nil
		}
		if kind == schema.GraphKindTeam {
			if g, err = graph.Decode(raw); err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("invalid document: %v", err)), nil
			}
		} else {
			result = s.validator.ValidateDocument(raw)
		}
	default:
		ok, err := decodeArg(req, "graph", &g)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid graph: %v", err)), nil
		}
		if !ok {
			return mcp.NewToolResultError("one of graph, document or graph_id is required"), nil
		}
	}

	if kind == "" {
		kind = schema.GraphKindWorkflow
	}
	if result == nil {
		if kind == schema.GraphKindTeam {
			result = s.validator.ValidateTeam(g)
		} else {
			result = s.validator.Validate(g)
		}
	}
	s.metrics.RecordValidation(result.Valid(), time.Since(start))

	return marshalResult(validateResponse{
		Valid:    result.Valid(),
		Kind:     kind,
		Errors:   nonNil(result.Errors),
		Warnings: nonNil(result.Warnings),
	})
}

// handleInfer classifies a team graph's edges.
func (s *Server) handleInfer(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	nodeIDs, edges, err := s.teamShape(ctx, req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	resp := inferResponse{Config: topology.ToConfig(nodeIDs, edges)}
	if rec, ok := topology.Infer(nodeIDs, edges).(topology.Recognized); ok {
		resp.Recognized = true
		resp.Pattern = rec.Pattern
		resp.Params = &rec.Params
	}
	return marshalResult(resp)
}

// handleExpand turns a pattern and its params into edges.
func (s *Server) handleExpand(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pattern, err := req.RequireString("pattern")
	if err != nil {
		return mcp.NewToolResultError("pattern is required"), nil
	}
	var nodeIDs []string
	if ok, err := decodeArg(req, "nodes", &nodeIDs); err != nil || !ok {
		return mcp.NewToolResultError("nodes is required as an array of node IDs"), nil
	}
	var params topology.Params
	if _, err := decodeArg(req, "params", &params); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid params: %v", err)), nil
	}

	edges, err := topology.Expand(topology.Pattern(pattern), params, nodeIDs)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if edges == nil {
		edges = []schema.GraphEdge{}
	}
	return marshalResult(map[string]any{
		"pattern": pattern,
		"edges":   edges,
	})
}

// handleStatus returns an execution's projected state.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	if s.status == nil {
		return mcp.NewToolResultError("execution status is not available on this server"), nil
	}

	view, err := s.status.Status(ctx, executionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", err)), nil
	}

	watching := false
	if req.GetBool("watch", false) {
		watching = s.captureWatch(ctx, executionID)
	}
	return marshalResult(map[string]any{
		"execution": view,
		"watching":  watching,
	})
}

// --- helpers ---

// teamShape resolves node IDs and edges from graph_id, graph or nodes+edges.
func (s *Server) teamShape(ctx context.Context, req mcp.CallToolRequest) ([]string, []schema.GraphEdge, error) {
	if graphID := req.GetString("graph_id", ""); graphID != "" {
		rec, err := s.lookupGraph(ctx, graphID)
		if err != nil {
			return nil, nil, err
		}
		return rec.Graph.NodeIDs(), rec.Graph.Edges, nil
	}

	var g *schema.Graph
	ok, err := decodeArg(req, "graph", &g)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid graph: %w", err)
	}
	if ok && g != nil {
		return g.NodeIDs(), g.Edges, nil
	}

	var nodeIDs []string
	if ok, err := decodeArg(req, "nodes", &nodeIDs); err != nil || !ok {
		return nil, nil, fmt.Errorf("one of graph, graph_id or nodes is required")
	}
	var edges []schema.GraphEdge
	if _, err := decodeArg(req, "edges", &edges); err != nil {
		return nil, nil, fmt.Errorf("invalid edges: %w", err)
	}
	return nodeIDs, edges, nil
}

func (s *Server) lookupGraph(ctx context.Context, id string) (*store.GraphRecord, error) {
	if s.store == nil {
		return nil, fmt.Errorf("graph storage is not available on this server")
	}
	rec, err := s.store.GetGraph(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("graph lookup failed: %w", err)
	}
	if rec.Graph == nil {
		rec.Graph = &schema.Graph{}
	}
	return rec, nil
}

// captureWatch registers the calling session as a watcher. Stateless
// transports have no session and cannot be notified.
func (s *Server) captureWatch(ctx context.Context, executionID string) bool {
	session := server.ClientSessionFromContext(ctx)
	if session == nil {
		return false
	}
	s.watches.Watch(executionID, session.SessionID())
	return true
}

// decodeArg re-decodes a raw tool argument into target. It reports false
// when the argument is absent.
func decodeArg(req mcp.CallToolRequest, key string, target any) (bool, error) {
	v, ok := req.GetArguments()[key]
	if !ok || v == nil {
		return false, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return true, err
	}
	return true, json.Unmarshal(raw, target)
}

func nonNil(issues []schema.ValidationIssue) []schema.ValidationIssue {
	if issues == nil {
		return []schema.ValidationIssue{}
	}
	return issues
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
