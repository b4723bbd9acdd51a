package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"
)

// ExecutionNotifier pushes execution updates to watching clients.
type ExecutionNotifier interface {
	Notify(ctx context.Context, executionID string, payload map[string]any) error
}

// MCPNotifier implements ExecutionNotifier using MCP server push.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	watches   *WatchRegistry
}

// NewMCPNotifier creates a notifier that pushes to watching sessions.
func NewMCPNotifier(mcpServer *server.MCPServer, watches *WatchRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, watches: watches}
}

// Notify sends payload to every session watching the execution.
// Best-effort: sessions that have gone away are dropped silently.
func (n *MCPNotifier) Notify(_ context.Context, executionID string, payload map[string]any) error {
	var errs []error
	for _, sessionID := range n.watches.SessionsFor(executionID) {
		err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
		if errors.Is(err, server.ErrSessionNotFound) {
			n.watches.Remove(sessionID)
			continue
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
