package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/weft-dev/weft/internal/streaming"
	"github.com/weft-dev/weft/pkg/schema"
)

// ExecutionNotifier forwards hub events for an execution to the MCP
// session that started it. Best-effort: delivery failures and
// disconnected sessions are not errors.
type ExecutionNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
	hub       streaming.EventHub
	logger    *slog.Logger
}

// NewExecutionNotifier creates a notifier bridging the hub to MCP push.
func NewExecutionNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry, hub streaming.EventHub, logger *slog.Logger) *ExecutionNotifier {
	return &ExecutionNotifier{
		mcpServer: mcpServer,
		sessions:  sessions,
		hub:       hub,
		logger:    logger,
	}
}

// Watch subscribes to the execution's events and forwards them until
// the execution reaches a terminal state or ctx is cancelled.
func (n *ExecutionNotifier) Watch(ctx context.Context, executionID string) {
	events, cancel, err := n.hub.Subscribe(ctx, streaming.EventFilter{ExecutionID: executionID})
	if err != nil {
		n.logger.Warn("notifier subscribe failed",
			slog.String("execution_id", executionID),
			slog.String("error", err.Error()),
		)
		return
	}

	go func() {
		defer cancel()
		defer n.sessions.Forget(executionID)

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-events:
				if !ok {
					return
				}
				n.push(executionID, event)
				if isTerminalEvent(event.EventType) {
					return
				}
			}
		}
	}()
}

func (n *ExecutionNotifier) push(executionID string, event streaming.StreamEvent) {
	sessionID, ok := n.sessions.SessionFor(executionID)
	if !ok {
		return // caller's transport has no session (stdio without init)
	}

	payload := map[string]any{
		"execution_id": event.ExecutionID,
		"event_type":   event.EventType,
	}
	if event.StepID != "" {
		payload["step_id"] = event.StepID
	}
	if event.Payload != nil {
		payload["payload"] = event.Payload
	}

	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session went away between lookup and send.
		n.sessions.RemoveSession(sessionID)
		return
	}
	if err != nil {
		n.logger.Debug("notification delivery failed",
			slog.String("execution_id", executionID),
			slog.String("error", err.Error()),
		)
	}
}

func isTerminalEvent(eventType string) bool {
	switch eventType {
	case schema.EventExecutionCompleted, schema.EventExecutionFailed, schema.EventExecutionCancelled:
		return true
	}
	return false
}
