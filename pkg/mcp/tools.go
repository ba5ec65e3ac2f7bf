package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/weft-dev/weft/internal/engine"
	"github.com/weft-dev/weft/internal/store"
	"github.com/weft-dev/weft/pkg/schema"
)

// handleDefine validates and stores a workflow definition.
func (s *WeftServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}

	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}

	defBytes, marshalErr := json.Marshal(defRaw)
	if marshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", marshalErr)), nil
	}
	// Strict decode so a misspelled field fails loudly instead of
	// silently dropping dependencies or conditions.
	dec := json.NewDecoder(bytes.NewReader(defBytes))
	dec.DisallowUnknownFields()
	var def schema.WorkflowDefinition
	if unmarshalErr := dec.Decode(&def); unmarshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", unmarshalErr)), nil
	}

	// Reject broken graphs at definition time, not first run.
	if _, graphErr := engine.BuildGraph(&def); graphErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("definition rejected: %v", graphErr)), nil
	}

	now := time.Now().UTC()
	wf := &store.Workflow{
		ID:          uuid.New().String(),
		ProjectID:   req.GetString("project_id", ""),
		Name:        name,
		Description: req.GetString("description", ""),
		Definition:  def,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if createErr := s.store.CreateWorkflow(ctx, wf); createErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to store workflow: %v", createErr)), nil
	}

	return marshalResult(map[string]any{
		"workflow_id": wf.ID,
		"name":        wf.Name,
	})
}

// handleRun triggers an execution, optionally waiting for the result.
func (s *WeftServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectID := req.GetString("project_id", "")
	input := mcp.ParseStringMap(req, "input", nil)

	workflowID := req.GetString("workflow_id", "")
	if workflowID == "" {
		name := req.GetString("name", "")
		if name == "" {
			return mcp.NewToolResultError("either workflow_id or name is required"), nil
		}
		wf, lookupErr := s.store.GetWorkflowByName(ctx, projectID, name)
		if lookupErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("workflow lookup failed: %v", lookupErr)), nil
		}
		workflowID = wf.ID
	}

	executionID, runErr := s.engine.Trigger(ctx, workflowID, projectID, input)
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("trigger failed: %v", runErr)), nil
	}

	// Route notify events from this execution back to the caller's session.
	s.captureSession(ctx, executionID)
	if s.notifier != nil {
		s.notifier.Watch(context.WithoutCancel(ctx), executionID)
	}

	if req.GetBool("wait", false) {
		ex, waitErr := s.engine.Wait(ctx, executionID)
		if waitErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("wait failed: %v", waitErr)), nil
		}
		return marshalResult(map[string]any{"execution": ex})
	}

	return marshalResult(map[string]any{
		"execution_id": executionID,
		"status":       schema.ExecutionStatusPending,
	})
}

// handleStatus returns the execution snapshot with per-step state.
func (s *WeftServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	ex, steps, statusErr := s.engine.Execution(ctx, executionID)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}

	return marshalResult(map[string]any{
		"execution": ex,
		"steps":     steps,
	})
}

// handleCancel requests cancellation of a running execution.
func (s *WeftServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	if cancelErr := s.engine.Cancel(ctx, executionID); cancelErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", cancelErr)), nil
	}

	return marshalResult(map[string]any{
		"ok":           true,
		"execution_id": executionID,
	})
}

// handleList lists workflow definitions.
func (s *WeftServer) handleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.WorkflowFilter{
		ProjectID: req.GetString("project_id", ""),
		Name:      req.GetString("name", ""),
		Limit:     req.GetInt("limit", 50),
	}

	workflows, err := s.store.ListWorkflows(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"workflows": workflows})
}

// handleActionList lists the registered actions.
func (s *WeftServer) handleActionList(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return marshalResult(map[string]any{"actions": s.registry.List()})
}

// captureSession maps the execution to the caller's MCP session for
// push notifications.
func (s *WeftServer) captureSession(ctx context.Context, executionID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(executionID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
