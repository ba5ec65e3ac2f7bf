package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weft-dev/weft/internal/actions"
	"github.com/weft-dev/weft/internal/store"
	"github.com/weft-dev/weft/pkg/schema"
)

// --- Mock store ---

type mockStore struct {
	store.Store // embed for unimplemented methods

	workflows []*store.Workflow
}

func (m *mockStore) CreateWorkflow(_ context.Context, wf *store.Workflow) error {
	for _, existing := range m.workflows {
		if existing.ProjectID == wf.ProjectID && existing.Name == wf.Name {
			return schema.NewError(schema.ErrCodeConflict, "workflow name taken")
		}
	}
	m.workflows = append(m.workflows, wf)
	return nil
}

func (m *mockStore) GetWorkflowByName(_ context.Context, projectID, name string) (*store.Workflow, error) {
	for _, wf := range m.workflows {
		if wf.ProjectID == projectID && wf.Name == name {
			return wf, nil
		}
	}
	return nil, schema.NewError(schema.ErrCodeNotFound, "workflow not found")
}

func (m *mockStore) ListWorkflows(_ context.Context, filter store.WorkflowFilter) ([]*store.Workflow, error) {
	result := make([]*store.Workflow, 0)
	for _, wf := range m.workflows {
		if filter.ProjectID != "" && wf.ProjectID != filter.ProjectID {
			continue
		}
		if filter.Name != "" && wf.Name != filter.Name {
			continue
		}
		result = append(result, wf)
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// --- Mock engine ---

type triggeredRun struct {
	WorkflowID string
	ProjectID  string
	Input      map[string]any
}

type mockEngine struct {
	triggered  []triggeredRun
	triggerID  string
	triggerErr error

	execution *store.Execution
	steps     []*store.StepState
	execErr   error

	cancelErr  error
	waitResult *store.Execution
	waitErr    error
}

func (m *mockEngine) Trigger(_ context.Context, workflowID, projectID string, input map[string]any) (string, error) {
	m.triggered = append(m.triggered, triggeredRun{WorkflowID: workflowID, ProjectID: projectID, Input: input})
	if m.triggerErr != nil {
		return "", m.triggerErr
	}
	return m.triggerID, nil
}

func (m *mockEngine) Execution(_ context.Context, _ string) (*store.Execution, []*store.StepState, error) {
	return m.execution, m.steps, m.execErr
}

func (m *mockEngine) Cancel(_ context.Context, _ string) error {
	return m.cancelErr
}

func (m *mockEngine) Wait(_ context.Context, _ string) (*store.Execution, error) {
	return m.waitResult, m.waitErr
}

// --- Helpers ---

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	require.NoError(t, json.Unmarshal([]byte(extractText(t, result)), target))
}

func validDefinition() map[string]any {
	return map[string]any{
		"steps": []any{
			map[string]any{"id": "fetch", "action": "http.get"},
			map[string]any{"id": "report", "action": "utility.echo", "depends_on": []any{"fetch"}},
		},
	}
}

// --- Define ---

func TestDefineTool(t *testing.T) {
	ms := &mockStore{}
	s := NewWeftServer(WeftServerDeps{Store: ms})

	req := buildRequest("workflow.define", map[string]any{
		"name":        "order-pipeline",
		"project_id":  "proj-1",
		"description": "fetch and report",
		"definition":  validDefinition(),
	})

	result, err := s.handleDefine(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	require.Len(t, ms.workflows, 1)
	wf := ms.workflows[0]
	assert.Equal(t, "order-pipeline", wf.Name)
	assert.Equal(t, "proj-1", wf.ProjectID)
	assert.Equal(t, "fetch and report", wf.Description)
	assert.NotEmpty(t, wf.ID)
	assert.Len(t, wf.Definition.Steps, 2)

	var out struct {
		WorkflowID string `json:"workflow_id"`
		Name       string `json:"name"`
	}
	unmarshalResult(t, result, &out)
	assert.Equal(t, wf.ID, out.WorkflowID)
	assert.Equal(t, "order-pipeline", out.Name)
}

func TestDefineToolRejectsBrokenGraph(t *testing.T) {
	s := NewWeftServer(WeftServerDeps{Store: &mockStore{}})

	// Cyclic dependencies are rejected before anything is stored.
	req := buildRequest("workflow.define", map[string]any{
		"name": "cyclic",
		"definition": map[string]any{
			"steps": []any{
				map[string]any{"id": "a", "action": "noop", "depends_on": []any{"b"}},
				map[string]any{"id": "b", "action": "noop", "depends_on": []any{"a"}},
			},
		},
	})

	result, err := s.handleDefine(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)

	// Misspelled step fields are rejected rather than silently dropped.
	req = buildRequest("workflow.define", map[string]any{
		"name": "typo",
		"definition": map[string]any{
			"steps": []any{
				map[string]any{"id": "a", "action": "noop"},
				map[string]any{"id": "b", "action": "noop", "dependsOn": []any{"a"}},
			},
		},
	})

	result, err = s.handleDefine(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "dependsOn")
}

func TestDefineToolMissingParams(t *testing.T) {
	s := NewWeftServer(WeftServerDeps{Store: &mockStore{}})

	// Missing name.
	req := buildRequest("workflow.define", map[string]any{
		"definition": validDefinition(),
	})
	result, err := s.handleDefine(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)

	// Missing definition.
	req = buildRequest("workflow.define", map[string]any{"name": "x"})
	result, err = s.handleDefine(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestDefineToolDuplicateName(t *testing.T) {
	ms := &mockStore{}
	s := NewWeftServer(WeftServerDeps{Store: ms})

	req := buildRequest("workflow.define", map[string]any{
		"name":       "dup",
		"definition": validDefinition(),
	})

	result, err := s.handleDefine(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	result, err = s.handleDefine(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

// --- Run ---

func TestRunToolByID(t *testing.T) {
	eng := &mockEngine{triggerID: "exec-1"}
	s := NewWeftServer(WeftServerDeps{Engine: eng, Store: &mockStore{}})

	req := buildRequest("workflow.run", map[string]any{
		"workflow_id": "wf-1",
		"project_id":  "proj-1",
		"input":       map[string]any{"env": "prod"},
	})

	result, err := s.handleRun(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	require.Len(t, eng.triggered, 1)
	assert.Equal(t, "wf-1", eng.triggered[0].WorkflowID)
	assert.Equal(t, "proj-1", eng.triggered[0].ProjectID)
	assert.Equal(t, "prod", eng.triggered[0].Input["env"])

	var out struct {
		ExecutionID string `json:"execution_id"`
		Status      string `json:"status"`
	}
	unmarshalResult(t, result, &out)
	assert.Equal(t, "exec-1", out.ExecutionID)
	assert.Equal(t, "pending", out.Status)
}

func TestRunToolByName(t *testing.T) {
	ms := &mockStore{workflows: []*store.Workflow{
		{ID: "wf-9", ProjectID: "proj-1", Name: "deploy"},
	}}
	eng := &mockEngine{triggerID: "exec-2"}
	s := NewWeftServer(WeftServerDeps{Engine: eng, Store: ms})

	req := buildRequest("workflow.run", map[string]any{
		"name":       "deploy",
		"project_id": "proj-1",
	})

	result, err := s.handleRun(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	require.Len(t, eng.triggered, 1)
	assert.Equal(t, "wf-9", eng.triggered[0].WorkflowID)
}

func TestRunToolUnknownName(t *testing.T) {
	s := NewWeftServer(WeftServerDeps{Engine: &mockEngine{}, Store: &mockStore{}})

	req := buildRequest("workflow.run", map[string]any{"name": "ghost"})
	result, err := s.handleRun(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestRunToolMissingIdentifier(t *testing.T) {
	s := NewWeftServer(WeftServerDeps{Engine: &mockEngine{}, Store: &mockStore{}})

	req := buildRequest("workflow.run", map[string]any{})
	result, err := s.handleRun(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestRunToolTriggerError(t *testing.T) {
	eng := &mockEngine{triggerErr: schema.NewError(schema.ErrCodeCycleDetected, "cycle detected")}
	s := NewWeftServer(WeftServerDeps{Engine: eng, Store: &mockStore{}})

	req := buildRequest("workflow.run", map[string]any{"workflow_id": "wf-1"})
	result, err := s.handleRun(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "cycle")
}

func TestRunToolWait(t *testing.T) {
	now := time.Now().UTC()
	eng := &mockEngine{
		triggerID: "exec-3",
		waitResult: &store.Execution{
			ID:          "exec-3",
			WorkflowID:  "wf-1",
			Status:      schema.ExecutionStatusCompleted,
			Output:      json.RawMessage(`{"verdict":"ok"}`),
			CreatedAt:   now,
			CompletedAt: &now,
		},
	}
	s := NewWeftServer(WeftServerDeps{Engine: eng, Store: &mockStore{}})

	req := buildRequest("workflow.run", map[string]any{
		"workflow_id": "wf-1",
		"wait":        true,
	})

	result, err := s.handleRun(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var out struct {
		Execution *store.Execution `json:"execution"`
	}
	unmarshalResult(t, result, &out)
	require.NotNil(t, out.Execution)
	assert.Equal(t, "exec-3", out.Execution.ID)
	assert.Equal(t, schema.ExecutionStatusCompleted, out.Execution.Status)
}

// --- Status ---

func TestStatusTool(t *testing.T) {
	now := time.Now().UTC()
	eng := &mockEngine{
		execution: &store.Execution{
			ID:         "exec-1",
			WorkflowID: "wf-1",
			Status:     schema.ExecutionStatusRunning,
			CreatedAt:  now,
		},
		steps: []*store.StepState{
			{ExecutionID: "exec-1", StepID: "fetch", Status: schema.StepStatusCompleted},
			{ExecutionID: "exec-1", StepID: "report", Status: schema.StepStatusRunning},
		},
	}
	s := NewWeftServer(WeftServerDeps{Engine: eng})

	req := buildRequest("workflow.status", map[string]any{"execution_id": "exec-1"})
	result, err := s.handleStatus(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var out struct {
		Execution *store.Execution   `json:"execution"`
		Steps     []*store.StepState `json:"steps"`
	}
	unmarshalResult(t, result, &out)
	assert.Equal(t, schema.ExecutionStatusRunning, out.Execution.Status)
	require.Len(t, out.Steps, 2)
	assert.Equal(t, "fetch", out.Steps[0].StepID)
}

func TestStatusToolMissingID(t *testing.T) {
	s := NewWeftServer(WeftServerDeps{Engine: &mockEngine{}})

	req := buildRequest("workflow.status", map[string]any{})
	result, err := s.handleStatus(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestStatusToolNotFound(t *testing.T) {
	eng := &mockEngine{execErr: schema.NewError(schema.ErrCodeNotFound, "execution not found")}
	s := NewWeftServer(WeftServerDeps{Engine: eng})

	req := buildRequest("workflow.status", map[string]any{"execution_id": "ghost"})
	result, err := s.handleStatus(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

// --- Cancel ---

func TestCancelTool(t *testing.T) {
	eng := &mockEngine{}
	s := NewWeftServer(WeftServerDeps{Engine: eng})

	req := buildRequest("workflow.cancel", map[string]any{"execution_id": "exec-1"})
	result, err := s.handleCancel(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := extractText(t, result)
	assert.Contains(t, text, "exec-1")
}

func TestCancelToolFinished(t *testing.T) {
	eng := &mockEngine{cancelErr: schema.NewError(schema.ErrCodeConflict, "execution already finished")}
	s := NewWeftServer(WeftServerDeps{Engine: eng})

	req := buildRequest("workflow.cancel", map[string]any{"execution_id": "exec-1"})
	result, err := s.handleCancel(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

// --- List ---

func TestListTool(t *testing.T) {
	ms := &mockStore{workflows: []*store.Workflow{
		{ID: "wf-1", ProjectID: "proj-1", Name: "deploy"},
		{ID: "wf-2", ProjectID: "proj-1", Name: "cleanup"},
		{ID: "wf-3", ProjectID: "proj-2", Name: "deploy"},
	}}
	s := NewWeftServer(WeftServerDeps{Store: ms})

	// All workflows.
	req := buildRequest("workflow.list", map[string]any{})
	result, err := s.handleList(context.Background(), req)
	require.NoError(t, err)

	var out struct {
		Workflows []*store.Workflow `json:"workflows"`
	}
	unmarshalResult(t, result, &out)
	assert.Len(t, out.Workflows, 3)

	// Filter by project.
	req = buildRequest("workflow.list", map[string]any{"project_id": "proj-1"})
	result, err = s.handleList(context.Background(), req)
	require.NoError(t, err)
	unmarshalResult(t, result, &out)
	assert.Len(t, out.Workflows, 2)

	// Filter by name.
	req = buildRequest("workflow.list", map[string]any{"name": "deploy"})
	result, err = s.handleList(context.Background(), req)
	require.NoError(t, err)
	unmarshalResult(t, result, &out)
	assert.Len(t, out.Workflows, 2)
}

// --- Action list ---

func TestActionListTool(t *testing.T) {
	reg := actions.NewRegistry()
	require.NoError(t, actions.RegisterBuiltins(reg, actions.HTTPConfig{}, actions.ShellConfig{}))

	s := NewWeftServer(WeftServerDeps{Registry: reg})

	req := buildRequest("action.list", map[string]any{})
	result, err := s.handleActionList(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var out struct {
		Actions []actions.ActionInfo `json:"actions"`
	}
	unmarshalResult(t, result, &out)

	names := make([]string, len(out.Actions))
	for i, a := range out.Actions {
		names[i] = a.Name
	}
	assert.Contains(t, names, "utility.wait")
	assert.Contains(t, names, "http.request")
	assert.Contains(t, names, "shell.run")
	assert.Contains(t, names, "jq")
}
