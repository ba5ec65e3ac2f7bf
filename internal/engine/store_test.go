package engine

import (
	"context"
	"sync"
	"time"

	"github.com/weft-dev/weft/internal/store"
	"github.com/weft-dev/weft/pkg/schema"
)

// memStore is an in-memory Store for engine tests.
type memStore struct {
	mu         sync.Mutex
	workflows  map[string]*store.Workflow
	executions map[string]*store.Execution
	steps      map[string]map[string]*store.StepState
	events     map[string][]*store.Event
	jobs       map[string]*store.TriggerJob
	seq        int64
}

func newMemStore() *memStore {
	return &memStore{
		workflows:  make(map[string]*store.Workflow),
		executions: make(map[string]*store.Execution),
		steps:      make(map[string]map[string]*store.StepState),
		events:     make(map[string][]*store.Event),
		jobs:       make(map[string]*store.TriggerJob),
	}
}

func (m *memStore) CreateWorkflow(_ context.Context, wf *store.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[wf.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %s exists", wf.ID)
	}
	cp := *wf
	m.workflows[wf.ID] = &cp
	return nil
}

func (m *memStore) GetWorkflow(_ context.Context, id string) (*store.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", id)
	}
	cp := *wf
	return &cp, nil
}

func (m *memStore) GetWorkflowByName(_ context.Context, projectID, name string) (*store.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, wf := range m.workflows {
		if wf.ProjectID == projectID && wf.Name == name {
			cp := *wf
			return &cp, nil
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", name)
}

func (m *memStore) ListWorkflows(_ context.Context, filter store.WorkflowFilter) ([]*store.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Workflow
	for _, wf := range m.workflows {
		if filter.ProjectID != "" && wf.ProjectID != filter.ProjectID {
			continue
		}
		cp := *wf
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) DeleteWorkflow(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[id]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", id)
	}
	delete(m.workflows, id)
	return nil
}

func (m *memStore) CreateExecution(_ context.Context, ex *store.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *ex
	m.executions[ex.ID] = &cp
	return nil
}

func (m *memStore) GetExecution(_ context.Context, id string) (*store.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ex, ok := m.executions[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %q not found", id)
	}
	cp := *ex
	return &cp, nil
}

func (m *memStore) UpdateExecution(_ context.Context, id string, update store.ExecutionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ex, ok := m.executions[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "execution %q not found", id)
	}
	if update.Status != nil {
		ex.Status = *update.Status
	}
	if update.Output != nil {
		ex.Output = update.Output
	}
	if update.Error != nil {
		ex.Error = update.Error
	}
	if update.Logs != nil {
		ex.Logs = update.Logs
	}
	if update.StartedAt != nil {
		ex.StartedAt = update.StartedAt
	}
	if update.CompletedAt != nil {
		ex.CompletedAt = update.CompletedAt
	}
	return nil
}

func (m *memStore) ListExecutions(_ context.Context, filter store.ExecutionFilter) ([]*store.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Execution
	for _, ex := range m.executions {
		if filter.WorkflowID != "" && ex.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != "" && ex.Status != filter.Status {
			continue
		}
		cp := *ex
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) UpsertStepState(_ context.Context, state *store.StepState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byStep, ok := m.steps[state.ExecutionID]
	if !ok {
		byStep = make(map[string]*store.StepState)
		m.steps[state.ExecutionID] = byStep
	}
	cp := *state
	byStep[state.StepID] = &cp
	return nil
}

func (m *memStore) GetStepState(_ context.Context, executionID, stepID string) (*store.StepState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ss, ok := m.steps[executionID][stepID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "step %q not found", stepID)
	}
	cp := *ss
	return &cp, nil
}

func (m *memStore) ListStepStates(_ context.Context, executionID string) ([]*store.StepState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.StepState
	for _, ss := range m.steps[executionID] {
		cp := *ss
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) AppendEvent(_ context.Context, event *store.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	cp := *event
	cp.Sequence = m.seq
	cp.Timestamp = time.Now().UTC()
	m.events[event.ExecutionID] = append(m.events[event.ExecutionID], &cp)
	return nil
}

func (m *memStore) GetEvents(_ context.Context, executionID string, since int64) ([]*store.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Event
	for _, ev := range m.events[executionID] {
		if ev.Sequence > since {
			cp := *ev
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) CreateTriggerJob(_ context.Context, job *store.TriggerJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *memStore) GetTriggerJob(_ context.Context, id string) (*store.TriggerJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "trigger job %q not found", id)
	}
	cp := *job
	return &cp, nil
}

func (m *memStore) UpdateTriggerJob(_ context.Context, id string, update store.TriggerJobUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "trigger job %q not found", id)
	}
	if update.Enabled != nil {
		job.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		job.LastRunAt = update.LastRunAt
	}
	if update.NextRunAt != nil {
		job.NextRunAt = update.NextRunAt
	}
	if update.LastRunStatus != "" {
		job.LastRunStatus = update.LastRunStatus
	}
	return nil
}

func (m *memStore) ListTriggerJobs(_ context.Context, enabledOnly bool) ([]*store.TriggerJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.TriggerJob
	for _, job := range m.jobs {
		if enabledOnly && !job.Enabled {
			continue
		}
		cp := *job
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) DeleteTriggerJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
	return nil
}

func (m *memStore) Migrate(_ context.Context) error { return nil }
func (m *memStore) Close() error                    { return nil }

func (m *memStore) eventTypes(executionID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.events[executionID]))
	for _, ev := range m.events[executionID] {
		out = append(out, ev.Type)
	}
	return out
}
