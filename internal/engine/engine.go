// Package engine schedules and executes workflow definitions as
// dependency DAGs.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/weft-dev/weft/internal/actions"
	"github.com/weft-dev/weft/internal/binding"
	"github.com/weft-dev/weft/internal/logging"
	"github.com/weft-dev/weft/internal/store"
	"github.com/weft-dev/weft/internal/streaming"
	"github.com/weft-dev/weft/internal/validation"
	"github.com/weft-dev/weft/pkg/schema"
)

// Options configures a new Engine.
type Options struct {
	Store    store.Store
	Registry actions.ActionRegistry
	// Events receives lifecycle events. Defaults to Store when nil;
	// pass a store.EventLog for per-execution monotonic sequencing.
	Events EventAppender
	// Hub receives real-time stream events and notifications. Optional.
	Hub      streaming.EventHub
	Logger   *slog.Logger
	PoolSize int
}

const defaultPoolSize = 16

// Engine triggers, schedules, and tracks workflow executions. One
// Engine serves all workflows; concurrent executions share its worker
// pool.
type Engine struct {
	store     store.Store
	registry  actions.ActionRegistry
	events    EventAppender
	hub       streaming.EventHub
	logger    *slog.Logger
	validator *validation.InputValidator
	evaluator *binding.Evaluator
	execFSM   *ExecutionFSM
	stepFSM   *StepFSM
	pool      *WorkerPool

	mu   sync.Mutex
	runs map[string]*run
}

// New creates an Engine from the given options. Store and Registry
// are required.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine requires a store")
	}
	if opts.Registry == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine requires an action registry")
	}

	events := opts.Events
	if events == nil {
		events = opts.Store
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(logging.NewCorrelationHandler(
			slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))
	}

	poolSize := opts.PoolSize
	if poolSize <= 0 {
		poolSize = defaultPoolSize
	}

	evaluator, err := binding.NewEvaluator()
	if err != nil {
		return nil, err
	}

	return &Engine{
		store:     opts.Store,
		registry:  opts.Registry,
		events:    events,
		hub:       opts.Hub,
		logger:    logger,
		validator: validation.NewInputValidator(),
		evaluator: evaluator,
		execFSM:   NewExecutionFSM(events),
		stepFSM:   NewStepFSM(events),
		pool:      NewWorkerPool(poolSize),
		runs:      make(map[string]*run),
	}, nil
}

// run is the in-memory state of one in-flight execution.
type run struct {
	executionID string
	workflowID  string
	projectID   string
	graph       *Graph
	input       map[string]any

	cancel     context.CancelFunc
	persistCtx context.Context
	userCancel atomic.Bool
	done       chan struct{}

	mu     sync.Mutex
	states map[string]*store.StepState
	logs   []string
}

// snapshotScope builds the binding scope visible to a step: the input
// payload plus every settled step's status and decoded output.
func (r *run) snapshotScope() *binding.Scope {
	r.mu.Lock()
	defer r.mu.Unlock()

	steps := make(map[string]binding.StepValue, len(r.states))
	for id, ss := range r.states {
		if !ss.Status.Terminal() {
			continue
		}
		sv := binding.StepValue{Status: ss.Status}
		if ss.Status == schema.StepStatusCompleted && len(ss.Output) > 0 {
			var out any
			if err := json.Unmarshal(ss.Output, &out); err == nil {
				sv.Output = out
			}
		}
		steps[id] = sv
	}

	return &binding.Scope{
		Input: r.input,
		Steps: steps,
		Execution: map[string]any{
			"id":          r.executionID,
			"workflow_id": r.workflowID,
		},
	}
}

func (r *run) stepStatus(stepID string) schema.StepStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ss, ok := r.states[stepID]; ok {
		return ss.Status
	}
	return schema.StepStatusPending
}

// Trigger validates the workflow graph and input payload, creates a
// pending execution, and starts it asynchronously. Validation failures
// surface here, before any execution record exists.
func (e *Engine) Trigger(ctx context.Context, workflowID, projectID string, input map[string]any) (string, error) {
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return "", err
	}
	if projectID != "" && wf.ProjectID != projectID {
		return "", schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", workflowID)
	}

	graph, err := BuildGraph(&wf.Definition)
	if err != nil {
		return "", err
	}

	merged, err := e.validator.Apply(wf.Definition.Inputs, input)
	if err != nil {
		return "", err
	}

	executionID := uuid.New().String()
	now := time.Now().UTC()

	ex := &store.Execution{
		ID:         executionID,
		WorkflowID: wf.ID,
		ProjectID:  wf.ProjectID,
		Status:     schema.ExecutionStatusPending,
		Input:      merged,
		CreatedAt:  now,
	}
	if err := e.store.CreateExecution(ctx, ex); err != nil {
		return "", schema.AsWeftError(err, schema.ErrCodeStore)
	}

	r := &run{
		executionID: executionID,
		workflowID:  wf.ID,
		projectID:   wf.ProjectID,
		graph:       graph,
		input:       merged,
		done:        make(chan struct{}),
		states:      make(map[string]*store.StepState, len(graph.Steps)),
	}

	// Seed all step states as pending so pollers see the full plan
	// immediately.
	for id := range graph.Steps {
		ss := &store.StepState{
			ExecutionID: executionID,
			StepID:      id,
			Status:      schema.StepStatusPending,
		}
		r.states[id] = ss
		if err := e.store.UpsertStepState(ctx, ss); err != nil {
			e.logger.WarnContext(ctx, "seed step state", "step_id", id, "error", err)
		}
	}

	runCtx := logging.WithIDs(context.Background(), wf.ID, executionID, "")
	runCtx, cancel := context.WithCancel(runCtx)
	r.cancel = cancel
	r.persistCtx = context.WithoutCancel(runCtx)

	e.mu.Lock()
	e.runs[executionID] = r
	e.mu.Unlock()

	go e.execute(runCtx, r)

	return executionID, nil
}

// Execution returns the persisted execution snapshot together with
// its step states.
func (e *Engine) Execution(ctx context.Context, executionID string) (*store.Execution, []*store.StepState, error) {
	ex, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, nil, err
	}
	states, err := e.store.ListStepStates(ctx, executionID)
	if err != nil {
		return nil, nil, err
	}
	return ex, states, nil
}

// Cancel requests cancellation of a running execution. In-flight steps
// are cancelled best-effort; the execution settles as cancelled with
// all unfinished steps skipped.
func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	e.mu.Lock()
	r, ok := e.runs[executionID]
	e.mu.Unlock()

	if !ok {
		ex, err := e.store.GetExecution(ctx, executionID)
		if err != nil {
			return err
		}
		return schema.NewErrorf(schema.ErrCodeConflict,
			"execution %s is %s and cannot be cancelled", executionID, ex.Status)
	}

	r.userCancel.Store(true)
	r.cancel()
	return nil
}

// Wait blocks until the execution settles or ctx expires, then
// returns the final execution snapshot.
func (e *Engine) Wait(ctx context.Context, executionID string) (*store.Execution, error) {
	e.mu.Lock()
	r, ok := e.runs[executionID]
	e.mu.Unlock()

	if ok {
		select {
		case <-r.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return e.store.GetExecution(ctx, executionID)
}

// PoolMetrics exposes the worker pool counters.
func (e *Engine) PoolMetrics() PoolMetrics {
	return e.pool.Metrics()
}

// Close cancels all in-flight executions and drains the worker pool.
func (e *Engine) Close() {
	e.mu.Lock()
	runs := make([]*run, 0, len(e.runs))
	for _, r := range e.runs {
		runs = append(runs, r)
	}
	e.mu.Unlock()

	for _, r := range runs {
		r.cancel()
	}
	for _, r := range runs {
		<-r.done
	}
	e.pool.Shutdown()
}

func (e *Engine) unregister(executionID string) {
	e.mu.Lock()
	delete(e.runs, executionID)
	e.mu.Unlock()
}

// publish forwards a stream event to the hub when one is attached.
func (e *Engine) publish(ctx context.Context, event streaming.StreamEvent) {
	if e.hub == nil {
		return
	}
	if err := e.hub.Publish(ctx, event); err != nil {
		e.logger.DebugContext(ctx, "publish stream event", "error", err)
	}
}
