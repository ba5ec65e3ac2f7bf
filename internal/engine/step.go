package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/weft-dev/weft/internal/actions"
	"github.com/weft-dev/weft/internal/binding"
	"github.com/weft-dev/weft/internal/logging"
	"github.com/weft-dev/weft/internal/store"
	"github.com/weft-dev/weft/internal/streaming"
	"github.com/weft-dev/weft/pkg/schema"
)

// runStep executes one step to a terminal state: the condition gate,
// binding resolution, and the type-specific dispatch. It records every
// transition on the run's step state and returns the verdict to the
// scheduler loop.
func (e *Engine) runStep(ctx context.Context, r *run, stepID string) stepResult {
	step := r.graph.Steps[stepID]
	ctx = logging.WithStepID(ctx, stepID)

	e.markStepRunning(ctx, r, stepID)

	// Condition gate. A false condition or an evaluation error both
	// settle the step as skipped; the error is recorded on the state.
	if step.If != nil {
		ok, err := e.evaluator.Evaluate(ctx, step.If, r.snapshotScope())
		if err != nil {
			werr := schema.AsWeftError(err, schema.ErrCodeConditionEvaluation).WithStep(stepID)
			e.logger.WarnContext(ctx, "condition evaluation failed", "error", werr)
			return e.settleRunningSkipped(ctx, r, stepID, werr)
		}
		e.appendEvent(r, &store.Event{
			ExecutionID: r.executionID,
			StepID:      stepID,
			Type:        schema.EventConditionEvaluated,
			Payload:     mustJSON(map[string]any{"result": ok}),
		})
		if !ok {
			return e.settleRunningSkipped(ctx, r, stepID, nil)
		}
	}

	switch step.Type {
	case schema.StepTypeAction:
		return e.runActionStep(ctx, r, step)
	case schema.StepTypeNotify:
		return e.runNotifyStep(ctx, r, step)
	case schema.StepTypeLog:
		return e.runLogStep(ctx, r, step)
	case schema.StepTypeResolve:
		return e.runResolveStep(ctx, r, step)
	case schema.StepTypeReject:
		return e.runRejectStep(ctx, r, step)
	default:
		// Unreachable: BuildGraph rejects unknown types.
		werr := schema.NewErrorf(schema.ErrCodeValidation, "unknown step type %q", step.Type).WithStep(step.ID)
		return e.settleFailed(ctx, r, step, werr)
	}
}

// runActionStep resolves arguments, dispatches the registered action,
// and applies the step's onError policy. With the retry strategy the
// step runs up to 1+retryCount times.
func (e *Engine) runActionStep(ctx context.Context, r *run, step *schema.WorkflowStep) stepResult {
	action, err := e.registry.Get(step.Action)
	if err != nil {
		return e.settleFailed(ctx, r, step, schema.AsWeftError(err, schema.ErrCodeUnknownAction).WithStep(step.ID))
	}

	attempts := 1
	if step.OnError != nil && step.OnError.Strategy == schema.OnErrorRetry {
		attempts += step.OnError.RetryCount
	}

	var lastErr *schema.WeftError
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			e.recordRetryAttempt(ctx, r, step.ID, attempt)
			if err := WaitForRetry(ctx, RetryDelay(step.OnError)); err != nil {
				return e.settleRunningSkipped(ctx, r, step.ID,
					schema.NewError(schema.ErrCodeExecutionCancelled, "cancelled while waiting to retry").WithStep(step.ID))
			}
		}

		// Bindings re-resolve per attempt against the current scope.
		args, rerr := binding.ResolveArgs(step.Args, r.snapshotScope())
		if rerr != nil {
			lastErr = schema.AsWeftError(rerr, schema.ErrCodeUnresolvableStep).WithStep(step.ID)
			continue
		}
		e.recordResolvedArgs(r, step.ID, args)

		if err := action.Validate(args); err != nil {
			lastErr = schema.AsWeftError(err, schema.ErrCodeValidation).WithStep(step.ID)
			continue
		}

		out, err := action.Execute(ctx, actions.ActionInput{
			Params: args,
			Context: map[string]any{
				"execution_id": r.executionID,
				"workflow_id":  r.workflowID,
				"step_id":      step.ID,
			},
		})
		if err == nil {
			var data json.RawMessage
			if out != nil {
				data = out.Data
			}
			return e.settleCompleted(ctx, r, step.ID, data)
		}

		if ctx.Err() != nil {
			return e.settleRunningSkipped(ctx, r, step.ID,
				schema.NewError(schema.ErrCodeExecutionCancelled, "cancelled mid-flight").WithStep(step.ID))
		}
		lastErr = schema.AsWeftError(err, schema.ErrCodeActionExecution).WithStep(step.ID)
		e.logger.WarnContext(ctx, "action attempt failed", "action", step.Action, "attempt", attempt+1, "error", lastErr)
	}

	if attempts > 1 {
		lastErr = schema.NewErrorf(schema.ErrCodeRetryExhausted,
			"action %s failed after %d attempts: %s", step.Action, attempts, lastErr.Message).
			WithStep(step.ID).WithCause(lastErr)
	}
	return e.settleFailed(ctx, r, step, lastErr)
}

func (e *Engine) runNotifyStep(ctx context.Context, r *run, step *schema.WorkflowStep) stepResult {
	msg, werr := e.resolveMessage(step, r)
	if werr != nil {
		return e.settleFailed(ctx, r, step, werr)
	}

	variant := step.Variant
	if variant == "" {
		variant = "info"
	}

	e.publish(ctx, streaming.StreamEvent{
		ExecutionID: r.executionID,
		StepID:      step.ID,
		EventType:   "notification",
		Payload:     streaming.Notification{Variant: variant, Message: msg},
	})
	e.appendEvent(r, &store.Event{
		ExecutionID: r.executionID,
		StepID:      step.ID,
		Type:        schema.EventNotificationSent,
		Payload:     mustJSON(map[string]any{"variant": variant, "message": msg}),
	})

	return e.settleCompleted(ctx, r, step.ID, mustJSON(map[string]any{"variant": variant, "message": msg}))
}

func (e *Engine) runLogStep(ctx context.Context, r *run, step *schema.WorkflowStep) stepResult {
	msg, werr := e.resolveMessage(step, r)
	if werr != nil {
		return e.settleFailed(ctx, r, step, werr)
	}

	r.mu.Lock()
	r.logs = append(r.logs, msg)
	logs := append([]string(nil), r.logs...)
	r.mu.Unlock()

	e.persistExecution(r, store.ExecutionUpdate{Logs: logs})
	e.appendEvent(r, &store.Event{
		ExecutionID: r.executionID,
		StepID:      step.ID,
		Type:        schema.EventLogAppended,
		Payload:     mustJSON(map[string]any{"message": msg}),
	})

	return e.settleCompleted(ctx, r, step.ID, mustJSON(map[string]any{"message": msg}))
}

// runResolveStep settles the whole execution as completed with the
// resolved output; every other unfinished step ends up skipped.
func (e *Engine) runResolveStep(ctx context.Context, r *run, step *schema.WorkflowStep) stepResult {
	output, err := binding.ResolveArgs(step.Output, r.snapshotScope())
	if err != nil {
		return e.settleFailed(ctx, r, step,
			schema.AsWeftError(err, schema.ErrCodeUnresolvableStep).WithStep(step.ID))
	}

	raw := mustJSON(output)
	res := e.settleCompleted(ctx, r, step.ID, raw)
	res.final = &finalOutcome{status: schema.ExecutionStatusCompleted, output: raw}
	return res
}

// runRejectStep settles the whole execution as failed with the
// resolved message.
func (e *Engine) runRejectStep(ctx context.Context, r *run, step *schema.WorkflowStep) stepResult {
	msg, werr := e.resolveMessage(step, r)
	if werr != nil {
		return e.settleFailed(ctx, r, step, werr)
	}

	res := e.settleCompleted(ctx, r, step.ID, mustJSON(map[string]any{"message": msg}))
	res.final = &finalOutcome{
		status: schema.ExecutionStatusFailed,
		errRaw: marshalError(schema.NewError(schema.ErrCodeExecution, msg).WithStep(step.ID)),
	}
	return res
}

// --- Settlement helpers ---

func (e *Engine) markStepRunning(ctx context.Context, r *run, stepID string) {
	now := time.Now().UTC()

	r.mu.Lock()
	ss := r.states[stepID]
	from := ss.Status
	ss.Status = schema.StepStatusRunning
	ss.StartedAt = &now
	snapshot := *ss
	r.mu.Unlock()

	if err := e.stepFSM.Transition(r.persistCtx, r.executionID, stepID, from, schema.StepStatusRunning); err != nil {
		e.logger.ErrorContext(ctx, "step start transition", "error", err)
	}
	e.persistStep(r, &snapshot)
	e.publish(ctx, streaming.StreamEvent{ExecutionID: r.executionID, StepID: stepID, EventType: schema.EventStepStarted})
}

func (e *Engine) settleCompleted(ctx context.Context, r *run, stepID string, output json.RawMessage) stepResult {
	now := time.Now().UTC()

	r.mu.Lock()
	ss := r.states[stepID]
	ss.Status = schema.StepStatusCompleted
	ss.Output = output
	ss.CompletedAt = &now
	if ss.StartedAt != nil {
		ss.DurationMs = now.Sub(*ss.StartedAt).Milliseconds()
	}
	snapshot := *ss
	r.mu.Unlock()

	if err := e.stepFSM.Transition(r.persistCtx, r.executionID, stepID, schema.StepStatusRunning, schema.StepStatusCompleted); err != nil {
		e.logger.ErrorContext(ctx, "step complete transition", "error", err)
	}
	e.persistStep(r, &snapshot)
	e.publish(ctx, streaming.StreamEvent{ExecutionID: r.executionID, StepID: stepID, EventType: schema.EventStepCompleted})

	return stepResult{stepID: stepID, status: schema.StepStatusCompleted}
}

func (e *Engine) settleFailed(ctx context.Context, r *run, step *schema.WorkflowStep, werr *schema.WeftError) stepResult {
	now := time.Now().UTC()

	r.mu.Lock()
	ss := r.states[step.ID]
	ss.Status = schema.StepStatusFailed
	ss.Error = marshalError(werr)
	ss.CompletedAt = &now
	if ss.StartedAt != nil {
		ss.DurationMs = now.Sub(*ss.StartedAt).Milliseconds()
	}
	snapshot := *ss
	r.mu.Unlock()

	if err := e.stepFSM.Transition(r.persistCtx, r.executionID, step.ID, schema.StepStatusRunning, schema.StepStatusFailed); err != nil {
		e.logger.ErrorContext(ctx, "step fail transition", "error", err)
	}
	e.persistStep(r, &snapshot)
	e.publish(ctx, streaming.StreamEvent{ExecutionID: r.executionID, StepID: step.ID, EventType: schema.EventStepFailed, Payload: werr})
	e.logger.WarnContext(ctx, "step failed", "error", werr)

	return stepResult{stepID: step.ID, status: schema.StepStatusFailed, failure: werr, policy: step.OnError}
}

// settleRunningSkipped settles a step that already started as skipped:
// a false condition, a failed condition evaluation, or cancellation.
func (e *Engine) settleRunningSkipped(ctx context.Context, r *run, stepID string, werr *schema.WeftError) stepResult {
	now := time.Now().UTC()

	r.mu.Lock()
	ss := r.states[stepID]
	ss.Status = schema.StepStatusSkipped
	ss.Error = marshalError(werr)
	ss.CompletedAt = &now
	snapshot := *ss
	r.mu.Unlock()

	if err := e.stepFSM.Transition(r.persistCtx, r.executionID, stepID, schema.StepStatusRunning, schema.StepStatusSkipped); err != nil {
		e.logger.ErrorContext(ctx, "step skip transition", "error", err)
	}
	e.persistStep(r, &snapshot)
	e.publish(ctx, streaming.StreamEvent{ExecutionID: r.executionID, StepID: stepID, EventType: schema.EventStepSkipped})

	return stepResult{stepID: stepID, status: schema.StepStatusSkipped}
}

// settleSkipped settles a step that never started: an unmet
// dependency or a halted execution. Called from the scheduler loop.
func (e *Engine) settleSkipped(ctx context.Context, r *run, stepID, reason string) {
	now := time.Now().UTC()

	r.mu.Lock()
	ss := r.states[stepID]
	ss.Status = schema.StepStatusSkipped
	ss.Error = mustJSON(map[string]any{"reason": reason})
	ss.CompletedAt = &now
	snapshot := *ss
	r.mu.Unlock()

	if err := e.stepFSM.Transition(r.persistCtx, r.executionID, stepID, schema.StepStatusPending, schema.StepStatusSkipped); err != nil {
		e.logger.ErrorContext(ctx, "step skip transition", "error", err)
	}
	e.persistStep(r, &snapshot)
	e.publish(ctx, streaming.StreamEvent{
		ExecutionID: r.executionID,
		StepID:      stepID,
		EventType:   schema.EventStepSkipped,
		Payload:     map[string]any{"reason": reason},
	})
}

func (e *Engine) recordRetryAttempt(ctx context.Context, r *run, stepID string, attempt int) {
	r.mu.Lock()
	ss := r.states[stepID]
	ss.RetryCount = attempt
	snapshot := *ss
	r.mu.Unlock()

	e.persistStep(r, &snapshot)
	e.appendEvent(r, &store.Event{
		ExecutionID: r.executionID,
		StepID:      stepID,
		Type:        schema.EventStepRetryAttempt,
		Payload:     mustJSON(map[string]any{"attempt": attempt}),
	})
	e.logger.InfoContext(ctx, "retrying step", "attempt", attempt)
}

func (e *Engine) recordResolvedArgs(r *run, stepID string, args map[string]any) {
	r.mu.Lock()
	ss := r.states[stepID]
	ss.ResolvedArgs = mustJSON(args)
	r.mu.Unlock()
}

func (e *Engine) appendEvent(r *run, event *store.Event) {
	if err := e.events.AppendEvent(r.persistCtx, event); err != nil {
		e.logger.ErrorContext(r.persistCtx, "append event", "event_type", event.Type, "error", err)
	}
}

// resolveMessage resolves a step's message binding to a string,
// JSON-encoding non-string values.
func (e *Engine) resolveMessage(step *schema.WorkflowStep, r *run) (string, *schema.WeftError) {
	v, err := binding.Resolve(*step.Message, r.snapshotScope())
	if err != nil {
		return "", schema.AsWeftError(err, schema.ErrCodeUnresolvableStep).WithStep(step.ID)
	}
	if s, ok := v.(string); ok {
		return s, nil
	}
	return string(mustJSON(v)), nil
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`null`)
	}
	return raw
}
