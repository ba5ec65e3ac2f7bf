package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/weft-dev/weft/internal/store"
	"github.com/weft-dev/weft/internal/streaming"
	"github.com/weft-dev/weft/pkg/schema"
)

// stepResult is what a dispatched step reports back to the scheduler
// loop.
type stepResult struct {
	stepID  string
	status  schema.StepStatus
	failure *schema.WeftError // set when status is failed
	policy  *schema.OnErrorPolicy
	final   *finalOutcome // set by resolve and reject steps
}

// finalOutcome is a short-circuit verdict: the execution settles with
// this status regardless of remaining steps.
type finalOutcome struct {
	status schema.ExecutionStatus // completed or failed
	output json.RawMessage
	errRaw json.RawMessage
}

// execute drives one execution to a terminal state. All scheduler
// bookkeeping (in-degree counters, admission, settlement counting)
// happens on this goroutine; steps run on the shared worker pool and
// report back over a channel.
func (e *Engine) execute(ctx context.Context, r *run) {
	defer close(r.done)
	defer e.unregister(r.executionID)

	now := time.Now().UTC()
	if err := e.execFSM.Transition(r.persistCtx, r.executionID, schema.ExecutionStatusPending, schema.ExecutionStatusRunning); err != nil {
		e.logger.ErrorContext(ctx, "execution start transition", "error", err)
	}
	running := schema.ExecutionStatusRunning
	e.persistExecution(r, store.ExecutionUpdate{Status: &running, StartedAt: &now})
	e.publish(ctx, streaming.StreamEvent{ExecutionID: r.executionID, EventType: schema.EventExecutionStarted})

	total := len(r.graph.Steps)
	inDegree := make(map[string]int, total)
	for id := range r.graph.Steps {
		inDegree[id] = len(r.graph.Edges[id])
	}

	results := make(chan stepResult, total)
	queue := append([]string(nil), r.graph.Roots...)
	settled := 0
	inFlight := 0
	halted := false
	var final *finalOutcome
	var failure *schema.WeftError

	for settled < total && !halted {
		if ctx.Err() != nil {
			halted = true
			break
		}

		// Admit every step whose dependencies have all settled.
		for len(queue) > 0 && !halted {
			id := queue[0]
			queue = queue[1:]

			if reason := r.blockedBy(id); reason != "" {
				e.settleSkipped(ctx, r, id, reason)
				settled++
				queue = append(queue, unlock(inDegree, r.graph, id)...)
				continue
			}

			stepID := id
			inFlight++
			err := e.pool.Submit(ctx, func(stepCtx context.Context) error {
				// The accounting loop blocks on the results channel, so
				// a panicking step must still report back.
				defer func() {
					if rec := recover(); rec != nil {
						werr := schema.NewErrorf(schema.ErrCodeExecution, "step panicked: %v", rec).WithStep(stepID)
						results <- e.settleFailed(stepCtx, r, r.graph.Steps[stepID], werr)
					}
				}()
				results <- e.runStep(stepCtx, r, stepID)
				return nil
			})
			if err != nil {
				inFlight--
				e.settleSkipped(ctx, r, stepID, "scheduler stopped before the step could run")
				settled++
				queue = append(queue, unlock(inDegree, r.graph, stepID)...)
			}
		}

		if halted || settled >= total {
			break
		}
		if inFlight == 0 {
			// Cannot happen for a valid DAG; bail out rather than hang.
			e.logger.ErrorContext(ctx, "scheduler stalled with no runnable steps")
			break
		}

		res := <-results
		inFlight--
		settled++

		switch {
		case res.final != nil:
			final = res.final
			halted = true

		case res.status == schema.StepStatusFailed:
			strategy := schema.OnErrorFail
			if res.policy != nil && res.policy.Strategy != "" {
				strategy = res.policy.Strategy
			}
			if strategy == schema.OnErrorContinue {
				// Dependents settle as skipped when they reach the
				// front of the queue.
				break
			}
			failure = res.failure
			halted = true
		}

		if !halted {
			queue = append(queue, unlock(inDegree, r.graph, res.stepID)...)
		}
	}

	// Halt path: stop in-flight steps and drain their results, then
	// settle everything still pending as skipped.
	if halted || ctx.Err() != nil {
		r.cancel()
		for inFlight > 0 {
			<-results
			inFlight--
		}
	}
	e.skipRemaining(ctx, r)

	e.finalize(ctx, r, final, failure)
}

// blockedBy reports why a step cannot run: the first dependency that
// settled without completing, or "" when all dependencies completed.
func (r *run) blockedBy(stepID string) string {
	for _, dep := range r.graph.Edges[stepID] {
		switch r.stepStatus(dep) {
		case schema.StepStatusFailed:
			return "dependency " + dep + " failed"
		case schema.StepStatusSkipped:
			return "dependency " + dep + " was skipped"
		}
	}
	return ""
}

// unlock decrements the in-degree of every dependent of a settled
// step and returns the ones that became eligible, in deterministic
// order.
func unlock(inDegree map[string]int, g *Graph, stepID string) []string {
	var ready []string
	for _, dep := range g.Reverse[stepID] {
		inDegree[dep]--
		if inDegree[dep] == 0 {
			ready = append(ready, dep)
		}
	}
	sortStrings(ready)
	return ready
}

// skipRemaining settles every still-pending step as skipped.
func (e *Engine) skipRemaining(ctx context.Context, r *run) {
	for _, id := range r.graph.Sorted {
		if r.stepStatus(id) == schema.StepStatusPending {
			e.settleSkipped(ctx, r, id, "execution settled before the step became eligible")
		}
	}
}

// finalize decides and persists the execution's terminal status.
func (e *Engine) finalize(ctx context.Context, r *run, final *finalOutcome, failure *schema.WeftError) {
	status := schema.ExecutionStatusCompleted
	update := store.ExecutionUpdate{}

	switch {
	case r.userCancel.Load():
		status = schema.ExecutionStatusCancelled
		update.Error = marshalError(schema.NewError(schema.ErrCodeExecutionCancelled, "execution cancelled"))

	case final != nil:
		status = final.status
		update.Output = final.output
		update.Error = final.errRaw

	case failure != nil:
		status = schema.ExecutionStatusFailed
		update.Error = marshalError(failure)

	default:
		// Inferred terminal status: failed when any step failed,
		// completed otherwise.
		r.mu.Lock()
		for _, ss := range r.states {
			if ss.Status == schema.StepStatusFailed {
				status = schema.ExecutionStatusFailed
				if len(update.Error) == 0 && len(ss.Error) > 0 {
					update.Error = ss.Error
				}
			}
		}
		r.mu.Unlock()
	}

	now := time.Now().UTC()
	update.Status = &status
	update.CompletedAt = &now

	if err := e.execFSM.Transition(r.persistCtx, r.executionID, schema.ExecutionStatusRunning, status); err != nil {
		e.logger.ErrorContext(ctx, "execution final transition", "status", status, "error", err)
	}
	e.persistExecution(r, update)
	e.publish(ctx, streaming.StreamEvent{
		ExecutionID: r.executionID,
		EventType:   executionEventType(status),
		Payload:     map[string]any{"status": string(status)},
	})
	e.logger.InfoContext(r.persistCtx, "execution settled", "status", status)
}

// persistExecution writes an execution update using the persist
// context so terminal states survive cancellation.
func (e *Engine) persistExecution(r *run, update store.ExecutionUpdate) {
	if err := e.store.UpdateExecution(r.persistCtx, r.executionID, update); err != nil {
		e.logger.ErrorContext(r.persistCtx, "persist execution", "error", err)
	}
}

// persistStep writes a step state using the persist context.
func (e *Engine) persistStep(r *run, ss *store.StepState) {
	if err := e.store.UpsertStepState(r.persistCtx, ss); err != nil {
		e.logger.ErrorContext(r.persistCtx, "persist step state", "step_id", ss.StepID, "error", err)
	}
}

func marshalError(err *schema.WeftError) json.RawMessage {
	if err == nil {
		return nil
	}
	raw, mErr := json.Marshal(err)
	if mErr != nil {
		raw, _ = json.Marshal(map[string]string{"code": err.Code, "message": err.Message})
	}
	return raw
}
