package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weft-dev/weft/pkg/schema"
)

func newTestEventLog(t *testing.T) (*EventLog, *Execution) {
	t.Helper()
	s := newTestStore(t)
	wf := seedWorkflow(t, s)
	ex := seedExecution(t, s, wf.ID)
	return NewEventLog(s), ex
}

func TestEventLog_AppendAssignsSequence(t *testing.T) {
	el, ex := newTestEventLog(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ev := &Event{ExecutionID: ex.ID, Type: schema.EventStepStarted, StepID: "a"}
		require.NoError(t, el.AppendEvent(ctx, ev))
		assert.Equal(t, int64(i+1), ev.Sequence)
		assert.False(t, ev.Timestamp.IsZero())
	}
}

func TestEventLog_SequencesArePerExecution(t *testing.T) {
	el, ex := newTestEventLog(t)
	ctx := context.Background()

	other := &Execution{
		ID:         uuid.New().String(),
		WorkflowID: ex.WorkflowID,
		Status:     schema.ExecutionStatusPending,
	}
	require.NoError(t, el.store.CreateExecution(ctx, other))

	ev1 := &Event{ExecutionID: ex.ID, Type: schema.EventExecutionStarted}
	ev2 := &Event{ExecutionID: other.ID, Type: schema.EventExecutionStarted}
	require.NoError(t, el.AppendEvent(ctx, ev1))
	require.NoError(t, el.AppendEvent(ctx, ev2))

	assert.Equal(t, int64(1), ev1.Sequence)
	assert.Equal(t, int64(1), ev2.Sequence)
}

func TestEventLog_ConcurrentAppendsStayContiguous(t *testing.T) {
	el, ex := newTestEventLog(t)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ev := &Event{ExecutionID: ex.ID, Type: schema.EventLogAppended}
			assert.NoError(t, el.AppendEvent(ctx, ev))
		}()
	}
	wg.Wait()

	events, err := el.GetEvents(ctx, ex.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, n)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Sequence)
	}
}

func TestEventLog_GetEventsSince(t *testing.T) {
	el, ex := newTestEventLog(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, el.AppendEvent(ctx, &Event{ExecutionID: ex.ID, Type: schema.EventLogAppended}))
	}

	events, err := el.GetEvents(ctx, ex.ID, 3)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(4), events[0].Sequence)
	assert.Equal(t, int64(5), events[1].Sequence)
}

func TestEventLog_ReplayRebuildsStepStates(t *testing.T) {
	el, ex := newTestEventLog(t)
	ctx := context.Background()

	appendSeq := []*Event{
		{ExecutionID: ex.ID, Type: schema.EventExecutionStarted},
		{ExecutionID: ex.ID, StepID: "fetch", Type: schema.EventStepStarted},
		{ExecutionID: ex.ID, StepID: "fetch", Type: schema.EventStepCompleted, Payload: json.RawMessage(`{"rows":3}`)},
		{ExecutionID: ex.ID, StepID: "transform", Type: schema.EventStepStarted},
		{ExecutionID: ex.ID, StepID: "transform", Type: schema.EventStepRetryAttempt},
		{ExecutionID: ex.ID, StepID: "transform", Type: schema.EventStepFailed, Payload: json.RawMessage(`{"code":"ACTION_EXECUTION_ERROR"}`)},
		{ExecutionID: ex.ID, StepID: "publish", Type: schema.EventStepSkipped},
		{ExecutionID: ex.ID, Type: schema.EventExecutionFailed},
	}
	for _, ev := range appendSeq {
		require.NoError(t, el.AppendEvent(ctx, ev))
	}

	states, err := el.Replay(ctx, ex.ID)
	require.NoError(t, err)
	require.Len(t, states, 3)

	assert.Equal(t, schema.StepStatusCompleted, states["fetch"].Status)
	assert.JSONEq(t, `{"rows":3}`, string(states["fetch"].Output))
	assert.NotNil(t, states["fetch"].StartedAt)
	assert.NotNil(t, states["fetch"].CompletedAt)

	assert.Equal(t, schema.StepStatusFailed, states["transform"].Status)
	assert.Equal(t, 1, states["transform"].RetryCount)
	assert.JSONEq(t, `{"code":"ACTION_EXECUTION_ERROR"}`, string(states["transform"].Error))

	assert.Equal(t, schema.StepStatusSkipped, states["publish"].Status)
}

func TestEventLog_ReplayEmptyExecution(t *testing.T) {
	el, _ := newTestEventLog(t)

	states, err := el.Replay(context.Background(), "no-such-execution")
	require.NoError(t, err)
	assert.Empty(t, states)
}

func TestEventLog_ReplayDetectsSequenceGap(t *testing.T) {
	el, ex := newTestEventLog(t)
	ctx := context.Background()

	require.NoError(t, el.AppendEvent(ctx, &Event{ExecutionID: ex.ID, Type: schema.EventExecutionStarted}))
	require.NoError(t, el.AppendEvent(ctx, &Event{ExecutionID: ex.ID, Type: schema.EventExecutionCompleted}))

	// Punch a hole in the sequence behind the log's back.
	_, err := el.store.DB().ExecContext(ctx,
		`DELETE FROM events WHERE execution_id = ? AND sequence = 1`, ex.ID)
	require.NoError(t, err)

	_, err = el.Replay(ctx, ex.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sequence gap")
}
