package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/weft-dev/weft/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded
// SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path. The path
// should be a file URI, e.g. "file:/path/to/weft.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Connection-level PRAGMAs. Some PRAGMAs return rows so QueryRow
	// is used throughout.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Workflows ---

func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	def, err := json.Marshal(wf.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, project_id, name, description, definition, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, nullStr(wf.ProjectID), wf.Name, nullStr(wf.Description),
		string(def), timeOrNow(wf.CreatedAt), timeOrNow(wf.UpdatedAt),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %q already exists", wf.Name).WithCause(err)
	}
	return err
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	return s.scanWorkflow(s.db.QueryRowContext(ctx,
		`SELECT id, project_id, name, description, definition, created_at, updated_at
		 FROM workflows WHERE id = ?`, id), "workflow", id)
}

func (s *LibSQLStore) GetWorkflowByName(ctx context.Context, projectID, name string) (*Workflow, error) {
	return s.scanWorkflow(s.db.QueryRowContext(ctx,
		`SELECT id, project_id, name, description, definition, created_at, updated_at
		 FROM workflows WHERE COALESCE(project_id, '') = ? AND name = ?`, projectID, name), "workflow", name)
}

func (s *LibSQLStore) scanWorkflow(row *sql.Row, resource, id string) (*Workflow, error) {
	wf := &Workflow{}
	var projectID, desc sql.NullString
	var defJSON string
	err := row.Scan(&wf.ID, &projectID, &wf.Name, &desc, &defJSON, &wf.CreatedAt, &wf.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound(resource, id)
	}
	if err != nil {
		return nil, err
	}
	wf.ProjectID = projectID.String
	wf.Description = desc.String
	if err := json.Unmarshal([]byte(defJSON), &wf.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal workflow definition: %w", err)
	}
	return wf, nil
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	var where []string
	var args []any
	if filter.ProjectID != "" {
		where = append(where, "COALESCE(project_id, '') = ?")
		args = append(args, filter.ProjectID)
	}
	if filter.Name != "" {
		where = append(where, "name = ?")
		args = append(args, filter.Name)
	}

	query := `SELECT id, project_id, name, description, definition, created_at, updated_at FROM workflows`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY name"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*Workflow
	for rows.Next() {
		wf := &Workflow{}
		var projectID, desc sql.NullString
		var defJSON string
		if err := rows.Scan(&wf.ID, &projectID, &wf.Name, &desc, &defJSON, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
			return nil, err
		}
		wf.ProjectID = projectID.String
		wf.Description = desc.String
		if err := json.Unmarshal([]byte(defJSON), &wf.Definition); err != nil {
			return nil, fmt.Errorf("unmarshal workflow definition: %w", err)
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

// --- Executions ---

func (s *LibSQLStore) CreateExecution(ctx context.Context, ex *Execution) error {
	input, err := marshalMapOrDefault(ex.Input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	logs, err := marshalLogs(ex.Logs)
	if err != nil {
		return fmt.Errorf("marshal logs: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (id, workflow_id, project_id, status, input, output, error, logs, created_at, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ex.ID, ex.WorkflowID, nullStr(ex.ProjectID), string(ex.Status),
		string(input), nullRaw(ex.Output), nullRaw(ex.Error), logs,
		timeOrNow(ex.CreatedAt), nullTime(ex.StartedAt), nullTime(ex.CompletedAt),
	)
	return err
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, project_id, status, input, output, error, logs, created_at, started_at, completed_at
		 FROM executions WHERE id = ?`, id)
	ex, err := scanExecution(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	return ex, err
}

func (s *LibSQLStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, string(update.Output))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.Logs != nil {
		logs, err := marshalLogs(update.Logs)
		if err != nil {
			return fmt.Errorf("marshal logs: %w", err)
		}
		sets = append(sets, "logs = ?")
		args = append(args, logs)
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}

	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "execution", id)
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	var where []string
	var args []any
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.ProjectID != "" {
		where = append(where, "COALESCE(project_id, '') = ?")
		args = append(args, filter.ProjectID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := `SELECT id, workflow_id, project_id, status, input, output, error, logs, created_at, started_at, completed_at FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var executions []*Execution
	for rows.Next() {
		ex, err := scanExecution(rows.Scan)
		if err != nil {
			return nil, err
		}
		executions = append(executions, ex)
	}
	return executions, rows.Err()
}

func scanExecution(scan func(...any) error) (*Execution, error) {
	ex := &Execution{}
	var projectID, status sql.NullString
	var input string
	var output, errJSON, logs sql.NullString
	var startedAt, completedAt sql.NullTime
	err := scan(&ex.ID, &ex.WorkflowID, &projectID, &status, &input, &output, &errJSON, &logs,
		&ex.CreatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	ex.ProjectID = projectID.String
	ex.Status = schema.ExecutionStatus(status.String)
	if err := json.Unmarshal([]byte(input), &ex.Input); err != nil {
		return nil, fmt.Errorf("unmarshal execution input: %w", err)
	}
	ex.Output = rawOrNil(output)
	ex.Error = rawOrNil(errJSON)
	if logs.Valid && logs.String != "" {
		if err := json.Unmarshal([]byte(logs.String), &ex.Logs); err != nil {
			return nil, fmt.Errorf("unmarshal execution logs: %w", err)
		}
	}
	if startedAt.Valid {
		ex.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		ex.CompletedAt = &completedAt.Time
	}
	return ex, nil
}

// --- Step state ---

func (s *LibSQLStore) UpsertStepState(ctx context.Context, state *StepState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO step_states (execution_id, step_id, status, resolved_args, output, error, retry_count, started_at, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id, step_id) DO UPDATE SET
		   status=excluded.status, resolved_args=excluded.resolved_args, output=excluded.output,
		   error=excluded.error, retry_count=excluded.retry_count, started_at=excluded.started_at,
		   completed_at=excluded.completed_at, duration_ms=excluded.duration_ms`,
		state.ExecutionID, state.StepID, string(state.Status),
		nullRaw(state.ResolvedArgs), nullRaw(state.Output), nullRaw(state.Error),
		state.RetryCount, nullTime(state.StartedAt), nullTime(state.CompletedAt), state.DurationMs,
	)
	return err
}

func (s *LibSQLStore) GetStepState(ctx context.Context, executionID, stepID string) (*StepState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT execution_id, step_id, status, resolved_args, output, error, retry_count, started_at, completed_at, duration_ms
		 FROM step_states WHERE execution_id = ? AND step_id = ?`, executionID, stepID)
	ss, err := scanStepState(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("step state", executionID+"/"+stepID)
	}
	return ss, err
}

func (s *LibSQLStore) ListStepStates(ctx context.Context, executionID string) ([]*StepState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT execution_id, step_id, status, resolved_args, output, error, retry_count, started_at, completed_at, duration_ms
		 FROM step_states WHERE execution_id = ? ORDER BY step_id`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []*StepState
	for rows.Next() {
		ss, err := scanStepState(rows.Scan)
		if err != nil {
			return nil, err
		}
		states = append(states, ss)
	}
	return states, rows.Err()
}

func scanStepState(scan func(...any) error) (*StepState, error) {
	ss := &StepState{}
	var status string
	var resolvedArgs, output, errJSON sql.NullString
	var startedAt, completedAt sql.NullTime
	err := scan(&ss.ExecutionID, &ss.StepID, &status, &resolvedArgs, &output, &errJSON,
		&ss.RetryCount, &startedAt, &completedAt, &ss.DurationMs)
	if err != nil {
		return nil, err
	}
	ss.Status = schema.StepStatus(status)
	ss.ResolvedArgs = rawOrNil(resolvedArgs)
	ss.Output = rawOrNil(output)
	ss.Error = rawOrNil(errJSON)
	if startedAt.Valid {
		ss.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		ss.CompletedAt = &completedAt.Time
	}
	return ss, nil
}

// --- Events ---

// AppendEvent inserts an event with the caller-assigned sequence. For
// per-execution monotonic sequencing, use EventLog.AppendEvent.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (execution_id, step_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ExecutionID, nullStr(event.StepID), event.Type,
		nullRaw(event.Payload), event.Timestamp, event.Sequence,
	)
	return err
}

func (s *LibSQLStore) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, step_id, event_type, payload, timestamp, sequence
		 FROM events WHERE execution_id = ? AND sequence > ? ORDER BY sequence ASC`,
		executionID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var stepID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.ExecutionID, &stepID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.StepID = stepID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Trigger jobs ---

func (s *LibSQLStore) CreateTriggerJob(ctx context.Context, job *TriggerJob) error {
	input, err := marshalMapOrDefault(job.Input)
	if err != nil {
		return fmt.Errorf("marshal trigger input: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO trigger_jobs (id, workflow_id, project_id, cron_expr, input, enabled, last_run_at, next_run_at, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.WorkflowID, nullStr(job.ProjectID), job.CronExpr, string(input),
		job.Enabled, nullTime(job.LastRunAt), nullTime(job.NextRunAt),
		nullStr(job.LastRunStatus), timeOrNow(job.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetTriggerJob(ctx context.Context, id string) (*TriggerJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, project_id, cron_expr, input, enabled, last_run_at, next_run_at, last_run_status, created_at
		 FROM trigger_jobs WHERE id = ?`, id)
	job, err := scanTriggerJob(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("trigger job", id)
	}
	return job, err
}

func (s *LibSQLStore) UpdateTriggerJob(ctx context.Context, id string, update TriggerJobUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *update.Enabled)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}

	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		`UPDATE trigger_jobs SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "trigger job", id)
}

func (s *LibSQLStore) ListTriggerJobs(ctx context.Context, enabledOnly bool) ([]*TriggerJob, error) {
	query := `SELECT id, workflow_id, project_id, cron_expr, input, enabled, last_run_at, next_run_at, last_run_status, created_at FROM trigger_jobs`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*TriggerJob
	for rows.Next() {
		job, err := scanTriggerJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *LibSQLStore) DeleteTriggerJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM trigger_jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "trigger job", id)
}

func scanTriggerJob(scan func(...any) error) (*TriggerJob, error) {
	job := &TriggerJob{}
	var projectID, lastRunStatus sql.NullString
	var input string
	var lastRunAt, nextRunAt sql.NullTime
	err := scan(&job.ID, &job.WorkflowID, &projectID, &job.CronExpr, &input, &job.Enabled,
		&lastRunAt, &nextRunAt, &lastRunStatus, &job.CreatedAt)
	if err != nil {
		return nil, err
	}
	job.ProjectID = projectID.String
	job.LastRunStatus = lastRunStatus.String
	if err := json.Unmarshal([]byte(input), &job.Input); err != nil {
		return nil, fmt.Errorf("unmarshal trigger input: %w", err)
	}
	if lastRunAt.Valid {
		job.LastRunAt = &lastRunAt.Time
	}
	if nextRunAt.Valid {
		job.NextRunAt = &nextRunAt.Time
	}
	return job, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.WeftError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

func marshalLogs(logs []string) (string, error) {
	if len(logs) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(logs)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
