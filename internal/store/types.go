package store

import (
	"encoding/json"
	"time"

	"github.com/weft-dev/weft/pkg/schema"
)

// Workflow is a registered workflow definition.
type Workflow struct {
	ID          string                    `json:"id"`
	ProjectID   string                    `json:"project_id,omitempty"`
	Name        string                    `json:"name"`
	Description string                    `json:"description,omitempty"`
	Definition  schema.WorkflowDefinition `json:"definition"`
	CreatedAt   time.Time                 `json:"created_at"`
	UpdatedAt   time.Time                 `json:"updated_at"`
}

// Execution is the persisted representation of one workflow run.
type Execution struct {
	ID          string                 `json:"id"`
	WorkflowID  string                 `json:"workflow_id"`
	ProjectID   string                 `json:"project_id,omitempty"`
	Status      schema.ExecutionStatus `json:"status"`
	Input       map[string]any         `json:"input,omitempty"`
	Output      json.RawMessage        `json:"output,omitempty"`
	Error       json.RawMessage        `json:"error,omitempty"`
	Logs        []string               `json:"logs,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

// StepState is the materialized view of a step's current state within
// an execution.
type StepState struct {
	ExecutionID  string            `json:"execution_id"`
	StepID       string            `json:"step_id"`
	Status       schema.StepStatus `json:"status"`
	ResolvedArgs json.RawMessage   `json:"resolved_args,omitempty"`
	Output       json.RawMessage   `json:"output,omitempty"`
	Error        json.RawMessage   `json:"error,omitempty"`
	RetryCount   int               `json:"retry_count"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	DurationMs   int64             `json:"duration_ms,omitempty"`
}

// Event is an immutable entry in the per-execution event log.
type Event struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	StepID      string          `json:"step_id,omitempty"`
	Type        string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}

// TriggerJob is a cron-scheduled workflow trigger.
type TriggerJob struct {
	ID            string         `json:"id"`
	WorkflowID    string         `json:"workflow_id"`
	ProjectID     string         `json:"project_id,omitempty"`
	CronExpr      string         `json:"cron_expr"`
	Input         map[string]any `json:"input,omitempty"`
	Enabled       bool           `json:"enabled"`
	LastRunAt     *time.Time     `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time     `json:"next_run_at,omitempty"`
	LastRunStatus string         `json:"last_run_status,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// WorkflowFilter narrows ListWorkflows results.
type WorkflowFilter struct {
	ProjectID string
	Name      string
	Limit     int
}

// ExecutionFilter narrows ListExecutions results.
type ExecutionFilter struct {
	WorkflowID string
	ProjectID  string
	Status     schema.ExecutionStatus
	Limit      int
}

// ExecutionUpdate carries the mutable fields of an execution. Nil
// pointers leave the column untouched.
type ExecutionUpdate struct {
	Status      *schema.ExecutionStatus
	Output      json.RawMessage
	Error       json.RawMessage
	Logs        []string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// TriggerJobUpdate carries the mutable fields of a trigger job.
type TriggerJobUpdate struct {
	Enabled       *bool
	LastRunAt     *time.Time
	NextRunAt     *time.Time
	LastRunStatus string
}
