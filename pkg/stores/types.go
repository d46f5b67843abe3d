package stores

import (
	"context"
	"errors"
	"time"

	"github.com/openfroyo/toolstore/pkg/engine"
)

// ErrRunNotFound is returned when a journaled run does not exist.
var ErrRunNotFound = errors.New("run not found")

// RunKind distinguishes plan invocations from workflow runs.
type RunKind string

const (
	RunKindPlan     RunKind = "plan"
	RunKindWorkflow RunKind = "workflow"
)

// Plan run statuses. Workflow runs use engine.WorkflowStatus values.
const (
	PlanStatusCompleted = "completed"
	PlanStatusFailed    = "failed"
)

// Run is one journaled plan invocation or workflow run.
type Run struct {
	ID           string        `json:"id"`
	Kind         RunKind       `json:"kind"`
	Name         string        `json:"name"`
	CallerID     *string       `json:"caller_id,omitempty"`
	CallerRole   *string       `json:"caller_role,omitempty"`
	Status       string        `json:"status"`
	FailedStep   *int          `json:"failed_step,omitempty"`
	ErrorCode    *string       `json:"error_code,omitempty"`
	ErrorMessage *string       `json:"error_message,omitempty"`
	Result       *string       `json:"result,omitempty"` // JSON blob
	StartedAt    time.Time     `json:"started_at"`
	CompletedAt  time.Time     `json:"completed_at"`
	Duration     time.Duration `json:"duration"`
}

// RunStep is the journaled outcome of one top-level workflow step.
type RunStep struct {
	RunID        string    `json:"run_id"`
	Index        int       `json:"index"`
	Type         string    `json:"type"`
	Name         *string   `json:"name,omitempty"`
	Status       string    `json:"status"`
	Attempts     int       `json:"attempts"`
	ErrorCode    *string   `json:"error_code,omitempty"`
	ErrorMessage *string   `json:"error_message,omitempty"`
	Result       *string   `json:"result,omitempty"` // JSON blob
	StartedAt    time.Time `json:"started_at"`
	CompletedAt  time.Time `json:"completed_at"`
}

// RunCompensation is one journaled compensation attempt, in execution order.
type RunCompensation struct {
	RunID   string  `json:"run_id"`
	Seq     int     `json:"seq"`
	ForStep string  `json:"for_step"`
	Action  string  `json:"action"`
	Success bool    `json:"success"`
	Error   *string `json:"error,omitempty"`
}

// RunFilter narrows ListRuns. Empty fields match everything.
type RunFilter struct {
	Kind   RunKind
	Name   string
	Status string
	Limit  int
	Offset int
}

// Journal defines the run journal persistence layer.
type Journal interface {
	engine.RunRecorder

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	// Queries
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
	ListRunSteps(ctx context.Context, runID string) ([]*RunStep, error)
	ListRunCompensations(ctx context.Context, runID string) ([]*RunCompensation, error)

	// Retention
	DeleteRunsBefore(ctx context.Context, before time.Time) (int64, error)
}
