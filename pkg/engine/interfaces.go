package engine

import (
	"context"
	"time"
)

// Store is the record storage consumed by the executors and the rule engine.
// The storage package provides the file-backed implementation.
type Store interface {
	// Create inserts a new record and returns it with system fields set.
	Create(ctx context.Context, collection string, data Record) (Record, error)

	// Read loads a record by id. A missing record is reported by found=false, not an error.
	Read(ctx context.Context, collection, id string) (rec Record, found bool, err error)

	// List returns one page of records matching the query.
	List(ctx context.Context, collection string, q Query) (*Page, error)

	// Update merges data over an existing record and returns the post-image.
	Update(ctx context.Context, collection, id string, data Record) (Record, error)

	// Delete removes a record and returns its last state.
	Delete(ctx context.Context, collection, id string) (Record, error)
}

// InterpretRequest is handed to an Interpreter for steps that need per-call
// language-model reasoning.
type InterpretRequest struct {
	ToolName    string                 `json:"tool_name"`
	StepIndex   int                    `json:"step_index"`
	Instruction string                 `json:"instruction"`
	Context     map[string]interface{} `json:"context"`
}

// Interpreter performs reasoning the deterministic core does not.
type Interpreter interface {
	Interpret(ctx context.Context, req InterpretRequest) (interface{}, error)
}

// CompensationRequest describes one compensation chosen by the saga executor.
type CompensationRequest struct {
	Workflow     string                 `json:"workflow"`
	RunID        string                 `json:"run_id"`
	Compensation Compensation           `json:"compensation"`
	FailedStep   int                    `json:"failed_step"`
	Failure      *StepFailure           `json:"failure"`
	Context      map[string]interface{} `json:"context"`
}

// Compensator runs a compensation action. The saga executor never interprets
// compensation actions itself.
type Compensator interface {
	Compensate(ctx context.Context, req CompensationRequest) error
}

// IntegrationAdapter invokes an outbound integration.
type IntegrationAdapter interface {
	Call(ctx context.Context, action string, params map[string]interface{}) (interface{}, error)
}

// PlanSource resolves compiled execution plans by tool name.
type PlanSource interface {
	Plan(toolName string) (*Plan, bool)
}

// Event is a lifecycle notification emitted by the executors.
type Event struct {
	Type      string                 `json:"type"`
	RunID     string                 `json:"run_id"`
	Workflow  string                 `json:"workflow,omitempty"`
	StepIndex int                    `json:"step_index"`
	Message   string                 `json:"message"`
	Level     string                 `json:"level"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Event types published by the saga executor.
const (
	EventWorkflowStarted       = "workflow.started"
	EventWorkflowCompleted     = "workflow.completed"
	EventWorkflowFailed        = "workflow.failed"
	EventStepCompleted         = "step.completed"
	EventStepFailed            = "step.failed"
	EventCompensationCompleted = "compensation.completed"
	EventCompensationFailed    = "compensation.failed"
)

// EventPublisher receives executor events.
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}

// RunRecorder persists finished runs for later inspection.
type RunRecorder interface {
	RecordWorkflowRun(ctx context.Context, result *WorkflowResult) error
	RecordPlanRun(ctx context.Context, toolName string, caller Caller, result *ExecutionResult) error
}
