package engine

import (
	"encoding/json"
	"fmt"
	"time"
)

// WorkflowStatus represents the overall status of a workflow run.
type WorkflowStatus string

const (
	// WorkflowStatusPending indicates the run has not started a step yet.
	WorkflowStatusPending WorkflowStatus = "pending"

	// WorkflowStatusRunning indicates a step is executing.
	WorkflowStatusRunning WorkflowStatus = "running"

	// WorkflowStatusCompleted indicates every step completed.
	WorkflowStatusCompleted WorkflowStatus = "completed"

	// WorkflowStatusFailed indicates a step failed and no compensation applied.
	WorkflowStatusFailed WorkflowStatus = "failed"

	// WorkflowStatusCompensating indicates compensations are running.
	WorkflowStatusCompensating WorkflowStatus = "compensating"

	// WorkflowStatusCompensated indicates a step failed and its compensations ran.
	WorkflowStatusCompensated WorkflowStatus = "compensated"
)

// IsTerminal returns true if the status represents a final state.
func (s WorkflowStatus) IsTerminal() bool {
	return s == WorkflowStatusCompleted || s == WorkflowStatusFailed ||
		s == WorkflowStatusCompensated
}

// CanTransition reports whether the saga state machine allows moving from s to next.
func (s WorkflowStatus) CanTransition(next WorkflowStatus) bool {
	switch s {
	case WorkflowStatusPending:
		return next == WorkflowStatusRunning
	case WorkflowStatusRunning:
		return next == WorkflowStatusRunning || next == WorkflowStatusCompleted || next == WorkflowStatusFailed
	case WorkflowStatusFailed:
		return next == WorkflowStatusCompensating
	case WorkflowStatusCompensating:
		return next == WorkflowStatusCompensated
	}
	return false
}

// Validate checks if the workflow status is valid.
func (s WorkflowStatus) Validate() error {
	switch s {
	case WorkflowStatusPending, WorkflowStatusRunning, WorkflowStatusCompleted,
		WorkflowStatusFailed, WorkflowStatusCompensating, WorkflowStatusCompensated:
		return nil
	default:
		return fmt.Errorf("invalid workflow status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s WorkflowStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *WorkflowStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	status := WorkflowStatus(str)
	if err := status.Validate(); err != nil {
		return err
	}
	*s = status
	return nil
}

// StepStatus represents the status of one workflow step.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// IsTerminal returns true if the step is finished.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed || s == StepStatusSkipped
}

// Validate checks if the step status is valid.
func (s StepStatus) Validate() error {
	switch s {
	case StepStatusPending, StepStatusRunning, StepStatusCompleted,
		StepStatusFailed, StepStatusSkipped:
		return nil
	default:
		return fmt.Errorf("invalid step status: %s", s)
	}
}

// StepFailure is the typed failure reported when a step stops execution.
type StepFailure struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	StepIndex int                    `json:"failedStepIndex"`
	StepType  StepType               `json:"stepType,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Error implements error.
func (f *StepFailure) Error() string {
	return fmt.Sprintf("step %d failed: [%s] %s", f.StepIndex, f.Code, f.Message)
}

// NewStepFailure converts an error raised at a step into a StepFailure. Errors
// without a code become internal_error.
func NewStepFailure(index int, stepType StepType, err error) *StepFailure {
	f := &StepFailure{StepIndex: index, StepType: stepType, Code: CodeOf(err), Message: err.Error()}
	if e, ok := AsEngineError(err); ok {
		f.Message = e.Message
		if e.Err != nil && e.Code == ErrCodeInternal {
			f.Message = fmt.Sprintf("%s: %v", e.Message, e.Err)
		}
		if len(e.Details) > 0 {
			f.Details = make(map[string]interface{}, len(e.Details))
			for k, v := range e.Details {
				f.Details[k] = v
			}
		}
	}
	return f
}

// ExecutionResult is the outcome of running one execution plan.
type ExecutionResult struct {
	Success  bool                   `json:"success"`
	Result   interface{}            `json:"result,omitempty"`
	Error    *StepFailure           `json:"error,omitempty"`
	Context  map[string]interface{} `json:"-"`
	Duration time.Duration          `json:"duration"`
}

// BranchOutcome is the outcome of one sub-step of a parallel step.
type BranchOutcome struct {
	Index  int          `json:"index"`
	Type   StepType     `json:"type"`
	Status StepStatus   `json:"status"`
	Result interface{}  `json:"result,omitempty"`
	Error  *StepFailure `json:"error,omitempty"`
}

// StepOutcome is the recorded outcome of one top-level workflow step.
type StepOutcome struct {
	Index       int             `json:"index"`
	Type        StepType        `json:"type"`
	Name        string          `json:"name,omitempty"`
	Status      StepStatus      `json:"status"`
	Result      interface{}     `json:"result,omitempty"`
	Error       *StepFailure    `json:"error,omitempty"`
	Branches    []BranchOutcome `json:"branches,omitempty"`
	Attempts    int             `json:"attempts,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at"`
}

// CompensationOutcome records one compensation's result.
type CompensationOutcome struct {
	ForStep StepSelector `json:"forStep"`
	Action  string       `json:"action"`
	Success bool         `json:"success"`
	Error   string       `json:"error,omitempty"`
}

// WorkflowResult is the outcome of one workflow run.
type WorkflowResult struct {
	RunID         string                 `json:"run_id"`
	Workflow      string                 `json:"workflow"`
	Status        WorkflowStatus         `json:"status"`
	Steps         []StepOutcome          `json:"steps"`
	FailedStep    *int                   `json:"failed_step,omitempty"`
	Error         *StepFailure           `json:"error,omitempty"`
	Compensations []CompensationOutcome  `json:"compensations,omitempty"`
	Context       map[string]interface{} `json:"-"`
	StartedAt     time.Time              `json:"started_at"`
	CompletedAt   time.Time              `json:"completed_at"`
	Duration      time.Duration          `json:"duration"`
}

// Succeeded reports whether every step completed.
func (r *WorkflowResult) Succeeded() bool {
	return r.Status == WorkflowStatusCompleted
}
