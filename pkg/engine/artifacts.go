package engine

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Tier classifies how much language-model reasoning an operation needs at call time.
type Tier string

const (
	TierNone    Tier = "none"
	TierCached  Tier = "cached"
	TierPerCall Tier = "per_call"
)

// Validate checks if the tier is valid. An empty tier means none.
func (t Tier) Validate() error {
	switch t {
	case "", TierNone, TierCached, TierPerCall:
		return nil
	}
	return fmt.Errorf("invalid tier: %s", t)
}

// AuthSpec declares who may invoke a plan.
type AuthSpec struct {
	Required bool     `json:"required,omitempty"`
	Roles    []string `json:"roles,omitempty"`
}

// InputSpec declares one plan input.
type InputSpec struct {
	Name        string      `json:"name" validate:"required"`
	Type        string      `json:"type,omitempty"`
	Required    bool        `json:"required,omitempty"`
	Default     interface{} `json:"default,omitempty"`
	Description string      `json:"description,omitempty"`
}

// ErrorSpec declares an error a plan may return.
type ErrorSpec struct {
	Code    string `json:"code" validate:"required"`
	Message string `json:"message,omitempty"`
}

// Plan is a compiled execution plan: ordered steps plus declared inputs and errors.
type Plan struct {
	ToolName          string      `json:"toolName" validate:"required"`
	Tier              Tier        `json:"tier,omitempty"`
	Auth              AuthSpec    `json:"auth,omitempty"`
	Inputs            []InputSpec `json:"inputs,omitempty" validate:"dive"`
	Steps             []Step      `json:"steps"`
	Errors            []ErrorSpec `json:"errors,omitempty" validate:"dive"`
	OutputDescription string      `json:"outputDescription,omitempty"`
	SourceHash        string      `json:"sourceHash,omitempty"`
}

// Validate checks the structural invariants the executor relies on.
func (p *Plan) Validate() error {
	if strings.TrimSpace(p.ToolName) == "" {
		return fmt.Errorf("plan toolName is required")
	}
	if err := p.Tier.Validate(); err != nil {
		return fmt.Errorf("plan %s: %w", p.ToolName, err)
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("plan %s has no steps", p.ToolName)
	}
	for i, s := range p.Steps {
		if s.Config == nil {
			return fmt.Errorf("plan %s step %d has no configuration", p.ToolName, i)
		}
		if s.Type.WorkflowOnly() {
			return fmt.Errorf("plan %s step %d: %s is only allowed in workflows", p.ToolName, i, s.Type)
		}
		if s.Type == StepInterpret && p.Tier != TierPerCall {
			return fmt.Errorf("plan %s step %d: interpret requires tier %s", p.ToolName, i, TierPerCall)
		}
	}
	return nil
}

// ErrorMessage returns the declared message for an error code.
func (p *Plan) ErrorMessage(code string) (string, bool) {
	for _, e := range p.Errors {
		if e.Code == code && e.Message != "" {
			return e.Message, true
		}
	}
	return "", false
}

// PrimaryOperation describes the first mutating step of a plan, used to give
// the rule engine a target collection and record.
type PrimaryOperation struct {
	Operation  string
	Collection string
	ID         interface{}
}

// Primary returns the plan's first db_write or db_delete step, falling back to
// its first db_read. A db_write without an operation is a create.
func (p *Plan) Primary() (PrimaryOperation, bool) {
	var read *PrimaryOperation
	for _, s := range p.Steps {
		switch c := s.Config.(type) {
		case DBWriteStep:
			op := c.Operation
			if op == "" {
				op = WriteCreate
			}
			return PrimaryOperation{Operation: op, Collection: c.Collection, ID: c.ID}, true
		case DBDeleteStep:
			return PrimaryOperation{Operation: "delete", Collection: c.Collection, ID: c.ID}, true
		case DBReadStep:
			if read == nil {
				op := "read"
				if c.ID == nil {
					op = "list"
				}
				read = &PrimaryOperation{Operation: op, Collection: c.Collection, ID: c.ID}
			}
		}
	}
	if read != nil {
		return *read, true
	}
	return PrimaryOperation{}, false
}

// Trigger types for workflows.
const (
	TriggerManual   = "manual"
	TriggerEvent    = "event"
	TriggerSchedule = "schedule"
)

// Trigger declares what starts a workflow.
type Trigger struct {
	Type     string `json:"type,omitempty"`
	Event    string `json:"event,omitempty"`
	Schedule string `json:"schedule,omitempty"`
}

// StepSelector names a workflow step index, or every step.
type StepSelector struct {
	Any   bool
	Index int
}

// AnyStep selects compensations that apply to every failed step.
var AnyStep = StepSelector{Any: true}

// Matches reports whether the selector covers step index i.
func (s StepSelector) Matches(i int) bool {
	return s.Any || s.Index == i
}

// String implements fmt.Stringer.
func (s StepSelector) String() string {
	if s.Any {
		return "any"
	}
	return strconv.Itoa(s.Index)
}

// UnmarshalJSON accepts a step index or the string "any".
func (s *StepSelector) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		*s = StepSelector{Index: int(val)}
		return nil
	case string:
		if val == "any" || val == "*" {
			*s = AnyStep
			return nil
		}
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid forStep %q", val)
		}
		*s = StepSelector{Index: n}
		return nil
	}
	return fmt.Errorf("invalid forStep: %v", v)
}

// MarshalJSON implements json.Marshaler.
func (s StepSelector) MarshalJSON() ([]byte, error) {
	if s.Any {
		return json.Marshal("any")
	}
	return json.Marshal(s.Index)
}

// Compensation is a typed descriptor of an undo action for one step, or for any step.
type Compensation struct {
	ForStep StepSelector           `json:"forStep"`
	Action  string                 `json:"action"`
	Script  string                 `json:"script,omitempty"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// Workflow is a compiled multi-step saga.
type Workflow struct {
	Name          string         `json:"name" validate:"required"`
	Trigger       Trigger        `json:"trigger,omitempty"`
	Steps         []Step         `json:"steps"`
	Compensations []Compensation `json:"compensations,omitempty"`
	SourceHash    string         `json:"sourceHash,omitempty"`
}

// Validate checks the workflow's structure.
func (w *Workflow) Validate() error {
	if strings.TrimSpace(w.Name) == "" {
		return fmt.Errorf("workflow name is required")
	}
	if len(w.Steps) == 0 {
		return fmt.Errorf("workflow %s has no steps", w.Name)
	}
	for i, s := range w.Steps {
		if s.Config == nil {
			return fmt.Errorf("workflow %s step %d has no configuration", w.Name, i)
		}
	}
	for _, c := range w.Compensations {
		if !c.ForStep.Any && (c.ForStep.Index < 0 || c.ForStep.Index >= len(w.Steps)) {
			return fmt.Errorf("workflow %s: compensation %q targets unknown step %d", w.Name, c.Action, c.ForStep.Index)
		}
	}
	if w.Trigger.Type == TriggerEvent && w.Trigger.Event == "" {
		return fmt.Errorf("workflow %s: event trigger requires an event name", w.Name)
	}
	return nil
}

// CompensationsFor returns every compensation that applies to a failure at step i,
// in declaration order.
func (w *Workflow) CompensationsFor(i int) []Compensation {
	var out []Compensation
	for _, c := range w.Compensations {
		if c.ForStep.Matches(i) {
			out = append(out, c)
		}
	}
	return out
}
