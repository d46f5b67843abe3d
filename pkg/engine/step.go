package engine

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// StepType is the discriminant of a compiled step.
type StepType string

const (
	StepValidate        StepType = "validate"
	StepCheck           StepType = "check"
	StepDBRead          StepType = "db_read"
	StepDBWrite         StepType = "db_write"
	StepDBDelete        StepType = "db_delete"
	StepSetField        StepType = "set_field"
	StepTransform       StepType = "transform"
	StepInterpret       StepType = "interpret"
	StepCallAction      StepType = "call_action"
	StepCallIntegration StepType = "call_integration"
	StepParallel        StepType = "parallel"
	StepDecision        StepType = "decision"
	StepWait            StepType = "wait"
)

// WorkflowOnly reports whether the step kind may only appear in workflows.
func (t StepType) WorkflowOnly() bool {
	switch t {
	case StepCallAction, StepCallIntegration, StepParallel, StepDecision, StepWait:
		return true
	}
	return false
}

// StepConfig is the kind-specific configuration of a step. The set of
// implementations is closed; each is selected by Step.Type at decode time.
type StepConfig interface {
	stepType() StepType
	outputVar() string
}

// Output names the context variable a step writes its result to.
type Output struct {
	As string `json:"as,omitempty"`
}

func (o Output) outputVar() string { return o.As }

// Step is one compiled step: a discriminant plus its typed configuration.
type Step struct {
	Type   StepType
	Name   string
	Config StepConfig
}

type stepHeader struct {
	Type StepType `json:"type"`
	Name string   `json:"name,omitempty"`
}

// UnmarshalJSON decodes a flat step object, choosing the config type by "type".
func (s *Step) UnmarshalJSON(data []byte) error {
	var h stepHeader
	if err := json.Unmarshal(data, &h); err != nil {
		return err
	}
	cfg, err := newStepConfig(h.Type)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("step %q: %w", h.Type, err)
	}
	s.Type = h.Type
	s.Name = h.Name
	s.Config = derefConfig(cfg)
	return nil
}

// MarshalJSON encodes the step back into its flat form.
func (s Step) MarshalJSON() ([]byte, error) {
	body := map[string]interface{}{}
	if s.Config != nil {
		raw, err := json.Marshal(s.Config)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			return nil, err
		}
	}
	body["type"] = s.Type
	if s.Name != "" {
		body["name"] = s.Name
	}
	return json.Marshal(body)
}

// OutputVar returns the context variable the step writes, if any.
func (s Step) OutputVar() string {
	if s.Config == nil {
		return ""
	}
	return s.Config.outputVar()
}

func newStepConfig(t StepType) (interface{}, error) {
	switch t {
	case StepValidate:
		return &ValidateStep{}, nil
	case StepCheck:
		return &CheckStep{}, nil
	case StepDBRead:
		return &DBReadStep{}, nil
	case StepDBWrite:
		return &DBWriteStep{}, nil
	case StepDBDelete:
		return &DBDeleteStep{}, nil
	case StepSetField:
		return &SetFieldStep{}, nil
	case StepTransform:
		return &TransformStep{}, nil
	case StepInterpret:
		return &InterpretStep{}, nil
	case StepCallAction:
		return &CallActionStep{}, nil
	case StepCallIntegration:
		return &CallIntegrationStep{}, nil
	case StepParallel:
		return &ParallelStep{}, nil
	case StepDecision:
		return &DecisionStep{}, nil
	case StepWait:
		return &WaitStep{}, nil
	case "":
		return nil, fmt.Errorf("step type is required")
	}
	return nil, fmt.Errorf("unknown step type: %s", t)
}

func derefConfig(cfg interface{}) StepConfig {
	switch c := cfg.(type) {
	case *ValidateStep:
		return *c
	case *CheckStep:
		return *c
	case *DBReadStep:
		return *c
	case *DBWriteStep:
		return *c
	case *DBDeleteStep:
		return *c
	case *SetFieldStep:
		return *c
	case *TransformStep:
		return *c
	case *InterpretStep:
		return *c
	case *CallActionStep:
		return *c
	case *CallIntegrationStep:
		return *c
	case *ParallelStep:
		return *c
	case *DecisionStep:
		return *c
	case *WaitStep:
		return *c
	}
	return nil
}

// ValidateStep checks that input fields are present and non-empty.
type ValidateStep struct {
	Output
	Required []string `json:"required,omitempty"`
	NonEmpty []string `json:"non_empty,omitempty"`
	Code     string   `json:"code,omitempty"`
	Message  string   `json:"message,omitempty"`
}

func (ValidateStep) stepType() StepType { return StepValidate }

// CheckStep fails the plan when its condition does not hold.
type CheckStep struct {
	Output
	Condition Comparison `json:"condition"`
	Code      string     `json:"code,omitempty"`
	Message   string     `json:"message,omitempty"`
}

func (CheckStep) stepType() StepType { return StepCheck }

// DBReadStep reads one record by id, or a page of records by filters.
type DBReadStep struct {
	Output
	Collection string                 `json:"collection"`
	ID         interface{}            `json:"id,omitempty"`
	Filters    map[string]interface{} `json:"filters,omitempty"`
	SortBy     string                 `json:"sort_by,omitempty"`
	SortOrder  string                 `json:"sort_order,omitempty"`
	Limit      int                    `json:"limit,omitempty"`
	Offset     int                    `json:"offset,omitempty"`
	Required   bool                   `json:"required,omitempty"`
}

func (DBReadStep) stepType() StepType { return StepDBRead }

// Write operations for DBWriteStep.
const (
	WriteCreate = "create"
	WriteUpdate = "update"
)

// DBWriteStep creates or updates a record from mapped fields.
type DBWriteStep struct {
	Output
	Collection string                 `json:"collection"`
	Operation  string                 `json:"operation"`
	ID         interface{}            `json:"id,omitempty"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
}

func (DBWriteStep) stepType() StepType { return StepDBWrite }

// DBDeleteStep deletes a record by id.
type DBDeleteStep struct {
	Output
	Collection string      `json:"collection"`
	ID         interface{} `json:"id"`
}

func (DBDeleteStep) stepType() StepType { return StepDBDelete }

// SetFieldStep sets a field on an already-resolved context variable.
type SetFieldStep struct {
	Output
	Target string      `json:"target"`
	Field  string      `json:"field"`
	Value  interface{} `json:"value"`
}

func (SetFieldStep) stepType() StepType { return StepSetField }

// Built-in transform operations.
const (
	TransformCount  = "count"
	TransformFirst  = "first"
	TransformUnwrap = "unwrap"
)

// TransformStep applies a built-in reduction to a resolved value.
type TransformStep struct {
	Output
	Operation string      `json:"operation"`
	Source    interface{} `json:"source"`
}

func (TransformStep) stepType() StepType { return StepTransform }

// InterpretStep delegates to the injected Interpreter.
type InterpretStep struct {
	Output
	Instruction string `json:"instruction"`
}

func (InterpretStep) stepType() StepType { return StepInterpret }

// CallActionStep runs another compiled plan.
type CallActionStep struct {
	Output
	Action string                 `json:"action"`
	Input  map[string]interface{} `json:"input,omitempty"`
}

func (CallActionStep) stepType() StepType { return StepCallAction }

// RetryPolicy bounds retries of retryable integration errors.
type RetryPolicy struct {
	MaxAttempts int      `json:"max_attempts,omitempty"`
	BaseDelay   Duration `json:"base_delay,omitempty"`
}

// Integration error policies.
const (
	OnErrorFail     = "fail"
	OnErrorContinue = "continue"
)

// CallIntegrationStep invokes an external adapter by name and action.
type CallIntegrationStep struct {
	Output
	Integration string                 `json:"integration"`
	Action      string                 `json:"action"`
	Params      map[string]interface{} `json:"params,omitempty"`
	Retry       *RetryPolicy           `json:"retry,omitempty"`
	OnError     string                 `json:"on_error,omitempty"`
}

func (CallIntegrationStep) stepType() StepType { return StepCallIntegration }

// ParallelStep runs sub-steps concurrently and collects every outcome.
type ParallelStep struct {
	Output
	Steps      []Step `json:"steps"`
	RequireAll bool   `json:"require_all,omitempty"`
}

func (ParallelStep) stepType() StepType { return StepParallel }

// DecisionStep runs Then or Else depending on the condition.
type DecisionStep struct {
	Output
	Condition Comparison `json:"condition"`
	Then      []Step     `json:"then,omitempty"`
	Else      []Step     `json:"else,omitempty"`
}

func (DecisionStep) stepType() StepType { return StepDecision }

// WaitStep pauses for a fixed delay. Until is reserved for condition polling.
type WaitStep struct {
	Output
	Duration Duration    `json:"duration"`
	Until    *Comparison `json:"until,omitempty"`
}

func (WaitStep) stepType() StepType { return StepWait }

// Duration decodes from a Go duration string ("250ms") or a number of seconds.
type Duration struct {
	time.Duration
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		d.Duration = time.Duration(val * float64(time.Second))
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		d.Duration = parsed
	case nil:
		d.Duration = 0
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Comparison operators understood by check and decision steps.
const (
	OpExists    = "exists"
	OpNotExists = "not_exists"
	OpEq        = "eq"
	OpNeq       = "neq"
	OpGt        = "gt"
	OpGte       = "gte"
	OpLt        = "lt"
	OpLte       = "lte"
)

var symbolicOps = []struct {
	symbol string
	op     string
}{
	{"==", OpEq}, {"!=", OpNeq}, {">=", OpGte}, {"<=", OpLte}, {">", OpGt}, {"<", OpLt},
}

// Comparison is a boolean condition over two value references. It decodes from
// an object {left, op, right} or from a short expression such as
// "context.task exists" or "input.qty > 0".
type Comparison struct {
	Left  interface{} `json:"left"`
	Op    string      `json:"op"`
	Right interface{} `json:"right,omitempty"`
}

type comparisonObject Comparison

// UnmarshalJSON implements json.Unmarshaler.
func (c *Comparison) UnmarshalJSON(data []byte) error {
	var expr string
	if err := json.Unmarshal(data, &expr); err == nil {
		parsed, err := ParseComparison(expr)
		if err != nil {
			return err
		}
		*c = parsed
		return nil
	}
	var obj comparisonObject
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*c = Comparison(obj)
	if c.Op == "" {
		c.Op = OpExists
	}
	return nil
}

// ParseComparison parses the short expression form of a condition.
func ParseComparison(expr string) (Comparison, error) {
	fields := strings.Fields(expr)
	switch {
	case len(fields) == 2 && (fields[1] == OpExists || fields[1] == OpNotExists):
		return Comparison{Left: fields[0], Op: fields[1]}, nil
	case len(fields) == 3:
		for _, s := range symbolicOps {
			if fields[1] == s.symbol || fields[1] == s.op {
				return Comparison{Left: fields[0], Op: s.op, Right: fields[2]}, nil
			}
		}
	case len(fields) == 1:
		return Comparison{Left: fields[0], Op: OpExists}, nil
	}
	return Comparison{}, fmt.Errorf("cannot parse condition %q", expr)
}

// compareOrdered orders two resolved values: numbers numerically, everything
// else by its string form.
func compareOrdered(a, b interface{}) (int, bool) {
	if a == nil || b == nil {
		return 0, false
	}
	fa, okA := AsFloat(a)
	fb, okB := AsFloat(b)
	if !okA {
		if s, ok := a.(string); ok {
			if f, err := strconv.ParseFloat(s, 64); err == nil && okB {
				fa, okA = f, true
			}
		}
	}
	if okA && okB {
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}
	sa, sb := Stringify(a), Stringify(b)
	return strings.Compare(sa, sb), true
}
