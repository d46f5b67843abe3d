package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ActionExecutor runs compiled execution plans against a Store.
type ActionExecutor struct {
	store       Store
	interpreter Interpreter
	observer    Observer
	logger      zerolog.Logger
}

// ActionOption configures an ActionExecutor.
type ActionOption func(*ActionExecutor)

// WithInterpreter sets the interpreter used by interpret steps.
func WithInterpreter(i Interpreter) ActionOption {
	return func(e *ActionExecutor) { e.interpreter = i }
}

// WithActionObserver sets the metrics observer.
func WithActionObserver(o Observer) ActionOption {
	return func(e *ActionExecutor) {
		if o != nil {
			e.observer = o
		}
	}
}

// NewActionExecutor creates an executor over store.
func NewActionExecutor(store Store, logger zerolog.Logger, opts ...ActionOption) *ActionExecutor {
	e := &ActionExecutor{
		store:    store,
		observer: nopObserver{},
		logger:   logger.With().Str("component", "action_executor").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs every step of plan in order. A step failure stops execution and
// is reported in the result; the returned error is reserved for plans that
// cannot be executed at all.
func (e *ActionExecutor) Execute(ctx context.Context, plan *Plan, input map[string]interface{}, caller Caller) (*ExecutionResult, error) {
	if plan == nil {
		return nil, NewPermanentError("plan is nil", nil).WithCode(ErrCodeInvalidInput)
	}
	if err := plan.Validate(); err != nil {
		return nil, NewPermanentError("invalid plan", err).
			WithCode(ErrCodeInvalidInput).
			WithResource(plan.ToolName)
	}

	ctx, span := tracer.Start(ctx, "plan.execute")
	defer span.End()
	span.SetAttributes(attribute.String("tool.name", plan.ToolName), attribute.String("tool.tier", string(plan.Tier)))

	start := time.Now()
	scope := NewScope(applyInputDefaults(plan.Inputs, input), caller)
	logger := e.logger.With().Str("tool", plan.ToolName).Logger()

	for i, step := range plan.Steps {
		stepStart := time.Now()
		value, err := e.RunStep(ctx, plan.ToolName, i, step, scope)
		if err != nil {
			failure := NewStepFailure(i, step.Type, err)
			resolveFailureMessage(plan, failure)
			e.observer.ObserveStep("plan", string(step.Type), "failed", time.Since(stepStart))
			logger.Debug().
				Int("step", i).
				Str("type", string(step.Type)).
				Str("code", failure.Code).
				Msg(failure.Message)
			span.SetStatus(codes.Error, failure.Code)
			span.SetAttributes(attribute.Int("failed_step", i))
			return &ExecutionResult{
				Success:  false,
				Error:    failure,
				Context:  scope.Snapshot(),
				Duration: time.Since(start),
			}, nil
		}
		scope.Set(step.OutputVar(), value)
		e.observer.ObserveStep("plan", string(step.Type), "completed", time.Since(stepStart))
	}

	var result interface{}
	if last := plan.Steps[len(plan.Steps)-1].OutputVar(); last != "" {
		result, _ = scope.Get(last)
	} else {
		result = scope.Snapshot()
	}
	span.SetStatus(codes.Ok, "")
	return &ExecutionResult{
		Success:  true,
		Result:   result,
		Context:  scope.Snapshot(),
		Duration: time.Since(start),
	}, nil
}

// RunStep executes one data-access step against scope and returns its value.
// Workflow-only kinds are rejected; the saga executor handles those itself.
func (e *ActionExecutor) RunStep(ctx context.Context, tool string, index int, step Step, scope *Scope) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, Internal("execution cancelled", err)
	}
	switch c := step.Config.(type) {
	case ValidateStep:
		return nil, e.validate(c, scope)
	case CheckStep:
		return nil, e.check(c, scope)
	case DBReadStep:
		return e.dbRead(ctx, c, scope)
	case DBWriteStep:
		return e.dbWrite(ctx, c, scope)
	case DBDeleteStep:
		return e.dbDelete(ctx, c, scope)
	case SetFieldStep:
		return e.setField(c, scope)
	case TransformStep:
		return transform(c.Operation, scope.Resolve(c.Source))
	case InterpretStep:
		return e.interpret(ctx, tool, index, c, scope)
	case nil:
		return nil, Internal(fmt.Sprintf("step %d has no configuration", index), nil)
	}
	return nil, Internal(fmt.Sprintf("step kind %s is only allowed in workflows", step.Type), nil)
}

// stepError builds a typed step failure. An empty message is filled later from
// the plan's error catalog, falling back to reason.
func stepError(code, message, reason string) *EngineError {
	return NewPermanentError(message, nil).WithCode(code).WithDetail("reason", reason)
}

func resolveFailureMessage(plan *Plan, f *StepFailure) {
	if f.Message != "" {
		return
	}
	if plan != nil {
		if msg, ok := plan.ErrorMessage(f.Code); ok {
			f.Message = msg
			return
		}
	}
	if reason, ok := f.Details["reason"].(string); ok && reason != "" {
		f.Message = reason
		return
	}
	f.Message = f.Code
}

func applyInputDefaults(specs []InputSpec, input map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(input)+len(specs))
	for k, v := range input {
		out[k] = v
	}
	for _, spec := range specs {
		if _, ok := out[spec.Name]; !ok && spec.Default != nil {
			out[spec.Name] = spec.Default
		}
	}
	return out
}

func (e *ActionExecutor) validate(c ValidateStep, scope *Scope) error {
	code := c.Code
	if code == "" {
		code = ErrCodeInvalidInput
	}
	input := scope.Input()
	for _, name := range c.Required {
		if v, ok := input[name]; !ok || v == nil {
			return stepError(code, c.Message, fmt.Sprintf("%s is required", name)).WithDetail("field", name)
		}
	}
	for _, name := range c.NonEmpty {
		if IsEmpty(input[name]) {
			return stepError(code, c.Message, fmt.Sprintf("%s must not be empty", name)).WithDetail("field", name)
		}
	}
	return nil
}

func (e *ActionExecutor) check(c CheckStep, scope *Scope) error {
	ok, err := scope.Evaluate(c.Condition)
	if err != nil {
		return Internal("invalid condition", err)
	}
	if ok {
		return nil
	}
	code := c.Code
	if code == "" {
		code = ErrCodeCheckFailed
	}
	return stepError(code, c.Message, fmt.Sprintf("condition not met: %v %s %v", c.Condition.Left, c.Condition.Op, c.Condition.Right))
}

// ResolveID resolves a record id reference to its string form. When scope is
// nil the reference is used as a literal.
func ResolveID(scope *Scope, ref interface{}) (string, error) {
	v := ref
	if scope != nil {
		v = scope.Resolve(ref)
	}
	if v == nil {
		return "", InvalidInput(FieldID, "record id is required")
	}
	id := Stringify(v)
	if strings.TrimSpace(id) == "" {
		return "", InvalidInput(FieldID, "record id is required")
	}
	return id, nil
}

func (e *ActionExecutor) dbRead(ctx context.Context, c DBReadStep, scope *Scope) (interface{}, error) {
	if c.ID != nil {
		id, err := ResolveID(scope, c.ID)
		if err != nil {
			return nil, err
		}
		rec, found, err := e.store.Read(ctx, c.Collection, id)
		if err != nil {
			return nil, err
		}
		if !found {
			if c.Required {
				return nil, NotFound(c.Collection, fmt.Sprintf("%s %s not found", c.Collection, id))
			}
			return nil, nil
		}
		return map[string]interface{}(rec), nil
	}

	filters := make(map[string]interface{}, len(c.Filters))
	for field, ref := range c.Filters {
		if v, ok := scope.Lookup(ref); ok {
			filters[field] = v
		}
	}
	page, err := e.store.List(ctx, c.Collection, Query{
		Filters:   filters,
		SortBy:    c.SortBy,
		SortOrder: c.SortOrder,
		Limit:     c.Limit,
		Offset:    c.Offset,
	})
	if err != nil {
		return nil, err
	}
	if c.Required && len(page.Data) == 0 {
		return nil, NotFound(c.Collection, fmt.Sprintf("no %s match", c.Collection))
	}
	return page.AsMap(), nil
}

func (e *ActionExecutor) dbWrite(ctx context.Context, c DBWriteStep, scope *Scope) (interface{}, error) {
	data := make(Record, len(c.Fields))
	for field, ref := range c.Fields {
		// An unresolvable reference leaves the field untouched.
		if v, ok := scope.Lookup(ref); ok {
			data[field] = v
		}
	}
	switch c.Operation {
	case WriteCreate, "":
		rec, err := e.store.Create(ctx, c.Collection, data)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}(rec), nil
	case WriteUpdate:
		id, err := ResolveID(scope, c.ID)
		if err != nil {
			return nil, err
		}
		rec, err := e.store.Update(ctx, c.Collection, id, data)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}(rec), nil
	}
	return nil, Internal(fmt.Sprintf("unknown db_write operation %q", c.Operation), nil)
}

func (e *ActionExecutor) dbDelete(ctx context.Context, c DBDeleteStep, scope *Scope) (interface{}, error) {
	id, err := ResolveID(scope, c.ID)
	if err != nil {
		return nil, err
	}
	rec, err := e.store.Delete(ctx, c.Collection, id)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}(rec), nil
}

func (e *ActionExecutor) setField(c SetFieldStep, scope *Scope) (interface{}, error) {
	name := strings.TrimPrefix(c.Target, RootContext+".")
	current, ok := scope.Get(name)
	if !ok {
		return nil, Internal(fmt.Sprintf("set_field target %q is not in context", name), nil)
	}
	obj, ok := current.(map[string]interface{})
	if !ok {
		return nil, Internal(fmt.Sprintf("set_field target %q is not an object", name), nil)
	}
	updated := make(map[string]interface{}, len(obj)+1)
	for k, v := range obj {
		updated[k] = v
	}
	updated[c.Field] = scope.Resolve(c.Value)
	scope.Set(name, updated)
	return updated, nil
}

func (e *ActionExecutor) interpret(ctx context.Context, tool string, index int, c InterpretStep, scope *Scope) (interface{}, error) {
	if e.interpreter == nil {
		return nil, NewPermanentError("no interpreter configured for per-call steps", nil).
			WithCode(ErrCodeInterpreterUnavailable)
	}
	return e.interpreter.Interpret(ctx, InterpretRequest{
		ToolName:    tool,
		StepIndex:   index,
		Instruction: c.Instruction,
		Context:     scope.Snapshot(),
	})
}

// transform applies a built-in reduction. Paginated results ({data, pagination})
// are reduced over their data list.
func transform(op string, src interface{}) (interface{}, error) {
	items, isList := listItems(src)
	switch op {
	case TransformCount:
		if isList {
			return len(items), nil
		}
		if m, ok := src.(map[string]interface{}); ok {
			return len(m), nil
		}
		if src == nil {
			return 0, nil
		}
		return 1, nil
	case TransformFirst:
		if isList {
			if len(items) == 0 {
				return nil, nil
			}
			return items[0], nil
		}
		return src, nil
	case TransformUnwrap:
		if isList {
			return items, nil
		}
		return src, nil
	}
	return nil, Internal(fmt.Sprintf("unknown transform %q", op), nil)
}

func listItems(v interface{}) ([]interface{}, bool) {
	switch val := v.(type) {
	case []interface{}:
		return val, true
	case []Record:
		out := make([]interface{}, len(val))
		for i, r := range val {
			out[i] = map[string]interface{}(r)
		}
		return out, true
	case map[string]interface{}:
		if data, ok := val["data"]; ok {
			if _, paged := val["pagination"]; paged {
				return listItems(data)
			}
		}
	}
	return nil, false
}
