package runtime

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/toolstore/pkg/engine"
	"github.com/openfroyo/toolstore/pkg/telemetry"
)

var tracer = otel.Tracer("github.com/openfroyo/toolstore/pkg/runtime")

// Invocation statuses reported to metrics and events.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusRejected  = "rejected"
)

// OperationWorkflow is the rule-context operation of a direct workflow run.
const OperationWorkflow = "workflow"

// Artifacts resolves compiled plans and workflows.
type Artifacts interface {
	engine.PlanSource
	Workflow(name string) (*engine.Workflow, bool)
	WorkflowsForEvent(event string) []*engine.Workflow
}

// RuleGate evaluates rule sets against one call.
type RuleGate interface {
	Evaluate(ctx context.Context, rc engine.RuleContext) *engine.Violation
}

// Result is the outcome of one tool invocation.
type Result struct {
	InvocationID string                   `json:"invocation_id"`
	Tool         string                   `json:"tool"`
	Execution    *engine.ExecutionResult  `json:"execution"`
	Triggered    []*engine.WorkflowResult `json:"triggered,omitempty"`
}

// Runtime gates every tool call through authentication and the rule engine
// before handing it to the action executor, and starts event-triggered
// workflows after successful mutations.
type Runtime struct {
	artifacts Artifacts
	store     engine.Store
	actions   *engine.ActionExecutor
	saga      *engine.SagaExecutor
	rules     RuleGate
	recorder  engine.RunRecorder
	metrics   *telemetry.Metrics
	events    *telemetry.EventPublisher
	logger    zerolog.Logger
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithRules sets the rule gate. Without one every call passes.
func WithRules(g RuleGate) Option {
	return func(r *Runtime) { r.rules = g }
}

// WithRecorder journals every plan invocation.
func WithRecorder(rec engine.RunRecorder) Option {
	return func(r *Runtime) { r.recorder = rec }
}

// WithMetrics records invocation metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Runtime) { r.metrics = m }
}

// WithEvents publishes invocation and rule-violation events.
func WithEvents(p *telemetry.EventPublisher) Option {
	return func(r *Runtime) { r.events = p }
}

// New creates a Runtime.
func New(artifacts Artifacts, store engine.Store, actions *engine.ActionExecutor, saga *engine.SagaExecutor, logger zerolog.Logger, opts ...Option) *Runtime {
	r := &Runtime{
		artifacts: artifacts,
		store:     store,
		actions:   actions,
		saga:      saga,
		logger:    logger.With().Str("component", "runtime").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Invoke runs the named tool's plan for caller. A returned error means the
// call never reached the executor: the tool is unknown, the caller is not
// authorized, a rule was violated or the target record could not be loaded.
// Step failures are reported in Result.Execution.
func (r *Runtime) Invoke(ctx context.Context, tool string, input map[string]interface{}, caller engine.Caller) (*Result, error) {
	if input == nil {
		input = map[string]interface{}{}
	}
	res := &Result{InvocationID: uuid.NewString(), Tool: tool}
	logger := r.logger.With().Str("tool", tool).Str("invocation_id", res.InvocationID).Str("caller_id", caller.ID).Logger()

	ctx, span := tracer.Start(ctx, "tool.invoke", trace.WithAttributes(
		telemetry.AttrTool.String(tool),
		telemetry.AttrCallerID.String(caller.ID),
		telemetry.AttrRunID.String(res.InvocationID),
	))
	defer span.End()

	start := time.Now()
	r.metrics.InvocationStarted()

	plan, ok := r.artifacts.Plan(tool)
	if !ok {
		err := engine.NotFound(tool, fmt.Sprintf("unknown tool %q", tool))
		r.reject(ctx, span, logger, tool, res.InvocationID, caller, start, err)
		return nil, err
	}
	if op, ok := plan.Primary(); ok {
		span.SetAttributes(telemetry.AttrCollection.String(op.Collection))
	}

	if err := authorize(plan, caller); err != nil {
		r.reject(ctx, span, logger, tool, res.InvocationID, caller, start, err)
		return nil, err
	}

	if err := r.gate(ctx, plan, input, caller); err != nil {
		r.reject(ctx, span, logger, tool, res.InvocationID, caller, start, err)
		return nil, err
	}

	exec, err := r.actions.Execute(ctx, plan, input, caller)
	if err != nil {
		r.reject(ctx, span, logger, tool, res.InvocationID, caller, start, err)
		return nil, err
	}
	res.Execution = exec

	status, code := StatusCompleted, ""
	if !exec.Success {
		status = StatusFailed
		if exec.Error != nil {
			code = exec.Error.Code
			telemetry.RecordError(span, exec.Error)
		}
		r.metrics.RecordError(code)
		logger.Info().Str("code", code).Msg("invocation failed")
	} else {
		telemetry.RecordSuccess(span)
		logger.Debug().Dur("duration", exec.Duration).Msg("invocation completed")
	}
	r.finish(ctx, tool, res.InvocationID, caller, status, code, time.Since(start), exec)

	if exec.Success {
		res.Triggered = r.trigger(ctx, plan, input, caller, exec)
	}
	return res, nil
}

// RunWorkflow runs the named workflow directly. The rule engine sees the call
// as tool=<workflow name>, operation=workflow; a violation is returned as an
// error and journaled as a failed run that never reached a step.
func (r *Runtime) RunWorkflow(ctx context.Context, name string, input map[string]interface{}, caller engine.Caller) (*engine.WorkflowResult, error) {
	wf, ok := r.artifacts.Workflow(name)
	if !ok {
		return nil, engine.NotFound(name, fmt.Sprintf("unknown workflow %q", name))
	}
	if input == nil {
		input = map[string]interface{}{}
	}

	start := time.Now()
	if err := r.evaluate(ctx, engine.RuleContext{
		Tool:      wf.Name,
		Operation: OperationWorkflow,
		Input:     input,
		Caller:    caller,
	}); err != nil {
		r.rejectWorkflow(ctx, wf.Name, caller, start, err)
		return nil, err
	}
	return r.runWorkflow(ctx, wf, "manual", input, caller)
}

// rejectWorkflow journals a direct workflow run refused by the rule engine.
func (r *Runtime) rejectWorkflow(ctx context.Context, name string, caller engine.Caller, start time.Time, err error) {
	code := engine.CodeOf(err)
	r.metrics.RecordError(code)
	r.logger.Info().Str("workflow", name).Str("caller_id", caller.ID).Str("code", code).Msg(err.Error())
	if r.recorder == nil {
		return
	}
	now := time.Now()
	result := &engine.WorkflowResult{
		RunID:       uuid.NewString(),
		Workflow:    name,
		Status:      engine.WorkflowStatusFailed,
		Error:       &engine.StepFailure{Code: code, Message: errorMessage(err), StepIndex: -1},
		StartedAt:   start,
		CompletedAt: now,
		Duration:    now.Sub(start),
	}
	if err := r.recorder.RecordWorkflowRun(context.WithoutCancel(ctx), result); err != nil {
		r.logger.Error().Err(err).Str("workflow", name).Msg("failed to journal workflow run")
	}
}

func (r *Runtime) runWorkflow(ctx context.Context, wf *engine.Workflow, trigger string, input map[string]interface{}, caller engine.Caller) (*engine.WorkflowResult, error) {
	ctx, span := tracer.Start(ctx, "workflow."+wf.Name, trace.WithAttributes(
		telemetry.AttrWorkflow.String(wf.Name),
		telemetry.AttrTrigger.String(trigger),
	))
	defer span.End()

	result, err := r.saga.Run(ctx, wf, input, caller)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(telemetry.AttrRunID.String(result.RunID), telemetry.AttrStatus.String(string(result.Status)))
	if result.Error != nil {
		telemetry.RecordError(span, result.Error)
	} else {
		telemetry.RecordSuccess(span)
	}
	return result, nil
}

// authorize applies the plan's auth block. Roles restrict callers even when
// auth is not marked required.
func authorize(plan *engine.Plan, caller engine.Caller) error {
	if plan.Auth.Required && caller.ID == "" {
		return engine.NewPermanentError(fmt.Sprintf("%s requires an authenticated caller", plan.ToolName), nil).
			WithCode(engine.ErrCodeUnauthorized).
			WithResource(plan.ToolName)
	}
	if len(plan.Auth.Roles) > 0 && !slices.Contains(plan.Auth.Roles, caller.Role) {
		return engine.NewPermanentError(fmt.Sprintf("role %q may not call %s", caller.Role, plan.ToolName), nil).
			WithCode(engine.ErrCodeUnauthorized).
			WithResource(plan.ToolName).
			WithDetail("roles", plan.Auth.Roles)
	}
	return nil
}

// gate builds the rule context from the plan's primary operation and runs the
// rule engine.
func (r *Runtime) gate(ctx context.Context, plan *engine.Plan, input map[string]interface{}, caller engine.Caller) error {
	if r.rules == nil {
		return nil
	}

	rc := engine.RuleContext{
		Tool:   plan.ToolName,
		Input:  input,
		Caller: caller,
	}
	if op, ok := plan.Primary(); ok {
		rc.Operation = op.Operation
		rc.Collection = op.Collection
		if op.ID != nil {
			scope := engine.NewScope(input, caller)
			if id, err := engine.ResolveID(scope, op.ID); err == nil {
				rc.RecordID = id
			}
		}
		if rc.RecordID != "" && needsRecord(op.Operation) {
			rec, found, err := r.store.Read(ctx, op.Collection, rc.RecordID)
			if err != nil {
				return err
			}
			if found {
				rc.Record = rec
			}
		}
	}

	return r.evaluate(ctx, rc)
}

func (r *Runtime) evaluate(ctx context.Context, rc engine.RuleContext) error {
	if r.rules == nil {
		return nil
	}
	if v := r.rules.Evaluate(ctx, rc); v != nil {
		if r.events != nil {
			_ = r.events.PublishRuleViolation(rc.Tool, v.RuleSet, v.Code, v.Message)
		}
		return v.AsError()
	}
	return nil
}

func needsRecord(op string) bool {
	switch op {
	case "update", "delete", "read":
		return true
	}
	return false
}

// trigger runs every workflow subscribed to the plan's mutation event. Their
// outcomes never change the invocation result.
func (r *Runtime) trigger(ctx context.Context, plan *engine.Plan, input map[string]interface{}, caller engine.Caller, exec *engine.ExecutionResult) []*engine.WorkflowResult {
	op, ok := plan.Primary()
	if !ok || !isMutation(op.Operation) {
		return nil
	}
	event := op.Collection + "." + op.Operation
	workflows := r.artifacts.WorkflowsForEvent(event)
	if len(workflows) == 0 {
		return nil
	}

	wfInput := map[string]interface{}{
		"event":      event,
		"tool":       plan.ToolName,
		"collection": op.Collection,
		"operation":  op.Operation,
		"record":     exec.Result,
		"input":      input,
	}

	var results []*engine.WorkflowResult
	for _, wf := range workflows {
		result, err := r.runWorkflow(ctx, wf, event, wfInput, caller)
		if err != nil {
			r.logger.Error().Err(err).Str("workflow", wf.Name).Str("event", event).Msg("triggered workflow could not start")
			continue
		}
		if !result.Succeeded() {
			r.logger.Warn().
				Str("workflow", wf.Name).
				Str("event", event).
				Str("run_id", result.RunID).
				Str("status", string(result.Status)).
				Msg("triggered workflow did not complete")
		}
		results = append(results, result)
	}
	return results
}

func isMutation(op string) bool {
	switch op {
	case "create", "update", "delete":
		return true
	}
	return false
}

// reject finishes an invocation that never reached the executor.
func (r *Runtime) reject(ctx context.Context, span trace.Span, logger zerolog.Logger, tool, invocationID string, caller engine.Caller, start time.Time, err error) {
	code := engine.CodeOf(err)
	telemetry.RecordError(span, err)
	r.metrics.RecordError(code)
	logger.Info().Str("code", code).Msg(err.Error())

	elapsed := time.Since(start)
	exec := &engine.ExecutionResult{
		Error:    &engine.StepFailure{Code: code, Message: errorMessage(err), StepIndex: -1},
		Duration: elapsed,
	}
	r.finish(ctx, tool, invocationID, caller, StatusRejected, code, elapsed, exec)
}

func errorMessage(err error) string {
	if e, ok := engine.AsEngineError(err); ok {
		return e.Message
	}
	return err.Error()
}

func (r *Runtime) finish(ctx context.Context, tool, invocationID string, caller engine.Caller, status, code string, elapsed time.Duration, exec *engine.ExecutionResult) {
	r.metrics.InvocationFinished(tool, status, elapsed)
	if r.events != nil {
		_ = r.events.PublishInvocation(tool, invocationID, status, elapsed, code)
	}
	if r.recorder != nil {
		if err := r.recorder.RecordPlanRun(context.WithoutCancel(ctx), tool, caller, exec); err != nil {
			r.logger.Error().Err(err).Str("tool", tool).Msg("failed to journal plan run")
		}
	}
}
