package engine

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// SagaExecutor runs workflows step by step. Each step commits on its own; when
// a step fails, forward progress stops and the compensations declared for that
// step (or for any step) run and are reported. Completed writes are never
// rolled back by the executor itself.
type SagaExecutor struct {
	actions      *ActionExecutor
	plans        PlanSource
	integrations map[string]IntegrationAdapter
	compensator  Compensator
	events       EventPublisher
	recorder     RunRecorder
	observer     Observer
	maxParallel  int
	logger       zerolog.Logger
}

// SagaOption configures a SagaExecutor.
type SagaOption func(*SagaExecutor)

// WithPlans sets the plan source used by call_action steps.
func WithPlans(p PlanSource) SagaOption {
	return func(s *SagaExecutor) { s.plans = p }
}

// WithIntegration registers an adapter for call_integration steps.
func WithIntegration(name string, adapter IntegrationAdapter) SagaOption {
	return func(s *SagaExecutor) { s.integrations[name] = adapter }
}

// WithCompensator sets the compensation interpreter.
func WithCompensator(c Compensator) SagaOption {
	return func(s *SagaExecutor) {
		if c != nil {
			s.compensator = c
		}
	}
}

// WithEventPublisher sets the destination of workflow lifecycle events.
func WithEventPublisher(p EventPublisher) SagaOption {
	return func(s *SagaExecutor) { s.events = p }
}

// WithRunRecorder sets the run journal.
func WithRunRecorder(r RunRecorder) SagaOption {
	return func(s *SagaExecutor) { s.recorder = r }
}

// WithSagaObserver sets the metrics observer.
func WithSagaObserver(o Observer) SagaOption {
	return func(s *SagaExecutor) {
		if o != nil {
			s.observer = o
		}
	}
}

// WithMaxParallel bounds the number of concurrent branches of a parallel step.
func WithMaxParallel(n int) SagaOption {
	return func(s *SagaExecutor) {
		if n > 0 {
			s.maxParallel = n
		}
	}
}

// NewSagaExecutor creates a saga executor delegating data-access steps to actions.
func NewSagaExecutor(actions *ActionExecutor, logger zerolog.Logger, opts ...SagaOption) *SagaExecutor {
	s := &SagaExecutor{
		actions:      actions,
		integrations: make(map[string]IntegrationAdapter),
		observer:     nopObserver{},
		maxParallel:  8,
		logger:       logger.With().Str("component", "saga_executor").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.compensator == nil {
		s.compensator = NewLoggingCompensator(logger)
	}
	return s
}

// stepValue is what one step produced.
type stepValue struct {
	value    interface{}
	branches []BranchOutcome
	attempts int
}

// Run executes wf with the given input and caller. The returned error is
// reserved for workflows that cannot start; step failures are reported in the
// result.
func (s *SagaExecutor) Run(ctx context.Context, wf *Workflow, input map[string]interface{}, caller Caller) (*WorkflowResult, error) {
	if wf == nil {
		return nil, NewPermanentError("workflow is nil", nil).WithCode(ErrCodeInvalidInput)
	}
	if err := wf.Validate(); err != nil {
		return nil, NewPermanentError("invalid workflow", err).
			WithCode(ErrCodeInvalidInput).
			WithResource(wf.Name)
	}

	result := &WorkflowResult{
		RunID:     uuid.New().String(),
		Workflow:  wf.Name,
		Status:    WorkflowStatusPending,
		Steps:     make([]StepOutcome, 0, len(wf.Steps)),
		StartedAt: time.Now(),
	}
	logger := s.logger.With().Str("workflow", wf.Name).Str("run_id", result.RunID).Logger()

	ctx, span := tracer.Start(ctx, "workflow.run")
	defer span.End()
	span.SetAttributes(attribute.String("workflow.name", wf.Name), attribute.String("run.id", result.RunID))

	scope := NewScope(input, caller)
	s.transition(result, WorkflowStatusRunning)
	s.publish(ctx, result, -1, EventWorkflowStarted, "workflow started", "info", nil)

	for i, step := range wf.Steps {
		outcome := StepOutcome{Index: i, Type: step.Type, Name: step.Name, Status: StepStatusRunning, StartedAt: time.Now()}

		stepCtx, stepSpan := tracer.Start(ctx, "workflow.step")
		stepSpan.SetAttributes(attribute.Int("step.index", i), attribute.String("step.type", string(step.Type)))
		sv, err := s.execStep(stepCtx, wf, i, step, scope)
		outcome.CompletedAt = time.Now()
		outcome.Branches = sv.branches
		outcome.Attempts = sv.attempts

		if err != nil {
			failure := NewStepFailure(i, step.Type, err)
			resolveFailureMessage(nil, failure)
			outcome.Status = StepStatusFailed
			outcome.Error = failure
			result.Steps = append(result.Steps, outcome)
			stepSpan.SetStatus(codes.Error, failure.Code)
			stepSpan.End()
			s.observer.ObserveStep("workflow", string(step.Type), "failed", outcome.CompletedAt.Sub(outcome.StartedAt))
			s.publish(ctx, result, i, EventStepFailed, failure.Message, "error", map[string]interface{}{"code": failure.Code})
			logger.Warn().Int("step", i).Str("code", failure.Code).Msg("workflow step failed")

			failed := i
			result.FailedStep = &failed
			result.Error = failure
			s.transition(result, WorkflowStatusFailed)
			s.compensate(ctx, wf, result, i, failure, scope)
			break
		}

		outcome.Status = StepStatusCompleted
		outcome.Result = sv.value
		result.Steps = append(result.Steps, outcome)
		scope.Set(step.OutputVar(), sv.value)
		stepSpan.SetStatus(codes.Ok, "")
		stepSpan.End()
		s.observer.ObserveStep("workflow", string(step.Type), "completed", outcome.CompletedAt.Sub(outcome.StartedAt))
		s.publish(ctx, result, i, EventStepCompleted, fmt.Sprintf("step %d completed", i), "info", nil)
	}

	if result.Status == WorkflowStatusRunning {
		s.transition(result, WorkflowStatusCompleted)
		span.SetStatus(codes.Ok, "")
		s.publish(ctx, result, -1, EventWorkflowCompleted, "workflow completed", "info", nil)
	} else {
		span.SetStatus(codes.Error, result.Error.Code)
		s.publish(ctx, result, *result.FailedStep, EventWorkflowFailed, result.Error.Message, "error",
			map[string]interface{}{"status": string(result.Status)})
	}

	result.Context = scope.Snapshot()
	result.CompletedAt = time.Now()
	result.Duration = result.CompletedAt.Sub(result.StartedAt)
	s.observer.ObserveWorkflowRun(wf.Name, string(result.Status), result.Duration)
	logger.Info().Str("status", string(result.Status)).Dur("duration", result.Duration).Msg("workflow finished")

	if s.recorder != nil {
		if err := s.recorder.RecordWorkflowRun(context.WithoutCancel(ctx), result); err != nil {
			logger.Error().Err(err).Msg("failed to journal workflow run")
		}
	}
	return result, nil
}

func (s *SagaExecutor) transition(result *WorkflowResult, next WorkflowStatus) {
	if !result.Status.CanTransition(next) {
		s.logger.Error().
			Str("from", string(result.Status)).
			Str("to", string(next)).
			Msg("invalid workflow state transition")
	}
	result.Status = next
}

// compensate runs every compensation declared for the failed step or for any
// step, in declaration order. Each runs regardless of the others' outcome.
func (s *SagaExecutor) compensate(ctx context.Context, wf *Workflow, result *WorkflowResult, failedStep int, failure *StepFailure, scope *Scope) {
	applicable := wf.CompensationsFor(failedStep)
	if len(applicable) == 0 {
		return
	}
	s.transition(result, WorkflowStatusCompensating)

	// Compensations run even when the run's context was cancelled.
	compCtx := context.WithoutCancel(ctx)
	snapshot := scope.Snapshot()
	for _, comp := range applicable {
		if comp.Params != nil {
			comp.Params = scope.Resolve(comp.Params).(map[string]interface{})
		}
		req := CompensationRequest{
			Workflow:     wf.Name,
			RunID:        result.RunID,
			Compensation: comp,
			FailedStep:   failedStep,
			Failure:      failure,
			Context:      snapshot,
		}
		outcome := CompensationOutcome{ForStep: comp.ForStep, Action: comp.Action, Success: true}
		if err := s.compensator.Compensate(compCtx, req); err != nil {
			outcome.Success = false
			outcome.Error = err.Error()
			s.publish(compCtx, result, failedStep, EventCompensationFailed, err.Error(), "error",
				map[string]interface{}{"action": comp.Action})
		} else {
			s.publish(compCtx, result, failedStep, EventCompensationCompleted, comp.Action, "info", nil)
		}
		s.observer.ObserveCompensation(wf.Name, outcome.Success)
		result.Compensations = append(result.Compensations, outcome)
	}
	s.transition(result, WorkflowStatusCompensated)
}

// execStep runs one step of any kind. Data-access kinds go to the action executor.
func (s *SagaExecutor) execStep(ctx context.Context, wf *Workflow, index int, step Step, scope *Scope) (stepValue, error) {
	switch c := step.Config.(type) {
	case CallActionStep:
		v, err := s.callAction(ctx, c, scope)
		return stepValue{value: v}, err
	case CallIntegrationStep:
		return s.callIntegration(ctx, c, scope)
	case ParallelStep:
		return s.parallel(ctx, wf, c, scope)
	case DecisionStep:
		return s.decision(ctx, wf, index, c, scope)
	case WaitStep:
		return stepValue{}, s.wait(ctx, c)
	}
	v, err := s.actions.RunStep(ctx, wf.Name, index, step, scope)
	return stepValue{value: v}, err
}

func (s *SagaExecutor) callAction(ctx context.Context, c CallActionStep, scope *Scope) (interface{}, error) {
	if s.plans == nil {
		return nil, NotFound(c.Action, "no plans are available to call_action")
	}
	plan, ok := s.plans.Plan(c.Action)
	if !ok {
		return nil, NotFound(c.Action, fmt.Sprintf("plan %s not found", c.Action))
	}
	input, _ := scope.Resolve(c.Input).(map[string]interface{})
	res, err := s.actions.Execute(ctx, plan, input, scope.Caller())
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, NewPermanentError(res.Error.Message, nil).
			WithCode(res.Error.Code).
			WithResource(c.Action).
			WithDetail("action_step", res.Error.StepIndex)
	}
	return res.Result, nil
}

func (s *SagaExecutor) callIntegration(ctx context.Context, c CallIntegrationStep, scope *Scope) (stepValue, error) {
	adapter, ok := s.integrations[c.Integration]
	if !ok {
		return stepValue{}, NotFound(c.Integration, fmt.Sprintf("integration %s is not registered", c.Integration))
	}
	params, _ := scope.Resolve(c.Params).(map[string]interface{})

	maxAttempts := 1
	baseDelay := time.Second
	if c.Retry != nil {
		if c.Retry.MaxAttempts > 0 {
			maxAttempts = c.Retry.MaxAttempts
		}
		if c.Retry.BaseDelay.Duration > 0 {
			baseDelay = c.Retry.BaseDelay.Duration
		}
	}

	var value interface{}
	var err error
	attempts := 0
	for attempt := 0; attempt < maxAttempts; attempt++ {
		attempts++
		value, err = adapter.Call(ctx, c.Action, params)
		if err == nil || !IsRetryable(err) || attempt == maxAttempts-1 {
			break
		}
		backoff := calculateBackoff(baseDelay, attempt, err)
		s.logger.Debug().
			Str("integration", c.Integration).
			Int("attempt", attempt+1).
			Dur("backoff", backoff).
			Msg("retrying integration call")
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return stepValue{attempts: attempts}, Internal("integration retry cancelled", ctx.Err())
		}
	}

	if err != nil {
		if _, typed := AsEngineError(err); !typed {
			err = NewPermanentError(fmt.Sprintf("integration %s failed", c.Integration), err).
				WithCode(ErrCodeIntegrationFailed).
				WithResource(c.Integration)
		}
		if c.OnError == OnErrorContinue {
			return stepValue{
				value:    map[string]interface{}{"error": err.Error(), "code": CodeOf(err)},
				attempts: attempts,
			}, nil
		}
		return stepValue{attempts: attempts}, err
	}
	return stepValue{value: value, attempts: attempts}, nil
}

// calculateBackoff calculates exponential backoff from base, scaled up for
// throttling and contention.
func calculateBackoff(base time.Duration, attempt int, err error) time.Duration {
	if IsThrottled(err) {
		base *= 5
	} else if IsConflict(err) {
		base *= 2
	}

	// delay = base * 2^attempt, capped at a minute
	delay := time.Minute
	if base <= 0 {
		delay = 0
	} else if f := float64(base) * math.Pow(2, float64(max(attempt, 0))); f < float64(time.Minute) {
		delay = time.Duration(f)
	}

	jitter := time.Duration(float64(delay) * 0.25)
	return delay + jitter/2
}

// parallel runs every sub-step concurrently through a bounded worker pool. A
// failing branch never cancels its siblings; all outcomes are collected.
func (s *SagaExecutor) parallel(ctx context.Context, wf *Workflow, c ParallelStep, scope *Scope) (stepValue, error) {
	branches := make([]BranchOutcome, len(c.Steps))
	if len(c.Steps) == 0 {
		return stepValue{value: []interface{}{}, branches: branches}, nil
	}

	workerCount := s.maxParallel
	if len(c.Steps) < workerCount {
		workerCount = len(c.Steps)
	}

	workQueue := make(chan int, len(c.Steps))
	for i := range c.Steps {
		workQueue <- i
	}
	close(workQueue)

	var wg sync.WaitGroup
	for w := 0; w < workerCount; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range workQueue {
				sub := c.Steps[i]
				branch := scope.Fork()
				sv, err := s.execStep(ctx, wf, i, sub, branch)
				out := BranchOutcome{Index: i, Type: sub.Type}
				if err != nil {
					out.Status = StepStatusFailed
					out.Error = NewStepFailure(i, sub.Type, err)
				} else {
					out.Status = StepStatusCompleted
					out.Result = sv.value
					scope.Set(sub.OutputVar(), sv.value)
				}
				// Each worker writes only its own slot.
				branches[i] = out
			}
		}()
	}
	wg.Wait()

	results := make([]interface{}, len(branches))
	var firstFailure *StepFailure
	for i, b := range branches {
		entry := map[string]interface{}{"index": b.Index, "status": string(b.Status)}
		if b.Error != nil {
			entry["error"] = map[string]interface{}{"code": b.Error.Code, "message": b.Error.Message}
			if firstFailure == nil {
				firstFailure = b.Error
			}
		} else {
			entry["result"] = b.Result
		}
		results[i] = entry
	}

	sv := stepValue{value: results, branches: branches}
	if c.RequireAll && firstFailure != nil {
		return sv, NewPermanentError(fmt.Sprintf("parallel branch %d failed: %s", firstFailure.StepIndex, firstFailure.Message), nil).
			WithCode(firstFailure.Code).
			WithDetail("branch", firstFailure.StepIndex)
	}
	return sv, nil
}

func (s *SagaExecutor) decision(ctx context.Context, wf *Workflow, index int, c DecisionStep, scope *Scope) (stepValue, error) {
	ok, err := scope.Evaluate(c.Condition)
	if err != nil {
		return stepValue{}, Internal("invalid decision condition", err)
	}
	branch, steps := "then", c.Then
	if !ok {
		branch, steps = "else", c.Else
	}
	var last interface{}
	for _, sub := range steps {
		sv, err := s.execStep(ctx, wf, index, sub, scope)
		if err != nil {
			return stepValue{}, err
		}
		scope.Set(sub.OutputVar(), sv.value)
		last = sv.value
	}
	return stepValue{value: map[string]interface{}{"branch": branch, "result": last}}, nil
}

func (s *SagaExecutor) wait(ctx context.Context, c WaitStep) error {
	if c.Until != nil {
		return NewPermanentError("conditional wait is not supported", nil).WithCode(ErrCodeInvalidInput)
	}
	if c.Duration.Duration <= 0 {
		return nil
	}
	timer := time.NewTimer(c.Duration.Duration)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return Internal("wait cancelled", ctx.Err())
	}
}

func (s *SagaExecutor) publish(ctx context.Context, result *WorkflowResult, step int, eventType, message, level string, data map[string]interface{}) {
	if s.events == nil {
		return
	}
	event := &Event{
		Type:      eventType,
		RunID:     result.RunID,
		Workflow:  result.Workflow,
		StepIndex: step,
		Message:   message,
		Level:     level,
		Timestamp: time.Now(),
		Data:      data,
	}
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger.Warn().Err(err).Str("event", eventType).Msg("failed to publish event")
	}
}

// LoggingCompensator records compensations without acting on them. It is the
// default when no interpreter is injected.
type LoggingCompensator struct {
	logger zerolog.Logger
}

// NewLoggingCompensator creates a compensator that only logs.
func NewLoggingCompensator(logger zerolog.Logger) *LoggingCompensator {
	return &LoggingCompensator{logger: logger.With().Str("component", "compensator").Logger()}
}

// Compensate implements Compensator.
func (c *LoggingCompensator) Compensate(_ context.Context, req CompensationRequest) error {
	c.logger.Info().
		Str("workflow", req.Workflow).
		Str("run_id", req.RunID).
		Int("failed_step", req.FailedStep).
		Str("for_step", req.Compensation.ForStep.String()).
		Str("action", req.Compensation.Action).
		Msg("compensation advised")
	return nil
}
