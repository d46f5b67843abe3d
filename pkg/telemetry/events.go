package telemetry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Event represents a lifecycle or audit event in toolstore.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type, e.g. "workflow.started".
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// RunID is the associated workflow or plan run, if applicable.
	RunID string `json:"run_id,omitempty"`

	// Workflow is the associated workflow name, if applicable.
	Workflow string `json:"workflow,omitempty"`

	// Tool is the associated tool name, if applicable.
	Tool string `json:"tool,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level.
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// Event types published outside the executors.
const (
	EventTypeInvocationCompleted = "invocation.completed"
	EventTypeInvocationFailed    = "invocation.failed"
	EventTypeRuleViolation       = "rule.violation"
)

// EventLevel constants for event severity.
const (
	EventLevelDebug = "debug"
	EventLevelInfo  = "info"
	EventLevelWarn  = "warn"
	EventLevelError = "error"
)

var levelRank = map[string]int{
	EventLevelDebug: 0,
	EventLevelInfo:  1,
	EventLevelWarn:  2,
	"warning":       2,
	EventLevelError: 3,
}

// ErrBufferFull is returned by Publish when an async publisher cannot accept
// another event. The event is dropped.
var ErrBufferFull = errors.New("event buffer full, event dropped")

// ErrPublisherClosed is returned by Publish after Shutdown.
var ErrPublisherClosed = errors.New("event publisher stopped")

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers. In async mode events are
// buffered and delivered in batches by a single goroutine, so each subscriber
// sees events in publish order.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	closed      atomic.Bool
	dropped     atomic.Uint64
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("event buffer size must be positive, got: %d", cfg.BufferSize)
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	ep := &EventPublisher{
		config: cfg,
		buffer: make(chan Event, cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
	}
	if cfg.MinLevel != "" {
		ep.filters = append(ep.filters, FilterByLevel(cfg.MinLevel))
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}
	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}
	if ep.closed.Load() {
		return ErrPublisherClosed
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return ErrPublisherClosed
		default:
			ep.dropped.Add(1)
			return ErrBufferFull
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishInvocation publishes the outcome of one tool invocation.
func (ep *EventPublisher) PublishInvocation(tool, runID, status string, duration time.Duration, errCode string) error {
	event := Event{
		Type:    EventTypeInvocationCompleted,
		Source:  "runtime",
		RunID:   runID,
		Tool:    tool,
		Message: fmt.Sprintf("%s finished with status %s", tool, status),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"status":   status,
			"duration": duration.Seconds(),
		},
	}
	if errCode != "" {
		event.Type = EventTypeInvocationFailed
		event.Level = EventLevelWarn
		event.Data["code"] = errCode
	}
	return ep.Publish(event)
}

// PublishRuleViolation publishes a rejected call.
func (ep *EventPublisher) PublishRuleViolation(tool, ruleSet, code, message string) error {
	return ep.Publish(Event{
		Type:    EventTypeRuleViolation,
		Source:  "policy",
		Tool:    tool,
		Message: message,
		Level:   EventLevelWarn,
		Data: map[string]interface{}{
			"rule_set": ruleSet,
			"code":     code,
		},
	})
}

// Subscribe adds a new event subscriber. filter may be nil.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// Dropped returns how many events were dropped because the buffer was full.
func (ep *EventPublisher) Dropped() uint64 {
	return ep.dropped.Load()
}

// processEvents delivers buffered events in batches, flushing a partial batch
// every FlushInterval and draining the buffer on shutdown.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	var tick <-chan time.Time
	if ep.config.FlushInterval > 0 {
		ticker := time.NewTicker(ep.config.FlushInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	batch := make([]Event, 0, ep.config.MaxBatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ep.flushBatch(batch)
		batch = batch[:0]
	}

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			// Deliver right away once the buffer is idle.
			if len(batch) >= ep.config.MaxBatchSize || len(ep.buffer) == 0 {
				flush()
			}
		case <-tick:
			flush()
		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) flushBatch(events []Event) {
	for _, event := range events {
		ep.deliverEvent(event)
	}
}

// deliverEvent calls every matching subscriber in registration order. A
// panicking subscriber does not stop delivery to the others.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	subs := append([]subscriberEntry(nil), ep.subscribers...)
	ep.mu.RUnlock()

	for _, entry := range subs {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		func() {
			defer func() { _ = recover() }()
			entry.subscriber(event)
		}()
	}
}

// Shutdown stops accepting events, delivers what is buffered and waits for the
// delivery goroutine to exit.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled || !ep.closed.CompareAndSwap(false, true) {
		return nil
	}
	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	minRank := levelRank[minLevel]
	return func(event Event) bool {
		return levelRank[event.Level] >= minRank
	}
}

// FilterByType allows events whose type is listed. A type ending in ".*"
// matches every type with that prefix.
func FilterByType(types ...string) EventFilter {
	exact := make(map[string]bool)
	var prefixes []string
	for _, t := range types {
		if strings.HasSuffix(t, ".*") {
			prefixes = append(prefixes, strings.TrimSuffix(t, "*"))
			continue
		}
		exact[t] = true
	}

	return func(event Event) bool {
		if exact[event.Type] {
			return true
		}
		for _, p := range prefixes {
			if strings.HasPrefix(event.Type, p) {
				return true
			}
		}
		return false
	}
}

// FilterByRunID creates a filter that only allows events for a specific run.
func FilterByRunID(runID string) EventFilter {
	return func(event Event) bool {
		return event.RunID == runID
	}
}

// FilterByWorkflow creates a filter that only allows events for one workflow.
func FilterByWorkflow(workflow string) EventFilter {
	return func(event Event) bool {
		return event.Workflow == workflow
	}
}
