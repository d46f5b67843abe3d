package runtime

import (
	"context"

	"github.com/openfroyo/toolstore/pkg/engine"
	"github.com/openfroyo/toolstore/pkg/telemetry"
)

// EventBridge forwards saga executor events to a telemetry.EventPublisher.
type EventBridge struct {
	events *telemetry.EventPublisher
}

var _ engine.EventPublisher = (*EventBridge)(nil)

// NewEventBridge wraps p.
func NewEventBridge(p *telemetry.EventPublisher) *EventBridge {
	return &EventBridge{events: p}
}

// Publish implements engine.EventPublisher.
func (b *EventBridge) Publish(_ context.Context, e *engine.Event) error {
	if b.events == nil || e == nil {
		return nil
	}
	data := make(map[string]interface{}, len(e.Data)+1)
	for k, v := range e.Data {
		data[k] = v
	}
	if e.StepIndex >= 0 {
		data["step_index"] = e.StepIndex
	}
	return b.events.Publish(telemetry.Event{
		Timestamp: e.Timestamp,
		Type:      e.Type,
		Source:    "saga",
		RunID:     e.RunID,
		Workflow:  e.Workflow,
		Message:   e.Message,
		Level:     e.Level,
		Data:      data,
	})
}
