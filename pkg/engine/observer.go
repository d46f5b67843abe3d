package engine

import (
	"time"

	"go.opentelemetry.io/otel"
)

// tracer is resolved from the global provider, which telemetry.NewTracer installs.
var tracer = otel.Tracer("github.com/openfroyo/toolstore/pkg/engine")

// Observer receives execution measurements. telemetry.Metrics satisfies it.
type Observer interface {
	ObserveStep(executor, stepType, status string, duration time.Duration)
	ObserveWorkflowRun(workflow, status string, duration time.Duration)
	ObserveCompensation(workflow string, success bool)
}

type nopObserver struct{}

func (nopObserver) ObserveStep(string, string, string, time.Duration) {}
func (nopObserver) ObserveWorkflowRun(string, string, time.Duration) {}
func (nopObserver) ObserveCompensation(string, bool) {}
