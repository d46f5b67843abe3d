// Package telemetry provides observability for toolstore: structured logging
// (zerolog), distributed tracing (OpenTelemetry), Prometheus metrics and an
// in-process event bus.
//
// # Usage
//
//	tel, err := telemetry.NewTelemetry(cfg.Telemetry())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// # Logging
//
// Logger wraps zerolog with the field names used across toolstore (component,
// tool, workflow, run_id, caller_id). Packages that take a plain
// zerolog.Logger receive one from Logger.Zerolog.
//
// # Tracing
//
// NewTracer installs the global tracer provider. The engine resolves its
// tracer through otel.Tracer, so spans from plan and workflow execution nest
// under the runtime's tool.invoke and workflow spans. StartOperation wraps
// one-off operations, such as bootstrap, in a span with a matching logger.
// Exporters: otlp (gRPC), stdout (written to stderr) and none.
//
// # Metrics
//
// Metrics satisfies engine.Observer, storage.Observer and policy.Observer
// without importing those packages:
//
//	steps_total{executor,step_type,status}
//	workflow_runs_total{workflow,status}
//	compensations_total{workflow,result}
//	storage_operations_total{collection,operation,status}
//	lock_wait_seconds{collection,acquired}
//	index_persists_total{result}
//	rule_checks_total{tool,result}
//	rule_violations_total{rule_set,code}
//	invocations_total{tool,status}
//
// All names carry the configured namespace prefix (toolstore_ by default).
//
// # Events
//
// EventPublisher delivers events to subscribers synchronously or through a
// bounded buffer drained by one goroutine. Async delivery preserves publish
// order per subscriber; a full buffer drops the event and returns
// ErrBufferFull.
package telemetry
