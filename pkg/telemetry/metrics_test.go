package telemetry

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	cfg := DefaultConfig().Metrics
	cfg.Enabled = true
	m, err := NewMetrics(cfg)
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	return m
}

func TestMetricsObservers(t *testing.T) {
	m := newTestMetrics(t)

	m.ObserveStep("plan", "db_write", "success", 2*time.Millisecond)
	m.ObserveStep("plan", "db_write", "success", time.Millisecond)
	m.ObserveStep("saga", "wait", "failure", time.Millisecond)
	m.ObserveWorkflowRun("checkout", "compensated", time.Second)
	m.ObserveCompensation("checkout", true)
	m.ObserveCompensation("checkout", false)
	m.ObserveStorageOp("tasks", "create", "success", time.Millisecond)
	m.ObserveLockWait("tasks", 5*time.Millisecond, false)
	m.ObserveIndexPersist(true, time.Millisecond)
	m.ObserveRuleCheck("tasks.delete", true, time.Millisecond)
	m.ObserveRuleViolation("task-owner", "forbidden")
	m.RecordError("forbidden")
	m.RecordError("")

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"plan db_write steps", testutil.ToFloat64(m.steps.WithLabelValues("plan", "db_write", "success")), 2},
		{"saga failed steps", testutil.ToFloat64(m.steps.WithLabelValues("saga", "wait", "failure")), 1},
		{"workflow runs", testutil.ToFloat64(m.workflowRuns.WithLabelValues("checkout", "compensated")), 1},
		{"compensation successes", testutil.ToFloat64(m.compensations.WithLabelValues("checkout", "success")), 1},
		{"compensation failures", testutil.ToFloat64(m.compensations.WithLabelValues("checkout", "failure")), 1},
		{"storage ops", testutil.ToFloat64(m.storageOps.WithLabelValues("tasks", "create", "success")), 1},
		{"index persists", testutil.ToFloat64(m.indexPersists.WithLabelValues("success")), 1},
		{"rule checks", testutil.ToFloat64(m.ruleChecks.WithLabelValues("tasks.delete", "violated")), 1},
		{"rule violations", testutil.ToFloat64(m.ruleViolations.WithLabelValues("task-owner", "forbidden")), 1},
		{"errors by code", testutil.ToFloat64(m.errorsByCode.WithLabelValues("forbidden")), 1},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}

	if n := testutil.CollectAndCount(m.lockWait); n != 1 {
		t.Errorf("lock wait series = %d, want 1", n)
	}
	if n := testutil.CollectAndCount(m.errorsByCode); n != 1 {
		t.Errorf("an empty error code must not be recorded, got %d series", n)
	}
}

func TestMetricsInvocations(t *testing.T) {
	m := newTestMetrics(t)

	m.InvocationStarted()
	m.InvocationStarted()
	m.InvocationFinished("tasks.create", "completed", time.Millisecond)

	if got := testutil.ToFloat64(m.activeInvocations); got != 1 {
		t.Errorf("active invocations = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.invocations.WithLabelValues("tasks.create", "completed")); got != 1 {
		t.Errorf("invocations = %v, want 1", got)
	}
}

func TestMetricsDisabled(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatal(err)
	}
	m.ObserveStep("plan", "validate", "success", time.Millisecond)
	m.ObserveLockWait("tasks", time.Millisecond, true)
	m.InvocationStarted()
	m.RecordError("x")
	if m.Registry() != nil {
		t.Error("disabled metrics must not expose a registry")
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Errorf("disabled handler status = %d, want 404", rec.Code)
	}

	var nilMetrics *Metrics
	nilMetrics.ObserveRuleCheck("x", false, 0)
}

func TestMetricsHandler(t *testing.T) {
	m := newTestMetrics(t)
	m.ObserveStorageOp("tasks", "read", "success", time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "toolstore_storage_operations_total") {
		t.Error("expected namespaced storage metric in exposition")
	}
}
