package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.TaskEnqueued("create_instance")
	m.TaskEnqueued("create_instance")
	m.TaskFailed("delete_instance")
	m.DeleteRetry()
	m.InstanceProvisioned("aws")
	m.ObserveTask("create_instance", 3*time.Second)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	out := string(body)

	for _, want := range []string{
		`fleetforge_tasks_enqueued_total{kind="create_instance"} 2`,
		`fleetforge_tasks_failed_total{kind="delete_instance"} 1`,
		`fleetforge_delete_retries_total 1`,
		`fleetforge_instances_provisioned_total{provider="aws"} 1`,
		`fleetforge_task_duration_seconds_count{kind="create_instance"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.TaskEnqueued("x")
	m.TaskFailed("x")
	m.DeleteRetry()
	m.InstanceProvisioned("x")
	m.ObserveTask("x", time.Second)
	if m.Handler() == nil {
		t.Error("Handler() = nil")
	}
}
