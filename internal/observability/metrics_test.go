package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRegisterAndCount(t *testing.T) {
	m := NewMetrics()
	m.MessagesReceived.WithLabelValues("telegram", "text").Inc()
	m.MessagesReceived.WithLabelValues("telegram", "text").Inc()
	if got := testutil.ToFloat64(m.MessagesReceived.WithLabelValues("telegram", "text")); got != 2 {
		t.Errorf("MessagesReceived = %v, want 2", got)
	}
	m.ActiveSessions.Set(3)
	if got := testutil.ToFloat64(m.ActiveSessions); got != 3 {
		t.Errorf("ActiveSessions = %v, want 3", got)
	}
}

func TestTwoInstancesIndependent(t *testing.T) {
	a, b := NewMetrics(), NewMetrics()
	a.CronTicks.Inc()
	if got := testutil.ToFloat64(b.CronTicks); got != 0 {
		t.Errorf("registries leaked: %v", got)
	}
}
