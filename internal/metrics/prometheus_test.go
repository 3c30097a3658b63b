package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics

	// None of these may panic
	m.SetActiveSessions(3)
	m.RecordSessionAdmitted()
	m.RecordSessionRejected()
	m.RecordSessionReaped()
	m.RecordSessionClosed(1.5)
	m.RecordFrame(2048)
	m.RecordWindowProduced()
	m.RecordWindowDropped("backpressure")
	m.RecordResultDelivered()
	m.RecordVADWindow(true, 0.001)
	m.SetGatewayQueueDepth(4)
	m.RecordGatewayRejected()
	m.RecordEngineInvocation(false, 0.2)
	m.RecordHTTPRequest("GET", "/status", "200", 0.01)
	m.RecordHTTPError("POST", "/transcribe", "bad_request")
}

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordSessionAdmitted()
	m.RecordSessionAdmitted()
	m.RecordFrame(100)
	m.RecordFrame(50)
	m.RecordEngineInvocation(true, 0.1)
	m.RecordEngineInvocation(false, 0.1)
	m.RecordWindowDropped("silence")

	if got := counterValue(t, m.SessionsAdmitted); got != 2 {
		t.Errorf("SessionsAdmitted = %v, want 2", got)
	}
	if got := counterValue(t, m.BytesReceived); got != 150 {
		t.Errorf("BytesReceived = %v, want 150", got)
	}
	if got := counterValue(t, m.EngineInvocations); got != 2 {
		t.Errorf("EngineInvocations = %v, want 2", got)
	}
	if got := counterValue(t, m.EngineFailures); got != 1 {
		t.Errorf("EngineFailures = %v, want 1", got)
	}
	if got := counterValue(t, m.WindowsDropped.WithLabelValues("silence")); got != 1 {
		t.Errorf("WindowsDropped{silence} = %v, want 1", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	if len(families) == 0 {
		t.Error("expected registered metric families")
	}
}

func TestNewMetricsIsolatedRegistries(t *testing.T) {
	// Two registries must not collide on metric names
	NewMetrics(prometheus.NewRegistry())
	NewMetrics(prometheus.NewRegistry())
}
