package tuya

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	m.connectAttempt("d", true)
	m.connectionUp("d", true)
	m.command("d", nil, time.Millisecond)
	m.decodeAnomaly("d")
	m.bootstrap(PhaseReady)
}

func TestMetrics_Recorded(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.connectAttempt("plug1", false)
	m.connectAttempt("plug1", true)
	m.connectionUp("plug1", true)
	m.command("plug1", errors.New("reset"), 5*time.Millisecond)
	m.decodeAnomaly("plug1")
	m.bootstrap(PhaseNeedsConfiguration)

	if got := testutil.ToFloat64(m.ConnectAttempts.WithLabelValues("plug1", "failed")); got != 1 {
		t.Errorf("failed connect attempts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ConnectionUp.WithLabelValues("plug1")); got != 1 {
		t.Errorf("connection up = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Commands.WithLabelValues("plug1", "failed")); got != 1 {
		t.Errorf("failed commands = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.DecodeAnomalies.WithLabelValues("plug1")); got != 1 {
		t.Errorf("decode anomalies = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Bootstraps.WithLabelValues(string(PhaseNeedsConfiguration))); got != 1 {
		t.Errorf("bootstraps = %v, want 1", got)
	}
}

func TestMetrics_TelemetryAnomalyCounted(t *testing.T) {
	m := NewMetrics(nil)
	ts := NewTelemetrySync("plug1", newRecordingSink(), plugSnapshot)
	ts.SetMetrics(m)

	ts.Apply(context.Background(), DataPoints{2: "bright"})

	if got := testutil.ToFloat64(m.DecodeAnomalies.WithLabelValues("plug1")); got != 1 {
		t.Errorf("decode anomalies = %v, want 1", got)
	}
}
