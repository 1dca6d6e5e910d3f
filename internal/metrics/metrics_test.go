package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func getGaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	g.Write(m)
	return m.GetGauge().GetValue()
}

func getCounterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	c.Write(m)
	return m.GetCounter().GetValue()
}

func TestConnectionsActiveGauge(t *testing.T) {
	c := New()
	c.ConnectionOpened()
	c.ConnectionOpened()
	c.ConnectionClosed()

	if v := getGaugeValue(c.connectionsActive); v != 1 {
		t.Errorf("expected 1 active connection, got %v", v)
	}
}

func TestSetBackendActive(t *testing.T) {
	c := New()
	c.SetBackendActive("shard-a", true)
	if v := getGaugeValue(c.backendsActive.WithLabelValues("shard-a")); v != 1 {
		t.Errorf("expected shard-a active=1, got %v", v)
	}
	c.SetBackendActive("shard-a", false)
	if v := getGaugeValue(c.backendsActive.WithLabelValues("shard-a")); v != 0 {
		t.Errorf("expected shard-a active=0, got %v", v)
	}
}

func TestCommandAppendedLabelsByOpcode(t *testing.T) {
	c := New()
	c.CommandAppended(0x03) // COM_QUERY
	c.CommandAppended(0x03)
	c.CommandAppended(0x02) // COM_INIT_DB

	if v := getCounterValue(c.sclCommandsTotal.WithLabelValues("COM_QUERY")); v != 2 {
		t.Errorf("expected COM_QUERY=2, got %v", v)
	}
	if v := getCounterValue(c.sclCommandsTotal.WithLabelValues("COM_INIT_DB")); v != 1 {
		t.Errorf("expected COM_INIT_DB=1, got %v", v)
	}
}

func TestSessionPoisoned(t *testing.T) {
	c := New()
	c.SessionPoisoned()
	c.SessionPoisoned()

	if v := getCounterValue(c.sclPoisonedSessionsTotal); v != 2 {
		t.Errorf("expected poisoned=2, got %v", v)
	}
}

func TestReplayCompletedObservesHistogram(t *testing.T) {
	c := New()
	c.ReplayCompleted("shard-a", 5*time.Millisecond)
	c.ReplayCompleted("shard-a", 10*time.Millisecond)

	families, err := c.Registry.Gather()
	if err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, f := range families {
		if f.GetName() == "mxgateway_scl_replay_duration_seconds" {
			found = true
			m := f.GetMetric()
			if len(m) == 0 || m[0].GetHistogram().GetSampleCount() != 2 {
				t.Errorf("expected 2 replay duration samples, got metrics=%v", m)
			}
		}
	}
	if !found {
		t.Error("replay duration metric not found")
	}
}

func TestCanonicalReplyForwarded(t *testing.T) {
	c := New()
	c.CanonicalReplyForwarded("OK")
	c.CanonicalReplyForwarded("OK")
	c.CanonicalReplyForwarded("ERR")

	if v := getCounterValue(c.sclCanonicalReplyTotal.WithLabelValues("OK")); v != 2 {
		t.Errorf("expected OK=2, got %v", v)
	}
	if v := getCounterValue(c.sclCanonicalReplyTotal.WithLabelValues("ERR")); v != 1 {
		t.Errorf("expected ERR=1, got %v", v)
	}
}

func TestAuthAttempt(t *testing.T) {
	c := New()
	c.AuthAttempt("ok")
	c.AuthAttempt("denied")
	c.AuthAttempt("denied")

	if v := getCounterValue(c.authTotal.WithLabelValues("ok")); v != 1 {
		t.Errorf("expected ok=1, got %v", v)
	}
	if v := getCounterValue(c.authTotal.WithLabelValues("denied")); v != 2 {
		t.Errorf("expected denied=2, got %v", v)
	}
}

func TestNewDoesNotPanicOnMultipleCalls(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("New() panicked on repeated calls: %v", r)
		}
	}()

	c1 := New()
	c2 := New()
	c1.ConnectionOpened()
	c2.ConnectionOpened()
	c2.ConnectionOpened()

	if v := getGaugeValue(c1.connectionsActive); v != 1 {
		t.Errorf("c1 expected active=1, got %v", v)
	}
	if v := getGaugeValue(c2.connectionsActive); v != 2 {
		t.Errorf("c2 expected active=2, got %v", v)
	}
}
