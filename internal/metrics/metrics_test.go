package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *Metrics
	m.ObserveTool("weather", "ok", time.Second)
	m.ObserveModel("ok")
	m.ObserveTurn("completed")
	m.IterationLimitHit()
	m.RunStarted()()
}

func TestNewIsShared(t *testing.T) {
	a, b := New(), New()
	if a != b {
		t.Fatal("New should return the process-wide instance")
	}

	before := testutil.ToFloat64(a.ToolCalls.WithLabelValues("weather", "ok"))
	a.ObserveTool("weather", "ok", 10*time.Millisecond)
	if got := testutil.ToFloat64(a.ToolCalls.WithLabelValues("weather", "ok")); got != before+1 {
		t.Errorf("tool counter = %v, want %v", got, before+1)
	}

	done := a.RunStarted()
	if got := testutil.ToFloat64(a.ActiveRuns); got < 1 {
		t.Errorf("active runs = %v, want >= 1", got)
	}
	done()
}
