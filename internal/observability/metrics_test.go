package observability

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"insight-agent/internal/worker"
)

func TestMetricsRecordTicks(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ObserveTick("uploader", worker.Result{Status: worker.StatusOK, Uploaded: 3}, 20*time.Millisecond)
	m.ObserveTick("uploader", worker.Failed(errors.New("boom")), time.Millisecond)
	m.ObserveTick("sampler", worker.Result{Status: worker.StatusDegraded}, time.Millisecond)

	if got := testutil.ToFloat64(m.ticks.WithLabelValues("uploader", "ok")); got != 1 {
		t.Fatalf("uploader ok ticks = %f, want 1", got)
	}
	if got := testutil.ToFloat64(m.ticks.WithLabelValues("uploader", "failed")); got != 1 {
		t.Fatalf("uploader failed ticks = %f, want 1", got)
	}
	if got := testutil.ToFloat64(m.uploaded); got != 3 {
		t.Fatalf("uploaded = %f, want 3", got)
	}
	if n := testutil.CollectAndCount(m.tickDuration); n != 2 {
		t.Fatalf("tick duration series = %d, want 2", n)
	}
}

func TestMetricsQueueGauges(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.SetQueue(7, 90*time.Second)
	m.AddPruned(4)
	m.AddPruned(0)

	if got := testutil.ToFloat64(m.queueDepth); got != 7 {
		t.Fatalf("queue depth = %f, want 7", got)
	}
	if got := testutil.ToFloat64(m.oldestAge); got != 90 {
		t.Fatalf("oldest age = %f, want 90", got)
	}
	if got := testutil.ToFloat64(m.pruned); got != 4 {
		t.Fatalf("pruned = %f, want 4", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveTick("sampler", worker.Result{}, time.Second)
	m.AddPruned(1)
	m.SetQueue(1, time.Second)
}
