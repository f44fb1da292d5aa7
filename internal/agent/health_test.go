package agent

import (
	"errors"
	"testing"
	"time"

	"insight-agent/internal/worker"
)

func TestHealthTracksUploadFailures(t *testing.T) {
	h := NewHealthStatus()
	if !h.Healthy() {
		t.Fatal("fresh status should be healthy")
	}
	for i := 0; i < uploadFailureThreshold; i++ {
		h.RecordUpload(worker.Failed(errors.New("503")))
	}
	if h.Healthy() {
		t.Fatal("repeated upload failures should degrade health")
	}
	h.RecordUpload(worker.Result{Status: worker.StatusOK, Uploaded: 4})
	if !h.Healthy() {
		t.Fatal("a successful upload should restore health")
	}
	snap := h.Snapshot()
	if snap["uploaded_total"] != int64(4) || snap["last_upload_status"] != "ok" {
		t.Fatalf("snapshot = %v", snap)
	}
	if _, ok := snap["last_upload_at"]; !ok {
		t.Fatalf("snapshot missing last_upload_at: %v", snap)
	}
}

func TestHealthSampleStatus(t *testing.T) {
	h := NewHealthStatus()
	h.RecordSample(worker.Result{Status: worker.StatusDegraded})
	if !h.Healthy() {
		t.Fatal("a degraded sample is still healthy")
	}
	h.RecordSample(worker.Failed(errors.New("disk full")))
	if h.Healthy() {
		t.Fatal("a failed sample should report unhealthy")
	}
	if got := h.Snapshot()["last_sample_status"]; got != "failed" {
		t.Fatalf("last_sample_status = %v", got)
	}
}

func TestHealthQueueFields(t *testing.T) {
	h := NewHealthStatus()
	oldest := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	h.SetQueue(12, oldest)
	snap := h.Snapshot()
	got, ok := snap["oldest_queued_at"].(time.Time)
	if snap["queue_depth"] != int64(12) || !ok || !got.Equal(oldest) {
		t.Fatalf("snapshot = %v", snap)
	}
	h.SetQueue(0, time.Time{})
	if _, ok := h.Snapshot()["oldest_queued_at"]; ok {
		t.Fatal("empty queue must not report an oldest record")
	}
}
