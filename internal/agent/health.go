package agent

import (
	"sync/atomic"
	"time"

	"insight-agent/internal/worker"
)

// Consecutive failed uploads after which the agent reports itself degraded.
const uploadFailureThreshold = 3

type HealthStatus struct {
	uploadEnabled    atomic.Bool
	lastSampleAt     atomic.Int64
	lastSampleStatus atomic.Int32
	lastUploadAt     atomic.Int64
	lastUploadStatus atomic.Int32
	uploadFailures   atomic.Int64
	uploadedTotal    atomic.Int64
	queueDepth       atomic.Int64
	oldestQueuedAt   atomic.Int64
	now              func() time.Time
}

func NewHealthStatus() *HealthStatus {
	h := &HealthStatus{now: time.Now}
	h.lastSampleStatus.Store(-1)
	h.lastUploadStatus.Store(-1)
	return h
}

func (h *HealthStatus) SetUploadEnabled(ok bool) {
	h.uploadEnabled.Store(ok)
}

func (h *HealthStatus) RecordSample(r worker.Result) {
	h.lastSampleStatus.Store(int32(r.Status))
	if r.Status != worker.StatusFailed {
		h.lastSampleAt.Store(h.now().UnixNano())
	}
}

func (h *HealthStatus) RecordUpload(r worker.Result) {
	h.lastUploadStatus.Store(int32(r.Status))
	switch r.Status {
	case worker.StatusOK:
		h.lastUploadAt.Store(h.now().UnixNano())
		h.uploadFailures.Store(0)
		h.uploadedTotal.Add(int64(r.Uploaded))
	case worker.StatusIdle:
		h.uploadFailures.Store(0)
	case worker.StatusFailed:
		h.uploadFailures.Add(1)
	}
}

func (h *HealthStatus) SetQueue(depth int64, oldest time.Time) {
	h.queueDepth.Store(depth)
	if oldest.IsZero() {
		h.oldestQueuedAt.Store(0)
		return
	}
	h.oldestQueuedAt.Store(oldest.UnixNano())
}

// Healthy is false when the last sample failed or uploads keep failing.
func (h *HealthStatus) Healthy() bool {
	if worker.Status(h.lastSampleStatus.Load()) == worker.StatusFailed {
		return false
	}
	return h.uploadFailures.Load() < uploadFailureThreshold
}

func (h *HealthStatus) Snapshot() map[string]any {
	status := "ok"
	if !h.Healthy() {
		status = "degraded"
	}
	out := map[string]any{
		"status":                  status,
		"upload_enabled":          h.uploadEnabled.Load(),
		"queue_depth":             h.queueDepth.Load(),
		"uploaded_total":          h.uploadedTotal.Load(),
		"consecutive_upload_fail": h.uploadFailures.Load(),
	}
	if v := h.lastSampleStatus.Load(); v >= 0 {
		out["last_sample_status"] = worker.Status(v).String()
	}
	if v := h.lastUploadStatus.Load(); v >= 0 {
		out["last_upload_status"] = worker.Status(v).String()
	}
	if v := h.lastSampleAt.Load(); v > 0 {
		out["last_sample_at"] = time.Unix(0, v).UTC()
	}
	if v := h.lastUploadAt.Load(); v > 0 {
		out["last_upload_at"] = time.Unix(0, v).UTC()
	}
	if v := h.oldestQueuedAt.Load(); v > 0 {
		out["oldest_queued_at"] = time.Unix(0, v).UTC()
	}
	return out
}
