package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"insight-agent/internal/model"
	"insight-agent/internal/version"
)

func (a *Agent) statusHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		code := http.StatusOK
		if !a.health.Healthy() {
			code = http.StatusServiceUnavailable
		}
		snap := a.health.Snapshot()
		snap["workers"] = a.workerStates()
		writeJSON(w, code, snap)
	})
	mux.HandleFunc("GET /queue/recent", a.handleRecent)
	mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, version.Get(a.cfg))
	})
	mux.Handle("GET /metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	return mux
}

func (a *Agent) workerStates() map[string]bool {
	out := make(map[string]bool, len(a.runners))
	for _, r := range a.runners {
		out[r.Name()] = r.Running()
	}
	return out
}

const (
	defaultRecentLimit = 10
	maxRecentLimit     = 100
)

type recentRecord struct {
	ID         int64  `json:"id"`
	Timestamp  string `json:"ts"`
	EnvelopeID string `json:"envelope_id,omitempty"`
	Samples    int    `json:"samples"`
	Processes  bool   `json:"processes"`
	Error      string `json:"error,omitempty"`
}

// handleRecent lists the newest queued envelopes, newest first, without
// removing them.
func (a *Agent) handleRecent(w http.ResponseWriter, r *http.Request) {
	limit := defaultRecentLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxRecentLimit)
	}

	records, err := a.queue.Recent(r.Context(), limit)
	if err != nil {
		a.logger.Warn("recent records failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	out := make([]recentRecord, 0, len(records))
	for _, rec := range records {
		item := recentRecord{ID: rec.ID, Timestamp: rec.Timestamp}
		env, err := model.DecodeEnvelope(rec.Payload)
		if err != nil {
			item.Error = err.Error()
		} else {
			item.EnvelopeID = env.EnvelopeID
			item.Samples = len(env.Samples)
			item.Processes = env.Processes != nil
		}
		out = append(out, item)
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *Agent) runStatusServer(ctx context.Context) error {
	addr := strings.TrimSpace(a.cfg.StatusAddr)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen status endpoint %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           a.statusHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	a.logger.Info("status endpoint listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve status endpoint %s: %w", addr, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
