package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"insight-agent/internal/model"
)

func (a *Agent) run(ctx context.Context) error {
	for _, r := range a.runners {
		if err := r.Start(ctx); err != nil {
			return fmt.Errorf("start worker: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.runHealthLoop(gctx)
	})
	if strings.TrimSpace(a.cfg.StatusAddr) != "" {
		g.Go(func() error {
			return a.runStatusServer(gctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (a *Agent) runHealthLoop(ctx context.Context) error {
	a.refreshQueueStats(ctx)

	t := time.NewTicker(a.cfg.HealthInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			a.refreshQueueStats(ctx)
			a.logger.Debug("agent health", "snapshot", a.health.Snapshot())
		}
	}
}

func (a *Agent) refreshQueueStats(ctx context.Context) {
	st, err := a.queue.Stats(ctx)
	if err != nil {
		if ctx.Err() == nil {
			a.logger.Warn("queue stats failed", "error", err)
		}
		return
	}
	var oldest time.Time
	var age time.Duration
	if st.Oldest != "" {
		if ts, err := model.ParseTimestamp(st.Oldest); err == nil {
			oldest = ts
			age = time.Since(ts)
		}
	}
	a.health.SetQueue(st.Depth, oldest)
	a.metrics.SetQueue(st.Depth, age)
}

// shutdown stops the loops before releasing the transport and the queue.
func (a *Agent) shutdown() {
	for i := len(a.runners) - 1; i >= 0; i-- {
		if err := a.runners[i].Stop(); err != nil {
			a.logger.Warn("worker stop failed", "error", err)
		}
	}
	if a.poster != nil {
		if err := a.poster.Close(); err != nil {
			a.logger.Warn("transport close failed", "error", err)
		}
	}
	if err := a.queue.Close(); err != nil {
		a.logger.Warn("queue close failed", "error", err)
	}
}
