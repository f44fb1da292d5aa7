package uploader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"insight-agent/internal/model"
	"insight-agent/internal/observability"
	"insight-agent/internal/transport"
	"insight-agent/internal/worker"
)

const (
	DefaultInterval   = 10 * time.Second
	DefaultBatchLimit = 200
)

// Queue is the subset of the durable queue the uploader consumes.
type Queue interface {
	Drain(ctx context.Context, limit int) ([]model.Record, error)
	DeleteByIDs(ctx context.Context, ids []int64) (int64, error)
}

type Config struct {
	Queue      Queue
	Poster     transport.Poster
	Interval   time.Duration
	BatchLimit int
	Logger     *slog.Logger
	Metrics    *observability.Metrics
	Observer   worker.Observer
}

// Uploader moves queued records to the collector. A record leaves the queue
// only after the collector acknowledged the batch containing it.
type Uploader struct {
	queue      Queue
	poster     transport.Poster
	interval   time.Duration
	batchLimit int
	logger     *slog.Logger
	metrics    *observability.Metrics
	observer   worker.Observer
}

func New(cfg Config) (*Uploader, error) {
	if cfg.Queue == nil {
		return nil, errors.New("uploader: queue is required")
	}
	if cfg.Poster == nil {
		return nil, errors.New("uploader: poster is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = DefaultBatchLimit
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Uploader{
		queue:      cfg.Queue,
		poster:     cfg.Poster,
		interval:   cfg.Interval,
		batchLimit: cfg.BatchLimit,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		observer:   cfg.Observer,
	}, nil
}

func (u *Uploader) Run(ctx context.Context) {
	u.logger.Info("uploader started", "interval", u.interval, "batch_limit", u.batchLimit)
	worker.Every(ctx, u.interval, func(tickCtx context.Context) {
		start := time.Now()
		r := u.Tick(tickCtx)
		u.metrics.ObserveTick("uploader", r, time.Since(start))
		u.observer.Notify(r)
		switch r.Status {
		case worker.StatusOK:
			u.logger.Info("uploader tick", r.LogAttrs()...)
		case worker.StatusIdle:
			u.logger.Debug("uploader tick", r.LogAttrs()...)
		default:
			if ctx.Err() != nil {
				return
			}
			u.logger.Warn("uploader tick", append(r.LogAttrs(), "transient", transport.IsTransient(r.Err))...)
		}
	})
	u.logger.Info("uploader stopped")
}

// Tick posts the oldest batch and deletes exactly the posted ids on success.
func (u *Uploader) Tick(ctx context.Context) worker.Result {
	records, err := u.queue.Drain(ctx, u.batchLimit)
	if err != nil {
		return worker.Failed(fmt.Errorf("drain: %w", err))
	}
	if len(records) == 0 {
		return worker.Result{Status: worker.StatusIdle}
	}

	ids := make([]int64, 0, len(records))
	payloads := make([][]byte, 0, len(records))
	for _, rec := range records {
		ids = append(ids, rec.ID)
		payloads = append(payloads, rec.Payload)
	}

	if err := u.poster.PostBatch(ctx, payloads); err != nil {
		return worker.Failed(fmt.Errorf("post batch of %d: %w", len(ids), err))
	}

	// The collector has acknowledged the batch, so the delete runs even if ctx
	// was cancelled meanwhile. A delete failure means the batch is posted again
	// next tick; the collector dedupes on envelope_id.
	if _, err := u.queue.DeleteByIDs(context.WithoutCancel(ctx), ids); err != nil {
		return worker.Failed(fmt.Errorf("delete %d acknowledged records: %w", len(ids), err))
	}
	return worker.Result{Status: worker.StatusOK, Uploaded: len(ids)}
}
