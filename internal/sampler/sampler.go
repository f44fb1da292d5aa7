package sampler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"insight-agent/internal/model"
	"insight-agent/internal/observability"
	"insight-agent/internal/source"
	"insight-agent/internal/worker"
)

const (
	DefaultInterval      = 30 * time.Second
	DefaultRetentionDays = 14
	DefaultTopN          = 8
)

// Queue is the subset of the durable queue the sampler writes to.
type Queue interface {
	Append(ctx context.Context, ts time.Time, payload []byte) (int64, error)
	Prune(ctx context.Context, retentionDays int) (int64, error)
}

type Config struct {
	Source        source.Source
	Queue         Queue
	Tags          map[string]string
	Interval      time.Duration
	RetentionDays int
	TopN          int
	Logger        *slog.Logger
	Metrics       *observability.Metrics
	Observer      worker.Observer
	Now           func() time.Time
}

type Sampler struct {
	source    source.Source
	queue     Queue
	identity  model.DeviceIdentity
	tags      map[string]string
	interval  time.Duration
	retention int
	topN      int
	logger    *slog.Logger
	metrics   *observability.Metrics
	observer  worker.Observer
	now       func() time.Time
}

// New captures the device identity once; it is reused for every envelope.
func New(ctx context.Context, cfg Config) (*Sampler, error) {
	if cfg.Source == nil {
		return nil, errors.New("sampler: source is required")
	}
	if cfg.Queue == nil {
		return nil, errors.New("sampler: queue is required")
	}
	if cfg.RetentionDays < 0 {
		return nil, fmt.Errorf("sampler: retention days must be >= 0, got %d", cfg.RetentionDays)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.TopN <= 0 {
		cfg.TopN = DefaultTopN
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	tags := make(map[string]string, len(cfg.Tags))
	for k, v := range cfg.Tags {
		tags[k] = v
	}

	return &Sampler{
		source:    cfg.Source,
		queue:     cfg.Queue,
		identity:  cfg.Source.Identity(ctx),
		tags:      tags,
		interval:  cfg.Interval,
		retention: cfg.RetentionDays,
		topN:      cfg.TopN,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		observer:  cfg.Observer,
		now:       cfg.Now,
	}, nil
}

func (s *Sampler) Identity() model.DeviceIdentity {
	return s.identity
}

func (s *Sampler) Run(ctx context.Context) {
	s.logger.Info("sampler started", "interval", s.interval, "retention_days", s.retention, "top_n", s.topN)
	worker.Every(ctx, s.interval, func(ctx context.Context) {
		start := time.Now()
		r := s.Tick(ctx)
		s.metrics.ObserveTick("sampler", r, time.Since(start))
		s.observer.Notify(r)
		switch r.Status {
		case worker.StatusOK:
			s.logger.Debug("sampler tick", r.LogAttrs()...)
		default:
			s.logger.Warn("sampler tick", r.LogAttrs()...)
		}
	})
	s.logger.Info("sampler stopped")
}

// Tick takes one sample, appends it to the queue and applies retention.
func (s *Sampler) Tick(ctx context.Context) worker.Result {
	var degraded []error

	reading, err := s.source.Resources(ctx)
	if err != nil {
		degraded = append(degraded, err)
	}
	sample := model.ResourceSample{
		Timestamp:     s.now().UTC(),
		CPUPercent:    reading.CPUPercent,
		MemPercent:    reading.MemPercent,
		DiskUsedGB:    reading.DiskUsedGB,
		DiskTotalGB:   reading.DiskTotalGB,
		UptimeSeconds: reading.UptimeSeconds,
	}

	tp, err := s.source.NetworkThroughput(ctx)
	if err != nil {
		degraded = append(degraded,
			&source.FieldError{Field: "net_tx_kbps", Err: err},
			&source.FieldError{Field: "net_rx_kbps", Err: err},
		)
		tp = model.Throughput{}
	}
	sample.NetTxKbps = &tp.TxKbps
	sample.NetRxKbps = &tp.RxKbps

	procs, err := s.source.ProcessSnapshot(ctx, s.topN)
	if err != nil {
		degraded = append(degraded, &source.FieldError{Field: "processes", Err: err})
		procs = nil
	}

	env := model.NewEnvelope(s.identity, []model.ResourceSample{sample}, procs, s.tags)
	payload, err := env.Encode()
	if err != nil {
		return worker.Failed(fmt.Errorf("encode envelope: %w", err))
	}

	id, err := s.queue.Append(ctx, sample.Timestamp, payload)
	if err != nil {
		return worker.Failed(fmt.Errorf("append envelope: %w", err))
	}

	pruned, err := s.queue.Prune(ctx, s.retention)
	if err != nil {
		degraded = append(degraded, fmt.Errorf("prune: %w", err))
	} else {
		s.metrics.AddPruned(pruned)
		if pruned > 0 {
			s.logger.Debug("pruned expired records", "count", pruned, "retention_days", s.retention)
		}
	}

	r := worker.Result{Status: worker.StatusOK, RecordID: id}
	if len(degraded) > 0 {
		r.Status = worker.StatusDegraded
		r.Err = errors.Join(degraded...)
		r.Fields = source.FailedFields(r.Err)
	}
	return r
}
