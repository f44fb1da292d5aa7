package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"insight-agent/internal/config"
	"insight-agent/internal/observability"
	"insight-agent/internal/sampler"
	"insight-agent/internal/source"
	"insight-agent/internal/store"
	"insight-agent/internal/transport"
	"insight-agent/internal/uploader"
	"insight-agent/internal/version"
	"insight-agent/internal/worker"
)

type Agent struct {
	cfg      config.Config
	logger   *slog.Logger
	queue    *store.Queue
	sampler  *sampler.Sampler
	uploader *uploader.Uploader
	poster   transport.Poster
	runners  []*worker.Runner
	registry *prometheus.Registry
	metrics  *observability.Metrics
	health   *HealthStatus
}

// Options carries collaborators that replace the defaults built from config.
type Options struct {
	Source source.Source
	Poster transport.Poster
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger, opts Options) (*Agent, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(registry)
	health := NewHealthStatus()

	queue, err := store.Open(ctx, store.Config{Path: cfg.SQLitePath, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}

	src := opts.Source
	if src == nil {
		src = source.NewHost(source.HostOptions{DiskPath: cfg.DiskPath, Logger: logger})
	}

	smp, err := sampler.New(ctx, sampler.Config{
		Source:        src,
		Queue:         queue,
		Tags:          cfg.Tags,
		Interval:      cfg.Interval(),
		RetentionDays: cfg.RetentionDays,
		TopN:          cfg.TopProcesses,
		Logger:        logger.With("component", "sampler"),
		Metrics:       metrics,
		Observer:      health.RecordSample,
	})
	if err != nil {
		_ = queue.Close()
		return nil, err
	}

	a := &Agent{
		cfg:      cfg,
		logger:   logger,
		queue:    queue,
		sampler:  smp,
		registry: registry,
		metrics:  metrics,
		health:   health,
	}
	a.runners = append(a.runners, worker.NewRunner("sampler", smp.Run, cfg.StopTimeout, logger))

	if !cfg.UploadEnabled() {
		logger.Info("upload disabled, records stay in the local queue", "enable_http", cfg.EnableHTTP, "transport", cfg.Transport)
		return a, nil
	}

	poster := opts.Poster
	if poster == nil {
		if poster, err = newPoster(cfg, logger); err != nil {
			_ = queue.Close()
			return nil, fmt.Errorf("transport: %w", err)
		}
	}
	up, err := uploader.New(uploader.Config{
		Queue:      queue,
		Poster:     poster,
		Interval:   cfg.UploadInterval,
		BatchLimit: cfg.BatchLimit,
		Logger:     logger.With("component", "uploader"),
		Metrics:    metrics,
		Observer:   health.RecordUpload,
	})
	if err != nil {
		_ = poster.Close()
		_ = queue.Close()
		return nil, err
	}
	a.poster = poster
	a.uploader = up
	a.runners = append(a.runners, worker.NewRunner("uploader", up.Run, cfg.StopTimeout, logger))
	health.SetUploadEnabled(true)
	return a, nil
}

func newPoster(cfg config.Config, logger *slog.Logger) (transport.Poster, error) {
	tlsCfg, err := cfg.TLSConfig()
	if err != nil {
		return nil, fmt.Errorf("tls config: %w", err)
	}
	return transport.New(transport.Options{
		Kind:         transport.Kind(cfg.Transport),
		Endpoint:     cfg.HTTPEndpoint,
		GRPCAddr:     cfg.GRPCAddr,
		GRPCMethod:   cfg.GRPCMethod,
		Token:        cfg.DeviceToken,
		UserAgent:    version.UserAgent(),
		Compress:     cfg.HTTPCompression,
		Timeout:      cfg.RequestTimeout,
		RetryMax:     cfg.RetryMax,
		RetryWaitMin: cfg.RetryWaitMin,
		RetryWaitMax: cfg.RetryWaitMax,
		TLS:          tlsCfg,
		Logger:       logger.With("component", "transport"),
	})
}

func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("starting insight-agent",
		"version", version.Version,
		"hostname", a.sampler.Identity().Hostname,
		"sqlite_path", a.cfg.SQLitePath,
		"upload", a.uploader != nil,
	)
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- a.run(runCtx)
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case runErr = <-runErrCh:
	case sig := <-sigCh:
		a.logger.Info("shutdown signal received, starting graceful shutdown", "signal", sig.String(), "timeout", a.cfg.ShutdownTimeout)
		cancelRun()

		graceTimer := time.NewTimer(a.cfg.ShutdownTimeout)
		defer graceTimer.Stop()

		select {
		case runErr = <-runErrCh:
		case sig2 := <-sigCh:
			a.logger.Warn("second signal received, forcing immediate shutdown", "signal", sig2.String())
			runErr = context.Canceled
		case <-graceTimer.C:
			a.logger.Warn("graceful shutdown timeout reached, forcing shutdown", "timeout", a.cfg.ShutdownTimeout)
			runErr = context.DeadlineExceeded
		}
	}

	a.shutdown()

	if runErr != nil && !errors.Is(runErr, context.Canceled) && !errors.Is(runErr, context.DeadlineExceeded) {
		return runErr
	}
	a.logger.Info("insight-agent stopped")
	return nil
}

func BuildLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	hOpts := &slog.HandlerOptions{Level: level}
	if cfg.LogJSON {
		return slog.New(slog.NewJSONHandler(os.Stdout, hOpts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, hOpts))
}
