package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	ErrAlreadyRunning = errors.New("worker already running")
	ErrStopTimeout    = errors.New("worker did not stop within timeout")
)

const DefaultStopTimeout = 2 * time.Second

// Runner drives one loop goroutine through Stopped -> Running -> Stopped.
type Runner struct {
	name        string
	loop        func(context.Context)
	stopTimeout time.Duration
	logger      *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRunner(name string, loop func(context.Context), stopTimeout time.Duration, logger *slog.Logger) *Runner {
	if stopTimeout <= 0 {
		stopTimeout = DefaultStopTimeout
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Runner{name: name, loop: loop, stopTimeout: stopTimeout, logger: logger}
}

func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil {
		select {
		case <-r.done:
		default:
			return ErrAlreadyRunning
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.cancel = cancel
	r.done = done

	go func() {
		defer close(done)
		r.loop(loopCtx)
	}()
	r.logger.Debug("worker started", "worker", r.name)
	return nil
}

func (r *Runner) Name() string {
	return r.name
}

// Stop cancels the loop and waits for it up to the stop timeout. The in-flight
// tick is not interrupted; the loop exits at its next sleep boundary. After a
// timeout the runner stays busy until the old goroutine exits, so Start keeps
// returning ErrAlreadyRunning and two loops never overlap.
func (r *Runner) Stop() error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel = nil
	r.mu.Unlock()

	if done == nil {
		return nil
	}
	if cancel != nil {
		cancel()
	}

	t := time.NewTimer(r.stopTimeout)
	defer t.Stop()
	select {
	case <-done:
		r.logger.Debug("worker stopped", "worker", r.name)
		return nil
	case <-t.C:
		r.logger.Warn("worker stop timed out", "worker", r.name, "timeout", r.stopTimeout)
		return ErrStopTimeout
	}
}

// Running reports whether the loop goroutine is still alive, including a loop
// that is finishing its last tick after Stop.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done == nil {
		return false
	}
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

// Every calls fn immediately and then again interval after each call returns,
// until ctx is done. Cancellation is observed between calls only: fn runs under
// a context that keeps ctx's values but not its cancellation, so a tick that
// has started is allowed to finish.
func Every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	if ctx.Err() != nil {
		return
	}
	tickCtx := context.WithoutCancel(ctx)
	fn(tickCtx)

	t := time.NewTimer(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if ctx.Err() != nil {
				return
			}
			fn(tickCtx)
			t.Reset(interval)
		}
	}
}
