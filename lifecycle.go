package maestro

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Canceller is the slice of the executor the lifecycle coordinator
// needs: how much work is in flight, and how to kill it.
type Canceller interface {
	RunningCount() int
	CancelAll() int
}

// Lifecycle coordinates graceful shutdown. It gates new routing work,
// drains in-flight executions for up to a deadline, kills what remains,
// then closes persistence. Shutdown is idempotent.
type Lifecycle struct {
	exec   Canceller
	closer io.Closer
	logger *slog.Logger

	drainTimeout time.Duration
	pollInterval time.Duration

	accepting atomic.Bool
	once      sync.Once
	closeErr  error
}

var _ AcceptingChecker = (*Lifecycle)(nil)

// LifecycleOption configures the Lifecycle.
type LifecycleOption func(*Lifecycle)

// WithLifecycleLogger sets the logger used during shutdown.
func WithLifecycleLogger(logger *slog.Logger) LifecycleOption {
	return func(l *Lifecycle) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithDrainTimeout overrides how long shutdown waits for in-flight
// executions before killing them.
func WithDrainTimeout(d time.Duration) LifecycleOption {
	return func(l *Lifecycle) {
		if d > 0 {
			l.drainTimeout = d
		}
	}
}

// WithDrainPollInterval overrides how often the drain loop re-checks
// the running-execution count.
func WithDrainPollInterval(d time.Duration) LifecycleOption {
	return func(l *Lifecycle) {
		if d > 0 {
			l.pollInterval = d
		}
	}
}

// NewLifecycle creates the coordinator. closer is the persistence
// handle shut last; exec is the executor's cancellation surface.
func NewLifecycle(exec Canceller, closer io.Closer, opts ...LifecycleOption) *Lifecycle {
	l := &Lifecycle{
		exec:         exec,
		closer:       closer,
		logger:       nopLogger,
		drainTimeout: 30 * time.Second,
		pollInterval: time.Second,
	}
	l.accepting.Store(true)
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Accepting reports whether new routing work may start. The trigger
// endpoint consults this through the AcceptingChecker capability.
func (l *Lifecycle) Accepting() bool {
	return l.accepting.Load()
}

// Shutdown drains and stops the process's work. Re-entering while a
// shutdown is already underway waits for the first to finish and
// returns its result.
func (l *Lifecycle) Shutdown(ctx context.Context) error {
	l.once.Do(func() {
		l.accepting.Store(false)
		l.logger.Info("lifecycle: shutdown started", "running_executions", l.exec.RunningCount())

		if !l.drain(ctx) {
			killed := l.exec.CancelAll()
			l.logger.Warn("lifecycle: drain deadline expired, executions killed", "count", killed)
			// Give the kill sequence a moment to reap so finalize
			// writes land before the store closes.
			l.drainFor(ctx, l.pollInterval*2)
		}

		if l.closer != nil {
			l.closeErr = l.closer.Close()
		}
		l.logger.Info("lifecycle: shutdown complete")
	})
	return l.closeErr
}

// drain polls the running-execution count until it reaches zero or the
// drain deadline passes. It reports whether everything drained.
func (l *Lifecycle) drain(ctx context.Context) bool {
	return l.drainFor(ctx, l.drainTimeout)
}

func (l *Lifecycle) drainFor(ctx context.Context, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		n := l.exec.RunningCount()
		if n == 0 {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		l.logger.Info("lifecycle: waiting for executions to drain", "running", n)
		select {
		case <-ctx.Done():
			return l.exec.RunningCount() == 0
		case <-time.After(l.pollInterval):
		}
	}
}
