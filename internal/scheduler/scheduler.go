// Package scheduler drives periodic quota evaluations. Each tick runs one
// independent invocation; a failed tick is logged and counted but never
// retried within the interval — the next tick recomputes the decision from
// scratch, which is safe because evaluation is pure given the same inputs.
package scheduler

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"
)

// Runner is the invocation entry point the scheduler drives.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context) error

func (f RunnerFunc) Run(ctx context.Context) error { return f(ctx) }

// Scheduler invokes the runner every interval until the context ends.
type Scheduler struct {
	runner   Runner
	interval time.Duration
	jitter   time.Duration
	logger   *slog.Logger
}

// New creates a scheduler. A non-zero jitter delays each tick by a random
// duration in [0, jitter), spreading load when several controllers share
// a provider.
func New(runner Runner, interval, jitter time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		runner:   runner,
		interval: interval,
		jitter:   jitter,
		logger:   logger.With("component", "scheduler"),
	}
}

// Start runs the loop until ctx is done. The first evaluation fires
// immediately rather than waiting out the first interval.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("scheduler started", "interval", s.interval, "jitter", s.jitter)

	s.tick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if s.jitter > 0 {
		delay := rand.N(s.jitter)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}

	if err := s.runner.Run(ctx); err != nil {
		// Already classified and counted by the controller; record the
		// tick outcome and move on.
		s.logger.Warn("scheduled evaluation failed", "error", err)
	}
}
