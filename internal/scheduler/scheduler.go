// Package scheduler fires untenanted synchronization runs on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dhawalhost/dirsync/internal/syncstate"
	"github.com/dhawalhost/dirsync/internal/synchronizer"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Runner executes one synchronization.
type Runner interface {
	Synchronize(ctx context.Context, tenant string) (syncstate.State, error)
}

// Config controls the schedule and the retry policy of each firing.
type Config struct {
	Spec     string
	// Attempts counts every try of a firing, the first one included.
	Attempts int
	Backoff  time.Duration
}

// Scheduler owns the cron loop.
type Scheduler struct {
	runner Runner
	config Config
	logger *zap.Logger
	cron   *cron.Cron
}

// New creates a scheduler. Overlapping firings are skipped.
func New(runner Runner, config Config, logger *zap.Logger) *Scheduler {
	if config.Attempts <= 0 {
		config.Attempts = 1
	}
	cl := cronLogger{logger.Sugar()}
	return &Scheduler{
		runner: runner,
		config: config,
		logger: logger,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}
}

// Start registers the job and starts the loop. Runs inherit ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.config.Spec, func() {
		if _, err := s.RunOnce(ctx); err != nil {
			s.logger.Error("Scheduled synchronization failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", s.config.Spec, err)
	}
	s.cron.Start()
	s.logger.Info("Synchronization scheduled", zap.String("spec", s.config.Spec))
	return nil
}

// Stop halts the loop and waits for a running job to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// RunOnce runs an untenanted synchronization, retrying failed runs with
// exponential backoff. A run rejected because another is in flight, or a
// cancelled run, is not retried.
func (s *Scheduler) RunOnce(ctx context.Context) (syncstate.State, error) {
	b := backoff.NewExponentialBackOff()
	if s.config.Backoff > 0 {
		b.InitialInterval = s.config.Backoff
	}

	attempt := 0
	return backoff.Retry(ctx, func() (syncstate.State, error) {
		attempt++
		state, err := s.runner.Synchronize(ctx, "")
		if errors.Is(err, synchronizer.ErrRunInProgress) || errors.Is(err, synchronizer.ErrCancelled) {
			return state, backoff.Permanent(err)
		}
		return state, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(s.config.Attempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.logger.Warn("Synchronization attempt failed, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("next", next),
				zap.Error(err))
		}),
	)
}

// cronLogger routes cron's own logging through zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
