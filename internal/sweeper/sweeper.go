// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Porybox Contributors

// Package sweeper periodically purges expired sessions.
package sweeper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/samber/oops"

	"github.com/porybox/identity/pkg/errutil"
)

// SessionSweeper removes expired sessions and reports how many it removed.
// auth.SessionManager satisfies it.
type SessionSweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

// Recorder is notified of every successful sweep.
type Recorder interface {
	RecordSessionsSwept(n int64)
}

// DefaultTimeout bounds a single sweep.
const DefaultTimeout = time.Minute

// Sweeper runs SessionSweeper.Sweep on a cron schedule. Overlapping runs
// are skipped.
type Sweeper struct {
	cron     *cron.Cron
	sessions SessionSweeper
	recorder Recorder
	logger   *slog.Logger
	timeout  time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sweeper) {
		s.logger = logger
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(recorder Recorder) Option {
	return func(s *Sweeper) {
		s.recorder = recorder
	}
}

// WithTimeout bounds each sweep.
func WithTimeout(timeout time.Duration) Option {
	return func(s *Sweeper) {
		s.timeout = timeout
	}
}

// New creates a Sweeper for a standard cron spec ("*/5 * * * *",
// "@every 10m", "@hourly").
func New(spec string, sessions SessionSweeper, opts ...Option) (*Sweeper, error) {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, oops.Code("SWEEPER_INVALID_SCHEDULE").With("spec", spec).Wrap(err)
	}
	return NewWithSchedule(schedule, sessions, opts...)
}

// NewWithSchedule creates a Sweeper driven by schedule.
func NewWithSchedule(schedule cron.Schedule, sessions SessionSweeper, opts ...Option) (*Sweeper, error) {
	if schedule == nil {
		return nil, oops.Code("SWEEPER_INVALID_SCHEDULE").Errorf("schedule is required")
	}
	if sessions == nil {
		return nil, oops.Code("SWEEPER_INVALID").Errorf("session sweeper is required")
	}

	s := &Sweeper{
		sessions: sessions,
		logger:   slog.Default(),
		timeout:  DefaultTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		return nil, oops.Code("SWEEPER_INVALID").Errorf("logger cannot be nil")
	}
	if s.timeout <= 0 {
		return nil, oops.Code("SWEEPER_INVALID").With("timeout", s.timeout).Errorf("timeout must be positive")
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())

	cronLogger := cronLogger{logger: s.logger}
	s.cron = cron.New(
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	s.cron.Schedule(schedule, cron.FuncJob(s.run))
	return s, nil
}

// Start begins scheduling sweeps. Starting twice is a no-op.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
	s.logger.Info("session sweeper started")
}

// Stop halts scheduling, cancels a running sweep and waits for it to return
// or for ctx to expire.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		s.cancel()
		return nil
	}
	s.started = false
	s.mu.Unlock()

	done := s.cron.Stop()
	s.cancel()

	select {
	case <-done.Done():
		s.logger.Info("session sweeper stopped")
		return nil
	case <-ctx.Done():
		return oops.Code("SWEEPER_STOP_TIMEOUT").Wrap(ctx.Err())
	}
}

// RunOnce performs a single sweep immediately.
func (s *Sweeper) RunOnce(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	n, err := s.sessions.Sweep(ctx)
	if err != nil {
		return 0, err
	}
	if s.recorder != nil {
		s.recorder.RecordSessionsSwept(n)
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "expired sessions removed", "count", n)
	}
	return n, nil
}

func (s *Sweeper) run() {
	if s.ctx.Err() != nil {
		return
	}
	if _, err := s.RunOnce(s.ctx); err != nil {
		errutil.LogErrorContext(s.ctx, s.logger, "session sweep failed", err)
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
