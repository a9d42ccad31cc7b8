// Package scheduler drives periodic cache refreshes.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"schedula/replica/internal/store"
)

// Refresher performs one refresh unless a write is already in progress, in
// which case it reports ran=false.
type Refresher interface {
	TryRefresh(ctx context.Context) (ran bool, err error)
}

type Option func(*Scheduler)

func WithLogger(log *slog.Logger) Option {
	return func(s *Scheduler) { s.log = log }
}

// WithErrorHandler receives refresh failures other than connectivity
// errors, which are only logged.
func WithErrorHandler(fn func(error)) Option {
	return func(s *Scheduler) { s.onError = fn }
}

func WithTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.timeout = d }
}

type Scheduler struct {
	target   Refresher
	interval time.Duration
	log      *slog.Logger
	onError  func(error)
	timeout  time.Duration

	mu     sync.Mutex
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

func New(target Refresher, interval time.Duration, opts ...Option) *Scheduler {
	s := &Scheduler{
		target:   target,
		interval: interval,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(slog.String("component", "refresh_scheduler"))
	return s
}

func (s *Scheduler) Interval() time.Duration { return s.interval }

func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil || s.interval <= 0 {
		return
	}

	logger := cronLogger{log: s.log}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.cron = cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	s.cron.Schedule(cron.Every(s.interval), cron.FuncJob(s.Tick))
	s.cron.Start()
	s.log.Info("refresh scheduler started", slog.Duration("interval", s.interval))
}

// Stop halts future ticks. A tick already running is not waited for; its
// context is cancelled and the resulting failure is logged at debug level.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return
	}
	s.cron.Stop()
	s.cancel()
	s.cron = nil
	s.log.Info("refresh scheduler stopped")
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cron != nil
}

// Tick runs a single refresh attempt.
func (s *Scheduler) Tick() {
	s.mu.Lock()
	base := s.ctx
	s.mu.Unlock()
	if base == nil {
		base = context.Background()
	}
	ctx := base
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	ran, err := s.target.TryRefresh(ctx)
	switch {
	case err == nil && !ran:
		s.log.Debug("refresh skipped", slog.String("reason", "write in progress"))
	case err == nil:
	case base.Err() != nil:
		s.log.Debug("refresh aborted", slog.String("reason", "scheduler stopped"), slog.Any("error", err))
	case store.IsConnectivity(err):
		s.log.Error("periodic refresh could not reach server", slog.Any("error", err))
	default:
		s.log.Error("periodic refresh failed", slog.Any("error", err))
		if s.onError != nil {
			s.onError(err)
		}
	}
}

type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(msg, append(keysAndValues, slog.Any("error", err))...)
}
