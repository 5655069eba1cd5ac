// Package schedule runs the periodic background jobs on robfig/cron.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

var ErrUnknownJob = errors.New("unknown job")

// JobFunc is one run of a periodic job.
type JobFunc func(ctx context.Context) error

type job struct {
	name string
	spec string
	fn   JobFunc
}

// Service owns a cron instance and the jobs registered on it.
type Service struct {
	cron    *cron.Cron
	jobs    map[string]job
	order   []string
	timeout time.Duration
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	logger  *slog.Logger
}

// NewService builds a Service. timeout bounds each job run; zero means no bound.
func NewService(log *slog.Logger, timeout time.Duration) *Service {
	logger := log.With(slog.String("service", "schedule"))
	return &Service{
		cron:    cron.New(cron.WithLogger(cronLogger{logger}), cron.WithChain(cron.SkipIfStillRunning(cronLogger{logger}))),
		jobs:    make(map[string]job),
		timeout: timeout,
		logger:  logger,
	}
}

// Register adds a job. An empty spec registers a job that only runs through Trigger.
func (s *Service) Register(name, spec string, fn JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[name]; dup {
		return fmt.Errorf("job %s already registered", name)
	}
	j := job{name: name, spec: spec, fn: fn}
	if spec != "" {
		if _, err := s.cron.AddFunc(spec, func() { s.run(s.baseContext(), j) }); err != nil {
			return fmt.Errorf("schedule %s (%q): %w", name, spec, err)
		}
	}
	s.jobs[name] = j
	s.order = append(s.order, name)
	return nil
}

// Bootstrap starts the cron loop. ctx is used detached from its cancellation.
func (s *Service) Bootstrap(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.started = true
	s.cron.Start()
	s.logger.Info("schedule started", slog.Int("jobs", len(s.jobs)))
	return nil
}

// Trigger runs a registered job now, synchronously.
func (s *Service) Trigger(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.run(ctx, j)
}

// Jobs lists registered job names in registration order.
func (s *Service) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// Stop stops scheduling and waits for running jobs until ctx is done.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	done := s.cron.Stop()
	select {
	case <-done.Done():
		cancel()
		return nil
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
}

func (s *Service) baseContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

func (s *Service) run(ctx context.Context, j job) (err error) {
	log := s.logger.With(slog.String("job", j.name))
	defer func() {
		if r := recover(); r != nil {
			log.Error("job panic", slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
			err = fmt.Errorf("job %s panicked: %v", j.name, r)
		}
	}()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	started := time.Now()
	if err = j.fn(ctx); err != nil {
		log.Error("job failed", slog.Any("error", err))
		return err
	}
	log.Debug("job finished", slog.Duration("took", time.Since(started)))
	return nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error(msg, append([]any{slog.Any("error", err)}, keysAndValues...)...)
}
