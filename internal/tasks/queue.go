// Package tasks runs background work on a bounded worker pool.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

const (
	DefaultWorkers   = 4
	DefaultQueueSize = 256
)

var (
	ErrQueueFull   = errors.New("task queue full")
	ErrQueueClosed = errors.New("task queue closed")
)

// Func is a unit of background work. The context is cancelled on shutdown.
type Func func(ctx context.Context) error

// Submitter is satisfied by *Queue and Inline.
type Submitter interface {
	Submit(name string, fn Func) error
}

type task struct {
	name string
	fn   Func
}

// Queue is a fixed pool of workers reading from a buffered channel.
type Queue struct {
	workers int
	queue   chan task
	once    sync.Once
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *slog.Logger
}

func NewQueue(log *slog.Logger, workers, size int) *Queue {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Queue{
		workers: workers,
		queue:   make(chan task, size),
		logger:  log.With(slog.String("service", "tasks")),
	}
}

// Start launches the workers once. Work submitted before Start waits in the buffer.
func (q *Queue) Start(ctx context.Context) {
	q.once.Do(func() {
		q.ctx, q.cancel = context.WithCancel(context.WithoutCancel(ctx))
		for i := 0; i < q.workers; i++ {
			q.wg.Add(1)
			go q.work()
		}
		q.logger.Info("task workers started", slog.Int("workers", q.workers))
	})
}

// Submit enqueues fn without blocking.
func (q *Queue) Submit(name string, fn Func) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.queue <- task{name: name, fn: fn}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop drains queued work, waiting until ctx is done. Remaining work is cancelled after that.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.queue)
	q.mu.Unlock()

	if q.cancel == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		return fmt.Errorf("stop task queue: %w", ctx.Err())
	}
}

func (q *Queue) work() {
	defer q.wg.Done()
	for t := range q.queue {
		run(q.ctx, q.logger, t)
	}
}

// Inline runs each submitted task synchronously. Used in tests and as the overflow path.
type Inline struct {
	Ctx    context.Context
	Logger *slog.Logger
}

func (i Inline) Submit(name string, fn Func) error {
	ctx := i.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	log := i.Logger
	if log == nil {
		log = slog.Default()
	}
	run(ctx, log, task{name: name, fn: fn})
	return nil
}

func run(ctx context.Context, log *slog.Logger, t task) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("task panic",
				slog.String("task", t.name),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()
	if err := t.fn(ctx); err != nil {
		log.Error("task failed", slog.String("task", t.name), slog.Any("error", err))
	}
}
