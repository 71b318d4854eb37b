package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Attempter runs a single processing attempt for a task
type Attempter interface {
	Attempt(ctx context.Context, id Handle) error
}

// Queue is a bounded in-process task queue drained by a fixed worker pool.
// Transient failures are retried with exponential backoff up to maxAttempts.
type Queue struct {
	proc        Attempter
	tracker     *Tracker
	metrics     *Metrics
	workers     int
	maxAttempts int
	backoff     time.Duration
	maxBackoff  time.Duration
	timeout     time.Duration

	ch     chan Handle
	group  errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	// closing is closed first on shutdown to release senders blocked on a
	// full queue; mu keeps ch from being closed under an active send.
	closing  chan struct{}
	stopOnce sync.Once
	mu       sync.RWMutex
	closed   bool
}

// Option configures a Queue
type Option func(*Queue)

// WithWorkers sets the number of tasks processed concurrently
func WithWorkers(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.workers = n
		}
	}
}

// WithQueueSize sets how many tasks may wait before Enqueue blocks
func WithQueueSize(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.ch = make(chan Handle, n)
		}
	}
}

// WithMaxAttempts sets the attempt ceiling for transient failures
func WithMaxAttempts(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

// WithBackoff sets the first retry delay and the cap it doubles up to
func WithBackoff(initial, max time.Duration) Option {
	return func(q *Queue) {
		if initial >= 0 {
			q.backoff = initial
		}
		if max >= initial {
			q.maxBackoff = max
		}
	}
}

// WithTaskTimeout bounds a single attempt
func WithTaskTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.timeout = d
		}
	}
}

// WithMetrics records attempt outcomes
func WithMetrics(m *Metrics) Option {
	return func(q *Queue) {
		q.metrics = m
	}
}

// NewQueue creates a Queue and starts its workers
func NewQueue(proc Attempter, tracker *Tracker, opts ...Option) *Queue {
	q := &Queue{
		proc:        proc,
		tracker:     tracker,
		workers:     4,
		maxAttempts: 5,
		backoff:     2 * time.Second,
		maxBackoff:  time.Minute,
		timeout:     3 * time.Minute,
		ch:          make(chan Handle, 256),
		closing:     make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	q.ctx, q.cancel = context.WithCancel(context.Background())
	q.start()
	return q
}

func (q *Queue) start() {
	q.once.Do(func() {
		for i := 0; i < q.workers; i++ {
			workerID := i + 1
			q.group.Go(func() error {
				slog.Debug("Worker started", "worker_id", workerID)
				for id := range q.ch {
					q.metrics.taskStarted()
					q.run(id)
					q.metrics.taskFinished()
				}
				slog.Debug("Worker stopped", "worker_id", workerID)
				return nil
			})
		}
	})
}

// Enqueue hands a task to the pool, blocking while the queue is full.
// Concurrent callers never wait on each other.
func (q *Queue) Enqueue(ctx context.Context, id Handle) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.ch <- id:
	default:
		slog.Warn("Queue full, applying backpressure", "task_id", id)
		select {
		case q.ch <- id:
		case <-q.closing:
			return ErrQueueClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	q.metrics.taskQueued()
	slog.Debug("Task queued", "task_id", id)
	return nil
}

// delay is the wait before the attempt following the n-th failure
func (q *Queue) delay(n int) time.Duration {
	d := q.backoff
	for i := 1; i < n && d < q.maxBackoff; i++ {
		d *= 2
	}
	if d > q.maxBackoff {
		d = q.maxBackoff
	}
	return d
}

// run drives one task to a terminal state, or until the queue shuts down
func (q *Queue) run(id Handle) {
	for {
		if q.ctx.Err() != nil {
			return
		}

		start := time.Now()
		ctx, cancel := context.WithTimeout(q.ctx, q.timeout)
		err := q.proc.Attempt(ctx, id)
		cancel()

		if err == nil {
			q.metrics.observeAttempt("success", "", time.Since(start))
			return
		}
		if q.ctx.Err() != nil {
			slog.Info("Attempt interrupted by shutdown", "task_id", id)
			return
		}

		reason, retryable := classify(err)
		if !retryable {
			q.metrics.observeAttempt("terminal", reason, time.Since(start))
			slog.Warn("Task failed", "task_id", id, "reason", reason, "error", err)
			q.fail(id, reason, err)
			return
		}

		q.metrics.observeAttempt("retry", reason, time.Since(start))
		attempts, recErr := q.tracker.RecordAttempt(q.ctx, id, reason)
		if recErr != nil {
			slog.Error("Failed to record attempt", "task_id", id, "error", recErr)
			return
		}
		if attempts >= q.maxAttempts {
			slog.Warn("Task exhausted retries", "task_id", id, "attempts", attempts, "reason", reason, "error", err)
			q.fail(id, reason, err)
			return
		}

		wait := q.delay(attempts)
		slog.Info("Retrying task", "task_id", id, "attempt", attempts, "reason", reason, "backoff", wait, "error", err)
		select {
		case <-time.After(wait):
		case <-q.ctx.Done():
			return
		}
	}
}

func (q *Queue) fail(id Handle, reason Reason, cause error) {
	if _, err := q.tracker.Fail(q.ctx, id, reason, cause.Error()); err != nil {
		slog.Error("Failed to mark task failed", "task_id", id, "reason", reason, "error", err)
	}
}

// Shutdown stops accepting tasks and waits for workers to drain the queue.
// If ctx ends first, in-flight attempts are interrupted and their tasks stay
// pending for Recover.
func (q *Queue) Shutdown(ctx context.Context) {
	first := false
	q.stopOnce.Do(func() {
		first = true
		close(q.closing)
		q.mu.Lock()
		q.closed = true
		close(q.ch)
		q.mu.Unlock()
	})
	if !first {
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.group.Wait()
	}()

	select {
	case <-done:
		slog.Info("Queue drained, shutdown complete")
	case <-ctx.Done():
		slog.Warn("Shutdown interrupted, abandoning in-flight tasks")
		q.cancel()
		<-done
	}
	q.cancel()
}
