package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/zombor/invoice-intake/internal/document"
)

// Tracker owns task state. Every change goes through an atomic
// check-and-set on the task store so concurrent writers cannot move a task
// backwards.
type Tracker struct {
	store   TaskStore
	clock   TimeSource
	metrics *Metrics
}

// NewTracker creates a Tracker over store
func NewTracker(store TaskStore, clock TimeSource, metrics *Metrics) *Tracker {
	if clock == nil {
		clock = systemClock{}
	}
	return &Tracker{store: store, clock: clock, metrics: metrics}
}

// canTransition reports whether a task of the given kind may move from one state to another
func canTransition(from, to State, email bool) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case StateFailed:
		return true
	case StateDuplicate:
		return from.rank() < StateRecognizing.rank()
	case StateResolving:
		if !email {
			return false
		}
	}
	return to.rank() > from.rank()
}

// Create stores a new task in the Queued state
func (t *Tracker) Create(ctx context.Context, task *Task) error {
	now := t.clock.Now()
	task.State = StateQueued
	task.CreatedAt = now
	task.UpdatedAt = now
	if err := t.store.CreateTask(ctx, task); err != nil {
		return fmt.Errorf("creating task: %w", err)
	}
	t.metrics.observeState(StateQueued)
	return nil
}

// Get returns the current task
func (t *Tracker) Get(ctx context.Context, id Handle) (*Task, error) {
	return t.store.GetTask(ctx, id)
}

// Advance moves a task forward. Re-entering the current state is a no-op so
// retried attempts can replay their stages.
func (t *Tracker) Advance(ctx context.Context, id Handle, to State) (*Task, error) {
	return t.transition(ctx, id, to, nil)
}

func (t *Tracker) transition(ctx context.Context, id Handle, to State, mutate func(*Task)) (*Task, error) {
	var from State
	task, err := t.store.UpdateTask(ctx, id, func(task *Task) error {
		from = task.State
		if task.State == to && !to.Terminal() {
			return nil
		}
		if !canTransition(task.State, to, task.SourceKind.IsEmail()) {
			return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, task.State, to)
		}
		task.State = to
		if mutate != nil {
			mutate(task)
		}
		task.UpdatedAt = t.clock.Now()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if from != to {
		slog.Debug("Task state changed", "task_id", id, "from", from, "to", to)
		t.metrics.observeState(to)
	}
	return task, nil
}

// Resolved points an email task at the file its payload resolved to
func (t *Tracker) Resolved(ctx context.Context, id Handle, origin Origin) (*Task, error) {
	return t.store.UpdateTask(ctx, id, func(task *Task) error {
		if task.State.Terminal() {
			return fmt.Errorf("%w: task is %s", ErrIllegalTransition, task.State)
		}
		task.BlobPath = origin.BlobPath
		task.OriginalFilename = origin.Filename
		task.ContentType = origin.ContentType
		task.Resolved = true
		task.UpdatedAt = t.clock.Now()
		return nil
	})
}

// Fingerprinted records the content fingerprint and idempotency key
func (t *Tracker) Fingerprinted(ctx context.Context, id Handle, fp document.Fingerprint, key string) (*Task, error) {
	return t.store.UpdateTask(ctx, id, func(task *Task) error {
		if task.State.Terminal() {
			return fmt.Errorf("%w: task is %s", ErrIllegalTransition, task.State)
		}
		task.Fingerprint = fp
		task.IdempotencyKey = key
		task.UpdatedAt = t.clock.Now()
		return nil
	})
}

// RecordAttempt counts a transiently failed attempt and returns the new count
func (t *Tracker) RecordAttempt(ctx context.Context, id Handle, reason Reason) (int, error) {
	task, err := t.store.UpdateTask(ctx, id, func(task *Task) error {
		if task.State.Terminal() {
			return fmt.Errorf("%w: task is %s", ErrIllegalTransition, task.State)
		}
		task.AttemptCount++
		task.LastError = reason
		task.UpdatedAt = t.clock.Now()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return task.AttemptCount, nil
}

// Complete marks a task done, counting the successful attempt
func (t *Tracker) Complete(ctx context.Context, id Handle, recordRef string) (*Task, error) {
	return t.transition(ctx, id, StateCompleted, func(task *Task) {
		task.AttemptCount++
		task.RecordRef = recordRef
	})
}

// Duplicate marks a task as a repeat of already-stored content. recordRef is
// the existing record when known, original the task that first claimed the content.
func (t *Tracker) Duplicate(ctx context.Context, id Handle, recordRef string, original Handle) (*Task, error) {
	return t.transition(ctx, id, StateDuplicate, func(task *Task) {
		task.AttemptCount++
		task.RecordRef = recordRef
		task.DuplicateOf = original
	})
}

// Fail moves a task to Failed with a stable reason. The attempt count is not
// touched.
func (t *Tracker) Fail(ctx context.Context, id Handle, reason Reason, detail string) (*Task, error) {
	return t.transition(ctx, id, StateFailed, func(task *Task) {
		task.Reason = reason
		task.Detail = detail
	})
}

// Cancel flags a task so its next attempt stops before doing any work
func (t *Tracker) Cancel(ctx context.Context, id Handle) (*Task, error) {
	return t.store.UpdateTask(ctx, id, func(task *Task) error {
		if task.State.Terminal() {
			return fmt.Errorf("cancelling task %s: %w", id, ErrTaskFinished)
		}
		task.Cancelled = true
		task.UpdatedAt = t.clock.Now()
		return nil
	})
}
