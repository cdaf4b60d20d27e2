package enrich

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Task is a cancellable future for one enrichment job. It is tagged with
// the run it belongs to and the exact source it was started from.
type Task[T any] struct {
	RunID     string
	Source    string
	StartedAt time.Time

	logger *logrus.Entry
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	value     T
	err       error
	endedAt   time.Time
	cancelled bool
	reason    Reason
}

func startTask[T any](parent context.Context, kind, runID, source string, logger *logrus.Entry, fn func(ctx context.Context) (T, error)) *Task[T] {
	ctx, cancel := context.WithCancel(parent)
	t := &Task[T]{
		RunID:     runID,
		Source:    source,
		StartedAt: time.Now(),
		logger:    logger.WithFields(logrus.Fields{"task": kind, "run_id": runID}),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go func() {
		defer close(t.done)
		defer cancel()
		v, err := fn(ctx)

		t.mu.Lock()
		t.value, t.err, t.endedAt = v, err, time.Now()
		t.mu.Unlock()
	}()
	return t
}

// Done is closed once the job has returned.
func (t *Task[T]) Done() <-chan struct{} { return t.done }

// Result returns the job's outcome. It is only meaningful after Done is
// closed; a cancelled task reports context.Canceled and the zero value.
func (t *Task[T]) Result() (T, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		var zero T
		return zero, context.Canceled
	}
	return t.value, t.err
}

// EndedAt is when the job returned, or the zero time if it is still running.
func (t *Task[T]) EndedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.endedAt
}

// Cancelled reports whether the task was cancelled and why.
func (t *Task[T]) Cancelled() (Reason, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason, t.cancelled
}

// cancelWith marks the task cancelled. Only the first reason is kept. It
// returns false if the task was already cancelled.
func (t *Task[T]) cancelWith(reason Reason) bool {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		return false
	}
	t.cancelled, t.reason = true, reason
	t.mu.Unlock()
	t.cancel()
	return true
}
