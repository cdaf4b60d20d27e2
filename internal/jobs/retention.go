package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	defaultRetentionInterval = time.Hour
	defaultRetentionMaxAge   = 7 * 24 * time.Hour
	prunePassTimeout         = 30 * time.Second
)

// Pruner deletes captures older than a cutoff. *store.Store satisfies it.
type Pruner interface {
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// RetentionJob periodically drops recordings, and the run logs keyed to
// them, once they are older than maxAge. The first pass happens at Start.
type RetentionJob struct {
	store    Pruner
	logger   *logrus.Entry
	maxAge   time.Duration
	interval time.Duration
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRetentionJob(s Pruner, logger *logrus.Entry, maxAge, interval time.Duration) *RetentionJob {
	if interval <= 0 {
		interval = defaultRetentionInterval
	}
	if maxAge <= 0 {
		maxAge = defaultRetentionMaxAge
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &RetentionJob{
		store:    s,
		logger:   logger.WithField("component", "retention"),
		maxAge:   maxAge,
		interval: interval,
		now:      time.Now,
	}
}

// Start launches the loop. Calling it on a running job does nothing.
func (j *RetentionJob) Start() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	j.cancel, j.done = cancel, make(chan struct{})
	go j.loop(ctx, j.done)

	j.logger.WithFields(logrus.Fields{
		"interval": j.interval,
		"max_age":  j.maxAge,
	}).Info("retention: started")
}

// Stop cancels the loop, including a pass in progress, and waits for it.
func (j *RetentionJob) Stop() {
	j.mu.Lock()
	cancel, done := j.cancel, j.done
	j.cancel = nil
	j.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	j.logger.Info("retention: stopped")
}

func (j *RetentionJob) loop(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		_, _ = j.RunOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce prunes everything captured before now-maxAge and returns the
// number of captures removed.
func (j *RetentionJob) RunOnce(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, prunePassTimeout)
	defer cancel()

	cutoff := j.now().Add(-j.maxAge)
	n, err := j.store.PruneBefore(ctx, cutoff)
	if err != nil {
		if ctx.Err() == nil {
			j.logger.WithError(err).Warn("retention: prune failed")
		}
		return 0, err
	}
	if n > 0 {
		j.logger.WithFields(logrus.Fields{"removed": n, "cutoff": cutoff}).Info("retention: pruned old captures")
	}
	return n, nil
}
