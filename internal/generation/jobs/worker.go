package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/common/logger"
)

const (
	janitorInterval = time.Minute
	// staleActiveAge must exceed the longest handler; generation runs
	// hold their job for the full prompt budget (25 min).
	staleActiveAge = 30 * time.Minute
	pruneAge       = 24 * time.Hour
)

// Handler processes one claimed job. A non-nil error sends the job back
// for retry until its attempts are spent.
type Handler func(ctx context.Context, job *Job) error

// WorkerConfig tunes the claim loop.
type WorkerConfig struct {
	PollInterval time.Duration
	Concurrency  int
}

// Worker claims due jobs and dispatches them to registered handlers.
// Each concurrency slot runs its own claim loop; a janitor loop
// requeues jobs abandoned by dead workers and prunes finished rows.
type Worker struct {
	queue    *SQLQueue
	logger   *logger.Logger
	cfg      WorkerConfig
	handlers map[string]Handler
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewWorker creates a worker for the given queue.
func NewWorker(queue *SQLQueue, log *logger.Logger, cfg WorkerConfig) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Worker{
		queue:    queue,
		logger:   log,
		cfg:      cfg,
		handlers: make(map[string]Handler),
		stopCh:   make(chan struct{}),
	}
}

// Register installs the handler for a job name. Must be called before
// Start.
func (w *Worker) Register(name string, handler Handler) {
	w.handlers[name] = handler
}

// Start launches the claim loops and the janitor.
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("starting job worker",
		zap.Int("concurrency", w.cfg.Concurrency),
		zap.Duration("poll_interval", w.cfg.PollInterval))

	for i := 0; i < w.cfg.Concurrency; i++ {
		w.wg.Add(1)
		go w.claimLoop(ctx)
	}
	w.wg.Add(1)
	go w.janitorLoop(ctx)
}

// Stop halts the loops and waits for in-flight jobs to finish.
func (w *Worker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
	w.logger.Info("job worker stopped")
}

func (w *Worker) claimLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

// drain runs claimed jobs until the queue has nothing due.
func (w *Worker) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
		}

		job, err := w.queue.Claim(ctx)
		if err != nil {
			w.logger.Error("claim job", zap.Error(err))
			return
		}
		if job == nil {
			return
		}
		w.run(ctx, job)
	}
}

func (w *Worker) run(ctx context.Context, job *Job) {
	handler, ok := w.handlers[job.Name]
	if !ok {
		// Retrying cannot help an unroutable job; park it immediately.
		// Attempts stays at the claimed value so the fence in Fail holds.
		job.MaxAttempts = job.Attempts
		if err := w.queue.Fail(ctx, job, fmt.Errorf("no handler registered for %q", job.Name)); err != nil {
			w.logger.Error("fail job", zap.Error(err))
		}
		w.logger.Error("no handler registered for job", zap.String("job_name", job.Name))
		return
	}

	if err := w.safely(ctx, job, handler); err != nil {
		w.logger.Warn("job failed",
			zap.String("job_name", job.Name),
			zap.String("job_id", job.JobID),
			zap.Int("attempt", job.Attempts),
			zap.Error(err))
		if failErr := w.queue.Fail(ctx, job, err); failErr != nil {
			w.logger.Error("fail job", zap.Error(failErr))
		}
		return
	}

	if err := w.queue.Complete(ctx, job); err != nil {
		w.logger.Error("complete job", zap.Error(err))
	}
}

// safely isolates handler panics so one bad job cannot take down a
// claim loop.
func (w *Worker) safely(ctx context.Context, job *Job, handler Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in job handler: %v", r)
		}
	}()
	return handler(ctx, job)
}

func (w *Worker) janitorLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			if n, err := w.queue.RequeueStale(ctx, staleActiveAge); err != nil {
				w.logger.Error("requeue stale jobs", zap.Error(err))
			} else if n > 0 {
				w.logger.Warn("requeued stale jobs", zap.Int64("count", n))
			}
			if _, err := w.queue.Prune(ctx, pruneAge); err != nil {
				w.logger.Error("prune jobs", zap.Error(err))
			}
		}
	}
}
