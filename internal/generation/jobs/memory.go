package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is an in-process Queue for tests and single-process runs.
// Jobs execute only when the caller pumps RunDue, which keeps dispatch
// order deterministic. Handler errors park the job as failed without
// retry; tests assert on the recorded error instead.
type MemoryQueue struct {
	mu       sync.Mutex
	handlers map[string]Handler
	jobs     []*Job
	seen     map[string]bool
	seq      int64
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue creates an empty in-process queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		handlers: make(map[string]Handler),
		seen:     make(map[string]bool),
	}
}

// Register installs the handler for a job name.
func (q *MemoryQueue) Register(name string, handler Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[name] = handler
}

// Enqueue records a job, honoring the same dedupe and delay semantics
// as the SQL queue.
func (q *MemoryQueue) Enqueue(ctx context.Context, name string, payload any, opts ...EnqueueOption) error {
	options := EnqueueOptions{MaxAttempts: defaultMaxAttempts}
	for _, opt := range opts {
		opt(&options)
	}
	if options.JobID == "" {
		options.JobID = uuid.New().String()
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal job payload: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.seen[options.JobID] {
		return nil
	}
	q.seen[options.JobID] = true
	q.seq++
	now := time.Now()
	q.jobs = append(q.jobs, &Job{
		Seq:         q.seq,
		JobID:       options.JobID,
		Name:        name,
		Payload:     body,
		Status:      StatusPending,
		MaxAttempts: options.MaxAttempts,
		RunAt:       now.Add(options.Delay),
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	return nil
}

// RunDue executes every pending job whose run time has passed,
// including jobs enqueued by the handlers themselves, and returns how
// many ran. Delayed jobs stay queued until their time comes.
func (q *MemoryQueue) RunDue(ctx context.Context) int {
	ran := 0
	for {
		job := q.nextDue()
		if job == nil {
			return ran
		}
		handler := q.handlerFor(job.Name)
		if handler == nil {
			q.finish(job, StatusFailed, fmt.Errorf("no handler registered for %q", job.Name))
			ran++
			continue
		}
		if err := handler(ctx, job); err != nil {
			q.finish(job, StatusFailed, err)
		} else {
			q.finish(job, StatusCompleted, nil)
		}
		ran++
	}
}

// Jobs returns a snapshot of every job the queue has seen, in enqueue
// order.
func (q *MemoryQueue) Jobs() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Job, 0, len(q.jobs))
	for _, job := range q.jobs {
		out = append(out, *job)
	}
	return out
}

func (q *MemoryQueue) nextDue() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	for _, job := range q.jobs {
		if job.Status == StatusPending && !job.RunAt.After(now) {
			job.Status = StatusActive
			job.Attempts++
			job.UpdatedAt = now
			return job
		}
	}
	return nil
}

func (q *MemoryQueue) handlerFor(name string) Handler {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.handlers[name]
}

func (q *MemoryQueue) finish(job *Job, status string, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job.Status = status
	if err != nil {
		job.LastError = err.Error()
	}
	job.UpdatedAt = time.Now()
}
