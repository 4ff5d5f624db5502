// Package jobs provides the durable background queue that carries
// generation work between the API process and workers. Jobs are rows in
// the shared database: any process can enqueue, any worker can claim.
// Delivery is at-least-once, so every handler must tolerate a replay of
// a job it has already seen.
package jobs

import (
	"context"
	"time"
)

// Job names shared by every process. Payload types live in payloads.go.
const (
	JobGenerationRunChat     = "generation:run:chat"
	JobGenerationRunWorkflow = "generation:run:workflow"
	JobApprovalTimeout       = "generation:timeout:approval"
	JobAuthTimeout           = "generation:timeout:auth"
	JobPreparingStuckCheck   = "generation:preparing-stuck-check"
	JobQueuedMessageProcess  = "conversation:queued-message:process"
)

// Job statuses.
const (
	StatusPending   = "pending"
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Job is one unit of background work.
type Job struct {
	Seq         int64
	JobID       string
	Name        string
	Payload     []byte
	Status      string
	Attempts    int
	MaxAttempts int
	RunAt       time.Time
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Queue enqueues background jobs for workers to pick up.
type Queue interface {
	Enqueue(ctx context.Context, name string, payload any, opts ...EnqueueOption) error
}

// EnqueueOptions control how a single job is queued.
type EnqueueOptions struct {
	JobID       string
	Delay       time.Duration
	MaxAttempts int
}

// EnqueueOption mutates EnqueueOptions.
type EnqueueOption func(*EnqueueOptions)

// WithJobID sets a caller-chosen identifier used for deduplication. A
// second enqueue with the same id is dropped silently, which lets
// callers schedule timeout checks without tracking whether one already
// exists.
func WithJobID(id string) EnqueueOption {
	return func(o *EnqueueOptions) { o.JobID = id }
}

// WithDelay holds the job back so no worker claims it before the delay
// has passed.
func WithDelay(d time.Duration) EnqueueOption {
	return func(o *EnqueueOptions) { o.Delay = d }
}

// WithMaxAttempts overrides the queue's default attempt budget.
func WithMaxAttempts(n int) EnqueueOption {
	return func(o *EnqueueOptions) { o.MaxAttempts = n }
}
