// Package repository persists conversations, generations, messages, and
// queued messages. The store is the source of truth for generation state;
// every mutating call is a single atomic write.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/parleyhq/parley/internal/generation/models"
)

// Sentinel errors surfaced by store implementations.
var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("record not found")
	// ErrActiveExists is returned when inserting a generation would violate
	// the one-active-generation-per-conversation constraint
	ErrActiveExists = errors.New("a generation is already in progress for this conversation")
	// ErrConflict is returned when a compare-and-set update lost the race
	ErrConflict = errors.New("conflicting concurrent update")
)

// Store exposes the typed durable operations used by the orchestrator.
type Store interface {
	// Conversations
	CreateConversation(ctx context.Context, conv *models.Conversation) error
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	ListConversations(ctx context.Context, userID, query string, limit int) ([]*models.Conversation, error)
	UpdateConversation(ctx context.Context, conv *models.Conversation) error
	// UpdateConversationStatus mirrors a generation status change onto the
	// conversation, updating the current generation pointer with it.
	UpdateConversationStatus(ctx context.Context, id string, status models.ConversationStatus, currentGenerationID string) error
	UpdateConversationTitle(ctx context.Context, id, title string) error
	// UpdateConversationSession stores (or clears) the sandbox and provider
	// session handles reused across turns.
	UpdateConversationSession(ctx context.Context, id, sandboxID, sessionID string) error

	// Generations
	InsertGeneration(ctx context.Context, gen *models.Generation) error
	GetGeneration(ctx context.Context, id string) (*models.Generation, error)
	GetGenerationWithConversation(ctx context.Context, id string) (*models.Generation, *models.Conversation, error)
	// FindActiveGeneration returns the single non-terminal generation for a
	// conversation, or nil when none exists.
	FindActiveGeneration(ctx context.Context, conversationID string) (*models.Generation, error)
	SetGenerationPhase(ctx context.Context, id, phase string) error
	SetGenerationSandbox(ctx context.Context, id, sandboxID string) error
	// SetGenerationContent replaces the accumulated content parts and the
	// running token counters in one write.
	SetGenerationContent(ctx context.Context, id string, parts []models.ContentPart, inputTokens, outputTokens int) error
	// SetPendingApproval transitions the generation to awaiting_approval and
	// stores the payload atomically.
	SetPendingApproval(ctx context.Context, id string, pending *models.PendingApproval) error
	// SetPendingAuth transitions the generation to awaiting_auth and stores
	// the payload atomically.
	SetPendingAuth(ctx context.Context, id string, pending *models.PendingAuth) error
	// UpdatePendingApproval rewrites the pending approval payload without
	// touching status (used to record a decision or reconciled answers).
	UpdatePendingApproval(ctx context.Context, id string, pending *models.PendingApproval) error
	// UpdatePendingAuth rewrites the pending auth payload without touching
	// status (used to record staged integration connections).
	UpdatePendingAuth(ctx context.Context, id string, pending *models.PendingAuth) error
	// ResumeRunning clears both pending payloads and returns the generation
	// to running.
	ResumeRunning(ctx context.Context, id string) error
	// RequestCancel stamps cancel_requested_at if not already set.
	RequestCancel(ctx context.Context, id string, at time.Time) error
	// TryBeginFinalize atomically claims the finalize guard. It returns
	// false when the generation is already finalizing or terminal.
	TryBeginFinalize(ctx context.Context, id string) (bool, error)
	// FinalizeGeneration writes the terminal record: status, completed_at,
	// message id, counters, timing, error message, cleared pending payloads,
	// and releases the finalize guard.
	FinalizeGeneration(ctx context.Context, id string, status models.GenerationStatus, errorMessage, messageID string, inputTokens, outputTokens int, timing map[string]int64) error
	// SetGenerationPaused parks the generation after an approval timeout.
	SetGenerationPaused(ctx context.Context, id string) error
	// ListStaleGenerations returns generations in the given status whose
	// updated_at is older than the threshold.
	ListStaleGenerations(ctx context.Context, status models.GenerationStatus, olderThan time.Duration) ([]*models.Generation, error)

	// Messages
	InsertMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*models.Message, error)

	// Queued messages
	EnqueueQueuedMessage(ctx context.Context, qm *models.QueuedMessage) error
	ListQueuedMessages(ctx context.Context, conversationID string) ([]*models.QueuedMessage, error)
	// DeleteQueuedMessage removes a still-queued row; returns false when the
	// row is absent or no longer queued.
	DeleteQueuedMessage(ctx context.Context, id, conversationID string) (bool, error)
	// ClaimNextQueued flips the oldest queued row to processing and returns
	// it, or nil when none remain.
	ClaimNextQueued(ctx context.Context, conversationID string) (*models.QueuedMessage, error)
	MarkQueuedSent(ctx context.Context, id, generationID string) error
	MarkQueuedFailed(ctx context.Context, id, errorMessage string) error
	// ReleaseQueued reverts a processing row back to queued.
	ReleaseQueued(ctx context.Context, id string) error

	// Workflow runs
	CreateWorkflowRun(ctx context.Context, run *models.WorkflowRun) error
	GetWorkflowRun(ctx context.Context, id string) (*models.WorkflowRun, error)
	UpdateWorkflowRunStatus(ctx context.Context, id string, status models.WorkflowRunStatus) error
	// LinkWorkflowRun records the conversation and generation created for a run.
	LinkWorkflowRun(ctx context.Context, id, conversationID, generationID string) error

	Close() error
}
