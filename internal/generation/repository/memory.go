package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/generation/models"
)

// MemoryStore provides in-memory storage with the same semantics as the SQL
// store. Records are copied on read and write so callers never share state
// with the store, matching how rows behave.
type MemoryStore struct {
	conversations map[string]*models.Conversation
	generations   map[string]*models.Generation
	messages      map[string]*models.Message
	queued        map[string]*models.QueuedMessage
	workflowRuns  map[string]*models.WorkflowRun
	mu            sync.RWMutex
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*models.Conversation),
		generations:   make(map[string]*models.Generation),
		messages:      make(map[string]*models.Message),
		queued:        make(map[string]*models.QueuedMessage),
		workflowRuns:  make(map[string]*models.WorkflowRun),
	}
}

// Close is a no-op for the in-memory store.
func (r *MemoryStore) Close() error {
	return nil
}

func clone[T any](v *T) *T {
	if v == nil {
		return nil
	}
	data, _ := json.Marshal(v)
	out := new(T)
	_ = json.Unmarshal(data, out)
	return out
}

// Conversation operations

func (r *MemoryStore) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conv.ID == "" {
		conv.ID = uuid.New().String()
	}
	if conv.Type == "" {
		conv.Type = models.ConversationTypeChat
	}
	if conv.GenerationStatus == "" {
		conv.GenerationStatus = models.ConversationIdle
	}
	now := time.Now().UTC()
	conv.CreatedAt = now
	conv.UpdatedAt = now

	r.conversations[conv.ID] = clone(conv)
	return nil
}

func (r *MemoryStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conv, ok := r.conversations[id]
	if !ok {
		return nil, fmt.Errorf("%w: conversation %s", ErrNotFound, id)
	}
	return clone(conv), nil
}

func (r *MemoryStore) ListConversations(ctx context.Context, userID, query string, limit int) ([]*models.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*models.Conversation
	for _, conv := range r.conversations {
		if conv.UserID != userID {
			continue
		}
		if query != "" && !strings.Contains(strings.ToLower(conv.Title), strings.ToLower(query)) {
			continue
		}
		result = append(result, clone(conv))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (r *MemoryStore) UpdateConversation(ctx context.Context, conv *models.Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.conversations[conv.ID]
	if !ok {
		return fmt.Errorf("%w: conversation %s", ErrNotFound, conv.ID)
	}
	conv.CreatedAt = existing.CreatedAt
	conv.UpdatedAt = time.Now().UTC()
	r.conversations[conv.ID] = clone(conv)
	return nil
}

func (r *MemoryStore) UpdateConversationStatus(ctx context.Context, id string, status models.ConversationStatus, currentGenerationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conv, ok := r.conversations[id]
	if !ok {
		return fmt.Errorf("%w: conversation %s", ErrNotFound, id)
	}
	conv.GenerationStatus = status
	conv.CurrentGenerationID = currentGenerationID
	conv.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryStore) UpdateConversationTitle(ctx context.Context, id, title string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conv, ok := r.conversations[id]
	if !ok {
		return fmt.Errorf("%w: conversation %s", ErrNotFound, id)
	}
	conv.Title = title
	conv.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryStore) UpdateConversationSession(ctx context.Context, id, sandboxID, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conv, ok := r.conversations[id]
	if !ok {
		return fmt.Errorf("%w: conversation %s", ErrNotFound, id)
	}
	conv.SandboxID = sandboxID
	conv.SessionID = sessionID
	conv.UpdatedAt = time.Now().UTC()
	return nil
}

// Generation operations

func (r *MemoryStore) InsertGeneration(ctx context.Context, gen *models.Generation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.generations {
		if existing.ConversationID == gen.ConversationID && !existing.Status.IsTerminal() {
			return fmt.Errorf("%w: conversation %s", ErrActiveExists, gen.ConversationID)
		}
	}

	if gen.ID == "" {
		gen.ID = uuid.New().String()
	}
	if gen.Status == "" {
		gen.Status = models.GenerationRunning
	}
	now := time.Now().UTC()
	if gen.StartedAt.IsZero() {
		gen.StartedAt = now
	}
	gen.CreatedAt = now
	gen.UpdatedAt = now
	if gen.ContentParts == nil {
		gen.ContentParts = []models.ContentPart{}
	}

	r.generations[gen.ID] = clone(gen)
	return nil
}

func (r *MemoryStore) GetGeneration(ctx context.Context, id string) (*models.Generation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	gen, ok := r.generations[id]
	if !ok {
		return nil, fmt.Errorf("%w: generation %s", ErrNotFound, id)
	}
	return clone(gen), nil
}

func (r *MemoryStore) GetGenerationWithConversation(ctx context.Context, id string) (*models.Generation, *models.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	gen, ok := r.generations[id]
	if !ok {
		return nil, nil, fmt.Errorf("%w: generation %s", ErrNotFound, id)
	}
	conv, ok := r.conversations[gen.ConversationID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: conversation %s", ErrNotFound, gen.ConversationID)
	}
	return clone(gen), clone(conv), nil
}

func (r *MemoryStore) FindActiveGeneration(ctx context.Context, conversationID string) (*models.Generation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, gen := range r.generations {
		if gen.ConversationID == conversationID && !gen.Status.IsTerminal() {
			return clone(gen), nil
		}
	}
	return nil, nil
}

// mutateActive applies fn to a non-terminal generation under the write lock.
func (r *MemoryStore) mutateActive(id string, fn func(*models.Generation)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	gen, ok := r.generations[id]
	if !ok || gen.Status.IsTerminal() {
		return fmt.Errorf("%w: generation %s is terminal or missing", ErrConflict, id)
	}
	fn(gen)
	gen.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryStore) SetGenerationPhase(ctx context.Context, id, phase string) error {
	return r.mutateActive(id, func(gen *models.Generation) {
		gen.Phase = phase
	})
}

func (r *MemoryStore) SetGenerationSandbox(ctx context.Context, id, sandboxID string) error {
	return r.mutateActive(id, func(gen *models.Generation) {
		gen.SandboxID = sandboxID
	})
}

func (r *MemoryStore) SetGenerationContent(ctx context.Context, id string, parts []models.ContentPart, inputTokens, outputTokens int) error {
	if parts == nil {
		parts = []models.ContentPart{}
	}
	copied := make([]models.ContentPart, len(parts))
	copy(copied, parts)
	return r.mutateActive(id, func(gen *models.Generation) {
		gen.ContentParts = copied
		gen.InputTokens = inputTokens
		gen.OutputTokens = outputTokens
	})
}

func (r *MemoryStore) SetPendingApproval(ctx context.Context, id string, pending *models.PendingApproval) error {
	if pending == nil {
		return fmt.Errorf("pending approval is nil")
	}
	return r.mutateActive(id, func(gen *models.Generation) {
		gen.Status = models.GenerationAwaitingApproval
		gen.PendingApproval = clone(pending)
	})
}

func (r *MemoryStore) SetPendingAuth(ctx context.Context, id string, pending *models.PendingAuth) error {
	if pending == nil {
		return fmt.Errorf("pending auth is nil")
	}
	return r.mutateActive(id, func(gen *models.Generation) {
		gen.Status = models.GenerationAwaitingAuth
		gen.PendingAuth = clone(pending)
	})
}

func (r *MemoryStore) UpdatePendingApproval(ctx context.Context, id string, pending *models.PendingApproval) error {
	return r.mutateActive(id, func(gen *models.Generation) {
		gen.PendingApproval = clone(pending)
	})
}

func (r *MemoryStore) UpdatePendingAuth(ctx context.Context, id string, pending *models.PendingAuth) error {
	return r.mutateActive(id, func(gen *models.Generation) {
		gen.PendingAuth = clone(pending)
	})
}

func (r *MemoryStore) ResumeRunning(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	gen, ok := r.generations[id]
	if !ok {
		return fmt.Errorf("%w: generation %s is not waiting", ErrConflict, id)
	}
	switch gen.Status {
	case models.GenerationAwaitingApproval, models.GenerationAwaitingAuth, models.GenerationPaused:
	default:
		return fmt.Errorf("%w: generation %s is not waiting", ErrConflict, id)
	}
	gen.Status = models.GenerationRunning
	gen.PendingApproval = nil
	gen.PendingAuth = nil
	gen.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryStore) RequestCancel(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	gen, ok := r.generations[id]
	if !ok || gen.Status.IsTerminal() || gen.CancelRequested != nil {
		return nil
	}
	stamped := at.UTC()
	gen.CancelRequested = &stamped
	gen.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryStore) TryBeginFinalize(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	gen, ok := r.generations[id]
	if !ok {
		return false, fmt.Errorf("%w: generation %s", ErrNotFound, id)
	}
	if gen.IsFinalizing || gen.Status.IsTerminal() {
		return false, nil
	}
	gen.IsFinalizing = true
	gen.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (r *MemoryStore) FinalizeGeneration(ctx context.Context, id string, status models.GenerationStatus, errorMessage, messageID string, inputTokens, outputTokens int, timing map[string]int64) error {
	if !status.IsTerminal() {
		return fmt.Errorf("finalize requires a terminal status, got %s", status)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	gen, ok := r.generations[id]
	if !ok || gen.Status.IsTerminal() {
		return fmt.Errorf("%w: generation %s already terminal or missing", ErrConflict, id)
	}
	now := time.Now().UTC()
	gen.Status = status
	gen.ErrorMessage = errorMessage
	gen.MessageID = messageID
	gen.InputTokens = inputTokens
	gen.OutputTokens = outputTokens
	if len(timing) > 0 {
		gen.Timing = make(map[string]int64, len(timing))
		for k, v := range timing {
			gen.Timing[k] = v
		}
	}
	gen.PendingApproval = nil
	gen.PendingAuth = nil
	gen.IsFinalizing = false
	gen.CompletedAt = &now
	gen.UpdatedAt = now
	return nil
}

func (r *MemoryStore) SetGenerationPaused(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	gen, ok := r.generations[id]
	if !ok || gen.Status != models.GenerationAwaitingApproval {
		return fmt.Errorf("%w: generation %s is not awaiting approval", ErrConflict, id)
	}
	gen.Status = models.GenerationPaused
	gen.PendingApproval = nil
	gen.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryStore) ListStaleGenerations(ctx context.Context, status models.GenerationStatus, olderThan time.Duration) ([]*models.Generation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cutoff := time.Now().UTC().Add(-olderThan)
	var result []*models.Generation
	for _, gen := range r.generations {
		if gen.Status == status && gen.UpdatedAt.Before(cutoff) {
			result = append(result, clone(gen))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.Before(result[j].UpdatedAt)
	})
	return result, nil
}

// Message operations

func (r *MemoryStore) InsertMessage(ctx context.Context, msg *models.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	r.messages[msg.ID] = clone(msg)
	return nil
}

func (r *MemoryStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	msg, ok := r.messages[id]
	if !ok {
		return nil, fmt.Errorf("%w: message %s", ErrNotFound, id)
	}
	return clone(msg), nil
}

func (r *MemoryStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*models.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*models.Message
	for _, msg := range r.messages {
		if msg.ConversationID == conversationID {
			result = append(result, clone(msg))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Queued message operations

func (r *MemoryStore) EnqueueQueuedMessage(ctx context.Context, qm *models.QueuedMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if qm.ID == "" {
		qm.ID = uuid.New().String()
	}
	if qm.Status == "" {
		qm.Status = models.QueuedMessageQueued
	}
	now := time.Now().UTC()
	qm.CreatedAt = now
	qm.UpdatedAt = now
	r.queued[qm.ID] = clone(qm)
	return nil
}

func (r *MemoryStore) ListQueuedMessages(ctx context.Context, conversationID string) ([]*models.QueuedMessage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*models.QueuedMessage
	for _, qm := range r.queued {
		if qm.ConversationID == conversationID {
			result = append(result, clone(qm))
		}
	}
	sortQueued(result)
	return result, nil
}

func sortQueued(queued []*models.QueuedMessage) {
	sort.Slice(queued, func(i, j int) bool {
		if queued[i].CreatedAt.Equal(queued[j].CreatedAt) {
			return queued[i].ID < queued[j].ID
		}
		return queued[i].CreatedAt.Before(queued[j].CreatedAt)
	})
}

func (r *MemoryStore) DeleteQueuedMessage(ctx context.Context, id, conversationID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	qm, ok := r.queued[id]
	if !ok || qm.ConversationID != conversationID || qm.Status != models.QueuedMessageQueued {
		return false, nil
	}
	delete(r.queued, id)
	return true, nil
}

func (r *MemoryStore) ClaimNextQueued(ctx context.Context, conversationID string) (*models.QueuedMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var candidates []*models.QueuedMessage
	for _, qm := range r.queued {
		if qm.ConversationID == conversationID && qm.Status == models.QueuedMessageQueued {
			candidates = append(candidates, qm)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sortQueued(candidates)
	next := candidates[0]
	next.Status = models.QueuedMessageProcessing
	next.UpdatedAt = time.Now().UTC()
	return clone(next), nil
}

func (r *MemoryStore) MarkQueuedSent(ctx context.Context, id, generationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	qm, ok := r.queued[id]
	if !ok {
		return fmt.Errorf("%w: queued message %s", ErrNotFound, id)
	}
	qm.Status = models.QueuedMessageSent
	qm.GenerationID = generationID
	qm.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryStore) MarkQueuedFailed(ctx context.Context, id, errorMessage string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	qm, ok := r.queued[id]
	if !ok {
		return fmt.Errorf("%w: queued message %s", ErrNotFound, id)
	}
	qm.Status = models.QueuedMessageFailed
	qm.ErrorMessage = errorMessage
	qm.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryStore) ReleaseQueued(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	qm, ok := r.queued[id]
	if !ok || qm.Status != models.QueuedMessageProcessing {
		return fmt.Errorf("%w: queued message %s is not processing", ErrConflict, id)
	}
	qm.Status = models.QueuedMessageQueued
	qm.UpdatedAt = time.Now().UTC()
	return nil
}

// Workflow run operations

func (r *MemoryStore) CreateWorkflowRun(ctx context.Context, run *models.WorkflowRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.Status == "" {
		run.Status = models.WorkflowRunRunning
	}
	now := time.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now
	r.workflowRuns[run.ID] = clone(run)
	return nil
}

func (r *MemoryStore) GetWorkflowRun(ctx context.Context, id string) (*models.WorkflowRun, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	run, ok := r.workflowRuns[id]
	if !ok {
		return nil, fmt.Errorf("%w: workflow run %s", ErrNotFound, id)
	}
	return clone(run), nil
}

func (r *MemoryStore) UpdateWorkflowRunStatus(ctx context.Context, id string, status models.WorkflowRunStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.workflowRuns[id]
	if !ok {
		return fmt.Errorf("%w: workflow run %s", ErrNotFound, id)
	}
	run.Status = status
	run.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryStore) LinkWorkflowRun(ctx context.Context, id, conversationID, generationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.workflowRuns[id]
	if !ok {
		return fmt.Errorf("%w: workflow run %s", ErrNotFound, id)
	}
	run.ConversationID = conversationID
	run.GenerationID = generationID
	run.UpdatedAt = time.Now().UTC()
	return nil
}
