// Package approval owns the pending-approval and pending-auth lifecycle:
// persisting the request, surfacing it to subscribers, awaiting the
// decision through the durable store, timing out, and reconciling with
// whatever another process already did.
package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/common/config"
	"github.com/parleyhq/parley/internal/common/logger"
	"github.com/parleyhq/parley/internal/events"
	"github.com/parleyhq/parley/internal/events/bus"
	"github.com/parleyhq/parley/internal/generation/jobs"
	"github.com/parleyhq/parley/internal/generation/models"
	"github.com/parleyhq/parley/internal/generation/repository"
)

// ErrAccessDenied is returned when the caller does not own the
// generation's conversation.
var ErrAccessDenied = errors.New("access denied")

const eventSource = "generation-orchestrator"

// Request describes one tool call awaiting a user decision.
type Request struct {
	ToolUseID   string
	ToolName    string
	ToolInput   map[string]interface{}
	Integration string
	Operation   string
	Command     string
	// RequestKind is "permission" or "question"; ProviderRequestID is the
	// provider-side id the reply must reference.
	RequestKind       string
	ProviderRequestID string
	DefaultAnswers    []string
}

// Decision is the resolution of a pending approval.
type Decision struct {
	Allow           bool
	QuestionAnswers []string
	// Paused means the approval expired and the generation was parked;
	// the runner must stand down without finalizing.
	Paused bool
}

// Manager drives pending approvals and auths against the durable store.
type Manager struct {
	store  repository.Store
	queue  jobs.Queue
	bus    bus.EventBus
	cfg    config.ApprovalsConfig
	logger *logger.Logger
}

// NewManager creates an approval manager.
func NewManager(store repository.Store, queue jobs.Queue, eventBus bus.EventBus, cfg config.ApprovalsConfig, log *logger.Logger) *Manager {
	return &Manager{
		store:  store,
		queue:  queue,
		bus:    eventBus,
		cfg:    cfg,
		logger: log,
	}
}

// ShouldAutoApprove reports whether a tool call may skip the approval
// surface under the conversation's auto-approve flag. Exempt tools ask
// the user regardless; a bash command that parses to an exempt
// integration counts even when the operation column is empty.
func (m *Manager) ShouldAutoApprove(autoApprove bool, req Request) bool {
	if !autoApprove {
		return false
	}
	for _, exempt := range m.cfg.ExemptTools {
		integration, operation, _ := strings.Cut(exempt, ":")
		if req.Integration != integration {
			continue
		}
		if req.Operation == operation {
			return false
		}
		if req.Operation == "" && req.Command != "" {
			// The parsed command named the integration but no operation
			// was recognized; err on the side of asking.
			return false
		}
	}
	return true
}

// AutoApprovePatterns reports whether an external-directory permission
// can be granted without surfacing: every requested pattern must fall
// under one of the configured auto-approve roots.
func (m *Manager) AutoApprovePatterns(patterns []string) bool {
	if len(patterns) == 0 {
		return false
	}
	for _, pattern := range patterns {
		cleaned := strings.TrimSpace(pattern)
		allowed := false
		for _, root := range m.cfg.AutoApproveRoots {
			root = strings.TrimSuffix(root, "/")
			if cleaned == root || strings.HasPrefix(cleaned, root+"/") {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}
	return true
}

// RequestApproval persists the pending approval, mirrors the
// conversation and workflow-run statuses, schedules the timeout job,
// broadcasts the prompt, and blocks until a decision arrives or the
// request expires.
func (m *Manager) RequestApproval(ctx context.Context, gen *models.Generation, req Request) (*Decision, error) {
	now := time.Now().UTC()
	pending := &models.PendingApproval{
		ToolUseID:              req.ToolUseID,
		ToolName:               req.ToolName,
		ToolInput:              req.ToolInput,
		RequestedAt:            now,
		ExpiresAt:              now.Add(m.cfg.ApprovalTimeoutDuration()),
		Integration:            req.Integration,
		Operation:              req.Operation,
		Command:                req.Command,
		ProviderRequestKind:    req.RequestKind,
		ProviderRequestID:      req.ProviderRequestID,
		ProviderDefaultAnswers: req.DefaultAnswers,
	}

	if err := m.store.SetPendingApproval(ctx, gen.ID, pending); err != nil {
		return nil, fmt.Errorf("persist pending approval: %w", err)
	}
	m.mirrorStatus(ctx, gen, models.GenerationAwaitingApproval)

	if err := m.queue.Enqueue(ctx, jobs.JobApprovalTimeout,
		jobs.TimeoutPayload{GenerationID: gen.ID, Kind: jobs.TimeoutKindApproval},
		jobs.WithJobID(fmt.Sprintf("timeout:approval:%s:%s", gen.ID, req.ToolUseID)),
		jobs.WithDelay(pending.ExpiresAt.Sub(now)),
	); err != nil {
		m.logger.WithGenerationID(gen.ID).Warn("enqueue approval timeout", zap.Error(err))
	}

	m.broadcast(ctx, events.BuildApprovalSubject(gen.ID), events.ApprovalRequested, map[string]interface{}{
		"generation_id":    gen.ID,
		"pending_approval": pending,
	})

	return m.awaitDecision(ctx, gen, req.ToolUseID, pending.ExpiresAt)
}

// awaitDecision polls the durable store for the decision. The store is
// authoritative: another process may resolve, cancel, or pause the
// generation while we wait.
func (m *Manager) awaitDecision(ctx context.Context, gen *models.Generation, toolUseID string, expiresAt time.Time) (*Decision, error) {
	ticker := time.NewTicker(m.cfg.DecisionPollIntervalDuration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return &Decision{Allow: false}, ctx.Err()
		case <-ticker.C:
		}

		current, err := m.store.GetGeneration(ctx, gen.ID)
		if err != nil {
			m.logger.WithGenerationID(gen.ID).Warn("poll pending approval", zap.Error(err))
			continue
		}

		if current.CancelRequested != nil || current.Status.IsTerminal() {
			return &Decision{Allow: false}, nil
		}
		if current.Status == models.GenerationPaused {
			return &Decision{Paused: true}, nil
		}

		pending := current.PendingApproval
		if pending == nil || pending.ToolUseID != toolUseID {
			// Another process already resolved this request; the current
			// status tells us which way it went.
			return &Decision{Allow: current.Status == models.GenerationRunning}, nil
		}

		if pending.Decision != "" {
			decision := &Decision{
				Allow:           pending.Decision == models.DecisionAllow,
				QuestionAnswers: pending.QuestionAnswers,
			}
			if err := m.resume(ctx, gen); err != nil {
				return nil, err
			}
			return decision, nil
		}

		if time.Now().UTC().After(expiresAt) {
			// The timeout job parks the generation; stand down either way.
			return &Decision{Paused: true}, nil
		}
	}
}

// RequestAuth persists the pending auth and blocks until every requested
// integration connects, the request times out, or the generation dies.
func (m *Manager) RequestAuth(ctx context.Context, gen *models.Generation, integrations []string, reason string) (bool, error) {
	now := time.Now().UTC()
	pending := &models.PendingAuth{
		Integrations:          integrations,
		ConnectedIntegrations: []string{},
		RequestedAt:           now,
		ExpiresAt:             now.Add(m.cfg.AuthTimeoutDuration()),
		Reason:                reason,
	}

	if err := m.store.SetPendingAuth(ctx, gen.ID, pending); err != nil {
		return false, fmt.Errorf("persist pending auth: %w", err)
	}
	m.mirrorStatus(ctx, gen, models.GenerationAwaitingAuth)

	if err := m.queue.Enqueue(ctx, jobs.JobAuthTimeout,
		jobs.TimeoutPayload{GenerationID: gen.ID, Kind: jobs.TimeoutKindAuth},
		jobs.WithJobID(fmt.Sprintf("timeout:auth:%s:%d", gen.ID, now.UnixMilli())),
		jobs.WithDelay(pending.ExpiresAt.Sub(now)),
	); err != nil {
		m.logger.WithGenerationID(gen.ID).Warn("enqueue auth timeout", zap.Error(err))
	}

	m.broadcast(ctx, events.BuildAuthSubject(gen.ID), events.AuthRequested, map[string]interface{}{
		"generation_id": gen.ID,
		"pending_auth":  pending,
	})

	ticker := time.NewTicker(m.cfg.DecisionPollIntervalDuration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}

		current, err := m.store.GetGeneration(ctx, gen.ID)
		if err != nil {
			m.logger.WithGenerationID(gen.ID).Warn("poll pending auth", zap.Error(err))
			continue
		}

		if current.CancelRequested != nil || current.Status.IsTerminal() {
			return false, nil
		}

		auth := current.PendingAuth
		if auth == nil {
			// Reconciled elsewhere.
			return current.Status == models.GenerationRunning, nil
		}

		if auth.Satisfied() {
			if err := m.resume(ctx, gen); err != nil {
				return false, err
			}
			return true, nil
		}

		if time.Now().UTC().After(pending.ExpiresAt) {
			return false, nil
		}
	}
}

// SubmitApproval records the user's decision into the pending payload.
// It does not transition status; the awaiting poller does that after
// reading the decision. Returns false when the tool_use_id no longer
// matches the open request.
func (m *Manager) SubmitApproval(ctx context.Context, generationID, toolUseID, decision, userID string, questionAnswers []string) (bool, error) {
	gen, conv, err := m.store.GetGenerationWithConversation(ctx, generationID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return false, ErrAccessDenied
		}
		return false, err
	}
	if conv.UserID != userID {
		return false, ErrAccessDenied
	}

	pending := gen.PendingApproval
	if gen.Status != models.GenerationAwaitingApproval || pending == nil || pending.ToolUseID != toolUseID {
		return false, nil
	}

	pending.Decision = models.DecisionDeny
	if decision == "approve" || decision == models.DecisionAllow {
		pending.Decision = models.DecisionAllow
	}
	pending.QuestionAnswers = normalizeAnswers(questionAnswers)

	if err := m.store.UpdatePendingApproval(ctx, generationID, pending); err != nil {
		return false, fmt.Errorf("record approval decision: %w", err)
	}

	m.broadcast(ctx, events.BuildApprovalSubject(generationID), events.ApprovalResolved, map[string]interface{}{
		"generation_id": generationID,
		"tool_use_id":   toolUseID,
		"decision":      pending.Decision,
	})
	return true, nil
}

// SubmitAuthResult records one integration's OAuth outcome. The awaiting
// poller resumes the generation once every requested integration has
// connected.
func (m *Manager) SubmitAuthResult(ctx context.Context, generationID, integration string, success bool, userID string) (bool, error) {
	gen, conv, err := m.store.GetGenerationWithConversation(ctx, generationID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return false, ErrAccessDenied
		}
		return false, err
	}
	if conv.UserID != userID {
		return false, ErrAccessDenied
	}

	pending := gen.PendingAuth
	if gen.Status != models.GenerationAwaitingAuth || pending == nil {
		return false, nil
	}
	requested := false
	for _, name := range pending.Integrations {
		if name == integration {
			requested = true
			break
		}
	}
	if !requested {
		return false, nil
	}
	if !success {
		// A failed connect leaves the request open for a retry.
		return true, nil
	}

	for _, name := range pending.ConnectedIntegrations {
		if name == integration {
			return true, nil
		}
	}
	pending.ConnectedIntegrations = append(pending.ConnectedIntegrations, integration)
	if err := m.store.UpdatePendingAuth(ctx, generationID, pending); err != nil {
		return false, fmt.Errorf("record auth progress: %w", err)
	}

	m.broadcast(ctx, events.BuildAuthSubject(generationID), events.AuthProgress, map[string]interface{}{
		"generation_id": generationID,
		"pending_auth":  pending,
	})
	return true, nil
}

// HandleTimeout processes a delayed expiry job. Delivery is
// at-least-once and may race resolution, so the durable state is
// re-read and anything that no longer holds is a no-op.
func (m *Manager) HandleTimeout(ctx context.Context, generationID, kind string) error {
	gen, err := m.store.GetGeneration(ctx, generationID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return err
	}
	now := time.Now().UTC()

	switch kind {
	case jobs.TimeoutKindApproval:
		pending := gen.PendingApproval
		if gen.Status != models.GenerationAwaitingApproval || pending == nil {
			return nil
		}
		if now.Before(pending.ExpiresAt) {
			// Stale firing for an earlier request on the same generation.
			return nil
		}
		if err := m.store.SetGenerationPaused(ctx, generationID); err != nil {
			return fmt.Errorf("pause generation: %w", err)
		}
		m.mirrorStatus(ctx, gen, models.GenerationPaused)
		m.broadcast(ctx, events.BuildGenerationStatusSubject(generationID), events.GenerationStatusChanged, map[string]interface{}{
			"generation_id": generationID,
			"status":        models.GenerationPaused,
		})
		m.logger.WithGenerationID(generationID).Info("approval timed out, generation paused")

	case jobs.TimeoutKindAuth:
		pending := gen.PendingAuth
		if gen.Status != models.GenerationAwaitingAuth || pending == nil {
			return nil
		}
		if now.Before(pending.ExpiresAt) {
			return nil
		}
		claimed, err := m.store.TryBeginFinalize(ctx, generationID)
		if err != nil {
			return err
		}
		if !claimed {
			return nil
		}
		if err := m.store.FinalizeGeneration(ctx, generationID, models.GenerationCancelled,
			"Authentication timed out", "", gen.InputTokens, gen.OutputTokens, gen.Timing); err != nil {
			return fmt.Errorf("cancel generation on auth timeout: %w", err)
		}
		m.mirrorStatus(ctx, gen, models.GenerationCancelled)
		if err := m.queue.Enqueue(ctx, jobs.JobQueuedMessageProcess,
			jobs.QueuedProcessPayload{ConversationID: gen.ConversationID},
			jobs.WithJobID(fmt.Sprintf("queued:%s:%d", gen.ConversationID, now.UnixMilli())),
		); err != nil {
			m.logger.WithGenerationID(generationID).Warn("enqueue queued-message processing", zap.Error(err))
		}
		m.broadcast(ctx, events.BuildGenerationStatusSubject(generationID), events.GenerationStatusChanged, map[string]interface{}{
			"generation_id": generationID,
			"status":        models.GenerationCancelled,
		})
		m.logger.WithGenerationID(generationID).Info("auth timed out, generation cancelled")

	default:
		m.logger.Warn("unknown timeout kind", zap.String("kind", kind))
	}
	return nil
}

// resume returns the generation to running and mirrors the change.
func (m *Manager) resume(ctx context.Context, gen *models.Generation) error {
	if err := m.store.ResumeRunning(ctx, gen.ID); err != nil {
		return fmt.Errorf("resume generation: %w", err)
	}
	m.mirrorStatus(ctx, gen, models.GenerationRunning)
	m.broadcast(ctx, events.BuildGenerationStatusSubject(gen.ID), events.GenerationStatusChanged, map[string]interface{}{
		"generation_id": gen.ID,
		"status":        models.GenerationRunning,
	})
	return nil
}

// mirrorStatus reflects a generation status onto its conversation and,
// for workflow generations, its workflow run. Mirror writes are derived
// state; failures are logged, not fatal.
func (m *Manager) mirrorStatus(ctx context.Context, gen *models.Generation, status models.GenerationStatus) {
	log := m.logger.WithGenerationID(gen.ID)
	if err := m.store.UpdateConversationStatus(ctx, gen.ConversationID, models.ConversationStatusFor(status), gen.ID); err != nil {
		log.Warn("mirror conversation status", zap.Error(err))
	}
	if gen.WorkflowRunID != "" {
		if err := m.store.UpdateWorkflowRunStatus(ctx, gen.WorkflowRunID, models.WorkflowRunStatusFor(status)); err != nil {
			log.Warn("mirror workflow run status", zap.Error(err))
		}
	}
}

func (m *Manager) broadcast(ctx context.Context, subject, eventType string, data map[string]interface{}) {
	if err := m.bus.Publish(ctx, subject, bus.NewEvent(eventType, eventSource, data)); err != nil {
		m.logger.Debug("broadcast event", zap.String("subject", subject), zap.Error(err))
	}
}

// normalizeAnswers trims whitespace and drops empty entries.
func normalizeAnswers(answers []string) []string {
	if len(answers) == 0 {
		return nil
	}
	out := make([]string, 0, len(answers))
	for _, answer := range answers {
		trimmed := strings.TrimSpace(answer)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
