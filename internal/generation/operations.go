package generation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/events"
	"github.com/parleyhq/parley/internal/generation/approval"
	"github.com/parleyhq/parley/internal/generation/jobs"
	"github.com/parleyhq/parley/internal/generation/models"
)

// CancelGeneration records the durable cancel flag. The owning runner
// observes it on its next poll and finalizes as cancelled; an open
// approval surface resolves to deny through the same flag.
func (s *Service) CancelGeneration(ctx context.Context, generationID, userID string) (bool, error) {
	gen, _, err := s.loadOwnedGeneration(ctx, generationID, userID)
	if err != nil {
		return false, err
	}
	if gen.Status.IsTerminal() {
		return false, nil
	}

	if err := s.store.RequestCancel(ctx, gen.ID, time.Now().UTC()); err != nil {
		return false, err
	}

	s.broadcast(ctx, events.BuildGenerationStatusSubject(gen.ID), events.GenerationStatusChanged,
		map[string]interface{}{
			"generation_id":    gen.ID,
			"cancel_requested": true,
		})
	return true, nil
}

// ResumeGeneration restarts a paused generation: status returns to
// running and a fresh run job replays the turn with the accumulated
// transcript.
func (s *Service) ResumeGeneration(ctx context.Context, generationID, userID string) (bool, error) {
	gen, conv, err := s.loadOwnedGeneration(ctx, generationID, userID)
	if err != nil {
		return false, err
	}
	if gen.Status != models.GenerationPaused {
		return false, nil
	}

	if err := s.store.ResumeRunning(ctx, gen.ID); err != nil {
		return false, err
	}
	if err := s.store.UpdateConversationStatus(ctx, conv.ID, models.ConversationGenerating, gen.ID); err != nil {
		s.logger.WithGenerationID(gen.ID).Warn("mirror resumed status", zap.Error(err))
	}

	jobName := jobs.JobGenerationRunChat
	if gen.WorkflowRunID != "" {
		jobName = jobs.JobGenerationRunWorkflow
	}
	if err := s.queue.Enqueue(ctx, jobName,
		jobs.RunPayload{GenerationID: gen.ID},
		jobs.WithJobID(fmt.Sprintf("run:%s:resume:%d", gen.ID, time.Now().UnixMilli())),
	); err != nil {
		return false, fmt.Errorf("enqueue resumed run: %w", err)
	}

	s.broadcast(ctx, events.BuildGenerationStatusSubject(gen.ID), events.GenerationStatusChanged,
		map[string]interface{}{
			"generation_id": gen.ID,
			"status":        string(models.GenerationRunning),
		})
	return true, nil
}

// SubmitApproval records a user decision on the open approval surface.
func (s *Service) SubmitApproval(ctx context.Context, generationID, toolUseID, decision, userID string, questionAnswers []string) (bool, error) {
	return s.approvals.SubmitApproval(ctx, generationID, toolUseID, decision, userID, questionAnswers)
}

// SubmitAuthResult records one integration's credential outcome.
func (s *Service) SubmitAuthResult(ctx context.Context, generationID, integration string, success bool, userID string) (bool, error) {
	return s.approvals.SubmitAuthResult(ctx, generationID, integration, success, userID)
}

// WaitForApproval surfaces a tool call for a decision and blocks until
// one arrives. Called by the in-sandbox plugin before a guarded tool
// runs; returns "allow" or "deny".
func (s *Service) WaitForApproval(ctx context.Context, generationID string, req approval.Request) (string, error) {
	gen, err := s.store.GetGeneration(ctx, generationID)
	if err != nil {
		return "", err
	}

	if req.ToolUseID == "" {
		req.ToolUseID = uuid.New().String()
	}
	if req.Command != "" && req.Integration == "" {
		info := approval.ClassifyCommand(req.Command)
		req.Integration = info.Integration
		req.Operation = info.Operation
	}

	if s.approvals.ShouldAutoApprove(gen.Policy.AutoApprove, req) {
		return models.DecisionAllow, nil
	}

	decision, err := s.approvals.RequestApproval(ctx, gen, req)
	if err != nil {
		return "", err
	}
	if decision.Allow {
		return models.DecisionAllow, nil
	}
	return models.DecisionDeny, nil
}

// WaitForAuth surfaces a credential request and blocks until every
// integration connects or the request times out.
func (s *Service) WaitForAuth(ctx context.Context, generationID string, integrations []string, reason string) (bool, error) {
	gen, err := s.store.GetGeneration(ctx, generationID)
	if err != nil {
		return false, err
	}
	return s.approvals.RequestAuth(ctx, gen, integrations, reason)
}

// EnqueueConversationMessage buffers a user turn and schedules the
// processor, which sends it as soon as the conversation is idle.
func (s *Service) EnqueueConversationMessage(ctx context.Context, conversationID, userID, content string, attachments []models.Attachment, selectedSkills []string) (string, error) {
	// Unlike the other operations this surfaces NotFound directly; the
	// caller is expected to know its own conversation ids.
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return "", err
	}
	if conv.UserID != userID {
		return "", ErrAccessDenied
	}

	qm := &models.QueuedMessage{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		UserID:         userID,
		Content:        content,
		Attachments:    attachments,
		SelectedSkills: selectedSkills,
		Status:         models.QueuedMessageQueued,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	if err := s.store.EnqueueQueuedMessage(ctx, qm); err != nil {
		return "", err
	}

	if err := s.queue.Enqueue(ctx, jobs.JobQueuedMessageProcess,
		jobs.QueuedProcessPayload{ConversationID: conv.ID},
		jobs.WithJobID("queued:process:"+conv.ID+":"+qm.ID),
	); err != nil {
		s.logger.WithConversationID(conv.ID).Warn("enqueue queued processing", zap.Error(err))
	}
	return qm.ID, nil
}

// ListConversationQueuedMessages returns the conversation's buffer.
func (s *Service) ListConversationQueuedMessages(ctx context.Context, conversationID, userID string) ([]*models.QueuedMessage, error) {
	if _, err := s.loadOwnedConversation(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	return s.store.ListQueuedMessages(ctx, conversationID)
}

// RemoveConversationQueuedMessage deletes a still-queued message.
func (s *Service) RemoveConversationQueuedMessage(ctx context.Context, queuedID, conversationID, userID string) (bool, error) {
	if _, err := s.loadOwnedConversation(ctx, conversationID, userID); err != nil {
		return false, err
	}
	return s.store.DeleteQueuedMessage(ctx, queuedID, conversationID)
}

// ProcessConversationQueuedMessages drains the conversation's buffer.
func (s *Service) ProcessConversationQueuedMessages(ctx context.Context, conversationID string) error {
	return s.queuedPrc.Process(ctx, conversationID)
}

// startFromQueued binds a claimed queued message to StartGeneration.
// Its attachments were uploaded when the message was queued, so they
// pass through as references instead of fresh uploads.
func (s *Service) startFromQueued(ctx context.Context, qm *models.QueuedMessage) (string, error) {
	result, err := s.StartGeneration(ctx, StartRequest{
		ConversationID:      qm.ConversationID,
		UserID:              qm.UserID,
		Content:             qm.Content,
		SelectedSkills:      qm.SelectedSkills,
		UploadedAttachments: qm.Attachments,
	})
	if err != nil {
		return "", err
	}
	return result.GenerationID, nil
}
