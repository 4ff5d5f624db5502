package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/events"
	"github.com/parleyhq/parley/internal/generation/jobs"
	"github.com/parleyhq/parley/internal/generation/models"
)

// finalize writes the terminal record exactly once. The store-side guard
// makes replays (job redelivery, reaper racing a slow runner) no-ops.
func (r *Runner) finalize(ctx context.Context, s *run, status models.GenerationStatus, errorMessage string, files []models.SandboxFile) error {
	claimed, err := r.store.TryBeginFinalize(ctx, s.gen.ID)
	if err != nil {
		return fmt.Errorf("begin finalize: %w", err)
	}
	if !claimed {
		s.log.Debug("generation already finalizing elsewhere")
		return nil
	}

	parts, inputTokens, outputTokens := s.transcript(status)
	content := assistantBody(status, parts)

	msg := &models.Message{
		ID:             uuid.New().String(),
		ConversationID: s.conv.ID,
		GenerationID:   s.gen.ID,
		Role:           models.MessageRoleAssistant,
		Content:        content,
		ContentParts:   parts,
		InputTokens:    inputTokens,
		OutputTokens:   outputTokens,
		Timing:         s.timingSnapshot(),
		SandboxFiles:   files,
		CreatedAt:      time.Now().UTC(),
	}
	if err := r.store.InsertMessage(ctx, msg); err != nil {
		return fmt.Errorf("insert assistant message: %w", err)
	}

	if err := r.store.FinalizeGeneration(ctx, s.gen.ID, status, errorMessage, msg.ID,
		inputTokens, outputTokens, msg.Timing); err != nil {
		return fmt.Errorf("finalize generation: %w", err)
	}

	r.mirrorTerminal(ctx, s, status)
	r.maybeTitle(ctx, s, status, content)

	if err := r.queue.Enqueue(ctx, jobs.JobQueuedMessageProcess,
		jobs.QueuedProcessPayload{ConversationID: s.conv.ID},
		jobs.WithJobID(fmt.Sprintf("queued:process:%s:%s", s.conv.ID, s.gen.ID)),
	); err != nil {
		s.log.Warn("enqueue queued-message processing", zap.Error(err))
	}

	r.broadcast(ctx, events.BuildGenerationStatusSubject(s.gen.ID), events.GenerationFinished,
		map[string]interface{}{
			"generation_id": s.gen.ID,
			"status":        string(status),
			"error_message": errorMessage,
			"done": &models.DonePayload{
				MessageID:    msg.ID,
				InputTokens:  inputTokens,
				OutputTokens: outputTokens,
				Timing:       msg.Timing,
				SandboxFiles: files,
			},
		})

	if r.onFinished != nil {
		r.onFinished(s.gen.ID)
	}
	s.log.Info("generation finalized",
		zap.String("status", string(status)),
		zap.String("message_id", msg.ID))
	return nil
}

// transcript returns the final content parts, appending the
// interruption marker on a cancel.
func (s *run) transcript(status models.GenerationStatus) ([]models.ContentPart, int, int) {
	if s.finalParts != nil {
		return s.finalParts, 0, 0
	}
	if s.norm == nil {
		return s.gen.ContentParts, s.gen.InputTokens, s.gen.OutputTokens
	}
	if status == models.GenerationCancelled {
		s.norm.AppendSystem(models.InterruptedByUser)
	}
	in, out := s.norm.Tokens()
	return s.norm.Parts(), in, out
}

// assistantBody picks the message body for the terminal status. Errors
// get a fixed apology rather than internal detail.
func assistantBody(status models.GenerationStatus, parts []models.ContentPart) string {
	switch status {
	case models.GenerationError:
		return models.ErrorAssistantBody
	case models.GenerationCancelled:
		if text := finalAnswerText(parts); text != "" {
			return text
		}
		return models.InterruptedByUser
	default:
		return finalAnswerText(parts)
	}
}

// mirrorTerminal propagates the terminal status onto the conversation
// and, for workflow generations, the workflow run.
func (r *Runner) mirrorTerminal(ctx context.Context, s *run, status models.GenerationStatus) {
	if err := r.store.UpdateConversationStatus(ctx, s.conv.ID,
		models.ConversationStatusFor(status), s.gen.ID); err != nil {
		s.log.Warn("mirror conversation status", zap.Error(err))
	}
	if s.gen.WorkflowRunID == "" {
		return
	}
	if err := r.store.UpdateWorkflowRunStatus(ctx, s.gen.WorkflowRunID,
		models.WorkflowRunStatusFor(status)); err != nil {
		s.log.Warn("mirror workflow run status", zap.Error(err))
	}
}

// maybeTitle names a fresh chat conversation from its first completed
// turn. Failures leave the conversation untitled.
func (r *Runner) maybeTitle(ctx context.Context, s *run, status models.GenerationStatus, answer string) {
	if status != models.GenerationCompleted || s.conv.Type != models.ConversationTypeChat || s.conv.Title != "" {
		return
	}
	title, err := r.titles.Title(ctx, s.userMsg.Content, answer)
	if err != nil || title == "" {
		if err != nil {
			s.log.Debug("title conversation", zap.Error(err))
		}
		return
	}
	if err := r.store.UpdateConversationTitle(ctx, s.conv.ID, title); err != nil {
		s.log.Warn("store conversation title", zap.Error(err))
		return
	}
	r.broadcast(ctx, events.BuildConversationSubject(s.conv.ID), events.ConversationTitleUpdated,
		map[string]interface{}{
			"conversation_id": s.conv.ID,
			"title":           title,
		})
}
