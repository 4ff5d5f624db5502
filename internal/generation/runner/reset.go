package runner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/generation/models"
	"github.com/parleyhq/parley/internal/generation/provider"
)

const transcriptsDir = "/app/.parley/transcripts"

// resetSession handles the "/new" command: archive a transcript into
// the sandbox, drop a boundary marker into the message history, clear
// the provider session, and complete without prompting the model.
func (r *Runner) resetSession(ctx context.Context, s *run) error {
	r.archiveTranscript(ctx, s)

	boundary := &models.Message{
		ID:             uuid.New().String(),
		ConversationID: s.conv.ID,
		GenerationID:   s.gen.ID,
		Role:           models.MessageRoleSystem,
		Content:        models.SessionBoundaryMarker,
		CreatedAt:      time.Now().UTC(),
	}
	if err := r.store.InsertMessage(ctx, boundary); err != nil {
		return fmt.Errorf("insert session boundary: %w", err)
	}

	if err := r.store.UpdateConversationSession(ctx, s.conv.ID, s.conv.SandboxID, ""); err != nil {
		return fmt.Errorf("clear provider session: %w", err)
	}

	s.finalParts = []models.ContentPart{{
		Type: models.PartText,
		Text: models.SessionResetAssistantBody,
	}}
	s.phase(ctx, r, PhaseGenerationCompleted)
	return r.finalize(ctx, s, models.GenerationCompleted, "", nil)
}

// archiveTranscript writes the conversation so far into the sandbox.
// Skipped when no sandbox exists yet; never fails the reset.
func (r *Runner) archiveTranscript(ctx context.Context, s *run) {
	if s.conv.SandboxID == "" {
		return
	}
	session, err := r.sessions.GetOrCreateSession(ctx,
		provider.SessionRequest{
			ConversationID: s.conv.ID,
			GenerationID:   s.gen.ID,
			UserID:         s.conv.UserID,
			SandboxID:      s.conv.SandboxID,
			SessionID:      s.conv.SessionID,
		},
		provider.SessionOptions{})
	if err != nil {
		s.log.Debug("sandbox unavailable for transcript", zap.Error(err))
		return
	}

	msgs, err := r.store.ListMessages(ctx, s.conv.ID, 0)
	if err != nil {
		s.log.Debug("list messages for transcript", zap.Error(err))
		return
	}

	var b strings.Builder
	for _, msg := range msgs {
		if msg.GenerationID == s.gen.ID {
			continue
		}
		fmt.Fprintf(&b, "[%s] %s:\n%s\n\n",
			msg.CreatedAt.Format(time.RFC3339), msg.Role, msg.Content)
	}
	if b.Len() == 0 {
		return
	}

	target := fmt.Sprintf("%s/%s-%d.txt", transcriptsDir, s.conv.ID, time.Now().Unix())
	if err := session.Sandbox.WriteFile(ctx, target, []byte(b.String())); err != nil {
		s.log.Debug("write transcript", zap.Error(err))
		return
	}
	s.log.Info("archived session transcript", zap.String("path", target))
}
