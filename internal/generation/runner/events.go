package runner

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/events"
	"github.com/parleyhq/parley/internal/generation/approval"
	"github.com/parleyhq/parley/internal/generation/models"
	"github.com/parleyhq/parley/pkg/opencode"
)

const deniedToolMessage = "The user denied this tool use."

// consume drains provider events until the session goes idle. Actionable
// requests (permissions, questions) block this loop until resolved; the
// provider holds its side of the turn open while we wait.
func (r *Runner) consume(ctx context.Context, s *run, eventCh <-chan *opencode.SDKEventEnvelope) error {
	for {
		var env *opencode.SDKEventEnvelope
		select {
		case <-ctx.Done():
			return ctx.Err()
		case received, ok := <-eventCh:
			if !ok {
				return fmt.Errorf("provider event stream closed before the session went idle")
			}
			env = received
		}

		out := s.norm.Apply(env)
		if out == nil {
			continue
		}
		s.firstOnce.Do(func() {
			s.phase(ctx, r, PhaseFirstEventReceived)
		})

		if out.PartsChanged {
			r.persistParts(ctx, s)
		}
		for i := range out.Events {
			r.broadcastEvent(ctx, s, &out.Events[i])
		}

		if out.Permission != nil {
			if err := r.handlePermission(ctx, s, out.Permission); err != nil {
				return err
			}
		}
		if out.Question != nil {
			if err := r.handleQuestion(ctx, s, out.Question); err != nil {
				return err
			}
		}

		if out.SessionError != "" {
			return fmt.Errorf("provider session error: %s", out.SessionError)
		}
		if out.Idle {
			return nil
		}
	}
}

// persistParts writes the accumulated parts and token counters. A failed
// write is retried implicitly by the next changed event.
func (r *Runner) persistParts(ctx context.Context, s *run) {
	in, out := s.norm.Tokens()
	if err := r.store.SetGenerationContent(ctx, s.gen.ID, s.norm.Parts(), in, out); err != nil {
		s.log.Warn("persist content parts", zap.Error(err))
	}
}

func (r *Runner) broadcastEvent(ctx context.Context, s *run, event *models.GenerationEvent) {
	r.broadcast(ctx, events.BuildGenerationContentSubject(s.gen.ID), events.GenerationContent,
		map[string]interface{}{
			"generation_id": s.gen.ID,
			"event":         event,
		})
}

// handlePermission resolves a provider permission request: silently for
// auto-approvable calls, through the approval surface otherwise.
func (r *Runner) handlePermission(ctx context.Context, s *run, perm *opencode.PermissionAskedProperties) error {
	if perm.Permission == opencode.PermissionExternalDirectory && r.approvals.AutoApprovePatterns(perm.Patterns) {
		return s.session.Client.ReplyPermission(ctx, perm.ID, opencode.PermissionReplyAlways, nil)
	}

	req := approval.Request{
		RequestKind:       models.RequestKindPermission,
		ProviderRequestID: perm.ID,
	}
	if perm.Tool != nil {
		req.ToolUseID = perm.Tool.CallID
	}
	r.fillToolContext(s, &req)

	if r.approvals.ShouldAutoApprove(s.conv.AutoApprove, req) {
		return s.session.Client.ReplyPermission(ctx, perm.ID, opencode.PermissionReplyAlways, nil)
	}

	decision, err := r.approvals.RequestApproval(ctx, s.gen, req)
	if err != nil {
		return err
	}
	if decision.Paused {
		return errStandDown
	}

	r.recordApprovalPart(ctx, s, req, decision)

	if decision.Allow {
		return s.session.Client.ReplyPermission(ctx, perm.ID, opencode.PermissionReplyAlways, nil)
	}
	message := deniedToolMessage
	return s.session.Client.ReplyPermission(ctx, perm.ID, opencode.PermissionReplyReject, &message)
}

// handleQuestion resolves a provider question through the approval
// surface. The stored request carries the provider defaults so a bare
// approve answers with them.
func (r *Runner) handleQuestion(ctx context.Context, s *run, q *opencode.QuestionAskedProperties) error {
	defaults := make([]string, 0, len(q.Questions))
	for _, question := range q.Questions {
		defaults = append(defaults, question.Default)
	}

	req := approval.Request{
		RequestKind:       models.RequestKindQuestion,
		ProviderRequestID: q.ID,
		DefaultAnswers:    defaults,
		ToolUseID:         q.ID,
	}
	if q.Tool != nil {
		req.ToolUseID = q.Tool.CallID
	}
	r.fillToolContext(s, &req)

	decision, err := r.approvals.RequestApproval(ctx, s.gen, req)
	if err != nil {
		return err
	}
	if decision.Paused {
		return errStandDown
	}

	r.recordApprovalPart(ctx, s, req, decision)

	if !decision.Allow {
		return s.session.Client.RejectQuestion(ctx, q.ID)
	}
	answers := decision.QuestionAnswers
	if len(answers) == 0 {
		answers = defaults
	}
	return s.session.Client.ReplyQuestion(ctx, q.ID, answers)
}

// fillToolContext copies tool metadata from the accumulated tool_use
// part onto the approval request, when one matches.
func (r *Runner) fillToolContext(s *run, req *approval.Request) {
	if req.ToolUseID == "" {
		return
	}
	parts := s.norm.Parts()
	for i := len(parts) - 1; i >= 0; i-- {
		part := parts[i]
		if part.Type != models.PartToolUse || part.ID != req.ToolUseID {
			continue
		}
		req.ToolName = part.Name
		req.ToolInput = part.Input
		req.Integration = part.Integration
		req.Operation = part.Operation
		if cmd, ok := part.Input["command"].(string); ok {
			req.Command = cmd
		}
		return
	}
}

// recordApprovalPart appends the resolved approval to the transcript.
func (r *Runner) recordApprovalPart(ctx context.Context, s *run, req approval.Request, decision *approval.Decision) {
	status := models.ApprovalStatusDenied
	if decision.Allow {
		status = models.ApprovalStatusApproved
	}
	s.norm.AppendApproval(models.ContentPart{
		Type:            models.PartApproval,
		ToolUseID:       req.ToolUseID,
		ToolName:        req.ToolName,
		ToolInput:       req.ToolInput,
		Integration:     req.Integration,
		Operation:       req.Operation,
		Command:         req.Command,
		Status:          status,
		QuestionAnswers: decision.QuestionAnswers,
	})
	r.persistParts(ctx, s)
}
