package generation

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/events"
	"github.com/parleyhq/parley/internal/events/bus"
	"github.com/parleyhq/parley/internal/generation/jobs"
	"github.com/parleyhq/parley/internal/generation/models"
	"github.com/parleyhq/parley/internal/objectstore"
	"github.com/parleyhq/parley/internal/titler"
)

// AttachmentUpload carries a user file into admission.
type AttachmentUpload struct {
	Name      string
	MediaType string
	Data      []byte
}

// StartRequest is the input of StartGeneration. An empty ConversationID
// creates a fresh chat conversation.
type StartRequest struct {
	ConversationID            string
	UserID                    string
	Content                   string
	Model                     string
	AutoApprove               *bool
	AllowedIntegrations       []string
	AllowedCustomIntegrations []string
	SelectedSkills            []string
	Attachments               []AttachmentUpload
	// UploadedAttachments are object-store references for files already
	// uploaded (the queued-message path).
	UploadedAttachments []models.Attachment
}

// WorkflowStartRequest is the input of StartWorkflowGeneration.
type WorkflowStartRequest struct {
	WorkflowRunID             string
	UserID                    string
	Content                   string
	Model                     string
	AutoApprove               bool
	AllowedIntegrations       []string
	AllowedCustomIntegrations []string
}

// StartResult identifies the admitted generation.
type StartResult struct {
	GenerationID   string `json:"generation_id"`
	ConversationID string `json:"conversation_id"`
}

// StartGeneration admits one user turn: conversation load-or-create,
// model validation, durable user message and generation records, and
// the hand-off to a runner (in-process or via the job queue).
func (s *Service) StartGeneration(ctx context.Context, req StartRequest) (*StartResult, error) {
	conv, err := s.admitConversation(ctx, req)
	if err != nil {
		return nil, err
	}

	model, err := titler.ValidateModel(pickModel(req.Model, conv.Model), s.cfg.Anthropic.APIKey)
	if err != nil {
		return nil, err
	}

	attachments, err := s.uploadAttachments(ctx, req.Attachments)
	if err != nil {
		return nil, err
	}
	attachments = append(attachments, req.UploadedAttachments...)

	gen := &models.Generation{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		Status:         models.GenerationRunning,
		Model:          model,
		Policy: models.ExecutionPolicy{
			AllowedIntegrations:       req.AllowedIntegrations,
			AllowedCustomIntegrations: req.AllowedCustomIntegrations,
			AutoApprove:               conv.AutoApprove,
			SelectedSkills:            req.SelectedSkills,
			FileAttachments:           attachments,
		},
		StartedAt: time.Now().UTC(),
	}
	if err := s.store.InsertGeneration(ctx, gen); err != nil {
		return nil, err
	}

	userMsg := &models.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		GenerationID:   gen.ID,
		Role:           models.MessageRoleUser,
		Content:        req.Content,
		Attachments:    attachments,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.InsertMessage(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("persist user message: %w", err)
	}

	if err := s.launch(ctx, gen, jobs.JobGenerationRunChat); err != nil {
		return nil, err
	}
	return &StartResult{GenerationID: gen.ID, ConversationID: conv.ID}, nil
}

// StartWorkflowGeneration admits a workflow-triggered turn. The
// conversation is a fresh workflow thread named after the run.
func (s *Service) StartWorkflowGeneration(ctx context.Context, req WorkflowStartRequest) (*StartResult, error) {
	run, err := s.store.GetWorkflowRun(ctx, req.WorkflowRunID)
	if err != nil {
		return nil, err
	}

	model, err := titler.ValidateModel(pickModel(req.Model, ""), s.cfg.Anthropic.APIKey)
	if err != nil {
		return nil, err
	}

	conv := &models.Conversation{
		ID:               uuid.New().String(),
		UserID:           req.UserID,
		Type:             models.ConversationTypeWorkflow,
		Model:            model,
		AutoApprove:      req.AutoApprove,
		GenerationStatus: models.ConversationGenerating,
		Title:            run.Title,
		CreatedAt:        time.Now().UTC(),
		UpdatedAt:        time.Now().UTC(),
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("create workflow conversation: %w", err)
	}

	content := req.Content
	if content == "" {
		content = run.Content
	}

	gen := &models.Generation{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		WorkflowRunID:  run.ID,
		Status:         models.GenerationRunning,
		Model:          model,
		Policy: models.ExecutionPolicy{
			AllowedIntegrations:       req.AllowedIntegrations,
			AllowedCustomIntegrations: req.AllowedCustomIntegrations,
			AutoApprove:               req.AutoApprove,
		},
		StartedAt: time.Now().UTC(),
	}
	if err := s.store.InsertGeneration(ctx, gen); err != nil {
		return nil, err
	}

	userMsg := &models.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		GenerationID:   gen.ID,
		Role:           models.MessageRoleUser,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.InsertMessage(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("persist workflow message: %w", err)
	}

	if err := s.store.LinkWorkflowRun(ctx, run.ID, conv.ID, gen.ID); err != nil {
		s.logger.Warn("link workflow run", zap.String("workflow_run_id", run.ID), zap.Error(err))
	}
	if err := s.store.UpdateWorkflowRunStatus(ctx, run.ID, models.WorkflowRunRunning); err != nil {
		s.logger.Warn("mark workflow run running", zap.String("workflow_run_id", run.ID), zap.Error(err))
	}

	if err := s.launch(ctx, gen, jobs.JobGenerationRunWorkflow); err != nil {
		return nil, err
	}
	return &StartResult{GenerationID: gen.ID, ConversationID: conv.ID}, nil
}

// admitConversation resolves the target conversation: active-generation
// gate and owner check for an existing one, creation otherwise.
func (s *Service) admitConversation(ctx context.Context, req StartRequest) (*models.Conversation, error) {
	if req.ConversationID == "" {
		conv := &models.Conversation{
			ID:               uuid.New().String(),
			UserID:           req.UserID,
			Type:             models.ConversationTypeChat,
			Model:            req.Model,
			AutoApprove:      req.AutoApprove != nil && *req.AutoApprove,
			GenerationStatus: models.ConversationIdle,
			CreatedAt:        time.Now().UTC(),
			UpdatedAt:        time.Now().UTC(),
		}
		if err := s.store.CreateConversation(ctx, conv); err != nil {
			return nil, fmt.Errorf("create conversation: %w", err)
		}
		return conv, nil
	}

	active, err := s.store.FindActiveGeneration(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, ErrActiveExists
	}

	conv, err := s.loadOwnedConversation(ctx, req.ConversationID, req.UserID)
	if err != nil {
		return nil, err
	}
	if req.AutoApprove != nil && conv.AutoApprove != *req.AutoApprove {
		conv.AutoApprove = *req.AutoApprove
		if err := s.store.UpdateConversation(ctx, conv); err != nil {
			return nil, fmt.Errorf("persist auto-approve: %w", err)
		}
	}
	return conv, nil
}

// launch mirrors the conversation, schedules the stuck check, and hands
// the generation to a runner.
func (s *Service) launch(ctx context.Context, gen *models.Generation, jobName string) error {
	if err := s.store.UpdateConversationStatus(ctx, gen.ConversationID,
		models.ConversationGenerating, gen.ID); err != nil {
		return fmt.Errorf("mirror conversation status: %w", err)
	}

	if err := s.queue.Enqueue(ctx, jobs.JobPreparingStuckCheck,
		jobs.StuckCheckPayload{GenerationID: gen.ID},
		jobs.WithJobID("stuck:"+gen.ID),
		jobs.WithDelay(s.cfg.Generation.PreparingTimeoutDuration()),
	); err != nil {
		s.logger.WithGenerationID(gen.ID).Warn("enqueue stuck check", zap.Error(err))
	}

	s.broadcast(ctx, events.BuildGenerationStatusSubject(gen.ID), events.GenerationStarted,
		map[string]interface{}{
			"generation_id":   gen.ID,
			"conversation_id": gen.ConversationID,
			"status":          string(models.GenerationRunning),
		})

	if s.cfg.Generation.DeferToWorker {
		return s.queue.Enqueue(ctx, jobName,
			jobs.RunPayload{GenerationID: gen.ID},
			jobs.WithJobID("run:"+gen.ID))
	}
	s.runInBackground(gen.ID)
	return nil
}

// UploadAttachments stores user files ahead of admission and returns the
// object-store references. The queued-message path uploads eagerly so the
// files survive until the conversation frees up.
func (s *Service) UploadAttachments(ctx context.Context, uploads []AttachmentUpload) ([]models.Attachment, error) {
	return s.uploadAttachments(ctx, uploads)
}

func (s *Service) uploadAttachments(ctx context.Context, uploads []AttachmentUpload) ([]models.Attachment, error) {
	attachments := make([]models.Attachment, 0, len(uploads))
	for _, upload := range uploads {
		id, err := s.objects.Put(ctx, bytes.NewReader(upload.Data), objectstore.PutOptions{
			Name:      upload.Name,
			MediaType: upload.MediaType,
		})
		if err != nil {
			return nil, fmt.Errorf("upload attachment %s: %w", upload.Name, err)
		}
		attachments = append(attachments, models.Attachment{
			ID:        id,
			Name:      upload.Name,
			MediaType: upload.MediaType,
			Size:      int64(len(upload.Data)),
		})
	}
	return attachments, nil
}

func pickModel(requested, conversation string) string {
	if requested != "" {
		return requested
	}
	if conversation != "" {
		return conversation
	}
	return titler.DefaultModel
}

func (s *Service) broadcast(ctx context.Context, subject, eventType string, data map[string]interface{}) {
	if err := s.bus.Publish(ctx, subject, bus.NewEvent(eventType, eventSource, data)); err != nil {
		s.logger.Debug("broadcast event", zap.String("subject", subject), zap.Error(err))
	}
}
