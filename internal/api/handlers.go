// Package api exposes the orchestrator operations over HTTP. Every
// handler is a thin binding: decode, call the service, map the error.
// Ownership and state rules live in the service, not here.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/common/logger"
	"github.com/parleyhq/parley/internal/generation"
)

// Handlers binds the generation service to gin routes.
type Handlers struct {
	svc    *generation.Service
	logger *logger.Logger
}

// RegisterRoutes mounts all generation and queued-message routes.
func RegisterRoutes(router *gin.Engine, svc *generation.Service, log *logger.Logger) {
	h := &Handlers{
		svc:    svc,
		logger: log.WithFields(zap.String("component", "api")),
	}

	api := router.Group("/api/v1")
	api.POST("/generations", h.startGeneration)
	api.POST("/workflow-runs/:id/generations", h.startWorkflowGeneration)
	api.POST("/generations/:id/cancel", h.cancelGeneration)
	api.POST("/generations/:id/resume", h.resumeGeneration)
	api.POST("/generations/:id/approval", h.submitApproval)
	api.POST("/generations/:id/auth-result", h.submitAuthResult)
	api.GET("/generations/:id/stream", h.streamGeneration)

	api.POST("/conversations/:id/queued-messages", h.enqueueMessage)
	api.GET("/conversations/:id/queued-messages", h.listQueuedMessages)
	api.DELETE("/conversations/:id/queued-messages/:messageId", h.removeQueuedMessage)
	api.POST("/conversations/:id/queued-messages/process", h.processQueuedMessages)

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

// userID extracts the caller identity. Authentication proper happens
// upstream; the orchestrator only needs the id for ownership checks.
func userID(c *gin.Context) (string, bool) {
	id := c.GetHeader("X-User-ID")
	if id == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "X-User-ID header is required"})
		return "", false
	}
	return id, true
}

type attachmentBody struct {
	Name      string `json:"name"`
	MediaType string `json:"media_type"`
	Data      []byte `json:"data"` // base64 in JSON
}

type startGenerationRequest struct {
	ConversationID            string           `json:"conversation_id,omitempty"`
	Content                   string           `json:"content"`
	Model                     string           `json:"model,omitempty"`
	AutoApprove               *bool            `json:"auto_approve,omitempty"`
	AllowedIntegrations       []string         `json:"allowed_integrations,omitempty"`
	AllowedCustomIntegrations []string         `json:"allowed_custom_integrations,omitempty"`
	SelectedSkills            []string         `json:"selected_skills,omitempty"`
	Attachments               []attachmentBody `json:"attachments,omitempty"`
}

func (h *Handlers) startGeneration(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	var body startGenerationRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if body.Content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
		return
	}

	uploads := make([]generation.AttachmentUpload, 0, len(body.Attachments))
	for _, a := range body.Attachments {
		if a.Name == "" || len(a.Data) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "attachment name and data are required"})
			return
		}
		uploads = append(uploads, generation.AttachmentUpload{
			Name:      a.Name,
			MediaType: a.MediaType,
			Data:      a.Data,
		})
	}

	resp, err := h.svc.StartGeneration(c.Request.Context(), generation.StartRequest{
		ConversationID:            body.ConversationID,
		UserID:                    uid,
		Content:                   body.Content,
		Model:                     body.Model,
		AutoApprove:               body.AutoApprove,
		AllowedIntegrations:       body.AllowedIntegrations,
		AllowedCustomIntegrations: body.AllowedCustomIntegrations,
		SelectedSkills:            body.SelectedSkills,
		Attachments:               uploads,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

type startWorkflowRequest struct {
	Content                   string   `json:"content,omitempty"`
	Model                     string   `json:"model,omitempty"`
	AutoApprove               bool     `json:"auto_approve"`
	AllowedIntegrations       []string `json:"allowed_integrations,omitempty"`
	AllowedCustomIntegrations []string `json:"allowed_custom_integrations,omitempty"`
}

func (h *Handlers) startWorkflowGeneration(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	var body startWorkflowRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	resp, err := h.svc.StartWorkflowGeneration(c.Request.Context(), generation.WorkflowStartRequest{
		WorkflowRunID:             c.Param("id"),
		UserID:                    uid,
		Content:                   body.Content,
		Model:                     body.Model,
		AutoApprove:               body.AutoApprove,
		AllowedIntegrations:       body.AllowedIntegrations,
		AllowedCustomIntegrations: body.AllowedCustomIntegrations,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (h *Handlers) cancelGeneration(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	cancelled, err := h.svc.CancelGeneration(c.Request.Context(), c.Param("id"), uid)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": cancelled})
}

func (h *Handlers) resumeGeneration(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	resumed, err := h.svc.ResumeGeneration(c.Request.Context(), c.Param("id"), uid)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resumed": resumed})
}

type submitApprovalRequest struct {
	ToolUseID       string   `json:"tool_use_id"`
	Decision        string   `json:"decision"`
	QuestionAnswers []string `json:"question_answers,omitempty"`
}

func (h *Handlers) submitApproval(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	var body submitApprovalRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if body.Decision != "allow" && body.Decision != "deny" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "decision must be allow or deny"})
		return
	}

	accepted, err := h.svc.SubmitApproval(c.Request.Context(), c.Param("id"),
		body.ToolUseID, body.Decision, uid, body.QuestionAnswers)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accepted": accepted})
}

type submitAuthResultRequest struct {
	Integration string `json:"integration"`
	Success     bool   `json:"success"`
}

func (h *Handlers) submitAuthResult(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	var body submitAuthResultRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if body.Integration == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "integration is required"})
		return
	}

	accepted, err := h.svc.SubmitAuthResult(c.Request.Context(), c.Param("id"),
		body.Integration, body.Success, uid)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accepted": accepted})
}

type enqueueMessageRequest struct {
	Content        string           `json:"content"`
	SelectedSkills []string         `json:"selected_skills,omitempty"`
	Attachments    []attachmentBody `json:"attachments,omitempty"`
}

func (h *Handlers) enqueueMessage(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	var body enqueueMessageRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if body.Content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
		return
	}

	attachments, err := h.svc.UploadAttachments(c.Request.Context(), toUploads(body.Attachments))
	if err != nil {
		h.writeError(c, err)
		return
	}

	id, err := h.svc.EnqueueConversationMessage(c.Request.Context(), c.Param("id"), uid,
		body.Content, attachments, body.SelectedSkills)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"queued_message_id": id})
}

func toUploads(bodies []attachmentBody) []generation.AttachmentUpload {
	uploads := make([]generation.AttachmentUpload, 0, len(bodies))
	for _, a := range bodies {
		uploads = append(uploads, generation.AttachmentUpload{
			Name:      a.Name,
			MediaType: a.MediaType,
			Data:      a.Data,
		})
	}
	return uploads
}

func (h *Handlers) listQueuedMessages(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	msgs, err := h.svc.ListConversationQueuedMessages(c.Request.Context(), c.Param("id"), uid)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"queued_messages": msgs})
}

func (h *Handlers) removeQueuedMessage(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	removed, err := h.svc.RemoveConversationQueuedMessage(c.Request.Context(),
		c.Param("messageId"), c.Param("id"), uid)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

func (h *Handlers) processQueuedMessages(c *gin.Context) {
	if _, ok := userID(c); !ok {
		return
	}
	if err := h.svc.ProcessConversationQueuedMessages(c.Request.Context(), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"processing": true})
}
