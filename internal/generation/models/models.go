// Package models defines the persisted records for conversations,
// generations, messages, and queued messages.
package models

import (
	"time"
)

// ConversationType distinguishes user chats from workflow-triggered threads
type ConversationType string

const (
	// ConversationTypeChat is a user-driven conversation
	ConversationTypeChat ConversationType = "chat"
	// ConversationTypeWorkflow is a conversation created by a workflow trigger
	ConversationTypeWorkflow ConversationType = "workflow"
)

// GenerationStatus represents the lifecycle state of a generation
type GenerationStatus string

const (
	// GenerationRunning means the runner is actively producing output
	GenerationRunning GenerationStatus = "running"
	// GenerationAwaitingApproval means a tool call is waiting on a user decision
	GenerationAwaitingApproval GenerationStatus = "awaiting_approval"
	// GenerationAwaitingAuth means the run is waiting on credential setup
	GenerationAwaitingAuth GenerationStatus = "awaiting_auth"
	// GenerationPaused means an approval timed out and the run was parked
	GenerationPaused GenerationStatus = "paused"
	// GenerationCompleted is the successful terminal state
	GenerationCompleted GenerationStatus = "completed"
	// GenerationCancelled is the user-cancelled terminal state
	GenerationCancelled GenerationStatus = "cancelled"
	// GenerationError is the failed terminal state
	GenerationError GenerationStatus = "error"
)

// IsTerminal reports whether no further mutation of the generation is permitted
func (s GenerationStatus) IsTerminal() bool {
	switch s {
	case GenerationCompleted, GenerationCancelled, GenerationError:
		return true
	}
	return false
}

// NonTerminalStatuses lists every status that counts as "active" for
// admission checks and the single-active-generation constraint.
func NonTerminalStatuses() []GenerationStatus {
	return []GenerationStatus{
		GenerationRunning,
		GenerationAwaitingApproval,
		GenerationAwaitingAuth,
		GenerationPaused,
	}
}

// ConversationStatus mirrors the state of a conversation's current generation
type ConversationStatus string

const (
	ConversationIdle             ConversationStatus = "idle"
	ConversationGenerating       ConversationStatus = "generating"
	ConversationAwaitingApproval ConversationStatus = "awaiting_approval"
	ConversationAwaitingAuth     ConversationStatus = "awaiting_auth"
	ConversationPaused           ConversationStatus = "paused"
	ConversationComplete         ConversationStatus = "complete"
	ConversationError            ConversationStatus = "error"
)

// ConversationStatusFor maps a generation status onto the conversation
// mirror. Cancelled generations return the conversation to idle so the
// next queued message can run.
func ConversationStatusFor(s GenerationStatus) ConversationStatus {
	switch s {
	case GenerationRunning:
		return ConversationGenerating
	case GenerationAwaitingApproval:
		return ConversationAwaitingApproval
	case GenerationAwaitingAuth:
		return ConversationAwaitingAuth
	case GenerationPaused:
		return ConversationPaused
	case GenerationCompleted:
		return ConversationComplete
	case GenerationCancelled:
		return ConversationIdle
	case GenerationError:
		return ConversationError
	}
	return ConversationIdle
}

// QueuedMessageStatus represents the state of a buffered user turn
type QueuedMessageStatus string

const (
	QueuedMessageQueued     QueuedMessageStatus = "queued"
	QueuedMessageProcessing QueuedMessageStatus = "processing"
	QueuedMessageSent       QueuedMessageStatus = "sent"
	QueuedMessageFailed     QueuedMessageStatus = "failed"
)

// WorkflowRunStatus mirrors generation status onto a workflow run
type WorkflowRunStatus string

const (
	WorkflowRunRunning          WorkflowRunStatus = "running"
	WorkflowRunAwaitingApproval WorkflowRunStatus = "awaiting_approval"
	WorkflowRunAwaitingAuth     WorkflowRunStatus = "awaiting_auth"
	WorkflowRunCompleted        WorkflowRunStatus = "completed"
	WorkflowRunCancelled        WorkflowRunStatus = "cancelled"
	WorkflowRunError            WorkflowRunStatus = "error"
)

// WorkflowRunStatusFor maps a generation status onto the workflow-run mirror.
func WorkflowRunStatusFor(s GenerationStatus) WorkflowRunStatus {
	switch s {
	case GenerationAwaitingApproval:
		return WorkflowRunAwaitingApproval
	case GenerationAwaitingAuth:
		return WorkflowRunAwaitingAuth
	case GenerationCompleted:
		return WorkflowRunCompleted
	case GenerationCancelled, GenerationPaused:
		// A paused workflow run will never be resumed by a user; treat as cancelled.
		return WorkflowRunCancelled
	case GenerationError:
		return WorkflowRunError
	}
	return WorkflowRunRunning
}

// MessageRole identifies who authored a persisted message
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	MessageRoleSystem    MessageRole = "system"
)

// ContentPartType tags the variants of a content part
type ContentPartType string

const (
	PartText       ContentPartType = "text"
	PartToolUse    ContentPartType = "tool_use"
	PartToolResult ContentPartType = "tool_result"
	PartThinking   ContentPartType = "thinking"
	PartApproval   ContentPartType = "approval"
	PartSystem     ContentPartType = "system"
)

// Approval part status values
const (
	ApprovalStatusApproved = "approved"
	ApprovalStatusDenied   = "denied"
)

// Decision values written into a pending approval
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// Provider request kinds carried on a pending approval
const (
	RequestKindPermission = "permission"
	RequestKindQuestion   = "question"
)

// MaxToolResultLen caps the stored content of a tool_result part.
const MaxToolResultLen = 10000

// Fixed bodies used when a run ends without a normal answer
const (
	// InterruptedByUser marks a user cancellation in the transcript
	InterruptedByUser = "Interrupted by user"
	// ErrorAssistantBody is the assistant body for a failed run
	ErrorAssistantBody = "I apologize, but I ran into an error while processing your request. Please try again."
	// SessionResetCommand triggers a session reset instead of a prompt
	SessionResetCommand = "/new"
	// SessionBoundaryMarker tags the system message inserted on reset
	SessionBoundaryMarker = "SESSION_BOUNDARY"
	// SessionResetAssistantBody is the fixed assistant body after a reset
	SessionResetAssistantBody = "Started a new session. Earlier context will not be carried forward."
)

// ContentPart is one tagged entry in a generation's output stream.
// Exactly one variant's fields are populated, selected by Type:
//
//	text        { text }
//	tool_use    { id, name, input, integration?, operation? }
//	tool_result { tool_use_id, content }
//	thinking    { id, content }
//	approval    { tool_use_id, tool_name, tool_input, integration, operation, command?, status, question_answers? }
//	system      { content }
type ContentPart struct {
	Type ContentPartType `json:"type"`

	Text string `json:"text,omitempty"`

	ID          string                 `json:"id,omitempty"`
	Name        string                 `json:"name,omitempty"`
	Input       map[string]interface{} `json:"input,omitempty"`
	Integration string                 `json:"integration,omitempty"`
	Operation   string                 `json:"operation,omitempty"`

	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`

	ToolName        string                 `json:"tool_name,omitempty"`
	ToolInput       map[string]interface{} `json:"tool_input,omitempty"`
	Command         string                 `json:"command,omitempty"`
	Status          string                 `json:"status,omitempty"`
	QuestionAnswers []string               `json:"question_answers,omitempty"`
}

// PendingApproval is the payload persisted while a generation waits on a
// tool approval decision.
type PendingApproval struct {
	ToolUseID              string                 `json:"tool_use_id"`
	ToolName               string                 `json:"tool_name"`
	ToolInput              map[string]interface{} `json:"tool_input,omitempty"`
	RequestedAt            time.Time              `json:"requested_at"`
	ExpiresAt              time.Time              `json:"expires_at"`
	Integration            string                 `json:"integration,omitempty"`
	Operation              string                 `json:"operation,omitempty"`
	Command                string                 `json:"command,omitempty"`
	Decision               string                 `json:"decision,omitempty"`
	QuestionAnswers        []string               `json:"question_answers,omitempty"`
	ProviderRequestKind    string                 `json:"provider_request_kind,omitempty"`
	ProviderRequestID      string                 `json:"provider_request_id,omitempty"`
	ProviderDefaultAnswers []string               `json:"provider_default_answers,omitempty"`
}

// PendingAuth is the payload persisted while a generation waits on
// credential setup for one or more integrations.
type PendingAuth struct {
	Integrations          []string  `json:"integrations"`
	ConnectedIntegrations []string  `json:"connected_integrations"`
	RequestedAt           time.Time `json:"requested_at"`
	ExpiresAt             time.Time `json:"expires_at"`
	Reason                string    `json:"reason,omitempty"`
}

// Satisfied reports whether every requested integration has connected.
func (p *PendingAuth) Satisfied() bool {
	connected := make(map[string]bool, len(p.ConnectedIntegrations))
	for _, name := range p.ConnectedIntegrations {
		connected[name] = true
	}
	for _, name := range p.Integrations {
		if !connected[name] {
			return false
		}
	}
	return true
}

// Attachment describes a user-provided file carried with a turn
type Attachment struct {
	ID        string `json:"id,omitempty"` // object store id
	Name      string `json:"name"`
	MediaType string `json:"media_type,omitempty"`
	Size      int64  `json:"size,omitempty"`
}

// IsImage reports whether the attachment can be passed inline as a prompt part.
func (a Attachment) IsImage() bool {
	switch a.MediaType {
	case "image/png", "image/jpeg", "image/gif", "image/webp":
		return true
	}
	return false
}

// SandboxFile describes a file the model produced inside the sandbox that
// was surfaced and uploaded during post-processing.
type SandboxFile struct {
	ID   string `json:"id"` // object store id
	Path string `json:"path"`
	Name string `json:"name"`
	Size int64  `json:"size,omitempty"`
}

// ExecutionPolicy is the immutable per-generation configuration captured
// at admission time.
type ExecutionPolicy struct {
	AllowedIntegrations       []string     `json:"allowed_integrations,omitempty"`
	AllowedCustomIntegrations []string     `json:"allowed_custom_integrations,omitempty"`
	AutoApprove               bool         `json:"auto_approve"`
	SelectedSkills            []string     `json:"selected_platform_skills,omitempty"`
	FileAttachments           []Attachment `json:"file_attachments,omitempty"`
}

// Conversation is a logical thread of turns sharing model and session state
type Conversation struct {
	ID                  string             `json:"id"`
	UserID              string             `json:"user_id"`
	Type                ConversationType   `json:"type"`
	Model               string             `json:"model,omitempty"`
	AutoApprove         bool               `json:"auto_approve"`
	CurrentGenerationID string             `json:"current_generation_id,omitempty"`
	GenerationStatus    ConversationStatus `json:"generation_status"`
	SandboxID           string             `json:"sandbox_id,omitempty"`
	SessionID           string             `json:"opencode_session_id,omitempty"`
	Title               string             `json:"title,omitempty"`
	CreatedAt           time.Time          `json:"created_at"`
	UpdatedAt           time.Time          `json:"updated_at"`
}

// Generation is one end-to-end run through the orchestrator
type Generation struct {
	ID              string           `json:"id"`
	ConversationID  string           `json:"conversation_id"`
	WorkflowRunID   string           `json:"workflow_run_id,omitempty"`
	Status          GenerationStatus `json:"status"`
	Model           string           `json:"model"`
	Phase           string           `json:"phase,omitempty"`
	ContentParts    []ContentPart    `json:"content_parts"`
	PendingApproval *PendingApproval `json:"pending_approval,omitempty"`
	PendingAuth     *PendingAuth     `json:"pending_auth,omitempty"`
	Policy          ExecutionPolicy  `json:"execution_policy"`
	InputTokens     int              `json:"input_tokens"`
	OutputTokens    int              `json:"output_tokens"`
	SandboxID       string           `json:"sandbox_id,omitempty"`
	MessageID       string           `json:"message_id,omitempty"`
	ErrorMessage    string           `json:"error_message,omitempty"`
	IsFinalizing    bool             `json:"is_finalizing,omitempty"`
	Timing          map[string]int64 `json:"timing,omitempty"`
	StartedAt       time.Time        `json:"started_at"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
	CancelRequested *time.Time       `json:"cancel_requested_at,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// FindToolUse returns the tool_use part with the given id, or nil.
func (g *Generation) FindToolUse(toolUseID string) *ContentPart {
	for i := range g.ContentParts {
		part := &g.ContentParts[i]
		if part.Type == PartToolUse && part.ID == toolUseID {
			return part
		}
	}
	return nil
}

// Message is a persisted chat turn
type Message struct {
	ID             string           `json:"id"`
	ConversationID string           `json:"conversation_id"`
	GenerationID   string           `json:"generation_id,omitempty"`
	Role           MessageRole      `json:"role"`
	Content        string           `json:"content"`
	ContentParts   []ContentPart    `json:"content_parts,omitempty"`
	InputTokens    int              `json:"input_tokens,omitempty"`
	OutputTokens   int              `json:"output_tokens,omitempty"`
	Timing         map[string]int64 `json:"timing,omitempty"`
	Attachments    []Attachment     `json:"attachments,omitempty"`
	SandboxFiles   []SandboxFile    `json:"sandbox_files,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

// QueuedMessage is a user turn buffered while another generation runs
type QueuedMessage struct {
	ID             string              `json:"id"`
	ConversationID string              `json:"conversation_id"`
	UserID         string              `json:"user_id"`
	Content        string              `json:"content"`
	Attachments    []Attachment        `json:"file_attachments,omitempty"`
	SelectedSkills []string            `json:"selected_platform_skills,omitempty"`
	Status         QueuedMessageStatus `json:"status"`
	GenerationID   string              `json:"generation_id,omitempty"`
	ErrorMessage   string              `json:"error_message,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// WorkflowRun mirrors the status of a workflow-triggered generation
type WorkflowRun struct {
	ID             string            `json:"id"`
	WorkflowID     string            `json:"workflow_id"`
	ConversationID string            `json:"conversation_id,omitempty"`
	GenerationID   string            `json:"generation_id,omitempty"`
	Title          string            `json:"title,omitempty"`
	Content        string            `json:"content,omitempty"`
	Status         WorkflowRunStatus `json:"status"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}
