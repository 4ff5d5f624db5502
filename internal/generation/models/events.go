package models

import "time"

// GenerationEventType tags events emitted on the subscription stream
type GenerationEventType string

const (
	EventText            GenerationEventType = "text"
	EventThinking        GenerationEventType = "thinking"
	EventToolUse         GenerationEventType = "tool_use"
	EventToolResult      GenerationEventType = "tool_result"
	EventApproval        GenerationEventType = "approval"
	EventPendingApproval GenerationEventType = "pending_approval"
	EventAuthNeeded      GenerationEventType = "auth_needed"
	EventAuthProgress    GenerationEventType = "auth_progress"
	EventStatusChange    GenerationEventType = "status_change"
	EventDone            GenerationEventType = "done"
	EventError           GenerationEventType = "error"
)

// GenerationEvent is one externally visible event on a generation stream.
// Text and thinking events carry deltas; their concatenation equals the
// stored full text of the corresponding content part.
type GenerationEvent struct {
	Type         GenerationEventType `json:"type"`
	GenerationID string              `json:"generation_id"`
	Timestamp    time.Time           `json:"timestamp"`

	// text / thinking delta
	Text string `json:"text,omitempty"`

	// tool_use / tool_result / approval full part
	Part *ContentPart `json:"part,omitempty"`

	// status_change
	Status GenerationStatus `json:"status,omitempty"`
	Phase  string           `json:"phase,omitempty"`

	// pending_approval / auth_needed / auth_progress
	PendingApproval *PendingApproval `json:"pending_approval,omitempty"`
	PendingAuth     *PendingAuth     `json:"pending_auth,omitempty"`

	// error
	Message   string `json:"message,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`

	// done
	Done *DonePayload `json:"done,omitempty"`
}

// DonePayload carries the finalized artifacts on the terminal done event
type DonePayload struct {
	MessageID    string           `json:"message_id"`
	InputTokens  int              `json:"input_tokens"`
	OutputTokens int              `json:"output_tokens"`
	Timing       map[string]int64 `json:"timing,omitempty"`
	Attachments  []Attachment     `json:"attachments,omitempty"`
	SandboxFiles []SandboxFile    `json:"sandbox_files,omitempty"`
}
