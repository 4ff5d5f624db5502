package jobs

// RunPayload starts (or resumes) a generation on a worker.
type RunPayload struct {
	GenerationID string `json:"generation_id"`
}

// TimeoutPayload fires a delayed approval or auth expiry check. Kind is
// "approval" or "auth".
type TimeoutPayload struct {
	GenerationID string `json:"generation_id"`
	Kind         string `json:"kind"`
}

// StuckCheckPayload probes a generation still preparing past its budget.
type StuckCheckPayload struct {
	GenerationID string `json:"generation_id"`
}

// QueuedProcessPayload drains the queued messages of a conversation.
type QueuedProcessPayload struct {
	ConversationID string `json:"conversation_id"`
}

// Timeout kinds carried in TimeoutPayload.
const (
	TimeoutKindApproval = "approval"
	TimeoutKindAuth     = "auth"
)
