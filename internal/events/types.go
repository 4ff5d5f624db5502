// Package events provides event types and utilities for the Parley event system.
package events

// Event types for generations
const (
	GenerationStarted       = "generation.started"
	GenerationStatusChanged = "generation.status_changed"
	GenerationFinished      = "generation.finished"
)

// Event types for generation content
const (
	GenerationContent = "generation.content" // Content parts appended to the live message
)

// Event types for approval and auth prompts
const (
	ApprovalRequested = "approval.requested" // Generation is waiting on a tool approval
	ApprovalResolved  = "approval.resolved"
	AuthRequested     = "auth.requested" // Generation is waiting on credential setup
	AuthProgress      = "auth.progress"
)

// Event types for conversations
const (
	ConversationStatusChanged = "conversation.status_changed"
	ConversationTitleUpdated  = "conversation.title_updated"
)

// Event types for queued messages
const (
	QueuedMessageStateChanged = "queued_message.state_changed"
)

// Event types for workflow runs
const (
	WorkflowRunStateChanged = "workflow_run.state_changed"
)

// BuildGenerationStatusSubject creates a status subject for a specific generation
func BuildGenerationStatusSubject(generationID string) string {
	return GenerationStatusChanged + "." + generationID
}

// BuildGenerationStatusWildcardSubject creates a wildcard subscription for all generation status events
func BuildGenerationStatusWildcardSubject() string {
	return GenerationStatusChanged + ".*"
}

// BuildGenerationContentSubject creates a content subject for a specific generation
func BuildGenerationContentSubject(generationID string) string {
	return GenerationContent + "." + generationID
}

// BuildGenerationContentWildcardSubject creates a wildcard subscription for all content events
func BuildGenerationContentWildcardSubject() string {
	return GenerationContent + ".*"
}

// BuildApprovalSubject creates an approval subject for a specific generation
func BuildApprovalSubject(generationID string) string {
	return ApprovalRequested + "." + generationID
}

// BuildApprovalWildcardSubject creates a wildcard subscription for all approval events
func BuildApprovalWildcardSubject() string {
	return ApprovalRequested + ".*"
}

// BuildAuthSubject creates an auth subject for a specific generation
func BuildAuthSubject(generationID string) string {
	return AuthRequested + "." + generationID
}

// BuildAuthWildcardSubject creates a wildcard subscription for all auth events
func BuildAuthWildcardSubject() string {
	return AuthRequested + ".*"
}

// BuildConversationSubject creates a conversation subject for a specific conversation
func BuildConversationSubject(conversationID string) string {
	return ConversationStatusChanged + "." + conversationID
}

// BuildConversationWildcardSubject creates a wildcard subscription for all conversation events
func BuildConversationWildcardSubject() string {
	return ConversationStatusChanged + ".*"
}

// BuildQueuedMessageSubject creates a queued message subject for a specific conversation
func BuildQueuedMessageSubject(conversationID string) string {
	return QueuedMessageStateChanged + "." + conversationID
}

// BuildQueuedMessageWildcardSubject creates a wildcard subscription for all queued message events
func BuildQueuedMessageWildcardSubject() string {
	return QueuedMessageStateChanged + ".*"
}
