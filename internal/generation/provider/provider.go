// Package provider defines the sandbox/agent session boundary the
// orchestrator consumes. A SessionProvider creates or reuses an isolated
// execution environment plus an upstream chat session and hands back the
// handles the runner drives the turn through.
package provider

import (
	"context"

	"github.com/parleyhq/parley/pkg/opencode"
)

// LifecycleStage identifies one step of session preparation. Stages
// arrive in logical order on the OnLifecycle callback.
type LifecycleStage string

const (
	StageSandboxCheckingCache LifecycleStage = "sandbox_checking_cache"
	StageSandboxReused        LifecycleStage = "sandbox_reused"
	StageSandboxCreated       LifecycleStage = "sandbox_created"
	StageOpenCodeStarting     LifecycleStage = "opencode_starting"
	StageOpenCodeReady        LifecycleStage = "opencode_ready"
	StageSessionCreating      LifecycleStage = "session_creating"
	StageSessionReused        LifecycleStage = "session_reused"
	StageSessionInitCompleted LifecycleStage = "session_init_completed"
)

// SessionRequest identifies the conversation a session serves and carries
// the material injected into the sandbox environment.
type SessionRequest struct {
	ConversationID string
	GenerationID   string
	UserID         string
	Model          string
	// SandboxID and SessionID are reuse hints from the conversation
	// record; empty values force fresh creation.
	SandboxID string
	SessionID string
	// Credentials and IntegrationEnv are exported into the sandbox
	// environment before the server starts.
	Credentials    map[string]string
	IntegrationEnv map[string]string
}

// SessionOptions tune one GetOrCreateSession call.
type SessionOptions struct {
	Title string
	// ReplayHistory asks the provider to restore prior conversation
	// context into a freshly created session.
	ReplayHistory bool
	// FreshSession ignores the SessionID reuse hint.
	FreshSession bool
	// OnLifecycle receives preparation stages as they happen. May be nil.
	OnLifecycle func(stage LifecycleStage, details string)
}

// Client speaks to the upstream model session. One subscription per
// session; cancelling the subscribe context terminates the stream.
type Client interface {
	// Subscribe opens the event stream for this session. The channel
	// closes when ctx is cancelled or the server ends the stream.
	Subscribe(ctx context.Context) (<-chan *opencode.SDKEventEnvelope, error)
	// Prompt returns when the provider has finished producing the turn.
	// Callers consume the event stream concurrently.
	Prompt(ctx context.Context, req opencode.PromptRequest) error
	// Abort is best-effort cancellation of the in-flight turn.
	Abort(ctx context.Context) error
	ReplyPermission(ctx context.Context, requestID, reply string, message *string) error
	ReplyQuestion(ctx context.Context, requestID string, answers []string) error
	RejectQuestion(ctx context.Context, requestID string) error
}

// CommandResult is the outcome of a sandbox command.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Sandbox exposes the file and shell surface of the execution
// environment.
type Sandbox interface {
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, content []byte) error
	RunCommand(ctx context.Context, cmd string) (*CommandResult, error)
}

// Session bundles the handles for one prepared sandbox + chat session.
type Session struct {
	Client    Client
	Sandbox   Sandbox
	SessionID string
	SandboxID string
	// SandboxReused reports whether an existing sandbox served this
	// session; the pre-prompt cache only applies to reused sandboxes.
	SandboxReused bool
	// SessionReused reports whether the provider session carried over
	// from a prior turn.
	SessionReused bool
}

// SessionProvider creates or reuses the sandbox and chat session for a
// generation.
type SessionProvider interface {
	GetOrCreateSession(ctx context.Context, req SessionRequest, opts SessionOptions) (*Session, error)
}
