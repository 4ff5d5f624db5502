package runner

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/internal/common/config"
	"github.com/parleyhq/parley/internal/common/logger"
	"github.com/parleyhq/parley/internal/events/bus"
	"github.com/parleyhq/parley/internal/generation/approval"
	"github.com/parleyhq/parley/internal/generation/jobs"
	"github.com/parleyhq/parley/internal/generation/lease"
	"github.com/parleyhq/parley/internal/generation/models"
	"github.com/parleyhq/parley/internal/generation/provider"
	"github.com/parleyhq/parley/internal/generation/repository"
	"github.com/parleyhq/parley/internal/objectstore"
	"github.com/parleyhq/parley/internal/skills"
	"github.com/parleyhq/parley/internal/titler"
	"github.com/parleyhq/parley/pkg/opencode"
)

func testLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	return log
}

func testRunnerConfig() *config.Config {
	return &config.Config{
		Generation: config.GenerationConfig{
			PreparingTimeout:   30,
			PromptTimeout:      30,
			CancelPollInterval: 1,
		},
		Approvals: config.ApprovalsConfig{
			ApprovalTimeout:      30,
			AuthTimeout:          30,
			DecisionPollInterval: 10,
		},
		Lease: config.LeaseConfig{TTL: 30, RenewInterval: 5},
	}
}

// scriptedClient replays a fixed event sequence when prompted.
type scriptedClient struct {
	script     []*opencode.SDKEventEnvelope
	holdPrompt bool

	mu       sync.Mutex
	ch       chan *opencode.SDKEventEnvelope
	prompts  []opencode.PromptRequest
	replies  []string
	rejected []string
	aborted  bool
}

func (c *scriptedClient) Subscribe(ctx context.Context) (<-chan *opencode.SDKEventEnvelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ch = make(chan *opencode.SDKEventEnvelope, len(c.script)+4)
	return c.ch, nil
}

func (c *scriptedClient) Prompt(ctx context.Context, req opencode.PromptRequest) error {
	c.mu.Lock()
	c.prompts = append(c.prompts, req)
	ch := c.ch
	c.mu.Unlock()

	if c.holdPrompt {
		<-ctx.Done()
		return ctx.Err()
	}
	for _, env := range c.script {
		select {
		case ch <- env:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (c *scriptedClient) Abort(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aborted = true
	return nil
}

func (c *scriptedClient) ReplyPermission(ctx context.Context, requestID, reply string, message *string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies = append(c.replies, requestID+":"+reply)
	return nil
}

func (c *scriptedClient) ReplyQuestion(ctx context.Context, requestID string, answers []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies = append(c.replies, requestID+":answered")
	return nil
}

func (c *scriptedClient) RejectQuestion(ctx context.Context, requestID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejected = append(c.rejected, requestID)
	return nil
}

func (c *scriptedClient) permissionReplies() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.replies))
	copy(out, c.replies)
	return out
}

// fakeSandbox keeps files in memory and answers commands with empty
// success so the post-processing scans find nothing.
type fakeSandbox struct {
	mu    sync.Mutex
	files map[string][]byte
}

func newFakeSandbox() *fakeSandbox {
	return &fakeSandbox{files: make(map[string][]byte)}
}

func (s *fakeSandbox) ReadFile(ctx context.Context, path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[path]
	if !ok {
		return nil, errors.New("no such file")
	}
	return data, nil
}

func (s *fakeSandbox) WriteFile(ctx context.Context, path string, content []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[path] = content
	return nil
}

func (s *fakeSandbox) RunCommand(ctx context.Context, cmd string) (*provider.CommandResult, error) {
	return &provider.CommandResult{ExitCode: 0}, nil
}

type stubProvider struct {
	mu      sync.Mutex
	session *provider.Session
	err     error
	calls   int
}

func (p *stubProvider) GetOrCreateSession(ctx context.Context, req provider.SessionRequest, opts provider.SessionOptions) (*provider.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	if opts.OnLifecycle != nil {
		opts.OnLifecycle(provider.StageSandboxCreated, "")
		opts.OnLifecycle(provider.StageSessionInitCompleted, "")
	}
	return p.session, nil
}

func (p *stubProvider) sessionCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type env struct {
	store    *repository.MemoryStore
	leases   *lease.MemoryLease
	queue    *jobs.MemoryQueue
	provider *stubProvider
	client   *scriptedClient
	runner   *Runner
}

func newEnv(t *testing.T, script []*opencode.SDKEventEnvelope) *env {
	t.Helper()
	store := repository.NewMemoryStore()
	leases := lease.NewMemoryLease()
	queue := jobs.NewMemoryQueue()
	log := testLogger()
	eventBus := bus.NewMemoryEventBus(log)
	cfg := testRunnerConfig()

	client := &scriptedClient{script: script}
	prov := &stubProvider{session: &provider.Session{
		Client:    client,
		Sandbox:   newFakeSandbox(),
		SessionID: "sess-1",
		SandboxID: "sb-1",
	}}

	objects, err := objectstore.NewFSStore(t.TempDir())
	require.NoError(t, err)

	r := New(Deps{
		Store:     store,
		Lease:     leases,
		Queue:     queue,
		Bus:       eventBus,
		Sessions:  prov,
		Approvals: approval.NewManager(store, queue, eventBus, cfg.Approvals, log),
		Objects:   objects,
		Skills:    skills.NewMemoryStore(),
		Titler:    titler.Noop{},
		Config:    cfg,
		Logger:    log,
	})
	return &env{store: store, leases: leases, queue: queue, provider: prov, client: client, runner: r}
}

func (e *env) seed(t *testing.T, userText string) *models.Generation {
	t.Helper()
	ctx := context.Background()
	conv := &models.Conversation{ID: "conv-1", UserID: "user-1", Type: models.ConversationTypeChat, Title: "existing"}
	require.NoError(t, e.store.CreateConversation(ctx, conv))
	gen := &models.Generation{ID: "gen-1", ConversationID: conv.ID, Model: "claude-sonnet-4-5"}
	require.NoError(t, e.store.InsertGeneration(ctx, gen))
	require.NoError(t, e.store.InsertMessage(ctx, &models.Message{
		ID:             "msg-user",
		ConversationID: conv.ID,
		GenerationID:   gen.ID,
		Role:           models.MessageRoleUser,
		Content:        userText,
	}))
	return gen
}

func sdkEnvelope(t *testing.T, eventType string, props interface{}) *opencode.SDKEventEnvelope {
	t.Helper()
	raw, err := json.Marshal(props)
	require.NoError(t, err)
	return &opencode.SDKEventEnvelope{Type: eventType, Properties: raw}
}

func happyScript(t *testing.T, answer string) []*opencode.SDKEventEnvelope {
	return []*opencode.SDKEventEnvelope{
		sdkEnvelope(t, opencode.SDKEventMessageUpdated, opencode.MessageUpdatedProperties{
			Info: opencode.MessageInfo{ID: "m-1", Role: "assistant",
				Tokens: &opencode.MessageTokensInfo{Input: 50, Output: 20}},
		}),
		sdkEnvelope(t, opencode.SDKEventMessagePartUpdated, opencode.MessagePartUpdatedProperties{
			Part: opencode.Part{ID: "p-1", Type: opencode.PartTypeText, MessageID: "m-1", Text: answer},
		}),
		{Type: opencode.SDKEventSessionIdle},
	}
}

func TestRunHappyPath(t *testing.T) {
	e := newEnv(t, happyScript(t, "All done."))
	gen := e.seed(t, "Say hi to the team")
	ctx := context.Background()

	require.NoError(t, e.runner.Run(ctx, gen.ID))

	final, err := e.store.GetGeneration(ctx, gen.ID)
	require.NoError(t, err)
	assert.Equal(t, models.GenerationCompleted, final.Status)
	assert.Equal(t, PhaseGenerationCompleted, final.Phase)
	assert.Equal(t, 50, final.InputTokens)
	assert.Equal(t, 20, final.OutputTokens)
	assert.NotNil(t, final.CompletedAt)
	assert.Equal(t, "sb-1", final.SandboxID)

	msg, err := e.store.GetMessage(ctx, final.MessageID)
	require.NoError(t, err)
	assert.Equal(t, models.MessageRoleAssistant, msg.Role)
	assert.Equal(t, "All done.", msg.Content)

	// Phase timings cover the whole timeline.
	for _, phase := range []string{PhaseGenerationStarted, PhaseAgentInitStarted, PhasePromptSent, PhaseFirstEventReceived, PhaseGenerationCompleted} {
		assert.Contains(t, msg.Timing, phase)
	}

	conv, err := e.store.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, models.ConversationIdle, conv.GenerationStatus)
	assert.Equal(t, "sess-1", conv.SessionID)

	// Finalize kicks queued-message processing.
	found := false
	for _, job := range e.queue.Jobs() {
		if job.Name == jobs.JobQueuedMessageProcess {
			found = true
		}
	}
	assert.True(t, found)
}

func TestRunSkipsTerminalGeneration(t *testing.T) {
	e := newEnv(t, nil)
	gen := e.seed(t, "hello")
	ctx := context.Background()
	require.NoError(t, e.store.FinalizeGeneration(ctx, gen.ID, models.GenerationCompleted, "", "", 0, 0, nil))

	require.NoError(t, e.runner.Run(ctx, gen.ID))
	assert.Equal(t, 0, e.provider.sessionCalls())
}

func TestRunSkipsWhenLeaseHeldElsewhere(t *testing.T) {
	e := newEnv(t, nil)
	gen := e.seed(t, "hello")
	ctx := context.Background()

	_, acquired, err := e.leases.Acquire(ctx, lease.GenerationKey(gen.ID), time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	require.NoError(t, e.runner.Run(ctx, gen.ID))
	assert.Equal(t, 0, e.provider.sessionCalls())

	current, _ := e.store.GetGeneration(ctx, gen.ID)
	assert.Equal(t, models.GenerationRunning, current.Status)
}

func TestRunMissingGenerationIsNoOp(t *testing.T) {
	e := newEnv(t, nil)
	require.NoError(t, e.runner.Run(context.Background(), "no-such-generation"))
}

func TestRunProviderFailureFinalizesError(t *testing.T) {
	e := newEnv(t, nil)
	e.provider.err = errors.New("docker daemon unreachable")
	gen := e.seed(t, "hello")
	ctx := context.Background()

	require.NoError(t, e.runner.Run(ctx, gen.ID))

	final, err := e.store.GetGeneration(ctx, gen.ID)
	require.NoError(t, err)
	assert.Equal(t, models.GenerationError, final.Status)
	assert.Contains(t, final.ErrorMessage, "docker daemon unreachable")

	msg, err := e.store.GetMessage(ctx, final.MessageID)
	require.NoError(t, err)
	assert.Equal(t, models.ErrorAssistantBody, msg.Content)
}

func TestRunDurableCancel(t *testing.T) {
	e := newEnv(t, nil)
	e.client.holdPrompt = true
	gen := e.seed(t, "long task")
	ctx := context.Background()
	require.NoError(t, e.store.RequestCancel(ctx, gen.ID, time.Now().UTC()))

	require.NoError(t, e.runner.Run(ctx, gen.ID))

	final, err := e.store.GetGeneration(ctx, gen.ID)
	require.NoError(t, err)
	assert.Equal(t, models.GenerationCancelled, final.Status)

	msg, err := e.store.GetMessage(ctx, final.MessageID)
	require.NoError(t, err)
	assert.Equal(t, models.InterruptedByUser, msg.Content)
}

func TestRunSessionReset(t *testing.T) {
	e := newEnv(t, nil)
	gen := e.seed(t, models.SessionResetCommand)
	ctx := context.Background()
	require.NoError(t, e.store.UpdateConversationSession(ctx, "conv-1", "sb-old", "sess-old"))

	require.NoError(t, e.runner.Run(ctx, gen.ID))

	final, err := e.store.GetGeneration(ctx, gen.ID)
	require.NoError(t, err)
	assert.Equal(t, models.GenerationCompleted, final.Status)

	msg, err := e.store.GetMessage(ctx, final.MessageID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionResetAssistantBody, msg.Content)

	conv, err := e.store.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "", conv.SessionID)
	// The sandbox survives a session reset.
	assert.Equal(t, "sb-old", conv.SandboxID)

	msgs, err := e.store.ListMessages(ctx, "conv-1", 0)
	require.NoError(t, err)
	var boundary bool
	for _, m := range msgs {
		if m.Role == models.MessageRoleSystem && m.Content == models.SessionBoundaryMarker {
			boundary = true
		}
	}
	assert.True(t, boundary)
}

func TestRunPermissionApprovedByUser(t *testing.T) {
	toolInput, err := json.Marshal(map[string]interface{}{"command": "slack send #general hi"})
	require.NoError(t, err)

	script := []*opencode.SDKEventEnvelope{
		sdkEnvelope(t, opencode.SDKEventMessageUpdated, opencode.MessageUpdatedProperties{
			Info: opencode.MessageInfo{ID: "m-1", Role: "assistant"},
		}),
		sdkEnvelope(t, opencode.SDKEventMessagePartUpdated, opencode.MessagePartUpdatedProperties{
			Part: opencode.Part{
				ID: "p-tool", Type: opencode.PartTypeTool, MessageID: "m-1",
				CallID: "call-1", Tool: "bash",
				State: &opencode.ToolStateUpdate{Status: opencode.ToolStatusRunning, Input: toolInput},
			},
		}),
		sdkEnvelope(t, opencode.SDKEventPermissionAsked, opencode.PermissionAskedProperties{
			ID: "perm-1", Permission: "bash",
			Tool: &opencode.PermissionToolInfo{CallID: "call-1"},
		}),
		sdkEnvelope(t, opencode.SDKEventMessagePartUpdated, opencode.MessagePartUpdatedProperties{
			Part: opencode.Part{ID: "p-2", Type: opencode.PartTypeText, MessageID: "m-1", Text: "Sent."},
		}),
		{Type: opencode.SDKEventSessionIdle},
	}

	e := newEnv(t, script)
	gen := e.seed(t, "message the team")
	ctx := context.Background()

	// The user approves as soon as the request surfaces.
	go func() {
		for i := 0; i < 400; i++ {
			g, err := e.store.GetGeneration(ctx, gen.ID)
			if err == nil && g.Status == models.GenerationAwaitingApproval && g.PendingApproval != nil {
				_, _ = e.runner.approvals.SubmitApproval(ctx, gen.ID, g.PendingApproval.ToolUseID, "allow", "user-1", nil)
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	require.NoError(t, e.runner.Run(ctx, gen.ID))

	assert.Contains(t, e.client.permissionReplies(), "perm-1:"+opencode.PermissionReplyAlways)

	final, err := e.store.GetGeneration(ctx, gen.ID)
	require.NoError(t, err)
	assert.Equal(t, models.GenerationCompleted, final.Status)

	msg, err := e.store.GetMessage(ctx, final.MessageID)
	require.NoError(t, err)
	var approvalPart *models.ContentPart
	for i := range msg.ContentParts {
		if msg.ContentParts[i].Type == models.PartApproval {
			approvalPart = &msg.ContentParts[i]
		}
	}
	require.NotNil(t, approvalPart)
	assert.Equal(t, models.ApprovalStatusApproved, approvalPart.Status)
	assert.Equal(t, "call-1", approvalPart.ToolUseID)
	assert.Equal(t, "slack", approvalPart.Integration)
	assert.Equal(t, "send", approvalPart.Operation)
}

func TestRunPermissionAutoApproved(t *testing.T) {
	script := []*opencode.SDKEventEnvelope{
		sdkEnvelope(t, opencode.SDKEventMessageUpdated, opencode.MessageUpdatedProperties{
			Info: opencode.MessageInfo{ID: "m-1", Role: "assistant"},
		}),
		sdkEnvelope(t, opencode.SDKEventPermissionAsked, opencode.PermissionAskedProperties{
			ID: "perm-2", Permission: "bash",
		}),
		{Type: opencode.SDKEventSessionIdle},
	}

	e := newEnv(t, script)
	gen := e.seed(t, "read the docs")
	ctx := context.Background()
	require.NoError(t, e.store.UpdateConversation(ctx, &models.Conversation{
		ID: "conv-1", UserID: "user-1", Type: models.ConversationTypeChat, AutoApprove: true,
	}))

	require.NoError(t, e.runner.Run(ctx, gen.ID))

	assert.Contains(t, e.client.permissionReplies(), "perm-2:"+opencode.PermissionReplyAlways)

	// Auto-approved calls never park the generation.
	final, _ := e.store.GetGeneration(ctx, gen.ID)
	assert.Equal(t, models.GenerationCompleted, final.Status)
}

func TestRunSessionErrorFinalizesError(t *testing.T) {
	script := []*opencode.SDKEventEnvelope{
		sdkEnvelope(t, opencode.SDKEventMessageUpdated, opencode.MessageUpdatedProperties{
			Info: opencode.MessageInfo{ID: "m-1", Role: "assistant"},
		}),
		sdkEnvelope(t, opencode.SDKEventSessionError, opencode.SessionErrorProperties{
			Error: &opencode.SDKError{Message: "model overloaded"},
		}),
	}

	e := newEnv(t, script)
	gen := e.seed(t, "hello")
	ctx := context.Background()

	require.NoError(t, e.runner.Run(ctx, gen.ID))

	final, err := e.store.GetGeneration(ctx, gen.ID)
	require.NoError(t, err)
	assert.Equal(t, models.GenerationError, final.Status)
	assert.Contains(t, final.ErrorMessage, "model overloaded")
}

func TestRunResumeSeedsExistingTranscript(t *testing.T) {
	e := newEnv(t, happyScript(t, "Here is more."))
	gen := e.seed(t, "continue please")
	ctx := context.Background()

	prior := []models.ContentPart{{Type: models.PartText, Text: "Earlier progress."}}
	require.NoError(t, e.store.SetGenerationContent(ctx, gen.ID, prior, 10, 5))

	require.NoError(t, e.runner.Run(ctx, gen.ID))

	final, err := e.store.GetGeneration(ctx, gen.ID)
	require.NoError(t, err)
	msg, err := e.store.GetMessage(ctx, final.MessageID)
	require.NoError(t, err)

	var texts []string
	for _, part := range msg.ContentParts {
		if part.Type == models.PartText {
			texts = append(texts, part.Text)
		}
	}
	assert.Equal(t, []string{"Earlier progress.", "Here is more."}, texts)
}

func TestPrePromptCacheKeyStability(t *testing.T) {
	now := time.Now().UTC()
	sk := []*skills.Skill{{Name: "weekly-report", UpdatedAt: now}}
	ci := []*skills.CustomIntegration{{Name: "crm", UpdatedAt: now, CredentialsUpdatedAt: now}}

	a := prePromptCacheKey("user-1", []string{"slack", "gmail"}, sk, ci)
	b := prePromptCacheKey("user-1", []string{"gmail", "slack"}, sk, ci)
	assert.Equal(t, a, b)

	c := prePromptCacheKey("user-2", []string{"slack", "gmail"}, sk, ci)
	assert.NotEqual(t, a, c)

	rotated := []*skills.CustomIntegration{{Name: "crm", UpdatedAt: now, CredentialsUpdatedAt: now.Add(time.Hour)}}
	d := prePromptCacheKey("user-1", []string{"slack", "gmail"}, sk, rotated)
	assert.NotEqual(t, a, d)
}
