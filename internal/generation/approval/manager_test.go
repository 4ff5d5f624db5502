package approval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/internal/common/config"
	"github.com/parleyhq/parley/internal/common/logger"
	"github.com/parleyhq/parley/internal/events/bus"
	"github.com/parleyhq/parley/internal/generation/jobs"
	"github.com/parleyhq/parley/internal/generation/models"
	"github.com/parleyhq/parley/internal/generation/repository"
)

func testLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	return log
}

func testConfig() config.ApprovalsConfig {
	return config.ApprovalsConfig{
		ApprovalTimeout:      60,
		AuthTimeout:          60,
		DecisionPollInterval: 10,
		ExemptTools:          []string{"slack:send"},
		AutoApproveRoots:     []string{"/home/user/uploads"},
	}
}

func newTestManager(t *testing.T, cfg config.ApprovalsConfig) (*Manager, *repository.MemoryStore, *jobs.MemoryQueue) {
	t.Helper()
	store := repository.NewMemoryStore()
	queue := jobs.NewMemoryQueue()
	log := testLogger()
	return NewManager(store, queue, bus.NewMemoryEventBus(log), cfg, log), store, queue
}

func seedGeneration(t *testing.T, store *repository.MemoryStore, userID string) *models.Generation {
	t.Helper()
	ctx := context.Background()
	conv := &models.Conversation{ID: "conv-1", UserID: userID, Type: models.ConversationTypeChat}
	require.NoError(t, store.CreateConversation(ctx, conv))
	gen := &models.Generation{ID: "gen-1", ConversationID: conv.ID, Model: "claude-sonnet-4-5"}
	require.NoError(t, store.InsertGeneration(ctx, gen))
	return gen
}

func TestClassifyCommand(t *testing.T) {
	info := ClassifyCommand("slack send #general 'hello'")
	assert.Equal(t, "slack", info.Integration)
	assert.Equal(t, "send", info.Operation)
	assert.True(t, info.IsWrite)

	info = ClassifyCommand("github list-prs --state open")
	assert.Equal(t, "github", info.Integration)
	assert.Equal(t, "list-prs", info.Operation)
	assert.False(t, info.IsWrite)

	// Env assignments and wrappers before the entrypoint are skipped.
	info = ClassifyCommand("FOO=bar env slack send hi")
	assert.Equal(t, "slack", info.Integration)
	assert.Equal(t, "send", info.Operation)

	// Only the first pipeline segment is attributed.
	info = ClassifyCommand("gmail list | grep urgent")
	assert.Equal(t, "gmail", info.Integration)
	assert.Equal(t, "list", info.Operation)

	// A path prefix still resolves to the integration name.
	info = ClassifyCommand("/usr/local/bin/linear create --title x")
	assert.Equal(t, "linear", info.Integration)
	assert.True(t, info.IsWrite)

	// Flags are not operations.
	info = ClassifyCommand("notion --help")
	assert.Equal(t, "notion", info.Integration)
	assert.Equal(t, "", info.Operation)

	assert.Equal(t, "", ClassifyCommand("ls -la /app").Integration)
	assert.Equal(t, "", ClassifyCommand("").Integration)
}

func TestShouldAutoApprove(t *testing.T) {
	m, _, _ := newTestManager(t, testConfig())

	assert.False(t, m.ShouldAutoApprove(false, Request{Integration: "github", Operation: "list"}))

	assert.True(t, m.ShouldAutoApprove(true, Request{Integration: "github", Operation: "create"}))
	assert.True(t, m.ShouldAutoApprove(true, Request{Integration: "slack", Operation: "list"}))

	// The exempt pair always asks.
	assert.False(t, m.ShouldAutoApprove(true, Request{Integration: "slack", Operation: "send"}))

	// A bash slack command with no recognized operation could still be a
	// send; it asks too.
	assert.False(t, m.ShouldAutoApprove(true, Request{
		Integration: "slack", Operation: "", Command: "slack --channel x",
	}))

	// A non-bash slack tool with an empty operation is not held back.
	assert.True(t, m.ShouldAutoApprove(true, Request{Integration: "slack", Operation: ""}))
}

func TestAutoApprovePatterns(t *testing.T) {
	m, _, _ := newTestManager(t, testConfig())

	assert.True(t, m.AutoApprovePatterns([]string{"/home/user/uploads/report.pdf"}))
	assert.True(t, m.AutoApprovePatterns([]string{"/home/user/uploads"}))
	assert.False(t, m.AutoApprovePatterns([]string{"/home/user/uploads/a", "/etc/passwd"}))
	assert.False(t, m.AutoApprovePatterns([]string{"/home/user/uploads-evil/x"}))
	assert.False(t, m.AutoApprovePatterns(nil))
}

func TestRequestApprovalResolvedByDecision(t *testing.T) {
	m, store, queue := newTestManager(t, testConfig())
	gen := seedGeneration(t, store, "user-1")
	ctx := context.Background()

	type result struct {
		decision *Decision
		err      error
	}
	done := make(chan result, 1)
	go func() {
		d, err := m.RequestApproval(ctx, gen, Request{
			ToolUseID: "tool-1", ToolName: "bash",
			Integration: "github", Operation: "create",
			Command: "github create-pr",
		})
		done <- result{d, err}
	}()

	// Wait until the pending approval is durable.
	require.Eventually(t, func() bool {
		g, err := store.GetGeneration(ctx, gen.ID)
		return err == nil && g.Status == models.GenerationAwaitingApproval && g.PendingApproval != nil
	}, 2*time.Second, 10*time.Millisecond)

	accepted, err := m.SubmitApproval(ctx, gen.ID, "tool-1", "allow", "user-1", nil)
	require.NoError(t, err)
	assert.True(t, accepted)

	res := <-done
	require.NoError(t, res.err)
	assert.True(t, res.decision.Allow)
	assert.False(t, res.decision.Paused)

	g, err := store.GetGeneration(ctx, gen.ID)
	require.NoError(t, err)
	assert.Equal(t, models.GenerationRunning, g.Status)
	assert.Nil(t, g.PendingApproval)

	// The timeout job was scheduled with a stable id.
	foundTimeout := false
	for _, job := range queue.Jobs() {
		if job.Name == jobs.JobApprovalTimeout {
			foundTimeout = true
		}
	}
	assert.True(t, foundTimeout)
}

func TestRequestApprovalDenied(t *testing.T) {
	m, store, _ := newTestManager(t, testConfig())
	gen := seedGeneration(t, store, "user-1")
	ctx := context.Background()

	done := make(chan *Decision, 1)
	go func() {
		d, err := m.RequestApproval(ctx, gen, Request{ToolUseID: "tool-1", ToolName: "bash"})
		require.NoError(t, err)
		done <- d
	}()

	require.Eventually(t, func() bool {
		g, _ := store.GetGeneration(ctx, gen.ID)
		return g != nil && g.PendingApproval != nil
	}, 2*time.Second, 10*time.Millisecond)

	accepted, err := m.SubmitApproval(ctx, gen.ID, "tool-1", "deny", "user-1", nil)
	require.NoError(t, err)
	assert.True(t, accepted)

	decision := <-done
	assert.False(t, decision.Allow)
	assert.False(t, decision.Paused)

	// A denial still resumes the run; the runner reports the refusal to
	// the provider and keeps going.
	g, _ := store.GetGeneration(ctx, gen.ID)
	assert.Equal(t, models.GenerationRunning, g.Status)
}

func TestSubmitApprovalStaleToolUse(t *testing.T) {
	m, store, _ := newTestManager(t, testConfig())
	gen := seedGeneration(t, store, "user-1")
	ctx := context.Background()

	require.NoError(t, store.SetPendingApproval(ctx, gen.ID, &models.PendingApproval{
		ToolUseID: "tool-current", ExpiresAt: time.Now().Add(time.Minute),
	}))

	accepted, err := m.SubmitApproval(ctx, gen.ID, "tool-old", "allow", "user-1", nil)
	require.NoError(t, err)
	assert.False(t, accepted)
}

func TestSubmitApprovalOwnership(t *testing.T) {
	m, store, _ := newTestManager(t, testConfig())
	gen := seedGeneration(t, store, "user-1")
	ctx := context.Background()

	_, err := m.SubmitApproval(ctx, gen.ID, "tool-1", "allow", "someone-else", nil)
	assert.ErrorIs(t, err, ErrAccessDenied)

	_, err = m.SubmitApproval(ctx, "missing-gen", "tool-1", "allow", "user-1", nil)
	assert.ErrorIs(t, err, ErrAccessDenied)
}

func TestAwaitDecisionReconciledElsewhere(t *testing.T) {
	m, store, _ := newTestManager(t, testConfig())
	gen := seedGeneration(t, store, "user-1")
	ctx := context.Background()

	done := make(chan *Decision, 1)
	go func() {
		d, err := m.RequestApproval(ctx, gen, Request{ToolUseID: "tool-1"})
		require.NoError(t, err)
		done <- d
	}()

	require.Eventually(t, func() bool {
		g, _ := store.GetGeneration(ctx, gen.ID)
		return g != nil && g.PendingApproval != nil
	}, 2*time.Second, 10*time.Millisecond)

	// Another process resolved the request and resumed the generation;
	// the poller infers an allow from the running status.
	require.NoError(t, store.ResumeRunning(ctx, gen.ID))

	decision := <-done
	assert.True(t, decision.Allow)
}

func TestAwaitDecisionCancelledGeneration(t *testing.T) {
	m, store, _ := newTestManager(t, testConfig())
	gen := seedGeneration(t, store, "user-1")
	ctx := context.Background()

	done := make(chan *Decision, 1)
	go func() {
		d, err := m.RequestApproval(ctx, gen, Request{ToolUseID: "tool-1"})
		require.NoError(t, err)
		done <- d
	}()

	require.Eventually(t, func() bool {
		g, _ := store.GetGeneration(ctx, gen.ID)
		return g != nil && g.PendingApproval != nil
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, store.RequestCancel(ctx, gen.ID, time.Now()))

	decision := <-done
	assert.False(t, decision.Allow)
}

func TestApprovalTimeoutPausesGeneration(t *testing.T) {
	m, store, _ := newTestManager(t, testConfig())
	gen := seedGeneration(t, store, "user-1")
	ctx := context.Background()

	require.NoError(t, store.SetPendingApproval(ctx, gen.ID, &models.PendingApproval{
		ToolUseID: "tool-1",
		ExpiresAt: time.Now().UTC().Add(-time.Second),
	}))

	require.NoError(t, m.HandleTimeout(ctx, gen.ID, jobs.TimeoutKindApproval))

	g, err := store.GetGeneration(ctx, gen.ID)
	require.NoError(t, err)
	assert.Equal(t, models.GenerationPaused, g.Status)
	assert.Nil(t, g.PendingApproval)

	conv, err := store.GetConversation(ctx, gen.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, models.ConversationPaused, conv.GenerationStatus)
}

func TestApprovalTimeoutStaleFiring(t *testing.T) {
	m, store, _ := newTestManager(t, testConfig())
	gen := seedGeneration(t, store, "user-1")
	ctx := context.Background()

	// The open request has not expired yet; the job fired for an earlier
	// request on the same generation.
	require.NoError(t, store.SetPendingApproval(ctx, gen.ID, &models.PendingApproval{
		ToolUseID: "tool-2",
		ExpiresAt: time.Now().UTC().Add(time.Minute),
	}))

	require.NoError(t, m.HandleTimeout(ctx, gen.ID, jobs.TimeoutKindApproval))

	g, _ := store.GetGeneration(ctx, gen.ID)
	assert.Equal(t, models.GenerationAwaitingApproval, g.Status)
	assert.NotNil(t, g.PendingApproval)
}

func TestAuthTimeoutCancelsGeneration(t *testing.T) {
	m, store, _ := newTestManager(t, testConfig())
	gen := seedGeneration(t, store, "user-1")
	ctx := context.Background()

	require.NoError(t, store.SetPendingAuth(ctx, gen.ID, &models.PendingAuth{
		Integrations: []string{"gmail"},
		ExpiresAt:    time.Now().UTC().Add(-time.Second),
	}))

	require.NoError(t, m.HandleTimeout(ctx, gen.ID, jobs.TimeoutKindAuth))

	g, err := store.GetGeneration(ctx, gen.ID)
	require.NoError(t, err)
	assert.Equal(t, models.GenerationCancelled, g.Status)
	assert.NotNil(t, g.CompletedAt)

	// Replay of the same job is harmless.
	require.NoError(t, m.HandleTimeout(ctx, gen.ID, jobs.TimeoutKindAuth))
}

func TestRequestAuthSatisfied(t *testing.T) {
	m, store, _ := newTestManager(t, testConfig())
	gen := seedGeneration(t, store, "user-1")
	ctx := context.Background()

	done := make(chan bool, 1)
	go func() {
		ok, err := m.RequestAuth(ctx, gen, []string{"gmail", "gcal"}, "needs mail access")
		require.NoError(t, err)
		done <- ok
	}()

	require.Eventually(t, func() bool {
		g, _ := store.GetGeneration(ctx, gen.ID)
		return g != nil && g.Status == models.GenerationAwaitingAuth
	}, 2*time.Second, 10*time.Millisecond)

	accepted, err := m.SubmitAuthResult(ctx, gen.ID, "gmail", true, "user-1")
	require.NoError(t, err)
	assert.True(t, accepted)

	// One of two connected; still waiting.
	g, _ := store.GetGeneration(ctx, gen.ID)
	assert.Equal(t, models.GenerationAwaitingAuth, g.Status)

	accepted, err = m.SubmitAuthResult(ctx, gen.ID, "gcal", true, "user-1")
	require.NoError(t, err)
	assert.True(t, accepted)

	assert.True(t, <-done)
	g, _ = store.GetGeneration(ctx, gen.ID)
	assert.Equal(t, models.GenerationRunning, g.Status)
	assert.Nil(t, g.PendingAuth)
}

func TestSubmitAuthResultUnrequestedIntegration(t *testing.T) {
	m, store, _ := newTestManager(t, testConfig())
	gen := seedGeneration(t, store, "user-1")
	ctx := context.Background()

	require.NoError(t, store.SetPendingAuth(ctx, gen.ID, &models.PendingAuth{
		Integrations: []string{"gmail"},
		ExpiresAt:    time.Now().UTC().Add(time.Minute),
	}))

	accepted, err := m.SubmitAuthResult(ctx, gen.ID, "notion", true, "user-1")
	require.NoError(t, err)
	assert.False(t, accepted)

	// A failed connect is acknowledged but leaves the request open.
	accepted, err = m.SubmitAuthResult(ctx, gen.ID, "gmail", false, "user-1")
	require.NoError(t, err)
	assert.True(t, accepted)
	g, _ := store.GetGeneration(ctx, gen.ID)
	assert.Empty(t, g.PendingAuth.ConnectedIntegrations)
}
