package generation

import (
	"context"
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
)

func testLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	return log
}

// nilSessions fails any session request; admission tests never reach the
// runner, and DeferToWorker keeps runs on the (undrained) queue.
type nilSessions struct{}

func (nilSessions) GetOrCreateSession(ctx context.Context, req provider.SessionRequest, opts provider.SessionOptions) (*provider.Session, error) {
	panic("session requested during admission test")
}

type serviceEnv struct {
	svc   *Service
	store *repository.MemoryStore
	queue *jobs.MemoryQueue
}

func newServiceEnv(t *testing.T) *serviceEnv {
	t.Helper()
	store := repository.NewMemoryStore()
	queue := jobs.NewMemoryQueue()
	log := testLogger()

	objects, err := objectstore.NewFSStore(t.TempDir())
	require.NoError(t, err)

	cfg := &config.Config{
		Generation: config.GenerationConfig{
			PreparingTimeout:   300,
			PromptTimeout:      1500,
			CancelPollInterval: 1,
			DeferToWorker:      true,
		},
		Approvals: config.ApprovalsConfig{
			ApprovalTimeout:      300,
			AuthTimeout:          600,
			DecisionPollInterval: 10,
		},
		Lease: config.LeaseConfig{TTL: 120, RenewInterval: 30},
	}

	svc := NewService(Deps{
		Store:    store,
		Lease:    lease.NewMemoryLease(),
		Queue:    queue,
		Bus:      bus.NewMemoryEventBus(log),
		Sessions: nilSessions{},
		Objects:  objects,
		Skills:   skills.NewMemoryStore(),
		Titler:   titler.Noop{},
		Config:   cfg,
		Logger:   log,
	})
	return &serviceEnv{svc: svc, store: store, queue: queue}
}

func (e *serviceEnv) hasJob(name string) bool {
	for _, job := range e.queue.Jobs() {
		if job.Name == name {
			return true
		}
	}
	return false
}

func TestStartGenerationCreatesConversation(t *testing.T) {
	e := newServiceEnv(t)
	ctx := context.Background()

	result, err := e.svc.StartGeneration(ctx, StartRequest{
		UserID:  "user-1",
		Content: "summarize my inbox",
	})
	require.NoError(t, err)
	require.NotEmpty(t, result.GenerationID)
	require.NotEmpty(t, result.ConversationID)

	gen, err := e.store.GetGeneration(ctx, result.GenerationID)
	require.NoError(t, err)
	assert.Equal(t, models.GenerationRunning, gen.Status)
	assert.Equal(t, titler.DefaultModel, gen.Model)

	conv, err := e.store.GetConversation(ctx, result.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, "user-1", conv.UserID)
	assert.Equal(t, models.ConversationGenerating, conv.GenerationStatus)
	assert.Equal(t, result.GenerationID, conv.CurrentGenerationID)

	msgs, err := e.store.ListMessages(ctx, result.ConversationID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.MessageRoleUser, msgs[0].Role)
	assert.Equal(t, "summarize my inbox", msgs[0].Content)
	assert.Equal(t, result.GenerationID, msgs[0].GenerationID)

	assert.True(t, e.hasJob(jobs.JobGenerationRunChat))
	assert.True(t, e.hasJob(jobs.JobPreparingStuckCheck))
}

func TestStartGenerationRejectsSecondActive(t *testing.T) {
	e := newServiceEnv(t)
	ctx := context.Background()

	first, err := e.svc.StartGeneration(ctx, StartRequest{UserID: "user-1", Content: "one"})
	require.NoError(t, err)

	_, err = e.svc.StartGeneration(ctx, StartRequest{
		ConversationID: first.ConversationID,
		UserID:         "user-1",
		Content:        "two",
	})
	assert.ErrorIs(t, err, ErrActiveExists)
}

func TestStartGenerationOwnership(t *testing.T) {
	e := newServiceEnv(t)
	ctx := context.Background()
	require.NoError(t, e.store.CreateConversation(ctx, &models.Conversation{
		ID: "conv-1", UserID: "owner", Type: models.ConversationTypeChat,
	}))

	_, err := e.svc.StartGeneration(ctx, StartRequest{
		ConversationID: "conv-1", UserID: "intruder", Content: "hi",
	})
	assert.ErrorIs(t, err, ErrAccessDenied)

	// Unknown ids read the same as foreign ones.
	_, err = e.svc.StartGeneration(ctx, StartRequest{
		ConversationID: "no-such-conv", UserID: "owner", Content: "hi",
	})
	assert.ErrorIs(t, err, ErrAccessDenied)
}

func TestStartGenerationModelValidation(t *testing.T) {
	e := newServiceEnv(t)
	ctx := context.Background()

	_, err := e.svc.StartGeneration(ctx, StartRequest{
		UserID: "user-1", Content: "hi", Model: "gpt-4o",
	})
	assert.ErrorIs(t, err, ErrModelNotAllowed)
}

func TestStartGenerationInheritsConversationModel(t *testing.T) {
	e := newServiceEnv(t)
	ctx := context.Background()
	require.NoError(t, e.store.CreateConversation(ctx, &models.Conversation{
		ID: "conv-1", UserID: "user-1", Type: models.ConversationTypeChat,
		Model: "claude-haiku-4-5",
	}))

	result, err := e.svc.StartGeneration(ctx, StartRequest{
		ConversationID: "conv-1", UserID: "user-1", Content: "hi",
	})
	require.NoError(t, err)

	gen, err := e.store.GetGeneration(ctx, result.GenerationID)
	require.NoError(t, err)
	assert.Equal(t, "claude-haiku-4-5", gen.Model)
}

func TestStartWorkflowGeneration(t *testing.T) {
	e := newServiceEnv(t)
	ctx := context.Background()
	run := &models.WorkflowRun{
		ID: "run-1", WorkflowID: "wf-1",
		Title: "Nightly digest", Content: "Compile the nightly digest",
	}
	require.NoError(t, e.store.CreateWorkflowRun(ctx, run))

	result, err := e.svc.StartWorkflowGeneration(ctx, WorkflowStartRequest{
		WorkflowRunID: "run-1", UserID: "user-1", AutoApprove: true,
	})
	require.NoError(t, err)

	conv, err := e.store.GetConversation(ctx, result.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, models.ConversationTypeWorkflow, conv.Type)
	assert.Equal(t, "Nightly digest", conv.Title)
	assert.True(t, conv.AutoApprove)

	gen, err := e.store.GetGeneration(ctx, result.GenerationID)
	require.NoError(t, err)
	assert.Equal(t, "run-1", gen.WorkflowRunID)
	assert.True(t, gen.Policy.AutoApprove)

	// Empty request content falls back to the run's content.
	msgs, _ := e.store.ListMessages(ctx, result.ConversationID, 0)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Compile the nightly digest", msgs[0].Content)

	linked, err := e.store.GetWorkflowRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, result.ConversationID, linked.ConversationID)
	assert.Equal(t, result.GenerationID, linked.GenerationID)
	assert.Equal(t, models.WorkflowRunRunning, linked.Status)

	assert.True(t, e.hasJob(jobs.JobGenerationRunWorkflow))
}

func TestCancelGeneration(t *testing.T) {
	e := newServiceEnv(t)
	ctx := context.Background()
	result, err := e.svc.StartGeneration(ctx, StartRequest{UserID: "user-1", Content: "hi"})
	require.NoError(t, err)

	ok, err := e.svc.CancelGeneration(ctx, result.GenerationID, "user-1")
	require.NoError(t, err)
	assert.True(t, ok)

	gen, err := e.store.GetGeneration(ctx, result.GenerationID)
	require.NoError(t, err)
	assert.NotNil(t, gen.CancelRequested)

	_, err = e.svc.CancelGeneration(ctx, result.GenerationID, "intruder")
	assert.ErrorIs(t, err, ErrAccessDenied)

	// Cancel after the terminal write reports false.
	require.NoError(t, e.store.FinalizeGeneration(ctx, result.GenerationID, models.GenerationCancelled, "", "", 0, 0, nil))
	ok, err = e.svc.CancelGeneration(ctx, result.GenerationID, "user-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResumeGeneration(t *testing.T) {
	e := newServiceEnv(t)
	ctx := context.Background()
	result, err := e.svc.StartGeneration(ctx, StartRequest{UserID: "user-1", Content: "hi"})
	require.NoError(t, err)

	// A running generation has nothing to resume.
	ok, err := e.svc.ResumeGeneration(ctx, result.GenerationID, "user-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, e.store.SetPendingApproval(ctx, result.GenerationID, &models.PendingApproval{
		ToolUseID: "tool-1", ExpiresAt: time.Now().UTC().Add(-time.Second),
	}))
	require.NoError(t, e.store.SetGenerationPaused(ctx, result.GenerationID))

	ok, err = e.svc.ResumeGeneration(ctx, result.GenerationID, "user-1")
	require.NoError(t, err)
	assert.True(t, ok)

	gen, err := e.store.GetGeneration(ctx, result.GenerationID)
	require.NoError(t, err)
	assert.Equal(t, models.GenerationRunning, gen.Status)
	assert.Nil(t, gen.PendingApproval)

	conv, _ := e.store.GetConversation(ctx, result.ConversationID)
	assert.Equal(t, models.ConversationGenerating, conv.GenerationStatus)
}

func TestEnqueueConversationMessage(t *testing.T) {
	e := newServiceEnv(t)
	ctx := context.Background()
	require.NoError(t, e.store.CreateConversation(ctx, &models.Conversation{
		ID: "conv-1", UserID: "user-1", Type: models.ConversationTypeChat,
	}))

	id, err := e.svc.EnqueueConversationMessage(ctx, "conv-1", "user-1", "follow up later", nil, nil)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	listed, err := e.svc.ListConversationQueuedMessages(ctx, "conv-1", "user-1")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "follow up later", listed[0].Content)
	assert.Equal(t, models.QueuedMessageQueued, listed[0].Status)

	assert.True(t, e.hasJob(jobs.JobQueuedMessageProcess))

	_, err = e.svc.EnqueueConversationMessage(ctx, "conv-1", "intruder", "x", nil, nil)
	assert.ErrorIs(t, err, ErrAccessDenied)

	// Unknown conversation surfaces NotFound on this path.
	_, err = e.svc.EnqueueConversationMessage(ctx, "no-such-conv", "user-1", "x", nil, nil)
	assert.ErrorIs(t, err, ErrNotFound)

	removed, err := e.svc.RemoveConversationQueuedMessage(ctx, id, "conv-1", "user-1")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = e.svc.RemoveConversationQueuedMessage(ctx, id, "conv-1", "user-1")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestReapAbandonedRunningGeneration(t *testing.T) {
	e := newServiceEnv(t)
	ctx := context.Background()
	result, err := e.svc.StartGeneration(ctx, StartRequest{UserID: "user-1", Content: "hi"})
	require.NoError(t, err)

	gen, err := e.store.GetGeneration(ctx, result.GenerationID)
	require.NoError(t, err)
	require.True(t, e.svc.reapOne(ctx, gen))

	final, err := e.store.GetGeneration(ctx, result.GenerationID)
	require.NoError(t, err)
	assert.Equal(t, models.GenerationError, final.Status)
	assert.Equal(t, abandonedErrorMessage, final.ErrorMessage)

	conv, _ := e.store.GetConversation(ctx, result.ConversationID)
	assert.Equal(t, models.ConversationError, conv.GenerationStatus)

	// A second reap of the same generation finds the finalize guard
	// taken and reports nothing done.
	assert.False(t, e.svc.reapOne(ctx, gen))
}

func TestReapAbandonedAwaitingApproval(t *testing.T) {
	e := newServiceEnv(t)
	ctx := context.Background()
	result, err := e.svc.StartGeneration(ctx, StartRequest{UserID: "user-1", Content: "hi"})
	require.NoError(t, err)
	require.NoError(t, e.store.SetPendingApproval(ctx, result.GenerationID, &models.PendingApproval{
		ToolUseID: "tool-1", ExpiresAt: time.Now().UTC().Add(time.Minute),
	}))

	gen, err := e.store.GetGeneration(ctx, result.GenerationID)
	require.NoError(t, err)
	require.True(t, e.svc.reapOne(ctx, gen))

	final, _ := e.store.GetGeneration(ctx, result.GenerationID)
	assert.Equal(t, models.GenerationCancelled, final.Status)
	assert.Empty(t, final.ErrorMessage)
	assert.Nil(t, final.PendingApproval)
}

func TestReapStaleGenerationsIgnoresFreshOnes(t *testing.T) {
	e := newServiceEnv(t)
	ctx := context.Background()
	_, err := e.svc.StartGeneration(ctx, StartRequest{UserID: "user-1", Content: "hi"})
	require.NoError(t, err)

	counts, err := e.svc.ReapStaleGenerations(ctx)
	require.NoError(t, err)
	assert.Empty(t, counts)

	gen, _ := e.store.ListStaleGenerations(ctx, models.GenerationRunning, 0)
	assert.NotEmpty(t, gen)
}

func TestWaitForApprovalAutoApproves(t *testing.T) {
	e := newServiceEnv(t)
	ctx := context.Background()
	require.NoError(t, e.store.CreateConversation(ctx, &models.Conversation{
		ID: "conv-1", UserID: "user-1", Type: models.ConversationTypeChat,
	}))
	gen := &models.Generation{
		ID: "gen-1", ConversationID: "conv-1",
		Policy: models.ExecutionPolicy{AutoApprove: true},
	}
	require.NoError(t, e.store.InsertGeneration(ctx, gen))

	decision, err := e.svc.WaitForApproval(ctx, gen.ID, approval.Request{
		ToolName: "bash", Command: "github list-prs",
	})
	require.NoError(t, err)
	assert.Equal(t, models.DecisionAllow, decision)

	// The generation never left running.
	current, _ := e.store.GetGeneration(ctx, gen.ID)
	assert.Equal(t, models.GenerationRunning, current.Status)
}
