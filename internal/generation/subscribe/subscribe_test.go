package subscribe

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/internal/common/config"
	"github.com/parleyhq/parley/internal/common/logger"
	"github.com/parleyhq/parley/internal/generation/approval"
	"github.com/parleyhq/parley/internal/generation/models"
	"github.com/parleyhq/parley/internal/generation/repository"
)

func testLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	return log
}

func testSubscribeConfig() config.SubscribeConfig {
	return config.SubscribeConfig{
		BasePollInterval:   5,
		ChatBackoffCap:     20,
		WorkflowBackoffCap: 20,
		AwaitingFloor:      10,
		ChatMaxWait:        30,
		WorkflowMaxWait:    30,
		HeartbeatInterval:  1,
	}
}

func seedConversation(t *testing.T, store *repository.MemoryStore) *models.Generation {
	t.Helper()
	ctx := context.Background()
	conv := &models.Conversation{ID: "conv-1", UserID: "user-1", Type: models.ConversationTypeChat}
	require.NoError(t, store.CreateConversation(ctx, conv))
	gen := &models.Generation{ID: "gen-1", ConversationID: conv.ID}
	require.NoError(t, store.InsertGeneration(ctx, gen))
	return gen
}

// collector is a Sink that records events under a lock so the polling
// goroutine and assertions never race.
type collector struct {
	mu     sync.Mutex
	events []models.GenerationEvent
}

func (c *collector) sink(event *models.GenerationEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, *event)
	return nil
}

func (c *collector) snapshot() []models.GenerationEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.GenerationEvent, len(c.events))
	copy(out, c.events)
	return out
}

func (c *collector) text() string {
	var out string
	for _, ev := range c.snapshot() {
		if ev.Type == models.EventText {
			out += ev.Text
		}
	}
	return out
}

func TestStreamTerminalReplay(t *testing.T) {
	store := repository.NewMemoryStore()
	gen := seedConversation(t, store)
	ctx := context.Background()

	parts := []models.ContentPart{
		{Type: models.PartText, Text: "Hello there."},
		{Type: models.PartToolUse, ID: "tool-1", Name: "bash", Integration: "slack", Operation: "list"},
		{Type: models.PartToolResult, ToolUseID: "tool-1", Content: "3 channels"},
		{Type: models.PartText, Text: "Done."},
	}
	require.NoError(t, store.SetGenerationContent(ctx, gen.ID, parts, 100, 40))
	require.NoError(t, store.FinalizeGeneration(ctx, gen.ID, models.GenerationCompleted, "", "msg-1", 100, 40, nil))

	s := NewStreamer(store, testSubscribeConfig(), testLogger())
	col := &collector{}
	require.NoError(t, s.Stream(ctx, gen.ID, "user-1", col.sink))

	events := col.snapshot()
	require.NotEmpty(t, events)
	assert.Equal(t, "Hello there.Done.", col.text())

	done := events[len(events)-1]
	assert.Equal(t, models.EventDone, done.Type)
	assert.Equal(t, models.GenerationCompleted, done.Status)
	require.NotNil(t, done.Done)
	assert.Equal(t, "msg-1", done.Done.MessageID)
	assert.Equal(t, 100, done.Done.InputTokens)

	var toolTypes []models.GenerationEventType
	for _, ev := range events {
		if ev.Type == models.EventToolUse || ev.Type == models.EventToolResult {
			toolTypes = append(toolTypes, ev.Type)
		}
	}
	assert.Equal(t, []models.GenerationEventType{models.EventToolUse, models.EventToolResult}, toolTypes)
}

func TestStreamEmitsApprovalPartsUnderApprovalType(t *testing.T) {
	store := repository.NewMemoryStore()
	gen := seedConversation(t, store)
	ctx := context.Background()

	parts := []models.ContentPart{
		{Type: models.PartToolUse, ID: "call-1", Name: "bash", Integration: "slack", Operation: "send"},
		{Type: models.PartApproval, ToolUseID: "call-1", Status: models.ApprovalStatusApproved,
			Integration: "slack", Operation: "send"},
		{Type: models.PartText, Text: "Sent."},
	}
	require.NoError(t, store.SetGenerationContent(ctx, gen.ID, parts, 0, 0))
	require.NoError(t, store.FinalizeGeneration(ctx, gen.ID, models.GenerationCompleted, "", "msg-1", 0, 0, nil))

	s := NewStreamer(store, testSubscribeConfig(), testLogger())
	col := &collector{}
	require.NoError(t, s.Stream(ctx, gen.ID, "user-1", col.sink))

	var approvals []models.GenerationEvent
	for _, ev := range col.snapshot() {
		if ev.Type == models.EventApproval {
			approvals = append(approvals, ev)
		}
	}
	require.Len(t, approvals, 1)
	require.NotNil(t, approvals[0].Part)
	assert.Equal(t, models.PartApproval, approvals[0].Part.Type)
	assert.Equal(t, "call-1", approvals[0].Part.ToolUseID)
	assert.Equal(t, models.ApprovalStatusApproved, approvals[0].Part.Status)
}

func TestStreamErrorGenerationEmitsErrorBeforeDone(t *testing.T) {
	store := repository.NewMemoryStore()
	gen := seedConversation(t, store)
	ctx := context.Background()
	require.NoError(t, store.FinalizeGeneration(ctx, gen.ID, models.GenerationError, "sandbox preparation failed", "", 0, 0, nil))

	s := NewStreamer(store, testSubscribeConfig(), testLogger())
	col := &collector{}
	require.NoError(t, s.Stream(ctx, gen.ID, "user-1", col.sink))

	events := col.snapshot()
	require.GreaterOrEqual(t, len(events), 2)
	errEvent := events[len(events)-2]
	assert.Equal(t, models.EventError, errEvent.Type)
	assert.Equal(t, "sandbox preparation failed", errEvent.Message)
	assert.Equal(t, models.EventDone, events[len(events)-1].Type)
}

func TestStreamFollowsLiveUpdates(t *testing.T) {
	store := repository.NewMemoryStore()
	gen := seedConversation(t, store)
	ctx := context.Background()

	s := NewStreamer(store, testSubscribeConfig(), testLogger())
	col := &collector{}

	done := make(chan error, 1)
	go func() {
		done <- s.Stream(ctx, gen.ID, "user-1", col.sink)
	}()

	// Writes land in the store exactly as the runner would make them;
	// the subscriber sees them on its next poll.
	require.NoError(t, store.SetGenerationContent(ctx, gen.ID, []models.ContentPart{
		{Type: models.PartText, Text: "Working"},
	}, 0, 0))

	require.Eventually(t, func() bool {
		return col.text() == "Working"
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, store.SetGenerationContent(ctx, gen.ID, []models.ContentPart{
		{Type: models.PartText, Text: "Working on it now"},
	}, 0, 0))

	require.Eventually(t, func() bool {
		return col.text() == "Working on it now"
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, store.FinalizeGeneration(ctx, gen.ID, models.GenerationCompleted, "", "msg-2", 10, 5, nil))
	require.NoError(t, <-done)

	events := col.snapshot()
	assert.Equal(t, models.EventDone, events[len(events)-1].Type)
}

func TestLiveAndReplayTextIdentical(t *testing.T) {
	ctx := context.Background()
	liveStore := repository.NewMemoryStore()
	gen := seedConversation(t, liveStore)

	s := NewStreamer(liveStore, testSubscribeConfig(), testLogger())
	live := &collector{}
	done := make(chan error, 1)
	go func() {
		done <- s.Stream(ctx, gen.ID, "user-1", live.sink)
	}()

	// Incremental writes, texture a real run would produce.
	cumulative := ""
	for _, chunk := range []string{"The ", "The answer ", "The answer is 42."} {
		cumulative = chunk
		require.NoError(t, liveStore.SetGenerationContent(ctx, gen.ID, []models.ContentPart{
			{Type: models.PartText, Text: cumulative},
		}, 0, 0))
		time.Sleep(15 * time.Millisecond)
	}
	require.NoError(t, liveStore.FinalizeGeneration(ctx, gen.ID, models.GenerationCompleted, "", "", 0, 0, nil))
	require.NoError(t, <-done)

	replay := &collector{}
	require.NoError(t, s.Stream(ctx, gen.ID, "user-1", replay.sink))

	assert.Equal(t, "The answer is 42.", live.text())
	assert.Equal(t, live.text(), replay.text())
}

func TestStreamSurfacesPendingApprovalOnce(t *testing.T) {
	store := repository.NewMemoryStore()
	gen := seedConversation(t, store)
	ctx := context.Background()

	s := NewStreamer(store, testSubscribeConfig(), testLogger())
	col := &collector{}
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- s.Stream(streamCtx, gen.ID, "user-1", col.sink)
	}()

	require.NoError(t, store.SetPendingApproval(ctx, gen.ID, &models.PendingApproval{
		ToolUseID: "tool-1",
		ToolName:  "bash",
		ExpiresAt: time.Now().UTC().Add(time.Minute),
	}))

	require.Eventually(t, func() bool {
		for _, ev := range col.snapshot() {
			if ev.Type == models.EventPendingApproval {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	// Give the poller a few more cycles; the same request must not
	// repeat.
	time.Sleep(60 * time.Millisecond)
	count := 0
	for _, ev := range col.snapshot() {
		if ev.Type == models.EventPendingApproval {
			count++
			assert.Equal(t, "tool-1", ev.PendingApproval.ToolUseID)
		}
	}
	assert.Equal(t, 1, count)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestStreamAccessDenied(t *testing.T) {
	store := repository.NewMemoryStore()
	gen := seedConversation(t, store)
	s := NewStreamer(store, testSubscribeConfig(), testLogger())

	err := s.Stream(context.Background(), gen.ID, "intruder", func(*models.GenerationEvent) error { return nil })
	assert.ErrorIs(t, err, approval.ErrAccessDenied)

	err = s.Stream(context.Background(), "no-such-gen", "user-1", func(*models.GenerationEvent) error { return nil })
	assert.ErrorIs(t, err, approval.ErrAccessDenied)
}

func TestStreamTimesOutWithoutActivity(t *testing.T) {
	store := repository.NewMemoryStore()
	gen := seedConversation(t, store)

	cfg := testSubscribeConfig()
	cfg.ChatMaxWait = 1

	s := NewStreamer(store, cfg, testLogger())
	err := s.Stream(context.Background(), gen.ID, "user-1", func(*models.GenerationEvent) error { return nil })
	assert.ErrorIs(t, err, ErrStreamTimeout)
}

func TestStreamTimesOutDespiteActivity(t *testing.T) {
	store := repository.NewMemoryStore()
	gen := seedConversation(t, store)
	ctx := context.Background()

	cfg := testSubscribeConfig()
	cfg.ChatMaxWait = 1

	s := NewStreamer(store, cfg, testLogger())
	col := &collector{}

	done := make(chan error, 1)
	go func() {
		done <- s.Stream(ctx, gen.ID, "user-1", col.sink)
	}()

	// Keep the generation visibly busy; the budget counts from
	// subscription start, so steady deltas must not extend it.
	stop := make(chan struct{})
	var feeder sync.WaitGroup
	feeder.Add(1)
	go func() {
		defer feeder.Done()
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		text := ""
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				text += "chunk "
				_ = store.SetGenerationContent(ctx, gen.ID, []models.ContentPart{
					{Type: models.PartText, Text: text},
				}, 0, 0)
			}
		}
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrStreamTimeout)
	case <-time.After(3 * time.Second):
		t.Fatal("stream outlived its wait budget while content kept flowing")
	}
	close(stop)
	feeder.Wait()

	// The stream delivered deltas right up to the cutoff.
	assert.NotEmpty(t, col.text())
}

func TestSubscriberTracking(t *testing.T) {
	store := repository.NewMemoryStore()
	gen := seedConversation(t, store)
	ctx := context.Background()
	require.NoError(t, store.FinalizeGeneration(ctx, gen.ID, models.GenerationCompleted, "", "", 0, 0, nil))

	s := NewStreamer(store, testSubscribeConfig(), testLogger())
	assert.Equal(t, 0, s.Subscribers(gen.ID))
	require.NoError(t, s.Stream(ctx, gen.ID, "user-1", func(*models.GenerationEvent) error { return nil }))
	// Terminal streams return synchronously; the count is released.
	assert.Equal(t, 0, s.Subscribers(gen.ID))
}
