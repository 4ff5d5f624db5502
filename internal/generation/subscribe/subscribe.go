// Package subscribe turns the durable generation record into a live
// event stream. Subscribers poll the store rather than the runner, so a
// stream works from any process and survives runner crashes: whatever
// made it into the store is exactly what a subscriber sees.
package subscribe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/common/config"
	"github.com/parleyhq/parley/internal/common/logger"
	"github.com/parleyhq/parley/internal/generation/approval"
	"github.com/parleyhq/parley/internal/generation/models"
	"github.com/parleyhq/parley/internal/generation/repository"
)

// ErrStreamTimeout means the stream outlived its wait budget without the
// generation finishing. The client should reconnect; no state is lost.
var ErrStreamTimeout = errors.New("subscription exceeded its wait budget, reconnect to continue")

// Sink receives stream events. A non-nil return aborts the stream.
type Sink func(event *models.GenerationEvent) error

// Streamer serves generation event streams off the durable store.
type Streamer struct {
	store  repository.Store
	cfg    config.SubscribeConfig
	logger *logger.Logger

	mu          sync.Mutex
	subscribers map[string]int
}

// NewStreamer creates a streamer.
func NewStreamer(store repository.Store, cfg config.SubscribeConfig, log *logger.Logger) *Streamer {
	return &Streamer{
		store:       store,
		cfg:         cfg,
		logger:      log,
		subscribers: make(map[string]int),
	}
}

// Stream replays the generation's progress so far and follows it to the
// terminal state, delivering events to sink. Returns nil once the done
// event is delivered, ErrStreamTimeout when the wait budget runs out.
func (s *Streamer) Stream(ctx context.Context, generationID, userID string, sink Sink) error {
	gen, conv, err := s.store.GetGenerationWithConversation(ctx, generationID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return approval.ErrAccessDenied
		}
		return err
	}
	if conv.UserID != userID {
		return approval.ErrAccessDenied
	}

	count := s.track(generationID, +1)
	defer s.track(generationID, -1)
	log := s.logger.WithGenerationID(generationID)
	if count > 1 {
		log.Debug("duplicate subscriber", zap.Int("subscribers", count))
	}

	cursor := &cursor{}
	if gen.Status.IsTerminal() {
		// Terminal fast path: replay and close without polling.
		if err := cursor.emitDiff(gen, sink); err != nil {
			return err
		}
		return emitDone(gen, sink)
	}
	if err := cursor.emitDiff(gen, sink); err != nil {
		return err
	}
	if err := cursor.emitStatus(gen, sink); err != nil {
		return err
	}

	return s.follow(ctx, conv, cursor, generationID, sink)
}

// follow polls the store with adaptive backoff until the generation
// finishes or the global wait budget elapses. The budget counts from
// subscription start, activity or not; long generations are served by
// reconnecting, which replays nothing the subscriber already has.
func (s *Streamer) follow(ctx context.Context, conv *models.Conversation, cur *cursor, generationID string, sink Sink) error {
	base := time.Duration(s.cfg.BasePollInterval) * time.Millisecond
	floor := time.Duration(s.cfg.AwaitingFloor) * time.Millisecond
	backoffCap := time.Duration(s.cfg.ChatBackoffCap) * time.Millisecond
	maxWait := time.Duration(s.cfg.ChatMaxWait) * time.Second
	if conv.Type == models.ConversationTypeWorkflow {
		backoffCap = time.Duration(s.cfg.WorkflowBackoffCap) * time.Millisecond
		maxWait = time.Duration(s.cfg.WorkflowMaxWait) * time.Second
	}
	heartbeat := time.Duration(s.cfg.HeartbeatInterval) * time.Second

	interval := base
	start := time.Now()
	lastHeartbeat := start

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}

		gen, err := s.store.GetGeneration(ctx, generationID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return fmt.Errorf("generation disappeared mid-stream")
			}
			// Transient store trouble; the next poll retries.
			continue
		}

		active, err := cur.advance(gen, sink)
		if err != nil {
			return err
		}

		if gen.Status.IsTerminal() {
			return emitDone(gen, sink)
		}

		now := time.Now()
		if now.Sub(start) >= maxWait {
			return ErrStreamTimeout
		}
		if active {
			interval = base
		} else {
			interval *= 2
			if interval > backoffCap {
				interval = backoffCap
			}
			if now.Sub(lastHeartbeat) >= heartbeat {
				lastHeartbeat = now
				if err := cur.emitHeartbeat(gen, sink); err != nil {
					return err
				}
			}
		}

		// Awaiting generations only change on human cadence.
		awaiting := gen.Status == models.GenerationAwaitingApproval || gen.Status == models.GenerationAwaitingAuth
		if awaiting && interval < floor {
			interval = floor
		}
	}
}

func (s *Streamer) track(generationID string, delta int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers[generationID] += delta
	count := s.subscribers[generationID]
	if count <= 0 {
		delete(s.subscribers, generationID)
	}
	return count
}

// Subscribers reports the live subscriber count for a generation.
func (s *Streamer) Subscribers(generationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribers[generationID]
}

func emitDone(gen *models.Generation, sink Sink) error {
	if gen.Status == models.GenerationError && gen.ErrorMessage != "" {
		err := sink(&models.GenerationEvent{
			Type:         models.EventError,
			GenerationID: gen.ID,
			Timestamp:    time.Now().UTC(),
			Message:      gen.ErrorMessage,
		})
		if err != nil {
			return err
		}
	}
	return sink(&models.GenerationEvent{
		Type:         models.EventDone,
		GenerationID: gen.ID,
		Timestamp:    time.Now().UTC(),
		Status:       gen.Status,
		Done: &models.DonePayload{
			MessageID:    gen.MessageID,
			InputTokens:  gen.InputTokens,
			OutputTokens: gen.OutputTokens,
			Timing:       gen.Timing,
		},
	})
}
