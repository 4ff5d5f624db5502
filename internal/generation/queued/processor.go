// Package queued drains messages buffered while a generation was
// active. Processing is claim-based so concurrent processors (finalize
// hook, job replay, API call) never double-send a message.
package queued

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/common/logger"
	"github.com/parleyhq/parley/internal/events"
	"github.com/parleyhq/parley/internal/events/bus"
	"github.com/parleyhq/parley/internal/generation/models"
	"github.com/parleyhq/parley/internal/generation/repository"
)

const eventSource = "queued-message-processor"

// StartFunc starts a generation from a claimed queued message and
// returns the new generation id. It must return
// repository.ErrActiveExists when admission lost a race.
type StartFunc func(ctx context.Context, qm *models.QueuedMessage) (string, error)

// Processor drains a conversation's queued messages in order.
type Processor struct {
	store  repository.Store
	bus    bus.EventBus
	start  StartFunc
	logger *logger.Logger
}

// NewProcessor creates a processor. start is typically the service's
// StartGeneration bound to the queued message's fields.
func NewProcessor(store repository.Store, eventBus bus.EventBus, start StartFunc, log *logger.Logger) *Processor {
	return &Processor{store: store, bus: eventBus, start: start, logger: log}
}

// Process drains the conversation's queue until it is empty, a
// generation becomes active, or a claim fails. Safe to replay.
func (p *Processor) Process(ctx context.Context, conversationID string) error {
	log := p.logger.WithConversationID(conversationID)

	for {
		active, err := p.store.FindActiveGeneration(ctx, conversationID)
		if err != nil {
			return fmt.Errorf("check active generation: %w", err)
		}
		if active != nil {
			// The running generation's finalize re-enqueues processing.
			return nil
		}

		qm, err := p.store.ClaimNextQueued(ctx, conversationID)
		if err != nil {
			return fmt.Errorf("claim queued message: %w", err)
		}
		if qm == nil {
			return nil
		}

		generationID, err := p.start(ctx, qm)
		switch {
		case err == nil:
			if err := p.store.MarkQueuedSent(ctx, qm.ID, generationID); err != nil {
				log.Warn("mark queued message sent", zap.String("queued_id", qm.ID), zap.Error(err))
			}
			p.notify(ctx, conversationID, qm.ID, models.QueuedMessageSent, "")
			// One send per pass: the new generation is active now.
			return nil

		case errors.Is(err, repository.ErrActiveExists):
			// Lost a race with a concurrent start; put the message back.
			if err := p.store.ReleaseQueued(ctx, qm.ID); err != nil {
				log.Warn("release queued message", zap.String("queued_id", qm.ID), zap.Error(err))
			}
			return nil

		default:
			log.Error("start generation from queued message",
				zap.String("queued_id", qm.ID), zap.Error(err))
			if err := p.store.MarkQueuedFailed(ctx, qm.ID, err.Error()); err != nil {
				log.Warn("mark queued message failed", zap.String("queued_id", qm.ID), zap.Error(err))
			}
			p.notify(ctx, conversationID, qm.ID, models.QueuedMessageFailed, err.Error())
			// Continue with the next message; one poison message must
			// not wedge the queue.
		}
	}
}

func (p *Processor) notify(ctx context.Context, conversationID, queuedID string, status models.QueuedMessageStatus, errorMessage string) {
	event := bus.NewEvent(events.QueuedMessageStateChanged, eventSource, map[string]interface{}{
		"conversation_id": conversationID,
		"queued_id":       queuedID,
		"status":          string(status),
		"error_message":   errorMessage,
	})
	if err := p.bus.Publish(ctx, events.BuildQueuedMessageSubject(conversationID), event); err != nil {
		p.logger.Debug("broadcast queued message state", zap.Error(err))
	}
}
