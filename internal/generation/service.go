// Package generation is the orchestrator's service facade. It exposes
// the transport-neutral operations (start, cancel, resume, approvals,
// queued messages, streams) and owns the background pieces that keep
// generations honest across processes: job handlers and the stale
// generation reaper.
package generation

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/common/config"
	"github.com/parleyhq/parley/internal/common/logger"
	"github.com/parleyhq/parley/internal/events/bus"
	"github.com/parleyhq/parley/internal/generation/approval"
	"github.com/parleyhq/parley/internal/generation/jobs"
	"github.com/parleyhq/parley/internal/generation/lease"
	"github.com/parleyhq/parley/internal/generation/models"
	"github.com/parleyhq/parley/internal/generation/provider"
	"github.com/parleyhq/parley/internal/generation/queued"
	"github.com/parleyhq/parley/internal/generation/repository"
	"github.com/parleyhq/parley/internal/generation/runner"
	"github.com/parleyhq/parley/internal/generation/subscribe"
	"github.com/parleyhq/parley/internal/objectstore"
	"github.com/parleyhq/parley/internal/skills"
	"github.com/parleyhq/parley/internal/titler"
)

// Sentinel errors surfaced to callers. Store-level not-found maps to
// access denied at the ownership boundary so probing ids reveals
// nothing.
var (
	ErrAccessDenied    = approval.ErrAccessDenied
	ErrActiveExists    = repository.ErrActiveExists
	ErrModelNotAllowed = titler.ErrModelNotAllowed
	ErrNotFound        = repository.ErrNotFound
)

const eventSource = "generation-orchestrator"

// Service wires the orchestrator together.
type Service struct {
	store     repository.Store
	queue     jobs.Queue
	bus       bus.EventBus
	approvals *approval.Manager
	runner    *runner.Runner
	streamer  *subscribe.Streamer
	queuedPrc *queued.Processor
	objects   objectstore.Store
	cfg       *config.Config
	logger    *logger.Logger

	// active tracks generations started in this process. Soft cache for
	// observability only; the store is authoritative.
	active sync.Map
}

// Deps bundles the service's collaborators.
type Deps struct {
	Store    repository.Store
	Lease    lease.Lease
	Queue    jobs.Queue
	Bus      bus.EventBus
	Sessions provider.SessionProvider
	Objects  objectstore.Store
	Skills   skills.Store
	Titler   titler.Titler
	Config   *config.Config
	Logger   *logger.Logger
}

// NewService builds the service and its internal components.
func NewService(deps Deps) *Service {
	s := &Service{
		store:   deps.Store,
		queue:   deps.Queue,
		bus:     deps.Bus,
		objects: deps.Objects,
		cfg:     deps.Config,
		logger:  deps.Logger,
	}
	s.approvals = approval.NewManager(deps.Store, deps.Queue, deps.Bus, deps.Config.Approvals, deps.Logger)
	s.runner = runner.New(runner.Deps{
		Store:      deps.Store,
		Lease:      deps.Lease,
		Queue:      deps.Queue,
		Bus:        deps.Bus,
		Sessions:   deps.Sessions,
		Approvals:  s.approvals,
		Objects:    deps.Objects,
		Skills:     deps.Skills,
		Titler:     deps.Titler,
		Config:     deps.Config,
		Logger:     deps.Logger,
		OnFinished: func(generationID string) { s.active.Delete(generationID) },
	})
	s.streamer = subscribe.NewStreamer(deps.Store, deps.Config.Subscribe, deps.Logger)
	s.queuedPrc = queued.NewProcessor(deps.Store, deps.Bus, s.startFromQueued, deps.Logger)
	return s
}

// Approvals exposes the approval manager for transports that bind its
// operations directly.
func (s *Service) Approvals() *approval.Manager {
	return s.approvals
}

// SubscribeToGeneration streams a generation's events to sink until the
// terminal event or the wait budget.
func (s *Service) SubscribeToGeneration(ctx context.Context, generationID, userID string, sink subscribe.Sink) error {
	return s.streamer.Stream(ctx, generationID, userID, sink)
}

// runInBackground executes a generation in this process, detached from
// the caller's request context.
func (s *Service) runInBackground(generationID string) {
	s.active.Store(generationID, struct{}{})
	go func() {
		defer s.active.Delete(generationID)
		if err := s.runner.Run(context.Background(), generationID); err != nil {
			s.logger.WithGenerationID(generationID).Error("background run failed", zap.Error(err))
		}
	}()
}

// loadOwnedConversation fetches a conversation and enforces ownership.
func (s *Service) loadOwnedConversation(ctx context.Context, conversationID, userID string) (*models.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrAccessDenied
		}
		return nil, err
	}
	if conv.UserID != userID {
		return nil, ErrAccessDenied
	}
	return conv, nil
}

// loadOwnedGeneration fetches a generation with its conversation and
// enforces ownership.
func (s *Service) loadOwnedGeneration(ctx context.Context, generationID, userID string) (*models.Generation, *models.Conversation, error) {
	gen, conv, err := s.store.GetGenerationWithConversation(ctx, generationID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil, ErrAccessDenied
		}
		return nil, nil, err
	}
	if conv.UserID != userID {
		return nil, nil, ErrAccessDenied
	}
	return gen, conv, nil
}
