// Package runner executes one generation end to end: sandbox and
// session preparation, prompting, event consumption, post-processing,
// and the durable finalize. Exactly one runner task per generation may
// be live across all processes; the lease enforces that.
package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/common/config"
	"github.com/parleyhq/parley/internal/common/logger"
	"github.com/parleyhq/parley/internal/common/telemetry"
	"github.com/parleyhq/parley/internal/events"
	"github.com/parleyhq/parley/internal/events/bus"
	"github.com/parleyhq/parley/internal/generation/approval"
	"github.com/parleyhq/parley/internal/generation/jobs"
	"github.com/parleyhq/parley/internal/generation/lease"
	"github.com/parleyhq/parley/internal/generation/models"
	"github.com/parleyhq/parley/internal/generation/provider"
	"github.com/parleyhq/parley/internal/generation/repository"
	"github.com/parleyhq/parley/internal/generation/stream"
	"github.com/parleyhq/parley/internal/objectstore"
	"github.com/parleyhq/parley/internal/skills"
	"github.com/parleyhq/parley/internal/titler"
)

// Phase names recorded on the generation as the runner advances. Agent
// init phases are "agent_init_" plus the provider lifecycle stage.
const (
	PhaseGenerationStarted      = "generation_started"
	PhaseAgentInitStarted       = "agent_init_started"
	PhaseAgentInitReady         = "agent_init_ready"
	PhaseAgentInitFailed        = "agent_init_failed"
	PhasePrePromptSetup         = "pre_prompt_setup_started"
	PhasePromptSent             = "prompt_sent"
	PhaseFirstEventReceived     = "first_event_received"
	PhasePromptCompleted        = "prompt_completed"
	PhasePostProcessing         = "post_processing_started"
	PhasePostProcessingComplete = "post_processing_completed"
	PhaseGenerationCompleted    = "generation_completed"
	PhaseGenerationCancelled    = "generation_cancelled"
	PhaseGenerationError        = "generation_error"
	agentInitPhasePrefix        = "agent_init_"
)

const eventSource = "generation-runner"

// errStandDown means another actor owns the generation's fate (approval
// timeout parked it, the lease was lost, or it was resolved elsewhere).
// The runner exits without finalizing.
var errStandDown = errors.New("runner standing down")

// errCancelRequested aborts the run on a durable cancel flag.
var errCancelRequested = errors.New("cancellation requested")

// Runner drives generations. One Runner serves many generations; per-run
// state lives in the run struct.
type Runner struct {
	store     repository.Store
	leases    lease.Lease
	queue     jobs.Queue
	bus       bus.EventBus
	sessions  provider.SessionProvider
	approvals *approval.Manager
	objects   objectstore.Store
	skills    skills.Store
	titles    titler.Titler
	cfg       *config.Config
	logger    *logger.Logger

	// onFinished evicts per-generation soft state in the owning service.
	onFinished func(generationID string)
}

// Deps bundles the runner's collaborators.
type Deps struct {
	Store      repository.Store
	Lease      lease.Lease
	Queue      jobs.Queue
	Bus        bus.EventBus
	Sessions   provider.SessionProvider
	Approvals  *approval.Manager
	Objects    objectstore.Store
	Skills     skills.Store
	Titler     titler.Titler
	Config     *config.Config
	Logger     *logger.Logger
	OnFinished func(generationID string)
}

// New creates a runner.
func New(deps Deps) *Runner {
	return &Runner{
		store:      deps.Store,
		leases:     deps.Lease,
		queue:      deps.Queue,
		bus:        deps.Bus,
		sessions:   deps.Sessions,
		approvals:  deps.Approvals,
		objects:    deps.Objects,
		skills:     deps.Skills,
		titles:     deps.Titler,
		cfg:        deps.Config,
		logger:     deps.Logger,
		onFinished: deps.OnFinished,
	}
}

// run is the mutable state of one generation execution.
type run struct {
	gen     *models.Generation
	conv    *models.Conversation
	userMsg *models.Message
	norm    *stream.Normalizer
	session *provider.Session
	// finalParts overrides the normalizer transcript (session reset path)
	finalParts []models.ContentPart

	start     time.Time
	timing    map[string]int64
	timingMu  sync.Mutex
	firstOnce sync.Once

	cancelRun context.CancelFunc
	cancelled atomic.Bool
	leaseLost atomic.Bool

	span trace.Span
	log  *logger.Logger
}

// Run executes the generation identified by generationID. It is safe to
// call for a generation that is already terminal or owned by another
// process; both cases return nil without side effects. Jobs replay this
// entry point on at-least-once delivery.
func (r *Runner) Run(ctx context.Context, generationID string) error {
	gen, conv, err := r.store.GetGenerationWithConversation(ctx, generationID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load generation: %w", err)
	}
	log := r.logger.WithGenerationID(gen.ID).WithConversationID(conv.ID)

	if gen.Status.IsTerminal() {
		log.Debug("generation already terminal, skipping run")
		return nil
	}
	if gen.Status != models.GenerationRunning {
		// Awaiting or paused generations are owned by the approval
		// manager or a future resume; this run job is stale.
		log.Debug("generation not running, skipping run", zap.String("status", string(gen.Status)))
		return nil
	}

	key := lease.GenerationKey(gen.ID)
	token, acquired, err := r.leases.Acquire(ctx, key, r.cfg.Lease.TTLDuration())
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	if !acquired {
		log.Debug("lease held elsewhere, skipping run")
		return nil
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := r.leases.Release(releaseCtx, key, token); err != nil {
			log.Warn("release lease", zap.Error(err))
		}
	}()

	spanCtx, span := telemetry.Tracer("runner").Start(runCtx, "generation.run",
		trace.WithAttributes(
			attribute.String("generation.id", gen.ID),
			attribute.String("conversation.id", conv.ID),
		))
	defer span.End()
	runCtx = spanCtx

	s := &run{
		gen:       gen,
		conv:      conv,
		start:     time.Now().UTC(),
		timing:    make(map[string]int64),
		cancelRun: cancelRun,
		span:      span,
		log:       log,
	}
	for k, v := range gen.Timing {
		s.timing[k] = v
	}

	go lease.Keep(runCtx, r.leases, key, token,
		r.cfg.Lease.TTLDuration(), r.cfg.Lease.RenewIntervalDuration(),
		func() {
			s.leaseLost.Store(true)
			cancelRun()
		})
	go r.watchCancel(runCtx, s)

	err = r.execute(runCtx, s)

	// The funnel: everything except a stand-down ends in an idempotent
	// finalize against a context that survives run cancellation.
	fctx, cancelFinalize := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancelFinalize()

	switch {
	case err == nil:
		return nil
	case errors.Is(err, errStandDown) || s.leaseLost.Load():
		log.Info("runner standing down without finalizing")
		return nil
	case s.cancelled.Load() || errors.Is(err, errCancelRequested):
		s.phase(fctx, r, PhaseGenerationCancelled)
		return r.finalize(fctx, s, models.GenerationCancelled, "", nil)
	default:
		log.Error("generation failed", zap.Error(err))
		span.RecordError(err)
		s.phase(fctx, r, PhaseGenerationError)
		return r.finalize(fctx, s, models.GenerationError, userFacingError(err), nil)
	}
}

// execute runs the phase timeline. A nil return means the generation
// was finalized; errStandDown means another actor owns it.
func (r *Runner) execute(ctx context.Context, s *run) error {
	s.phase(ctx, r, PhaseGenerationStarted)

	userMsg, err := r.findUserMessage(ctx, s.gen, s.conv)
	if err != nil {
		return err
	}
	s.userMsg = userMsg

	if strings.TrimSpace(userMsg.Content) == models.SessionResetCommand {
		return r.resetSession(ctx, s)
	}

	s.norm = stream.New(s.gen.ID, userMsg.Content, approval.ClassifyCommand, s.log)
	if len(s.gen.ContentParts) > 0 {
		// Resumed after a pause or crash: keep what the previous runner
		// accumulated instead of restarting the transcript.
		s.norm.Seed(s.gen.ContentParts)
	}

	prepCtx, cancelPrep := context.WithTimeout(ctx, r.cfg.Generation.PreparingTimeoutDuration())
	err = r.prepare(prepCtx, s)
	prepTimedOut := errors.Is(prepCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	cancelPrep()
	if err != nil {
		if prepTimedOut {
			return fmt.Errorf("sandbox preparation timed out after %s: %w",
				r.cfg.Generation.PreparingTimeoutDuration(), err)
		}
		if ctx.Err() != nil {
			return r.abortReason(s, err)
		}
		return err
	}

	promptCtx, cancelPrompt := context.WithTimeout(ctx, r.cfg.Generation.PromptTimeoutDuration())
	err = r.promptAndConsume(promptCtx, s)
	promptTimedOut := errors.Is(promptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	cancelPrompt()
	if err != nil {
		if errors.Is(err, errStandDown) {
			return err
		}
		if promptTimedOut {
			r.bestEffortAbort(s)
			return fmt.Errorf("generation timed out after %s", r.cfg.Generation.PromptTimeoutDuration())
		}
		if ctx.Err() != nil {
			return r.abortReason(s, err)
		}
		return err
	}
	s.phase(ctx, r, PhasePromptCompleted)

	s.phase(ctx, r, PhasePostProcessing)
	files := r.postProcess(ctx, s)
	s.phase(ctx, r, PhasePostProcessingComplete)

	s.phase(ctx, r, PhaseGenerationCompleted)
	return r.finalize(ctx, s, models.GenerationCompleted, "", files)
}

// watchCancel polls the durable cancel flag. Cancellation from any
// process lands in the store; this is the only signal a runner in a
// different process will ever see.
func (r *Runner) watchCancel(ctx context.Context, s *run) {
	interval := r.cfg.Generation.CancelPollIntervalDuration()
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		gen, err := r.store.GetGeneration(ctx, s.gen.ID)
		if err != nil {
			continue
		}
		if gen.CancelRequested != nil {
			s.cancelled.Store(true)
			r.bestEffortAbort(s)
			s.cancelRun()
			return
		}
		if gen.Status.IsTerminal() {
			// Finalized elsewhere (reaper, auth timeout); stop quietly.
			s.leaseLost.Store(true)
			s.cancelRun()
			return
		}
	}
}

// bestEffortAbort tells the provider to stop producing. Failures are
// ignored; the event loop exits on context cancellation regardless.
func (r *Runner) bestEffortAbort(s *run) {
	if s.session == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.session.Client.Abort(ctx); err != nil {
		s.log.Debug("abort provider session", zap.Error(err))
	}
}

// abortReason maps a context-cancelled failure to its cause.
func (r *Runner) abortReason(s *run, err error) error {
	if s.cancelled.Load() {
		return errCancelRequested
	}
	if s.leaseLost.Load() {
		return errStandDown
	}
	return err
}

// findUserMessage locates the user turn this generation answers.
func (r *Runner) findUserMessage(ctx context.Context, gen *models.Generation, conv *models.Conversation) (*models.Message, error) {
	msgs, err := r.store.ListMessages(ctx, conv.ID, 0)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].GenerationID == gen.ID && msgs[i].Role == models.MessageRoleUser {
			return msgs[i], nil
		}
	}
	return nil, fmt.Errorf("no user message recorded for generation %s", gen.ID)
}

// phase records a phase transition: durable phase column, timing entry,
// span event, and a status_change broadcast.
func (s *run) phase(ctx context.Context, r *Runner, name string) {
	s.timingMu.Lock()
	if _, seen := s.timing[name]; !seen {
		s.timing[name] = time.Since(s.start).Milliseconds()
	}
	s.timingMu.Unlock()

	if err := r.store.SetGenerationPhase(ctx, s.gen.ID, name); err != nil {
		s.log.Warn("record phase", zap.String("phase", name), zap.Error(err))
	}
	s.span.AddEvent(name)

	r.broadcast(ctx, events.BuildGenerationStatusSubject(s.gen.ID), events.GenerationStatusChanged,
		map[string]interface{}{
			"generation_id": s.gen.ID,
			"status":        string(s.gen.Status),
			"phase":         name,
		})
}

func (s *run) timingSnapshot() map[string]int64 {
	s.timingMu.Lock()
	defer s.timingMu.Unlock()
	out := make(map[string]int64, len(s.timing))
	for k, v := range s.timing {
		out[k] = v
	}
	return out
}

func (r *Runner) broadcast(ctx context.Context, subject, eventType string, data map[string]interface{}) {
	if err := r.bus.Publish(ctx, subject, bus.NewEvent(eventType, eventSource, data)); err != nil {
		r.logger.Debug("broadcast event", zap.String("subject", subject), zap.Error(err))
	}
}

// userFacingError trims an internal error chain to a body fit for the
// transcript's error message column.
func userFacingError(err error) string {
	msg := err.Error()
	if len(msg) > 500 {
		msg = msg[:500]
	}
	return msg
}
