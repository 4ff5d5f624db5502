package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/common/telemetry"
	"github.com/parleyhq/parley/internal/events"
	"github.com/parleyhq/parley/internal/generation/jobs"
	"github.com/parleyhq/parley/internal/generation/models"
)

// Stale thresholds for the reaper, by status.
var staleThresholds = map[models.GenerationStatus]time.Duration{
	models.GenerationRunning:          6 * time.Hour,
	models.GenerationAwaitingApproval: 30 * time.Minute,
	models.GenerationAwaitingAuth:     60 * time.Minute,
	models.GenerationPaused:           60 * time.Minute,
}

const abandonedErrorMessage = "The generation was abandoned and has been closed."

// RegisterHandlers installs the service's job handlers on a worker.
// Every handler re-reads durable state and no-ops when the condition it
// was scheduled for no longer holds, so replays are harmless.
func (s *Service) RegisterHandlers(w *jobs.Worker) {
	w.Register(jobs.JobGenerationRunChat, s.handleRun)
	w.Register(jobs.JobGenerationRunWorkflow, s.handleRun)
	w.Register(jobs.JobApprovalTimeout, s.handleTimeout)
	w.Register(jobs.JobAuthTimeout, s.handleTimeout)
	w.Register(jobs.JobPreparingStuckCheck, s.handleStuckCheck)
	w.Register(jobs.JobQueuedMessageProcess, s.handleQueuedProcess)
}

func (s *Service) handleRun(ctx context.Context, job *jobs.Job) error {
	var payload jobs.RunPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decode run payload: %w", err)
	}
	return s.runner.Run(ctx, payload.GenerationID)
}

func (s *Service) handleTimeout(ctx context.Context, job *jobs.Job) error {
	var payload jobs.TimeoutPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decode timeout payload: %w", err)
	}
	return s.ProcessGenerationTimeout(ctx, payload.GenerationID, payload.Kind)
}

func (s *Service) handleStuckCheck(ctx context.Context, job *jobs.Job) error {
	var payload jobs.StuckCheckPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decode stuck-check payload: %w", err)
	}
	return s.ProcessPreparingStuckCheck(ctx, payload.GenerationID)
}

func (s *Service) handleQueuedProcess(ctx context.Context, job *jobs.Job) error {
	var payload jobs.QueuedProcessPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decode queued-process payload: %w", err)
	}
	return s.queuedPrc.Process(ctx, payload.ConversationID)
}

// ProcessGenerationTimeout resolves an expired approval or auth wait.
// Kind is "approval" or "auth".
func (s *Service) ProcessGenerationTimeout(ctx context.Context, generationID, kind string) error {
	return s.approvals.HandleTimeout(ctx, generationID, kind)
}

// ProcessPreparingStuckCheck fires at the preparation deadline. A
// generation still running without a sandbox at this point is stuck in
// agent init; emit the observability signal and ping the monitor.
func (s *Service) ProcessPreparingStuckCheck(ctx context.Context, generationID string) error {
	gen, err := s.store.GetGeneration(ctx, generationID)
	if err != nil {
		return nil
	}
	if gen.Status != models.GenerationRunning || gen.SandboxID != "" {
		return nil
	}

	s.logger.WithGenerationID(generationID).Error("generation stuck in preparation",
		zap.String("phase", gen.Phase),
		zap.Duration("age", time.Since(gen.StartedAt)))

	_, span := telemetry.Tracer("generation").Start(ctx, "generation.stuck",
		trace.WithAttributes(
			attribute.String("generation.id", generationID),
			attribute.String("generation.phase", gen.Phase),
		))
	span.End()

	s.pingMonitor(ctx, generationID, gen.Phase)
	return nil
}

// pingMonitor notifies the configured external monitor. Best effort.
func (s *Service) pingMonitor(ctx context.Context, generationID, phase string) {
	if s.cfg.Monitor.URL == "" {
		return
	}
	body, _ := json.Marshal(map[string]string{
		"event":         "generation_stuck",
		"generation_id": generationID,
		"phase":         phase,
	})
	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, s.cfg.Monitor.URL, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		s.logger.Debug("monitor ping failed", zap.Error(err))
		return
	}
	resp.Body.Close()
}

// ReapStaleGenerations finalizes generations abandoned past their
// status threshold: running becomes error, the waiting statuses become
// cancelled. Returns counts by prior status.
func (s *Service) ReapStaleGenerations(ctx context.Context) (map[models.GenerationStatus]int, error) {
	counts := make(map[models.GenerationStatus]int)
	for status, threshold := range staleThresholds {
		stale, err := s.store.ListStaleGenerations(ctx, status, threshold)
		if err != nil {
			return counts, fmt.Errorf("list stale %s generations: %w", status, err)
		}
		for _, gen := range stale {
			if s.reapOne(ctx, gen) {
				counts[status]++
			}
		}
	}
	return counts, nil
}

func (s *Service) reapOne(ctx context.Context, gen *models.Generation) bool {
	log := s.logger.WithGenerationID(gen.ID)

	claimed, err := s.store.TryBeginFinalize(ctx, gen.ID)
	if err != nil || !claimed {
		return false
	}

	terminal := models.GenerationCancelled
	errorMessage := ""
	if gen.Status == models.GenerationRunning {
		terminal = models.GenerationError
		errorMessage = abandonedErrorMessage
	}

	if err := s.store.FinalizeGeneration(ctx, gen.ID, terminal, errorMessage, "",
		gen.InputTokens, gen.OutputTokens, gen.Timing); err != nil {
		log.Error("reap generation", zap.Error(err))
		return false
	}

	if err := s.store.UpdateConversationStatus(ctx, gen.ConversationID,
		models.ConversationStatusFor(terminal), gen.ID); err != nil {
		log.Warn("mirror reaped conversation", zap.Error(err))
	}
	if gen.WorkflowRunID != "" {
		if err := s.store.UpdateWorkflowRunStatus(ctx, gen.WorkflowRunID,
			models.WorkflowRunStatusFor(terminal)); err != nil {
			log.Warn("mirror reaped workflow run", zap.Error(err))
		}
	}

	if err := s.queue.Enqueue(ctx, jobs.JobQueuedMessageProcess,
		jobs.QueuedProcessPayload{ConversationID: gen.ConversationID},
		jobs.WithJobID(fmt.Sprintf("queued:process:%s:reap:%s", gen.ConversationID, gen.ID)),
	); err != nil {
		log.Warn("enqueue queued processing after reap", zap.Error(err))
	}

	s.broadcast(ctx, events.BuildGenerationStatusSubject(gen.ID), events.GenerationFinished,
		map[string]interface{}{
			"generation_id": gen.ID,
			"status":        string(terminal),
			"error_message": errorMessage,
			"reaped":        true,
		})

	log.Info("reaped stale generation",
		zap.String("prior_status", string(gen.Status)),
		zap.String("terminal_status", string(terminal)))
	return true
}

// StartReaper runs the stale scan on a ticker until ctx is done.
func (s *Service) StartReaper(ctx context.Context) {
	interval := s.cfg.Generation.ReaperIntervalDuration()
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.ReapStaleGenerations(ctx); err != nil {
					s.logger.Warn("stale generation scan", zap.Error(err))
				}
			}
		}
	}()
}
