package runner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/generation/models"
	"github.com/parleyhq/parley/internal/generation/provider"
	"github.com/parleyhq/parley/internal/skills"
)

// Sandbox paths the runner owns. The cache key file lets a reused
// sandbox skip the asset writes when nothing relevant changed.
const (
	prePromptCachePath = "/app/.parley/pre-prompt.key"
	skillsDir          = "/app/.opencode/skills"
	integrationsDir    = "/app/.opencode/integrations"
	uploadsDir         = "/home/user/uploads"
)

// prepare obtains the sandbox and session and runs pre-prompt setup.
func (r *Runner) prepare(ctx context.Context, s *run) error {
	selected, custom, err := r.loadAssets(ctx, s)
	if err != nil {
		return err
	}

	integrationEnv := make(map[string]string)
	for _, ci := range custom {
		for k, v := range ci.Env {
			integrationEnv[k] = v
		}
	}

	fresh := s.conv.Type == models.ConversationTypeWorkflow && !r.cfg.Workflow.ReuseSession
	s.phase(ctx, r, PhaseAgentInitStarted)
	session, err := r.sessions.GetOrCreateSession(ctx,
		provider.SessionRequest{
			ConversationID: s.conv.ID,
			GenerationID:   s.gen.ID,
			UserID:         s.conv.UserID,
			Model:          s.gen.Model,
			SandboxID:      s.conv.SandboxID,
			SessionID:      s.conv.SessionID,
			IntegrationEnv: integrationEnv,
		},
		provider.SessionOptions{
			Title:         s.conv.Title,
			ReplayHistory: len(s.gen.ContentParts) > 0,
			FreshSession:  fresh,
			OnLifecycle: func(stage provider.LifecycleStage, details string) {
				s.phase(ctx, r, agentInitPhasePrefix+string(stage))
				if details != "" {
					s.log.Debug("provider lifecycle",
						zap.String("stage", string(stage)), zap.String("details", details))
				}
			},
		})
	if err != nil {
		s.phase(ctx, r, PhaseAgentInitFailed)
		return fmt.Errorf("provider session: %w", err)
	}
	s.phase(ctx, r, PhaseAgentInitReady)
	s.session = session

	if err := r.store.SetGenerationSandbox(ctx, s.gen.ID, session.SandboxID); err != nil {
		s.log.Warn("record sandbox id", zap.Error(err))
	}
	if err := r.store.UpdateConversationSession(ctx, s.conv.ID, session.SandboxID, session.SessionID); err != nil {
		s.log.Warn("record session handles", zap.Error(err))
	}

	s.phase(ctx, r, PhasePrePromptSetup)
	return r.prePromptSetup(ctx, s, selected, custom)
}

// loadAssets fetches the skills and custom integrations the execution
// policy selected.
func (r *Runner) loadAssets(ctx context.Context, s *run) ([]*skills.Skill, []*skills.CustomIntegration, error) {
	var selected []*skills.Skill
	if len(s.gen.Policy.SelectedSkills) > 0 {
		var err error
		selected, err = r.skills.ListSkills(ctx, s.gen.Policy.SelectedSkills)
		if err != nil {
			return nil, nil, fmt.Errorf("load skills: %w", err)
		}
	}
	var custom []*skills.CustomIntegration
	if len(s.gen.Policy.AllowedCustomIntegrations) > 0 {
		var err error
		custom, err = r.skills.ListCustomIntegrations(ctx, s.gen.Policy.AllowedCustomIntegrations)
		if err != nil {
			return nil, nil, fmt.Errorf("load custom integrations: %w", err)
		}
	}
	return selected, custom, nil
}

// prePromptSetup writes skill and integration assets into the sandbox.
// A reused sandbox whose cache key matches skips every write.
func (r *Runner) prePromptSetup(ctx context.Context, s *run, selected []*skills.Skill, custom []*skills.CustomIntegration) error {
	key := prePromptCacheKey(s.conv.UserID, s.gen.Policy.AllowedIntegrations, selected, custom)

	if s.session.SandboxReused {
		if data, err := s.session.Sandbox.ReadFile(ctx, prePromptCachePath); err == nil {
			if strings.TrimSpace(string(data)) == key {
				s.log.Debug("pre-prompt cache hit, skipping asset writes")
				return nil
			}
		}
	}

	for _, skill := range selected {
		body := fmt.Sprintf("# %s\n\n%s\n\n%s\n", skill.Title, skill.Description, skill.Instructions)
		target := path.Join(skillsDir, skill.Name+".md")
		if err := s.session.Sandbox.WriteFile(ctx, target, []byte(body)); err != nil {
			return fmt.Errorf("write skill %s: %w", skill.Name, err)
		}
	}

	for _, ci := range custom {
		target := path.Join(integrationsDir, ci.Name)
		if err := s.session.Sandbox.WriteFile(ctx, target, []byte(ci.Script)); err != nil {
			return fmt.Errorf("write integration %s: %w", ci.Name, err)
		}
		if _, err := s.session.Sandbox.RunCommand(ctx, "chmod +x "+target); err != nil {
			return fmt.Errorf("mark integration %s executable: %w", ci.Name, err)
		}
	}

	if err := s.session.Sandbox.WriteFile(ctx, prePromptCachePath, []byte(key)); err != nil {
		return fmt.Errorf("write pre-prompt cache key: %w", err)
	}
	return nil
}

// prePromptCacheKey hashes everything the asset writes depend on. A
// rotated credential or edited skill changes the key and forces a
// re-write on the next turn.
func prePromptCacheKey(userID string, allowedIntegrations []string, selected []*skills.Skill, custom []*skills.CustomIntegration) string {
	integrations := append([]string(nil), allowedIntegrations...)
	sort.Strings(integrations)

	skillKeys := make([]string, 0, len(selected))
	for _, sk := range selected {
		skillKeys = append(skillKeys, sk.Name+"@"+strconv.FormatInt(sk.UpdatedAt.UnixMilli(), 10))
	}
	sort.Strings(skillKeys)

	customKeys := make([]string, 0, len(custom))
	for _, ci := range custom {
		customKeys = append(customKeys,
			ci.Name+"@"+strconv.FormatInt(ci.UpdatedAt.UnixMilli(), 10)+
				":"+strconv.FormatInt(ci.CredentialsUpdatedAt.UnixMilli(), 10))
	}
	sort.Strings(customKeys)

	h := sha256.New()
	for _, section := range [][]string{{userID}, integrations, skillKeys, customKeys} {
		for _, item := range section {
			h.Write([]byte(item))
			h.Write([]byte{0})
		}
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
