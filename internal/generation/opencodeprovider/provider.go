// Package opencodeprovider implements the session provider on a Docker
// sandbox running an OpenCode server. Sandboxes are reused across turns
// of a conversation; the server password survives restarts in a file
// inside the sandbox.
package opencodeprovider

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/common/config"
	"github.com/parleyhq/parley/internal/common/logger"
	"github.com/parleyhq/parley/internal/generation/provider"
	"github.com/parleyhq/parley/internal/sandbox"
	"github.com/parleyhq/parley/pkg/opencode"
)

const passwordPath = "/run/opencode.password"

// Provider creates OpenCode sessions inside Docker sandboxes.
type Provider struct {
	sandboxes *sandbox.Manager
	cfg       config.SandboxConfig
	logger    *logger.Logger
}

var _ provider.SessionProvider = (*Provider)(nil)

// New creates the provider.
func New(sandboxes *sandbox.Manager, cfg config.SandboxConfig, log *logger.Logger) *Provider {
	return &Provider{sandboxes: sandboxes, cfg: cfg, logger: log}
}

// GetOrCreateSession prepares the sandbox and chat session, reporting
// each stage through opts.OnLifecycle.
func (p *Provider) GetOrCreateSession(ctx context.Context, req provider.SessionRequest, opts provider.SessionOptions) (*provider.Session, error) {
	stage := opts.OnLifecycle
	if stage == nil {
		stage = func(provider.LifecycleStage, string) {}
	}
	log := p.logger.WithConversationID(req.ConversationID).WithGenerationID(req.GenerationID)

	stage(provider.StageSandboxCheckingCache, "")
	sandboxID, reused, err := p.ensureSandbox(ctx, req)
	if err != nil {
		return nil, err
	}
	if reused {
		stage(provider.StageSandboxReused, sandboxID)
	} else {
		stage(provider.StageSandboxCreated, sandboxID)
	}
	instance := p.sandboxes.Instance(sandboxID)

	stage(provider.StageOpenCodeStarting, "")
	password, err := p.startServer(ctx, instance)
	if err != nil {
		return nil, err
	}

	endpoint, err := p.sandboxes.Endpoint(ctx, sandboxID)
	if err != nil {
		return nil, err
	}
	client := opencode.NewClient(endpoint, p.cfg.WorkDir, password, log)
	if err := client.WaitForHealth(ctx); err != nil {
		return nil, fmt.Errorf("opencode server not healthy: %w", err)
	}
	stage(provider.StageOpenCodeReady, endpoint)

	sessionID := req.SessionID
	sessionReused := sessionID != "" && reused && !opts.FreshSession
	if sessionReused {
		stage(provider.StageSessionReused, sessionID)
	} else {
		stage(provider.StageSessionCreating, "")
		sessionID, err = client.CreateSession(ctx)
		if err != nil {
			return nil, fmt.Errorf("create opencode session: %w", err)
		}
		stage(provider.StageSessionInitCompleted, sessionID)
	}

	log.Info("session ready",
		zap.String("sandbox_id", sandboxID),
		zap.String("session_id", sessionID),
		zap.Bool("sandbox_reused", reused))

	return &provider.Session{
		Client:        &sessionClient{client: client, sessionID: sessionID},
		Sandbox:       instance,
		SessionID:     sessionID,
		SandboxID:     sandboxID,
		SandboxReused: reused,
		SessionReused: sessionReused,
	}, nil
}

// ensureSandbox reuses the recorded sandbox, falls back to a label scan,
// and creates a fresh container when neither survives.
func (p *Provider) ensureSandbox(ctx context.Context, req provider.SessionRequest) (string, bool, error) {
	if req.SandboxID != "" {
		if err := p.sandboxes.EnsureRunning(ctx, req.SandboxID); err == nil {
			return req.SandboxID, true, nil
		}
		p.logger.Warn("recorded sandbox unusable, creating a fresh one",
			zap.String("sandbox_id", req.SandboxID))
	}

	if found, err := p.sandboxes.FindByConversation(ctx, req.ConversationID); err != nil {
		return "", false, err
	} else if found != "" {
		if err := p.sandboxes.EnsureRunning(ctx, found); err == nil {
			return found, true, nil
		}
	}

	env := make([]string, 0, len(req.Credentials)+len(req.IntegrationEnv))
	for key, value := range req.Credentials {
		env = append(env, key+"="+value)
	}
	for key, value := range req.IntegrationEnv {
		env = append(env, key+"="+value)
	}

	id, err := p.sandboxes.Create(ctx, req.ConversationID, req.UserID, env)
	if err != nil {
		return "", false, err
	}
	return id, false, nil
}

// startServer launches the OpenCode server inside the sandbox unless one
// is already listening, and returns its password.
func (p *Provider) startServer(ctx context.Context, instance *sandbox.Instance) (string, error) {
	if data, err := instance.ReadFile(ctx, passwordPath); err == nil {
		password := strings.TrimSpace(string(data))
		if password != "" {
			// A server from a prior turn may still be running; launching
			// again is a no-op thanks to the pgrep guard below.
			if err := p.launch(ctx, instance, password); err != nil {
				return "", err
			}
			return password, nil
		}
	}

	password := opencode.GenerateServerPassword()
	if err := instance.WriteFile(ctx, passwordPath, []byte(password)); err != nil {
		return "", fmt.Errorf("write opencode password: %w", err)
	}
	if err := p.launch(ctx, instance, password); err != nil {
		return "", err
	}
	return password, nil
}

func (p *Provider) launch(ctx context.Context, instance *sandbox.Instance, password string) error {
	cmd := fmt.Sprintf(
		"pgrep -f 'opencode serve' >/dev/null || (OPENCODE_SERVER_PASSWORD=$(cat %s) nohup opencode serve --hostname 0.0.0.0 --port %d >/var/log/opencode.log 2>&1 &)",
		passwordPath, p.cfg.OpenCodePort)
	result, err := instance.RunCommand(ctx, cmd)
	if err != nil {
		return fmt.Errorf("launch opencode server: %w", err)
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("launch opencode server: exit %d: %s", result.ExitCode, result.Stderr)
	}
	return nil
}

// sessionClient adapts the OpenCode HTTP client to the provider.Client
// surface, bound to one session.
type sessionClient struct {
	client    *opencode.Client
	sessionID string
}

var _ provider.Client = (*sessionClient)(nil)

func (c *sessionClient) Subscribe(ctx context.Context) (<-chan *opencode.SDKEventEnvelope, error) {
	return c.client.Subscribe(ctx, c.sessionID)
}

func (c *sessionClient) Prompt(ctx context.Context, req opencode.PromptRequest) error {
	return c.client.SendPrompt(ctx, c.sessionID, req)
}

func (c *sessionClient) Abort(ctx context.Context) error {
	return c.client.Abort(ctx, c.sessionID)
}

func (c *sessionClient) ReplyPermission(ctx context.Context, requestID, reply string, message *string) error {
	return c.client.ReplyPermission(ctx, requestID, reply, message)
}

func (c *sessionClient) ReplyQuestion(ctx context.Context, requestID string, answers []string) error {
	return c.client.ReplyQuestion(ctx, requestID, answers)
}

func (c *sessionClient) RejectQuestion(ctx context.Context, requestID string) error {
	return c.client.RejectQuestion(ctx, requestID)
}
