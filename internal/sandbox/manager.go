// Package sandbox manages the per-conversation Docker containers that
// generations execute in. Containers are labeled by conversation so a
// later turn can reuse the environment it left behind.
package sandbox

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/common/config"
	"github.com/parleyhq/parley/internal/common/logger"
)

// Labels stamped on every sandbox container.
const (
	LabelManaged      = "parley.sandbox"
	LabelConversation = "parley.conversation_id"
	LabelUser         = "parley.user_id"
)

// Manager wraps the Docker SDK for sandbox lifecycle operations.
type Manager struct {
	cli    *client.Client
	cfg    config.SandboxConfig
	logger *logger.Logger
}

// NewManager creates a Docker-backed sandbox manager.
func NewManager(cfg config.SandboxConfig, log *logger.Logger) (*Manager, error) {
	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
	}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	log.Info("sandbox manager created",
		zap.String("host", cfg.Host),
		zap.String("image", cfg.Image))

	return &Manager{cli: cli, cfg: cfg, logger: log}, nil
}

// Close closes the Docker client.
func (m *Manager) Close() error {
	return m.cli.Close()
}

// Ping checks that the Docker daemon is reachable.
func (m *Manager) Ping(ctx context.Context) error {
	if _, err := m.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping failed: %w", err)
	}
	return nil
}

// FindByConversation returns the container id of an existing sandbox for
// the conversation, or "" when none survives.
func (m *Manager) FindByConversation(ctx context.Context, conversationID string) (string, error) {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", LabelManaged+"=true")
	filterArgs.Add("label", fmt.Sprintf("%s=%s", LabelConversation, conversationID))

	containers, err := m.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return "", fmt.Errorf("failed to list sandbox containers: %w", err)
	}
	if len(containers) == 0 {
		return "", nil
	}
	return containers[0].ID, nil
}

// EnsureRunning starts a stopped sandbox container.
func (m *Manager) EnsureRunning(ctx context.Context, containerID string) error {
	inspect, err := m.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return fmt.Errorf("failed to inspect sandbox %s: %w", containerID, err)
	}
	if inspect.State != nil && inspect.State.Running {
		return nil
	}
	if err := m.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start sandbox %s: %w", containerID, err)
	}
	m.logger.Info("sandbox restarted", zap.String("sandbox_id", containerID))
	return nil
}

// Create pulls the sandbox image if needed, then creates and starts a
// fresh container for the conversation.
func (m *Manager) Create(ctx context.Context, conversationID, userID string, env []string) (string, error) {
	if err := m.ensureImage(ctx); err != nil {
		return "", err
	}

	name := fmt.Sprintf("parley-sandbox-%s-%d", conversationID, time.Now().Unix())
	containerCfg := &container.Config{
		Image:      m.cfg.Image,
		Env:        env,
		WorkingDir: m.cfg.WorkDir,
		Labels: map[string]string{
			LabelManaged:      "true",
			LabelConversation: conversationID,
			LabelUser:         userID,
		},
	}
	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(m.cfg.Network),
		Resources: container.Resources{
			Memory: int64(m.cfg.MemoryLimitMB) * 1024 * 1024,
		},
	}

	resp, err := m.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("failed to create sandbox container: %w", err)
	}
	if err := m.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("failed to start sandbox container: %w", err)
	}

	m.logger.Info("sandbox created",
		zap.String("sandbox_id", resp.ID),
		zap.String("conversation_id", conversationID))
	return resp.ID, nil
}

func (m *Manager) ensureImage(ctx context.Context) error {
	_, err := m.cli.ImageInspect(ctx, m.cfg.Image)
	if err == nil {
		return nil
	}

	m.logger.Info("pulling sandbox image", zap.String("image", m.cfg.Image))
	reader, err := m.cli.ImagePull(ctx, m.cfg.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", m.cfg.Image, err)
	}
	defer func() { _ = reader.Close() }()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("error reading image pull output: %w", err)
	}
	return nil
}

// Endpoint returns the base URL of the OpenCode server inside the
// sandbox.
func (m *Manager) Endpoint(ctx context.Context, containerID string) (string, error) {
	inspect, err := m.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return "", fmt.Errorf("failed to inspect sandbox %s: %w", containerID, err)
	}

	ip := ""
	if inspect.NetworkSettings != nil {
		if inspect.NetworkSettings.IPAddress != "" {
			ip = inspect.NetworkSettings.IPAddress
		} else {
			for _, settings := range inspect.NetworkSettings.Networks {
				if settings.IPAddress != "" {
					ip = settings.IPAddress
					break
				}
			}
		}
	}
	if ip == "" {
		return "", fmt.Errorf("no IP address found for sandbox %s", containerID)
	}
	return fmt.Sprintf("http://%s:%d", ip, m.cfg.OpenCodePort), nil
}

// Remove force-removes a sandbox container.
func (m *Manager) Remove(ctx context.Context, containerID string) error {
	if err := m.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	}); err != nil {
		return fmt.Errorf("failed to remove sandbox %s: %w", containerID, err)
	}
	return nil
}
