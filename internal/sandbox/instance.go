package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/parleyhq/parley/internal/generation/provider"
)

// Instance binds the file and shell surface of one sandbox container. It
// implements provider.Sandbox.
type Instance struct {
	manager     *Manager
	containerID string
}

var _ provider.Sandbox = (*Instance)(nil)

// Instance returns the file/shell surface for a container.
func (m *Manager) Instance(containerID string) *Instance {
	return &Instance{manager: m, containerID: containerID}
}

// ID returns the container id backing this instance.
func (i *Instance) ID() string {
	return i.containerID
}

// RunCommand executes a shell command inside the sandbox and captures
// its output.
func (i *Instance) RunCommand(ctx context.Context, cmd string) (*provider.CommandResult, error) {
	cli := i.manager.cli

	exec, err := cli.ContainerExecCreate(ctx, i.containerID, container.ExecOptions{
		Cmd:          []string{"sh", "-lc", cmd},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create exec: %w", err)
	}

	attach, err := cli.ContainerExecAttach(ctx, exec.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach exec: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return nil, fmt.Errorf("failed to read exec output: %w", err)
	}

	inspect, err := cli.ContainerExecInspect(ctx, exec.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect exec: %w", err)
	}

	return &provider.CommandResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

// ReadFile copies a single file out of the sandbox.
func (i *Instance) ReadFile(ctx context.Context, path string) ([]byte, error) {
	reader, _, err := i.manager.cli.CopyFromContainer(ctx, i.containerID, path)
	if err != nil {
		return nil, fmt.Errorf("failed to copy %s from sandbox: %w", path, err)
	}
	defer func() { _ = reader.Close() }()

	tr := tar.NewReader(reader)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read archive for %s: %w", path, err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		return io.ReadAll(tr)
	}
	return nil, fmt.Errorf("no file at %s in sandbox", path)
}

// WriteFile copies a file into the sandbox, creating parent directories.
func (i *Instance) WriteFile(ctx context.Context, path string, content []byte) error {
	dir := filepath.Dir(path)
	if dir != "/" && dir != "." {
		if _, err := i.RunCommand(ctx, "mkdir -p "+shellQuote(dir)); err != nil {
			return fmt.Errorf("failed to create %s in sandbox: %w", dir, err)
		}
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{
		Name: filepath.Base(path),
		Mode: 0o644,
		Size: int64(len(content)),
	}); err != nil {
		return fmt.Errorf("failed to build archive for %s: %w", path, err)
	}
	if _, err := tw.Write(content); err != nil {
		return fmt.Errorf("failed to build archive for %s: %w", path, err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to build archive for %s: %w", path, err)
	}

	if err := i.manager.cli.CopyToContainer(ctx, i.containerID, dir, &buf, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("failed to copy %s into sandbox: %w", path, err)
	}
	return nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
