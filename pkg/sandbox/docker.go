// Package sandbox provisions the isolated environment an agent runs in.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"autocoder/pkg/config"
	"autocoder/pkg/coordinator"
	"autocoder/pkg/logx"
	"autocoder/pkg/persistence"
	"autocoder/pkg/utils"
)

// ContainerPrefix namespaces every container the service creates.
const ContainerPrefix = "autocoder-run-"

// RefPrefix marks environment references that name a container.
const RefPrefix = "docker:"

// MountPoint is where the worktree root appears inside a container.
const MountPoint = "/worktrees"

// Environment variables handed to the sandbox.
const (
	EnvRunID    = "AUTOCODER_RUN_ID"
	EnvRunToken = "AUTOCODER_RUN_TOKEN"
)

// commandRunner runs the container CLI and returns its combined output.
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Docker provisions one long-lived container per run with the worktree root
// mounted at MountPoint. Agents are executed inside it with `docker exec`.
type Docker struct {
	cfg          config.SandboxConfig
	worktreeRoot string
	dockerCmd    string
	pollInterval time.Duration
	run          commandRunner
	logger       *logx.Logger
}

// NewDocker creates a Docker provisioner. podman is used when docker is not
// installed.
func NewDocker(cfg config.SandboxConfig, worktreeRoot string) *Docker {
	dockerCmd := "docker"
	if _, err := exec.LookPath("podman"); err == nil {
		if _, err := exec.LookPath("docker"); err != nil {
			dockerCmd = "podman"
		}
	}
	return &Docker{
		cfg:          cfg,
		worktreeRoot: worktreeRoot,
		dockerCmd:    dockerCmd,
		pollInterval: 500 * time.Millisecond,
		run:          execRunner,
		logger:       logx.NewLogger("sandbox"),
	}
}

// ContainerName returns the container name of a run.
func ContainerName(runID string) string {
	return ContainerPrefix + utils.SanitizeContainerName(runID)
}

// Provision implements coordinator.Provisioner. An existing container for
// the run is reused, so a retried step does not fail on its own first attempt.
func (d *Docker) Provision(ctx context.Context, run *persistence.Run, token string) (string, error) {
	name := ContainerName(run.ID)

	running, err := d.inspectRunning(ctx, name)
	switch {
	case err == nil && running:
		d.logger.Debug("Reusing container %s", name)
		return RefPrefix + name, nil
	case err == nil:
		// Exists but stopped: start over.
		if rmErr := d.remove(ctx, name); rmErr != nil {
			return "", rmErr
		}
	case !errors.Is(err, errNoContainer):
		return "", d.classify(ctx, err)
	}

	args, err := d.buildRunArgs(name, run, token)
	if err != nil {
		return "", err
	}
	if out, err := d.run(ctx, d.dockerCmd, args...); err != nil {
		return "", d.classify(ctx, fmt.Errorf("%s run failed: %w\nOutput: %s", d.dockerCmd, err, strings.TrimSpace(string(out))))
	}

	if err := d.waitRunning(ctx, name); err != nil {
		return "", err
	}
	d.logger.Info("Provisioned container %s for run %s", name, run.ID)
	return RefPrefix + name, nil
}

// Release implements coordinator.Provisioner. A missing container is not an
// error.
func (d *Docker) Release(ctx context.Context, runID string) error {
	return d.remove(ctx, ContainerName(runID))
}

func (d *Docker) remove(ctx context.Context, name string) error {
	out, err := d.run(ctx, d.dockerCmd, "rm", "-f", name)
	if err != nil {
		if isNoSuchContainer(out) {
			return nil
		}
		return fmt.Errorf("failed to remove container %s: %w\nOutput: %s", name, err, strings.TrimSpace(string(out)))
	}
	d.logger.Debug("Removed container %s", name)
	return nil
}

// buildRunArgs constructs the docker run arguments of a run container.
func (d *Docker) buildRunArgs(name string, run *persistence.Run, token string) ([]string, error) {
	args := []string{"run", "--detach", "--name", name,
		"--label", "autocoder.run=" + run.ID,
		"--label", fmt.Sprintf("autocoder.project=%d", run.ProjectID),
		"--security-opt", "no-new-privileges",
	}

	if d.cfg.Network != "" {
		args = append(args, "--network", d.cfg.Network)
	}
	if d.cfg.CPUs != "" {
		args = append(args, "--cpus", d.cfg.CPUs)
	}
	if d.cfg.Memory != "" {
		args = append(args, "--memory", d.cfg.Memory)
	}

	// Run as the invoking user so files written into the worktree stay ours.
	args = append(args, "--user", fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid()))

	if d.worktreeRoot != "" {
		root, err := filepath.Abs(d.worktreeRoot)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve worktree root: %w", err)
		}
		args = append(args, "--volume", fmt.Sprintf("%s:%s:rw", normalizePath(root), MountPoint))
	}

	args = append(args,
		"--tmpfs", "/tmp:exec,nodev,nosuid,size=512m",
		"--tmpfs", "/home:exec,nodev,nosuid,size=256m",
		"--env", "HOME=/home",
		"--env", EnvRunID+"="+run.ID,
		"--env", EnvRunToken+"="+token,
	)

	args = append(args, d.cfg.Image, "sleep", "infinity")
	return args, nil
}

var errNoContainer = errors.New("no such container")

func (d *Docker) inspectRunning(ctx context.Context, name string) (bool, error) {
	out, err := d.run(ctx, d.dockerCmd, "inspect", "--format", "{{.State.Running}}", name)
	if err != nil {
		if isNoSuchContainer(out) {
			return false, errNoContainer
		}
		return false, fmt.Errorf("%s inspect failed: %w\nOutput: %s", d.dockerCmd, err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)) == "true", nil
}

// waitRunning polls until the container reports running or ctx expires.
func (d *Docker) waitRunning(ctx context.Context, name string) error {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	for {
		running, err := d.inspectRunning(ctx, name)
		if err == nil && running {
			return nil
		}
		if err != nil && !errors.Is(err, errNoContainer) {
			return d.classify(ctx, err)
		}
		select {
		case <-ctx.Done():
			return d.classify(ctx, ctx.Err())
		case <-ticker.C:
		}
	}
}

// classify turns a deadline into ErrProvisionTimeout so the step retries.
func (d *Docker) classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", coordinator.ErrProvisionTimeout, err)
	}
	return err
}

func isNoSuchContainer(out []byte) bool {
	s := strings.ToLower(string(out))
	return strings.Contains(s, "no such container") || strings.Contains(s, "no such object") || strings.Contains(s, "no container with name")
}

// ContainerPath maps a host path under worktreeRoot to its path inside a
// run container.
func ContainerPath(worktreeRoot, hostPath string) (string, error) {
	root, err := filepath.Abs(worktreeRoot)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(hostPath)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s is outside the worktree root %s", hostPath, worktreeRoot)
	}
	return filepath.ToSlash(filepath.Join(MountPoint, rel)), nil
}

// normalizePath converts a Windows path for Docker Desktop.
func normalizePath(path string) string {
	if runtime.GOOS == "windows" && len(path) > 2 && path[1] == ':' {
		drive := strings.ToLower(string(path[0]))
		return "/" + drive + strings.ReplaceAll(path[2:], "\\", "/")
	}
	return path
}

// Local runs agents directly on the host. It is used when the sandbox is
// disabled.
type Local struct{}

// LocalRef is the environment reference of unsandboxed runs.
const LocalRef = "local"

// Provision implements coordinator.Provisioner.
func (Local) Provision(context.Context, *persistence.Run, string) (string, error) {
	return LocalRef, nil
}

// Release implements coordinator.Provisioner.
func (Local) Release(context.Context, string) error { return nil }

// New returns the provisioner selected by cfg.
func New(cfg config.SandboxConfig, worktreeRoot string) coordinator.Provisioner {
	if !cfg.Enabled {
		return Local{}
	}
	return NewDocker(cfg, worktreeRoot)
}
