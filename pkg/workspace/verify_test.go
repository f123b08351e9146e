package workspace

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autocoder/pkg/config"
	"autocoder/pkg/mirror"
)

func verifyConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Database.Path = filepath.Join(dir, "autocoder.db")
	cfg.Workspace.WorktreeRoot = filepath.Join(dir, "worktrees")
	cfg.Workspace.RepoRoot = filepath.Join(dir, "repos")
	return cfg
}

func lookPathOf(available ...string) func(string) (string, error) {
	set := make(map[string]bool)
	for _, a := range available {
		set[a] = true
	}
	return func(file string) (string, error) {
		if set[file] {
			return "/usr/bin/" + file, nil
		}
		return "", errors.New("not found")
	}
}

func TestVerifyTools(t *testing.T) {
	daemonDown := func(context.Context, string, ...string) error { return errors.New("cannot connect") }
	daemonUp := func(context.Context, string, ...string) error { return nil }

	tests := []struct {
		name      string
		sandbox   bool
		available []string
		probe     func(context.Context, string, ...string) error
		wantOK    bool
		failure   string
	}{
		{name: "local agent", available: []string{"git", "gh", "claude"}, wantOK: true},
		{name: "local agent missing", available: []string{"git", "gh"}, failure: `agent command "claude"`},
		{name: "git missing", available: []string{"gh", "claude"}, failure: "git"},
		{name: "gh missing", available: []string{"git", "claude"}, failure: "GitHub CLI"},
		{name: "sandbox with docker", sandbox: true, available: []string{"git", "gh", "docker"}, probe: daemonUp, wantOK: true},
		{name: "sandbox with podman", sandbox: true, available: []string{"git", "gh", "podman"}, probe: daemonUp, wantOK: true},
		{name: "sandbox without runtime", sandbox: true, available: []string{"git", "gh"}, failure: "neither docker nor podman"},
		{name: "daemon down", sandbox: true, available: []string{"git", "gh", "docker"}, probe: daemonDown, failure: "not responding"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := verifyConfig(t)
			cfg.Sandbox.Enabled = tt.sandbox
			m := NewManager(mirror.NewManager(cfg.Workspace.RepoRoot, "", ""), cfg.Workspace.WorktreeRoot)

			rep := m.Verify(context.Background(), VerifyOptions{
				Config:   cfg,
				LookPath: lookPathOf(tt.available...),
				Probe:    tt.probe,
			})
			assert.Equal(t, tt.wantOK, rep.OK, "failures: %v", rep.Failures)
			if tt.failure != "" {
				require.NotEmpty(t, rep.Failures)
				assert.Contains(t, rep.Failures[0], tt.failure)
			}
			assert.Contains(t, rep.Durations, "database")
			assert.Contains(t, rep.Durations, "mirrors")
		})
	}
}

func TestVerifyMirrors(t *testing.T) {
	f := newFixture(t)
	f.checkout(t, "run-1", "autocoder/1-run1", "main")

	cfg := verifyConfig(t)
	opts := VerifyOptions{Config: cfg, LookPath: lookPathOf("git", "gh", "claude")}

	rep := f.manager.Verify(context.Background(), opts)
	assert.True(t, rep.OK, "failures: %v", rep.Failures)
	assert.Empty(t, rep.Warnings)

	broken := filepath.Join(f.manager.mirrors.Root(), "acme", "broken.git")
	require.NoError(t, os.MkdirAll(broken, 0755))

	rep = f.manager.Verify(context.Background(), opts)
	assert.False(t, rep.OK)
	require.Len(t, rep.Failures, 1)
	assert.Contains(t, rep.Failures[0], "broken.git")
}

func TestVerifyUnwritableDatabase(t *testing.T) {
	cfg := verifyConfig(t)
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0644))
	cfg.Database.Path = filepath.Join(blocker, "sub", "autocoder.db")

	m := NewManager(mirror.NewManager(cfg.Workspace.RepoRoot, "", ""), cfg.Workspace.WorktreeRoot)
	rep := m.Verify(context.Background(), VerifyOptions{Config: cfg, LookPath: lookPathOf("git", "gh", "claude")})
	assert.False(t, rep.OK)
	require.NotEmpty(t, rep.Failures)
	assert.Contains(t, rep.Failures[0], "database")
}
