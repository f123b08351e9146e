package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"autocoder/pkg/config"
	"autocoder/pkg/logx"
	"autocoder/pkg/persistence"
)

// VerifyOptions configures Verify.
type VerifyOptions struct {
	Config  *config.Config
	Logger  *logx.Logger
	Timeout time.Duration // Upper bound for each external command

	// LookPath resolves executables; exec.LookPath when nil.
	LookPath func(file string) (string, error)
	// Probe runs a health command such as `docker info`; nil runs it for real.
	Probe func(ctx context.Context, name string, args ...string) error
}

// VerifyReport contains the results of Verify.
type VerifyReport struct {
	Durations map[string]time.Duration
	Warnings  []string
	Failures  []string
	OK        bool
}

// Verify checks that the host can run agents: the database opens, the
// required tools are installed, the container runtime answers, the worktree
// root is writable and every bare clone is a usable repository.
func (m *Manager) Verify(ctx context.Context, opts VerifyOptions) *VerifyReport {
	if opts.Logger == nil {
		opts.Logger = logx.NewLogger("verify")
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.LookPath == nil {
		opts.LookPath = exec.LookPath
	}
	if opts.Probe == nil {
		opts.Probe = runProbe
	}

	rep := &VerifyReport{OK: true, Durations: map[string]time.Duration{}}
	fail := func(msg string, args ...any) {
		formatted := fmt.Sprintf(msg, args...)
		rep.Failures = append(rep.Failures, formatted)
		rep.OK = false
		opts.Logger.Error("Verification failure: %s", formatted)
	}
	warn := func(msg string, args ...any) {
		formatted := fmt.Sprintf(msg, args...)
		rep.Warnings = append(rep.Warnings, formatted)
		opts.Logger.Warn("Verification warning: %s", formatted)
	}
	step := func(name string, fn func()) {
		start := time.Now()
		fn()
		rep.Durations[name] = time.Since(start)
	}

	cfg := opts.Config
	step("database", func() { verifyDatabase(ctx, cfg.Database.Path, fail) })
	step("tools", func() { verifyTools(ctx, cfg, opts, fail, warn) })
	step("worktrees", func() { verifyWritable(m.root, fail) })
	step("mirrors", func() { m.verifyMirrors(ctx, opts.Timeout, fail, warn) })

	opts.Logger.Info("Verification completed: ok=%v, warnings=%d, failures=%d",
		rep.OK, len(rep.Warnings), len(rep.Failures))
	return rep
}

func verifyDatabase(ctx context.Context, path string, fail func(string, ...any)) {
	db, err := persistence.OpenDatabase(path)
	if err != nil {
		fail("database %s: %v", path, err)
		return
	}
	defer func() { _ = db.Close() }()

	version, err := persistence.GetSchemaVersion(db)
	if err != nil {
		fail("database %s: %v", path, err)
		return
	}
	if version != persistence.CurrentSchemaVersion {
		fail("database schema version mismatch: expected %d, found %d", persistence.CurrentSchemaVersion, version)
		return
	}
	if _, err := persistence.NewDatabaseOperations(db).ListProjects(ctx, false); err != nil {
		fail("database %s: %v", path, err)
	}
}

func verifyTools(ctx context.Context, cfg *config.Config, opts VerifyOptions, fail, warn func(string, ...any)) {
	if _, err := opts.LookPath("git"); err != nil {
		fail("missing dependency: git (not found on PATH)")
	}

	gh := cfg.Forge.GHPath
	if gh == "" {
		gh = "gh"
	}
	if _, err := opts.LookPath(gh); err != nil {
		fail("missing dependency: %s (GitHub CLI not found)", gh)
	}

	if !cfg.Sandbox.Enabled {
		if _, err := opts.LookPath(cfg.Agent.Command); err != nil {
			fail("agent command %q not found on PATH", cfg.Agent.Command)
		}
		return
	}

	runtime := ""
	for _, candidate := range []string{"docker", "podman"} {
		if _, err := opts.LookPath(candidate); err == nil {
			runtime = candidate
			break
		}
	}
	if runtime == "" {
		fail("sandbox enabled but neither docker nor podman is installed")
		return
	}
	probeCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	if err := opts.Probe(probeCtx, runtime, "info"); err != nil {
		fail("%s daemon is not responding: %v", runtime, err)
		return
	}
	if cfg.Sandbox.Image == "" {
		warn("sandbox image is not configured")
	}
}

func verifyWritable(dir string, fail func(string, ...any)) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		fail("worktree root %s: %v", dir, err)
		return
	}
	probe, err := os.CreateTemp(dir, ".verify-*")
	if err != nil {
		fail("worktree root %s is not writable: %v", dir, err)
		return
	}
	_ = probe.Close()
	_ = os.Remove(probe.Name())
}

// verifyMirrors checks each bare clone under the repository root.
func (m *Manager) verifyMirrors(ctx context.Context, timeout time.Duration, fail, warn func(string, ...any)) {
	clones, _ := filepath.Glob(filepath.Join(m.mirrors.Root(), "*", "*.git"))
	for _, path := range clones {
		gitCtx, cancel := context.WithTimeout(ctx, timeout)
		if _, err := m.mirrors.Git(gitCtx, path, "rev-parse", "--git-dir"); err != nil {
			fail("invalid git repository at %s: %v", path, err)
			cancel()
			continue
		}
		refs, err := m.mirrors.Git(gitCtx, path, "for-each-ref", "--count=1", "refs/remotes/origin")
		cancel()
		if err != nil {
			fail("cannot list branches of %s: %v", path, err)
			continue
		}
		if strings.TrimSpace(refs) == "" {
			warn("bare clone %s has no fetched branches", path)
		}
	}
}

func runProbe(ctx context.Context, name string, args ...string) error {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
