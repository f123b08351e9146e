// Package mirror keeps one bare clone per repository. Worktrees for
// individual runs are added off these clones.
package mirror

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"autocoder/pkg/logx"
)

// ErrEmptyRepository is returned for a repository without commits.
var ErrEmptyRepository = errors.New("repository has no commits")

// remoteRefs is where fetched branches land in a bare clone. Keeping them
// out of refs/heads lets fetch run while worktrees have branches checked out.
const remoteRefs = "refs/remotes/origin/"

// Manager handles bare clone operations.
type Manager struct {
	logger *logx.Logger
	root   string
	host   string
	token  string

	// URLFunc overrides the clone URL of a repository. Tests point it at
	// local repositories.
	URLFunc func(owner, repo string) string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates a manager storing clones under root. host is the forge
// host (github.com when empty); token, when set, authenticates fetch and push.
func NewManager(root, host, token string) *Manager {
	if host == "" {
		host = "github.com"
	}
	return &Manager{
		logger: logx.NewLogger("mirror"),
		root:   root,
		host:   host,
		token:  token,
		locks:  make(map[string]*sync.Mutex),
	}
}

// RepoURL returns the clone URL of owner/repo.
func (m *Manager) RepoURL(owner, repo string) string {
	if m.URLFunc != nil {
		return m.URLFunc(owner, repo)
	}
	return fmt.Sprintf("https://%s/%s/%s.git", m.host, owner, repo)
}

// Root is the directory holding every bare clone.
func (m *Manager) Root() string { return m.root }

// Path returns where the bare clone of owner/repo lives.
func (m *Manager) Path(owner, repo string) string {
	return filepath.Join(m.root, owner, repo+".git")
}

// Lock serializes git operations on one repository. Git's own locking does
// not cover concurrent worktree adds against a shared bare clone.
func (m *Manager) Lock(owner, repo string) func() {
	key := owner + "/" + repo
	m.mu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	m.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Ensure creates or refreshes the bare clone of owner/repo and returns its
// path. Callers must hold Lock.
func (m *Manager) Ensure(ctx context.Context, owner, repo string) (string, error) {
	path := m.Path(owner, repo)
	url := m.RepoURL(owner, repo)
	if mirrorExists(path) {
		if err := m.validateMirror(ctx, path); err != nil {
			m.logger.Warn("Clone at %s is unusable (%v), recreating", path, err)
			if err := os.RemoveAll(path); err != nil {
				return "", fmt.Errorf("failed to remove broken clone: %w", err)
			}
		}
	}
	if mirrorExists(path) {
		if err := m.ensureRemoteURL(ctx, path, url); err != nil {
			return "", err
		}
		m.logger.Debug("Updating clone %s", path)
		if _, err := m.Git(ctx, path, "fetch", "--prune", "origin"); err != nil {
			return "", fmt.Errorf("failed to update clone of %s/%s: %w", owner, repo, err)
		}
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return "", fmt.Errorf("failed to create clone directory: %w", err)
		}
		m.logger.Info("Cloning %s/%s into %s", owner, repo, path)
		if _, err := m.Git(ctx, "", "clone", "--bare", url, path); err != nil {
			_ = os.RemoveAll(path)
			return "", fmt.Errorf("failed to clone %s/%s: %w", owner, repo, err)
		}
		if _, err := m.Git(ctx, path, "config", "remote.origin.fetch", "+refs/heads/*:"+remoteRefs+"*"); err != nil {
			return "", err
		}
		if _, err := m.Git(ctx, path, "fetch", "--prune", "origin"); err != nil {
			return "", fmt.Errorf("failed to fetch %s/%s: %w", owner, repo, err)
		}
	}

	empty, err := m.isEmpty(ctx, path)
	if err != nil {
		return "", err
	}
	if empty {
		return "", fmt.Errorf("%s/%s: %w", owner, repo, ErrEmptyRepository)
	}
	return path, nil
}

// RemoteRef returns the fetched ref of branch.
func RemoteRef(branch string) string {
	return strings.TrimPrefix(remoteRefs, "refs/") + branch
}

// DefaultBranch reads the default branch recorded in a bare clone.
func (m *Manager) DefaultBranch(ctx context.Context, path string) (string, error) {
	out, err := m.Git(ctx, path, "symbolic-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to get default branch: %w", err)
	}
	branch := strings.TrimPrefix(strings.TrimSpace(out), "refs/heads/")
	if branch == "" {
		return "", fmt.Errorf("could not parse default branch from %q", out)
	}
	return branch, nil
}

// Git runs git in dir with the manager's credentials and returns trimmed
// stdout. The error carries git's output.
func (m *Manager) Git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), m.gitEnv()...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("git %s: %w", args[0], ctxErr)
		}
		return "", fmt.Errorf("git %s failed: %w\nOutput: %s", args[0], err, strings.TrimSpace(string(output)))
	}
	return strings.TrimSpace(string(output)), nil
}

// gitEnv passes the token as an HTTP header so it never lands in a remote
// URL or the clone's config.
func (m *Manager) gitEnv() []string {
	env := []string{"GIT_TERMINAL_PROMPT=0"}
	if m.token == "" {
		return env
	}
	basic := base64.StdEncoding.EncodeToString([]byte("x-access-token:" + m.token))
	return append(env,
		"GIT_CONFIG_COUNT=1",
		"GIT_CONFIG_KEY_0=http.extraHeader",
		"GIT_CONFIG_VALUE_0=Authorization: Basic "+basic,
	)
}

// validateMirror checks that path is a bare repository with an origin.
func (m *Manager) validateMirror(ctx context.Context, path string) error {
	if !mirrorExists(path) {
		return fmt.Errorf("missing HEAD in %s", path)
	}
	if _, err := m.Git(ctx, path, "rev-parse", "--is-bare-repository"); err != nil {
		return err
	}
	if _, err := m.Git(ctx, path, "remote", "get-url", "origin"); err != nil {
		return fmt.Errorf("origin remote missing: %w", err)
	}
	return nil
}

// ensureRemoteURL points origin at url, adding it when absent.
func (m *Manager) ensureRemoteURL(ctx context.Context, path, url string) error {
	current, err := m.Git(ctx, path, "remote", "get-url", "origin")
	if err != nil {
		if _, err := m.Git(ctx, path, "remote", "add", "origin", url); err != nil {
			return fmt.Errorf("failed to add origin remote: %w", err)
		}
		return nil
	}
	if current == url {
		return nil
	}
	m.logger.Info("Updating origin of %s from %s to %s", path, current, url)
	if _, err := m.Git(ctx, path, "remote", "set-url", "origin", url); err != nil {
		return fmt.Errorf("failed to update origin remote: %w", err)
	}
	return nil
}

// mirrorExists checks for the HEAD file every bare repository has.
func mirrorExists(path string) bool {
	_, err := os.Stat(filepath.Join(path, "HEAD"))
	return err == nil
}

func (m *Manager) isEmpty(ctx context.Context, path string) (bool, error) {
	out, err := m.Git(ctx, path, "rev-list", "--all", "--count")
	if err != nil {
		return false, err
	}
	return out == "" || out == "0", nil
}
