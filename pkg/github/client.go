// Package github provides GitHub API operations using the gh CLI.
// All operations run on the host since they are pure API calls.
package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"autocoder/pkg/forge"
	"autocoder/pkg/logx"
)

// DefaultBranch is the default target branch for operations.
const DefaultBranch = "main"

// Runner executes gh with args and returns its combined output.
type Runner func(ctx context.Context, args ...string) ([]byte, error)

// Options configures a Client.
type Options struct {
	GHPath  string        // gh binary, default "gh"
	Host    string        // GH_HOST for GitHub Enterprise
	Token   string        // GH_TOKEN passed to gh; empty uses gh's own auth
	Timeout time.Duration // per command, default 30s
	Runner  Runner        // replaces process execution, for tests
}

// Client provides GitHub API operations via the gh CLI.
//
//nolint:govet // Logical grouping preferred over memory optimization
type Client struct {
	owner   string
	repo    string
	logger  *logx.Logger
	timeout time.Duration
	runner  Runner
}

// NewClient creates a new GitHub client for the specified repository.
func NewClient(owner, repo string, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	c := &Client{
		owner:   owner,
		repo:    repo,
		logger:  logx.NewLogger("github"),
		timeout: opts.Timeout,
		runner:  opts.Runner,
	}
	if c.runner == nil {
		c.runner = execRunner(opts)
	}
	return c
}

// NewClientFromRemote creates a GitHub client by parsing a git remote URL.
func NewClientFromRemote(remoteURL string, opts Options) (*Client, error) {
	owner, repo, err := ParseGitHubURL(remoteURL)
	if err != nil {
		return nil, err
	}
	return NewClient(owner, repo, opts), nil
}

// WithTimeout returns a new client with the specified timeout.
func (c *Client) WithTimeout(timeout time.Duration) *Client {
	return &Client{
		owner:   c.owner,
		repo:    c.repo,
		logger:  c.logger,
		timeout: timeout,
		runner:  c.runner,
	}
}

// Owner returns the repository owner.
func (c *Client) Owner() string {
	return c.owner
}

// Repo returns the repository name.
func (c *Client) Repo() string {
	return c.repo
}

// RepoPath returns the owner/repo path.
func (c *Client) RepoPath() string {
	return fmt.Sprintf("%s/%s", c.owner, c.repo)
}

// APIGet executes a GET request to the GitHub REST API.
func (c *Client) APIGet(ctx context.Context, endpoint string) ([]byte, error) {
	return c.run(ctx, "api", "-X", "GET", endpoint)
}

// APIGetPaginated executes a paginated GET and merges the pages into one
// JSON array.
func (c *Client) APIGetPaginated(ctx context.Context, endpoint string) ([]byte, error) {
	return c.run(ctx, "api", "--paginate", "--slurp", endpoint)
}

// APIDelete executes a DELETE request to the GitHub REST API.
func (c *Client) APIDelete(ctx context.Context, endpoint string) ([]byte, error) {
	return c.run(ctx, "api", "-X", "DELETE", endpoint)
}

// GraphQL runs a GraphQL query with string and integer variables.
func (c *Client) GraphQL(ctx context.Context, result any, query string, vars map[string]any) error {
	args := []string{"api", "graphql", "-f", "query=" + query}
	for key, value := range vars {
		switch v := value.(type) {
		case int, int64:
			args = append(args, "-F", fmt.Sprintf("%s=%d", key, v))
		default:
			args = append(args, "-f", fmt.Sprintf("%s=%v", key, v))
		}
	}
	return c.runJSON(ctx, result, args...)
}

// run executes a gh command and returns the output.
func (c *Client) run(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	c.logger.Debug("Executing: gh %s", strings.Join(args, " "))

	output, err := c.runner(ctx, args...)
	if err != nil {
		c.logger.Debug("Command failed: %v, output: %s", err, string(output))
		return nil, classify(err, output)
	}
	return output, nil
}

// runJSON executes a gh command and unmarshals the JSON response.
func (c *Client) runJSON(ctx context.Context, result any, args ...string) error {
	output, err := c.run(ctx, args...)
	if err != nil {
		return err
	}

	if len(output) == 0 {
		return nil // Empty response is valid for some operations
	}

	if err := json.Unmarshal(output, result); err != nil {
		return fmt.Errorf("failed to parse JSON response: %w\nOutput: %s", err, string(output))
	}

	return nil
}

// classify maps a failed gh invocation onto the forge error taxonomy.
func classify(err error, output []byte) error {
	out := strings.ToLower(string(output))
	switch {
	case strings.Contains(out, "http 404"), strings.Contains(out, "could not resolve to"),
		strings.Contains(out, "not found"):
		return fmt.Errorf("%w: %s", forge.ErrNotFound, strings.TrimSpace(string(output)))
	case strings.Contains(out, "http 422"), strings.Contains(out, "http 403"),
		strings.Contains(out, "http 401"):
		return fmt.Errorf("gh command rejected: %w\nOutput: %s", err, string(output))
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %w", forge.ErrUpstreamUnavailable, err)
	default:
		return fmt.Errorf("%w: gh command failed: %w\nOutput: %s", forge.ErrUpstreamUnavailable, err, string(output))
	}
}

func execRunner(opts Options) Runner {
	path := opts.GHPath
	if path == "" {
		path = "gh"
	}
	return func(ctx context.Context, args ...string) ([]byte, error) {
		cmd := exec.CommandContext(ctx, path, args...)
		env := os.Environ()
		if opts.Host != "" {
			env = append(env, "GH_HOST="+opts.Host)
		}
		if opts.Token != "" {
			env = append(env, "GH_TOKEN="+opts.Token)
		}
		cmd.Env = append(env, "GH_PROMPT_DISABLED=1", "NO_COLOR=1")
		output, err := cmd.CombinedOutput()
		if err != nil && ctx.Err() != nil {
			return output, ctx.Err()
		}
		return output, err
	}
}

// ParseGitHubURL extracts owner and repo from various GitHub URL formats.
func ParseGitHubURL(url string) (owner, repo string, err error) {
	var path string
	switch {
	case strings.HasPrefix(url, "git@github.com:"):
		path = strings.TrimPrefix(url, "git@github.com:")
	case strings.HasPrefix(url, "https://github.com/"):
		path = strings.TrimPrefix(url, "https://github.com/")
	default:
		return "", "", fmt.Errorf("unsupported Git URL format: %s", url)
	}
	path = strings.TrimSuffix(path, ".git")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid GitHub URL format: %s", url)
	}
	return parts[0], parts[1], nil
}

// CheckAuth verifies that gh CLI is authenticated.
func CheckAuth(ctx context.Context, ghPath string) error {
	if ghPath == "" {
		ghPath = "gh"
	}
	cmd := exec.CommandContext(ctx, ghPath, "auth", "status")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("gh auth check failed: %w\nOutput: %s", err, string(output))
	}
	return nil
}
