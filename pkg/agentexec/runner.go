// Package agentexec runs the coding agent as a subprocess, locally or inside
// the run's sandbox container, and commits what it changed.
package agentexec

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"autocoder/pkg/config"
	"autocoder/pkg/coordinator"
	"autocoder/pkg/logx"
	"autocoder/pkg/persistence"
	"autocoder/pkg/sandbox"
	"autocoder/pkg/utils"
)

// Environment variables every agent process receives.
const (
	EnvBranch    = "AUTOCODER_BRANCH"
	EnvMode      = "AUTOCODER_MODE"
	EnvAgentType = "AUTOCODER_AGENT_TYPE"
	EnvAPIURL    = "AUTOCODER_API_URL"
)

const (
	commitAuthor = "autocoder"
	commitEmail  = "autocoder@users.noreply.github.com"
	maxErrorTail = 2000
)

// report is the optional final stdout line an agent prints as JSON.
type report struct {
	Success          *bool   `json:"success"`
	Summary          string  `json:"summary"`
	Error            string  `json:"error"`
	Iterations       int     `json:"iterations"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}

// Runner implements coordinator.AgentRunner.
type Runner struct {
	cfg          config.AgentConfig
	worktreeRoot string
	apiURL       string
	dockerCmd    string
	logger       *logx.Logger
}

// New creates a Runner. worktreeRoot maps host worktrees into sandbox
// containers; apiURL is handed to agents for token verification.
func New(cfg config.AgentConfig, worktreeRoot, apiURL string) *Runner {
	return &Runner{
		cfg:          cfg,
		worktreeRoot: worktreeRoot,
		apiURL:       apiURL,
		dockerCmd:    "docker",
		logger:       logx.NewLogger("agentexec"),
	}
}

// Run starts the agent with the prompt on stdin and waits for it. A non-zero
// exit is reported as an unsuccessful result; only failures to run the agent
// at all, or ctx ending, are errors.
func (r *Runner) Run(ctx context.Context, req coordinator.AgentRequest) (coordinator.AgentResult, error) {
	logger := r.logger.WithFields(map[string]any{"run": req.RunID, "agent": req.AgentType})

	base, err := gitOutput(ctx, req.WorkDir, "rev-parse", "HEAD")
	if err != nil {
		return coordinator.AgentResult{}, err
	}

	name, args, env, err := r.command(req)
	if err != nil {
		return coordinator.AgentResult{}, err
	}
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = strings.NewReader(req.Prompt)
	if !isSandboxed(req.EnvironmentRef) {
		cmd.Dir = req.WorkDir
		cmd.Env = append(os.Environ(), env...)
	}
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 10 * time.Second

	start := time.Now()
	logger.Info("Starting agent %s in %s", name, req.WorkDir)
	runErr := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return coordinator.AgentResult{}, fmt.Errorf("agent interrupted after %s: %w", time.Since(start).Round(time.Second), ctxErr)
	}
	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return coordinator.AgentResult{}, fmt.Errorf("failed to start agent: %w", runErr)
		}
		exitCode = exitErr.ExitCode()
	}

	rep, text := parseReport(stdout.String())
	result := coordinator.AgentResult{
		Success:          exitCode == 0,
		Summary:          strings.TrimSpace(rep.Summary),
		Iterations:       rep.Iterations,
		PromptTokens:     rep.PromptTokens,
		CompletionTokens: rep.CompletionTokens,
		CostUSD:          rep.CostUSD,
	}
	if rep.Success != nil && !*rep.Success {
		result.Success = false
	}
	if result.Summary == "" {
		result.Summary = strings.TrimSpace(text)
	}
	if result.Iterations == 0 {
		result.Iterations = 1
	}
	if result.PromptTokens == 0 && result.CompletionTokens == 0 {
		r.estimateTokens(&result, req, stdout.String())
	}

	if !result.Success {
		result.Error = rep.Error
		if result.Error == "" {
			result.Error = fmt.Sprintf("agent exited with code %d: %s", exitCode, tail(stderr.String(), maxErrorTail))
		}
		logger.Warn("Agent failed: %s", result.Error)
		return result, nil
	}

	if req.Mode == persistence.ModeBuild {
		head, err := commitChanges(ctx, req.WorkDir, result.Summary)
		if err != nil {
			return coordinator.AgentResult{}, err
		}
		result.HasChanges = head != base
		if result.HasChanges {
			result.ResultCommit = head
		}
	}

	logger.Info("Agent finished in %s (changes: %t)", time.Since(start).Round(time.Second), result.HasChanges)
	return result, nil
}

func isSandboxed(ref string) bool {
	return strings.HasPrefix(ref, sandbox.RefPrefix)
}

// command returns the program, its arguments and the agent environment.
// Sandboxed runs go through docker exec, which carries the environment as
// flags.
func (r *Runner) command(req coordinator.AgentRequest) (string, []string, []string, error) {
	env := r.env(req)
	if !isSandboxed(req.EnvironmentRef) {
		return r.cfg.Command, r.cfg.Args, env, nil
	}

	dir, err := sandbox.ContainerPath(r.worktreeRoot, req.WorkDir)
	if err != nil {
		return "", nil, nil, err
	}
	args := []string{"exec", "-i", "--workdir", dir}
	for _, kv := range env {
		args = append(args, "--env", kv)
	}
	args = append(args, strings.TrimPrefix(req.EnvironmentRef, sandbox.RefPrefix), r.cfg.Command)
	args = append(args, r.cfg.Args...)
	return r.dockerCmd, args, env, nil
}

func (r *Runner) env(req coordinator.AgentRequest) []string {
	env := []string{
		sandbox.EnvRunID + "=" + req.RunID,
		sandbox.EnvRunToken + "=" + req.Token,
		EnvBranch + "=" + req.Branch,
		EnvMode + "=" + string(req.Mode),
		EnvAgentType + "=" + req.AgentType,
	}
	if r.apiURL != "" {
		env = append(env, EnvAPIURL+"="+r.apiURL)
	}
	keys := make([]string, 0, len(r.cfg.Env))
	for k := range r.cfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+r.cfg.Env[k])
	}
	return env
}

func (r *Runner) estimateTokens(result *coordinator.AgentResult, req coordinator.AgentRequest, output string) {
	counter, err := utils.NewTokenCounter(req.AgentType)
	if err != nil {
		r.logger.Debug("token estimate unavailable: %v", err)
	}
	result.PromptTokens = int64(counter.CountTokens(req.Prompt))
	result.CompletionTokens = int64(counter.CountTokens(output))
}

// parseReport looks for a JSON report on the last non-empty line. It
// returns the report and the output without it.
func parseReport(out string) (report, string) {
	var lines []string
	sc := bufio.NewScanner(strings.NewReader(out))
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		var rep report
		if strings.HasPrefix(line, "{") && json.Unmarshal([]byte(line), &rep) == nil {
			return rep, strings.Join(lines[:i], "\n")
		}
		break
	}
	return report{}, out
}

// commitChanges commits everything the agent left in dir and returns HEAD.
func commitChanges(ctx context.Context, dir, summary string) (string, error) {
	status, err := gitOutput(ctx, dir, "status", "--porcelain")
	if err != nil {
		return "", err
	}
	if status != "" {
		if _, err := gitOutput(ctx, dir, "add", "-A"); err != nil {
			return "", err
		}
		if _, err := gitOutput(ctx, dir, "commit", "--no-verify", "-m", commitMessage(summary)); err != nil {
			return "", err
		}
	}
	return gitOutput(ctx, dir, "rev-parse", "HEAD")
}

func commitMessage(summary string) string {
	first, _, _ := strings.Cut(strings.TrimSpace(summary), "\n")
	if first == "" {
		first = "Apply agent changes"
	}
	if len(first) > 72 {
		first = first[:69] + "..."
	}
	return "autocoder: " + first
}

func gitOutput(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME="+commitAuthor, "GIT_AUTHOR_EMAIL="+commitEmail,
		"GIT_COMMITTER_NAME="+commitAuthor, "GIT_COMMITTER_EMAIL="+commitEmail,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s failed: %w\nOutput: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
