package agentexec

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autocoder/pkg/config"
	"autocoder/pkg/coordinator"
	"autocoder/pkg/persistence"
)

// newRepo creates a git repository with one commit and returns its path.
func newRepo(t *testing.T) string {
	t.Helper()
	for _, bin := range []string{"git", "sh"} {
		if _, err := exec.LookPath(bin); err != nil {
			t.Skipf("%s not installed", bin)
		}
	}
	dir := t.TempDir()
	ctx := context.Background()
	_, err := gitOutput(ctx, dir, "init", "--initial-branch=main")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hi\n"), 0644))
	_, err = commitChanges(ctx, dir, "initial")
	require.NoError(t, err)
	return dir
}

func shellRunner(script string) *Runner {
	return New(config.AgentConfig{
		Command: "sh",
		Args:    []string{"-c", script},
		Env:     map[string]string{"EXTRA": "1"},
	}, "", "http://127.0.0.1:8080")
}

func request(dir string, mode persistence.RunMode) coordinator.AgentRequest {
	return coordinator.AgentRequest{
		RunID:          "run-1",
		AgentType:      "claude",
		Mode:           mode,
		Prompt:         "Fix the widget.",
		WorkDir:        dir,
		Branch:         "autocoder/7-run1",
		EnvironmentRef: "local",
		Token:          "tok",
	}
}

func TestRunCommitsChanges(t *testing.T) {
	dir := newRepo(t)
	base, err := gitOutput(context.Background(), dir, "rev-parse", "HEAD")
	require.NoError(t, err)

	r := shellRunner(`cat > prompt.txt; echo "$AUTOCODER_RUN_TOKEN $EXTRA" > env.txt; echo working; ` +
		`echo '{"summary":"Fixed the widget","iterations":3,"prompt_tokens":120,"completion_tokens":40,"cost_usd":0.25}'`)
	res, err := r.Run(context.Background(), request(dir, persistence.ModeBuild))
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.True(t, res.HasChanges)
	assert.Equal(t, "Fixed the widget", res.Summary)
	assert.Equal(t, 3, res.Iterations)
	assert.Equal(t, int64(120), res.PromptTokens)
	assert.Equal(t, int64(40), res.CompletionTokens)
	assert.InDelta(t, 0.25, res.CostUSD, 1e-9)
	assert.NotEqual(t, base, res.ResultCommit)

	msg, err := gitOutput(context.Background(), dir, "log", "-1", "--format=%s")
	require.NoError(t, err)
	assert.Equal(t, "autocoder: Fixed the widget", msg)

	prompt, err := os.ReadFile(filepath.Join(dir, "prompt.txt"))
	require.NoError(t, err)
	assert.Equal(t, "Fix the widget.", string(prompt))
	env, err := os.ReadFile(filepath.Join(dir, "env.txt"))
	require.NoError(t, err)
	assert.Equal(t, "tok 1\n", string(env))
}

func TestRunWithoutChanges(t *testing.T) {
	dir := newRepo(t)
	res, err := shellRunner(`echo "nothing to do"`).Run(context.Background(), request(dir, persistence.ModeBuild))
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.False(t, res.HasChanges)
	assert.Empty(t, res.ResultCommit)
	assert.Equal(t, "nothing to do", res.Summary)
	assert.Equal(t, 1, res.Iterations)
	assert.Positive(t, res.PromptTokens)
	assert.Positive(t, res.CompletionTokens)
}

func TestRunCountsCommitsMadeByAgent(t *testing.T) {
	dir := newRepo(t)
	script := `echo x > a.txt && git add a.txt && git -c user.name=agent -c user.email=agent@example.com commit -qm "agent commit"`
	res, err := shellRunner(script).Run(context.Background(), request(dir, persistence.ModeBuild))
	require.NoError(t, err)
	assert.True(t, res.HasChanges)
}

func TestRunFailure(t *testing.T) {
	tests := []struct {
		name    string
		script  string
		wantErr string
	}{
		{"non-zero exit", `echo "rate limited" >&2; exit 3`, "agent exited with code 3: rate limited"},
		{"reported failure", `echo '{"success":false,"error":"tests do not pass"}'`, "tests do not pass"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := newRepo(t)
			res, err := shellRunner(tt.script).Run(context.Background(), request(dir, persistence.ModeBuild))
			require.NoError(t, err)
			assert.False(t, res.Success)
			assert.Equal(t, tt.wantErr, res.Error)
			assert.False(t, res.HasChanges)
		})
	}
}

func TestRunPlanModeDoesNotCommit(t *testing.T) {
	dir := newRepo(t)
	res, err := shellRunner(`echo scratch > notes.txt; printf '1. Do this\n2. Then that\n'`).
		Run(context.Background(), request(dir, persistence.ModePlan))
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.False(t, res.HasChanges)
	assert.Equal(t, "1. Do this\n2. Then that", res.Summary)
	count, err := gitOutput(context.Background(), dir, "rev-list", "--count", "HEAD")
	require.NoError(t, err)
	assert.Equal(t, "1", count)
}

func TestRunTimeout(t *testing.T) {
	dir := newRepo(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := shellRunner(`exec sleep 5`).Run(ctx, request(dir, persistence.ModeBuild))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSandboxedCommand(t *testing.T) {
	root := t.TempDir()
	r := New(config.AgentConfig{Command: "claude", Args: []string{"--print"}}, root, "")
	req := request(filepath.Join(root, "acme-widgets", "run-1"), persistence.ModeBuild)
	req.EnvironmentRef = "docker:autocoder-run-run-1"

	name, args, _, err := r.command(req)
	require.NoError(t, err)
	assert.Equal(t, "docker", name)
	joined := strings.Join(args, " ")
	assert.True(t, strings.HasPrefix(joined, "exec -i --workdir /worktrees/acme-widgets/run-1 "))
	assert.Contains(t, joined, "--env AUTOCODER_RUN_TOKEN=tok")
	assert.True(t, strings.HasSuffix(joined, "autocoder-run-run-1 claude --print"))

	req.WorkDir = filepath.Dir(root)
	_, _, _, err = r.command(req)
	assert.Error(t, err)
}

func TestParseReport(t *testing.T) {
	rep, text := parseReport("line one\n{\"summary\":\"done\"}\n\n")
	assert.Equal(t, "done", rep.Summary)
	assert.Equal(t, "line one", text)

	rep, text = parseReport("no report here\n")
	assert.Empty(t, rep.Summary)
	assert.Equal(t, "no report here\n", text)

	rep, _ = parseReport("{not json}")
	assert.Empty(t, rep.Summary)
}

func TestCommitMessage(t *testing.T) {
	assert.Equal(t, "autocoder: Apply agent changes", commitMessage(""))
	assert.Equal(t, "autocoder: first line", commitMessage("first line\nsecond"))
	long := strings.Repeat("a", 100)
	assert.Len(t, commitMessage(long), len("autocoder: ")+72)
}
