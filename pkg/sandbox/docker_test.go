package sandbox

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autocoder/pkg/config"
	"autocoder/pkg/coordinator"
	"autocoder/pkg/logx"
	"autocoder/pkg/persistence"
)

type scriptedCall struct {
	out []byte
	err error
}

// fakeCLI answers container CLI calls by subcommand.
type fakeCLI struct {
	mu      sync.Mutex
	calls   [][]string
	replies map[string][]scriptedCall
}

func (f *fakeCLI) run(_ context.Context, _ string, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, args)
	queue := f.replies[args[0]]
	if len(queue) == 0 {
		return nil, nil
	}
	reply := queue[0]
	if len(queue) > 1 {
		f.replies[args[0]] = queue[1:]
	}
	return reply.out, reply.err
}

func (f *fakeCLI) subcommands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		out = append(out, c[0])
	}
	return out
}

func (f *fakeCLI) find(sub string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c[0] == sub {
			return c
		}
	}
	return nil
}

var errExit = errors.New("exit status 1")

func newTestDocker(t *testing.T, cli *fakeCLI) *Docker {
	t.Helper()
	return &Docker{
		cfg:          config.SandboxConfig{Enabled: true, Image: "img:1", Network: "none", CPUs: "2", Memory: "4g"},
		worktreeRoot: t.TempDir(),
		dockerCmd:    "docker",
		pollInterval: time.Millisecond,
		run:          cli.run,
		logger:       logx.NewLogger("sandbox-test"),
	}
}

func TestProvisionStartsContainer(t *testing.T) {
	cli := &fakeCLI{replies: map[string][]scriptedCall{
		"inspect": {
			{out: []byte("Error: No such object: autocoder-run-r1"), err: errExit},
			{out: []byte("false\n")},
			{out: []byte("true\n")},
		},
	}}
	d := newTestDocker(t, cli)

	ref, err := d.Provision(context.Background(), &persistence.Run{ID: "r1", ProjectID: 3}, "tok")
	require.NoError(t, err)
	assert.Equal(t, "docker:autocoder-run-r1", ref)
	assert.Equal(t, []string{"inspect", "run", "inspect", "inspect"}, cli.subcommands())

	args := strings.Join(cli.find("run"), " ")
	assert.Contains(t, args, "--name autocoder-run-r1")
	assert.Contains(t, args, "--network none")
	assert.Contains(t, args, "--cpus 2")
	assert.Contains(t, args, "--memory 4g")
	assert.Contains(t, args, "--label autocoder.project=3")
	assert.Contains(t, args, "--env AUTOCODER_RUN_TOKEN=tok")
	assert.Contains(t, args, ":"+MountPoint+":rw")
	assert.True(t, strings.HasSuffix(args, "img:1 sleep infinity"))
}

func TestProvisionReusesRunningContainer(t *testing.T) {
	cli := &fakeCLI{replies: map[string][]scriptedCall{
		"inspect": {{out: []byte("true\n")}},
	}}
	d := newTestDocker(t, cli)

	ref, err := d.Provision(context.Background(), &persistence.Run{ID: "r1"}, "tok")
	require.NoError(t, err)
	assert.Equal(t, "docker:autocoder-run-r1", ref)
	assert.Equal(t, []string{"inspect"}, cli.subcommands())
}

func TestProvisionReplacesStoppedContainer(t *testing.T) {
	cli := &fakeCLI{replies: map[string][]scriptedCall{
		"inspect": {{out: []byte("false\n")}, {out: []byte("true\n")}},
	}}
	d := newTestDocker(t, cli)

	_, err := d.Provision(context.Background(), &persistence.Run{ID: "r1"}, "tok")
	require.NoError(t, err)
	assert.Equal(t, []string{"inspect", "rm", "run", "inspect"}, cli.subcommands())
}

func TestProvisionTimeoutIsRetryable(t *testing.T) {
	cli := &fakeCLI{replies: map[string][]scriptedCall{
		"inspect": {{out: []byte("No such container: x"), err: errExit}, {out: []byte("false\n")}},
	}}
	d := newTestDocker(t, cli)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := d.Provision(ctx, &persistence.Run{ID: "r1"}, "tok")
	require.Error(t, err)
	assert.ErrorIs(t, err, coordinator.ErrProvisionTimeout)
}

func TestProvisionRunFailure(t *testing.T) {
	cli := &fakeCLI{replies: map[string][]scriptedCall{
		"inspect": {{out: []byte("No such container: x"), err: errExit}},
		"run":     {{out: []byte("Unable to find image 'img:1' locally"), err: errExit}},
	}}
	d := newTestDocker(t, cli)

	_, err := d.Provision(context.Background(), &persistence.Run{ID: "r1"}, "tok")
	require.Error(t, err)
	assert.NotErrorIs(t, err, coordinator.ErrProvisionTimeout)
	assert.Contains(t, err.Error(), "Unable to find image")
}

func TestRelease(t *testing.T) {
	tests := []struct {
		name    string
		reply   scriptedCall
		wantErr bool
	}{
		{"removed", scriptedCall{out: []byte("autocoder-run-r1")}, false},
		{"already gone", scriptedCall{out: []byte("Error: No such container: autocoder-run-r1"), err: errExit}, false},
		{"daemon down", scriptedCall{out: []byte("Cannot connect to the Docker daemon"), err: errExit}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cli := &fakeCLI{replies: map[string][]scriptedCall{"rm": {tt.reply}}}
			d := newTestDocker(t, cli)

			err := d.Release(context.Background(), "r1")
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, []string{"rm", "-f", "autocoder-run-r1"}, cli.find("rm"))
		})
	}
}

func TestContainerPath(t *testing.T) {
	root := t.TempDir()

	got, err := ContainerPath(root, filepath.Join(root, "widgets", "run-1"))
	require.NoError(t, err)
	assert.Equal(t, "/worktrees/widgets/run-1", got)

	_, err = ContainerPath(root, filepath.Dir(root))
	assert.Error(t, err)
}

func TestContainerNameSanitizes(t *testing.T) {
	assert.Equal(t, "autocoder-run-a-b-c", ContainerName("a:b/c"))
}

func TestNewSelectsLocalWhenDisabled(t *testing.T) {
	p := New(config.SandboxConfig{Enabled: false}, "")
	ref, err := p.Provision(context.Background(), &persistence.Run{ID: "r1"}, "tok")
	require.NoError(t, err)
	assert.Equal(t, LocalRef, ref)
	assert.NoError(t, p.Release(context.Background(), "r1"))

	_, ok := New(config.SandboxConfig{Enabled: true, Image: "x"}, "").(*Docker)
	assert.True(t, ok)
}
