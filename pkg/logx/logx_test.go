package logx

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureOutput redirects all loggers into a buffer for the duration of the test.
func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() { SetOutput(nil) })
	return &buf
}

func TestLogFormat(t *testing.T) {
	buf := captureOutput(t)

	NewLogger("poller").Info("cycle %d done", 3)

	out := buf.String()
	assert.Contains(t, out, "[poller] INFO: cycle 3 done")
	assert.True(t, strings.HasPrefix(out, "["), "line should start with timestamp")
}

func TestWithFieldsSorted(t *testing.T) {
	buf := captureOutput(t)

	logger := NewLogger("coordinator").WithFields(map[string]any{"run": "r1", "project": 7})
	logger.Warn("step failed")

	assert.Contains(t, buf.String(), "WARN: step failed project=7 run=r1")
}

func TestWithFieldsChains(t *testing.T) {
	buf := captureOutput(t)

	logger := NewLogger("scanner").WithFields(map[string]any{"project": 1}).WithFields(map[string]any{"pr": 42})
	logger.Info("scan")

	assert.Contains(t, buf.String(), "scan project=1 pr=42")
}

func TestDebugDomainFiltering(t *testing.T) {
	buf := captureOutput(t)
	SetDebug(true, []string{"poller"})
	t.Cleanup(func() { SetDebug(false, nil) })

	ctx := ContextWithComponent(context.Background(), "poll-3")
	Debug(ctx, "poller", "visible %s", "line")
	Debug(ctx, "durable", "hidden line")

	out := buf.String()
	assert.Contains(t, out, "[poll-3] DEBUG: [poller] visible line")
	assert.NotContains(t, out, "hidden line")
}

func TestDebugDisabled(t *testing.T) {
	buf := captureOutput(t)
	SetDebug(false, nil)

	NewLogger("x").Debug("nothing")
	Debug(context.Background(), "any", "nothing")

	assert.Empty(t, buf.String())
	assert.False(t, IsDebugEnabledForDomain("any"))
}

func TestRecentFiltersByComponent(t *testing.T) {
	captureOutput(t)
	start := time.Now().UTC().Add(-time.Second)

	NewLogger("alpha-recent").Info("one")
	NewLogger("beta-recent").Info("two")

	entries := Recent("alpha-recent", start)
	require.Len(t, entries, 1)
	assert.Equal(t, "one", entries[0].Message)
	assert.Equal(t, "INFO", entries[0].Level)
}

func TestWrap(t *testing.T) {
	captureOutput(t)
	base := errors.New("boom")

	err := Wrap(base, "open db")
	require.Error(t, err)
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "open db: boom", err.Error())
	assert.NoError(t, Wrap(nil, "noop"))
}
