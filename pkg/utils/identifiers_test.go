package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeIdentifier(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "colon", input: "agent-acme:42", expected: "agent-acme-42"},
		{name: "spaces", input: "test agent 123", expected: "test-agent-123"},
		{name: "slashes", input: "acme/widgets", expected: "acme-widgets"},
		{name: "backslashes", input: "path\\to\\agent", expected: "path-to-agent"},
		{name: "already clean", input: "poll-widgets", expected: "poll-widgets"},
		{name: "empty string", input: "", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SanitizeIdentifier(tt.input))
		})
	}
	assert.Equal(t, SanitizeIdentifier("a:b c"), SanitizeContainerName("a:b c"))
}

func TestBranchName(t *testing.T) {
	runID := "1f2e3d4c-5b6a-4789-9abc-def012345678"
	assert.Equal(t, "1f2e3d4c", ShortRunID(runID))
	assert.Equal(t, "abc", ShortRunID("abc"))

	assert.Equal(t, "autocoder/17-1f2e3d4c", BranchName(17, runID))
	assert.Equal(t, "autocoder/run-1f2e3d4c", BranchName(0, runID))
	assert.True(t, IsServiceBranch(BranchName(17, runID)))
	assert.False(t, IsServiceBranch("feature/login"))
}
