package utils

import (
	"fmt"
	"strings"
)

// BranchPrefix namespaces every branch the service creates.
const BranchPrefix = "autocoder/"

// SanitizeIdentifier makes an identifier safe for Docker container names,
// filesystem paths and workflow ids.
func SanitizeIdentifier(id string) string {
	sanitized := strings.ReplaceAll(id, ":", "-")
	sanitized = strings.ReplaceAll(sanitized, " ", "-")
	sanitized = strings.ReplaceAll(sanitized, "/", "-")
	sanitized = strings.ReplaceAll(sanitized, "\\", "-")
	return sanitized
}

// SanitizeContainerName is SanitizeIdentifier for container names.
func SanitizeContainerName(name string) string {
	return SanitizeIdentifier(name)
}

// ShortRunID returns the first eight characters of runID without dashes.
func ShortRunID(runID string) string {
	compact := strings.ReplaceAll(runID, "-", "")
	if len(compact) > 8 {
		return compact[:8]
	}
	return compact
}

// BranchName returns the per-run branch: autocoder/<item>-<runid8>, or
// autocoder/run-<runid8> for runs without a work item.
func BranchName(itemNumber int, runID string) string {
	if itemNumber <= 0 {
		return fmt.Sprintf("%srun-%s", BranchPrefix, ShortRunID(runID))
	}
	return fmt.Sprintf("%s%d-%s", BranchPrefix, itemNumber, ShortRunID(runID))
}

// IsServiceBranch reports whether branch was created by BranchName.
func IsServiceBranch(branch string) bool {
	return strings.HasPrefix(branch, BranchPrefix)
}
