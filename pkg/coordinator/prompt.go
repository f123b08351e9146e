package coordinator

import (
	"context"
	"fmt"
	"strings"

	"autocoder/pkg/persistence"
)

const maxTitleLength = 72

// buildPrompt assembles the agent prompt from the work item, the ad-hoc
// prompt and the follow-up signals.
func (c *Coordinator) buildPrompt(ctx context.Context, in *RunInput) (string, error) {
	item, err := c.loadItem(ctx, in)
	if err != nil {
		return "", terminalIfMissing(err)
	}
	return composePrompt(in, item), nil
}

func composePrompt(in *RunInput, item *persistence.WorkItem) string {
	var sb strings.Builder
	if item != nil {
		fmt.Fprintf(&sb, "# %s (#%d)\n\n", item.Title, item.Number)
		if body := strings.TrimSpace(item.Body); body != "" {
			sb.WriteString(body)
			sb.WriteString("\n")
		}
	}
	if p := strings.TrimSpace(in.Prompt); p != "" {
		if sb.Len() > 0 {
			sb.WriteString("\n## Instructions\n\n")
		}
		sb.WriteString(p)
		sb.WriteString("\n")
	}
	if in.IsFollowUp() {
		fmt.Fprintf(&sb, "\n## Follow-up on pull request #%d\n\nAddress the following feedback:\n", *in.SourcePRNumber)
		for _, s := range in.Signals {
			if len(s.Details) == 0 {
				fmt.Fprintf(&sb, "- %s\n", s.Type)
				continue
			}
			fmt.Fprintf(&sb, "- %s: %s\n", s.Type, strings.Join(s.Details, "; "))
		}
	}
	if in.Mode == persistence.ModePlan {
		sb.WriteString("\nProduce an implementation plan only. Do not modify any files.\n")
	}
	return sb.String()
}

// prText returns the title and body of the pull request a run opens.
func prText(in *RunInput, item *persistence.WorkItem, result AgentResult) (string, string) {
	var title string
	switch {
	case item != nil && !item.IsPR:
		title = item.Title
	default:
		title = firstLine(in.Prompt)
	}
	if title == "" {
		title = "Automated change"
	}
	if len(title) > maxTitleLength {
		title = title[:maxTitleLength-3] + "..."
	}

	var sb strings.Builder
	if item != nil && !item.IsPR {
		fmt.Fprintf(&sb, "Closes #%d\n\n", item.Number)
	}
	if s := strings.TrimSpace(result.Summary); s != "" {
		sb.WriteString(s)
		sb.WriteString("\n\n")
	}
	sb.WriteString(runMarker(in.RunID))
	return title, sb.String()
}

func signalSummary(signals []persistence.SignalRecord) string {
	if len(signals) == 0 {
		return "requested changes"
	}
	types := make([]string, 0, len(signals))
	for _, s := range signals {
		types = append(types, s.Type)
	}
	return strings.Join(types, ", ")
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
