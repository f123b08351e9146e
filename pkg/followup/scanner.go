// Package followup decides whether an agent-generated pull request needs
// another agent pass.
//
// A scan looks at every open pull request that carries the project's
// generated-marker label. Three gates are checked in order: the project has
// auto-scan enabled, no run is active against the PR, and the PR's follow-up
// counter is below the project ceiling. The signals are then evaluated
// independently; an API error while evaluating one signal only means that
// signal is absent this pass.
//
// Evaluation and commitment are separate. Evaluate only reads. Commit
// advances the counter by exactly one from the value the evaluation saw and
// consumes matched action labels, so a durable caller can journal each PR's
// evaluation and commitment on their own.
package followup

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"autocoder/pkg/forge"
	"autocoder/pkg/logx"
	"autocoder/pkg/persistence"
)

// Signal types.
const (
	SignalCIFailure        = "ci_failure"
	SignalReviewThreads    = "review_threads"
	SignalConversation     = "conversation_comments"
	SignalChangesRequested = "changes_requested"
	SignalActionableLabels = "actionable_labels"
	SignalMergeConflicts   = "merge_conflicts"
)

const (
	// MinCommentLength is the trimmed length a comment must exceed to count.
	MinCommentLength = 20
	// MaxExcerptLength bounds a comment excerpt in signal details.
	MaxExcerptLength = 200
)

var failingConclusions = map[string]bool{
	"failure":         true,
	"timed_out":       true,
	"startup_failure": true,
	"error":           true,
}

var pendingStatuses = map[string]bool{
	"queued":      true,
	"in_progress": true,
	"pending":     true,
	"waiting":     true,
	"requested":   true,
}

// Signal is one reason to follow up.
type Signal struct {
	Type    string   `json:"type"`
	Details []string `json:"details,omitempty"`
}

// Trigger asks for a follow-up run on a pull request.
type Trigger struct {
	PRNumber   int      `json:"pr_number"`
	WorkItemID int64    `json:"work_item_id"`
	Signals    []Signal `json:"signals"`
	// Seen is the follow-up count the evaluation was made against.
	Seen int `json:"seen"`
	// Count is the follow-up count after Commit.
	Count int `json:"count,omitempty"`
}

// Types returns the signal types in evaluation order.
func (t Trigger) Types() []string {
	out := make([]string, 0, len(t.Signals))
	for _, s := range t.Signals {
		out = append(out, s.Type)
	}
	return out
}

// Details returns all signal details flattened in evaluation order.
func (t Trigger) Details() []string {
	var out []string
	for _, s := range t.Signals {
		out = append(out, s.Details...)
	}
	return out
}

// Records converts the signals to their persisted form.
func (t Trigger) Records() []persistence.SignalRecord {
	out := make([]persistence.SignalRecord, 0, len(t.Signals))
	for _, s := range t.Signals {
		out = append(out, persistence.SignalRecord{Type: s.Type, Details: s.Details})
	}
	return out
}

func (t Trigger) signal(typ string) *Signal {
	for i := range t.Signals {
		if t.Signals[i].Type == typ {
			return &t.Signals[i]
		}
	}
	return nil
}

// Store is what the scanner reads and writes.
type Store interface {
	HasActiveRunForPR(ctx context.Context, projectID int64, pr int) (bool, error)
	LastCompletedRunForPR(ctx context.Context, projectID int64, pr int) (time.Time, error)
	AdvanceFollowUp(ctx context.Context, workItemID int64, from int) (int, error)
	SetWorkItemLabels(ctx context.Context, workItemID int64, labels []string) error
}

// Metrics receives the outcome of each scan.
type Metrics interface {
	ObserveScan(project string, scanned, triggered int)
	ObserveSignal(project, signal string)
}

// Scanner evaluates follow-up signals.
type Scanner struct {
	store   Store
	metrics Metrics
	logger  *logx.Logger
}

// NewScanner creates a Scanner. metrics may be nil.
func NewScanner(store Store, metrics Metrics) *Scanner {
	return &Scanner{store: store, metrics: metrics, logger: logx.NewLogger("followup")}
}

// Candidates returns the open generated pull requests among items. It
// returns none when the project has auto-scan disabled.
func (s *Scanner) Candidates(project *persistence.Project, items []*persistence.WorkItem) []*persistence.WorkItem {
	if !project.AutoScan {
		s.logger.WithFields(map[string]any{"project": project.Name}).Debug("auto-scan disabled, skipping follow-up scan")
		return nil
	}
	var out []*persistence.WorkItem
	for _, item := range items {
		if item.IsPR && item.State == persistence.ItemOpen && item.HasLabel(project.GeneratedLabel) {
			out = append(out, item)
		}
	}
	return out
}

// Scan evaluates and commits every candidate in items in one pass and
// returns the committed triggers. Per-PR failures are logged and never abort
// the scan. The poll loop journals Evaluate and Commit per PR instead.
func (s *Scanner) Scan(ctx context.Context, project *persistence.Project, client forge.Client, items []*persistence.WorkItem) ([]Trigger, error) {
	candidates := s.Candidates(project, items)
	var triggers []Trigger
	for _, item := range candidates {
		if err := ctx.Err(); err != nil {
			return triggers, err
		}
		trigger, ok, err := s.Evaluate(ctx, project, client, item)
		if err != nil || !ok {
			continue
		}
		committed, err := s.Commit(ctx, project, client, item, trigger)
		if err != nil {
			s.logger.WithFields(map[string]any{"project": project.Name, "pr": item.Number}).
				Error("failed to commit follow-up, not triggering: %v", err)
			continue
		}
		triggers = append(triggers, committed)
	}
	s.Report(project, len(candidates), len(triggers))
	return triggers, nil
}

// Report logs and records the totals of one scan pass.
func (s *Scanner) Report(project *persistence.Project, scanned, triggered int) {
	s.logger.WithFields(map[string]any{"project": project.Name}).
		Info("follow-up scan finished: scanned=%d triggered=%d", scanned, triggered)
	if s.metrics != nil {
		s.metrics.ObserveScan(project.Name, scanned, triggered)
	}
}

// Evaluate checks the gates and signals of one pull request without
// changing anything. ok is false when no follow-up is needed. An evaluation
// cut short by ctx fails rather than returning partial signals.
func (s *Scanner) Evaluate(ctx context.Context, project *persistence.Project, client forge.Client, item *persistence.WorkItem) (Trigger, bool, error) {
	log := s.logger.WithFields(map[string]any{"project": project.Name, "pr": item.Number})

	active, err := s.store.HasActiveRunForPR(ctx, project.ID, item.Number)
	if err != nil {
		return Trigger{}, false, fmt.Errorf("active run check for #%d failed: %w", item.Number, err)
	}
	if active {
		log.Debug("run already active, skipping")
		return Trigger{}, false, nil
	}
	if item.FollowUpCount >= project.MaxFollowUps {
		log.Debug("follow-up ceiling reached (%d/%d), skipping", item.FollowUpCount, project.MaxFollowUps)
		return Trigger{}, false, nil
	}

	pr, err := client.GetPR(ctx, item.Number)
	if err != nil {
		log.Warn("failed to load PR details: %v", err)
		pr = nil
	}

	var signals []Signal
	add := func(sig *Signal) {
		if sig != nil {
			signals = append(signals, *sig)
		}
	}

	headSHA := item.HeadSHA
	if pr != nil && pr.HeadSHA != "" {
		headSHA = pr.HeadSHA
	}
	add(s.ciFailure(ctx, log, client, headSHA))
	add(s.reviewThreads(ctx, log, client, project, item.Number))
	add(s.conversation(ctx, log, client, project, item, pr))
	add(s.changesRequested(ctx, log, client, project, item.Number))
	add(actionableLabels(project, item, pr))
	if project.AutoFixMergeConflicts && pr != nil && pr.HasConflicts() {
		add(&Signal{Type: SignalMergeConflicts})
	}

	if err := ctx.Err(); err != nil {
		return Trigger{}, false, fmt.Errorf("evaluation of #%d interrupted: %w", item.Number, err)
	}
	if len(signals) == 0 {
		return Trigger{}, false, nil
	}
	return Trigger{PRNumber: item.Number, WorkItemID: item.ID, Signals: signals, Seen: item.FollowUpCount}, true, nil
}

// Commit claims the follow-up of an evaluated trigger. Matched action labels
// are removed from the host and the cache first, then the counter advances
// from trigger.Seen. Repeating a Commit that already succeeded is a no-op
// that returns the same count.
func (s *Scanner) Commit(ctx context.Context, project *persistence.Project, client forge.Client,
	item *persistence.WorkItem, trigger Trigger,
) (Trigger, error) {
	log := s.logger.WithFields(map[string]any{"project": project.Name, "pr": trigger.PRNumber})

	if sig := trigger.signal(SignalActionableLabels); sig != nil {
		for _, l := range sig.Details {
			if err := client.RemoveLabel(ctx, trigger.PRNumber, l); err != nil {
				log.Warn("failed to remove label %q: %v", l, err)
			}
		}
		kept := withoutFold(item.Labels, sig.Details)
		if err := s.store.SetWorkItemLabels(ctx, trigger.WorkItemID, kept); err != nil {
			log.Warn("failed to update cached labels: %v", err)
		} else {
			item.Labels = kept
		}
	}

	count, err := s.store.AdvanceFollowUp(ctx, trigger.WorkItemID, trigger.Seen)
	if err != nil {
		return Trigger{}, fmt.Errorf("failed to advance follow-up counter of #%d: %w", trigger.PRNumber, err)
	}
	item.FollowUpCount = count
	trigger.Count = count

	log.Info("follow-up triggered (%d/%d): %s", count, project.MaxFollowUps, strings.Join(trigger.Types(), ","))
	if s.metrics != nil {
		for _, t := range trigger.Types() {
			s.metrics.ObserveSignal(project.Name, t)
		}
	}
	return trigger, nil
}

// ciFailure fires when some check failed and none is still pending.
func (s *Scanner) ciFailure(ctx context.Context, log *logx.Logger, client forge.Client, sha string) *Signal {
	if sha == "" {
		return nil
	}
	checks, err := client.ListCheckRuns(ctx, sha)
	if err != nil {
		log.Warn("failed to list checks: %v", err)
		return nil
	}

	var failed []string
	for _, c := range checks {
		if pendingStatuses[strings.ToLower(c.Status)] {
			return nil
		}
		if failingConclusions[strings.ToLower(c.Conclusion)] {
			failed = append(failed, c.Name)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return &Signal{Type: SignalCIFailure, Details: failed}
}

// reviewThreads fires on unresolved threads opened by a trusted author.
func (s *Scanner) reviewThreads(ctx context.Context, log *logx.Logger, client forge.Client, project *persistence.Project, number int) *Signal {
	threads, err := client.ListReviewThreads(ctx, number)
	if err != nil {
		log.Warn("failed to list review threads: %v", err)
		return nil
	}

	var ids []string
	for _, t := range threads {
		if !t.Resolved && project.IsTrusted(t.FirstAuthor) {
			ids = append(ids, t.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	return &Signal{Type: SignalReviewThreads, Details: ids}
}

// conversation fires on substantive trusted comments posted after the last
// completed run for this PR, or after the PR was opened if none completed.
func (s *Scanner) conversation(ctx context.Context, log *logx.Logger, client forge.Client, project *persistence.Project,
	item *persistence.WorkItem, pr *forge.PullRequest,
) *Signal {
	since, err := s.store.LastCompletedRunForPR(ctx, project.ID, item.Number)
	if err != nil {
		log.Warn("failed to read last completed run: %v", err)
		return nil
	}
	if since.IsZero() {
		since = item.CreatedAt
		if pr != nil && !pr.CreatedAt.IsZero() {
			since = pr.CreatedAt
		}
	}

	comments, err := client.ListIssueComments(ctx, item.Number)
	if err != nil {
		log.Warn("failed to list comments: %v", err)
		return nil
	}

	var excerpts []string
	for _, c := range comments {
		if !c.CreatedAt.After(since) || !project.IsTrusted(c.Author) {
			continue
		}
		body := strings.TrimSpace(c.Body)
		if utf8.RuneCountInString(body) <= MinCommentLength {
			continue
		}
		excerpts = append(excerpts, excerpt(body))
	}
	if len(excerpts) == 0 {
		return nil
	}
	return &Signal{Type: SignalConversation, Details: excerpts}
}

// changesRequested fires when the latest trusted approve-or-request review
// requests changes. A later approval clears an earlier request.
func (s *Scanner) changesRequested(ctx context.Context, log *logx.Logger, client forge.Client, project *persistence.Project, number int) *Signal {
	reviews, err := client.ListReviews(ctx, number)
	if err != nil {
		log.Warn("failed to list reviews: %v", err)
		return nil
	}

	var decisive []forge.Review
	for _, r := range reviews {
		state := strings.ToUpper(r.State)
		if (state == forge.ReviewApproved || state == forge.ReviewChangesRequested) && project.IsTrusted(r.Author) {
			r.State = state
			decisive = append(decisive, r)
		}
	}
	if len(decisive) == 0 {
		return nil
	}
	sort.SliceStable(decisive, func(i, j int) bool {
		return decisive[i].SubmittedAt.Before(decisive[j].SubmittedAt)
	})
	latest := decisive[len(decisive)-1]
	if latest.State != forge.ReviewChangesRequested {
		return nil
	}
	return &Signal{Type: SignalChangesRequested, Details: []string{latest.Author}}
}

// actionableLabels fires when the PR carries configured action labels.
// Commit removes the matched labels so each fires once.
func actionableLabels(project *persistence.Project, item *persistence.WorkItem, pr *forge.PullRequest) *Signal {
	if len(project.ActionLabels) == 0 {
		return nil
	}
	labels := item.Labels
	if pr != nil && pr.Labels != nil {
		labels = pr.Labels
	}

	var matched []string
	for _, l := range labels {
		if containsFold(project.ActionLabels, l) {
			matched = append(matched, l)
		}
	}
	if len(matched) == 0 {
		return nil
	}
	return &Signal{Type: SignalActionableLabels, Details: matched}
}

func withoutFold(labels, drop []string) []string {
	kept := []string{}
	for _, l := range labels {
		if !containsFold(drop, l) {
			kept = append(kept, l)
		}
	}
	return kept
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

func excerpt(s string) string {
	if utf8.RuneCountInString(s) <= MaxExcerptLength {
		return s
	}
	runes := []rune(s)
	return string(runes[:MaxExcerptLength-3]) + "..."
}
