package persistence

import (
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// ErrStaleFollowUp is returned when a follow-up counter moved since it was read.
var ErrStaleFollowUp = errors.New("follow-up count changed concurrently")

// ErrInvalidTransition is returned for an orchestration state move that
// CanTransition rejects.
var ErrInvalidTransition = errors.New("invalid work item state transition")

// OrchestrationState is the per-work-item state driven by the orchestrator.
type OrchestrationState string

const (
	StateNew        OrchestrationState = "new"
	StatePlanning   OrchestrationState = "planning"
	StateInProgress OrchestrationState = "in_progress"
	StateCompleted  OrchestrationState = "completed"
	StateFailed     OrchestrationState = "failed"
)

// workItemTransitions lists the moves TransitionWorkItemState accepts.
// States move forward only, with three re-open exceptions: a claim whose run
// never started hands the item back to new; a finished plan returns the item
// to new, where it waits for the build label; and a manual run may claim a
// failed item again. A host re-open resets terminal states in UpsertWorkItem.
var workItemTransitions = map[OrchestrationState][]OrchestrationState{
	StateNew:        {StatePlanning, StateInProgress},
	StatePlanning:   {StateNew, StateCompleted, StateFailed},
	StateInProgress: {StateNew, StateCompleted, StateFailed},
	StateFailed:     {StatePlanning, StateInProgress},
}

// CanTransition reports whether an item may move from one state to another.
func CanTransition(from, to OrchestrationState) bool {
	for _, s := range workItemTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Work item host states.
const (
	ItemOpen   = "open"
	ItemClosed = "closed"
)

// RunStatus is the lifecycle status of a Run.
type RunStatus string

const (
	RunPending      RunStatus = "pending"
	RunProvisioning RunStatus = "provisioning"
	RunRunning      RunStatus = "running"
	RunPushing      RunStatus = "pushing"
	RunCreatingPR   RunStatus = "creating_pr"
	RunCompleted    RunStatus = "completed"
	RunFailed       RunStatus = "failed"
	RunCancelled    RunStatus = "cancelled"
	RunTimeout      RunStatus = "timeout"
)

// ActiveRunStatuses lists the statuses in which a run counts as in flight.
var ActiveRunStatuses = []RunStatus{RunPending, RunProvisioning, RunRunning, RunPushing, RunCreatingPR}

// IsActive reports whether the run is still in flight.
func (s RunStatus) IsActive() bool {
	for _, a := range ActiveRunStatuses {
		if s == a {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further automatic transition may occur.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled, RunTimeout:
		return true
	default:
		return false
	}
}

// RunMode selects between a code-producing run and a planning run.
type RunMode string

const (
	ModeBuild RunMode = "build"
	ModePlan  RunMode = "plan"
)

// Run completion reasons.
const (
	ReasonNoChanges = "no_changes"
	ReasonPublished = "published"
	ReasonPlanned   = "planned"
)

// Worktree statuses.
const (
	WorktreeActive        = "active"
	WorktreeCleaned       = "cleaned"
	WorktreeCleanupFailed = "cleanup_failed"
)

// Project is one monitored repository and its orchestration policy.
//
//nolint:govet // field order follows the table layout
type Project struct {
	ID                    int64     `json:"id"`
	Name                  string    `json:"name"`
	Owner                 string    `json:"owner"`
	Repo                  string    `json:"repo"`
	BaseBranch            string    `json:"base_branch"`
	Active                bool      `json:"active"`
	BuildLabel            string    `json:"build_label"`
	PlanLabel             string    `json:"plan_label"`
	GeneratedLabel        string    `json:"generated_label"`
	ActionLabels          []string  `json:"action_labels"`
	TrustedAuthors        []string  `json:"trusted_authors"`
	AutoScan              bool      `json:"auto_scan"`
	AutoFixMergeConflicts bool      `json:"auto_fix_merge_conflicts"`
	MaxFollowUps          int       `json:"max_follow_ups"`
	PollIntervalSeconds   int       `json:"poll_interval_seconds"`
	AgentType             string    `json:"agent_type"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// Project defaults applied on creation.
const (
	DefaultBuildLabel     = "autocoder:build"
	DefaultPlanLabel      = "autocoder:plan"
	DefaultGeneratedLabel = "autocoder:generated"
	DefaultMaxFollowUps   = 3
	DefaultBaseBranch     = "main"
)

// FullName returns "owner/repo".
func (p *Project) FullName() string {
	return p.Owner + "/" + p.Repo
}

// PollInterval returns the configured interval, or def when unset.
func (p *Project) PollInterval(def time.Duration) time.Duration {
	if p.PollIntervalSeconds <= 0 {
		return def
	}
	return time.Duration(p.PollIntervalSeconds) * time.Second
}

// IsTrusted reports whether login is on the trusted-author allowlist, ignoring case.
func (p *Project) IsTrusted(login string) bool {
	if login == "" {
		return false
	}
	for _, a := range p.TrustedAuthors {
		if strings.EqualFold(strings.TrimSpace(a), login) {
			return true
		}
	}
	return false
}

// WorkItem is a cached issue or pull request.
//
//nolint:govet // field order follows the table layout
type WorkItem struct {
	ID                 int64              `json:"id"`
	ProjectID          int64              `json:"project_id"`
	ExternalID         int64              `json:"external_id"`
	Number             int                `json:"number"`
	Title              string             `json:"title"`
	Body               string             `json:"body"`
	State              string             `json:"state"`
	IsPR               bool               `json:"is_pr"`
	Labels             []string           `json:"labels"`
	OrchestrationState OrchestrationState `json:"orchestration_state"`
	Author             string             `json:"author"`
	FollowUpCount      int                `json:"follow_up_count"`
	ParentID           *int64             `json:"parent_id,omitempty"`
	HeadBranch         string             `json:"head_branch,omitempty"`
	HeadSHA            string             `json:"head_sha,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// HasLabel reports whether the item carries label. Host labels are case-insensitive.
func (w *WorkItem) HasLabel(label string) bool {
	if label == "" {
		return false
	}
	for _, l := range w.Labels {
		if strings.EqualFold(l, label) {
			return true
		}
	}
	return false
}

// SignalRecord is the persisted form of a follow-up trigger signal.
type SignalRecord struct {
	Type    string   `json:"type"`
	Details []string `json:"details,omitempty"`
}

// Run is one attempt to execute an agent.
//
//nolint:govet // field order follows the table layout
type Run struct {
	ID               string         `json:"id"`
	ProjectID        int64          `json:"project_id"`
	WorkItemID       *int64         `json:"work_item_id,omitempty"`
	SourcePRNumber   *int           `json:"source_pr_number,omitempty"`
	WorkflowID       string         `json:"workflow_id"`
	AgentType        string         `json:"agent_type"`
	Mode             RunMode        `json:"mode"`
	Prompt           string         `json:"prompt"`
	Signals          []SignalRecord `json:"signals,omitempty"`
	Status           RunStatus      `json:"status"`
	Reason           string         `json:"reason,omitempty"`
	EnvironmentRef   string         `json:"environment_ref,omitempty"`
	BranchName       string         `json:"branch_name,omitempty"`
	BaseCommit       string         `json:"base_commit,omitempty"`
	ResultCommit     string         `json:"result_commit,omitempty"`
	PRURL            string         `json:"pr_url,omitempty"`
	PRNumber         int            `json:"pr_number,omitempty"`
	ErrorText        string         `json:"error,omitempty"`
	Iterations       int            `json:"iterations"`
	DurationMS       int64          `json:"duration_ms"`
	PromptTokens     int64          `json:"prompt_tokens"`
	CompletionTokens int64          `json:"completion_tokens"`
	CostUSD          float64        `json:"cost_usd"`
	StartedAt        time.Time      `json:"started_at"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
}

// Worktree is the filesystem checkout claimed by one run.
type Worktree struct {
	ID         int64     `json:"id"`
	ProjectID  int64     `json:"project_id"`
	RunID      string    `json:"run_id"`
	Path       string    `json:"path"`
	Branch     string    `json:"branch"`
	BaseCommit string    `json:"base_commit"`
	Status     string    `json:"status"`
	Pushed     bool      `json:"pushed"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
