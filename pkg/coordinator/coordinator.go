// Package coordinator implements the agent_run workflow: it drives one Run
// from creation through provisioning, the agent invocation and publication
// to a terminal status, and always releases what the run claimed.
package coordinator

import (
	"context"
	"errors"
	"time"

	"autocoder/pkg/config"
	"autocoder/pkg/durable"
	"autocoder/pkg/events"
	"autocoder/pkg/forge"
	"autocoder/pkg/logx"
	"autocoder/pkg/persistence"
	"autocoder/pkg/runtoken"
	"autocoder/pkg/utils"
)

// WorkflowName is the durable workflow type registered by Register.
const WorkflowName = "agent_run"

// ErrProvisionTimeout is returned by a Provisioner whose environment did not
// become ready in time. Provisioning steps retry it; other provisioning
// failures are terminal.
var ErrProvisionTimeout = errors.New("environment provisioning timed out")

// RunInput is the workflow input of one agent run.
type RunInput struct {
	RunID          string                     `json:"run_id"`
	ProjectID      int64                      `json:"project_id"`
	WorkItemID     *int64                     `json:"work_item_id,omitempty"`
	SourcePRNumber *int                       `json:"source_pr_number,omitempty"`
	Prompt         string                     `json:"prompt,omitempty"`
	AgentType      string                     `json:"agent_type"`
	Mode           persistence.RunMode        `json:"mode"`
	Signals        []persistence.SignalRecord `json:"signals,omitempty"`
}

// IsFollowUp reports whether the run iterates on an existing pull request.
func (in *RunInput) IsFollowUp() bool {
	return in.SourcePRNumber != nil
}

// Provisioner starts and releases the isolated environment of a run.
// Release is keyed by run id so it is safe after a partial Provision.
type Provisioner interface {
	Provision(ctx context.Context, run *persistence.Run, token string) (envRef string, err error)
	Release(ctx context.Context, runID string) error
}

// CloneRequest asks for a fresh checkout of Branch, created from FromBranch.
// FromBranch equal to Branch checks out an existing remote branch.
type CloneRequest struct {
	Project    *persistence.Project
	RunID      string
	Branch     string
	FromBranch string
}

// Checkout is the result of CloneAndBranch.
type Checkout struct {
	Path       string `json:"path"`
	Branch     string `json:"branch"`
	BaseCommit string `json:"base_commit"`
}

// Workspace manages per-run git worktrees.
type Workspace interface {
	CloneAndBranch(ctx context.Context, req CloneRequest) (Checkout, error)
	Push(ctx context.Context, path, branch string) error
	Remove(ctx context.Context, project *persistence.Project, path, branch string) error
}

// AgentRequest is everything an agent process is started with.
type AgentRequest struct {
	RunID          string
	AgentType      string
	Mode           persistence.RunMode
	Prompt         string
	WorkDir        string
	Branch         string
	EnvironmentRef string
	Token          string
}

// AgentResult is the agent's final outcome. Success=false is a business
// failure of the run, never retried.
type AgentResult struct {
	Success          bool    `json:"success"`
	HasChanges       bool    `json:"has_changes"`
	Summary          string  `json:"summary,omitempty"`
	Error            string  `json:"error,omitempty"`
	ResultCommit     string  `json:"result_commit,omitempty"`
	Iterations       int     `json:"iterations"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}

// AgentRunner invokes the agent process.
type AgentRunner interface {
	Run(ctx context.Context, req AgentRequest) (AgentResult, error)
}

// AgentMetrics receives the outcome of each agent invocation.
type AgentMetrics interface {
	ObserveAgentRun(project, agentType string, success bool, promptTokens, completionTokens int64, cost float64, duration time.Duration)
}

// Timeouts holds the per-step budgets of a run.
type Timeouts struct {
	Short     time.Duration
	Provision time.Duration
	Clone     time.Duration
	Agent     time.Duration
	Push      time.Duration
	Publish   time.Duration
	Cleanup   time.Duration
}

// TimeoutsFromConfig maps the steps section of the configuration.
func TimeoutsFromConfig(s config.StepsConfig) (Timeouts, durable.RetryPolicy) {
	return Timeouts{
			Short:     s.ShortTimeout,
			Provision: s.ProvisionTimeout,
			Clone:     s.CloneTimeout,
			Agent:     s.AgentTimeout,
			Push:      s.PushTimeout,
			Publish:   s.PublishTimeout,
			Cleanup:   s.CleanupTimeout,
		}, durable.RetryPolicy{
			MaxAttempts:        s.Retry.MaxAttempts,
			InitialInterval:    s.Retry.InitialInterval,
			BackoffCoefficient: s.Retry.BackoffCoefficient,
			MaxInterval:        s.Retry.MaxInterval,
		}
}

// Deps are the collaborators of the coordinator.
type Deps struct {
	Store       *persistence.DatabaseOperations
	Forge       forge.Factory
	Provisioner Provisioner
	Workspace   Workspace
	Agent       AgentRunner
	Tokens      *runtoken.Issuer
	Events      *events.Publisher // optional
	Metrics     AgentMetrics      // optional
}

// Coordinator runs agent_run executions.
type Coordinator struct {
	store       *persistence.DatabaseOperations
	forge       forge.Factory
	provisioner Provisioner
	workspace   Workspace
	agent       AgentRunner
	tokens      *runtoken.Issuer
	events      *events.Publisher
	metrics     AgentMetrics
	counter     *utils.TokenCounter

	timeouts Timeouts
	retry    durable.RetryPolicy
	logger   *logx.Logger
}

// New creates a Coordinator. Zero timeouts fall back to the configuration
// defaults; a zero retry policy uses durable.DefaultRetryPolicy.
func New(deps Deps, timeouts Timeouts, retry durable.RetryPolicy) *Coordinator {
	def, _ := TimeoutsFromConfig(config.Default().Steps)
	fill := func(d *time.Duration, v time.Duration) {
		if *d <= 0 {
			*d = v
		}
	}
	fill(&timeouts.Short, def.Short)
	fill(&timeouts.Provision, def.Provision)
	fill(&timeouts.Clone, def.Clone)
	fill(&timeouts.Agent, def.Agent)
	fill(&timeouts.Push, def.Push)
	fill(&timeouts.Publish, def.Publish)
	fill(&timeouts.Cleanup, def.Cleanup)

	logger := logx.NewLogger("coordinator")
	counter, err := utils.NewTokenCounter("default")
	if err != nil {
		logger.Warn("token counter unavailable, estimating by length: %v", err)
	}

	return &Coordinator{
		store:       deps.Store,
		forge:       deps.Forge,
		provisioner: deps.Provisioner,
		workspace:   deps.Workspace,
		agent:       deps.Agent,
		tokens:      deps.Tokens,
		events:      deps.Events,
		metrics:     deps.Metrics,
		counter:     counter,
		timeouts:    timeouts,
		retry:       retry,
		logger:      logger,
	}
}

// Register adds the agent_run workflow to engine.
func (c *Coordinator) Register(engine *durable.Engine, opts ...durable.RegisterOption) {
	engine.Register(WorkflowName, c.Run, opts...)
}

func (c *Coordinator) opts(timeout time.Duration) durable.StepOptions {
	return durable.StepOptions{Timeout: timeout, Retry: c.retry}
}
