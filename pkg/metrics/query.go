package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// Usage is the aggregated agent usage of a project.
type Usage struct {
	Project          string  `json:"project"`
	AgentType        string  `json:"agent_type,omitempty"`
	Runs             int64   `json:"runs"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	TotalCost        float64 `json:"total_cost_usd"`
}

// QueryService reads recorded agent usage back from a Prometheus server.
type QueryService struct {
	queryAPI v1.API
}

// NewQueryService creates a query service for the server at prometheusURL.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}
	return &QueryService{queryAPI: v1.NewAPI(client)}, nil
}

// ProjectUsage sums the usage of one project across agent types.
func (q *QueryService) ProjectUsage(ctx context.Context, project string) (*Usage, error) {
	usage := &Usage{Project: project}
	sel := fmt.Sprintf(`project=%q`, project)
	if err := q.fill(ctx, usage, sel); err != nil {
		return nil, err
	}
	return usage, nil
}

// ProjectUsageByAgent breaks a project's usage down by agent type.
func (q *QueryService) ProjectUsageByAgent(ctx context.Context, project string) (map[string]*Usage, error) {
	typesQuery := fmt.Sprintf(`group by (agent_type) (autocoder_agent_runs_total{project=%q})`, project)
	result, _, err := q.queryAPI.Query(ctx, typesQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query agent types: %w", err)
	}

	out := make(map[string]*Usage)
	vector, ok := result.(model.Vector)
	if !ok {
		return out, nil
	}
	for _, sample := range vector {
		agentType := string(sample.Metric["agent_type"])
		if agentType == "" {
			continue
		}
		usage := &Usage{Project: project, AgentType: agentType}
		sel := fmt.Sprintf(`project=%q, agent_type=%q`, project, agentType)
		if err := q.fill(ctx, usage, sel); err != nil {
			return nil, err
		}
		out[agentType] = usage
	}
	return out, nil
}

func (q *QueryService) fill(ctx context.Context, usage *Usage, sel string) error {
	runs, err := q.scalar(ctx, fmt.Sprintf(`sum(autocoder_agent_runs_total{%s})`, sel))
	if err != nil {
		return fmt.Errorf("failed to query runs: %w", err)
	}
	prompt, err := q.scalar(ctx, fmt.Sprintf(`sum(autocoder_agent_tokens_total{%s, type="prompt"})`, sel))
	if err != nil {
		return fmt.Errorf("failed to query prompt tokens: %w", err)
	}
	completion, err := q.scalar(ctx, fmt.Sprintf(`sum(autocoder_agent_tokens_total{%s, type="completion"})`, sel))
	if err != nil {
		return fmt.Errorf("failed to query completion tokens: %w", err)
	}
	cost, err := q.scalar(ctx, fmt.Sprintf(`sum(autocoder_agent_costs_total{%s})`, sel))
	if err != nil {
		return fmt.Errorf("failed to query total cost: %w", err)
	}

	usage.Runs = int64(runs)
	usage.PromptTokens = int64(prompt)
	usage.CompletionTokens = int64(completion)
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	usage.TotalCost = cost
	return nil
}

// scalar runs an instant query and returns the first sample, or zero.
func (q *QueryService) scalar(ctx context.Context, query string) (float64, error) {
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return 0, err
	}
	if vector, ok := result.(model.Vector); ok && len(vector) > 0 {
		return float64(vector[0].Value), nil
	}
	return 0, nil
}
