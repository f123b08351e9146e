package cli

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"autocoder/pkg/metrics"
)

func newUsageCmd(_ *globalOptions) *cobra.Command {
	var (
		prometheusURL string
		project       string
	)
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show agent token usage and cost from Prometheus",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if project == "" {
				return fmt.Errorf("--project is required")
			}
			q, err := metrics.NewQueryService(prometheusURL)
			if err != nil {
				return err
			}
			total, err := q.ProjectUsage(cmd.Context(), project)
			if err != nil {
				return err
			}
			byAgent, err := q.ProjectUsageByAgent(cmd.Context(), project)
			if err != nil {
				return err
			}

			agents := make([]string, 0, len(byAgent))
			for a := range byAgent {
				agents = append(agents, a)
			}
			sort.Strings(agents)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "AGENT\tRUNS\tPROMPT\tCOMPLETION\tCOST")
			for _, a := range agents {
				u := byAgent[a]
				_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%d\t$%.2f\n", a, u.Runs, u.PromptTokens, u.CompletionTokens, u.TotalCost)
			}
			_, _ = fmt.Fprintf(w, "total\t%d\t%d\t%d\t$%.2f\n", total.Runs, total.PromptTokens, total.CompletionTokens, total.TotalCost)
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&prometheusURL, "prometheus", "http://localhost:9090", "Prometheus server URL")
	cmd.Flags().StringVar(&project, "project", "", "Project name")
	return cmd
}
