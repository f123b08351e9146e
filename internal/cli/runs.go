package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"autocoder/pkg/persistence"
)

func newRunsCmd(opts *globalOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs <project>",
		Short: "List recent runs of a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			id, err := resolveProject(cmd.Context(), client, args[0])
			if err != nil {
				return err
			}
			runs, err := client.ListRuns(cmd.Context(), id, limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No runs.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "RUN\tAGENT\tMODE\tSTATUS\tSTARTED\tPR")
			for _, r := range runs {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					r.ID, r.AgentType, r.Mode, formatStatus(r.Status),
					r.StartedAt.Local().Format(time.DateTime), prLabel(r))
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of runs")
	return cmd
}

func newRunCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run <run-id>",
		Short: "Show one run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			r, err := client.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printRun(cmd, r)
			return nil
		},
	}
}

func prLabel(r *persistence.Run) string {
	if r.PRNumber == 0 {
		return "-"
	}
	return fmt.Sprintf("#%d", r.PRNumber)
}

func printRun(cmd *cobra.Command, r *persistence.Run) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	row := func(k, v string) {
		if v != "" {
			_, _ = fmt.Fprintf(w, "%s:\t%s\n", k, v)
		}
	}
	row("Run", r.ID)
	row("Workflow", r.WorkflowID)
	row("Status", formatStatus(r.Status))
	row("Reason", r.Reason)
	row("Agent", r.AgentType)
	row("Mode", string(r.Mode))
	row("Branch", r.BranchName)
	row("Base", r.BaseCommit)
	row("Result", r.ResultCommit)
	row("Pull request", r.PRURL)
	row("Error", r.ErrorText)
	for _, s := range r.Signals {
		row("Signal", s.Type)
	}
	row("Iterations", fmt.Sprint(r.Iterations))
	row("Tokens", fmt.Sprintf("%d prompt, %d completion", r.PromptTokens, r.CompletionTokens))
	row("Cost", fmt.Sprintf("$%.4f", r.CostUSD))
	row("Started", r.StartedAt.Local().Format(time.DateTime))
	if r.CompletedAt != nil {
		row("Duration", (time.Duration(r.DurationMS) * time.Millisecond).String())
	}
	_ = w.Flush()
}
