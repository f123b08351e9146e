package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"autocoder/pkg/api"
	"autocoder/pkg/persistence"
	"autocoder/pkg/trigger"
)

// resolveProject turns a numeric id or a project name into an id.
func resolveProject(ctx context.Context, client *api.Client, ref string) (int64, error) {
	if id, err := strconv.ParseInt(strings.TrimSpace(ref), 10, 64); err == nil && id > 0 {
		return id, nil
	}
	projects, err := client.ListProjects(ctx)
	if err != nil {
		return 0, err
	}
	for _, p := range projects {
		if p.Name == ref {
			return p.ID, nil
		}
	}
	return 0, fmt.Errorf("unknown project %q", ref)
}

func newTriggerCmd(opts *globalOptions) *cobra.Command {
	var (
		item      int
		pr        int
		prompt    string
		agentType string
		plan      bool
	)
	cmd := &cobra.Command{
		Use:   "trigger <project>",
		Short: "Start an agent run for a work item, a pull request or a free-form prompt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if item > 0 && pr > 0 {
				return errors.New("--item and --pr are mutually exclusive")
			}
			client, err := opts.client()
			if err != nil {
				return err
			}
			projectID, err := resolveProject(cmd.Context(), client, args[0])
			if err != nil {
				return err
			}

			req := trigger.Request{
				ProjectID:      projectID,
				WorkItemNumber: item,
				SourcePRNumber: pr,
				Prompt:         prompt,
				AgentType:      agentType,
			}
			if plan {
				req.Mode = persistence.ModePlan
			}
			d, err := client.Trigger(cmd.Context(), req)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s run %s (workflow %s)\n", okMark(), d.RunID, d.WorkflowID)
			return nil
		},
	}
	cmd.Flags().IntVar(&item, "item", 0, "Issue number to work on")
	cmd.Flags().IntVar(&pr, "pr", 0, "Pull request number to follow up on")
	cmd.Flags().StringVarP(&prompt, "prompt", "p", "", "Instructions for the agent")
	cmd.Flags().StringVar(&agentType, "agent", "", "Agent type (default: the project's)")
	cmd.Flags().BoolVar(&plan, "plan", false, "Ask for a plan instead of changes")
	return cmd
}

func newStopCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <project>",
		Short: "Deactivate a project and stop its poll loop",
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
			if err := client.StopProject(cmd.Context(), id); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s project %d stopped\n", okMark(), id)
			return nil
		},
	}
}

func newStartCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "start <project>",
		Short: "Activate a project and start its poll loop",
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
			workflowID, err := client.StartProject(cmd.Context(), id)
			if errors.Is(err, trigger.ErrAlreadyRunning) {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "project %d is already running\n", id)
				return nil
			}
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s project %d started (workflow %s)\n", okMark(), id, workflowID)
			return nil
		},
	}
}

func newCancelCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel an active run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			if err := client.CancelRun(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s cancellation of run %s requested\n", okMark(), args[0])
			return nil
		},
	}
}
