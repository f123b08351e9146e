package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"autocoder/pkg/persistence"
)

func newProjectCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Manage projects",
	}
	cmd.AddCommand(newProjectAddCmd(opts))
	cmd.AddCommand(newProjectListCmd(opts))
	return cmd
}

func newProjectAddCmd(opts *globalOptions) *cobra.Command {
	var (
		p            persistence.Project
		trusted      string
		actionLabels string
		noAutoScan   bool
		inactive     bool
	)
	cmd := &cobra.Command{
		Use:   "add <owner/repo>",
		Short: "Register a repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, repo, ok := strings.Cut(args[0], "/")
			if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
				return fmt.Errorf("expected owner/repo, got %q", args[0])
			}
			p.Owner, p.Repo = owner, repo
			if p.Name == "" {
				p.Name = repo
			}
			p.TrustedAuthors = persistence.ParseList(trusted)
			p.ActionLabels = persistence.ParseList(actionLabels)
			p.AutoScan = !noAutoScan
			p.Active = !inactive

			store, closeStore, err := opts.openStore()
			if err != nil {
				return err
			}
			defer closeStore()

			if err := store.CreateProject(cmd.Context(), &p); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s project %s (%d) added for %s/%s\n", okMark(), p.Name, p.ID, p.Owner, p.Repo)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&p.Name, "name", "", "Project name (default: the repository name)")
	f.StringVar(&p.BaseBranch, "base-branch", "", "Branch runs start from")
	f.StringVar(&p.AgentType, "agent-type", "", "Agent type for automatic runs")
	f.StringVar(&trusted, "trusted", "", "Comma-separated trusted authors")
	f.StringVar(&actionLabels, "action-labels", "", "Comma-separated labels that ask for a follow-up")
	f.IntVar(&p.MaxFollowUps, "max-follow-ups", 0, "Follow-up cap per pull request")
	f.IntVar(&p.PollIntervalSeconds, "poll-interval", 0, "Poll interval in seconds")
	f.BoolVar(&p.AutoFixMergeConflicts, "fix-conflicts", false, "Follow up on merge conflicts")
	f.BoolVar(&noAutoScan, "no-auto-scan", false, "Do not scan pull requests for follow-ups")
	f.BoolVar(&inactive, "inactive", false, "Register without starting the poll loop")
	return cmd
}

func newProjectListCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, closeStore, err := opts.openStore()
			if err != nil {
				return err
			}
			defer closeStore()

			projects, err := store.ListProjects(cmd.Context(), false)
			if err != nil {
				return err
			}
			if len(projects) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No projects.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "ID\tNAME\tREPOSITORY\tBRANCH\tSTATE")
			for _, p := range projects {
				_, _ = fmt.Fprintf(w, "%d\t%s\t%s/%s\t%s\t%s\n", p.ID, p.Name, p.Owner, p.Repo, p.BaseBranch, formatActive(p.Active))
			}
			return w.Flush()
		},
	}
}
