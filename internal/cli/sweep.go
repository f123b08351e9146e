package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"autocoder/pkg/mirror"
	"autocoder/pkg/workspace"
)

func newSweepCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Remove worktrees left behind by finished runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			store, closeStore, err := opts.openStore()
			if err != nil {
				return err
			}
			defer closeStore()

			mirrors := mirror.NewManager(cfg.Workspace.RepoRoot, cfg.Forge.Host, cfg.GitHubToken)
			ws := workspace.NewManager(mirrors, cfg.Workspace.WorktreeRoot)

			projects, err := store.ListProjects(cmd.Context(), false)
			if err != nil {
				return err
			}
			var total workspace.SweepResult
			for _, p := range projects {
				res, err := ws.Sweep(cmd.Context(), store, p)
				if err != nil {
					return fmt.Errorf("sweep of %s: %w", p.Name, err)
				}
				total.Cleaned += res.Cleaned
				total.Failed += res.Failed
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %d worktrees removed, %d failed\n", okMark(), total.Cleaned, total.Failed)
			return nil
		},
	}
}
