package cli

import (
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"autocoder/pkg/mirror"
	"autocoder/pkg/workspace"
)

func newDoctorCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Verify runtime dependencies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			mirrors := mirror.NewManager(cfg.Workspace.RepoRoot, cfg.Forge.Host, cfg.GitHubToken)
			ws := workspace.NewManager(mirrors, cfg.Workspace.WorktreeRoot)

			rep := ws.Verify(cmd.Context(), workspace.VerifyOptions{Config: cfg})
			warnColor := color.New(color.FgYellow)
			failColor := color.New(color.FgRed)
			for _, w := range rep.Warnings {
				_, _ = fmt.Fprintln(cmd.ErrOrStderr(), warnColor.Sprint("warning: ")+w)
			}
			for _, f := range rep.Failures {
				_, _ = fmt.Fprintln(cmd.ErrOrStderr(), failColor.Sprint("failed: ")+f)
			}
			if !rep.OK {
				return errors.New("doctor checks failed")
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), okMark(), "ok")
			return nil
		},
	}
}
