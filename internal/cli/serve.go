package cli

import (
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"autocoder/internal/kernel"
	"autocoder/internal/supervisor"
)

func newServeCmd(opts *globalOptions) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator: durable engine, poll loops and the control API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.API.Listen = listen
			}

			k, err := kernel.NewKernel(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = k.Stop() }()

			if err := k.Start(); err != nil {
				return err
			}
			k.Logger.Info("API listening on %s", k.APIAddr())

			sup := supervisor.NewSupervisor(k)
			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error { return sup.Run(ctx) })
			g.Go(func() error { return k.Wait(ctx) })
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Override api.listen")
	return cmd
}
