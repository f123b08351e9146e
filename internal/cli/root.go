// Package cli implements the autocoder command line.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"autocoder/pkg/api"
	"autocoder/pkg/config"
	"autocoder/pkg/persistence"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	server     string
	token      string
}

// loadConfig reads the configuration file named by --config, or the
// defaults when none is given.
func (o *globalOptions) loadConfig() (*config.Config, error) {
	return config.Load(o.configPath)
}

// client returns an API client for --server, falling back to the configured
// listen address and token.
func (o *globalOptions) client() (*api.Client, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	server := o.server
	if server == "" {
		server = cfg.API.Listen
	}
	token := o.token
	if token == "" {
		token = cfg.API.Token
	}
	if token == "" {
		return nil, fmt.Errorf("no API token: pass --token or set %s", config.EnvAPIToken)
	}
	return api.NewClient(server, token), nil
}

// openStore opens the configured database directly.
func (o *globalOptions) openStore() (*persistence.DatabaseOperations, func(), error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	db, err := persistence.OpenDatabase(cfg.Database.Path)
	if err != nil {
		return nil, nil, err
	}
	return persistence.NewDatabaseOperations(db), func() { _ = db.Close() }, nil
}

// NewRootCmd builds the command tree.
func NewRootCmd(version string) *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:          "autocoder",
		Short:        "Durable orchestration of coding-agent runs against GitHub repositories",
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to the YAML configuration file")
	cmd.PersistentFlags().StringVar(&opts.server, "server", "", "API address (default: api.listen from the configuration)")
	cmd.PersistentFlags().StringVar(&opts.token, "token", "", "API token (default: $"+config.EnvAPIToken+")")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newProjectCmd(opts))
	cmd.AddCommand(newTriggerCmd(opts))
	cmd.AddCommand(newStopCmd(opts))
	cmd.AddCommand(newStartCmd(opts))
	cmd.AddCommand(newCancelCmd(opts))
	cmd.AddCommand(newRunsCmd(opts))
	cmd.AddCommand(newRunCmd(opts))
	cmd.AddCommand(newSweepCmd(opts))
	cmd.AddCommand(newUsageCmd(opts))
	cmd.AddCommand(newDoctorCmd(opts))

	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.SetVersionTemplate("{{.Version}}\n")
	if version != "" {
		cmd.Version = version
	} else {
		cmd.Version = "dev"
	}
	return cmd
}
