// Package cli implements the tillsync command line.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tillworks/tillsync/internal/config"
	"github.com/tillworks/tillsync/internal/logger"
	"github.com/tillworks/tillsync/internal/store"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Verbose    bool
}

// NewRootCommand creates the root command for the tillsync CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "tillsync",
		Short: "Offline-first point-of-sale sync",
		Long: `tillsync keeps a venue's tills reconciled over the local network.

Each device appends order events to its own log. Clients deliver pending
events to the configured relay, which applies them, confirms durability,
and fans them out to the other devices.`,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "tillsync.yaml", "path to config file")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewJoinCommand(opts))
	cmd.AddCommand(NewPushCommand(opts))
	cmd.AddCommand(NewMutateCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewCleanupCommand(opts))

	return cmd
}

// bootstrap loads config, logger, and store, the shared setup of every
// command.
func bootstrap(opts *RootOptions) (*config.Config, *zap.SugaredLogger, *store.Store, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, nil, nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}

	log, err := logger.NewLogger(opts.Verbose)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init logger: %w", err)
	}

	st, err := store.Open(cfg.Database.Path, store.WithLogger(log))
	if err != nil {
		return nil, nil, nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return cfg, log, st, nil
}
