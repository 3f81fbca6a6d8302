package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// CleanupOptions holds flags for the cleanup command.
type CleanupOptions struct {
	*RootOptions
	Days int
}

// NewCleanupCommand creates the cleanup command.
func NewCleanupCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CleanupOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete old synced containers and their events",
		Long: `Delete fully synced outboxes and journals older than the retention
window, along with their events. Containers that still hold pending or
rejected events are never touched.

Example:
  tillsync cleanup -c till-3.yaml
  tillsync cleanup -c till-3.yaml --days 7`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCleanup(opts, cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Days, "days", 0, "retention in days (default: config sync.retention_days)")

	return cmd
}

func runCleanup(opts *CleanupOptions, cmd *cobra.Command) error {
	cfg, log, st, err := bootstrap(opts.RootOptions)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			log.Errorw("error closing database", "error", closeErr)
		}
	}()

	days := opts.Days
	if days <= 0 {
		days = cfg.Sync.RetentionDays
	}

	n, err := st.CleanupContainers(cmd.Context(), days)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d container(s) older than %d day(s).\n", n, days)
	return nil
}
