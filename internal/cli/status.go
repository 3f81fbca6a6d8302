package cli

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/tillworks/tillsync/internal/store"
)

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show local orders and sync containers",
		Long: `Show the projected orders and sync containers in the local database.

Example:
  tillsync status -c till-3.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(rootOpts, cmd)
		},
	}
	return cmd
}

func runStatus(opts *RootOptions, cmd *cobra.Command) error {
	cfg, log, st, err := bootstrap(opts)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			log.Errorw("error closing database", "error", closeErr)
		}
	}()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "Device %s (%s) %s\n\n", cfg.Identity.DeviceID, cfg.Role, cfg.Database.Path)

	orders, err := st.ListOrders(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Orders (%d):\n", len(orders))
	w := tabwriter.NewWriter(out, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tSTATUS\tITEMS\tSUBTOTAL\tDISCOUNT\tTAX\tTRONC\tTOTAL")
	for _, o := range orders {
		fmt.Fprintf(w, "  %s\t%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			o.ID, o.Status, len(o.Items),
			pounds(o.SubtotalCents), pounds(o.DiscountCents),
			pounds(o.TaxCents), pounds(o.TroncCents), pounds(o.TotalCents))
	}
	w.Flush()

	outboxes, err := st.ListOutboxes(ctx)
	if err != nil {
		return err
	}
	if len(outboxes) > 0 {
		fmt.Fprintf(out, "\nOutboxes (%d):\n", len(outboxes))
		w = tabwriter.NewWriter(out, 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "  ID\tDATE\tSTATUS\tEVENTS")
		for _, ob := range outboxes {
			n, countErr := countEvents(ctx, st, ob.ID)
			if countErr != nil {
				return countErr
			}
			fmt.Fprintf(w, "  %s\t%s\t%s\t%d\n", ob.ID, ob.Date, ob.Status, n)
		}
		w.Flush()
	}

	journals, err := st.ListJournals(ctx)
	if err != nil {
		return err
	}
	if len(journals) > 0 {
		fmt.Fprintf(out, "\nJournals (%d):\n", len(journals))
		w = tabwriter.NewWriter(out, 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "  ID\tDATE\tSOURCE\tSTATUS\tEVENTS")
		for _, j := range journals {
			n, countErr := countEvents(ctx, st, j.ID)
			if countErr != nil {
				return countErr
			}
			fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%d\n", j.ID, j.Date, j.Source, j.Status, n)
		}
		w.Flush()
	}

	pending, err := st.ListPending(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "\nPending events: %d\n", len(pending))
	return nil
}

// pounds renders a cent amount as a decimal pound value, e.g. 1050 -> "10.50".
func pounds(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}

func countEvents(ctx context.Context, st *store.Store, containerID string) (int, error) {
	evs, err := st.ListByContainer(ctx, containerID)
	if err != nil {
		return 0, err
	}
	return len(evs), nil
}
