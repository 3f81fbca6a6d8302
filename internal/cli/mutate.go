package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tillworks/tillsync/internal/event"
	"github.com/tillworks/tillsync/internal/store"
)

// MutateOptions holds flags for the mutate command.
type MutateOptions struct {
	*RootOptions
	Payload string
}

// NewMutateCommand creates the mutate command.
func NewMutateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MutateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "mutate <order-id> <event-type>",
		Short: "Record an order event on this device",
		Long: `Record an order event in the local log.

The event lands in today's outbox (or journal, on the relay) and is
delivered on the next push. Event types: add_item, change_quantity,
apply_discount, close_check, void_item.

Example:
  tillsync mutate order-17 add_item --payload '{"items":[{"id":"i1","name":"Flat White","unitPriceCents":450,"quantity":2,"subtotalCents":900}]}'
  tillsync mutate order-17 close_check`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMutate(opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Payload, "payload", "{}", "event payload as JSON")

	return cmd
}

func runMutate(opts *MutateOptions, orderID, eventType string, cmd *cobra.Command) error {
	cfg, log, st, err := bootstrap(opts.RootOptions)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			log.Errorw("error closing database", "error", closeErr)
		}
	}()

	payload, err := event.DecodePayload(event.Type(eventType), json.RawMessage(opts.Payload))
	if err != nil {
		return fmt.Errorf("invalid --payload JSON: %w", err)
	}
	if payload == nil {
		return fmt.Errorf("unknown event type %q", eventType)
	}

	ev, err := st.AppendLocal(cmd.Context(), cfg.EventIdentity(), cfg.IsRelay(), store.AppendParams{
		Entity:   event.EntityOrder,
		EntityID: orderID,
		Type:     event.Type(eventType),
		Payload:  payload,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Recorded %s on %s\n", ev.Type, ev.EntityID)
	fmt.Fprintf(cmd.OutOrStdout(), "  event:    %s\n", ev.ID)
	fmt.Fprintf(cmd.OutOrStdout(), "  sequence: %d (clock %d)\n", ev.Sequence, ev.LamportClock)
	fmt.Fprintf(cmd.OutOrStdout(), "  status:   %s\n", ev.Status)
	return nil
}
