package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tillworks/tillsync/internal/config"
	"github.com/tillworks/tillsync/internal/peer"
	"github.com/tillworks/tillsync/internal/protocol"
)

// PushOptions holds flags for the push command.
type PushOptions struct {
	*RootOptions
	Timeout time.Duration
}

// NewPushCommand creates the push command.
func NewPushCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PushOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "push",
		Short: "Deliver pending events to the relay once",
		Long: `Deliver pending outbox events to the relay and wait for confirmation.

Connects to the configured relay, sends everything pending, and exits
once the relay has confirmed each event (or rejected it), or when the
timeout elapses.

Example:
  tillsync push -c till-3.yaml
  tillsync push -c till-3.yaml --timeout 10s`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPush(opts, cmd)
		},
	}

	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "how long to wait for relay confirmation")

	return cmd
}

func runPush(opts *PushOptions, cmd *cobra.Command) error {
	cfg, log, st, err := bootstrap(opts.RootOptions)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			log.Errorw("error closing database", "error", closeErr)
		}
	}()

	if cfg.Role != config.RoleClient {
		return fmt.Errorf("push requires role %q, config has %q", config.RoleClient, cfg.Role)
	}

	identity := cfg.EventIdentity()

	pending, err := st.ListPending(cmd.Context())
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Nothing pending.")
		return nil
	}

	manager := peer.NewManager(identity, nil, log,
		peer.WithHeartbeatInterval(cfg.Sync.HeartbeatInterval.Std()))
	eng := protocol.NewClientEngine(st, identity, manager, log)
	manager.SetHandler(eng)

	if err := manager.ConnectToServer(cfg.Relay.Host, cfg.Relay.Port); err != nil {
		return fmt.Errorf("connect to relay: %w", err)
	}
	defer manager.Stop()

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
	defer cancel()

	go func() {
		if err := eng.Run(ctx); err != nil && err != context.Canceled {
			log.Errorw("client engine error", "error", err)
		}
	}()

	sent, err := eng.PushPending(ctx)
	if err != nil {
		return fmt.Errorf("push pending: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Sent %d event(s), waiting for confirmation...\n", sent)

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			remaining, listErr := st.ListPending(context.Background())
			if listErr == nil {
				return fmt.Errorf("timed out with %d event(s) still pending", len(remaining))
			}
			return fmt.Errorf("timed out waiting for confirmation")
		case <-ticker.C:
			remaining, listErr := st.ListPending(ctx)
			if listErr != nil {
				continue
			}
			if len(remaining) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "All events confirmed.")
				return nil
			}
		}
	}
}
