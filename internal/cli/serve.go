package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tillworks/tillsync/internal/config"
	"github.com/tillworks/tillsync/internal/peer"
	"github.com/tillworks/tillsync/internal/protocol"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run this device as the venue relay",
		Long: `Run this device as the venue relay.

The relay listens for client connections, applies incoming events to its
journal, confirms durability back to the sender, and broadcasts applied
events to the other connected devices.

Example:
  tillsync serve --config tillsync.yaml
  tillsync serve -c /etc/tillsync/relay.yaml --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(rootOpts, cmd)
		},
	}
	return cmd
}

func runServe(opts *RootOptions, cmd *cobra.Command) error {
	cfg, log, st, err := bootstrap(opts)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			log.Errorw("error closing database", "error", closeErr)
		}
	}()

	if cfg.Role != config.RoleRelay {
		return fmt.Errorf("serve requires role %q, config has %q", config.RoleRelay, cfg.Role)
	}

	identity := cfg.EventIdentity()

	// Retention pass before accepting traffic, old synced days go first.
	if n, err := st.CleanupContainers(cmd.Context(), cfg.Sync.RetentionDays); err != nil {
		log.Warnw("startup cleanup failed", "error", err)
	} else if n > 0 {
		log.Infow("cleaned up synced containers", "count", n, "retention_days", cfg.Sync.RetentionDays)
	}

	manager := peer.NewManager(identity, nil, log,
		peer.WithHeartbeatInterval(cfg.Sync.HeartbeatInterval.Std()))
	eng := protocol.NewRelayEngine(st, identity, manager, log)
	manager.SetHandler(eng)

	addr, err := manager.StartServer(cfg.Listen.Port)
	if err != nil {
		return fmt.Errorf("start relay server: %w", err)
	}
	defer manager.Stop()

	ctx, cancel := signalContext(cmd, log)
	defer cancel()

	log.Infow("relay started", "addr", addr, "device_id", identity.DeviceID, "venue_id", identity.VenueID)
	fmt.Fprintf(cmd.OutOrStdout(), "Relay listening on %s. Press Ctrl-C to stop.\n", addr)

	if err := eng.Run(ctx); err != nil && err != context.Canceled {
		return fmt.Errorf("relay engine: %w", err)
	}

	log.Infow("relay stopped")
	return nil
}

// signalContext derives a context cancelled on SIGINT/SIGTERM or when the
// command's own context ends.
func signalContext(cmd *cobra.Command, log interface{ Infow(string, ...interface{}) }) (context.Context, context.CancelFunc) {
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			log.Infow("received signal, shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
