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

// NewJoinCommand creates the join command.
func NewJoinCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "join",
		Short: "Connect this device to the venue relay",
		Long: `Connect this device to the venue relay and keep it synced.

Pending events from the local outbox are delivered to the relay on a
fixed interval, and events applied by other devices are replayed into
the local journal as they arrive.

Example:
  tillsync join --config till-3.yaml
  tillsync join -c till-3.yaml --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJoin(rootOpts, cmd)
		},
	}
	return cmd
}

func runJoin(opts *RootOptions, cmd *cobra.Command) error {
	cfg, log, st, err := bootstrap(opts)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			log.Errorw("error closing database", "error", closeErr)
		}
	}()

	if cfg.Role != config.RoleClient {
		return fmt.Errorf("join requires role %q, config has %q", config.RoleClient, cfg.Role)
	}

	identity := cfg.EventIdentity()

	manager := peer.NewManager(identity, nil, log,
		peer.WithHeartbeatInterval(cfg.Sync.HeartbeatInterval.Std()))
	eng := protocol.NewClientEngine(st, identity, manager, log)
	manager.SetHandler(eng)

	if err := manager.ConnectToServer(cfg.Relay.Host, cfg.Relay.Port); err != nil {
		return fmt.Errorf("connect to relay: %w", err)
	}
	defer manager.Stop()

	ctx, cancel := signalContext(cmd, log)
	defer cancel()

	pushInterval := cfg.Sync.PushInterval.Std()
	log.Infow("joined relay",
		"relay", fmt.Sprintf("%s:%d", cfg.Relay.Host, cfg.Relay.Port),
		"device_id", identity.DeviceID,
		"push_interval", pushInterval)
	fmt.Fprintf(cmd.OutOrStdout(), "Connected to relay %s:%d. Press Ctrl-C to stop.\n",
		cfg.Relay.Host, cfg.Relay.Port)

	if pushInterval > 0 {
		go pushLoop(ctx, eng, pushInterval, log)
	}

	if err := eng.Run(ctx); err != nil && err != context.Canceled {
		return fmt.Errorf("client engine: %w", err)
	}

	log.Infow("client stopped")
	return nil
}

// pushLoop delivers pending outbox events on a fixed interval. An immediate
// first push drains anything queued while the device was offline.
func pushLoop(ctx context.Context, eng *protocol.Engine, interval time.Duration, log interface {
	Infow(string, ...interface{})
	Warnw(string, ...interface{})
}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		n, err := eng.PushPending(ctx)
		if err != nil {
			log.Warnw("push pending failed", "error", err)
		} else if n > 0 {
			log.Infow("pushed pending events", "count", n)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
