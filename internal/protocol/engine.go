package protocol

import (
	"context"

	"go.uber.org/zap"

	"github.com/tillworks/tillsync/internal/event"
	"github.com/tillworks/tillsync/internal/store"
)

// Sender is the outbound half of the transport, implemented by
// peer.Manager. On the relay, Broadcast reaches every connected client; on
// a client it reaches the single relay connection.
type Sender interface {
	Broadcast(env Envelope) error
	BroadcastExcept(deviceID string, env Envelope) error
	SendTo(deviceID string, env Envelope) error
}

// Engine is the single-writer sync protocol loop.
//
// Transport goroutines hand decoded messages to HandleMessage, which
// enqueues them; Run dequeues and dispatches one at a time. All store
// transactions triggered by network traffic therefore run on exactly one
// goroutine, the same serialization the local mutation path relies on.
type Engine struct {
	isRelay bool
	relay   *RelayService
	client  *ClientService
	sender  Sender
	queue   *inboundQueue
	log     *zap.SugaredLogger
}

// NewRelayEngine wires the engine for the authoritative device.
func NewRelayEngine(st *store.Store, identity event.Identity, sender Sender, log *zap.SugaredLogger) *Engine {
	return &Engine{
		isRelay: true,
		relay:   NewRelayService(st, identity, log),
		queue:   newInboundQueue(),
		sender:  sender,
		log:     log,
	}
}

// NewClientEngine wires the engine for an originating device.
func NewClientEngine(st *store.Store, identity event.Identity, sender Sender, log *zap.SugaredLogger) *Engine {
	return &Engine{
		client:  NewClientService(st, identity, log),
		queue:   newInboundQueue(),
		sender:  sender,
		log:     log,
	}
}

// Client exposes the client-side service for the push path. Nil on the
// relay.
func (e *Engine) Client() *ClientService {
	return e.client
}

// HandleMessage enqueues one decoded envelope for processing.
// Safe from any goroutine; the transport's read loops call it directly.
func (e *Engine) HandleMessage(env Envelope, remoteAddr string) {
	if !e.queue.Enqueue(Inbound{Env: env, RemoteAddr: remoteAddr}) {
		e.log.Warnw("engine stopped, dropping message", "type", env.Type, "device", env.DeviceID)
	}
}

// Run processes inbound messages until ctx is cancelled or Stop is called.
// Must be called from exactly one goroutine.
func (e *Engine) Run(ctx context.Context) error {
	for {
		if in, ok := e.queue.TryDequeue(); ok {
			e.dispatch(ctx, in)
			continue
		}
		if e.queue.isClosed() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.queue.Wait():
		}
	}
}

// Stop closes the inbound queue; Run drains what is left and returns.
// In-flight unacknowledged events simply stay pending and are retried on
// the next connection.
func (e *Engine) Stop() {
	e.queue.Close()
}

// PushPending sends every pending outbox event to the relay, oldest first.
// Client role only. There is no automatic retry: events the relay never
// confirms remain pending until the next push.
func (e *Engine) PushPending(ctx context.Context) (int, error) {
	if e.client == nil {
		return 0, nil
	}
	envelopes, err := e.client.PendingEnvelopes(ctx)
	if err != nil {
		return 0, err
	}
	for i, env := range envelopes {
		if err := e.sender.Broadcast(env); err != nil {
			return i, err
		}
	}
	return len(envelopes), nil
}

// dispatch routes one message by kind. Unknown kinds are ignored without
// aborting the connection; handler errors are logged and recovered here so
// one bad message never takes the loop down.
func (e *Engine) dispatch(ctx context.Context, in Inbound) {
	env := in.Env
	switch env.Type {
	case KindSync:
		if e.isRelay {
			e.handleSync(ctx, env)
		} else {
			e.log.Warnw("sync message received by non-relay, ignoring", "device", env.DeviceID)
		}

	case KindApplied:
		if e.client == nil {
			return
		}
		if err := e.client.OnApplied(ctx, env); err != nil {
			e.log.Errorw("failed to handle applied confirmation", "error", err)
		}

	case KindBroadcast:
		if e.client == nil {
			return
		}
		reply, err := e.client.OnBroadcastReceived(ctx, env)
		if err != nil {
			e.log.Errorw("failed to handle broadcast", "error", err)
			return
		}
		if err := e.sender.Broadcast(reply); err != nil {
			e.log.Warnw("failed to send processed reply", "error", err)
		}

	case KindProcessed:
		if e.isRelay {
			e.relay.OnProcessed(env)
		}

	case KindJoin, KindLeave:
		// Peer registry changes are handled by the connection manager;
		// logged here for the protocol trace.
		e.log.Infow(string(env.Type), "device", env.DeviceID, "user", env.UserID)

	case KindHeartbeat:
		data, err := DecodeData[HeartbeatData](env)
		if err != nil {
			e.log.Warnw("malformed heartbeat", "device", env.DeviceID, "error", err)
			return
		}
		e.log.Debugw("heartbeat", "device", env.DeviceID, "connectedClients", data.ConnectedClients)

	case KindAck:
		e.log.Debugw("ack", "device", env.DeviceID)

	default:
		// Forward compatibility: newer peers may speak kinds this build
		// does not know.
		e.log.Debugw("ignoring unknown message type", "type", env.Type, "device", env.DeviceID)
	}
}

// handleSync applies one client event, confirms to the origin, and fans the
// event out to every other connected client.
func (e *Engine) handleSync(ctx context.Context, env Envelope) {
	reply, broadcast, err := e.relay.OnEventReceived(ctx, env)
	if err != nil {
		e.log.Errorw("failed to handle sync", "device", env.DeviceID, "error", err)
		return
	}

	applied, err := e.relay.AppliedEnvelope(reply)
	if err != nil {
		e.log.Errorw("failed to build applied confirmation", "error", err)
		return
	}
	if err := e.sender.SendTo(env.DeviceID, applied); err != nil {
		e.log.Warnw("failed to send applied confirmation", "device", env.DeviceID, "error", err)
	}

	if broadcast == nil {
		return
	}
	out, err := e.relay.BroadcastEnvelope(*broadcast)
	if err != nil {
		e.log.Errorw("failed to build broadcast", "error", err)
		return
	}
	if err := e.sender.BroadcastExcept(env.DeviceID, out); err != nil {
		e.log.Warnw("failed to broadcast event", "eventId", broadcast.ID, "error", err)
	}
}
