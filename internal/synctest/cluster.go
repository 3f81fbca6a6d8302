// Package synctest runs the sync protocol end to end inside one process.
//
// A Cluster holds a relay store and any number of client stores, each with
// deterministic ids and timestamps, and shuttles the real protocol
// envelopes between them without sockets: sync to the relay, applied back
// to the origin, broadcast to the other clients, processed back to the
// relay. Tests drive whole venue scenarios and then assert on any node's
// database.
package synctest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tillworks/tillsync/internal/event"
	"github.com/tillworks/tillsync/internal/order"
	"github.com/tillworks/tillsync/internal/protocol"
	"github.com/tillworks/tillsync/internal/store"
	"github.com/tillworks/tillsync/internal/testutil"
)

const venueID = "venue-test"

// Node is one device in the cluster: its identity and its own database.
type Node struct {
	Identity event.Identity
	Store    *store.Store
}

// Cluster wires a relay node and client nodes through the sync protocol.
type Cluster struct {
	t *testing.T

	Relay   *Node
	Clients []*Node

	relaySvc   *protocol.RelayService
	clientSvcs map[string]*protocol.ClientService
}

// NewCluster opens in-memory stores for a relay plus one client per id.
// All nodes share one deterministic wall clock; event ids are sequential
// per device ("till-3-ev-0001"), so a scenario produces identical logs on
// every run. Stores close automatically when the test ends.
func NewCluster(t *testing.T, relayDeviceID string, clientDeviceIDs ...string) *Cluster {
	t.Helper()

	log := zap.NewNop().Sugar()
	wall := testutil.NewWallClock(time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC), time.Second)

	open := func(deviceID string) *Node {
		st, err := store.Open(":memory:",
			store.WithLogger(log),
			store.WithNow(wall.Now),
			store.WithIDGenerator(event.NewFixedGenerator(testutil.EventIDs(deviceID, 256)...)))
		require.NoError(t, err)
		t.Cleanup(func() { _ = st.Close() })

		return &Node{
			Identity: event.Identity{
				DeviceID: deviceID,
				UserID:   "user-" + deviceID,
				VenueID:  venueID,
				RelayID:  relayDeviceID,
			},
			Store: st,
		}
	}

	c := &Cluster{
		t:          t,
		Relay:      open(relayDeviceID),
		clientSvcs: map[string]*protocol.ClientService{},
	}
	c.relaySvc = protocol.NewRelayService(c.Relay.Store, c.Relay.Identity, log)

	for _, id := range clientDeviceIDs {
		n := open(id)
		c.Clients = append(c.Clients, n)
		c.clientSvcs[id] = protocol.NewClientService(n.Store, n.Identity, log)
	}
	return c
}

// Client returns the node for a device id registered at construction.
func (c *Cluster) Client(deviceID string) *Node {
	c.t.Helper()
	for _, n := range c.Clients {
		if n.Identity.DeviceID == deviceID {
			return n
		}
	}
	c.t.Fatalf("no client %q in cluster", deviceID)
	return nil
}

// Append records a local mutation on the named device (relay or client).
func (c *Cluster) Append(ctx context.Context, deviceID, orderID string, typ event.Type, payload event.Payload) event.Event {
	c.t.Helper()

	node := c.Relay
	if deviceID != c.Relay.Identity.DeviceID {
		node = c.Client(deviceID)
	}
	ev, err := node.Store.AppendLocal(ctx, node.Identity, node == c.Relay, store.AppendParams{
		Entity:   event.EntityOrder,
		EntityID: orderID,
		Type:     typ,
		Payload:  payload,
	})
	require.NoError(c.t, err)
	return ev
}

// SyncClient delivers one client's pending events through the full
// protocol round trip and returns the relay's rejections, if any.
func (c *Cluster) SyncClient(ctx context.Context, deviceID string) []protocol.Rejection {
	c.t.Helper()

	svc, ok := c.clientSvcs[deviceID]
	if !ok {
		c.t.Fatalf("no client %q in cluster", deviceID)
	}

	envelopes, err := svc.PendingEnvelopes(ctx)
	require.NoError(c.t, err)

	var rejections []protocol.Rejection
	for _, env := range envelopes {
		reply, broadcast, err := c.relaySvc.OnEventReceived(ctx, env)
		require.NoError(c.t, err)
		rejections = append(rejections, reply.Rejected...)

		appliedEnv, err := c.relaySvc.AppliedEnvelope(reply)
		require.NoError(c.t, err)
		require.NoError(c.t, svc.OnApplied(ctx, appliedEnv))

		if broadcast == nil {
			continue
		}
		broadcastEnv, err := c.relaySvc.BroadcastEnvelope(*broadcast)
		require.NoError(c.t, err)
		for _, other := range c.Clients {
			if other.Identity.DeviceID == deviceID {
				continue
			}
			processed, err := c.clientSvcs[other.Identity.DeviceID].OnBroadcastReceived(ctx, broadcastEnv)
			require.NoError(c.t, err)
			c.relaySvc.OnProcessed(processed)
		}
	}
	return rejections
}

// SyncAll round-trips every client in registration order.
func (c *Cluster) SyncAll(ctx context.Context) []protocol.Rejection {
	c.t.Helper()
	var rejections []protocol.Rejection
	for _, n := range c.Clients {
		rejections = append(rejections, c.SyncClient(ctx, n.Identity.DeviceID)...)
	}
	return rejections
}

// Order fetches a projected order from the named device's store, failing
// the test if it does not exist.
func (c *Cluster) Order(ctx context.Context, deviceID, orderID string) *order.Order {
	c.t.Helper()

	node := c.Relay
	if deviceID != c.Relay.Identity.DeviceID {
		node = c.Client(deviceID)
	}
	o, err := node.Store.GetOrder(ctx, orderID)
	require.NoError(c.t, err)
	return o
}
