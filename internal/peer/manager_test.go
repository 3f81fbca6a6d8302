package peer

import (
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tillworks/tillsync/internal/event"
	"github.com/tillworks/tillsync/internal/protocol"
)

// captureHandler collects every envelope the transport delivers.
type captureHandler struct {
	mu   sync.Mutex
	envs []protocol.Envelope
}

func (h *captureHandler) HandleMessage(env protocol.Envelope, remoteAddr string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.envs = append(h.envs, env)
}

func (h *captureHandler) byKind(kind protocol.Kind) []protocol.Envelope {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []protocol.Envelope
	for _, env := range h.envs {
		if env.Type == kind {
			out = append(out, env)
		}
	}
	return out
}

func identityFor(deviceID string) event.Identity {
	return event.Identity{DeviceID: deviceID, UserID: "user-" + deviceID, VenueID: "venue-1", RelayID: "relay-1"}
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

// startRelay brings up a listening manager on an ephemeral port.
func startRelay(t *testing.T, handler Handler) (*Manager, int) {
	t.Helper()
	m := NewManager(identityFor("relay-1"), handler, zap.NewNop().Sugar())
	addr, err := m.StartServer(0)
	require.NoError(t, err)
	t.Cleanup(func() { m.Stop() })

	_, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return m, port
}

func TestManager_JoinRegistersPeer(t *testing.T) {
	relayHandler := &captureHandler{}
	relay, port := startRelay(t, relayHandler)

	client := NewManager(identityFor("till-3"), &captureHandler{}, zap.NewNop().Sugar())
	require.NoError(t, client.ConnectToServer("127.0.0.1", port))
	t.Cleanup(func() { client.Stop() })

	assert.Equal(t, RoleRelay, relay.Role())
	assert.Equal(t, RoleClient, client.Role())

	waitFor(t, func() bool { return len(relay.ConnectedClients()) == 1 },
		"relay never registered the joining client")

	peers := relay.ConnectedClients()
	assert.Equal(t, "till-3", peers[0].DeviceID)
	assert.Equal(t, "user-till-3", peers[0].UserID)

	// The join also reaches the relay's message handler.
	waitFor(t, func() bool { return len(relayHandler.byKind(protocol.KindJoin)) == 1 },
		"join envelope never dispatched")
}

func TestManager_ClientToRelayAndBack(t *testing.T) {
	relayHandler := &captureHandler{}
	relay, port := startRelay(t, relayHandler)

	clientHandler := &captureHandler{}
	client := NewManager(identityFor("till-3"), clientHandler, zap.NewNop().Sugar())
	require.NoError(t, client.ConnectToServer("127.0.0.1", port))
	t.Cleanup(func() { client.Stop() })

	waitFor(t, func() bool { return len(relay.ConnectedClients()) == 1 }, "client never joined")

	// Client -> relay.
	syncEnv, err := protocol.NewEnvelope(protocol.KindSync, identityFor("till-3"), time.Now(),
		protocol.SyncData{EventID: "ev-1", Entity: "order", EntityID: "order-1", EventType: "add_item", Payload: []byte(`{}`)})
	require.NoError(t, err)
	require.NoError(t, client.Broadcast(syncEnv))

	waitFor(t, func() bool { return len(relayHandler.byKind(protocol.KindSync)) == 1 },
		"sync never reached the relay")
	got := relayHandler.byKind(protocol.KindSync)[0]
	assert.Equal(t, "till-3", got.DeviceID)
	data, err := protocol.DecodeData[protocol.SyncData](got)
	require.NoError(t, err)
	assert.Equal(t, "ev-1", data.EventID)

	// Relay -> named client.
	applied, err := protocol.NewEnvelope(protocol.KindApplied, identityFor("relay-1"), time.Now(),
		protocol.AppliedData{AppliedEventIDs: []string{"ev-1"}})
	require.NoError(t, err)
	require.NoError(t, relay.SendTo("till-3", applied))

	waitFor(t, func() bool { return len(clientHandler.byKind(protocol.KindApplied)) == 1 },
		"applied confirmation never reached the client")
}

func TestManager_BroadcastExceptSkipsOrigin(t *testing.T) {
	relay, port := startRelay(t, &captureHandler{})

	h3, h4 := &captureHandler{}, &captureHandler{}
	c3 := NewManager(identityFor("till-3"), h3, zap.NewNop().Sugar())
	require.NoError(t, c3.ConnectToServer("127.0.0.1", port))
	t.Cleanup(func() { c3.Stop() })
	c4 := NewManager(identityFor("till-4"), h4, zap.NewNop().Sugar())
	require.NoError(t, c4.ConnectToServer("127.0.0.1", port))
	t.Cleanup(func() { c4.Stop() })

	waitFor(t, func() bool { return len(relay.ConnectedClients()) == 2 }, "clients never joined")

	env, err := protocol.NewEnvelope(protocol.KindBroadcast, identityFor("relay-1"), time.Now(),
		protocol.BroadcastData{EventID: "ev-9", Entity: "order", EntityID: "order-1", EventType: "add_item", Payload: []byte(`{}`)})
	require.NoError(t, err)
	require.NoError(t, relay.BroadcastExcept("till-3", env))

	waitFor(t, func() bool { return len(h4.byKind(protocol.KindBroadcast)) == 1 },
		"broadcast never reached till-4")
	assert.Empty(t, h3.byKind(protocol.KindBroadcast), "origin must not receive its own broadcast")
}

func TestManager_SendToUnknownPeer(t *testing.T) {
	relay, _ := startRelay(t, &captureHandler{})

	err := relay.SendTo("till-99", protocol.Envelope{Type: protocol.KindApplied})
	assert.ErrorIs(t, err, ErrPeerNotFound)
}

func TestManager_SecondRoleRejected(t *testing.T) {
	relay, port := startRelay(t, &captureHandler{})

	_, err := relay.StartServer(0)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.ErrorIs(t, relay.ConnectToServer("127.0.0.1", port), ErrAlreadyRunning)
}

func TestManager_StopResetsRole(t *testing.T) {
	relay, port := startRelay(t, &captureHandler{})

	client := NewManager(identityFor("till-3"), &captureHandler{}, zap.NewNop().Sugar())
	require.NoError(t, client.ConnectToServer("127.0.0.1", port))

	require.NoError(t, client.Stop())
	assert.Equal(t, RoleNone, client.Role())

	// A stopped manager can connect again.
	require.NoError(t, client.ConnectToServer("127.0.0.1", port))
	assert.Equal(t, RoleClient, client.Role())
	require.NoError(t, client.Stop())

	require.NoError(t, relay.Stop())
	assert.Equal(t, RoleNone, relay.Role())
}

func TestManager_MalformedLineKeepsConnection(t *testing.T) {
	relay, port := startRelay(t, &captureHandler{})

	raw, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	defer raw.Close()

	_, err = raw.Write([]byte("this is not json\n"))
	require.NoError(t, err)

	join, err := protocol.NewEnvelope(protocol.KindJoin, identityFor("till-7"), time.Now(),
		protocol.JoinData{DeviceInfo: protocol.DeviceInfo{DeviceID: "till-7", UserID: "user-till-7", VenueID: "venue-1"}})
	require.NoError(t, err)
	encoded, err := protocol.Encode(join)
	require.NoError(t, err)
	_, err = raw.Write(append(encoded, '\n'))
	require.NoError(t, err)

	waitFor(t, func() bool { return len(relay.ConnectedClients()) == 1 },
		"join after malformed line never registered")
}

func TestManager_ClientDisconnectForgetsPeer(t *testing.T) {
	relay, port := startRelay(t, &captureHandler{})

	client := NewManager(identityFor("till-3"), &captureHandler{}, zap.NewNop().Sugar())
	require.NoError(t, client.ConnectToServer("127.0.0.1", port))

	waitFor(t, func() bool { return len(relay.ConnectedClients()) == 1 }, "client never joined")

	require.NoError(t, client.Stop())
	waitFor(t, func() bool { return len(relay.ConnectedClients()) == 0 },
		"relay kept a departed peer")
}

func TestManager_HeartbeatsFlow(t *testing.T) {
	relayHandler := &captureHandler{}
	_, port := startRelay(t, relayHandler)

	client := NewManager(identityFor("till-3"), &captureHandler{}, zap.NewNop().Sugar(),
		WithHeartbeatInterval(20*time.Millisecond))
	require.NoError(t, client.ConnectToServer("127.0.0.1", port))
	t.Cleanup(func() { client.Stop() })

	waitFor(t, func() bool { return len(relayHandler.byKind(protocol.KindHeartbeat)) >= 2 },
		"heartbeats never arrived")
}

func TestManager_SendMessageWithNoRoleDropsMessage(t *testing.T) {
	m := NewManager(identityFor("till-3"), &captureHandler{}, zap.NewNop().Sugar())
	assert.Equal(t, RoleNone, m.Role())

	env, err := protocol.NewEnvelope(protocol.KindAck, identityFor("till-3"), time.Now(), nil)
	require.NoError(t, err)

	// Dropped, not an error: the caller cannot do anything useful with a
	// failure before a connection exists.
	assert.NoError(t, m.SendMessage(env))
}

func TestManager_SendMessageReachesRelay(t *testing.T) {
	relayHandler := &captureHandler{}
	_, port := startRelay(t, relayHandler)

	client := NewManager(identityFor("till-3"), &captureHandler{}, zap.NewNop().Sugar())
	require.NoError(t, client.ConnectToServer("127.0.0.1", port))
	t.Cleanup(func() { client.Stop() })

	env, err := protocol.NewEnvelope(protocol.KindAck, identityFor("till-3"), time.Now(), nil)
	require.NoError(t, err)
	require.NoError(t, client.SendMessage(env))

	waitFor(t, func() bool { return len(relayHandler.byKind(protocol.KindAck)) == 1 },
		"ack never reached the relay handler")
}
