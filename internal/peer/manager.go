// Package peer maintains the device's single peer connection role and the
// TCP transport under it.
//
// A process is exactly one of: relay (listening server), client (one
// outbound connection to the relay), or none. Messages are complete JSON
// envelopes, one per line. Liveness is not inferred from heartbeat
// staleness; disconnection is detected only by the transport's close or
// error signal.
package peer

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tillworks/tillsync/internal/event"
	"github.com/tillworks/tillsync/internal/protocol"
)

// Role is the process's connection role.
type Role int

const (
	RoleNone Role = iota
	RoleRelay
	RoleClient
)

func (r Role) String() string {
	switch r {
	case RoleRelay:
		return "relay"
	case RoleClient:
		return "client"
	default:
		return "none"
	}
}

var (
	// ErrAlreadyRunning is returned when StartServer or ConnectToServer is
	// called while a role is already active.
	ErrAlreadyRunning = errors.New("connection role already active")
	// ErrConnectFailed wraps a failed dial to the relay.
	ErrConnectFailed = errors.New("connect to relay failed")
	// ErrPeerNotFound is returned when sending to an unknown device.
	ErrPeerNotFound = errors.New("peer not connected")
)

// DefaultHeartbeatInterval is how often an open connection announces itself.
const DefaultHeartbeatInterval = 30 * time.Second

// Handler consumes decoded envelopes from the transport read loops.
// Implemented by protocol.Engine.
type Handler interface {
	HandleMessage(env protocol.Envelope, remoteAddr string)
}

// PeerInfo is what the manager knows about a connected device, learned
// from its join message.
type PeerInfo struct {
	DeviceID string
	UserID   string
	VenueID  string
	Addr     string
	LastSeen time.Time
}

// Compile-time interface check: the manager is the engine's outbound side.
var _ protocol.Sender = (*Manager)(nil)

// Manager owns the process's peer connections.
//
// Thread-safety: all exported methods may be called from any goroutine.
// Writes to a single connection are serialized per connection; the mutex
// guards role and registry state only, never held across network I/O.
type Manager struct {
	identity event.Identity
	handler  Handler
	log      *zap.SugaredLogger
	now      func() time.Time

	heartbeatInterval time.Duration

	mu       sync.Mutex
	role     Role
	listener net.Listener
	conns    map[string]*conn    // by remote address
	peers    map[string]PeerInfo // by device id, learned from join
	stopHB   chan struct{}
	wg       sync.WaitGroup
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithHeartbeatInterval overrides the heartbeat cadence (tests shorten it).
func WithHeartbeatInterval(d time.Duration) ManagerOption {
	return func(m *Manager) { m.heartbeatInterval = d }
}

// NewManager constructs a connection manager with no active role.
// handler may be nil at construction (the engine that handles messages
// also needs the manager as its sender); set it with SetHandler before
// starting.
func NewManager(identity event.Identity, handler Handler, log *zap.SugaredLogger, opts ...ManagerOption) *Manager {
	m := &Manager{
		identity:          identity,
		handler:           handler,
		log:               log,
		now:               time.Now,
		heartbeatInterval: DefaultHeartbeatInterval,
		conns:             map[string]*conn{},
		peers:             map[string]PeerInfo{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetHandler installs the message handler. Must be called before
// StartServer or ConnectToServer.
func (m *Manager) SetHandler(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

// Role returns the current connection role.
func (m *Manager) Role() Role {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.role
}

// StartServer begins listening for client connections and assumes the
// relay role. Returns the bound address (useful with port 0 in tests).
func (m *Manager) StartServer(port int) (string, error) {
	m.mu.Lock()
	if m.role != RoleNone {
		m.mu.Unlock()
		return "", fmt.Errorf("start server: %w", ErrAlreadyRunning)
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		m.mu.Unlock()
		return "", fmt.Errorf("start server: %w", err)
	}
	m.role = RoleRelay
	m.listener = listener
	m.stopHB = make(chan struct{})
	m.mu.Unlock()

	m.wg.Add(2)
	go m.acceptLoop(listener)
	go m.heartbeatLoop(m.stopHB)

	m.log.Infow("relay listening", "addr", listener.Addr().String())
	return listener.Addr().String(), nil
}

// ConnectToServer dials the relay and assumes the client role. The join
// message carrying this device's identity is sent immediately on connect.
func (m *Manager) ConnectToServer(host string, port int) error {
	m.mu.Lock()
	if m.role != RoleNone {
		m.mu.Unlock()
		return fmt.Errorf("connect: %w", ErrAlreadyRunning)
	}
	m.mu.Unlock()

	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	netConn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrConnectFailed, addr, err)
	}

	c := newConn(netConn)

	m.mu.Lock()
	if m.role != RoleNone {
		m.mu.Unlock()
		netConn.Close()
		return fmt.Errorf("connect: %w", ErrAlreadyRunning)
	}
	m.role = RoleClient
	m.conns[c.addr] = c
	m.stopHB = make(chan struct{})
	m.mu.Unlock()

	m.wg.Add(2)
	go m.readLoop(c)
	go m.heartbeatLoop(m.stopHB)

	join, err := protocol.NewEnvelope(protocol.KindJoin, m.identity, m.now(), protocol.JoinData{
		DeviceInfo: protocol.DeviceInfo{
			DeviceID: m.identity.DeviceID,
			UserID:   m.identity.UserID,
			VenueID:  m.identity.VenueID,
		},
	})
	if err != nil {
		return err
	}
	if err := c.write(join); err != nil {
		return fmt.Errorf("send join: %w", err)
	}

	m.log.Infow("connected to relay", "addr", addr)
	return nil
}

// SendMessage sends to the relay (client role) or every connected client
// (relay role). With no role it warns and does nothing.
func (m *Manager) SendMessage(env protocol.Envelope) error {
	switch m.Role() {
	case RoleNone:
		m.log.Warnw("no active connection, dropping message", "type", env.Type)
		return nil
	default:
		return m.Broadcast(env)
	}
}

// Broadcast sends to every open connection: all clients on the relay, the
// single relay connection on a client.
func (m *Manager) Broadcast(env protocol.Envelope) error {
	return m.broadcastExcept("", env)
}

// BroadcastExcept sends to every open connection except the named device:
// the relay's fan-out path, which skips the event's origin.
func (m *Manager) BroadcastExcept(deviceID string, env protocol.Envelope) error {
	return m.broadcastExcept(deviceID, env)
}

// SendTo sends to one connected device. The device must have joined.
func (m *Manager) SendTo(deviceID string, env protocol.Envelope) error {
	m.mu.Lock()
	var target *conn
	for _, c := range m.conns {
		if c.deviceID() == deviceID {
			target = c
			break
		}
	}
	m.mu.Unlock()

	if target == nil {
		return fmt.Errorf("send to %s: %w", deviceID, ErrPeerNotFound)
	}
	return target.write(env)
}

func (m *Manager) broadcastExcept(deviceID string, env protocol.Envelope) error {
	m.mu.Lock()
	targets := make([]*conn, 0, len(m.conns))
	for _, c := range m.conns {
		if deviceID != "" && c.deviceID() == deviceID {
			continue
		}
		targets = append(targets, c)
	}
	m.mu.Unlock()

	var firstErr error
	for _, c := range targets {
		if err := c.write(env); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ConnectedClients returns the devices currently known from join messages.
func (m *Manager) ConnectedClients() []PeerInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	peers := make([]PeerInfo, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
	}
	return peers
}

// Stop sends a best-effort leave, releases all sockets, and resets the
// role to none. Safe at any point: unacknowledged events stay pending and
// are retried on the next connection.
func (m *Manager) Stop() error {
	leave, err := protocol.NewEnvelope(protocol.KindLeave, m.identity, m.now(), nil)
	if err == nil {
		_ = m.Broadcast(leave)
	}

	m.mu.Lock()
	if m.role == RoleNone {
		m.mu.Unlock()
		return nil
	}
	if m.stopHB != nil {
		close(m.stopHB)
		m.stopHB = nil
	}
	if m.listener != nil {
		m.listener.Close()
		m.listener = nil
	}
	for _, c := range m.conns {
		c.close()
	}
	m.conns = map[string]*conn{}
	m.peers = map[string]PeerInfo{}
	m.role = RoleNone
	m.mu.Unlock()

	m.wg.Wait()
	m.log.Infow("connection manager stopped")
	return nil
}

func (m *Manager) acceptLoop(listener net.Listener) {
	defer m.wg.Done()
	for {
		netConn, err := listener.Accept()
		if err != nil {
			// Listener closed during Stop, or a fatal accept error.
			return
		}
		c := newConn(netConn)

		m.mu.Lock()
		if m.role != RoleRelay {
			m.mu.Unlock()
			netConn.Close()
			return
		}
		m.conns[c.addr] = c
		m.mu.Unlock()

		m.wg.Add(1)
		go m.readLoop(c)
	}
}

// readLoop decodes line-delimited envelopes until the connection drops.
// Malformed lines are logged and dropped; the connection stays open.
func (m *Manager) readLoop(c *conn) {
	defer m.wg.Done()
	defer m.dropConn(c)

	scanner := bufio.NewScanner(c.netConn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxMessageBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		env, err := protocol.DecodeEnvelope(line)
		if err != nil {
			m.log.Warnw("dropping malformed message", "addr", c.addr, "error", err)
			continue
		}

		switch env.Type {
		case protocol.KindJoin:
			m.registerPeer(c, env)
		case protocol.KindLeave:
			m.log.Infow("peer leaving", "device", env.DeviceID)
		case protocol.KindHeartbeat:
			m.touchPeer(env.DeviceID)
		}

		if h := m.currentHandler(); h != nil {
			h.HandleMessage(env, c.addr)
		}

		if env.Type == protocol.KindLeave {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		m.log.Warnw("connection error", "addr", c.addr, "error", err)
	}
}

// registerPeer records a device's identity from its join message.
func (m *Manager) registerPeer(c *conn, env protocol.Envelope) {
	info := PeerInfo{
		DeviceID: env.DeviceID,
		UserID:   env.UserID,
		VenueID:  env.VenueID,
		Addr:     c.addr,
		LastSeen: m.now(),
	}
	if data, err := protocol.DecodeData[protocol.JoinData](env); err == nil {
		if data.DeviceInfo.DeviceID != "" {
			info.DeviceID = data.DeviceInfo.DeviceID
		}
		if data.DeviceInfo.UserID != "" {
			info.UserID = data.DeviceInfo.UserID
		}
		if data.DeviceInfo.VenueID != "" {
			info.VenueID = data.DeviceInfo.VenueID
		}
	}

	c.setDeviceID(info.DeviceID)

	m.mu.Lock()
	m.peers[info.DeviceID] = info
	m.mu.Unlock()

	m.log.Infow("peer joined", "device", info.DeviceID, "user", info.UserID, "addr", c.addr)
}

func (m *Manager) currentHandler() Handler {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handler
}

func (m *Manager) touchPeer(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.peers[deviceID]; ok {
		p.LastSeen = m.now()
		m.peers[deviceID] = p
	}
}

// dropConn removes a dead connection. A relay losing a client forgets the
// peer and announces a synthetic leave to the remaining clients; a client
// losing the relay resets its role to none.
func (m *Manager) dropConn(c *conn) {
	c.close()

	m.mu.Lock()
	if _, ok := m.conns[c.addr]; !ok {
		// Already removed by Stop.
		m.mu.Unlock()
		return
	}
	delete(m.conns, c.addr)
	role := m.role
	departed := c.deviceID()
	if departed != "" {
		delete(m.peers, departed)
	}
	if role == RoleClient {
		// The relay is gone; mid-session transport failure resets the role.
		m.role = RoleNone
	}
	m.mu.Unlock()

	switch {
	case role == RoleRelay && departed != "":
		m.log.Infow("client disconnected", "device", departed)
		leave := protocol.Envelope{
			Type:      protocol.KindLeave,
			DeviceID:  departed,
			VenueID:   m.identity.VenueID,
			Timestamp: m.now(),
		}
		if err := m.Broadcast(leave); err != nil {
			m.log.Warnw("failed to announce departure", "device", departed, "error", err)
		}
	case role == RoleClient:
		m.log.Warnw("relay connection lost")
	}
}

// heartbeatLoop announces liveness on every open connection. Absence of
// heartbeats is deliberately not used to declare a peer dead.
func (m *Manager) heartbeatLoop(stop <-chan struct{}) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.mu.Lock()
			count := len(m.peers)
			m.mu.Unlock()

			env, err := protocol.NewEnvelope(protocol.KindHeartbeat, m.identity, m.now(),
				protocol.HeartbeatData{ConnectedClients: count})
			if err != nil {
				continue
			}
			if err := m.Broadcast(env); err != nil {
				m.log.Debugw("heartbeat send failed", "error", err)
			}
		}
	}
}
