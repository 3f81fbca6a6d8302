package peer

import (
	"fmt"
	"net"
	"sync"

	"github.com/tillworks/tillsync/internal/protocol"
)

// maxMessageBytes bounds one line-delimited envelope. A day's largest
// order payload is far below this; anything bigger is a broken peer.
const maxMessageBytes = 1 << 20

// conn is one live peer connection. deviceID is empty until the peer's
// join message arrives.
type conn struct {
	netConn net.Conn
	addr    string

	mu     sync.Mutex
	device string
	closed bool
}

func newConn(netConn net.Conn) *conn {
	return &conn{
		netConn: netConn,
		addr:    netConn.RemoteAddr().String(),
	}
}

func (c *conn) deviceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.device
}

func (c *conn) setDeviceID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.device = id
}

// write sends one envelope as a single newline-terminated JSON line.
// Serialized per connection so concurrent senders never interleave frames.
func (c *conn) write(env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("write to %s: connection closed", c.addr)
	}
	if _, err := c.netConn.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write to %s: %w", c.addr, err)
	}
	return nil
}

func (c *conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.netConn.Close()
}
