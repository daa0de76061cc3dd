package initiator

import (
	"net"
	"sync"
	"time"

	"github.com/cyberinferno/hl7mllp/endpoint"
	"github.com/cyberinferno/hl7mllp/hl7err"
	"github.com/cyberinferno/hl7mllp/mllp"
)

// State represents the lifecycle of a Connection.
type State int

const (
	Connected    State = iota // Open and ready for an exchange
	Broken                    // An exchange failed mid-way; only Disconnect is useful
	Disconnected              // Closed by Disconnect
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case Connected:
		return "Connected"
	case Broken:
		return "Broken"
	case Disconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// Connection is a transport session to one endpoint. It carries at most
// one exchange at a time.
type Connection struct {
	endpoint    endpoint.Endpoint
	connectedAt time.Time

	mu     sync.Mutex
	conn   net.Conn
	reader *mllp.Reader
	state  State
	cause  error
}

func newConnection(ep endpoint.Endpoint, conn net.Conn) *Connection {
	return &Connection{
		endpoint:    ep,
		connectedAt: time.Now(),
		conn:        conn,
		reader:      mllp.NewReader(conn),
		state:       Connected,
	}
}

// Endpoint returns the remote endpoint.
func (c *Connection) Endpoint() endpoint.Endpoint {
	return c.endpoint
}

// ConnectedAt returns when the connection was established.
func (c *Connection) ConnectedAt() time.Time {
	return c.connectedAt
}

// State returns the current state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LocalAddr returns the local address of the transport session.
func (c *Connection) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// Disconnect closes the transport session. Calling it again, or after a
// failed exchange, returns nil.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Disconnected {
		return nil
	}
	c.state = Disconnected
	if err := c.conn.Close(); err != nil && c.cause == nil {
		return hl7err.Wrap(hl7err.KindTransport, "initiator.Disconnect", err, "cannot close connection")
	}
	return nil
}

// usable must be called with mu held.
func (c *Connection) usable(op string) error {
	switch c.state {
	case Connected:
		return nil
	case Broken:
		return &hl7err.Error{
			Kind: hl7err.KindTransport,
			Op:   op,
			Msg:  "connection is broken by an earlier failure",
			Err:  c.cause,
		}
	default:
		return hl7err.New(hl7err.KindTransport, op, "connection is closed")
	}
}

// fail marks the connection broken after an I/O failure. The stream may
// hold a partial frame, so it cannot carry another exchange. Must be called
// with mu held.
func (c *Connection) fail(err error) {
	switch hl7err.KindOf(err) {
	case hl7err.KindFraming, hl7err.KindTimeout, hl7err.KindTransport:
		c.state = Broken
		c.cause = err
	}
}
