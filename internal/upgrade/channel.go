package upgrade

import (
	"net"
	"sync"

	"github.com/albertbausili/conduit/internal/resource"
)

// Channel is the upgraded connection. It replays bytes the HTTP/1.1 engine
// had already buffered before reading from the socket, and is registered in
// the resource table as a duplex resource.
type Channel struct {
	resource.Lifecycle
	net.Conn

	protocol    string
	subprotocol string

	mu       sync.Mutex
	buffered []byte
	onClose  func()
}

func newChannel(conn net.Conn, buffered []byte, protocol, subprotocol string) *Channel {
	return &Channel{
		Conn:        conn,
		protocol:    protocol,
		subprotocol: subprotocol,
		buffered:    buffered,
	}
}

// Kind implements resource.Resource.
func (c *Channel) Kind() resource.Kind { return resource.KindDuplex }

// Protocol is the protocol switched to.
func (c *Channel) Protocol() string { return c.protocol }

// Subprotocol is the negotiated Sec-WebSocket-Protocol, if any.
func (c *Channel) Subprotocol() string { return c.subprotocol }

func (c *Channel) Read(p []byte) (int, error) {
	c.mu.Lock()
	if len(c.buffered) > 0 {
		n := copy(p, c.buffered)
		c.buffered = c.buffered[n:]
		c.mu.Unlock()
		return n, nil
	}
	c.mu.Unlock()

	n, err := c.Conn.Read(p)
	if err != nil && n == 0 {
		if s := c.State(); s.Terminal() {
			if e := c.Err(); e != nil {
				return 0, e
			}
		}
	}
	return n, err
}

// OnClose installs fn to run once, after the channel reaches a terminal
// state. The engine frees the channel's handle with it. fn runs at once if
// the channel is already closed.
func (c *Channel) OnClose(fn func()) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
	if c.State().Terminal() {
		c.closed()
	}
}

func (c *Channel) closed() {
	c.mu.Lock()
	fn := c.onClose
	c.onClose = nil
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Close closes the underlying connection.
func (c *Channel) Close() error {
	if !c.Transition(resource.StateClosed, nil) {
		return nil
	}
	err := c.Conn.Close()
	c.closed()
	return err
}

// Terminate implements resource.Resource.
func (c *Channel) Terminate(cause error) {
	if cause == nil {
		_ = c.Close()
		return
	}
	if c.Transition(resource.StateErrored, cause) {
		_ = c.Conn.Close()
		c.closed()
	}
}
