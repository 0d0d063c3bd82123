package transport

import (
	"bytes"
	"net"
	"os"
	"sync"
	"time"

	"github.com/panjf2000/gnet/v2"
)

// Conn presents a gnet connection as a blocking net.Conn. The event loop
// pushes inbound bytes into it up to highWater and leaves the rest in gnet's
// inbound buffer; writes are queued with AsyncWrite and wait for the loop to
// flush them.
type Conn struct {
	gc        gnet.Conn
	local     net.Addr
	remote    net.Addr
	highWater int

	mu       sync.Mutex
	in       bytes.Buffer
	stalled  bool // the loop left bytes behind and waits for a Wake
	readable chan struct{}
	rerr     error
	werr     error

	done      chan struct{}
	closeOnce sync.Once

	rdeadline deadline
	wdeadline deadline
}

func newConn(gc gnet.Conn, highWater int) *Conn {
	return &Conn{
		gc:        gc,
		local:     gc.LocalAddr(),
		remote:    gc.RemoteAddr(),
		highWater: highWater,
		readable:  make(chan struct{}, 1),
		done:      make(chan struct{}),
		rdeadline: makeDeadline(),
		wdeadline: makeDeadline(),
	}
}

// room returns how many more bytes the loop may push. A non-positive result
// marks the connection stalled.
func (c *Conn) room() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.highWater - c.in.Len()
	if n <= 0 {
		c.stalled = true
	}
	return n
}

// push appends bytes read by the event loop. more reports that the loop left
// bytes in gnet's buffer, so Read must wake it once it drains.
func (c *Conn) push(p []byte, more bool) {
	c.mu.Lock()
	c.in.Write(p)
	if more {
		c.stalled = true
	}
	c.mu.Unlock()
	select {
	case c.readable <- struct{}{}:
	default:
	}
}

// finish ends the connection once. It reports whether this call did.
func (c *Conn) finish(rerr, werr error) bool {
	first := false
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.rerr, c.werr = rerr, werr
		c.mu.Unlock()
		close(c.done)
		first = true
	})
	return first
}

func (c *Conn) Read(p []byte) (int, error) {
	for {
		if isClosedChan(c.rdeadline.wait()) {
			return 0, os.ErrDeadlineExceeded
		}
		c.mu.Lock()
		if c.in.Len() > 0 {
			n, _ := c.in.Read(p)
			wake := c.stalled && c.in.Len() <= c.highWater/2
			if wake {
				c.stalled = false
			}
			c.mu.Unlock()
			if wake {
				_ = c.gc.Wake(nil)
			}
			return n, nil
		}
		if c.rerr != nil {
			err := c.rerr
			c.mu.Unlock()
			return 0, err
		}
		c.mu.Unlock()

		select {
		case <-c.readable:
		case <-c.done:
		case <-c.rdeadline.wait():
		}
	}
}

func (c *Conn) Write(p []byte) (int, error) {
	select {
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return 0, c.werr
	default:
	}
	if isClosedChan(c.wdeadline.wait()) {
		return 0, os.ErrDeadlineExceeded
	}
	if len(p) == 0 {
		return 0, nil
	}

	// The loop may still hold the buffer after a deadline fires.
	buf := bytes.Clone(p)
	flushed := make(chan error, 1)
	err := c.gc.AsyncWrite(buf, func(_ gnet.Conn, err error) error {
		flushed <- err
		return nil
	})
	if err != nil {
		return 0, err
	}
	select {
	case err := <-flushed:
		if err != nil {
			return 0, err
		}
		return len(p), nil
	case <-c.wdeadline.wait():
		return 0, os.ErrDeadlineExceeded
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return 0, c.werr
	}
}

// Close closes the gnet connection. Pending reads and writes return
// net.ErrClosed.
func (c *Conn) Close() error {
	if c.finish(net.ErrClosed, net.ErrClosed) {
		return c.gc.Close()
	}
	return nil
}

// Buffered returns the number of bytes pushed by the loop and not yet read.
func (c *Conn) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.in.Len()
}

func (c *Conn) LocalAddr() net.Addr  { return c.local }
func (c *Conn) RemoteAddr() net.Addr { return c.remote }

func (c *Conn) SetDeadline(t time.Time) error {
	c.rdeadline.set(t)
	c.wdeadline.set(t)
	return nil
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	c.rdeadline.set(t)
	return nil
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	c.wdeadline.set(t)
	return nil
}

// deadline is an abortable wait, modelled on net.Pipe's.
type deadline struct {
	mu     sync.Mutex
	timer  *time.Timer
	cancel chan struct{}
}

func makeDeadline() deadline {
	return deadline{cancel: make(chan struct{})}
}

// set arms the deadline. A zero t disarms it; a past t fires immediately.
func (d *deadline) set(t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil && !d.timer.Stop() {
		<-d.cancel // wait for the timer callback
	}
	d.timer = nil

	closed := isClosedChan(d.cancel)
	if t.IsZero() {
		if closed {
			d.cancel = make(chan struct{})
		}
		return
	}
	if dur := time.Until(t); dur > 0 {
		if closed {
			d.cancel = make(chan struct{})
		}
		cancel := d.cancel
		d.timer = time.AfterFunc(dur, func() { close(cancel) })
		return
	}
	if !closed {
		close(d.cancel)
	}
}

func (d *deadline) wait() chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancel
}

func isClosedChan(c <-chan struct{}) bool {
	select {
	case <-c:
		return true
	default:
		return false
	}
}
