package mux

import (
	"crypto/tls"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/albertbausili/conduit/internal/resource"
	"github.com/albertbausili/conduit/internal/stream"
)

// ConnState is the per-connection state machine:
// Accepted → Negotiating → Active → Draining → Closed.
type ConnState uint8

const (
	StateAccepted ConnState = iota
	StateNegotiating
	StateActive
	StateDraining
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateNegotiating:
		return "negotiating"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnInfo is a snapshot of a connection's identity.
type ConnInfo struct {
	ID         string
	Version    stream.Version
	RemoteAddr string
	LocalAddr  string
	TLS        bool
	Created    time.Time
}

// ConnContext is the state of one accepted connection. Only the negotiator
// serving the connection changes it; everything else observes.
type ConnContext struct {
	id      string
	remote  string
	local   string
	tls     bool
	created time.Time
	logger  *zap.Logger

	mu        sync.Mutex
	version   stream.Version
	state     ConnState
	owned     map[resource.Handle]struct{}
	nextReq   uint64
	inflight  int
	idle      chan struct{} // closed when inflight drops to zero
	grace     *time.Timer
	drainOnce sync.Once
}

func newConnContext(nc net.Conn, logger *zap.Logger) *ConnContext {
	c := &ConnContext{
		id:      uuid.NewString(),
		created: time.Now(),
		owned:   make(map[resource.Handle]struct{}),
	}
	if a := nc.RemoteAddr(); a != nil {
		c.remote = a.String()
	}
	if a := nc.LocalAddr(); a != nil {
		c.local = a.String()
	}
	_, c.tls = nc.(*tls.Conn)
	c.logger = logger.With(zap.String("conn_id", c.id), zap.String("remote", c.remote))
	return c
}

// ID returns the connection identity.
func (c *ConnContext) ID() string { return c.id }

// Created returns the accept time.
func (c *ConnContext) Created() time.Time { return c.created }

// Version returns the negotiated protocol, VersionUnknown before negotiation.
func (c *ConnContext) Version() stream.Version {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// State returns the current connection state.
func (c *ConnContext) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// InFlight returns the number of exchanges in progress.
func (c *ConnContext) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight
}

// Owned returns the live handles owned by the connection.
func (c *ConnContext) Owned() []resource.Handle {
	c.mu.Lock()
	out := make([]resource.Handle, 0, len(c.owned))
	for h := range c.owned {
		out = append(out, h)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Info returns a snapshot for notifications.
func (c *ConnContext) Info() ConnInfo {
	return ConnInfo{
		ID:         c.id,
		Version:    c.Version(),
		RemoteAddr: c.remote,
		LocalAddr:  c.local,
		TLS:        c.tls,
		Created:    c.created,
	}
}

func (c *ConnContext) setVersion(v stream.Version) {
	c.mu.Lock()
	c.version = v
	c.logger = c.logger.With(zap.String("proto", v.String()))
	c.mu.Unlock()
}

// setState moves forward only; it reports whether the state changed.
func (c *ConnContext) setState(s ConnState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s <= c.state {
		return false
	}
	c.state = s
	return true
}

func (c *ConnContext) log() *zap.Logger {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logger
}

func (c *ConnContext) beginExchange() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextReq++
	c.inflight++
	return c.nextReq
}

func (c *ConnContext) endExchange() {
	c.mu.Lock()
	c.inflight--
	if c.inflight == 0 && c.idle != nil {
		close(c.idle)
		c.idle = nil
	}
	c.mu.Unlock()
}

func (c *ConnContext) own(h resource.Handle) {
	if h.IsZero() {
		return
	}
	c.mu.Lock()
	c.owned[h] = struct{}{}
	c.mu.Unlock()
}

func (c *ConnContext) disown(h resource.Handle) {
	c.mu.Lock()
	delete(c.owned, h)
	c.mu.Unlock()
}

// reap forces every owned resource to Errored and releases it.
func (c *ConnContext) reap(t *resource.Table, cause error) int {
	n := 0
	for _, h := range c.Owned() {
		if t.Reap(h, cause) == nil {
			n++
		}
		c.disown(h)
	}
	return n
}

// waitExchanges waits for in-flight exchanges until timeout. It reports
// whether they all ended.
func (c *ConnContext) waitExchanges(timeout time.Duration) bool {
	c.mu.Lock()
	if c.inflight == 0 {
		c.mu.Unlock()
		return true
	}
	if c.idle == nil {
		c.idle = make(chan struct{})
	}
	done := c.idle
	c.mu.Unlock()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}
