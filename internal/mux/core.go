// Package mux is the connection core: it negotiates the protocol of each
// accepted connection, drives the matching engine, and turns every inbound
// exchange into handle-addressed body resources the host pulls from and
// pushes into.
package mux

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/albertbausili/conduit/internal/compress"
	"github.com/albertbausili/conduit/internal/httperr"
	"github.com/albertbausili/conduit/internal/resource"
	"github.com/albertbausili/conduit/internal/stream"
	"github.com/albertbausili/conduit/internal/upgrade"
)

var (
	// ErrResponseSubmitted is returned by a second SubmitResponse for the
	// same request.
	ErrResponseSubmitted = errors.New("mux: response already submitted")
	// ErrNotReply is returned when a response names a handle that is not
	// the reply handle of a live request.
	ErrNotReply = errors.New("mux: handle is not a reply handle")
	// ErrDrainTimeout is the cause resources are reaped with when a drain
	// outlives its grace period.
	ErrDrainTimeout = errors.New("mux: drain grace period expired")
	// ErrHandlerPanic is the cause a response is aborted with when the host
	// panicked after the head went out.
	ErrHandlerPanic = errors.New("mux: request handler panicked")
)

// Request describes one inbound request. It is immutable once the host
// receives it.
type Request struct {
	ConnID string
	// ID is the per-connection sequence number, starting at 1.
	ID         uint64
	Method     string
	URI        string
	Scheme     string
	Authority  string
	Header     stream.Header
	Proto      stream.Version
	RemoteAddr string
	// Body is the reader handle; zero when the request has no body.
	Body resource.Handle
	// Reply is the writer handle reserved for the response.
	Reply resource.Handle
}

// Response is the head the host submits for a request. Body must be the
// request's Reply handle.
type Response struct {
	Status int
	Header stream.Header
	Body   resource.Handle
}

// Host receives requests. OnRequest may answer synchronously or hand the
// handles to another goroutine and return.
type Host interface {
	OnRequest(ctx context.Context, req *Request)
}

// HostFunc adapts a function to Host.
type HostFunc func(ctx context.Context, req *Request)

// OnRequest calls f(ctx, req).
func (f HostFunc) OnRequest(ctx context.Context, req *Request) { f(ctx, req) }

// Result summarizes a finished exchange.
type Result struct {
	Status   int
	Encoding compress.Encoding
	Upgraded bool
	// Err is the error the response ended with, nil for a complete one.
	Err      error
	Written  int64
	Duration time.Duration
}

// Observer is told about every exchange. ExchangeStarted may return a
// derived context that is passed to the host.
type Observer interface {
	ExchangeStarted(ctx context.Context, req *Request) context.Context
	ExchangeFinished(ctx context.Context, req *Request, res Result)
}

// Config defines the core options. Zero values select the defaults.
type Config struct {
	EnableH1 bool
	EnableH2 bool
	// DetectTimeout bounds the wait for the first bytes of a plain
	// connection. On expiry HTTP/1.1 is assumed.
	DetectTimeout        time.Duration
	ReadHeaderTimeout    time.Duration
	IdleTimeout          time.Duration
	DrainGrace           time.Duration
	MaxHeaderBytes       int
	MaxBodyDrain         int64
	ReadChunkSize        int
	MaxConcurrentStreams uint32
	UpgradeTimeout       time.Duration
	// Compression is nil to disable response compression.
	Compression *compress.Policy
	Logger      *zap.Logger
	// OnConnState is called on Accepted, Draining and Closed. err is the
	// connection-level failure for Closed, nil for a clean close.
	OnConnState func(info ConnInfo, state ConnState, err error)
	Observer    Observer
}

// Defaults.
const (
	DefaultDetectTimeout = 5 * time.Second
	DefaultDrainGrace    = 10 * time.Second
)

// Core owns the exchange registry and implements the host operations.
type Core struct {
	table  *resource.Table
	host   Host
	cfg    Config
	bridge *upgrade.Bridge
	logger *zap.Logger

	mu        sync.Mutex
	exchanges map[resource.Handle]*exchange
	conns     map[*ConnContext]struct{}
}

// New creates a core allocating resources in table and delivering requests
// to host.
func New(table *resource.Table, host Host, cfg Config) *Core {
	if !cfg.EnableH1 && !cfg.EnableH2 {
		cfg.EnableH1, cfg.EnableH2 = true, true
	}
	if cfg.DetectTimeout <= 0 {
		cfg.DetectTimeout = DefaultDetectTimeout
	}
	if cfg.DrainGrace <= 0 {
		cfg.DrainGrace = DefaultDrainGrace
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Core{
		table:     table,
		host:      host,
		cfg:       cfg,
		bridge:    &upgrade.Bridge{Timeout: cfg.UpgradeTimeout},
		logger:    cfg.Logger,
		exchanges: make(map[resource.Handle]*exchange),
		conns:     make(map[*ConnContext]struct{}),
	}
}

// Table returns the resource table.
func (c *Core) Table() *resource.Table { return c.table }

// Conns returns the connections currently served.
func (c *Core) Conns() []*ConnContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*ConnContext, 0, len(c.conns))
	for cc := range c.conns {
		out = append(out, cc)
	}
	return out
}

func (c *Core) register(x *exchange) {
	c.mu.Lock()
	c.exchanges[x.req.Reply] = x
	if !x.req.Body.IsZero() {
		c.exchanges[x.req.Body] = x
	}
	c.mu.Unlock()
}

func (c *Core) unregister(x *exchange) {
	c.mu.Lock()
	delete(c.exchanges, x.req.Reply)
	if !x.req.Body.IsZero() {
		delete(c.exchanges, x.req.Body)
	}
	c.mu.Unlock()
}

// lookup validates h against the table first so stale handles report why.
func (c *Core) lookup(h resource.Handle) (*exchange, resource.Resource, error) {
	res, err := c.table.Get(h)
	if err != nil {
		return nil, nil, err
	}
	c.mu.Lock()
	x := c.exchanges[h]
	c.mu.Unlock()
	return x, res, nil
}

func (c *Core) reader(h resource.Handle) (*resource.Reader, error) {
	res, err := c.table.Get(h)
	if err != nil {
		return nil, err
	}
	r, ok := res.(*resource.Reader)
	if !ok {
		return nil, resource.ErrWrongKind
	}
	return r, nil
}

func (c *Core) writer(h resource.Handle) (*resource.Writer, error) {
	res, err := c.table.Get(h)
	if err != nil {
		return nil, err
	}
	w, ok := res.(*resource.Writer)
	if !ok {
		return nil, resource.ErrWrongKind
	}
	return w, nil
}

// ReadBodyChunk returns the next chunk of a request body. End of stream is
// io.EOF; the call blocks until bytes, end of stream or an error.
func (c *Core) ReadBodyChunk(ctx context.Context, h resource.Handle) ([]byte, error) {
	r, err := c.reader(h)
	if err != nil {
		return nil, err
	}
	return r.ReadChunk(ctx)
}

// SubmitResponse emits the response head for the request whose Reply handle
// is resp.Body. Compression is decided here and installed transparently.
func (c *Core) SubmitResponse(ctx context.Context, resp *Response) error {
	x, res, err := c.lookup(resp.Body)
	if err != nil {
		return err
	}
	w, ok := res.(*resource.Writer)
	if !ok {
		return resource.ErrWrongKind
	}
	if x == nil || x.req.Reply != resp.Body {
		return ErrNotReply
	}
	if !x.submitted.CompareAndSwap(false, true) {
		return ErrResponseSubmitted
	}
	return x.begin(c, w, resp.Status, resp.Header)
}

// WriteBodyChunk frames p onto the response body. It returns once the bytes
// were handed to the transport.
func (c *Core) WriteBodyChunk(ctx context.Context, h resource.Handle, p []byte) error {
	w, err := c.writer(h)
	if err != nil {
		return err
	}
	return w.Write(ctx, p)
}

// FinishBody completes the response body.
func (c *Core) FinishBody(ctx context.Context, h resource.Handle) error {
	w, err := c.writer(h)
	if err != nil {
		return err
	}
	return w.Finish(ctx)
}

// ReleaseHandle drops a handle. Losing a release race is not an error.
// Releasing an unfinished reply truncates the response.
func (c *Core) ReleaseHandle(h resource.Handle) error {
	err := c.table.Release(h)
	if errors.Is(err, resource.ErrAlreadyReleased) {
		return nil
	}
	return err
}

// AttemptUpgrade completes an upgrade handshake for the request owning h
// (its Body or Reply handle). On success the request's handles are released,
// the raw connection moves into the returned channel and the channel is
// registered under its own handle, which Channel.Close also frees. A
// rejection leaves the request untouched.
func (c *Core) AttemptUpgrade(ctx context.Context, h resource.Handle, opts upgrade.Options) (resource.Handle, *upgrade.Channel, error) {
	x, _, err := c.lookup(h)
	if err != nil {
		return 0, nil, err
	}
	if x == nil {
		return 0, nil, ErrNotReply
	}
	ch, err := x.upgrade(ctx, c, opts)
	if err != nil {
		return 0, nil, err
	}
	handle := c.table.Allocate(ch, resource.Meta{ConnID: x.req.ConnID, RequestID: x.req.ID})
	ch.OnClose(func() { _ = c.ReleaseHandle(handle) })
	x.conn.log().Debug("connection upgraded",
		zap.Uint64("request_id", x.req.ID),
		zap.String("protocol", ch.Protocol()),
		zap.Stringer("handle", handle),
	)
	return handle, ch, nil
}

// classify attaches connection identity to engine errors. Host misuse
// errors pass through untouched.
func classify(connID string, reqID uint64) func(error) error {
	return func(err error) error {
		if httperr.KindOf(err) == 0 {
			return err
		}
		return httperr.WithConn(err, connID, reqID)
	}
}
