package mux

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/albertbausili/conduit/internal/compress"
	"github.com/albertbausili/conduit/internal/httperr"
	"github.com/albertbausili/conduit/internal/resource"
	"github.com/albertbausili/conduit/internal/stream"
	"github.com/albertbausili/conduit/internal/upgrade"
)

// exchange ties one engine exchange to the handles given to the host.
type exchange struct {
	core   *Core
	conn   *ConnContext
	ex     *stream.Exchange
	req    *Request
	reader *resource.Reader
	writer *resource.Writer
	wrap   func(error) error
	start  time.Time

	// submitted is claimed by the first SubmitResponse or AttemptUpgrade.
	submitted atomic.Bool

	mu       sync.Mutex
	status   int
	encoding compress.Encoding
	upgraded bool
	detached chan struct{} // closed once the connection left the engine
}

// connHandler is the stream.Handler an engine drives for one connection.
type connHandler struct {
	core *Core
	conn *ConnContext
}

func (h *connHandler) ServeExchange(ctx context.Context, ex *stream.Exchange) {
	c, cc := h.core, h.conn
	id := cc.beginExchange()
	defer cc.endExchange()

	x := &exchange{
		core:     c,
		conn:     cc,
		ex:       ex,
		wrap:     classify(cc.id, id),
		start:    time.Now(),
		detached: make(chan struct{}),
	}
	x.req = &Request{
		ConnID:     cc.id,
		ID:         id,
		Method:     ex.Method,
		URI:        ex.URI,
		Scheme:     ex.Scheme,
		Authority:  ex.Authority,
		Header:     ex.Header,
		Proto:      ex.Proto,
		RemoteAddr: ex.RemoteAddr,
	}
	meta := resource.Meta{ConnID: cc.id, RequestID: id}
	if ex.Body != nil {
		x.reader = resource.NewReader(ex.Body, c.cfg.ReadChunkSize, x.wrap)
		x.req.Body = c.table.Allocate(x.reader, meta)
		cc.own(x.req.Body)
	}
	x.writer = resource.NewWriter(ex.Sink, x.wrap)
	x.req.Reply = c.table.Allocate(x.writer, meta)
	cc.own(x.req.Reply)
	c.register(x)

	hctx := ctx
	if c.cfg.Observer != nil {
		hctx = c.cfg.Observer.ExchangeStarted(ctx, x.req)
	}

	x.dispatch(hctx)

	select {
	case <-x.writer.Done():
	case <-x.detached:
	case <-ctx.Done():
		// The stream or connection went away under the host.
		x.release(x.wrap(context.Cause(ctx)))
	}
	x.release(nil)
	c.unregister(x)

	if c.cfg.Observer != nil {
		c.cfg.Observer.ExchangeFinished(hctx, x.req, x.result())
	}
}

// dispatch hands the request to the host. A panic before the head went out
// becomes a 500; after that the response is aborted.
func (x *exchange) dispatch(ctx context.Context) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		x.conn.log().Error("request handler panicked",
			zap.Uint64("request_id", x.req.ID),
			zap.Any("panic", r),
			zap.Stack("stack"),
		)
		if !x.submitted.CompareAndSwap(false, true) {
			x.writer.Terminate(ErrHandlerPanic)
			return
		}
		x.setStatus(http.StatusInternalServerError, "")
		if err := x.writer.Start(http.StatusInternalServerError, stream.Header{{"content-length", "0"}}, nil); err != nil {
			return
		}
		_ = x.writer.Finish(context.Background())
	}()
	x.core.host.OnRequest(ctx, x.req)
}

func (x *exchange) setStatus(status int, enc compress.Encoding) {
	x.mu.Lock()
	x.status = status
	x.encoding = enc
	x.mu.Unlock()
}

// begin runs the compression pipeline and emits the head.
func (x *exchange) begin(c *Core, w *resource.Writer, status int, header stream.Header) error {
	var enc resource.EncoderFunc
	var chosen compress.Encoding
	if p := c.cfg.Compression; p != nil {
		d := p.Decide(x.req.Method, status, header, x.req.Header.Get("accept-encoding"))
		if d.Compress() {
			header = compress.Rewrite(header, d.Encoding)
			enc = p.EncoderFunc(d.Encoding)
			chosen = d.Encoding
		}
	}
	x.setStatus(status, chosen)
	return w.Start(status, header, enc)
}

// upgrade claims the exchange and runs the handshake. A rejection releases
// the claim so an ordinary response can still be submitted.
func (x *exchange) upgrade(ctx context.Context, c *Core, opts upgrade.Options) (*upgrade.Channel, error) {
	if !x.submitted.CompareAndSwap(false, true) {
		return nil, httperr.New(httperr.KindUpgradeRejected, "upgrade", ErrResponseSubmitted)
	}
	ch, err := c.bridge.Attempt(ctx, x.ex, opts)
	if err != nil {
		if httperr.KindOf(err) == httperr.KindUpgradeRejected {
			x.submitted.Store(false)
			return nil, x.wrap(err)
		}
		// The connection was detached but the handshake did not go out.
		err = x.wrap(err)
		x.release(err)
		x.detach(false)
		return nil, err
	}
	x.detach(true)
	x.release(nil)
	return ch, nil
}

func (x *exchange) detach(upgraded bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	select {
	case <-x.detached:
		return
	default:
	}
	x.upgraded = upgraded
	if upgraded {
		x.status = http.StatusSwitchingProtocols
	}
	close(x.detached)
}

// release drops the request's handles. A nil cause closes them, truncating
// an unfinished response.
func (x *exchange) release(cause error) {
	for _, h := range [...]resource.Handle{x.req.Body, x.req.Reply} {
		if h.IsZero() {
			continue
		}
		_ = x.core.table.ReleaseWithCause(h, cause)
		x.conn.disown(h)
	}
}

func (x *exchange) result() Result {
	x.mu.Lock()
	res := Result{
		Status:   x.status,
		Encoding: x.encoding,
		Upgraded: x.upgraded,
		Written:  x.writer.Written(),
		Duration: time.Since(x.start),
	}
	x.mu.Unlock()
	switch {
	case res.Upgraded:
	case x.writer.Err() != nil:
		res.Err = x.writer.Err()
	case !x.writer.Complete():
		res.Err = resource.ErrTruncated
	}
	return res
}
