package h1

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/albertbausili/conduit/internal/httperr"
	"github.com/albertbausili/conduit/internal/stream"
)

// serverConn is one HTTP/1.1 connection. Exchanges run strictly one after
// another: the next head is not read before the previous response settled.
type serverConn struct {
	nc      net.Conn
	br      *bufio.Reader
	rw      *ResponseWriter
	parser  *Parser
	handler stream.Handler
	cfg     Config
	logger  *zap.Logger
	remote  string

	draining atomic.Bool
	hijacked atomic.Bool

	stateMu sync.Mutex
	idle    bool

	// Background read watching for the peer going away while the core
	// works on a bodiless request.
	bgMu       sync.Mutex
	bgDone     chan struct{}
	bgStopping atomic.Bool
	lost       atomic.Pointer[httperr.Error]
}

func newServerConn(nc net.Conn, br *bufio.Reader, h stream.Handler, cfg Config) *serverConn {
	c := &serverConn{
		nc:      nc,
		br:      br,
		parser:  NewParser(),
		handler: h,
		cfg:     cfg,
		logger:  cfg.Logger,
	}
	if addr := nc.RemoteAddr(); addr != nil {
		c.remote = addr.String()
	}
	c.rw = newResponseWriter(c, bufio.NewWriterSize(nc, 4096))
	return c
}

// beginDrain stops accepting new requests. An idle wait is interrupted.
func (c *serverConn) beginDrain() {
	c.draining.Store(true)
	c.stateMu.Lock()
	if c.idle {
		_ = c.nc.SetReadDeadline(aLongTimeAgo)
	}
	c.stateMu.Unlock()
}

func (c *serverConn) writeDeadline() time.Time {
	return time.Time{}
}

func (c *serverConn) serve(ctx context.Context) error {
	for {
		c.stateMu.Lock()
		if c.draining.Load() {
			c.stateMu.Unlock()
			return nil
		}
		c.idle = true
		if c.cfg.IdleTimeout > 0 {
			_ = c.nc.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))
		} else {
			_ = c.nc.SetReadDeadline(time.Time{})
		}
		c.stateMu.Unlock()

		_, err := c.br.Peek(1)

		c.stateMu.Lock()
		c.idle = false
		draining := c.draining.Load()
		if err == nil && !draining {
			if c.cfg.ReadHeaderTimeout > 0 {
				_ = c.nc.SetReadDeadline(time.Now().Add(c.cfg.ReadHeaderTimeout))
			} else {
				_ = c.nc.SetReadDeadline(time.Time{})
			}
		}
		c.stateMu.Unlock()

		if draining {
			return nil
		}
		if err != nil {
			return idleErr(err)
		}

		req, err := c.readRequest()
		if err != nil {
			return c.reject(err)
		}
		_ = c.nc.SetReadDeadline(time.Time{})

		keep, err := c.serveExchange(ctx, req)
		if err != nil {
			return err
		}
		if !keep {
			return nil
		}
	}
}

// idleErr maps the error that ended an idle wait. The peer leaving or the
// idle timeout firing is a clean close.
func idleErr(err error) error {
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, os.ErrDeadlineExceeded):
		return nil
	}
	return httperr.Transport("read request", err)
}

func (c *serverConn) readRequest() (*Request, error) {
	head, err := readHead(c.br, c.cfg.MaxHeaderBytes)
	if err != nil {
		return nil, err
	}
	req := &Request{}
	c.parser.Reset(head)
	n, err := c.parser.ParseRequest(req)
	if err != nil {
		return nil, httperr.Protocol("parse request", err)
	}
	if n == 0 {
		return nil, httperr.Protocol("parse request", errors.New("incomplete request head"))
	}
	return req, nil
}

// reject answers a request that never reached the core.
func (c *serverConn) reject(err error) error {
	if httperr.KindOf(err) != httperr.KindProtocol {
		return httperr.Transport("read request", err)
	}
	status := 400
	switch {
	case errors.Is(err, ErrHeadTooLarge):
		status = 431
	case errors.Is(err, ErrUnsupportedVersion):
		status = 505
	case errors.Is(err, ErrUnsupportedCoding):
		status = 501
	}
	c.logger.Debug("rejecting request",
		zap.String("remote", c.remote),
		zap.Int("status", status),
		zap.Error(err),
	)
	_ = c.nc.SetWriteDeadline(time.Now().Add(time.Second))
	_ = c.rw.writeError(stream.HTTP11, status)
	return err
}

// authority derives the request authority: the host of an absolute-form
// target wins over the Host header.
func authority(req *Request) string {
	if i := strings.Index(req.Target, "://"); i > 0 && !strings.HasPrefix(req.Target, "/") {
		rest := req.Target[i+3:]
		if j := strings.IndexByte(rest, '/'); j >= 0 {
			rest = rest[:j]
		}
		return rest
	}
	return req.Host
}

func (c *serverConn) serveExchange(ctx context.Context, req *Request) (bool, error) {
	keepAlive := req.KeepAlive && !c.draining.Load()
	c.rw.reset(req, keepAlive)

	ex := &stream.Exchange{
		Head: stream.Head{
			Method:        req.Method,
			URI:           req.Target,
			Scheme:        c.cfg.Scheme,
			Authority:     authority(req),
			Header:        req.Header,
			Proto:         req.Version,
			ContentLength: req.ContentLength,
			RemoteAddr:    c.remote,
		},
		Sink: c.rw,
	}
	var b *body
	if req.ContentLength != 0 {
		b = newBody(c, req)
		ex.Body = b
	}
	if req.Version == stream.HTTP11 {
		ex.Hijacker = c
	}

	exCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if b == nil {
		c.startBackgroundRead(cancel)
	}

	c.handler.ServeExchange(exCtx, ex)

	if c.hijacked.Load() {
		return false, ErrHijacked
	}
	c.stopBackgroundRead()

	out, err := c.rw.settle()
	drained := true
	if b != nil {
		drained = b.detach(c.cfg.MaxBodyDrain)
	}
	if err != nil {
		return false, err
	}
	if lost := c.lost.Load(); lost != nil {
		return false, lost
	}
	if out == outcomeTruncated {
		c.logger.Debug("closing connection after truncated response", zap.String("remote", c.remote))
	}
	return out == outcomeComplete && drained && !c.draining.Load(), nil
}

func (c *serverConn) startBackgroundRead(cancel context.CancelCauseFunc) {
	c.bgMu.Lock()
	defer c.bgMu.Unlock()
	done := make(chan struct{})
	c.bgDone = done
	go func() {
		defer close(done)
		if _, err := c.br.Peek(1); err != nil && !c.bgStopping.Load() {
			lost := httperr.Transport("read", err)
			c.lost.Store(lost)
			cancel(lost)
		}
	}()
}

func (c *serverConn) stopBackgroundRead() {
	c.bgMu.Lock()
	defer c.bgMu.Unlock()
	if c.bgDone == nil {
		return
	}
	c.bgStopping.Store(true)
	_ = c.nc.SetReadDeadline(aLongTimeAgo)
	<-c.bgDone
	c.bgDone = nil
	c.bgStopping.Store(false)
	_ = c.nc.SetReadDeadline(time.Time{})
}

// Hijack implements stream.Hijacker.
func (c *serverConn) Hijack() (net.Conn, []byte, error) {
	c.rw.mu.Lock()
	defer c.rw.mu.Unlock()

	if c.rw.headSent {
		return nil, nil, errors.New("h1: response already started")
	}
	if err := c.rw.check(); err != nil {
		return nil, nil, err
	}
	if c.hijacked.Load() {
		return nil, nil, errors.New("h1: connection already hijacked")
	}
	c.stopBackgroundRead()
	if lost := c.lost.Load(); lost != nil {
		return nil, nil, lost
	}
	if err := c.rw.bw.Flush(); err != nil {
		return nil, nil, httperr.Transport("hijack", err)
	}
	c.hijacked.Store(true)
	_ = c.nc.SetDeadline(time.Time{})

	var buffered []byte
	if n := c.br.Buffered(); n > 0 {
		p, _ := c.br.Peek(n)
		buffered = append([]byte(nil), p...)
	}
	return c.nc, buffered, nil
}
