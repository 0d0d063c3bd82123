package mux

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/albertbausili/conduit/internal/h1"
	"github.com/albertbausili/conduit/internal/h2"
	"github.com/albertbausili/conduit/internal/httperr"
	"github.com/albertbausili/conduit/internal/stream"
)

const (
	// http2Preface opens every prior-knowledge HTTP/2 connection.
	http2Preface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"
	// maxMethodLen bounds the token scan before HTTP/1.1 is assumed.
	maxMethodLen = 16
)

var (
	errH2Disabled = errors.New("HTTP/2 is disabled")
	errH1Disabled = errors.New("HTTP/1.1 is disabled")
)

// knownMethods are the request-line prefixes recognized during detection.
var knownMethods = [...]string{"GET ", "HEAD ", "POST ", "PUT ", "PATCH ", "DELETE ", "OPTIONS ", "TRACE ", "CONNECT "}

const badRequest = "HTTP/1.1 400 Bad Request\r\n" +
	"Content-Type: text/plain\r\n" +
	"Content-Length: 11\r\n" +
	"Connection: close\r\n" +
	"\r\n" +
	"Bad Request"

// verdict is the outcome of sniffing the first bytes of a connection.
type verdict uint8

const (
	undecided verdict = iota
	sniffH2
	sniffMethod
	sniffOther
)

// sniff classifies the connection prefix buf. Anything that leaves the
// HTTP/2 preface is HTTP/1.1 territory; the engine answers garbage itself.
func sniff(buf []byte) verdict {
	if len(buf) == 0 {
		return undecided
	}
	n := min(len(buf), len(http2Preface))
	if bytes.Equal(buf[:n], []byte(http2Preface[:n])) {
		if n == len(http2Preface) {
			return sniffH2
		}
		return undecided
	}
	for _, m := range knownMethods {
		if bytes.HasPrefix(buf, []byte(m)) {
			return sniffMethod
		}
	}
	for i, b := range buf {
		switch {
		case b == ' ' && i > 0:
			// An extension method.
			return sniffMethod
		case !isTokenChar(b):
			return sniffOther
		}
	}
	if len(buf) > maxMethodLen {
		return sniffOther
	}
	return undecided
}

func isTokenChar(b byte) bool {
	switch {
	case 'a' <= b && b <= 'z', 'A' <= b && b <= 'Z', '0' <= b && b <= '9':
		return true
	}
	switch b {
	case '!', '#', '$', '%', '&', '\'', '*', '+', '-', '.', '^', '_', '`', '|', '~':
		return true
	}
	return false
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// detect peeks at the first bytes of a plain connection. io.EOF means the
// peer closed before sending anything.
func (c *Core) detect(nc net.Conn, br *bufio.Reader) (stream.Version, error) {
	_ = nc.SetReadDeadline(time.Now().Add(c.cfg.DetectTimeout))
	defer func() { _ = nc.SetReadDeadline(time.Time{}) }()

	want := 1
	for {
		buf, err := br.Peek(want)
		if n := br.Buffered(); n > len(buf) {
			buf, _ = br.Peek(n)
		}
		switch sniff(buf) {
		case sniffH2:
			return stream.HTTP2, nil
		case sniffMethod:
			return stream.HTTP11, nil
		case sniffOther:
			c.logger.Debug("unrecognized connection prefix, assuming HTTP/1.1",
				zap.ByteString("prefix", buf[:min(len(buf), maxMethodLen)]))
			return stream.HTTP11, nil
		}
		if err != nil {
			switch {
			case len(buf) == 0 && (errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)):
				return stream.VersionUnknown, io.EOF
			case isTimeout(err), errors.Is(err, io.EOF):
				// Ambiguous or silent peers default to HTTP/1.1.
				return stream.HTTP11, nil
			}
			return stream.VersionUnknown, httperr.Transport("detect protocol", err)
		}
		want = len(buf) + 1
	}
}

// negotiate picks the version for nc. TLS connections complete their
// handshake and follow ALPN; plain ones are sniffed.
func (c *Core) negotiate(ctx context.Context, nc net.Conn, br *bufio.Reader, forced stream.Version) (stream.Version, error) {
	if tc, ok := nc.(*tls.Conn); ok {
		hctx, cancel := context.WithTimeout(ctx, c.cfg.DetectTimeout)
		defer cancel()
		if err := tc.HandshakeContext(hctx); err != nil {
			return stream.VersionUnknown, httperr.Transport("tls handshake", err)
		}
		if forced != stream.VersionUnknown {
			return forced, nil
		}
		if tc.ConnectionState().NegotiatedProtocol == "h2" {
			return stream.HTTP2, nil
		}
		return stream.HTTP11, nil
	}
	if forced != stream.VersionUnknown {
		return forced, nil
	}
	return c.detect(nc, br)
}

// ServeConn negotiates the protocol spoken on nc and serves it until the
// peer goes away. Cancelling ctx drains the connection: no new requests are
// taken, in-flight ones get DrainGrace to finish before their resources are
// reaped. nc is closed on return unless it was upgraded.
func (c *Core) ServeConn(ctx context.Context, nc net.Conn) error {
	return c.serve(ctx, nc, stream.VersionUnknown)
}

// ServeConnVersion is ServeConn for a connection whose protocol is already
// known, such as one accepted behind an ALPN-aware terminator.
func (c *Core) ServeConnVersion(ctx context.Context, nc net.Conn, v stream.Version) error {
	return c.serve(ctx, nc, v)
}

func (c *Core) serve(ctx context.Context, nc net.Conn, forced stream.Version) (err error) {
	cc := newConnContext(nc, c.logger)
	c.track(cc, true)
	defer c.track(cc, false)
	c.notify(cc, StateAccepted, nil)
	cc.setState(StateNegotiating)

	hijacked := false
	defer func() {
		c.finish(cc, nc, hijacked, err)
	}()

	br := bufio.NewReaderSize(nc, 4096)
	v, err := c.negotiate(ctx, nc, br, forced)
	if err != nil {
		if errors.Is(err, io.EOF) {
			// Closed before the first byte.
			return nil
		}
		return err
	}
	switch {
	case v == stream.HTTP2 && !c.cfg.EnableH2:
		_ = nc.SetWriteDeadline(time.Now().Add(c.cfg.DetectTimeout))
		_, _ = io.WriteString(nc, badRequest)
		return httperr.Protocol("negotiate", errH2Disabled)
	case v != stream.HTTP2 && !c.cfg.EnableH1:
		if forced != stream.VersionUnknown {
			return httperr.Protocol("negotiate", errH1Disabled)
		}
		// The HTTP/2 engine answers a missing preface with GOAWAY.
		v = stream.HTTP2
	}
	cc.setVersion(v)
	cc.setState(StateActive)
	cc.log().Debug("connection negotiated")

	stop := context.AfterFunc(ctx, func() { c.drain(cc, true) })
	defer stop()

	scheme := "http"
	if cc.tls {
		scheme = "https"
	}
	h := &connHandler{core: c, conn: cc}
	if v == stream.HTTP2 {
		err = h2.ServeConn(ctx, nc, br, h, h2.Config{
			Scheme:               scheme,
			MaxConcurrentStreams: c.cfg.MaxConcurrentStreams,
			IdleTimeout:          c.cfg.IdleTimeout,
			MaxHeaderBytes:       c.cfg.MaxHeaderBytes,
			Logger:               cc.log(),
		})
	} else {
		err = h1.ServeConn(ctx, nc, br, h, h1.Config{
			Scheme:            scheme,
			MaxHeaderBytes:    c.cfg.MaxHeaderBytes,
			ReadHeaderTimeout: c.cfg.ReadHeaderTimeout,
			IdleTimeout:       c.cfg.IdleTimeout,
			MaxBodyDrain:      c.cfg.MaxBodyDrain,
			Logger:            cc.log(),
		})
	}
	if errors.Is(err, h1.ErrHijacked) {
		hijacked = true
		err = nil
	}
	if err != nil {
		err = httperr.WithConn(err, cc.id, 0)
		// Connection-level failures error every resource still owned.
		if n := cc.reap(c.table, err); n > 0 {
			cc.log().Debug("errored resources after connection failure", zap.Int("count", n))
		}
	}
	return err
}

// drain moves cc to Draining once. With grace set, resources still owned
// after DrainGrace are reaped.
func (c *Core) drain(cc *ConnContext, grace bool) {
	cc.drainOnce.Do(func() {
		if !cc.setState(StateDraining) {
			return
		}
		c.notify(cc, StateDraining, nil)
		if !grace {
			return
		}
		t := time.AfterFunc(c.cfg.DrainGrace, func() { c.reapDrain(cc) })
		cc.mu.Lock()
		cc.grace = t
		cc.mu.Unlock()
	})
}

func (c *Core) reapDrain(cc *ConnContext) {
	if n := cc.reap(c.table, httperr.Transport("drain", ErrDrainTimeout)); n > 0 {
		cc.log().Warn("drain grace period expired, resources reaped", zap.Int("count", n))
	}
}

// finish waits for the remaining exchanges, closes nc and reports Closed.
func (c *Core) finish(cc *ConnContext, nc net.Conn, hijacked bool, err error) {
	if cc.State() == StateActive {
		c.drain(cc, false)
	}
	if !cc.waitExchanges(c.cfg.DrainGrace) {
		c.reapDrain(cc)
	}
	cc.mu.Lock()
	if cc.grace != nil {
		cc.grace.Stop()
	}
	cc.mu.Unlock()

	if !hijacked {
		_ = nc.Close()
	}
	cc.setState(StateClosed)
	if err != nil {
		cc.log().Debug("connection closed with error", zap.Error(err))
	} else {
		cc.log().Debug("connection closed")
	}
	c.notify(cc, StateClosed, err)
}

func (c *Core) notify(cc *ConnContext, s ConnState, err error) {
	if fn := c.cfg.OnConnState; fn != nil {
		fn(cc.Info(), s, err)
	}
}

func (c *Core) track(cc *ConnContext, add bool) {
	c.mu.Lock()
	if add {
		c.conns[cc] = struct{}{}
	} else {
		delete(c.conns, cc)
	}
	c.mu.Unlock()
}
