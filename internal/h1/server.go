package h1

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/albertbausili/conduit/internal/httperr"
	"github.com/albertbausili/conduit/internal/stream"
)

// ErrHijacked is returned by ServeConn when the connection was handed over
// through Hijack. The caller must not close it.
var ErrHijacked = errors.New("h1: connection hijacked")

// Defaults applied by ServeConn when Config leaves them zero.
const (
	DefaultMaxHeaderBytes = 1 << 20
	DefaultMaxBodyDrain   = 256 << 10
)

// Config defines the per-connection HTTP/1.1 engine options.
type Config struct {
	// Scheme is reported on every exchange ("http" or "https").
	Scheme            string
	MaxHeaderBytes    int
	ReadHeaderTimeout time.Duration
	// IdleTimeout bounds the wait for the next request on a kept-alive
	// connection. Zero waits forever.
	IdleTimeout time.Duration
	// MaxBodyDrain is how many unread request body bytes are discarded to
	// keep a connection reusable.
	MaxBodyDrain int64
	Logger       *zap.Logger
}

// ServeConn runs the HTTP/1.1 engine on nc until the peer goes away, a
// request asks to close, or the connection is hijacked. br may hold bytes
// already read from nc during protocol detection; nil allocates a reader.
// Cancelling ctx drains: the in-flight exchange completes, idle waits end.
//
// A clean close returns nil. Malformed requests are answered with a 4xx/5xx
// status and reported as protocol errors.
func ServeConn(ctx context.Context, nc net.Conn, br *bufio.Reader, h stream.Handler, cfg Config) error {
	if cfg.MaxHeaderBytes <= 0 {
		cfg.MaxHeaderBytes = DefaultMaxHeaderBytes
	}
	if cfg.MaxBodyDrain <= 0 {
		cfg.MaxBodyDrain = DefaultMaxBodyDrain
	}
	if cfg.Scheme == "" {
		cfg.Scheme = "http"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if br == nil {
		br = bufio.NewReaderSize(nc, 4096)
	}

	c := newServerConn(nc, br, h, cfg)
	stop := context.AfterFunc(ctx, c.beginDrain)
	defer stop()
	return c.serve(context.WithoutCancel(ctx))
}

// readHead reads one request head terminated by an empty line, skipping
// empty lines that precede it.
func readHead(br *bufio.Reader, limit int) ([]byte, error) {
	var head []byte
	for {
		frag, err := br.ReadSlice('\n')
		if len(head)+len(frag) > limit {
			return nil, httperr.Protocol("read request", ErrHeadTooLarge)
		}
		head = append(head, frag...)
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil {
			if err == io.EOF && len(head) > 0 {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if !bytes.HasSuffix(head, bCRLF) {
			return nil, httperr.Protocol("read request", errors.New("bare LF line terminator"))
		}
		if len(head) == 2 {
			head = head[:0]
			continue
		}
		if bytes.HasSuffix(head, []byte("\r\n\r\n")) {
			return head, nil
		}
	}
}
