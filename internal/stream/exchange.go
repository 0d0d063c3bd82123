package stream

import (
	"context"
	"io"
	"net"
)

// Head is the protocol-neutral request head produced by an engine.
type Head struct {
	Method    string
	URI       string // request-target as received
	Scheme    string
	Authority string
	Header    Header
	Proto     Version
	// ContentLength is -1 when the body length is unknown and 0 when the
	// request carries no body.
	ContentLength int64
	RemoteAddr    string
}

// HasBody reports whether the request carries (or may carry) a body.
func (h *Head) HasBody() bool {
	return h.ContentLength != 0
}

// Sink accepts a response head and its body bytes. Engines implement it; the
// core drives it from whichever goroutine the host writes on, one call at a
// time.
type Sink interface {
	// WriteHead emits the status line/HEADERS. The header list is final.
	WriteHead(status int, header Header) error
	// Write frames p as body bytes.
	Write(p []byte) (int, error)
	// Flush pushes buffered bytes to the transport.
	Flush() error
	// Finish terminates the body with a well-formed end of message.
	Finish() error
	// Abort terminates the body early. The peer must observe an explicit
	// truncation, never a hang.
	Abort(err error)
}

// Hijacker hands over the raw transport. Only HTTP/1.1 exchanges provide one.
type Hijacker interface {
	// Hijack detaches the connection from the engine. buffered holds bytes
	// already read past the request head.
	Hijack() (conn net.Conn, buffered []byte, err error)
}

// Exchange is one request/response pair travelling through an engine.
type Exchange struct {
	Head
	// Body is nil for bodiless requests.
	Body     io.ReadCloser
	Sink     Sink
	Hijacker Hijacker
}

// Handler serves exchanges. ServeExchange must not return before the
// response reached a terminal state or the exchange was hijacked.
type Handler interface {
	ServeExchange(ctx context.Context, ex *Exchange)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ex *Exchange)

// ServeExchange calls f(ctx, ex).
func (f HandlerFunc) ServeExchange(ctx context.Context, ex *Exchange) {
	f(ctx, ex)
}
