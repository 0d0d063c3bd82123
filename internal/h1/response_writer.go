package h1

import (
	"bufio"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"golang.org/x/net/http/httpguts"

	"github.com/albertbausili/conduit/internal/date"
	"github.com/albertbausili/conduit/internal/httperr"
	"github.com/albertbausili/conduit/internal/stream"
)

// Response framing errors.
var (
	ErrHeadWritten    = errors.New("h1: response head already written")
	ErrBodyNotAllowed = errors.New("h1: response status does not allow a body")
	ErrContentLength  = errors.New("h1: body exceeds declared content-length")
	ErrShortBody      = errors.New("h1: body shorter than declared content-length")
	ErrAborted        = errors.New("h1: response aborted")
	ErrInformational  = errors.New("h1: informational responses are sent by the engine")
	errNoHead         = errors.New("h1: response head not written")
)

// Pre-allocated wire fragments.
var (
	statusLine200       = []byte("HTTP/1.1 200 OK\r\n")
	headerContentLength = []byte("content-length: ")
	headerConnection    = []byte("connection: ")
	headerDate          = []byte("date: ")
	headerChunked       = []byte("transfer-encoding: chunked\r\n")
	headerKeepAlive     = []byte("keep-alive\r\n")
	headerClose         = []byte("close\r\n")
	headerSep           = []byte(": ")
	crlf                = []byte("\r\n")
	chunkEnd            = []byte("0\r\n\r\n")
	continueLine        = []byte("HTTP/1.1 100 Continue\r\n\r\n")

	// Buffer pool for head assembly
	headBufferPool = sync.Pool{
		New: func() any {
			b := make([]byte, 0, 1024)
			return &b
		},
	}
)

// hopHeaders are owned by the engine; values set by the host are dropped.
var hopHeaders = map[string]bool{
	"connection":        true,
	"keep-alive":        true,
	"transfer-encoding": true,
	"upgrade":           true,
	"proxy-connection":  true,
	"te":                true,
	"trailer":           true,
}

// ResponseWriter frames one response at a time onto a connection. It
// implements stream.Sink.
type ResponseWriter struct {
	bw *bufio.Writer
	c  *serverConn

	mu          sync.Mutex
	method      string
	proto       stream.Version
	keepAlive   bool
	headSent    bool
	chunked     bool
	bodyAllowed bool
	discard     bool  // HEAD: body bytes are accepted and dropped
	remaining   int64 // -1 when not bounded by content-length
	finished    bool
	err         error // first write failure

	aborted atomic.Bool
}

func newResponseWriter(c *serverConn, bw *bufio.Writer) *ResponseWriter {
	return &ResponseWriter{c: c, bw: bw}
}

// reset prepares the writer for the next request.
func (w *ResponseWriter) reset(req *Request, keepAlive bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.method = req.Method
	w.proto = req.Version
	w.keepAlive = keepAlive
	w.headSent = false
	w.chunked = false
	w.bodyAllowed = false
	w.discard = false
	w.remaining = -1
	w.finished = false
	w.err = nil
	w.aborted.Store(false)
}

func (w *ResponseWriter) fail(op string, err error) error {
	if w.err == nil {
		w.err = httperr.Transport(op, err)
	}
	return w.err
}

func (w *ResponseWriter) check() error {
	if w.aborted.Load() {
		return ErrAborted
	}
	return w.err
}

// WriteHead implements stream.Sink.
func (w *ResponseWriter) WriteHead(status int, header stream.Header) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.check(); err != nil {
		return err
	}
	if w.headSent {
		return ErrHeadWritten
	}
	if status < 200 || status > 999 {
		if status >= 100 && status < 200 {
			return ErrInformational
		}
		return fmt.Errorf("h1: invalid status code %d", status)
	}
	for _, kv := range header {
		if !httpguts.ValidHeaderFieldName(kv[0]) || !httpguts.ValidHeaderFieldValue(kv[1]) {
			return fmt.Errorf("h1: invalid response header %q", kv[0])
		}
	}

	w.bodyAllowed = status != http.StatusNoContent && status != http.StatusNotModified
	w.discard = w.method == http.MethodHead
	n, hasLength := header.ContentLength()
	switch {
	case !w.bodyAllowed || w.discard:
	case hasLength:
		w.remaining = n
	case w.proto == stream.HTTP11:
		w.chunked = true
	default:
		// HTTP/1.0 without a length: the body ends when the connection does.
		w.keepAlive = false
	}
	if w.c.draining.Load() {
		w.keepAlive = false
	}

	bufPtr := headBufferPool.Get().(*[]byte)
	buf := (*bufPtr)[:0]

	if status == 200 && w.proto == stream.HTTP11 {
		buf = append(buf, statusLine200...)
	} else {
		if w.proto == stream.HTTP10 {
			buf = append(buf, "HTTP/1.0 "...)
		} else {
			buf = append(buf, "HTTP/1.1 "...)
		}
		buf = strconv.AppendInt(buf, int64(status), 10)
		buf = append(buf, ' ')
		buf = append(buf, statusText(status)...)
		buf = append(buf, crlf...)
	}

	hasDate := false
	for _, kv := range header {
		name := kv[0]
		if hopHeaders[name] {
			continue
		}
		switch name {
		case "date":
			hasDate = true
		case "content-length":
			if !w.bodyAllowed && status != http.StatusNotModified {
				continue
			}
		}
		buf = append(buf, name...)
		buf = append(buf, headerSep...)
		buf = append(buf, kv[1]...)
		buf = append(buf, crlf...)
	}
	if !hasDate {
		buf = append(buf, headerDate...)
		buf = append(buf, date.Current()...)
		buf = append(buf, crlf...)
	}
	if w.chunked {
		buf = append(buf, headerChunked...)
	}

	buf = append(buf, headerConnection...)
	if w.keepAlive {
		buf = append(buf, headerKeepAlive...)
	} else {
		buf = append(buf, headerClose...)
	}
	buf = append(buf, crlf...)

	_, err := w.bw.Write(buf)
	if cap(buf) <= 64<<10 {
		*bufPtr = buf[:0]
		headBufferPool.Put(bufPtr)
	}
	w.headSent = true
	if err != nil {
		return w.fail("write head", err)
	}
	return nil
}

// Write implements stream.Sink.
func (w *ResponseWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.check(); err != nil {
		return 0, err
	}
	if !w.headSent {
		return 0, errNoHead
	}
	if w.finished {
		return 0, ErrAborted
	}
	if w.discard {
		return len(p), nil
	}
	if !w.bodyAllowed {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, ErrBodyNotAllowed
	}
	if len(p) == 0 {
		return 0, nil
	}

	var tooLong bool
	if w.remaining >= 0 && int64(len(p)) > w.remaining {
		p = p[:w.remaining]
		tooLong = true
	}
	if w.chunked {
		var tmp [20]byte
		b := strconv.AppendInt(tmp[:0], int64(len(p)), 16)
		b = append(b, crlf...)
		if _, err := w.bw.Write(b); err != nil {
			return 0, w.fail("write chunk", err)
		}
	}
	n, err := w.bw.Write(p)
	if err != nil {
		return n, w.fail("write body", err)
	}
	if w.chunked {
		if _, err := w.bw.Write(crlf); err != nil {
			return n, w.fail("write chunk", err)
		}
	}
	if w.remaining >= 0 {
		w.remaining -= int64(n)
	}
	if tooLong {
		return n, ErrContentLength
	}
	return n, nil
}

// Flush implements stream.Sink.
func (w *ResponseWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.check(); err != nil {
		return err
	}
	if err := w.bw.Flush(); err != nil {
		return w.fail("flush", err)
	}
	return nil
}

// Finish implements stream.Sink.
func (w *ResponseWriter) Finish() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.check(); err != nil {
		return err
	}
	if !w.headSent {
		return errNoHead
	}
	if w.finished {
		return nil
	}
	if !w.discard && w.bodyAllowed && w.remaining > 0 {
		return ErrShortBody
	}
	if w.chunked {
		if _, err := w.bw.Write(chunkEnd); err != nil {
			return w.fail("write chunk", err)
		}
	}
	if err := w.bw.Flush(); err != nil {
		return w.fail("flush", err)
	}
	w.finished = true
	return nil
}

// Abort implements stream.Sink. It never blocks: a write stuck on the socket
// is interrupted through the write deadline and the engine closes the
// connection once the exchange returns.
func (w *ResponseWriter) Abort(error) {
	// After a hijack the connection belongs to someone else.
	if w.c.hijacked.Load() || w.aborted.Swap(true) {
		return
	}
	_ = w.c.nc.SetWriteDeadline(aLongTimeAgo)
}

// writeContinue sends "100 Continue" unless the response already started.
func (w *ResponseWriter) writeContinue() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.headSent || w.aborted.Load() {
		return nil
	}
	if _, err := w.bw.Write(continueLine); err != nil {
		return w.fail("write 100 continue", err)
	}
	if err := w.bw.Flush(); err != nil {
		return w.fail("write 100 continue", err)
	}
	return nil
}

// outcome describes how the exchange left the connection.
type outcome int

const (
	outcomeComplete  outcome = iota // well-formed response, connection reusable if keep-alive
	outcomeClose                    // well-formed response, connection must close
	outcomeTruncated                // body cut short; closing is the abort signal
)

// settle finalizes the response after the core is done with it. A response
// that never started gets a 500.
func (w *ResponseWriter) settle() (outcome, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch {
	case w.err != nil:
		return outcomeTruncated, w.err
	case w.finished && !w.aborted.Load():
		if !w.keepAlive {
			return outcomeClose, nil
		}
		return outcomeComplete, nil
	case w.headSent:
		return outcomeTruncated, nil
	}

	// Nothing reached the wire yet: answer with an empty 500.
	_ = w.c.nc.SetWriteDeadline(w.c.writeDeadline())
	buf := make([]byte, 0, 128)
	if w.proto == stream.HTTP10 {
		buf = append(buf, "HTTP/1.0 500 "...)
	} else {
		buf = append(buf, "HTTP/1.1 500 "...)
	}
	buf = append(buf, statusText(500)...)
	buf = append(buf, crlf...)
	buf = append(buf, headerContentLength...)
	buf = append(buf, '0')
	buf = append(buf, crlf...)
	buf = append(buf, headerDate...)
	buf = append(buf, date.Current()...)
	buf = append(buf, crlf...)
	buf = append(buf, headerConnection...)
	buf = append(buf, headerClose...)
	buf = append(buf, crlf...)
	if _, err := w.bw.Write(buf); err != nil {
		return outcomeTruncated, w.fail("write 500", err)
	}
	if err := w.bw.Flush(); err != nil {
		return outcomeTruncated, w.fail("write 500", err)
	}
	return outcomeClose, nil
}

// writeError sends a complete error response and asks for the connection to
// close. Used for requests that never reach the core.
func (w *ResponseWriter) writeError(proto stream.Version, status int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	text := statusText(status)
	buf := make([]byte, 0, 160)
	if proto == stream.HTTP10 {
		buf = append(buf, "HTTP/1.0 "...)
	} else {
		buf = append(buf, "HTTP/1.1 "...)
	}
	buf = strconv.AppendInt(buf, int64(status), 10)
	buf = append(buf, ' ')
	buf = append(buf, text...)
	buf = append(buf, crlf...)
	buf = append(buf, "content-type: text/plain; charset=utf-8\r\n"...)
	buf = append(buf, headerContentLength...)
	buf = strconv.AppendInt(buf, int64(len(text)), 10)
	buf = append(buf, crlf...)
	buf = append(buf, headerConnection...)
	buf = append(buf, headerClose...)
	buf = append(buf, crlf...)
	buf = append(buf, text...)
	if _, err := w.bw.Write(buf); err != nil {
		return err
	}
	return w.bw.Flush()
}

// statusText returns the reason phrase for code.
func statusText(code int) string {
	if code == 200 {
		return "OK"
	}
	if s := http.StatusText(code); s != "" {
		return s
	}
	return "Status " + strconv.Itoa(code)
}
