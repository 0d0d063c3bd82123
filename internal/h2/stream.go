package h2

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
)

var errBodyClosed = errors.New("h2: read on closed request body")

// serverStream is one client-initiated stream. Fields below mu-guarded are
// protected by serverConn.mu.
type serverStream struct {
	sc     *serverConn
	id     uint32
	ctx    context.Context
	cancel context.CancelCauseFunc
	body   *requestBody
	sink   *sink

	// Owned by the serve loop.
	declared int64 // content-length, -1 when absent
	received int64

	// Guarded by serverConn.mu.
	sendWindow  int64
	recvWindow  int64
	unacked     int64
	remoteEnded bool
	rst         bool
	cause       error
}

// fail ends the request body with err and, when cancel is set, the exchange
// context too. Buffered bytes are discarded.
func (st *serverStream) fail(err error, cancel bool) {
	if n := st.body.fail(err); n > 0 {
		st.sc.consumed(st, int64(n), true)
	}
	if cancel {
		st.cancel(err)
	}
}

// requestBody buffers DATA payloads until the host reads them. Its size is
// bounded by the stream receive window: consumed bytes are returned to the
// peer as WINDOW_UPDATE only after Read hands them out.
type requestBody struct {
	st *serverStream

	mu     sync.Mutex
	cond   sync.Cond
	buf    bytes.Buffer
	err    error // io.EOF after END_STREAM
	closed bool
}

func newRequestBody(st *serverStream) *requestBody {
	b := &requestBody{st: st}
	b.cond.L = &b.mu
	return b
}

func (b *requestBody) Read(p []byte) (int, error) {
	b.mu.Lock()
	for b.buf.Len() == 0 && b.err == nil && !b.closed {
		b.cond.Wait()
	}
	switch {
	case b.closed:
		b.mu.Unlock()
		return 0, errBodyClosed
	case b.err != nil && (b.err != io.EOF || b.buf.Len() == 0):
		err := b.err
		b.mu.Unlock()
		return 0, err
	}
	n, _ := b.buf.Read(p)
	drained := b.buf.Len() == 0
	b.mu.Unlock()

	b.st.sc.consumed(b.st, int64(n), drained)
	return n, nil
}

// Close discards unread bytes and returns them to the flow-control window.
func (b *requestBody) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	n := b.buf.Len()
	b.buf.Reset()
	b.cond.Broadcast()
	b.mu.Unlock()

	if n > 0 {
		b.st.sc.consumed(b.st, int64(n), true)
	}
	return nil
}

// push appends a DATA payload. It reports false when nobody will read it.
func (b *requestBody) push(p []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.err != nil {
		return false
	}
	b.buf.Write(p)
	b.cond.Broadcast()
	return true
}

// end marks the end of the stream; buffered bytes stay readable.
func (b *requestBody) end() {
	b.mu.Lock()
	if b.err == nil {
		b.err = io.EOF
	}
	b.cond.Broadcast()
	b.mu.Unlock()
}

// fail stops the body with err and returns how many buffered bytes were
// dropped.
func (b *requestBody) fail(err error) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil && b.err != io.EOF {
		return 0
	}
	b.err = err
	n := b.buf.Len()
	b.buf.Reset()
	b.cond.Broadcast()
	return n
}
