package h2

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"golang.org/x/net/http2"

	"github.com/albertbausili/conduit/internal/stream"
)

// Response framing errors.
var (
	ErrHeadWritten    = errors.New("h2: response head already written")
	ErrBodyNotAllowed = errors.New("h2: response status does not allow a body")
	ErrShortBody      = errors.New("h2: body shorter than declared content-length")
	ErrContentLength  = errors.New("h2: body exceeds declared content-length")
	ErrAborted        = errors.New("h2: stream aborted")
	ErrInformational  = errors.New("h2: informational responses are sent by the engine")
	errNoHead         = errors.New("h2: response head not written")
)

// sink frames one response onto a stream. The HEADERS frame is held back
// until the first body byte, flush or finish so a bodiless response can
// carry END_STREAM on it.
type sink struct {
	st *serverStream

	mu          sync.Mutex
	discard     bool
	headSet     bool
	status      int
	header      stream.Header
	headOut     bool
	bodyAllowed bool
	remaining   int64
	finished    bool
	err         error

	aborted atomic.Bool
	ended   atomic.Bool // END_STREAM or RST_STREAM written
}

func newSink(st *serverStream, method string) *sink {
	return &sink{
		st:        st,
		discard:   method == http.MethodHead,
		remaining: -1,
	}
}

func (s *sink) check() error {
	if s.aborted.Load() {
		return ErrAborted
	}
	sc := s.st.sc
	sc.mu.Lock()
	rst, cause, closed := s.st.rst, s.st.cause, sc.closed
	sc.mu.Unlock()
	switch {
	case rst && cause != nil:
		return cause
	case rst, closed:
		return ErrAborted
	}
	return s.err
}

func (s *sink) fail(err error) error {
	if s.err == nil {
		s.err = err
	}
	return s.err
}

// WriteHead implements stream.Sink.
func (s *sink) WriteHead(status int, header stream.Header) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(); err != nil {
		return err
	}
	if s.headSet {
		return ErrHeadWritten
	}
	if status < 200 || status > 999 {
		if status >= 100 && status < 200 {
			return ErrInformational
		}
		return fmt.Errorf("h2: invalid status code %d", status)
	}
	if _, err := responseFields(status, header); err != nil {
		return err
	}

	s.status = status
	s.header = header.Clone()
	s.bodyAllowed = status != http.StatusNoContent && status != http.StatusNotModified
	if n, ok := header.ContentLength(); ok && s.bodyAllowed && !s.discard {
		s.remaining = n
	}
	s.headSet = true
	return nil
}

// sendHead writes the pending HEADERS frame.
func (s *sink) sendHead(end bool) error {
	if s.headOut {
		return nil
	}
	s.headOut = true
	if err := s.st.sc.writeHeaders(s.st.id, s.status, s.header, end); err != nil {
		return s.fail(err)
	}
	if end {
		s.ended.Store(true)
	}
	return nil
}

// Write implements stream.Sink. It blocks while the peer's flow-control
// window is exhausted.
func (s *sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(); err != nil {
		return 0, err
	}
	if !s.headSet {
		return 0, errNoHead
	}
	if s.finished {
		return 0, ErrAborted
	}
	if s.discard {
		return len(p), nil
	}
	if len(p) == 0 {
		return 0, nil
	}
	if !s.bodyAllowed {
		return 0, ErrBodyNotAllowed
	}

	var tooLong bool
	if s.remaining >= 0 && int64(len(p)) > s.remaining {
		p = p[:s.remaining]
		tooLong = true
	}
	if err := s.sendHead(false); err != nil {
		return 0, err
	}
	n, err := s.writeData(p)
	if s.remaining >= 0 {
		s.remaining -= int64(n)
	}
	if err != nil {
		return n, s.fail(err)
	}
	if tooLong {
		return n, ErrContentLength
	}
	return n, nil
}

func (s *sink) writeData(p []byte) (int, error) {
	sc := s.st.sc
	written := 0
	for len(p) > 0 {
		n, err := sc.reserve(s.st, len(p))
		if err != nil {
			return written, err
		}
		chunk := p[:n]
		if err := sc.write(func(fr *http2.Framer) error { return fr.WriteData(s.st.id, false, chunk) }, false); err != nil {
			return written, err
		}
		p = p[n:]
		written += n
	}
	return written, nil
}

// Flush implements stream.Sink.
func (s *sink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	if s.headSet {
		if err := s.sendHead(false); err != nil {
			return err
		}
	}
	if err := s.st.sc.flush(); err != nil {
		return s.fail(err)
	}
	return nil
}

// Finish implements stream.Sink.
func (s *sink) Finish() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(); err != nil {
		return err
	}
	if !s.headSet {
		return errNoHead
	}
	if s.finished {
		return nil
	}
	if s.remaining > 0 {
		return ErrShortBody
	}
	if !s.headOut {
		if err := s.sendHead(true); err != nil {
			return err
		}
	} else {
		if err := s.st.sc.write(func(fr *http2.Framer) error { return fr.WriteData(s.st.id, true, nil) }, false); err != nil {
			return s.fail(err)
		}
		s.ended.Store(true)
	}
	if err := s.st.sc.flush(); err != nil {
		return s.fail(err)
	}
	s.finished = true
	return nil
}

// Abort implements stream.Sink. The stream is reset with RST_STREAM and a
// write blocked on flow control returns.
func (s *sink) Abort(error) {
	if s.aborted.Swap(true) || s.ended.Load() {
		return
	}
	s.ended.Store(true)
	s.st.sc.resetStream(s.st.id, http2.ErrCodeInternal, nil)
}

// settle finalizes the stream after the exchange returned: an unfinished
// response is reset, a missing one becomes an empty 500.
func (s *sink) settle() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended.Load() {
		return
	}
	if s.aborted.Load() || s.err != nil || s.headSet {
		s.ended.Store(true)
		s.st.sc.resetStream(s.st.id, http2.ErrCodeInternal, nil)
		return
	}
	if s.check() != nil {
		return
	}
	s.status, s.header, s.headSet = http.StatusInternalServerError, stream.Header{{"content-length", "0"}}, true
	if err := s.sendHead(true); err == nil {
		_ = s.st.sc.flush()
	}
}
