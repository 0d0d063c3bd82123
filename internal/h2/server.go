// Package h2 serves HTTP/2 connections on an x/net/http2 Framer. Header
// blocks are decoded and encoded with HPACK in wire order. Stream state,
// flow control and GOAWAY handling live here; each stream becomes a
// stream.Exchange whose response is framed through a stream.Sink.
package h2

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/albertbausili/conduit/internal/httperr"
	"github.com/albertbausili/conduit/internal/stream"
)

const (
	defaultWindow       = 65535
	initialStreamWindow = 256 << 10
	initialConnWindow   = 1 << 20
	maxWindow           = 1<<31 - 1
	readFrameSize       = 16 << 10

	defaultMaxStreams     = 100
	defaultMaxHeaderBytes = 1 << 20
)

// Connection errors. The engine answers them with GOAWAY.
var (
	ErrBadPreface  = errors.New("h2: invalid connection preface")
	ErrNoSettings  = errors.New("h2: first frame is not SETTINGS")
	ErrFlowControl = errors.New("h2: flow-control window exceeded")

	errIdleStream     = errors.New("h2: frame on idle stream")
	errClosedStream   = errors.New("h2: HEADERS on closed stream")
	errEvenStream     = errors.New("h2: even client stream id")
	errPushPromise    = errors.New("h2: client sent PUSH_PROMISE")
	errWindowOverflow = errors.New("h2: flow-control window overflow")
	errConnClosed     = errors.New("h2: connection closed")
	errStreamGone     = errors.New("stream reset or connection closed")
	errStreamReset    = errors.New("h2: stream reset")

	// errDone ends the serve loop without an error.
	errDone = errors.New("h2: done")
)

// Config defines the per-connection HTTP/2 options.
type Config struct {
	Scheme               string
	MaxConcurrentStreams uint32
	// IdleTimeout closes a connection with no open streams.
	IdleTimeout    time.Duration
	MaxHeaderBytes int
	Logger         *zap.Logger
}

// ServeConn runs HTTP/2 on nc until the peer goes away or the connection
// drains. br may hold bytes read during protocol detection (the client
// preface included); nil reads straight from nc. Cancelling ctx sends
// GOAWAY and lets in-flight streams finish.
//
// A clean close returns nil, an I/O failure on nc is a transport error and
// a peer that breaks the framing gets GOAWAY and a protocol error.
func ServeConn(ctx context.Context, nc net.Conn, br *bufio.Reader, h stream.Handler, cfg Config) error {
	if cfg.Scheme == "" {
		cfg.Scheme = "http"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.MaxConcurrentStreams == 0 {
		cfg.MaxConcurrentStreams = defaultMaxStreams
	}
	if cfg.MaxHeaderBytes <= 0 {
		cfg.MaxHeaderBytes = defaultMaxHeaderBytes
	}
	if ctx.Err() != nil {
		return nil
	}

	var r io.Reader = nc
	if br != nil {
		r = br
	}
	sc := newServerConn(ctx, nc, r, h, cfg)
	err := sc.serve(ctx)
	sc.shutdown()
	return err
}

type readResult struct {
	f   http2.Frame
	err error
}

// serverConn is one HTTP/2 connection. The serve loop owns the stream
// table; handler goroutines write frames under wmu and wait for send
// window under mu. mu is never held while taking wmu.
type serverConn struct {
	nc      net.Conn
	r       io.Reader
	handler stream.Handler
	cfg     Config
	logger  *zap.Logger
	remote  string
	base    context.Context

	framer *http2.Framer
	bw     *bufio.Writer

	wmu     sync.Mutex
	henc    *hpack.Encoder
	hbuf    bytes.Buffer
	werr    error
	wclosed bool

	mu           sync.Mutex
	cond         sync.Cond
	streams      map[uint32]*serverStream
	connSend     int64
	connRecv     int64
	connUnacked  int64
	peerWindow   int64
	peerMaxFrame int64
	closed       bool

	// Owned by the serve loop.
	maxClientID uint32
	goAwayID    uint32
	goAwaySent  bool
	peerGoAway  bool
	sawSettings bool

	readc     chan readResult
	gate      chan struct{}
	donec     chan *serverStream
	quit      chan struct{}
	fatal     chan struct{}
	fatalOnce sync.Once
}

func newServerConn(ctx context.Context, nc net.Conn, r io.Reader, h stream.Handler, cfg Config) *serverConn {
	bw := bufio.NewWriterSize(nc, 16<<10)
	fr := http2.NewFramer(bw, r)
	fr.SetMaxReadFrameSize(readFrameSize)
	fr.MaxHeaderListSize = uint32(cfg.MaxHeaderBytes)
	fr.ReadMetaHeaders = hpack.NewDecoder(4096, nil)
	fr.ReadMetaHeaders.SetMaxStringLength(cfg.MaxHeaderBytes)

	sc := &serverConn{
		nc:           nc,
		r:            r,
		handler:      h,
		cfg:          cfg,
		logger:       cfg.Logger,
		base:         context.WithoutCancel(ctx),
		framer:       fr,
		bw:           bw,
		streams:      make(map[uint32]*serverStream),
		connSend:     defaultWindow,
		connRecv:     initialConnWindow,
		peerWindow:   defaultWindow,
		peerMaxFrame: readFrameSize,
		readc:        make(chan readResult),
		gate:         make(chan struct{}, 1),
		donec:        make(chan *serverStream),
		quit:         make(chan struct{}),
		fatal:        make(chan struct{}),
	}
	if addr := nc.RemoteAddr(); addr != nil {
		sc.remote = addr.String()
	}
	sc.henc = hpack.NewEncoder(&sc.hbuf)
	sc.cond.L = &sc.mu
	return sc
}

func (sc *serverConn) serve(ctx context.Context) error {
	// Read first: the peer may be blocked writing its preface.
	go sc.readFrames()

	if err := sc.write(func(fr *http2.Framer) error {
		err := fr.WriteSettings(
			http2.Setting{ID: http2.SettingMaxConcurrentStreams, Val: sc.cfg.MaxConcurrentStreams},
			http2.Setting{ID: http2.SettingInitialWindowSize, Val: initialStreamWindow},
			http2.Setting{ID: http2.SettingMaxHeaderListSize, Val: uint32(sc.cfg.MaxHeaderBytes)},
		)
		if err != nil {
			return err
		}
		return fr.WriteWindowUpdate(0, initialConnWindow-defaultWindow)
	}, true); err != nil {
		return err
	}

	var (
		idle      <-chan time.Time
		idleTimer *time.Timer
		wasIdle   = true
	)
	if sc.cfg.IdleTimeout > 0 {
		idleTimer = time.NewTimer(sc.cfg.IdleTimeout)
		defer idleTimer.Stop()
		idle = idleTimer.C
	}
	drain := ctx.Done()

	for {
		select {
		case res := <-sc.readc:
			if err := sc.process(res); err != nil {
				if errors.Is(err, errDone) {
					return nil
				}
				return err
			}
			sc.gate <- struct{}{}
		case st := <-sc.donec:
			sc.closeStream(st)
		case <-drain:
			drain = nil
			sc.logger.Debug("draining HTTP/2 connection", zap.Uint32("last_stream", sc.maxClientID))
			sc.goAway(http2.ErrCodeNo, nil)
		case <-idle:
			if sc.active() == 0 {
				sc.logger.Debug("closing idle HTTP/2 connection")
				sc.goAway(http2.ErrCodeNo, nil)
				return nil
			}
		case <-sc.fatal:
			return sc.writeErr()
		}

		n := sc.active()
		if n == 0 && (sc.goAwaySent || sc.peerGoAway) {
			return nil
		}
		if idleTimer != nil {
			switch {
			case n == 0 && !wasIdle:
				idleTimer.Reset(sc.cfg.IdleTimeout)
			case n > 0 && wasIdle:
				idleTimer.Stop()
			}
			wasIdle = n == 0
		}
	}
}

// readFrames reads the client preface and then one frame at a time. Frame
// buffers are reused by the framer, so the next read waits until the serve
// loop signals gate.
func (sc *serverConn) readFrames() {
	var preface [len(http2.ClientPreface)]byte
	if _, err := io.ReadFull(sc.r, preface[:]); err != nil {
		sc.deliver(readResult{err: err})
		return
	}
	if string(preface[:]) != http2.ClientPreface {
		sc.deliver(readResult{err: ErrBadPreface})
		return
	}
	for {
		f, err := sc.framer.ReadFrame()
		if !sc.deliver(readResult{f: f, err: err}) {
			return
		}
		var se http2.StreamError
		if err != nil && !errors.As(err, &se) {
			return
		}
		select {
		case <-sc.gate:
		case <-sc.quit:
			return
		}
	}
}

func (sc *serverConn) deliver(res readResult) bool {
	select {
	case sc.readc <- res:
		return true
	case <-sc.quit:
		return false
	}
}

// process handles one read result. A non-nil return ends the serve loop.
func (sc *serverConn) process(res readResult) error {
	if err := res.err; err != nil {
		var se http2.StreamError
		var ce http2.ConnectionError
		switch {
		case errors.As(err, &se):
			sc.logger.Debug("HTTP/2 stream error", zap.Uint32("stream", se.StreamID), zap.Error(err))
			if se.StreamID%2 == 1 && se.StreamID > sc.maxClientID {
				sc.maxClientID = se.StreamID
			}
			sc.resetStream(se.StreamID, se.Code, httperr.Protocol("h2 stream", err))
			return nil
		case errors.As(err, &ce):
			return sc.connError(http2.ErrCode(ce), err)
		case errors.Is(err, http2.ErrFrameTooLarge):
			return sc.connError(http2.ErrCodeFrameSize, err)
		case errors.Is(err, ErrBadPreface):
			return sc.connError(http2.ErrCodeProtocol, err)
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF),
			errors.Is(err, net.ErrClosed), errors.Is(err, os.ErrDeadlineExceeded):
			return errDone
		}
		return httperr.Transport("read h2 frame", err)
	}

	if !sc.sawSettings {
		if sf, ok := res.f.(*http2.SettingsFrame); !ok || sf.IsAck() {
			return sc.connError(http2.ErrCodeProtocol, ErrNoSettings)
		}
		sc.sawSettings = true
	}

	switch f := res.f.(type) {
	case *http2.SettingsFrame:
		return sc.processSettings(f)
	case *http2.MetaHeadersFrame:
		return sc.processHeaders(f)
	case *http2.DataFrame:
		return sc.processData(f)
	case *http2.WindowUpdateFrame:
		return sc.processWindowUpdate(f)
	case *http2.RSTStreamFrame:
		return sc.processReset(f)
	case *http2.PingFrame:
		if f.IsAck() {
			return nil
		}
		return sc.write(func(fr *http2.Framer) error { return fr.WritePing(true, f.Data) }, true)
	case *http2.GoAwayFrame:
		sc.logger.Debug("peer sent GOAWAY", zap.Uint32("last_stream", f.LastStreamID), zap.Stringer("code", f.ErrCode))
		sc.peerGoAway = true
	case *http2.PushPromiseFrame:
		return sc.connError(http2.ErrCodeProtocol, errPushPromise)
	}
	// PRIORITY and unknown frame types are ignored.
	return nil
}

func (sc *serverConn) processSettings(f *http2.SettingsFrame) error {
	if f.IsAck() {
		return nil
	}
	err := f.ForeachSetting(func(s http2.Setting) error {
		if err := s.Valid(); err != nil {
			return err
		}
		switch s.ID {
		case http2.SettingInitialWindowSize:
			return sc.setPeerWindow(int64(s.Val))
		case http2.SettingMaxFrameSize:
			sc.mu.Lock()
			sc.peerMaxFrame = int64(s.Val)
			sc.mu.Unlock()
		case http2.SettingHeaderTableSize:
			sc.wmu.Lock()
			sc.henc.SetMaxDynamicTableSizeLimit(s.Val)
			sc.wmu.Unlock()
		}
		return nil
	})
	if err != nil {
		var ce http2.ConnectionError
		if errors.As(err, &ce) {
			return sc.connError(http2.ErrCode(ce), err)
		}
		return sc.connError(http2.ErrCodeProtocol, err)
	}
	return sc.write(func(fr *http2.Framer) error { return fr.WriteSettingsAck() }, true)
}

// setPeerWindow applies a new SETTINGS_INITIAL_WINDOW_SIZE to every open
// stream.
func (sc *serverConn) setPeerWindow(size int64) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	delta := size - sc.peerWindow
	sc.peerWindow = size
	for _, st := range sc.streams {
		st.sendWindow += delta
		if st.sendWindow > maxWindow {
			return http2.ConnectionError(http2.ErrCodeFlowControl)
		}
	}
	sc.cond.Broadcast()
	return nil
}

func (sc *serverConn) processHeaders(f *http2.MetaHeadersFrame) error {
	id := f.StreamID
	if id%2 == 0 {
		return sc.connError(http2.ErrCodeProtocol, errEvenStream)
	}
	if st := sc.stream(id); st != nil {
		return sc.processTrailers(st, f)
	}
	if id <= sc.maxClientID {
		return sc.connError(http2.ErrCodeStreamClosed, errClosedStream)
	}
	sc.maxClientID = id

	switch {
	case sc.goAwaySent && id > sc.goAwayID:
		sc.resetStream(id, http2.ErrCodeRefusedStream, nil)
		return nil
	case sc.active() >= int(sc.cfg.MaxConcurrentStreams):
		sc.logger.Debug("refusing stream over the concurrency limit", zap.Uint32("stream", id))
		sc.resetStream(id, http2.ErrCodeRefusedStream, nil)
		return nil
	case f.Truncated:
		if err := sc.writeHeaders(id, 431, nil, true); err != nil {
			return err
		}
		if !f.StreamEnded() {
			sc.resetStream(id, http2.ErrCodeNo, nil)
		}
		return sc.flush()
	}

	head, err := decodeHead(f.Fields, f.StreamEnded())
	if err != nil {
		sc.logger.Debug("malformed request head", zap.Uint32("stream", id), zap.Error(err))
		sc.resetStream(id, http2.ErrCodeProtocol, nil)
		return nil
	}
	head.Scheme = sc.cfg.Scheme
	head.RemoteAddr = sc.remote
	sc.startStream(id, head, f.StreamEnded())
	return nil
}

func (sc *serverConn) processTrailers(st *serverStream, f *http2.MetaHeadersFrame) error {
	sc.mu.Lock()
	ended, rst := st.remoteEnded, st.rst
	sc.mu.Unlock()
	switch {
	case rst:
		return nil
	case ended:
		sc.resetStream(st.id, http2.ErrCodeStreamClosed, httperr.Protocol("h2 stream", errClosedStream))
		return nil
	case !f.StreamEnded():
		sc.resetStream(st.id, http2.ErrCodeProtocol, httperr.Protocol("h2 trailers", ErrMissingPseudo))
		return nil
	}
	if err := checkTrailers(f.Fields); err != nil {
		sc.resetStream(st.id, http2.ErrCodeProtocol, httperr.Protocol("h2 trailers", err))
		return nil
	}
	sc.endRemote(st)
	return nil
}

func (sc *serverConn) processData(f *http2.DataFrame) error {
	id := f.StreamID
	n := int64(f.Length)
	data := f.Data()

	sc.mu.Lock()
	if n > sc.connRecv {
		sc.mu.Unlock()
		return sc.connError(http2.ErrCodeFlowControl, ErrFlowControl)
	}
	sc.connRecv -= n
	st := sc.streams[id]
	gone := st == nil || st.rst || st.remoteEnded
	overflow := !gone && n > st.recvWindow
	if !gone && !overflow {
		st.recvWindow -= n
	}
	ended := st != nil && st.remoteEnded
	sc.mu.Unlock()

	switch {
	case st == nil && id > sc.maxClientID:
		return sc.connError(http2.ErrCodeProtocol, errIdleStream)
	case gone:
		sc.consumed(nil, n, true)
		if ended {
			sc.resetStream(id, http2.ErrCodeStreamClosed, httperr.Protocol("h2 stream", errClosedStream))
		}
		return nil
	case overflow:
		sc.consumed(nil, n, true)
		sc.resetStream(id, http2.ErrCodeFlowControl, httperr.Protocol("h2 stream", ErrFlowControl))
		return nil
	}

	// Padding is flow-controlled but never reaches the body.
	if pad := n - int64(len(data)); pad > 0 {
		sc.consumed(st, pad, false)
	}
	st.received += int64(len(data))
	if st.declared >= 0 && st.received > st.declared {
		sc.resetStream(id, http2.ErrCodeProtocol, httperr.Protocol("h2 body", ErrBadContentLength))
		return nil
	}
	if len(data) > 0 && !st.body.push(data) {
		sc.consumed(st, int64(len(data)), true)
	}
	if f.StreamEnded() {
		sc.endRemote(st)
	}
	return nil
}

// endRemote records END_STREAM from the peer.
func (sc *serverConn) endRemote(st *serverStream) {
	if st.declared >= 0 && st.received != st.declared {
		sc.resetStream(st.id, http2.ErrCodeProtocol, httperr.Protocol("h2 body", ErrBadContentLength))
		return
	}
	sc.mu.Lock()
	st.remoteEnded = true
	sc.mu.Unlock()
	st.body.end()
}

func (sc *serverConn) processWindowUpdate(f *http2.WindowUpdateFrame) error {
	inc := int64(f.Increment)
	sc.mu.Lock()
	if f.StreamID == 0 {
		if sc.connSend+inc > maxWindow {
			sc.mu.Unlock()
			return sc.connError(http2.ErrCodeFlowControl, errWindowOverflow)
		}
		sc.connSend += inc
		sc.cond.Broadcast()
		sc.mu.Unlock()
		return nil
	}
	st := sc.streams[f.StreamID]
	if st == nil {
		sc.mu.Unlock()
		if f.StreamID > sc.maxClientID {
			return sc.connError(http2.ErrCodeProtocol, errIdleStream)
		}
		return nil
	}
	if st.sendWindow+inc > maxWindow {
		sc.mu.Unlock()
		sc.resetStream(f.StreamID, http2.ErrCodeFlowControl, httperr.Protocol("h2 stream", errWindowOverflow))
		return nil
	}
	st.sendWindow += inc
	sc.cond.Broadcast()
	sc.mu.Unlock()
	return nil
}

func (sc *serverConn) processReset(f *http2.RSTStreamFrame) error {
	if f.StreamID > sc.maxClientID {
		return sc.connError(http2.ErrCodeProtocol, errIdleStream)
	}
	st := sc.stream(f.StreamID)
	if st == nil {
		return nil
	}
	sc.logger.Debug("peer reset stream", zap.Uint32("stream", f.StreamID), zap.Stringer("code", f.ErrCode))
	cause := httperr.Transport("h2 stream", fmt.Errorf("%w: %v", errStreamGone, f.ErrCode))
	if sc.markReset(st, cause) {
		st.fail(cause, true)
	}
	return nil
}

// startStream registers a stream and runs its exchange on a new goroutine.
func (sc *serverConn) startStream(id uint32, head stream.Head, ended bool) {
	ctx, cancel := context.WithCancelCause(sc.base)
	st := &serverStream{
		sc:          sc,
		id:          id,
		ctx:         ctx,
		cancel:      cancel,
		declared:    -1,
		recvWindow:  initialStreamWindow,
		remoteEnded: ended,
	}
	if n, ok := head.Header.ContentLength(); ok {
		st.declared = n
	}
	st.body = newRequestBody(st)
	if ended {
		st.body.end()
	}
	st.sink = newSink(st, head.Method)

	sc.mu.Lock()
	st.sendWindow = sc.peerWindow
	sc.streams[id] = st
	sc.mu.Unlock()

	ex := &stream.Exchange{Head: head, Sink: st.sink}
	if head.ContentLength != 0 {
		ex.Body = st.body
	}
	go sc.runExchange(st, ex)
}

func (sc *serverConn) runExchange(st *serverStream, ex *stream.Exchange) {
	defer func() {
		select {
		case sc.donec <- st:
		case <-sc.quit:
		}
	}()
	sc.handler.ServeExchange(st.ctx, ex)
	st.sink.settle()
}

// closeStream forgets a stream whose exchange returned. A peer still
// sending the request body is told to stop.
func (sc *serverConn) closeStream(st *serverStream) {
	sc.mu.Lock()
	delete(sc.streams, st.id)
	stop := !st.remoteEnded && !st.rst
	st.rst = true
	sc.mu.Unlock()

	_ = st.body.Close()
	if stop {
		_ = sc.write(func(fr *http2.Framer) error { return fr.WriteRSTStream(st.id, http2.ErrCodeNo) }, true)
	}
	st.cancel(nil)
}

func (sc *serverConn) stream(id uint32) *serverStream {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.streams[id]
}

func (sc *serverConn) active() int {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return len(sc.streams)
}

// markReset flags st as reset and wakes writers waiting for window. It
// reports whether st was still live.
func (sc *serverConn) markReset(st *serverStream, cause error) bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if st.rst {
		return false
	}
	st.rst = true
	st.cause = cause
	sc.cond.Broadcast()
	return true
}

// resetStream sends RST_STREAM once. A non-nil cause also fails the request
// body and cancels the exchange.
func (sc *serverConn) resetStream(id uint32, code http2.ErrCode, cause error) {
	st := sc.stream(id)
	if st != nil && !sc.markReset(st, cause) {
		return
	}
	_ = sc.write(func(fr *http2.Framer) error { return fr.WriteRSTStream(id, code) }, true)
	if st == nil {
		return
	}
	if cause != nil {
		st.fail(cause, true)
	} else {
		st.fail(httperr.Transport("h2 stream", errStreamReset), false)
	}
}

// consumed returns n bytes to the peer's send window. Updates are batched
// until a quarter of the window is pending or the reader has drained its
// buffer. A nil st returns connection window only.
func (sc *serverConn) consumed(st *serverStream, n int64, drained bool) {
	if n <= 0 {
		return
	}
	var connInc, streamInc int64
	sc.mu.Lock()
	sc.connUnacked += n
	if sc.connUnacked >= initialConnWindow/4 || drained {
		connInc = sc.connUnacked
		sc.connRecv += connInc
		sc.connUnacked = 0
	}
	if st != nil && !st.rst && !st.remoteEnded {
		st.unacked += n
		if st.unacked >= initialStreamWindow/4 || drained {
			streamInc = st.unacked
			st.recvWindow += streamInc
			st.unacked = 0
		}
	}
	sc.mu.Unlock()

	if connInc == 0 && streamInc == 0 {
		return
	}
	_ = sc.write(func(fr *http2.Framer) error {
		if connInc > 0 {
			if err := fr.WriteWindowUpdate(0, uint32(connInc)); err != nil {
				return err
			}
		}
		if streamInc > 0 {
			return fr.WriteWindowUpdate(st.id, uint32(streamInc))
		}
		return nil
	}, true)
}

// reserve blocks until st may send up to want bytes and returns how many.
func (sc *serverConn) reserve(st *serverStream, want int) (int, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	flushed := false
	for {
		switch {
		case sc.closed:
			return 0, httperr.Transport("h2 write", errConnClosed)
		case st.rst:
			if st.cause != nil {
				return 0, st.cause
			}
			return 0, ErrAborted
		}
		if n := min(int64(want), st.sendWindow, sc.connSend, sc.peerMaxFrame); n > 0 {
			st.sendWindow -= n
			sc.connSend -= n
			return int(n), nil
		}
		if !flushed {
			// The peer has to see what it is asked to acknowledge.
			sc.mu.Unlock()
			err := sc.flush()
			sc.mu.Lock()
			if err != nil {
				return 0, err
			}
			flushed = true
			continue
		}
		sc.cond.Wait()
	}
}

// write runs fn against the framer under the write lock. The first failure
// is sticky and ends the serve loop.
func (sc *serverConn) write(fn func(*http2.Framer) error, flush bool) error {
	sc.wmu.Lock()
	defer sc.wmu.Unlock()
	if sc.werr != nil {
		return sc.werr
	}
	if sc.wclosed {
		return httperr.Transport("h2 write", errConnClosed)
	}
	err := fn(sc.framer)
	if err == nil && flush {
		err = sc.bw.Flush()
	}
	if err != nil {
		sc.werr = httperr.Transport("h2 write", err)
		sc.fatalOnce.Do(func() { close(sc.fatal) })
		return sc.werr
	}
	return nil
}

func (sc *serverConn) flush() error {
	return sc.write(func(*http2.Framer) error { return nil }, true)
}

func (sc *serverConn) writeErr() error {
	sc.wmu.Lock()
	defer sc.wmu.Unlock()
	return sc.werr
}

// writeHeaders encodes a response head and frames it as HEADERS plus
// CONTINUATION when the block exceeds the peer's frame size.
func (sc *serverConn) writeHeaders(id uint32, status int, header stream.Header, end bool) error {
	fields, err := responseFields(status, header)
	if err != nil {
		return err
	}
	sc.mu.Lock()
	maxFrame := int(sc.peerMaxFrame)
	sc.mu.Unlock()

	return sc.write(func(fr *http2.Framer) error {
		sc.hbuf.Reset()
		for _, hf := range fields {
			if err := sc.henc.WriteField(hf); err != nil {
				return err
			}
		}
		block := sc.hbuf.Bytes()
		first := true
		for first || len(block) > 0 {
			frag := block[:min(len(block), maxFrame)]
			block = block[len(frag):]
			var err error
			if first {
				err = fr.WriteHeaders(http2.HeadersFrameParam{
					StreamID:      id,
					BlockFragment: frag,
					EndStream:     end,
					EndHeaders:    len(block) == 0,
				})
				first = false
			} else {
				err = fr.WriteContinuation(id, len(block) == 0, frag)
			}
			if err != nil {
				return err
			}
		}
		return nil
	}, false)
}

// goAway sends GOAWAY once and stops accepting new streams.
func (sc *serverConn) goAway(code http2.ErrCode, debug []byte) {
	if sc.goAwaySent {
		return
	}
	sc.goAwaySent = true
	sc.goAwayID = sc.maxClientID
	_ = sc.write(func(fr *http2.Framer) error { return fr.WriteGoAway(sc.goAwayID, code, debug) }, true)
}

func (sc *serverConn) connError(code http2.ErrCode, err error) error {
	sc.logger.Debug("HTTP/2 connection error", zap.Stringer("code", code), zap.Error(err))
	sc.goAway(code, []byte(err.Error()))
	return httperr.Protocol("h2", err)
}

// shutdown fails every stream still open. Their exchanges see the
// connection as lost.
func (sc *serverConn) shutdown() {
	close(sc.quit)

	sc.wmu.Lock()
	sc.wclosed = true
	sc.wmu.Unlock()

	cause := httperr.Transport("h2 stream", errStreamGone)
	sc.mu.Lock()
	sc.closed = true
	streams := make([]*serverStream, 0, len(sc.streams))
	for _, st := range sc.streams {
		if !st.rst {
			st.rst = true
			st.cause = cause
		}
		streams = append(streams, st)
	}
	sc.cond.Broadcast()
	sc.mu.Unlock()

	for _, st := range streams {
		st.fail(cause, true)
	}
}
