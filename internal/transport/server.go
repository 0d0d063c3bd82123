// Package transport runs a gnet event loop and hands every accepted
// connection to a serve function as a blocking net.Conn.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/gnet/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/albertbausili/conduit/internal/httperr"
)

// Inbound buffering defaults.
const (
	DefaultReadBuffer = 128 << 10
	DefaultMaxInbound = 4 << 20
)

// ErrInboundOverflow closes a connection whose peer keeps sending while the
// host is not reading.
var ErrInboundOverflow = errors.New("transport: inbound buffer limit exceeded")

// ServeFunc serves one connection and closes it before returning. ctx is
// cancelled when the server stops.
type ServeFunc func(ctx context.Context, nc net.Conn)

// Config holds the event loop options.
type Config struct {
	Addr         string
	Multicore    bool
	NumEventLoop int
	ReusePort    bool
	// TLSConfig, when set, wraps every connection in a TLS server.
	TLSConfig *tls.Config
	// Limiter throttles accepted connections; nil accepts everything.
	Limiter *rate.Limiter
	// ReadBuffer is how many bytes are moved out of the event loop ahead of
	// the host's reads. Past it the loop stops consuming.
	ReadBuffer int
	// MaxInbound caps the bytes gnet may hold for a stalled connection.
	MaxInbound int
	Logger     *zap.Logger
}

// Server implements gnet.EventHandler.
type Server struct {
	gnet.BuiltinEventEngine

	cfg    Config
	serve  ServeFunc
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	engine  gnet.Engine
	ready   chan struct{}
	booted  atomic.Bool
	active  atomic.Int64
	refused atomic.Int64
	wg      sync.WaitGroup
}

// NewServer creates a gnet transport calling serve for each connection.
func NewServer(serve ServeFunc, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.ReadBuffer <= 0 {
		cfg.ReadBuffer = DefaultReadBuffer
	}
	if cfg.MaxInbound <= 0 {
		cfg.MaxInbound = DefaultMaxInbound
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:    cfg,
		serve:  serve,
		logger: cfg.Logger,
		ctx:    ctx,
		cancel: cancel,
		ready:  make(chan struct{}),
	}
}

// Start runs the event loop. It blocks until Stop.
func (s *Server) Start() error {
	options := []gnet.Option{
		gnet.WithMulticore(s.cfg.Multicore),
		gnet.WithReusePort(s.cfg.ReusePort),
		gnet.WithTCPNoDelay(gnet.TCPNoDelay),
		gnet.WithLogger(s.logger.Sugar()),
	}
	if s.cfg.NumEventLoop > 0 {
		options = append(options, gnet.WithNumEventLoop(s.cfg.NumEventLoop))
	}

	s.logger.Info("starting gnet transport",
		zap.String("addr", s.cfg.Addr),
		zap.Bool("multicore", s.cfg.Multicore),
		zap.Bool("tls", s.cfg.TLSConfig != nil),
	)
	return gnet.Run(s, "tcp://"+s.cfg.Addr, options...)
}

// Ready is closed once the event loop accepts connections.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Active returns the number of connections being served.
func (s *Server) Active() int64 { return s.active.Load() }

// Refused returns the number of connections closed by the limiter.
func (s *Server) Refused() int64 { return s.refused.Load() }

// Stop cancels the serve context, which drains every connection, waits for
// them until ctx expires and then stops the event loop.
func (s *Server) Stop(ctx context.Context) error {
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		s.logger.Warn("connections still open at shutdown", zap.Int64("active", s.active.Load()))
	}

	if !s.booted.Load() {
		return err
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if serr := s.engine.Stop(stopCtx); serr != nil && !errors.Is(serr, context.DeadlineExceeded) {
		s.logger.Warn("error stopping gnet engine", zap.Error(serr))
	}
	return err
}

// OnBoot records the engine.
func (s *Server) OnBoot(eng gnet.Engine) gnet.Action {
	s.engine = eng
	s.booted.Store(true)
	close(s.ready)
	s.logger.Info("gnet transport listening", zap.String("addr", s.cfg.Addr))
	return gnet.None
}

// OnOpen starts serving a connection on its own goroutine.
func (s *Server) OnOpen(c gnet.Conn) ([]byte, gnet.Action) {
	if s.ctx.Err() != nil {
		return nil, gnet.Close
	}
	if l := s.cfg.Limiter; l != nil && !l.Allow() {
		s.refused.Add(1)
		s.logger.Debug("connection refused by accept limiter", zap.Stringer("remote", c.RemoteAddr()))
		return nil, gnet.Close
	}

	conn := newConn(c, s.cfg.ReadBuffer)
	c.SetContext(conn)

	var nc net.Conn = conn
	if s.cfg.TLSConfig != nil {
		nc = tls.Server(conn, s.cfg.TLSConfig)
	}
	s.active.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)
		s.serve(s.ctx, nc)
	}()
	return nil, gnet.None
}

// OnTraffic moves inbound bytes into the connection buffer, at most up to
// its read buffer size. Bytes past it stay in gnet until Read wakes the loop.
func (s *Server) OnTraffic(c gnet.Conn) gnet.Action {
	conn, ok := c.Context().(*Conn)
	if !ok {
		return gnet.Close
	}
	avail := c.InboundBuffered()
	if avail > s.cfg.MaxInbound {
		s.logger.Debug("closing connection over inbound limit",
			zap.Stringer("remote", c.RemoteAddr()), zap.Int("buffered", avail))
		conn.finish(httperr.Transport("read", ErrInboundOverflow), net.ErrClosed)
		return gnet.Close
	}
	if avail == 0 {
		return gnet.None
	}
	room := conn.room()
	if room <= 0 {
		return gnet.None
	}
	take := min(room, avail)
	buf, err := c.Next(take)
	if err != nil {
		s.logger.Debug("error reading from connection", zap.Error(err))
		return gnet.Close
	}
	conn.push(buf, take < avail)
	return gnet.None
}

// OnClose ends pending reads with io.EOF.
func (s *Server) OnClose(c gnet.Conn, err error) gnet.Action {
	if conn, ok := c.Context().(*Conn); ok {
		conn.finish(io.EOF, net.ErrClosed)
	}
	if err != nil {
		s.logger.Debug("connection closed with error", zap.Error(err))
	}
	return gnet.None
}
