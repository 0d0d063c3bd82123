package conduit

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/albertbausili/conduit/internal/date"
	"github.com/albertbausili/conduit/internal/mux"
	"github.com/albertbausili/conduit/internal/resource"
	"github.com/albertbausili/conduit/internal/transport"
	"github.com/albertbausili/conduit/internal/zombie"
)

// ErrServerClosed is returned by the serve methods after Shutdown.
var ErrServerClosed = errors.New("conduit: server closed")

// Server terminates HTTP/1.1 and HTTP/2 connections and hands their
// exchanges to a Handler.
type Server struct {
	config  Config
	logger  *zap.Logger
	table   *resource.Table
	core    *mux.Core
	tracker *zombie.Tracker
	metrics *Metrics
	tracing *Tracing
	limiter *rate.Limiter
	gnet    *transport.Server

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	once   sync.Once

	mu        sync.Mutex
	closed    bool
	listeners map[net.Listener]struct{}
	conns     sync.WaitGroup
	stopDate  func()
}

// New creates a server delivering requests to handler.
func New(config Config, handler Handler) (*Server, error) {
	if handler == nil {
		return nil, errors.New("conduit: handler not set")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		config:    config,
		logger:    config.Logger,
		metrics:   NewMetrics(config.Registry),
		tracing:   NewTracing(config.TracerProvider, config.Propagator),
		listeners: make(map[net.Listener]struct{}),
	}
	if config.AcceptRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(config.AcceptRate), config.AcceptBurst)
	}

	s.table = resource.NewTable()
	s.tracker = zombie.New(zombie.Config{
		Threshold:  config.ZombieThreshold,
		Interval:   config.ZombieSweepInterval,
		ForceClose: config.ZombieForceClose,
		Reaper:     s.table,
		OnReport:   s.onZombie,
	})
	s.table.Subscribe(s.tracker)
	s.table.Subscribe(s.metrics)

	s.core = mux.New(s.table, handler, mux.Config{
		EnableH1:             config.EnableH1,
		EnableH2:             config.EnableH2,
		DetectTimeout:        config.DetectTimeout,
		ReadHeaderTimeout:    config.ReadHeaderTimeout,
		IdleTimeout:          config.IdleTimeout,
		DrainGrace:           config.DrainGrace,
		MaxHeaderBytes:       config.MaxHeaderBytes,
		MaxBodyDrain:         config.MaxBodyDrain,
		ReadChunkSize:        config.ReadChunkSize,
		MaxConcurrentStreams: config.MaxConcurrentStreams,
		UpgradeTimeout:       config.UpgradeTimeout,
		Compression:          config.compressionPolicy(),
		Logger:               config.Logger,
		OnConnState:          s.onConnState,
		Observer:             observers{s.metrics, s.tracing},
	})

	s.gnet = transport.NewServer(s.serveTransport, transport.Config{
		Addr:         config.Addr,
		Multicore:    config.Multicore,
		NumEventLoop: config.NumEventLoop,
		ReusePort:    config.ReusePort,
		TLSConfig:    tlsConfig(config.TLSConfig),
		Limiter:      s.limiter,
		ReadBuffer:   config.InboundBuffer,
		MaxInbound:   config.MaxInbound,
		Logger:       config.Logger,
	})

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.group = new(errgroup.Group)
	return s, nil
}

// tlsConfig advertises both protocols over ALPN unless the caller chose.
func tlsConfig(c *tls.Config) *tls.Config {
	if c == nil {
		return nil
	}
	c = c.Clone()
	if len(c.NextProtos) == 0 {
		c.NextProtos = []string{"h2", "http/1.1"}
	}
	return c
}

// Metrics returns the server collectors.
func (s *Server) Metrics() *Metrics { return s.metrics }

// Ready is closed once ListenAndServe accepts connections.
func (s *Server) Ready() <-chan struct{} { return s.gnet.Ready() }

// LiveHandles returns the number of handles allocated in the resource table.
func (s *Server) LiveHandles() int { return s.table.Len() }

// Zombies returns the live resources the tracker is watching, oldest first.
func (s *Server) Zombies() []ZombieRecord { return s.tracker.Records() }

// SweepZombies runs one zombie sweep now.
func (s *Server) SweepZombies() []ZombieReport { return s.tracker.Sweep(time.Now()) }

// background starts the date ticker and the zombie sweeper once.
func (s *Server) background() {
	s.once.Do(func() {
		stop := date.StartTicker()
		s.mu.Lock()
		s.stopDate = stop
		s.mu.Unlock()
		s.group.Go(func() error { return s.tracker.Run(s.ctx) })
	})
}

// acquire registers a connection unless the server is shut down.
func (s *Server) acquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns.Add(1)
	return true
}

// ServeConn serves one already accepted connection, plain or *tls.Conn,
// until the peer goes away, ctx is cancelled or the server shuts down.
func (s *Server) ServeConn(ctx context.Context, nc net.Conn) error {
	if !s.acquire() {
		_ = nc.Close()
		return ErrServerClosed
	}
	defer s.conns.Done()
	s.background()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()
	return s.core.ServeConn(ctx, nc)
}

func (s *Server) serveTransport(ctx context.Context, nc net.Conn) {
	if err := s.ServeConn(ctx, nc); err != nil && !errors.Is(err, ErrServerClosed) {
		s.logger.Debug("connection ended with error", zap.Error(err))
	}
}

// Serve accepts connections on ln until Shutdown. With TLSConfig set, ln is
// wrapped in a TLS listener.
func (s *Server) Serve(ln net.Listener) error {
	if tc := tlsConfig(s.config.TLSConfig); tc != nil {
		ln = tls.NewListener(ln, tc)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.listeners[ln] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.listeners, ln)
		s.mu.Unlock()
		_ = ln.Close()
	}()

	s.background()
	s.logger.Info("serving", zap.Stringer("addr", ln.Addr()))

	var backoff time.Duration
	for {
		if s.limiter != nil {
			if err := s.limiter.Wait(s.ctx); err != nil {
				return ErrServerClosed
			}
		}
		nc, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = min(max(2*backoff, 5*time.Millisecond), time.Second)
				s.logger.Warn("accept error, retrying", zap.Error(err), zap.Duration("backoff", backoff))
				time.Sleep(backoff)
				continue
			}
			return err
		}
		backoff = 0
		go s.serveTransport(s.ctx, nc)
	}
}

// ListenAndServe runs the gnet event-loop transport on Config.Addr. It
// blocks until Shutdown.
func (s *Server) ListenAndServe() error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrServerClosed
	}
	s.background()
	if err := s.gnet.Start(); err != nil {
		return err
	}
	return ErrServerClosed
}

// Shutdown stops accepting, drains every connection and waits for them
// until ctx expires. Exchanges still running after their drain grace have
// their resources reaped.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	lns := make([]net.Listener, 0, len(s.listeners))
	for ln := range s.listeners {
		lns = append(lns, ln)
	}
	s.mu.Unlock()

	s.logger.Info("shutting down", zap.Int("listeners", len(lns)), zap.Int("connections", len(s.core.Conns())))
	s.cancel()
	for _, ln := range lns {
		_ = ln.Close()
	}

	errs := []error{s.gnet.Stop(ctx)}

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	errs = append(errs, s.group.Wait())

	s.mu.Lock()
	if s.stopDate != nil {
		s.stopDate()
		s.stopDate = nil
	}
	s.mu.Unlock()
	return errors.Join(errs...)
}

// ReadBodyChunk returns the next chunk of the request body h. End of stream
// is io.EOF.
func (s *Server) ReadBodyChunk(ctx context.Context, h Handle) ([]byte, error) {
	return s.core.ReadBodyChunk(ctx, h)
}

// SubmitResponse emits the response head. Compression is negotiated here.
func (s *Server) SubmitResponse(ctx context.Context, resp *Response) error {
	return s.core.SubmitResponse(ctx, resp)
}

// WriteBodyChunk streams p into the response body h.
func (s *Server) WriteBodyChunk(ctx context.Context, h Handle, p []byte) error {
	return s.core.WriteBodyChunk(ctx, h, p)
}

// FinishBody ends the response body h.
func (s *Server) FinishBody(ctx context.Context, h Handle) error {
	return s.core.FinishBody(ctx, h)
}

// ReleaseHandle drops h. Releasing an unfinished response truncates it.
func (s *Server) ReleaseHandle(h Handle) error {
	return s.core.ReleaseHandle(h)
}

// AttemptUpgrade completes the upgrade handshake for the request owning h.
// A KindUpgradeRejected error leaves the request to be answered normally.
// Closing the returned channel frees its handle.
func (s *Server) AttemptUpgrade(ctx context.Context, h Handle, opts UpgradeOptions) (Handle, *UpgradeChannel, error) {
	return s.core.AttemptUpgrade(ctx, h, opts)
}

func (s *Server) onConnState(info ConnInfo, state ConnState, err error) {
	s.metrics.connState(info, state, err)
	if fn := s.config.OnConnState; fn != nil {
		fn(info, state)
	}
}

func (s *Server) onZombie(r ZombieReport) {
	s.logger.Warn("resource leak detected",
		zap.String("conn_id", r.ConnID),
		zap.Uint64("request_id", r.RequestID),
		zap.Stringer("handle", r.Handle),
		zap.Stringer("kind", r.Kind),
		zap.Stringer("state", r.State),
		zap.Duration("age", r.Age),
		zap.Bool("closed", r.Closed),
	)
	s.metrics.zombieReport(r)
	if fn := s.config.OnZombie; fn != nil {
		fn(r)
	}
}

// observers fans exchange notifications out. ExchangeFinished runs in
// reverse order.
type observers []mux.Observer

func (o observers) ExchangeStarted(ctx context.Context, req *Request) context.Context {
	for _, ob := range o {
		ctx = ob.ExchangeStarted(ctx, req)
	}
	return ctx
}

func (o observers) ExchangeFinished(ctx context.Context, req *Request, res Result) {
	for i := len(o) - 1; i >= 0; i-- {
		o[i].ExchangeFinished(ctx, req, res)
	}
}
