package conduit

import (
	"crypto/tls"
	"fmt"
	"os"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/albertbausili/conduit/internal/compress"
	"github.com/albertbausili/conduit/internal/mux"
	"github.com/albertbausili/conduit/internal/zombie"
)

// Config holds the server configuration options for both HTTP/1.1 and HTTP/2.
type Config struct {
	Addr          string      // Address ListenAndServe binds to
	Multicore     bool        // Run one event loop per CPU
	NumEventLoop  int         // Number of event loops (0 for auto-detect)
	ReusePort     bool        // Enable SO_REUSEPORT for load balancing
	TLSConfig     *tls.Config // Terminate TLS on accepted connections; ALPN selects the version
	AcceptRate    float64     // Accepted connections per second (0 for unlimited)
	AcceptBurst   int         // Accept limiter burst
	InboundBuffer int         // Bytes read off the event loop ahead of the host (0 for 4x ReadChunkSize)
	MaxInbound    int         // Unread bytes held for one connection before it is closed

	EnableH1             bool          // Enable HTTP/1.1 support (default true)
	EnableH2             bool          // Enable HTTP/2 support (default true)
	DetectTimeout        time.Duration // Wait for the first bytes of a plain connection
	ReadHeaderTimeout    time.Duration // Maximum duration for reading a request head
	IdleTimeout          time.Duration // Maximum idle time before connection close
	DrainGrace           time.Duration // Time in-flight exchanges get once a drain starts
	MaxHeaderBytes       int           // Maximum header size in bytes
	MaxBodyDrain         int64         // Unread request body discarded to keep a connection alive
	ReadChunkSize        int           // Largest chunk ReadBodyChunk returns
	MaxConcurrentStreams uint32        // Maximum concurrent HTTP/2 streams
	UpgradeTimeout       time.Duration // Bound on writing the 101 handshake

	CompressibleTypes []string // Media types eligible for compression; nil selects the defaults
	ExcludedTypes     []string // Media types never compressed; nil selects the defaults
	CompressMinSize   int64    // Smallest declared Content-Length worth compressing
	CompressLevel     int      // Encoder level (0 for each encoder's default)
	EnableBrotli      bool
	EnableGzip        bool
	EnableZstd        bool

	ZombieThreshold     time.Duration // Age after which a live resource is reported
	ZombieSweepInterval time.Duration // Zombie sweep period
	ZombieForceClose    bool          // Reap reported resources

	Logger *zap.Logger
	// Registry receives the server metrics. nil creates a private registry.
	Registry *prometheus.Registry
	// TracerProvider creates exchange spans. nil uses the global provider.
	TracerProvider trace.TracerProvider
	Propagator     propagation.TextMapPropagator

	// OnConnState is called when a connection is accepted, starts draining
	// and closes.
	OnConnState func(info ConnInfo, state ConnState)
	// OnZombie is called for every leaked resource found by a sweep.
	OnZombie func(report ZombieReport)
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		Addr:                 ":8080",
		Multicore:            true,
		NumEventLoop:         0, // Auto-detect
		ReusePort:            true,
		MaxInbound:           4 << 20,
		EnableH1:             true,
		EnableH2:             true,
		DetectTimeout:        mux.DefaultDetectTimeout,
		ReadHeaderTimeout:    10 * time.Second,
		IdleTimeout:          60 * time.Second,
		DrainGrace:           mux.DefaultDrainGrace,
		MaxHeaderBytes:       1 << 20, // 1 MB
		MaxBodyDrain:         256 << 10,
		ReadChunkSize:        32 << 10,
		MaxConcurrentStreams: 100,
		UpgradeTimeout:       10 * time.Second,
		CompressibleTypes:    append([]string(nil), compress.DefaultTypes...),
		ExcludedTypes:        append([]string(nil), compress.DefaultExcluded...),
		CompressMinSize:      compress.DefaultMinSize,
		EnableBrotli:         true,
		EnableGzip:           true,
		EnableZstd:           true,
		ZombieThreshold:      zombie.DefaultThreshold,
		ZombieSweepInterval:  zombie.DefaultInterval,
		ZombieForceClose:     true,
		Logger:               zap.NewNop(),
		Propagator:           propagation.TraceContext{},
	}
}

// Validate checks and normalizes the configuration values.
func (c *Config) Validate() error {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.NumEventLoop < 0 {
		return fmt.Errorf("conduit: num_event_loop must be non-negative; got %d", c.NumEventLoop)
	}
	if c.AcceptRate < 0 {
		return fmt.Errorf("conduit: accept_rate must be non-negative; got %v", c.AcceptRate)
	}
	if c.AcceptRate > 0 && c.AcceptBurst <= 0 {
		c.AcceptBurst = max(1, int(c.AcceptRate))
	}
	if c.MaxHeaderBytes < 0 || c.MaxBodyDrain < 0 || c.ReadChunkSize < 0 || c.CompressMinSize < 0 {
		return fmt.Errorf("conduit: size limits must be non-negative")
	}
	if c.InboundBuffer < 0 || c.MaxInbound < 0 {
		return fmt.Errorf("conduit: inbound buffer limits must be non-negative")
	}
	if c.InboundBuffer == 0 {
		chunk := c.ReadChunkSize
		if chunk == 0 {
			chunk = 32 << 10
		}
		c.InboundBuffer = 4 * chunk
	}
	if c.MaxInbound == 0 {
		c.MaxInbound = 4 << 20
	}
	c.MaxInbound = max(c.MaxInbound, c.InboundBuffer)
	if c.MaxConcurrentStreams == 0 {
		c.MaxConcurrentStreams = 100
	}
	if c.DetectTimeout <= 0 {
		c.DetectTimeout = mux.DefaultDetectTimeout
	}
	if c.DrainGrace <= 0 {
		c.DrainGrace = mux.DefaultDrainGrace
	}
	if c.ZombieThreshold <= 0 {
		c.ZombieThreshold = zombie.DefaultThreshold
	}
	if c.ZombieSweepInterval <= 0 {
		c.ZombieSweepInterval = zombie.DefaultInterval
	}
	if c.CompressibleTypes == nil {
		c.CompressibleTypes = append([]string(nil), compress.DefaultTypes...)
	}
	if c.ExcludedTypes == nil {
		c.ExcludedTypes = append([]string(nil), compress.DefaultExcluded...)
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Propagator == nil {
		c.Propagator = propagation.TraceContext{}
	}
	// At least one protocol must be enabled
	if !c.EnableH1 && !c.EnableH2 {
		c.EnableH1, c.EnableH2 = true, true
	}
	return nil
}

// compressionPolicy builds the pipeline policy. It is nil when every
// encoding is disabled.
func (c *Config) compressionPolicy() *compress.Policy {
	var encs []compress.Encoding
	for _, e := range compress.ServerOrder {
		switch {
		case e == compress.Brotli && c.EnableBrotli,
			e == compress.Zstd && c.EnableZstd,
			e == compress.Gzip && c.EnableGzip:
			encs = append(encs, e)
		}
	}
	if len(encs) == 0 {
		return nil
	}
	return &compress.Policy{
		Types:     c.CompressibleTypes,
		Excluded:  c.ExcludedTypes,
		MinSize:   c.CompressMinSize,
		Level:     c.CompressLevel,
		Encodings: encs,
	}
}

// duration decodes TOML strings such as "30s".
type duration time.Duration

func (d *duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

// fileConfig is the TOML layout read by LoadConfig. Absent keys keep the
// defaults.
type fileConfig struct {
	Server struct {
		Addr          *string  `toml:"addr"`
		Multicore     *bool    `toml:"multicore"`
		NumEventLoop  *int     `toml:"num_event_loop"`
		ReusePort     *bool    `toml:"reuse_port"`
		AcceptRate    *float64 `toml:"accept_rate"`
		AcceptBurst   *int     `toml:"accept_burst"`
		InboundBuffer *int     `toml:"inbound_buffer"`
		MaxInbound    *int     `toml:"max_inbound"`
	} `toml:"server"`
	Protocol struct {
		EnableH1             *bool     `toml:"enable_h1"`
		EnableH2             *bool     `toml:"enable_h2"`
		DetectTimeout        *duration `toml:"detect_timeout"`
		ReadHeaderTimeout    *duration `toml:"read_header_timeout"`
		IdleTimeout          *duration `toml:"idle_timeout"`
		DrainGrace           *duration `toml:"drain_grace"`
		MaxHeaderBytes       *int      `toml:"max_header_bytes"`
		MaxBodyDrain         *int64    `toml:"max_body_drain"`
		ReadChunkSize        *int      `toml:"read_chunk_size"`
		MaxConcurrentStreams *uint32   `toml:"max_concurrent_streams"`
		UpgradeTimeout       *duration `toml:"upgrade_timeout"`
	} `toml:"protocol"`
	Compression struct {
		Types    []string `toml:"types"`
		Excluded []string `toml:"excluded"`
		MinSize  *int64   `toml:"min_size"`
		Level    *int     `toml:"level"`
		Brotli   *bool    `toml:"brotli"`
		Gzip     *bool    `toml:"gzip"`
		Zstd     *bool    `toml:"zstd"`
	} `toml:"compression"`
	Zombie struct {
		Threshold  *duration `toml:"threshold"`
		Interval   *duration `toml:"interval"`
		ForceClose *bool     `toml:"force_close"`
	} `toml:"zombie"`
}

// LoadConfig reads a TOML file onto DefaultConfig and validates the result.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("conduit: read config %s: %w", path, err)
	}
	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return cfg, fmt.Errorf("conduit: parse config %s: %w", path, err)
	}
	fc.apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("conduit: validate config %s: %w", path, err)
	}
	return cfg, nil
}

func set[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

func setDuration(dst *time.Duration, src *duration) {
	if src != nil {
		*dst = time.Duration(*src)
	}
}

func (fc *fileConfig) apply(c *Config) {
	s := &fc.Server
	set(&c.Addr, s.Addr)
	set(&c.Multicore, s.Multicore)
	set(&c.NumEventLoop, s.NumEventLoop)
	set(&c.ReusePort, s.ReusePort)
	set(&c.AcceptRate, s.AcceptRate)
	set(&c.AcceptBurst, s.AcceptBurst)
	set(&c.InboundBuffer, s.InboundBuffer)
	set(&c.MaxInbound, s.MaxInbound)

	p := &fc.Protocol
	set(&c.EnableH1, p.EnableH1)
	set(&c.EnableH2, p.EnableH2)
	setDuration(&c.DetectTimeout, p.DetectTimeout)
	setDuration(&c.ReadHeaderTimeout, p.ReadHeaderTimeout)
	setDuration(&c.IdleTimeout, p.IdleTimeout)
	setDuration(&c.DrainGrace, p.DrainGrace)
	set(&c.MaxHeaderBytes, p.MaxHeaderBytes)
	set(&c.MaxBodyDrain, p.MaxBodyDrain)
	set(&c.ReadChunkSize, p.ReadChunkSize)
	set(&c.MaxConcurrentStreams, p.MaxConcurrentStreams)
	setDuration(&c.UpgradeTimeout, p.UpgradeTimeout)

	z := &fc.Compression
	if z.Types != nil {
		c.CompressibleTypes = z.Types
	}
	if z.Excluded != nil {
		c.ExcludedTypes = z.Excluded
	}
	set(&c.CompressMinSize, z.MinSize)
	set(&c.CompressLevel, z.Level)
	set(&c.EnableBrotli, z.Brotli)
	set(&c.EnableGzip, z.Gzip)
	set(&c.EnableZstd, z.Zstd)

	setDuration(&c.ZombieThreshold, fc.Zombie.Threshold)
	setDuration(&c.ZombieSweepInterval, fc.Zombie.Interval)
	set(&c.ZombieForceClose, fc.Zombie.ForceClose)
}
