package conduit

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/albertbausili/conduit/internal/compress"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.Addr != ":8080" {
		t.Errorf("Expected default addr :8080, got %s", config.Addr)
	}
	if !config.EnableH1 || !config.EnableH2 {
		t.Error("Expected both protocols enabled by default")
	}
	if !config.EnableBrotli || !config.EnableGzip || !config.EnableZstd {
		t.Error("Expected every encoding enabled by default")
	}
	if config.CompressMinSize != compress.DefaultMinSize {
		t.Errorf("Expected CompressMinSize %d, got %d", compress.DefaultMinSize, config.CompressMinSize)
	}
	if config.MaxConcurrentStreams != 100 {
		t.Errorf("Expected MaxConcurrentStreams 100, got %d", config.MaxConcurrentStreams)
	}
	if config.ZombieThreshold != 30*time.Second || config.ZombieSweepInterval != 5*time.Second {
		t.Errorf("Unexpected zombie defaults %v / %v", config.ZombieThreshold, config.ZombieSweepInterval)
	}
	if config.Logger == nil {
		t.Error("Expected default logger to be set")
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		wantErr  bool
		validate func(*testing.T, Config)
	}{
		{
			name:   "empty config gets defaults",
			config: Config{},
			validate: func(t *testing.T, c Config) {
				if c.Addr != ":8080" || c.MaxConcurrentStreams != 100 || c.Logger == nil {
					t.Errorf("defaults not applied: %+v", c)
				}
				if !c.EnableH1 || !c.EnableH2 {
					t.Error("Expected both protocols enabled when neither is")
				}
				if len(c.CompressibleTypes) == 0 {
					t.Error("Expected default compressible types")
				}
			},
		},
		{
			name:   "explicit empty allowlist kept",
			config: Config{CompressibleTypes: []string{}},
			validate: func(t *testing.T, c Config) {
				if c.CompressibleTypes == nil || len(c.CompressibleTypes) != 0 {
					t.Errorf("CompressibleTypes = %v", c.CompressibleTypes)
				}
			},
		},
		{
			name:   "accept burst derived from rate",
			config: Config{AcceptRate: 50},
			validate: func(t *testing.T, c Config) {
				if c.AcceptBurst != 50 {
					t.Errorf("AcceptBurst = %d", c.AcceptBurst)
				}
			},
		},
		{
			name:   "only h2",
			config: Config{EnableH2: true},
			validate: func(t *testing.T, c Config) {
				if c.EnableH1 || !c.EnableH2 {
					t.Errorf("protocols = h1 %v h2 %v", c.EnableH1, c.EnableH2)
				}
			},
		},
		{
			name:   "inbound buffer follows read chunk size",
			config: Config{ReadChunkSize: 16 << 10},
			validate: func(t *testing.T, c Config) {
				if c.InboundBuffer != 64<<10 || c.MaxInbound != 4<<20 {
					t.Errorf("InboundBuffer = %d, MaxInbound = %d", c.InboundBuffer, c.MaxInbound)
				}
			},
		},
		{
			name:   "inbound cap raised to the buffer",
			config: Config{InboundBuffer: 8 << 20, MaxInbound: 1 << 20},
			validate: func(t *testing.T, c Config) {
				if c.MaxInbound != 8<<20 {
					t.Errorf("MaxInbound = %d", c.MaxInbound)
				}
			},
		},
		{name: "negative inbound buffer", config: Config{InboundBuffer: -1}, wantErr: true},
		{name: "negative rate", config: Config{AcceptRate: -1}, wantErr: true},
		{name: "negative size", config: Config{MaxBodyDrain: -1}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.validate != nil {
				tt.validate(t, tt.config)
			}
		})
	}
}

func TestConfig_CompressionPolicy(t *testing.T) {
	c := DefaultConfig()
	c.EnableBrotli = false
	p := c.compressionPolicy()
	if p == nil || !slices.Equal(p.Encodings, []compress.Encoding{compress.Zstd, compress.Gzip}) {
		t.Fatalf("policy = %+v", p)
	}

	c.EnableGzip, c.EnableZstd = false, false
	if p := c.compressionPolicy(); p != nil {
		t.Errorf("policy with no encodings = %+v, want nil", p)
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conduit.toml")
	data := `
[server]
addr = "127.0.0.1:9000"
multicore = false
accept_rate = 10.0

[protocol]
enable_h2 = false
drain_grace = "2s"
max_concurrent_streams = 32

[compression]
types = ["application/json"]
brotli = false
min_size = 0

[zombie]
threshold = "1m"
force_close = false
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	c, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if c.Addr != "127.0.0.1:9000" || c.Multicore || c.AcceptRate != 10 || c.AcceptBurst != 10 {
		t.Errorf("server section = %+v", c)
	}
	if c.EnableH2 || !c.EnableH1 || c.DrainGrace != 2*time.Second || c.MaxConcurrentStreams != 32 {
		t.Errorf("protocol section = %+v", c)
	}
	if !slices.Equal(c.CompressibleTypes, []string{"application/json"}) || c.EnableBrotli || !c.EnableGzip || c.CompressMinSize != 0 {
		t.Errorf("compression section = %+v", c)
	}
	if c.ZombieThreshold != time.Minute || c.ZombieForceClose || c.ZombieSweepInterval != 5*time.Second {
		t.Errorf("zombie section = %+v", c)
	}
	// Untouched keys keep their defaults.
	if c.IdleTimeout != 60*time.Second || !c.ReusePort {
		t.Errorf("defaults lost: %+v", c)
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.toml")
	if err := os.WriteFile(bad, []byte("[protocol]\ndrain_grace = \"soon\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		path string
	}{
		{"missing file", filepath.Join(dir, "missing.toml")},
		{"bad duration", bad},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadConfig(tt.path); err == nil {
				t.Error("LoadConfig() succeeded")
			}
		})
	}
}
