// Package main runs an echo host on the conduit engine.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/albertbausili/conduit/pkg/conduit"
)

// Set by ldflags.
var version = "dev"

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config      string `kong:"short='c',help='Path to TOML config file.',env='CONDUIT_CONFIG'"`
	Addr        string `kong:"short='a',help='Listen address (overrides config).',env='CONDUIT_ADDR'"`
	Std         bool   `kong:"help='Accept with the net listener instead of the gnet event loop.'"`
	MetricsAddr string `kong:"help='Address of the Prometheus endpoint; empty disables it.',default=':9090',env='CONDUIT_METRICS_ADDR'"`
	LogLevel    string `kong:"help='Log level: debug|info|warn|error.',default='info',enum='debug,info,warn,error',env='LOG_LEVEL'"`
	LogFile     string `kong:"help='Also write logs to this file, rotated.',env='CONDUIT_LOG_FILE'"`
	Version     kong.VersionFlag
}

func main() {
	var cli CLI
	kong.Parse(&cli,
		kong.Name("conduit-echo"),
		kong.Description("Echo host on the conduit HTTP/1.1 and HTTP/2 engine."),
		kong.Vars{"version": version},
	)

	fx.New(
		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger.Named("fx")}
		}),
		fx.Provide(
			func() *CLI { return &cli },
			newLogger,
			loadConfig,
			prometheus.NewRegistry,
			newEchoHost,
			newServer,
		),
		fx.Invoke(startServer, startMetrics),
	).Run()
}

func newLogger(cli *CLI) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cli.LogLevel)
	if err != nil {
		return nil, err
	}
	enc := zap.NewProductionEncoderConfig()
	enc.EncodeTime = zapcore.ISO8601TimeEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.Lock(os.Stdout), level),
	}
	if cli.LogFile != "" {
		rotator := &lumberjack.Logger{
			Filename:   cli.LogFile,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.AddSync(rotator), level))
	}
	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}

func loadConfig(cli *CLI, logger *zap.Logger, reg *prometheus.Registry) (conduit.Config, error) {
	cfg := conduit.DefaultConfig()
	if cli.Config != "" {
		var err error
		if cfg, err = conduit.LoadConfig(cli.Config); err != nil {
			return cfg, err
		}
	}
	if cli.Addr != "" {
		cfg.Addr = cli.Addr
	}
	cfg.Logger = logger
	cfg.Registry = reg
	cfg.OnZombie = func(r conduit.ZombieReport) {
		logger.Warn("handle leaked by echo host", zap.Stringer("kind", r.Kind), zap.Duration("age", r.Age))
	}
	return cfg, cfg.Validate()
}

func newServer(cfg conduit.Config, host *echoHost) (*conduit.Server, error) {
	s, err := conduit.New(cfg, host)
	if err != nil {
		return nil, err
	}
	host.srv = s
	return s, nil
}

func startServer(lc fx.Lifecycle, s *conduit.Server, cfg conduit.Config, cli *CLI, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			serve := s.ListenAndServe
			if cli.Std {
				ln, err := net.Listen("tcp", cfg.Addr)
				if err != nil {
					return fmt.Errorf("bind %s: %w", cfg.Addr, err)
				}
				serve = func() error { return s.Serve(ln) }
			}
			logger.Info("starting conduit-echo",
				zap.String("addr", cfg.Addr),
				zap.String("version", version),
				zap.Bool("gnet", !cli.Std),
			)
			go func() {
				if err := serve(); err != nil && !errors.Is(err, conduit.ErrServerClosed) {
					logger.Error("server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return s.Shutdown(ctx)
		},
	})
}

func startMetrics(lc fx.Lifecycle, reg *prometheus.Registry, cli *CLI, logger *zap.Logger) {
	if strings.TrimSpace(cli.MetricsAddr) == "" {
		return
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{
		Addr:              cli.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", srv.Addr, err)
			}
			logger.Info("serving metrics", zap.String("addr", srv.Addr))
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("metrics server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}
