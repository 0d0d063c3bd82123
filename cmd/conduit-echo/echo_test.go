package main

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/albertbausili/conduit/pkg/conduit"
)

func startEcho(t *testing.T) string {
	t.Helper()
	cfg := conduit.DefaultConfig()
	cfg.Registry = prometheus.NewRegistry()
	s, err := newServer(cfg, newEchoHost(zap.NewNop()))
	if err != nil {
		t.Fatalf("newServer() error = %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = s.Serve(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return "http://" + ln.Addr().String()
}

func TestEchoHost(t *testing.T) {
	base := startEcho(t)
	tr := &http.Transport{}
	defer tr.CloseIdleConnections()
	c := &http.Client{Transport: tr, Timeout: 5 * time.Second}

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		want   string
	}{
		{"root", "GET", "/", "", 200, "hello from conduit over HTTP/1.1\n"},
		{"echo", "POST", "/echo", "round trip", 200, "round trip"},
		{"stream", "GET", "/stream?n=3", "", 200, "chunk 0\nchunk 1\nchunk 2\n"},
		{"not found", "GET", "/nope", "", 404, "not found\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(tt.method, base+tt.path, strings.NewReader(tt.body))
			resp, err := c.Do(req)
			if err != nil {
				t.Fatalf("%s %s: %v", tt.method, tt.path, err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != tt.status || string(body) != tt.want {
				t.Errorf("got %d %q, want %d %q", resp.StatusCode, body, tt.status, tt.want)
			}
		})
	}
}

func TestEchoHost_UpgradeRejected(t *testing.T) {
	base := startEcho(t)
	resp, err := http.Get(base + "/ws")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 426 {
		t.Errorf("status = %d, want 426", resp.StatusCode)
	}
}

func TestNewLogger(t *testing.T) {
	if _, err := newLogger(&CLI{LogLevel: "loud"}); err == nil {
		t.Error("newLogger() accepted an unknown level")
	}
	l, err := newLogger(&CLI{LogLevel: "debug", LogFile: t.TempDir() + "/echo.log"})
	if err != nil {
		t.Fatalf("newLogger() error = %v", err)
	}
	l.Info("hello")
	_ = l.Sync()
}
