package mux

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/http2"

	"github.com/albertbausili/conduit/internal/httperr"
	"github.com/albertbausili/conduit/internal/stream"
	"github.com/albertbausili/conduit/internal/upgrade"
)

func TestSniff(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want verdict
	}{
		{"empty", "", undecided},
		{"get", "GET / HTTP/1.1\r\n", sniffMethod},
		{"partial method", "GE", undecided},
		{"extension method", "PROPFIND /x HTTP/1.1", sniffMethod},
		{"full preface", http2Preface, sniffH2},
		{"preface prefix", "PRI * HTTP/2.0\r\n", undecided},
		{"PRI as h1", "PRI * HTTP/1.1\r\n", sniffMethod},
		{"tls record", "\x16\x03\x01\x02\x00", sniffOther},
		{"long token", strings.Repeat("A", 20), sniffOther},
		{"leading space", " GET /", sniffOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sniff([]byte(tt.in)); got != tt.want {
				t.Errorf("sniff(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestServeConn_ClosedBeforeFirstByte(t *testing.T) {
	h := newHarness(t, func(*Core, context.Context, *Request) {}, nil)
	cl := h.pipe(t, context.Background())
	cl.conn.Close()

	if err := cl.wait(t); err != nil {
		t.Errorf("ServeConn() error = %v, want nil", err)
	}
	first, last := <-h.states, <-h.states
	if first.state != StateAccepted || last.state != StateClosed || last.err != nil {
		t.Errorf("states = %v, %v (%v)", first.state, last.state, last.err)
	}
}

func TestServeConn_GarbageDefaultsToH1(t *testing.T) {
	h := newHarness(t, func(*Core, context.Context, *Request) {
		t.Error("host must not see malformed requests")
	}, nil)
	cl := h.pipe(t, context.Background())

	cl.send("\x16\x03\x01 junk\r\n\r\n")
	resp, _ := cl.response(t, "GET")
	if resp.StatusCode != 400 {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	err := cl.wait(t)
	if !errors.Is(err, httperr.KindProtocol) {
		t.Errorf("ServeConn() error = %v, want protocol error", err)
	}
	var closed stateEvent
	for ev := range h.states {
		if ev.state == StateClosed {
			closed = ev
			break
		}
	}
	if closed.info.Version != stream.HTTP11 || !errors.Is(closed.err, httperr.KindProtocol) {
		t.Errorf("closed notification = %+v", closed)
	}
}

func TestServeConn_SilentPeerDefaultsToH1(t *testing.T) {
	h := newHarness(t, func(c *Core, _ context.Context, req *Request) {
		_ = respond(c, req, 200, nil, req.Proto.String())
	}, func(cfg *Config) { cfg.DetectTimeout = 20 * time.Millisecond })
	cl := h.pipe(t, context.Background())

	time.Sleep(60 * time.Millisecond)
	cl.send("GET / HTTP/1.1\r\nHost: a\r\n\r\n")
	if _, body := cl.response(t, "GET"); body != "HTTP/1.1" {
		t.Errorf("body = %q", body)
	}
}

func TestServeConn_H2Disabled(t *testing.T) {
	h := newHarness(t, func(*Core, context.Context, *Request) {}, func(cfg *Config) {
		cfg.EnableH1, cfg.EnableH2 = true, false
	})
	cl := h.pipe(t, context.Background())

	cl.send(http2Preface)
	resp, _ := cl.response(t, "GET")
	if resp.StatusCode != 400 {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	if err := cl.wait(t); !errors.Is(err, httperr.KindProtocol) {
		t.Errorf("ServeConn() error = %v", err)
	}
}

// listen serves exactly one TCP connection through the core.
func (h *harness) listen(t *testing.T, ctx context.Context) (string, <-chan error) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	done := make(chan error, 1)
	go func() {
		nc, err := ln.Accept()
		ln.Close()
		if err != nil {
			done <- err
			return
		}
		done <- h.core.ServeConn(ctx, nc)
	}()
	return "http://" + ln.Addr().String(), done
}

func h2Client(t *testing.T) *http.Client {
	t.Helper()
	tr := &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
	}
	t.Cleanup(tr.CloseIdleConnections)
	return &http.Client{Transport: tr, Timeout: 5 * time.Second}
}

func echoHost(c *Core, _ context.Context, req *Request) {
	var data []byte
	if !req.Body.IsZero() {
		var err error
		if data, err = readAll(c, req.Body); err != nil {
			_ = c.ReleaseHandle(req.Reply)
			return
		}
	}
	_ = respond(c, req, 200, stream.Header{{"x-proto", req.Proto.String()}}, strings.ToUpper(string(data)))
}

func TestServeConn_PriorKnowledgeH2(t *testing.T) {
	h := newHarness(t, echoHost, nil)
	url, _ := h.listen(t, context.Background())

	resp, err := h2Client(t).Post(url+"/echo", "text/plain", strings.NewReader("over h2"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.ProtoMajor != 2 || resp.Header.Get("X-Proto") != "HTTP/2" || string(body) != "OVER H2" {
		t.Errorf("response = %s %q %q", resp.Proto, resp.Header.Get("X-Proto"), body)
	}
	if res := h.result(t); res.Status != 200 || res.Err != nil {
		t.Errorf("result = %+v", res)
	}
}

func TestServeConn_H1DisabledServesOnlyH2(t *testing.T) {
	h := newHarness(t, echoHost, func(cfg *Config) { cfg.EnableH1, cfg.EnableH2 = false, true })
	url, _ := h.listen(t, context.Background())

	resp, err := h2Client(t).Get(url + "/")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.ProtoMajor != 2 {
		t.Errorf("proto = %s", resp.Proto)
	}
}

func TestServeConn_H2UpgradeRejected(t *testing.T) {
	errs := make(chan error, 1)
	h := newHarness(t, func(c *Core, ctx context.Context, req *Request) {
		_, _, err := c.AttemptUpgrade(ctx, req.Reply, upgrade.Options{})
		errs <- err
		_ = respond(c, req, 426, nil)
	}, nil)
	url, _ := h.listen(t, context.Background())

	resp, err := h2Client(t).Get(url + "/ws")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 426 {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if err := <-errs; !errors.Is(err, httperr.KindUpgradeRejected) {
		t.Errorf("AttemptUpgrade over HTTP/2 = %v", err)
	}
}
