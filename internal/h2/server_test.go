package h2

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/http2"

	"github.com/albertbausili/conduit/internal/stream"
)

type testServer struct {
	url    string
	client *http.Client
	done   chan error
}

func startServer(t *testing.T, ctx context.Context, h stream.Handler) *testServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ts := &testServer{
		url:  "http://" + ln.Addr().String(),
		done: make(chan error, 1),
	}
	go func() {
		nc, err := ln.Accept()
		ln.Close()
		if err != nil {
			ts.done <- err
			return
		}
		err = ServeConn(ctx, nc, nil, h, Config{MaxConcurrentStreams: 16})
		nc.Close()
		ts.done <- err
	}()

	tr := &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
	}
	ts.client = &http.Client{Transport: tr, Timeout: 5 * time.Second}
	t.Cleanup(tr.CloseIdleConnections)
	return ts
}

func reply(status int, header stream.Header, chunks ...string) stream.HandlerFunc {
	return func(ctx context.Context, ex *stream.Exchange) {
		if err := ex.Sink.WriteHead(status, header); err != nil {
			ex.Sink.Abort(err)
			return
		}
		for _, c := range chunks {
			if _, err := ex.Sink.Write([]byte(c)); err != nil {
				ex.Sink.Abort(err)
				return
			}
			_ = ex.Sink.Flush()
		}
		if err := ex.Sink.Finish(); err != nil {
			ex.Sink.Abort(err)
		}
	}
}

func TestServeConn_Response(t *testing.T) {
	heads := make(chan stream.Head, 1)
	h := stream.HandlerFunc(func(ctx context.Context, ex *stream.Exchange) {
		heads <- ex.Head
		if ex.Hijacker != nil {
			t.Error("HTTP/2 exchanges must not be hijackable")
		}
		reply(200, stream.Header{{"content-type", "text/plain"}, {"x-multi", "a"}, {"x-multi", "b"},
			{"connection", "keep-alive"}}, "hello ", "h2")(ctx, ex)
	})
	ts := startServer(t, context.Background(), h)

	req, _ := http.NewRequest("GET", ts.url+"/path?q=1", nil)
	req.Header.Set("X-Zeta", "z")
	req.Header.Set("Accept", "*/*")
	resp, err := ts.client.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.ProtoMajor != 2 {
		t.Errorf("proto = %s", resp.Proto)
	}
	if string(body) != "hello h2" {
		t.Errorf("body = %q", body)
	}
	if got := resp.Header.Values("X-Multi"); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("x-multi = %v", got)
	}
	if resp.Header.Get("Connection") != "" {
		t.Error("connection header must not be sent over HTTP/2")
	}

	head := <-heads
	if head.Proto != stream.HTTP2 || head.Method != "GET" || head.URI != "/path?q=1" {
		t.Errorf("head = %+v", head)
	}
	if head.HasBody() {
		t.Error("GET without body should report no body")
	}
	if got := head.Header.Get("x-zeta"); got != "z" {
		t.Errorf("x-zeta = %q, want z", got)
	}
	if !head.Header.Has("accept") {
		t.Errorf("header = %v, want lowercase accept", head.Header)
	}
}

func TestServeConn_RequestBody(t *testing.T) {
	h := stream.HandlerFunc(func(ctx context.Context, ex *stream.Exchange) {
		if ex.Body == nil {
			reply(400, nil)(ctx, ex)
			return
		}
		data, err := io.ReadAll(ex.Body)
		if err != nil {
			ex.Sink.Abort(err)
			return
		}
		reply(200, nil, strings.ToUpper(string(data)))(ctx, ex)
	})
	ts := startServer(t, context.Background(), h)

	resp, err := ts.client.Post(ts.url+"/echo", "text/plain", strings.NewReader("streamed body"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != 200 || string(body) != "STREAMED BODY" {
		t.Errorf("response = %d %q", resp.StatusCode, body)
	}
}

func TestServeConn_AbortResetsStream(t *testing.T) {
	h := stream.HandlerFunc(func(ctx context.Context, ex *stream.Exchange) {
		_ = ex.Sink.WriteHead(200, nil)
		_, _ = ex.Sink.Write([]byte("partial"))
		_ = ex.Sink.Flush()
		ex.Sink.Abort(nil)
	})
	ts := startServer(t, context.Background(), h)

	resp, err := ts.client.Get(ts.url + "/")
	if err != nil {
		// The reset may overtake the headers.
		return
	}
	defer resp.Body.Close()
	if _, err := io.ReadAll(resp.Body); err == nil {
		t.Error("expected the body read to fail after RST_STREAM")
	}
}

func TestServeConn_ShortBodyIsReset(t *testing.T) {
	h := stream.HandlerFunc(func(ctx context.Context, ex *stream.Exchange) {
		_ = ex.Sink.WriteHead(200, stream.Header{{"content-length", "10"}})
		_, _ = ex.Sink.Write([]byte("abc"))
		if err := ex.Sink.Finish(); err != ErrShortBody {
			t.Errorf("Finish() error = %v, want ErrShortBody", err)
		}
	})
	ts := startServer(t, context.Background(), h)

	resp, err := ts.client.Get(ts.url + "/")
	if err != nil {
		return
	}
	defer resp.Body.Close()
	if _, err := io.ReadAll(resp.Body); err == nil {
		t.Error("expected a truncated body")
	}
}

func TestServeConn_NoResponseGets500(t *testing.T) {
	ts := startServer(t, context.Background(), stream.HandlerFunc(func(context.Context, *stream.Exchange) {}))

	resp, err := ts.client.Get(ts.url + "/")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 500 {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}

func TestServeConn_ConcurrentStreams(t *testing.T) {
	release := make(chan struct{})
	h := stream.HandlerFunc(func(ctx context.Context, ex *stream.Exchange) {
		if ex.URI == "/slow" {
			<-release
		}
		reply(200, nil, ex.URI)(ctx, ex)
	})
	ts := startServer(t, context.Background(), h)

	slow := make(chan string, 1)
	go func() {
		resp, err := ts.client.Get(ts.url + "/slow")
		if err != nil {
			slow <- err.Error()
			return
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		slow <- string(b)
	}()

	// A stalled stream does not hold back an independent one.
	resp, err := ts.client.Get(ts.url + "/fast")
	if err != nil {
		t.Fatalf("GET /fast: %v", err)
	}
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(b) != "/fast" {
		t.Errorf("fast body = %q", b)
	}

	close(release)
	if got := <-slow; got != "/slow" {
		t.Errorf("slow body = %q", got)
	}
}

func TestServeConn_DrainFinishesInFlight(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	started := make(chan struct{})
	release := make(chan struct{})
	h := stream.HandlerFunc(func(hctx context.Context, ex *stream.Exchange) {
		close(started)
		<-release
		if hctx.Err() != nil {
			t.Error("drain must not cancel in-flight exchanges")
		}
		reply(200, nil, "done")(hctx, ex)
	})
	ts := startServer(t, ctx, h)

	got := make(chan string, 1)
	go func() {
		resp, err := ts.client.Get(ts.url + "/")
		if err != nil {
			got <- err.Error()
			return
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		got <- string(b)
	}()

	<-started
	cancel()
	close(release)

	if body := <-got; body != "done" {
		t.Errorf("body = %q", body)
	}
	select {
	case err := <-ts.done:
		if err != nil {
			t.Errorf("ServeConn() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("ServeConn did not return after drain")
	}
}

func TestServeConn_LargeBodyBothWays(t *testing.T) {
	h := stream.HandlerFunc(func(ctx context.Context, ex *stream.Exchange) {
		data, err := io.ReadAll(ex.Body)
		if err != nil {
			ex.Sink.Abort(err)
			return
		}
		reply(200, nil, string(data))(ctx, ex)
	})
	ts := startServer(t, context.Background(), h)

	// Larger than both the stream and the connection receive windows.
	payload := strings.Repeat("0123456789abcdef", (2*initialConnWindow)/16)
	resp, err := ts.client.Post(ts.url+"/echo", "application/octet-stream", strings.NewReader(payload))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if len(body) != len(payload) || string(body) != payload {
		t.Errorf("echoed %d bytes, want %d", len(body), len(payload))
	}
}
