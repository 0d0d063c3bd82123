package upgrade

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/albertbausili/conduit/internal/httperr"
	"github.com/albertbausili/conduit/internal/resource"
	"github.com/albertbausili/conduit/internal/stream"
)

const sampleKey = "dGhlIHNhbXBsZSBub25jZQ=="

func TestAcceptKey(t *testing.T) {
	// RFC 6455 section 1.3 example.
	if got := AcceptKey(sampleKey); got != "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=" {
		t.Errorf("AcceptKey() = %q", got)
	}
}

func wsHead(mutate func(h *stream.Head)) *stream.Head {
	h := &stream.Head{
		Method: "GET",
		URI:    "/chat",
		Proto:  stream.HTTP11,
		Header: stream.Header{
			{"host", "example.com"},
			{"connection", "keep-alive, Upgrade"},
			{"upgrade", "websocket"},
			{"sec-websocket-version", "13"},
			{"sec-websocket-key", sampleKey},
			{"sec-websocket-protocol", "chat, superchat"},
		},
	}
	if mutate != nil {
		mutate(h)
	}
	return h
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(h *stream.Head)
		wantErr bool
		proto   string
	}{
		{name: "valid websocket", proto: "websocket"},
		{name: "http2", mutate: func(h *stream.Head) { h.Proto = stream.HTTP2 }, wantErr: true},
		{name: "http1.0", mutate: func(h *stream.Head) { h.Proto = stream.HTTP10 }, wantErr: true},
		{name: "post", mutate: func(h *stream.Head) { h.Method = "POST" }, wantErr: true},
		{name: "no connection token", mutate: func(h *stream.Head) { h.Header.Set("connection", "keep-alive") }, wantErr: true},
		{name: "no upgrade header", mutate: func(h *stream.Head) { h.Header.Del("upgrade") }, wantErr: true},
		{name: "wrong version", mutate: func(h *stream.Head) { h.Header.Set("sec-websocket-version", "8") }, wantErr: true},
		{name: "missing key", mutate: func(h *stream.Head) { h.Header.Del("sec-websocket-key") }, wantErr: true},
		{name: "key not base64", mutate: func(h *stream.Head) { h.Header.Set("sec-websocket-key", "not base64!!") }, wantErr: true},
		{name: "key wrong length", mutate: func(h *stream.Head) { h.Header.Set("sec-websocket-key", "c2hvcnQ=") }, wantErr: true},
		{name: "body present", mutate: func(h *stream.Head) { h.ContentLength = 5 }, wantErr: true},
		{name: "h2c", mutate: func(h *stream.Head) { h.Header.Set("upgrade", "h2c") }, wantErr: true},
		{name: "custom protocol", mutate: func(h *stream.Head) { h.Header.Set("upgrade", "Foo/2, bar") }, proto: "foo/2"},
		{name: "case-insensitive websocket", mutate: func(h *stream.Head) { h.Header.Set("upgrade", "WebSocket") }, proto: "websocket"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := Validate(wsHead(tt.mutate))
			if tt.wantErr {
				if !errors.Is(err, httperr.KindUpgradeRejected) {
					t.Errorf("Validate() error = %v, want UpgradeRejected", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate() error = %v", err)
			}
			if req.Protocol != tt.proto {
				t.Errorf("Protocol = %q, want %q", req.Protocol, tt.proto)
			}
		})
	}
}

type pipeHijacker struct {
	conn     net.Conn
	buffered []byte
	calls    int
}

func (h *pipeHijacker) Hijack() (net.Conn, []byte, error) {
	h.calls++
	return h.conn, h.buffered, nil
}

func TestAttempt_Accepted(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	hj := &pipeHijacker{conn: server, buffered: []byte("early")}
	ex := &stream.Exchange{Head: *wsHead(nil), Hijacker: hj}
	b := &Bridge{}

	type result struct {
		ch  *Channel
		err error
	}
	done := make(chan result, 1)
	go func() {
		ch, err := b.Attempt(context.Background(), ex, Options{
			Protocol: "chat",
			Header:   stream.Header{{"x-served-by", "conduit"}},
		})
		done <- result{ch, err}
	}()

	resp, err := http.ReadResponse(bufio.NewReader(client), nil)
	if err != nil {
		t.Fatalf("reading 101: %v", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Errorf("status = %d", resp.StatusCode)
	}
	for k, want := range map[string]string{
		"Upgrade":                "websocket",
		"Connection":             "Upgrade",
		"Sec-Websocket-Accept":   AcceptKey(sampleKey),
		"Sec-Websocket-Protocol": "chat",
		"X-Served-By":            "conduit",
	} {
		if got := resp.Header.Get(k); got != want {
			t.Errorf("%s = %q, want %q", k, got, want)
		}
	}

	res := <-done
	if res.err != nil {
		t.Fatalf("Attempt() error = %v", res.err)
	}
	ch := res.ch
	if ch.Kind() != resource.KindDuplex || ch.Protocol() != "websocket" || ch.Subprotocol() != "chat" {
		t.Errorf("channel = kind %v proto %q sub %q", ch.Kind(), ch.Protocol(), ch.Subprotocol())
	}

	// Buffered bytes come first, then the socket.
	go func() { _, _ = client.Write([]byte(" later")) }()
	buf := make([]byte, 5)
	if _, err := io.ReadFull(ch, buf); err != nil || string(buf) != "early" {
		t.Fatalf("replayed = %q, %v", buf, err)
	}
	buf = make([]byte, 6)
	if _, err := io.ReadFull(ch, buf); err != nil || string(buf) != " later" {
		t.Fatalf("socket bytes = %q, %v", buf, err)
	}

	if err := ch.Close(); err != nil {
		t.Fatal(err)
	}
	if ch.State() != resource.StateClosed {
		t.Errorf("state = %v", ch.State())
	}
}

func TestAttempt_RejectedLeavesConnection(t *testing.T) {
	tests := []struct {
		name string
		ex   *stream.Exchange
		opts Options
	}{
		{
			name: "malformed nonce",
			ex: &stream.Exchange{Head: *wsHead(func(h *stream.Head) {
				h.Header.Set("sec-websocket-key", "???")
			})},
		},
		{
			name: "subprotocol not offered",
			ex:   &stream.Exchange{Head: *wsHead(nil)},
			opts: Options{Protocol: "graphql-ws"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hj := &pipeHijacker{}
			tt.ex.Hijacker = hj
			_, err := (&Bridge{}).Attempt(context.Background(), tt.ex, tt.opts)
			if !errors.Is(err, httperr.KindUpgradeRejected) {
				t.Errorf("Attempt() error = %v, want UpgradeRejected", err)
			}
			if hj.calls != 0 {
				t.Error("rejected upgrade must not detach the connection")
			}
		})
	}

	noHijack := &stream.Exchange{Head: *wsHead(nil)}
	if _, err := (&Bridge{}).Attempt(context.Background(), noHijack, Options{}); !errors.Is(err, httperr.KindUpgradeRejected) {
		t.Errorf("Attempt() without hijacker = %v", err)
	}
}

func TestChannel_Terminate(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	ch := newChannel(server, nil, "websocket", "")
	cause := errors.New("drain timeout")

	ch.Terminate(cause)
	if ch.State() != resource.StateErrored || !errors.Is(ch.Err(), cause) {
		t.Errorf("state = %v err = %v", ch.State(), ch.Err())
	}
	if _, err := ch.Read(make([]byte, 1)); !errors.Is(err, cause) {
		t.Errorf("Read() after terminate = %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Errorf("Close() after terminate = %v", err)
	}
}
