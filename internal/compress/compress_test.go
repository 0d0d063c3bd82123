package compress

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/albertbausili/conduit/internal/stream"
)

func hdr(kv ...string) stream.Header {
	var h stream.Header
	for i := 0; i+1 < len(kv); i += 2 {
		h.Add(kv[i], kv[i+1])
	}
	return h
}

func TestDecide(t *testing.T) {
	p := DefaultPolicy()

	tests := []struct {
		name   string
		method string
		status int
		header stream.Header
		accept string
		want   Decision
	}{
		{
			name:   "html gzip above threshold",
			method: "GET", status: 200,
			header: hdr("content-type", "text/html; charset=utf-8", "content-length", "4096"),
			accept: "gzip;q=1",
			want:   Decision{Encoding: Gzip, Reason: Apply},
		},
		{
			name:   "streamed body without length",
			method: "GET", status: 200,
			header: hdr("content-type", "application/json"),
			accept: "gzip, br",
			want:   Decision{Encoding: Brotli, Reason: Apply},
		},
		{
			name:   "already encoded",
			method: "GET", status: 200,
			header: hdr("content-type", "text/plain", "content-encoding", "gzip"),
			accept: "gzip",
			want:   Decision{Reason: SkipEncoded},
		},
		{
			name:   "identity encoding is not an encoding",
			method: "GET", status: 200,
			header: hdr("content-type", "text/plain", "content-encoding", "identity"),
			accept: "gzip",
			want:   Decision{Encoding: Gzip, Reason: Apply},
		},
		{
			name:   "no-transform",
			method: "GET", status: 200,
			header: hdr("content-type", "text/plain", "cache-control", "public, no-transform"),
			accept: "gzip",
			want:   Decision{Reason: SkipNoTransform},
		},
		{
			name:   "304 never compressed",
			method: "GET", status: 304,
			header: hdr("content-type", "text/html"),
			accept: "gzip",
			want:   Decision{Reason: SkipStatus},
		},
		{
			name:   "204 never compressed",
			method: "GET", status: 204,
			header: hdr("content-type", "text/html"),
			accept: "gzip",
			want:   Decision{Reason: SkipStatus},
		},
		{
			name:   "partial content",
			method: "GET", status: 206,
			header: hdr("content-type", "text/html"),
			accept: "gzip",
			want:   Decision{Reason: SkipStatus},
		},
		{
			name:   "HEAD",
			method: "HEAD", status: 200,
			header: hdr("content-type", "text/html"),
			accept: "gzip",
			want:   Decision{Reason: SkipMethod},
		},
		{
			name:   "png never compressed",
			method: "GET", status: 200,
			header: hdr("content-type", "image/png", "content-length", "100000"),
			accept: "gzip, br",
			want:   Decision{Reason: SkipContentType},
		},
		{
			name:   "missing content type",
			method: "GET", status: 200,
			header: hdr("content-length", "100000"),
			accept: "gzip",
			want:   Decision{Reason: SkipContentType},
		},
		{
			name:   "structured suffix",
			method: "GET", status: 200,
			header: hdr("content-type", "application/problem+json"),
			accept: "zstd",
			want:   Decision{Encoding: Zstd, Reason: Apply},
		},
		{
			name:   "no accept-encoding",
			method: "GET", status: 200,
			header: hdr("content-type", "text/css"),
			want:   Decision{Reason: SkipNotAccepted},
		},
		{
			name:   "gzip refused",
			method: "GET", status: 200,
			header: hdr("content-type", "text/css"),
			accept: "gzip;q=0, identity",
			want:   Decision{Reason: SkipNotAccepted},
		},
		{
			name:   "below threshold",
			method: "GET", status: 200,
			header: hdr("content-type", "text/html", "content-length", "12"),
			accept: "gzip",
			want:   Decision{Reason: SkipTooSmall},
		},
		{
			name:   "exactly threshold",
			method: "POST", status: 201,
			header: hdr("content-type", "text/html", "content-length", "1024"),
			accept: "gzip",
			want:   Decision{Encoding: Gzip, Reason: Apply},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.Decide(tt.method, tt.status, tt.header, tt.accept)
			if got != tt.want {
				t.Errorf("Decide() = {%q %v}, want {%q %v}", got.Encoding, got.Reason, tt.want.Encoding, tt.want.Reason)
			}
			if got.Compress() != (tt.want.Reason == Apply) {
				t.Errorf("Compress() = %v", got.Compress())
			}
		})
	}
}

func TestNegotiate(t *testing.T) {
	tests := []struct {
		name    string
		enabled []Encoding
		accept  string
		want    Encoding
		ok      bool
	}{
		{"client weight wins", ServerOrder, "br;q=0.5, gzip;q=0.9", Gzip, true},
		{"tie goes to server order", ServerOrder, "gzip, zstd, br", Brotli, true},
		{"wildcard", ServerOrder, "*", Brotli, true},
		{"explicit overrides wildcard", ServerOrder, "*;q=0.8, br;q=0, zstd;q=0", Gzip, true},
		{"disabled encoding skipped", []Encoding{Gzip}, "br, gzip;q=0.1", Gzip, true},
		{"nothing enabled offered", []Encoding{Zstd}, "br, gzip", "", false},
		{"x-gzip alias", ServerOrder, "x-gzip", Gzip, true},
		{"malformed q", ServerOrder, "gzip;q=abc", "", false},
		{"case and spacing", ServerOrder, " GZIP ; Q=0.7 ", Gzip, true},
		{"identity only", ServerOrder, "identity", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Policy{Encodings: tt.enabled}
			got, ok := p.Negotiate(tt.accept)
			if got != tt.want || ok != tt.ok {
				t.Errorf("Negotiate(%q) = %q, %v, want %q, %v", tt.accept, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestCompressible(t *testing.T) {
	p := DefaultPolicy()
	p.Excluded = append(p.Excluded, "text/event-stream")

	tests := []struct {
		ct   string
		want bool
	}{
		{"text/html", true},
		{"TEXT/Plain; charset=UTF-8", true},
		{"image/svg+xml", true},
		{"application/ld+json", true},
		{"image/jpeg", false},
		{"video/mp4", false},
		{"application/octet-stream", false},
		{"text/event-stream", false},
		{"garbage", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := p.Compressible(tt.ct); got != tt.want {
			t.Errorf("Compressible(%q) = %v, want %v", tt.ct, got, tt.want)
		}
	}
}

func TestRewrite(t *testing.T) {
	in := hdr(
		"content-type", "text/html",
		"content-length", "5000",
		"etag", `"abc"`,
		"vary", "Origin",
	)
	out := Rewrite(in, Brotli)

	if out.Get("content-encoding") != "br" {
		t.Errorf("content-encoding = %q", out.Get("content-encoding"))
	}
	if out.Has("content-length") {
		t.Error("content-length must be removed")
	}
	if got := out.Values("vary"); len(got) != 2 || got[1] != "Accept-Encoding" {
		t.Errorf("vary = %q", got)
	}
	if out.Get("etag") != `W/"abc"` {
		t.Errorf("etag = %q", out.Get("etag"))
	}
	if in.Get("content-length") != "5000" || in.Has("content-encoding") {
		t.Error("input header was modified")
	}

	again := Rewrite(hdr("vary", "accept-encoding", "etag", `W/"x"`), Gzip)
	if len(again.Values("vary")) != 1 || again.Get("etag") != `W/"x"` {
		t.Errorf("Rewrite() duplicated vary or touched weak etag: %v", again)
	}
}

func TestEncoder_StreamsAfterFlush(t *testing.T) {
	readers := map[Encoding]func(io.Reader) (io.Reader, error){
		Brotli: func(r io.Reader) (io.Reader, error) { return brotli.NewReader(r), nil },
		Gzip:   func(r io.Reader) (io.Reader, error) { return gzip.NewReader(r) },
		Zstd: func(r io.Reader) (io.Reader, error) {
			d, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
			if err != nil {
				return nil, err
			}
			return d.IOReadCloser(), nil
		},
	}
	payload := strings.Repeat("streaming body chunk ", 64)

	for enc, newReader := range readers {
		t.Run(string(enc), func(t *testing.T) {
			var wire bytes.Buffer
			e, err := NewEncoder(enc, &wire, 0)
			if err != nil {
				t.Fatal(err)
			}
			if _, err := e.Write([]byte(payload)); err != nil {
				t.Fatal(err)
			}
			if err := e.Flush(); err != nil {
				t.Fatal(err)
			}

			// Everything written so far is decodable before Close.
			r, err := newReader(bytes.NewReader(wire.Bytes()))
			if err != nil {
				t.Fatal(err)
			}
			got := make([]byte, len(payload))
			if _, err := io.ReadFull(r, got); err != nil {
				t.Fatalf("decoding flushed prefix: %v", err)
			}
			if string(got) != payload {
				t.Error("flushed prefix mismatch")
			}
			if err := e.Close(); err != nil {
				t.Fatal(err)
			}
		})
	}

	if _, err := NewEncoder("deflate", io.Discard, 0); err == nil {
		t.Error("expected error for unsupported encoding")
	}
}
