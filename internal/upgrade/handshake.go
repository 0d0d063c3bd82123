// Package upgrade validates connection upgrade requests, completes the
// handshake and hands the raw connection over as a duplex Channel.
package upgrade

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/http/httpguts"

	"github.com/albertbausili/conduit/internal/httperr"
	"github.com/albertbausili/conduit/internal/stream"
)

// webSocketGUID is the fixed suffix of the accept-key derivation (RFC 6455).
const webSocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// DefaultTimeout bounds writing the 101 response.
const DefaultTimeout = 10 * time.Second

// AcceptKey derives Sec-WebSocket-Accept from the client nonce.
func AcceptKey(key string) string {
	sum := sha1.Sum([]byte(key + webSocketGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// Options shape an accepted handshake.
type Options struct {
	// Protocol selects a subprotocol; it must be one the client offered.
	Protocol string
	// Header is appended to the 101 response.
	Header stream.Header
	// Timeout bounds the handshake write. Zero uses the bridge default.
	Timeout time.Duration
}

// Request is a validated upgrade request.
type Request struct {
	// Protocol is the target protocol, lowercased ("websocket" or the
	// first token of the Upgrade header).
	Protocol string
	// Key is the WebSocket nonce, empty for other protocols.
	Key string
	// Subprotocols lists the client's Sec-WebSocket-Protocol offers.
	Subprotocols []string
}

// IsWebSocket reports whether the target protocol is WebSocket.
func (r *Request) IsWebSocket() bool {
	return r.Protocol == "websocket"
}

// Validate checks the handshake preconditions. A failure is an
// UpgradeRejected error carrying the reason; nothing has been written.
func Validate(head *stream.Head) (*Request, error) {
	switch head.Proto {
	case stream.HTTP11:
	case stream.HTTP2:
		return nil, httperr.Rejected("connection upgrades are not available over HTTP/2")
	default:
		return nil, httperr.Rejected("connection upgrades require HTTP/1.1")
	}
	if head.Method != http.MethodGet {
		return nil, httperr.Rejected("upgrade request method must be GET")
	}
	if !httpguts.HeaderValuesContainsToken(head.Header.Values("connection"), "upgrade") {
		return nil, httperr.Rejected("Connection header does not contain upgrade")
	}
	upgrade := head.Header.Values("upgrade")
	if len(upgrade) == 0 {
		return nil, httperr.Rejected("missing Upgrade header")
	}
	if head.HasBody() {
		return nil, httperr.Rejected("upgrade request must not carry a body")
	}

	if !httpguts.HeaderValuesContainsToken(upgrade, "websocket") {
		proto := firstToken(upgrade)
		switch proto {
		case "":
			return nil, httperr.Rejected("empty Upgrade header")
		case "h2c":
			return nil, httperr.Rejected("h2c upgrade is not supported")
		}
		return &Request{Protocol: proto}, nil
	}

	if v := strings.TrimSpace(head.Header.Get("sec-websocket-version")); v != "13" {
		return nil, httperr.Rejected("unsupported Sec-WebSocket-Version " + quote(v))
	}
	key := strings.TrimSpace(head.Header.Get("sec-websocket-key"))
	if key == "" {
		return nil, httperr.Rejected("missing Sec-WebSocket-Key")
	}
	if nonce, err := base64.StdEncoding.DecodeString(key); err != nil || len(nonce) != 16 {
		return nil, httperr.Rejected("malformed Sec-WebSocket-Key")
	}

	var subs []string
	for _, v := range head.Header.Values("sec-websocket-protocol") {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				subs = append(subs, p)
			}
		}
	}
	return &Request{Protocol: "websocket", Key: key, Subprotocols: subs}, nil
}

func firstToken(values []string) string {
	for _, v := range values {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				return strings.ToLower(p)
			}
		}
	}
	return ""
}

func quote(v string) string {
	if v == "" {
		return `""`
	}
	return v
}

// responseHead renders the 101 response for req.
func responseHead(req *Request, opts Options) ([]byte, error) {
	var sb strings.Builder
	sb.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	sb.WriteString("Upgrade: " + req.Protocol + "\r\n")
	sb.WriteString("Connection: Upgrade\r\n")
	if req.IsWebSocket() {
		sb.WriteString("Sec-WebSocket-Accept: " + AcceptKey(req.Key) + "\r\n")
	}
	if opts.Protocol != "" {
		if !req.IsWebSocket() || !offered(req.Subprotocols, opts.Protocol) {
			return nil, httperr.Rejected("subprotocol " + opts.Protocol + " was not offered")
		}
		sb.WriteString("Sec-WebSocket-Protocol: " + opts.Protocol + "\r\n")
	}
	for _, kv := range opts.Header {
		if !httpguts.ValidHeaderFieldName(kv[0]) || !httpguts.ValidHeaderFieldValue(kv[1]) {
			return nil, httperr.Rejected("invalid response header " + kv[0])
		}
		sb.WriteString(http.CanonicalHeaderKey(kv[0]) + ": " + kv[1] + "\r\n")
	}
	sb.WriteString("\r\n")
	return []byte(sb.String()), nil
}

func offered(subs []string, p string) bool {
	for _, s := range subs {
		if s == p {
			return true
		}
	}
	return false
}

// Bridge completes handshakes.
type Bridge struct {
	Timeout time.Duration
}

// Attempt validates ex, writes the 101 response and detaches the
// connection. On rejection nothing has been written and the exchange is
// still usable for an ordinary response.
func (b *Bridge) Attempt(ctx context.Context, ex *stream.Exchange, opts Options) (*Channel, error) {
	req, err := Validate(&ex.Head)
	if err != nil {
		return nil, err
	}
	if ex.Hijacker == nil {
		return nil, httperr.Rejected("connection cannot be detached")
	}
	head, err := responseHead(req, opts)
	if err != nil {
		return nil, err
	}

	conn, buffered, err := ex.Hijacker.Hijack()
	if err != nil {
		return nil, httperr.New(httperr.KindUpgradeRejected, "upgrade", err)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = b.Timeout
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)
	if _, err := conn.Write(head); err != nil {
		_ = conn.Close()
		return nil, httperr.Transport("upgrade handshake", err)
	}
	_ = conn.SetWriteDeadline(time.Time{})

	return newChannel(conn, buffered, req.Protocol, opts.Protocol), nil
}
