// Package h1 is the HTTP/1.1 engine: it reads request heads from a
// connection, exposes bodies as streams and frames responses.
package h1

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/albertbausili/conduit/internal/stream"
)

// Parse errors. The engine answers each with a status code before closing.
var (
	ErrHeadTooLarge       = errors.New("h1: request head too large")
	ErrUnsupportedVersion = errors.New("h1: unsupported HTTP version")
	ErrUnsupportedCoding  = errors.New("h1: unsupported transfer-encoding")
)

// Request is a parsed HTTP/1.1 request head.
type Request struct {
	Method  string
	Target  string
	Version stream.Version
	Header  stream.Header
	Host    string
	// ContentLength is -1 for chunked bodies and 0 when there is no body.
	ContentLength int64
	Chunked       bool
	KeepAlive     bool
	// ExpectContinue is set for "Expect: 100-continue".
	ExpectContinue bool
}

var (
	bGET    = []byte("GET")
	bHTTP11 = []byte("HTTP/1.1")
	bHTTP10 = []byte("HTTP/1.0")
	bCRLF   = []byte("\r\n")
)

// Parser parses a complete request head held in one buffer.
type Parser struct {
	buf []byte
	pos int
}

// NewParser creates a new HTTP/1.1 parser.
func NewParser() *Parser {
	return &Parser{}
}

// Reset resets the parser with new buffer data.
func (p *Parser) Reset(buf []byte) {
	p.buf = buf
	p.pos = 0
}

// ParseRequest parses the request line and headers from the buffer.
// Returns the number of bytes consumed; 0 means the head is incomplete.
func (p *Parser) ParseRequest(req *Request) (int, error) {
	if p.pos >= len(p.buf) {
		return 0, fmt.Errorf("buffer exhausted")
	}

	complete, err := p.parseRequestLine(req)
	if err != nil || !complete {
		return 0, err
	}

	if cap(req.Header) < 16 {
		req.Header = make(stream.Header, 0, 16)
	}
	req.ContentLength = 0
	req.KeepAlive = req.Version == stream.HTTP11

	complete, err = p.parseHeaders(req)
	if err != nil || !complete {
		return 0, err
	}
	if err := p.finish(req); err != nil {
		return 0, err
	}
	return p.pos, nil
}

// parseRequestLine parses METHOD SP TARGET SP VERSION CRLF, advancing p.pos.
// Returns complete=false if more data is needed.
func (p *Parser) parseRequestLine(req *Request) (bool, error) {
	// Robustness: ignore empty lines preceding the request line.
	for bytes.HasPrefix(p.buf[p.pos:], bCRLF) {
		p.pos += 2
	}
	lineEnd := bytes.Index(p.buf[p.pos:], bCRLF)
	if lineEnd == -1 {
		return false, nil
	}
	line := p.buf[p.pos : p.pos+lineEnd]
	p.pos += lineEnd + 2

	parts := bytes.SplitN(line, []byte(" "), 3)
	if len(parts) != 3 || len(parts[0]) == 0 || len(parts[1]) == 0 {
		return false, fmt.Errorf("invalid request line")
	}
	if bytes.Equal(parts[0], bGET) {
		req.Method = "GET"
	} else {
		if !validMethod(parts[0]) {
			return false, fmt.Errorf("invalid method %q", parts[0])
		}
		req.Method = string(parts[0])
	}
	req.Target = string(parts[1])
	switch {
	case bytes.Equal(parts[2], bHTTP11):
		req.Version = stream.HTTP11
	case bytes.Equal(parts[2], bHTTP10):
		req.Version = stream.HTTP10
	default:
		return false, fmt.Errorf("%w: %q", ErrUnsupportedVersion, parts[2])
	}
	return true, nil
}

// parseHeaders parses headers until CRLF CRLF, advancing p.pos.
// Returns complete=false if more data is needed.
func (p *Parser) parseHeaders(req *Request) (bool, error) {
	for {
		lineEnd := bytes.Index(p.buf[p.pos:], bCRLF)
		if lineEnd == -1 {
			return false, nil
		}
		line := p.buf[p.pos : p.pos+lineEnd]
		p.pos += lineEnd + 2
		if len(line) == 0 {
			return true, nil
		}
		if line[0] == ' ' || line[0] == '\t' {
			return false, fmt.Errorf("obsolete header line folding")
		}
		colonIdx := bytes.IndexByte(line, ':')
		if colonIdx <= 0 {
			return false, fmt.Errorf("invalid header line")
		}
		rawName := line[:colonIdx]
		rawValue := bytes.TrimSpace(line[colonIdx+1:])
		if err := p.appendHeader(req, rawName, rawValue); err != nil {
			return false, err
		}
	}
}

// appendHeader records one header line and picks out the framing fields.
func (p *Parser) appendHeader(req *Request, rawName, rawValue []byte) error {
	var name string
	switch {
	case asciiEqualFold(rawName, "Host"):
		name = "host"
	case asciiEqualFold(rawName, "Content-Length"):
		name = "content-length"
	case asciiEqualFold(rawName, "Transfer-Encoding"):
		name = "transfer-encoding"
	case asciiEqualFold(rawName, "Connection"):
		name = "connection"
	default:
		if !httpguts.ValidHeaderFieldName(string(rawName)) {
			return fmt.Errorf("invalid header name %q", rawName)
		}
		name = strings.ToLower(string(rawName))
	}
	value := string(rawValue)
	if !httpguts.ValidHeaderFieldValue(value) {
		return fmt.Errorf("invalid value for header %q", name)
	}
	req.Header = append(req.Header, [2]string{name, value})

	switch name {
	case "host":
		if req.Host != "" {
			return fmt.Errorf("duplicate Host header")
		}
		req.Host = value
	case "content-length":
		cl, ok := parseInt64Bytes(rawValue)
		if !ok {
			return fmt.Errorf("invalid content-length %q", value)
		}
		if len(req.Header.Values("content-length")) > 1 && req.ContentLength != cl {
			return fmt.Errorf("conflicting content-length values")
		}
		req.ContentLength = cl
	}
	return nil
}

// finish applies the cross-header rules once every line is known.
func (p *Parser) finish(req *Request) error {
	if req.Version == stream.HTTP11 && req.Host == "" {
		return fmt.Errorf("missing Host header")
	}

	if te := req.Header.Values("transfer-encoding"); len(te) > 0 {
		if req.Version == stream.HTTP10 {
			return fmt.Errorf("transfer-encoding in HTTP/1.0 request")
		}
		if req.Header.Has("content-length") {
			return fmt.Errorf("both content-length and transfer-encoding present")
		}
		if len(te) != 1 || !strings.EqualFold(strings.TrimSpace(te[0]), "chunked") {
			return fmt.Errorf("%w: %q", ErrUnsupportedCoding, strings.Join(te, ", "))
		}
		req.Chunked = true
		req.ContentLength = -1
	}

	conn := req.Header.Values("connection")
	switch {
	case httpguts.HeaderValuesContainsToken(conn, "close"):
		req.KeepAlive = false
	case httpguts.HeaderValuesContainsToken(conn, "keep-alive"):
		req.KeepAlive = true
	}

	if expect := req.Header.Get("expect"); expect != "" {
		if !strings.EqualFold(expect, "100-continue") {
			return fmt.Errorf("unsupported expectation %q", expect)
		}
		req.ExpectContinue = req.Version == stream.HTTP11 && req.ContentLength != 0
	}
	return nil
}

func validMethod(b []byte) bool {
	for _, c := range b {
		if !httpguts.IsTokenRune(rune(c)) {
			return false
		}
	}
	return true
}

// asciiEqualFold reports whether b equals s under ASCII case-insensitive comparison
func asciiEqualFold(b []byte, s string) bool {
	if len(b) != len(s) {
		return false
	}
	for i := 0; i < len(b); i++ {
		cb := b[i]
		cs := s[i]
		if 'A' <= cb && cb <= 'Z' {
			cb |= 0x20
		}
		if 'A' <= cs && cs <= 'Z' {
			cs |= 0x20
		}
		if cb != cs {
			return false
		}
	}
	return true
}

// parseInt64Bytes parses a base-10 int64 from ASCII bytes, returning ok=false on error
func parseInt64Bytes(b []byte) (int64, bool) {
	if len(b) == 0 || len(b) > 18 {
		return 0, false
	}
	var n int64
	for i := 0; i < len(b); i++ {
		c := b[i]
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int64(c-'0')
	}
	return n, true
}

// parseHexSize parses a chunk-size line, ignoring chunk extensions.
func parseHexSize(line []byte) (int64, error) {
	if semi := bytes.IndexByte(line, ';'); semi != -1 {
		line = line[:semi]
	}
	line = bytes.TrimSpace(line)
	if len(line) == 0 || len(line) > 15 {
		return 0, fmt.Errorf("invalid chunk size %q", line)
	}
	size, err := strconv.ParseInt(string(line), 16, 64)
	if err != nil || size < 0 {
		return 0, fmt.Errorf("invalid chunk size %q", line)
	}
	return size, nil
}
