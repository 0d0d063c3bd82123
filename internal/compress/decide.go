package compress

import (
	"net/http"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/albertbausili/conduit/internal/stream"
)

// Reason names the rule that decided a response.
type Reason uint8

// Decision outcomes. Rules are evaluated in this order and the first
// failing one wins.
const (
	Apply Reason = iota
	SkipEncoded
	SkipNoTransform
	SkipStatus
	SkipMethod
	SkipContentType
	SkipNotAccepted
	SkipTooSmall
)

func (r Reason) String() string {
	switch r {
	case Apply:
		return "compress"
	case SkipEncoded:
		return "already encoded"
	case SkipNoTransform:
		return "no-transform"
	case SkipStatus:
		return "bodiless status"
	case SkipMethod:
		return "HEAD request"
	case SkipContentType:
		return "content type not compressible"
	case SkipNotAccepted:
		return "no acceptable encoding"
	case SkipTooSmall:
		return "below minimum size"
	default:
		return "unknown"
	}
}

// Decision is the pipeline result.
type Decision struct {
	Encoding Encoding
	Reason   Reason
}

// Compress reports whether the body should be wrapped.
func (d Decision) Compress() bool {
	return d.Reason == Apply && d.Encoding != ""
}

// Decide runs the decision rules for one response. method is the request
// method, acceptEncoding the request's Accept-Encoding value.
func (p *Policy) Decide(method string, status int, header stream.Header, acceptEncoding string) Decision {
	if ce := header.Get("content-encoding"); ce != "" && !strings.EqualFold(ce, "identity") {
		return Decision{Reason: SkipEncoded}
	}
	if httpguts.HeaderValuesContainsToken(header.Values("cache-control"), "no-transform") {
		return Decision{Reason: SkipNoTransform}
	}
	if !statusAllowsBody(status) || status == http.StatusPartialContent {
		return Decision{Reason: SkipStatus}
	}
	if method == http.MethodHead {
		return Decision{Reason: SkipMethod}
	}
	if !p.Compressible(header.Get("content-type")) {
		return Decision{Reason: SkipContentType}
	}
	enc, ok := p.Negotiate(acceptEncoding)
	if !ok {
		return Decision{Reason: SkipNotAccepted}
	}
	if n, ok := header.ContentLength(); ok && n < p.MinSize {
		return Decision{Reason: SkipTooSmall}
	}
	return Decision{Encoding: enc, Reason: Apply}
}

func statusAllowsBody(status int) bool {
	switch {
	case status >= 100 && status < 200:
		return false
	case status == http.StatusNoContent, status == http.StatusResetContent, status == http.StatusNotModified:
		return false
	}
	return true
}

// Rewrite returns a copy of header adjusted for a compressed body:
// Content-Encoding set, Content-Length dropped, Vary extended and a strong
// ETag weakened.
func Rewrite(header stream.Header, enc Encoding) stream.Header {
	out := header.Clone()
	out.Set("content-encoding", string(enc))
	out.Del("content-length")

	vary := out.Values("vary")
	if !httpguts.HeaderValuesContainsToken(vary, "*") &&
		!httpguts.HeaderValuesContainsToken(vary, "accept-encoding") {
		out.Add("vary", "Accept-Encoding")
	}
	if etag := out.Get("etag"); strings.HasPrefix(etag, `"`) {
		out.Set("etag", "W/"+etag)
	}
	return out
}
