// Package compress decides whether a response body is compressed and
// provides the streaming encoders used when it is.
package compress

import (
	"strings"
)

// Encoding is a content-coding token.
type Encoding string

// Supported encodings, in server preference order.
const (
	Brotli Encoding = "br"
	Zstd   Encoding = "zstd"
	Gzip   Encoding = "gzip"
)

// ServerOrder breaks ties between encodings the client weighs equally.
var ServerOrder = []Encoding{Brotli, Zstd, Gzip}

// DefaultMinSize is the smallest declared Content-Length worth compressing.
const DefaultMinSize = 1024

// DefaultTypes is the default compressible-type allowlist. Entries are
// exact media types, "type/*" wildcards, or "*/*+suffix" structured syntax
// suffixes.
var DefaultTypes = []string{
	"text/*",
	"application/json",
	"application/javascript",
	"application/ecmascript",
	"application/xml",
	"application/x-ndjson",
	"application/wasm",
	"application/x-www-form-urlencoded",
	"application/vnd.ms-fontobject",
	"image/svg+xml",
	"image/x-icon",
	"image/bmp",
	"font/ttf",
	"font/otf",
	"*/*+json",
	"*/*+xml",
}

// DefaultExcluded lists types that are never compressed even if the
// allowlist matches them: media and archive formats are already compressed.
var DefaultExcluded = []string{
	"image/png",
	"image/jpeg",
	"image/gif",
	"image/webp",
	"image/avif",
	"video/*",
	"audio/*",
	"font/woff",
	"font/woff2",
	"application/zip",
	"application/gzip",
	"application/x-gzip",
	"application/zstd",
	"application/x-brotli",
	"application/x-7z-compressed",
	"application/x-rar-compressed",
	"application/pdf",
	"application/octet-stream",
}

// Policy is the compressible-type policy plus encoder tuning.
type Policy struct {
	// Types is the allowlist. An empty list compresses nothing.
	Types []string
	// Excluded overrides Types.
	Excluded []string
	// MinSize skips responses whose declared Content-Length is smaller.
	MinSize int64
	// Level is passed to the encoders. 0 selects each encoder's default.
	Level int
	// Encodings enabled on the server. Order is irrelevant; ties are broken
	// by ServerOrder.
	Encodings []Encoding
}

// DefaultPolicy returns a policy with every encoding enabled.
func DefaultPolicy() *Policy {
	return &Policy{
		Types:     append([]string(nil), DefaultTypes...),
		Excluded:  append([]string(nil), DefaultExcluded...),
		MinSize:   DefaultMinSize,
		Encodings: append([]Encoding(nil), ServerOrder...),
	}
}

// Enabled reports whether e may be negotiated.
func (p *Policy) Enabled(e Encoding) bool {
	for _, x := range p.Encodings {
		if x == e {
			return true
		}
	}
	return false
}

// Compressible reports whether contentType passes the type policy.
func (p *Policy) Compressible(contentType string) bool {
	mt := mediaType(contentType)
	if mt == "" {
		return false
	}
	if matchAny(p.Excluded, mt) {
		return false
	}
	return matchAny(p.Types, mt)
}

// mediaType lowercases contentType and strips its parameters.
func mediaType(contentType string) string {
	mt, _, _ := strings.Cut(contentType, ";")
	mt = strings.ToLower(strings.TrimSpace(mt))
	if !strings.Contains(mt, "/") {
		return ""
	}
	return mt
}

func matchAny(patterns []string, mt string) bool {
	for _, p := range patterns {
		if matchType(strings.ToLower(p), mt) {
			return true
		}
	}
	return false
}

func matchType(pattern, mt string) bool {
	switch {
	case pattern == mt:
		return true
	case strings.HasPrefix(pattern, "*/*+"):
		return strings.HasSuffix(mt, pattern[3:])
	case strings.HasSuffix(pattern, "/*"):
		return strings.HasPrefix(mt, pattern[:len(pattern)-1])
	}
	return false
}
