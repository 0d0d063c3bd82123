// Package stream defines the exchange model shared by the HTTP/1.1 and HTTP/2
// engines and the connection negotiator.
package stream

import (
	"strconv"
	"strings"
)

// Version identifies the HTTP protocol spoken on a connection.
type Version uint8

// Protocol versions understood by the engines.
const (
	VersionUnknown Version = iota
	HTTP10
	HTTP11
	HTTP2
)

func (v Version) String() string {
	switch v {
	case HTTP10:
		return "HTTP/1.0"
	case HTTP11:
		return "HTTP/1.1"
	case HTTP2:
		return "HTTP/2"
	default:
		return "unknown"
	}
}

// Header is an order-preserving header list. Names are stored lowercase, as
// HTTP/2 requires, and duplicate names are kept as separate entries.
type Header [][2]string

// Get returns the first value for name, or "".
func (h Header) Get(name string) string {
	name = strings.ToLower(name)
	for _, kv := range h {
		if kv[0] == name {
			return kv[1]
		}
	}
	return ""
}

// Has reports whether name is present at least once.
func (h Header) Has(name string) bool {
	name = strings.ToLower(name)
	for _, kv := range h {
		if kv[0] == name {
			return true
		}
	}
	return false
}

// Values returns every value for name in wire order.
func (h Header) Values(name string) []string {
	name = strings.ToLower(name)
	var out []string
	for _, kv := range h {
		if kv[0] == name {
			out = append(out, kv[1])
		}
	}
	return out
}

// Add appends a new entry.
func (h *Header) Add(name, value string) {
	*h = append(*h, [2]string{strings.ToLower(name), value})
}

// Set replaces the first entry for name and drops the rest, or appends.
func (h *Header) Set(name, value string) {
	name = strings.ToLower(name)
	out := (*h)[:0]
	set := false
	for _, kv := range *h {
		if kv[0] == name {
			if set {
				continue
			}
			kv[1] = value
			set = true
		}
		out = append(out, kv)
	}
	if !set {
		out = append(out, [2]string{name, value})
	}
	*h = out
}

// Del removes every entry for name.
func (h *Header) Del(name string) {
	name = strings.ToLower(name)
	out := (*h)[:0]
	for _, kv := range *h {
		if kv[0] != name {
			out = append(out, kv)
		}
	}
	*h = out
}

// Clone returns a copy that shares no backing array with h.
func (h Header) Clone() Header {
	if h == nil {
		return nil
	}
	out := make(Header, len(h))
	copy(out, h)
	return out
}

// ContentLength parses the content-length entry. ok is false when it is
// absent or malformed.
func (h Header) ContentLength() (n int64, ok bool) {
	v := h.Get("content-length")
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
