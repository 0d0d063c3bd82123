package h2

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
	"golang.org/x/net/http2/hpack"

	"github.com/albertbausili/conduit/internal/date"
	"github.com/albertbausili/conduit/internal/stream"
)

// Request head errors. Each one resets the offending stream with
// PROTOCOL_ERROR.
var (
	ErrMissingPseudo    = errors.New("h2: missing required pseudo-header")
	ErrConnectionHeader = errors.New("h2: connection-specific header field")
	ErrBadTE            = errors.New(`h2: te header must be "trailers"`)
	ErrBadContentLength = errors.New("h2: malformed content-length")
	ErrTrailerPseudo    = errors.New("h2: pseudo-header in trailers")
)

// connectionHeaders are not allowed in HTTP/2 messages.
var connectionHeaders = map[string]bool{
	"connection":        true,
	"keep-alive":        true,
	"proxy-connection":  true,
	"transfer-encoding": true,
	"upgrade":           true,
}

// decodeHead builds a request head from a decoded header block. Fields keep
// their wire order; the framer has already rejected uppercase names and
// pseudo-headers after regular ones.
func decodeHead(fields []hpack.HeaderField, ended bool) (stream.Head, error) {
	var (
		head                          stream.Head
		method, path, scheme          string
		authority                     string
		hasMethod, hasPath, hasScheme bool
	)
	head.Header = make(stream.Header, 0, len(fields))
	for _, hf := range fields {
		if strings.HasPrefix(hf.Name, ":") {
			switch hf.Name {
			case ":method":
				method, hasMethod = hf.Value, true
			case ":path":
				path, hasPath = hf.Value, true
			case ":scheme":
				scheme, hasScheme = hf.Value, true
			case ":authority":
				authority = hf.Value
			}
			continue
		}
		if connectionHeaders[hf.Name] {
			return head, fmt.Errorf("%w: %s", ErrConnectionHeader, hf.Name)
		}
		if hf.Name == "te" && hf.Value != "trailers" {
			return head, ErrBadTE
		}
		head.Header = append(head.Header, [2]string{hf.Name, hf.Value})
	}

	if !hasMethod {
		return head, fmt.Errorf("%w: :method", ErrMissingPseudo)
	}
	if method == "CONNECT" {
		if hasPath || hasScheme || authority == "" {
			return head, fmt.Errorf("%w: CONNECT needs only :authority", ErrMissingPseudo)
		}
		path = authority
	} else if path == "" || scheme == "" {
		return head, fmt.Errorf("%w: :path and :scheme", ErrMissingPseudo)
	}
	if authority == "" {
		authority = head.Header.Get("host")
	}

	head.Method = method
	head.URI = path
	head.Authority = authority
	head.Proto = stream.HTTP2
	switch {
	case ended:
		head.ContentLength = 0
	case head.Header.Has("content-length"):
		n, ok := head.Header.ContentLength()
		if !ok {
			return head, ErrBadContentLength
		}
		head.ContentLength = n
	default:
		head.ContentLength = -1
	}
	return head, nil
}

// checkTrailers validates a trailing header block. Its fields are dropped.
func checkTrailers(fields []hpack.HeaderField) error {
	for _, hf := range fields {
		if strings.HasPrefix(hf.Name, ":") {
			return ErrTrailerPseudo
		}
		if connectionHeaders[hf.Name] {
			return fmt.Errorf("%w: %s", ErrConnectionHeader, hf.Name)
		}
	}
	return nil
}

// responseFields lists the fields of a response head in submission order:
// :status first, connection-specific fields dropped and date appended when
// the host did not set one.
func responseFields(status int, header stream.Header) ([]hpack.HeaderField, error) {
	fields := make([]hpack.HeaderField, 0, len(header)+2)
	fields = append(fields, hpack.HeaderField{Name: ":status", Value: strconv.Itoa(status)})
	hasDate := false
	for _, kv := range header {
		name := strings.ToLower(kv[0])
		if !httpguts.ValidHeaderFieldName(name) || !httpguts.ValidHeaderFieldValue(kv[1]) {
			return nil, fmt.Errorf("h2: invalid response header %q", kv[0])
		}
		if connectionHeaders[name] {
			continue
		}
		if name == "date" {
			hasDate = true
		}
		fields = append(fields, hpack.HeaderField{Name: name, Value: kv[1]})
	}
	if !hasDate {
		fields = append(fields, hpack.HeaderField{Name: "date", Value: date.Current()})
	}
	return fields, nil
}
