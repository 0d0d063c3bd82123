// Package httperr defines the error kinds the engine reports to its host.
package httperr

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error.
type Kind int

const (
	// KindTransport is an I/O failure on the underlying connection. Fatal
	// to the connection.
	KindTransport Kind = iota + 1
	// KindProtocol is malformed framing from the peer. Fatal to the
	// connection.
	KindProtocol
	// KindStaleHandle is a handle that was released or never issued.
	KindStaleHandle
	// KindUpgradeRejected means handshake preconditions were not met; the
	// connection continues as plain HTTP.
	KindUpgradeRejected
	// KindResourceLeak is a zombie sweep finding.
	KindResourceLeak
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport error"
	case KindProtocol:
		return "protocol error"
	case KindStaleHandle:
		return "stale handle"
	case KindUpgradeRejected:
		return "upgrade rejected"
	case KindResourceLeak:
		return "resource leak detected"
	default:
		return fmt.Sprintf("unknown error kind %d", int(k))
	}
}

// Error implements error so a bare Kind can be used as a match target:
// errors.Is(err, httperr.KindTransport).
func (k Kind) Error() string {
	return k.String()
}

// Error carries a Kind plus the context it happened in.
type Error struct {
	Kind      Kind
	Op        string
	ConnID    string
	RequestID uint64
	Err       error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.ConnID != "" {
		msg += fmt.Sprintf(" (conn %s", e.ConnID)
		if e.RequestID != 0 {
			msg += fmt.Sprintf(", request %d", e.RequestID)
		}
		msg += ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error or a Kind with the same kind.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case Kind:
		return e.Kind == t
	case *Error:
		return e.Kind == t.Kind && (t.Err == nil || errors.Is(e.Err, t.Err))
	}
	return false
}

// New builds an *Error of the given kind wrapping err.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Transport wraps err as a transport failure.
func Transport(op string, err error) *Error {
	return New(KindTransport, op, err)
}

// Protocol wraps err as a protocol violation.
func Protocol(op string, err error) *Error {
	return New(KindProtocol, op, err)
}

// Rejected builds an upgrade rejection with a human readable reason.
func Rejected(reason string) *Error {
	return New(KindUpgradeRejected, "upgrade", errors.New(reason))
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return 0
}

// WithConn annotates err with connection and request identity when it is an
// *Error that does not carry them yet. Other errors pass through.
func WithConn(err error, connID string, requestID uint64) error {
	var e *Error
	if !errors.As(err, &e) || e.ConnID != "" {
		return err
	}
	c := *e
	c.ConnID = connID
	c.RequestID = requestID
	return &c
}
