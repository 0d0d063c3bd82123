// Package conduit is a streaming HTTP/1.1 and HTTP/2 protocol engine. It
// terminates connections, negotiates the protocol, and exposes request and
// response bodies as handle-addressed resources the host pulls from and
// pushes into incrementally.
package conduit

import (
	"github.com/albertbausili/conduit/internal/httperr"
	"github.com/albertbausili/conduit/internal/mux"
	"github.com/albertbausili/conduit/internal/resource"
	"github.com/albertbausili/conduit/internal/stream"
	"github.com/albertbausili/conduit/internal/upgrade"
	"github.com/albertbausili/conduit/internal/zombie"
)

type (
	// Request describes one inbound request.
	Request = mux.Request
	// Response is the head the host submits for a request.
	Response = mux.Response
	// Result summarizes a finished exchange.
	Result = mux.Result
	// Handle is an opaque, generation-tagged reference to a body resource.
	Handle = resource.Handle
	// Header is an ordered, duplicate-preserving header list with
	// lowercase names.
	Header = stream.Header
	// Version is the negotiated protocol version.
	Version = stream.Version

	// UpgradeOptions shape an accepted upgrade handshake.
	UpgradeOptions = upgrade.Options
	// UpgradeChannel is the duplex stream left after an accepted upgrade.
	UpgradeChannel = upgrade.Channel

	ConnInfo  = mux.ConnInfo
	ConnState = mux.ConnState

	// ZombieReport is one leaked resource found by a sweep.
	ZombieReport = zombie.Report
	// ZombieRecord is the tracker's view of one live resource.
	ZombieRecord = zombie.Record

	// Kind classifies an engine error. Match with errors.Is.
	Kind = httperr.Kind
	// Error is the typed engine error carrying a Kind.
	Error = httperr.Error
)

// Protocol versions.
const (
	HTTP10 = stream.HTTP10
	HTTP11 = stream.HTTP11
	HTTP2  = stream.HTTP2
)

// Connection states reported to Config.OnConnState.
const (
	StateAccepted = mux.StateAccepted
	StateDraining = mux.StateDraining
	StateClosed   = mux.StateClosed
)

// Error kinds.
const (
	KindTransport       = httperr.KindTransport
	KindProtocol        = httperr.KindProtocol
	KindStaleHandle     = httperr.KindStaleHandle
	KindUpgradeRejected = httperr.KindUpgradeRejected
	KindResourceLeak    = httperr.KindResourceLeak
)

var (
	ErrResponseSubmitted = mux.ErrResponseSubmitted
	ErrNotReply          = mux.ErrNotReply
	ErrDrainTimeout      = mux.ErrDrainTimeout
	ErrHandlerPanic      = mux.ErrHandlerPanic
	ErrStaleHandle       = resource.ErrStaleHandle
	ErrWrongKind         = resource.ErrWrongKind
	ErrClosed            = resource.ErrClosed
	ErrNotStarted        = resource.ErrNotStarted
	ErrFinished          = resource.ErrFinished
	ErrTruncated         = resource.ErrTruncated
)

// Handler receives requests. OnRequest may answer synchronously or keep the
// handles and return.
type Handler = mux.Host

// HandlerFunc is an adapter to allow ordinary functions to be used as
// handlers.
type HandlerFunc = mux.HostFunc

// KindOf returns the kind of the first engine error in err's chain, or 0.
func KindOf(err error) Kind { return httperr.KindOf(err) }
