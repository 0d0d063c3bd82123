package resource

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/albertbausili/conduit/internal/httperr"
)

var (
	// ErrStaleHandle matches any lookup of a handle that is not live.
	ErrStaleHandle = errors.New("resource: stale handle")
	// ErrAlreadyReleased matches a release that lost the race to another
	// release of the same handle. It also matches ErrStaleHandle.
	ErrAlreadyReleased = errors.New("resource: already released")
	// ErrWrongKind is returned when a handle refers to a different kind of
	// resource than the operation expects.
	ErrWrongKind = errors.New("resource: wrong resource kind")
)

// Handle is an opaque reference into a Table. The low 32 bits hold the slot
// index plus one, the high 32 bits the slot generation. Zero is never issued.
type Handle uint64

func makeHandle(index, gen uint32) Handle {
	return Handle(uint64(gen)<<32 | uint64(index+1))
}

func (h Handle) index() (uint32, bool) {
	lo := uint32(h)
	if lo == 0 {
		return 0, false
	}
	return lo - 1, true
}

func (h Handle) generation() uint32 {
	return uint32(h >> 32)
}

// IsZero reports whether h is the absent handle.
func (h Handle) IsZero() bool {
	return h == 0
}

func (h Handle) String() string {
	idx, ok := h.index()
	if !ok {
		return "h-"
	}
	return fmt.Sprintf("h%d.%d", idx, h.generation())
}

// StaleHandleError describes a rejected handle. Cause, when set, is the
// reason the slot was released (a forced closure is surfaced this way).
type StaleHandleError struct {
	Handle   Handle
	Released bool
	Cause    error
}

func (e *StaleHandleError) Error() string {
	msg := "stale handle " + e.Handle.String()
	if e.Released {
		msg += " (released)"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *StaleHandleError) Unwrap() error {
	return e.Cause
}

// Is matches ErrStaleHandle, httperr.KindStaleHandle and, for released
// handles, ErrAlreadyReleased.
func (e *StaleHandleError) Is(target error) bool {
	if k, ok := target.(httperr.Kind); ok {
		return k == httperr.KindStaleHandle
	}
	switch target {
	case ErrStaleHandle:
		return true
	case ErrAlreadyReleased:
		return e.Released
	}
	return false
}

// Meta identifies who a resource belongs to.
type Meta struct {
	ConnID    string
	RequestID uint64
}

// EventType enumerates lifecycle events published by the table.
type EventType uint8

// Event types.
const (
	EventAllocated EventType = iota + 1
	EventStateChanged
	EventReleased
)

func (t EventType) String() string {
	switch t {
	case EventAllocated:
		return "allocated"
	case EventStateChanged:
		return "state-changed"
	case EventReleased:
		return "released"
	default:
		return "unknown"
	}
}

// Event is one lifecycle observation.
type Event struct {
	Type   EventType
	Handle Handle
	Kind   Kind
	Meta   Meta
	State  State
	Err    error
	At     time.Time
}

// Observer consumes table events. Observe is called synchronously and must
// not call back into the table.
type Observer interface {
	Observe(ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ev Event)

// Observe calls f(ev).
func (f ObserverFunc) Observe(ev Event) { f(ev) }

type slot struct {
	gen   uint32
	res   Resource
	meta  Meta
	cause error // release cause of generation gen-1
}

// Table is the single point of mutation for handle-to-resource mapping.
// Allocate and release are serialized across all connections.
type Table struct {
	mu        sync.Mutex
	slots     []slot
	free      []uint32
	live      int
	observers []Observer
	now       func() time.Time
}

// NewTable creates an empty table publishing to observers.
func NewTable(observers ...Observer) *Table {
	return &Table{
		observers: observers,
		now:       time.Now,
	}
}

// Subscribe adds an observer. Call before the table is shared.
func (t *Table) Subscribe(o Observer) {
	t.mu.Lock()
	t.observers = append(t.observers, o)
	t.mu.Unlock()
}

// SetClock overrides the event timestamp source.
func (t *Table) SetClock(now func() time.Time) {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
}

func (t *Table) emit(ev Event) {
	t.mu.Lock()
	ev.At = t.now()
	obs := t.observers
	t.mu.Unlock()
	for _, o := range obs {
		o.Observe(ev)
	}
}

// Allocate stores res and returns its handle.
func (t *Table) Allocate(res Resource, meta Meta) Handle {
	t.mu.Lock()
	var idx uint32
	if n := len(t.free); n > 0 {
		idx = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		idx = uint32(len(t.slots))
		t.slots = append(t.slots, slot{})
	}
	s := &t.slots[idx]
	s.res = res
	s.meta = meta
	s.cause = nil
	h := makeHandle(idx, s.gen)
	t.live++
	t.mu.Unlock()

	kind := res.Kind()
	t.emit(Event{Type: EventAllocated, Handle: h, Kind: kind, Meta: meta, State: res.State()})
	res.SetNotify(func(st State, err error) {
		t.emit(Event{Type: EventStateChanged, Handle: h, Kind: kind, Meta: meta, State: st, Err: err})
	})
	return h
}

// lookupLocked validates h. Callers hold t.mu.
func (t *Table) lookupLocked(h Handle) (*slot, error) {
	idx, ok := h.index()
	if !ok || idx >= uint32(len(t.slots)) {
		return nil, &StaleHandleError{Handle: h}
	}
	s := &t.slots[idx]
	gen := h.generation()
	switch {
	case s.res != nil && s.gen == gen:
		return s, nil
	case gen < s.gen:
		var cause error
		if gen == s.gen-1 {
			cause = s.cause
		}
		return nil, &StaleHandleError{Handle: h, Released: true, Cause: cause}
	default:
		return nil, &StaleHandleError{Handle: h}
	}
}

// Get returns the live resource for h.
func (t *Table) Get(h Handle) (Resource, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, err := t.lookupLocked(h)
	if err != nil {
		return nil, err
	}
	return s.res, nil
}

// Meta returns the ownership metadata for h.
func (t *Table) Meta(h Handle) (Meta, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, err := t.lookupLocked(h)
	if err != nil {
		return Meta{}, err
	}
	return s.meta, nil
}

// Release frees h. A non-terminal resource is closed. The loser of a release
// race gets an error matching ErrAlreadyReleased.
func (t *Table) Release(h Handle) error {
	return t.ReleaseWithCause(h, nil)
}

// ReleaseWithCause frees h, terminating the resource as Errored with cause
// when it is not terminal yet. Later lookups of h report cause.
func (t *Table) ReleaseWithCause(h Handle, cause error) error {
	t.mu.Lock()
	s, err := t.lookupLocked(h)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	res, meta := s.res, s.meta
	idx, _ := h.index()
	s.res = nil
	s.meta = Meta{}
	s.cause = cause
	s.gen++
	t.free = append(t.free, idx)
	t.live--
	t.mu.Unlock()

	res.Terminate(cause)
	res.SetNotify(nil)
	t.emit(Event{Type: EventReleased, Handle: h, Kind: res.Kind(), Meta: meta, State: res.State(), Err: res.Err()})
	return nil
}

// Reap forcibly errors and releases h. It is the corrective action of the
// zombie sweep and of connection drain timeouts.
func (t *Table) Reap(h Handle, cause error) error {
	return t.ReleaseWithCause(h, cause)
}

// Len returns the number of live handles.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live
}

// Live returns the number of live handles of kind k.
func (t *Table) Live(k Kind) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for i := range t.slots {
		if r := t.slots[i].res; r != nil && r.Kind() == k {
			n++
		}
	}
	return n
}
