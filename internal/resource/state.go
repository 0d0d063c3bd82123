// Package resource implements the handle table that maps small generation
// tagged integers to live streaming bodies and upgraded channels.
package resource

import (
	"sync"
)

// Kind is the type of resource a handle refers to.
type Kind uint8

// Resource kinds.
const (
	KindReader Kind = iota + 1
	KindWriter
	KindDuplex
)

func (k Kind) String() string {
	switch k {
	case KindReader:
		return "reader"
	case KindWriter:
		return "writer"
	case KindDuplex:
		return "duplex"
	default:
		return "unknown"
	}
}

// State is the lifecycle state of a resource. Readers use Open, EndOfStream,
// Closed and Errored; writers use Open, Finished, Closed and Errored.
type State uint8

// Lifecycle states.
const (
	StateOpen State = iota
	StateEndOfStream
	StateFinished
	StateClosed
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateEndOfStream:
		return "end-of-stream"
	case StateFinished:
		return "finished"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateErrored
}

// Resource is anything the table can hold.
type Resource interface {
	Kind() Kind
	State() State
	// Err is the error that moved the resource to Errored, or nil.
	Err() error
	// Done is closed once the resource reaches a terminal state.
	Done() <-chan struct{}
	// SetNotify installs the state-change callback. The table owns it.
	SetNotify(fn func(State, error))
	// Terminate forces a terminal state: Closed for a nil cause, Errored
	// otherwise. It must be safe to call concurrently with any other method.
	Terminate(cause error)
}

// Lifecycle is the state machine shared by every resource implementation.
// The zero value is an Open resource.
type Lifecycle struct {
	mu     sync.Mutex
	state  State
	err    error
	done   chan struct{}
	notify func(State, error)
}

func (l *Lifecycle) doneLocked() chan struct{} {
	if l.done == nil {
		l.done = make(chan struct{})
	}
	return l.done
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Err returns the terminal error, if any.
func (l *Lifecycle) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Done is closed on the first terminal transition.
func (l *Lifecycle) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.doneLocked()
}

// SetNotify installs fn as the state-change callback.
func (l *Lifecycle) SetNotify(fn func(State, error)) {
	l.mu.Lock()
	l.notify = fn
	l.mu.Unlock()
}

// Transition moves to state to. It returns false when the resource is
// already terminal or already in that state. The callback runs outside the
// lock.
func (l *Lifecycle) Transition(to State, err error) bool {
	l.mu.Lock()
	if l.state.Terminal() || l.state == to {
		l.mu.Unlock()
		return false
	}
	l.state = to
	if to == StateErrored {
		l.err = err
	}
	if to.Terminal() {
		close(l.doneLocked())
	}
	fn := l.notify
	l.mu.Unlock()

	if fn != nil {
		fn(to, err)
	}
	return true
}

// terminalState picks Closed or Errored for a cause.
func terminalState(cause error) State {
	if cause == nil {
		return StateClosed
	}
	return StateErrored
}
