package resource

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/albertbausili/conduit/internal/stream"
)

var (
	// ErrNotStarted is returned when body bytes are written before a
	// response head was submitted.
	ErrNotStarted = errors.New("resource: response head not submitted")
	// ErrHeadSubmitted is returned on a second response head.
	ErrHeadSubmitted = errors.New("resource: response head already submitted")
	// ErrFinished is returned when writing after the host finished the body.
	ErrFinished = errors.New("resource: body already finished")
	// ErrTruncated is the abort cause when a writer is released before the
	// body was finished.
	ErrTruncated = errors.New("resource: response body truncated")
)

// Encoder is a streaming transform installed in front of the sink, such as
// a compressor.
type Encoder interface {
	io.Writer
	Flush() error
	Close() error
}

// EncoderFunc builds an Encoder writing to w.
type EncoderFunc func(w io.Writer) (Encoder, error)

// Writer is a sink for response body chunks. The optional encoder is
// invisible to the handle holder.
type Writer struct {
	Lifecycle

	mu       sync.Mutex
	sink     stream.Sink
	body     io.Writer
	enc      Encoder
	started  bool
	complete bool
	written  int64
	wrapErr  func(error) error
}

// NewWriter creates an Open writer over sink. wrapErr, when non-nil, maps
// sink failures to the error the host observes.
func NewWriter(sink stream.Sink, wrapErr func(error) error) *Writer {
	return &Writer{sink: sink, wrapErr: wrapErr}
}

// Kind implements Resource.
func (w *Writer) Kind() Kind { return KindWriter }

// Started reports whether the response head went out.
func (w *Writer) Started() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.started
}

// Complete reports whether the body was finished and flushed.
func (w *Writer) Complete() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.complete
}

// Written returns the number of body bytes accepted from the host, before
// any encoding.
func (w *Writer) Written() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

func (w *Writer) stateErr() error {
	switch w.State() {
	case StateFinished:
		return ErrFinished
	case StateClosed:
		return ErrClosed
	case StateErrored:
		if err := w.Err(); err != nil {
			return err
		}
		return ErrClosed
	}
	return nil
}

func (w *Writer) fail(err error) error {
	if w.wrapErr != nil {
		err = w.wrapErr(err)
	}
	if w.Transition(StateErrored, err) {
		w.sink.Abort(err)
	}
	return w.stateErr()
}

// Start emits the response head and installs enc, when non-nil, in front of
// the sink.
func (w *Writer) Start(status int, header stream.Header, enc EncoderFunc) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.stateErr(); err != nil {
		return err
	}
	if w.started {
		return ErrHeadSubmitted
	}
	w.started = true
	if err := w.sink.WriteHead(status, header); err != nil {
		return w.fail(err)
	}
	w.body = w.sink
	if enc != nil {
		e, err := enc(w.sink)
		if err != nil {
			return w.fail(err)
		}
		w.enc = e
		w.body = e
	}
	if err := w.sink.Flush(); err != nil {
		return w.fail(err)
	}
	return nil
}

// Write frames p and flushes it to the transport before returning.
func (w *Writer) Write(ctx context.Context, p []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.stateErr(); err != nil {
		return err
	}
	if !w.started {
		return ErrNotStarted
	}
	if len(p) == 0 {
		return nil
	}

	stop := context.AfterFunc(ctx, func() { w.Terminate(ctx.Err()) })
	defer stop()

	if _, err := w.body.Write(p); err != nil {
		return w.fail(err)
	}
	w.written += int64(len(p))
	if w.enc != nil {
		if err := w.enc.Flush(); err != nil {
			return w.fail(err)
		}
	}
	if err := w.sink.Flush(); err != nil {
		return w.fail(err)
	}
	return nil
}

// Finish completes the body: Open → Finished → Closed once the end of
// message is flushed.
func (w *Writer) Finish(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.stateErr(); err != nil {
		return err
	}
	if !w.started {
		return ErrNotStarted
	}

	stop := context.AfterFunc(ctx, func() { w.Terminate(ctx.Err()) })
	defer stop()

	w.Transition(StateFinished, nil)
	if w.enc != nil {
		if err := w.enc.Close(); err != nil {
			return w.fail(err)
		}
	}
	if err := w.sink.Finish(); err != nil {
		return w.fail(err)
	}
	w.complete = true
	w.Transition(StateClosed, nil)
	return nil
}

// Terminate implements Resource. A writer terminated before Finish completed
// aborts the response on the wire.
func (w *Writer) Terminate(cause error) {
	abort := cause
	if abort == nil {
		abort = ErrTruncated
	}
	if w.Transition(terminalState(cause), cause) {
		w.sink.Abort(abort)
	}
}
