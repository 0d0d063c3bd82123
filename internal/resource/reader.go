package resource

import (
	"context"
	"errors"
	"io"
	"sync"
)

// ErrClosed is returned by operations on a resource that was closed.
var ErrClosed = errors.New("resource: closed")

// DefaultChunkSize bounds a single ReadChunk result.
const DefaultChunkSize = 64 << 10

// Reader is a pull cursor over an inbound body stream.
type Reader struct {
	Lifecycle

	src      io.ReadCloser
	chunk    int
	readMu   sync.Mutex
	eof      bool // src reported EOF together with data
	consumed int64
	// wrapErr classifies source failures (transport vs protocol).
	wrapErr func(error) error
}

// NewReader wraps src. chunkSize <= 0 selects DefaultChunkSize. wrapErr, when
// non-nil, maps source errors to the error the host observes.
func NewReader(src io.ReadCloser, chunkSize int, wrapErr func(error) error) *Reader {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Reader{src: src, chunk: chunkSize, wrapErr: wrapErr}
}

// Kind implements Resource.
func (r *Reader) Kind() Kind { return KindReader }

// Consumed returns the number of body bytes handed out so far.
func (r *Reader) Consumed() int64 {
	r.readMu.Lock()
	defer r.readMu.Unlock()
	return r.consumed
}

// stateErr maps a non-readable state to the error the caller observes.
func (r *Reader) stateErr() error {
	switch r.State() {
	case StateEndOfStream:
		return io.EOF
	case StateClosed:
		return ErrClosed
	case StateErrored:
		if err := r.Err(); err != nil {
			return err
		}
		return ErrClosed
	}
	return nil
}

// ReadChunk returns the next chunk of body bytes. It blocks until bytes,
// end of stream or an error are available. End of stream is io.EOF. A
// cancelled ctx errors the resource so the blocked source read unwinds.
func (r *Reader) ReadChunk(ctx context.Context) ([]byte, error) {
	r.readMu.Lock()
	defer r.readMu.Unlock()

	if err := r.stateErr(); err != nil {
		return nil, err
	}
	if r.eof {
		r.Transition(StateEndOfStream, nil)
		return nil, io.EOF
	}

	stop := context.AfterFunc(ctx, func() { r.Terminate(ctx.Err()) })
	defer stop()

	buf := make([]byte, r.chunk)
	for {
		n, err := r.src.Read(buf)
		if n > 0 {
			r.consumed += int64(n)
			if err == io.EOF {
				r.eof = true
			} else if err != nil {
				r.fail(err)
			}
			return buf[:n], nil
		}
		switch {
		case err == io.EOF:
			r.Transition(StateEndOfStream, nil)
			return nil, io.EOF
		case err != nil:
			// Terminate may have raced the read; prefer the terminal error.
			if serr := r.stateErr(); serr != nil {
				return nil, serr
			}
			return nil, r.fail(err)
		}
	}
}

func (r *Reader) fail(err error) error {
	if r.wrapErr != nil {
		err = r.wrapErr(err)
	}
	if r.Transition(StateErrored, err) {
		_ = r.src.Close()
	}
	return r.stateErr()
}

// Terminate implements Resource.
func (r *Reader) Terminate(cause error) {
	if r.Transition(terminalState(cause), cause) {
		_ = r.src.Close()
	}
}
