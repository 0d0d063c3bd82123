package h1

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/albertbausili/conduit/internal/httperr"
)

// ErrBodyClosed is returned by reads after the body was closed.
var ErrBodyClosed = errors.New("h1: request body closed")

// maxLineBytes bounds a chunk-size or trailer line.
const maxLineBytes = 4096

// aLongTimeAgo is a deadline in the past, used to interrupt blocked I/O.
var aLongTimeAgo = time.Unix(1, 0)

// fixedReader yields exactly n bytes of a Content-Length body.
type fixedReader struct {
	br *bufio.Reader
	n  int64
}

func (r *fixedReader) Read(p []byte) (int, error) {
	if r.n <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > r.n {
		p = p[:r.n]
	}
	n, err := r.br.Read(p)
	r.n -= int64(n)
	switch {
	case r.n == 0:
		return n, io.EOF
	case err == io.EOF:
		return n, io.ErrUnexpectedEOF
	}
	return n, err
}

// chunkedReader decodes a chunked transfer-coded body as it arrives.
type chunkedReader struct {
	br       *bufio.Reader
	left     int64 // bytes left in the current chunk
	needCRLF bool  // chunk data consumed, CRLF not yet
	done     bool
}

func (r *chunkedReader) Read(p []byte) (int, error) {
	for {
		if r.done {
			return 0, io.EOF
		}
		if r.needCRLF {
			if err := r.readCRLF(); err != nil {
				return 0, err
			}
			r.needCRLF = false
		}
		if r.left == 0 {
			line, err := readLine(r.br)
			if err != nil {
				return 0, err
			}
			size, err := parseHexSize(line)
			if err != nil {
				return 0, httperr.Protocol("read chunk", err)
			}
			if size == 0 {
				if err := r.readTrailers(); err != nil {
					return 0, err
				}
				r.done = true
				return 0, io.EOF
			}
			r.left = size
		}
		if len(p) == 0 {
			return 0, nil
		}

		q := p
		if int64(len(q)) > r.left {
			q = q[:r.left]
		}
		n, err := r.br.Read(q)
		r.left -= int64(n)
		if r.left == 0 {
			r.needCRLF = true
		}
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		if n > 0 || err != nil {
			return n, err
		}
	}
}

func (r *chunkedReader) readCRLF() error {
	var b [2]byte
	if _, err := io.ReadFull(r.br, b[:]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return err
	}
	if b[0] != '\r' || b[1] != '\n' {
		return httperr.Protocol("read chunk", errors.New("missing CRLF after chunk data"))
	}
	return nil
}

// readTrailers consumes the trailer section; trailer fields are discarded.
func (r *chunkedReader) readTrailers() error {
	total := 0
	for {
		line, err := readLine(r.br)
		if err != nil {
			return err
		}
		if len(line) == 0 {
			return nil
		}
		total += len(line)
		if total > maxLineBytes*4 {
			return httperr.Protocol("read trailers", ErrHeadTooLarge)
		}
	}
}

// readLine returns one CRLF-terminated line without its terminator.
func readLine(br *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		frag, err := br.ReadSlice('\n')
		if len(line)+len(frag) > maxLineBytes {
			return nil, httperr.Protocol("read line", errors.New("line too long"))
		}
		line = append(line, frag...)
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
		break
	}
	if !bytes.HasSuffix(line, bCRLF) {
		return nil, httperr.Protocol("read line", errors.New("line not terminated by CRLF"))
	}
	return line[:len(line)-2], nil
}

// body is the request body handed to the core. Reads run on the host's
// goroutine; Close may come from any goroutine and interrupts a blocked read.
type body struct {
	c   *serverConn
	src io.Reader

	mu          sync.Mutex // serializes reads with drain
	eof         bool
	interrupted bool
	err         error // first failure; the connection is not reusable after it
	expect      bool  // 100-continue still owed

	cmu    sync.Mutex // orders Close against detach
	closed atomic.Bool
}

func newBody(c *serverConn, req *Request) *body {
	b := &body{c: c, expect: req.ExpectContinue}
	if req.Chunked {
		b.src = &chunkedReader{br: c.br}
	} else {
		b.src = &fixedReader{br: c.br, n: req.ContentLength}
	}
	return b
}

func (b *body) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed.Load() {
		return 0, ErrBodyClosed
	}
	if b.err != nil {
		return 0, b.err
	}
	if b.eof {
		return 0, io.EOF
	}
	if b.expect {
		b.expect = false
		if err := b.c.rw.writeContinue(); err != nil {
			b.err = err
			return 0, err
		}
	}

	n, err := b.src.Read(p)
	switch {
	case err == io.EOF:
		b.eof = true
	case err != nil:
		if b.closed.Load() {
			b.interrupted = true
			return n, ErrBodyClosed
		}
		b.err = classify("read body", err)
		err = b.err
	}
	return n, err
}

// Close abandons the body. A read blocked on the socket is interrupted.
func (b *body) Close() error {
	b.cmu.Lock()
	defer b.cmu.Unlock()
	if b.closed.Swap(true) || b.c.hijacked.Load() {
		return nil
	}
	_ = b.c.nc.SetReadDeadline(aLongTimeAgo)
	return nil
}

// detach stops host access and discards up to limit unread bytes. It
// reports whether the connection can carry another request.
func (b *body) detach(limit int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.cmu.Lock()
	b.closed.Store(true)
	b.cmu.Unlock()
	_ = b.c.nc.SetReadDeadline(time.Time{})

	switch {
	case b.eof:
		return true
	case b.interrupted, b.err != nil:
		return false
	case b.expect:
		// The client is still waiting for 100 Continue and never sent the body.
		return false
	}
	_, err := io.CopyN(io.Discard, b.src, limit+1)
	return err == io.EOF
}

// classify maps an I/O failure to a transport error, keeping protocol
// errors raised by the decoders.
func classify(op string, err error) error {
	if httperr.KindOf(err) != 0 {
		return err
	}
	return httperr.Transport(op, err)
}
