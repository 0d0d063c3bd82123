package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"

	"go.uber.org/zap"

	"github.com/albertbausili/conduit/pkg/conduit"
)

// echoHost answers requests through the handle API.
type echoHost struct {
	srv    *conduit.Server
	logger *zap.Logger
}

func newEchoHost(logger *zap.Logger) *echoHost {
	return &echoHost{logger: logger.Named("echo")}
}

func (h *echoHost) OnRequest(ctx context.Context, req *conduit.Request) {
	path, query := req.URI, url.Values{}
	if u, err := url.ParseRequestURI(req.URI); err == nil {
		path, query = u.Path, u.Query()
	}

	var err error
	switch path {
	case "/":
		err = h.text(ctx, req, 200, "hello from conduit over "+req.Proto.String()+"\n")
	case "/echo":
		err = h.echo(ctx, req)
	case "/stream":
		err = h.stream(ctx, req, query.Get("n"))
	case "/ws":
		err = h.upgrade(ctx, req)
	default:
		err = h.text(ctx, req, 404, "not found\n")
	}
	if err != nil {
		h.logger.Debug("exchange failed", zap.String("uri", req.URI), zap.Error(err))
		_ = h.srv.ReleaseHandle(req.Reply)
	}
}

func (h *echoHost) text(ctx context.Context, req *conduit.Request, status int, body string) error {
	err := h.srv.SubmitResponse(ctx, &conduit.Response{
		Status: status,
		Header: conduit.Header{
			{"content-type", "text/plain; charset=utf-8"},
			{"content-length", strconv.Itoa(len(body))},
		},
		Body: req.Reply,
	})
	if err != nil {
		return err
	}
	if err := h.srv.WriteBodyChunk(ctx, req.Reply, []byte(body)); err != nil {
		return err
	}
	return h.srv.FinishBody(ctx, req.Reply)
}

// echo streams the request body back chunk by chunk.
func (h *echoHost) echo(ctx context.Context, req *conduit.Request) error {
	ct := req.Header.Get("content-type")
	if ct == "" {
		ct = "application/octet-stream"
	}
	if err := h.srv.SubmitResponse(ctx, &conduit.Response{
		Status: 200,
		Header: conduit.Header{{"content-type", ct}},
		Body:   req.Reply,
	}); err != nil {
		return err
	}
	if !req.Body.IsZero() {
		for {
			chunk, err := h.srv.ReadBodyChunk(ctx, req.Body)
			if len(chunk) > 0 {
				if werr := h.srv.WriteBodyChunk(ctx, req.Reply, chunk); werr != nil {
					return werr
				}
			}
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return err
			}
		}
	}
	return h.srv.FinishBody(ctx, req.Reply)
}

func (h *echoHost) stream(ctx context.Context, req *conduit.Request, n string) error {
	count, err := strconv.Atoi(n)
	if err != nil || count <= 0 || count > 10000 {
		count = 10
	}
	if err := h.srv.SubmitResponse(ctx, &conduit.Response{
		Status: 200,
		Header: conduit.Header{{"content-type", "text/plain"}},
		Body:   req.Reply,
	}); err != nil {
		return err
	}
	for i := 0; i < count; i++ {
		if err := h.srv.WriteBodyChunk(ctx, req.Reply, fmt.Appendf(nil, "chunk %d\n", i)); err != nil {
			return err
		}
	}
	return h.srv.FinishBody(ctx, req.Reply)
}

// upgrade accepts a WebSocket handshake and echoes raw bytes; frames are
// the client's business.
func (h *echoHost) upgrade(ctx context.Context, req *conduit.Request) error {
	handle, ch, err := h.srv.AttemptUpgrade(ctx, req.Reply, conduit.UpgradeOptions{})
	if errors.Is(err, conduit.KindUpgradeRejected) {
		return h.text(ctx, req, 426, err.Error()+"\n")
	}
	if err != nil {
		return err
	}
	go func() {
		defer func() { _ = h.srv.ReleaseHandle(handle) }()
		n, err := io.Copy(ch, ch)
		h.logger.Debug("upgraded channel closed", zap.Int64("bytes", n), zap.Error(err))
	}()
	return nil
}
