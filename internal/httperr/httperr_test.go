package httperr

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
)

func TestError_IsKind(t *testing.T) {
	err := fmt.Errorf("read body: %w", Transport("read", io.ErrUnexpectedEOF))

	if !errors.Is(err, KindTransport) {
		t.Error("expected errors.Is to match KindTransport")
	}
	if errors.Is(err, KindProtocol) {
		t.Error("did not expect KindProtocol match")
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Error("expected wrapped cause to remain reachable")
	}
	if KindOf(err) != KindTransport {
		t.Errorf("KindOf() = %v, want %v", KindOf(err), KindTransport)
	}
}

func TestError_Message(t *testing.T) {
	err := WithConn(Rejected("missing Sec-WebSocket-Key"), "c1", 3)
	msg := err.Error()
	for _, want := range []string{"upgrade", "upgrade rejected", "conn c1", "request 3", "missing Sec-WebSocket-Key"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q missing %q", msg, want)
		}
	}
}

func TestWithConn_PassThrough(t *testing.T) {
	plain := errors.New("plain")
	if WithConn(plain, "c", 1) != plain {
		t.Error("non-*Error values must pass through unchanged")
	}

	annotated := WithConn(Protocol("parse", nil), "a", 1)
	again := WithConn(annotated, "b", 2)
	var e *Error
	if !errors.As(again, &e) || e.ConnID != "a" {
		t.Error("existing connection identity must not be overwritten")
	}
}

func TestKindOf_Unknown(t *testing.T) {
	if KindOf(errors.New("x")) != 0 {
		t.Error("expected zero kind for foreign errors")
	}
	if Kind(99).String() == "" {
		t.Error("unknown kinds still need a description")
	}
}
