package fault_test

import (
	"errors"
	"io"
	"strings"
	"testing"

	"shellbridge/internal/fault"
)

func TestWrapKeepsMarkerAndCause(t *testing.T) {
	err := fault.Wrap(fault.ErrProtocol, "wire", "read frame", "truncated payload", io.ErrUnexpectedEOF)
	if !errors.Is(err, fault.ErrProtocol) {
		t.Fatalf("expected protocol marker, got %v", err)
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected cause to be preserved, got %v", err)
	}
	if !strings.Contains(err.Error(), "wire: read frame: truncated payload") {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestKindOf(t *testing.T) {
	cases := []struct {
		err  error
		want fault.Kind
	}{
		{nil, fault.KindNone},
		{fault.Wrap(fault.ErrTimeout, "client", "request", "", nil), fault.KindTimeout},
		{fault.Wrap(fault.ErrDisconnected, "", "", "", nil), fault.KindDisconnected},
		{fault.Wrap(fault.ErrFrameTooLarge, "wire", "", "", nil), fault.KindFrameTooLarge},
		{fault.NewHandlerError("boom", "exploded"), fault.KindHandler},
		{fault.Wrap(fault.ErrConnectFailed, "client", "dial", "", io.EOF), fault.KindConnectFailed},
		{fault.ErrSessionNotFound, fault.KindSessionNotFound},
		{errors.New("plain"), fault.KindUnknown},
	}
	for _, tc := range cases {
		if got := fault.KindOf(tc.err); got != tc.want {
			t.Fatalf("KindOf(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestDescribeUsesStableMessages(t *testing.T) {
	if got := fault.Describe(fault.Wrap(fault.ErrConnectFailed, "client", "dial", "", nil)); got != "background process is not running" {
		t.Fatalf("unexpected connect message %q", got)
	}
	if got := fault.Describe(fault.Wrap(fault.ErrTimeout, "", "", "", nil)); got != "request timed out" {
		t.Fatalf("unexpected timeout message %q", got)
	}
	if got := fault.Describe(fault.NewHandlerError("nope", "queue is %s", "closed")); got != "queue is closed" {
		t.Fatalf("unexpected handler message %q", got)
	}
}

func TestConnectionFatal(t *testing.T) {
	if !fault.ConnectionFatal(fault.ErrFrameTooLarge) {
		t.Fatal("oversized frames must be connection-fatal")
	}
	if fault.ConnectionFatal(fault.NewHandlerError("x", "y")) {
		t.Fatal("handler errors must not be connection-fatal")
	}
}
