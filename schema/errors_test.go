package schema

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorMessageAndUnwrap(t *testing.T) {
	err := ConfigError("proxy setup", ErrUnknownProxyType, "unknown proxy type %q", "socks9")
	if got := err.Error(); got != `proxy setup: unknown proxy type "socks9"` {
		t.Fatalf("unexpected message %q", got)
	}
	if !errors.Is(err, ErrUnknownProxyType) {
		t.Fatalf("expected sentinel in chain")
	}
	if got := NewError(ErrorTask, "wait", ErrTimeout).Error(); got != "wait: wait timed out" {
		t.Fatalf("unexpected message %q", got)
	}
	if got := (&Error{Kind: ErrorAbort, Op: "script"}).Error(); got != "abort script failed" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestIsKindWalksWrappedErrors(t *testing.T) {
	inner := NegotiationError("socks5 reply", nil, "connection refused")
	outer := TaskError("connect", inner, "connect failed")
	wrapped := fmt.Errorf("client: %w", outer)

	for _, kind := range []ErrorKind{ErrorTask, ErrorNegotiation} {
		if !IsKind(wrapped, kind) {
			t.Fatalf("expected kind %s in chain", kind)
		}
	}
	if IsKind(wrapped, ErrorConfiguration) {
		t.Fatalf("unexpected configuration kind")
	}
	if IsKind(errors.New("plain"), ErrorTask) {
		t.Fatalf("plain error classified")
	}
}

func TestHostStatePredicates(t *testing.T) {
	cases := []struct {
		state      HostState
		name       string
		connected  bool
		inProgress bool
	}{
		{HostNotConnected, "not-connected", false, false},
		{HostPending, "pending", false, true},
		{HostNegotiating, "negotiating", false, true},
		{HostConnected, "connected", true, false},
		{HostProtocolMode, "protocol-mode", true, false},
	}
	for _, tc := range cases {
		if tc.state.String() != tc.name || tc.state.Connected() != tc.connected || tc.state.InProgress() != tc.inProgress {
			t.Fatalf("state %d: got %s connected=%v inProgress=%v", tc.state, tc.state, tc.state.Connected(), tc.state.InProgress())
		}
	}
}
