package daemonctl

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"shellbridge/internal/fault"
	"shellbridge/internal/procinfo"
)

func notFound() error {
	return fault.Wrap(fault.ErrSessionNotFound, "procinfo", "walk", "no anchor", nil)
}

func TestRetryIdentitySucceedsAfterTransientMiss(t *testing.T) {
	calls := 0
	id, err := retryIdentity(func() (procinfo.Identity, error) {
		calls++
		if calls < 3 {
			return procinfo.Identity{}, notFound()
		}
		return procinfo.Identity{SessionID: "found"}, nil
	}, 3, time.Millisecond)
	if err != nil {
		t.Fatalf("retryIdentity: %v", err)
	}
	if id.SessionID != "found" || calls != 3 {
		t.Fatalf("got %+v after %d calls", id, calls)
	}
}

func TestRetryIdentityStopsOnOtherErrors(t *testing.T) {
	calls := 0
	boom := errors.New("bad signature")
	_, err := retryIdentity(func() (procinfo.Identity, error) {
		calls++
		return procinfo.Identity{}, boom
	}, 5, time.Millisecond)
	if !errors.Is(err, boom) || calls != 1 {
		t.Fatalf("expected one call returning %v, got %d calls err=%v", boom, calls, err)
	}
}

func TestControlIdentityFallsBackAndLogs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	calls := 0
	id := controlIdentity(func() (procinfo.Identity, error) {
		calls++
		return procinfo.Identity{}, notFound()
	}, logger)

	if want := "ctl-" + strconv.Itoa(os.Getpid()); id.SessionID != want {
		t.Fatalf("expected %s, got %s", want, id.SessionID)
	}
	if calls != identityAttempts {
		t.Fatalf("expected %d discovery attempts, got %d", identityAttempts, calls)
	}
	if !strings.Contains(buf.String(), "control_identity_fallback") {
		t.Fatalf("fallback was not logged: %q", buf.String())
	}
}
