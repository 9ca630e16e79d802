package transport_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"shellbridge/internal/transport"
)

func TestEndpointAddressesAreDeterministic(t *testing.T) {
	ep := transport.Endpoint{RuntimeDir: "/run/user/1000", User: "dev"}
	if got := ep.Daemon(); got != "/run/user/1000/shellbridge-dev/daemon.sock" {
		t.Fatalf("unexpected daemon socket %q", got)
	}

	first, err := ep.Session("4f1c2a52-7f3b-5e7e-9c39-0d5d3c6b8a10")
	if err != nil {
		t.Fatalf("session address: %v", err)
	}
	second, err := transport.Endpoint{RuntimeDir: "/run/user/1000", User: "dev"}.Session("4f1c2a52-7f3b-5e7e-9c39-0d5d3c6b8a10")
	if err != nil {
		t.Fatalf("session address: %v", err)
	}
	if first != second {
		t.Fatalf("session address not deterministic: %q vs %q", first, second)
	}
	other, _ := ep.Session("another-session")
	if other == first {
		t.Fatal("distinct sessions must map to distinct sockets")
	}
	if !strings.HasPrefix(first, "/run/user/1000/shellbridge-dev/sessions/") || !strings.HasSuffix(first, ".sock") {
		t.Fatalf("unexpected session socket %q", first)
	}
}

func TestEndpointAddressByScope(t *testing.T) {
	ep := transport.Endpoint{RuntimeDir: "/tmp", User: "dev"}
	userAddr, err := ep.Address(transport.ScopeUser, "ignored")
	if err != nil || userAddr != ep.Daemon() {
		t.Fatalf("user scope: got %q, %v", userAddr, err)
	}
	sessionAddr, err := ep.Address(transport.ScopeSession, "abc")
	if err != nil {
		t.Fatalf("session scope: %v", err)
	}
	want, _ := ep.Session("abc")
	if sessionAddr != want {
		t.Fatalf("session scope: got %q want %q", sessionAddr, want)
	}
	if _, err := ep.Address(transport.ScopeSession, " "); err == nil {
		t.Fatal("expected error for empty session id")
	}
}

func TestSessionAddressRejectsOverlongDirectory(t *testing.T) {
	ep := transport.Endpoint{RuntimeDir: "/" + strings.Repeat("x", 120), User: "dev"}
	if _, err := ep.Session("abc"); err == nil {
		t.Fatal("expected error for overlong runtime dir")
	}
}

func TestParseScope(t *testing.T) {
	if scope, ok := transport.ParseScope(" Session "); !ok || scope != transport.ScopeSession {
		t.Fatalf("unexpected scope %q ok=%v", scope, ok)
	}
	if scope, ok := transport.ParseScope(""); !ok || scope != transport.ScopeUser {
		t.Fatalf("empty scope should default to user, got %q", scope)
	}
	if _, ok := transport.ParseScope("global"); ok {
		t.Fatal("expected unknown scope to be rejected")
	}
}

func shortTempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "sb")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func TestListenRefusesLiveSocketAndReplacesStaleOne(t *testing.T) {
	dir := shortTempDir(t)
	path := filepath.Join(dir, "d.sock")

	ln, err := transport.Listen(path, transport.Options{})
	if err != nil {
		if strings.Contains(err.Error(), "operation not permitted") {
			t.Skipf("skipping socket test: %v", err)
		}
		t.Fatalf("listen: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat socket: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("expected 0600 socket, got %v", perm)
	}

	if _, err := transport.Listen(path, transport.Options{}); !errors.Is(err, transport.ErrAddressInUse) {
		t.Fatalf("expected ErrAddressInUse, got %v", err)
	}
	if !transport.Probe(path, 200*time.Millisecond) {
		t.Fatal("expected live socket to answer probe")
	}
	if err := ln.Close(); err != nil {
		t.Fatalf("close listener: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("socket file should be removed on close, stat err=%v", err)
	}

	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatalf("write stale file: %v", err)
	}
	ln, err = transport.Listen(path, transport.Options{})
	if err != nil {
		t.Fatalf("listen over stale file: %v", err)
	}
	ln.Close()
}
