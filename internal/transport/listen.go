package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"
)

// ErrAddressInUse is returned by Listen when a live daemon already owns the
// socket.
var ErrAddressInUse = errors.New("socket already served by a running process")

// Listener accepts framed connections on a unix socket.
type Listener struct {
	path string
	ln   net.Listener
	opts Options
}

// Listen binds path. A leftover socket file is removed only when nothing
// answers on it.
func Listen(path string, opts Options) (*Listener, error) {
	if err := CheckPath(path); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create socket directory: %w", err)
	}
	if _, err := os.Stat(path); err == nil {
		if probe, err := net.DialTimeout("unix", path, 200*time.Millisecond); err == nil {
			_ = probe.Close()
			return nil, fmt.Errorf("listen on %s: %w", path, ErrAddressInUse)
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on socket: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = ln.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("restrict socket permissions: %w", err)
	}
	return &Listener{path: path, ln: ln, opts: opts}, nil
}

// Accept waits for the next connection.
func (l *Listener) Accept() (*Conn, error) {
	raw, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return NewConn(raw, l.opts), nil
}

// Path is the socket file served by l.
func (l *Listener) Path() string { return l.path }

// Close stops accepting and removes the socket file.
func (l *Listener) Close() error {
	err := l.ln.Close()
	if rmErr := os.Remove(l.path); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
		err = rmErr
	}
	return err
}

// Dial connects to the socket at path. The returned error is the raw dial
// error so callers can tell a missing socket from a refused one.
func Dial(ctx context.Context, path string, timeout time.Duration, opts Options) (*Conn, error) {
	dialer := net.Dialer{Timeout: timeout}
	raw, err := dialer.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, err
	}
	return NewConn(raw, opts), nil
}

// Probe reports whether something accepts connections at path.
func Probe(path string, timeout time.Duration) bool {
	conn, err := net.DialTimeout("unix", path, timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
