package ipc_test

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"shellbridge/internal/ipc"
	"shellbridge/internal/procinfo"
	"shellbridge/internal/transport"
	"shellbridge/internal/wire"
)

// shortDir keeps socket paths under the platform sun_path limit.
func shortDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "sb")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

type testServer struct {
	t         *testing.T
	path      string
	router    *ipc.Router
	lifecycle chan ipc.Lifecycle

	cancel context.CancelFunc
	done   chan error
	once   sync.Once
}

func startServer(t *testing.T, opts ipc.RouterOptions, topts transport.Options) *testServer {
	t.Helper()
	return startServerAt(t, filepath.Join(shortDir(t), "d.sock"), opts, topts)
}

func startServerAt(t *testing.T, path string, opts ipc.RouterOptions, topts transport.Options) *testServer {
	t.Helper()
	ln, err := transport.Listen(path, topts)
	if err != nil && strings.Contains(err.Error(), "operation not permitted") {
		t.Skipf("unix sockets unavailable: %v", err)
	}
	require.NoError(t, err)

	srv := &testServer{
		t:         t,
		path:      path,
		lifecycle: make(chan ipc.Lifecycle, 64),
		done:      make(chan error, 1),
	}
	if opts.OnLifecycle == nil {
		opts.OnLifecycle = func(l ipc.Lifecycle) {
			select {
			case srv.lifecycle <- l:
			default:
			}
		}
	}
	srv.router = ipc.NewRouter(opts)
	ctx, cancel := context.WithCancel(context.Background())
	srv.cancel = cancel
	go func() { srv.done <- srv.router.Serve(ctx, ln) }()
	t.Cleanup(srv.Stop)
	return srv
}

// Stop cancels Serve and waits for it to return.
func (s *testServer) Stop() {
	s.once.Do(func() {
		s.cancel()
		select {
		case err := <-s.done:
			if err != nil {
				s.t.Errorf("serve returned %v", err)
			}
		case <-time.After(5 * time.Second):
			s.t.Errorf("router did not stop")
		}
	})
}

func (s *testServer) waitLifecycle(kind ipc.LifecycleKind, sessionID string) ipc.Lifecycle {
	s.t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case l := <-s.lifecycle:
			if l.Kind == kind && l.SessionID == sessionID {
				return l
			}
		case <-deadline:
			s.t.Fatalf("no %s lifecycle event for %s", kind, sessionID)
			return ipc.Lifecycle{}
		}
	}
}

func clientOptions(path, sessionID string) ipc.ClientOptions {
	return ipc.ClientOptions{
		Address:        path,
		Identity:       procinfo.Identity{SessionID: sessionID},
		DialTimeout:    time.Second,
		RequestTimeout: 3 * time.Second,
		Backoff: ipc.BackoffConfig{
			InitialDelay: 5 * time.Millisecond,
			Multiplier:   2,
			MaxDelay:     40 * time.Millisecond,
			MaxAttempts:  4,
		},
	}
}

func dialClient(t *testing.T, opts ipc.ClientOptions) *ipc.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := ipc.Dial(ctx, opts)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// rawConn dials without the client so tests can write arbitrary bytes.
func rawConn(t *testing.T, path string) (net.Conn, *transport.Conn) {
	t.Helper()
	raw, err := net.Dial("unix", path)
	require.NoError(t, err)
	conn := transport.NewConn(raw, transport.Options{})
	t.Cleanup(func() { conn.Close() })
	return raw, conn
}

func rawHello(t *testing.T, conn *transport.Conn, sessionID string) {
	t.Helper()
	body, err := wire.MarshalBody(ipc.HelloRequest{SessionID: sessionID})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(wire.NewRequest(1, wire.Request{Method: ipc.MethodHello, Body: body})))
	msg, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, wire.TypeResponse, msg.Type)
	require.NoError(t, msg.Response.Err())
}

// blocker is a handler that parks until released.
type blocker struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlocker(t *testing.T) *blocker {
	b := &blocker{started: make(chan struct{}, 8), release: make(chan struct{})}
	t.Cleanup(b.Release)
	return b
}

func (b *blocker) Release() { b.once.Do(func() { close(b.release) }) }

func (b *blocker) Handle(context.Context, *ipc.Call) (any, error) {
	b.started <- struct{}{}
	<-b.release
	return nil, nil
}

func (b *blocker) waitStarted(t *testing.T) {
	t.Helper()
	select {
	case <-b.started:
	case <-time.After(3 * time.Second):
		t.Fatal("handler never started")
	}
}
