package daemon_test

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"shellbridge/internal/config"
	"shellbridge/internal/daemon"
	"shellbridge/internal/fault"
	"shellbridge/internal/ipc"
	"shellbridge/internal/logging"
	"shellbridge/internal/procinfo"
	"shellbridge/internal/telemetry"
	"shellbridge/internal/testsupport"
	"shellbridge/internal/transport"
)

type running struct {
	d    *daemon.Daemon
	cfg  *config.Config
	path string

	err    error
	exited chan struct{}
	once   sync.Once
}

func startDaemon(t *testing.T, cfg *config.Config) *running {
	t.Helper()
	path := testsupport.SocketPath(cfg)
	d, err := daemon.New(cfg, logging.NewNop(), daemon.Options{
		SocketPath: path,
		Version:    "test",
		Scope:      "user",
		Source:     procinfo.NewStaticSource(),
	})
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	r := &running{d: d, cfg: cfg, path: path, exited: make(chan struct{})}
	go func() {
		r.err = d.Run(context.Background())
		close(r.exited)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for !transport.Probe(path, 100*time.Millisecond) {
		select {
		case <-r.exited:
			if r.err != nil && strings.Contains(r.err.Error(), "operation not permitted") {
				t.Skipf("unix sockets unavailable: %v", r.err)
			}
			t.Fatalf("daemon exited early: %v", r.err)
		default:
		}
		if time.Now().After(deadline) {
			t.Fatal("daemon socket never became reachable")
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Cleanup(func() { r.stop(t) })
	return r
}

// stop shuts the daemon down once and reports how Run ended.
func (r *running) stop(t *testing.T) {
	t.Helper()
	r.once.Do(func() {
		r.d.Shutdown()
		r.wait(t)
	})
}

func (r *running) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.exited:
		if r.err != nil {
			t.Errorf("Run returned %v", r.err)
		}
	case <-time.After(5 * time.Second):
		t.Errorf("daemon did not stop")
	}
}

func (r *running) client(t *testing.T, sessionID string) *ipc.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := ipc.Dial(ctx, ipc.ClientOptions{
		Address:        r.path,
		Identity:       procinfo.Identity{SessionID: sessionID},
		Token:          ipc.FileToken{Path: r.cfg.TokenPath()},
		DialTimeout:    time.Second,
		RequestTimeout: 3 * time.Second,
		Backoff: ipc.BackoffConfig{
			InitialDelay: 5 * time.Millisecond,
			Multiplier:   2,
			MaxDelay:     40 * time.Millisecond,
			MaxAttempts:  3,
		},
	})
	if err != nil {
		t.Fatalf("dial %s: %v", sessionID, err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestStatusReportsRunningDaemon(t *testing.T) {
	r := startDaemon(t, testsupport.NewConfig(t))
	c := r.client(t, "status-1")

	var status ipc.StatusResponse
	if err := c.Call(context.Background(), ipc.MethodStatus, nil, &status); err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.PID != os.Getpid() {
		t.Fatalf("expected pid %d, got %d", os.Getpid(), status.PID)
	}
	if status.Socket != r.path || status.Version != "test" || status.Scope != "user" {
		t.Fatalf("unexpected status %+v", status)
	}
	if status.Sessions != 1 || status.Connections != 1 {
		t.Fatalf("expected one session and connection, got %d/%d", status.Sessions, status.Connections)
	}
	if !status.TelemetryOn || status.LedgerPath != r.cfg.LedgerPath() {
		t.Fatalf("expected telemetry and ledger enabled, got %+v", status)
	}
	if status.DaemonID == "" || status.DaemonID != c.Hello().DaemonID {
		t.Fatalf("daemon id mismatch: status %q hello %q", status.DaemonID, c.Hello().DaemonID)
	}
	if status.StartedAt.IsZero() {
		t.Fatal("expected start time")
	}
}

func TestSessionsListsBoundClients(t *testing.T) {
	r := startDaemon(t, testsupport.NewConfig(t))
	a := r.client(t, "list-a")
	r.client(t, "list-b")

	ctx := context.Background()
	sub, err := a.Subscribe(ctx, "build.done")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	var resp ipc.SessionsResponse
	if err := a.Call(ctx, ipc.MethodSessions, nil, &resp); err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if len(resp.Sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %+v", resp.Sessions)
	}
	first := resp.Sessions[0]
	if first.SessionID != "list-a" || !first.Bound {
		t.Fatalf("unexpected first session %+v", first)
	}
	if len(first.Topics) != 1 || first.Topics[0] != "build.done" {
		t.Fatalf("expected topic subscription, got %v", first.Topics)
	}
	if first.PeerPID != os.Getpid() {
		t.Fatalf("expected peer pid %d, got %d", os.Getpid(), first.PeerPID)
	}
}

func TestPublishReachesSubscribers(t *testing.T) {
	r := startDaemon(t, testsupport.NewConfig(t))
	watcher := r.client(t, "watcher")
	sender := r.client(t, "sender")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sub, err := watcher.Subscribe(ctx, "build.done")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	var resp ipc.PublishResponse
	req := ipc.PublishRequest{Topic: "build.done", Body: []byte("ok")}
	if err := sender.Call(ctx, ipc.MethodPublish, req, &resp); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if resp.Delivered != 1 {
		t.Fatalf("expected 1 delivery, got %d", resp.Delivered)
	}
	evt, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if string(evt.Body) != "ok" || evt.SessionID != "sender" {
		t.Fatalf("unexpected event %+v", evt)
	}

	req = ipc.PublishRequest{Topic: "build.done", Body: []byte("elsewhere"), SessionID: "sender"}
	if err := sender.Call(ctx, ipc.MethodPublish, req, &resp); err != nil {
		t.Fatalf("targeted publish: %v", err)
	}
	if resp.Delivered != 0 {
		t.Fatalf("expected no delivery to an unsubscribed session, got %d", resp.Delivered)
	}

	err = sender.Call(ctx, ipc.MethodPublish, ipc.PublishRequest{}, nil)
	var herr *fault.HandlerError
	if !errors.As(err, &herr) || herr.Code != fault.CodeBadRequest {
		t.Fatalf("expected bad_request for empty topic, got %v", err)
	}
}

func TestLifecycleTopicAnnouncesBinds(t *testing.T) {
	r := startDaemon(t, testsupport.NewConfig(t))
	watcher := r.client(t, "observer")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sub, err := watcher.Subscribe(ctx, daemon.LifecycleTopic)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	r.client(t, "newcomer")
	for {
		evt, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if strings.HasPrefix(string(evt.Body), "bind newcomer") {
			return
		}
	}
}

func TestHistoryRecordsBindAndRelease(t *testing.T) {
	r := startDaemon(t, testsupport.NewConfig(t))
	gone := r.client(t, "short-lived")
	if err := gone.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	c := r.client(t, "historian")

	ctx := context.Background()
	deadline := time.Now().Add(5 * time.Second)
	for {
		var resp ipc.HistoryResponse
		if err := c.Call(ctx, ipc.MethodHistory, ipc.HistoryRequest{SessionID: "short-lived"}, &resp); err != nil {
			t.Fatalf("history: %v", err)
		}
		kinds := make([]string, 0, len(resp.Entries))
		for _, e := range resp.Entries {
			kinds = append(kinds, e.Kind)
		}
		if len(kinds) == 2 {
			if kinds[0] != "release" || kinds[1] != "bind" {
				t.Fatalf("expected release then bind, got %v", kinds)
			}
			if resp.Entries[1].PeerPID != os.Getpid() {
				t.Fatalf("expected peer pid on bind row, got %+v", resp.Entries[1])
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("history never settled, last %v", kinds)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestHistoryUnavailableWithoutLedger(t *testing.T) {
	r := startDaemon(t, testsupport.NewConfig(t, testsupport.WithoutLedger()))
	c := r.client(t, "no-ledger")

	err := c.Call(context.Background(), ipc.MethodHistory, nil, nil)
	var herr *fault.HandlerError
	if !errors.As(err, &herr) || herr.Code != fault.CodeUnavailable {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestTelemetryJournalReceivesMatchingEvents(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithTelemetryTopics("telemetry.*"))
	r := startDaemon(t, cfg)
	c := r.client(t, "emitter")

	ctx := context.Background()
	if err := c.Emit(ctx, "telemetry.command", []byte("ls")); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if err := c.Emit(ctx, "chat.message", []byte("hi")); err != nil {
		t.Fatalf("emit: %v", err)
	}
	// A round trip orders both events ahead of shutdown.
	if _, err := c.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	r.stop(t)

	journal, err := telemetry.OpenJournal(cfg.TelemetryPath())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer journal.Close()
	records, _, err := journal.ReadSince(0, 10)
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %+v", records)
	}
	if records[0].Topic != "telemetry.command" || records[0].SessionID != "emitter" || records[0].Body != "ls" {
		t.Fatalf("unexpected record %+v", records[0])
	}
}

func TestShutdownRequestStopsRun(t *testing.T) {
	r := startDaemon(t, testsupport.NewConfig(t))
	c := r.client(t, "stopper")

	var resp ipc.ShutdownResponse
	if err := c.Call(context.Background(), ipc.MethodShutdown, nil, &resp); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if !resp.Stopping {
		t.Fatal("expected stopping acknowledgement")
	}
	r.wait(t)
	if _, err := os.Stat(r.cfg.PIDPath()); !os.IsNotExist(err) {
		t.Fatalf("expected pid file removed, got %v", err)
	}
}

func TestSecondInstanceFailsLock(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	startDaemon(t, cfg)

	other, err := daemon.New(cfg, logging.NewNop(), daemon.Options{SocketPath: testsupport.SocketPath(cfg) + "2"})
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	if err := other.Run(context.Background()); !errors.Is(err, daemon.ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
}

func TestPIDFileRoundTrip(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	r := startDaemon(t, cfg)
	pid, err := daemon.ReadPIDFile(r.cfg.PIDPath())
	if err != nil {
		t.Fatalf("read pid: %v", err)
	}
	if pid != os.Getpid() {
		t.Fatalf("expected %d, got %d", os.Getpid(), pid)
	}
}

func TestInstanceFilesFollowScope(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	lock, pid := daemon.InstanceFiles(cfg, "user", "/tmp/x/daemon.sock")
	if lock != cfg.LockPath() || pid != cfg.PIDPath() {
		t.Fatalf("user scope: got %q %q", lock, pid)
	}
	lock, pid = daemon.InstanceFiles(cfg, "session", "/tmp/x/sessions/abc.sock")
	if lock != "/tmp/x/sessions/abc.sock.lock" || pid != "/tmp/x/sessions/abc.sock.pid" {
		t.Fatalf("session scope: got %q %q", lock, pid)
	}
}
