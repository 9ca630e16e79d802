package ipc_test

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shellbridge/internal/fault"
	"shellbridge/internal/ipc"
	"shellbridge/internal/procinfo"
	"shellbridge/internal/session"
	"shellbridge/internal/transport"
	"shellbridge/internal/wire"
)

func TestPingEchoesCorrelationID(t *testing.T) {
	srv := startServer(t, ipc.RouterOptions{}, transport.Options{})
	_, conn := rawConn(t, srv.path)

	require.NoError(t, conn.WriteMessage(wire.NewPing(7, []byte("hi"))))
	msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, wire.TypePong, msg.Type)
	assert.Equal(t, uint64(7), msg.CorrelationID)
	assert.Equal(t, []byte("hi"), msg.Payload)

	c := dialClient(t, clientOptions(srv.path, "ping-session"))
	rtt, err := c.Ping(context.Background())
	require.NoError(t, err)
	assert.Greater(t, rtt, time.Duration(0))
}

func TestSubscribeDeliversEventsInOrder(t *testing.T) {
	srv := startServer(t, ipc.RouterOptions{}, transport.Options{})
	c := dialClient(t, clientOptions(srv.path, "watcher"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sub, err := c.Subscribe(ctx, "status")
	require.NoError(t, err)
	defer sub.Close()

	for _, body := range []string{"A", "B", "C"} {
		assert.Equal(t, 1, srv.router.Publish(wire.Event{Topic: "status", Body: []byte(body)}, ""))
	}
	assert.Equal(t, 0, srv.router.Publish(wire.Event{Topic: "other", Body: []byte("X")}, ""))

	var got []string
	for range 3 {
		evt, err := sub.Next(ctx)
		require.NoError(t, err)
		got = append(got, string(evt.Body))
	}
	assert.Equal(t, []string{"A", "B", "C"}, got)
}

func TestEmittedEventsFanOutToOtherSessions(t *testing.T) {
	srv := startServer(t, ipc.RouterOptions{}, transport.Options{})
	watcher := dialClient(t, clientOptions(srv.path, "watcher"))
	emitter := dialClient(t, clientOptions(srv.path, "emitter"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sub, err := watcher.Subscribe(ctx, "build")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, emitter.Emit(ctx, "build", []byte("done")))
	evt, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "done", string(evt.Body))
	assert.Equal(t, "emitter", evt.SessionID)
}

func TestDroppedConnectionFailsPendingPromptly(t *testing.T) {
	handlers := ipc.NewHandlers()
	srv := startServer(t, ipc.RouterOptions{Handlers: handlers}, transport.Options{})
	block := newBlocker(t)
	require.NoError(t, handlers.Handle("test.block", block.Handle))

	c := dialClient(t, clientOptions(srv.path, "dropper"))
	ctx := context.Background()
	sub, err := c.Subscribe(ctx, "status")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.SendRequest(ctx, "test.block", nil, 30*time.Second)
		errCh <- err
	}()
	block.waitStarted(t)

	start := time.Now()
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		srv.Stop()
	}()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, fault.ErrDisconnected)
		assert.Equal(t, fault.KindDisconnected, fault.KindOf(err))
		assert.Less(t, time.Since(start), 5*time.Second)
	case <-time.After(5 * time.Second):
		t.Fatal("pending request hung after the connection dropped")
	}

	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, fault.ErrDisconnected)
	block.Release()
	<-stopped
}

func TestTruncatedFrameClosesOnlyThatConnection(t *testing.T) {
	srv := startServer(t, ipc.RouterOptions{}, transport.Options{ReadTimeout: 100 * time.Millisecond})
	bystander := dialClient(t, clientOptions(srv.path, "bystander"))

	raw, conn := rawConn(t, srv.path)
	rawHello(t, conn, "truncated")
	var prefix [wire.PrefixLen]byte
	binary.BigEndian.PutUint32(prefix[:], wire.EnvelopeLen+10)
	_, err := raw.Write(prefix[:])
	require.NoError(t, err)

	l := srv.waitLifecycle(ipc.LifecycleRelease, "truncated")
	assert.Equal(t, string(fault.KindProtocol), l.Reason)

	_ = raw.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err = raw.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)

	_, err = bystander.Ping(context.Background())
	assert.NoError(t, err)
}

func TestOversizeDeclaredFrameIsRejected(t *testing.T) {
	srv := startServer(t, ipc.RouterOptions{}, transport.Options{})
	raw, conn := rawConn(t, srv.path)
	rawHello(t, conn, "oversize")

	var prefix [wire.PrefixLen]byte
	binary.BigEndian.PutUint32(prefix[:], 20<<20)
	_, err := raw.Write(prefix[:])
	require.NoError(t, err)

	l := srv.waitLifecycle(ipc.LifecycleRelease, "oversize")
	assert.Equal(t, string(fault.KindFrameTooLarge), l.Reason)
}

func TestOversizeRequestFailsLocally(t *testing.T) {
	handlers := ipc.NewHandlers()
	require.NoError(t, handlers.Handle("test.echo", func(_ context.Context, call *ipc.Call) (any, error) {
		return call.Body, nil
	}))
	srv := startServer(t, ipc.RouterOptions{Handlers: handlers}, transport.Options{})
	c := dialClient(t, clientOptions(srv.path, "big-sender"))

	ctx := context.Background()
	_, err := c.SendRequest(ctx, "test.echo", make([]byte, 20<<20), 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrFrameTooLarge)

	resp, err := c.SendRequest(ctx, "test.echo", []byte("small"), 0)
	require.NoError(t, err, "an encode failure must not drop the connection")
	assert.Equal(t, []byte("small"), resp.Body)
}

func TestSupersedeFailsPendingOnFirstConnection(t *testing.T) {
	handlers := ipc.NewHandlers()
	srv := startServer(t, ipc.RouterOptions{Handlers: handlers}, transport.Options{})
	block := newBlocker(t)
	require.NoError(t, handlers.Handle("test.block", block.Handle))
	require.NoError(t, handlers.Handle("test.who", func(_ context.Context, call *ipc.Call) (any, error) {
		return []byte(call.SessionID), nil
	}))

	first := dialClient(t, clientOptions(srv.path, "shared"))
	assert.False(t, first.Hello().Superseded)
	srv.waitLifecycle(ipc.LifecycleBind, "shared")

	errCh := make(chan error, 1)
	go func() {
		_, err := first.SendRequest(context.Background(), "test.block", nil, 30*time.Second)
		errCh <- err
	}()
	block.waitStarted(t)

	second := dialClient(t, clientOptions(srv.path, "shared"))
	assert.True(t, second.Hello().Superseded)
	srv.waitLifecycle(ipc.LifecycleSupersede, "shared")

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, fault.ErrDisconnected)
	case <-time.After(5 * time.Second):
		t.Fatal("pending request on the superseded connection did not fail")
	}

	resp, err := second.SendRequest(context.Background(), "test.who", nil, 0)
	require.NoError(t, err)
	assert.Equal(t, "shared", string(resp.Body))
	assert.Equal(t, 1, srv.router.Stats().Sessions)
	block.Release()
}

func TestHandlerFailuresAreTypedResponses(t *testing.T) {
	handlers := ipc.NewHandlers()
	require.NoError(t, handlers.Handle("test.conflict", func(context.Context, *ipc.Call) (any, error) {
		return nil, fault.NewHandlerError("conflict", "already running")
	}))
	require.NoError(t, handlers.Handle("test.fail", func(context.Context, *ipc.Call) (any, error) {
		return nil, errors.New("disk on fire")
	}))
	require.NoError(t, handlers.Handle("test.panic", func(context.Context, *ipc.Call) (any, error) {
		panic("boom")
	}))
	srv := startServer(t, ipc.RouterOptions{Handlers: handlers}, transport.Options{})
	c := dialClient(t, clientOptions(srv.path, "errors"))
	ctx := context.Background()

	cases := []struct {
		method string
		code   string
	}{
		{"test.conflict", "conflict"},
		{"test.fail", fault.CodeInternal},
		{"test.panic", fault.CodeInternal},
		{"test.missing", fault.CodeUnknownMethod},
	}
	for _, tc := range cases {
		t.Run(tc.method, func(t *testing.T) {
			_, err := c.SendRequest(ctx, tc.method, nil, 0)
			var herr *fault.HandlerError
			require.True(t, errors.As(err, &herr), "got %v", err)
			assert.Equal(t, tc.code, herr.Code)
			assert.Equal(t, fault.KindHandler, fault.KindOf(err))
		})
	}

	_, err := c.Ping(ctx)
	assert.NoError(t, err, "handler failures must leave the connection open")
}

func TestCallDecodesTypedBodies(t *testing.T) {
	handlers := ipc.NewHandlers()
	require.NoError(t, handlers.Handle(ipc.MethodPublish, func(_ context.Context, call *ipc.Call) (any, error) {
		var req ipc.PublishRequest
		if err := call.Decode(&req); err != nil {
			return nil, err
		}
		return ipc.PublishResponse{Delivered: len(req.Body)}, nil
	}))
	srv := startServer(t, ipc.RouterOptions{Handlers: handlers}, transport.Options{})
	c := dialClient(t, clientOptions(srv.path, "typed"))

	var resp ipc.PublishResponse
	require.NoError(t, c.Call(context.Background(), ipc.MethodPublish, ipc.PublishRequest{Topic: "t", Body: []byte("abcd")}, &resp))
	assert.Equal(t, 4, resp.Delivered)

	_, err := c.SendRequest(context.Background(), ipc.MethodPublish, []byte{0xff, 0x00}, 0)
	var herr *fault.HandlerError
	require.True(t, errors.As(err, &herr), "got %v", err)
	assert.Equal(t, fault.CodeBadRequest, herr.Code)
}

func TestRequestBeforeHelloIsRejected(t *testing.T) {
	handlers := ipc.NewHandlers()
	require.NoError(t, handlers.Handle(ipc.MethodStatus, func(context.Context, *ipc.Call) (any, error) {
		return ipc.StatusResponse{}, nil
	}))
	srv := startServer(t, ipc.RouterOptions{Handlers: handlers}, transport.Options{})
	_, conn := rawConn(t, srv.path)

	require.NoError(t, conn.WriteMessage(wire.NewRequest(3, wire.Request{Method: ipc.MethodStatus})))
	msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), msg.CorrelationID)
	assert.Equal(t, fault.CodeNotBound, msg.Response.ErrorCode)
}

func TestHelloRequiresMatchingToken(t *testing.T) {
	srv := startServer(t, ipc.RouterOptions{Token: "s3cret"}, transport.Options{})

	opts := clientOptions(srv.path, "tokened")
	opts.Token = ipc.StaticToken("wrong")
	_, err := ipc.Dial(context.Background(), opts)
	var herr *fault.HandlerError
	require.True(t, errors.As(err, &herr), "got %v", err)
	assert.Equal(t, fault.CodeUnauthorized, herr.Code)
	assert.NotErrorIs(t, err, fault.ErrConnectFailed, "a rejected hello is not retried")

	opts.Token = ipc.StaticToken("s3cret")
	c := dialClient(t, opts)
	assert.Equal(t, "tokened", c.Hello().SessionID)
}

func TestHelloRejectsInvalidSessionID(t *testing.T) {
	srv := startServer(t, ipc.RouterOptions{}, transport.Options{})
	_, conn := rawConn(t, srv.path)
	body, err := wire.MarshalBody(ipc.HelloRequest{SessionID: "has space"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(wire.NewRequest(1, wire.Request{Method: ipc.MethodHello, Body: body})))
	msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, fault.CodeBadRequest, msg.Response.ErrorCode)
}

func TestConnectFailsAfterMaxAttempts(t *testing.T) {
	opts := clientOptions(shortDir(t)+"/missing.sock", "lonely")
	opts.Backoff.MaxAttempts = 3
	start := time.Now()
	_, err := ipc.Dial(context.Background(), opts)
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrConnectFailed)
	assert.Equal(t, fault.KindConnectFailed, fault.KindOf(err))
	assert.Contains(t, err.Error(), "3 attempt(s)")
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestClientReconnectsAfterDaemonRestart(t *testing.T) {
	dir := shortDir(t)
	path := dir + "/d.sock"
	first := startServerAt(t, path, ipc.RouterOptions{DaemonID: "one"}, transport.Options{})
	c := dialClient(t, clientOptions(path, "survivor"))
	assert.Equal(t, "one", c.Hello().DaemonID)

	first.Stop()
	require.Eventually(t, func() bool {
		return c.State() != transport.StateOpen
	}, 3*time.Second, 10*time.Millisecond)

	startServerAt(t, path, ipc.RouterOptions{DaemonID: "two"}, transport.Options{})
	_, err := c.Ping(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "two", c.Hello().DaemonID)
}

func TestSubscriptionAllEndsAfterClose(t *testing.T) {
	srv := startServer(t, ipc.RouterOptions{}, transport.Options{})
	c := dialClient(t, clientOptions(srv.path, "ranger"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := c.Subscribe(ctx, "jobs")
	require.NoError(t, err)
	for i := range 2 {
		srv.router.Publish(wire.Event{Topic: "jobs", Body: []byte(fmt.Sprint(i))}, "")
	}

	var (
		got     []string
		lastErr error
	)
	for evt, err := range sub.All(ctx) {
		if err != nil {
			lastErr = err
			break
		}
		got = append(got, string(evt.Body))
		if len(got) == 2 {
			sub.Close()
		}
	}
	assert.Equal(t, []string{"0", "1"}, got)
	assert.ErrorIs(t, lastErr, ipc.ErrSubscriptionClosed)

	require.Eventually(t, func() bool {
		return srv.router.Publish(wire.Event{Topic: "jobs"}, "") == 0
	}, 3*time.Second, 10*time.Millisecond, "unsubscribe should reach the daemon")
}

func TestPublishTargetsOneSession(t *testing.T) {
	srv := startServer(t, ipc.RouterOptions{}, transport.Options{})
	a := dialClient(t, clientOptions(srv.path, "alpha"))
	b := dialClient(t, clientOptions(srv.path, "beta"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	subA, err := a.Subscribe(ctx, "notice")
	require.NoError(t, err)
	subB, err := b.Subscribe(ctx, "notice")
	require.NoError(t, err)

	assert.Equal(t, 1, srv.router.Publish(wire.Event{Topic: "notice", Body: []byte("only-b")}, "beta"))
	assert.Equal(t, 2, srv.router.Publish(wire.Event{Topic: "notice", Body: []byte("both")}, ""))

	evt, err := subA.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "both", string(evt.Body))
	evt, err = subB.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "only-b", string(evt.Body))
}

func TestSweepEvictsSessionsWithDeadAnchors(t *testing.T) {
	srv := startServer(t, ipc.RouterOptions{}, transport.Options{})
	opts := clientOptions(srv.path, "anchored")
	opts.Identity.Anchor = procinfo.Anchor{Process: procinfo.Process{PID: 4242, Name: "zsh", StartTime: 99}}
	dialClient(t, opts)
	srv.waitLifecycle(ipc.LifecycleBind, "anchored")

	report := srv.router.Sweep(func(m session.Meta) bool { return m.AnchorPID != 4242 })
	require.Len(t, report.Evicted, 1)
	l := srv.waitLifecycle(ipc.LifecycleEvict, "anchored")
	assert.Equal(t, string(session.EvictAnchorGone), l.Reason)
	assert.Equal(t, "zsh", l.Meta.AnchorName)
	assert.Equal(t, 0, srv.router.Stats().Sessions)
}

type chanSink struct{ ch chan wire.Event }

func (s chanSink) Offer(evt wire.Event) bool {
	select {
	case s.ch <- evt:
		return true
	default:
		return false
	}
}

type panicSink struct{}

func (panicSink) Offer(wire.Event) bool { panic("sink exploded") }

func TestTelemetryOffersNeverBlockPublish(t *testing.T) {
	filter, err := ipc.NewTelemetryFilter([]string{"telemetry.*"})
	require.NoError(t, err)
	sink := chanSink{ch: make(chan wire.Event, 1)}
	r := ipc.NewRouter(ipc.RouterOptions{Telemetry: sink, TelemetryTopics: filter})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 3 {
			r.Publish(wire.Event{Topic: "telemetry.cpu"}, "")
		}
		r.Publish(wire.Event{Topic: "status"}, "")
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full telemetry sink")
	}
	assert.Len(t, sink.ch, 1)
	assert.Equal(t, uint64(2), r.Stats().TelemetryDrops)

	r = ipc.NewRouter(ipc.RouterOptions{Telemetry: panicSink{}, TelemetryTopics: filter})
	assert.NotPanics(t, func() { r.Publish(wire.Event{Topic: "telemetry.mem"}, "") })
	assert.Equal(t, uint64(1), r.Stats().TelemetryDrops)
}

func TestTelemetryFilter(t *testing.T) {
	filter, err := ipc.NewTelemetryFilter([]string{"telemetry.*", "telemetry/**"})
	require.NoError(t, err)
	for topic, want := range map[string]bool{
		"telemetry.cpu":       true,
		"telemetry/cpu/load":  true,
		"telemetry":           false,
		"status":              false,
		"other/telemetry.cpu": false,
	} {
		assert.Equal(t, want, filter.Match(topic), topic)
	}

	_, err = ipc.NewTelemetryFilter([]string{"telemetry.[cpu"})
	assert.Error(t, err)
	empty, err := ipc.NewTelemetryFilter(nil)
	require.NoError(t, err)
	assert.False(t, empty.Match("telemetry.cpu"))
}

func TestHandlersRejectBuiltinsAndDuplicates(t *testing.T) {
	h := ipc.NewHandlers()
	noop := func(context.Context, *ipc.Call) (any, error) { return nil, nil }
	for _, method := range []string{ipc.MethodHello, ipc.MethodSubscribe, ipc.MethodUnsubscribe} {
		assert.Error(t, h.Handle(method, noop), method)
	}
	require.NoError(t, h.Handle("b.method", noop))
	require.NoError(t, h.Handle("a.method", noop))
	err := h.Handle("a.method", noop)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "already registered"))
	assert.Equal(t, []string{"a.method", "b.method"}, h.Methods())
}

func TestRequestTimeoutDropsLateResponse(t *testing.T) {
	handlers := ipc.NewHandlers()
	block := newBlocker(t)
	require.NoError(t, handlers.Handle("test.block", block.Handle))
	srv := startServer(t, ipc.RouterOptions{Handlers: handlers}, transport.Options{})
	opts := clientOptions(srv.path, "impatient")
	opts.RequestTimeout = 150 * time.Millisecond
	c := dialClient(t, opts)
	ctx := context.Background()

	start := time.Now()
	_, err := c.SendRequest(ctx, "test.block", nil, 0)
	assert.Equal(t, fault.KindTimeout, fault.KindOf(err), "got %v", err)
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Zero(t, c.Pending())

	block.waitStarted(t)
	block.Release()
	time.Sleep(50 * time.Millisecond)

	_, err = c.Ping(ctx)
	require.NoError(t, err, "a late response must not disturb the connection")
	assert.Zero(t, c.Pending())
}

func TestUnreadSubscriptionDoesNotStallRequests(t *testing.T) {
	srv := startServer(t, ipc.RouterOptions{}, transport.Options{})
	opts := clientOptions(srv.path, "hoarder")
	opts.SinkBuffer = 1
	opts.RequestTimeout = time.Second
	c := dialClient(t, opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := c.Subscribe(ctx, "status")
	require.NoError(t, err)
	defer sub.Close()
	for _, body := range []string{"A", "B", "C", "D"} {
		assert.Equal(t, 1, srv.router.Publish(wire.Event{Topic: "status", Body: []byte(body)}, ""))
	}

	_, err = c.Ping(ctx)
	require.NoError(t, err)

	var got []string
	for range 4 {
		evt, err := sub.Next(ctx)
		require.NoError(t, err)
		got = append(got, string(evt.Body))
	}
	assert.Equal(t, []string{"A", "B", "C", "D"}, got)
}

func TestSweepKeepsQuietSubscriberConnected(t *testing.T) {
	reg := session.New(session.Options{TTL: 100 * time.Millisecond})
	srv := startServer(t, ipc.RouterOptions{Registry: reg}, transport.Options{})
	c := dialClient(t, clientOptions(srv.path, "quiet"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := c.Subscribe(ctx, "status")
	require.NoError(t, err)
	defer sub.Close()

	time.Sleep(200 * time.Millisecond)
	report := srv.router.Sweep(nil)
	assert.Empty(t, report.Evicted)

	assert.Equal(t, 1, srv.router.Publish(wire.Event{Topic: "status", Body: []byte("still here")}, ""))
	evt, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "still here", string(evt.Body))
}
