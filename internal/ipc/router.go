package ipc

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"shellbridge/internal/fault"
	"shellbridge/internal/logging"
	"shellbridge/internal/procinfo"
	"shellbridge/internal/session"
	"shellbridge/internal/transport"
	"shellbridge/internal/wire"
)

// LifecycleKind names a change in a session's binding.
type LifecycleKind string

const (
	LifecycleBind      LifecycleKind = "bind"
	LifecycleSupersede LifecycleKind = "supersede"
	LifecycleRelease   LifecycleKind = "release"
	LifecycleEvict     LifecycleKind = "evict"
)

// Lifecycle reports a binding change to the daemon.
type Lifecycle struct {
	Kind      LifecycleKind
	SessionID string
	Meta      session.Meta
	Reason    string
	At        time.Time
}

// RouterOptions configures a Router.
type RouterOptions struct {
	Handlers *Handlers
	Registry *session.Registry
	// Token, when set, must be presented in session.hello.
	Token     string
	DaemonID  string
	Version   string
	Telemetry TelemetrySink
	// TelemetryTopics selects which events are offered to Telemetry.
	TelemetryTopics TelemetryFilter
	// OnLifecycle is called synchronously from connection goroutines.
	OnLifecycle func(Lifecycle)
	Logger      *slog.Logger
}

// RouterStats is a point-in-time view of router load.
type RouterStats struct {
	Connections    int
	Sessions       int
	TelemetryDrops uint64
}

// Router serves the daemon side of the socket.
type Router struct {
	opts     RouterOptions
	logger   *slog.Logger
	handlers *Handlers
	reg      *session.Registry

	drops atomic.Uint64

	mu    sync.Mutex
	conns map[uint64]*transport.Conn

	wg sync.WaitGroup
}

type messageWriter interface {
	WriteMessage(wire.Message) error
}

// NewRouter builds a router. A nil registry or handler set gets an empty one.
func NewRouter(opts RouterOptions) *Router {
	if opts.Handlers == nil {
		opts.Handlers = NewHandlers()
	}
	if opts.Registry == nil {
		opts.Registry = session.New(session.Options{})
	}
	return &Router{
		opts:     opts,
		logger:   logging.NewComponentLogger(opts.Logger, "router"),
		handlers: opts.Handlers,
		reg:      opts.Registry,
		conns:    make(map[uint64]*transport.Conn),
	}
}

func (r *Router) Handlers() *Handlers { return r.handlers }

func (r *Router) Registry() *session.Registry { return r.reg }

// Stats reports live connection and session counts.
func (r *Router) Stats() RouterStats {
	r.mu.Lock()
	conns := len(r.conns)
	r.mu.Unlock()
	return RouterStats{
		Connections:    conns,
		Sessions:       r.reg.Len(),
		TelemetryDrops: r.drops.Load(),
	}
}

// Serve accepts connections on ln until ctx is canceled, then closes ln and
// every open connection and waits for their goroutines.
func (r *Router) Serve(ctx context.Context, ln *transport.Listener) error {
	r.logger.Debug("IPC server listening", logging.String("socket", ln.Path()))
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	var err error
	for {
		conn, acceptErr := ln.Accept()
		if acceptErr != nil {
			if ctx.Err() != nil || errors.Is(acceptErr, net.ErrClosed) {
				break
			}
			r.logger.Warn("accept failed",
				logging.Error(acceptErr),
				logging.String(logging.FieldEventType, "ipc_accept_failed"),
				logging.String(logging.FieldImpact, "IPC clients may fail to connect"),
				logging.String(logging.FieldErrorHint, "Check socket permissions and restart the daemon if needed"))
			if !pause(ctx, 50*time.Millisecond) {
				break
			}
			continue
		}
		r.track(conn)
		r.wg.Add(1)
		go r.serveConn(ctx, conn)
	}
	if ctx.Err() == nil {
		err = fault.Wrap(fault.ErrDisconnected, "router", "accept", "listener closed", nil)
	}
	_ = ln.Close()
	r.closeAll()
	r.wg.Wait()
	return err
}

func pause(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (r *Router) track(conn *transport.Conn) {
	r.mu.Lock()
	r.conns[conn.ID()] = conn
	r.mu.Unlock()
}

func (r *Router) untrack(conn *transport.Conn) {
	r.mu.Lock()
	delete(r.conns, conn.ID())
	r.mu.Unlock()
}

func (r *Router) closeAll() {
	r.mu.Lock()
	conns := make([]*transport.Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

// connState is owned by the connection's reader goroutine.
type connState struct {
	sessionID string
}

func (r *Router) serveConn(ctx context.Context, conn *transport.Conn) {
	defer r.wg.Done()
	logger := r.logger.With(logging.Uint64(logging.FieldConnID, conn.ID()))
	if peer := conn.Peer(); peer.Known {
		logger = logger.With(logging.Int("peer_pid", peer.PID))
	}
	connCtx, cancel := context.WithCancel(ctx)
	var handlerWG sync.WaitGroup
	state := &connState{}

	var cause error
	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			cause = err
			break
		}
		switch msg.Type {
		case wire.TypePing:
			if err := conn.WriteMessage(wire.NewPong(msg.CorrelationID, msg.Payload)); err != nil {
				cause = err
			}
		case wire.TypeRequest:
			r.handleRequest(connCtx, conn, state, msg, &handlerWG, logger)
		case wire.TypeEvent:
			if state.sessionID == "" {
				logger.Debug("event before hello dropped", logging.String(logging.FieldTopic, msg.Event.Topic))
				continue
			}
			evt := *msg.Event
			evt.SessionID = state.sessionID
			r.reg.Touch(state.sessionID)
			r.Publish(evt, "")
		case wire.TypeResponse, wire.TypePong:
			logger.Debug("unsolicited reply dropped",
				logging.String("type", msg.Type.String()),
				logging.Uint64(logging.FieldCorrelationID, msg.CorrelationID))
		}
		if cause != nil {
			break
		}
	}

	cancel()
	r.release(conn, state, cause, logger)
	handlerWG.Wait()
}

func (r *Router) release(conn *transport.Conn, state *connState, cause error, logger *slog.Logger) {
	r.untrack(conn)
	kind := fault.KindOf(cause)
	switch kind {
	case fault.KindProtocol, fault.KindFrameTooLarge:
		logger.Warn("protocol error; closing connection",
			logging.Error(cause),
			logging.String(logging.FieldErrorKind, string(kind)),
			logging.String(logging.FieldEventType, "ipc_protocol_error"),
			logging.String(logging.FieldImpact, "the client must reconnect"),
			logging.String(logging.FieldErrorHint, "check that the CLI and daemon versions match"))
	default:
		logger.Debug("connection closed", logging.Error(cause))
	}
	if state.sessionID != "" && r.reg.Unbind(state.sessionID, conn, cause) {
		info, _ := r.reg.Lookup(state.sessionID)
		r.emit(Lifecycle{Kind: LifecycleRelease, SessionID: state.sessionID, Meta: info.Meta, Reason: string(kind)})
	}
	_ = conn.Close()
}

func (r *Router) handleRequest(ctx context.Context, conn *transport.Conn, state *connState, msg wire.Message, wg *sync.WaitGroup, logger *slog.Logger) {
	req := msg.Request
	switch req.Method {
	case MethodHello:
		r.reply(conn, msg.CorrelationID, req.Method, r.hello(conn, state, msg, logger), logger)
		return
	case MethodSubscribe, MethodUnsubscribe:
		r.reply(conn, msg.CorrelationID, req.Method, r.topic(state, msg), logger)
		return
	}

	if state.sessionID == "" {
		r.reply(conn, msg.CorrelationID, req.Method, result{err: fault.NewHandlerError(fault.CodeNotBound,
			"send %s after binding the connection with %s", MethodHello, MethodHello)}, logger)
		return
	}
	fn, ok := r.handlers.lookup(req.Method)
	if !ok {
		r.reply(conn, msg.CorrelationID, req.Method, result{err: fault.NewHandlerError(fault.CodeUnknownMethod,
			"no handler for %q", req.Method)}, logger)
		return
	}

	call := &Call{
		ConnID:        conn.ID(),
		CorrelationID: msg.CorrelationID,
		SessionID:     state.sessionID,
		Method:        req.Method,
		Body:          req.Body,
		Peer:          conn.Peer(),
	}
	r.reg.Touch(state.sessionID)
	wg.Add(1)
	go func() {
		defer wg.Done()
		hctx := logging.WithCorrelationID(logging.WithSessionID(ctx, call.SessionID), call.CorrelationID)
		r.reply(conn, call.CorrelationID, call.Method, r.invoke(hctx, fn, call, logger), logger)
	}()
}

type result struct {
	body any
	err  error
}

func (r *Router) invoke(ctx context.Context, fn HandlerFunc, call *Call, logger *slog.Logger) (res result) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("handler panicked",
				logging.String(logging.FieldMethod, call.Method),
				logging.Any("panic", rec),
				logging.String("stack", string(debug.Stack())),
				logging.String(logging.FieldEventType, "ipc_handler_panic"),
				logging.String(logging.FieldErrorHint, "report this failure with the daemon log"))
			res = result{err: fault.NewHandlerError(fault.CodeInternal, "%s failed", call.Method)}
		}
	}()
	body, err := fn(ctx, call)
	return result{body: body, err: err}
}

// reply encodes res as the response to id. Handler failures are typed error
// responses and never close the connection.
func (r *Router) reply(conn *transport.Conn, id uint64, method string, res result, logger *slog.Logger) {
	var msg wire.Message
	if res.err != nil {
		msg = r.errorResponse(id, method, res.err, logger)
	} else {
		body, err := encodeResult(res.body)
		if err != nil {
			msg = r.errorResponse(id, method, err, logger)
		} else {
			msg = wire.NewResponse(id, wire.Response{Body: body})
		}
	}
	err := conn.WriteMessage(msg)
	if errors.Is(err, fault.ErrFrameTooLarge) {
		err = conn.WriteMessage(wire.NewErrorResponse(id, fault.CodeInternal,
			fmt.Sprintf("%s response exceeds the frame limit", method)))
	}
	if err != nil {
		logger.Debug("response not delivered",
			logging.String(logging.FieldMethod, method),
			logging.Uint64(logging.FieldCorrelationID, id),
			logging.Error(err))
	}
}

func (r *Router) errorResponse(id uint64, method string, err error, logger *slog.Logger) wire.Message {
	var herr *fault.HandlerError
	if errors.As(err, &herr) {
		return wire.NewErrorResponse(id, herr.Code, herr.Message)
	}
	logging.WarnWithContext(logger, "handler failed", "ipc_handler_failed",
		logging.String(logging.FieldMethod, method),
		logging.Error(err),
		logging.String(logging.FieldImpact, "the caller receives an internal error"))
	return wire.NewErrorResponse(id, fault.CodeInternal, err.Error())
}

func encodeResult(v any) ([]byte, error) {
	switch body := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return body, nil
	default:
		return wire.MarshalBody(body)
	}
}

func (r *Router) hello(conn *transport.Conn, state *connState, msg wire.Message, logger *slog.Logger) result {
	var req HelloRequest
	if err := wire.UnmarshalBody(msg.Request.Body, &req); err != nil {
		return result{err: fault.NewHandlerError(fault.CodeBadRequest, "decode hello: %v", err)}
	}
	if r.opts.Token != "" && subtle.ConstantTimeCompare([]byte(req.Token), []byte(r.opts.Token)) != 1 {
		logging.WarnWithContext(logger, "hello rejected: bad token", "ipc_auth_failed",
			logging.String(logging.FieldSessionID, req.SessionID),
			logging.String(logging.FieldImpact, "the client cannot use the daemon"),
			logging.String(logging.FieldErrorHint, "restart the CLI so it rereads the token file"))
		return result{err: fault.NewHandlerError(fault.CodeUnauthorized, "invalid token")}
	}
	if !procinfo.ValidSessionID(req.SessionID) {
		return result{err: fault.NewHandlerError(fault.CodeBadRequest, "invalid session id %q", req.SessionID)}
	}
	if state.sessionID != "" && state.sessionID != req.SessionID {
		return result{err: fault.NewHandlerError(fault.CodeBadRequest,
			"connection already bound to session %s", state.sessionID)}
	}

	peerPID := req.ClientPID
	if peer := conn.Peer(); peer.Known {
		peerPID = peer.PID
	}
	meta := session.Meta{
		AnchorPID:   req.AnchorPID,
		AnchorName:  req.AnchorName,
		AnchorStart: req.AnchorStart,
		PeerPID:     peerPID,
	}
	res, err := r.reg.Bind(req.SessionID, conn, meta)
	if err != nil {
		return result{err: fault.NewHandlerError(fault.CodeBadRequest, "%v", err)}
	}
	state.sessionID = req.SessionID

	if res.Superseded != nil {
		logger.Info("session superseded",
			logging.String(logging.FieldSessionID, req.SessionID),
			logging.Uint64("superseded_conn_id", res.Superseded.ID()),
			logging.Int("failed_pending", res.FailedPending),
			logging.String(logging.FieldEventType, "session_supersede"))
		r.emit(Lifecycle{
			Kind:      LifecycleSupersede,
			SessionID: req.SessionID,
			Meta:      res.SupersededMeta,
			Reason:    fmt.Sprintf("replaced by conn#%d", conn.ID()),
		})
	}
	logger.Debug("session bound",
		logging.String(logging.FieldSessionID, req.SessionID),
		logging.Int("anchor_pid", req.AnchorPID),
		logging.String("anchor_name", req.AnchorName),
		logging.String(logging.FieldEventType, "session_bind"))
	r.emit(Lifecycle{Kind: LifecycleBind, SessionID: req.SessionID, Meta: meta})

	return result{body: HelloResponse{
		SessionID:  req.SessionID,
		DaemonID:   r.opts.DaemonID,
		Version:    r.opts.Version,
		Superseded: res.Superseded != nil,
	}}
}

func (r *Router) topic(state *connState, msg wire.Message) result {
	if state.sessionID == "" {
		return result{err: fault.NewHandlerError(fault.CodeNotBound, "subscribe requires %s first", MethodHello)}
	}
	var req TopicRequest
	if err := wire.UnmarshalBody(msg.Request.Body, &req); err != nil || req.Topic == "" {
		return result{err: fault.NewHandlerError(fault.CodeBadRequest, "topic is required")}
	}
	if msg.Request.Method == MethodUnsubscribe {
		r.reg.RemoveTopic(state.sessionID, req.Topic)
		return result{}
	}
	if err := r.reg.AddTopic(state.sessionID, req.Topic); err != nil {
		return result{err: fault.NewHandlerError(fault.CodeNotBound, "%v", err)}
	}
	return result{}
}

// Publish writes evt to every live connection subscribed to its topic and
// offers a copy to telemetry when the topic is designated. A non-empty
// sessionID limits delivery to that session. Each connection receives
// events in the order Publish is called for it.
func (r *Router) Publish(evt wire.Event, sessionID string) int {
	r.offerTelemetry(evt)
	delivered := 0
	for _, target := range r.reg.Subscribers(evt.Topic, sessionID) {
		w, ok := target.Conn.(messageWriter)
		if !ok {
			continue
		}
		if err := w.WriteMessage(wire.NewEvent(evt)); err != nil {
			if conn, ok := target.Conn.(*transport.Conn); ok && !errors.Is(err, fault.ErrFrameTooLarge) {
				_ = conn.Close()
			}
			r.logger.Debug("event not delivered",
				logging.String(logging.FieldTopic, evt.Topic),
				logging.String(logging.FieldSessionID, target.SessionID),
				logging.Error(err))
			continue
		}
		delivered++
	}
	return delivered
}

func (r *Router) offerTelemetry(evt wire.Event) {
	sink := r.opts.Telemetry
	if sink == nil || !r.opts.TelemetryTopics.Match(evt.Topic) {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.drops.Add(1)
			r.logger.Debug("telemetry sink panicked", logging.Any("panic", rec))
		}
	}()
	if !sink.Offer(evt) {
		r.drops.Add(1)
	}
}

// Sweep runs one registry sweep and reports evictions as lifecycle events.
func (r *Router) Sweep(anchorAlive func(session.Meta) bool) session.SweepReport {
	report := r.reg.Sweep(session.SweepOptions{AnchorAlive: anchorAlive})
	for _, ev := range report.Evicted {
		r.untrackID(ev.Info.ConnID)
		r.logger.Info("session evicted",
			logging.String(logging.FieldSessionID, ev.Info.SessionID),
			logging.String("reason", string(ev.Reason)),
			logging.String(logging.FieldEventType, "session_evict"))
		r.emit(Lifecycle{Kind: LifecycleEvict, SessionID: ev.Info.SessionID, Meta: ev.Info.Meta, Reason: string(ev.Reason)})
	}
	return report
}

// StartSweeper runs Sweep every interval until ctx is canceled.
func (r *Router) StartSweeper(ctx context.Context, interval time.Duration, anchorAlive func(session.Meta) bool) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				report := r.Sweep(anchorAlive)
				if report.Expired > 0 {
					r.logger.Debug("expired pending requests", logging.Int("count", report.Expired))
				}
			}
		}
	}()
}

func (r *Router) untrackID(id uint64) {
	if id == 0 {
		return
	}
	r.mu.Lock()
	delete(r.conns, id)
	r.mu.Unlock()
}

func (r *Router) emit(evt Lifecycle) {
	if r.opts.OnLifecycle == nil {
		return
	}
	if evt.At.IsZero() {
		evt.At = time.Now()
	}
	r.opts.OnLifecycle(evt)
}
