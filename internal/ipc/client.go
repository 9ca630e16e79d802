package ipc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
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

// ErrClientClosed is returned by operations on a closed Client.
var ErrClientClosed = errors.New("client closed")

// DefaultRequestTimeout applies when neither the call nor the options set one.
const DefaultRequestTimeout = 10 * time.Second

// ClientOptions configures a Client.
type ClientOptions struct {
	// Address is the socket path to dial. Empty uses Identity.Address.
	Address        string
	Identity       procinfo.Identity
	Token          TokenProvider
	Transport      transport.Options
	DialTimeout    time.Duration
	RequestTimeout time.Duration
	Backoff        BackoffConfig
	SinkBuffer     int
	Logger         *slog.Logger
	// Rand seeds backoff jitter; nil uses a random seed.
	Rand *rand.Rand
}

// Client is one terminal session's connection to the daemon. It is safe for
// concurrent use; requests are multiplexed by correlation id.
type Client struct {
	opts      ClientOptions
	sessionID string
	logger    *slog.Logger
	reg       *session.Registry
	backoff   *Backoff
	nextID    atomic.Uint64

	dialMu sync.Mutex

	mu     sync.Mutex
	conn   *transport.Conn
	hello  HelloResponse
	closed bool

	wg sync.WaitGroup
}

// NewClient validates opts without dialing.
func NewClient(opts ClientOptions) (*Client, error) {
	if opts.Address == "" {
		opts.Address = opts.Identity.Address
	}
	if opts.Address == "" {
		return nil, errors.New("ipc client requires a socket address")
	}
	if !procinfo.ValidSessionID(opts.Identity.SessionID) {
		return nil, fmt.Errorf("ipc client: invalid session id %q", opts.Identity.SessionID)
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 2 * time.Second
	}
	if opts.Backoff == (BackoffConfig{}) {
		opts.Backoff = DefaultBackoff()
	}
	if opts.Token == nil {
		opts.Token = StaticToken("")
	}
	logger := logging.NewComponentLogger(opts.Logger, "ipc-client").With(
		logging.String(logging.FieldSessionID, opts.Identity.SessionID))
	return &Client{
		opts:      opts,
		sessionID: opts.Identity.SessionID,
		logger:    logger,
		reg:       session.New(session.Options{Shards: 1, SinkBuffer: opts.SinkBuffer}),
		backoff:   NewBackoff(opts.Backoff, opts.Rand),
	}, nil
}

// Dial creates a Client and connects it.
func Dial(ctx context.Context, opts ClientOptions) (*Client, error) {
	c, err := NewClient(opts)
	if err != nil {
		return nil, err
	}
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// SessionID is the session this client speaks for.
func (c *Client) SessionID() string { return c.sessionID }

// Pending reports how many requests are waiting for a reply.
func (c *Client) Pending() int { return c.reg.PendingCount(c.sessionID) }

// Address is the socket the client dials.
func (c *Client) Address() string { return c.opts.Address }

// Hello returns the daemon's answer to the most recent handshake.
func (c *Client) Hello() HelloResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hello
}

// State reports the lifecycle of the current connection.
func (c *Client) State() transport.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		if c.closed {
			return transport.StateClosed
		}
		return transport.StateConnecting
	}
	return c.conn.State()
}

// Connect dials the daemon if there is no live connection.
func (c *Client) Connect(ctx context.Context) error {
	_, err := c.ensureConn(ctx)
	return err
}

func (c *Client) current() (*transport.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fault.Wrap(fault.ErrDisconnected, "ipc", "client", "", ErrClientClosed)
	}
	if c.conn != nil && c.conn.State() == transport.StateOpen {
		return c.conn, nil
	}
	return nil, nil
}

// ensureConn returns the live connection, re-dialing with backoff when there
// is none. Exhausting the attempts yields ConnectFailed.
func (c *Client) ensureConn(ctx context.Context) (*transport.Conn, error) {
	if conn, err := c.current(); conn != nil || err != nil {
		return conn, err
	}

	c.dialMu.Lock()
	defer c.dialMu.Unlock()
	if conn, err := c.current(); conn != nil || err != nil {
		return conn, err
	}

	c.backoff.Reset()
	var (
		lastErr  error
		attempts int
	)
	for {
		attempts++
		conn, err := c.dialOnce(ctx)
		if err == nil {
			if attempts > 1 {
				c.logger.Info("reconnected to daemon",
					logging.String(logging.FieldEventType, "ipc_reconnected"),
					logging.Int("attempts", attempts))
			}
			return conn, nil
		}
		if errors.Is(err, fault.ErrHandler) {
			return nil, err
		}
		lastErr = err
		if ctx.Err() != nil || c.backoff.Exhausted(attempts) {
			break
		}
		delay := c.backoff.Next()
		c.logger.Debug("dial failed; backing off",
			logging.Error(err),
			logging.Int("attempt", attempts),
			logging.Duration("delay", delay))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			lastErr = errors.Join(lastErr, ctx.Err())
		case <-timer.C:
			continue
		}
		break
	}
	return nil, fault.Wrap(fault.ErrConnectFailed, "ipc", "connect",
		fmt.Sprintf("%s after %d attempt(s)", c.opts.Address, attempts), lastErr)
}

func (c *Client) dialOnce(ctx context.Context) (*transport.Conn, error) {
	token, err := c.opts.Token.Token()
	if err != nil {
		return nil, err
	}
	conn, err := transport.Dial(ctx, c.opts.Address, c.opts.DialTimeout, c.opts.Transport)
	if err != nil {
		return nil, err
	}
	anchor := c.opts.Identity.Anchor.Process
	if _, err := c.reg.Bind(c.sessionID, conn, session.Meta{
		AnchorPID:   anchor.PID,
		AnchorName:  anchor.Name,
		AnchorStart: anchor.StartTime,
		PeerPID:     os.Getpid(),
	}); err != nil {
		_ = conn.Close()
		return nil, err
	}
	c.wg.Add(1)
	go c.readLoop(conn)

	body, err := wire.MarshalBody(HelloRequest{
		SessionID:   c.sessionID,
		AnchorPID:   anchor.PID,
		AnchorName:  anchor.Name,
		AnchorStart: anchor.StartTime,
		ClientPID:   os.Getpid(),
		Token:       token,
	})
	if err != nil {
		c.drop(conn, err)
		return nil, err
	}
	resp, _, err := c.request(ctx, conn, MethodHello, body, c.opts.DialTimeout)
	if err != nil {
		c.drop(conn, err)
		return nil, err
	}
	var hello HelloResponse
	if err := wire.UnmarshalBody(resp.Body, &hello); err != nil {
		err = fault.Wrap(fault.ErrProtocol, "ipc", "hello", "decode response", err)
		c.drop(conn, err)
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.drop(conn, ErrClientClosed)
		return nil, fault.Wrap(fault.ErrDisconnected, "ipc", "client", "", ErrClientClosed)
	}
	c.conn = conn
	c.hello = hello
	c.mu.Unlock()

	c.logger.Debug("connected to daemon",
		logging.String("socket", c.opts.Address),
		logging.Uint64(logging.FieldConnID, conn.ID()),
		logging.String("daemon_id", hello.DaemonID),
		logging.Bool("superseded", hello.Superseded))
	return conn, nil
}

func (c *Client) readLoop(conn *transport.Conn) {
	defer c.wg.Done()
	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			c.drop(conn, err)
			return
		}
		switch msg.Type {
		case wire.TypeResponse, wire.TypePong:
			if !c.reg.Resolve(c.sessionID, msg.CorrelationID, msg) {
				c.logger.Debug("late response dropped",
					logging.Uint64(logging.FieldCorrelationID, msg.CorrelationID))
			}
		case wire.TypeEvent:
			c.reg.Publish(c.sessionID, *msg.Event)
		case wire.TypePing:
			if err := conn.WriteMessage(wire.NewPong(msg.CorrelationID, msg.Payload)); err != nil {
				c.drop(conn, err)
				return
			}
		case wire.TypeRequest:
			reply := wire.NewErrorResponse(msg.CorrelationID, fault.CodeUnknownMethod,
				fmt.Sprintf("client does not serve %q", msg.Request.Method))
			if err := conn.WriteMessage(reply); err != nil {
				c.drop(conn, err)
				return
			}
		}
	}
}

// drop tears conn down. Pending requests and subscriptions on it end with
// Disconnected.
func (c *Client) drop(conn *transport.Conn, cause error) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()

	disc := cause
	if !errors.Is(cause, fault.ErrDisconnected) {
		disc = fault.Wrap(fault.ErrDisconnected, "ipc", "connection", fmt.Sprintf("%s: %v", conn, cause), nil)
	}
	if c.reg.Unbind(c.sessionID, conn, disc) {
		c.logger.Debug("connection dropped",
			logging.Uint64(logging.FieldConnID, conn.ID()),
			logging.String(logging.FieldErrorKind, string(fault.KindOf(cause))),
			logging.Error(cause))
	}
	_ = conn.Close()
}

// roundTrip registers a pending entry, writes the message built for its
// correlation id, and waits. sent is false when nothing reached the wire.
func (c *Client) roundTrip(ctx context.Context, conn *transport.Conn, build func(id uint64) wire.Message, timeout time.Duration) (wire.Message, bool, error) {
	id := c.nextID.Add(1)
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	p, err := c.reg.RegisterPending(c.sessionID, id, deadline)
	if err != nil {
		return wire.Message{}, false, err
	}
	if err := conn.WriteMessage(build(id)); err != nil {
		p.Cancel(err)
		if errors.Is(err, fault.ErrDisconnected) {
			c.drop(conn, err)
			return wire.Message{}, true, err
		}
		return wire.Message{}, false, err
	}
	msg, err := p.Wait(ctx)
	return msg, true, err
}

func (c *Client) request(ctx context.Context, conn *transport.Conn, method string, body []byte, timeout time.Duration) (*wire.Response, bool, error) {
	msg, sent, err := c.roundTrip(ctx, conn, func(id uint64) wire.Message {
		return wire.NewRequest(id, wire.Request{Method: method, SessionID: c.sessionID, Body: body})
	}, timeout)
	if err != nil {
		return nil, sent, err
	}
	if msg.Type != wire.TypeResponse || msg.Response == nil {
		err := fault.Wrap(fault.ErrProtocol, "ipc", "request",
			fmt.Sprintf("%s answered with %s", method, msg.Type), nil)
		c.drop(conn, err)
		return nil, true, err
	}
	if herr := msg.Response.Err(); herr != nil {
		return msg.Response, true, herr
	}
	return msg.Response, true, nil
}

// SendRequest sends method with an encoded body and waits for the matching
// response. A zero timeout uses the client default. The result is exactly one
// of a response, a HandlerError (with the response), Timeout, Disconnected,
// or ConnectFailed when the daemon cannot be reached.
func (c *Client) SendRequest(ctx context.Context, method string, body []byte, timeout time.Duration) (*wire.Response, error) {
	if timeout <= 0 {
		timeout = c.opts.RequestTimeout
	}
	for try := 0; ; try++ {
		conn, err := c.ensureConn(ctx)
		if err != nil {
			return nil, err
		}
		resp, sent, err := c.request(ctx, conn, method, body, timeout)
		if err != nil && !sent && try == 0 && errors.Is(err, fault.ErrDisconnected) {
			continue
		}
		return resp, err
	}
}

// Call encodes in, sends method, and decodes the response body into out.
// Either may be nil.
func (c *Client) Call(ctx context.Context, method string, in, out any) error {
	body, err := wire.MarshalBody(in)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}
	resp, err := c.SendRequest(ctx, method, body, 0)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := wire.UnmarshalBody(resp.Body, out); err != nil {
		return fault.Wrap(fault.ErrProtocol, "ipc", "call", "decode "+method+" response", err)
	}
	return nil
}

// Ping measures a round trip to the daemon.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	conn, err := c.ensureConn(ctx)
	if err != nil {
		return 0, err
	}
	payload := []byte(fmt.Sprintf("%d", time.Now().UnixNano()))
	start := time.Now()
	msg, _, err := c.roundTrip(ctx, conn, func(id uint64) wire.Message {
		return wire.NewPing(id, payload)
	}, c.opts.RequestTimeout)
	if err != nil {
		return 0, err
	}
	if msg.Type != wire.TypePong || !bytes.Equal(msg.Payload, payload) {
		err := fault.Wrap(fault.ErrProtocol, "ipc", "ping", "unexpected reply "+msg.Type.String(), nil)
		c.drop(conn, err)
		return 0, err
	}
	return time.Since(start), nil
}

// Emit sends an event frame. The daemon re-broadcasts it to subscribers of
// the topic and may forward it to telemetry.
func (c *Client) Emit(ctx context.Context, topic string, body []byte) error {
	conn, err := c.ensureConn(ctx)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(wire.NewEvent(wire.Event{Topic: topic, SessionID: c.sessionID, Body: body})); err != nil {
		if errors.Is(err, fault.ErrDisconnected) {
			c.drop(conn, err)
		}
		return err
	}
	return nil
}

// Subscribe opens a standing subscription to topic. Events queue per
// subscription until read, so a slow consumer never holds up responses or
// other subscriptions on the connection.
func (c *Client) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	if topic == "" {
		return nil, errors.New("subscribe: empty topic")
	}
	body, err := wire.MarshalBody(TopicRequest{Topic: topic})
	if err != nil {
		return nil, err
	}
	for try := 0; ; try++ {
		conn, err := c.ensureConn(ctx)
		if err != nil {
			return nil, err
		}
		sink, err := c.reg.AddSink(c.sessionID, topic)
		if err != nil {
			if try == 0 && errors.Is(err, fault.ErrDisconnected) {
				continue
			}
			return nil, err
		}
		_, sent, err := c.request(ctx, conn, MethodSubscribe, body, c.opts.RequestTimeout)
		if err != nil {
			c.reg.RemoveSink(sink, err)
			if !sent && try == 0 && errors.Is(err, fault.ErrDisconnected) {
				continue
			}
			return nil, err
		}
		return &Subscription{client: c, sink: sink, conn: conn}, nil
	}
}

func (c *Client) unsubscribe(conn *transport.Conn, topic string) {
	live, _ := c.current()
	if live != conn {
		return
	}
	body, err := wire.MarshalBody(TopicRequest{Topic: topic})
	if err != nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.RequestTimeout)
		defer cancel()
		if _, _, err := c.request(ctx, conn, MethodUnsubscribe, body, c.opts.RequestTimeout); err != nil {
			c.logger.Debug("unsubscribe failed",
				logging.String(logging.FieldTopic, topic),
				logging.Error(err))
		}
	}()
}

// Close drops the connection and waits for background work. Outstanding
// requests and subscriptions end with Disconnected.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		c.drop(conn, fault.Wrap(fault.ErrDisconnected, "ipc", "client", "", ErrClientClosed))
	}
	c.wg.Wait()
	return nil
}
