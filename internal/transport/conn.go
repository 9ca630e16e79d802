package transport

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"shellbridge/internal/fault"
	"shellbridge/internal/wire"
)

// State is the lifecycle of a Conn. Closed is terminal.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Peer identifies the process on the other end of a socket when the platform
// exposes it.
type Peer struct {
	PID   int
	UID   int
	Known bool
}

// Options tunes a Conn.
type Options struct {
	Limits wire.Limits
	// ReadTimeout bounds how long the rest of a frame may take once its first
	// byte arrived. Idle time between frames is unbounded.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

var nextConnID atomic.Uint64

// Conn is one framed byte stream. Reads are expected from a single
// goroutine; writes may come from many and are serialized so frames never
// interleave.
type Conn struct {
	id     uint64
	raw    net.Conn
	reader *bufio.Reader
	opts   Options
	peer   Peer

	writeMu sync.Mutex
	state   atomic.Int32

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

// NewConn wraps raw. The returned Conn is Open.
func NewConn(raw net.Conn, opts Options) *Conn {
	c := &Conn{
		id:     nextConnID.Add(1),
		raw:    raw,
		reader: bufio.NewReader(raw),
		opts:   opts,
		done:   make(chan struct{}),
	}
	c.state.Store(int32(StateConnecting))
	if peer, err := peerIdentity(raw); err == nil {
		c.peer = peer
	}
	c.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen))
	return c
}

// ID is unique per process for the lifetime of the process.
func (c *Conn) ID() uint64 { return c.id }

func (c *Conn) State() State { return State(c.state.Load()) }

func (c *Conn) Peer() Peer { return c.peer }

// Done is closed once the Conn reaches Closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) String() string {
	return fmt.Sprintf("conn#%d(%s)", c.id, c.State())
}

// ReadFrame blocks for the next frame.
func (c *Conn) ReadFrame() (wire.Frame, error) {
	if _, err := c.reader.Peek(1); err != nil {
		return wire.Frame{}, c.readError(err)
	}
	if c.opts.ReadTimeout > 0 {
		_ = c.raw.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		defer c.raw.SetReadDeadline(time.Time{})
	}
	f, err := wire.ReadFrame(c.reader, c.opts.Limits)
	if err != nil {
		return wire.Frame{}, c.readError(err)
	}
	return f, nil
}

// ReadMessage reads and parses the next frame.
func (c *Conn) ReadMessage() (wire.Message, error) {
	f, err := c.ReadFrame()
	if err != nil {
		return wire.Message{}, err
	}
	return wire.Parse(f)
}

// WriteFrame writes f atomically with respect to other writers.
func (c *Conn) WriteFrame(f wire.Frame) error {
	buf, err := wire.Encode(f, c.opts.Limits)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.State() != StateOpen {
		return fault.Wrap(fault.ErrDisconnected, "transport", "write", c.String(), net.ErrClosed)
	}
	if c.opts.WriteTimeout > 0 {
		_ = c.raw.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
		defer c.raw.SetWriteDeadline(time.Time{})
	}
	if _, err := c.raw.Write(buf); err != nil {
		return fault.Wrap(fault.ErrDisconnected, "transport", "write", c.String(), err)
	}
	return nil
}

// WriteMessage encodes and writes m.
func (c *Conn) WriteMessage(m wire.Message) error {
	f, err := m.Frame()
	if err != nil {
		return err
	}
	return c.WriteFrame(f)
}

// Close moves the Conn through Closing to Closed and releases the socket.
// It does not wait for readers to observe the close.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosing))
		c.closeErr = c.raw.Close()
		c.state.Store(int32(StateClosed))
		close(c.done)
	})
	return c.closeErr
}

func (c *Conn) readError(err error) error {
	if errors.Is(err, fault.ErrProtocol) || errors.Is(err, fault.ErrFrameTooLarge) {
		return err
	}
	return fault.Wrap(fault.ErrDisconnected, "transport", "read", c.String(), err)
}
