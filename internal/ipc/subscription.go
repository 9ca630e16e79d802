package ipc

import (
	"context"
	"errors"
	"iter"

	"shellbridge/internal/session"
	"shellbridge/internal/transport"
	"shellbridge/internal/wire"
)

// ErrSubscriptionClosed ends a subscription closed by its owner.
var ErrSubscriptionClosed = errors.New("subscription closed")

// Subscription is a lazy, non-restartable sequence of events for one topic.
// It ends with a terminal error: ErrSubscriptionClosed after Close, or a
// Disconnected error when the connection is lost.
type Subscription struct {
	client *Client
	sink   *session.Sink
	conn   *transport.Conn
}

func (s *Subscription) Topic() string { return s.sink.Topic() }

// Next blocks for the next event. Events received before the subscription
// ended are still returned in order before the terminal error.
func (s *Subscription) Next(ctx context.Context) (wire.Event, error) {
	return s.sink.Next(ctx)
}

// All ranges over events until the subscription ends or ctx is done. The
// final pair carries the terminal error unless the loop body stopped early.
func (s *Subscription) All(ctx context.Context) iter.Seq2[wire.Event, error] {
	return func(yield func(wire.Event, error) bool) {
		for {
			evt, err := s.sink.Next(ctx)
			if err != nil {
				yield(wire.Event{}, err)
				return
			}
			if !yield(evt, nil) {
				return
			}
		}
	}
}

// Done is closed once the subscription has ended.
func (s *Subscription) Done() <-chan struct{} { return s.sink.Done() }

// Close cancels the subscription. The daemon is told to stop sending the
// topic once no other subscription on this client wants it.
func (s *Subscription) Close() error {
	select {
	case <-s.sink.Done():
		return nil
	default:
	}
	if last := s.client.reg.RemoveSink(s.sink, ErrSubscriptionClosed); last {
		s.client.unsubscribe(s.conn, s.sink.Topic())
	}
	return nil
}
