package session

import (
	"context"
	"sync"

	"shellbridge/internal/wire"
)

// Sink is a standing delivery point for events of one topic. Its queue is
// unbounded: push never blocks, so a consumer that stops reading cannot stall
// the connection reader or unrelated requests on it.
type Sink struct {
	sessionID string
	topic     string
	connID    uint64

	mu     sync.Mutex
	queue  []wire.Event
	notify chan struct{}
	done   chan struct{}
	once   sync.Once
	err    error
}

func newSink(sessionID, topic string, connID uint64, capacity int) *Sink {
	if capacity <= 0 {
		capacity = 64
	}
	return &Sink{
		sessionID: sessionID,
		topic:     topic,
		connID:    connID,
		queue:     make([]wire.Event, 0, capacity),
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

func (s *Sink) Topic() string { return s.topic }

func (s *Sink) SessionID() string { return s.sessionID }

// ConnID is the connection the sink was opened on.
func (s *Sink) ConnID() uint64 { return s.connID }

// Done is closed once the sink has been finished.
func (s *Sink) Done() <-chan struct{} { return s.done }

// Len reports how many events are queued and not yet consumed.
func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Err is the terminal error, valid after Done is closed.
func (s *Sink) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Next returns the next event. Events queued before the sink finished are
// still returned in order; after that Next returns the terminal error.
func (s *Sink) Next(ctx context.Context) (wire.Event, error) {
	for {
		if evt, ok := s.pop(); ok {
			return evt, nil
		}
		select {
		case <-s.notify:
		case <-s.done:
			if evt, ok := s.pop(); ok {
				return evt, nil
			}
			return wire.Event{}, s.err
		case <-ctx.Done():
			return wire.Event{}, ctx.Err()
		}
	}
}

func (s *Sink) pop() (wire.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return wire.Event{}, false
	}
	evt := s.queue[0]
	s.queue[0] = wire.Event{}
	s.queue = s.queue[1:]
	if len(s.queue) == 0 {
		s.queue = s.queue[:0:0]
	}
	return evt, true
}

// push queues evt without blocking. It reports false once the sink has
// finished.
func (s *Sink) push(evt wire.Event) bool {
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return false
	default:
	}
	s.queue = append(s.queue, evt)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true
}

func (s *Sink) finish(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		close(s.done)
		s.mu.Unlock()
	})
}
