package telemetry

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"shellbridge/internal/config"
	"shellbridge/internal/logging"
	"shellbridge/internal/wire"
)

// DefaultBuffer is the queue depth when none is configured.
const DefaultBuffer = 256

// AsyncSink hands events to a Writer on a background goroutine. Offer never
// blocks: when the buffer is full the event is dropped and counted.
type AsyncSink struct {
	writer Writer
	logger *slog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	ch     chan wire.Event
	closed bool

	dropped atomic.Uint64
	written atomic.Uint64
	failed  atomic.Uint64
	seq     uint64
	done    chan struct{}
}

// SinkOption customizes an AsyncSink.
type SinkOption func(*AsyncSink)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) SinkOption {
	return func(s *AsyncSink) { s.now = now }
}

// WithStartSequence continues numbering after seq.
func WithStartSequence(seq uint64) SinkOption {
	return func(s *AsyncSink) { s.seq = seq }
}

// NewAsyncSink starts the writer goroutine.
func NewAsyncSink(w Writer, buffer int, logger *slog.Logger, opts ...SinkOption) *AsyncSink {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	s := &AsyncSink{
		writer: w,
		logger: logging.NewComponentLogger(logger, "telemetry"),
		now:    time.Now,
		ch:     make(chan wire.Event, buffer),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.run()
	return s
}

// Offer queues evt for writing. It returns false when the event was dropped.
func (s *AsyncSink) Offer(evt wire.Event) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return false
	}
	select {
	case s.ch <- evt:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// Dropped counts events refused because the buffer was full or the sink
// was closed.
func (s *AsyncSink) Dropped() uint64 { return s.dropped.Load() }

// Written counts events the writer accepted.
func (s *AsyncSink) Written() uint64 { return s.written.Load() }

// Close stops accepting events, flushes what is queued, and waits for the
// writer goroutine.
func (s *AsyncSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return nil
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()
	<-s.done
	if c, ok := s.writer.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

func (s *AsyncSink) run() {
	defer close(s.done)
	for evt := range s.ch {
		s.seq++
		rec := NewRecord(evt, s.now())
		rec.Sequence = s.seq
		if err := s.writer.Write(rec); err != nil {
			// Warn once per sink.
			if s.failed.Add(1) == 1 {
				logging.WarnWithContext(s.logger, "telemetry write failed", "telemetry_write_failed",
					logging.Error(err),
					logging.String(logging.FieldTopic, evt.Topic),
					logging.String(logging.FieldImpact, "forwarded events are being lost"),
					logging.String(logging.FieldErrorHint, "check free space and permissions on the state directory"))
			}
			continue
		}
		s.written.Add(1)
	}
}

// Open builds the configured sink: an AsyncSink over the state directory's
// journal, or nil when telemetry is disabled.
func Open(cfg *config.Config, logger *slog.Logger) (*AsyncSink, error) {
	if cfg == nil || !cfg.Telemetry.Enabled {
		return nil, nil
	}
	journal, err := OpenJournal(cfg.TelemetryPath())
	if err != nil {
		return nil, err
	}
	last, err := journal.LastSequence()
	if err != nil {
		logging.WarnWithContext(logging.NewComponentLogger(logger, "telemetry"),
			"telemetry journal unreadable; restarting sequence", "telemetry_journal_unreadable",
			logging.Error(err),
			logging.String("path", journal.Path()),
			logging.String(logging.FieldImpact, "sequence numbers restart at 1"))
		last = 0
	}
	return NewAsyncSink(journal, cfg.Telemetry.Buffer, logger, WithStartSequence(last)), nil
}
