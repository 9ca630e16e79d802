package daemon

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"shellbridge/internal/ipc"
	"shellbridge/internal/ledger"
	"shellbridge/internal/logging"
)

const recorderBuffer = 256

// recorder writes lifecycle changes to the ledger off the router's
// connection goroutines.
type recorder struct {
	store  *ledger.Store
	logger *slog.Logger

	mu     sync.RWMutex
	ch     chan ipc.Lifecycle
	closed bool

	dropped atomic.Uint64
	done    chan struct{}
}

func newRecorder(store *ledger.Store, logger *slog.Logger) *recorder {
	r := &recorder{
		store:  store,
		logger: logger,
		ch:     make(chan ipc.Lifecycle, recorderBuffer),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// Observe queues l without blocking.
func (r *recorder) Observe(l ipc.Lifecycle) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.ch <- l:
	default:
		if r.dropped.Add(1) == 1 {
			logging.WarnWithContext(r.logger, "session history backlog full", "ledger_backlog_full",
				logging.String(logging.FieldSessionID, l.SessionID),
				logging.String(logging.FieldImpact, "some lifecycle rows are missing from history"))
		}
	}
}

// Close flushes queued rows and stops the worker.
func (r *recorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.ch)
	}
	r.mu.Unlock()
	<-r.done
}

func (r *recorder) run() {
	defer close(r.done)
	for l := range r.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, err := r.store.Record(ctx, ledger.Event{
			SessionID:  l.SessionID,
			Kind:       ledger.Kind(l.Kind),
			AnchorPID:  l.Meta.AnchorPID,
			AnchorName: l.Meta.AnchorName,
			PeerPID:    l.Meta.PeerPID,
			Reason:     l.Reason,
			CreatedAt:  l.At,
		})
		cancel()
		if err != nil {
			logging.WarnWithContext(r.logger, "record session event failed", "ledger_record_failed",
				logging.Error(err),
				logging.String(logging.FieldSessionID, l.SessionID),
				logging.String("kind", string(l.Kind)),
				logging.String(logging.FieldImpact, "session history is incomplete"),
				logging.String(logging.FieldErrorHint, "check permissions on the state directory"))
		}
	}
}
