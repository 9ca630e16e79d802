package daemon

import (
	"context"
	"os"
	"strings"
	"time"

	"shellbridge/internal/fault"
	"shellbridge/internal/ipc"
	"shellbridge/internal/ledger"
	"shellbridge/internal/logging"
	"shellbridge/internal/wire"
)

// shutdownDelay lets the daemon.shutdown reply reach the caller before the
// listener closes.
const shutdownDelay = 50 * time.Millisecond

func (d *Daemon) registerHandlers() error {
	for method, fn := range map[string]ipc.HandlerFunc{
		ipc.MethodStatus:   d.handleStatus,
		ipc.MethodSessions: d.handleSessions,
		ipc.MethodHistory:  d.handleHistory,
		ipc.MethodPublish:  d.handlePublish,
		ipc.MethodShutdown: d.handleShutdown,
	} {
		if err := d.handlers.Handle(method, fn); err != nil {
			return err
		}
	}
	return nil
}

// Status reports the daemon's current state.
func (d *Daemon) Status() ipc.StatusResponse {
	d.mu.Lock()
	router, store, started := d.router, d.ledger, d.startedAt
	telemetryOn := d.sink != nil
	d.mu.Unlock()

	resp := ipc.StatusResponse{
		PID:         os.Getpid(),
		Version:     d.opts.Version,
		DaemonID:    d.daemonID,
		StartedAt:   started,
		Socket:      d.opts.SocketPath,
		Scope:       d.opts.Scope,
		Sessions:    d.registry.Len(),
		TelemetryOn: telemetryOn,
	}
	if !started.IsZero() {
		resp.Uptime = time.Since(started).Truncate(time.Second)
	}
	if router != nil {
		stats := router.Stats()
		resp.Connections = stats.Connections
		resp.TelemetryDrops = stats.TelemetryDrops
	}
	if store != nil {
		resp.LedgerPath = store.Path()
	}
	return resp
}

func (d *Daemon) handleStatus(context.Context, *ipc.Call) (any, error) {
	return d.Status(), nil
}

func (d *Daemon) handleSessions(context.Context, *ipc.Call) (any, error) {
	infos := d.registry.Snapshot()
	out := make([]ipc.SessionInfo, 0, len(infos))
	for _, info := range infos {
		out = append(out, ipc.SessionInfo{
			SessionID:  info.SessionID,
			Bound:      info.Bound,
			AnchorPID:  info.Meta.AnchorPID,
			AnchorName: info.Meta.AnchorName,
			PeerPID:    info.Meta.PeerPID,
			BoundAt:    info.BoundAt,
			LastSeen:   info.LastSeen,
			Pending:    info.Pending,
			Topics:     info.Topics,
		})
	}
	return ipc.SessionsResponse{Sessions: out}, nil
}

func (d *Daemon) handleHistory(ctx context.Context, call *ipc.Call) (any, error) {
	var req ipc.HistoryRequest
	if len(call.Body) > 0 {
		if err := call.Decode(&req); err != nil {
			return nil, err
		}
	}
	if req.Limit < 0 {
		return nil, fault.NewHandlerError(fault.CodeBadRequest, "limit must be positive")
	}
	store := d.historyStore()
	if store == nil {
		return nil, fault.NewHandlerError(fault.CodeUnavailable, "session history is disabled")
	}
	rows, err := store.List(ctx, req.Limit, strings.TrimSpace(req.SessionID))
	if err != nil {
		return nil, err
	}
	return ipc.HistoryResponse{Entries: historyEntries(rows)}, nil
}

func historyEntries(rows []ledger.Event) []ipc.HistoryEntry {
	out := make([]ipc.HistoryEntry, 0, len(rows))
	for _, row := range rows {
		out = append(out, ipc.HistoryEntry{
			ID:         row.ID,
			SessionID:  row.SessionID,
			Kind:       string(row.Kind),
			AnchorPID:  row.AnchorPID,
			AnchorName: row.AnchorName,
			PeerPID:    row.PeerPID,
			Reason:     row.Reason,
			CreatedAt:  row.CreatedAt,
		})
	}
	return out
}

func (d *Daemon) handlePublish(_ context.Context, call *ipc.Call) (any, error) {
	var req ipc.PublishRequest
	if err := call.Decode(&req); err != nil {
		return nil, err
	}
	topic := strings.TrimSpace(req.Topic)
	if topic == "" {
		return nil, fault.NewHandlerError(fault.CodeBadRequest, "topic is required")
	}
	d.mu.Lock()
	router := d.router
	d.mu.Unlock()
	if router == nil {
		return nil, fault.NewHandlerError(fault.CodeUnavailable, "daemon is not serving")
	}
	delivered := router.Publish(wire.Event{Topic: topic, SessionID: call.SessionID, Body: req.Body}, strings.TrimSpace(req.SessionID))
	return ipc.PublishResponse{Delivered: delivered}, nil
}

func (d *Daemon) handleShutdown(_ context.Context, call *ipc.Call) (any, error) {
	d.logger.Info("shutdown requested",
		logging.String(logging.FieldEventType, "daemon_shutdown_requested"),
		logging.String(logging.FieldSessionID, call.SessionID),
		logging.Int("peer_pid", call.Peer.PID))
	time.AfterFunc(shutdownDelay, d.Shutdown)
	return ipc.ShutdownResponse{Stopping: true}, nil
}
