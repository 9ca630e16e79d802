package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"shellbridge/internal/config"
	"shellbridge/internal/ipc"
	"shellbridge/internal/ledger"
	"shellbridge/internal/logging"
	"shellbridge/internal/procinfo"
	"shellbridge/internal/session"
	"shellbridge/internal/telemetry"
	"shellbridge/internal/transport"
	"shellbridge/internal/wire"
)

// LifecycleTopic carries a one-line notice for every session bind, release,
// supersede, and eviction.
const LifecycleTopic = "session.lifecycle"

// maintenanceInterval paces ledger pruning and log retention.
const maintenanceInterval = time.Hour

// ErrAlreadyRunning is returned by Run when another daemon holds the lock.
var ErrAlreadyRunning = errors.New("another shellbridge daemon instance is already running")

// Options configures a Daemon.
type Options struct {
	// SocketPath is the socket to serve.
	SocketPath string
	Version    string
	// Scope is reported by daemon.status.
	Scope string
	// Source resolves anchor processes for liveness checks. Nil uses the
	// platform source.
	Source procinfo.Source
}

// Daemon owns the router and its supporting stores for one socket.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	opts     Options
	daemonID string

	lockPath string
	pidPath  string
	lock     *flock.Flock

	registry *session.Registry
	handlers *ipc.Handlers

	mu        sync.Mutex
	router    *ipc.Router
	ledger    *ledger.Store
	sink      *telemetry.AsyncSink
	recorder  *recorder
	cancel    context.CancelFunc
	startedAt time.Time

	running atomic.Bool
}

// New constructs a daemon. Nothing is opened until Run.
func New(cfg *config.Config, logger *slog.Logger, opts Options) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("daemon requires config")
	}
	if strings.TrimSpace(opts.SocketPath) == "" {
		return nil, errors.New("daemon requires a socket path")
	}
	if opts.Source == nil {
		opts.Source = procinfo.Default()
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	lockPath, pidPath := InstanceFiles(cfg, opts.Scope, opts.SocketPath)
	d := &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		opts:     opts,
		daemonID: uuid.NewString(),
		lockPath: lockPath,
		pidPath:  pidPath,
		lock:     flock.New(lockPath),
		registry: session.New(session.Options{
			Shards:     cfg.Registry.Shards,
			TTL:        cfg.SessionTTL(),
			SinkBuffer: cfg.Registry.SinkBuffer,
		}),
		handlers: ipc.NewHandlers(),
	}
	if err := d.registerHandlers(); err != nil {
		return nil, err
	}
	return d, nil
}

// Handlers exposes the handler registry so callers can add methods before
// Run.
func (d *Daemon) Handlers() *ipc.Handlers { return d.handlers }

// SocketPath is the socket the daemon serves.
func (d *Daemon) SocketPath() string { return d.opts.SocketPath }

// Run acquires the lock, opens the stores, and serves until ctx is canceled
// or a client requests shutdown.
func (d *Daemon) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return errors.New("daemon already running")
	}
	defer d.running.Store(false)

	if err := d.cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("ensure directories: %w", err)
	}
	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return ErrAlreadyRunning
	}
	defer func() {
		if err := d.lock.Unlock(); err != nil {
			d.logger.Warn("failed to release daemon lock",
				logging.Error(err),
				logging.String(logging.FieldEventType, "daemon_unlock_failed"),
				logging.String(logging.FieldImpact, "the next start may need the lock file removed"),
				logging.String(logging.FieldErrorHint, "remove "+d.lockPath+" if no daemon is running"))
		}
	}()

	if err := writePIDFile(d.pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(d.pidPath)

	token, err := d.loadToken()
	if err != nil {
		return err
	}
	filter, err := ipc.NewTelemetryFilter(d.cfg.Telemetry.Topics)
	if err != nil {
		return fmt.Errorf("telemetry topics: %w", err)
	}

	d.openStores()
	defer d.closeStores()

	routerOpts := ipc.RouterOptions{
		Handlers:        d.handlers,
		Registry:        d.registry,
		Token:           token,
		DaemonID:        d.daemonID,
		Version:         d.opts.Version,
		TelemetryTopics: filter,
		OnLifecycle:     d.onLifecycle,
		Logger:          d.logger,
	}
	d.mu.Lock()
	if d.sink != nil {
		routerOpts.Telemetry = d.sink
	}
	telemetryOn, ledgerOn := d.sink != nil, d.ledger != nil
	d.mu.Unlock()
	router := ipc.NewRouter(routerOpts)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	d.mu.Lock()
	d.router = router
	d.cancel = cancel
	d.startedAt = time.Now()
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.cancel = nil
		d.mu.Unlock()
	}()

	ln, err := transport.Listen(d.opts.SocketPath, d.transportOptions())
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	router.StartSweeper(runCtx, d.cfg.SweepInterval(), d.anchorAlive)
	go d.maintain(runCtx)

	d.logger.Info("shellbridge daemon started",
		logging.String(logging.FieldEventType, "daemon_started"),
		logging.String("socket", d.opts.SocketPath),
		logging.String("daemon_id", d.daemonID),
		logging.Int("pid", os.Getpid()),
		logging.String("lock", d.lockPath),
		logging.Bool("telemetry", telemetryOn),
		logging.Bool("ledger", ledgerOn))

	serveErr := router.Serve(runCtx, ln)
	d.logger.Info("shellbridge daemon stopped",
		logging.String(logging.FieldEventType, "daemon_stopped"))
	return serveErr
}

// Shutdown stops a running daemon. It is safe to call at any time.
func (d *Daemon) Shutdown() {
	d.mu.Lock()
	cancel := d.cancel
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Running reports whether Run is active.
func (d *Daemon) Running() bool { return d.running.Load() }

func (d *Daemon) transportOptions() transport.Options {
	return transport.Options{
		Limits:       wire.Limits{MaxFrameBytes: uint32(d.cfg.Transport.MaxFrameBytes)},
		ReadTimeout:  d.cfg.ReadTimeout(),
		WriteTimeout: d.cfg.WriteTimeout(),
	}
}

// openStores opens the ledger and telemetry journal. Either may fail
// without stopping the daemon.
func (d *Daemon) openStores() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cfg.Ledger.Enabled {
		store, err := ledger.Open(d.cfg.LedgerPath())
		if err != nil {
			logging.WarnWithContext(d.logger, "session history unavailable", "ledger_open_failed",
				logging.Error(err),
				logging.String("path", d.cfg.LedgerPath()),
				logging.String(logging.FieldImpact, "daemon.history returns an error"),
				logging.String(logging.FieldErrorHint, "delete the ledger file if its schema is outdated"))
		} else {
			d.ledger = store
			d.recorder = newRecorder(store, d.logger)
		}
	}

	sink, err := telemetry.Open(d.cfg, d.logger)
	if err != nil {
		logging.WarnWithContext(d.logger, "telemetry journal unavailable", "telemetry_open_failed",
			logging.Error(err),
			logging.String("path", d.cfg.TelemetryPath()),
			logging.String(logging.FieldImpact, "telemetry events are not forwarded"))
	} else if sink != nil {
		d.sink = sink
	}
}

func (d *Daemon) closeStores() {
	d.mu.Lock()
	rec, store, sink := d.recorder, d.ledger, d.sink
	d.recorder, d.ledger, d.sink = nil, nil, nil
	d.mu.Unlock()

	if rec != nil {
		rec.Close()
	}
	if store != nil {
		_ = store.Close()
	}
	if sink != nil {
		if err := sink.Close(); err != nil {
			d.logger.Debug("close telemetry journal", logging.Error(err))
		}
	}
}

func (d *Daemon) historyStore() *ledger.Store {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ledger
}

func (d *Daemon) anchorAlive(m session.Meta) bool {
	return procinfo.Alive(d.opts.Source, m.AnchorPID, m.AnchorStart)
}

// onLifecycle runs on router goroutines.
func (d *Daemon) onLifecycle(l ipc.Lifecycle) {
	d.mu.Lock()
	rec, router := d.recorder, d.router
	d.mu.Unlock()
	if rec != nil {
		rec.Observe(l)
	}
	if router == nil {
		return
	}
	line := fmt.Sprintf("%s %s", l.Kind, l.SessionID)
	if l.Meta.AnchorName != "" {
		line += fmt.Sprintf(" anchor=%s(%d)", l.Meta.AnchorName, l.Meta.AnchorPID)
	}
	if l.Reason != "" {
		line += " reason=" + l.Reason
	}
	router.Publish(wire.Event{Topic: LifecycleTopic, SessionID: l.SessionID, Body: []byte(line)}, "")
}

// maintain prunes the ledger and old logs on startup and then hourly.
func (d *Daemon) maintain(ctx context.Context) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		d.prune(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *Daemon) prune(ctx context.Context) {
	logging.CleanupOldLogs(d.logger, d.cfg.Logging.RetentionDays, logging.RetentionTarget{
		Dir:     d.cfg.Paths.LogDir,
		Pattern: "shellbridge*.log*",
		Keep:    []string{d.cfg.DaemonLogPath()},
	})
	store := d.historyStore()
	if store == nil || d.cfg.Ledger.RetentionDays <= 0 {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -d.cfg.Ledger.RetentionDays)
	removed, err := store.Prune(ctx, cutoff)
	if err != nil {
		if ctx.Err() == nil {
			logging.WarnWithContext(d.logger, "prune session history failed", "ledger_prune_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "the ledger keeps growing until the next attempt"))
		}
		return
	}
	if removed > 0 {
		d.logger.Info("pruned session history",
			logging.String(logging.FieldEventType, "ledger_pruned"),
			logging.Int64("rows", removed),
			logging.Int("retention_days", d.cfg.Ledger.RetentionDays))
	}
}

// InstanceFiles returns the lock and pid file for a daemon serving socket.
// A user-scoped daemon keeps them in the state directory; session-scoped
// daemons keep them beside their socket so several can run at once.
func InstanceFiles(cfg *config.Config, scope, socket string) (lockPath, pidPath string) {
	if s, ok := transport.ParseScope(scope); ok && s == transport.ScopeSession {
		return socket + ".lock", socket + ".pid"
	}
	return cfg.LockPath(), cfg.PIDPath()
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o600)
}

// ReadPIDFile returns the pid recorded by a running daemon.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("pid file %s: invalid contents", path)
	}
	return pid, nil
}
