package daemonctl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"shellbridge/internal/config"
	"shellbridge/internal/daemon"
	"shellbridge/internal/fault"
	"shellbridge/internal/ipc"
	"shellbridge/internal/logging"
	"shellbridge/internal/procinfo"
	"shellbridge/internal/transport"
	"shellbridge/internal/wire"
)

const probeTimeout = 200 * time.Millisecond

// Discovery is retried briefly before a control command gives up on finding
// its terminal session.
const (
	identityAttempts   = 3
	identityRetryDelay = 25 * time.Millisecond
)

// ErrDaemonNotRunning indicates daemon IPC is unavailable.
var ErrDaemonNotRunning = errors.New("daemon not running")

// Target is the daemon a control command talks to and the session the
// command speaks for.
type Target struct {
	Config     *config.Config
	SocketPath string
	Scope      transport.Scope
	Identity   procinfo.Identity
	Logger     *slog.Logger
}

// Resolve discovers the invoking session and the socket its daemon serves.
// A non-empty socketOverride wins over the configured scope.
func Resolve(cfg *config.Config, socketOverride string) (Target, error) {
	return ResolveWithLogger(cfg, socketOverride, nil)
}

// ResolveWithLogger is Resolve with a logger for identity fallback notices.
// The logger is also carried on the returned Target.
func ResolveWithLogger(cfg *config.Config, socketOverride string, logger *slog.Logger) (Target, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	if cfg == nil {
		return Target{}, errors.New("configuration not available")
	}
	scope, ok := transport.ParseScope(cfg.Transport.Scope)
	if !ok {
		return Target{}, fmt.Errorf("transport.scope: unsupported value %q", cfg.Transport.Scope)
	}
	identity := controlIdentity(func() (procinfo.Identity, error) { return ResolveIdentity(cfg) }, logger)

	socket := strings.TrimSpace(socketOverride)
	if socket != "" {
		expanded, err := config.ExpandPath(socket)
		if err != nil {
			return Target{}, err
		}
		socket = expanded
	} else {
		addr, err := transport.DefaultEndpoint(cfg.Paths.RuntimeDir).Address(scope, identity.SessionID)
		if err != nil {
			return Target{}, err
		}
		socket = addr
	}
	identity.Address = socket
	return Target{Config: cfg, SocketPath: socket, Scope: scope, Identity: identity, Logger: logger}, nil
}

// ResolveIdentity walks the process tree from the current process using the
// configured signatures. It fails with a SessionNotFound error when no shell
// or terminal ancestor is found and no session id was inherited.
func ResolveIdentity(cfg *config.Config) (procinfo.Identity, error) {
	d := procinfo.Discoverer{MaxHops: procinfo.DefaultMaxHops}
	if cfg != nil {
		sig, err := procinfo.NewSignatures(cfg.Introspection.Shells, cfg.Introspection.Terminals)
		if err != nil {
			return procinfo.Identity{}, fmt.Errorf("introspection signatures: %w", err)
		}
		d.Signatures = sig
		if cfg.Introspection.MaxHops > 0 {
			d.MaxHops = cfg.Introspection.MaxHops
		}
	}
	return d.Discover(os.Getpid())
}

// controlIdentity lets daemon management work outside a terminal, for
// example from a service manager, by falling back to a per-process id once
// discovery keeps failing.
func controlIdentity(discover func() (procinfo.Identity, error), logger *slog.Logger) procinfo.Identity {
	id, err := retryIdentity(discover, identityAttempts, identityRetryDelay)
	if err == nil {
		return id
	}
	fallback := procinfo.Identity{SessionID: "ctl-" + strconv.Itoa(os.Getpid())}
	logger.Debug("no terminal session found; using a control identity",
		logging.String(logging.FieldEventType, "control_identity_fallback"),
		logging.String(logging.FieldSessionID, fallback.SessionID),
		logging.Int("attempts", identityAttempts),
		logging.Error(err))
	return fallback
}

// retryIdentity calls discover up to attempts times, sleeping delay between
// calls. Only SessionNotFound is retried.
func retryIdentity(discover func() (procinfo.Identity, error), attempts int, delay time.Duration) (procinfo.Identity, error) {
	var err error
	for i := range max(attempts, 1) {
		if i > 0 {
			time.Sleep(delay)
		}
		var id procinfo.Identity
		if id, err = discover(); err == nil {
			return id, nil
		}
		if !procinfo.IsSessionNotFound(err) {
			return procinfo.Identity{}, err
		}
	}
	return procinfo.Identity{}, err
}

// ClientOptions converts the config's client section into ipc options.
func (t Target) ClientOptions() ipc.ClientOptions {
	cfg := t.Config
	return ipc.ClientOptions{
		Address:  t.SocketPath,
		Identity: t.Identity,
		Token:    ipc.FileToken{Path: cfg.TokenPath()},
		Transport: transport.Options{
			Limits:       wire.Limits{MaxFrameBytes: uint32(cfg.Transport.MaxFrameBytes)},
			ReadTimeout:  cfg.ReadTimeout(),
			WriteTimeout: cfg.WriteTimeout(),
		},
		DialTimeout:    cfg.DialTimeout(),
		RequestTimeout: cfg.RequestTimeout(),
		Backoff: ipc.BackoffConfig{
			InitialDelay: time.Duration(cfg.Client.BackoffInitialMS) * time.Millisecond,
			Multiplier:   cfg.Client.BackoffMultiplier,
			MaxDelay:     time.Duration(cfg.Client.BackoffMaxMS) * time.Millisecond,
			Jitter:       cfg.Client.BackoffJitter,
			MaxAttempts:  cfg.Client.MaxAttempts,
		},
		SinkBuffer: cfg.Registry.SinkBuffer,
		Logger:     t.Logger,
	}
}

// Dial connects to a running daemon. It returns ErrDaemonNotRunning without
// retrying when nothing listens on the socket.
func (t Target) Dial(ctx context.Context) (*ipc.Client, error) {
	if !transport.Probe(t.SocketPath, probeTimeout) {
		return nil, ErrDaemonNotRunning
	}
	client, err := ipc.Dial(ctx, t.ClientOptions())
	if err != nil {
		if isDaemonUnavailable(err) {
			return nil, ErrDaemonNotRunning
		}
		return nil, err
	}
	return client, nil
}

// LaunchOptions controls daemon process launch behavior.
type LaunchOptions struct {
	SocketPath string
	ConfigPath string
	LogLevel   string
}

type StartState string

const (
	StartStateStarted        StartState = "started"
	StartStateAlreadyRunning StartState = "already_running"
)

// StartResult captures daemon start orchestration state.
type StartResult struct {
	State    StartState
	Launched bool
	PID      int
}

// Launch starts a detached shellbridge daemon process.
func Launch(executablePath string, opts LaunchOptions) error {
	if strings.TrimSpace(executablePath) == "" {
		return fmt.Errorf("resolve executable: executable path is empty")
	}

	args := []string{"daemon"}
	if socket := strings.TrimSpace(opts.SocketPath); socket != "" {
		args = append(args, "--socket", socket)
	}
	if cfg := strings.TrimSpace(opts.ConfigPath); cfg != "" {
		args = append(args, "--config", cfg)
	}
	if level := strings.TrimSpace(opts.LogLevel); level != "" {
		args = append(args, "--log-level", level)
	}

	proc := exec.Command(executablePath, args...)
	detach(proc)
	if err := proc.Start(); err != nil {
		return fmt.Errorf("launch daemon: %w", err)
	}
	return proc.Process.Release()
}

// WaitForClient waits for the socket to answer and returns a connected
// client.
func WaitForClient(ctx context.Context, t Target, timeout time.Duration) (*ipc.Client, error) {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		client, err := t.Dial(ctx)
		if err == nil {
			return client, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("timeout waiting for daemon")
	}
	return nil, fmt.Errorf("daemon failed to start: %w", lastErr)
}

// EnsureStarted launches the daemon unless one already answers on the
// target socket.
func EnsureStarted(ctx context.Context, t Target, executablePath string, opts LaunchOptions, waitTimeout time.Duration) (StartResult, error) {
	client, err := t.Dial(ctx)
	launched := false
	if err != nil {
		if !errors.Is(err, ErrDaemonNotRunning) {
			return StartResult{}, err
		}
		if opts.SocketPath == "" {
			opts.SocketPath = t.SocketPath
		}
		if launchErr := Launch(executablePath, opts); launchErr != nil {
			return StartResult{}, launchErr
		}
		client, err = WaitForClient(ctx, t, waitTimeout)
		if err != nil {
			return StartResult{}, err
		}
		launched = true
	}
	defer client.Close()

	result := StartResult{State: StartStateAlreadyRunning}
	if launched {
		result = StartResult{State: StartStateStarted, Launched: true}
	}
	var status ipc.StatusResponse
	if err := client.Call(ctx, ipc.MethodStatus, nil, &status); err == nil {
		result.PID = status.PID
	}
	return result, nil
}

// WaitForShutdown waits until nothing answers on the socket.
func WaitForShutdown(t Target, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !transport.Probe(t.SocketPath, probeTimeout) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("daemon did not stop: still listening on %s", t.SocketPath)
}

// ProcessInfo returns whether daemon IPC is reachable and the daemon PID when available.
func ProcessInfo(ctx context.Context, t Target) (bool, int, error) {
	status, err := Status(ctx, t)
	if err != nil {
		if errors.Is(err, ErrDaemonNotRunning) {
			return false, 0, nil
		}
		return transport.Probe(t.SocketPath, probeTimeout), 0, err
	}
	return true, status.PID, nil
}

// Status fetches daemon.status.
func Status(ctx context.Context, t Target) (*ipc.StatusResponse, error) {
	client, err := t.Dial(ctx)
	if err != nil {
		return nil, err
	}
	defer client.Close()
	var status ipc.StatusResponse
	if err := client.Call(ctx, ipc.MethodStatus, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// ForceKillProcess sends SIGKILL to daemon process and cleans pid/lock files.
func ForceKillProcess(pidPath, lockPath string, fallbackPID int) (int, error) {
	pid := fallbackPID
	parsed, err := daemon.ReadPIDFile(pidPath)
	switch {
	case err == nil:
		pid = parsed
	case errors.Is(err, os.ErrNotExist):
	default:
		return 0, fmt.Errorf("read daemon pid file %q: %w", pidPath, err)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("unable to determine daemon pid (pid file: %s)", pidPath)
	}
	if pid == os.Getpid() {
		return 0, fmt.Errorf("refusing to kill current process (pid %d)", pid)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, fmt.Errorf("locate daemon process %d: %w", pid, err)
	}
	if err := proc.Kill(); err != nil {
		return 0, fmt.Errorf("kill daemon process %d: %w", pid, err)
	}
	if err := os.Remove(pidPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("remove pid file %q: %w", pidPath, err)
	}
	if lockPath != "" {
		_ = os.Remove(lockPath)
	}
	return pid, nil
}

// StopResult captures daemon stop/termination outcome.
type StopResult struct {
	StopAcknowledged bool
	ForcedKill       bool
	PID              int
}

// RestartResult captures stop/start outcomes for daemon restart.
type RestartResult struct {
	WasRunning bool
	Stop       StopResult
	Start      StartResult
}

// StopAndTerminate requests daemon shutdown and force-kills the process if
// the socket still answers after gracePeriod.
func StopAndTerminate(ctx context.Context, t Target, gracePeriod time.Duration) (StopResult, error) {
	client, err := t.Dial(ctx)
	if err != nil {
		return StopResult{}, err
	}
	var status ipc.StatusResponse
	pid := 0
	if err := client.Call(ctx, ipc.MethodStatus, nil, &status); err == nil {
		pid = status.PID
	}
	var resp ipc.ShutdownResponse
	err = client.Call(ctx, ipc.MethodShutdown, nil, &resp)
	_ = client.Close()
	if err != nil && fault.KindOf(err) != fault.KindDisconnected {
		return StopResult{}, err
	}
	result := StopResult{PID: pid, StopAcknowledged: resp.Stopping}

	if WaitForShutdown(t, gracePeriod) == nil {
		return result, nil
	}

	lockPath, pidPath := daemon.InstanceFiles(t.Config, string(t.Scope), t.SocketPath)
	killedPID, killErr := ForceKillProcess(pidPath, lockPath, pid)
	if killErr != nil {
		return result, fmt.Errorf("failed to stop daemon process: %w", killErr)
	}
	_ = os.Remove(t.SocketPath)
	result.ForcedKill = true
	result.PID = killedPID
	return result, nil
}

// Restart stops the daemon if running, then ensures it is started.
func Restart(ctx context.Context, t Target, executablePath string, opts LaunchOptions, stopGracePeriod, startWaitTimeout time.Duration) (RestartResult, error) {
	stopResult, stopErr := StopAndTerminate(ctx, t, stopGracePeriod)
	if stopErr != nil && !errors.Is(stopErr, ErrDaemonNotRunning) {
		return RestartResult{}, stopErr
	}

	startResult, err := EnsureStarted(ctx, t, executablePath, opts, startWaitTimeout)
	if err != nil {
		return RestartResult{}, err
	}

	return RestartResult{
		WasRunning: stopErr == nil,
		Stop:       stopResult,
		Start:      startResult,
	}, nil
}

func isDaemonUnavailable(err error) bool {
	return os.IsNotExist(err) ||
		errors.Is(err, os.ErrNotExist) ||
		errors.Is(err, syscall.ENOENT) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, fault.ErrConnectFailed)
}
