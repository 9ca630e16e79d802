package daemonrun

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"shellbridge/internal/config"
	"shellbridge/internal/daemon"
	"shellbridge/internal/logging"
)

// Options configures daemon process runtime behavior.
type Options struct {
	SocketPath  string
	Scope       string
	Version     string
	LogLevel    string
	Development bool
}

// Run starts the shellbridge daemon and blocks until a signal arrives, a
// client requests shutdown, or cmdCtx is canceled.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if strings.TrimSpace(opts.SocketPath) == "" {
		return fmt.Errorf("socket path is required")
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}
	level := cfg.Logging.Level
	if strings.TrimSpace(opts.LogLevel) != "" {
		level = opts.LogLevel
	}
	logger, err := logging.New(logging.Options{
		Level:       level,
		Format:      cfg.Logging.Format,
		OutputPaths: []string{"stderr", cfg.DaemonLogPath()},
		Development: opts.Development,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	d, err := daemon.New(cfg, logger, daemon.Options{
		SocketPath: opts.SocketPath,
		Scope:      opts.Scope,
		Version:    opts.Version,
	})
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}

	err = d.Run(signalCtx)
	switch {
	case errors.Is(err, daemon.ErrAlreadyRunning):
		logger.Warn("daemon already running",
			logging.String(logging.FieldEventType, "daemon_already_running"),
			logging.String("lock", cfg.LockPath()),
			logging.String(logging.FieldImpact, "this process exits without serving"),
			logging.String(logging.FieldErrorHint, "run `shellbridge status` to inspect the running daemon"))
		return err
	case err != nil:
		logging.ErrorWithContext(logger, "daemon stopped with error", "daemon_failed",
			logging.Error(err),
			logging.Int("pid", os.Getpid()))
		return err
	}
	logger.Info("shellbridge daemon shutting down",
		logging.String(logging.FieldEventType, "daemon_shutdown"))
	return nil
}
