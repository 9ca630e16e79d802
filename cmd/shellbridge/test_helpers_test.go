package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"shellbridge/internal/config"
	"shellbridge/internal/daemon"
	"shellbridge/internal/logging"
	"shellbridge/internal/procinfo"
	"shellbridge/internal/testsupport"
	"shellbridge/internal/transport"
)

type cliTestEnv struct {
	cfg        *config.Config
	daemon     *daemon.Daemon
	socketPath string
	configPath string
	done       chan error
}

// setupCLIConfig writes a config file pointing every path into a temp dir.
func setupCLIConfig(t *testing.T) *cliTestEnv {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	cfg.Registry.SweepIntervalSeconds = 30
	t.Setenv(procinfo.EnvSessionID, "cli-session")
	t.Setenv(config.EnvTelemetry, "")

	configPath := filepath.Join(testsupport.BaseDir(cfg), "config.toml")
	data, err := cfg.Encode()
	if err != nil {
		t.Fatalf("encode config: %v", err)
	}
	if err := os.WriteFile(configPath, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return &cliTestEnv{cfg: cfg, socketPath: testsupport.SocketPath(cfg), configPath: configPath}
}

// setupCLITestEnv also runs a daemon in-process on the env's socket.
func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()
	env := setupCLIConfig(t)

	d, err := daemon.New(env.cfg, logging.NewNop(), daemon.Options{
		SocketPath: env.socketPath,
		Version:    "test",
		Scope:      "user",
		Source:     procinfo.NewStaticSource(),
	})
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	env.daemon = d
	env.done = make(chan error, 1)
	go func() { env.done <- d.Run(context.Background()) }()
	t.Cleanup(func() {
		d.Shutdown()
		select {
		case <-env.done:
		case <-time.After(5 * time.Second):
			t.Errorf("daemon did not stop")
		}
	})

	waitFor(t, 5*time.Second, func() bool {
		select {
		case err := <-env.done:
			if err != nil && strings.Contains(err.Error(), "operation not permitted") {
				t.Skipf("unix sockets unavailable: %v", err)
			}
			t.Fatalf("daemon exited early: %v", err)
		default:
		}
		return transport.Probe(env.socketPath, 100*time.Millisecond)
	})
	return env
}

func runCLI(t *testing.T, args []string, socket, configPath string) (string, string, error) {
	t.Helper()
	return runCLIContext(t, context.Background(), args, socket, configPath)
}

func runCLIContext(t *testing.T, ctx context.Context, args []string, socket, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	var flags []string
	if socket != "" {
		flags = append(flags, "--socket", socket)
	}
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.ExecuteContext(ctx)
	return stdout.String(), stderr.String(), err
}

func waitFor(t *testing.T, duration time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(duration)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", duration)
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}
