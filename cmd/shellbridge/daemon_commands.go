package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"shellbridge/internal/daemonctl"
	"shellbridge/internal/ipc"
)

const (
	startWaitTimeout = 10 * time.Second
	stopGracePeriod  = 5 * time.Second
)

func newDaemonCommands(ctx *commandContext) []*cobra.Command {
	var startLogLevel string
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the shellbridge daemon in the background",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			t, err := ctx.target()
			if err != nil {
				return err
			}
			exe, err := daemonExecutable()
			if err != nil {
				return err
			}

			result, err := daemonctl.EnsureStarted(cmd.Context(), t, exe, daemonLaunchOptions(ctx, t, startLogLevel), startWaitTimeout)
			if err != nil {
				return err
			}

			if result.Launched {
				fmt.Fprintln(stdout, "Daemon not running, launching...")
			}
			switch result.State {
			case daemonctl.StartStateStarted:
				fmt.Fprintf(stdout, "Daemon started (pid %d)\n", result.PID)
			case daemonctl.StartStateAlreadyRunning:
				fmt.Fprintf(stdout, "Daemon already running (pid %d)\n", result.PID)
			}
			return nil
		},
	}
	startCmd.Flags().StringVar(&startLogLevel, "log-level", "", "Daemon log level (debug, info, warn, error)")

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the shellbridge daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			t, err := ctx.target()
			if err != nil {
				return err
			}
			result, err := daemonctl.StopAndTerminate(cmd.Context(), t, stopGracePeriod)
			if errors.Is(err, daemonctl.ErrDaemonNotRunning) {
				fmt.Fprintln(stdout, "Daemon is not running")
				return nil
			}
			if err != nil {
				return err
			}
			if !result.StopAcknowledged {
				fmt.Fprintln(stdout, "Stop request sent")
			}
			if result.ForcedKill && result.PID > 0 {
				fmt.Fprintf(stdout, "Daemon did not exit in time; killed pid %d\n", result.PID)
			}
			fmt.Fprintln(stdout, "Daemon stopped")
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := ctx.target()
			if err != nil {
				return err
			}
			stdout := cmd.OutOrStdout()
			colorize := shouldColorize(stdout)

			status, statusErr := daemonctl.Status(cmd.Context(), t)
			if statusErr != nil && !errors.Is(statusErr, daemonctl.ErrDaemonNotRunning) {
				return statusErr
			}
			for _, line := range renderStatus(t, status, colorize) {
				fmt.Fprintln(stdout, line)
			}
			return nil
		},
	}

	var restartLogLevel string
	restartCmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart the shellbridge daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			t, err := ctx.target()
			if err != nil {
				return err
			}
			exe, err := daemonExecutable()
			if err != nil {
				return err
			}
			result, err := daemonctl.Restart(cmd.Context(), t, exe, daemonLaunchOptions(ctx, t, restartLogLevel), stopGracePeriod, startWaitTimeout)
			if err != nil {
				return err
			}
			if result.WasRunning {
				fmt.Fprintln(stdout, "Daemon stopped")
			} else {
				fmt.Fprintln(stdout, "Daemon was not running")
			}
			fmt.Fprintf(stdout, "Daemon started (pid %d)\n", result.Start.PID)
			return nil
		},
	}
	restartCmd.Flags().StringVar(&restartLogLevel, "log-level", "", "Daemon log level (debug, info, warn, error)")

	return []*cobra.Command{startCmd, stopCmd, statusCmd, restartCmd}
}

func daemonExecutable() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolve executable: %w", err)
	}
	return exe, nil
}

func daemonLaunchOptions(ctx *commandContext, t daemonctl.Target, logLevel string) daemonctl.LaunchOptions {
	return daemonctl.LaunchOptions{
		SocketPath: t.SocketPath,
		ConfigPath: ctx.configFlagValue(),
		LogLevel:   strings.TrimSpace(logLevel),
	}
}

func renderStatus(t daemonctl.Target, status *ipc.StatusResponse, colorize bool) []string {
	block := newStatusBlock("shellbridge daemon", colorize)
	if status == nil {
		block.add("state", statusWarn, "not running (run `shellbridge start`)")
		block.add("socket", statusInfo, t.SocketPath)
		block.add("session", statusInfo, t.Identity.SessionID)
		return block.lines()
	}
	block.add("state", statusOK, fmt.Sprintf("running (pid %d, up %s)", status.PID, status.Uptime))
	block.add("version", statusInfo, status.Version)
	block.add("socket", statusInfo, status.Socket)
	block.add("scope", statusInfo, status.Scope)
	block.add("sessions", statusInfo, fmt.Sprintf("%d live, %d connections", status.Sessions, status.Connections))
	block.add("session", statusInfo, t.Identity.SessionID)

	switch {
	case !status.TelemetryOn:
		block.add("telemetry", statusInfo, "off")
	case status.TelemetryDrops > 0:
		block.add("telemetry", statusWarn, fmt.Sprintf("on, %d events dropped", status.TelemetryDrops))
	default:
		block.add("telemetry", statusOK, "on")
	}
	if status.LedgerPath != "" {
		block.add("history", statusOK, status.LedgerPath)
	} else {
		block.add("history", statusInfo, "off")
	}
	return block.lines()
}
