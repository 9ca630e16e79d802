package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"shellbridge/internal/config"
	"shellbridge/internal/daemonctl"
	"shellbridge/internal/fault"
	"shellbridge/internal/ipc"
	"shellbridge/internal/logging"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

type commandContext struct {
	socketFlag *string
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configPath string
	configErr  error
}

func newCommandContext(socketFlag, configFlag *string) *commandContext {
	return &commandContext{
		socketFlag: socketFlag,
		configFlag: configFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, path, _, err := config.Load(c.configFlagValue())
		if err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
		c.configPath = path
	})
	return c.config, c.configErr
}

func (c *commandContext) configFlagValue() string {
	if c.configFlag == nil {
		return ""
	}
	return strings.TrimSpace(*c.configFlag)
}

func (c *commandContext) socketOverride() string {
	if c.socketFlag == nil {
		return ""
	}
	return strings.TrimSpace(*c.socketFlag)
}

func (c *commandContext) target() (daemonctl.Target, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return daemonctl.Target{}, err
	}
	logger, err := logging.NewFromConfig(cfg, false)
	if err != nil {
		logger = logging.NewNop()
	}
	return daemonctl.ResolveWithLogger(cfg, c.socketOverride(), logger)
}

func (c *commandContext) withClient(ctx context.Context, fn func(*ipc.Client) error) error {
	t, err := c.target()
	if err != nil {
		return err
	}
	client, err := t.Dial(ctx)
	if err != nil {
		return wrapDialError(err, t.SocketPath)
	}
	defer client.Close()
	return fn(client)
}

func wrapDialError(err error, socket string) error {
	switch {
	case errors.Is(err, daemonctl.ErrDaemonNotRunning):
		return fmt.Errorf("connect to daemon: nothing is listening on %s; start the daemon with `shellbridge start`", socket)
	case fault.KindOf(err) == fault.KindHandler:
		return fmt.Errorf("connect to daemon: %s", fault.Describe(err))
	default:
		return fmt.Errorf("connect to daemon: %w", err)
	}
}

// formatError adds the user-facing description for classified errors.
func formatError(err error) string {
	switch fault.KindOf(err) {
	case fault.KindUnknown, fault.KindNone:
		return err.Error()
	default:
		return fmt.Sprintf("%s (%v)", fault.Describe(err), err)
	}
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
