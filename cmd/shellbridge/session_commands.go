package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"shellbridge/internal/daemonctl"
	"shellbridge/internal/ipc"
	"shellbridge/internal/procinfo"
	"shellbridge/internal/wire"
)

const timestampLayout = "2006-01-02 15:04:05"

func newPingCommand(ctx *commandContext) *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Measure a round trip to the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 1 {
				return fmt.Errorf("--count must be at least 1")
			}
			stdout := cmd.OutOrStdout()
			return ctx.withClient(cmd.Context(), func(client *ipc.Client) error {
				hello := client.Hello()
				fmt.Fprintf(stdout, "Connected to daemon %s (version %s) as %s\n", hello.DaemonID, hello.Version, client.SessionID())
				for i := 0; i < count; i++ {
					rtt, err := client.Ping(cmd.Context())
					if err != nil {
						return err
					}
					fmt.Fprintf(stdout, "pong seq=%d time=%s\n", i+1, rtt.Round(time.Microsecond))
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 1, "Number of pings to send")
	return cmd
}

func newSessionsCommand(ctx *commandContext) *cobra.Command {
	var history bool
	var limit int
	var sessionID string
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List live sessions, or recent session history with --history",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			return ctx.withClient(cmd.Context(), func(client *ipc.Client) error {
				if history {
					var resp ipc.HistoryResponse
					req := ipc.HistoryRequest{Limit: limit, SessionID: strings.TrimSpace(sessionID)}
					if err := client.Call(cmd.Context(), ipc.MethodHistory, req, &resp); err != nil {
						return err
					}
					if len(resp.Entries) == 0 {
						fmt.Fprintln(stdout, "No session history recorded")
						return nil
					}
					fmt.Fprint(stdout, renderTable(
						[]string{"ID", "Time", "Event", "Session", "Anchor", "Peer", "Reason"},
						historyRows(resp.Entries),
						[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
					))
					return nil
				}

				var resp ipc.SessionsResponse
				if err := client.Call(cmd.Context(), ipc.MethodSessions, nil, &resp); err != nil {
					return err
				}
				if len(resp.Sessions) == 0 {
					fmt.Fprintln(stdout, "No live sessions")
					return nil
				}
				fmt.Fprint(stdout, renderTable(
					[]string{"Session", "Bound", "Anchor", "Peer", "Last Seen", "Pending", "Topics"},
					sessionRows(resp.Sessions, client.SessionID()),
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignRight, alignLeft},
				))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&history, "history", false, "Show recorded bind and release history")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum history rows (default 50)")
	cmd.Flags().StringVar(&sessionID, "session", "", "Only show history for this session id")
	return cmd
}

func sessionRows(sessions []ipc.SessionInfo, self string) [][]string {
	rows := make([][]string, 0, len(sessions))
	for _, s := range sessions {
		id := s.SessionID
		if id == self {
			id += " *"
		}
		rows = append(rows, []string{
			id,
			yesNo(s.Bound),
			anchorLabel(s.AnchorName, s.AnchorPID),
			pidLabel(s.PeerPID),
			formatTime(s.LastSeen),
			strconv.Itoa(s.Pending),
			strings.Join(s.Topics, ", "),
		})
	}
	return rows
}

func historyRows(entries []ipc.HistoryEntry) [][]string {
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{
			strconv.FormatInt(e.ID, 10),
			formatTime(e.CreatedAt),
			e.Kind,
			e.SessionID,
			anchorLabel(e.AnchorName, e.AnchorPID),
			pidLabel(e.PeerPID),
			e.Reason,
		})
	}
	return rows
}

func anchorLabel(name string, pid int) string {
	switch {
	case pid <= 0 && name == "":
		return "-"
	case name == "":
		return strconv.Itoa(pid)
	default:
		return fmt.Sprintf("%s (%d)", name, pid)
	}
}

func pidLabel(pid int) string {
	if pid <= 0 {
		return "-"
	}
	return strconv.Itoa(pid)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(timestampLayout)
}

func newWatchCommand(ctx *commandContext) *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "watch <topic>",
		Short: "Print events published on a topic until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			topic := strings.TrimSpace(args[0])
			return ctx.withClient(cmd.Context(), func(client *ipc.Client) error {
				sub, err := client.Subscribe(cmd.Context(), topic)
				if err != nil {
					return err
				}
				defer sub.Close()

				seen := 0
				for evt, err := range sub.All(cmd.Context()) {
					if err != nil {
						if errors.Is(err, ipc.ErrSubscriptionClosed) {
							return nil
						}
						return err
					}
					printEvent(stdout, evt)
					seen++
					if count > 0 && seen >= count {
						return nil
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 0, "Exit after this many events (0 waits forever)")
	return cmd
}

func printEvent(w io.Writer, evt wire.Event) {
	body := string(evt.Body)
	if !utf8.Valid(evt.Body) {
		body = fmt.Sprintf("<%d bytes>", len(evt.Body))
	}
	from := evt.SessionID
	if from == "" {
		from = "-"
	}
	fmt.Fprintf(w, "%s %s [%s] %s\n", time.Now().Format(timestampLayout), evt.Topic, from, body)
}

func newEmitCommand(ctx *commandContext) *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "emit <topic> <message>",
		Short: "Publish a message to every session watching a topic",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			req := ipc.PublishRequest{
				Topic:     strings.TrimSpace(args[0]),
				Body:      []byte(strings.Join(args[1:], " ")),
				SessionID: strings.TrimSpace(target),
			}
			return ctx.withClient(cmd.Context(), func(client *ipc.Client) error {
				var resp ipc.PublishResponse
				if err := client.Call(cmd.Context(), ipc.MethodPublish, req, &resp); err != nil {
					return err
				}
				fmt.Fprintf(stdout, "Delivered to %d session(s)\n", resp.Delivered)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&target, "to", "", "Deliver only to this session id")
	return cmd
}

func newSessionCommand(ctx *commandContext) *cobra.Command {
	sessionCmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect the current terminal session",
	}

	idCmd := &cobra.Command{
		Use:   "id",
		Short: "Print the session id of the current terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			identity, err := daemonctl.ResolveIdentity(cfg)
			if err != nil {
				return err
			}
			stdout := cmd.OutOrStdout()
			fmt.Fprintln(stdout, identity.SessionID)
			if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
				for _, line := range identityLines(identity) {
					fmt.Fprintln(stdout, line)
				}
			}
			return nil
		},
	}
	idCmd.Flags().BoolP("verbose", "v", false, "Also print the anchor process")

	envCmd := &cobra.Command{
		Use:   "env",
		Short: "Print a shell export line that pins the session id for child processes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			identity, err := daemonctl.ResolveIdentity(cfg)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "export %s=%s\n", procinfo.EnvSessionID, identity.SessionID)
			return nil
		},
	}

	sessionCmd.AddCommand(idCmd, envCmd)
	return sessionCmd
}

func identityLines(identity procinfo.Identity) []string {
	lines := []string{}
	if identity.FromEnv {
		lines = append(lines, "source: "+procinfo.EnvSessionID)
	} else {
		lines = append(lines, "source: process tree")
	}
	if identity.Anchored {
		a := identity.Anchor
		lines = append(lines, fmt.Sprintf("anchor: %s (pid %d, %s, %d hops)", a.Process.Name, a.Process.PID, a.Kind, a.Hops))
	}
	return lines
}
