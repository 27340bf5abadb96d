package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/agent-command/approvald/internal/config"
	"github.com/agent-command/approvald/internal/hookclient"
	"github.com/agent-command/approvald/internal/hooks"
	"github.com/agent-command/approvald/internal/logging"
	"github.com/agent-command/approvald/internal/proc"
	"github.com/agent-command/approvald/internal/session"
)

const defaultBridgeURL = "http://127.0.0.1:8765"

// bridgeURL is where the local daemon listens. Hooks must keep working
// with a broken config, so load errors fall back to the default address.
func bridgeURL() string {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return defaultBridgeURL
	}
	return "http://" + cfg.Bridge.Listen()
}

func getJSON(ctx context.Context, path string, into any) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, bridgeURL()+path, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("daemon not reachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(into)
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var st hooks.HealthResponse
			if err := getJSON(cmd.Context(), "/health", &st); err != nil {
				if jsonOutput {
					return outputJSON(cmd, map[string]any{"error": err.Error()})
				}
				return err
			}
			if jsonOutput {
				return outputJSON(cmd, st)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Bridge Status\n")
			fmt.Fprintf(out, "=============\n")
			fmt.Fprintf(out, "Endpoint:         %s\n", bridgeURL())
			fmt.Fprintf(out, "Status:           %s\n", st.Status)
			fmt.Fprintf(out, "Active sessions:  %d\n", st.Sessions)
			fmt.Fprintf(out, "Pending requests: %d\n", st.Pending)
			return nil
		},
	}
}

func newSessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List sessions known to the daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var sessions []session.Session
			if err := getJSON(cmd.Context(), "/sessions", &sessions); err != nil {
				if jsonOutput {
					return outputJSON(cmd, map[string]any{"error": err.Error()})
				}
				return err
			}
			if jsonOutput {
				return outputJSON(cmd, map[string]any{
					"sessions":    sessions,
					"total_count": len(sessions),
				})
			}
			if len(sessions) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No sessions found")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SESSION\tSTATUS\tTTY\tCWD")
			for _, s := range sessions {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", logging.ShortID(s.ID), s.Status, s.TTY, s.CWD)
			}
			return tw.Flush()
		},
	}
}

func newHookCmd() *cobra.Command {
	hook := &cobra.Command{
		Use:   "hook",
		Short: "Entry points for Claude Code hooks (read JSON on stdin)",
	}

	newClient := func() *hookclient.Client {
		// Hook stdout belongs to the agent; logs only on request.
		log := zerolog.Nop()
		if lvl := strings.TrimSpace(os.Getenv("APPROVALD_HOOK_LOG")); lvl != "" {
			log = logging.New(os.Stderr, lvl, "console")
		}
		return hookclient.New(bridgeURL(),
			hookclient.WithTerminals(proc.NewLookup()),
			hookclient.WithLogger(log),
		)
	}

	hook.AddCommand(
		&cobra.Command{
			Use:   "permission",
			Short: "PermissionRequest hook: ask the approver and print the decision",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return newClient().Permission(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout())
			},
		},
		&cobra.Command{
			Use:   "session",
			Short: "Session lifecycle hook: forward the event to the daemon",
			Run: func(cmd *cobra.Command, _ []string) {
				newClient().Session(cmd.Context(), cmd.InOrStdin())
			},
		},
	)
	return hook
}
