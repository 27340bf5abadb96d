package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "0.1.0"

var (
	configPath string
	jsonOutput bool
)

func defaultConfigPath() string {
	if v := os.Getenv("APPROVALD_CONFIG"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "approvald.yaml"
	}
	return filepath.Join(home, ".config", "approvald", "config.yaml")
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "approvald",
		Short: "Approve Claude Code tool calls and talk to sessions from Telegram",
		Long: `approvald runs next to Claude Code. Its hooks forward permission
requests and session events to the daemon, which asks the approver on
Telegram and types replies back into the session's terminal.

Run without a subcommand to start the daemon.`,
		SilenceUsage: true,
		RunE:         runServe,
	}
	root.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "Path to config file")
	root.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the daemon (default)",
			RunE:  runServe,
		},
		newStatusCmd(),
		newSessionsCmd(),
		newHookCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Show version information",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "approvald version %s\n", Version)
			},
		},
	)
	return root
}

func outputJSON(cmd *cobra.Command, data any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
