package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/crew/internal/config"
	"github.com/Iron-Ham/crew/internal/logging"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Search the server log",
	Long: `Search the server log in logging.dir, including rotated files.

Examples:
  crew logs --level warn --since 1h
  crew logs --workspace ws-1 --component hub
  crew logs --session sess-1 --format json`,
	RunE: runLogs,
}

var (
	logsDir    string
	logsFilter logging.LogFilter
	logsSince  time.Duration
	logsFormat string
	logsTail   int
)

func init() {
	f := logsCmd.Flags()
	f.StringVar(&logsDir, "dir", "", "log directory (default is logging.dir)")
	f.StringVar(&logsFilter.Level, "level", "", "minimum level: debug, info, warn, error")
	f.DurationVar(&logsSince, "since", 0, "only entries newer than this, e.g. 30m")
	f.StringVar(&logsFilter.Component, "component", "", "only entries from this component")
	f.StringVar(&logsFilter.SessionID, "session", "", "only entries for this session")
	f.StringVar(&logsFilter.AgentID, "agent", "", "only entries for this agent")
	f.StringVar(&logsFilter.WorkspaceID, "workspace", "", "only entries for this workspace")
	f.StringVar(&logsFilter.Contains, "grep", "", "only entries whose message contains this text")
	f.StringVar(&logsFormat, "format", "text", "output format: text, json, csv")
	f.IntVarP(&logsTail, "tail", "n", 0, "only the last N matching entries")
	rootCmd.AddCommand(logsCmd)
}

func runLogs(cmd *cobra.Command, args []string) error {
	dir := logsDir
	if dir == "" {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		dir = cfg.Logging.Dir
	}
	if dir == "" {
		return fmt.Errorf("logging.dir is not set: the server logs to stderr")
	}

	entries, err := logging.AggregateLogs(dir)
	if err != nil {
		return err
	}

	filter := logsFilter
	if logsSince > 0 {
		filter.Since = time.Now().Add(-logsSince)
	}
	entries = logging.FilterLogs(entries, filter)
	if logsTail > 0 && len(entries) > logsTail {
		entries = entries[len(entries)-logsTail:]
	}
	return logging.WriteLogs(cmd.OutOrStdout(), entries, logsFormat)
}
