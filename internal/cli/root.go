// Package cli wires the hgnucomb commands: the hub server, the agent-side
// tool client, and workspace maintenance.
package cli

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/kylesnowschwartz/hgnucomb-sub001/internal/buildinfo"
	"github.com/kylesnowschwartz/hgnucomb-sub001/internal/logging"
)

const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorYellow = "\033[33m"

	styleBoldCyan  = "\033[1;36m"
	styleBoldWhite = "\033[1;37m"
)

// color wraps s in an ANSI style when stdout is a terminal.
func color(style, s string) string {
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		return s
	}
	return style + s + colorReset
}

var rootCmd = &cobra.Command{
	Use:   "hgnucomb",
	Short: "Hex-grid agent coordination hub",
	Long: `hgnucomb runs a hub process that spawns AI agents into isolated git
worktrees, places them on a hexagonal grid, routes their tool calls, and
serializes their merges back to main.

Getting started:
  hgnucomb serve --repo .         Start the hub for this repository
  hgnucomb workspaces list        Show live agent workspaces
  hgnucomb tool get-grid-state    Agent-side tool call (inside a session)`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.CompletionOptions.HiddenDefaultCmd = true
	rootCmd.PersistentFlags().String("log-level", "", "Log level: trace, debug, info, warn, error, silent")
}

// rootLogger builds the process logger from the --log-level flag, falling
// back to the configured level.
func rootLogger(cmd *cobra.Command, configured string) *logging.Logger {
	level, _ := cmd.Flags().GetString("log-level")
	if level == "" {
		level = configured
	}
	return logging.New(nil, level)
}

// Execute runs the CLI and exits non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color(colorBold, "error:"), err)
		os.Exit(1)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		bi := buildinfo.Current()
		fmt.Printf("hgnucomb %s (%s)\n", bi.Version, bi.CommitHash)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
