// Package main is the orc command line: it launches, resumes and inspects
// tmux-hosted agent teams. All behavior lives in the internal packages;
// the commands here only load configuration, wire collaborators together
// and translate flags.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0".
var Version = "dev"

var (
	cfgPath  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "orc",
	Short: "orc — tmux-hosted LLM agent orchestrator",
	Long: "orc runs a team of LLM agents inside one tmux session, watches their\n" +
		"panes and transcripts, and routes messages between them over a local\n" +
		"JSON-RPC broker.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config directory (default: . then ~/.claude-orc)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level (debug|info|warn|error)")

	rootCmd.AddCommand(launchCmd())
	rootCmd.AddCommand(resumeCmd())
	rootCmd.AddCommand(contextsCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("orc %s\n", Version)
		},
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
