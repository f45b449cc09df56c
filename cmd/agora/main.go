// Command agora runs the agent-economy policy and settlement engine as a
// market simulation: it seeds agents from a scenario file, then drives
// rounds of bidding, settlement, distribution, and strategy triggers.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"agora/internal/shared/logging"
)

var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	var debug bool

	root := &cobra.Command{
		Use:   "agora",
		Short: "Policy and settlement engine for an autonomous agent economy",
		Long: "agora drives a market of autonomous selling agents: per-round bidding\n" +
			"under versioned policies, score-based auction settlement, a profit\n" +
			"waterfall with investor escrow, and threshold-triggered strategy reviews.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			if debug {
				logging.SetLevel(logging.LevelDebug)
			}
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Engine config file")
	root.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Debug logging")

	root.AddCommand(newRunCommand(&configPath))
	root.AddCommand(newVersionCommand())
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the engine version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "agora %s\n", version)
		},
	}
}
