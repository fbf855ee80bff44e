// Package commands implements the delta CLI commands.
package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// ExitError carries a specific process exit code out of a command. The
// 101 pause code is an external contract tooling depends on.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit code %d", e.Code)
}

// NewRootCmd creates the root `delta` command.
func NewRootCmd(version string) *cobra.Command {
	var verbose bool

	rootCmd := &cobra.Command{
		Use:   "delta",
		Short: "Host runtime for LLM-driven agents built from command-line tools",
		Long: `Delta runs LLM-driven agents whose capabilities are external
command-line programs. Each run executes a Think-Act-Observe loop recorded
in an append-only journal under <workspace>/.delta/<run_id>/.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelWarn
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging on stderr")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newRunsCmd())
	rootCmd.AddCommand(newJournalCmd())
	rootCmd.AddCommand(newConfigCmd())

	return rootCmd
}
