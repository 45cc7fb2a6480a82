// Package cli provides the command-line interface for the script
// worker.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/queryportal/scriptworker/internal/worker"
)

// Version information (set at build time).
var (
	Version   = "0.1.0"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

// NewRootCmd creates and returns the root command. The worker's exit
// code is written through code, since a failed script is a protocol
// outcome rather than a command error.
func NewRootCmd(code *int) *cobra.Command {
	var verbose bool

	rootCmd := &cobra.Command{
		Use:   "scriptworker",
		Short: "Sandboxed database script worker",
		Long: `scriptworker executes one untrusted script against a database under a
capability allow-list.

It reads a JSON configuration document from stdin, runs the script with
mediated database access, and writes a single JSON result document to
stdout. All diagnostics go to stderr. The exit code is 0 when the
script succeeded and 1 otherwise.`,
		Version:       Version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := newLogger(cmd.ErrOrStderr(), verbose)
			w := worker.New(logger)
			*code = w.Run(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout())
			return nil
		},
	}

	rootCmd.SetVersionTemplate(`{{.Name}} {{.Version}}
`)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose diagnostics on stderr")

	return rootCmd
}

// newLogger builds the stderr logger. Stdout is reserved for the
// result document, so logging never goes there.
func newLogger(stderr io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	code := worker.ExitSuccess
	rootCmd := NewRootCmd(&code)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return worker.ExitFailure
	}
	return code
}
