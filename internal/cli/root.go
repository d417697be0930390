// Package cli implements the iocontrol command-line interface.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags available to all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "text" or "json"
}

// NewRootCommand creates the root iocontrol command with all subcommands.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "iocontrol",
		Short: "Poll and dispatch industrial I/O points",
		Long: `iocontrol polls digital and analog I/O points on simulated, I2C expander
and Modbus backends, detects state changes and dispatches them to subscribers.

Critical points are polled on a fast cadence and every transaction on a
shared bus is serialized. Points that fail repeatedly are marked stale and
critical outputs are driven to their fail-safe state on shutdown.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be 'text' or 'json'", opts.Format))
			}
			setupLogging(opts, cmd)
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "enable verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format: text|json")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))

	return cmd
}

// setupLogging installs the process-wide slog handler on stderr so that
// JSON written to stdout is never interleaved with log lines.
func setupLogging(opts *RootOptions, cmd *cobra.Command) {
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	w := cmd.ErrOrStderr()
	if w == nil {
		w = os.Stderr
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}

func isValidFormat(format string) bool {
	return format == "text" || format == "json"
}
