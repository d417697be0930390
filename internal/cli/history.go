package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ValorenceCLE/iocontrol/internal/point"
	"github.com/ValorenceCLE/iocontrol/internal/store"
)

// DefaultHistoryLimit is the number of events listed when --limit is not set.
const DefaultHistoryLimit = 20

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	Database string
	Point    string
	Limit    int
}

// HistoryResult is the JSON payload of the history command.
type HistoryResult struct {
	Point  string         `json:"point,omitempty"`
	Events []store.Record `json:"events"`
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded change events",
		Long: `List change events recorded by 'iocontrol run --db'.

Events are listed oldest first, ending with the most recent.

Example:
  iocontrol history --db ./events.db
  iocontrol history --db ./events.db --point tank_level --limit 50`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	cmd.Flags().StringVar(&opts.Point, "point", "", "only list events for this point")
	cmd.Flags().IntVar(&opts.Limit, "limit", DefaultHistoryLimit, "maximum number of events")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runHistory(opts *HistoryOptions, cmd *cobra.Command) error {
	if opts.Limit < 1 {
		return NewExitError(ExitCommandError, fmt.Sprintf("--limit must be positive, got %d", opts.Limit))
	}
	// Open would create an empty database; a missing file is a usage error.
	if _, err := os.Stat(opts.Database); err != nil {
		return WrapExitError(ExitCommandError, "database not found", err)
	}

	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	records, err := st.RecentEvents(cmd.Context(), opts.Point, opts.Limit)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to query events", err)
	}

	if opts.Format == "json" {
		return newFormatter(opts.RootOptions, cmd).Success(HistoryResult{Point: opts.Point, Events: records})
	}

	w := cmd.OutOrStdout()
	if len(records) == 0 {
		fmt.Fprintln(w, "No events recorded.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tOBSERVED\tPOINT\tOLD\tNEW")
	for _, r := range records {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
			r.Seq, r.ObservedAt.UTC().Format(time.RFC3339Nano), r.Point,
			point.Format(r.Old), point.Format(r.New))
	}
	return tw.Flush()
}
