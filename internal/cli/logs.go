package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/beekhof/calsync/internal/config"
	"github.com/beekhof/calsync/internal/store"
)

// LogsOptions holds flags for the logs command.
type LogsOptions struct {
	*RootOptions
	Limit int
	Stale time.Duration
	JSON  bool
}

// NewLogsCommand creates the logs command.
func NewLogsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LogsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show sync log entries",
		Long: `Show recent sync log entries, newest first.

With --stale, show only PENDING entries older than the given duration: runs
that never finalized, usually because the process died mid-run. They are
reported, never repaired.

Example:
  calsync logs --limit 10
  calsync logs --stale 2h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return showLogs(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 20, "number of entries to show")
	cmd.Flags().DurationVar(&opts.Stale, "stale", 0, "show PENDING entries older than this duration")
	cmd.Flags().BoolVar(&opts.JSON, "json", false, "print entries as JSON")

	return cmd
}

func showLogs(ctx context.Context, opts *LogsOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig("")
	if err != nil {
		return err
	}

	a, err := openApp(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.close()

	var entries []store.SyncLogEntry
	if opts.Stale > 0 {
		entries, err = a.logs.FindStale(ctx, opts.Stale, time.Now())
	} else {
		entries, err = a.logs.ListRecent(ctx, opts.Limit)
	}
	if err != nil {
		return err
	}

	if opts.JSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}
	return printEntries(cmd.OutOrStdout(), entries, cfg)
}

func printEntries(w io.Writer, entries []store.SyncLogEntry, cfg *config.Config) error {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No sync log entries.")
		return nil
	}

	loc := cfg.Location()
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CREATED\tSTATUS\tTRIGGER\tINSERTED\tUPDATED\tSKIPPED\tEXCLUDED\tID\tERROR")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.CreatedAt.In(loc).Format("2006-01-02 15:04:05"),
			e.Status,
			e.TriggerSource,
			count(e.Inserted), count(e.Updated), count(e.Skipped), count(e.Excluded),
			e.ID,
			deref(e.ErrorMessage),
		)
	}
	return tw.Flush()
}

func count(n *int) string {
	if n == nil {
		return "-"
	}
	return fmt.Sprint(*n)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
