package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/beekhof/calsync/internal/snapshot"
	calsync "github.com/beekhof/calsync/internal/sync"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	JSON bool
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay <snapshot.json>",
		Short: "Filter and reconcile a recorded snapshot again",
		Long: `Replay a run from its snapshot: the recorded events go through the current
exclusion rules and the reconciler as if the provider had just returned them.
Calendars that failed in the recorded run fail again. The replay gets its own
sync log entry with trigger source "replay"; no provider credentials are needed.

Example:
  calsync replay snapshots/2024/03/20240310T100000.000000Z-0f8fad5b.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return replay(cmd.Context(), opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.JSON, "json", false, "print the summary as JSON")

	return cmd
}

func replay(ctx context.Context, opts *ReplayOptions, path string, cmd *cobra.Command) error {
	payload, err := snapshot.Load(path)
	if err != nil {
		return err
	}

	cfg, err := opts.loadConfig("")
	if err != nil {
		return err
	}

	// Replays need storage only; no provider credentials.
	a, err := openApp(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.close()

	engine := a.engine(snapshot.NewProvider(payload), payload.CalendarIDs, nil)
	guard := a.newScheduler(engine, nil)

	summary, runErr := guard.RunOnce(context.WithoutCancel(ctx), calsync.Trigger{Source: calsync.SourceReplay, Label: payload.LogID})
	if summary != nil {
		if err := printSummary(cmd.OutOrStdout(), summary, opts.JSON); err != nil {
			return err
		}
	}
	return runErr
}
