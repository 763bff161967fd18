package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/beekhof/calsync/internal/logging"
	"github.com/beekhof/calsync/internal/server"
)

const shutdownTimeout = 2 * time.Minute

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen string
	NoHTTP bool
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the admin API",
		Long: `Run the scheduler and the admin API until interrupted.

The scheduler registers the configured cron triggers (by default 07:00 and
19:00 in the configured time zone). If mandatory configuration is missing the
engine stays disabled: no trigger is registered and manual runs are refused.

Admin API:
  POST /api/sync/run              run a sync now (409 while a run is in progress)
  GET  /api/sync/logs?limit=N     recent sync log entries
  GET  /api/sync/logs/stale       PENDING entries older than ?olderThan (default 1h)
  GET  /api/sync/logs/:id         one sync log entry
  GET  /api/health                engine and scheduler state`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "admin API listen address")
	cmd.Flags().BoolVar(&opts.NoHTTP, "no-http", false, "run the scheduler without the admin API")

	return cmd
}

func serve(ctx context.Context, opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig(opts.Listen)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, opts.RootOptions, cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.scheduler.Start(); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.scheduler.Stop(stopCtx); err != nil {
			a.logger.Warn().Err(err).Msg("scheduler did not stop cleanly")
		}
	}()

	if opts.NoHTTP {
		<-ctx.Done()
		return nil
	}

	srv := server.New(a.scheduler, a.logs, logging.Component(a.logger, "http"))
	return srv.ListenAndServe(ctx, cfg.Listen)
}
