package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/beekhof/calsync/internal/auth"
	"github.com/beekhof/calsync/internal/calendar"
	"github.com/beekhof/calsync/internal/config"
	"github.com/beekhof/calsync/internal/logging"
	"github.com/beekhof/calsync/internal/scheduler"
	"github.com/beekhof/calsync/internal/snapshot"
	"github.com/beekhof/calsync/internal/store"
	calsync "github.com/beekhof/calsync/internal/sync"
)

// runLockLease bounds how long a run started by a process that died keeps
// other processes from running.
const runLockLease = 30 * time.Minute

// app is the wired process: storage, engine and scheduler.
type app struct {
	cfg       *config.Config
	logger    zerolog.Logger
	db        *gorm.DB
	events    *store.EventRepository
	logs      *store.SyncLogRepository
	scheduler *scheduler.Scheduler
}

// openApp opens storage and the logger. The scheduler is left unset.
func openApp(cfg *config.Config, stderr io.Writer) (*app, error) {
	logger := logging.New(cfg.LogLevel, cfg.LogFormat, stderr)

	db, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:    cfg,
		logger: logger,
		db:     db,
		events: store.NewEventRepository(db),
		logs:   store.NewSyncLogRepository(db),
	}, nil
}

// newApp opens storage and builds the engine behind the scheduler. When the
// configuration is incomplete the engine is left out and the scheduler is
// disabled; the configuration error is logged once.
func newApp(ctx context.Context, opts *RootOptions, cfg *config.Config, stderr io.Writer) (*app, error) {
	a, err := openApp(cfg, stderr)
	if err != nil {
		return nil, err
	}

	var runner scheduler.Runner
	if err := cfg.Validate(); err != nil {
		var cfgErr *config.ConfigurationError
		if !errors.As(err, &cfgErr) {
			a.close()
			return nil, err
		}
		a.logger.Error().Strs("missing", cfgErr.Missing).Msg("sync engine disabled: incomplete configuration")
	} else {
		provider, err := opts.NewProvider(ctx, cfg, logging.Component(a.logger, "provider"))
		if err != nil {
			a.close()
			return nil, err
		}
		runner = a.engine(provider, cfg.CalendarIDs, snapshot.NewWriter(cfg.SnapshotDir))
	}

	a.scheduler = a.newScheduler(runner, cfg.Schedules)
	return a, nil
}

// newScheduler guards runner with the in-process flag and the database run
// lock, so serve, run and replay never reconcile concurrently.
func (a *app) newScheduler(runner scheduler.Runner, schedules []config.Schedule) *scheduler.Scheduler {
	return scheduler.New(runner, schedules, a.cfg.Location(), logging.Component(a.logger, "scheduler"),
		scheduler.WithRunLock(store.NewRunLock(a.db, store.RunLockName), runLockLease))
}

// engine builds a sync engine over the app's storage.
func (a *app) engine(provider calendar.Provider, calendarIDs []string, snapshots calsync.SnapshotWriter) *calsync.Engine {
	cfg := a.cfg
	return calsync.NewEngine(calsync.EngineConfig{
		Provider:      provider,
		CalendarIDs:   calendarIDs,
		Filter:        calendar.NewFilter(cfg.Exclusion.DenylistCalendars, cfg.Exclusion.DenylistCategories, cfg.Exclusion.IncludePrivate),
		Events:        a.events,
		Logs:          a.logs,
		Snapshots:     snapshots,
		StartDate:     cfg.SyncStartDate,
		LookAheadDays: int(cfg.SyncLookAheadDays),
		Location:      cfg.Location(),
		Fetch: calendar.FetchOptions{
			Timeout:     cfg.RequestTimeout(),
			Concurrency: cfg.FetchConcurrency,
		},
		Logger: logging.Component(a.logger, "engine"),
	})
}

func (a *app) close() {
	if err := store.Close(a.db); err != nil {
		a.logger.Warn().Err(err).Msg("failed to close database")
	}
}

// newGoogleProvider authenticates the service account and returns the Google
// Calendar provider.
func newGoogleProvider(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (calendar.Provider, error) {
	account := auth.ServiceAccount{
		Email:      cfg.ServiceAccountEmail,
		PrivateKey: cfg.PrivateKey,
		Subject:    cfg.ImpersonateUser,
	}

	var tokens auth.TokenStore
	if cfg.TokenCachePath != "" {
		tokens = auth.NewFileTokenStore(cfg.TokenCachePath)
	}

	client, err := auth.NewServiceAccountClient(ctx, account, tokens, cfg.RequestTimeout(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar client: %w", err)
	}

	return calendar.NewGoogleProvider(ctx, client, calendar.GoogleOptions{
		ShowDeleted: cfg.ShowDeleted,
		Location:    cfg.Location(),
		Logger:      logger,
	})
}
