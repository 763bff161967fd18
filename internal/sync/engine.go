// Package sync runs one synchronization pass: fetch, filter, reconcile,
// snapshot and audit.
package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/beekhof/calsync/internal/calendar"
	"github.com/beekhof/calsync/internal/snapshot"
	"github.com/beekhof/calsync/internal/store"
)

// Trigger sources.
const (
	SourceManual = "manual"
	SourceReplay = "replay"
)

// CronSource is the trigger source of a scheduled run.
func CronSource(label string) string {
	return "cron:" + label
}

// Trigger identifies what started a run.
type Trigger struct {
	Source string `json:"source"`
	Label  string `json:"label,omitempty"`
}

// RunResult is the full, in-memory outcome of a run. Only its counters reach
// the sync log; the snapshot keeps the rest.
type RunResult struct {
	FetchedAt    time.Time
	Window       calendar.Window
	Events       []calendar.Event
	Excluded     []calendar.Excluded
	Upsert       UpsertResult
	SourceErrors []*calendar.ProviderError
}

// Fetched is the number of events the provider returned.
func (r *RunResult) Fetched() int {
	return len(r.Events) + len(r.Excluded)
}

// RunSummary is what callers of a run get back.
type RunSummary struct {
	LogID         string    `json:"logId"`
	TriggerSource string    `json:"triggerSource"`
	TriggerLabel  string    `json:"triggerLabel,omitempty"`
	Status        string    `json:"status"`
	FetchedAt     time.Time `json:"fetchedAt"`
	WindowStart   time.Time `json:"windowStart"`
	WindowEnd     time.Time `json:"windowEnd"`
	Events        int       `json:"events"`
	Inserted      int       `json:"inserted"`
	Updated       int       `json:"updated"`
	Skipped       int       `json:"skipped"`
	Excluded      int       `json:"excluded"`
	FailedSources []string  `json:"failedSources,omitempty"`
	SnapshotPath  string    `json:"snapshotPath,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// SnapshotWriter stores the payload of a run and returns where it went.
type SnapshotWriter interface {
	Write(ctx context.Context, payload snapshot.Payload) (string, error)
}

// EngineConfig wires an Engine.
type EngineConfig struct {
	Provider    calendar.Provider
	CalendarIDs []string
	Filter      *calendar.Filter
	Events      EventStore
	Logs        LogStore
	// Snapshots is optional; without it no snapshot is written.
	Snapshots     SnapshotWriter
	StartDate     string
	LookAheadDays int
	Location      *time.Location
	Fetch         calendar.FetchOptions
	Logger        zerolog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Engine executes runs. It does not guard against concurrent runs; callers go
// through the scheduler for that.
type Engine struct {
	provider      calendar.Provider
	calendarIDs   []string
	filter        *calendar.Filter
	reconciler    *Reconciler
	recorder      *Recorder
	snapshots     SnapshotWriter
	startDate     string
	lookAheadDays int
	location      *time.Location
	fetch         calendar.FetchOptions
	logger        zerolog.Logger
	now           func() time.Time
}

// NewEngine creates an engine from its collaborators.
func NewEngine(cfg EngineConfig) *Engine {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	filter := cfg.Filter
	if filter == nil {
		filter = calendar.NewFilter(nil, nil, false)
	}

	reconciler := NewReconciler(cfg.Events)
	reconciler.now = now
	recorder := NewRecorder(cfg.Logs, cfg.Logger)
	recorder.now = now

	return &Engine{
		provider:      cfg.Provider,
		calendarIDs:   calendar.UniqueCalendarIDs(cfg.CalendarIDs),
		filter:        filter,
		reconciler:    reconciler,
		recorder:      recorder,
		snapshots:     cfg.Snapshots,
		startDate:     cfg.StartDate,
		lookAheadDays: cfg.LookAheadDays,
		location:      loc,
		fetch:         cfg.Fetch,
		logger:        cfg.Logger,
		now:           now,
	}
}

// Run executes one full pass and finalizes its sync log entry. The returned
// summary is non-nil whenever a log entry was created, including failed runs.
func (e *Engine) Run(ctx context.Context, trigger Trigger) (*RunSummary, error) {
	logger := e.logger.With().Str("trigger", trigger.Source).Str("label", trigger.Label).Logger()

	logID, err := e.recorder.Create(ctx, trigger)
	if err != nil {
		logger.Error().Err(err).Msg("sync.error")
		return nil, err
	}
	logger = logger.With().Str("log_id", logID).Logger()

	result, runErr := e.execute(ctx, logger)

	// The terminal write must land even if the caller gave up on the run.
	finalCtx := context.WithoutCancel(ctx)
	snapshotPath := e.writeSnapshot(finalCtx, logger, logID, trigger, result)

	outcome := store.Outcome{
		Status:        store.StatusSuccess,
		FetchedAt:     &result.FetchedAt,
		Inserted:      result.Upsert.Inserted,
		Updated:       result.Upsert.Updated,
		Skipped:       result.Upsert.Skipped,
		Excluded:      len(result.Excluded),
		FailedSources: len(result.SourceErrors),
		ErrorMessage:  sourceErrorMessage(result.SourceErrors),
		SnapshotPath:  snapshotPath,
	}
	if runErr != nil {
		outcome.Status = store.StatusError
		outcome.ErrorMessage = runErr.Error()
	}
	if err := e.recorder.Finalize(finalCtx, logID, outcome); err != nil {
		logger.Error().Err(err).Msg("sync log left pending")
		if runErr == nil {
			runErr = err
		}
	}

	summary := &RunSummary{
		LogID:         logID,
		TriggerSource: trigger.Source,
		TriggerLabel:  trigger.Label,
		Status:        outcome.Status,
		FetchedAt:     result.FetchedAt,
		WindowStart:   result.Window.Start,
		WindowEnd:     result.Window.End,
		Events:        result.Fetched(),
		Inserted:      outcome.Inserted,
		Updated:       outcome.Updated,
		Skipped:       outcome.Skipped,
		Excluded:      outcome.Excluded,
		SnapshotPath:  snapshotPath,
		Error:         outcome.ErrorMessage,
	}
	for _, srcErr := range result.SourceErrors {
		summary.FailedSources = append(summary.FailedSources, srcErr.CalendarID)
	}

	if runErr != nil {
		summary.Status = store.StatusError
		summary.Error = runErr.Error()
		logger.Error().Err(runErr).
			Int("inserted", summary.Inserted).
			Int("updated", summary.Updated).
			Int("skipped", summary.Skipped).
			Msg("sync.error")
		return summary, runErr
	}

	logger.Info().
		Int("events", summary.Events).
		Int("inserted", summary.Inserted).
		Int("updated", summary.Updated).
		Int("skipped", summary.Skipped).
		Int("excluded", summary.Excluded).
		Int("failed_sources", len(summary.FailedSources)).
		Str("snapshotPath", summary.SnapshotPath).
		Msg("sync.success")
	return summary, nil
}

// execute fetches, filters and reconciles. The result carries whatever was
// gathered before an error.
func (e *Engine) execute(ctx context.Context, logger zerolog.Logger) (*RunResult, error) {
	result := &RunResult{FetchedAt: e.now().UTC()}
	result.Window = calendar.ResolveWindow(e.startDate, e.lookAheadDays, e.location, result.FetchedAt)

	sources := calendar.FetchAll(ctx, e.provider, e.calendarIDs, result.Window, e.fetch)

	var fetched []calendar.Event
	for _, src := range sources {
		if !src.OK() {
			logger.Warn().Err(src.Err.Err).Str("calendar", src.CalendarID).Msg("sync.source_error")
			result.SourceErrors = append(result.SourceErrors, src.Err)
			continue
		}
		fetched = append(fetched, src.Events...)
	}

	if len(sources) > 0 && len(result.SourceErrors) == len(sources) {
		errs := make([]error, len(result.SourceErrors))
		for i, srcErr := range result.SourceErrors {
			errs[i] = srcErr
		}
		return result, fmt.Errorf("all %d calendar sources failed: %w", len(sources), errors.Join(errs...))
	}

	result.Events, result.Excluded = e.filter.Apply(fetched)

	upsert, err := e.reconciler.Reconcile(ctx, result.Events)
	result.Upsert = upsert
	if err != nil {
		return result, err
	}

	return result, nil
}

// writeSnapshot stores the run payload. Failures are logged and never fail the
// run.
func (e *Engine) writeSnapshot(ctx context.Context, logger zerolog.Logger, logID string, trigger Trigger, result *RunResult) string {
	if e.snapshots == nil {
		return ""
	}

	payload := snapshot.Payload{
		LogID:         logID,
		TriggerSource: trigger.Source,
		TriggerLabel:  trigger.Label,
		FetchedAt:     result.FetchedAt,
		WindowStart:   result.Window.Start,
		WindowEnd:     result.Window.End,
		CalendarIDs:   e.calendarIDs,
		Events:        result.Events,
		Excluded:      result.Excluded,
	}
	for _, srcErr := range result.SourceErrors {
		payload.SourceErrors = append(payload.SourceErrors, snapshot.SourceError{
			CalendarID: srcErr.CalendarID,
			Error:      srcErr.Err.Error(),
		})
	}

	path, err := e.snapshots.Write(ctx, payload)
	if err != nil {
		logger.Warn().Err(err).Msg("snapshot.error")
	}
	return path
}

func sourceErrorMessage(errs []*calendar.ProviderError) string {
	if len(errs) == 0 {
		return ""
	}
	msgs := make([]string, len(errs))
	for i, err := range errs {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}
