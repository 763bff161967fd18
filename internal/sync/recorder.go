package sync

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/beekhof/calsync/internal/store"
)

const (
	defaultFinalizeAttempts = 3
	defaultFinalizeBackoff  = 250 * time.Millisecond
)

// LogStore persists sync log entries.
type LogStore interface {
	Create(ctx context.Context, triggerSource, triggerLabel string, now time.Time) (*store.SyncLogEntry, error)
	Finalize(ctx context.Context, id string, outcome store.Outcome) (bool, error)
}

// Recorder owns the audit trail of runs: a PENDING entry before any network
// call, and exactly one terminal transition at the end.
//
// Finalization is at-least-once. Failed attempts are retried with a linear
// backoff; the store only updates entries that are still PENDING, so a retry
// after an attempt that did land is a no-op. If every attempt fails the entry
// stays PENDING and shows up as stale.
type Recorder struct {
	store    LogStore
	attempts int
	backoff  time.Duration
	logger   zerolog.Logger
	now      func() time.Time
}

// NewRecorder creates a recorder over a log store.
func NewRecorder(logs LogStore, logger zerolog.Logger) *Recorder {
	return &Recorder{
		store:    logs,
		attempts: defaultFinalizeAttempts,
		backoff:  defaultFinalizeBackoff,
		logger:   logger,
		now:      time.Now,
	}
}

// Create inserts a PENDING entry and returns its ID.
func (r *Recorder) Create(ctx context.Context, trigger Trigger) (string, error) {
	entry, err := r.store.Create(ctx, trigger.Source, trigger.Label, r.now())
	if err != nil {
		return "", &PersistenceError{Op: "create sync log", Err: err}
	}
	return entry.ID, nil
}

// Finalize writes the terminal outcome of a run.
func (r *Recorder) Finalize(ctx context.Context, logID string, outcome store.Outcome) error {
	if outcome.FinalizedAt.IsZero() {
		outcome.FinalizedAt = r.now()
	}

	var err error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		var applied bool
		applied, err = r.store.Finalize(ctx, logID, outcome)
		if err == nil {
			if !applied {
				r.logger.Debug().Str("log_id", logID).Msg("sync log already finalized")
			}
			return nil
		}
		if errors.Is(err, store.ErrNotFound) {
			break
		}

		r.logger.Warn().Err(err).
			Str("log_id", logID).
			Int("attempt", attempt).
			Msg("failed to finalize sync log")

		if attempt < r.attempts {
			select {
			case <-ctx.Done():
				return &PersistenceError{Op: "finalize sync log", Err: ctx.Err()}
			case <-time.After(time.Duration(attempt) * r.backoff):
			}
		}
	}

	return &PersistenceError{Op: "finalize sync log", Err: err}
}
