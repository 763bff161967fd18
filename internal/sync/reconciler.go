package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/beekhof/calsync/internal/calendar"
	"github.com/beekhof/calsync/internal/store"
)

// PersistenceError is a failure writing local state. It aborts the rest of the
// run.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure (%s): %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// EventStore is the upsert target for kept events.
type EventStore interface {
	Upsert(ctx context.Context, record store.EventRecord) (store.Classification, error)
}

// UpsertResult counts what the reconciler did with the kept events.
type UpsertResult struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Skipped  int `json:"skipped"`
}

// Reconciler applies kept events to the local mirror. It is the only writer of
// event records.
type Reconciler struct {
	store EventStore
	now   func() time.Time
}

// NewReconciler creates a reconciler over an event store.
func NewReconciler(events EventStore) *Reconciler {
	return &Reconciler{store: events, now: time.Now}
}

// Reconcile upserts every event, one transaction each, and accumulates the
// classification counters. The first storage failure stops the pass; the
// counters gathered so far are returned with the error.
func (r *Reconciler) Reconcile(ctx context.Context, events []calendar.Event) (UpsertResult, error) {
	var result UpsertResult
	syncedAt := r.now()

	for _, event := range events {
		class, err := r.store.Upsert(ctx, store.RecordFromEvent(event, syncedAt))
		if err != nil {
			return result, &PersistenceError{
				Op:  fmt.Sprintf("upsert %s/%s", event.SourceCalendarID, event.ProviderEventID),
				Err: err,
			}
		}

		switch class {
		case store.Inserted:
			result.Inserted++
		case store.Updated:
			result.Updated++
		default:
			result.Skipped++
		}
	}

	return result, nil
}
