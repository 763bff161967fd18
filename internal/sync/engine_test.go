package sync

import (
	"context"
	"errors"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beekhof/calsync/internal/calendar"
	"github.com/beekhof/calsync/internal/snapshot"
	"github.com/beekhof/calsync/internal/store"
)

var runClock = time.Date(2024, 1, 10, 7, 0, 0, 0, time.UTC)

// mockProvider serves fixed events per calendar.
type mockProvider struct {
	events   map[string][]calendar.Event
	failures map[string]error

	mu      gosync.Mutex
	windows []calendar.Window
}

func (m *mockProvider) ListEvents(ctx context.Context, calendarID string, window calendar.Window) ([]calendar.Event, error) {
	m.mu.Lock()
	m.windows = append(m.windows, window)
	m.mu.Unlock()
	if err := m.failures[calendarID]; err != nil {
		return nil, err
	}
	return m.events[calendarID], nil
}

// mockSnapshots records payloads instead of writing files.
type mockSnapshots struct {
	payloads []snapshot.Payload
	err      error
}

func (m *mockSnapshots) Write(ctx context.Context, payload snapshot.Payload) (string, error) {
	m.payloads = append(m.payloads, payload)
	if m.err != nil {
		return "", m.err
	}
	return "snapshots/" + payload.LogID + ".json", nil
}

type failingEvents struct{ after int }

func (f *failingEvents) Upsert(ctx context.Context, record store.EventRecord) (store.Classification, error) {
	if f.after == 0 {
		return "", errors.New("disk full")
	}
	f.after--
	return store.Inserted, nil
}

type testEnv struct {
	provider  *mockProvider
	snapshots *mockSnapshots
	events    *store.EventRepository
	logs      *store.SyncLogRepository
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "calsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(db) })

	return &testEnv{
		provider:  &mockProvider{events: map[string][]calendar.Event{}, failures: map[string]error{}},
		snapshots: &mockSnapshots{},
		events:    store.NewEventRepository(db),
		logs:      store.NewSyncLogRepository(db),
	}
}

func (env *testEnv) engine(calendarIDs ...string) *Engine {
	return NewEngine(EngineConfig{
		Provider:      env.provider,
		CalendarIDs:   calendarIDs,
		Filter:        calendar.NewFilter(nil, nil, false),
		Events:        env.events,
		Logs:          env.logs,
		Snapshots:     env.snapshots,
		StartDate:     "2024-01-01",
		LookAheadDays: 30,
		Location:      time.UTC,
		Logger:        zerolog.Nop(),
		Now:           func() time.Time { return runClock },
	})
}

func scenarioEvents() []calendar.Event {
	updated := time.Date(2024, 1, 5, 12, 0, 0, 0, time.UTC)
	var events []calendar.Event
	for _, id := range []string{"e1", "e2", "e3"} {
		events = append(events, calendar.Event{
			SourceCalendarID: "A",
			ProviderEventID:  id,
			Title:            "Event " + id,
			Start:            time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC),
			End:              time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC),
			Status:           calendar.StatusConfirmed,
			Updated:          updated,
		})
	}
	return events
}

func TestEngine_Scenarios(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.provider.events["A"] = scenarioEvents()
	engine := env.engine("A")

	// First run: nothing persisted yet.
	summary, err := engine.Run(ctx, Trigger{Source: CronSource("morning"), Label: "morning"})
	require.NoError(t, err)
	assert.Equal(t, store.StatusSuccess, summary.Status)
	assert.Equal(t, 3, summary.Inserted)
	assert.Equal(t, 0, summary.Updated)
	assert.Equal(t, 0, summary.Skipped)
	assert.Equal(t, 0, summary.Excluded)

	entry, err := env.logs.Get(ctx, summary.LogID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSuccess, entry.Status)
	assert.Equal(t, "cron:morning", entry.TriggerSource)
	require.NotNil(t, entry.Inserted)
	assert.Equal(t, 3, *entry.Inserted)
	require.NotNil(t, entry.FetchedAt)
	assert.True(t, entry.FetchedAt.Equal(runClock))
	require.NotNil(t, entry.FinalizedAt)

	// The window covers the configured start through today + 30 days.
	require.NotEmpty(t, env.provider.windows)
	assert.True(t, env.provider.windows[0].Start.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.True(t, env.provider.windows[0].End.Equal(time.Date(2024, 2, 9, 0, 0, 0, 0, time.UTC)))

	// Identical re-run: everything is skipped.
	summary, err = engine.Run(ctx, Trigger{Source: SourceManual})
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Inserted)
	assert.Equal(t, 0, summary.Updated)
	assert.Equal(t, 3, summary.Skipped)

	// One event cancelled upstream: excluded, and its record is left alone.
	events := scenarioEvents()
	events[1].Status = calendar.StatusCancelled
	events[1].Updated = events[1].Updated.Add(time.Hour)
	env.provider.events["A"] = events

	summary, err = engine.Run(ctx, Trigger{Source: SourceManual})
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Inserted)
	assert.Equal(t, 0, summary.Updated)
	assert.Equal(t, 2, summary.Skipped)
	assert.Equal(t, 1, summary.Excluded)
	assert.Equal(t, 3, summary.Events)

	record, err := env.events.Get(ctx, "A", "e2")
	require.NoError(t, err)
	assert.Equal(t, calendar.StatusConfirmed, record.Status)
	assert.True(t, record.ProviderLastModified.Equal(scenarioEvents()[1].Updated))

	last := env.snapshots.payloads[len(env.snapshots.payloads)-1]
	require.Len(t, last.Excluded, 1)
	assert.Equal(t, "e2", last.Excluded[0].Event.ProviderEventID)
	assert.Equal(t, calendar.ReasonCancelled, last.Excluded[0].Reason)
}

func TestEngine_UpdatesNewerEvents(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.provider.events["A"] = scenarioEvents()
	engine := env.engine("A")

	_, err := engine.Run(ctx, Trigger{Source: SourceManual})
	require.NoError(t, err)

	events := scenarioEvents()
	events[0].Title = "Moved"
	events[0].Updated = events[0].Updated.Add(time.Second)
	env.provider.events["A"] = events

	summary, err := engine.Run(ctx, Trigger{Source: SourceManual})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Updated)
	assert.Equal(t, 2, summary.Skipped)

	record, err := env.events.Get(ctx, "A", "e1")
	require.NoError(t, err)
	assert.Equal(t, "Moved", record.Title)
}

func TestEngine_PartialFailure(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.provider.events["A"] = scenarioEvents()
	env.provider.failures["B"] = errors.New("rate limit exceeded")

	summary, err := env.engine("A", "B").Run(ctx, Trigger{Source: SourceManual})
	require.NoError(t, err)
	assert.Equal(t, store.StatusSuccess, summary.Status)
	assert.Equal(t, 3, summary.Inserted)
	assert.Equal(t, []string{"B"}, summary.FailedSources)

	entry, err := env.logs.Get(ctx, summary.LogID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSuccess, entry.Status)
	require.NotNil(t, entry.FailedSources)
	assert.Equal(t, 1, *entry.FailedSources)
	require.NotNil(t, entry.ErrorMessage)
	assert.Contains(t, *entry.ErrorMessage, "rate limit exceeded")

	require.Len(t, env.snapshots.payloads, 1)
	assert.Equal(t, []snapshot.SourceError{{CalendarID: "B", Error: "rate limit exceeded"}}, env.snapshots.payloads[0].SourceErrors)
}

func TestEngine_DuplicateCalendarIDsFetchOnce(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.provider.events["A"] = scenarioEvents()

	summary, err := env.engine("A", " A", "A").Run(ctx, Trigger{Source: SourceManual})
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Events)
	assert.Equal(t, 3, summary.Inserted)
	assert.Equal(t, 0, summary.Skipped)
	assert.Len(t, env.provider.windows, 1)
	require.Len(t, env.snapshots.payloads, 1)
	assert.Equal(t, []string{"A"}, env.snapshots.payloads[0].CalendarIDs)
}

func TestEngine_AllSourcesFailed(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.provider.failures["A"] = errors.New("unauthorized")

	summary, err := env.engine("A").Run(ctx, Trigger{Source: SourceManual})
	require.Error(t, err)
	require.NotNil(t, summary)
	assert.Equal(t, store.StatusError, summary.Status)

	var providerErr *calendar.ProviderError
	assert.True(t, errors.As(err, &providerErr))

	entry, err := env.logs.Get(ctx, summary.LogID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusError, entry.Status)
	require.NotNil(t, entry.ErrorMessage)
	assert.Contains(t, *entry.ErrorMessage, "unauthorized")
}

func TestEngine_PersistenceErrorStillSnapshots(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.provider.events["A"] = scenarioEvents()

	engine := env.engine("A")
	engine.reconciler.store = &failingEvents{after: 1}

	summary, err := engine.Run(ctx, Trigger{Source: SourceManual})
	var persistErr *PersistenceError
	require.True(t, errors.As(err, &persistErr))
	assert.Equal(t, store.StatusError, summary.Status)
	assert.Equal(t, 1, summary.Inserted, "partial counters are kept")

	require.Len(t, env.snapshots.payloads, 1)
	assert.Len(t, env.snapshots.payloads[0].Events, 3)

	entry, err := env.logs.Get(ctx, summary.LogID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusError, entry.Status)
	require.NotNil(t, entry.ErrorMessage)
	assert.Contains(t, *entry.ErrorMessage, "disk full")
}

func TestEngine_SnapshotFailureDoesNotFailRun(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.provider.events["A"] = scenarioEvents()
	env.snapshots.err = &snapshot.SnapshotError{Path: "x", Err: errors.New("read-only file system")}

	summary, err := env.engine("A").Run(ctx, Trigger{Source: SourceManual})
	require.NoError(t, err)
	assert.Equal(t, store.StatusSuccess, summary.Status)
	assert.Empty(t, summary.SnapshotPath)

	entry, err := env.logs.Get(ctx, summary.LogID)
	require.NoError(t, err)
	assert.Nil(t, entry.SnapshotPath)
}

func TestEngine_ReplayFromSnapshot(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.provider.events["A"] = scenarioEvents()

	_, err := env.engine("A").Run(ctx, Trigger{Source: SourceManual})
	require.NoError(t, err)
	recorded := env.snapshots.payloads[0]

	replay := NewEngine(EngineConfig{
		Provider:    snapshot.NewProvider(&recorded),
		CalendarIDs: recorded.CalendarIDs,
		Events:      env.events,
		Logs:        env.logs,
		Logger:      zerolog.Nop(),
	})
	summary, err := replay.Run(ctx, Trigger{Source: SourceReplay, Label: recorded.LogID})
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Skipped)
	assert.Empty(t, summary.SnapshotPath)
}
