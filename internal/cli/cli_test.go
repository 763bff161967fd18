package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beekhof/calsync/internal/calendar"
	"github.com/beekhof/calsync/internal/config"
	"github.com/beekhof/calsync/internal/scheduler"
	"github.com/beekhof/calsync/internal/store"
	calsync "github.com/beekhof/calsync/internal/sync"
)

type staticProvider struct {
	events map[string][]calendar.Event
}

func (p *staticProvider) ListEvents(ctx context.Context, calendarID string, window calendar.Window) ([]calendar.Event, error) {
	return p.events[calendarID], nil
}

func writeConfig(t *testing.T, dir string, withCredentials bool) string {
	t.Helper()
	content := "calendarIds: [A]\nsyncStartDate: \"2024-01-01\"\nlogFormat: json\nlogLevel: error\n" +
		"databaseUrl: " + filepath.Join(dir, "calsync.db") + "\n" +
		"snapshotDir: " + filepath.Join(dir, "snapshots") + "\n"
	if withCredentials {
		content += "serviceAccountEmail: sync@example.iam.gserviceaccount.com\nprivateKey: not-used-by-the-fake-provider\n"
	}
	path := filepath.Join(dir, "calsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func testRoot(provider calendar.Provider) *RootOptions {
	return &RootOptions{
		NewProvider: func(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (calendar.Provider, error) {
			return provider, nil
		},
	}
}

func execute(t *testing.T, opts *RootOptions, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand(opts)
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRunLogsAndReplay(t *testing.T) {
	dir := t.TempDir()
	configPath := writeConfig(t, dir, true)
	updated := time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)
	provider := &staticProvider{events: map[string][]calendar.Event{"A": {
		{SourceCalendarID: "A", ProviderEventID: "e1", Title: "Planning", Status: calendar.StatusConfirmed,
			Start: updated.Add(24 * time.Hour), End: updated.Add(25 * time.Hour), Updated: updated},
		{SourceCalendarID: "A", ProviderEventID: "e2", Title: "Retro", Status: calendar.StatusConfirmed,
			Start: updated.Add(48 * time.Hour), End: updated.Add(49 * time.Hour), Updated: updated},
		{SourceCalendarID: "A", ProviderEventID: "e3", Status: calendar.StatusCancelled, Updated: updated},
	}}}
	opts := testRoot(provider)

	out, err := execute(t, opts, "run", "--config", configPath, "--json", "--label", "test")
	require.NoError(t, err)
	var summary calsync.RunSummary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, store.StatusSuccess, summary.Status)
	assert.Equal(t, 2, summary.Inserted)
	assert.Equal(t, 1, summary.Excluded)
	assert.Equal(t, "test", summary.TriggerLabel)
	require.NotEmpty(t, summary.SnapshotPath)
	assert.FileExists(t, summary.SnapshotPath)

	out, err = execute(t, opts, "logs", "--config", configPath, "--json")
	require.NoError(t, err)
	var entries []store.SyncLogEntry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, summary.LogID, entries[0].ID)
	assert.Equal(t, store.StatusSuccess, entries[0].Status)

	out, err = execute(t, opts, "logs", "--config", configPath)
	require.NoError(t, err)
	assert.Contains(t, out, "SUCCESS")
	assert.Contains(t, out, summary.LogID)

	out, err = execute(t, opts, "logs", "--config", configPath, "--stale", "1h")
	require.NoError(t, err)
	assert.Contains(t, out, "No sync log entries.")

	out, err = execute(t, opts, "replay", summary.SnapshotPath, "--config", configPath, "--json")
	require.NoError(t, err)
	var replayed calsync.RunSummary
	require.NoError(t, json.Unmarshal([]byte(out), &replayed))
	assert.Equal(t, calsync.SourceReplay, replayed.TriggerSource)
	assert.Equal(t, 0, replayed.Inserted)
	assert.Equal(t, 2, replayed.Skipped)
	assert.Equal(t, 1, replayed.Excluded)
}

func TestRun_DisabledEngine(t *testing.T) {
	dir := t.TempDir()
	configPath := writeConfig(t, dir, false)

	_, err := execute(t, testRoot(&staticProvider{}), "run", "--config", configPath)
	assert.ErrorIs(t, err, scheduler.ErrEngineDisabled)
}

func TestRun_RejectedWhileAnotherProcessRuns(t *testing.T) {
	dir := t.TempDir()
	configPath := writeConfig(t, dir, true)

	// A serving process holds the run lock in the same database.
	db, err := store.Open(filepath.Join(dir, "calsync.db"))
	require.NoError(t, err)
	defer func() { _ = store.Close(db) }()
	lock := store.NewRunLock(db, store.RunLockName)
	ok, err := lock.TryAcquire(context.Background(), "serve", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = execute(t, testRoot(&staticProvider{}), "run", "--config", configPath)
	assert.ErrorIs(t, err, scheduler.ErrRunInProgress)

	out, err := execute(t, testRoot(&staticProvider{}), "logs", "--config", configPath, "--json")
	require.NoError(t, err)
	var entries []store.SyncLogEntry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	assert.Empty(t, entries, "a rejected run creates no sync log entry")

	require.NoError(t, lock.Release(context.Background(), "serve"))
	_, err = execute(t, testRoot(&staticProvider{}), "run", "--config", configPath)
	require.NoError(t, err)
}

func TestRun_TextSummary(t *testing.T) {
	dir := t.TempDir()
	configPath := writeConfig(t, dir, true)

	out, err := execute(t, testRoot(&staticProvider{}), "run", "--config", configPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Sync SUCCESS")
	assert.Contains(t, out, "0 inserted, 0 updated, 0 skipped")
	assert.Contains(t, out, "Window:   2024-01-01")
}

func TestReplay_MissingSnapshot(t *testing.T) {
	_, err := execute(t, testRoot(&staticProvider{}), "replay", filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
