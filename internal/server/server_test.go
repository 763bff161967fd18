package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beekhof/calsync/internal/scheduler"
	"github.com/beekhof/calsync/internal/store"
	calsync "github.com/beekhof/calsync/internal/sync"
)

type fakeRuns struct {
	enabled  bool
	running  bool
	err      error
	summary  *calsync.RunSummary
	triggers []calsync.Trigger
	ctxErr   error
	lastDone time.Time
}

func (f *fakeRuns) RunOnce(ctx context.Context, trigger calsync.Trigger) (*calsync.RunSummary, error) {
	f.triggers = append(f.triggers, trigger)
	f.ctxErr = ctx.Err()
	return f.summary, f.err
}

func (f *fakeRuns) Enabled() bool { return f.enabled }
func (f *fakeRuns) Running() bool { return f.running }
func (f *fakeRuns) LastFinished() time.Time { return f.lastDone }
func (f *fakeRuns) Entries() []scheduler.Entry {
	return []scheduler.Entry{{Label: "morning", Expression: "0 7 * * *"}}
}

type fakeLogs struct {
	entries   []store.SyncLogEntry
	limit     int
	olderThan time.Duration
}

func (f *fakeLogs) Get(ctx context.Context, id string) (*store.SyncLogEntry, error) {
	for i := range f.entries {
		if f.entries[i].ID == id {
			return &f.entries[i], nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeLogs) ListRecent(ctx context.Context, limit int) ([]store.SyncLogEntry, error) {
	f.limit = limit
	return f.entries, nil
}

func (f *fakeLogs) FindStale(ctx context.Context, olderThan time.Duration, now time.Time) ([]store.SyncLogEntry, error) {
	f.olderThan = olderThan
	return f.entries[:1], nil
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestRunNow(t *testing.T) {
	runs := &fakeRuns{enabled: true, summary: &calsync.RunSummary{LogID: "log-1", Status: store.StatusSuccess, Inserted: 3}}
	s := New(runs, &fakeLogs{}, zerolog.Nop())

	rec := do(t, s, http.MethodPost, "/api/sync/run", `{"label":"ops"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var summary calsync.RunSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, "log-1", summary.LogID)
	assert.Equal(t, 3, summary.Inserted)

	require.Len(t, runs.triggers, 1)
	assert.Equal(t, calsync.Trigger{Source: calsync.SourceManual, Label: "ops"}, runs.triggers[0])
	assert.NoError(t, runs.ctxErr)
}

func TestRunNow_ErrorMapping(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		summary *calsync.RunSummary
		want    int
	}{
		{name: "in progress", err: scheduler.ErrRunInProgress, want: http.StatusConflict},
		{name: "disabled", err: scheduler.ErrEngineDisabled, want: http.StatusServiceUnavailable},
		{name: "shutting down", err: scheduler.ErrStopped, want: http.StatusServiceUnavailable},
		{name: "no log entry", err: errors.New("database is locked"), want: http.StatusInternalServerError},
		{name: "failed run", err: errors.New("all sources failed"), summary: &calsync.RunSummary{LogID: "log-2", Status: store.StatusError}, want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(&fakeRuns{enabled: true, err: tt.err, summary: tt.summary}, &fakeLogs{}, zerolog.Nop())

			rec := do(t, s, http.MethodPost, "/api/sync/run", "")
			assert.Equal(t, tt.want, rec.Code)
			if tt.summary != nil {
				assert.Contains(t, rec.Body.String(), "log-2")
			}
		})
	}
}

func TestLogsEndpoints(t *testing.T) {
	logs := &fakeLogs{entries: []store.SyncLogEntry{
		{ID: "a", Status: store.StatusPending, TriggerSource: "cron:morning"},
		{ID: "b", Status: store.StatusSuccess, TriggerSource: "manual"},
	}}
	s := New(&fakeRuns{enabled: true}, logs, zerolog.Nop())

	rec := do(t, s, http.MethodGet, "/api/sync/logs?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, logs.limit)
	var list struct {
		Logs []store.SyncLogEntry `json:"logs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list.Logs, 2)

	rec = do(t, s, http.MethodGet, "/api/sync/logs?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/sync/logs/stale?olderThan=90m", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 90*time.Minute, logs.olderThan)
	assert.Contains(t, rec.Body.String(), `"id":"a"`)

	rec = do(t, s, http.MethodGet, "/api/sync/logs/stale?olderThan=soon", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/sync/logs/b", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"triggerSource":"manual"`)

	rec = do(t, s, http.MethodGet, "/api/sync/logs/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	s := New(&fakeRuns{enabled: false, running: false}, &fakeLogs{}, zerolog.Nop())

	rec := do(t, s, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, false, body["engineEnabled"])
	assert.Equal(t, false, body["running"])
	assert.Nil(t, body["lastFinished"])

	finished := time.Date(2024, 1, 10, 7, 0, 5, 0, time.UTC)
	s = New(&fakeRuns{enabled: true, lastDone: finished}, &fakeLogs{}, zerolog.Nop())
	rec = do(t, s, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "2024-01-10T07:00:05Z", body["lastFinished"])
}
