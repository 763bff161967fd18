package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Outcome is the terminal state written by Finalize.
type Outcome struct {
	Status        string
	FetchedAt     *time.Time
	Inserted      int
	Updated       int
	Skipped       int
	Excluded      int
	FailedSources int
	ErrorMessage  string
	SnapshotPath  string
	FinalizedAt   time.Time
}

// SyncLogRepository persists SyncLogEntry rows.
type SyncLogRepository struct {
	db *gorm.DB
}

// NewSyncLogRepository creates a repository over db.
func NewSyncLogRepository(db *gorm.DB) *SyncLogRepository {
	return &SyncLogRepository{db: db}
}

// Create inserts a PENDING entry and returns it with its generated ID.
func (r *SyncLogRepository) Create(ctx context.Context, triggerSource, triggerLabel string, now time.Time) (*SyncLogEntry, error) {
	entry := &SyncLogEntry{
		ID:            uuid.NewString(),
		TriggerSource: triggerSource,
		TriggerLabel:  triggerLabel,
		Status:        StatusPending,
		CreatedAt:     now.UTC(),
	}
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return nil, fmt.Errorf("failed to create sync log: %w", err)
	}
	return entry, nil
}

// Finalize moves a PENDING entry to its terminal status. The update is
// conditional on the entry still being PENDING, so repeating it is a no-op;
// applied reports whether this call performed the transition.
func (r *SyncLogRepository) Finalize(ctx context.Context, id string, outcome Outcome) (applied bool, err error) {
	if outcome.Status != StatusSuccess && outcome.Status != StatusError {
		return false, fmt.Errorf("invalid terminal status %q", outcome.Status)
	}

	updates := map[string]any{
		"status":         outcome.Status,
		"fetched_at":     outcome.FetchedAt,
		"inserted":       outcome.Inserted,
		"updated":        outcome.Updated,
		"skipped":        outcome.Skipped,
		"excluded":       outcome.Excluded,
		"failed_sources": outcome.FailedSources,
		"error_message":  nullable(outcome.ErrorMessage),
		"snapshot_path":  nullable(outcome.SnapshotPath),
		"finalized_at":   outcome.FinalizedAt.UTC(),
	}

	res := r.db.WithContext(ctx).Model(&SyncLogEntry{}).
		Where("id = ? AND status = ?", id, StatusPending).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("failed to finalize sync log: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return true, nil
	}

	if _, err := r.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// Get returns the entry with the given ID, or ErrNotFound.
func (r *SyncLogRepository) Get(ctx context.Context, id string) (*SyncLogEntry, error) {
	var entry SyncLogEntry
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// ListRecent returns up to limit entries, newest first.
func (r *SyncLogRepository) ListRecent(ctx context.Context, limit int) ([]SyncLogEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	var entries []SyncLogEntry
	err := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list sync logs: %w", err)
	}
	return entries, nil
}

// FindStale returns PENDING entries created more than olderThan before now.
// They are runs that never finalized, most likely because the process died.
func (r *SyncLogRepository) FindStale(ctx context.Context, olderThan time.Duration, now time.Time) ([]SyncLogEntry, error) {
	cutoff := now.UTC().Add(-olderThan)
	var entries []SyncLogEntry
	err := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", StatusPending, cutoff).
		Order("created_at ASC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find stale sync logs: %w", err)
	}
	return entries, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
