package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RunLockName names the lock that serializes sync runs.
const RunLockName = "sync"

// RunLockRecord is one named lease. An empty Holder means the lock is free.
type RunLockRecord struct {
	Name       string `gorm:"primaryKey;size:64"`
	Holder     string `gorm:"size:64;not null;default:''"`
	AcquiredAt *time.Time
	ExpiresAt  *time.Time
}

// TableName overrides the table name used by RunLockRecord.
func (RunLockRecord) TableName() string {
	return "sync_locks"
}

// RunLock is a lease on one sync_locks row, shared by every process that uses
// the database. A holder that dies keeps the lock until its lease expires.
type RunLock struct {
	db   *gorm.DB
	name string
	now  func() time.Time
}

// NewRunLock creates the lock called name over db.
func NewRunLock(db *gorm.DB, name string) *RunLock {
	return &RunLock{db: db, name: name, now: time.Now}
}

// TryAcquire takes the lock for holder until lease elapses. It reports false
// when another holder has an unexpired lease.
func (l *RunLock) TryAcquire(ctx context.Context, holder string, lease time.Duration) (bool, error) {
	if holder == "" {
		return false, errors.New("run lock holder is required")
	}
	// Whole seconds keep the stored text comparable on SQLite.
	now := l.now().UTC().Truncate(time.Second)
	db := l.db.WithContext(ctx)

	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&RunLockRecord{Name: l.name}).Error; err != nil {
		return false, fmt.Errorf("failed to create run lock %q: %w", l.name, err)
	}

	result := db.Model(&RunLockRecord{}).
		Where("name = ? AND (holder = '' OR holder = ? OR expires_at < ?)", l.name, holder, now).
		Updates(map[string]any{
			"holder":      holder,
			"acquired_at": now,
			"expires_at":  now.Add(lease),
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to acquire run lock %q: %w", l.name, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// Release frees the lock if holder still owns it.
func (l *RunLock) Release(ctx context.Context, holder string) error {
	err := l.db.WithContext(ctx).Model(&RunLockRecord{}).
		Where("name = ? AND holder = ?", l.name, holder).
		Updates(map[string]any{"holder": "", "expires_at": nil}).Error
	if err != nil {
		return fmt.Errorf("failed to release run lock %q: %w", l.name, err)
	}
	return nil
}
