package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// Classification is what an upsert did to one event.
type Classification string

const (
	Inserted Classification = "inserted"
	Updated  Classification = "updated"
	Skipped  Classification = "skipped"
)

// EventRepository persists EventRecord rows.
type EventRepository struct {
	db *gorm.DB
}

// NewEventRepository creates a repository over db.
func NewEventRepository(db *gorm.DB) *EventRepository {
	return &EventRepository{db: db}
}

// Upsert applies one record inside its own transaction:
//   - absent: insert
//   - present with an older watermark: overwrite the mutable fields
//   - otherwise: leave the row untouched
//
// Deletions are never applied here.
func (r *EventRepository) Upsert(ctx context.Context, record EventRecord) (Classification, error) {
	record.ProviderLastModified = Watermark(record.ProviderLastModified)

	var result Classification
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing EventRecord
		err := tx.Where("source_calendar_id = ? AND provider_event_id = ?", record.SourceCalendarID, record.ProviderEventID).
			First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if err := tx.Create(&record).Error; err != nil {
				return fmt.Errorf("failed to insert event: %w", err)
			}
			result = Inserted
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to look up event: %w", err)
		}

		if !record.ProviderLastModified.After(Watermark(existing.ProviderLastModified)) {
			result = Skipped
			return nil
		}

		record.CreatedAt = existing.CreatedAt
		if err := tx.Save(&record).Error; err != nil {
			return fmt.Errorf("failed to update event: %w", err)
		}
		result = Updated
		return nil
	})
	if err != nil {
		return "", err
	}

	return result, nil
}

// Get returns the record for a key, or ErrNotFound.
func (r *EventRepository) Get(ctx context.Context, sourceCalendarID, providerEventID string) (*EventRecord, error) {
	var record EventRecord
	err := r.db.WithContext(ctx).
		Where("source_calendar_id = ? AND provider_event_id = ?", sourceCalendarID, providerEventID).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

