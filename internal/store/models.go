package store

import (
	"time"

	"github.com/beekhof/calsync/internal/calendar"
)

// Sync log statuses.
const (
	StatusPending = "PENDING"
	StatusSuccess = "SUCCESS"
	StatusError   = "ERROR"
)

// EventRecord is the local mirror of a provider event. The composite primary key
// keeps at most one row per (calendar, event).
type EventRecord struct {
	SourceCalendarID     string    `json:"sourceCalendarId" gorm:"primaryKey;size:255"`
	ProviderEventID      string    `json:"providerEventId" gorm:"primaryKey;size:1024"`
	Title                string    `json:"title"`
	StartAt              time.Time `json:"start"`
	EndAt                time.Time `json:"end"`
	AllDay               bool      `json:"allDay"`
	Location             string    `json:"location"`
	Status               string    `json:"status"`
	Visibility           string    `json:"visibility"`
	EventType            string    `json:"eventType"`
	ProviderLastModified time.Time `json:"providerLastModified"`
	SyncedAt             time.Time `json:"syncedAt"`
	CreatedAt            time.Time `json:"createdAt"`
}

func (EventRecord) TableName() string {
	return "event_records"
}

// RecordFromEvent builds the mirror row for a fetched event.
func RecordFromEvent(event calendar.Event, syncedAt time.Time) EventRecord {
	return EventRecord{
		SourceCalendarID:     event.SourceCalendarID,
		ProviderEventID:      event.ProviderEventID,
		Title:                event.Title,
		StartAt:              event.Start.UTC(),
		EndAt:                event.End.UTC(),
		AllDay:               event.AllDay,
		Location:             event.Location,
		Status:               event.Status,
		Visibility:           event.Visibility,
		EventType:            event.EventType,
		ProviderLastModified: Watermark(event.Updated),
		SyncedAt:             syncedAt.UTC(),
	}
}

// Watermark normalizes a provider timestamp to the precision every supported
// database keeps, so stored and fetched values compare equal.
func Watermark(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// SyncLogEntry is the audit record of one run. It is created PENDING and
// transitions exactly once to SUCCESS or ERROR.
type SyncLogEntry struct {
	ID            string     `json:"id" gorm:"primaryKey;size:36"`
	TriggerSource string     `json:"triggerSource" gorm:"not null"`
	TriggerLabel  string     `json:"triggerLabel"`
	Status        string     `json:"status" gorm:"index;not null"`
	FetchedAt     *time.Time `json:"fetchedAt,omitempty"`
	Inserted      *int       `json:"inserted,omitempty"`
	Updated       *int       `json:"updated,omitempty"`
	Skipped       *int       `json:"skipped,omitempty"`
	Excluded      *int       `json:"excluded,omitempty"`
	FailedSources *int       `json:"failedSources,omitempty"`
	ErrorMessage  *string    `json:"errorMessage,omitempty"`
	SnapshotPath  *string    `json:"snapshotPath,omitempty"`
	CreatedAt     time.Time  `json:"createdAt" gorm:"index"`
	FinalizedAt   *time.Time `json:"finalizedAt,omitempty"`
}

func (SyncLogEntry) TableName() string {
	return "sync_logs"
}
