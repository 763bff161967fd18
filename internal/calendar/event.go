package calendar

import "time"

// Provider event statuses.
const (
	StatusConfirmed = "confirmed"
	StatusTentative = "tentative"
	StatusCancelled = "cancelled"
)

// Event is one calendar event as fetched from the provider. It is identified by
// (SourceCalendarID, ProviderEventID) and is never modified after fetching.
type Event struct {
	SourceCalendarID string    `json:"sourceCalendarId"`
	ProviderEventID  string    `json:"providerEventId"`
	Title            string    `json:"title"`
	Start            time.Time `json:"start"`
	End              time.Time `json:"end"`
	AllDay           bool      `json:"allDay,omitempty"`
	Location         string    `json:"location,omitempty"`
	Status           string    `json:"status"`
	Visibility       string    `json:"visibility,omitempty"`
	EventType        string    `json:"eventType,omitempty"`
	// Updated is the provider's last-modified timestamp (the watermark).
	Updated time.Time `json:"updated"`
}

// IsPrivate reports whether the provider marks the event as not public.
func (e Event) IsPrivate() bool {
	return e.Visibility == "private" || e.Visibility == "confidential"
}
