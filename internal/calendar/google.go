package calendar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

// pageSize is the largest page events.list accepts.
const pageSize = 2500

// GoogleOptions tunes the Google Calendar provider.
type GoogleOptions struct {
	// ShowDeleted asks the provider for cancelled events too, so they can be
	// counted as excluded instead of silently disappearing.
	ShowDeleted bool
	// Location resolves all-day dates that carry no time zone.
	Location *time.Location
	Logger   zerolog.Logger
}

// GoogleProvider reads events through the Google Calendar API.
type GoogleProvider struct {
	service *gcal.Service
	opts    GoogleOptions
}

// NewGoogleProvider creates a provider using the provided authenticated HTTP client.
// Extra client options are appended (tests use option.WithEndpoint).
func NewGoogleProvider(ctx context.Context, httpClient *http.Client, opts GoogleOptions, extra ...option.ClientOption) (*GoogleProvider, error) {
	clientOpts := append([]option.ClientOption{option.WithHTTPClient(httpClient)}, extra...)
	service, err := gcal.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}

	if opts.Location == nil {
		opts.Location = time.UTC
	}

	return &GoogleProvider{service: service, opts: opts}, nil
}

// ListEvents retrieves every event of a calendar within the window, following
// page tokens until the listing is complete.
// Important: Sets SingleEvents = true to expand recurring events.
func (p *GoogleProvider) ListEvents(ctx context.Context, calendarID string, window Window) ([]Event, error) {
	var events []Event
	pageToken := ""

	for {
		call := p.service.Events.List(calendarID).
			TimeMin(window.Start.Format(time.RFC3339)).
			TimeMax(window.End.Format(time.RFC3339)).
			SingleEvents(true). // Expand recurring events
			ShowDeleted(p.opts.ShowDeleted).
			MaxResults(pageSize).
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		page, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("failed to list events: %w", err)
		}

		for _, item := range page.Items {
			event, err := convertEvent(calendarID, item, p.opts.Location)
			if err != nil {
				p.opts.Logger.Warn().Err(err).
					Str("calendar", calendarID).
					Str("event_id", item.Id).
					Msg("dropping unreadable provider event")
				continue
			}
			events = append(events, event)
		}

		pageToken = page.NextPageToken
		if pageToken == "" {
			break
		}
	}

	return events, nil
}

// convertEvent maps a provider event onto Event.
func convertEvent(calendarID string, item *gcal.Event, loc *time.Location) (Event, error) {
	if item.Id == "" {
		return Event{}, errors.New("event has no id")
	}

	event := Event{
		SourceCalendarID: calendarID,
		ProviderEventID:  item.Id,
		Title:            item.Summary,
		Location:         item.Location,
		Status:           item.Status,
		Visibility:       item.Visibility,
		EventType:        item.EventType,
	}
	if event.Status == "" {
		event.Status = StatusConfirmed
	}

	if item.Updated != "" {
		updated, err := time.Parse(time.RFC3339, item.Updated)
		if err != nil {
			return Event{}, fmt.Errorf("invalid updated timestamp %q: %w", item.Updated, err)
		}
		event.Updated = updated.UTC()
	}

	start, end := item.Start, item.End
	if start == nil && event.Status == StatusCancelled {
		// Cancelled instances of recurring events only carry their original start.
		start, end = item.OriginalStartTime, item.OriginalStartTime
	}

	var err error
	if event.Start, event.AllDay, err = parseEventTime(start, loc); err != nil {
		if event.Status == StatusCancelled {
			return event, nil
		}
		return Event{}, fmt.Errorf("invalid start: %w", err)
	}
	if event.End, _, err = parseEventTime(end, loc); err != nil {
		if event.Status == StatusCancelled {
			event.End = event.Start
			return event, nil
		}
		return Event{}, fmt.Errorf("invalid end: %w", err)
	}

	return event, nil
}

// parseEventTime reads either a timed (RFC 3339) or an all-day (date) value.
func parseEventTime(dt *gcal.EventDateTime, loc *time.Location) (time.Time, bool, error) {
	if dt == nil {
		return time.Time{}, false, errors.New("missing date/time")
	}

	if dt.DateTime != "" {
		t, err := time.Parse(time.RFC3339, dt.DateTime)
		return t, false, err
	}

	if dt.Date != "" {
		zone := loc
		if dt.TimeZone != "" {
			if l, err := time.LoadLocation(dt.TimeZone); err == nil {
				zone = l
			}
		}
		t, err := time.ParseInLocation(dateLayout, dt.Date, zone)
		return t, true, err
	}

	return time.Time{}, false, errors.New("missing date/time")
}
