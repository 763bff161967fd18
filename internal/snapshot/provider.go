package snapshot

import (
	"context"
	"errors"

	"github.com/beekhof/calsync/internal/calendar"
)

// Provider serves the events of a snapshot through calendar.Provider, so a
// recorded run can be filtered and reconciled again. Calendars that failed in
// the recorded run fail again with the recorded message.
type Provider struct {
	events   map[string][]calendar.Event
	failures map[string]string
}

// NewProvider indexes the fetched (kept and excluded) events of a payload.
func NewProvider(payload *Payload) *Provider {
	p := &Provider{
		events:   make(map[string][]calendar.Event),
		failures: make(map[string]string),
	}
	for _, event := range payload.Events {
		p.events[event.SourceCalendarID] = append(p.events[event.SourceCalendarID], event)
	}
	for _, excluded := range payload.Excluded {
		id := excluded.Event.SourceCalendarID
		p.events[id] = append(p.events[id], excluded.Event)
	}
	for _, failure := range payload.SourceErrors {
		p.failures[failure.CalendarID] = failure.Error
	}
	return p
}

// ListEvents returns the recorded events of a calendar. The window is ignored:
// the snapshot already reflects the window of the recorded run.
func (p *Provider) ListEvents(ctx context.Context, calendarID string, _ calendar.Window) ([]calendar.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if msg, ok := p.failures[calendarID]; ok {
		return nil, errors.New(msg)
	}

	recorded := p.events[calendarID]
	events := make([]calendar.Event, len(recorded))
	copy(events, recorded)
	return events, nil
}
