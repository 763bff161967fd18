package snapshot

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"github.com/beekhof/calsync/internal/calendar"
)

const propSourceCalendar = "X-CALSYNC-CALENDAR"

// renderICS converts kept events to an iCalendar document.
func renderICS(events []calendar.Event, stamp time.Time) ([]byte, error) {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//calsync//snapshot//EN")

	for _, event := range events {
		cal.Children = append(cal.Children, eventToICal(event, stamp))
	}

	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return nil, fmt.Errorf("failed to encode iCalendar: %w", err)
	}
	return buf.Bytes(), nil
}

func eventToICal(event calendar.Event, stamp time.Time) *ical.Component {
	vevent := ical.NewComponent(ical.CompEvent)
	vevent.Props.SetText(ical.PropUID, event.ProviderEventID)
	vevent.Props.SetText(propSourceCalendar, event.SourceCalendarID)
	vevent.Props.SetDateTime(ical.PropDateTimeStamp, stamp.UTC())

	if event.Title != "" {
		vevent.Props.SetText(ical.PropSummary, event.Title)
	}
	if event.Location != "" {
		vevent.Props.SetText(ical.PropLocation, event.Location)
	}
	if event.Status != "" {
		vevent.Props.SetText(ical.PropStatus, strings.ToUpper(event.Status))
	}
	if event.IsPrivate() {
		vevent.Props.SetText(ical.PropClass, strings.ToUpper(event.Visibility))
	}

	if event.AllDay {
		dtstart := ical.NewProp(ical.PropDateTimeStart)
		dtstart.SetDate(event.Start)
		vevent.Props.Set(dtstart)

		dtend := ical.NewProp(ical.PropDateTimeEnd)
		dtend.SetDate(event.End)
		vevent.Props.Set(dtend)
	} else {
		vevent.Props.SetDateTime(ical.PropDateTimeStart, event.Start.UTC())
		vevent.Props.SetDateTime(ical.PropDateTimeEnd, event.End.UTC())
	}

	if !event.Updated.IsZero() {
		vevent.Props.SetDateTime(ical.PropLastModified, event.Updated.UTC())
	}

	return vevent
}
