package calendar

import "time"

const (
	dateLayout           = "2006-01-02"
	fallbackStartDate    = "2000-01-01"
	defaultLookAheadDays = 365
)

// Window is the half-open range [Start, End) queried from the provider.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// ResolveWindow computes the query window. The window starts at startDate and
// ends lookAheadDays after whichever is later of today and startDate, so the
// query always covers today forward without scanning unbounded history.
//
// An unparsable startDate falls back to 2000-01-01 and a non-positive
// lookAheadDays to 365; resolution never fails.
func ResolveWindow(startDate string, lookAheadDays int, loc *time.Location, now time.Time) Window {
	if loc == nil {
		loc = time.UTC
	}
	if lookAheadDays <= 0 {
		lookAheadDays = defaultLookAheadDays
	}

	start, err := time.ParseInLocation(dateLayout, startDate, loc)
	if err != nil {
		start, _ = time.ParseInLocation(dateLayout, fallbackStartDate, loc)
	}

	local := now.In(loc)
	today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)

	base := today
	if start.After(today) {
		base = start
	}

	return Window{
		Start: start,
		End:   base.AddDate(0, 0, lookAheadDays),
	}
}
