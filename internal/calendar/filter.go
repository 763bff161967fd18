package calendar

// Reasons an event is kept out of the local mirror.
const (
	ReasonCancelled          = "cancelled"
	ReasonDenylistedCalendar = "denylisted_calendar"
	ReasonDenylistedCategory = "denylisted_category"
	ReasonPrivate            = "private"
)

// Excluded is an event the filter removed, with the first rule that matched.
type Excluded struct {
	Event  Event  `json:"event"`
	Reason string `json:"reason"`
}

// Filter partitions fetched events into kept and excluded.
type Filter struct {
	denylistCalendars  map[string]bool
	denylistCategories map[string]bool
	includePrivate     bool
}

// NewFilter builds a filter from the configured deny lists.
func NewFilter(denylistCalendars, denylistCategories []string, includePrivate bool) *Filter {
	f := &Filter{
		denylistCalendars:  make(map[string]bool, len(denylistCalendars)),
		denylistCategories: make(map[string]bool, len(denylistCategories)),
		includePrivate:     includePrivate,
	}
	for _, id := range denylistCalendars {
		f.denylistCalendars[id] = true
	}
	for _, category := range denylistCategories {
		f.denylistCategories[category] = true
	}
	return f
}

// Apply evaluates the rules in order for each event; the first match wins:
//   - cancelled events
//   - events from a denylisted calendar
//   - events whose provider category (event type) is denylisted
//   - private events, unless private events are included
func (f *Filter) Apply(events []Event) (kept []Event, excluded []Excluded) {
	for _, event := range events {
		if reason := f.reason(event); reason != "" {
			excluded = append(excluded, Excluded{Event: event, Reason: reason})
			continue
		}
		kept = append(kept, event)
	}
	return kept, excluded
}

func (f *Filter) reason(event Event) string {
	switch {
	case event.Status == StatusCancelled:
		return ReasonCancelled
	case f.denylistCalendars[event.SourceCalendarID]:
		return ReasonDenylistedCalendar
	case event.EventType != "" && f.denylistCategories[event.EventType]:
		return ReasonDenylistedCategory
	case !f.includePrivate && event.IsPrivate():
		return ReasonPrivate
	}
	return ""
}
