package calendar

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// Provider fetches events from one calendar source. Implementations return the
// complete list for the window; pagination is never visible to the caller.
type Provider interface {
	ListEvents(ctx context.Context, calendarID string, window Window) ([]Event, error)
}

// ProviderError is a failure fetching one calendar source. It never aborts the
// other sources of the run.
type ProviderError struct {
	CalendarID string
	Err        error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("calendar %s: %v", e.CalendarID, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// SourceResult is the outcome of fetching one calendar: either Events or Err.
type SourceResult struct {
	CalendarID string
	Events     []Event
	Err        *ProviderError
}

// OK reports whether the source was fetched.
func (r SourceResult) OK() bool {
	return r.Err == nil
}

// FetchOptions tunes FetchAll.
type FetchOptions struct {
	// Timeout bounds each calendar fetch, pagination included. Zero means none.
	Timeout time.Duration
	// Concurrency caps parallel fetches. Zero or less means one per calendar.
	Concurrency int
}

// FetchAll fetches every calendar concurrently and returns one result per
// calendar, in the order given. A timeout or error on one calendar is recorded
// in its result and does not affect the others.
func FetchAll(ctx context.Context, provider Provider, calendarIDs []string, window Window, opts FetchOptions) []SourceResult {
	results := make([]SourceResult, len(calendarIDs))

	var g errgroup.Group
	if opts.Concurrency > 0 {
		g.SetLimit(opts.Concurrency)
	}

	for i, calendarID := range calendarIDs {
		i, calendarID := i, calendarID
		g.Go(func() error {
			results[i] = fetchOne(ctx, provider, calendarID, window, opts.Timeout)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// UniqueCalendarIDs trims the IDs and drops blanks and repeats, keeping the
// first occurrence of each. Fetching a calendar twice would count its events twice.
func UniqueCalendarIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func fetchOne(ctx context.Context, provider Provider, calendarID string, window Window, timeout time.Duration) (result SourceResult) {
	result.CalendarID = calendarID

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			result.Events = nil
			result.Err = &ProviderError{CalendarID: calendarID, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	events, err := provider.ListEvents(ctx, calendarID, window)
	if err != nil {
		result.Err = &ProviderError{CalendarID: calendarID, Err: err}
		return result
	}

	result.Events = events
	return result
}
