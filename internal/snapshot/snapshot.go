// Package snapshot stores the raw payload of each sync run on disk so any run can
// be audited or replayed independently of the database.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/beekhof/calsync/internal/calendar"
)

// timestampLayout names snapshot files; it sorts lexically in time order.
const timestampLayout = "20060102T150405.000000Z"

// SourceError records a calendar that could not be fetched during the run.
type SourceError struct {
	CalendarID string `json:"calendarId"`
	Error      string `json:"error"`
}

// Payload is everything one run fetched.
type Payload struct {
	LogID         string              `json:"logId"`
	TriggerSource string              `json:"triggerSource"`
	TriggerLabel  string              `json:"triggerLabel,omitempty"`
	FetchedAt     time.Time           `json:"fetchedAt"`
	WindowStart   time.Time           `json:"windowStart"`
	WindowEnd     time.Time           `json:"windowEnd"`
	CalendarIDs   []string            `json:"calendarIds"`
	Events        []calendar.Event    `json:"events"`
	Excluded      []calendar.Excluded `json:"excludedEvents"`
	SourceErrors  []SourceError       `json:"sourceErrors,omitempty"`
}

// Window returns the window the run queried.
func (p *Payload) Window() calendar.Window {
	return calendar.Window{Start: p.WindowStart, End: p.WindowEnd}
}

// SnapshotError is a failure writing or reading a snapshot.
type SnapshotError struct {
	Path string
	Err  error
}

func (e *SnapshotError) Error() string {
	return fmt.Sprintf("snapshot %s: %v", e.Path, e.Err)
}

func (e *SnapshotError) Unwrap() error {
	return e.Err
}

// Writer writes payloads below a root directory as
// <dir>/<YYYY>/<MM>/<timestamp>-<log id>.json, with an .ics rendering of the
// kept events next to it.
type Writer struct {
	dir string
}

// NewWriter creates a writer rooted at dir.
func NewWriter(dir string) *Writer {
	return &Writer{dir: dir}
}

// Write stores the payload and returns the path of the JSON document.
func (w *Writer) Write(ctx context.Context, payload Payload) (string, error) {
	path := w.pathFor(payload)
	if err := ctx.Err(); err != nil {
		return "", &SnapshotError{Path: path, Err: err}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", &SnapshotError{Path: path, Err: err}
	}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", &SnapshotError{Path: path, Err: fmt.Errorf("failed to encode payload: %w", err)}
	}
	if err := writeFileAtomic(path, data); err != nil {
		return "", &SnapshotError{Path: path, Err: err}
	}

	if len(payload.Events) > 0 {
		icsPath := strings.TrimSuffix(path, ".json") + ".ics"
		ics, err := renderICS(payload.Events, payload.FetchedAt)
		if err != nil {
			return path, &SnapshotError{Path: icsPath, Err: err}
		}
		if err := writeFileAtomic(icsPath, ics); err != nil {
			return path, &SnapshotError{Path: icsPath, Err: err}
		}
	}

	return path, nil
}

func (w *Writer) pathFor(payload Payload) string {
	ts := payload.FetchedAt.UTC()
	name := ts.Format(timestampLayout)
	if payload.LogID != "" {
		id := payload.LogID
		if len(id) > 8 {
			id = id[:8]
		}
		name += "-" + id
	}
	return filepath.Join(w.dir, ts.Format("2006"), ts.Format("01"), name+".json")
}

// writeFileAtomic writes through a temporary file so readers never observe a
// partial snapshot.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".snapshot-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Load reads a snapshot written by Writer.
func Load(path string) (*Payload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &SnapshotError{Path: path, Err: err}
	}

	var payload Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, &SnapshotError{Path: path, Err: fmt.Errorf("failed to parse snapshot: %w", err)}
	}
	return &payload, nil
}
