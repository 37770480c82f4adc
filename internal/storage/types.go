package storage

import (
	"errors"
	"fmt"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines journal files next to Path
//   - "sqlite": SQLite database file (modernc.org/sqlite, pure Go)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// LogRecord mirrors one user-visible state log entry.
type LogRecord struct {
	At      time.Time `json:"at"`
	Status  string    `json:"status"`
	Message string    `json:"message"`
}

// AttemptRecord is one code submission against one event.
type AttemptRecord struct {
	At      time.Time `json:"at"`
	RunID   string    `json:"run_id"`
	Email   string    `json:"email"`
	EventID string    `json:"event_id"`
	Code    string    `json:"code"`
	Outcome string    `json:"outcome"`
}

// Activity is one scheduled activity of an attendance week.
type Activity struct {
	Date     string `json:"date"`
	Time     string `json:"time"`
	Activity string `json:"activity"`
	Lecturer string `json:"lecturer,omitempty"`
	Space    string `json:"space,omitempty"`
	Status   string `json:"status"`
}

// AttendanceRecord is the last fetched attendance of one user for one ISO week.
type AttendanceRecord struct {
	Email      string     `json:"email"`
	ISOYear    int        `json:"iso_year"`
	ISOWeek    int        `json:"iso_week"`
	FetchedAt  time.Time  `json:"fetched_at"`
	Activities []Activity `json:"activities"`
}

func (r AttendanceRecord) key() string {
	return attendanceKey(r.Email, r.ISOYear, r.ISOWeek)
}

func attendanceKey(email string, year, week int) string {
	return fmt.Sprintf("%s|%d|%d", email, year, week)
}
