// Package state holds the process-wide GlobalState: timestamps, counters and
// the bounded user-visible log.
//
// A single Store is constructed at startup and handed to every component.
// All writes go through Record/Update, which apply a set of mutations and
// an optional log entry under one lock, so Snapshot never observes a
// half-applied operation.
package state

import (
	"sync"
	"time"
)

type LogStatus string

const (
	StatusSuccess LogStatus = "success"
	StatusError   LogStatus = "error"
	StatusInfo    LogStatus = "info"
)

// LogEntry is immutable once appended.
type LogEntry struct {
	Time    time.Time `json:"timestamp"`
	Status  LogStatus `json:"status"`
	Message string    `json:"message"`
}

// Submission summarizes the last tryCodes run.
type Submission struct {
	TotalUsers     int       `json:"total_users"`
	ProcessedUsers int       `json:"processed_users"`
	Timestamp      time.Time `json:"timestamp"`
}

type GlobalState struct {
	Connected bool `json:"connected"`

	LastUsersFetch               time.Time `json:"last_users_fetch,omitzero"`
	LastAllSessionRefresh        time.Time `json:"last_all_session_refresh,omitzero"`
	LastIndividualSessionRefresh time.Time `json:"last_individual_session_refresh,omitzero"`
	LastCodeAttempt              time.Time `json:"last_code_attempt,omitzero"`
	NextCycleRunTime             time.Time `json:"next_cycle_run_time,omitzero"`
	LastAttendanceFetchRun       time.Time `json:"last_attendance_fetch_run,omitzero"`

	AvailableUntriedCodesCount int `json:"available_untried_codes_count"`
	TriedCodesCount            int `json:"tried_codes_count"`

	LastCodeSubmission *Submission `json:"last_code_submission,omitempty"`

	// Logs are most-recent-first.
	Logs []LogEntry `json:"logs"`
}

// Mutation changes one or more GlobalState fields.
type Mutation func(*GlobalState)

func Connected(v bool) Mutation { return func(g *GlobalState) { g.Connected = v } }

func UsersFetched(at time.Time) Mutation {
	return func(g *GlobalState) { g.LastUsersFetch = at }
}

func SessionRefreshed(at time.Time) Mutation {
	return func(g *GlobalState) { g.LastIndividualSessionRefresh = at }
}

func AllSessionsRefreshed(at time.Time) Mutation {
	return func(g *GlobalState) { g.LastAllSessionRefresh = at }
}

func CodeAttempted(at time.Time) Mutation {
	return func(g *GlobalState) { g.LastCodeAttempt = at }
}

func CodeCounts(untried, tried int) Mutation {
	return func(g *GlobalState) {
		g.AvailableUntriedCodesCount = untried
		g.TriedCodesCount = tried
	}
}

func NextCycleAt(at time.Time) Mutation {
	return func(g *GlobalState) { g.NextCycleRunTime = at }
}

func AttendanceFetched(at time.Time) Mutation {
	return func(g *GlobalState) { g.LastAttendanceFetchRun = at }
}

func CodeSubmission(s Submission) Mutation {
	return func(g *GlobalState) { g.LastCodeSubmission = &s }
}

type Option func(*Store)

// WithClock overrides the time source used for log timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSink registers a callback invoked for every appended entry.
// It runs after the lock is released, in append order per writer.
func WithSink(fn func(LogEntry)) Option {
	return func(s *Store) { s.sink = fn }
}

const defaultCapacity = 500

type Store struct {
	mu       sync.RWMutex
	st       GlobalState // Logs unused here; entries live in logs
	logs     []LogEntry  // oldest first
	capacity int

	now  func() time.Time
	sink func(LogEntry)
}

func New(capacity int, opts ...Option) *Store {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	s := &Store{capacity: capacity, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Update applies mutations atomically without logging.
func (s *Store) Update(muts ...Mutation) {
	s.Record("", "", muts...)
}

// Record applies mutations and appends a log entry in one critical section.
// An empty message skips the log entry.
func (s *Store) Record(status LogStatus, message string, muts ...Mutation) {
	var (
		entry  LogEntry
		logged bool
	)
	s.mu.Lock()
	for _, m := range muts {
		if m != nil {
			m(&s.st)
		}
	}
	if message != "" {
		entry = LogEntry{Time: s.now(), Status: status, Message: message}
		s.appendLocked(entry)
		logged = true
	}
	s.mu.Unlock()

	if logged && s.sink != nil {
		s.sink(entry)
	}
}

func (s *Store) Info(msg string)    { s.Record(StatusInfo, msg) }
func (s *Store) Success(msg string) { s.Record(StatusSuccess, msg) }
func (s *Store) Error(msg string)   { s.Record(StatusError, msg) }

func (s *Store) appendLocked(e LogEntry) {
	s.logs = append(s.logs, e)
	if len(s.logs) > s.capacity {
		// Drop oldest; copy so the backing array does not grow forever.
		trimmed := make([]LogEntry, s.capacity, s.capacity+s.capacity/4+1)
		copy(trimmed, s.logs[len(s.logs)-s.capacity:])
		s.logs = trimmed
	}
}

// Restore seeds the log buffer with previously persisted entries (oldest first).
// The sink is not invoked.
func (s *Store) Restore(entries []LogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	merged := make([]LogEntry, 0, len(entries)+len(s.logs))
	merged = append(merged, entries...)
	merged = append(merged, s.logs...)
	if len(merged) > s.capacity {
		merged = merged[len(merged)-s.capacity:]
	}
	s.logs = merged
}

// Snapshot returns a consistent copy of the state with logs most-recent-first.
func (s *Store) Snapshot() GlobalState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.st
	if s.st.LastCodeSubmission != nil {
		sub := *s.st.LastCodeSubmission
		out.LastCodeSubmission = &sub
	}
	out.Logs = make([]LogEntry, len(s.logs))
	for i, e := range s.logs {
		out.Logs[len(s.logs)-1-i] = e
	}
	return out
}

// Connected reports the last known upstream connectivity.
func (s *Store) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.Connected
}

// Since reports how long ago the field picked by get was set; ok is false if never.
func (s *Store) Since(get func(GlobalState) time.Time) (time.Duration, bool) {
	s.mu.RLock()
	t := get(s.st)
	s.mu.RUnlock()
	if t.IsZero() {
		return 0, false
	}
	return s.now().Sub(t), true
}
