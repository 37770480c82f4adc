// Package attempt submits ranked codes against a user's outstanding events.
package attempt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"autocheckin/internal/client/checkin"
	"autocheckin/internal/codes"
	"autocheckin/internal/eventbus"
	"autocheckin/internal/session"
	"autocheckin/internal/state"
	"autocheckin/internal/storage"
	logx "autocheckin/pkg/logx"
)

var (
	// ErrSessionExpired aborts the user's remaining attempts.
	ErrSessionExpired = errors.New("session expired during submission")
	// ErrEventsExhausted marks an event for which no code was accepted.
	ErrEventsExhausted = errors.New("no code accepted")
	// ErrNoCSRF is an auth failure: the session carries no CSRF token to submit with.
	ErrNoCSRF = fmt.Errorf("%w: session has no csrf token", session.ErrAuth)
)

type Outcome string

const (
	OutcomeAccepted       Outcome = "accepted"
	OutcomeRejected       Outcome = "rejected"
	OutcomeSessionExpired Outcome = "session_expired"
)

func outcomeOf(r checkin.Result) Outcome {
	switch r {
	case checkin.Accepted:
		return OutcomeAccepted
	case checkin.Expired:
		return OutcomeSessionExpired
	default:
		return OutcomeRejected
	}
}

// Statuses already counted as attended. Matching is case-sensitive.
var presentStatuses = map[string]bool{
	"Present":      true,
	"Present Late": true,
}

func IsPresent(status string) bool { return presentStatuses[status] }

const (
	EventResolved = "resolved"
	EventFailed   = "failed"
	EventSkipped  = "skipped"
	EventAborted  = "aborted"
)

type EventResult struct {
	EventID  string `json:"event_id"`
	Activity string `json:"activity"`
	Status   string `json:"status"`
	Code     string `json:"code,omitempty"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

// CycleResult counts outstanding events: Attempted = Succeeded + Failed,
// plus any aborted by an expired session.
type CycleResult struct {
	Attempted   int           `json:"attempted"`
	Succeeded   int           `json:"succeeded"`
	Failed      int           `json:"failed"`
	Skipped     int           `json:"skipped"`
	Submissions int           `json:"submissions"`
	Tried       []string      `json:"tried"`
	Events      []EventResult `json:"events"`
}

// Submitter is the code submission endpoint of the check-in site.
type Submitter interface {
	SubmitCode(ctx context.Context, token, csrf, eventID, code string) (checkin.Result, error)
}

type Engine struct {
	sub     Submitter
	limiter *rate.Limiter
	store   storage.Store
	bus     eventbus.Bus
	st      *state.Store
	log     logx.Logger
	now     func() time.Time
}

type Option func(*Engine)

// WithRate paces submissions across all users. perSec <= 0 disables pacing.
func WithRate(perSec float64) Option {
	return func(e *Engine) {
		if perSec > 0 {
			e.limiter = rate.NewLimiter(rate.Limit(perSec), 1)
		}
	}
}
func WithStorage(s storage.Store) Option    { return func(e *Engine) { e.store = s } }
func WithBus(b eventbus.Bus) Option         { return func(e *Engine) { e.bus = b } }
func WithLogger(l logx.Logger) Option       { return func(e *Engine) { e.log = l } }
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func New(sub Submitter, st *state.Store, opts ...Option) *Engine {
	e := &Engine{
		sub: sub,
		st:  st,
		bus: eventbus.Nop(),
		log: logx.Nop(),
		now: time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	e.log = e.log.With(logx.String("comp", "attempt"))
	return e
}

// Resolve tries cs in order against every event of s that is not present.
//
// Every event walks the full ranked list and stops at its first accepted
// code. When every code is rejected the event fails and the next event is
// processed. An expired session, a session without CSRF token or an
// unreachable site aborts the remaining events and is returned as error,
// together with what was done so far.
func (e *Engine) Resolve(ctx context.Context, runID string, s *session.Session, events []checkin.Event, cs []codes.Code) (CycleResult, error) {
	res := CycleResult{Tried: []string{}, Events: []EventResult{}}
	tried := map[string]struct{}{}
	defer func() {
		e.st.Update(state.CodeAttempted(e.now()))
	}()

	for i, ev := range events {
		if IsPresent(ev.Status) {
			res.Skipped++
			res.Events = append(res.Events, EventResult{EventID: ev.ID, Activity: ev.Activity, Status: EventSkipped})
			continue
		}
		res.Attempted++

		var (
			er  EventResult
			err error
		)
		if s.CSRFToken == "" {
			er = EventResult{EventID: ev.ID, Activity: ev.Activity, Status: EventAborted, Error: ErrNoCSRF.Error()}
			err = fmt.Errorf("%s: %w", s.Email, ErrNoCSRF)
			e.st.Error(fmt.Sprintf("No CSRF token for %s, skipping code submission", s.Email))
		} else {
			er, err = e.resolveEvent(ctx, runID, s, ev, cs, tried, &res)
		}
		res.Events = append(res.Events, er)
		switch er.Status {
		case EventResolved:
			res.Succeeded++
		case EventFailed:
			res.Failed++
		}
		if err != nil {
			for _, rest := range events[i+1:] {
				if IsPresent(rest.Status) {
					res.Skipped++
					continue
				}
				res.Attempted++
				res.Events = append(res.Events, EventResult{EventID: rest.ID, Activity: rest.Activity, Status: EventAborted})
			}
			return res, err
		}
	}
	return res, nil
}

func (e *Engine) resolveEvent(
	ctx context.Context, runID string, s *session.Session, ev checkin.Event, cs []codes.Code,
	tried map[string]struct{}, res *CycleResult,
) (EventResult, error) {
	er := EventResult{EventID: ev.ID, Activity: ev.Activity, Status: EventFailed}

	for _, c := range cs {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				er.Status = EventAborted
				er.Error = err.Error()
				return er, err
			}
		}

		r, err := e.sub.SubmitCode(ctx, s.AuthToken, s.CSRFToken, ev.ID, c.Value)
		if err != nil {
			er.Status = EventAborted
			er.Error = err.Error()
			e.st.Error(fmt.Sprintf("Code submission for %s stopped at '%s': %v", s.Email, ev.Activity, err))
			return er, fmt.Errorf("submit %s: %w", ev.ID, err)
		}
		er.Attempts++
		res.Submissions++
		if _, ok := tried[c.Value]; !ok {
			tried[c.Value] = struct{}{}
			res.Tried = append(res.Tried, c.Value)
		}
		out := outcomeOf(r)
		e.journal(ctx, runID, s.Email, ev.ID, c.Value, out)

		switch out {
		case OutcomeAccepted:
			er.Status = EventResolved
			er.Code = c.Value
			e.st.Success(fmt.Sprintf("Checked in %s for '%s' with code %s", s.Email, ev.Activity, c.Value))
			e.log.Info("check-in accepted",
				logx.Email(s.Email), logx.String("event", ev.ID), logx.Int("attempts", er.Attempts))
			e.bus.Publish(eventbus.Event{
				Type: eventbus.TypeCheckinAccepted,
				Time: e.now(),
				Data: eventbus.CheckinAccepted{
					Email: s.Email, EventID: ev.ID, Activity: ev.Activity, Code: c.Value, Attempts: er.Attempts,
				},
			})
			return er, nil
		case OutcomeSessionExpired:
			er.Status = EventAborted
			er.Error = ErrSessionExpired.Error()
			e.st.Error(fmt.Sprintf("Session expired for %s while checking in to '%s'", s.Email, ev.Activity))
			return er, fmt.Errorf("%s: %w", s.Email, ErrSessionExpired)
		}
	}

	er.Error = ErrEventsExhausted.Error()
	if len(cs) == 0 {
		e.st.Error(fmt.Sprintf("No codes available for %s '%s'", s.Email, ev.Activity))
	} else {
		e.st.Error(fmt.Sprintf("Could not check in %s for '%s' after %d code(s)", s.Email, ev.Activity, er.Attempts))
	}
	return er, nil
}

func (e *Engine) journal(ctx context.Context, runID, email, eventID, code string, out Outcome) {
	if e.store == nil {
		return
	}
	err := e.store.AppendAttempt(ctx, storage.AttemptRecord{
		At:      e.now(),
		RunID:   runID,
		Email:   email,
		EventID: eventID,
		Code:    code,
		Outcome: string(out),
	})
	if err != nil {
		e.log.Warn("journal attempt failed", logx.Err(err))
	}
}
