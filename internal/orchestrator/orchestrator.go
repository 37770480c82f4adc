// Package orchestrator wires the check-in engine together and exposes its
// operations: full-cycle processing, on-demand refreshes, attendance fetches
// and the periodic housekeeping jobs.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"autocheckin/internal/attempt"
	"autocheckin/internal/attendance"
	"autocheckin/internal/client/checkout"
	"autocheckin/internal/codes"
	"autocheckin/internal/eventbus"
	"autocheckin/internal/session"
	"autocheckin/internal/state"
	"autocheckin/internal/task/scheduler"
	"autocheckin/internal/users"
	logx "autocheckin/pkg/logx"
)

// ErrInvalidArgument is a caller error (missing e-mail, bad week, ...).
var ErrInvalidArgument = errors.New("invalid argument")

// Upstream is the CheckOut API as used here. It is nil in local mode.
type Upstream interface {
	Test(ctx context.Context) error
	Users(ctx context.Context) ([]checkout.User, error)
}

type Config struct {
	Local             bool
	DefaultSuffix     string
	UsersRefreshEvery time.Duration
	AttendanceMaxAge  time.Duration
	Loop              scheduler.LoopConfig
}

type Deps struct {
	Directory  *users.Directory
	LocalStore *users.LocalStore
	Upstream   Upstream
	Sessions   *session.Manager
	Codes      *codes.Provider
	Attendance *attendance.Fetcher
	Engine     *attempt.Engine
	State      *state.Store
	Bus        eventbus.Bus
	Log        logx.Logger
	Now        func() time.Time
}

type Orchestrator struct {
	cfg  Config
	dir  *users.Directory
	loc  *users.LocalStore
	up   Upstream
	sess *session.Manager
	cds  *codes.Provider
	att  *attendance.Fetcher
	eng  *attempt.Engine
	st   *state.Store
	bus  eventbus.Bus
	log  logx.Logger
	now  func() time.Time

	loop *scheduler.Loop
}

func New(cfg Config, d Deps, policy scheduler.Policy, loopOpts ...scheduler.LoopOption) *Orchestrator {
	o := &Orchestrator{
		cfg:  cfg,
		dir:  d.Directory,
		loc:  d.LocalStore,
		up:   d.Upstream,
		sess: d.Sessions,
		cds:  d.Codes,
		att:  d.Attendance,
		eng:  d.Engine,
		st:   d.State,
		bus:  d.Bus,
		log:  d.Log,
		now:  d.Now,
	}
	if o.bus == nil {
		o.bus = eventbus.Nop()
	}
	if o.log.IsZero() {
		o.log = logx.Nop()
	}
	if o.now == nil {
		o.now = time.Now
	}
	opts := append([]scheduler.LoopOption{
		scheduler.WithBus(o.bus),
		scheduler.WithLogger(o.log),
		scheduler.WithClock(o.now),
	}, loopOpts...)
	o.loop = scheduler.NewLoop(cfg.Loop, policy, o.dir, o.ProcessUser, o.st, opts...)
	o.log = o.log.With(logx.String("comp", "orchestrator"))
	return o
}

// Loop is the background scheduler driving ProcessUser.
func (o *Orchestrator) Loop() *scheduler.Loop { return o.loop }

// ProcessUser runs one user's full cycle: refresh, read the open events,
// submit ranked codes. A nil error means the user counts as processed.
func (o *Orchestrator) ProcessUser(ctx context.Context, u users.User) error {
	s, err := o.sess.Refresh(ctx, u)
	if err != nil {
		return err
	}
	cs, err := o.cds.Ranked(ctx, u)
	if err != nil {
		o.st.Error(fmt.Sprintf("Code fetch failed for %s: %v", u.Email, err))
		return err
	}

	runID := scheduler.RunID(ctx)
	res, err := o.eng.Resolve(ctx, runID, s, s.Events, cs)

	tried := res.Tried
	if o.cds.Local() && (err == nil || res.Submissions > 0) {
		// Every code that was pending at the start of the run is spent.
		tried = codes.Values(cs)
	}
	if merr := o.cds.MarkTried(tried); merr != nil {
		o.log.Warn("mark tried failed", logx.Email(u.Email), logx.Err(merr))
	}

	if errors.Is(err, attempt.ErrSessionExpired) || errors.Is(err, session.ErrAuth) {
		o.sess.Invalidate(u.Email)
	}
	if err != nil {
		return err
	}
	o.log.Info("user processed",
		logx.Email(u.Email),
		logx.Int("events", len(s.Events)),
		logx.Int("succeeded", res.Succeeded),
		logx.Int("failed", res.Failed),
		logx.Int("submissions", res.Submissions))
	return nil
}

// TryCodes runs the full cycle for every known user right away, without
// spacing, and records the totals as the last code submission.
func (o *Orchestrator) TryCodes(ctx context.Context) state.Submission {
	us := o.dir.All()
	rep := o.loop.Cycle(ctx, "try-codes", us, false)
	sub := state.Submission{
		TotalUsers:     len(us),
		ProcessedUsers: rep.Processed,
		Timestamp:      o.now(),
	}
	status := state.StatusSuccess
	if sub.ProcessedUsers < sub.TotalUsers {
		status = state.StatusError
	}
	o.st.Record(status,
		fmt.Sprintf("Code submission finished: %d/%d users processed", sub.ProcessedUsers, sub.TotalUsers),
		state.CodeSubmission(sub))
	return sub
}

// RefreshAll refreshes every user immediately, one after another.
func (o *Orchestrator) RefreshAll(ctx context.Context) (session.RefreshAllResult, Status) {
	res := o.sess.RefreshAll(ctx, o.dir.All())
	return res, AggregateStatus(res.Total, len(res.Failures))
}

// RefreshUser refreshes one user. Unknown e-mails yield users.ErrNotFound.
func (o *Orchestrator) RefreshUser(ctx context.Context, email string) (session.View, error) {
	u, err := o.lookup(email)
	if err != nil {
		return session.View{}, err
	}
	if _, err := o.sess.Refresh(ctx, u); err != nil {
		return o.sess.View(u.Email), err
	}
	return o.sess.View(u.Email), nil
}

// Sessions lists the token-free session views.
func (o *Orchestrator) Sessions() []session.View { return o.sess.Views() }

func (o *Orchestrator) lookup(email string) (users.User, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return users.User{}, fmt.Errorf("%w: email required", ErrInvalidArgument)
	}
	u, err := o.dir.Get(email)
	if err != nil {
		return users.User{}, fmt.Errorf("%s: %w", email, err)
	}
	return u, nil
}

// AttendanceResult is the outcome of a current-week fetch.
type AttendanceResult struct {
	Success bool   `json:"success"`
	Status  Status `json:"status"`
	Email   string `json:"email,omitempty"`
	attendance.BatchResult
}

func validWeek(year, week int) error {
	if year < 0 || week < 0 || week > 53 {
		return fmt.Errorf("%w: year %d week %d", ErrInvalidArgument, year, week)
	}
	return nil
}

// FetchAttendance fetches (year, week) for every user; zeros mean this week.
func (o *Orchestrator) FetchAttendance(ctx context.Context, year, week int) (AttendanceResult, error) {
	if err := validWeek(year, week); err != nil {
		return AttendanceResult{}, err
	}
	b := o.att.ForAll(ctx, o.dir.All(), year, week)
	st := AggregateStatus(b.Total, b.Failed)
	return AttendanceResult{
		Success:     st != StatusFailure,
		Status:      st,
		BatchResult: b,
	}, nil
}

// FetchAttendanceByUser fetches one user's week.
func (o *Orchestrator) FetchAttendanceByUser(ctx context.Context, email string, year, week int) (AttendanceResult, error) {
	if err := validWeek(year, week); err != nil {
		return AttendanceResult{}, err
	}
	u, err := o.lookup(email)
	if err != nil {
		return AttendanceResult{}, err
	}
	r, err := o.att.ForUser(ctx, u, year, week)
	out := AttendanceResult{
		Success: err == nil,
		Status:  StatusSuccess,
		Email:   u.Email,
		BatchResult: attendance.BatchResult{
			Year: r.ISOYear, Week: r.ISOWeek, Total: 1, Succeeded: 1, Errors: []attendance.WeekResult{},
		},
	}
	if err != nil {
		out.Status = StatusFailure
		out.Succeeded, out.Failed = 0, 1
		out.Errors = append(out.Errors, r)
	}
	return out, err
}

// PriorOutcome is attendance.PriorResult plus its aggregate status.
type PriorOutcome struct {
	Status Status `json:"status"`
	attendance.PriorResult
}

// FetchPriorAttendance walks the academic calendar for one user, or for all
// users when all is set.
func (o *Orchestrator) FetchPriorAttendance(ctx context.Context, email string, all bool) (PriorOutcome, error) {
	var us []users.User
	if all {
		us = o.dir.All()
	} else {
		u, err := o.lookup(email)
		if err != nil {
			return PriorOutcome{}, err
		}
		us = []users.User{u}
	}
	res := o.att.Prior(ctx, us)
	return PriorOutcome{Status: AggregateStatus(res.TotalWeeks, res.FailedFetches), PriorResult: res}, nil
}

// FetchUsers reloads the user directory from CheckOut, or from user.json in
// local mode. A failure here fails the whole operation.
func (o *Orchestrator) FetchUsers(ctx context.Context) (int, error) {
	var list []users.User
	if o.cfg.Local {
		rec, err := o.loc.Load()
		if err != nil {
			o.st.Error(fmt.Sprintf("Failed to read %s: %v", o.loc.Path(), err))
			return 0, err
		}
		if rec.Email != "" {
			list = append(list, rec.User())
		}
	} else {
		if o.up == nil {
			return 0, errors.New("checkout client not configured")
		}
		got, err := o.up.Users(ctx)
		if err != nil {
			o.st.Error(fmt.Sprintf("Failed to fetch users: %v", err))
			return 0, err
		}
		for _, u := range got {
			list = append(list, users.User{Email: u.Email, CheckinToken: u.CheckinToken, CodesURLSuffix: u.CodesURLSuffix})
		}
	}
	o.dir.Replace(list)
	o.st.Record(state.StatusSuccess, fmt.Sprintf("Fetched %d users", len(list)), state.UsersFetched(o.now()))
	return len(list), nil
}

// Codes returns the current candidates of every known source, ranked.
func (o *Orchestrator) Codes(ctx context.Context) ([]codes.Code, error) {
	seen := map[string]bool{}
	var sources []string
	for _, u := range o.dir.All() {
		if s := u.CodesSource(); s != "" && !seen[s] {
			seen[s] = true
			sources = append(sources, s)
		}
	}
	if len(sources) == 0 && o.cfg.DefaultSuffix != "" {
		sources = append(sources, o.cfg.DefaultSuffix)
	}
	return o.cds.RankedAll(ctx, sources)
}

// StatusView is the connection summary.
type StatusView struct {
	Connected bool `json:"connected"`
}

func (o *Orchestrator) Status() StatusView { return StatusView{Connected: o.st.Connected()} }

func (o *Orchestrator) State() state.GlobalState { return o.st.Snapshot() }
