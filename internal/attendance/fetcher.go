// Package attendance reads weekly attendance from the check-in site and
// reconciles past weeks against the academic calendar.
package attendance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"autocheckin/internal/client/checkin"
	"autocheckin/internal/session"
	"autocheckin/internal/state"
	"autocheckin/internal/storage"
	"autocheckin/internal/users"
	logx "autocheckin/pkg/logx"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Source is the attendance page of the check-in site.
type Source interface {
	Attendance(ctx context.Context, email, token string, year, week int) ([]checkin.Activity, error)
}

// Refresher yields a fresh session for a user.
type Refresher interface {
	Refresh(ctx context.Context, u users.User) (*session.Session, error)
}

// WeekResult is the outcome of one (user, week) fetch.
type WeekResult struct {
	Email          string `json:"email,omitempty"`
	WeekCommencing string `json:"weekCommencing,omitempty"`
	WeekNumber     string `json:"weekNumber,omitempty"`
	ISOYear        int    `json:"isoYear"`
	ISOWeek        int    `json:"isoWeek"`
	Status         string `json:"status"`
	Error          string `json:"error,omitempty"`
	Activities     int    `json:"activities"`
}

// PriorResult aggregates a multi-week fetch. A failed week is listed in
// Errors only.
type PriorResult struct {
	Results           []WeekResult `json:"results"`
	Errors            []WeekResult `json:"errors"`
	TotalWeeks        int          `json:"totalWeeks"`
	SuccessfulFetches int          `json:"successfulFetches"`
	FailedFetches     int          `json:"failedFetches"`
}

func (r *PriorResult) add(w WeekResult) {
	r.TotalWeeks++
	if w.Status == StatusSuccess {
		r.SuccessfulFetches++
		r.Results = append(r.Results, w)
		return
	}
	r.FailedFetches++
	r.Errors = append(r.Errors, w)
}

// BatchResult aggregates a current-week fetch over many users.
type BatchResult struct {
	Year      int          `json:"year"`
	Week      int          `json:"week"`
	Total     int          `json:"total"`
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
	Errors    []WeekResult `json:"errors"`
}

type Fetcher struct {
	src   Source
	sess  Refresher
	cal   *Calendar
	store storage.Store
	st    *state.Store
	log   logx.Logger
	now   func() time.Time
	loc   *time.Location
}

type Option func(*Fetcher)

func WithStorage(s storage.Store) Option    { return func(f *Fetcher) { f.store = s } }
func WithLogger(l logx.Logger) Option       { return func(f *Fetcher) { f.log = l } }
func WithClock(now func() time.Time) Option { return func(f *Fetcher) { f.now = now } }
func WithLocation(loc *time.Location) Option {
	return func(f *Fetcher) {
		if loc != nil {
			f.loc = loc
		}
	}
}

func NewFetcher(src Source, sess Refresher, cal *Calendar, st *state.Store, opts ...Option) *Fetcher {
	f := &Fetcher{
		src:  src,
		sess: sess,
		cal:  cal,
		st:   st,
		log:  logx.Nop(),
		now:  time.Now,
		loc:  time.Local,
	}
	for _, o := range opts {
		o(f)
	}
	f.log = f.log.With(logx.String("comp", "attendance"))
	return f
}

func (f *Fetcher) Calendar() *Calendar { return f.cal }

// Resolve fills a missing year or week from the current date.
func (f *Fetcher) Resolve(year, week int) (int, int) {
	if year > 0 && week > 0 {
		return year, week
	}
	y, w := ISOWeek(f.now().In(f.loc))
	if year <= 0 {
		year = y
	}
	if week <= 0 {
		week = w
	}
	return year, week
}

// CurrentEvents returns the activities of (year, week) for an open session.
// Zero values mean the current ISO week.
func (f *Fetcher) CurrentEvents(ctx context.Context, s *session.Session, year, week int) ([]checkin.Activity, error) {
	year, week = f.Resolve(year, week)
	acts, err := f.src.Attendance(ctx, s.Email, s.AuthToken, year, week)
	if err != nil {
		return nil, err
	}
	f.persist(ctx, s.Email, year, week, acts)
	return acts, nil
}

func (f *Fetcher) persist(ctx context.Context, email string, year, week int, acts []checkin.Activity) {
	if f.store == nil {
		return
	}
	rec := storage.AttendanceRecord{
		Email:      email,
		ISOYear:    year,
		ISOWeek:    week,
		FetchedAt:  f.now(),
		Activities: make([]storage.Activity, 0, len(acts)),
	}
	for _, a := range acts {
		rec.Activities = append(rec.Activities, storage.Activity{
			Date:     a.Date,
			Time:     a.Start + "-" + a.Finish,
			Activity: a.Reference,
			Lecturer: a.Lecturer,
			Space:    a.Location,
			Status:   a.State,
		})
	}
	if err := f.store.PutAttendance(ctx, rec); err != nil {
		f.log.Warn("persist attendance failed", logx.Email(email), logx.Err(err))
	}
}

// ForUser refreshes u's session and fetches one week.
func (f *Fetcher) ForUser(ctx context.Context, u users.User, year, week int) (WeekResult, error) {
	year, week = f.Resolve(year, week)
	res := WeekResult{Email: u.Email, ISOYear: year, ISOWeek: week, Status: StatusError}

	s, err := f.sess.Refresh(ctx, u)
	if err != nil {
		res.Error = err.Error()
		return res, err
	}
	acts, err := f.fetchWeek(ctx, s, year, week)
	if err != nil {
		res.Error = err.Error()
		f.st.Error(fmt.Sprintf("Attendance fetch failed for %s (%d/%d): %v", u.Email, year, week, err))
		return res, err
	}
	res.Status = StatusSuccess
	res.Activities = len(acts)
	f.st.Success(fmt.Sprintf("Fetched attendance for %s (%d/%d): %d activities", u.Email, year, week, len(acts)))
	return res, nil
}

// fetchWeek isolates one week: a panic becomes that week's error.
func (f *Fetcher) fetchWeek(ctx context.Context, s *session.Session, year, week int) (acts []checkin.Activity, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("attendance %d/%d: panic: %v", year, week, r)
		}
	}()
	return f.CurrentEvents(ctx, s, year, week)
}

// ForAll fetches one week for every user and stamps last_attendance_fetch_run.
func (f *Fetcher) ForAll(ctx context.Context, us []users.User, year, week int) BatchResult {
	year, week = f.Resolve(year, week)
	out := BatchResult{Year: year, Week: week, Errors: []WeekResult{}}
	for _, u := range us {
		out.Total++
		if ctx.Err() != nil {
			out.Failed++
			out.Errors = append(out.Errors, WeekResult{Email: u.Email, ISOYear: year, ISOWeek: week, Status: StatusError, Error: ctx.Err().Error()})
			continue
		}
		r, err := f.ForUser(ctx, u, year, week)
		if err != nil {
			out.Failed++
			out.Errors = append(out.Errors, r)
			continue
		}
		out.Succeeded++
	}
	f.st.Record(state.StatusInfo,
		fmt.Sprintf("Attendance fetch %d/%d: %d/%d users", year, week, out.Succeeded, out.Total),
		state.AttendanceFetched(f.now()),
	)
	f.log.Info("attendance batch done",
		logx.Int("year", year), logx.Int("week", week),
		logx.Int("ok", out.Succeeded), logx.Int("failed", out.Failed))
	return out
}

// Prior fetches the calendar weeks that have started by now, for each user.
// Weeks commencing after today are left out, so TotalWeeks is users times
// the number of started weeks and grows as the term goes on. One session
// refresh serves all weeks of a user; if it fails every week of that user
// is an error.
func (f *Fetcher) Prior(ctx context.Context, us []users.User) PriorResult {
	weeks := f.cal.Until(f.now().In(f.loc))
	out := PriorResult{Results: []WeekResult{}, Errors: []WeekResult{}}

	for _, u := range us {
		s, serr := f.sess.Refresh(ctx, u)
		for _, w := range weeks {
			y, n := ISOWeek(w.Commencing)
			r := WeekResult{
				Email:          u.Email,
				WeekCommencing: w.Commencing.Format(time.DateOnly),
				WeekNumber:     w.Label,
				ISOYear:        y,
				ISOWeek:        n,
				Status:         StatusError,
			}
			var err error
			switch {
			case serr != nil:
				err = serr
			case ctx.Err() != nil:
				err = ctx.Err()
			default:
				var acts []checkin.Activity
				acts, err = f.fetchWeek(ctx, s, y, n)
				r.Activities = len(acts)
			}
			if err != nil {
				r.Error = err.Error()
			} else {
				r.Status = StatusSuccess
			}
			out.add(r)
		}
	}

	status := state.StatusSuccess
	if out.FailedFetches > 0 {
		status = state.StatusError
	}
	f.st.Record(status, fmt.Sprintf("Prior attendance: %d/%d weeks fetched", out.SuccessfulFetches, out.TotalWeeks))
	if out.FailedFetches > 0 {
		f.log.Warn("prior attendance incomplete",
			logx.Int("total", out.TotalWeeks), logx.Int("failed", out.FailedFetches),
			logx.Err(errors.New(out.Errors[0].Error)))
	}
	return out
}
