package attendance

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/m-mizutani/gt"

	"autocheckin/internal/client/checkin"
	"autocheckin/internal/session"
	"autocheckin/internal/state"
	"autocheckin/internal/storage"
	"autocheckin/internal/users"
	logx "autocheckin/pkg/logx"
)

func TestISOWeek(t *testing.T) {
	t.Parallel()
	cases := []struct {
		date       string
		year, week int
	}{
		{"2024-09-16", 2024, 38},
		{"2024-09-23", 2024, 39},
		{"2024-12-30", 2025, 1},
		{"2021-01-03", 2020, 53},
		{"2025-01-06", 2025, 2},
	}
	for _, tc := range cases {
		d, err := time.Parse(time.DateOnly, tc.date)
		gt.NoError(t, err).Required()
		y, w := ISOWeek(d)
		gt.Value(t, [2]int{y, w}).Equal([2]int{tc.year, tc.week})
	}
}

func TestISOWeekIgnoresZone(t *testing.T) {
	t.Parallel()
	// Late Sunday in a zone east of UTC is still Sunday.
	tz := time.FixedZone("UTC+13", 13*3600)
	d := time.Date(2024, 9, 22, 23, 30, 0, 0, tz)
	y, w := ISOWeek(d)
	gt.Value(t, [2]int{y, w}).Equal([2]int{2024, 38})
}

func TestDefaultCalendar(t *testing.T) {
	t.Parallel()
	c, err := LoadCalendar("")
	gt.NoError(t, err).Required()
	weeks := c.Weeks()
	gt.Number(t, len(weeks)).GreaterOrEqual(30)
	gt.Value(t, weeks[0].Label).Equal("F")
	gt.Value(t, weeks[0].Commencing.Format(time.DateOnly)).Equal("2024-09-16")
	for i := 1; i < len(weeks); i++ {
		if !weeks[i-1].Commencing.Before(weeks[i].Commencing) {
			t.Fatalf("calendar not ascending at %d", i)
		}
		if weeks[i].Commencing.Weekday() != time.Monday {
			t.Fatalf("week %s does not start on Monday", weeks[i].Label)
		}
	}

	until := c.Until(time.Date(2024, 9, 23, 8, 0, 0, 0, time.UTC))
	gt.Array(t, until).Length(2)
}

func TestParseCalendarErrors(t *testing.T) {
	t.Parallel()
	_, err := ParseCalendar([]byte("weeks:\n  - commencing: \"16/09/2024\"\n    label: F\n  - commencing: \"2024-09-23\"\n"))
	gt.Error(t, err)
}

type fakeSessions struct {
	fail map[string]error
}

func (f fakeSessions) Refresh(_ context.Context, u users.User) (*session.Session, error) {
	if err := f.fail[u.Email]; err != nil {
		return nil, err
	}
	return &session.Session{Email: u.Email, AuthToken: "tok", CSRFToken: "csrf"}, nil
}

type fakeSource struct {
	failWeek map[[2]int]bool
	panicAt  map[[2]int]bool
}

func (f fakeSource) Attendance(_ context.Context, email, token string, year, week int) ([]checkin.Activity, error) {
	k := [2]int{year, week}
	if f.panicAt[k] {
		panic("parser blew up")
	}
	if f.failWeek[k] {
		return nil, fmt.Errorf("attendance %d/%d: timeout", year, week)
	}
	return []checkin.Activity{{Reference: "COM00001", State: "present", Start: "09:00", Finish: "10:00", Date: "2024-09-16"}}, nil
}

func weeklyCalendar(n int) *Calendar {
	start := time.Date(2024, 9, 16, 0, 0, 0, 0, time.UTC)
	weeks := make([]Week, n)
	for i := range weeks {
		label := fmt.Sprint(i)
		if i == 0 {
			label = "F"
		}
		weeks[i] = Week{Commencing: start.AddDate(0, 0, 7*i), Label: label}
	}
	return NewCalendar(weeks)
}

func fixedNow() time.Time { return time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC) }

func TestPriorOneFailingWeek(t *testing.T) {
	t.Parallel()
	cal := weeklyCalendar(38)
	failing := [2]int{2024, 45}
	f := NewFetcher(fakeSource{failWeek: map[[2]int]bool{failing: true}}, fakeSessions{}, cal, state.New(50),
		WithClock(fixedNow))

	res := f.Prior(context.Background(), []users.User{{Email: "a@x", CheckinToken: "t"}})
	gt.Value(t, res.TotalWeeks).Equal(38)
	gt.Value(t, res.SuccessfulFetches).Equal(37)
	gt.Value(t, res.FailedFetches).Equal(1)
	gt.Array(t, res.Results).Length(37)
	gt.Array(t, res.Errors).Length(1)
	gt.Value(t, res.Errors[0].ISOWeek).Equal(45)
	gt.Value(t, res.Errors[0].Status).Equal(StatusError)
	for _, r := range res.Results {
		if r.ISOYear == failing[0] && r.ISOWeek == failing[1] {
			t.Fatalf("failing week listed in results")
		}
	}
	gt.Value(t, res.Results[0].WeekNumber).Equal("F")
	gt.Value(t, res.Results[0].ISOWeek).Equal(38)
	gt.Value(t, res.Results[1].ISOWeek).Equal(39)
}

func TestPriorPanicIsolatedToWeek(t *testing.T) {
	t.Parallel()
	f := NewFetcher(fakeSource{panicAt: map[[2]int]bool{{2024, 39}: true}}, fakeSessions{}, weeklyCalendar(3), state.New(10),
		WithClock(fixedNow))
	res := f.Prior(context.Background(), []users.User{{Email: "a@x"}})
	gt.Value(t, res.SuccessfulFetches).Equal(2)
	gt.Value(t, res.FailedFetches).Equal(1)
	gt.String(t, res.Errors[0].Error).Contains("panic")
}

func TestPriorSessionFailureFailsUsersWeeks(t *testing.T) {
	t.Parallel()
	sess := fakeSessions{fail: map[string]error{"b@x": session.ErrAuth}}
	f := NewFetcher(fakeSource{}, sess, weeklyCalendar(4), state.New(10), WithClock(fixedNow))
	res := f.Prior(context.Background(), []users.User{{Email: "a@x"}, {Email: "b@x"}})
	gt.Value(t, res.TotalWeeks).Equal(8)
	gt.Value(t, res.SuccessfulFetches).Equal(4)
	gt.Value(t, res.FailedFetches).Equal(4)
}

func TestPriorSkipsFutureWeeks(t *testing.T) {
	t.Parallel()
	now := func() time.Time { return time.Date(2024, 9, 30, 9, 0, 0, 0, time.UTC) }
	f := NewFetcher(fakeSource{}, fakeSessions{}, weeklyCalendar(10), state.New(10), WithClock(now))
	res := f.Prior(context.Background(), []users.User{{Email: "a@x"}})
	gt.Value(t, res.TotalWeeks).Equal(3)
}

func TestForAllDefaultsToCurrentWeekAndPersists(t *testing.T) {
	t.Parallel()
	st := state.New(10)
	store, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "journal")}, logx.Nop())
	gt.NoError(t, err).Required()
	t.Cleanup(func() { _ = store.Close() })

	now := func() time.Time { return time.Date(2025, 2, 19, 10, 0, 0, 0, time.UTC) }
	sess := fakeSessions{fail: map[string]error{"b@x": errors.New("offline")}}
	f := NewFetcher(fakeSource{}, sess, weeklyCalendar(1), st, WithClock(now), WithStorage(store), WithLocation(time.UTC))

	res := f.ForAll(context.Background(), []users.User{{Email: "a@x"}, {Email: "b@x"}}, 0, 0)
	gt.Value(t, res.Year).Equal(2025)
	gt.Value(t, res.Week).Equal(8)
	gt.Value(t, res.Total).Equal(2)
	gt.Value(t, res.Succeeded).Equal(1)
	gt.Value(t, res.Failed).Equal(1)
	gt.Value(t, res.Errors[0].Email).Equal("b@x")
	gt.Value(t, st.Snapshot().LastAttendanceFetchRun.Equal(now())).Equal(true)

	rec, ok, err := store.GetAttendance(context.Background(), "a@x", 2025, 8)
	gt.NoError(t, err).Required()
	gt.Bool(t, ok).True()
	gt.Array(t, rec.Activities).Length(1)
	gt.Value(t, rec.Activities[0].Time).Equal("09:00-10:00")
}

func TestForUserExplicitWeek(t *testing.T) {
	t.Parallel()
	f := NewFetcher(fakeSource{}, fakeSessions{}, weeklyCalendar(1), state.New(10), WithClock(fixedNow))
	r, err := f.ForUser(context.Background(), users.User{Email: "a@x"}, 2024, 40)
	gt.NoError(t, err).Required()
	gt.Value(t, r.ISOYear).Equal(2024)
	gt.Value(t, r.ISOWeek).Equal(40)
	gt.Value(t, r.Activities).Equal(1)
}
