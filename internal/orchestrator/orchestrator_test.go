package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/m-mizutani/gt"

	"autocheckin/internal/attempt"
	"autocheckin/internal/attendance"
	"autocheckin/internal/client/checkin"
	"autocheckin/internal/client/checkout"
	"autocheckin/internal/codes"
	"autocheckin/internal/session"
	"autocheckin/internal/state"
	"autocheckin/internal/task/scheduler"
	"autocheckin/internal/users"
)

type fakeSite struct {
	mu        sync.Mutex
	badLogin  map[string]bool
	expire    bool
	noCSRF    bool
	accept    string
	attFail   map[string]bool
	submitted []string
}

func (f *fakeSite) Login(_ context.Context, email, token string) (checkin.Page, error) {
	if f.badLogin[email] {
		return checkin.Page{}, checkin.ErrLoginPage
	}
	csrf := "csrf"
	if f.noCSRF {
		csrf = ""
	}
	return checkin.Page{
		Token:  token + "+",
		CSRF:   csrf,
		Email:  email,
		Events: []checkin.Event{{ID: "ev-1", Activity: "Lecture"}, {ID: "ev-2", Status: "Present"}},
	}, nil
}

func (f *fakeSite) SubmitCode(_ context.Context, _, _, eventID, code string) (checkin.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, eventID+":"+code)
	if f.expire {
		return checkin.Expired, nil
	}
	if code == f.accept {
		return checkin.Accepted, nil
	}
	return checkin.Rejected, nil
}

func (f *fakeSite) Attendance(_ context.Context, email, _ string, _, _ int) ([]checkin.Activity, error) {
	if f.attFail[email] {
		return nil, errors.New("timetable unavailable")
	}
	return []checkin.Activity{{Reference: "COMP101", State: "Present"}}, nil
}

type fakeFeed struct {
	mu      sync.Mutex
	sources []string
}

func (f *fakeFeed) Fetch(_ context.Context, source string) ([]codes.Code, error) {
	f.mu.Lock()
	f.sources = append(f.sources, source)
	f.mu.Unlock()
	if source == "broken" {
		return nil, errors.New("feed down")
	}
	return []codes.Code{{Value: "111", Reputation: 1}, {Value: "222", Reputation: 5}}, nil
}

type fakeUpstream struct {
	err  error
	list []checkout.User
}

func (f *fakeUpstream) Test(context.Context) error { return f.err }
func (f *fakeUpstream) Users(context.Context) ([]checkout.User, error) {
	return f.list, f.err
}

type harness struct {
	o    *Orchestrator
	site *fakeSite
	feed *fakeFeed
	up   *fakeUpstream
	dir  *users.Directory
	st   *state.Store
	sess *session.Manager
}

func newHarness(t *testing.T, n int) *harness {
	t.Helper()
	h := &harness{
		site: &fakeSite{badLogin: map[string]bool{}, attFail: map[string]bool{}, accept: "111"},
		feed: &fakeFeed{},
		up:   &fakeUpstream{},
		dir:  users.NewDirectory("default"),
		st:   state.New(200),
	}
	var list []users.User
	for i := 0; i < n; i++ {
		list = append(list, users.User{Email: fmt.Sprintf("u%02d@uni.ac.uk", i), CheckinToken: "tok"})
	}
	h.dir.Replace(list)

	h.sess = session.NewManager(h.site, h.dir, h.st)
	cal, err := attendance.LoadCalendar("")
	gt.NoError(t, err).Required()
	h.o = New(Config{
		DefaultSuffix:     "default",
		UsersRefreshEvery: time.Hour,
		AttendanceMaxAge:  24 * time.Hour,
	}, Deps{
		Directory:  h.dir,
		Upstream:   h.up,
		Sessions:   h.sess,
		Codes:      codes.NewProvider(h.feed, time.Minute, h.st),
		Attendance: attendance.NewFetcher(h.site, h.sess, cal, h.st),
		Engine:     attempt.New(h.site, h.st),
		State:      h.st,
	}, scheduler.FixedPolicy{}, scheduler.WithRand(rand.New(rand.NewSource(3))))
	return h
}

func TestAggregateStatus(t *testing.T) {
	t.Parallel()
	gt.Value(t, AggregateStatus(0, 0)).Equal(StatusSuccess)
	gt.Value(t, AggregateStatus(5, 0)).Equal(StatusSuccess)
	gt.Value(t, AggregateStatus(5, 2)).Equal(StatusPartial)
	gt.Value(t, AggregateStatus(5, 5)).Equal(StatusFailure)
}

func TestTryCodesCountsProcessedUsers(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 10)
	h.site.badLogin["u03@uni.ac.uk"] = true
	h.site.badLogin["u07@uni.ac.uk"] = true

	sub := h.o.TryCodes(context.Background())
	gt.Value(t, sub.TotalUsers).Equal(10)
	gt.Value(t, sub.ProcessedUsers).Equal(8)

	snap := h.st.Snapshot()
	gt.Value(t, snap.LastCodeSubmission).NotNil()
	gt.Value(t, snap.LastCodeSubmission.ProcessedUsers).Equal(8)
	gt.Bool(t, snap.LastCodeAttempt.IsZero()).False()

	// "222" outranks "111", so each processed user submits 222 then 111 for
	// the one open event and never touches the present one.
	gt.Array(t, h.site.submitted).Length(16)
	for _, s := range h.site.submitted {
		gt.Bool(t, strings.HasPrefix(s, "ev-1:")).True()
	}
	gt.Value(t, h.site.submitted[0]).Equal("ev-1:222")
}

func TestProcessUserExpiredInvalidatesSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1)
	h.site.expire = true
	u := h.dir.All()[0]

	err := h.o.ProcessUser(context.Background(), u)
	gt.Error(t, err).Is(attempt.ErrSessionExpired)
	_, ok := h.sess.Current(u.Email)
	gt.Bool(t, ok).False()
}

func TestProcessUserWithoutCSRFSpendsNoCodes(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1)
	h.site.noCSRF = true
	u := h.dir.All()[0]

	err := h.o.ProcessUser(context.Background(), u)
	gt.Error(t, err).Is(session.ErrAuth)
	gt.Array(t, h.site.submitted).Length(0)
	_, ok := h.sess.Current(u.Email)
	gt.Bool(t, ok).False()
}

func TestProcessUserCodeFeedErrorNotProcessed(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 0)
	h.dir.Replace([]users.User{{Email: "a@uni.ac.uk", CheckinToken: "t", CodesURLSuffix: "broken"}})
	err := h.o.ProcessUser(context.Background(), h.dir.All()[0])
	gt.Error(t, err)
	gt.Array(t, h.site.submitted).Length(0)
}

func TestRefreshUser(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 2)

	v, err := h.o.RefreshUser(context.Background(), "U01@uni.ac.uk")
	gt.NoError(t, err).Required()
	gt.Value(t, v.Email).Equal("u01@uni.ac.uk")
	gt.Bool(t, v.HasCSRF).True()

	u, err := h.dir.Get("u01@uni.ac.uk")
	gt.NoError(t, err).Required()
	gt.Value(t, u.CheckinToken).Equal("tok+")

	_, err = h.o.RefreshUser(context.Background(), "ghost@uni.ac.uk")
	gt.Error(t, err).Is(users.ErrNotFound)

	_, err = h.o.RefreshUser(context.Background(), " ")
	gt.Error(t, err).Is(ErrInvalidArgument)
}

func TestRefreshAllPartial(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 3)
	h.site.badLogin["u00@uni.ac.uk"] = true
	res, st := h.o.RefreshAll(context.Background())
	gt.Value(t, res.Total).Equal(3)
	gt.Array(t, res.Failures).Length(1)
	gt.Value(t, st).Equal(StatusPartial)
}

func TestFetchUsersReplacesDirectory(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1)
	h.up.list = []checkout.User{
		{Email: "x@uni.ac.uk", CheckinToken: "a"},
		{Email: "y@uni.ac.uk", CheckinToken: "b", CodesURLSuffix: "maths"},
	}
	n, err := h.o.FetchUsers(context.Background())
	gt.NoError(t, err).Required()
	gt.Value(t, n).Equal(2)
	gt.Value(t, h.dir.Len()).Equal(2)
	x, _ := h.dir.Get("x@uni.ac.uk")
	gt.Value(t, x.CodesURLSuffix).Equal("default")
	gt.Bool(t, h.st.Snapshot().LastUsersFetch.IsZero()).False()

	h.up.err = errors.New("502")
	_, err = h.o.FetchUsers(context.Background())
	gt.Error(t, err)
	gt.Value(t, h.dir.Len()).Equal(2)
}

func TestCheckConnectionFetchesWhenStale(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 0)
	h.up.list = []checkout.User{{Email: "x@uni.ac.uk", CheckinToken: "a"}}

	gt.NoError(t, h.o.CheckConnection(context.Background())).Required()
	gt.Bool(t, h.o.Status().Connected).True()
	gt.Value(t, h.dir.Len()).Equal(1)

	// Fresh directory: no second fetch even if the upstream list changes.
	h.up.list = nil
	gt.NoError(t, h.o.CheckConnection(context.Background())).Required()
	gt.Value(t, h.dir.Len()).Equal(1)

	h.up.err = errors.New("dial tcp: refused")
	gt.Error(t, h.o.CheckConnection(context.Background()))
	gt.Bool(t, h.o.Status().Connected).False()
}

func TestCodesDedupesSources(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 0)
	h.dir.Replace([]users.User{
		{Email: "a@x", CheckinToken: "t", CodesURLSuffix: "maths"},
		{Email: "b@x", CheckinToken: "t", CodesURLSuffix: "maths"},
		{Email: "c@x", CheckinToken: "t"},
	})
	cs, err := h.o.Codes(context.Background())
	gt.NoError(t, err).Required()
	gt.Array(t, cs).Length(2)
	gt.Value(t, cs[0].Value).Equal("222")

	got := append([]string(nil), h.feed.sources...)
	sort.Strings(got)
	gt.Value(t, got).Equal([]string{"default", "maths"})
}

func TestCodesFallsBackToDefaultSource(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 0)
	_, err := h.o.Codes(context.Background())
	gt.NoError(t, err).Required()
	gt.Value(t, h.feed.sources).Equal([]string{"default"})
}

func TestFetchAttendance(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 3)
	h.site.attFail["u02@uni.ac.uk"] = true

	res, err := h.o.FetchAttendance(context.Background(), 2025, 7)
	gt.NoError(t, err).Required()
	gt.Value(t, res.Year).Equal(2025)
	gt.Value(t, res.Week).Equal(7)
	gt.Value(t, res.Succeeded).Equal(2)
	gt.Value(t, res.Status).Equal(StatusPartial)
	gt.Bool(t, res.Success).True()

	one, err := h.o.FetchAttendanceByUser(context.Background(), "u00@uni.ac.uk", 2025, 7)
	gt.NoError(t, err).Required()
	gt.Value(t, one.Email).Equal("u00@uni.ac.uk")
	gt.Value(t, one.Week).Equal(7)

	_, err = h.o.FetchAttendanceByUser(context.Background(), "nobody@uni.ac.uk", 0, 0)
	gt.Error(t, err).Is(users.ErrNotFound)

	_, err = h.o.FetchAttendance(context.Background(), 2025, 60)
	gt.Error(t, err).Is(ErrInvalidArgument)
}

func TestAttendanceIfDue(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1)
	ran, err := h.o.AttendanceIfDue(context.Background(), false)
	gt.NoError(t, err).Required()
	gt.Bool(t, ran).True()

	ran, err = h.o.AttendanceIfDue(context.Background(), false)
	gt.NoError(t, err).Required()
	gt.Bool(t, ran).False()

	ran, _ = h.o.AttendanceIfDue(context.Background(), true)
	gt.Bool(t, ran).True()
}

func TestFetchPriorAttendanceRequiresEmail(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1)
	_, err := h.o.FetchPriorAttendance(context.Background(), "", false)
	gt.Error(t, err).Is(ErrInvalidArgument)
}
