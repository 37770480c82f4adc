package scheduler

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/m-mizutani/gt"

	"autocheckin/internal/eventbus"
	"autocheckin/internal/state"
	"autocheckin/internal/users"
	logx "autocheckin/pkg/logx"
)

func TestRandomPolicyBounds(t *testing.T) {
	t.Parallel()
	p := NewRandomPolicy(time.Hour, 5*time.Hour, 10*time.Minute, rand.New(rand.NewSource(42)))
	var sumNext time.Duration
	const n = 5000
	for i := 0; i < n; i++ {
		d := p.NextRun()
		if d < time.Hour || d > 5*time.Hour {
			t.Fatalf("NextRun out of range: %v", d)
		}
		sumNext += d
		u := p.UserDelay()
		if u < 0 || u > 10*time.Minute {
			t.Fatalf("UserDelay out of range: %v", u)
		}
	}
	// Mean of U[1h,5h] is 3h; allow a wide margin.
	mean := sumNext / n
	if mean < 2*time.Hour+30*time.Minute || mean > 3*time.Hour+30*time.Minute {
		t.Fatalf("NextRun mean looks biased: %v", mean)
	}
}

func TestRandomPolicyIncludesBothEnds(t *testing.T) {
	t.Parallel()
	p := NewRandomPolicy(time.Hour, time.Hour+2, 2, rand.New(rand.NewSource(7)))
	seen := map[time.Duration]bool{}
	seenDelay := map[time.Duration]bool{}
	for i := 0; i < 1000; i++ {
		seen[p.NextRun()] = true
		seenDelay[p.UserDelay()] = true
	}
	gt.Bool(t, seen[time.Hour]).True()
	gt.Bool(t, seen[time.Hour+2]).True()
	gt.Bool(t, seen[time.Hour+3]).False()
	gt.Bool(t, seenDelay[0]).True()
	gt.Bool(t, seenDelay[2]).True()
}

func TestFixedPolicyZeroValue(t *testing.T) {
	t.Parallel()
	var p FixedPolicy
	gt.Value(t, p.NextRun()).Equal(time.Duration(0))
	gt.Value(t, p.UserDelay()).Equal(time.Duration(0))
}

type staticUsers []users.User

func (s staticUsers) Shuffled(rng *rand.Rand) []users.User {
	out := append([]users.User(nil), s...)
	rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

func makeUsers(n int) staticUsers {
	out := make(staticUsers, n)
	for i := range out {
		out[i] = users.User{Email: string(rune('a'+i)) + "@x", CheckinToken: "t"}
	}
	return out
}

func TestCycleIsSequentialAndIsolatesFailures(t *testing.T) {
	t.Parallel()
	var inFlight, maxInFlight atomic.Int32
	var delays atomic.Int32
	process := func(ctx context.Context, u users.User) error {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		switch u.Email {
		case "b@x":
			return errors.New("login rejected")
		case "c@x":
			panic("boom")
		}
		gt.Value(t, RunID(ctx)).NotEqual("")
		return nil
	}
	sleep := func(ctx context.Context, d time.Duration) error {
		delays.Add(1)
		return ctx.Err()
	}
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4)
	defer unsub()
	st := state.New(50)
	l := NewLoop(LoopConfig{}, FixedPolicy{}, makeUsers(6), process, st,
		WithSleep(sleep), WithRand(rand.New(rand.NewSource(1))), WithBus(bus))

	rep := l.RunFullCycle(context.Background())
	gt.Value(t, rep.Total).Equal(6)
	gt.Value(t, rep.Processed).Equal(4)
	gt.Value(t, rep.Failed).Equal(2)
	gt.Value(t, maxInFlight.Load()).Equal(int32(1))
	gt.Value(t, delays.Load()).Equal(int32(6))
	for i := 1; i < len(rep.Runs); i++ {
		if rep.Runs[i].Start.Before(rep.Runs[i-1].End) {
			t.Fatalf("user %d started before user %d ended", i, i-1)
		}
	}
	gt.Bool(t, st.Snapshot().LastAllSessionRefresh.IsZero()).False()

	select {
	case e := <-ch:
		gt.Value(t, e.Type).Equal(eventbus.TypeCycleCompleted)
		gt.Value(t, e.Data.(eventbus.CycleCompleted).Processed).Equal(4)
	case <-time.After(time.Second):
		t.Fatalf("no cycle.completed event")
	}
}

func TestCycleWithoutSpacingSkipsDelays(t *testing.T) {
	t.Parallel()
	var delays atomic.Int32
	l := NewLoop(LoopConfig{}, FixedPolicy{Delay: time.Hour}, makeUsers(3),
		func(context.Context, users.User) error { return nil }, state.New(10),
		WithSleep(func(ctx context.Context, d time.Duration) error { delays.Add(1); return nil }))
	rep := l.Cycle(context.Background(), "try-codes", makeUsers(3), false)
	gt.Value(t, rep.Processed).Equal(3)
	gt.Value(t, delays.Load()).Equal(int32(0))
}

func TestCycleInvalidUserNotProcessed(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	l := NewLoop(LoopConfig{}, FixedPolicy{}, nil,
		func(context.Context, users.User) error { calls.Add(1); return nil }, state.New(10))
	rep := l.Cycle(context.Background(), "manual", []users.User{{Email: "a@x"}, {Email: "b@x", CheckinToken: "t"}}, false)
	gt.Value(t, rep.Processed).Equal(1)
	gt.Value(t, rep.Failed).Equal(1)
	gt.Value(t, calls.Load()).Equal(int32(1))
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()
	st := state.New(10)
	var cycles atomic.Int32
	l := NewLoop(LoopConfig{RunInitialCycle: true}, FixedPolicy{Interval: time.Hour}, makeUsers(1),
		func(context.Context, users.User) error { cycles.Add(1); return nil }, st)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for st.Snapshot().NextCycleRunTime.IsZero() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		gt.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
	gt.Value(t, cycles.Load()).Equal(int32(1))
	gt.Bool(t, st.Snapshot().NextCycleRunTime.After(time.Now())).True()
}

func TestSleepCancellable(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	err := Sleep(ctx, time.Hour)
	gt.Error(t, err).Is(context.Canceled)
	if time.Since(start) > time.Second {
		t.Fatalf("Sleep ignored cancellation")
	}
}

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in    string
		kind  SpecKind
		every time.Duration
		cron  string
		err   bool
	}{
		{in: "@every 1h", kind: SpecCron, cron: "@every 1h"},
		{in: "0 * * * *", kind: SpecCron, cron: "0 * * * *"},
		{in: "cron:@hourly", kind: SpecCron, cron: "@hourly"},
		{in: "10s", kind: SpecInterval, every: 10 * time.Second},
		{in: "01:30", kind: SpecInterval, every: 90 * time.Minute},
		{in: "every: 5m", kind: SpecInterval, every: 5 * time.Minute},
		{in: "Interval:2h", kind: SpecInterval, every: 2 * time.Hour},
		{in: "", err: true},
		{in: "0s", err: true},
		{in: "00:75", err: true},
		{in: "soon", err: true},
	}
	for _, tc := range cases {
		ps, err := ParseSchedule(tc.in)
		if tc.err {
			gt.Error(t, err)
			continue
		}
		gt.NoError(t, err).Required()
		gt.Value(t, ps.Kind).Equal(tc.kind)
		gt.Value(t, ps.Every).Equal(tc.every)
		gt.Value(t, ps.Cron).Equal(tc.cron)
	}
}

func TestSpreadScheduleFirstRun(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 2, 17, 9, 0, 0, 0, time.UTC)
	sched, jitter := makeIntervalScheduleWithSpread(time.Minute, now, "connection")
	if jitter < 0 || jitter >= 30*time.Second {
		t.Fatalf("jitter out of range: %v", jitter)
	}
	first := sched.Next(now)
	gt.Value(t, first).Equal(now.Add(time.Minute + jitter))
	// cron.Every drops sub-second precision after the first run.
	gt.Bool(t, sched.Next(first).Equal(first.Add(time.Minute).Truncate(time.Second))).True()
}

func TestJobsSkipIfRunningAndRecover(t *testing.T) {
	t.Parallel()
	j := NewJobs(time.UTC, logx.Nop())
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	var runs atomic.Int32
	gt.NoError(t, j.Add("slow", "@every 1h", time.Second, func(ctx context.Context) error {
		runs.Add(1)
		started <- struct{}{}
		<-release
		return nil
	})).Required()
	gt.NoError(t, j.Add("panicky", "1h", 0, func(context.Context) error { panic("x") })).Required()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		j.Run("slow")
	}()
	<-started
	gt.Bool(t, j.Run("slow")).False()
	close(release)
	wg.Wait()
	gt.Value(t, runs.Load()).Equal(int32(1))

	gt.Bool(t, j.Run("panicky")).True()
	gt.Bool(t, j.Run("missing")).False()

	infos := j.Snapshot()
	gt.Array(t, infos).Length(2)
	gt.Value(t, infos[0].Skipped).Equal(uint64(1))
	gt.Value(t, infos[1].Spec).Equal("@every 1h0m0s")

	gt.Bool(t, j.Remove("panicky")).True()
	gt.Array(t, j.Snapshot()).Length(1)
	gt.Error(t, j.Add("bad", "61 * * * *", 0, func(context.Context) error { return nil }))
}

func TestJobsStartStop(t *testing.T) {
	t.Parallel()
	j := NewJobs(time.UTC, logx.Nop())
	gt.NoError(t, j.Add("tick", "@hourly", 0, func(context.Context) error { return nil })).Required()
	j.Start(context.Background())
	infos := j.Snapshot()
	gt.Bool(t, infos[0].Next.IsZero()).False()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	j.Stop(ctx)
}
