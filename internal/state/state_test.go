package state

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
)

func TestRecordBoundsLogsMostRecentFirst(t *testing.T) {
	t.Parallel()
	s := New(3)
	for i := range 5 {
		s.Info(fmt.Sprintf("entry %d", i))
	}
	snap := s.Snapshot()
	gt.Array(t, snap.Logs).Length(3)
	gt.Value(t, snap.Logs[0].Message).Equal("entry 4")
	gt.Value(t, snap.Logs[2].Message).Equal("entry 2")
}

func TestRecordAppliesMutationsAndSink(t *testing.T) {
	t.Parallel()
	at := time.Date(2024, 9, 16, 9, 0, 0, 0, time.UTC)
	var seen []LogEntry
	s := New(10, WithClock(func() time.Time { return at }), WithSink(func(e LogEntry) { seen = append(seen, e) }))

	s.Record(StatusSuccess, "fetched users", UsersFetched(at), Connected(true))
	s.Update(CodeCounts(4, 2))

	snap := s.Snapshot()
	gt.Bool(t, snap.Connected).True()
	gt.Value(t, snap.LastUsersFetch).Equal(at)
	gt.Value(t, snap.AvailableUntriedCodesCount).Equal(4)
	gt.Value(t, snap.TriedCodesCount).Equal(2)
	gt.Array(t, snap.Logs).Length(1)
	gt.Array(t, seen).Length(1)
	gt.Value(t, seen[0].Status).Equal(StatusSuccess)
	gt.Value(t, seen[0].Time).Equal(at)
}

func TestSnapshotIsACopy(t *testing.T) {
	t.Parallel()
	s := New(10)
	s.Update(CodeSubmission(Submission{TotalUsers: 2, ProcessedUsers: 1}))
	s.Error("boom")

	snap := s.Snapshot()
	snap.Logs[0].Message = "changed"
	snap.LastCodeSubmission.ProcessedUsers = 99

	again := s.Snapshot()
	gt.Value(t, again.Logs[0].Message).Equal("boom")
	gt.Value(t, again.LastCodeSubmission.ProcessedUsers).Equal(1)
}

func TestRestoreKeepsNewestWithinCapacity(t *testing.T) {
	t.Parallel()
	s := New(3)
	s.Info("live")
	s.Restore([]LogEntry{{Message: "a"}, {Message: "b"}, {Message: "c"}})
	snap := s.Snapshot()
	gt.Array(t, snap.Logs).Length(3)
	gt.Value(t, snap.Logs[0].Message).Equal("live")
	gt.Value(t, snap.Logs[2].Message).Equal("b")
}

// A refresh and its code attempt are recorded as separate operations. Readers
// must never see the attempt timestamp run ahead of the refresh it depends on.
func TestSnapshotNeverTorn(t *testing.T) {
	t.Parallel()
	s := New(50)
	base := time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= 2000; i++ {
			ts := base.Add(time.Duration(i) * time.Second)
			s.Record(StatusInfo, "refreshed", SessionRefreshed(ts))
			s.Record(StatusInfo, "attempted", CodeAttempted(ts), CodeCounts(i, i))
		}
		close(stop)
	}()

	var bad int
	for done := false; !done; {
		select {
		case <-stop:
			done = true
		default:
		}
		snap := s.Snapshot()
		if snap.LastCodeAttempt.After(snap.LastIndividualSessionRefresh) {
			bad++
		}
		if snap.AvailableUntriedCodesCount != snap.TriedCodesCount {
			bad++
		}
	}
	wg.Wait()
	gt.Value(t, bad).Equal(0)
}

func TestSince(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 1, 6, 12, 0, 0, 0, time.UTC)
	s := New(1, WithClock(func() time.Time { return now }))
	_, ok := s.Since(func(g GlobalState) time.Time { return g.LastAttendanceFetchRun })
	gt.Bool(t, ok).False()

	s.Update(AttendanceFetched(now.Add(-2 * time.Hour)))
	d, ok := s.Since(func(g GlobalState) time.Time { return g.LastAttendanceFetchRun })
	gt.Bool(t, ok).True()
	gt.Value(t, d).Equal(2 * time.Hour)
}
