package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/m-mizutani/gt"

	logx "autocheckin/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "none"}, logx.Nop())
	gt.NoError(t, err).Required()
	gt.Bool(t, st == nil).True()

	_, err = Open(Config{Driver: "postgres", Path: "x"}, logx.Nop())
	gt.Error(t, err)
}

func TestDrivers(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "journal.db")
			st, err := Open(Config{Driver: driver, Path: path, BusyTimeout: time.Second}, logx.Nop())
			gt.NoError(t, err).Required()
			exerciseStore(t, st)
			gt.NoError(t, st.Close())

			// Everything written must survive a reopen.
			st, err = Open(Config{Driver: driver, Path: path}, logx.Nop())
			gt.NoError(t, err).Required()
			defer st.Close()
			ctx := context.Background()

			logs, err := st.RecentLogs(ctx, 2)
			gt.NoError(t, err).Required()
			gt.Array(t, logs).Length(2)
			gt.Value(t, logs[1].Message).Equal("log 4")

			rec, ok, err := st.GetAttendance(ctx, "a@uni.ac.uk", 2024, 38)
			gt.NoError(t, err).Required()
			gt.Bool(t, ok).True()
			gt.Value(t, rec.Activities[0].Status).Equal("present")
		})
	}
}

func exerciseStore(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2024, 9, 16, 9, 0, 0, 0, time.UTC)

	for i := range 5 {
		err := st.AppendLog(ctx, LogRecord{At: base.Add(time.Duration(i) * time.Minute), Status: "info", Message: fmt.Sprintf("log %d", i)})
		gt.NoError(t, err).Required()
	}
	logs, err := st.RecentLogs(ctx, 3)
	gt.NoError(t, err).Required()
	gt.Array(t, logs).Length(3)
	gt.Value(t, logs[0].Message).Equal("log 2")
	gt.Value(t, logs[2].Message).Equal("log 4")
	gt.Value(t, logs[2].At.Equal(base.Add(4*time.Minute))).Equal(true)

	gt.NoError(t, st.AppendAttempt(ctx, AttemptRecord{At: base, RunID: "r1", Email: "a@uni.ac.uk", EventID: "42", Code: "123456", Outcome: "accepted"}))

	_, ok, err := st.GetAttendance(ctx, "a@uni.ac.uk", 2024, 38)
	gt.NoError(t, err).Required()
	gt.Bool(t, ok).False()

	rec := AttendanceRecord{
		Email: "a@uni.ac.uk", ISOYear: 2024, ISOWeek: 38, FetchedAt: base,
		Activities: []Activity{{Date: "Monday 16th September", Time: "09:00 - 10:00", Activity: "Lecture", Status: "absent"}},
	}
	gt.NoError(t, st.PutAttendance(ctx, rec)).Required()
	rec.Activities[0].Status = "present"
	gt.NoError(t, st.PutAttendance(ctx, rec)).Required()

	got, ok, err := st.GetAttendance(ctx, "a@uni.ac.uk", 2024, 38)
	gt.NoError(t, err).Required()
	gt.Bool(t, ok).True()
	gt.Array(t, got.Activities).Length(1)
	gt.Value(t, got.Activities[0].Status).Equal("present")

	gt.Error(t, st.PutAttendance(ctx, AttendanceRecord{ISOYear: 2024}))
}
