package orchestrator

import (
	"context"
	"fmt"
	"time"

	"autocheckin/internal/state"
	"autocheckin/internal/task/scheduler"
	logx "autocheckin/pkg/logx"
)

// JobSchedules names the schedules of the housekeeping jobs. An empty
// schedule leaves that job unregistered.
type JobSchedules struct {
	Connection string
	Attendance string
	LocalCodes string
}

const (
	JobConnection = "connection-monitor"
	JobAttendance = "attendance-check"
	JobLocalCodes = "local-codes"
)

// RegisterJobs adds the housekeeping jobs to j.
func (o *Orchestrator) RegisterJobs(j *scheduler.Jobs, s JobSchedules) error {
	add := func(name, spec string, timeout time.Duration, fn scheduler.JobFunc) error {
		if spec == "" {
			return nil
		}
		return j.Add(name, spec, timeout, fn)
	}
	if err := add(JobConnection, s.Connection, time.Minute, o.CheckConnection); err != nil {
		return err
	}
	if err := add(JobAttendance, s.Attendance, 0, func(ctx context.Context) error {
		_, err := o.AttendanceIfDue(ctx, false)
		return err
	}); err != nil {
		return err
	}
	if o.cfg.Local {
		return add(JobLocalCodes, s.LocalCodes, 30*time.Second, func(ctx context.Context) error {
			_, err := o.cds.Poll(ctx)
			return err
		})
	}
	return nil
}

// CheckConnection tests CheckOut, records the result and reloads users when
// connected and the directory is stale. In local mode it reloads user.json
// once and reports connected.
func (o *Orchestrator) CheckConnection(ctx context.Context) error {
	if o.cfg.Local {
		if _, ok := o.st.Since(func(g state.GlobalState) time.Time { return g.LastUsersFetch }); !ok {
			if _, err := o.FetchUsers(ctx); err != nil {
				o.setConnected(false)
				return err
			}
		}
		o.setConnected(true)
		return nil
	}

	if err := o.up.Test(ctx); err != nil {
		o.setConnected(false)
		return fmt.Errorf("checkout test: %w", err)
	}
	o.setConnected(true)

	age, ok := o.st.Since(func(g state.GlobalState) time.Time { return g.LastUsersFetch })
	if ok && age < o.cfg.UsersRefreshEvery {
		return nil
	}
	_, err := o.FetchUsers(ctx)
	return err
}

func (o *Orchestrator) setConnected(v bool) {
	if o.st.Connected() == v {
		return
	}
	if v {
		o.st.Record(state.StatusSuccess, "Connected to CheckOut", state.Connected(true))
		o.log.Info("connected")
		return
	}
	o.st.Record(state.StatusError, "Lost connection to CheckOut", state.Connected(false))
	o.log.Warn("disconnected")
}

// AttendanceIfDue runs the all-user current-week fetch when the last run is
// older than the configured max age, or always when forced. It reports
// whether a fetch ran.
func (o *Orchestrator) AttendanceIfDue(ctx context.Context, force bool) (bool, error) {
	if !force {
		age, ok := o.st.Since(func(g state.GlobalState) time.Time { return g.LastAttendanceFetchRun })
		if ok && age < o.cfg.AttendanceMaxAge {
			o.log.Debug("attendance not due", logx.Duration("age", age))
			return false, nil
		}
	}
	res, err := o.FetchAttendance(ctx, 0, 0)
	if err != nil {
		return true, err
	}
	if res.Status == StatusFailure && res.Total > 0 {
		return true, fmt.Errorf("attendance fetch failed for all %d users", res.Total)
	}
	return true, nil
}
