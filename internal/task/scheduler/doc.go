// Package scheduler drives the background check-in cycle and the periodic
// housekeeping jobs.
//
// Loop runs the full cycle at jittered intervals: users are visited one at a
// time, in random order, with a random pause before each. Jobs runs fixed
// cron or interval schedules (connection monitor, attendance gate, local code
// poller) on robfig/cron, skipping a tick while the previous run is still busy.
package scheduler
