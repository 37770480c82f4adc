package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "autocheckin/pkg/logx"
)

// JobFunc is one run of a periodic job.
type JobFunc func(ctx context.Context) error

type jobDef struct {
	name    string
	spec    string
	timeout time.Duration
	run     JobFunc
	entryID cron.EntryID
	spread  time.Duration
	running atomic.Bool
	skipped atomic.Uint64
}

// JobInfo describes a registered job.
type JobInfo struct {
	Name    string    `json:"name"`
	Spec    string    `json:"spec"`
	Next    time.Time `json:"next,omitzero"`
	Prev    time.Time `json:"prev,omitzero"`
	Running bool      `json:"running"`
	Skipped uint64    `json:"skipped"`
}

// Jobs runs named periodic jobs on robfig/cron.
type Jobs struct {
	mu     sync.Mutex
	log    logx.Logger
	loc    *time.Location
	parser cron.Parser
	c      *cron.Cron
	ctx    context.Context
	defs   []*jobDef
	wg     sync.WaitGroup
}

func NewJobs(loc *time.Location, log logx.Logger) *Jobs {
	if loc == nil {
		loc = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Jobs{
		log: log.With(logx.String("comp", "jobs")),
		loc: loc,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Add registers (or replaces) the job called name. schedule accepts anything
// ParseSchedule does.
func (j *Jobs) Add(name, schedule string, timeout time.Duration, run JobFunc) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("job name required")
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}
	spec := ps.Cron
	if ps.Kind == SpecInterval {
		spec = "@every " + ps.Every.String()
	} else if _, err := j.parser.Parse(spec); err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	j.removeLocked(name)
	d := &jobDef{name: name, spec: spec, timeout: timeout, run: run}
	j.defs = append(j.defs, d)
	if j.c != nil {
		if err := j.scheduleLocked(d); err != nil {
			return err
		}
	}
	j.log.Debug("job registered", logx.String("name", name), logx.String("spec", spec))
	return nil
}

// Remove unregisters name and reports whether it existed.
func (j *Jobs) Remove(name string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.removeLocked(strings.TrimSpace(name))
}

func (j *Jobs) removeLocked(name string) bool {
	removed := false
	n := 0
	for _, d := range j.defs {
		if d.name == name {
			if j.c != nil && d.entryID != 0 {
				j.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		j.defs[n] = d
		n++
	}
	j.defs = j.defs[:n]
	return removed
}

func (j *Jobs) scheduleLocked(d *jobDef) error {
	job := cron.FuncJob(func() { j.exec(d) })
	if every, ok := strings.CutPrefix(d.spec, "@every "); ok {
		if dur, err := time.ParseDuration(every); err == nil && dur > 0 {
			sched, jitter := makeIntervalScheduleWithSpread(dur, time.Now().In(j.loc), d.name)
			d.spread = jitter
			d.entryID = j.c.Schedule(sched, job)
			return nil
		}
	}
	id, err := j.c.AddJob(d.spec, job)
	if err != nil {
		return fmt.Errorf("job %s: %w", d.name, err)
	}
	d.entryID = id
	return nil
}

// Start begins triggering. Job contexts derive from ctx.
func (j *Jobs) Start(ctx context.Context) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.c != nil {
		return
	}
	j.ctx = ctx
	j.c = cron.New(cron.WithParser(j.parser), cron.WithLocation(j.loc))
	for _, d := range j.defs {
		if err := j.scheduleLocked(d); err != nil {
			j.log.Error("job register failed", logx.String("name", d.name), logx.Err(err))
		}
	}
	j.c.Start()
	j.log.Info("jobs started", logx.String("tz", j.loc.String()), logx.Int("jobs", len(j.defs)))
}

// Stop stops triggering and waits for running jobs until ctx is done.
func (j *Jobs) Stop(ctx context.Context) {
	j.mu.Lock()
	c := j.c
	j.c = nil
	j.mu.Unlock()
	if c == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		<-c.Stop().Done()
		j.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		j.log.Info("jobs stopped")
	case <-ctx.Done():
		j.log.Warn("jobs stop timed out", logx.Err(ctx.Err()))
	}
}

// Run executes name once right now, honouring the overlap rule.
func (j *Jobs) Run(name string) bool {
	j.mu.Lock()
	var d *jobDef
	for _, x := range j.defs {
		if x.name == name {
			d = x
		}
	}
	j.mu.Unlock()
	if d == nil {
		return false
	}
	return j.exec(d)
}

// exec runs d unless its previous run is still in flight.
func (j *Jobs) exec(d *jobDef) (ran bool) {
	if !d.running.CompareAndSwap(false, true) {
		d.skipped.Add(1)
		j.log.Debug("job skipped: still running", logx.String("name", d.name))
		return false
	}
	ran = true
	j.wg.Add(1)
	defer func() {
		d.running.Store(false)
		j.wg.Done()
	}()

	j.mu.Lock()
	parent := j.ctx
	j.mu.Unlock()
	if parent == nil {
		parent = context.Background()
	}
	ctx := parent
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, d.timeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			j.log.Error("job panic", logx.String("name", d.name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	if err := d.run(ctx); err != nil {
		j.log.Warn("job failed", logx.String("name", d.name), logx.Err(err), logx.Duration("took", time.Since(start)))
		return true
	}
	j.log.Debug("job done", logx.String("name", d.name), logx.Duration("took", time.Since(start)))
	return true
}

// Snapshot lists registered jobs with their next and previous trigger times.
func (j *Jobs) Snapshot() []JobInfo {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]JobInfo, 0, len(j.defs))
	for _, d := range j.defs {
		it := JobInfo{Name: d.name, Spec: d.spec, Running: d.running.Load(), Skipped: d.skipped.Load()}
		if j.c != nil && d.entryID != 0 {
			e := j.c.Entry(d.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		out = append(out, it)
	}
	return out
}
