package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"autocheckin/internal/eventbus"
	"autocheckin/internal/state"
	"autocheckin/internal/users"
	logx "autocheckin/pkg/logx"
)

// Processor runs the per-user part of a cycle.
type Processor func(ctx context.Context, u users.User) error

// Users yields the user list in random order.
type Users interface {
	Shuffled(rng *rand.Rand) []users.User
}

// UserRun is one user's slot in a cycle.
type UserRun struct {
	Email string    `json:"email"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Error string    `json:"error,omitempty"`
}

// CycleReport summarizes one pass over the users.
type CycleReport struct {
	RunID     string    `json:"run_id"`
	Trigger   string    `json:"trigger"`
	Started   time.Time `json:"started"`
	Finished  time.Time `json:"finished"`
	Total     int       `json:"total"`
	Processed int       `json:"processed"`
	Failed    int       `json:"failed"`
	Runs      []UserRun `json:"runs"`
}

type LoopConfig struct {
	InitialDelay    time.Duration
	RunInitialCycle bool
}

type Loop struct {
	cfg     LoopConfig
	policy  atomic.Pointer[policyBox]
	users   Users
	process Processor
	st      *state.Store
	bus     eventbus.Bus
	log     logx.Logger
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error

	rngMu sync.Mutex
	rng   *rand.Rand
}

type policyBox struct{ p Policy }

type LoopOption func(*Loop)

func WithBus(b eventbus.Bus) LoopOption         { return func(l *Loop) { l.bus = b } }
func WithLogger(lg logx.Logger) LoopOption      { return func(l *Loop) { l.log = lg } }
func WithClock(now func() time.Time) LoopOption { return func(l *Loop) { l.now = now } }
func WithRand(rng *rand.Rand) LoopOption        { return func(l *Loop) { l.rng = rng } }

// WithSleep replaces the cancellable sleep, for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) LoopOption {
	return func(l *Loop) { l.sleep = fn }
}

func NewLoop(cfg LoopConfig, p Policy, us Users, process Processor, st *state.Store, opts ...LoopOption) *Loop {
	l := &Loop{
		cfg:     cfg,
		users:   us,
		process: process,
		st:      st,
		bus:     eventbus.Nop(),
		log:     logx.Nop(),
		now:     time.Now,
		sleep:   Sleep,
	}
	l.policy.Store(&policyBox{p: p})
	for _, o := range opts {
		o(l)
	}
	if l.rng == nil {
		l.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	l.log = l.log.With(logx.String("comp", "scheduler"))
	return l
}

// SetPolicy swaps the policy; the next wait picks it up.
func (l *Loop) SetPolicy(p Policy) { l.policy.Store(&policyBox{p: p}) }

func (l *Loop) Policy() Policy { return l.policy.Load().p }

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run is the perpetual background loop. It returns only when ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	l.log.Info("loop started",
		logx.Duration("initial_delay", l.cfg.InitialDelay),
		logx.Bool("initial_cycle", l.cfg.RunInitialCycle))

	if err := l.sleep(ctx, l.cfg.InitialDelay); err != nil {
		return nil
	}
	if !l.cfg.RunInitialCycle {
		if err := l.wait(ctx); err != nil {
			return nil
		}
	}
	for {
		l.RunFullCycle(ctx)
		if err := l.wait(ctx); err != nil {
			l.log.Info("loop stopped")
			return nil
		}
	}
}

func (l *Loop) wait(ctx context.Context) error {
	d := l.Policy().NextRun()
	at := l.now().Add(d)
	l.st.Update(state.NextCycleAt(at))
	l.log.Info("next cycle scheduled", logx.Time("at", at), logx.Duration("in", d))
	return l.sleep(ctx, d)
}

// RunFullCycle visits every user once, in random order, pausing before each.
func (l *Loop) RunFullCycle(ctx context.Context) CycleReport {
	l.rngMu.Lock()
	us := l.users.Shuffled(l.rng)
	l.rngMu.Unlock()
	return l.Cycle(ctx, "scheduled", us, true)
}

// Cycle processes us strictly one after another. With spaced set each user is
// preceded by a policy delay. A failing or panicking user is recorded and the
// cycle moves on.
func (l *Loop) Cycle(ctx context.Context, trigger string, us []users.User, spaced bool) CycleReport {
	rep := CycleReport{
		RunID:   uuid.NewString(),
		Trigger: trigger,
		Started: l.now(),
		Total:   len(us),
		Runs:    make([]UserRun, 0, len(us)),
	}
	log := l.log.With(logx.String("run", rep.RunID), logx.String("trigger", trigger))
	log.Info("cycle started", logx.Int("users", len(us)))

	for _, u := range us {
		if spaced {
			if err := l.sleep(ctx, l.Policy().UserDelay()); err != nil {
				break
			}
		}
		if ctx.Err() != nil {
			break
		}
		run := UserRun{Email: u.Email, Start: l.now()}
		err := l.processOne(WithRunID(ctx, rep.RunID), u)
		run.End = l.now()
		if err != nil {
			run.Error = err.Error()
			rep.Failed++
			log.Warn("user failed", logx.Email(u.Email), logx.Err(err))
		} else {
			rep.Processed++
		}
		rep.Runs = append(rep.Runs, run)
	}
	rep.Finished = l.now()

	l.st.Record(state.StatusInfo,
		fmt.Sprintf("Cycle %s finished: %d/%d users processed", trigger, rep.Processed, rep.Total),
		state.AllSessionsRefreshed(rep.Finished))
	l.bus.Publish(eventbus.Event{
		Type: eventbus.TypeCycleCompleted,
		Time: rep.Finished,
		Data: eventbus.CycleCompleted{
			RunID: rep.RunID, Trigger: trigger, Total: rep.Total,
			Processed: rep.Processed, Failed: rep.Failed, Duration: rep.Finished.Sub(rep.Started),
		},
	})
	log.Info("cycle finished",
		logx.Int("processed", rep.Processed), logx.Int("failed", rep.Failed),
		logx.Duration("took", rep.Finished.Sub(rep.Started)))
	return rep
}

func (l *Loop) processOne(ctx context.Context, u users.User) (err error) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("user panic", logx.Email(u.Email), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if !u.Valid() {
		return fmt.Errorf("user %q: missing email or token", u.Email)
	}
	return l.process(ctx, u)
}

type runIDKey struct{}

// WithRunID tags ctx with the cycle's run id.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey{}, id)
}

// RunID returns the cycle run id carried by ctx, or "".
func RunID(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}
