// Package app assembles the check-in service from its configuration and
// owns its lifecycle: start, hot reload and ordered shutdown.
package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"autocheckin/internal/attempt"
	"autocheckin/internal/attendance"
	"autocheckin/internal/client/checkin"
	"autocheckin/internal/client/checkout"
	"autocheckin/internal/codes"
	"autocheckin/internal/config"
	"autocheckin/internal/eventbus"
	"autocheckin/internal/httpapi"
	"autocheckin/internal/notifier"
	"autocheckin/internal/obs"
	"autocheckin/internal/orchestrator"
	"autocheckin/internal/runtime/supervisor"
	"autocheckin/internal/session"
	"autocheckin/internal/state"
	"autocheckin/internal/storage"
	"autocheckin/internal/task/scheduler"
	"autocheckin/internal/transport/telegram"
	"autocheckin/internal/users"
	logx "autocheckin/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	set  config.Settings

	sup *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	st    *state.Store

	orch    *orchestrator.Orchestrator
	jobs    *scheduler.Jobs
	metrics *obs.Metrics
	notif   *notifier.Service
	http    *httpapi.Server

	mu         sync.Mutex
	loopCancel context.CancelFunc
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	set, err := config.Resolve(cfg)
	if err != nil {
		return nil, err
	}

	var (
		tg   *telegram.Client
		chat logx.Sender
		out  notifier.Sender
	)
	if set.TelegramToken != "" && set.TelegramChatID != 0 {
		tg, err = telegram.New(telegram.Config{
			Token:    set.TelegramToken,
			ChatID:   set.TelegramChatID,
			ThreadID: set.TelegramThreadID,
		})
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		chat, out = tg, tg
	}

	logs, root := logx.New(mapLogConfig(cfg), chat)
	log := root.With(logx.String("comp", "app"))

	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		store, err = storage.Open(sc, root)
		if err != nil {
			return nil, err
		}
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	var stOpts []state.Option
	if store != nil {
		stOpts = append(stOpts, state.WithSink(journalSink(store, log)))
	}
	st := state.New(set.LogCapacity, stOpts...)
	if store != nil {
		restoreLogs(store, st, set.LogCapacity, log)
	}

	site := checkin.New(set.CheckinBaseURL, set.CheckinTimeout, set.CheckinUserAgent)
	dir := users.NewDirectory(set.DefaultCodesSuffix)

	var (
		local   *users.LocalStore
		up      orchestrator.Upstream
		fetcher codes.Fetcher
	)
	if set.Mode == config.ModeLocal {
		local = users.NewLocalStore(set.UserFile)
		dir.OnTokenChange(func(email, token string) {
			if err := local.SaveToken(token, time.Now()); err != nil {
				log.Warn("persist rotated token failed", logx.Email(email), logx.Err(err))
			}
		})
		fetcher = codes.URLFetcher{HTTP: &http.Client{Timeout: set.CheckoutTimeout}}
	} else {
		co := checkout.New(set.CheckoutURL, set.CheckoutKey, set.CheckoutTimeout)
		up = co
		fetcher = codes.CheckoutFetcher{Client: co}
	}

	sess := session.NewManager(site, dir, st, session.WithBus(bus), session.WithLogger(root))

	provOpts := []codes.Option{codes.WithLogger(root)}
	if local != nil {
		provOpts = append(provOpts, codes.WithLocal(local))
	}
	prov := codes.NewProvider(fetcher, set.CodesMaxAge, st, provOpts...)

	eng := attempt.New(site, st,
		attempt.WithRate(set.SubmitRatePerSec),
		attempt.WithStorage(store),
		attempt.WithBus(bus),
		attempt.WithLogger(root),
	)

	cal, err := attendance.LoadCalendar(set.CalendarPath)
	if err != nil {
		return nil, err
	}
	att := attendance.NewFetcher(site, sess, cal, st,
		attendance.WithStorage(store),
		attendance.WithLogger(root),
		attendance.WithLocation(set.Location),
	)

	orch := orchestrator.New(orchestrator.Config{
		Local:             local != nil,
		DefaultSuffix:     set.DefaultCodesSuffix,
		UsersRefreshEvery: set.UsersRefreshEvery,
		AttendanceMaxAge:  set.AttendanceMaxAge,
		Loop: scheduler.LoopConfig{
			InitialDelay:    set.InitialDelay,
			RunInitialCycle: set.RunInitialCycle,
		},
	}, orchestrator.Deps{
		Directory:  dir,
		LocalStore: local,
		Upstream:   up,
		Sessions:   sess,
		Codes:      prov,
		Attendance: att,
		Engine:     eng,
		State:      st,
		Bus:        bus,
		Log:        root,
	}, policyFor(set))

	jobs := scheduler.NewJobs(set.Location, root)
	schedules := orchestrator.JobSchedules{
		Connection: set.ConnectionSchedule,
		Attendance: set.AttendanceSchedule,
	}
	if local != nil {
		schedules.LocalCodes = set.CodesFetchEvery.String()
	}
	if err := orch.RegisterJobs(jobs, schedules); err != nil {
		return nil, err
	}

	metrics := obs.New()
	metrics.RegisterState(st)

	a := &App{
		cfgm:    cfgm,
		set:     set,
		log:     log,
		logs:    logs,
		bus:     bus,
		store:   store,
		st:      st,
		orch:    orch,
		jobs:    jobs,
		metrics: metrics,
		notif:   notifier.New(mapNotifierConfig(set), out, root),
	}
	if set.HTTPEnabled {
		a.http = httpapi.New(orch, httpapi.Config{
			Key:        set.HTTPKey,
			DevMode:    set.DevMode,
			RatePerSec: set.HTTPRate,
			Burst:      set.HTTPBurst,
			Profiler:   set.HTTPPprof,
		},
			httpapi.WithLogger(root),
			httpapi.WithMetrics(metrics),
			httpapi.WithJobs(jobs.Snapshot),
		)
	}
	return a, nil
}

func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orch }

// Done is closed when the app context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		return config.Validate(cfg)
	})

	// Detached so Stop can drain queued messages after the app context ends.
	a.notif.Start(context.WithoutCancel(a.sup.Context()))
	a.sup.Go("notifier.events", func(c context.Context) error { return a.notif.Consume(c, a.bus) })
	a.sup.Go("metrics.events", func(c context.Context) error { return a.metrics.Consume(c, a.bus) })
	a.sup.Go("events.log", a.logEvents)

	a.jobs.Start(a.sup.Context())

	a.sup.Go("startup", func(c context.Context) error {
		if err := a.orch.CheckConnection(c); err != nil {
			a.log.Warn("initial connection check failed", logx.Err(err))
		}
		a.setLoopEnabled(a.set.SchedulerEnabled)
		return nil
	})

	if a.http != nil {
		addr := a.set.HTTPAddr
		a.sup.Go("http.serve", func(c context.Context) error { return a.http.Serve(c, addr) })
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.String("mode", a.set.Mode),
		logx.Bool("scheduler", a.set.SchedulerEnabled),
		logx.Bool("http", a.http != nil),
		logx.Bool("notifier", a.notif.Enabled()),
	)
	return nil
}

// setLoopEnabled starts or stops the background cycle loop.
func (a *App) setLoopEnabled(on bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if on == (a.loopCancel != nil) || a.sup.Context().Err() != nil {
		return
	}
	if !on {
		a.loopCancel()
		a.loopCancel = nil
		a.log.Info("scheduler disabled")
		return
	}
	ctx, cancel := context.WithCancel(a.sup.Context())
	a.loopCancel = cancel
	loop := a.orch.Loop()
	a.sup.Go("cycle.loop", func(context.Context) error { return loop.Run(ctx) })
}

func (a *App) logEvents(ctx context.Context) error {
	ch, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			a.applyConfig(last, next)
			last = next
		}
	}
}

// applyConfig applies the hot-reloadable parts of next. The config was
// validated before it was published.
func (a *App) applyConfig(last, next *config.Config) {
	set, err := config.Resolve(next)
	if err != nil {
		a.log.Warn("config reload skipped", logx.Err(err))
		return
	}
	changed, attrs, restart := config.SummarizeConfigChange(last, next)
	if len(changed) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLogConfig(next))
	a.orch.Loop().SetPolicy(policyFor(set))
	a.setLoopEnabled(set.SchedulerEnabled)

	ncfg := mapNotifierConfig(set)
	ncfg.Enabled = a.notif.Enabled()
	a.notif.Apply(ncfg)

	if len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		c, cancel := context.WithTimeout(ctx, limit)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(c)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-c.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("jobs", 3*time.Second, func(c context.Context) error { a.jobs.Stop(c); return nil })
	step("supervisor", 5*time.Second, a.sup.Wait)
	step("notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	return a.logs.Close()
}

func journalSink(store storage.Store, log logx.Logger) func(state.LogEntry) {
	return func(e state.LogEntry) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		err := store.AppendLog(ctx, storage.LogRecord{At: e.Time, Status: string(e.Status), Message: e.Message})
		if err != nil {
			log.Warn("journal append failed", logx.Err(err))
		}
	}
}

func restoreLogs(store storage.Store, st *state.Store, limit int, log logx.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	recs, err := store.RecentLogs(ctx, limit)
	if err != nil {
		log.Warn("restore state log failed", logx.Err(err))
		return
	}
	entries := make([]state.LogEntry, 0, len(recs))
	for _, r := range recs {
		entries = append(entries, state.LogEntry{Time: r.At, Status: state.LogStatus(r.Status), Message: r.Message})
	}
	st.Restore(entries)
	log.Debug("state log restored", logx.Int("entries", len(entries)))
}
