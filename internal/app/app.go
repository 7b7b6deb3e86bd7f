package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/SpaceDev/SpaceRTK/internal/action"
	"github.com/SpaceDev/SpaceRTK/internal/config"
	"github.com/SpaceDev/SpaceRTK/internal/eventbus"
	"github.com/SpaceDev/SpaceRTK/internal/handlers/catalog"
	"github.com/SpaceDev/SpaceRTK/internal/handlers/files"
	"github.com/SpaceDev/SpaceRTK/internal/handlers/jobs"
	"github.com/SpaceDev/SpaceRTK/internal/liveness"
	"github.com/SpaceDev/SpaceRTK/internal/ops"
	rtsup "github.com/SpaceDev/SpaceRTK/internal/runtime/supervisor"
	"github.com/SpaceDev/SpaceRTK/internal/storage"
	"github.com/SpaceDev/SpaceRTK/internal/task/engine"
	"github.com/SpaceDev/SpaceRTK/internal/task/scheduler"
	logx "github.com/SpaceDev/SpaceRTK/pkg/logx"
	"github.com/SpaceDev/SpaceRTK/pkg/systemd"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   *eventbus.MemBus
	store storage.Store

	engine  *engine.Service
	sched   *scheduler.Service
	disp    *action.Dispatcher
	catalog *catalog.Group
	live    *liveness.Monitor
	metrics *ops.Metrics
	ops     *ops.Server

	started time.Time
}

func New(cfgPath string) (*App, error) {
	boot := logx.NewConsole("INFO").With(logx.String("comp", "config"))
	cfgm := config.NewManager(cfgPath, boot)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{cfgm: cfgm, log: log, logs: logSvc, bus: eventbus.New()}
	if err := a.build(cfg); err != nil {
		if a.store != nil {
			_ = a.store.Close()
		}
		logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config) error {
	log := a.log

	stCfg, stEnabled, err := mapStorage(cfg)
	if err != nil {
		return err
	}
	var schedStore scheduler.Store
	if stEnabled {
		st, err := storage.Open(stCfg, log.With(logx.String("comp", "storage")))
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		a.store = st
		schedStore = st
	}

	engCfg, err := mapEngine(cfg)
	if err != nil {
		return err
	}
	a.engine = engine.New(engCfg, log.With(logx.String("comp", "taskengine")), a.bus)

	schedCfg, err := mapScheduler(cfg)
	if err != nil {
		return err
	}
	a.sched = scheduler.New(schedCfg, a.engine, schedStore, log.With(logx.String("comp", "scheduler")), a.bus)

	filesCfg, err := mapFiles(cfg)
	if err != nil {
		return err
	}
	fg, err := files.New(filesCfg, log.With(logx.String("comp", "files")))
	if err != nil {
		return err
	}
	catCfg, err := mapCatalog(cfg)
	if err != nil {
		return err
	}
	a.catalog = catalog.New(catCfg, catalog.NewCache(), log.With(logx.String("comp", "catalog")))
	jg := jobs.New(a.sched, log.With(logx.String("comp", "jobs")))

	reg, err := action.NewRegistry(fg.Actions(), a.catalog.Actions(), jg.Actions())
	if err != nil {
		return err
	}

	a.metrics = ops.NewMetrics(ops.Gauges{
		JobsScheduled: func() float64 { return float64(a.sched.Len()) },
		LivenessUp: func() float64 {
			if a.live != nil && a.live.Running() && !a.live.Lost() {
				return 1
			}
			return 0
		},
	})

	dopts := []action.DispatcherOption{
		action.WithLogger(log.With(logx.String("comp", "dispatch"))),
		action.WithObserver(a.metrics.Observe),
	}
	if a.store != nil {
		dopts = append(dopts, action.WithObserver(auditObserver(a.store, log.With(logx.String("comp", "audit")))))
	}
	a.disp = action.NewDispatcher(reg, dopts...)
	a.sched.SetDispatcher(a.disp)

	lvCfg, lvEnabled, err := mapLiveness(cfg)
	if err != nil {
		return err
	}
	if lvEnabled {
		lvLog := log.With(logx.String("comp", "liveness"))
		a.live, err = liveness.New(lvCfg, lvLog,
			liveness.WithEventBus(a.bus),
			liveness.WithOnLost(func(ev liveness.LostEvent) {
				lvLog.Error("module stopped answering heartbeats",
					logx.String("addr", ev.Addr), logx.Time("last_reply", ev.LastReply))
				_, _ = systemd.Status("module liveness lost: " + ev.Addr)
			}))
		if err != nil {
			return err
		}
	}

	opsCfg, err := mapOps(cfg)
	if err != nil {
		return err
	}
	a.ops = ops.NewServer(opsCfg, ops.Sources{
		Health:  a.health,
		State:   a.state,
		Metrics: a.metrics,
	}, log.With(logx.String("comp", "ops")))
	return nil
}

// Dispatcher exposes the action dispatcher.
func (a *App) Dispatcher() *action.Dispatcher { return a.disp }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Healthy reports whether the process should keep petting the watchdog.
func (a *App) Healthy() bool {
	if a.sup == nil {
		return false
	}
	select {
	case <-a.sup.Context().Done():
		return false
	default:
		return true
	}
}

func (a *App) Start(ctx context.Context) error {
	a.started = time.Now()
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log.With(logx.String("comp", "supervisor"))), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	a.engine.Start(run)
	a.sched.Start(run)
	a.seedJobs(run, a.cfgm.Get())

	if a.live != nil {
		if err := a.live.Startup(run); err != nil {
			return fmt.Errorf("liveness: %w", err)
		}
	}
	a.ops.Start(run)

	a.sup.Go("metrics.follow", func(c context.Context) error {
		return a.metrics.Follow(c, a.bus)
	})
	if a.cfgm.Get().Catalog.RefreshOnStart {
		a.sup.Go("catalog.refresh", func(c context.Context) error {
			n, err := a.catalog.Refresh(c)
			if err != nil {
				a.log.Warn("plugin catalog refresh failed", logx.Err(err))
				return nil
			}
			a.log.Info("plugin catalog refreshed", logx.Int("entries", n))
			return nil
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case next, ok := <-sub:
				if !ok {
					return nil
				}
				// keep only the latest of a burst
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.Int("actions", a.disp.Registry().Len()),
		logx.Int("jobs", a.sched.Len()),
		logx.Bool("liveness", a.live != nil),
		logx.Bool("storage", a.store != nil))
	return nil
}

// seedJobs adds the jobs declared in the config file. Jobs restored from
// storage win over config entries of the same name.
func (a *App) seedJobs(ctx context.Context, cfg *config.Config) {
	for _, j := range cfg.Jobs {
		err := a.sched.AddJob(ctx, j.Name, j.Action, j.Args, j.TimeType, j.TimeArg)
		switch {
		case err == nil:
			a.log.Debug("config job added", logx.String("job", j.Name))
		case errors.Is(err, scheduler.ErrJobExists):
			a.log.Debug("config job already scheduled", logx.String("job", j.Name))
		default:
			a.log.Warn("config job rejected", logx.String("job", j.Name), logx.Err(err))
		}
	}
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	changed, attrs := config.SummarizeChange(prev, next)
	if len(changed) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	if pending := config.RequiresRestart(changed); len(pending) > 0 {
		a.log.Warn("config sections changed; restart required for changes to take effect",
			logx.Strings("sections", pending))
	}

	if err := a.logs.Apply(mapLogging(next)); err != nil {
		a.log.Warn("logging sinks partially applied", logx.Err(err))
	}

	if ec, err := mapEngine(next); err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(ec)
	}
	if sc, err := mapScheduler(next); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(sc)
	}
	if oc, err := mapOps(next); err != nil {
		a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
	} else {
		a.ops.Reconfigure(ctx, oc)
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) health() ops.Health {
	h := ops.Health{Status: "ok", Started: a.started, Jobs: a.sched.Len()}
	if a.live != nil {
		s := a.live.Snapshot()
		h.Liveness = &ops.LivenessHealth{Running: s.Running, Lost: s.Lost, Addr: s.Addr}
		if s.Lost || !s.Running {
			h.Status = "degraded"
		}
	}
	return h
}

func (a *App) state() any {
	st := map[string]any{
		"started":        a.started,
		"engine":         a.engine.Snapshot(),
		"engine_tasks":   a.engine.Supervisor().Snapshot(),
		"scheduler":      a.sched.Snapshot(),
		"jobs":           a.sched.ListJobs(),
		"catalog":        map[string]any{"entries": a.catalog.Cache().Len(), "updated_at": a.catalog.Cache().UpdatedAt()},
		"events_dropped": a.bus.Dropped(),
	}
	if a.sup != nil {
		st["supervisor"] = a.sup.Snapshot()
	}
	if a.live != nil {
		st["liveness"] = a.live.Snapshot()
	}
	return st
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "taskengine", 2*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "liveness", time.Second, func(c context.Context) error {
		if a.live != nil {
			return a.live.Shutdown(c)
		}
		return nil
	})
	a.step(ctx, "ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	a.step(ctx, "storage", time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

// step runs one shutdown stage bounded by limit and the caller's deadline.
// fn must honor its context; a stage that overruns is logged and left behind.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name), logx.Err(stepCtx.Err()), logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			if err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}
		}()
	}
}
