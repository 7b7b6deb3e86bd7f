package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"github.com/SpaceDev/SpaceRTK/internal/eventbus"
	"github.com/SpaceDev/SpaceRTK/internal/task/engine"
	logx "github.com/SpaceDev/SpaceRTK/pkg/logx"
)

// New builds a stopped scheduler. store may be nil (no persistence).
// The dispatcher is wired later with SetDispatcher.
func New(cfg Config, eng *engine.Service, store Store, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		log:    log,
		bus:    bus,
		engine: eng,
		store:  store,
		jobs:   map[string]*jobEntry{},
		warn:   map[string]*rate.Limiter{},
	}
}

// SetDispatcher wires the action dispatcher. The job handler group needs the
// scheduler and the dispatcher needs the registry built from that group, so
// this happens after construction.
func (s *Service) SetDispatcher(d Dispatcher) {
	s.mu.Lock()
	s.disp = d
	s.mu.Unlock()
}

// Running reports whether triggers are armed.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c != nil
}

// Len returns the number of scheduled jobs.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	newTZ := strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg

	if s.c == nil {
		return
	}
	if oldTZ != newTZ {
		s.restartLocked()
	}
}

// Start arms every job. On the first start, jobs persisted in the store are
// restored: delay jobs keep their original fire time (overdue ones fire at
// once), jobs whose action no longer resolves are dropped.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.c != nil {
		s.mu.Unlock()
		return
	}

	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(cronParser), cron.WithLocation(loc))

	var dropped []string
	if !s.restored {
		s.restored = true
		dropped = s.restoreLocked(ctx)
	}
	for _, e := range s.jobs {
		if err := s.armLocked(e, s.cfg.RestoreSpread); err != nil {
			s.log.Error("job arm failed", logx.String("job", e.job.Name), logx.Err(err))
		}
	}
	s.c.Start()
	n := len(s.jobs)
	s.mu.Unlock()

	for _, name := range dropped {
		s.syncStore(ctx, name)
	}
	s.log.Info("scheduler started", logx.String("tz", loc.String()), logx.Int("jobs", n))
}

// Stop disarms all triggers without waiting for in-flight fires.
// The table is kept so a later Start re-arms it.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()

	s.mu.Lock()
	c := s.c
	for _, e := range s.jobs {
		s.disarmLocked(e)
	}
	s.c = nil
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

// restoreLocked loads stored jobs into the table and returns the names of
// records that must be deleted from the store.
func (s *Service) restoreLocked(ctx context.Context) (dropped []string) {
	if s.store == nil {
		return nil
	}
	recs, err := s.store.LoadJobs(ctx)
	if err != nil {
		s.log.Warn("job restore failed", logx.Err(err))
		return nil
	}
	restored := 0
	for _, r := range recs {
		if _, ok := s.jobs[r.Name]; ok {
			continue
		}
		drop := func(reason string, err error) {
			s.log.Warn("dropping stored job", logx.String("job", r.Name), logx.String("action", r.Action), logx.String("reason", reason), logx.Err(err))
			dropped = append(dropped, r.Name)
		}
		trig, err := ParseTrigger(r.TimeType, r.TimeArg)
		if err != nil {
			drop("invalid time spec", err)
			continue
		}
		if s.disp == nil {
			drop("no dispatcher", ErrNoDispatcher)
			continue
		}
		if _, err := s.disp.Resolve(r.Action); err != nil {
			drop("action no longer registered", err)
			continue
		}
		j := Job{
			Name:      r.Name,
			Action:    r.Action,
			Args:      cloneArgs(r.Args),
			TimeType:  trig.Type,
			TimeArg:   r.TimeArg,
			Recurring: trig.Recurring,
			CreatedAt: r.CreatedAt,
			FireAt:    r.FireAt,
		}
		if trig.Type == Delay && j.FireAt.IsZero() {
			j.FireAt = j.CreatedAt.Add(trig.Every)
		}
		s.jobs[j.Name] = &jobEntry{job: j, trig: trig, state: &engine.RunState{}}
		restored++
	}
	if restored > 0 {
		s.log.Info("jobs restored", logx.Int("jobs", restored))
	}
	return dropped
}

// restartLocked rebuilds cron with the current location and re-arms all
// recurring jobs. Call with s.mu held.
func (s *Service) restartLocked() {
	if s.c != nil {
		// Do not wait for running job funcs: they take s.mu.
		s.c.Stop()
	}
	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(cronParser), cron.WithLocation(loc))
	for _, e := range s.jobs {
		if e.trig.Type == Delay {
			continue
		}
		e.entryID = 0
		if err := s.armLocked(e, 0); err != nil {
			s.log.Error("job arm failed", logx.String("job", e.job.Name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("scheduler restarted", logx.String("tz", loc.String()), logx.Int("jobs", len(s.jobs)))
}

func (s *Service) locLocked() *time.Location {
	if s.loc != nil {
		return s.loc
	}
	return s.loadLocationLocked()
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
