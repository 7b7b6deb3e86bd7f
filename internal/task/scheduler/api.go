package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/SpaceDev/SpaceRTK/internal/storage"
	"github.com/SpaceDev/SpaceRTK/internal/task/engine"
	logx "github.com/SpaceDev/SpaceRTK/pkg/logx"
)

// AddJob validates and schedules a new job.
//
// It fails without touching the table when name is taken (ErrJobExists),
// the action does not resolve, or the time spec is invalid (ErrUnschedulable).
func (s *Service) AddJob(ctx context.Context, name, actionName string, args []any, timeType, timeArg string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: name required", ErrInvalidJob)
	}
	trig, err := ParseTrigger(timeType, timeArg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.disp == nil {
		s.mu.Unlock()
		return ErrNoDispatcher
	}
	if _, err := s.disp.Resolve(actionName); err != nil {
		s.mu.Unlock()
		return err
	}
	if _, ok := s.jobs[name]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrJobExists, name)
	}

	now := time.Now()
	j := Job{
		Name:      name,
		Action:    actionName,
		Args:      cloneArgs(args),
		TimeType:  trig.Type,
		TimeArg:   strings.TrimSpace(timeArg),
		Recurring: trig.Recurring,
		CreatedAt: now,
	}
	if trig.Type == Delay {
		j.FireAt = now.Add(trig.Every)
	}
	e := &jobEntry{job: j, trig: trig, state: &engine.RunState{}}
	if s.c != nil {
		if err := s.armLocked(e, 0); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("%w: %v", ErrUnschedulable, err)
		}
	}
	s.jobs[name] = e
	next := s.nextLocked(e)
	s.mu.Unlock()

	s.syncStore(ctx, name)
	s.log.Info("job added",
		logx.String("job", name),
		logx.String("action", actionName),
		logx.String("time_type", string(j.TimeType)),
		logx.String("time_arg", j.TimeArg),
		logx.String("next", next.Format(time.RFC3339)),
	)
	return nil
}

// RemoveJob unschedules name. Removing an unknown job is a no-op.
// An in-flight fire of the job is not interrupted.
func (s *Service) RemoveJob(ctx context.Context, name string) bool {
	name = strings.TrimSpace(name)
	s.mu.Lock()
	e, ok := s.jobs[name]
	if ok {
		s.disarmLocked(e)
		delete(s.jobs, name)
	}
	s.mu.Unlock()

	if ok {
		s.syncStore(ctx, name)
		s.forgetWarn(name)
		s.log.Info("job removed", logx.String("job", name))
	}
	return ok
}

// ListJobs returns a deep copy of the table ordered by job name.
func (s *Service) ListJobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.jobs))
	for _, e := range s.jobs {
		out = append(out, s.infoLocked(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns a copy of one job.
func (s *Service) Get(name string) (JobInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[strings.TrimSpace(name)]
	if !ok {
		return JobInfo{}, false
	}
	return s.infoLocked(e), true
}

// RunJob dispatches the job's action now, on the caller's goroutine.
// The job's cadence and overlap state are not affected. A job that is
// already running further up the same call chain fails with ErrJobRecursion.
func (s *Service) RunJob(ctx context.Context, name string) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	name = strings.TrimSpace(name)
	if inChain(ctx, name) {
		return nil, fmt.Errorf("%w: %q", ErrJobRecursion, name)
	}
	s.mu.Lock()
	e, ok := s.jobs[name]
	disp := s.disp
	var actionName string
	var args []any
	if ok {
		actionName = e.job.Action
		args = cloneArgs(e.job.Args)
	}
	s.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrJobNotFound, name)
	}
	if disp == nil {
		return nil, ErrNoDispatcher
	}
	s.log.Debug("job run requested", logx.String("job", name), logx.String("action", actionName))
	return disp.Dispatch(withJob(ctx, name), actionName, args)
}

// armLocked registers e's trigger. Call with s.mu held and s.c != nil.
func (s *Service) armLocked(e *jobEntry, spread time.Duration) error {
	name := e.job.Name
	switch e.trig.Type {
	case Delay:
		s.verSeq++
		ver := s.verSeq
		e.ver = ver
		delay := time.Until(e.job.FireAt)
		if delay < 0 {
			delay = 0
		}
		e.timer = time.AfterFunc(delay, func() { s.fireOnce(name, ver) })
		return nil
	case Interval:
		sched, jitter := intervalSchedule(e.trig.Every, time.Now().In(s.locLocked()), name, spread)
		e.spread = jitter
		e.entryID = s.c.Schedule(sched, cron.FuncJob(func() { s.fire(name) }))
		return nil
	default:
		id, err := s.c.AddFunc(e.trig.Cron, func() { s.fire(name) })
		if err != nil {
			return err
		}
		e.entryID = id
		return nil
	}
}

// disarmLocked cancels e's pending trigger. Call with s.mu held.
func (s *Service) disarmLocked(e *jobEntry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.ver = 0
	if e.entryID != 0 {
		if s.c != nil {
			s.c.Remove(e.entryID)
		}
		e.entryID = 0
	}
}

func (s *Service) nextLocked(e *jobEntry) time.Time {
	switch {
	case e.trig.Type == Delay:
		return e.job.FireAt
	case s.c != nil && e.entryID != 0:
		return s.c.Entry(e.entryID).Next
	case e.trig.Type == Calendar:
		if sched, err := cronParser.Parse(e.trig.Cron); err == nil {
			return sched.Next(time.Now().In(s.locLocked()))
		}
	}
	return time.Time{}
}

func (s *Service) infoLocked(e *jobEntry) JobInfo {
	info := JobInfo{
		Name:      e.job.Name,
		Action:    e.job.Action,
		Args:      cloneArgs(e.job.Args),
		TimeType:  e.job.TimeType,
		TimeArg:   e.job.TimeArg,
		Recurring: e.job.Recurring,
		Next:      s.nextLocked(e),
		Running:   e.state.Running(),
	}
	if s.c != nil && e.entryID != 0 {
		info.Prev = s.c.Entry(e.entryID).Prev
	}
	return info
}

// syncStore writes the table's current state of name to the store: the
// record when the job exists, a delete otherwise. Call without s.mu held.
// Writes are serialized by storeMu and each one reads the table after taking
// it, so the last write always reflects the latest table state.
func (s *Service) syncStore(ctx context.Context, name string) {
	if s.store == nil {
		return
	}
	s.storeMu.Lock()
	defer s.storeMu.Unlock()

	s.mu.Lock()
	e, ok := s.jobs[name]
	var rec storage.JobRecord
	if ok {
		rec = storage.JobRecord{
			Name:      e.job.Name,
			Action:    e.job.Action,
			Args:      cloneArgs(e.job.Args),
			TimeType:  string(e.job.TimeType),
			TimeArg:   e.job.TimeArg,
			CreatedAt: e.job.CreatedAt,
			FireAt:    e.job.FireAt,
		}
	}
	s.mu.Unlock()

	if ok {
		if err := s.store.SaveJob(storeCtx(ctx), rec); err != nil {
			s.log.Warn("job persist failed", logx.String("job", name), logx.Err(err))
		}
		return
	}
	if err := s.store.DeleteJob(storeCtx(ctx), name); err != nil {
		s.log.Warn("job delete from store failed", logx.String("job", name), logx.Err(err))
	}
}

// storeCtx detaches the store write from caller cancellation so the table
// and the store do not drift apart.
func storeCtx(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return context.WithoutCancel(ctx)
}

func cloneArgs(args []any) []any {
	if args == nil {
		return []any{}
	}
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = cloneValue(a)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case []any:
		return cloneArgs(x)
	case []string:
		return append([]string(nil), x...)
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, vv := range x {
			m[k] = cloneValue(vv)
		}
		return m
	default:
		return v
	}
}
