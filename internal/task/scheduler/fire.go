package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/SpaceDev/SpaceRTK/internal/action"
	"github.com/SpaceDev/SpaceRTK/internal/eventbus"
	"github.com/SpaceDev/SpaceRTK/internal/task/engine"
	logx "github.com/SpaceDev/SpaceRTK/pkg/logx"
)

const defaultFailureWarnEvery = time.Minute

// fire hands one recurring fire to the task engine.
func (s *Service) fire(name string) {
	s.mu.Lock()
	e, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return
	}
	j := e.job
	j.Args = cloneArgs(e.job.Args)
	state := e.state
	s.mu.Unlock()

	s.submit(j, state, false)
}

// fireOnce completes a delay job. The entry is removed from the table and the
// store before dispatch, so a crash mid-fire never replays it.
func (s *Service) fireOnce(name string, ver uint64) {
	s.mu.Lock()
	e, ok := s.jobs[name]
	if !ok || e.ver != ver {
		s.mu.Unlock()
		return
	}
	e.timer = nil
	delete(s.jobs, name)
	j := e.job
	state := e.state
	s.mu.Unlock()

	s.syncStore(context.Background(), name)

	s.submit(j, state, true)
}

func (s *Service) submit(j Job, state *engine.RunState, oneShot bool) {
	s.mu.Lock()
	disp := s.disp
	timeout := s.cfg.FireTimeout
	s.mu.Unlock()
	if disp == nil {
		s.reportFireError(j, "", 0, ErrNoDispatcher)
		return
	}

	fireID := uuid.NewString()
	err := s.engine.Submit(engine.Task{
		ID:      fireID,
		Name:    "job." + j.Name,
		Timeout: timeout,
		State:   state,
		Run: func(ctx context.Context) error {
			start := time.Now()
			_, err := disp.Dispatch(withJob(ctx, j.Name), j.Action, j.Args)
			ev := JobEvent{Job: j.Name, Action: j.Action, FireID: fireID, OneShot: oneShot, Duration: time.Since(start)}
			if err != nil {
				ev.Error = err.Error()
				s.reportFireError(j, fireID, ev.Duration, err)
				s.publish(eventbus.JobFailed, ev)
				if errors.Is(err, action.ErrArgumentMismatch) || errors.Is(err, action.ErrNotFound) {
					return engine.Final(err)
				}
				return err
			}
			s.log.Debug("job fired", logx.String("job", j.Name), logx.String("action", j.Action), logx.String("fire_id", fireID), logx.Duration("dur", ev.Duration))
			s.publish(eventbus.JobFired, ev)
			return nil
		},
	})
	if err == nil {
		return
	}
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("job fire skipped: previous fire still running", logx.String("job", j.Name))
		s.publish(eventbus.JobSkipped, JobEvent{Job: j.Name, Action: j.Action, FireID: fireID, OneShot: oneShot, Error: err.Error()})
		return
	}
	s.reportFireError(j, fireID, 0, err)
}

// reportFireError logs a failed fire. Warnings for recurring jobs are
// rate-limited per job; suppressed ones go to debug.
func (s *Service) reportFireError(j Job, fireID string, dur time.Duration, err error) {
	fields := []logx.Field{
		logx.String("job", j.Name),
		logx.String("action", j.Action),
		logx.String("fire_id", fireID),
		logx.Duration("dur", dur),
		logx.Err(err),
	}
	if !j.Recurring || s.warnLimiter(j.Name).Allow() {
		s.log.Warn("job fire failed", fields...)
		return
	}
	s.log.Debug("job fire failed", fields...)
}

func (s *Service) warnLimiter(name string) *rate.Limiter {
	s.mu.Lock()
	every := s.cfg.FailureWarnEvery
	s.mu.Unlock()
	if every <= 0 {
		every = defaultFailureWarnEvery
	}

	s.warnMu.Lock()
	defer s.warnMu.Unlock()
	if s.warn == nil {
		s.warn = make(map[string]*rate.Limiter)
	}
	l := s.warn[name]
	if l == nil {
		l = rate.NewLimiter(rate.Every(every), 1)
		s.warn[name] = l
	} else if l.Limit() != rate.Every(every) {
		l.SetLimit(rate.Every(every))
	}
	return l
}

func (s *Service) forgetWarn(name string) {
	s.warnMu.Lock()
	delete(s.warn, name)
	s.warnMu.Unlock()
}

func (s *Service) publish(typ string, ev JobEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}
