package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/SpaceDev/SpaceRTK/internal/eventbus"
	logx "github.com/SpaceDev/SpaceRTK/pkg/logx"
)

type runningTask struct {
	task      Task
	opt       TaskOptions
	timeout   time.Duration
	track     bool
	submitted time.Time

	// slots is the concurrency semaphore captured at submit time; nil means unlimited.
	slots chan struct{}
}

func (s *Service) run(ctx context.Context, rt runningTask) {
	if rt.track {
		defer rt.task.State.release()
	}

	if rt.slots != nil {
		atomic.AddInt32(&s.waiting, 1)
		select {
		case rt.slots <- struct{}{}:
			atomic.AddInt32(&s.waiting, -1)
			defer func() { <-rt.slots }()
		case <-ctx.Done():
			atomic.AddInt32(&s.waiting, -1)
			s.finish(rt, time.Now(), 0, 0, ctx.Err())
			return
		}
	}

	atomic.AddInt32(&s.inFlight, 1)
	defer atomic.AddInt32(&s.inFlight, -1)
	s.execOne(ctx, rt)
}

func (s *Service) execOne(ctx context.Context, rt runningTask) {
	start := time.Now()
	slotDelay := start.Sub(rt.submitted)
	if slotDelay < 0 {
		slotDelay = 0
	}
	atomic.AddUint64(&s.started, 1)

	s.log.Debug("task.started", logx.String("task", rt.task.Name), logx.String("id", rt.task.ID), logx.Duration("slot_delay", slotDelay))
	s.publish(eventbus.TaskStarted, TaskEvent{ID: rt.task.ID, Name: rt.task.Name, Started: start, SlotDelay: slotDelay})

	rng := rand.New(rand.NewSource(start.UnixNano()))
	maxAttempts := 1 + rt.opt.RetryMax

	var err error
	attempts := 0
attemptLoop:
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt

		runCtx := ctx
		var cancel func()
		if rt.timeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, rt.timeout)
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic: %v", r)
					s.log.Error("task.panic", logx.String("task", rt.task.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				}
			}()
			err = rt.task.Run(runCtx)
		}()
		if cancel != nil {
			cancel()
		}
		if err == nil {
			break
		}
		var fe *finalError
		if errors.As(err, &fe) {
			err = fe.cause
			break
		}
		if attempt >= maxAttempts {
			break
		}

		delay := backoffDelayWithHint(rt.opt, attempt, err, rng)
		if delay > 0 {
			s.log.Debug("task retry scheduled", logx.String("task", rt.task.Name), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
			tmr := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				tmr.Stop()
				err = ctx.Err()
				break attemptLoop
			case <-tmr.C:
			}
		}
	}

	s.finish(rt, start, slotDelay, attempts, err)
}

func (s *Service) finish(rt runningTask, start time.Time, slotDelay time.Duration, attempts int, err error) {
	dur := time.Since(start)
	item := HistoryItem{ID: rt.task.ID, Name: rt.task.Name, Started: start, SlotDelay: slotDelay, Duration: dur, Attempts: attempts}
	ev := TaskEvent{ID: rt.task.ID, Name: rt.task.Name, Started: start, SlotDelay: slotDelay, Duration: dur, Attempts: attempts}
	if err != nil {
		item.Error = err.Error()
		ev.Error = item.Error
		atomic.AddUint64(&s.failed, 1)
		s.log.Debug("task.failed", logx.String("task", rt.task.Name), logx.String("id", rt.task.ID), logx.Err(err), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		s.publish(eventbus.TaskFailed, ev)
	} else {
		atomic.AddUint64(&s.finished, 1)
		if dur >= 750*time.Millisecond {
			s.log.Info("task.completed", logx.String("task", rt.task.Name), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		} else {
			s.log.Debug("task.completed", logx.String("task", rt.task.Name), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		}
		s.publish(eventbus.TaskFinished, ev)
	}
	s.record(item)
}

func backoffDelayWithHint(opt TaskOptions, retry int, err error, rng *rand.Rand) time.Duration {
	if d, ok := RetryHint(err); ok {
		return clampJitter(d, opt, rng)
	}
	return backoffDelay(opt, retry, rng)
}

func backoffDelay(opt TaskOptions, retry int, rng *rand.Rand) time.Duration {
	base := opt.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := opt.RetryMaxDelay
	if maxD <= 0 {
		maxD = 15 * time.Second
	}
	d := base
	for i := 1; i < retry; i++ {
		d *= 2
		if d > maxD {
			d = maxD
			break
		}
	}
	return clampJitter(d, opt, rng)
}

func clampJitter(d time.Duration, opt TaskOptions, rng *rand.Rand) time.Duration {
	maxD := opt.RetryMaxDelay
	if maxD <= 0 {
		maxD = 15 * time.Second
	}
	if d > maxD {
		d = maxD
	}
	j := opt.RetryJitter
	if j > 0 && d > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * j
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > maxD {
		d = maxD
	}
	return d
}
