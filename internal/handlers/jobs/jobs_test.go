package jobs

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/SpaceDev/SpaceRTK/internal/action"
	"github.com/SpaceDev/SpaceRTK/internal/eventbus"
	"github.com/SpaceDev/SpaceRTK/internal/task/engine"
	"github.com/SpaceDev/SpaceRTK/internal/task/scheduler"
	logx "github.com/SpaceDev/SpaceRTK/pkg/logx"
)

type env struct {
	disp  *action.Dispatcher
	sched *scheduler.Service
	saves atomic.Int64
	last  atomic.Value
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{}
	bus := eventbus.New()
	eng := engine.New(engine.Config{}, logx.Nop(), bus)
	eng.Start(context.Background())
	e.sched = scheduler.New(scheduler.Config{}, eng, nil, logx.Nop(), bus)

	save := action.Descriptor{
		Name:   "saveAll",
		Params: []action.ParamType{action.String},
		Invoke: func(_ context.Context, args []any) (any, error) {
			e.saves.Add(1)
			e.last.Store(args[0])
			return "saved", nil
		},
	}
	reg, err := action.NewRegistry([]action.Descriptor{save}, New(e.sched, logx.Nop()).Actions())
	require.NoError(t, err)
	e.disp = action.NewDispatcher(reg)
	e.sched.SetDispatcher(e.disp)
	e.sched.Start(context.Background())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		e.sched.Stop(ctx)
		eng.Stop(ctx)
	})
	return e
}

func (e *env) call(t *testing.T, name string, args ...any) any {
	t.Helper()
	out, err := e.disp.Dispatch(context.Background(), name, args)
	require.NoError(t, err, name)
	return out
}

func TestJobs_AddGetRemove(t *testing.T) {
	e := newEnv(t)

	require.Equal(t, true, e.call(t, "addJob", "nightly", "saveAll", []any{"world"}, "calendar", "03:00"))
	require.Equal(t, true, e.call(t, "addJob", "often", "saveAll", []any{"nether"}, "interval", "1h"))

	got := e.call(t, "getJobs").(map[string]any)
	require.Equal(t, map[string]any{
		"nightly": []any{"saveAll", []any{"world"}, "calendar", "03:00"},
		"often":   []any{"saveAll", []any{"nether"}, "interval", "1h"},
	}, got)

	require.Equal(t, true, e.call(t, "removeJob", "often"))
	require.Equal(t, true, e.call(t, "removeJob", "often"))
	require.Len(t, e.call(t, "getJobs").(map[string]any), 1)
}

func TestJobs_AddJobFailures(t *testing.T) {
	e := newEnv(t)
	e.call(t, "addJob", "a", "saveAll", []any{"w"}, "delay", "1h")

	cases := []struct {
		name string
		args []any
		is   error
	}{
		{"duplicate", []any{"a", "saveAll", []any{"w"}, "delay", "1h"}, scheduler.ErrJobExists},
		{"unknown action", []any{"b", "nope", []any{}, "delay", "1h"}, action.ErrNotFound},
		{"bad time", []any{"c", "saveAll", []any{"w"}, "delay", "soon"}, scheduler.ErrUnschedulable},
		{"bad type", []any{"d", "saveAll", []any{"w"}, "yearly", "1"}, scheduler.ErrUnschedulable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := e.disp.Dispatch(context.Background(), "addJob", tc.args)
			require.ErrorIs(t, err, action.ErrHandlerFailure)
			require.ErrorIs(t, err, tc.is)
			require.Equal(t, false, out)
		})
	}
	require.Len(t, e.sched.ListJobs(), 1)
}

func TestJobs_RunJob(t *testing.T) {
	e := newEnv(t)
	e.call(t, "addJob", "later", "saveAll", []any{"spawn"}, "delay", "1h")

	require.Equal(t, true, e.call(t, "runJob", "later"))
	require.EqualValues(t, 1, e.saves.Load())
	require.Equal(t, "spawn", e.last.Load())

	// The one-shot job is still pending after an out-of-band run.
	require.Len(t, e.sched.ListJobs(), 1)

	require.Equal(t, false, e.call(t, "runJob", "missing"))
}

func TestJobs_ScheduledJobCanAddJobs(t *testing.T) {
	e := newEnv(t)
	e.call(t, "addJob", "bootstrap", "addJob", []any{"child", "saveAll", []any{"x"}, "delay", "1h"}, "delay", "1")

	require.Eventually(t, func() bool {
		_, ok := e.sched.Get("child")
		return ok
	}, 5*time.Second, 20*time.Millisecond)
	_, ok := e.sched.Get("bootstrap")
	require.False(t, ok)
}

func TestJobs_RunJobSelfReference(t *testing.T) {
	e := newEnv(t)
	e.call(t, "addJob", "loop", "runJob", []any{"loop"}, "interval", "1h")

	out, err := e.disp.Dispatch(context.Background(), "runJob", []any{"loop"})
	require.ErrorIs(t, err, action.ErrHandlerFailure)
	require.ErrorIs(t, err, scheduler.ErrJobRecursion)
	require.Equal(t, false, out)
}

func TestJobs_RunJobCycleAcrossJobs(t *testing.T) {
	e := newEnv(t)
	e.call(t, "addJob", "ping", "runJob", []any{"pong"}, "interval", "1h")
	e.call(t, "addJob", "pong", "runJob", []any{"ping"}, "interval", "1h")

	_, err := e.disp.Dispatch(context.Background(), "runJob", []any{"ping"})
	require.ErrorIs(t, err, scheduler.ErrJobRecursion)
}

func TestJobs_RunJobChainWithoutCycle(t *testing.T) {
	e := newEnv(t)
	e.call(t, "addJob", "save", "saveAll", []any{"world"}, "interval", "1h")
	e.call(t, "addJob", "outer", "runJob", []any{"save"}, "interval", "1h")

	require.Equal(t, true, e.call(t, "runJob", "outer"))
	require.Equal(t, true, e.call(t, "runJob", "outer"))
	require.EqualValues(t, 2, e.saves.Load())
}

func TestJobs_ScheduledSelfRunFailsCleanly(t *testing.T) {
	e := newEnv(t)
	e.call(t, "addJob", "self", "runJob", []any{"self"}, "delay", "1")

	require.Eventually(t, func() bool {
		_, ok := e.sched.Get("self")
		return !ok
	}, 5*time.Second, 20*time.Millisecond)
	require.EqualValues(t, 0, e.saves.Load())
}
