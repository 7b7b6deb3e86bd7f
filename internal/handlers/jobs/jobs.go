// Package jobs exposes the scheduler as dispatchable actions.
package jobs

import (
	"context"
	"errors"

	"github.com/SpaceDev/SpaceRTK/internal/action"
	"github.com/SpaceDev/SpaceRTK/internal/task/scheduler"
	logx "github.com/SpaceDev/SpaceRTK/pkg/logx"
)

// Scheduler is the subset of *scheduler.Service used here.
type Scheduler interface {
	AddJob(ctx context.Context, name, actionName string, args []any, timeType, timeArg string) error
	RemoveJob(ctx context.Context, name string) bool
	ListJobs() []scheduler.JobInfo
	RunJob(ctx context.Context, name string) (any, error)
}

type Group struct {
	sched Scheduler
	log   logx.Logger
}

func New(sched Scheduler, log logx.Logger) *Group {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Group{sched: sched, log: log}
}

func (g *Group) Actions() []action.Descriptor {
	return []action.Descriptor{
		{
			Name:        "addJob",
			Params:      []action.ParamType{action.String, action.String, action.List, action.String, action.String},
			Group:       "jobs",
			Description: "schedule an action: name, action, args, time type, time argument",
			Invoke:      g.addJob,
		},
		{Name: "getJobs", Group: "jobs", Description: "list scheduled jobs", Invoke: g.getJobs},
		{Name: "removeJob", Params: []action.ParamType{action.String}, Group: "jobs", Description: "unschedule a job", Invoke: g.removeJob},
		{Name: "runJob", Params: []action.ParamType{action.String}, Group: "jobs", Description: "run a job's action now", Invoke: g.runJob},
	}
}

func (g *Group) addJob(ctx context.Context, args []any) (any, error) {
	list, _ := args[2].([]any)
	err := g.sched.AddJob(ctx, args[0].(string), args[1].(string), list, args[3].(string), args[4].(string))
	if err != nil {
		return false, err
	}
	return true, nil
}

// getJobs maps each job name to [action, args, time type, time argument].
func (g *Group) getJobs(_ context.Context, _ []any) (any, error) {
	infos := g.sched.ListJobs()
	out := make(map[string]any, len(infos))
	for _, j := range infos {
		args := j.Args
		if args == nil {
			args = []any{}
		}
		out[j.Name] = []any{j.Action, args, string(j.TimeType), j.TimeArg}
	}
	return out, nil
}

// removeJob always reports success; removing an unknown job is a no-op.
func (g *Group) removeJob(ctx context.Context, args []any) (any, error) {
	if !g.sched.RemoveJob(ctx, args[0].(string)) {
		g.log.Debug("removeJob: no such job", logx.String("job", args[0].(string)))
	}
	return true, nil
}

// runJob returns false for an unknown job and true once the action ran.
func (g *Group) runJob(ctx context.Context, args []any) (any, error) {
	name := args[0].(string)
	_, err := g.sched.RunJob(ctx, name)
	if errors.Is(err, scheduler.ErrJobNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
