package scheduler

import "errors"

var (
	ErrUnschedulable = errors.New("unschedulable")
	ErrJobExists     = errors.New("job already scheduled")
	ErrJobNotFound   = errors.New("job not found")
	ErrInvalidJob    = errors.New("invalid job")
	ErrNoDispatcher  = errors.New("scheduler has no dispatcher")
	ErrJobRecursion  = errors.New("job re-entered from its own run")
)
