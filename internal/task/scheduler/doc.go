// Package scheduler keeps the table of named jobs and fires them on time.
//
// A job binds an action name plus arguments to a trigger:
//   - delay: one shot, some duration after creation
//   - interval: recurring, every fixed duration
//   - calendar: recurring, at a wall-clock time in the scheduler timezone
//
// The scheduler only computes trigger times. Each fire is handed to the task
// engine, which runs it on its own goroutine and dispatches the action.
package scheduler
