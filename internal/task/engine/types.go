package engine

import (
	"context"
	"sync"
	"time"
)

// Config controls the fire executor.
//
// The app layer maps config.task_engine into this struct.
type Config struct {
	// MaxConcurrent caps fires running at the same time across all jobs.
	// 0 means unlimited; fires beyond the cap wait for a free slot.
	MaxConcurrent int

	// DefaultTimeout is used when Task.Timeout is 0. 0 disables the timeout.
	DefaultTimeout time.Duration

	HistorySize int

	// RetryMax is the default number of retries after a failed attempt.
	// Job fires are not retried unless this is raised.
	RetryMax int
}

// TaskOptions tunes the retry loop of one task.
type TaskOptions struct {
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%
}

func (o TaskOptions) withDefaults(cfg Config) TaskOptions {
	if o.RetryMax <= 0 {
		o.RetryMax = cfg.RetryMax
	}
	if o.RetryMax < 0 {
		o.RetryMax = 0
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 15 * time.Second
	}
	if o.RetryJitter <= 0 {
		o.RetryJitter = 0.2
	}
	return o
}

// RunState tracks whether a task is in flight.
// Tasks sharing a RunState never overlap: a submission while one is in
// flight is skipped. Tasks without one are never gated.
type RunState struct {
	mu       sync.Mutex
	inflight int
}

func (s *RunState) tryAcquire() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		return false
	}
	s.inflight++
	return true
}

func (s *RunState) release() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.mu.Unlock()
}

// Running reports whether a task holding this state is in flight.
func (s *RunState) Running() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight > 0
}

type HistoryItem struct {
	ID        string
	Name      string
	Started   time.Time
	SlotDelay time.Duration
	Duration  time.Duration
	Attempts  int
	Error     string
}

// TaskEvent is emitted on the event bus for task lifecycle events.
type TaskEvent struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Started   time.Time     `json:"started"`
	SlotDelay time.Duration `json:"slot_delay"`
	Duration  time.Duration `json:"duration"`
	Attempts  int           `json:"attempts"`
	Error     string        `json:"error,omitempty"`
}

// Task is a unit of work executed by the engine.
type Task struct {
	ID      string
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
	Opt     TaskOptions
	State   *RunState
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running       bool
	MaxConcurrent int
	InFlight      int
	Waiting       int

	Started  uint64
	Finished uint64
	Failed   uint64
	Skipped  uint64

	DefaultTimeout time.Duration
	RetryMax       int

	History []HistoryItem
}
