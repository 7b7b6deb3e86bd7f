package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/SpaceDev/SpaceRTK/internal/eventbus"
	rtsup "github.com/SpaceDev/SpaceRTK/internal/runtime/supervisor"
	logx "github.com/SpaceDev/SpaceRTK/pkg/logx"
)

// Service runs each submitted task on its own supervised goroutine.
//
// There is no queue: Submit never blocks and never drops. Overlap of the same
// task is gated by its RunState; MaxConcurrent optionally bounds the total.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	sup   *rtsup.Supervisor
	slots chan struct{}

	inFlight int32
	waiting  int32

	started  uint64
	finished uint64
	failed   uint64
	skipped  uint64

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	if cfg.MaxConcurrent < 0 {
		cfg.MaxConcurrent = 0
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, log: log, bus: bus}
}

// Supervisor returns the supervisor owning in-flight tasks, or nil while
// the engine is stopped.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Apply swaps the config. A changed MaxConcurrent takes effect for fires
// submitted after the call; fires already holding a slot keep it.
func (s *Service) Apply(cfg Config) {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	if cfg.MaxConcurrent < 0 {
		cfg.MaxConcurrent = 0
	}
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	if s.sup != nil && prev.MaxConcurrent != cfg.MaxConcurrent {
		s.slots = newSlots(cfg.MaxConcurrent)
	}
	s.mu.Unlock()
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "taskengine"))),
		rtsup.WithCancelOnError(false),
	)
	s.slots = newSlots(s.cfg.MaxConcurrent)
	s.log.Info("task engine started", logx.Int("max_concurrent", s.cfg.MaxConcurrent))
}

// Stop refuses new tasks and waits for in-flight ones until ctx is done,
// then cancels whatever is still running.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.slots = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}

	err := sup.Wait(ctx)
	sup.Cancel()
	if err != nil && ctx.Err() != nil {
		s.log.Warn("task engine stop timed out; cancelling in-flight tasks", logx.Err(ctx.Err()), logx.Int("in_flight", int(atomic.LoadInt32(&s.inFlight))))
		return
	}
	s.log.Info("task engine stopped")
}

// Submit starts t in the background and returns immediately.
//
// It returns ErrOverlapSkip when t.State is already held and ErrStopped when
// the engine is not running.
func (s *Service) Submit(t Task) error {
	if t.Run == nil {
		return fmt.Errorf("%w: Run is nil", ErrInvalidTask)
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return fmt.Errorf("%w: Name is required", ErrInvalidTask)
	}
	if strings.TrimSpace(t.ID) == "" {
		t.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup == nil {
		return ErrStopped
	}
	cfg := s.cfg
	opt := t.Opt.withDefaults(cfg)
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}

	track := t.State != nil
	if track && !t.State.tryAcquire() {
		now := time.Now()
		atomic.AddUint64(&s.skipped, 1)
		s.publish(eventbus.TaskSkipped, TaskEvent{ID: t.ID, Name: t.Name, Started: now, Error: "overlap_skip"})
		s.log.Debug("task skipped due to overlap", logx.String("task", t.Name), logx.String("id", t.ID))
		return ErrOverlapSkip
	}

	rt := runningTask{task: t, opt: opt, timeout: timeout, track: track, submitted: time.Now(), slots: s.slots}
	s.sup.Go("task."+t.Name, func(ctx context.Context) error {
		s.run(ctx, rt)
		return nil
	})
	return nil
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	running := s.sup != nil
	s.mu.Unlock()

	s.hmu.Lock()
	h := make([]HistoryItem, len(s.history))
	copy(h, s.history)
	s.hmu.Unlock()

	return Snapshot{
		Running:        running,
		MaxConcurrent:  cfg.MaxConcurrent,
		InFlight:       int(atomic.LoadInt32(&s.inFlight)),
		Waiting:        int(atomic.LoadInt32(&s.waiting)),
		Started:        atomic.LoadUint64(&s.started),
		Finished:       atomic.LoadUint64(&s.finished),
		Failed:         atomic.LoadUint64(&s.failed),
		Skipped:        atomic.LoadUint64(&s.skipped),
		DefaultTimeout: cfg.DefaultTimeout,
		RetryMax:       cfg.RetryMax,
		History:        h,
	}
}

func (s *Service) publish(typ string, ev TaskEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}

func (s *Service) record(item HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}

func newSlots(n int) chan struct{} {
	if n <= 0 {
		return nil
	}
	return make(chan struct{}, n)
}
