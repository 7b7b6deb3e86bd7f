package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"github.com/SpaceDev/SpaceRTK/internal/action"
	"github.com/SpaceDev/SpaceRTK/internal/eventbus"
	"github.com/SpaceDev/SpaceRTK/internal/storage"
	"github.com/SpaceDev/SpaceRTK/internal/task/engine"
	logx "github.com/SpaceDev/SpaceRTK/pkg/logx"
)

// Config controls the scheduler.
type Config struct {
	Timezone string // IANA TZ for calendar jobs, e.g. "Europe/Paris"; empty = Local

	// FireTimeout bounds a single fire. 0 uses the task engine default.
	FireTimeout time.Duration

	// FailureWarnEvery rate-limits "job fire failed" warnings per job.
	// Suppressed failures are still logged at debug level.
	FailureWarnEvery time.Duration

	// RestoreSpread caps the random delay added to the first fire of
	// interval jobs restored from storage. 0 disables it.
	RestoreSpread time.Duration
}

// Dispatcher is what the scheduler needs from the action layer.
type Dispatcher interface {
	Resolve(name string) (*action.Descriptor, error)
	Dispatch(ctx context.Context, name string, args []any) (any, error)
}

// Store persists the job table. storage.Store satisfies it.
type Store interface {
	SaveJob(ctx context.Context, j storage.JobRecord) error
	DeleteJob(ctx context.Context, name string) error
	LoadJobs(ctx context.Context) ([]storage.JobRecord, error)
}

// Job is one named, time-triggered binding of an action.
type Job struct {
	Name      string
	Action    string
	Args      []any
	TimeType  TimeType
	TimeArg   string
	Recurring bool
	CreatedAt time.Time
	FireAt    time.Time // delay jobs only
}

// JobInfo is a read-only view of a scheduled job.
type JobInfo struct {
	Name      string
	Action    string
	Args      []any
	TimeType  TimeType
	TimeArg   string
	Recurring bool
	Next      time.Time
	Prev      time.Time
	Running   bool
}

// JobEvent is published on the event bus after each fire.
type JobEvent struct {
	Job      string        `json:"job"`
	Action   string        `json:"action"`
	FireID   string        `json:"fire_id"`
	OneShot  bool          `json:"one_shot"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

type jobEntry struct {
	job     Job
	trig    Trigger
	state   *engine.RunState
	entryID cron.EntryID
	timer   *time.Timer
	ver     uint64
	spread  time.Duration
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	bus eventbus.Bus

	engine *engine.Service
	disp   Dispatcher
	store  Store

	c        *cron.Cron
	jobs     map[string]*jobEntry
	verSeq   uint64
	restored bool

	// storeMu orders store writes; see syncStore.
	storeMu sync.Mutex

	warnMu sync.Mutex
	warn   map[string]*rate.Limiter
}

type Snapshot struct {
	Running  bool
	Timezone string

	// Executor diagnostics (task engine).
	MaxConcurrent  int
	InFlight       int
	Waiting        int
	Fired          uint64
	Failed         uint64
	Skipped        uint64
	DefaultTimeout time.Duration
	RetryMax       int

	Jobs    []JobInfo
	History []engine.HistoryItem
}
