package config

// Config is the on-disk configuration. JSON, YAML and TOML files share the
// same keys; unknown keys are rejected.
//
// Durations are Go duration strings ("500ms", "30s", "2m").
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	TaskEngine TaskEngineConfig `json:"task_engine"`

	// Storage is optional; nil or driver "none" keeps jobs in memory only.
	Storage *StorageConfig `json:"storage,omitempty"`

	Liveness LivenessConfig `json:"liveness"`
	Catalog  CatalogConfig  `json:"catalog"`
	Handlers HandlersConfig `json:"handlers"`
	Ops      OpsConfig      `json:"ops"`

	// Jobs are added on startup unless a job with the same name was restored.
	Jobs []JobConfig `json:"jobs,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls job triggers.
type SchedulerConfig struct {
	// Timezone is the IANA zone used by calendar jobs; empty = local time.
	Timezone string `json:"timezone,omitempty"`

	FireTimeout      string `json:"fire_timeout,omitempty"`
	FailureWarnEvery string `json:"failure_warn_every,omitempty"` // default "1m"
	RestoreSpread    string `json:"restore_spread,omitempty"`
}

// TaskEngineConfig controls how fires are executed.
//
// Defaults:
//   - max_concurrent: 0 (unlimited)
//   - default_timeout: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 0
type TaskEngineConfig struct {
	MaxConcurrent  int    `json:"max_concurrent,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
}

// StorageConfig selects the job/audit store.
//
//	"storage": { "driver": "sqlite", "path": "./spacertk.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// LivenessConfig points the heartbeat at the Module.
type LivenessConfig struct {
	Enabled    bool   `json:"enabled"`
	Host       string `json:"host,omitempty"` // default 127.0.0.1
	Port       int    `json:"port"`
	Sleep      string `json:"sleep,omitempty"`     // default "30s"
	Threshold  string `json:"threshold,omitempty"` // default "60s"; must exceed sleep
	PacketSize int    `json:"packet_size,omitempty"`
}

type CatalogConfig struct {
	URL            string `json:"url,omitempty"`
	Timeout        string `json:"timeout,omitempty"`
	RefreshOnStart bool   `json:"refresh_on_start,omitempty"`
}

type HandlersConfig struct {
	Files FilesConfig `json:"files"`
}

type FilesConfig struct {
	Root             string `json:"root,omitempty"`
	DownloadTimeout  string `json:"download_timeout,omitempty"`
	MaxDownloadBytes int64  `json:"max_download_bytes,omitempty"`
}

// OpsConfig controls the optional metrics/health/pprof HTTP server.
//
// Prefer a loopback address. A non-loopback address requires a token or
// allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default "127.0.0.1:9477"
	Token         string `json:"token,omitempty"` // bearer token; never logged
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"` // default 0 so /debug/pprof/profile works
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// JobConfig declares a job in the config file.
type JobConfig struct {
	Name     string `json:"name"`
	Action   string `json:"action"`
	Args     []any  `json:"args,omitempty"`
	TimeType string `json:"time_type"`
	TimeArg  string `json:"time_arg"`
}
