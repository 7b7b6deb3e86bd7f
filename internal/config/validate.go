package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

const (
	DefaultOpsAddr           = "127.0.0.1:9477"
	DefaultLivenessSleep     = 30 * time.Second
	DefaultLivenessThreshold = 60 * time.Second
)

// Validate reports every problem in cfg at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) time.Duration {
		d, err := ParseDuration(path, raw)
		add(err)
		return d
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	dur("scheduler.fire_timeout", cfg.Scheduler.FireTimeout)
	dur("scheduler.failure_warn_every", cfg.Scheduler.FailureWarnEvery)
	dur("scheduler.restore_spread", cfg.Scheduler.RestoreSpread)

	if cfg.TaskEngine.MaxConcurrent < 0 {
		add(errors.New("task_engine.max_concurrent must be >= 0"))
	}
	if cfg.TaskEngine.RetryMax < 0 {
		add(errors.New("task_engine.retry_max must be >= 0"))
	}
	dur("task_engine.default_timeout", cfg.TaskEngine.DefaultTimeout)

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none":
		case "file", "sqlite":
			if strings.TrimSpace(s.Path) == "" {
				add(errors.New("storage.path is required"))
			}
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		dur("storage.busy_timeout", s.BusyTimeout)
	}

	if lv := cfg.Liveness; lv.Enabled {
		if lv.Port <= 0 || lv.Port > 65535 {
			add(fmt.Errorf("liveness.port %d out of range", lv.Port))
		}
		sleep := dur("liveness.sleep", lv.Sleep)
		threshold := dur("liveness.threshold", lv.Threshold)
		if sleep == 0 {
			sleep = DefaultLivenessSleep
		}
		if threshold == 0 {
			threshold = DefaultLivenessThreshold
		}
		if sleep >= threshold {
			add(fmt.Errorf("liveness.sleep (%s) must be shorter than liveness.threshold (%s)", sleep, threshold))
		}
	}

	dur("catalog.timeout", cfg.Catalog.Timeout)
	dur("handlers.files.download_timeout", cfg.Handlers.Files.DownloadTimeout)
	if cfg.Handlers.Files.MaxDownloadBytes < 0 {
		add(errors.New("handlers.files.max_download_bytes must be >= 0"))
	}

	if o := cfg.Ops; o.Enabled {
		addr := strings.TrimSpace(o.Addr)
		if addr == "" {
			addr = DefaultOpsAddr
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			add(fmt.Errorf("ops.addr: %w", err))
		} else if !IsLoopbackAddr(addr) && strings.TrimSpace(o.Token) == "" && !o.AllowInsecure {
			add(fmt.Errorf("ops.addr %q is not loopback: set ops.token or ops.allow_insecure", addr))
		}
		dur("ops.read_timeout", o.ReadTimeout)
		dur("ops.write_timeout", o.WriteTimeout)
		dur("ops.idle_timeout", o.IdleTimeout)
	}

	seen := map[string]bool{}
	for i, j := range cfg.Jobs {
		name := strings.TrimSpace(j.Name)
		switch {
		case name == "":
			add(fmt.Errorf("jobs[%d].name is required", i))
		case seen[name]:
			add(fmt.Errorf("jobs[%d]: duplicate job name %q", i, name))
		}
		seen[name] = true
		if strings.TrimSpace(j.Action) == "" {
			add(fmt.Errorf("jobs[%d].action is required", i))
		}
	}

	return errors.Join(errs...)
}

// IsLoopbackAddr reports whether host:port binds only to loopback.
func IsLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
