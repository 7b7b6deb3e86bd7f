package app

import (
	"strings"
	"time"

	"github.com/SpaceDev/SpaceRTK/internal/config"
	"github.com/SpaceDev/SpaceRTK/internal/handlers/catalog"
	"github.com/SpaceDev/SpaceRTK/internal/handlers/files"
	"github.com/SpaceDev/SpaceRTK/internal/liveness"
	"github.com/SpaceDev/SpaceRTK/internal/ops"
	"github.com/SpaceDev/SpaceRTK/internal/storage"
	"github.com/SpaceDev/SpaceRTK/internal/task/engine"
	"github.com/SpaceDev/SpaceRTK/internal/task/scheduler"
	logx "github.com/SpaceDev/SpaceRTK/pkg/logx"
)

// The map* helpers convert validated file config into component configs.
// Durations were checked by config.Validate, so parse errors are returned
// only for configs that skipped validation.

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	}
}

func mapStorage(cfg *config.Config) (storage.Config, bool, error) {
	sc := cfg.Storage
	if sc == nil {
		return storage.Config{}, false, nil
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	busy, err := config.DurationOr("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), BusyTimeout: busy}, true, nil
}

func mapEngine(cfg *config.Config) (engine.Config, error) {
	te := cfg.TaskEngine
	timeout, err := config.ParseDuration("task_engine.default_timeout", te.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	history := te.HistorySize
	if history <= 0 {
		history = 200
	}
	return engine.Config{
		MaxConcurrent:  max(te.MaxConcurrent, 0),
		DefaultTimeout: timeout,
		HistorySize:    history,
		RetryMax:       max(te.RetryMax, 0),
	}, nil
}

func mapScheduler(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	fire, err := config.ParseDuration("scheduler.fire_timeout", sc.FireTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	warn, err := config.ParseDuration("scheduler.failure_warn_every", sc.FailureWarnEvery)
	if err != nil {
		return scheduler.Config{}, err
	}
	spread, err := config.ParseDuration("scheduler.restore_spread", sc.RestoreSpread)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Timezone:         strings.TrimSpace(sc.Timezone),
		FireTimeout:      fire,
		FailureWarnEvery: warn,
		RestoreSpread:    spread,
	}, nil
}

func mapLiveness(cfg *config.Config) (liveness.Config, bool, error) {
	lv := cfg.Liveness
	if !lv.Enabled {
		return liveness.Config{}, false, nil
	}
	sleep, err := config.ParseDuration("liveness.sleep", lv.Sleep)
	if err != nil {
		return liveness.Config{}, false, err
	}
	threshold, err := config.ParseDuration("liveness.threshold", lv.Threshold)
	if err != nil {
		return liveness.Config{}, false, err
	}
	return liveness.Config{
		Host:       lv.Host,
		Port:       lv.Port,
		Sleep:      sleep,
		Threshold:  threshold,
		PacketSize: lv.PacketSize,
	}, true, nil
}

func mapCatalog(cfg *config.Config) (catalog.Config, error) {
	timeout, err := config.ParseDuration("catalog.timeout", cfg.Catalog.Timeout)
	if err != nil {
		return catalog.Config{}, err
	}
	return catalog.Config{URL: cfg.Catalog.URL, Timeout: timeout, RefreshOnStart: cfg.Catalog.RefreshOnStart}, nil
}

func mapFiles(cfg *config.Config) (files.Config, error) {
	fc := cfg.Handlers.Files
	timeout, err := config.ParseDuration("handlers.files.download_timeout", fc.DownloadTimeout)
	if err != nil {
		return files.Config{}, err
	}
	return files.Config{Root: fc.Root, DownloadTimeout: timeout, MaxDownloadBytes: fc.MaxDownloadBytes}, nil
}

func mapOps(cfg *config.Config) (ops.Config, error) {
	o := cfg.Ops
	var (
		d   [3]time.Duration
		err error
	)
	for i, f := range []struct{ path, raw string }{
		{"ops.read_timeout", o.ReadTimeout},
		{"ops.write_timeout", o.WriteTimeout},
		{"ops.idle_timeout", o.IdleTimeout},
	} {
		if d[i], err = config.ParseDuration(f.path, f.raw); err != nil {
			return ops.Config{}, err
		}
	}
	if d[0] == 0 {
		d[0] = 10 * time.Second
	}
	if d[2] == 0 {
		d[2] = time.Minute
	}
	return ops.Config{
		Enabled:       o.Enabled,
		Addr:          o.Addr,
		Token:         o.Token,
		AllowInsecure: o.AllowInsecure,
		Pprof:         o.Pprof,
		ReadTimeout:   d[0],
		WriteTimeout:  d[1],
		IdleTimeout:   d[2],
	}, nil
}
