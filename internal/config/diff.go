package config

import (
	"reflect"
	"sort"
	"strings"

	logx "github.com/SpaceDev/SpaceRTK/pkg/logx"
)

// SummarizeChange lists the sections that differ between two configs and
// returns log fields describing the new values. Tokens are never included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		fields  []logx.Field
	)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		fields = append(fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		fields = append(fields,
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.fire_timeout", newCfg.Scheduler.FireTimeout),
		)
	}
	if oldCfg.TaskEngine != newCfg.TaskEngine {
		changed = append(changed, "task_engine")
		fields = append(fields,
			logx.Int("task_engine.max_concurrent", newCfg.TaskEngine.MaxConcurrent),
			logx.String("task_engine.default_timeout", newCfg.TaskEngine.DefaultTimeout),
			logx.Int("task_engine.retry_max", newCfg.TaskEngine.RetryMax),
		)
	}

	var oldS, newS StorageConfig
	if oldCfg.Storage != nil {
		oldS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		newS = *newCfg.Storage
	}
	if oldS != newS {
		changed = append(changed, "storage")
		fields = append(fields,
			logx.String("storage.driver", newS.Driver),
			logx.Bool("storage.path_set", strings.TrimSpace(newS.Path) != ""),
		)
	}

	if oldCfg.Liveness != newCfg.Liveness {
		changed = append(changed, "liveness")
		fields = append(fields,
			logx.Bool("liveness.enabled", newCfg.Liveness.Enabled),
			logx.Int("liveness.port", newCfg.Liveness.Port),
		)
	}
	if oldCfg.Catalog != newCfg.Catalog {
		changed = append(changed, "catalog")
		fields = append(fields, logx.String("catalog.url", newCfg.Catalog.URL))
	}
	if oldCfg.Handlers != newCfg.Handlers {
		changed = append(changed, "handlers")
		fields = append(fields, logx.String("handlers.files.root", newCfg.Handlers.Files.Root))
	}

	if oldCfg.Ops != newCfg.Ops {
		changed = append(changed, "ops")
		fields = append(fields,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", newCfg.Ops.Addr),
			logx.Bool("ops.token_set", newCfg.Ops.Token != ""),
			logx.Bool("ops.pprof", newCfg.Ops.Pprof),
		)
	}

	if !reflect.DeepEqual(oldCfg.Jobs, newCfg.Jobs) {
		changed = append(changed, "jobs")
		fields = append(fields, logx.Int("jobs.count", len(newCfg.Jobs)))
	}

	sort.Strings(changed)
	return changed, fields
}

// Restartless lists the sections applied on reload without a restart.
var Restartless = map[string]bool{
	"logging":     true,
	"scheduler":   true,
	"task_engine": true,
	"ops":         true,
}

// RequiresRestart filters changed down to sections that only take effect
// after a restart.
func RequiresRestart(changed []string) []string {
	var out []string
	for _, c := range changed {
		if !Restartless[c] {
			out = append(out, c)
		}
	}
	return out
}
