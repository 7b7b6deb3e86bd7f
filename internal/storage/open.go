package storage

import (
	"context"
	"errors"
	"strings"

	jsoniter "github.com/json-iterator/go"

	logx "github.com/SpaceDev/SpaceRTK/pkg/logx"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// Store is the persistence API used by the scheduler and the audit observer.
type Store interface {
	SaveJob(ctx context.Context, j JobRecord) error
	DeleteJob(ctx context.Context, name string) error
	LoadJobs(ctx context.Context) ([]JobRecord, error)
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
