package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl + snapshot)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// JobRecord is the persisted form of a scheduled job.
type JobRecord struct {
	Name      string    `json:"name"`
	Action    string    `json:"action"`
	Args      []any     `json:"args"`
	TimeType  string    `json:"time_type"`
	TimeArg   string    `json:"time_arg"`
	CreatedAt time.Time `json:"created_at"`
	FireAt    time.Time `json:"fire_at,omitempty"`
}

// AuditEntry records one dispatch.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At        time.Time `json:"at"`
	CallID    string    `json:"call_id"`
	Requested string    `json:"requested"`
	Action    string    `json:"action,omitempty"`
	OK        bool      `json:"ok"`
	Error     string    `json:"error,omitempty"`
	TookMS    int64     `json:"took_ms"`
	ArgsJSON  string    `json:"args,omitempty"`
}
