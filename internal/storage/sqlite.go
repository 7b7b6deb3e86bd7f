package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "github.com/SpaceDev/SpaceRTK/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) SaveJob(ctx context.Context, j JobRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if strings.TrimSpace(j.Name) == "" {
		return errors.New("job name required")
	}
	args := j.Args
	if args == nil {
		args = []any{}
	}
	argsJSON, err := jsonAPI.MarshalToString(args)
	if err != nil {
		return fmt.Errorf("encode args of job %s: %w", j.Name, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs(name, action, args, time_type, time_arg, created_at, fire_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(name) DO UPDATE SET
		   action=excluded.action, args=excluded.args, time_type=excluded.time_type,
		   time_arg=excluded.time_arg, created_at=excluded.created_at, fire_at=excluded.fire_at`,
		j.Name, j.Action, argsJSON, j.TimeType, j.TimeArg,
		j.CreatedAt.UTC().Format(time.RFC3339Nano), nullTime(j.FireAt),
	)
	return err
}

func (s *sqliteStore) DeleteJob(ctx context.Context, name string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE name = ?`, name)
	return err
}

func (s *sqliteStore) LoadJobs(ctx context.Context) ([]JobRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, action, args, time_type, time_arg, created_at, fire_at FROM jobs ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JobRecord
	for rows.Next() {
		var (
			j         JobRecord
			argsJSON  string
			createdAt string
			fireAt    sql.NullString
		)
		if err := rows.Scan(&j.Name, &j.Action, &argsJSON, &j.TimeType, &j.TimeArg, &createdAt, &fireAt); err != nil {
			return nil, err
		}
		if err := jsonAPI.UnmarshalFromString(argsJSON, &j.Args); err != nil {
			s.log.Warn("skipping job with undecodable args", logx.String("job", j.Name), logx.Err(err))
			continue
		}
		j.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		if fireAt.Valid {
			j.FireAt, _ = time.Parse(time.RFC3339Nano, fireAt.String)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	ok := 0
	if e.OK {
		ok = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, call_id, requested, action, ok, err, took_ms, args)
		 VALUES(?,?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.CallID, e.Requested, nullStr(e.Action),
		ok, nullStr(e.Error), e.TookMS, nullStr(e.ArgsJSON),
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}
