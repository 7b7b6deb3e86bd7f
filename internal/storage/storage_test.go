package storage

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	logx "github.com/SpaceDev/SpaceRTK/pkg/logx"
)

func openTemp(t *testing.T, driver string) (Store, Config) {
	t.Helper()
	cfg := Config{Driver: driver, Path: filepath.Join(t.TempDir(), "state", "spacertk.db")}
	st, err := Open(cfg, logx.Nop())
	require.NoError(t, err)
	require.NotNil(t, st)
	return st, cfg
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, d := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: d}, logx.Nop())
		require.NoError(t, err)
		require.Nil(t, st)
	}
	_, err := Open(Config{Driver: "redis"}, logx.Nop())
	require.Error(t, err)
}

func TestJobsRoundTripAndReopen(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st, cfg := openTemp(t, driver)

			created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
			require.NoError(t, st.SaveJob(ctx, JobRecord{
				Name: "backup", Action: "copyDirectory", Args: []any{"world", "backups/world"},
				TimeType: "calendar", TimeArg: "03:00", CreatedAt: created,
			}))
			require.NoError(t, st.SaveJob(ctx, JobRecord{
				Name: "restart", Action: "ping", TimeType: "delay", TimeArg: "10",
				CreatedAt: created, FireAt: created.Add(10 * time.Second),
			}))
			require.NoError(t, st.SaveJob(ctx, JobRecord{Name: "gone", Action: "ping", TimeType: "interval", TimeArg: "5", CreatedAt: created}))
			require.NoError(t, st.DeleteJob(ctx, "gone"))
			require.NoError(t, st.DeleteJob(ctx, "never-existed"))

			// Upsert replaces the previous record.
			require.NoError(t, st.SaveJob(ctx, JobRecord{
				Name: "backup", Action: "copyDirectory", Args: []any{"world", "backups/world2"},
				TimeType: "calendar", TimeArg: "04:00", CreatedAt: created,
			}))
			require.NoError(t, st.Close())

			st2, err := Open(cfg, logx.Nop())
			require.NoError(t, err)
			defer st2.Close()

			jobs, err := st2.LoadJobs(ctx)
			require.NoError(t, err)
			require.Len(t, jobs, 2)
			require.Equal(t, "backup", jobs[0].Name)
			require.Equal(t, "04:00", jobs[0].TimeArg)
			require.Equal(t, []any{"world", "backups/world2"}, jobs[0].Args)
			require.True(t, jobs[0].FireAt.IsZero())
			require.Equal(t, "restart", jobs[1].Name)
			require.True(t, jobs[1].CreatedAt.Equal(created))
			require.True(t, jobs[1].FireAt.Equal(created.Add(10*time.Second)))
		})
	}
}

func TestAppendAudit(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			st, _ := openTemp(t, driver)
			defer st.Close()
			require.NoError(t, st.AppendAudit(context.Background(), AuditEntry{
				CallID: "c1", Requested: "copyDir", Action: "copyDirectory", OK: true, TookMS: 3, ArgsJSON: `["a","b"]`,
			}))
			require.NoError(t, st.AppendAudit(context.Background(), AuditEntry{
				CallID: "c2", Requested: "nope", Error: "action not found",
			}))
		})
	}
}

func TestFileAuditIsJSONLines(t *testing.T) {
	t.Parallel()
	st, cfg := openTemp(t, "file")
	for i := 0; i < 3; i++ {
		require.NoError(t, st.AppendAudit(context.Background(), AuditEntry{CallID: strconv.Itoa(i), Requested: "ping", OK: true}))
	}
	require.NoError(t, st.Close())
	require.ErrorIs(t, st.AppendAudit(context.Background(), AuditEntry{}), ErrClosed)

	f, err := os.Open(filepath.Join(filepath.Dir(cfg.Path), "spacertk.audit.jsonl"))
	require.NoError(t, err)
	defer f.Close()

	var lines int
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e AuditEntry
		require.NoError(t, jsonAPI.Unmarshal(sc.Bytes(), &e))
		require.Equal(t, strconv.Itoa(lines), e.CallID)
		lines++
	}
	require.Equal(t, 3, lines)
}

func TestFileJournalCompaction(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, cfg := openTemp(t, "file")

	for i := 0; i < compactEvery+10; i++ {
		name := "job" + strconv.Itoa(i%7)
		require.NoError(t, st.SaveJob(ctx, JobRecord{Name: name, Action: "ping", TimeType: "interval", TimeArg: strconv.Itoa(i + 1)}))
	}
	require.NoError(t, st.DeleteJob(ctx, "job0"))
	require.NoError(t, st.Close())

	_, err := os.Stat(filepath.Join(filepath.Dir(cfg.Path), "spacertk.jobs.snapshot.json"))
	require.NoError(t, err)

	st2, err := Open(cfg, logx.Nop())
	require.NoError(t, err)
	defer st2.Close()
	jobs, err := st2.LoadJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 6)
	// Last writes: job1 at i=204, job6 at i=209.
	require.Equal(t, "job1", jobs[0].Name)
	require.Equal(t, "205", jobs[0].TimeArg)
	require.Equal(t, "job6", jobs[5].Name)
	require.Equal(t, "210", jobs[5].TimeArg)
}
