package storage

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	logx "github.com/SpaceDev/SpaceRTK/pkg/logx"
)

const compactEvery = 200

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.audit.jsonl        (append-only JSON Lines)
//   - <prefix>.jobs.snapshot.json (periodic snapshot)
//   - <prefix>.jobs.journal.jsonl (append-only journal)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditFile *os.File

	jobsSnapshotPath string
	jobsJournalFile  *os.File
	jobs             map[string]JobRecord

	jobWrites int
}

type journalRecord struct {
	Op   string     `json:"op"` // "put" | "del"
	Name string     `json:"name"`
	Job  *JobRecord `json:"job,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	auditPath := prefix + ".audit.jsonl"
	snapPath := prefix + ".jobs.snapshot.json"
	journalPath := prefix + ".jobs.journal.jsonl"

	af, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	jobs := map[string]JobRecord{}
	if err := loadJobsSnapshot(snapPath, jobs); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("jobs snapshot unreadable; starting from journal only", logx.String("path", snapPath), logx.Err(err))
	}
	if err := replayJobsJournal(journalPath, jobs); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("jobs journal replay stopped early", logx.String("path", journalPath), logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}

	return &fileStore{
		log:              log,
		auditFile:        af,
		jobsSnapshotPath: snapPath,
		jobsJournalFile:  jf,
		jobs:             jobs,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.auditFile != nil {
		err1 = s.auditFile.Close()
		s.auditFile = nil
	}
	if s.jobsJournalFile != nil {
		err2 = s.jobsJournalFile.Close()
		s.jobsJournalFile = nil
	}
	return errors.Join(err1, err2)
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	return jsonAPI.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) SaveJob(ctx context.Context, j JobRecord) error {
	_ = ctx
	if strings.TrimSpace(j.Name) == "" {
		return errors.New("job name required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jobsJournalFile == nil {
		return ErrClosed
	}
	if err := s.appendLocked(journalRecord{Op: "put", Name: j.Name, Job: &j}); err != nil {
		return err
	}
	s.jobs[j.Name] = j
	return nil
}

func (s *fileStore) DeleteJob(ctx context.Context, name string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jobsJournalFile == nil {
		return ErrClosed
	}
	if _, ok := s.jobs[name]; !ok {
		return nil
	}
	if err := s.appendLocked(journalRecord{Op: "del", Name: name}); err != nil {
		return err
	}
	delete(s.jobs, name)
	return nil
}

func (s *fileStore) LoadJobs(ctx context.Context) ([]JobRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobRecord, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out, nil
}

func (s *fileStore) appendLocked(r journalRecord) error {
	if err := jsonAPI.NewEncoder(s.jobsJournalFile).Encode(r); err != nil {
		return err
	}
	s.jobWrites++
	if s.jobWrites%compactEvery == 0 {
		// Best-effort compact; the journal stays authoritative if it fails.
		if err := s.compactLocked(r); err != nil {
			s.log.Debug("jobs compact failed", logx.Err(err))
		}
	}
	return nil
}

// compactLocked writes the table as it will be once pending is applied,
// then truncates the journal.
func (s *fileStore) compactLocked(pending journalRecord) error {
	snap := make(map[string]JobRecord, len(s.jobs)+1)
	for k, v := range s.jobs {
		snap[k] = v
	}
	applyJournal(snap, pending)

	tmp := s.jobsSnapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := jsonAPI.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.jobsSnapshotPath); err != nil {
		return err
	}
	if err := s.jobsJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.jobsJournalFile.Seek(0, io.SeekEnd)
	return err
}

func applyJournal(m map[string]JobRecord, r journalRecord) {
	switch r.Op {
	case "put":
		if r.Job != nil && r.Name != "" {
			m[r.Name] = *r.Job
		}
	case "del":
		delete(m, r.Name)
	}
}

func loadJobsSnapshot(path string, out map[string]JobRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]JobRecord
	if err := jsonAPI.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJobsJournal(path string, out map[string]JobRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := jsonAPI.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		applyJournal(out, r)
	}
	return sc.Err()
}
