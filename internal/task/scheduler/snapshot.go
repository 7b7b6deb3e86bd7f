package scheduler

import "sort"

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	running := s.c != nil
	tz := s.locLocked().String()
	jobs := make([]JobInfo, 0, len(s.jobs))
	for _, e := range s.jobs {
		jobs = append(jobs, s.infoLocked(e))
	}
	eng := s.engine
	s.mu.Unlock()

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Name < jobs[j].Name })

	snap := Snapshot{Running: running, Timezone: tz, Jobs: jobs}
	if eng != nil {
		es := eng.Snapshot()
		snap.MaxConcurrent = es.MaxConcurrent
		snap.InFlight = es.InFlight
		snap.Waiting = es.Waiting
		snap.Fired = es.Started
		snap.Failed = es.Failed
		snap.Skipped = es.Skipped
		snap.DefaultTimeout = es.DefaultTimeout
		snap.RetryMax = es.RetryMax
		snap.History = es.History
	}
	return snap
}
