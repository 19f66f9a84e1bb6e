package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// Cycle intervals. Every job re-checks monitor status on wake, so a stopped
// monitor's pending entries are harmless until removed.
const (
	digestSpec     = "@every 1h"
	refinementSpec = "@every 6h"
	feeSpec        = "@every 24h"
)

// Scheduler drives the three periodic cycles of every active monitor on a
// shared cron runner. Entries are tracked per event so stopping one monitor
// cancels exactly its own jobs.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string][]cron.EntryID
}

func NewScheduler(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		logger:  logger,
		entries: make(map[string][]cron.EntryID),
	}
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the runner and returns a context that closes once running jobs
// finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// Schedule registers the digest, refinement, and fee cycles for a monitor.
// Scheduling an already scheduled monitor is a no-op.
func (s *Scheduler) Schedule(m *Monitor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[m.EventKey]; ok {
		return nil
	}

	jobs := []struct {
		spec string
		run  func(context.Context)
	}{
		{digestSpec, m.RunDigest},
		{refinementSpec, m.RunRefinement},
		{feeSpec, m.RunFeeCycle},
	}

	var ids []cron.EntryID
	for _, job := range jobs {
		run := job.run
		id, err := s.cron.AddFunc(job.spec, func() { run(context.Background()) })
		if err != nil {
			for _, added := range ids {
				s.cron.Remove(added)
			}
			return fmt.Errorf("add cron entry %q: %w", job.spec, err)
		}
		ids = append(ids, id)
	}

	s.entries[m.EventKey] = ids
	m.setUnschedule(func() { s.Remove(m.EventKey) })
	s.logger.Debug("scheduled monitor cycles", "event", m.EventKey)
	return nil
}

// Remove cancels all scheduled cycles for one event. Idempotent.
func (s *Scheduler) Remove(eventKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.entries[eventKey] {
		s.cron.Remove(id)
	}
	delete(s.entries, eventKey)
}
