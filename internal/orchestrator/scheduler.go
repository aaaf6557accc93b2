package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/proxy-inventory/internal/config"
	"github.com/proxy-inventory/internal/snapshot"
	log "github.com/sirupsen/logrus"
)

// Scheduler runs each workflow on its own ticker.
type Scheduler struct {
	orch       *Orchestrator
	intervals  map[string]time.Duration
	runOnStart bool
}

func NewScheduler(orch *Orchestrator, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		orch: orch,
		intervals: map[string]time.Duration{
			snapshot.WorkflowCrawl:   cfg.CrawlInterval(),
			snapshot.WorkflowRecheck: cfg.RecheckInterval(),
			snapshot.WorkflowCleanup: cfg.CleanupInterval(),
		},
		runOnStart: cfg.RunOnStart,
	}
}

// Run blocks until ctx is done. Workflows with a non-positive interval are
// not scheduled.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, workflow := range Workflows() {
		interval := s.intervals[workflow]
		if interval <= 0 {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.loop(ctx, workflow, interval)
		}()
	}
	wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, workflow string, interval time.Duration) {
	entry := log.WithField("workflow", workflow)
	entry.Infof("Scheduled every %v", interval)

	if s.runOnStart {
		s.trigger(ctx, entry, workflow)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			entry.Info("Schedule stopped")
			return
		case <-ticker.C:
			s.trigger(ctx, entry, workflow)
		}
	}
}

func (s *Scheduler) trigger(ctx context.Context, entry *log.Entry, workflow string) {
	_, err := s.orch.TryRun(ctx, workflow)
	switch {
	case errors.Is(err, ErrAlreadyRunning):
		entry.Warn("Previous run still in progress, skipping tick")
	case err != nil:
		// Already logged with run details by the workflow itself.
		entry.Debugf("Scheduled run failed: %v", err)
	}
}
