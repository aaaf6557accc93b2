package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/proxy-inventory/internal/config"
	"github.com/proxy-inventory/internal/snapshot"
	"github.com/proxy-inventory/internal/storage"
	"github.com/proxy-inventory/internal/types"
)

func TestSchedulerRunOnStart(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStorage(ipPort)
	seedStore(t, store, storedProxy("1.1.1.1", types.ProtocolHTTP, 5, nil))
	orch, snap := newTestOrchestrator(&fakeCrawler{}, &fakeChecker{}, store, testOptions())

	sched := NewScheduler(orch, config.SchedulerConfig{
		RunOnStart:             true,
		CleanupIntervalSeconds: 3600,
	})

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(stopped)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if report, ok := snap.Last(snapshot.WorkflowCleanup); ok {
			if report.Deleted != 1 {
				t.Errorf("deleted = %d, want 1", report.Deleted)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("cleanup did not run on start")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}

	// Crawl and recheck have no interval and must not have run.
	for _, wf := range []string{snapshot.WorkflowCrawl, snapshot.WorkflowRecheck} {
		if _, ok := snap.Last(wf); ok {
			t.Errorf("%s ran without an interval", wf)
		}
	}
}

func TestSchedulerNothingScheduled(t *testing.T) {
	t.Parallel()

	orch, _ := newTestOrchestrator(&fakeCrawler{}, &fakeChecker{}, storage.NewMemoryStorage(ipPort), testOptions())
	sched := NewScheduler(orch, config.SchedulerConfig{})

	done := make(chan struct{})
	go func() {
		sched.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run should return immediately with no intervals")
	}
}
