// Package snapshot keeps the latest workflow reports and an in-memory pool
// of active proxies for the ops API.
package snapshot

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/proxy-inventory/internal/metrics"
	"github.com/proxy-inventory/internal/storage"
	"github.com/proxy-inventory/internal/types"
	log "github.com/sirupsen/logrus"
)

// Workflow names.
const (
	WorkflowCrawl   = "crawl"
	WorkflowRecheck = "recheck"
	WorkflowCleanup = "cleanup"
)

// Report summarizes one workflow run.
type Report struct {
	RunID         string    `json:"run_id"`
	Workflow      string    `json:"workflow"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
	DurationMs    int64     `json:"duration_ms"`
	Spiders       int       `json:"spiders,omitempty"`
	FailedSpiders []string  `json:"failed_spiders,omitempty"`
	Candidates    int       `json:"candidates"`
	Checked       int       `json:"checked"`
	Working       int       `json:"working"`
	Merged        int       `json:"merged"`
	Deleted       int       `json:"deleted"`
	Errors        []string  `json:"errors,omitempty"`
}

// Finish stamps the end time and records err, if any.
func (r *Report) Finish(err error) {
	r.FinishedAt = time.Now().UTC()
	r.DurationMs = r.FinishedAt.Sub(r.StartedAt).Milliseconds()
	if err != nil {
		r.Errors = append(r.Errors, err.Error())
	}
}

// Status is "ok" or "error".
func (r *Report) Status() string {
	if len(r.Errors) > 0 {
		return "error"
	}
	return "ok"
}

// Stats describes the inventory as of the last pool refresh.
type Stats struct {
	Total      int            `json:"total"`
	Active     int            `json:"active"`
	Inactive   int            `json:"inactive"`
	Stale      int            `json:"stale"`
	ByProtocol map[string]int `json:"by_protocol"`
	Refreshed  time.Time      `json:"refreshed"`
}

type pool struct {
	proxies []types.StoredProxy
	stats   Stats
}

// StaleAfter is how old a last check may be before a proxy counts as stale.
const StaleAfter = time.Hour

type Manager struct {
	current atomic.Pointer[pool]
	storage storage.Storage
	metrics *metrics.Collector

	mu      sync.RWMutex
	reports map[string]Report

	refreshInterval time.Duration
	now             func() time.Time
}

func NewManager(store storage.Storage, refreshInterval time.Duration, metricsCollector *metrics.Collector) *Manager {
	m := &Manager{
		storage:         store,
		metrics:         metricsCollector,
		reports:         make(map[string]Report),
		refreshInterval: refreshInterval,
		now:             func() time.Time { return time.Now().UTC() },
	}
	m.current.Store(&pool{stats: Stats{ByProtocol: map[string]int{}}})
	return m
}

// Record stores r as the latest report of its workflow.
func (m *Manager) Record(r Report) {
	m.mu.Lock()
	m.reports[r.Workflow] = r
	m.mu.Unlock()
}

// Last returns the latest report for workflow.
func (m *Manager) Last(workflow string) (Report, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reports[workflow]
	return r, ok
}

// Reports returns a copy of every latest report keyed by workflow.
func (m *Manager) Reports() map[string]Report {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Report, len(m.reports))
	for k, v := range m.reports {
		out[k] = v
	}
	return out
}

// Refresh reloads the active pool and inventory stats from the store.
func (m *Manager) Refresh(ctx context.Context) error {
	rows, err := m.storage.Query(ctx, storage.Filter{})
	if err != nil {
		return fmt.Errorf("query inventory: %w", err)
	}

	now := m.now()
	stats := Stats{Total: len(rows), ByProtocol: map[string]int{}, Refreshed: now}
	active := make([]types.StoredProxy, 0, len(rows))
	for _, row := range rows {
		if row.IsStale(StaleAfter, now) {
			stats.Stale++
		}
		if !row.IsActive {
			stats.Inactive++
			continue
		}
		stats.Active++
		stats.ByProtocol[row.Field(types.FieldProtocol)]++
		active = append(active, row)
	}

	m.current.Store(&pool{proxies: active, stats: stats})
	m.metrics.SetInventory(stats.Active, stats.Inactive)
	log.Debugf("Pool refreshed: %d active of %d", stats.Active, stats.Total)
	return nil
}

// Run refreshes the pool at the configured interval until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	if m.refreshInterval <= 0 {
		return
	}
	ticker := time.NewTicker(m.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Refresh(ctx); err != nil {
				log.Errorf("Failed to refresh proxy pool: %v", err)
			}
		}
	}
}

// Stats returns the inventory stats of the current pool.
func (m *Manager) Stats() Stats {
	return m.current.Load().stats
}

// GetProxies returns up to n distinct random active proxies. With fresh set,
// proxies whose last check is older than StaleAfter are skipped.
func (m *Manager) GetProxies(n int, fresh bool) []types.StoredProxy {
	proxies := m.current.Load().proxies
	if fresh {
		now := m.now()
		kept := make([]types.StoredProxy, 0, len(proxies))
		for _, p := range proxies {
			if !p.IsStale(StaleAfter, now) {
				kept = append(kept, p)
			}
		}
		proxies = kept
	}

	total := len(proxies)
	if total == 0 {
		return []types.StoredProxy{}
	}
	if n <= 0 || n > total {
		n = total
	}

	result := make([]types.StoredProxy, n)
	for i, idx := range rand.Perm(total)[:n] {
		result[i] = proxies[idx]
	}
	return result
}
