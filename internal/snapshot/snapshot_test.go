package snapshot

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/proxy-inventory/internal/metrics"
	"github.com/proxy-inventory/internal/storage"
	"github.com/proxy-inventory/internal/types"
)

func seed(t *testing.T, store storage.Storage, rows ...*types.CheckedCandidate) {
	t.Helper()
	fields := append(append([]string{}, storage.LivenessFields...), storage.EnrichmentFields...)
	if _, err := store.UpsertMany(context.Background(), rows, fields); err != nil {
		t.Fatal(err)
	}
}

func proxy(ip string, active bool, proto types.Protocol, checked time.Time) *types.CheckedCandidate {
	return &types.CheckedCandidate{
		Candidate:     types.Candidate{IP: ip, Port: 8080, Protocol: types.Ptr(proto)},
		IsActive:      active,
		LastCheckedAt: checked,
	}
}

func TestRefreshAndGetProxies(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store := storage.NewMemoryStorage([]string{types.FieldIP, types.FieldPort})
	seed(t, store,
		proxy("1.1.1.1", true, types.ProtocolHTTP, now.Add(-time.Minute)),
		proxy("2.2.2.2", true, types.ProtocolSOCKS5, now.Add(-2*time.Hour)),
		proxy("3.3.3.3", false, types.ProtocolHTTP, now.Add(-time.Minute)),
	)

	m := NewManager(store, 0, metrics.NewCollector("test", prometheus.NewRegistry()))
	m.now = func() time.Time { return now }

	if got := m.GetProxies(1, false); len(got) != 0 {
		t.Fatalf("pool before refresh = %d, want 0", len(got))
	}
	if err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	stats := m.Stats()
	if stats.Total != 3 || stats.Active != 2 || stats.Inactive != 1 || stats.Stale != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.ByProtocol["http"] != 1 || stats.ByProtocol["socks5"] != 1 {
		t.Errorf("by protocol = %v", stats.ByProtocol)
	}

	tests := []struct {
		name  string
		n     int
		fresh bool
		want  int
	}{
		{"all", 0, false, 2},
		{"capped", 10, false, 2},
		{"one", 1, false, 1},
		{"fresh only", 0, true, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := m.GetProxies(tt.n, tt.fresh)
			if len(got) != tt.want {
				t.Fatalf("GetProxies(%d, %v) = %d proxies, want %d", tt.n, tt.fresh, len(got), tt.want)
			}
			seen := map[string]bool{}
			for _, p := range got {
				if !p.IsActive {
					t.Errorf("inactive proxy served: %s", p.Addr())
				}
				if seen[p.Addr()] {
					t.Errorf("duplicate proxy served: %s", p.Addr())
				}
				seen[p.Addr()] = true
			}
			if tt.fresh && len(got) == 1 && got[0].IP != "1.1.1.1" {
				t.Errorf("stale proxy served: %s", got[0].IP)
			}
		})
	}
}

func TestRefreshSetsInventoryGauge(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	store := storage.NewMemoryStorage([]string{types.FieldIP, types.FieldPort})
	seed(t, store, proxy("1.1.1.1", true, types.ProtocolHTTP, time.Now()))

	m := NewManager(store, 0, metrics.NewCollector("test", reg))
	if err := m.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	want := `
# HELP test_active_proxies Active proxies in the inventory
# TYPE test_active_proxies gauge
test_active_proxies 1
# HELP test_inactive_proxies Inactive proxies in the inventory
# TYPE test_inactive_proxies gauge
test_inactive_proxies 0
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(want), "test_active_proxies", "test_inactive_proxies"); err != nil {
		t.Error(err)
	}
}

func TestReports(t *testing.T) {
	t.Parallel()

	m := NewManager(storage.NewMemoryStorage([]string{types.FieldIP, types.FieldPort}), 0,
		metrics.NewCollector("test", prometheus.NewRegistry()))

	if _, ok := m.Last(WorkflowCrawl); ok {
		t.Fatal("no report expected before the first run")
	}

	first := Report{RunID: "a", Workflow: WorkflowCrawl, StartedAt: time.Now().UTC()}
	first.Finish(nil)
	m.Record(first)

	second := Report{RunID: "b", Workflow: WorkflowCrawl, StartedAt: time.Now().UTC()}
	second.Finish(errors.New("spider down"))
	m.Record(second)

	got, ok := m.Last(WorkflowCrawl)
	if !ok || got.RunID != "b" {
		t.Fatalf("Last() = %+v, %v", got, ok)
	}
	if got.Status() != "error" || len(got.Errors) != 1 {
		t.Errorf("status = %s errors = %v", got.Status(), got.Errors)
	}
	if first.Status() != "ok" {
		t.Errorf("first status = %s", first.Status())
	}
	if len(m.Reports()) != 1 {
		t.Errorf("reports = %d, want 1", len(m.Reports()))
	}
}
