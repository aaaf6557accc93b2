package merge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/proxy-inventory/internal/metrics"
	"github.com/proxy-inventory/internal/storage"
	"github.com/proxy-inventory/internal/types"
)

var keyFields = []string{types.FieldIP, types.FieldPort}

func newStage(store storage.Storage) *Stage {
	return NewStage(store, keyFields, metrics.NewCollector("test", prometheus.NewRegistry()))
}

func row(ip string, port uint16, source string) *types.CheckedCandidate {
	return &types.CheckedCandidate{
		Candidate: types.Candidate{
			IP:      ip,
			Port:    port,
			Source:  types.Ptr(source),
			Country: types.Ptr("US"),
		},
		IsActive:      true,
		LastCheckedAt: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestMergeEmptyBatch(t *testing.T) {
	t.Parallel()

	s := newStage(storage.NewMemoryStorage(keyFields))
	for _, batch := range [][]*types.CheckedCandidate{nil, {}, {nil, nil}} {
		for _, isCreate := range []bool{true, false} {
			n, err := s.Merge(context.Background(), batch, isCreate)
			if n != 0 || err != nil {
				t.Errorf("Merge(%v, %v) = %d, %v; want 0, nil", batch, isCreate, n, err)
			}
		}
	}
}

func TestMergeCreateDeduplicates(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStorage(keyFields)
	s := newStage(store)

	batch := []*types.CheckedCandidate{
		row("5.6.7.8", 3128, "siteA"),
		nil,
		row("5.6.7.8", 3128, "siteB"),
		row("1.1.1.1", 80, "siteA"),
	}
	n, err := s.Merge(context.Background(), batch, true)
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if n != 2 {
		t.Errorf("written = %d, want 2", n)
	}

	rows, _ := store.Query(context.Background(), storage.Filter{})
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if *rows[0].Source != "siteA" {
		t.Errorf("first-seen source should win, got %s", *rows[0].Source)
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStorage(keyFields)
	s := newStage(store)
	batch := []*types.CheckedCandidate{row("1.1.1.1", 80, "siteA"), row("2.2.2.2", 80, "siteA")}

	if _, err := s.Merge(context.Background(), batch, true); err != nil {
		t.Fatal(err)
	}
	once, _ := store.Query(context.Background(), storage.Filter{})

	if _, err := s.Merge(context.Background(), batch, true); err != nil {
		t.Fatal(err)
	}
	twice, _ := store.Query(context.Background(), storage.Filter{})

	if len(once) != len(twice) {
		t.Fatalf("row count changed: %d -> %d", len(once), len(twice))
	}
	for i := range once {
		a, b := once[i].CheckedCandidate, twice[i].CheckedCandidate
		if a.Key(keyFields) != b.Key(keyFields) || a.IsActive != b.IsActive ||
			a.CheckFailCount != b.CheckFailCount || !a.LastCheckedAt.Equal(b.LastCheckedAt) ||
			*a.Source != *b.Source || *a.Country != *b.Country {
			t.Errorf("row %d differs after second merge: %+v vs %+v", i, a, b)
		}
	}
}

func TestMergeRecheckKeepsEnrichment(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStorage(keyFields)
	s := newStage(store)

	if _, err := s.Merge(context.Background(), []*types.CheckedCandidate{row("1.1.1.1", 80, "siteA")}, true); err != nil {
		t.Fatal(err)
	}

	recheck := row("1.1.1.1", 80, "placeholder")
	recheck.Country = types.Ptr("ZZ")
	recheck.IsActive = false
	recheck.CheckFailCount = 1
	if _, err := s.Merge(context.Background(), []*types.CheckedCandidate{recheck}, false); err != nil {
		t.Fatal(err)
	}

	rows, _ := store.Query(context.Background(), storage.Filter{})
	got := rows[0]
	if got.IsActive || got.CheckFailCount != 1 {
		t.Errorf("liveness not updated: %+v", got)
	}
	if *got.Source != "siteA" || *got.Country != "US" {
		t.Errorf("enrichment overwritten: source %s country %s", *got.Source, *got.Country)
	}
}

type failingStore struct {
	storage.Storage
}

var errConnLost = errors.New("connection lost")

func (failingStore) UpsertMany(context.Context, []*types.CheckedCandidate, []string) (int, error) {
	return 0, errConnLost
}

func TestMergeSurfacesStorageErrors(t *testing.T) {
	t.Parallel()

	s := newStage(failingStore{})
	_, err := s.Merge(context.Background(), []*types.CheckedCandidate{row("1.1.1.1", 80, "a")}, true)
	if !errors.Is(err, errConnLost) {
		t.Errorf("error = %v, want wrapped errConnLost", err)
	}
}
