package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/proxy-inventory/internal/config"
	"github.com/proxy-inventory/internal/types"
)

var (
	ipPort         = []string{types.FieldIP, types.FieldPort}
	ipPortProtocol = []string{types.FieldIP, types.FieldPort, types.FieldProtocol}
	createFields   = append(append([]string{}, LivenessFields...), EnrichmentFields...)
)

type openFunc func(t *testing.T, keyFields []string) Storage

// backends lists every Storage implementation reachable from this
// environment. Postgres and redis need a live server.
func backends(t *testing.T) map[string]openFunc {
	t.Helper()

	all := map[string]openFunc{
		"memory": func(t *testing.T, keyFields []string) Storage {
			return NewMemoryStorage(keyFields)
		},
		"file": func(t *testing.T, keyFields []string) Storage {
			s, err := NewFileStorage(filepath.Join(t.TempDir(), "proxies.json"), keyFields)
			if err != nil {
				t.Fatalf("NewFileStorage() error = %v", err)
			}
			return s
		},
		"sqlite": func(t *testing.T, keyFields []string) Storage {
			s, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "proxies.db"), keyFields)
			if err != nil {
				t.Fatalf("NewSQLiteStorage() error = %v", err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		},
	}

	if dsn := os.Getenv("PROXYD_TEST_POSTGRES_DSN"); dsn != "" {
		all["postgres"] = func(t *testing.T, keyFields []string) Storage {
			return openPostgres(t, dsn, keyFields)
		}
	}
	if addr := os.Getenv("PROXYD_TEST_REDIS_ADDR"); addr != "" {
		all["redis"] = func(t *testing.T, keyFields []string) Storage {
			return openRedis(t, addr, keyFields)
		}
	}
	return all
}

// openPostgres isolates each test in its own schema.
func openPostgres(t *testing.T, dsn string, keyFields []string) Storage {
	t.Helper()
	ctx := context.Background()
	schema := "proxyd_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")

	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close(ctx)
	if _, err := conn.Exec(ctx, "CREATE SCHEMA "+schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	s, err := NewPostgresStorage(ctx, dsn+sep+"search_path="+schema, 2, keyFields)
	if err != nil {
		t.Fatalf("NewPostgresStorage() error = %v", err)
	}

	t.Cleanup(func() {
		s.Close()
		conn, err := pgx.Connect(ctx, dsn)
		if err != nil {
			return
		}
		defer conn.Close(ctx)
		conn.Exec(ctx, "DROP SCHEMA "+schema+" CASCADE")
	})
	return s
}

func openRedis(t *testing.T, addr string, keyFields []string) Storage {
	t.Helper()
	ctx := context.Background()
	prefix := "proxyd_test_" + uuid.NewString()

	s, err := NewRedisStorage(ctx, RedisOptions{Addr: addr, Prefix: prefix}, keyFields)
	if err != nil {
		t.Fatalf("NewRedisStorage() error = %v", err)
	}

	t.Cleanup(func() {
		if keys, err := s.client.Keys(ctx, prefix+":*").Result(); err == nil && len(keys) > 0 {
			s.client.Del(ctx, keys...)
		}
		s.Close()
	})
	return s
}

func forEachBackend(t *testing.T, keyFields []string, fn func(t *testing.T, s Storage)) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			fn(t, open(t, keyFields))
		})
	}
}

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func checked(ip string, port uint16, mutate func(c *types.CheckedCandidate)) *types.CheckedCandidate {
	c := &types.CheckedCandidate{
		Candidate:     types.Candidate{IP: ip, Port: port},
		LastCheckedAt: base,
	}
	if mutate != nil {
		mutate(c)
	}
	return c
}

func mustQuery(t *testing.T, s Storage, filter Filter) []types.StoredProxy {
	t.Helper()
	rows, err := s.Query(context.Background(), filter)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	return rows
}

func mustUpsert(t *testing.T, s Storage, rows []*types.CheckedCandidate, fields []string) {
	t.Helper()
	if _, err := s.UpsertMany(context.Background(), rows, fields); err != nil {
		t.Fatalf("UpsertMany() error = %v", err)
	}
}

func TestUpsertIsIdempotent(t *testing.T) {
	t.Parallel()

	forEachBackend(t, ipPort, func(t *testing.T, s Storage) {
		batch := []*types.CheckedCandidate{
			checked("1.1.1.1", 8080, func(c *types.CheckedCandidate) {
				c.Protocol = types.Ptr(types.ProtocolHTTP)
				c.Country = types.Ptr("US")
				c.IsActive = true
				c.SpeedMs = types.Ptr(int64(120))
				c.LastWorkedAt = types.Ptr(base)
			}),
			checked("2.2.2.2", 1080, func(c *types.CheckedCandidate) {
				c.CheckFailCount = 1
			}),
		}

		n, err := s.UpsertMany(context.Background(), batch, createFields)
		if err != nil {
			t.Fatalf("UpsertMany() error = %v", err)
		}
		if n != 2 {
			t.Errorf("written = %d, want 2", n)
		}
		first := mustQuery(t, s, Filter{})

		mustUpsert(t, s, batch, createFields)
		second := mustQuery(t, s, Filter{})

		if len(first) != 2 || len(second) != 2 {
			t.Fatalf("rows = %d then %d, want 2 and 2", len(first), len(second))
		}
		for i := range first {
			a, b := first[i], second[i]
			if a.ID != b.ID || a.Addr() != b.Addr() || a.CheckFailCount != b.CheckFailCount || a.IsActive != b.IsActive {
				t.Errorf("row %d changed: %+v -> %+v", i, a, b)
			}
			if !a.CreatedAt.Equal(b.CreatedAt) {
				t.Errorf("row %d created_at changed", i)
			}
		}

		got := second[0]
		if got.IP != "1.1.1.1" || got.Country == nil || *got.Country != "US" {
			t.Errorf("first row = %+v", got)
		}
		if got.SpeedMs == nil || *got.SpeedMs != 120 {
			t.Errorf("speed = %v, want 120", got.SpeedMs)
		}
		if got.LastWorkedAt == nil || !got.LastWorkedAt.Equal(base) {
			t.Errorf("last_worked_at = %v, want %v", got.LastWorkedAt, base)
		}
		if second[1].SpeedMs != nil || second[1].LastWorkedAt != nil {
			t.Errorf("second row should have no speed or last_worked_at: %+v", second[1])
		}
	})
}

func TestRecheckUpdateKeepsEnrichment(t *testing.T) {
	t.Parallel()

	forEachBackend(t, ipPort, func(t *testing.T, s Storage) {
		mustUpsert(t, s, []*types.CheckedCandidate{
			checked("3.3.3.3", 3128, func(c *types.CheckedCandidate) {
				c.Protocol = types.Ptr(types.ProtocolSOCKS5)
				c.Country = types.Ptr("DE")
				c.Anonymity = types.Ptr(types.AnonymityElite)
				c.Source = types.Ptr("siteA")
				c.IsActive = true
				c.SpeedMs = types.Ptr(int64(80))
				c.LastWorkedAt = types.Ptr(base)
			}),
		}, createFields)

		later := base.Add(time.Hour)
		mustUpsert(t, s, []*types.CheckedCandidate{
			checked("3.3.3.3", 3128, func(c *types.CheckedCandidate) {
				c.CheckFailCount = 1
				c.LastCheckedAt = later
			}),
		}, LivenessFields)

		rows := mustQuery(t, s, Filter{})
		if len(rows) != 1 {
			t.Fatalf("rows = %d, want 1", len(rows))
		}
		got := rows[0]
		if got.IsActive || got.CheckFailCount != 1 {
			t.Errorf("liveness = active %v fail %d", got.IsActive, got.CheckFailCount)
		}
		if got.SpeedMs != nil {
			t.Errorf("speed_ms = %v, want cleared", *got.SpeedMs)
		}
		if !got.LastCheckedAt.Equal(later) {
			t.Errorf("last_checked_at = %v, want %v", got.LastCheckedAt, later)
		}
		if got.LastWorkedAt == nil || !got.LastWorkedAt.Equal(base) {
			t.Errorf("last_worked_at = %v, want kept %v", got.LastWorkedAt, base)
		}
		if got.Protocol == nil || *got.Protocol != types.ProtocolSOCKS5 {
			t.Errorf("protocol = %v, want kept socks5", got.Protocol)
		}
		if got.Country == nil || *got.Country != "DE" {
			t.Errorf("country = %v, want DE", got.Country)
		}
		if got.Anonymity == nil || *got.Anonymity != types.AnonymityElite {
			t.Errorf("anonymity = %v, want elite", got.Anonymity)
		}
		if got.Source == nil || *got.Source != "siteA" {
			t.Errorf("source = %v, want siteA", got.Source)
		}
	})
}

func TestKeyPolicy(t *testing.T) {
	t.Parallel()

	rows := func() []*types.CheckedCandidate {
		return []*types.CheckedCandidate{
			checked("4.4.4.4", 1080, func(c *types.CheckedCandidate) { c.Protocol = types.Ptr(types.ProtocolSOCKS4) }),
			checked("4.4.4.4", 1080, func(c *types.CheckedCandidate) { c.Protocol = types.Ptr(types.ProtocolSOCKS5) }),
		}
	}

	tests := []struct {
		name      string
		keyFields []string
		want      int
	}{
		{"ip_port", ipPort, 1},
		{"ip_port_protocol", ipPortProtocol, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			forEachBackend(t, tt.keyFields, func(t *testing.T, s Storage) {
				for _, r := range rows() {
					mustUpsert(t, s, []*types.CheckedCandidate{r}, createFields)
				}
				if got := len(mustQuery(t, s, Filter{})); got != tt.want {
					t.Errorf("rows = %d, want %d", got, tt.want)
				}
			})
		})
	}
}

func TestQueryFilter(t *testing.T) {
	t.Parallel()

	forEachBackend(t, ipPort, func(t *testing.T, s Storage) {
		mustUpsert(t, s, []*types.CheckedCandidate{
			checked("5.0.0.1", 80, func(c *types.CheckedCandidate) { c.IsActive = true }),
			checked("5.0.0.2", 80, nil),
			checked("5.0.0.3", 80, func(c *types.CheckedCandidate) { c.IsActive = true }),
		}, createFields)

		active := true
		if got := mustQuery(t, s, Filter{Active: &active}); len(got) != 2 {
			t.Errorf("active rows = %d, want 2", len(got))
		}
		inactive := false
		if got := mustQuery(t, s, Filter{Active: &inactive}); len(got) != 1 || got[0].IP != "5.0.0.2" {
			t.Errorf("inactive rows = %+v", got)
		}
		got := mustQuery(t, s, Filter{Limit: 2})
		if len(got) != 2 || got[0].IP != "5.0.0.1" || got[1].IP != "5.0.0.2" {
			t.Errorf("limited rows = %+v", got)
		}
	})
}

func TestDeleteDead(t *testing.T) {
	t.Parallel()

	forEachBackend(t, ipPort, func(t *testing.T, s Storage) {
		var batch []*types.CheckedCandidate
		for i, fails := range []uint{0, 2, 3, 5} {
			fails := fails
			batch = append(batch, checked("6.0.0.1", uint16(1000+i), func(c *types.CheckedCandidate) {
				c.CheckFailCount = fails
			}))
		}
		mustUpsert(t, s, batch, createFields)

		n, err := s.DeleteWhere(context.Background(), DeadPredicate(3))
		if err != nil {
			t.Fatalf("DeleteWhere() error = %v", err)
		}
		if n != 2 {
			t.Errorf("deleted = %d, want 2", n)
		}

		rows := mustQuery(t, s, Filter{})
		if len(rows) != 2 || rows[0].CheckFailCount != 0 || rows[1].CheckFailCount != 2 {
			t.Errorf("remaining = %+v", rows)
		}
	})
}

func TestDeleteStale(t *testing.T) {
	t.Parallel()

	forEachBackend(t, ipPort, func(t *testing.T, s Storage) {
		// Rows are created now; evaluate the predicate two days ahead so
		// every row counts as old.
		now := time.Now().UTC().Add(48 * time.Hour)
		window := 24 * time.Hour
		recent := now.Add(-time.Hour)

		mustUpsert(t, s, []*types.CheckedCandidate{
			checked("7.0.0.1", 80, nil), // inactive, never worked
			checked("7.0.0.2", 80, func(c *types.CheckedCandidate) { c.IsActive = true }),
			checked("7.0.0.3", 80, func(c *types.CheckedCandidate) { c.LastWorkedAt = &recent }),
			checked("7.0.0.4", 80, func(c *types.CheckedCandidate) { c.LastWorkedAt = types.Ptr(base) }),
		}, createFields)

		n, err := s.DeleteWhere(context.Background(), StalePredicate(window, now))
		if err != nil {
			t.Fatalf("DeleteWhere() error = %v", err)
		}
		if n != 2 {
			t.Errorf("deleted = %d, want 2", n)
		}

		rows := mustQuery(t, s, Filter{})
		if len(rows) != 2 || rows[0].IP != "7.0.0.2" || rows[1].IP != "7.0.0.3" {
			t.Errorf("remaining = %+v", rows)
		}
	})
}

// A row revived after the index was read must survive the delete.
func TestRedisDeleteJudgesCurrentRow(t *testing.T) {
	addr := os.Getenv("PROXYD_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("PROXYD_TEST_REDIS_ADDR not set")
	}
	t.Parallel()

	s := openRedis(t, addr, ipPort).(*RedisStorage)
	ctx := context.Background()

	dead := checked("9.0.0.1", 80, func(c *types.CheckedCandidate) { c.CheckFailCount = 4 })
	gone := checked("9.0.0.2", 80, func(c *types.CheckedCandidate) { c.CheckFailCount = 5 })
	mustUpsert(t, s, []*types.CheckedCandidate{dead, gone}, createFields)

	keys, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		t.Fatal(err)
	}

	revived := checked("9.0.0.1", 80, func(c *types.CheckedCandidate) {
		c.IsActive = true
		c.LastWorkedAt = types.Ptr(base)
	})
	mustUpsert(t, s, []*types.CheckedCandidate{revived}, LivenessFields)

	n, err := s.deleteMatching(ctx, keys, DeadPredicate(3))
	if err != nil {
		t.Fatalf("deleteMatching() error = %v", err)
	}
	if n != 1 {
		t.Errorf("deleted = %d, want 1", n)
	}
	rows := mustQuery(t, s, Filter{})
	if len(rows) != 1 || rows[0].IP != "9.0.0.1" || !rows[0].IsActive {
		t.Errorf("remaining = %+v", rows)
	}
}

func TestFormatTimeSortsAsString(t *testing.T) {
	t.Parallel()

	times := []time.Time{
		base,
		base.Add(500 * time.Millisecond),
		base.Add(time.Second),
		base.In(time.FixedZone("east", 3600)).Add(2 * time.Second),
	}
	for i := 1; i < len(times); i++ {
		prev, cur := formatTime(times[i-1]), formatTime(times[i])
		if prev >= cur {
			t.Errorf("formatTime(%v) = %q does not sort before %q", times[i-1], prev, cur)
		}
	}
	if formatTime(time.Time{}) != "" {
		t.Error("zero time should format as empty")
	}
}

func TestRejectsBadInput(t *testing.T) {
	t.Parallel()

	forEachBackend(t, ipPort, func(t *testing.T, s Storage) {
		ctx := context.Background()
		if _, err := s.DeleteWhere(ctx, Predicate{}); !errors.Is(err, ErrEmptyPredicate) {
			t.Errorf("DeleteWhere(empty) error = %v, want ErrEmptyPredicate", err)
		}
		if _, err := s.UpsertMany(ctx, []*types.CheckedCandidate{checked("8.0.0.1", 80, nil)}, []string{"ip"}); !errors.Is(err, ErrUnknownField) {
			t.Errorf("UpsertMany(ip) error = %v, want ErrUnknownField", err)
		}
		if n, err := s.UpsertMany(ctx, nil, createFields); n != 0 || err != nil {
			t.Errorf("UpsertMany(nil) = %d, %v", n, err)
		}
	})
}

func TestPredicateMatches(t *testing.T) {
	t.Parallel()

	now := base.Add(72 * time.Hour)
	stale := StalePredicate(24*time.Hour, now)
	old := base
	fresh := now.Add(-time.Hour)

	tests := []struct {
		name string
		pred Predicate
		row  types.StoredProxy
		want bool
	}{
		{"dead at threshold", DeadPredicate(3), stored(3, false, old, nil), true},
		{"alive below threshold", DeadPredicate(3), stored(2, false, old, nil), false},
		{"stale never worked", stale, stored(0, false, old, nil), true},
		{"stale worked long ago", stale, stored(0, false, old, &old), true},
		{"recently worked", stale, stored(0, false, old, &fresh), false},
		{"active row", stale, stored(0, true, old, nil), false},
		{"recently created", stale, stored(0, false, fresh, nil), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.pred.Matches(tt.row); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func stored(fails uint, active bool, created time.Time, worked *time.Time) types.StoredProxy {
	return types.StoredProxy{
		CheckedCandidate: types.CheckedCandidate{
			Candidate:      types.Candidate{IP: "9.9.9.9", Port: 9},
			IsActive:       active,
			CheckFailCount: fails,
			LastWorkedAt:   worked,
		},
		CreatedAt: created,
	}
}

func TestFileStorageReload(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "proxies.json")
	s, err := NewFileStorage(path, ipPort)
	if err != nil {
		t.Fatal(err)
	}
	mustUpsert(t, s, []*types.CheckedCandidate{
		checked("10.0.0.1", 80, nil),
		checked("10.0.0.2", 80, nil),
	}, createFields)

	reopened, err := NewFileStorage(path, ipPort)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	rows := mustQuery(t, reopened, Filter{})
	if len(rows) != 2 {
		t.Fatalf("rows after reload = %d, want 2", len(rows))
	}

	// ids keep increasing across restarts
	mustUpsert(t, reopened, []*types.CheckedCandidate{checked("10.0.0.3", 80, nil)}, createFields)
	rows = mustQuery(t, reopened, Filter{})
	if rows[2].ID <= rows[1].ID {
		t.Errorf("new id %d not after %d", rows[2].ID, rows[1].ID)
	}
}

func TestSQLiteKeyPolicySwitch(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "proxies.db")
	s, err := NewSQLiteStorage(path, ipPort)
	if err != nil {
		t.Fatalf("NewSQLiteStorage() error = %v", err)
	}
	mustUpsert(t, s, []*types.CheckedCandidate{checked("11.0.0.1", 80, func(c *types.CheckedCandidate) {
		c.Protocol = types.Ptr(types.ProtocolHTTP)
	})}, createFields)
	s.Close()

	strict, err := NewSQLiteStorage(path, ipPortProtocol)
	if err != nil {
		t.Fatalf("reopen with ip_port_protocol: %v", err)
	}
	t.Cleanup(func() { strict.Close() })

	mustUpsert(t, strict, []*types.CheckedCandidate{checked("11.0.0.1", 80, func(c *types.CheckedCandidate) {
		c.Protocol = types.Ptr(types.ProtocolSOCKS5)
	})}, createFields)
	if rows := mustQuery(t, strict, Filter{}); len(rows) != 2 {
		t.Errorf("rows = %+v, want one per protocol", rows)
	}
}

func TestUpsertSQL(t *testing.T) {
	t.Parallel()

	got := postgresDialect.upsertSQL(ipPort, LivenessFields)
	for _, want := range []string{
		"ON CONFLICT (ip, port)",
		"protocol = COALESCE(NULLIF(excluded.protocol, ''), proxies.protocol)",
		"last_worked_at = COALESCE(excluded.last_worked_at, proxies.last_worked_at)",
		"check_fail_count = excluded.check_fail_count",
		"$13",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("upsert SQL missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "country =") {
		t.Errorf("liveness upsert should not update country:\n%s", got)
	}

	query, args := sqliteDialect.deleteSQL(StalePredicate(time.Hour, base))
	if strings.Count(query, "?") != 3 || len(args) != 3 {
		t.Errorf("stale delete = %q with %d args", query, len(args))
	}
}

func TestNewStorageUnknownBackend(t *testing.T) {
	t.Parallel()

	_, err := NewStorage(context.Background(), config.StorageConfig{Type: "mongo"})
	if !errors.Is(err, ErrUnknownBackend) {
		t.Errorf("error = %v, want ErrUnknownBackend", err)
	}
}
