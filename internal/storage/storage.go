package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/proxy-inventory/internal/config"
	"github.com/proxy-inventory/internal/types"
)

var (
	ErrUnknownBackend = errors.New("unknown storage backend")
	ErrEmptyPredicate = errors.New("delete predicate matches every row")
	ErrUnknownField   = errors.New("unknown update field")
)

// Storage is the durable proxy inventory. Rows are unique by the key policy
// the backend was opened with.
type Storage interface {
	// UpsertMany inserts rows that are absent and, for rows whose key
	// already exists, updates only the named fields. It returns the number of
	// rows written.
	UpsertMany(ctx context.Context, rows []*types.CheckedCandidate, fields []string) (int, error)
	Query(ctx context.Context, filter Filter) ([]types.StoredProxy, error)
	DeleteWhere(ctx context.Context, pred Predicate) (int, error)
	Close() error
}

// Filter narrows Query results.
type Filter struct {
	Active *bool
	Limit  int
}

func (f Filter) matches(p types.StoredProxy) bool {
	return f.Active == nil || *f.Active == p.IsActive
}

// Predicate selects rows for deletion. All set conditions must hold.
type Predicate struct {
	// MinFailCount, when non-zero, requires check_fail_count >= MinFailCount.
	MinFailCount uint
	// CreatedBefore, when set, requires created_at < CreatedBefore.
	CreatedBefore time.Time
	// InactiveOnly requires is_active = false.
	InactiveOnly bool
	// WorkedBefore, when set, requires last_worked_at < WorkedBefore or never worked.
	WorkedBefore time.Time
}

// DeadPredicate selects proxies that failed at least threshold checks.
func DeadPredicate(threshold uint) Predicate {
	return Predicate{MinFailCount: threshold}
}

// StalePredicate selects inactive proxies created before now-window that
// have not worked since now-window.
func StalePredicate(window time.Duration, now time.Time) Predicate {
	cutoff := now.Add(-window).UTC()
	return Predicate{
		CreatedBefore: cutoff,
		InactiveOnly:  true,
		WorkedBefore:  cutoff,
	}
}

// IsEmpty reports whether no condition is set.
func (p Predicate) IsEmpty() bool {
	return p.MinFailCount == 0 && p.CreatedBefore.IsZero() && !p.InactiveOnly && p.WorkedBefore.IsZero()
}

// Matches is the reference semantics every backend implements.
func (p Predicate) Matches(row types.StoredProxy) bool {
	if p.MinFailCount > 0 && row.CheckFailCount < p.MinFailCount {
		return false
	}
	if !p.CreatedBefore.IsZero() && !row.CreatedAt.Before(p.CreatedBefore) {
		return false
	}
	if p.InactiveOnly && row.IsActive {
		return false
	}
	if !p.WorkedBefore.IsZero() && row.LastWorkedAt != nil && !row.LastWorkedAt.Before(p.WorkedBefore) {
		return false
	}
	return true
}

// Update field groups used by the merge stage.
var (
	LivenessFields = []string{
		types.FieldProtocol,
		types.FieldIsActive,
		types.FieldCheckFailCount,
		types.FieldSpeedMs,
		types.FieldLastCheckedAt,
		types.FieldLastWorkedAt,
	}
	EnrichmentFields = []string{
		types.FieldCountry,
		types.FieldAnonymity,
		types.FieldSource,
	}
)

// coalesced fields keep their stored value when the incoming one is absent.
var coalesced = map[string]bool{
	types.FieldProtocol:     true,
	types.FieldLastWorkedAt: true,
	types.FieldCountry:      true,
	types.FieldAnonymity:    true,
	types.FieldSource:       true,
}

func validateFields(fields []string) error {
	for _, f := range fields {
		switch f {
		case types.FieldProtocol, types.FieldIsActive, types.FieldCheckFailCount, types.FieldSpeedMs,
			types.FieldLastCheckedAt, types.FieldLastWorkedAt, types.FieldCountry, types.FieldAnonymity,
			types.FieldSource:
		default:
			return fmt.Errorf("%w: %s", ErrUnknownField, f)
		}
	}
	return nil
}

// NewStorage opens the backend named by cfg.Type.
func NewStorage(ctx context.Context, cfg config.StorageConfig) (Storage, error) {
	keyFields := cfg.KeyFields()

	switch cfg.Type {
	case "memory":
		return NewMemoryStorage(keyFields), nil
	case "file":
		return NewFileStorage(cfg.Path, keyFields)
	case "sqlite":
		return NewSQLiteStorage(cfg.Path, keyFields)
	case "postgres":
		return NewPostgresStorage(ctx, cfg.DSN, cfg.MaxConns, keyFields)
	case "redis":
		return NewRedisStorage(ctx, RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		}, keyFields)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, cfg.Type)
	}
}
