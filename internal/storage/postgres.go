package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/proxy-inventory/internal/types"
	log "github.com/sirupsen/logrus"
)

// PostgresStorage stores the inventory in the same proxies table layout as
// SQLite, through a pgx connection pool.
type PostgresStorage struct {
	pool      *pgxpool.Pool
	keyFields []string
	now       func() time.Time
}

func NewPostgresStorage(ctx context.Context, dsn string, maxConns int32, keyFields []string) (*PostgresStorage, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	for _, stmt := range postgresDialect.schema(keyFields) {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}

	log.WithField("max_conns", cfg.MaxConns).Info("Connected to postgres")

	return &PostgresStorage{
		pool:      pool,
		keyFields: keyFields,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

func (p *PostgresStorage) UpsertMany(ctx context.Context, rows []*types.CheckedCandidate, fields []string) (int, error) {
	if err := validateFields(fields); err != nil {
		return 0, err
	}

	stmt := postgresDialect.upsertSQL(p.keyFields, fields)
	now := p.now()
	batch := &pgx.Batch{}
	for _, row := range rows {
		if row == nil {
			continue
		}
		batch.Queue(stmt, upsertArgs(row, now)...)
	}
	if batch.Len() == 0 {
		return 0, nil
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	br := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return 0, fmt.Errorf("upsert row %d: %w", i, err)
		}
	}
	if err := br.Close(); err != nil {
		return 0, fmt.Errorf("close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return batch.Len(), nil
}

func (p *PostgresStorage) Query(ctx context.Context, filter Filter) ([]types.StoredProxy, error) {
	query, args := postgresDialect.querySQL(filter)
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query proxies: %w", err)
	}
	defer rows.Close()

	var result []types.StoredProxy
	for rows.Next() {
		sp, err := scanProxy(rows)
		if err != nil {
			return nil, fmt.Errorf("scan proxy: %w", err)
		}
		result = append(result, sp)
	}
	return result, rows.Err()
}

func (p *PostgresStorage) DeleteWhere(ctx context.Context, pred Predicate) (int, error) {
	if pred.IsEmpty() {
		return 0, ErrEmptyPredicate
	}

	query, args := postgresDialect.deleteSQL(pred)
	tag, err := p.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete proxies: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (p *PostgresStorage) Close() error {
	p.pool.Close()
	return nil
}
