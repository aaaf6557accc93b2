package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/proxy-inventory/internal/types"
)

type SQLiteStorage struct {
	db        *sql.DB
	keyFields []string
	now       func() time.Time
}

func NewSQLiteStorage(path string, keyFields []string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite allows one writer; a single connection keeps batches from
	// tripping over each other's locks.
	db.SetMaxOpenConns(1)

	for _, stmt := range sqliteDialect.schema(keyFields) {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}

	return &SQLiteStorage{
		db:        db,
		keyFields: keyFields,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *SQLiteStorage) UpsertMany(ctx context.Context, rows []*types.CheckedCandidate, fields []string) (int, error) {
	if err := validateFields(fields); err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, sqliteDialect.upsertSQL(s.keyFields, fields))
	if err != nil {
		return 0, fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	now := s.now()
	written := 0
	for _, row := range rows {
		if row == nil {
			continue
		}
		if _, err := stmt.ExecContext(ctx, upsertArgs(row, now)...); err != nil {
			return 0, fmt.Errorf("upsert %s: %w", row.Addr(), err)
		}
		written++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return written, nil
}

func (s *SQLiteStorage) Query(ctx context.Context, filter Filter) ([]types.StoredProxy, error) {
	query, args := sqliteDialect.querySQL(filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query proxies: %w", err)
	}
	defer rows.Close()

	var result []types.StoredProxy
	for rows.Next() {
		p, err := scanProxy(rows)
		if err != nil {
			return nil, fmt.Errorf("scan proxy: %w", err)
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func (s *SQLiteStorage) DeleteWhere(ctx context.Context, pred Predicate) (int, error) {
	if pred.IsEmpty() {
		return 0, ErrEmptyPredicate
	}

	query, args := sqliteDialect.deleteSQL(pred)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete proxies: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
