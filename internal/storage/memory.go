package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/proxy-inventory/internal/types"
	log "github.com/sirupsen/logrus"
)

// MemoryStorage keeps the inventory in process. It backs tests and the file
// backend.
type MemoryStorage struct {
	mu        sync.RWMutex
	keyFields []string
	rows      map[string]*types.StoredProxy
	nextID    int64
	now       func() time.Time

	// afterWrite runs under the write lock after every mutation.
	afterWrite func() error
}

func NewMemoryStorage(keyFields []string) *MemoryStorage {
	return &MemoryStorage{
		keyFields: keyFields,
		rows:      make(map[string]*types.StoredProxy),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStorage) UpsertMany(ctx context.Context, rows []*types.CheckedCandidate, fields []string) (int, error) {
	if err := validateFields(fields); err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	written := 0
	for _, row := range rows {
		if row == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return written, err
		}

		key := row.Key(m.keyFields)
		existing, ok := m.rows[key]
		if !ok {
			m.nextID++
			stored := &types.StoredProxy{
				ID:               m.nextID,
				CheckedCandidate: cloneChecked(*row),
				CreatedAt:        now,
				UpdatedAt:        now,
			}
			m.rows[key] = stored
			written++
			continue
		}

		applyFields(existing, row, fields)
		existing.UpdatedAt = now
		written++
	}

	if m.afterWrite != nil {
		if err := m.afterWrite(); err != nil {
			return written, err
		}
	}
	return written, nil
}

// applyFields copies the named fields from row onto dst, keeping stored
// values for coalesced fields that row leaves empty.
func applyFields(dst *types.StoredProxy, row *types.CheckedCandidate, fields []string) {
	for _, f := range fields {
		switch f {
		case types.FieldProtocol:
			if row.Protocol != nil {
				dst.Protocol = types.Ptr(*row.Protocol)
			}
		case types.FieldIsActive:
			dst.IsActive = row.IsActive
		case types.FieldCheckFailCount:
			dst.CheckFailCount = row.CheckFailCount
		case types.FieldSpeedMs:
			dst.SpeedMs = clonePtr(row.SpeedMs)
		case types.FieldLastCheckedAt:
			dst.LastCheckedAt = row.LastCheckedAt
		case types.FieldLastWorkedAt:
			if row.LastWorkedAt != nil {
				dst.LastWorkedAt = clonePtr(row.LastWorkedAt)
			}
		case types.FieldCountry:
			if row.Country != nil {
				dst.Country = clonePtr(row.Country)
			}
		case types.FieldAnonymity:
			if row.Anonymity != nil {
				dst.Anonymity = clonePtr(row.Anonymity)
			}
		case types.FieldSource:
			if row.Source != nil {
				dst.Source = clonePtr(row.Source)
			}
		}
	}
}

func (m *MemoryStorage) Query(ctx context.Context, filter Filter) ([]types.StoredProxy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]types.StoredProxy, 0, len(m.rows))
	for _, row := range m.rows {
		if filter.matches(*row) {
			result = append(result, cloneStored(*row))
		}
	}

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (m *MemoryStorage) DeleteWhere(ctx context.Context, pred Predicate) (int, error) {
	if pred.IsEmpty() {
		return 0, ErrEmptyPredicate
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	deleted := 0
	for key, row := range m.rows {
		if pred.Matches(*row) {
			delete(m.rows, key)
			deleted++
		}
	}

	if deleted > 0 && m.afterWrite != nil {
		if err := m.afterWrite(); err != nil {
			return deleted, err
		}
	}
	return deleted, nil
}

func (m *MemoryStorage) Close() error {
	return nil
}

func cloneChecked(c types.CheckedCandidate) types.CheckedCandidate {
	out := c
	out.Protocol = clonePtr(c.Protocol)
	out.Country = clonePtr(c.Country)
	out.Anonymity = clonePtr(c.Anonymity)
	out.Source = clonePtr(c.Source)
	out.SpeedMs = clonePtr(c.SpeedMs)
	out.LastWorkedAt = clonePtr(c.LastWorkedAt)
	return out
}

func cloneStored(p types.StoredProxy) types.StoredProxy {
	out := p
	out.CheckedCandidate = cloneChecked(p.CheckedCandidate)
	return out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// fileSnapshot is the on-disk layout of FileStorage.
type fileSnapshot struct {
	NextID  int64               `json:"next_id"`
	Proxies []types.StoredProxy `json:"proxies"`
	Updated time.Time           `json:"updated"`
}

// FileStorage is a MemoryStorage persisted as a JSON file after every write.
type FileStorage struct {
	*MemoryStorage
	path string
}

func NewFileStorage(path string, keyFields []string) (*FileStorage, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	f := &FileStorage{
		MemoryStorage: NewMemoryStorage(keyFields),
		path:          path,
	}
	if err := f.load(); err != nil {
		return nil, err
	}
	f.afterWrite = f.save

	return f, nil
}

func (f *FileStorage) load() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // File doesn't exist yet
		}
		return fmt.Errorf("read file: %w", err)
	}

	var snap fileSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("unmarshal JSON: %w", err)
	}

	for i := range snap.Proxies {
		p := snap.Proxies[i]
		f.rows[p.Key(f.keyFields)] = &p
		if p.ID > f.nextID {
			f.nextID = p.ID
		}
	}
	if snap.NextID > f.nextID {
		f.nextID = snap.NextID
	}

	log.Infof("Loaded %d proxies from %s", len(snap.Proxies), f.path)
	return nil
}

// save must be called with the write lock held.
func (f *FileStorage) save() error {
	snap := fileSnapshot{
		NextID:  f.nextID,
		Proxies: make([]types.StoredProxy, 0, len(f.rows)),
		Updated: f.now(),
	}
	for _, row := range f.rows {
		snap.Proxies = append(snap.Proxies, *row)
	}
	sort.Slice(snap.Proxies, func(i, j int) bool { return snap.Proxies[i].ID < snap.Proxies[j].ID })

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	// Atomic write: write to temp file, then rename
	tempPath := f.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}

	if err := os.Rename(tempPath, f.path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}

	return nil
}
