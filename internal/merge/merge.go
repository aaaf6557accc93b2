// Package merge writes batches of checked candidates into the store.
package merge

import (
	"context"
	"fmt"

	"github.com/proxy-inventory/internal/dedup"
	"github.com/proxy-inventory/internal/metrics"
	"github.com/proxy-inventory/internal/storage"
	"github.com/proxy-inventory/internal/types"
)

// createFields are written when a crawl introduces or refreshes a row.
var createFields = append(append([]string{}, storage.LivenessFields...), storage.EnrichmentFields...)

type Stage struct {
	store     storage.Storage
	keyFields []string
	metrics   *metrics.Collector
}

func NewStage(store storage.Storage, keyFields []string, metricsCollector *metrics.Collector) *Stage {
	return &Stage{
		store:     store,
		keyFields: keyFields,
		metrics:   metricsCollector,
	}
}

// Merge upserts batch and returns the number of rows written.
//
// With isCreate the batch comes from a crawl: it is deduplicated on the key
// and country, anonymity and source are written along with liveness. Without
// it the batch comes from the store, so only liveness fields are updated and
// enrichment data is left alone.
func (s *Stage) Merge(ctx context.Context, batch []*types.CheckedCandidate, isCreate bool) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}

	var rows []*types.CheckedCandidate
	fields := storage.LivenessFields
	if isCreate {
		rows = dedup.By(batch, func(c *types.CheckedCandidate) string {
			return c.Key(s.keyFields)
		})
		fields = createFields
	} else {
		rows = make([]*types.CheckedCandidate, 0, len(batch))
		for _, c := range batch {
			if c != nil {
				rows = append(rows, c)
			}
		}
	}
	if len(rows) == 0 {
		return 0, nil
	}

	n, err := s.store.UpsertMany(ctx, rows, fields)
	if err != nil {
		s.metrics.RecordMergeError()
		return 0, fmt.Errorf("merge %d rows: %w", len(rows), err)
	}

	s.metrics.RecordMerged(isCreate, n)
	return n, nil
}
