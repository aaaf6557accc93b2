// Package checker validates proxy candidates by probing them against a
// trusted inspection endpoint.
package checker

import (
	"context"
	"fmt"
	"time"

	"github.com/proxy-inventory/internal/config"
	"github.com/proxy-inventory/internal/metrics"
	"github.com/proxy-inventory/internal/types"
	log "github.com/sirupsen/logrus"
)

// Checker turns candidates into checked results. It has no side effects
// beyond the outbound probes and is safe for concurrent use.
type Checker struct {
	prober            *Prober
	metrics           *metrics.Collector
	fastFilter        bool
	fastFilterTimeout time.Duration
	now               func() time.Time
}

func NewChecker(cfg config.CheckerConfig, metricsCollector *metrics.Collector) (*Checker, error) {
	inspector, err := NewInspector(cfg.InspectorURL, cfg.InspectorPath, cfg.UserAgent, cfg.Timeout())
	if err != nil {
		return nil, fmt.Errorf("create inspector: %w", err)
	}

	return &Checker{
		prober:            NewProber(inspector, cfg.Timeout(), cfg.DetectTransparent, metricsCollector),
		metrics:           metricsCollector,
		fastFilter:        cfg.EnableFastFilter,
		fastFilterTimeout: cfg.FastFilterTimeout(),
		now:               func() time.Time { return time.Now().UTC() },
	}, nil
}

// CheckOne probes a freshly crawled candidate. It returns nil when the
// candidate lacks an IP or port.
func (c *Checker) CheckOne(ctx context.Context, candidate types.Candidate) *types.CheckedCandidate {
	if !candidate.Valid() {
		c.metrics.RecordCheckSkipped()
		return nil
	}
	return c.check(ctx, types.CheckedCandidate{Candidate: candidate})
}

// Recheck probes a stored proxy again, continuing from its recorded fail
// count and last working time.
func (c *Checker) Recheck(ctx context.Context, prior types.CheckedCandidate) *types.CheckedCandidate {
	if !prior.Valid() {
		c.metrics.RecordCheckSkipped()
		return nil
	}
	return c.check(ctx, prior)
}

func (c *Checker) check(ctx context.Context, prior types.CheckedCandidate) *types.CheckedCandidate {
	out := prior

	var result types.ProbeResult
	if c.fastFilter && !Reachable(ctx, prior.Addr(), c.fastFilterTimeout) {
		log.WithField("proxy", prior.Addr()).Debug("Not reachable over TCP")
	} else {
		result = c.prober.Probe(ctx, prior.IP, prior.Port)
	}

	now := c.now()
	out.LastCheckedAt = now

	if !result.IsWorking {
		out.IsActive = false
		out.CheckFailCount = prior.CheckFailCount + 1
		out.SpeedMs = nil
		c.metrics.RecordCheckFailure()
		return &out
	}

	out.IsActive = true
	out.CheckFailCount = 0
	out.SpeedMs = types.Ptr(result.SpeedMs)
	out.LastWorkedAt = types.Ptr(now)
	out.Protocol = types.Ptr(result.Protocol)
	out.Anonymity = types.Ptr(result.Anonymity)
	if result.Country != "" {
		out.Country = types.Ptr(result.Country)
	}

	c.metrics.RecordCheckSuccess()
	c.metrics.RecordCheckDuration(float64(result.SpeedMs) / 1000.0)
	return &out
}
