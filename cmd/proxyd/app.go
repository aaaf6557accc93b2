package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/proxy-inventory/internal/checker"
	"github.com/proxy-inventory/internal/config"
	"github.com/proxy-inventory/internal/crawl"
	"github.com/proxy-inventory/internal/metrics"
	"github.com/proxy-inventory/internal/orchestrator"
	"github.com/proxy-inventory/internal/snapshot"
	"github.com/proxy-inventory/internal/storage"
	log "github.com/sirupsen/logrus"
)

// app holds the components shared by every command.
type app struct {
	cfg      *config.Config
	registry *prometheus.Registry
	metrics  *metrics.Collector
	store    storage.Storage
	snapshot *snapshot.Manager
	orch     *orchestrator.Orchestrator
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metricsCollector := metrics.NewCollector(cfg.Metrics.Namespace, registry)

	store, err := storage.NewStorage(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("initialize storage: %w", err)
	}
	log.WithFields(log.Fields{
		"backend":    cfg.Storage.Type,
		"key_policy": cfg.Storage.KeyPolicy,
	}).Info("Storage ready")

	crawler, err := crawl.New(cfg.Crawl, metricsCollector)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("initialize crawl client: %w", err)
	}

	chk, err := checker.NewChecker(cfg.Checker, metricsCollector)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("initialize checker: %w", err)
	}

	snap := snapshot.NewManager(store, cfg.API.PoolRefresh(), metricsCollector)
	orch := orchestrator.New(crawler, chk, store, snap, metricsCollector, orchestrator.Options{
		Crawl:     cfg.Crawl,
		Checker:   cfg.Checker,
		Cleanup:   cfg.Cleanup,
		KeyFields: cfg.Storage.KeyFields(),
	})

	return &app{
		cfg:      cfg,
		registry: registry,
		metrics:  metricsCollector,
		store:    store,
		snapshot: snap,
		orch:     orch,
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		log.Errorf("Failed to close storage: %v", err)
	}
}
