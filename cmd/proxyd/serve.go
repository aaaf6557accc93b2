package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/proxy-inventory/internal/api"
	"github.com/proxy-inventory/internal/orchestrator"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// NewServeCmd creates the serve command.
func NewServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the operations API",
		Long: `Serve runs the crawl, recheck and cleanup workflows on their configured
intervals and exposes health, metrics, inventory statistics and manual
workflow triggers over HTTP. SIGHUP reloads the config file's logging
settings; SIGINT or SIGTERM shut down gracefully.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log.Infof("Starting proxyd %s", getVersion())

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.snapshot.Refresh(ctx); err != nil {
		log.Warnf("Failed to load inventory: %v (starting with an empty pool)", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.snapshot.Run(ctx)
	}()

	if cfg.Scheduler.Enabled {
		sched := orchestrator.NewScheduler(a.orch, cfg.Scheduler)
		wg.Add(1)
		go func() {
			defer wg.Done()
			sched.Run(ctx)
		}()
	} else {
		log.Info("Scheduler is disabled, workflows run only when triggered")
	}

	apiServer := api.NewServer(cfg, a.snapshot, a.metrics, a.registry, a.orch)
	serveErr := make(chan error, 1)
	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	log.Infof("Service started successfully on %s", cfg.API.Addr)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	var runErr error
wait:
	for {
		select {
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				if err := cfg.Reload(); err != nil {
					log.Errorf("Config reload failed: %v", err)
					continue
				}
				setupLogging(cfg.LoggingSettings())
				log.Info("Logging config reloaded")
				continue
			}
			break wait
		case runErr = <-serveErr:
			log.Errorf("API server failed: %v", runErr)
			break wait
		}
	}

	log.Info("Shutting down gracefully...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Errorf("API server shutdown error: %v", err)
	}
	wg.Wait()

	log.Info("Shutdown complete")
	return runErr
}
