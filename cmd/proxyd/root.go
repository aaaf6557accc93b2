package main

import (
	"fmt"
	"os"

	"github.com/proxy-inventory/internal/config"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const defaultConfigPath = "config.json"

// NewRootCmd creates the proxyd root command.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proxyd",
		Short: "Crawl, validate and maintain a public proxy inventory",
		Long: `proxyd schedules proxy-list spiders on a Scrapyd service, probes every
candidate they find through a trusted inspection endpoint, and keeps the
results in a durable store that is rechecked and cleaned on a schedule.

Run "proxyd serve" for the long-running service, or one of the workflow
commands for a single run.`,
		Version:       getVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringP("config", "c", defaultConfigPath, "Path to the JSON or YAML config file")
	cmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")

	cmd.AddCommand(NewServeCmd())
	for _, wf := range workflowCommands() {
		cmd.AddCommand(wf)
	}
	cmd.AddCommand(NewVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the --config file and applies logging settings.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	verbose, _ := cmd.Flags().GetBool("verbose")
	if verbose {
		cfg.Logging.Level = "debug"
	}
	setupLogging(cfg.Logging)
	return cfg, nil
}

func setupLogging(cfg config.LoggingConfig) {
	if cfg.Format == "text" {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&log.JSONFormatter{})
	}

	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		log.Warnf("Unknown log level %q, using info", cfg.Level)
		level = log.InfoLevel
	}
	log.SetLevel(level)
}
