package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Crawl     CrawlConfig     `json:"crawl" yaml:"crawl"`
	Checker   CheckerConfig   `json:"checker" yaml:"checker"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Cleanup   CleanupConfig   `json:"cleanup" yaml:"cleanup"`
	Scheduler SchedulerConfig `json:"scheduler" yaml:"scheduler"`
	API       APIConfig       `json:"api" yaml:"api"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`

	mu       sync.RWMutex
	filePath string
}

// CrawlConfig describes the Scrapyd service and how jobs are polled.
type CrawlConfig struct {
	ServiceURL          string                       `json:"service_url" yaml:"service_url"`
	Project             string                       `json:"project" yaml:"project"`
	Spiders             []string                     `json:"spiders" yaml:"spiders"` // optional allow-list
	SpiderArgs          map[string]map[string]string `json:"spider_args" yaml:"spider_args"`
	SpiderConcurrency   int                          `json:"spider_concurrency" yaml:"spider_concurrency"`
	PollAttempts        int                          `json:"poll_attempts" yaml:"poll_attempts"`
	PollIntervalSeconds int                          `json:"poll_interval_seconds" yaml:"poll_interval_seconds"`
	PollRetries         int                          `json:"poll_retries" yaml:"poll_retries"`
	ScheduleRetries     int                          `json:"schedule_retries" yaml:"schedule_retries"`
	RequestTimeoutMs    int                          `json:"request_timeout_ms" yaml:"request_timeout_ms"`
	RequestsPerSecond   float64                      `json:"requests_per_second" yaml:"requests_per_second"`
	MaxItemsBytes       int64                        `json:"max_items_bytes" yaml:"max_items_bytes"`
	UserAgent           string                       `json:"user_agent" yaml:"user_agent"`
}

type CheckerConfig struct {
	InspectorURL        string `json:"inspector_url" yaml:"inspector_url"`
	InspectorPath       string `json:"inspector_path" yaml:"inspector_path"`
	TimeoutMs           int    `json:"timeout_ms" yaml:"timeout_ms"` // per protocol attempt
	Concurrency         int    `json:"concurrency" yaml:"concurrency"`
	BatchSize           int    `json:"batch_size" yaml:"batch_size"`
	BatchConcurrency    int    `json:"batch_concurrency" yaml:"batch_concurrency"`
	UserAgent           string `json:"user_agent" yaml:"user_agent"`
	EnableFastFilter    bool   `json:"enable_fast_filter" yaml:"enable_fast_filter"`
	FastFilterTimeoutMs int    `json:"fast_filter_timeout_ms" yaml:"fast_filter_timeout_ms"`
	DetectTransparent   bool   `json:"detect_transparent" yaml:"detect_transparent"`
}

type StorageConfig struct {
	Type          string `json:"type" yaml:"type"` // "memory", "file", "sqlite", "postgres", "redis"
	Path          string `json:"path" yaml:"path"`
	DSN           string `json:"dsn" yaml:"dsn"`
	RedisAddr     string `json:"redis_addr" yaml:"redis_addr"`
	RedisPassword string `json:"redis_password" yaml:"redis_password"`
	RedisDB       int    `json:"redis_db" yaml:"redis_db"`
	RedisPrefix   string `json:"redis_prefix" yaml:"redis_prefix"`
	KeyPolicy     string `json:"key_policy" yaml:"key_policy"` // "ip_port" or "ip_port_protocol"
	MaxConns      int32  `json:"max_conns" yaml:"max_conns"`
}

type CleanupConfig struct {
	Policy         string `json:"policy" yaml:"policy"` // "fail_count" or "stale"
	DeadThreshold  uint   `json:"dead_threshold" yaml:"dead_threshold"`
	RetentionHours int    `json:"retention_hours" yaml:"retention_hours"`
}

type SchedulerConfig struct {
	Enabled                bool `json:"enabled" yaml:"enabled"`
	RunOnStart             bool `json:"run_on_start" yaml:"run_on_start"`
	CrawlIntervalSeconds   int  `json:"crawl_interval_seconds" yaml:"crawl_interval_seconds"`
	RecheckIntervalSeconds int  `json:"recheck_interval_seconds" yaml:"recheck_interval_seconds"`
	CleanupIntervalSeconds int  `json:"cleanup_interval_seconds" yaml:"cleanup_interval_seconds"`
}

type APIConfig struct {
	Addr               string `json:"addr" yaml:"addr"`
	APIKeyEnv          string `json:"api_key_env" yaml:"api_key_env"`
	RateLimitPerMinute int    `json:"rate_limit_per_minute" yaml:"rate_limit_per_minute"`
	EnableAPIKeyAuth   bool   `json:"enable_api_key_auth" yaml:"enable_api_key_auth"`
	EnableIPRateLimit  bool   `json:"enable_ip_rate_limit" yaml:"enable_ip_rate_limit"`
	PoolRefreshSeconds int    `json:"pool_refresh_seconds" yaml:"pool_refresh_seconds"` // active proxy pool served by /get-proxy
}

type MetricsConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Endpoint  string `json:"endpoint" yaml:"endpoint"`
	Namespace string `json:"namespace" yaml:"namespace"`
}

type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

const (
	KeyPolicyIPPort         = "ip_port"
	KeyPolicyIPPortProtocol = "ip_port_protocol"

	CleanupFailCount = "fail_count"
	CleanupStale     = "stale"
)

// Environment overrides for secrets that should not live in the config file.
const (
	EnvDatabaseDSN   = "PROXYD_DATABASE_DSN"
	EnvRedisPassword = "PROXYD_REDIS_PASSWORD"
)

// Load reads configuration from a JSON or YAML file
func Load(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg, err := Parse(data, filepath.Ext(filePath))
	if err != nil {
		return nil, err
	}
	cfg.filePath = filePath
	return cfg, nil
}

const defaultPollRetries = 3

// Parse decodes, defaults and validates raw config bytes. ext selects the
// decoder (".yaml"/".yml", anything else is JSON).
func Parse(data []byte, ext string) (*Config, error) {
	// Seeded before decoding: an explicit poll_retries of 0 disables re-polling.
	cfg := Config{Crawl: CrawlConfig{PollRetries: defaultPollRetries}}
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config JSON: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Default returns a validated configuration with every default applied.
func Default() *Config {
	cfg := Config{Crawl: CrawlConfig{PollRetries: defaultPollRetries}}
	cfg.SetDefaults()
	return &cfg
}

func (c *Config) applyEnv() {
	if dsn := os.Getenv(EnvDatabaseDSN); dsn != "" {
		c.Storage.DSN = dsn
	}
	if pw := os.Getenv(EnvRedisPassword); pw != "" {
		c.Storage.RedisPassword = pw
	}
}

// SetDefaults fills zero values
func (c *Config) SetDefaults() {
	if c.Crawl.ServiceURL == "" {
		c.Crawl.ServiceURL = "http://localhost:6800"
	}
	if c.Crawl.Project == "" {
		c.Crawl.Project = "scraper"
	}
	if c.Crawl.SpiderConcurrency == 0 {
		c.Crawl.SpiderConcurrency = 4
	}
	if c.Crawl.PollAttempts == 0 {
		c.Crawl.PollAttempts = 10
	}
	if c.Crawl.PollIntervalSeconds == 0 {
		c.Crawl.PollIntervalSeconds = 5
	}
	if c.Crawl.ScheduleRetries == 0 {
		c.Crawl.ScheduleRetries = 2
	}
	if c.Crawl.RequestTimeoutMs == 0 {
		c.Crawl.RequestTimeoutMs = 30000
	}
	if c.Crawl.RequestsPerSecond == 0 {
		c.Crawl.RequestsPerSecond = 5
	}
	if c.Crawl.MaxItemsBytes == 0 {
		c.Crawl.MaxItemsBytes = 10 * 1024 * 1024
	}
	if c.Checker.InspectorURL == "" {
		c.Checker.InspectorURL = "http://localhost:8080"
	}
	if c.Checker.InspectorPath == "" {
		c.Checker.InspectorPath = "/headers"
	}
	if c.Checker.TimeoutMs == 0 {
		c.Checker.TimeoutMs = 10000
	}
	if c.Checker.Concurrency == 0 {
		c.Checker.Concurrency = 100
	}
	if c.Checker.BatchSize == 0 {
		c.Checker.BatchSize = 100
	}
	if c.Checker.BatchConcurrency == 0 {
		c.Checker.BatchConcurrency = 4
	}
	if c.Checker.FastFilterTimeoutMs == 0 {
		c.Checker.FastFilterTimeoutMs = 3000
	}
	if c.Storage.Type == "" {
		c.Storage.Type = "sqlite"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "/data/proxies.db"
	}
	if c.Storage.RedisPrefix == "" {
		c.Storage.RedisPrefix = "proxyd"
	}
	if c.Storage.KeyPolicy == "" {
		c.Storage.KeyPolicy = KeyPolicyIPPort
	}
	if c.Storage.MaxConns == 0 {
		c.Storage.MaxConns = 4
	}
	if c.Cleanup.Policy == "" {
		c.Cleanup.Policy = CleanupFailCount
	}
	if c.Cleanup.DeadThreshold == 0 {
		c.Cleanup.DeadThreshold = 3
	}
	if c.Cleanup.RetentionHours == 0 {
		c.Cleanup.RetentionHours = 24
	}
	if c.Scheduler.CrawlIntervalSeconds == 0 {
		c.Scheduler.CrawlIntervalSeconds = 3600
	}
	if c.Scheduler.RecheckIntervalSeconds == 0 {
		c.Scheduler.RecheckIntervalSeconds = 900
	}
	if c.Scheduler.CleanupIntervalSeconds == 0 {
		c.Scheduler.CleanupIntervalSeconds = 3600
	}
	if c.API.Addr == "" {
		c.API.Addr = ":8083"
	}
	if c.API.APIKeyEnv == "" {
		c.API.APIKeyEnv = "PROXYD_API_KEY"
	}
	if c.API.RateLimitPerMinute == 0 {
		c.API.RateLimitPerMinute = 1200
	}
	if c.API.PoolRefreshSeconds == 0 {
		c.API.PoolRefreshSeconds = 60
	}
	if c.Metrics.Endpoint == "" {
		c.Metrics.Endpoint = "/metrics"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "proxyd"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Reload re-reads the file and applies its logging section. Every other
// section is fixed at startup, since components copy it when constructed.
func (c *Config) Reload() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	newCfg, err := Load(c.filePath)
	if err != nil {
		return err
	}

	c.Logging = newCfg.Logging
	return nil
}

// LoggingSettings returns the logging section, safe against a concurrent Reload.
func (c *Config) LoggingSettings() LoggingConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Logging
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if c.Crawl.PollAttempts < 1 {
		return fmt.Errorf("crawl.poll_attempts must be at least 1")
	}
	if c.Crawl.PollRetries < 0 {
		return fmt.Errorf("crawl.poll_retries must not be negative")
	}
	if c.Crawl.SpiderConcurrency < 1 {
		return fmt.Errorf("crawl.spider_concurrency must be at least 1")
	}
	if c.Checker.Concurrency < 1 || c.Checker.Concurrency > 100000 {
		return fmt.Errorf("checker.concurrency must be between 1 and 100000")
	}
	if c.Checker.TimeoutMs < 100 || c.Checker.TimeoutMs > 300000 {
		return fmt.Errorf("checker.timeout_ms must be between 100 and 300000")
	}
	if c.Checker.BatchSize < 1 {
		return fmt.Errorf("checker.batch_size must be at least 1")
	}
	if c.Checker.BatchConcurrency < 1 {
		return fmt.Errorf("checker.batch_concurrency must be at least 1")
	}
	switch c.Storage.Type {
	case "memory", "file", "sqlite", "postgres", "redis":
	default:
		return fmt.Errorf("storage type must be 'memory', 'file', 'sqlite', 'postgres', or 'redis'")
	}
	if c.Storage.Type == "postgres" && c.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required for postgres")
	}
	if c.Storage.KeyPolicy != KeyPolicyIPPort && c.Storage.KeyPolicy != KeyPolicyIPPortProtocol {
		return fmt.Errorf("storage.key_policy must be '%s' or '%s'", KeyPolicyIPPort, KeyPolicyIPPortProtocol)
	}
	if c.Cleanup.Policy != CleanupFailCount && c.Cleanup.Policy != CleanupStale {
		return fmt.Errorf("cleanup.policy must be '%s' or '%s'", CleanupFailCount, CleanupStale)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("logging.format must be 'json' or 'text'")
	}
	return nil
}

// KeyFields returns the natural key of a stored proxy under the configured policy.
func (s StorageConfig) KeyFields() []string {
	if s.KeyPolicy == KeyPolicyIPPortProtocol {
		return []string{"ip", "port", "protocol"}
	}
	return []string{"ip", "port"}
}

func (c CrawlConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

func (c CrawlConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

func (c CheckerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

func (c CheckerConfig) FastFilterTimeout() time.Duration {
	return time.Duration(c.FastFilterTimeoutMs) * time.Millisecond
}

func (c CleanupConfig) Retention() time.Duration {
	return time.Duration(c.RetentionHours) * time.Hour
}

func (c APIConfig) PoolRefresh() time.Duration {
	return time.Duration(c.PoolRefreshSeconds) * time.Second
}

func (c SchedulerConfig) CrawlInterval() time.Duration {
	return time.Duration(c.CrawlIntervalSeconds) * time.Second
}

func (c SchedulerConfig) RecheckInterval() time.Duration {
	return time.Duration(c.RecheckIntervalSeconds) * time.Second
}

func (c SchedulerConfig) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalSeconds) * time.Second
}
