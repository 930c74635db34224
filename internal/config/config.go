package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/nexus-trading/dexsniper/internal/autotrade"
	"github.com/nexus-trading/dexsniper/internal/cache"
	"github.com/nexus-trading/dexsniper/internal/clickhouse"
	"github.com/nexus-trading/dexsniper/internal/execution"
	"github.com/nexus-trading/dexsniper/internal/feed"
	"github.com/nexus-trading/dexsniper/internal/honeypot"
	"github.com/nexus-trading/dexsniper/internal/intel"
	"github.com/nexus-trading/dexsniper/internal/market"
	"github.com/nexus-trading/dexsniper/internal/pipeline"
	"github.com/nexus-trading/dexsniper/internal/queue"
	"github.com/nexus-trading/dexsniper/internal/regime"
	"github.com/nexus-trading/dexsniper/internal/risk"
	"github.com/nexus-trading/dexsniper/internal/safety"
	"github.com/nexus-trading/dexsniper/internal/storage/postgres"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the sniper.
type Config struct {
	General    GeneralConfig           `yaml:"general"`
	Kafka      KafkaConfig             `yaml:"kafka"`
	Feed       feed.Config             `yaml:"feed"`
	Market     MarketConfig            `yaml:"market"`
	Risk       risk.Config             `yaml:"risk"`
	Honeypot   honeypot.RegistryConfig `yaml:"honeypot"`
	Intel      intel.Config            `yaml:"intel"`
	Regime     regime.Config           `yaml:"regime"`
	Pipeline   pipeline.Config         `yaml:"pipeline"`
	Queue      queue.Config            `yaml:"queue"`
	Autotrade  autotrade.Config        `yaml:"autotrade"`
	Safety     safety.Config           `yaml:"safety"`
	DryRun     execution.DryRunConfig  `yaml:"dry_run"`
	Redis      cache.RedisConfig       `yaml:"redis"`
	Postgres   postgres.Config         `yaml:"postgres"`
	ClickHouse clickhouse.Config       `yaml:"clickhouse"`
	HTTP       HTTPConfig              `yaml:"http"`
	Audit      AuditConfig             `yaml:"audit"`
}

type GeneralConfig struct {
	InstanceID  string `yaml:"instance_id"`
	Environment string `yaml:"environment"` // production|staging|development
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"` // json|text
}

type KafkaConfig struct {
	Brokers       []string `yaml:"brokers"` // empty keeps the bus in memory
	SchemaVersion string   `yaml:"schema_version"`
	GroupID       string   `yaml:"group_id"`
	Chains        []string `yaml:"chains"`    // dex.pairs.discovered.<chain> topics to consume
	LingerMs      int      `yaml:"linger_ms"` // producer linger (default 5)
}

type MarketConfig struct {
	Dexscreener market.DexscreenerConfig `yaml:"dexscreener"`
	Validator   market.ValidatorConfig   `yaml:"validator"`
}

type HTTPConfig struct {
	Addr                 string `yaml:"addr"`                    // control plane listen address (default :8080)
	ReadTimeoutS         int    `yaml:"read_timeout_s"`          // default 10
	HealthIntervalS      int    `yaml:"health_interval_s"`       // default 15
	HealthCheckTimeoutMs int    `yaml:"health_check_timeout_ms"` // default 3000
	MetricsNamespace     string `yaml:"metrics_namespace"`       // default dexsniper
}

type AuditConfig struct {
	Enabled bool `yaml:"enabled"`
	Buffer  int  `yaml:"buffer"` // in-memory entries kept for /pairs (default 5000)
}

// Default returns a config with every component at its defaults.
func Default() *Config {
	return &Config{
		Feed:       feed.DefaultConfig(),
		Market:     MarketConfig{Dexscreener: market.DefaultDexscreenerConfig(), Validator: market.DefaultValidatorConfig()},
		Risk:       risk.DefaultConfig(),
		Honeypot:   honeypot.DefaultRegistryConfig(),
		Intel:      intel.DefaultConfig(),
		Regime:     regime.DefaultConfig(),
		Pipeline:   pipeline.DefaultConfig(),
		Queue:      queue.DefaultConfig(),
		Autotrade:  autotrade.DefaultConfig(),
		Safety:     safety.DefaultConfig(),
		DryRun:     execution.DefaultDryRunConfig(),
		ClickHouse: clickhouse.DefaultConfig(),
		Audit:      AuditConfig{Enabled: true, Buffer: 5000},
	}
}

// Load reads and parses a YAML configuration file on top of Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse expands environment variables in data and decodes it.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.General.InstanceID == "" {
		cfg.General.InstanceID = "dexsniper-1"
	}
	if cfg.General.Environment == "" {
		cfg.General.Environment = "development"
	}
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.LogFormat == "" {
		cfg.General.LogFormat = "json"
	}
	if m, err := autotrade.ParseMode(string(cfg.Autotrade.Mode)); err == nil {
		cfg.Autotrade.Mode = m
	}
	if cfg.Kafka.SchemaVersion == "" {
		cfg.Kafka.SchemaVersion = "1.0.0"
	}
	if cfg.Kafka.GroupID == "" {
		cfg.Kafka.GroupID = cfg.General.InstanceID
	}
	if cfg.Kafka.LingerMs == 0 {
		cfg.Kafka.LingerMs = 5
	}
	if len(cfg.Kafka.Chains) == 0 {
		cfg.Kafka.Chains = cfg.Risk.SupportedChains
	}
	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = cache.DefaultPrefix
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}
	if cfg.HTTP.ReadTimeoutS == 0 {
		cfg.HTTP.ReadTimeoutS = 10
	}
	if cfg.HTTP.HealthIntervalS == 0 {
		cfg.HTTP.HealthIntervalS = 15
	}
	if cfg.HTTP.HealthCheckTimeoutMs == 0 {
		cfg.HTTP.HealthCheckTimeoutMs = 3000
	}
	if cfg.HTTP.MetricsNamespace == "" {
		cfg.HTTP.MetricsNamespace = "dexsniper"
	}
	if cfg.Audit.Buffer == 0 {
		cfg.Audit.Buffer = 5000
	}
}

// Validate rejects configurations the sniper cannot run with.
func (c *Config) Validate() error {
	var errs []string
	if _, err := autotrade.ParseMode(string(c.Autotrade.Mode)); err != nil {
		errs = append(errs, err.Error())
	}
	if !c.Autotrade.DryRun {
		errs = append(errs, "autotrade.dry_run=false is not supported: only the dry-run executor is built in")
	}
	if c.Autotrade.MaxConcurrentTrades <= 0 {
		errs = append(errs, "autotrade.max_concurrent_trades must be positive")
	}
	if c.Pipeline.Workers <= 0 {
		errs = append(errs, "pipeline.workers must be positive")
	}
	if c.Queue.MaxSize <= 0 {
		errs = append(errs, "queue.max_size must be positive")
	}
	if w := c.Queue.ProfitWeight + c.Queue.UrgencyWeight + c.Queue.RiskWeight; w <= 0 {
		errs = append(errs, "queue weights must sum to a positive value")
	}
	if c.Feed.Enabled && c.Feed.URL == "" {
		errs = append(errs, "feed.url is required when the feed is enabled")
	}
	if c.ClickHouse.Enabled && c.ClickHouse.DSN == "" {
		errs = append(errs, "clickhouse.dsn is required when clickhouse is enabled")
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}
	return nil
}
