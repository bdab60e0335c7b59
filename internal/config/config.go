// Package config loads the brewlab configuration from defaults, an optional
// YAML file and BREWLAB_ environment variables, in that order.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "BREWLAB_"

// Channel and index drivers.
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverAzQueue  = "azqueue"
	DriverSQLite   = "sqlite"
	DriverAzTables = "aztables"
)

type Config struct {
	Log       LogConfig       `koanf:"log"`
	Server    ServerConfig    `koanf:"server"`
	Redis     RedisConfig     `koanf:"redis"`
	Storage   StorageConfig   `koanf:"storage"`
	Channel   ChannelConfig   `koanf:"channel"`
	Index     IndexConfig     `koanf:"index"`
	Cache     CacheConfig     `koanf:"cache"`
	Processor ProcessorConfig `koanf:"processor"`
	Query     QueryConfig     `koanf:"query"`
	Tracing   TracingConfig   `koanf:"tracing"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // text | json
}

type ServerConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
	// Ingress exposes POST /api/events.
	Ingress bool `koanf:"ingress"`
	// PublishTimeout bounds one channel send from the ingress route.
	PublishTimeout time.Duration `koanf:"publish_timeout"`
}

type RedisConfig struct {
	// ConnectionString is a redis:// URL or host:port,password=...,ssl=true.
	ConnectionString string        `koanf:"connection_string"`
	DialTimeout      time.Duration `koanf:"dial_timeout"`
	ReadTimeout      time.Duration `koanf:"read_timeout"`
	WriteTimeout     time.Duration `koanf:"write_timeout"`
}

// StorageConfig holds the Azure Storage account used by the azqueue channel
// and the aztables index.
type StorageConfig struct {
	ConnectionString string `koanf:"connection_string"`
}

type ChannelConfig struct {
	Driver            string        `koanf:"driver"`
	Partitions        int           `koanf:"partitions"`
	Batch             int           `koanf:"batch"`
	Prefix            string        `koanf:"prefix"`
	Group             string        `koanf:"group"`
	Consumer          string        `koanf:"consumer"`
	Block             time.Duration `koanf:"block"`
	ClaimAfter        time.Duration `koanf:"claim_after"`
	MaxLen            int64         `koanf:"max_len"`
	VisibilityTimeout time.Duration `koanf:"visibility_timeout"`
}

type IndexConfig struct {
	Driver string `koanf:"driver"`
	// DSN is the SQLite database path or DSN.
	DSN   string `koanf:"dsn"`
	Table string `koanf:"table"`
}

type CacheConfig struct {
	RecentLimit int64         `koanf:"recent_limit"`
	RecentTTL   time.Duration `koanf:"recent_ttl"`
	AppliedTTL  time.Duration `koanf:"applied_ttl"`
}

type ProcessorConfig struct {
	EventTimeout time.Duration `koanf:"event_timeout"`
	AckTimeout   time.Duration `koanf:"ack_timeout"`
	IdleWait     time.Duration `koanf:"idle_wait"`
	RetryInitial time.Duration `koanf:"retry_initial"`
	RetryMax     time.Duration `koanf:"retry_max"`
}

type QueryConfig struct {
	Timeout time.Duration `koanf:"timeout"`
}

type TracingConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	ServiceName string  `koanf:"service_name"`
	SampleRatio float64 `koanf:"sample_ratio"`
}

// Addr is the listen address of the HTTP server.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func defaults() map[string]any {
	return map[string]any{
		"log.level":                  "info",
		"log.format":                 "text",
		"server.host":                "0.0.0.0",
		"server.port":                8080,
		"server.ingress":             true,
		"server.publish_timeout":     "5s",
		"redis.connection_string":    "redis://localhost:6379/0",
		"redis.dial_timeout":         "5s",
		"redis.read_timeout":         "3s",
		"redis.write_timeout":        "3s",
		"storage.connection_string":  "",
		"channel.driver":             DriverRedis,
		"channel.partitions":         4,
		"channel.batch":              16,
		"channel.prefix":             "brewlab-events",
		"channel.group":              "processor",
		"channel.consumer":           "brewlab",
		"channel.block":              "2s",
		"channel.claim_after":        "30s",
		"channel.max_len":            100000,
		"channel.visibility_timeout": "30s",
		"index.driver":               DriverSQLite,
		"index.dsn":                  "brewlab.db",
		"index.table":                "experiments",
		"cache.recent_limit":         100,
		"cache.recent_ttl":           "24h",
		"cache.applied_ttl":          "168h",
		"processor.event_timeout":    "30s",
		"processor.ack_timeout":      "5s",
		"processor.idle_wait":        "250ms",
		"processor.retry_initial":    "250ms",
		"processor.retry_max":        "30s",
		"query.timeout":              "5s",
		"tracing.enabled":            false,
		"tracing.endpoint":           "",
		"tracing.service_name":       "brewlab",
		"tracing.sample_ratio":       1.0,
	}
}

// Load reads the configuration. configPath may be empty.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")
	for key, value := range defaults() {
		k.Set(key, value)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d (must be 1-65535)", c.Server.Port)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("invalid log.format %q (must be text or json)", c.Log.Format)
	}

	switch c.Channel.Driver {
	case DriverMemory:
	case DriverRedis:
		if strings.TrimSpace(c.Redis.ConnectionString) == "" {
			return fmt.Errorf("redis.connection_string is required for the redis channel")
		}
	case DriverAzQueue:
		if strings.TrimSpace(c.Storage.ConnectionString) == "" {
			return fmt.Errorf("storage.connection_string is required for the azqueue channel")
		}
	default:
		return fmt.Errorf("unsupported channel.driver %q", c.Channel.Driver)
	}
	if c.Channel.Partitions <= 0 {
		return fmt.Errorf("channel.partitions must be > 0")
	}
	if c.Channel.Batch <= 0 {
		return fmt.Errorf("channel.batch must be > 0")
	}

	switch c.Index.Driver {
	case DriverMemory:
	case DriverSQLite:
		if strings.TrimSpace(c.Index.DSN) == "" {
			return fmt.Errorf("index.dsn is required for the sqlite index")
		}
	case DriverAzTables:
		if strings.TrimSpace(c.Storage.ConnectionString) == "" {
			return fmt.Errorf("storage.connection_string is required for the aztables index")
		}
		if strings.TrimSpace(c.Index.Table) == "" {
			return fmt.Errorf("index.table is required for the aztables index")
		}
	default:
		return fmt.Errorf("unsupported index.driver %q", c.Index.Driver)
	}

	if strings.TrimSpace(c.Redis.ConnectionString) == "" {
		return fmt.Errorf("redis.connection_string is required")
	}
	if c.Cache.RecentLimit <= 0 {
		return fmt.Errorf("cache.recent_limit must be > 0")
	}
	if c.Processor.EventTimeout <= 0 || c.Processor.AckTimeout <= 0 {
		return fmt.Errorf("processor timeouts must be > 0")
	}
	if c.Processor.RetryMax < c.Processor.RetryInitial {
		return fmt.Errorf("processor.retry_max must not be below processor.retry_initial")
	}
	if c.Tracing.Enabled && strings.TrimSpace(c.Tracing.Endpoint) == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
	}
	return nil
}
