// Package config loads the bridge configuration and parses the flat
// key/value options of HL7 sinks and sources.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/cyberinferno/hl7mllp/pipeline"
)

// EnvPrefix prefixes environment overrides, e.g. HL7MLLP_LOG_LEVEL=debug.
const EnvPrefix = "HL7MLLP"

// Config is the root configuration of the hl7bridge binary.
type Config struct {
	// Service names the process in log entries and the log file.
	Service string `mapstructure:"service"`

	Log     LogConfig           `mapstructure:"log"`
	Metrics MetricsConfig       `mapstructure:"metrics"`
	NATS    pipeline.NATSConfig `mapstructure:"nats"`
	Redis   RedisConfig         `mapstructure:"redis"`

	// Sink sends messages consumed from NATS to a remote HL7 endpoint.
	Sink SinkConfig `mapstructure:"sink"`
	// Source receives HL7 messages and publishes them to NATS.
	Source SourceConfig `mapstructure:"source"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Dir enables a size-rotated log file in this directory when non-empty.
	Dir        string `mapstructure:"dir"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// Addr is the listen address of /metrics. Empty disables it.
	Addr string `mapstructure:"addr"`
}

// RedisConfig selects a shared conformance profile cache. Without Addrs an
// in-process cache is used.
type RedisConfig struct {
	Addrs    []string      `mapstructure:"addrs"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"profile_ttl"`
}

// SinkConfig enables the outbound side.
type SinkConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Stream  string `mapstructure:"stream"`
	// Options holds the sink keys (uri, hl7.encoding, ...).
	Options Options `mapstructure:"-"`
}

// SourceConfig enables the inbound side.
type SourceConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Stream  string `mapstructure:"stream"`
	// Options holds the source keys (port, hl7.encoding, ...).
	Options Options `mapstructure:"-"`
}

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		Service: "hl7bridge",
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
		},
		Metrics: MetricsConfig{Addr: ":9102"},
		NATS: pipeline.NATSConfig{
			URL:           "nats://127.0.0.1:4222",
			Name:          "hl7bridge",
			InboundSubj:   "hl7.inbound",
			OutboundSubj:  "hl7.outbound",
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
			Timeout:       5 * time.Second,
		},
		Redis:  RedisConfig{TTL: 10 * time.Minute},
		Sink:   SinkConfig{Stream: "hl7-sink"},
		Source: SourceConfig{Stream: "hl7-source"},
	}
}

// Load reads configuration from path (if non-empty), otherwise it searches
// ./hl7bridge.yaml, ./configs and $HOME/.hl7bridge. A missing file is not
// an error. Environment variables use the prefix HL7MLLP with "." replaced
// by "_", e.g. HL7MLLP_NATS_URL.
//
// Parameters:
//   - path: Explicit configuration file, or empty to search
//
// Returns:
//   - The configuration, or an error if the file cannot be read or is invalid
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults so env-only configs work
	v.SetDefault("service", cfg.Service)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.dir", cfg.Log.Dir)
	v.SetDefault("log.max_size_mb", cfg.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", cfg.Log.MaxBackups)
	v.SetDefault("log.max_age_days", cfg.Log.MaxAgeDays)
	v.SetDefault("log.compress", cfg.Log.Compress)
	v.SetDefault("metrics.addr", cfg.Metrics.Addr)
	v.SetDefault("nats.url", cfg.NATS.URL)
	v.SetDefault("nats.name", cfg.NATS.Name)
	v.SetDefault("nats.inbound_subject", cfg.NATS.InboundSubj)
	v.SetDefault("nats.outbound_subject", cfg.NATS.OutboundSubj)
	v.SetDefault("nats.max_reconnects", cfg.NATS.MaxReconnects)
	v.SetDefault("nats.reconnect_wait", cfg.NATS.ReconnectWait)
	v.SetDefault("nats.timeout", cfg.NATS.Timeout)
	v.SetDefault("redis.addrs", cfg.Redis.Addrs)
	v.SetDefault("redis.password", cfg.Redis.Password)
	v.SetDefault("redis.db", cfg.Redis.DB)
	v.SetDefault("redis.profile_ttl", cfg.Redis.TTL)
	v.SetDefault("sink.enabled", cfg.Sink.Enabled)
	v.SetDefault("sink.stream", cfg.Sink.Stream)
	v.SetDefault("source.enabled", cfg.Source.Enabled)
	v.SetDefault("source.stream", cfg.Source.Stream)

	if path == "" {
		if envPath := os.Getenv(EnvPrefix + "_CONFIG"); envPath != "" {
			path = envPath
		}
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("hl7bridge")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".hl7bridge"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	// Option keys contain dots, which Unmarshal would split into nested maps.
	cfg.Sink.Options = flatten("", v.Get("sink.options"))
	cfg.Source.Options = flatten("", v.Get("source.options"))
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// flatten turns a nested option map into dotted keys. Both
// "hl7.encoding: er7" and "hl7: {encoding: er7}" yield the same key.
func flatten(prefix string, raw any) Options {
	out := Options{}
	m, ok := raw.(map[string]any)
	if !ok {
		return out
	}
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = fmt.Sprint(val)
	}
	return out
}

func (c *Config) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if strings.TrimSpace(c.Service) == "" {
		c.Service = "hl7bridge"
	}
	if c.Sink.Enabled && c.NATS.OutboundSubj == "" {
		return fmt.Errorf("sink enabled without nats.outbound_subject")
	}
	if c.Source.Enabled && c.NATS.InboundSubj == "" {
		return fmt.Errorf("source enabled without nats.inbound_subject")
	}
	return nil
}
