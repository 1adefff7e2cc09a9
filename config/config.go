// SPDX-License-Identifier: MIT

// Package config loads and validates the bus worker configuration from a
// YAML file with a LIGHTBUS_* environment overlay.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lightbus/lightbus/bus"
	"github.com/lightbus/lightbus/internal/telemetry"
	"github.com/lightbus/lightbus/transport/redistransport"
)

// TransportKind selects a transport backend.
type TransportKind string

const (
	TransportRedis  TransportKind = "redis"
	TransportMemory TransportKind = "memory"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// RedisConfig configures the Redis connection.
type RedisConfig struct {
	URL      string `yaml:"url"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// BusConfig holds the worker tunables.
type BusConfig struct {
	Concurrency             int      `yaml:"concurrency"`
	AcknowledgementTimeout  Duration `yaml:"acknowledgement_timeout"`
	ReclaimInterval         Duration `yaml:"reclaim_interval"`
	MaxRedeliveries         int64    `yaml:"max_redeliveries"`
	GracefulShutdownTimeout Duration `yaml:"graceful_shutdown_timeout"`
	SchemaTTL               Duration `yaml:"schema_ttl"`
	EventStreamMaxLen       int64    `yaml:"event_stream_maxlen"`
}

// ApiConfig holds per-API overrides.
type ApiConfig struct {
	RpcTimeout       Duration `yaml:"rpc_timeout"`
	EventFireTimeout Duration `yaml:"event_fire_timeout"`
	Validate         string   `yaml:"validate"`
	CastValues       bool     `yaml:"cast_values"`
}

// TransportSelection picks a backend per transport role.
type TransportSelection struct {
	Rpc    TransportKind `yaml:"rpc"`
	Result TransportKind `yaml:"result"`
	Event  TransportKind `yaml:"event"`
	Schema TransportKind `yaml:"schema"`
}

// Config is the full worker configuration.
type Config struct {
	Service    string               `yaml:"service"`
	LogLevel   string               `yaml:"log_level"`
	HTTPAddr   string               `yaml:"http_addr"`
	Redis      RedisConfig          `yaml:"redis"`
	Bus        BusConfig            `yaml:"bus"`
	Apis       map[string]ApiConfig `yaml:"apis"`
	Transports TransportSelection   `yaml:"transports"`
	Telemetry  telemetry.Config     `yaml:"telemetry"`
}

// ConfigurationError reports an invalid or missing configuration value.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error at %s: %s", e.Field, e.Reason)
}

// Default returns the configuration defaults.
func Default() Config {
	return Config{
		Service:  "lightbus",
		LogLevel: "info",
		HTTPAddr: ":9172",
		Redis:    RedisConfig{Addr: "localhost:6379", PoolSize: 10},
		Bus: BusConfig{
			Concurrency:             4,
			AcknowledgementTimeout:  Duration(60 * time.Second),
			ReclaimInterval:         Duration(20 * time.Second),
			MaxRedeliveries:         3,
			GracefulShutdownTimeout: Duration(30 * time.Second),
			SchemaTTL:               Duration(60 * time.Second),
			EventStreamMaxLen:       100000,
		},
		Transports: TransportSelection{
			Rpc:    TransportRedis,
			Result: TransportRedis,
			Event:  TransportRedis,
			Schema: TransportRedis,
		},
	}
}

// Load reads the YAML file at path over the defaults, applies the
// environment overlay and validates the result. An empty path loads
// defaults plus environment only.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, &ConfigurationError{Field: "file", Reason: err.Error()}
		}
		decoder := yaml.NewDecoder(bytes.NewReader(raw))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return cfg, &ConfigurationError{Field: "file", Reason: err.Error()}
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	for field, kind := range map[string]TransportKind{
		"transports.rpc":    c.Transports.Rpc,
		"transports.result": c.Transports.Result,
		"transports.event":  c.Transports.Event,
		"transports.schema": c.Transports.Schema,
	} {
		switch kind {
		case TransportRedis, TransportMemory:
		default:
			return &ConfigurationError{Field: field, Reason: fmt.Sprintf("unknown transport %q", kind)}
		}
	}
	if c.Bus.Concurrency < 1 {
		return &ConfigurationError{Field: "bus.concurrency", Reason: "must be at least 1"}
	}
	if c.Bus.MaxRedeliveries < 0 {
		return &ConfigurationError{Field: "bus.max_redeliveries", Reason: "must not be negative"}
	}
	for name, apiCfg := range c.Apis {
		switch apiCfg.Validate {
		case "", "off", "incoming", "outgoing", "both":
		default:
			return &ConfigurationError{
				Field:  "apis." + name + ".validate",
				Reason: fmt.Sprintf("unknown mode %q", apiCfg.Validate),
			}
		}
	}
	if c.Redis.URL == "" && c.Redis.Addr == "" && c.Transports.usesRedis() {
		return &ConfigurationError{Field: "redis", Reason: "url or addr required"}
	}
	return nil
}

func (t TransportSelection) usesRedis() bool {
	return t.Rpc == TransportRedis || t.Result == TransportRedis ||
		t.Event == TransportRedis || t.Schema == TransportRedis
}

// Settings converts the configuration into bus settings.
func (c Config) Settings() bus.Settings {
	apis := make(map[string]bus.ApiSettings, len(c.Apis))
	for name, apiCfg := range c.Apis {
		apis[name] = bus.ApiSettings{
			RpcTimeout:       time.Duration(apiCfg.RpcTimeout),
			EventFireTimeout: time.Duration(apiCfg.EventFireTimeout),
			Validate:         bus.ValidateMode(apiCfg.Validate),
			CastValues:       apiCfg.CastValues,
		}
	}
	return bus.Settings{
		Concurrency:             c.Bus.Concurrency,
		AcknowledgementTimeout:  time.Duration(c.Bus.AcknowledgementTimeout),
		ReclaimInterval:         time.Duration(c.Bus.ReclaimInterval),
		MaxRedeliveries:         c.Bus.MaxRedeliveries,
		GracefulShutdownTimeout: time.Duration(c.Bus.GracefulShutdownTimeout),
		SchemaTTL:               time.Duration(c.Bus.SchemaTTL),
		Apis:                    apis,
	}
}

// RedisTransportConfig converts the configuration for the Redis backend.
func (c Config) RedisTransportConfig() redistransport.Config {
	return redistransport.Config{
		URL:               c.Redis.URL,
		Addr:              c.Redis.Addr,
		Password:          c.Redis.Password,
		DB:                c.Redis.DB,
		PoolSize:          c.Redis.PoolSize,
		EventStreamMaxLen: c.Bus.EventStreamMaxLen,
	}
}
