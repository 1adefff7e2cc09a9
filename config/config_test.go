// SPDX-License-Identifier: MIT

package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightbus/lightbus/bus"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bus.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "lightbus", cfg.Service)
	assert.Equal(t, 4, cfg.Bus.Concurrency)
	assert.Equal(t, TransportRedis, cfg.Transports.Event)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
service: orders-worker
log_level: debug
redis:
  url: redis://localhost:6379/2
bus:
  concurrency: 8
  acknowledgement_timeout: 90s
apis:
  store:
    rpc_timeout: 3s
    validate: outgoing
    cast_values: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "orders-worker", cfg.Service)
	assert.Equal(t, 8, cfg.Bus.Concurrency)
	assert.Equal(t, Duration(90*time.Second), cfg.Bus.AcknowledgementTimeout)
	assert.Equal(t, Duration(3*time.Second), cfg.Apis["store"].RpcTimeout)
	assert.True(t, cfg.Apis["store"].CastValues)

	settings := cfg.Settings()
	assert.Equal(t, bus.ValidateOutgoing, settings.Apis["store"].Validate)
	assert.Equal(t, 3*time.Second, settings.Apis["store"].RpcTimeout)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "serrvice: typo\n")
	_, err := Load(path)
	var cerr *ConfigurationError
	require.ErrorAs(t, err, &cerr)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Transports.Event = "kafka"
	var cerr *ConfigurationError
	require.ErrorAs(t, cfg.Validate(), &cerr)
	assert.Equal(t, "transports.event", cerr.Field)

	cfg = Default()
	cfg.Bus.Concurrency = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Apis = map[string]ApiConfig{"a": {Validate: "sideways"}}
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Redis = RedisConfig{}
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Redis = RedisConfig{}
	cfg.Transports = TransportSelection{
		Rpc: TransportMemory, Result: TransportMemory,
		Event: TransportMemory, Schema: TransportMemory,
	}
	assert.NoError(t, cfg.Validate(), "memory-only selection needs no redis")
}

func TestEnvOverlay(t *testing.T) {
	t.Setenv(EnvService, "env-worker")
	t.Setenv(EnvRedisURL, "redis://env:6379/0")
	t.Setenv(EnvConcurrency, "16")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "env-worker", cfg.Service)
	assert.Equal(t, "redis://env:6379/0", cfg.Redis.URL)
	assert.Equal(t, 16, cfg.Bus.Concurrency)
}

func TestSchemaIsValidJSON(t *testing.T) {
	raw, err := Schema()
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, "object", doc["type"])
	props, ok := doc["properties"].(map[string]any)
	require.True(t, ok)
	for _, key := range []string{"redis", "bus", "apis", "transports", "telemetry"} {
		assert.Contains(t, props, key)
	}
}
