// SPDX-License-Identifier: MIT

package redistransport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/lightbus/lightbus/internal/log"
	"github.com/lightbus/lightbus/internal/metrics"
	"github.com/lightbus/lightbus/transport"
)

const (
	schemaHashKey       = "schemas"
	schemaPingKeyPrefix = "schema_ping:"
)

// SchemaTransport stores API schemas in a shared hash. Liveness is tracked
// by a per-API ping key with a TTL: a schema whose ping key expired is
// treated as gone, even though the hash field lingers until the next store.
type SchemaTransport struct {
	conn   *Conn
	cfg    Config
	logger zerolog.Logger

	mu     sync.Mutex
	closed bool
}

// NewSchemaTransport builds a schema transport over the shared connection.
func NewSchemaTransport(conn *Conn, cfg Config) *SchemaTransport {
	return &SchemaTransport{
		conn:   conn,
		cfg:    cfg,
		logger: log.WithComponent("transport.redis.schema"),
	}
}

func (t *SchemaTransport) Open(ctx context.Context) error {
	return t.conn.acquire(ctx)
}

func (t *SchemaTransport) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	return t.conn.release()
}

// Store publishes the schema for apiName with the given liveness TTL.
func (t *SchemaTransport) Store(ctx context.Context, apiName string, schemaJSON []byte, ttl time.Duration) error {
	pipe := t.conn.client.TxPipeline()
	pipe.HSet(ctx, schemaHashKey, apiName, schemaJSON)
	pipe.Set(ctx, schemaPingKeyPrefix+apiName, "1", ttl)
	_, err := pipe.Exec(ctx)
	metrics.ObserveTransportOp("schema", "store", err)
	if err != nil {
		return transport.Failuref("schema store", err)
	}
	return nil
}

// Load returns the live schema for apiName, or (nil, nil) when absent.
func (t *SchemaTransport) Load(ctx context.Context, apiName string) ([]byte, error) {
	alive, err := t.conn.client.Exists(ctx, schemaPingKeyPrefix+apiName).Result()
	if err != nil {
		return nil, transport.Failuref("schema load", err)
	}
	if alive == 0 {
		return nil, nil
	}
	raw, err := t.conn.client.HGet(ctx, schemaHashKey, apiName).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, transport.Failuref("schema load", err)
	}
	return raw, nil
}

// LoadAll returns every live schema keyed by API name.
func (t *SchemaTransport) LoadAll(ctx context.Context) (map[string][]byte, error) {
	all, err := t.conn.client.HGetAll(ctx, schemaHashKey).Result()
	if err != nil {
		return nil, transport.Failuref("schema load all", err)
	}
	out := make(map[string][]byte, len(all))
	for apiName, raw := range all {
		alive, err := t.conn.client.Exists(ctx, schemaPingKeyPrefix+apiName).Result()
		if err != nil {
			return nil, transport.Failuref("schema load all", err)
		}
		if alive == 0 {
			continue
		}
		out[apiName] = []byte(raw)
	}
	return out, nil
}

// Ping refreshes the liveness TTL of a previously stored schema.
func (t *SchemaTransport) Ping(ctx context.Context, apiName string, ttl time.Duration) error {
	err := t.conn.client.Set(ctx, schemaPingKeyPrefix+apiName, "1", ttl).Err()
	metrics.ObserveTransportOp("schema", "ping", err)
	if err != nil {
		return transport.Failuref("schema ping", err)
	}
	return nil
}

var _ transport.SchemaTransport = (*SchemaTransport)(nil)
