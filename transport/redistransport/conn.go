// SPDX-License-Identifier: MIT

// Package redistransport implements the four bus transports on Redis:
// RPC queues on lists, results on ephemeral lists, events on streams with
// consumer groups, and schemas on a TTL-guarded hash.
package redistransport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/lightbus/lightbus/internal/log"
)

// Config holds Redis connection configuration.
type Config struct {
	// URL is a redis:// URL. When set it takes precedence over Addr.
	URL      string
	Addr     string // Redis server address (host:port)
	Password string // Redis password (optional)
	DB       int    // Redis database number

	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// ClientID uniquely identifies this bus client on the broker. It is
	// used for consumer names and return paths. Defaults to a fresh UUID.
	ClientID string

	// EventStreamMaxLen caps each event stream via XADD MAXLEN ~.
	// Zero disables trimming.
	EventStreamMaxLen int64
}

func (c Config) withDefaults() Config {
	if c.Addr == "" && c.URL == "" {
		c.Addr = "localhost:6379"
	}
	if c.PoolSize == 0 {
		c.PoolSize = 10
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 3 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 3 * time.Second
	}
	if c.ClientID == "" {
		c.ClientID = uuid.NewString()
	}
	return c
}

// Conn is the connection pool shared by the four transports. Transports
// acquire it on Open and release it on Close; the underlying client is
// closed when the last user releases it.
type Conn struct {
	client *redis.Client
	logger zerolog.Logger

	mu   sync.Mutex
	refs int
}

func newConn(cfg Config) (*Conn, error) {
	var opts *redis.Options
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}
	}
	opts.PoolSize = cfg.PoolSize
	opts.DialTimeout = cfg.DialTimeout
	// Blocking reads (BRPOP, XREADGROUP BLOCK) manage their own deadlines.
	opts.ReadTimeout = -1
	opts.WriteTimeout = cfg.WriteTimeout

	return &Conn{
		client: redis.NewClient(opts),
		logger: log.WithComponent("transport.redis"),
	}, nil
}

// acquire pings the server on first use and counts the reference.
func (c *Conn) acquire(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refs == 0 {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := c.client.Ping(pingCtx).Err(); err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		c.logger.Info().Str("event", "redis.connected").Msg("connected to Redis")
	}
	c.refs++
	return nil
}

// release closes the client when the last transport lets go.
func (c *Conn) release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refs == 0 {
		return nil
	}
	c.refs--
	if c.refs == 0 {
		c.logger.Info().Str("event", "redis.closed").Msg("closing Redis connection pool")
		return c.client.Close()
	}
	return nil
}

// Bundle groups the four Redis transports sharing one connection pool.
type Bundle struct {
	Rpc    *RpcTransport
	Result *ResultTransport
	Event  *EventTransport
	Schema *SchemaTransport
}

// NewBundle builds all four transports over a single connection pool.
func NewBundle(cfg Config) (*Bundle, error) {
	cfg = cfg.withDefaults()
	conn, err := newConn(cfg)
	if err != nil {
		return nil, err
	}
	return &Bundle{
		Rpc:    NewRpcTransport(conn, cfg),
		Result: NewResultTransport(conn, cfg),
		Event:  NewEventTransport(conn, cfg),
		Schema: NewSchemaTransport(conn, cfg),
	}, nil
}

// NewBundleWithClient builds the four transports over an existing client,
// which the caller continues to own. Used by tests.
func NewBundleWithClient(client *redis.Client, cfg Config) *Bundle {
	cfg = cfg.withDefaults()
	conn := &Conn{client: client, logger: log.WithComponent("transport.redis"), refs: 1}
	// The extra reference keeps release() from closing the caller's client.
	conn.refs++
	return &Bundle{
		Rpc:    NewRpcTransport(conn, cfg),
		Result: NewResultTransport(conn, cfg),
		Event:  NewEventTransport(conn, cfg),
		Schema: NewSchemaTransport(conn, cfg),
	}
}
