// SPDX-License-Identifier: MIT

package redistransport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/lightbus/lightbus/internal/log"
	"github.com/lightbus/lightbus/internal/metrics"
	"github.com/lightbus/lightbus/message"
	"github.com/lightbus/lightbus/serializer"
	"github.com/lightbus/lightbus/transport"
)

const resultKeyPrefix = "result:"

// resultGrace keeps an unclaimed result around briefly past the call
// timeout so that slow pollers still find it before it expires.
const resultGrace = time.Minute

// ResultTransport delivers RPC replies on short-lived per-call lists. The
// return path embeds the calling client's identity, so results never race
// between clients.
type ResultTransport struct {
	conn   *Conn
	cfg    Config
	ser    serializer.Serializer
	logger zerolog.Logger

	mu     sync.Mutex
	closed bool
}

// NewResultTransport builds a result transport over the shared connection.
func NewResultTransport(conn *Conn, cfg Config) *ResultTransport {
	return &ResultTransport{
		conn:   conn,
		cfg:    cfg,
		ser:    serializer.NewJSON(),
		logger: log.WithComponent("transport.redis.result"),
	}
}

func (t *ResultTransport) Open(ctx context.Context) error {
	return t.conn.acquire(ctx)
}

func (t *ResultTransport) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	return t.conn.release()
}

// ReturnPath mints a per-call ephemeral address.
func (t *ResultTransport) ReturnPath(rpc *message.RpcMessage) string {
	return resultKeyPrefix + t.cfg.ClientID + ":" + uuid.NewString()
}

// SendResult writes one reply to the caller's return address with a TTL.
func (t *ResultTransport) SendResult(ctx context.Context, rpc *message.RpcMessage, result *message.ResultMessage, returnPath string) error {
	payload, err := t.ser.EncodeResult(result)
	if err != nil {
		return err
	}
	if len(payload) > transport.MaxPayloadSize {
		return transport.ErrMessageTooLarge
	}

	ttl := resultGrace
	if raw, ok := rpc.Metadata[message.MetaExpiry]; ok {
		if deadline, perr := time.Parse(time.RFC3339Nano, raw); perr == nil {
			if until := time.Until(deadline); until > 0 {
				ttl = until + resultGrace
			}
		}
	}

	pipe := t.conn.client.TxPipeline()
	pipe.RPush(ctx, returnPath, payload)
	pipe.Expire(ctx, returnPath, ttl)
	_, err = pipe.Exec(ctx)
	metrics.ObserveTransportOp("result", "send", err)
	if err != nil {
		return transport.Failuref("result send", err)
	}
	return nil
}

// ReceiveResult blocks on the return address until a reply arrives or the
// timeout elapses.
func (t *ResultTransport) ReceiveResult(ctx context.Context, rpc *message.RpcMessage, returnPath string, timeout time.Duration) (*message.ResultMessage, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, transport.ErrTimeout
		}
		wait := remaining
		if wait > time.Second {
			wait = time.Second
		}

		res, err := t.conn.client.BLPop(ctx, wait, returnPath).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			metrics.ObserveTransportOp("result", "receive", err)
			return nil, transport.Failuref("result receive", err)
		}
		if len(res) != 2 {
			continue
		}
		result, err := t.ser.DecodeResult([]byte(res[1]))
		if err != nil {
			t.logger.Warn().Err(err).Str("event", "result.decode_failed").Msg("dropping undecodable result")
			continue
		}
		return result, nil
	}
}

var _ transport.ResultTransport = (*ResultTransport)(nil)
