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
	"github.com/lightbus/lightbus/message"
	"github.com/lightbus/lightbus/serializer"
	"github.com/lightbus/lightbus/transport"
)

const (
	rpcKeyPrefix         = "rpc:"
	rpcConsumerKeyPrefix = "rpc_consumer:"

	// rpcPopTimeout bounds each BRPOP so consumer loops observe
	// cancellation promptly.
	rpcPopTimeout = time.Second

	// rpcPresenceTTL is the lifetime of a consumer presence key; it is
	// refreshed from the consume loop at a third of this.
	rpcPresenceTTL = 15 * time.Second
)

// RpcTransport queues calls on one Redis list per API. A BRPOP pop is
// destructive, which yields single delivery among competing consumers.
type RpcTransport struct {
	conn   *Conn
	cfg    Config
	ser    serializer.Serializer
	logger zerolog.Logger

	mu     sync.Mutex
	closed bool
}

// NewRpcTransport builds an RPC transport over the shared connection.
func NewRpcTransport(conn *Conn, cfg Config) *RpcTransport {
	return &RpcTransport{
		conn:   conn,
		cfg:    cfg,
		ser:    serializer.NewJSON(),
		logger: log.WithComponent("transport.redis.rpc"),
	}
}

func (t *RpcTransport) Open(ctx context.Context) error {
	return t.conn.acquire(ctx)
}

func (t *RpcTransport) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	return t.conn.release()
}

func (t *RpcTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Publish enqueues the call on rpc:<api_name>.
func (t *RpcTransport) Publish(ctx context.Context, rpc *message.RpcMessage) error {
	if t.isClosed() {
		return transport.ErrClosed
	}
	payload, err := t.ser.EncodeRpc(rpc)
	if err != nil {
		return err
	}
	if len(payload) > transport.MaxPayloadSize {
		return transport.ErrMessageTooLarge
	}
	err = t.conn.client.LPush(ctx, rpcKeyPrefix+rpc.APIName, payload).Err()
	metrics.ObserveTransportOp("rpc", "publish", err)
	if err != nil {
		return transport.Failuref("rpc publish", err)
	}
	return nil
}

// Consume pops calls for the given APIs. The returned channel closes when
// ctx is cancelled or the transport closes.
func (t *RpcTransport) Consume(ctx context.Context, apiNames []string, prefetch int) (<-chan transport.RpcDelivery, error) {
	if t.isClosed() {
		return nil, transport.ErrClosed
	}
	if prefetch < 1 {
		prefetch = 1
	}
	keys := make([]string, len(apiNames))
	for i, name := range apiNames {
		keys[i] = rpcKeyPrefix + name
	}

	out := make(chan transport.RpcDelivery, prefetch)
	go t.consumeLoop(ctx, apiNames, keys, out)
	return out, nil
}

func (t *RpcTransport) consumeLoop(ctx context.Context, apiNames, keys []string, out chan<- transport.RpcDelivery) {
	defer close(out)

	presenceDue := time.Time{}
	for {
		if ctx.Err() != nil || t.isClosed() {
			return
		}

		if now := time.Now(); now.After(presenceDue) {
			t.refreshPresence(ctx, apiNames)
			presenceDue = now.Add(rpcPresenceTTL / 3)
		}

		res, err := t.conn.client.BRPop(ctx, rpcPopTimeout, keys...).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			metrics.ObserveTransportOp("rpc", "consume", err)
			t.logger.Warn().Err(err).Str("event", "rpc.consume_failed").Msg("BRPOP failed, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		// BRPOP returns [key, value].
		if len(res) != 2 {
			continue
		}
		rpc, err := t.ser.DecodeRpc([]byte(res[1]))
		if err != nil {
			t.logger.Warn().Err(err).Str("event", "rpc.decode_failed").Msg("dropping undecodable RPC message")
			continue
		}
		if expired(rpc.Metadata) {
			t.logger.Debug().
				Str(log.FieldMessageID, rpc.ID).
				Str(log.FieldAPI, rpc.APIName).
				Str("event", "rpc.expired").
				Msg("dropping expired RPC message")
			continue
		}

		// The list pop is destructive, so the lease is synthetic and
		// there is nothing to acknowledge.
		delivery := transport.RpcDelivery{
			Message: rpc,
			Lease:   transport.Lease{NativeID: rpc.ID, DeliveryCount: 1},
		}
		select {
		case <-ctx.Done():
			return
		case out <- delivery:
		}
	}
}

func (t *RpcTransport) refreshPresence(ctx context.Context, apiNames []string) {
	for _, name := range apiNames {
		key := rpcConsumerKeyPrefix + name + ":" + t.cfg.ClientID
		if err := t.conn.client.Set(ctx, key, "1", rpcPresenceTTL).Err(); err != nil && ctx.Err() == nil {
			t.logger.Debug().Err(err).Str(log.FieldAPI, name).Msg("presence refresh failed")
		}
	}
}

// ConsumerCount reports live consumers of apiName from presence keys.
func (t *RpcTransport) ConsumerCount(ctx context.Context, apiName string) (int64, error) {
	var count int64
	var cursor uint64
	pattern := rpcConsumerKeyPrefix + apiName + ":*"
	for {
		keys, next, err := t.conn.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return 0, transport.Failuref("rpc consumer count", err)
		}
		count += int64(len(keys))
		cursor = next
		if cursor == 0 {
			return count, nil
		}
	}
}

func expired(metadata map[string]string) bool {
	raw, ok := metadata[message.MetaExpiry]
	if !ok {
		return false
	}
	deadline, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return false
	}
	return time.Now().After(deadline)
}

var _ transport.RpcTransport = (*RpcTransport)(nil)
var _ transport.ConsumerCounter = (*RpcTransport)(nil)
