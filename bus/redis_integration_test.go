// SPDX-License-Identifier: MIT

package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightbus/lightbus/message"
	"github.com/lightbus/lightbus/transport"
	"github.com/lightbus/lightbus/transport/redistransport"
)

func newRedisClient(t *testing.T, mr *miniredis.Miniredis, clientID string, settings Settings) *Client {
	t.Helper()
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })

	bundle := redistransport.NewBundleWithClient(rc, redistransport.Config{ClientID: clientID})
	c := New(Transports{
		Rpc:    bundle.Rpc,
		Result: bundle.Result,
		Event:  bundle.Event,
		Schema: bundle.Schema,
	}, settings)
	t.Cleanup(func() {
		if c.State() == StateRunning {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = c.Stop(ctx)
		}
	})
	return c
}

// TestRedisCallBetweenClients runs a caller and a responder as separate
// bus clients over one Redis server.
func TestRedisCallBetweenClients(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	var invocations atomic.Int64
	responder := newRedisClient(t, mr, "responder", Settings{})
	require.NoError(t, responder.RegisterAPI(authAPI(&invocations)))
	require.NoError(t, responder.Start(ctx))

	caller := newRedisClient(t, mr, "caller", Settings{})
	require.NoError(t, caller.Start(ctx))

	result, err := caller.Call(ctx, "auth", "login",
		map[string]any{"user": "a", "password": "b"},
		CallOptions{Timeout: 5 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, true, result)
	assert.EqualValues(t, 1, invocations.Load())

	// The caller validated against the schema the responder published.
	require.NotNil(t, caller.Schemas().Known("auth"))
	_, err = caller.Call(ctx, "auth", "login",
		map[string]any{"user": "a"}, CallOptions{Timeout: time.Second})
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

// TestRedisEventFanOutBetweenClients verifies group fan-out across two
// worker processes sharing a broker.
func TestRedisEventFanOutBetweenClients(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	var auditCount, cacheCount atomic.Int64
	refs := []transport.EventRef{{APIName: "store", EventName: "page_view"}}

	auditWorker := newRedisClient(t, mr, "audit-1", Settings{})
	require.NoError(t, auditWorker.RegisterAPI(storeAPI()))
	require.NoError(t, auditWorker.Listen(refs, "audit", func(ctx context.Context, ev *message.EventMessage) error {
		auditCount.Add(1)
		return nil
	}, ListenOptions{}))
	require.NoError(t, auditWorker.Start(ctx))

	cacheWorker := newRedisClient(t, mr, "cache-1", Settings{})
	require.NoError(t, cacheWorker.RegisterAPI(storeAPI()))
	require.NoError(t, cacheWorker.Listen(refs, "cache", func(ctx context.Context, ev *message.EventMessage) error {
		cacheCount.Add(1)
		return nil
	}, ListenOptions{}))
	require.NoError(t, cacheWorker.Start(ctx))

	firer := newRedisClient(t, mr, "firer", Settings{})
	require.NoError(t, firer.Start(ctx))
	require.NoError(t, firer.Fire(ctx, "store", "page_view", map[string]any{"id": float64(42)}, FireOptions{}))

	require.Eventually(t, func() bool {
		return auditCount.Load() == 1 && cacheCount.Load() == 1
	}, 10*time.Second, 20*time.Millisecond)

	time.Sleep(200 * time.Millisecond)
	assert.EqualValues(t, 1, auditCount.Load())
	assert.EqualValues(t, 1, cacheCount.Load())
}
