// SPDX-License-Identifier: MIT

package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/lightbus/lightbus/message"
	"github.com/lightbus/lightbus/transport"
	"github.com/lightbus/lightbus/transport/memorytransport"
)

// TestStopLeavesNoGoroutines verifies that after Stop no consumer loops,
// schema monitor or background tasks are still running.
func TestStopLeavesNoGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ctx := context.Background()
	broker := memorytransport.NewBroker()
	bundle := memorytransport.NewBundle(broker)
	c := New(Transports{
		Rpc:    bundle.Rpc,
		Result: bundle.Result,
		Event:  bundle.Event,
		Schema: bundle.Schema,
	}, Settings{})

	require.NoError(t, c.RegisterAPI(authAPI(nil)))
	require.NoError(t, c.RegisterAPI(storeAPI()))
	require.NoError(t, c.Listen(
		[]transport.EventRef{{APIName: "store", EventName: "page_view"}},
		"audit",
		func(ctx context.Context, ev *message.EventMessage) error { return nil },
		ListenOptions{}))
	var ticks atomic.Int64
	c.Every(20*time.Millisecond, func(ctx context.Context) error {
		ticks.Add(1)
		return nil
	})

	require.NoError(t, c.Start(ctx))

	// Exercise every loop once before stopping.
	_, err := c.Call(ctx, "auth", "login",
		map[string]any{"user": "a", "password": "b"}, CallOptions{})
	require.NoError(t, err)
	require.NoError(t, c.Fire(ctx, "store", "page_view", map[string]any{"id": float64(1)}, FireOptions{}))

	require.NoError(t, c.Stop(ctx))
}
