// SPDX-License-Identifier: MIT

package redistransport

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightbus/lightbus/message"
	"github.com/lightbus/lightbus/transport"
)

// setupMiniRedis creates a test Redis server and a transport bundle on it.
func setupMiniRedis(t *testing.T, cfg Config) (*miniredis.Miniredis, *Bundle) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	bundle := NewBundleWithClient(client, cfg)
	return mr, bundle
}

func TestRpcPublishConsume(t *testing.T) {
	_, bundle := setupMiniRedis(t, Config{ClientID: "client-a"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rpc := message.NewRpcMessage("auth", "login", map[string]any{"user": "a"})
	rpc.ReturnPath = "result:client-a:xyz"
	require.NoError(t, bundle.Rpc.Publish(ctx, rpc))

	deliveries, err := bundle.Rpc.Consume(ctx, []string{"auth"}, 1)
	require.NoError(t, err)

	select {
	case d := <-deliveries:
		assert.Equal(t, rpc.ID, d.Message.ID)
		assert.Equal(t, "auth.login", d.Message.CanonicalName())
		assert.Equal(t, "result:client-a:xyz", d.Message.ReturnPath)
		assert.EqualValues(t, 1, d.Lease.DeliveryCount)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for RPC delivery")
	}
}

func TestRpcSingleDelivery(t *testing.T) {
	_, bundle := setupMiniRedis(t, Config{ClientID: "client-a"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch1, err := bundle.Rpc.Consume(ctx, []string{"auth"}, 1)
	require.NoError(t, err)
	ch2, err := bundle.Rpc.Consume(ctx, []string{"auth"}, 1)
	require.NoError(t, err)

	rpc := message.NewRpcMessage("auth", "login", nil)
	require.NoError(t, bundle.Rpc.Publish(ctx, rpc))

	// Exactly one of the two competing consumers receives the call.
	var got int
	deadline := time.After(5 * time.Second)
	select {
	case <-ch1:
		got++
	case <-ch2:
		got++
	case <-deadline:
		t.Fatal("no delivery")
	}
	select {
	case <-ch1:
		got++
	case <-ch2:
		got++
	case <-time.After(300 * time.Millisecond):
	}
	assert.Equal(t, 1, got)
}

func TestRpcExpiredDropped(t *testing.T) {
	_, bundle := setupMiniRedis(t, Config{ClientID: "client-a"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rpc := message.NewRpcMessage("auth", "login", nil)
	rpc.Metadata[message.MetaExpiry] = time.Now().Add(-time.Second).Format(time.RFC3339Nano)
	require.NoError(t, bundle.Rpc.Publish(ctx, rpc))

	deliveries, err := bundle.Rpc.Consume(ctx, []string{"auth"}, 1)
	require.NoError(t, err)

	select {
	case d := <-deliveries:
		t.Fatalf("expired message was delivered: %v", d.Message.ID)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestRpcWireLayout(t *testing.T) {
	mr, bundle := setupMiniRedis(t, Config{ClientID: "client-a"})
	ctx := context.Background()

	rpc := message.NewRpcMessage("my_company.auth", "login", nil)
	require.NoError(t, bundle.Rpc.Publish(ctx, rpc))

	// Normative key naming: one list per API named rpc:<api_name>.
	assert.True(t, mr.Exists("rpc:my_company.auth"))
}

func TestResultRoundTrip(t *testing.T) {
	_, bundle := setupMiniRedis(t, Config{ClientID: "caller"})
	ctx := context.Background()

	rpc := message.NewRpcMessage("auth", "login", nil)
	returnPath := bundle.Result.ReturnPath(rpc)
	assert.Contains(t, returnPath, "result:caller:")
	rpc.ReturnPath = returnPath

	res := message.NewResultMessage(rpc, true)
	require.NoError(t, bundle.Result.SendResult(ctx, rpc, res, returnPath))

	got, err := bundle.Result.ReceiveResult(ctx, rpc, returnPath, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, rpc.ID, got.RpcMessageID)
	assert.Equal(t, true, got.Result)
}

func TestResultTimeout(t *testing.T) {
	_, bundle := setupMiniRedis(t, Config{ClientID: "caller"})
	ctx := context.Background()

	rpc := message.NewRpcMessage("auth", "login", nil)
	returnPath := bundle.Result.ReturnPath(rpc)

	start := time.Now()
	_, err := bundle.Result.ReceiveResult(ctx, rpc, returnPath, 200*time.Millisecond)
	assert.ErrorIs(t, err, transport.ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestEventWireLayout(t *testing.T) {
	mr, bundle := setupMiniRedis(t, Config{ClientID: "client-a"})
	ctx := context.Background()

	ev := message.NewEventMessage("store", "page_view", map[string]any{"id": 42})
	require.NoError(t, bundle.Event.SendEvent(ctx, ev, transport.SendOptions{}))
	require.NotEmpty(t, ev.NativeID)

	// Normative layout: stream events:<api_name> with the fixed fields.
	entries, err := mr.Stream("events:store")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	values := entries[0].Values
	fields := map[string]string{}
	for i := 0; i+1 < len(values); i += 2 {
		fields[values[i]] = values[i+1]
	}
	assert.Equal(t, ev.ID, fields["id"])
	assert.Equal(t, "page_view", fields["event_name"])
	assert.JSONEq(t, `{"id":42}`, fields["kwargs_json"])
}

func TestEventFanOutAcrossGroups(t *testing.T) {
	_, bundle := setupMiniRedis(t, Config{ClientID: "client-a"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listen := func(name string) <-chan transport.EventDelivery {
		ch, err := bundle.Event.Consume(ctx, transport.ListenerSpec{
			ListenerName: name,
			Events:       []transport.EventRef{{APIName: "store", EventName: "page_view"}},
		}, transport.ConsumeOptions{Prefetch: 4})
		require.NoError(t, err)
		return ch
	}
	audit := listen("audit")
	cache := listen("cache")

	ev := message.NewEventMessage("store", "page_view", map[string]any{"id": float64(42)})
	require.NoError(t, bundle.Event.SendEvent(ctx, ev, transport.SendOptions{}))

	for name, ch := range map[string]<-chan transport.EventDelivery{"audit": audit, "cache": cache} {
		select {
		case d := <-ch:
			assert.Equal(t, "page_view", d.Message.EventName, name)
			assert.Equal(t, float64(42), d.Message.Kwargs["id"], name)
			require.NoError(t, bundle.Event.Acknowledge(ctx, d.Lease))
		case <-time.After(5 * time.Second):
			t.Fatalf("group %s saw no delivery", name)
		}
	}
}

func TestEventFilterAcksUnwantedEvents(t *testing.T) {
	mr, bundle := setupMiniRedis(t, Config{ClientID: "client-a"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bundle.Event.Consume(ctx, transport.ListenerSpec{
		ListenerName: "audit",
		Events:       []transport.EventRef{{APIName: "store", EventName: "page_view"}},
	}, transport.ConsumeOptions{Prefetch: 4})
	require.NoError(t, err)

	other := message.NewEventMessage("store", "checkout", nil)
	require.NoError(t, bundle.Event.SendEvent(ctx, other, transport.SendOptions{}))
	wanted := message.NewEventMessage("store", "page_view", nil)
	require.NoError(t, bundle.Event.SendEvent(ctx, wanted, transport.SendOptions{}))

	select {
	case d := <-ch:
		assert.Equal(t, "page_view", d.Message.EventName)
		require.NoError(t, bundle.Event.Acknowledge(ctx, d.Lease))
	case <-time.After(5 * time.Second):
		t.Fatal("no delivery")
	}

	// The filtered-out entry must not linger in the group PEL.
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = client.Close() }()
	pending, err := client.XPending(ctx, "events:store", "audit").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 0, pending.Count)
}

func TestEventReclaimFromDeadReplica(t *testing.T) {
	mr, bundle := setupMiniRedis(t, Config{ClientID: "replica-b"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Simulate a replica that read an entry and died before acking.
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = client.Close() }()

	ev := message.NewEventMessage("store", "page_view", map[string]any{"id": float64(1)})
	require.NoError(t, bundle.Event.SendEvent(ctx, ev, transport.SendOptions{}))

	require.NoError(t, client.XGroupCreateMkStream(ctx, "events:store", "audit", "0").Err())
	read, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    "audit",
		Consumer: "replica-a",
		Streams:  []string{"events:store", ">"},
		Count:    1,
		Block:    time.Second,
	}).Result()
	require.NoError(t, err)
	require.Len(t, read[0].Messages, 1)

	// Age the pending entry past the acknowledgement timeout.
	mr.FastForward(2 * time.Second)

	ch, err := bundle.Event.Consume(ctx, transport.ListenerSpec{
		ListenerName: "audit",
		Events:       []transport.EventRef{{APIName: "store", EventName: "page_view"}},
	}, transport.ConsumeOptions{
		Prefetch:               4,
		AcknowledgementTimeout: time.Second,
		ReclaimInterval:        50 * time.Millisecond,
	})
	require.NoError(t, err)

	select {
	case d := <-ch:
		assert.Equal(t, ev.EventName, d.Message.EventName)
		assert.GreaterOrEqual(t, d.Lease.DeliveryCount, int64(2))
	case <-time.After(5 * time.Second):
		t.Fatal("reclaimed entry was not redelivered")
	}
}

func TestEventDeadLetterAfterMaxRedeliveries(t *testing.T) {
	mr, bundle := setupMiniRedis(t, Config{ClientID: "replica-b"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = client.Close() }()

	ev := message.NewEventMessage("store", "page_view", nil)
	require.NoError(t, bundle.Event.SendEvent(ctx, ev, transport.SendOptions{}))

	require.NoError(t, client.XGroupCreateMkStream(ctx, "events:store", "audit", "0").Err())
	// Deliver repeatedly without acking to run the retry counter up.
	for i := 0; i < 3; i++ {
		_, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    "audit",
			Consumer: "replica-a",
			Streams:  []string{"events:store", ">"},
			Count:    1,
			Block:    time.Second,
		}).Result()
		if i == 0 {
			require.NoError(t, err)
		}
		mr.FastForward(2 * time.Second)
		_, _, err = client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   "events:store",
			Group:    "audit",
			Consumer: "replica-a",
			MinIdle:  time.Second,
			Start:    "0-0",
			Count:    10,
		}).Result()
		require.NoError(t, err)
	}

	ch, err := bundle.Event.Consume(ctx, transport.ListenerSpec{
		ListenerName: "audit",
		Events:       []transport.EventRef{{APIName: "store", EventName: "page_view"}},
	}, transport.ConsumeOptions{
		Prefetch:               4,
		AcknowledgementTimeout: time.Second,
		ReclaimInterval:        50 * time.Millisecond,
		MaxRedeliveries:        2,
	})
	require.NoError(t, err)

	select {
	case d, ok := <-ch:
		if ok {
			t.Fatalf("dead-letter candidate was delivered (count=%d)", d.Lease.DeliveryCount)
		}
	case <-time.After(1500 * time.Millisecond):
	}

	assert.True(t, mr.Exists("deadletter:store"))
	pending, err := client.XPending(ctx, "events:store", "audit").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 0, pending.Count)
}

func TestEventHistory(t *testing.T) {
	_, bundle := setupMiniRedis(t, Config{ClientID: "client-a"})
	ctx := context.Background()

	for _, name := range []string{"page_view", "checkout", "page_view"} {
		ev := message.NewEventMessage("store", name, nil)
		require.NoError(t, bundle.Event.SendEvent(ctx, ev, transport.SendOptions{}))
	}

	all, err := bundle.Event.History(ctx, "store", "", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	views, err := bundle.Event.History(ctx, "store", "page_view", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, views, 2)
}

func TestSchemaStoreLoadPing(t *testing.T) {
	mr, bundle := setupMiniRedis(t, Config{ClientID: "client-a"})
	ctx := context.Background()

	doc := []byte(`{"version":1}`)
	require.NoError(t, bundle.Schema.Store(ctx, "auth", doc, time.Minute))

	got, err := bundle.Schema.Load(ctx, "auth")
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":1}`, string(got))

	all, err := bundle.Schema.LoadAll(ctx)
	require.NoError(t, err)
	assert.Contains(t, all, "auth")

	// A schema whose ping key expired is treated as gone.
	mr.FastForward(2 * time.Minute)
	got, err = bundle.Schema.Load(ctx, "auth")
	require.NoError(t, err)
	assert.Nil(t, got)

	// Ping resurrects liveness without a fresh store.
	require.NoError(t, bundle.Schema.Ping(ctx, "auth", time.Minute))
	got, err = bundle.Schema.Load(ctx, "auth")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestConsumerCount(t *testing.T) {
	_, bundle := setupMiniRedis(t, Config{ClientID: "client-a"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n, err := bundle.Rpc.ConsumerCount(ctx, "auth")
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	_, err = bundle.Rpc.Consume(ctx, []string{"auth"}, 1)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		n, err := bundle.Rpc.ConsumerCount(ctx, "auth")
		return err == nil && n == 1
	}, 5*time.Second, 50*time.Millisecond)
}
