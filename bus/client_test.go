// SPDX-License-Identifier: MIT

package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightbus/lightbus/api"
	"github.com/lightbus/lightbus/message"
	"github.com/lightbus/lightbus/transport"
	"github.com/lightbus/lightbus/transport/memorytransport"
)

func newTestClient(t *testing.T, broker *memorytransport.Broker, settings Settings) *Client {
	t.Helper()
	bundle := memorytransport.NewBundle(broker)
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

func authAPI(invocations *atomic.Int64) *api.API {
	return api.New("auth").
		AddMethod("login", func(ctx context.Context, kwargs map[string]any) (any, error) {
			if invocations != nil {
				invocations.Add(1)
			}
			return true, nil
		}, api.TypeBoolean,
			api.ParamSpec{Name: "user", Type: api.TypeString, Required: true},
			api.ParamSpec{Name: "password", Type: api.TypeString, Required: true},
		)
}

func storeAPI() *api.API {
	return api.New("store").
		AddEvent("page_view", api.ParamSpec{Name: "id", Type: api.TypeInteger, Required: true})
}

func TestCallHappyPath(t *testing.T) {
	ctx := context.Background()
	var invocations atomic.Int64

	c := newTestClient(t, memorytransport.NewBroker(), Settings{})
	require.NoError(t, c.RegisterAPI(authAPI(&invocations)))
	require.NoError(t, c.Start(ctx))

	result, err := c.Call(ctx, "auth", "login",
		map[string]any{"user": "a", "password": "b"}, CallOptions{})
	require.NoError(t, err)
	assert.Equal(t, true, result)
	assert.EqualValues(t, 1, invocations.Load())
}

func TestCallTimeout(t *testing.T) {
	ctx := context.Background()
	broker := memorytransport.NewBroker()

	c := newTestClient(t, broker, Settings{})
	slow := api.New("slow").
		AddMethod("wait", func(ctx context.Context, kwargs map[string]any) (any, error) {
			select {
			case <-time.After(1500 * time.Millisecond):
			case <-ctx.Done():
			}
			return nil, nil
		}, api.TypeAny)
	require.NoError(t, c.RegisterAPI(slow))
	require.NoError(t, c.Start(ctx))

	_, err := c.Call(ctx, "slow", "wait", nil, CallOptions{Timeout: 200 * time.Millisecond})
	assert.ErrorIs(t, err, ErrRpcTimeout)
}

func TestCallNoResponders(t *testing.T) {
	ctx := context.Background()

	c := newTestClient(t, memorytransport.NewBroker(), Settings{})
	require.NoError(t, c.Start(ctx))

	_, err := c.Call(ctx, "ghost", "answer", nil, CallOptions{Timeout: 200 * time.Millisecond})
	assert.ErrorIs(t, err, ErrNoResponders)
}

func TestCallOutgoingValidation(t *testing.T) {
	ctx := context.Background()

	c := newTestClient(t, memorytransport.NewBroker(), Settings{})
	require.NoError(t, c.RegisterAPI(authAPI(nil)))
	require.NoError(t, c.Start(ctx))

	_, err := c.Call(ctx, "auth", "login", map[string]any{"user": "a"}, CallOptions{})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	// Unknown members of a known API are rejected before transmit.
	_, err = c.Call(ctx, "auth", "logout", nil, CallOptions{})
	var merr *NoSuchMemberError
	assert.ErrorAs(t, err, &merr)
}

func TestCallRemoteError(t *testing.T) {
	ctx := context.Background()

	c := newTestClient(t, memorytransport.NewBroker(), Settings{})
	failing := api.New("billing").
		AddMethod("charge", func(ctx context.Context, kwargs map[string]any) (any, error) {
			return nil, errors.New("card declined")
		}, api.TypeAny)
	require.NoError(t, c.RegisterAPI(failing))
	require.NoError(t, c.Start(ctx))

	_, err := c.Call(ctx, "billing", "charge", nil, CallOptions{})
	var rerr *RemoteError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, message.KindHandlerError, rerr.Kind)
	assert.Contains(t, rerr.Message, "card declined")
}

func TestCallHandlerPanicBecomesRemoteError(t *testing.T) {
	ctx := context.Background()

	c := newTestClient(t, memorytransport.NewBroker(), Settings{})
	panicky := api.New("billing").
		AddMethod("charge", func(ctx context.Context, kwargs map[string]any) (any, error) {
			panic("boom")
		}, api.TypeAny)
	require.NoError(t, c.RegisterAPI(panicky))
	require.NoError(t, c.Start(ctx))

	_, err := c.Call(ctx, "billing", "charge", nil, CallOptions{})
	var rerr *RemoteError
	require.ErrorAs(t, err, &rerr)
	assert.Contains(t, rerr.Message, "boom")
}

func TestEventFanOutAcrossGroups(t *testing.T) {
	ctx := context.Background()

	c := newTestClient(t, memorytransport.NewBroker(), Settings{})
	require.NoError(t, c.RegisterAPI(storeAPI()))

	var auditCount, cacheCount atomic.Int64
	handler := func(counter *atomic.Int64) EventHandler {
		return func(ctx context.Context, ev *message.EventMessage) error {
			counter.Add(1)
			return nil
		}
	}
	refs := []transport.EventRef{{APIName: "store", EventName: "page_view"}}
	require.NoError(t, c.Listen(refs, "audit", handler(&auditCount), ListenOptions{}))
	require.NoError(t, c.Listen(refs, "cache", handler(&cacheCount), ListenOptions{}))
	require.NoError(t, c.Start(ctx))

	require.NoError(t, c.Fire(ctx, "store", "page_view", map[string]any{"id": float64(42)}, FireOptions{}))

	require.Eventually(t, func() bool {
		return auditCount.Load() == 1 && cacheCount.Load() == 1
	}, 5*time.Second, 10*time.Millisecond)

	// No duplicate deliveries on the happy path.
	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 1, auditCount.Load())
	assert.EqualValues(t, 1, cacheCount.Load())
}

func TestFireSchemaMismatchRejectedLocally(t *testing.T) {
	ctx := context.Background()

	c := newTestClient(t, memorytransport.NewBroker(), Settings{})
	require.NoError(t, c.RegisterAPI(storeAPI()))

	var handled atomic.Int64
	require.NoError(t, c.Listen(
		[]transport.EventRef{{APIName: "store", EventName: "page_view"}},
		"audit",
		func(ctx context.Context, ev *message.EventMessage) error {
			handled.Add(1)
			return nil
		}, ListenOptions{}))
	require.NoError(t, c.Start(ctx))

	err := c.Fire(ctx, "store", "page_view", map[string]any{"id": "not-a-number"}, FireOptions{})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	// Nothing reached the broker, so nothing is delivered.
	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 0, handled.Load())
}

func TestFireUnknownApi(t *testing.T) {
	ctx := context.Background()

	c := newTestClient(t, memorytransport.NewBroker(), Settings{})
	require.NoError(t, c.Start(ctx))

	err := c.Fire(ctx, "ghost", "happened", nil, FireOptions{})
	var aerr *NoSuchApiError
	assert.ErrorAs(t, err, &aerr)
}

func TestListenDuplicateListener(t *testing.T) {
	c := newTestClient(t, memorytransport.NewBroker(), Settings{})
	refs := []transport.EventRef{{APIName: "store", EventName: "page_view"}}
	noop := func(ctx context.Context, ev *message.EventMessage) error { return nil }

	require.NoError(t, c.Listen(refs, "audit", noop, ListenOptions{}))
	err := c.Listen(refs, "audit", noop, ListenOptions{})
	var derr *DuplicateListenerError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "audit", derr.ListenerName)

	// The same group may subscribe to additional, disjoint events.
	assert.NoError(t, c.Listen(
		[]transport.EventRef{{APIName: "store", EventName: "checkout"}},
		"audit", noop, ListenOptions{}))
}

func TestLifecycleTransitions(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, memorytransport.NewBroker(), Settings{})

	_, err := c.Call(ctx, "auth", "login", nil, CallOptions{})
	var lerr *LifecycleError
	require.ErrorAs(t, err, &lerr)

	require.NoError(t, c.Start(ctx))
	assert.Equal(t, StateRunning, c.State())

	err = c.Start(ctx)
	assert.ErrorAs(t, err, &lerr)

	require.NoError(t, c.Stop(ctx))
	assert.Equal(t, StateStopped, c.State())

	_, err = c.Call(ctx, "auth", "login", nil, CallOptions{})
	assert.ErrorAs(t, err, &lerr)

	err = c.Stop(ctx)
	assert.ErrorAs(t, err, &lerr)
}

func TestRegisterAPIAfterStartRejected(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, memorytransport.NewBroker(), Settings{})
	require.NoError(t, c.Start(ctx))

	err := c.RegisterAPI(storeAPI())
	var lerr *LifecycleError
	assert.ErrorAs(t, err, &lerr)
}

func TestGracefulShutdownCompletesInflightHandlers(t *testing.T) {
	ctx := context.Background()

	const handlers = 10
	c := newTestClient(t, memorytransport.NewBroker(), Settings{
		Concurrency:             handlers,
		GracefulShutdownTimeout: 5 * time.Second,
	})
	require.NoError(t, c.RegisterAPI(storeAPI()))

	var started, completed, cancelled atomic.Int64
	require.NoError(t, c.Listen(
		[]transport.EventRef{{APIName: "store", EventName: "page_view"}},
		"audit",
		func(ctx context.Context, ev *message.EventMessage) error {
			started.Add(1)
			select {
			case <-time.After(200 * time.Millisecond):
				completed.Add(1)
			case <-ctx.Done():
				cancelled.Add(1)
			}
			return nil
		}, ListenOptions{Concurrency: handlers}))
	require.NoError(t, c.Start(ctx))

	for i := 0; i < handlers; i++ {
		require.NoError(t, c.Fire(ctx, "store", "page_view", map[string]any{"id": float64(i)}, FireOptions{}))
	}
	require.Eventually(t, func() bool {
		return started.Load() == handlers
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, c.Stop(ctx))
	assert.EqualValues(t, handlers, completed.Load())
	assert.EqualValues(t, 0, cancelled.Load())
}

func TestBackpressureBoundsConcurrency(t *testing.T) {
	ctx := context.Background()

	const limit = 2
	c := newTestClient(t, memorytransport.NewBroker(), Settings{Concurrency: limit})
	require.NoError(t, c.RegisterAPI(storeAPI()))

	var current, peak atomic.Int64
	var mu sync.Mutex
	require.NoError(t, c.Listen(
		[]transport.EventRef{{APIName: "store", EventName: "page_view"}},
		"audit",
		func(ctx context.Context, ev *message.EventMessage) error {
			n := current.Add(1)
			mu.Lock()
			if n > peak.Load() {
				peak.Store(n)
			}
			mu.Unlock()
			time.Sleep(50 * time.Millisecond)
			current.Add(-1)
			return nil
		}, ListenOptions{Concurrency: limit}))
	require.NoError(t, c.Start(ctx))

	const total = 8
	for i := 0; i < total; i++ {
		require.NoError(t, c.Fire(ctx, "store", "page_view", map[string]any{"id": float64(i)}, FireOptions{}))
	}

	require.Eventually(t, func() bool {
		return peak.Load() > 0 && current.Load() == 0
	}, 10*time.Second, 10*time.Millisecond)
	assert.LessOrEqual(t, peak.Load(), int64(limit))
}

func TestOnErrorPolicies(t *testing.T) {
	ctx := context.Background()

	t.Run("swallow", func(t *testing.T) {
		c := newTestClient(t, memorytransport.NewBroker(), Settings{
			AcknowledgementTimeout: 100 * time.Millisecond,
		})
		require.NoError(t, c.RegisterAPI(storeAPI()))

		var calls atomic.Int64
		require.NoError(t, c.Listen(
			[]transport.EventRef{{APIName: "store", EventName: "page_view"}},
			"audit",
			func(ctx context.Context, ev *message.EventMessage) error {
				calls.Add(1)
				return errors.New("nope")
			}, ListenOptions{OnError: OnErrorSwallow}))
		require.NoError(t, c.Start(ctx))

		require.NoError(t, c.Fire(ctx, "store", "page_view", map[string]any{"id": float64(1)}, FireOptions{}))

		// Swallow acknowledges: the failing delivery never repeats.
		require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
		time.Sleep(300 * time.Millisecond)
		assert.EqualValues(t, 1, calls.Load())
	})

	t.Run("requeue", func(t *testing.T) {
		c := newTestClient(t, memorytransport.NewBroker(), Settings{
			AcknowledgementTimeout: 100 * time.Millisecond,
		})
		require.NoError(t, c.RegisterAPI(storeAPI()))

		var calls atomic.Int64
		require.NoError(t, c.Listen(
			[]transport.EventRef{{APIName: "store", EventName: "page_view"}},
			"audit",
			func(ctx context.Context, ev *message.EventMessage) error {
				if calls.Add(1) == 1 {
					return errors.New("transient")
				}
				return nil
			}, ListenOptions{OnError: OnErrorRequeue}))
		require.NoError(t, c.Start(ctx))

		require.NoError(t, c.Fire(ctx, "store", "page_view", map[string]any{"id": float64(1)}, FireOptions{}))

		// The unacknowledged delivery returns after the lease expires and
		// succeeds on the second attempt.
		require.Eventually(t, func() bool { return calls.Load() >= 2 }, 5*time.Second, 10*time.Millisecond)
	})
}

func TestCastValues(t *testing.T) {
	ctx := context.Background()

	c := newTestClient(t, memorytransport.NewBroker(), Settings{
		Apis: map[string]ApiSettings{
			"math": {CastValues: true, Validate: ValidateOff},
		},
	})
	var got any
	mathAPI := api.New("math").
		AddMethod("double", func(ctx context.Context, kwargs map[string]any) (any, error) {
			got = kwargs["n"]
			return nil, nil
		}, api.TypeAny, api.ParamSpec{Name: "n", Type: api.TypeInteger, Required: true})
	require.NoError(t, c.RegisterAPI(mathAPI))
	require.NoError(t, c.Start(ctx))

	_, err := c.Call(ctx, "math", "double", map[string]any{"n": "21"}, CallOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(21), got)
}

func TestWorkerStatusInternalAPI(t *testing.T) {
	ctx := context.Background()

	c := newTestClient(t, memorytransport.NewBroker(), Settings{})
	require.NoError(t, c.RegisterAPI(authAPI(nil)))
	require.NoError(t, c.Start(ctx))

	result, err := c.Call(ctx, "internal.state", "worker_status", nil, CallOptions{})
	require.NoError(t, err)
	status, ok := result.(map[string]any)
	require.True(t, ok, "worker_status should return a mapping, got %T", result)
	assert.Equal(t, string(StateRunning), status["state"])
	assert.Contains(t, fmt.Sprint(status["apis"]), "auth")
}

func TestEveryRunsScheduledTask(t *testing.T) {
	ctx := context.Background()

	c := newTestClient(t, memorytransport.NewBroker(), Settings{})
	var ticks atomic.Int64
	c.Every(50*time.Millisecond, func(ctx context.Context) error {
		ticks.Add(1)
		return nil
	})
	require.NoError(t, c.Start(ctx))

	require.Eventually(t, func() bool { return ticks.Load() >= 2 }, 5*time.Second, 10*time.Millisecond)
}
