// SPDX-License-Identifier: MIT

// Package bus implements the client façade of the message bus: RPC calls,
// event fan-out, listener groups, schema enforcement and the lifecycle of
// the consumer loops behind them.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lightbus/lightbus/api"
	"github.com/lightbus/lightbus/internal/log"
	"github.com/lightbus/lightbus/internal/metrics"
	"github.com/lightbus/lightbus/internal/telemetry"
	"github.com/lightbus/lightbus/message"
	"github.com/lightbus/lightbus/schema"
	"github.com/lightbus/lightbus/transport"
)

// State is the lifecycle state of a Client.
type State string

const (
	StateCreated  State = "created"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// EventHandler processes one delivered event.
type EventHandler func(ctx context.Context, ev *message.EventMessage) error

// BackgroundTask runs for the lifetime of the started client.
type BackgroundTask func(ctx context.Context) error

type listenerReg struct {
	name    string
	refs    []transport.EventRef
	handler EventHandler
	opts    ListenOptions
}

// Client is the process-local bus handle. It exclusively owns its
// transports and dispatcher; create one per process with New and drive it
// with Start/Stop or Run.
type Client struct {
	settings Settings
	tr       Transports
	apis     *api.Registry
	schemas  *schema.Registry
	hooks    *hookRegistry
	logger   zerolog.Logger
	clock    Clock

	mu        sync.Mutex
	state     State
	group     *errgroup.Group
	listeners []*listenerReg
	bgTasks   []BackgroundTask
	disp      *dispatcher
}

// New builds a bus client over the given transports.
func New(tr Transports, settings Settings, opts ...Option) *Client {
	settings = settings.withDefaults()
	c := &Client{
		settings: settings,
		tr:       tr,
		apis:     api.NewRegistry(),
		schemas:  schema.NewRegistry(tr.Schema, settings.SchemaTTL),
		hooks:    newHookRegistry(),
		logger:   log.WithComponent("bus"),
		clock:    realClock{},
		state:    StateCreated,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.disp = newDispatcher(c)
	return c
}

// ClientID returns this client's broker identity.
func (c *Client) ClientID() string { return c.settings.ClientID }

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Apis returns the names of locally registered APIs.
func (c *Client) Apis() []string { return c.apis.Names() }

// Schemas returns the schema registry for inspection.
func (c *Client) Schemas() *schema.Registry { return c.schemas }

// RegisterAPI registers an API definition: its methods become callable by
// peers once the client starts, and its schema is published. Incompatible
// re-registration fails with a SchemaConflictError.
func (c *Client) RegisterAPI(a *api.API) error {
	if state := c.State(); state != StateCreated {
		return &LifecycleError{Op: "register api", State: state}
	}
	if err := c.schemas.AddLocal(a); err != nil {
		return err
	}
	return c.apis.Add(a)
}

// Call performs a remote procedure call and returns the handler's result.
// At most one remote handler executes per call.
func (c *Client) Call(ctx context.Context, apiName, method string, kwargs map[string]any, opts CallOptions) (any, error) {
	if state := c.State(); state != StateRunning {
		return nil, &LifecycleError{Op: "call", State: state}
	}
	if err := message.ValidateAPIName(apiName); err != nil {
		return nil, err
	}
	if err := message.ValidateMemberName(method); err != nil {
		return nil, err
	}

	apiCfg := c.settings.Api(apiName)
	timeout := apiCfg.RpcTimeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	mode := apiCfg.Validate
	if opts.Validate != "" {
		mode = opts.Validate
	}

	def := c.schemas.Known(apiName)
	if def != nil && def.Method(method) == nil {
		return nil, &NoSuchMemberError{API: apiName, Member: method}
	}
	if def == nil {
		// Schemas may lag behind a freshly deployed responder; the
		// responder validates on ingress.
		c.logger.Debug().
			Str(log.FieldAPI, apiName).
			Str("event", "rpc.schema_unknown").
			Msg("calling without a known schema")
	}
	if mode.outgoing() && def != nil {
		if err := schema.ValidateKwargs(def.Method(method).Parameters, apiName, method, kwargs, schema.Outgoing); err != nil {
			metrics.RpcCallsTotal.WithLabelValues(apiName, metrics.OutcomeInvalid).Inc()
			return nil, err
		}
	}

	rpc := message.NewRpcMessage(apiName, method, kwargs)
	rpc.Metadata[message.MetaClientID] = c.settings.ClientID
	rpc.Metadata[message.MetaExpiry] = c.clock.Now().Add(timeout).Format(time.RFC3339Nano)
	if corr := log.CorrelationIDFromContext(ctx); corr != "" {
		rpc.Metadata[message.MetaCorrelationID] = corr
	}
	telemetry.Inject(ctx, rpc.Metadata)
	returnPath := c.tr.Result.ReturnPath(rpc)
	rpc.ReturnPath = returnPath

	ctx, span := telemetry.Tracer().Start(ctx, "rpc.call "+rpc.CanonicalName())
	defer span.End()

	start := c.clock.Now()
	if err := c.tr.Rpc.Publish(ctx, rpc); err != nil {
		metrics.RpcCallsTotal.WithLabelValues(apiName, metrics.OutcomeError).Inc()
		return nil, err
	}

	result, err := c.awaitResult(ctx, rpc, returnPath, timeout)
	if err != nil {
		outcome := metrics.OutcomeError
		if errors.Is(err, ErrRpcTimeout) || errors.Is(err, ErrNoResponders) {
			outcome = metrics.OutcomeTimeout
		}
		metrics.RpcCallsTotal.WithLabelValues(apiName, outcome).Inc()
		return nil, err
	}

	if result.Error != nil {
		metrics.RpcCallsTotal.WithLabelValues(apiName, metrics.OutcomeError).Inc()
		return nil, &RemoteError{Kind: result.Error.Kind, Message: result.Error.Message, Trace: result.Error.Trace}
	}

	if mode.incoming() && def != nil {
		if err := schema.ValidateResponse(def.Method(method).Response, apiName, method, result.Result, schema.Incoming); err != nil {
			metrics.RpcCallsTotal.WithLabelValues(apiName, metrics.OutcomeInvalid).Inc()
			return nil, err
		}
	}

	metrics.RpcCallsTotal.WithLabelValues(apiName, metrics.OutcomeOK).Inc()
	metrics.RpcCallDuration.WithLabelValues(apiName).Observe(c.clock.Now().Sub(start).Seconds())
	return result.Result, nil
}

// awaitResult waits for the correlated result, discarding mismatched ones.
func (c *Client) awaitResult(ctx context.Context, rpc *message.RpcMessage, returnPath string, timeout time.Duration) (*message.ResultMessage, error) {
	deadline := c.clock.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, c.timeoutError(ctx, rpc)
		}
		result, err := c.tr.Result.ReceiveResult(ctx, rpc, returnPath, remaining)
		if err != nil {
			if errors.Is(err, transport.ErrTimeout) {
				return nil, c.timeoutError(ctx, rpc)
			}
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %s", ErrCancelled, rpc.CanonicalName())
			}
			return nil, err
		}
		if result.RpcMessageID != rpc.ID {
			c.logger.Warn().
				Str(log.FieldMessageID, result.RpcMessageID).
				Str("event", "rpc.result_mismatch").
				Msg("discarding result for a different call")
			continue
		}
		return result, nil
	}
}

func (c *Client) timeoutError(ctx context.Context, rpc *message.RpcMessage) error {
	if counter, ok := c.tr.Rpc.(transport.ConsumerCounter); ok {
		if n, err := counter.ConsumerCount(ctx, rpc.APIName); err == nil && n == 0 {
			return fmt.Errorf("%w: %s", ErrNoResponders, rpc.APIName)
		}
	}
	return fmt.Errorf("%w: %s", ErrRpcTimeout, rpc.CanonicalName())
}

// Fire publishes an event and returns once the broker durably accepted
// it. Consumers are never waited on.
func (c *Client) Fire(ctx context.Context, apiName, eventName string, kwargs map[string]any, opts FireOptions) error {
	if state := c.State(); state != StateRunning {
		return &LifecycleError{Op: "fire", State: state}
	}
	if err := message.ValidateAPIName(apiName); err != nil {
		return err
	}
	if err := message.ValidateMemberName(eventName); err != nil {
		return err
	}

	apiCfg := c.settings.Api(apiName)
	mode := apiCfg.Validate
	if opts.Validate != "" {
		mode = opts.Validate
	}

	local := c.apis.Get(apiName)
	def := c.schemas.Known(apiName)
	switch {
	case local != nil:
		if local.Event(eventName) == nil {
			return &NoSuchMemberError{API: apiName, Member: eventName}
		}
	case def != nil:
		if def.Event(eventName) == nil {
			return &NoSuchMemberError{API: apiName, Member: eventName}
		}
	default:
		return &NoSuchApiError{API: apiName}
	}

	if mode.outgoing() && def != nil && def.Event(eventName) != nil {
		if err := schema.ValidateKwargs(def.Event(eventName).Parameters, apiName, eventName, kwargs, schema.Outgoing); err != nil {
			metrics.EventsFiredTotal.WithLabelValues(apiName, metrics.OutcomeInvalid).Inc()
			return err
		}
	}

	ev := message.NewEventMessage(apiName, eventName, kwargs)
	ev.Metadata[message.MetaClientID] = c.settings.ClientID
	if corr := log.CorrelationIDFromContext(ctx); corr != "" {
		ev.Metadata[message.MetaCorrelationID] = corr
	}
	telemetry.Inject(ctx, ev.Metadata)

	ctx, span := telemetry.Tracer().Start(ctx, "event.fire "+ev.CanonicalName())
	defer span.End()

	if err := c.hooks.runBeforeFireEvent(ctx, ev); err != nil {
		return err
	}
	err := c.tr.Event.SendEvent(ctx, ev, transport.SendOptions{Timeout: apiCfg.EventFireTimeout})
	if err != nil {
		metrics.EventsFiredTotal.WithLabelValues(apiName, metrics.OutcomeError).Inc()
		return err
	}
	c.hooks.runAfterFireEvent(ctx, ev, c.logger)

	metrics.EventsFiredTotal.WithLabelValues(apiName, metrics.OutcomeOK).Inc()
	c.logger.Debug().
		Str(log.FieldMessageID, ev.ID).
		Str(log.FieldAPI, apiName).
		Str(log.FieldMember, eventName).
		Str(log.FieldNativeID, ev.NativeID).
		Str("event", "event.fired").
		Msg("event fired")
	return nil
}

// Listen registers a listener group for a set of events. After Start, the
// handler is invoked at least once per event per group; replicas sharing
// listenerName load-balance within the group.
func (c *Client) Listen(addresses []transport.EventRef, listenerName string, handler EventHandler, opts ListenOptions) error {
	if listenerName == "" {
		return fmt.Errorf("listener name is empty")
	}
	if len(addresses) == 0 {
		return fmt.Errorf("listener %q subscribes to no events", listenerName)
	}
	for _, ref := range addresses {
		if err := message.ValidateAPIName(ref.APIName); err != nil {
			return err
		}
		if err := message.ValidateMemberName(ref.EventName); err != nil {
			return err
		}
	}
	if opts.OnError == "" {
		opts.OnError = OnErrorRequeue
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = c.settings.Concurrency
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.listeners {
		if existing.name != listenerName {
			continue
		}
		for _, have := range existing.refs {
			for _, want := range addresses {
				if have == want {
					return &DuplicateListenerError{
						ListenerName: listenerName,
						Address:      want.APIName + "." + want.EventName,
					}
				}
			}
		}
	}

	reg := &listenerReg{name: listenerName, refs: addresses, handler: handler, opts: opts}
	c.listeners = append(c.listeners, reg)

	if c.state == StateRunning {
		c.disp.startListener(reg)
	}
	return nil
}
