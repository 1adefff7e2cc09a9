// SPDX-License-Identifier: MIT

package bus

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lightbus/lightbus/message"
)

// ServerHook runs at a server lifecycle point. A before_server_start hook
// returning an error aborts startup; errors from after_server_stopped
// hooks are logged only.
type ServerHook func(ctx context.Context) error

// InvocationHook runs around a local RPC handler invocation.
type InvocationHook func(ctx context.Context, rpc *message.RpcMessage) error

// EventHook runs around firing or handling an event.
type EventHook func(ctx context.Context, ev *message.EventMessage) error

// ExceptionHook observes handler and hook failures.
type ExceptionHook func(ctx context.Context, err error)

// hookRegistry holds the callbacks for the fixed hook points. Before-hooks
// run in registration order, after-hooks in reverse order; after-hook
// errors are logged, never raised.
type hookRegistry struct {
	mu sync.RWMutex

	beforeServerStart  []ServerHook
	afterServerStopped []ServerHook
	beforeInvocation   []InvocationHook
	afterInvocation    []InvocationHook
	beforeFireEvent    []EventHook
	afterFireEvent     []EventHook
	beforeListenEvent  []EventHook
	afterListenEvent   []EventHook
	exception          []ExceptionHook
}

func newHookRegistry() *hookRegistry { return &hookRegistry{} }

func (h *hookRegistry) runBeforeServerStart(ctx context.Context) error {
	h.mu.RLock()
	hooks := h.beforeServerStart
	h.mu.RUnlock()
	for _, hook := range hooks {
		if err := hook(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (h *hookRegistry) runAfterServerStopped(ctx context.Context, logger zerolog.Logger) {
	h.mu.RLock()
	hooks := h.afterServerStopped
	h.mu.RUnlock()
	for i := len(hooks) - 1; i >= 0; i-- {
		if err := hooks[i](ctx); err != nil {
			logger.Warn().Err(err).Str("event", "hook.after_server_stopped_failed").Msg("after_server_stopped hook failed")
		}
	}
}

func (h *hookRegistry) runBeforeInvocation(ctx context.Context, rpc *message.RpcMessage) error {
	h.mu.RLock()
	hooks := h.beforeInvocation
	h.mu.RUnlock()
	for _, hook := range hooks {
		if err := hook(ctx, rpc); err != nil {
			return err
		}
	}
	return nil
}

func (h *hookRegistry) runAfterInvocation(ctx context.Context, rpc *message.RpcMessage, logger zerolog.Logger) {
	h.mu.RLock()
	hooks := h.afterInvocation
	h.mu.RUnlock()
	for i := len(hooks) - 1; i >= 0; i-- {
		if err := hooks[i](ctx, rpc); err != nil {
			logger.Warn().Err(err).Str("event", "hook.after_invocation_failed").Msg("after_invocation hook failed")
		}
	}
}

func (h *hookRegistry) runBeforeFireEvent(ctx context.Context, ev *message.EventMessage) error {
	h.mu.RLock()
	hooks := h.beforeFireEvent
	h.mu.RUnlock()
	for _, hook := range hooks {
		if err := hook(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

func (h *hookRegistry) runAfterFireEvent(ctx context.Context, ev *message.EventMessage, logger zerolog.Logger) {
	h.mu.RLock()
	hooks := h.afterFireEvent
	h.mu.RUnlock()
	for i := len(hooks) - 1; i >= 0; i-- {
		if err := hooks[i](ctx, ev); err != nil {
			logger.Warn().Err(err).Str("event", "hook.after_fire_event_failed").Msg("after_fire_event hook failed")
		}
	}
}

func (h *hookRegistry) runBeforeListenEvent(ctx context.Context, ev *message.EventMessage) error {
	h.mu.RLock()
	hooks := h.beforeListenEvent
	h.mu.RUnlock()
	for _, hook := range hooks {
		if err := hook(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

func (h *hookRegistry) runAfterListenEvent(ctx context.Context, ev *message.EventMessage, logger zerolog.Logger) {
	h.mu.RLock()
	hooks := h.afterListenEvent
	h.mu.RUnlock()
	for i := len(hooks) - 1; i >= 0; i-- {
		if err := hooks[i](ctx, ev); err != nil {
			logger.Warn().Err(err).Str("event", "hook.after_listen_event_failed").Msg("after_listen_event hook failed")
		}
	}
}

func (h *hookRegistry) runException(ctx context.Context, err error) {
	h.mu.RLock()
	hooks := h.exception
	h.mu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, err)
	}
}

// Hook registration on the client. Registrations are shared read-only
// once the client starts.

// OnBeforeServerStart registers a hook run before consumer loops spawn.
func (c *Client) OnBeforeServerStart(hook ServerHook) {
	c.hooks.mu.Lock()
	defer c.hooks.mu.Unlock()
	c.hooks.beforeServerStart = append(c.hooks.beforeServerStart, hook)
}

// OnAfterServerStopped registers a hook run after the client stopped.
func (c *Client) OnAfterServerStopped(hook ServerHook) {
	c.hooks.mu.Lock()
	defer c.hooks.mu.Unlock()
	c.hooks.afterServerStopped = append(c.hooks.afterServerStopped, hook)
}

// OnBeforeInvocation registers a hook run before each RPC handler.
func (c *Client) OnBeforeInvocation(hook InvocationHook) {
	c.hooks.mu.Lock()
	defer c.hooks.mu.Unlock()
	c.hooks.beforeInvocation = append(c.hooks.beforeInvocation, hook)
}

// OnAfterInvocation registers a hook run after each RPC handler.
func (c *Client) OnAfterInvocation(hook InvocationHook) {
	c.hooks.mu.Lock()
	defer c.hooks.mu.Unlock()
	c.hooks.afterInvocation = append(c.hooks.afterInvocation, hook)
}

// OnBeforeFireEvent registers a hook run before an event is sent.
func (c *Client) OnBeforeFireEvent(hook EventHook) {
	c.hooks.mu.Lock()
	defer c.hooks.mu.Unlock()
	c.hooks.beforeFireEvent = append(c.hooks.beforeFireEvent, hook)
}

// OnAfterFireEvent registers a hook run after an event was sent.
func (c *Client) OnAfterFireEvent(hook EventHook) {
	c.hooks.mu.Lock()
	defer c.hooks.mu.Unlock()
	c.hooks.afterFireEvent = append(c.hooks.afterFireEvent, hook)
}

// OnBeforeListenEvent registers a hook run before an event handler.
func (c *Client) OnBeforeListenEvent(hook EventHook) {
	c.hooks.mu.Lock()
	defer c.hooks.mu.Unlock()
	c.hooks.beforeListenEvent = append(c.hooks.beforeListenEvent, hook)
}

// OnAfterListenEvent registers a hook run after an event handler.
func (c *Client) OnAfterListenEvent(hook EventHook) {
	c.hooks.mu.Lock()
	defer c.hooks.mu.Unlock()
	c.hooks.afterListenEvent = append(c.hooks.afterListenEvent, hook)
}

// OnException registers a hook observing handler failures.
func (c *Client) OnException(hook ExceptionHook) {
	c.hooks.mu.Lock()
	defer c.hooks.mu.Unlock()
	c.hooks.exception = append(c.hooks.exception, hook)
}
