// SPDX-License-Identifier: MIT

package bus

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/lightbus/lightbus/internal/log"
	"github.com/lightbus/lightbus/internal/metrics"
	"github.com/lightbus/lightbus/internal/telemetry"
	"github.com/lightbus/lightbus/message"
	"github.com/lightbus/lightbus/schema"
	"github.com/lightbus/lightbus/transport"
)

// dispatcher owns the consumer loops: one RPC loop over all registered
// APIs and one loop per listener registration. Handler execution is
// bounded per loop by a semaphore; the transports' prefetch window is
// sized to match, so fetching pauses while the pool is saturated.
type dispatcher struct {
	c      *Client
	logger zerolog.Logger

	// consumeCtx stops fetching; handlerCtx hard-cancels handlers after
	// the drain window.
	consumeCtx    context.Context
	consumeCancel context.CancelFunc
	handlerCtx    context.Context
	handlerCancel context.CancelFunc

	// inflight tracks running handlers across all loops for drain.
	inflight sync.WaitGroup

	// loops tracks consumer goroutines.
	loops sync.WaitGroup
}

func newDispatcher(c *Client) *dispatcher {
	return &dispatcher{c: c, logger: log.WithComponent("dispatcher")}
}

func (d *dispatcher) start() {
	d.consumeCtx, d.consumeCancel = context.WithCancel(context.Background())
	d.handlerCtx, d.handlerCancel = context.WithCancel(context.Background())
}

// drain stops fetching, waits up to timeout for in-flight handlers, then
// cancels the rest and waits for the loops to exit.
func (d *dispatcher) drain(timeout time.Duration) (completed bool) {
	d.consumeCancel()

	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		completed = true
	case <-time.After(timeout):
		d.logger.Warn().
			Dur("timeout", timeout).
			Str("event", "dispatch.drain_timeout").
			Msg("drain window elapsed, cancelling in-flight handlers")
	}
	d.handlerCancel()
	d.loops.Wait()
	return completed
}

// reconnectLimiter paces consumer reconnect attempts after transport
// failures: a small burst of quick retries, then one attempt per period.
func reconnectLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Every(5*time.Second), 3)
}

// startRpcLoop consumes RPCs for all locally registered APIs.
func (d *dispatcher) startRpcLoop(apiNames []string) {
	d.loops.Add(1)
	go func() {
		defer d.loops.Done()
		limiter := reconnectLimiter()
		sem := make(chan struct{}, d.c.settings.Concurrency)
		for {
			if err := limiter.Wait(d.consumeCtx); err != nil {
				return
			}
			deliveries, err := d.c.tr.Rpc.Consume(d.consumeCtx, apiNames, d.c.settings.Concurrency)
			if err != nil {
				if d.consumeCtx.Err() != nil {
					return
				}
				metrics.ConsumerReconnectsTotal.WithLabelValues("rpc").Inc()
				d.logger.Warn().Err(err).Str("event", "rpc.consume_restart").Msg("rpc consume failed, backing off")
				continue
			}
			for delivery := range deliveries {
				select {
				case sem <- struct{}{}:
				case <-d.consumeCtx.Done():
					return
				}
				d.inflight.Add(1)
				metrics.InflightHandlers.WithLabelValues("rpc").Inc()
				go func(delivery transport.RpcDelivery) {
					defer func() {
						metrics.InflightHandlers.WithLabelValues("rpc").Dec()
						d.inflight.Done()
						<-sem
					}()
					d.handleRpc(delivery)
				}(delivery)
			}
			if d.consumeCtx.Err() != nil {
				return
			}
			metrics.ConsumerReconnectsTotal.WithLabelValues("rpc").Inc()
		}
	}()
}

// handleRpc drives one call through validation, hooks, the handler, the
// reply, and finally the acknowledgement.
func (d *dispatcher) handleRpc(delivery transport.RpcDelivery) {
	rpc := delivery.Message
	ctx := telemetry.Extract(d.handlerCtx, rpc.Metadata)
	ctx = log.ContextWithMessageID(ctx, rpc.ID)
	if corr := rpc.Metadata[message.MetaCorrelationID]; corr != "" {
		ctx = log.ContextWithCorrelationID(ctx, corr)
	}
	logger := log.FromContext(ctx, "dispatcher").With().
		Str(log.FieldAPI, rpc.APIName).
		Str(log.FieldMember, rpc.ProcedureName).
		Logger()

	ctx, span := telemetry.Tracer().Start(ctx, "rpc.handle "+rpc.CanonicalName())
	defer span.End()

	result := d.executeRpc(ctx, rpc, logger)

	if err := d.c.tr.Result.SendResult(ctx, rpc, result, rpc.ReturnPath); err != nil {
		// Without the reply the caller would hang; leave the lease
		// unacknowledged so the broker redelivers.
		logger.Error().Err(err).
			Str(log.FieldReturnPath, rpc.ReturnPath).
			Str("event", "rpc.reply_failed").
			Msg("failed to send result, skipping acknowledgement")
		return
	}
	if delivery.Ack != nil {
		if err := delivery.Ack(ctx); err != nil {
			logger.Warn().Err(err).Str("event", "rpc.ack_failed").Msg("acknowledgement failed")
		}
	}
}

// executeRpc produces the result message for one call.
func (d *dispatcher) executeRpc(ctx context.Context, rpc *message.RpcMessage, logger zerolog.Logger) *message.ResultMessage {
	apiObj := d.c.apis.Get(rpc.APIName)
	if apiObj == nil {
		metrics.RpcHandledTotal.WithLabelValues(rpc.APIName, metrics.OutcomeError).Inc()
		return message.NewErrorResult(rpc, message.KindInternal, fmt.Sprintf("no such api: %s", rpc.APIName), "")
	}
	method := apiObj.Method(rpc.ProcedureName)
	if method == nil {
		metrics.RpcHandledTotal.WithLabelValues(rpc.APIName, metrics.OutcomeError).Inc()
		return message.NewErrorResult(rpc, message.KindInternal, fmt.Sprintf("api %s has no member %s", rpc.APIName, rpc.ProcedureName), "")
	}

	apiCfg := d.c.settings.Api(rpc.APIName)
	if apiCfg.Validate.incoming() {
		def := d.c.schemas.Local(rpc.APIName)
		if ms := def.Method(rpc.ProcedureName); ms != nil {
			if err := schema.ValidateKwargs(ms.Parameters, rpc.APIName, rpc.ProcedureName, rpc.Kwargs, schema.Incoming); err != nil {
				logger.Warn().Err(err).Str("event", "rpc.invalid").Msg("rejecting call with invalid kwargs")
				metrics.RpcHandledTotal.WithLabelValues(rpc.APIName, metrics.OutcomeInvalid).Inc()
				return message.NewErrorResult(rpc, message.KindValidationFailed, err.Error(), "")
			}
		}
	}

	kwargs := rpc.Kwargs
	if apiCfg.CastValues {
		kwargs = castKwargs(method.Params, kwargs)
	}

	if err := d.c.hooks.runBeforeInvocation(ctx, rpc); err != nil {
		d.c.hooks.runException(ctx, err)
		metrics.RpcHandledTotal.WithLabelValues(rpc.APIName, metrics.OutcomeError).Inc()
		return message.NewErrorResult(rpc, message.KindInternal, err.Error(), "")
	}

	start := d.c.clock.Now()
	value, err := d.invokeHandler(ctx, method.Handler, kwargs)
	metrics.RpcHandlerDuration.WithLabelValues(rpc.APIName).Observe(d.c.clock.Now().Sub(start).Seconds())

	d.c.hooks.runAfterInvocation(ctx, rpc, logger)

	if err != nil {
		d.c.hooks.runException(ctx, err)
		logger.Warn().Err(err).Str("event", "rpc.handler_failed").Msg("handler failed")
		metrics.RpcHandledTotal.WithLabelValues(rpc.APIName, metrics.OutcomeError).Inc()
		kind := message.KindHandlerError
		var verr *schema.ValidationError
		switch {
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			kind = message.KindCancelled
		case errors.As(err, &verr):
			kind = message.KindValidationFailed
		}
		return message.NewErrorResult(rpc, kind, err.Error(), "")
	}

	logger.Debug().Str("event", "rpc.handled").Msg("handler completed")
	metrics.RpcHandledTotal.WithLabelValues(rpc.APIName, metrics.OutcomeOK).Inc()
	return message.NewResultMessage(rpc, value)
}

// invokeHandler runs a user handler with panic containment.
func (d *dispatcher) invokeHandler(ctx context.Context, handler func(context.Context, map[string]any) (any, error), kwargs map[string]any) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return handler(ctx, kwargs)
}

// startListener spawns the consumer loop for one listener registration.
func (d *dispatcher) startListener(reg *listenerReg) {
	d.loops.Add(1)
	go func() {
		defer d.loops.Done()

		// OnErrorRaise terminates this loop only.
		loopCtx, loopCancel := context.WithCancel(d.consumeCtx)
		defer loopCancel()

		limiter := reconnectLimiter()
		sem := make(chan struct{}, reg.opts.Concurrency)
		for {
			if err := limiter.Wait(loopCtx); err != nil {
				return
			}
			deliveries, err := d.c.tr.Event.Consume(loopCtx, transport.ListenerSpec{
				ListenerName: reg.name,
				Events:       reg.refs,
				Since:        reg.opts.Since,
			}, transport.ConsumeOptions{
				Prefetch:               reg.opts.Concurrency,
				AcknowledgementTimeout: d.c.settings.AcknowledgementTimeout,
				ReclaimInterval:        d.c.settings.ReclaimInterval,
				MaxRedeliveries:        d.c.settings.MaxRedeliveries,
			})
			if err != nil {
				if loopCtx.Err() != nil {
					return
				}
				metrics.ConsumerReconnectsTotal.WithLabelValues(reg.name).Inc()
				d.logger.Warn().Err(err).
					Str(log.FieldListener, reg.name).
					Str("event", "event.consume_restart").
					Msg("event consume failed, backing off")
				continue
			}
			for delivery := range deliveries {
				select {
				case sem <- struct{}{}:
				case <-loopCtx.Done():
					return
				}
				d.inflight.Add(1)
				metrics.InflightHandlers.WithLabelValues(reg.name).Inc()
				go func(delivery transport.EventDelivery) {
					defer func() {
						metrics.InflightHandlers.WithLabelValues(reg.name).Dec()
						d.inflight.Done()
						<-sem
					}()
					d.handleEvent(reg, delivery, loopCancel)
				}(delivery)
			}
			if loopCtx.Err() != nil {
				return
			}
			metrics.ConsumerReconnectsTotal.WithLabelValues(reg.name).Inc()
		}
	}()
}

// handleEvent drives one delivery through validation, hooks, the handler
// and acknowledgement, applying the listener's on_error policy.
func (d *dispatcher) handleEvent(reg *listenerReg, delivery transport.EventDelivery, terminate context.CancelFunc) {
	ev := delivery.Message
	ctx := telemetry.Extract(d.handlerCtx, ev.Metadata)
	ctx = log.ContextWithMessageID(ctx, ev.ID)
	if corr := ev.Metadata[message.MetaCorrelationID]; corr != "" {
		ctx = log.ContextWithCorrelationID(ctx, corr)
	}
	logger := log.FromContext(ctx, "dispatcher").With().
		Str(log.FieldAPI, ev.APIName).
		Str(log.FieldMember, ev.EventName).
		Str(log.FieldListener, reg.name).
		Int64(log.FieldDeliveryCount, delivery.Lease.DeliveryCount).
		Logger()

	ctx, span := telemetry.Tracer().Start(ctx, "event.handle "+ev.CanonicalName())
	defer span.End()

	apiCfg := d.c.settings.Api(ev.APIName)
	if apiCfg.Validate.incoming() {
		if def := d.c.schemas.Known(ev.APIName); def != nil {
			if es := def.Event(ev.EventName); es != nil {
				if err := schema.ValidateKwargs(es.Parameters, ev.APIName, ev.EventName, ev.Kwargs, schema.Incoming); err != nil {
					logger.Warn().Err(err).Str("event", "event.invalid").Msg("delivery failed validation")
					d.finishEvent(ctx, reg, delivery, err, logger, terminate)
					return
				}
			}
		}
	}

	err := d.c.hooks.runBeforeListenEvent(ctx, ev)
	if err == nil {
		start := d.c.clock.Now()
		err = d.invokeEventHandler(ctx, reg.handler, ev)
		metrics.EventHandlerDuration.WithLabelValues(reg.name).Observe(d.c.clock.Now().Sub(start).Seconds())
		d.c.hooks.runAfterListenEvent(ctx, ev, logger)
	}

	d.finishEvent(ctx, reg, delivery, err, logger, terminate)
}

func (d *dispatcher) invokeEventHandler(ctx context.Context, handler EventHandler, ev *message.EventMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return handler(ctx, ev)
}

// finishEvent acknowledges or requeues the delivery per the outcome.
func (d *dispatcher) finishEvent(ctx context.Context, reg *listenerReg, delivery transport.EventDelivery, err error, logger zerolog.Logger, terminate context.CancelFunc) {
	if err == nil {
		if ackErr := d.c.tr.Event.Acknowledge(ctx, delivery.Lease); ackErr != nil {
			logger.Warn().Err(ackErr).Str("event", "event.ack_failed").Msg("acknowledgement failed, delivery will repeat")
		}
		metrics.EventsHandledTotal.WithLabelValues(reg.name, metrics.OutcomeOK).Inc()
		logger.Debug().Str("event", "event.handled").Msg("event handled")
		return
	}

	d.c.hooks.runException(ctx, err)
	switch reg.opts.OnError {
	case OnErrorSwallow:
		logger.Warn().Err(err).Str("event", "event.handler_failed").Msg("handler failed, swallowing")
		if ackErr := d.c.tr.Event.Acknowledge(ctx, delivery.Lease); ackErr != nil {
			logger.Warn().Err(ackErr).Str("event", "event.ack_failed").Msg("acknowledgement failed")
		}
		metrics.EventsHandledTotal.WithLabelValues(reg.name, metrics.OutcomeSwallowed).Inc()
	case OnErrorRaise:
		logger.Error().Err(err).Str("event", "event.handler_failed").Msg("handler failed, terminating listener loop")
		metrics.EventsHandledTotal.WithLabelValues(reg.name, metrics.OutcomeError).Inc()
		terminate()
	default: // OnErrorRequeue
		logger.Warn().Err(err).Str("event", "event.handler_failed").Msg("handler failed, leaving delivery for redelivery")
		metrics.EventsHandledTotal.WithLabelValues(reg.name, metrics.OutcomeRequeued).Inc()
	}
}
