// SPDX-License-Identifier: MIT

// Package metrics exposes prometheus instrumentation for the bus core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RpcCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lightbus_rpc_calls_total",
		Help: "Total number of outgoing RPC calls by API and outcome",
	}, []string{"api", "outcome"})

	RpcCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lightbus_rpc_call_duration_seconds",
		Help:    "Round-trip duration of outgoing RPC calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"api"})

	RpcHandledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lightbus_rpc_handled_total",
		Help: "Total number of locally handled RPC invocations by API and outcome",
	}, []string{"api", "outcome"})

	RpcHandlerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lightbus_rpc_handler_duration_seconds",
		Help:    "Duration of local RPC handler invocations",
		Buckets: prometheus.DefBuckets,
	}, []string{"api"})

	EventsFiredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lightbus_events_fired_total",
		Help: "Total number of events fired by API and outcome",
	}, []string{"api", "outcome"})

	EventsHandledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lightbus_events_handled_total",
		Help: "Total number of handled event deliveries by listener and outcome",
	}, []string{"listener", "outcome"})

	EventHandlerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lightbus_event_handler_duration_seconds",
		Help:    "Duration of event handler invocations",
		Buckets: prometheus.DefBuckets,
	}, []string{"listener"})

	RedeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lightbus_redeliveries_total",
		Help: "Total number of event redeliveries observed per listener",
	}, []string{"listener"})

	DeadLetteredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lightbus_dead_lettered_total",
		Help: "Total number of deliveries routed to the dead-letter path",
	}, []string{"api"})

	TransportOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lightbus_transport_ops_total",
		Help: "Total number of broker operations by transport, op and outcome",
	}, []string{"transport", "op", "outcome"})

	ConsumerReconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lightbus_consumer_reconnects_total",
		Help: "Total number of consumer loop reconnect attempts after transport failures",
	}, []string{"loop"})

	InflightHandlers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lightbus_inflight_handlers",
		Help: "Number of currently executing handlers per loop",
	}, []string{"loop"})

	SchemaRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lightbus_schema_refresh_total",
		Help: "Total number of schema publish/refresh passes by outcome",
	}, []string{"outcome"})
)

// Outcome label values.
const (
	OutcomeOK        = "ok"
	OutcomeError     = "error"
	OutcomeTimeout   = "timeout"
	OutcomeInvalid   = "invalid"
	OutcomeRequeued  = "requeued"
	OutcomeSwallowed = "swallowed"
)

// ObserveTransportOp records one broker operation result.
func ObserveTransportOp(transport, op string, err error) {
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeError
	}
	TransportOpsTotal.WithLabelValues(transport, op, outcome).Inc()
}
