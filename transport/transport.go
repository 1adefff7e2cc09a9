// SPDX-License-Identifier: MIT

// Package transport defines the broker abstractions the bus core is built
// on: four orthogonal transports for RPC calls, RPC results, events and
// schemas. A concrete backend may multiplex all four onto one connection
// pool. Implementations must be safe under concurrent publish and consume.
package transport

import (
	"context"
	"time"

	"github.com/lightbus/lightbus/message"
)

// MaxPayloadSize bounds a single serialized envelope.
const MaxPayloadSize = 8 << 20

// Lease is the transient ownership of one in-flight delivery. A delivery
// that is not acknowledged before the transport's acknowledgement timeout
// is handed to another consumer.
type Lease struct {
	// NativeID is the broker identity of the entry (stream ID, ...).
	NativeID string
	// DeliveryCount is 1 on first delivery and grows on each redelivery.
	DeliveryCount int64
	// Stream and Group locate the pending entry for acknowledgement.
	Stream string
	Group  string
}

// RpcDelivery pairs a decoded RPC call with its lease.
type RpcDelivery struct {
	Message *message.RpcMessage
	Lease   Lease
	// Ack signals completion to the transport. A nil Ack means the
	// transport delivers destructively and has nothing to acknowledge.
	Ack func(ctx context.Context) error
}

// EventDelivery pairs a decoded event with its lease.
type EventDelivery struct {
	Message *message.EventMessage
	Lease   Lease
}

// EventRef addresses one event of one API.
type EventRef struct {
	APIName   string
	EventName string
}

// StartPosition selects where a new listener group begins reading.
type StartPosition string

const (
	// StartNew delivers only events fired after the group is created.
	StartNew StartPosition = "new"
	// StartTail replays the full retained history to a new group.
	StartTail StartPosition = "tail"
)

// ListenerSpec describes one consumer group subscription.
type ListenerSpec struct {
	// ListenerName is the consumer group: every distinct name sees every
	// event once; replicas sharing a name load-balance within the group.
	ListenerName string
	Events       []EventRef
	// Since is StartNew, StartTail, or an explicit broker position.
	Since StartPosition
}

// SendOptions tunes a single event publication.
type SendOptions struct {
	// Timeout bounds the durable-accept wait. Zero means the transport
	// default.
	Timeout time.Duration
}

// ConsumeOptions tunes a consumer loop.
type ConsumeOptions struct {
	// Prefetch bounds undelivered entries fetched ahead of the consumer.
	Prefetch int
	// AcknowledgementTimeout is the lease duration before redelivery.
	AcknowledgementTimeout time.Duration
	// ReclaimInterval is how often stale pending entries from dead
	// replicas are claimed. Zero means AcknowledgementTimeout / 3.
	ReclaimInterval time.Duration
	// MaxRedeliveries routes an entry to the dead-letter path once its
	// delivery count exceeds it. Zero disables dead-lettering.
	MaxRedeliveries int64
}

// RpcTransport is the producer and consumer side of RPC calls.
type RpcTransport interface {
	Open(ctx context.Context) error
	Close(ctx context.Context) error

	// Publish enqueues the call for subscribers of its APIName.
	Publish(ctx context.Context, rpc *message.RpcMessage) error

	// Consume subscribes to calls for the given APIs. Among competing
	// consumers of one API, each call is delivered to exactly one. The
	// channel closes when ctx is cancelled or the transport closes.
	Consume(ctx context.Context, apiNames []string, prefetch int) (<-chan RpcDelivery, error)
}

// ConsumerCounter is an optional RpcTransport capability used to
// distinguish "no responders" from a slow responder on call timeout.
type ConsumerCounter interface {
	ConsumerCount(ctx context.Context, apiName string) (int64, error)
}

// ResultTransport is the reply path of RPC calls.
type ResultTransport interface {
	Open(ctx context.Context) error
	Close(ctx context.Context) error

	// ReturnPath mints the ephemeral address the result of rpc must be
	// sent to.
	ReturnPath(rpc *message.RpcMessage) string

	SendResult(ctx context.Context, rpc *message.RpcMessage, result *message.ResultMessage, returnPath string) error

	// ReceiveResult blocks until the result arrives or timeout elapses,
	// in which case it returns ErrTimeout.
	ReceiveResult(ctx context.Context, rpc *message.RpcMessage, returnPath string, timeout time.Duration) (*message.ResultMessage, error)
}

// EventTransport is the fan-out path with consumer-group semantics.
type EventTransport interface {
	Open(ctx context.Context) error
	Close(ctx context.Context) error

	// SendEvent returns only after the broker durably accepted the event.
	SendEvent(ctx context.Context, ev *message.EventMessage, opts SendOptions) error

	// Consume joins (or creates) the listener's consumer group and streams
	// deliveries. Unacknowledged deliveries reappear after the lease
	// expires; stale entries from dead replicas are reclaimed periodically.
	Consume(ctx context.Context, listener ListenerSpec, opts ConsumeOptions) (<-chan EventDelivery, error)

	// Acknowledge finally completes a delivery.
	Acknowledge(ctx context.Context, lease Lease) error

	// History returns retained events in [since, until]. Transports
	// without retained history return ErrUnsupportedOperation.
	History(ctx context.Context, apiName, eventName string, since, until time.Time) ([]*message.EventMessage, error)
}

// SchemaTransport publishes and retrieves per-API schemas out of band.
type SchemaTransport interface {
	Open(ctx context.Context) error
	Close(ctx context.Context) error

	Store(ctx context.Context, apiName string, schemaJSON []byte, ttl time.Duration) error

	// Load returns (nil, nil) when no live schema is known for apiName.
	Load(ctx context.Context, apiName string) ([]byte, error)

	// LoadAll returns every live schema keyed by API name.
	LoadAll(ctx context.Context) (map[string][]byte, error)

	// Ping refreshes the TTL of a previously stored schema.
	Ping(ctx context.Context, apiName string, ttl time.Duration) error
}
