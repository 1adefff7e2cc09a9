// SPDX-License-Identifier: MIT

// Package memorytransport implements the four bus transports in process
// memory. It backs tests and any transport role configured as memory;
// semantics (single RPC delivery, group fan-out, leases, redelivery) mirror
// the Redis backend without a broker. Entries past the redelivery limit are
// dropped rather than kept in a dead-letter stream, and an explicit Since
// position is treated like StartNew.
package memorytransport

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lightbus/lightbus/message"
	"github.com/lightbus/lightbus/transport"
)

// Broker is the shared in-process state the four transports operate on.
// All transports built from one Broker see each other's messages, which
// lets several clients in one process talk over it.
type Broker struct {
	mu sync.Mutex

	rpcQueues    map[string]chan *message.RpcMessage // api name -> queue
	rpcConsumers map[string]int                      // api name -> consumer count
	results      map[string]chan *message.ResultMessage

	streams map[string][]*storedEvent          // api name -> log
	groups  map[string]map[string]*group       // api name -> listener name -> group
	schemas map[string]schemaEntry
	nextSeq int64
}

type storedEvent struct {
	seq int64
	ev  *message.EventMessage
}

type group struct {
	cursor   int64                    // highest seen seq
	pending  map[string]*pendingEntry // native id -> entry
	events   map[string]bool
	maxRedel int64
}

type pendingEntry struct {
	ev       *message.EventMessage
	seq      int64
	count    int64
	deadline time.Time
}

type schemaEntry struct {
	raw     []byte
	expires time.Time
}

// NewBroker creates an empty in-process broker.
func NewBroker() *Broker {
	return &Broker{
		rpcQueues:    map[string]chan *message.RpcMessage{},
		rpcConsumers: map[string]int{},
		results:      map[string]chan *message.ResultMessage{},
		streams:      map[string][]*storedEvent{},
		groups:       map[string]map[string]*group{},
		schemas:      map[string]schemaEntry{},
	}
}

func (b *Broker) rpcQueue(apiName string) chan *message.RpcMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.rpcQueues[apiName]
	if !ok {
		q = make(chan *message.RpcMessage, 1024)
		b.rpcQueues[apiName] = q
	}
	return q
}

func (b *Broker) resultQueue(returnPath string) chan *message.ResultMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.results[returnPath]
	if !ok {
		q = make(chan *message.ResultMessage, 1)
		b.results[returnPath] = q
	}
	return q
}

// Bundle groups four transports over one broker.
type Bundle struct {
	Rpc    *RpcTransport
	Result *ResultTransport
	Event  *EventTransport
	Schema *SchemaTransport
}

// NewBundle builds the four in-memory transports over broker.
func NewBundle(broker *Broker) *Bundle {
	clientID := uuid.NewString()
	return &Bundle{
		Rpc:    &RpcTransport{broker: broker},
		Result: &ResultTransport{broker: broker, clientID: clientID},
		Event:  &EventTransport{broker: broker},
		Schema: &SchemaTransport{broker: broker},
	}
}

// RpcTransport queues calls per API with single delivery.
type RpcTransport struct {
	broker *Broker
}

func (t *RpcTransport) Open(ctx context.Context) error  { return nil }
func (t *RpcTransport) Close(ctx context.Context) error { return nil }

func (t *RpcTransport) Publish(ctx context.Context, rpc *message.RpcMessage) error {
	select {
	case t.broker.rpcQueue(rpc.APIName) <- rpc:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *RpcTransport) Consume(ctx context.Context, apiNames []string, prefetch int) (<-chan transport.RpcDelivery, error) {
	if prefetch < 1 {
		prefetch = 1
	}
	out := make(chan transport.RpcDelivery, prefetch)

	t.broker.mu.Lock()
	for _, name := range apiNames {
		t.broker.rpcConsumers[name]++
	}
	t.broker.mu.Unlock()

	var wg sync.WaitGroup
	for _, name := range apiNames {
		q := t.broker.rpcQueue(name)
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			defer func() {
				t.broker.mu.Lock()
				t.broker.rpcConsumers[name]--
				t.broker.mu.Unlock()
			}()
			for {
				select {
				case <-ctx.Done():
					return
				case rpc := <-q:
					d := transport.RpcDelivery{
						Message: rpc,
						Lease:   transport.Lease{NativeID: rpc.ID, DeliveryCount: 1},
					}
					select {
					case <-ctx.Done():
						// Not handled; put it back for another consumer.
						q <- rpc
						return
					case out <- d:
					}
				}
			}
		}(name)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out, nil
}

// ConsumerCount reports live consumers of apiName.
func (t *RpcTransport) ConsumerCount(ctx context.Context, apiName string) (int64, error) {
	t.broker.mu.Lock()
	defer t.broker.mu.Unlock()
	return int64(t.broker.rpcConsumers[apiName]), nil
}

// ResultTransport delivers replies on per-call buffered channels.
type ResultTransport struct {
	broker   *Broker
	clientID string
}

func (t *ResultTransport) Open(ctx context.Context) error  { return nil }
func (t *ResultTransport) Close(ctx context.Context) error { return nil }

func (t *ResultTransport) ReturnPath(rpc *message.RpcMessage) string {
	return "memory://" + t.clientID + "/" + uuid.NewString()
}

func (t *ResultTransport) SendResult(ctx context.Context, rpc *message.RpcMessage, result *message.ResultMessage, returnPath string) error {
	select {
	case t.broker.resultQueue(returnPath) <- result:
		return nil
	default:
		// A second result for the same call; the first one wins.
		return nil
	}
}

func (t *ResultTransport) ReceiveResult(ctx context.Context, rpc *message.RpcMessage, returnPath string, timeout time.Duration) (*message.ResultMessage, error) {
	q := t.broker.resultQueue(returnPath)
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-q:
		return res, nil
	case <-timer.C:
		return nil, transport.ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// EventTransport keeps an append-only log per API and a pending set per
// listener group, with lease-expiry redelivery like the stream backend.
type EventTransport struct {
	broker *Broker
}

func (t *EventTransport) Open(ctx context.Context) error  { return nil }
func (t *EventTransport) Close(ctx context.Context) error { return nil }

func (t *EventTransport) SendEvent(ctx context.Context, ev *message.EventMessage, opts transport.SendOptions) error {
	b := t.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSeq++
	ev.NativeID = strconv.FormatInt(b.nextSeq, 10)
	b.streams[ev.APIName] = append(b.streams[ev.APIName], &storedEvent{seq: b.nextSeq, ev: ev})
	return nil
}

func (t *EventTransport) Consume(ctx context.Context, listener transport.ListenerSpec, opts transport.ConsumeOptions) (<-chan transport.EventDelivery, error) {
	if opts.Prefetch < 1 {
		opts.Prefetch = 1
	}
	if opts.AcknowledgementTimeout <= 0 {
		opts.AcknowledgementTimeout = time.Minute
	}

	wanted := map[string]map[string]bool{}
	for _, ref := range listener.Events {
		if wanted[ref.APIName] == nil {
			wanted[ref.APIName] = map[string]bool{}
		}
		wanted[ref.APIName][ref.EventName] = true
	}

	out := make(chan transport.EventDelivery, opts.Prefetch)

	var wg sync.WaitGroup
	for apiName, events := range wanted {
		g := t.joinGroup(apiName, listener, events, opts)
		wg.Add(1)
		go func(apiName string, g *group) {
			defer wg.Done()
			t.pump(ctx, apiName, g, opts, out)
		}(apiName, g)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out, nil
}

func (t *EventTransport) joinGroup(apiName string, listener transport.ListenerSpec, events map[string]bool, opts transport.ConsumeOptions) *group {
	b := t.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.groups[apiName] == nil {
		b.groups[apiName] = map[string]*group{}
	}
	g, ok := b.groups[apiName][listener.ListenerName]
	if !ok {
		g = &group{
			pending:  map[string]*pendingEntry{},
			events:   events,
			maxRedel: opts.MaxRedeliveries,
		}
		switch listener.Since {
		case transport.StartTail:
			g.cursor = 0
		default:
			g.cursor = b.nextSeq
		}
		b.groups[apiName][listener.ListenerName] = g
	}
	return g
}

// pump moves new and expired-pending entries of one (api, group) pair to
// the delivery channel.
func (t *EventTransport) pump(ctx context.Context, apiName string, g *group, opts transport.ConsumeOptions, out chan<- transport.EventDelivery) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for _, d := range t.collect(apiName, g, opts) {
			select {
			case <-ctx.Done():
				return
			case out <- d:
			}
		}
	}
}

func (t *EventTransport) collect(apiName string, g *group, opts transport.ConsumeOptions) []transport.EventDelivery {
	b := t.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	var due []transport.EventDelivery
	now := time.Now()

	// Redeliver pending entries whose lease expired.
	for id, p := range g.pending {
		if now.Before(p.deadline) {
			continue
		}
		p.count++
		if g.maxRedel > 0 && p.count > g.maxRedel {
			delete(g.pending, id)
			continue
		}
		p.deadline = now.Add(opts.AcknowledgementTimeout)
		due = append(due, transport.EventDelivery{
			Message: p.ev,
			Lease: transport.Lease{
				NativeID:      id,
				DeliveryCount: p.count,
				Stream:        apiName,
				Group:         groupName(b, apiName, g),
			},
		})
	}

	// Deliver new entries past the cursor.
	for _, stored := range b.streams[apiName] {
		if stored.seq <= g.cursor {
			continue
		}
		g.cursor = stored.seq
		if len(g.events) > 0 && !g.events[stored.ev.EventName] {
			continue
		}
		id := strconv.FormatInt(stored.seq, 10)
		g.pending[id] = &pendingEntry{
			ev:       stored.ev,
			seq:      stored.seq,
			count:    1,
			deadline: now.Add(opts.AcknowledgementTimeout),
		}
		due = append(due, transport.EventDelivery{
			Message: stored.ev,
			Lease: transport.Lease{
				NativeID:      id,
				DeliveryCount: 1,
				Stream:        apiName,
				Group:         groupName(b, apiName, g),
			},
		})
		if len(due) >= opts.Prefetch {
			break
		}
	}
	return due
}

func groupName(b *Broker, apiName string, g *group) string {
	for name, candidate := range b.groups[apiName] {
		if candidate == g {
			return name
		}
	}
	return ""
}

func (t *EventTransport) Acknowledge(ctx context.Context, lease transport.Lease) error {
	b := t.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if groups, ok := b.groups[lease.Stream]; ok {
		if g, ok := groups[lease.Group]; ok {
			delete(g.pending, lease.NativeID)
		}
	}
	return nil
}

func (t *EventTransport) History(ctx context.Context, apiName, eventName string, since, until time.Time) ([]*message.EventMessage, error) {
	return nil, transport.ErrUnsupportedOperation
}

// SchemaTransport keeps schemas in a TTL-guarded map.
type SchemaTransport struct {
	broker *Broker
}

func (t *SchemaTransport) Open(ctx context.Context) error  { return nil }
func (t *SchemaTransport) Close(ctx context.Context) error { return nil }

func (t *SchemaTransport) Store(ctx context.Context, apiName string, schemaJSON []byte, ttl time.Duration) error {
	b := t.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	b.schemas[apiName] = schemaEntry{raw: schemaJSON, expires: time.Now().Add(ttl)}
	return nil
}

func (t *SchemaTransport) Load(ctx context.Context, apiName string) ([]byte, error) {
	b := t.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.schemas[apiName]
	if !ok || time.Now().After(entry.expires) {
		return nil, nil
	}
	return entry.raw, nil
}

func (t *SchemaTransport) LoadAll(ctx context.Context) (map[string][]byte, error) {
	b := t.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	out := map[string][]byte{}
	now := time.Now()
	for apiName, entry := range b.schemas {
		if now.After(entry.expires) {
			continue
		}
		out[apiName] = entry.raw
	}
	return out, nil
}

func (t *SchemaTransport) Ping(ctx context.Context, apiName string, ttl time.Duration) error {
	b := t.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if entry, ok := b.schemas[apiName]; ok {
		entry.expires = time.Now().Add(ttl)
		b.schemas[apiName] = entry
	}
	return nil
}

var (
	_ transport.RpcTransport    = (*RpcTransport)(nil)
	_ transport.ConsumerCounter = (*RpcTransport)(nil)
	_ transport.ResultTransport = (*ResultTransport)(nil)
	_ transport.EventTransport  = (*EventTransport)(nil)
	_ transport.SchemaTransport = (*SchemaTransport)(nil)
)
