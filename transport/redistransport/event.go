// SPDX-License-Identifier: MIT

package redistransport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/lightbus/lightbus/internal/log"
	"github.com/lightbus/lightbus/internal/metrics"
	"github.com/lightbus/lightbus/message"
	"github.com/lightbus/lightbus/transport"
)

const (
	eventKeyPrefix      = "events:"
	deadLetterKeyPrefix = "deadletter:"

	// eventBlockTimeout bounds each XREADGROUP so consumer loops observe
	// cancellation promptly.
	eventBlockTimeout = time.Second
)

// EventTransport fans events out over one Redis stream per API, with one
// consumer group per listener name. Replicas within a group share the
// group's pending-entries list, which provides lease and redelivery
// semantics.
type EventTransport struct {
	conn   *Conn
	cfg    Config
	logger zerolog.Logger

	mu     sync.Mutex
	closed bool
}

// NewEventTransport builds an event transport over the shared connection.
func NewEventTransport(conn *Conn, cfg Config) *EventTransport {
	return &EventTransport{
		conn:   conn,
		cfg:    cfg,
		logger: log.WithComponent("transport.redis.event"),
	}
}

func (t *EventTransport) Open(ctx context.Context) error {
	return t.conn.acquire(ctx)
}

func (t *EventTransport) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	return t.conn.release()
}

func (t *EventTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// SendEvent appends the event to events:<api_name> and returns once the
// broker accepted it.
func (t *EventTransport) SendEvent(ctx context.Context, ev *message.EventMessage, opts transport.SendOptions) error {
	if t.isClosed() {
		return transport.ErrClosed
	}
	kwargsJSON, err := json.Marshal(ev.Kwargs)
	if err != nil {
		return fmt.Errorf("marshal event kwargs: %w", err)
	}
	metadataJSON, err := json.Marshal(ev.Metadata)
	if err != nil {
		return fmt.Errorf("marshal event metadata: %w", err)
	}
	if len(kwargsJSON)+len(metadataJSON) > transport.MaxPayloadSize {
		return transport.ErrMessageTooLarge
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	args := &redis.XAddArgs{
		Stream: eventKeyPrefix + ev.APIName,
		Values: map[string]any{
			"id":            ev.ID,
			"event_name":    ev.EventName,
			"kwargs_json":   string(kwargsJSON),
			"metadata_json": string(metadataJSON),
		},
	}
	if t.cfg.EventStreamMaxLen > 0 {
		args.MaxLen = t.cfg.EventStreamMaxLen
		args.Approx = true
	}

	nativeID, err := t.conn.client.XAdd(ctx, args).Result()
	metrics.ObserveTransportOp("event", "send", err)
	if err != nil {
		return transport.Failuref("event send", err)
	}
	ev.NativeID = nativeID
	return nil
}

// Consume joins one consumer group per API stream named by the listener
// and streams deliveries until ctx is cancelled.
func (t *EventTransport) Consume(ctx context.Context, listener transport.ListenerSpec, opts transport.ConsumeOptions) (<-chan transport.EventDelivery, error) {
	if t.isClosed() {
		return nil, transport.ErrClosed
	}
	if opts.Prefetch < 1 {
		opts.Prefetch = 1
	}
	if opts.AcknowledgementTimeout <= 0 {
		opts.AcknowledgementTimeout = time.Minute
	}
	if opts.ReclaimInterval <= 0 {
		opts.ReclaimInterval = opts.AcknowledgementTimeout / 3
	}

	// One stream per API; remember which events of it this listener wants.
	wanted := map[string]map[string]bool{}
	for _, ref := range listener.Events {
		if wanted[ref.APIName] == nil {
			wanted[ref.APIName] = map[string]bool{}
		}
		wanted[ref.APIName][ref.EventName] = true
	}

	for apiName := range wanted {
		if err := t.ensureGroup(ctx, apiName, listener); err != nil {
			return nil, err
		}
	}

	out := make(chan transport.EventDelivery, opts.Prefetch)
	var wg sync.WaitGroup
	for apiName, events := range wanted {
		wg.Add(1)
		go func(apiName string, events map[string]bool) {
			defer wg.Done()
			t.consumeStream(ctx, apiName, events, listener.ListenerName, opts, out)
		}(apiName, events)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out, nil
}

func (t *EventTransport) ensureGroup(ctx context.Context, apiName string, listener transport.ListenerSpec) error {
	start := "$"
	switch listener.Since {
	case transport.StartNew, "":
	case transport.StartTail:
		start = "0"
	default:
		start = string(listener.Since)
	}
	stream := eventKeyPrefix + apiName
	err := t.conn.client.XGroupCreateMkStream(ctx, stream, listener.ListenerName, start).Err()
	// The group surviving from an earlier run is the normal case.
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return transport.Failuref("event group create", err)
	}
	return nil
}

func (t *EventTransport) consumeStream(ctx context.Context, apiName string, events map[string]bool, group string, opts transport.ConsumeOptions, out chan<- transport.EventDelivery) {
	stream := eventKeyPrefix + apiName
	consumer := t.cfg.ClientID

	// Entries delivered to this consumer before a restart are pending
	// under our own name; replay them before reading new ones.
	t.drainOwnPending(ctx, stream, group, consumer, apiName, events, opts, out)

	reclaimTicker := time.NewTicker(opts.ReclaimInterval)
	defer reclaimTicker.Stop()

	for {
		if ctx.Err() != nil || t.isClosed() {
			return
		}

		select {
		case <-reclaimTicker.C:
			t.reclaim(ctx, stream, group, consumer, apiName, events, opts, out)
		default:
		}

		res, err := t.conn.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    int64(opts.Prefetch),
			Block:    eventBlockTimeout,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			metrics.ObserveTransportOp("event", "consume", err)
			t.logger.Warn().Err(err).
				Str(log.FieldListener, group).
				Str("event", "event.consume_failed").
				Msg("XREADGROUP failed, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, s := range res {
			for _, entry := range s.Messages {
				if !t.deliver(ctx, stream, group, apiName, events, entry, 1, opts, out) {
					return
				}
			}
		}
	}
}

// drainOwnPending replays entries already assigned to this consumer.
func (t *EventTransport) drainOwnPending(ctx context.Context, stream, group, consumer, apiName string, events map[string]bool, opts transport.ConsumeOptions, out chan<- transport.EventDelivery) {
	start := "-"
	for {
		pending, err := t.conn.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream:   stream,
			Group:    group,
			Start:    start,
			End:      "+",
			Count:    int64(opts.Prefetch),
			Consumer: consumer,
		}).Result()
		if err != nil || len(pending) == 0 {
			return
		}

		ids := make([]string, len(pending))
		counts := make(map[string]int64, len(pending))
		for i, p := range pending {
			ids[i] = p.ID
			counts[p.ID] = p.RetryCount
		}
		entries, err := t.conn.client.XRangeN(ctx, stream, ids[0], ids[len(ids)-1], int64(len(ids))).Result()
		if err != nil {
			return
		}
		for _, entry := range entries {
			count, ok := counts[entry.ID]
			if !ok {
				continue
			}
			if !t.deliver(ctx, stream, group, apiName, events, entry, count, opts, out) {
				return
			}
		}

		start = incrementStreamID(ids[len(ids)-1])
	}
}

// reclaim claims entries idle past the acknowledgement timeout from dead
// replicas and feeds them into the normal delivery path.
func (t *EventTransport) reclaim(ctx context.Context, stream, group, consumer, apiName string, events map[string]bool, opts transport.ConsumeOptions, out chan<- transport.EventDelivery) {
	claimed, _, err := t.conn.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  opts.AcknowledgementTimeout,
		Start:    "0-0",
		Count:    int64(opts.Prefetch),
	}).Result()
	if err != nil {
		if ctx.Err() == nil && !errors.Is(err, redis.Nil) {
			metrics.ObserveTransportOp("event", "reclaim", err)
			t.logger.Warn().Err(err).
				Str(log.FieldListener, group).
				Str("event", "event.reclaim_failed").
				Msg("XAUTOCLAIM failed")
		}
		return
	}
	if len(claimed) == 0 {
		return
	}

	counts := t.pendingCounts(ctx, stream, group, claimed[0].ID, claimed[len(claimed)-1].ID)
	for _, entry := range claimed {
		count := counts[entry.ID]
		if count == 0 {
			// The claim itself counts as a delivery.
			count = 2
		}
		metrics.RedeliveriesTotal.WithLabelValues(group).Inc()
		if !t.deliver(ctx, stream, group, apiName, events, entry, count, opts, out) {
			return
		}
	}
}

func (t *EventTransport) pendingCounts(ctx context.Context, stream, group, start, end string) map[string]int64 {
	counts := map[string]int64{}
	pending, err := t.conn.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  start,
		End:    end,
		Count:  int64(len(counts)) + 1000,
	}).Result()
	if err != nil {
		return counts
	}
	for _, p := range pending {
		counts[p.ID] = p.RetryCount
	}
	return counts
}

// deliver decodes one stream entry and hands it to the consumer, applying
// the event filter and the dead-letter policy. Returns false when the
// consumer is gone.
func (t *EventTransport) deliver(ctx context.Context, stream, group, apiName string, events map[string]bool, entry redis.XMessage, deliveryCount int64, opts transport.ConsumeOptions, out chan<- transport.EventDelivery) bool {
	lease := transport.Lease{
		NativeID:      entry.ID,
		DeliveryCount: deliveryCount,
		Stream:        stream,
		Group:         group,
	}

	ev, err := decodeStreamEntry(apiName, entry)
	if err != nil {
		t.logger.Warn().Err(err).
			Str(log.FieldNativeID, entry.ID).
			Str("event", "event.decode_failed").
			Msg("dead-lettering undecodable stream entry")
		t.deadLetter(ctx, apiName, group, entry)
		return true
	}

	// Entries for events this listener does not subscribe to are
	// acknowledged immediately so they do not linger in the group PEL.
	if len(events) > 0 && !events[ev.EventName] {
		_ = t.Acknowledge(ctx, lease)
		return true
	}

	if opts.MaxRedeliveries > 0 && deliveryCount > opts.MaxRedeliveries {
		t.logger.Warn().
			Str(log.FieldNativeID, entry.ID).
			Int64(log.FieldDeliveryCount, deliveryCount).
			Str(log.FieldListener, group).
			Str("event", "event.dead_lettered").
			Msg("redelivery limit exceeded")
		t.deadLetter(ctx, apiName, group, entry)
		return true
	}

	select {
	case <-ctx.Done():
		return false
	case out <- transport.EventDelivery{Message: ev, Lease: lease}:
		return true
	}
}

func (t *EventTransport) deadLetter(ctx context.Context, apiName, group string, entry redis.XMessage) {
	values := map[string]any{"source_id": entry.ID, "group": group}
	for k, v := range entry.Values {
		values[k] = v
	}
	err := t.conn.client.XAdd(ctx, &redis.XAddArgs{
		Stream: deadLetterKeyPrefix + apiName,
		Values: values,
	}).Err()
	if err != nil {
		t.logger.Error().Err(err).
			Str(log.FieldNativeID, entry.ID).
			Str("event", "event.dead_letter_failed").
			Msg("failed to append to dead-letter stream, entry stays pending")
		return
	}
	metrics.DeadLetteredTotal.WithLabelValues(apiName).Inc()
	_ = t.conn.client.XAck(ctx, eventKeyPrefix+apiName, group, entry.ID).Err()
}

// Acknowledge finally completes a delivery via XACK.
func (t *EventTransport) Acknowledge(ctx context.Context, lease transport.Lease) error {
	err := t.conn.client.XAck(ctx, lease.Stream, lease.Group, lease.NativeID).Err()
	metrics.ObserveTransportOp("event", "ack", err)
	if err != nil {
		return transport.Failuref("event ack", err)
	}
	return nil
}

// History returns retained events of apiName in [since, until], filtered
// by eventName when non-empty.
func (t *EventTransport) History(ctx context.Context, apiName, eventName string, since, until time.Time) ([]*message.EventMessage, error) {
	start, end := "-", "+"
	if !since.IsZero() {
		start = strconv.FormatInt(since.UnixMilli(), 10) + "-0"
	}
	if !until.IsZero() {
		end = strconv.FormatInt(until.UnixMilli(), 10)
	}
	entries, err := t.conn.client.XRange(ctx, eventKeyPrefix+apiName, start, end).Result()
	if err != nil {
		return nil, transport.Failuref("event history", err)
	}
	var events []*message.EventMessage
	for _, entry := range entries {
		ev, err := decodeStreamEntry(apiName, entry)
		if err != nil {
			continue
		}
		if eventName != "" && ev.EventName != eventName {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

func decodeStreamEntry(apiName string, entry redis.XMessage) (*message.EventMessage, error) {
	id, _ := entry.Values["id"].(string)
	eventName, ok := entry.Values["event_name"].(string)
	if !ok || eventName == "" {
		return nil, fmt.Errorf("stream entry %s has no event_name", entry.ID)
	}
	ev := &message.EventMessage{
		ID:        id,
		APIName:   apiName,
		EventName: eventName,
		Kwargs:    map[string]any{},
		Metadata:  map[string]string{},
		NativeID:  entry.ID,
	}
	if raw, ok := entry.Values["kwargs_json"].(string); ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &ev.Kwargs); err != nil {
			return nil, fmt.Errorf("unmarshal kwargs of %s: %w", entry.ID, err)
		}
	}
	if raw, ok := entry.Values["metadata_json"].(string); ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &ev.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata of %s: %w", entry.ID, err)
		}
	}
	return ev, nil
}

// incrementStreamID returns the smallest ID strictly after id.
func incrementStreamID(id string) string {
	parts := strings.SplitN(id, "-", 2)
	if len(parts) != 2 {
		return id
	}
	seq, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return id
	}
	return parts[0] + "-" + strconv.FormatInt(seq+1, 10)
}

var _ transport.EventTransport = (*EventTransport)(nil)
