package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Stream entry fields. The full envelope travels in fieldData as JSON; type
// and run ID are duplicated as plain fields so streams can be inspected with
// XRANGE without decoding.
const (
	fieldData  = "data"
	fieldType  = "type"
	fieldRunID = "run_id"
)

const (
	streamPrefix = "agentflow:events:"
	readBatch    = 16
	reapBatch    = 64
)

// RedisBus is an EventBus backed by a Redis stream.
//
// Publish appends to the stream "agentflow:events:<topic>". Each consumer
// group reads via XREADGROUP; within a group consumers compete for entries,
// so unlike the memory bus a group may have any number of subscribers.
//
// Delivery is at-least-once. An entry stays in the group's pending list
// until the handler succeeds and the entry is acknowledged. Entries left
// pending longer than the claim idle threshold are reclaimed and retried by
// whichever consumer sees them first; once the per-entry delivery count
// reaches the limit the entry is handed to the dead-letter sink and
// acknowledged so it cannot wedge the group.
//
// The Redis client is owned by the caller: Close stops the subscriptions
// but leaves the client open.
type RedisBus struct {
	client redis.UniversalClient
	stream string
	opts   options

	mu     sync.Mutex
	closed bool
	subs   map[*redisSub]struct{}
	wg     sync.WaitGroup
}

// NewRedisBus creates a bus on the given client. Relevant options:
// WithTopic, WithMaxDeliveries, WithDeadLetterSink, WithReadBlock,
// WithClaimMinIdle, WithStreamMaxLen, WithLogger.
func NewRedisBus(client redis.UniversalClient, opts ...Option) (*RedisBus, error) {
	if client == nil {
		return nil, errors.New("bus: redis client must not be nil")
	}
	o, err := applyOptions(opts)
	if err != nil {
		return nil, err
	}
	return &RedisBus{
		client: client,
		stream: streamPrefix + o.topic,
		opts:   o,
		subs:   make(map[*redisSub]struct{}),
	}, nil
}

// Stream returns the stream key events are appended to.
func (b *RedisBus) Stream() string {
	return b.stream
}

// Publish appends ev to the stream.
func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	if err := prepareEvent(&ev); err != nil {
		return err
	}
	if b.isClosed() {
		return fmt.Errorf("bus: publish: %w", ErrClosed)
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("bus: encode event: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: b.stream,
		Values: map[string]any{
			fieldData:  string(data),
			fieldType:  string(ev.Type),
			fieldRunID: ev.RunID,
		},
	}
	if b.opts.streamMaxLen > 0 {
		args.MaxLen = b.opts.streamMaxLen
		args.Approx = true
	}
	if err := b.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("bus: xadd %s: %w", b.stream, err)
	}
	return nil
}

// Subscribe creates the consumer group if needed (starting from the
// beginning of the stream) and starts a read loop for consumer. Delivery
// stops when ctx is cancelled, the subscription is unsubscribed, or the bus
// is closed.
func (b *RedisBus) Subscribe(ctx context.Context, group, consumer string, h HandlerFunc) (Subscription, error) {
	if err := checkSubscribe(group, consumer, h); err != nil {
		return nil, err
	}
	if b.isClosed() {
		return nil, fmt.Errorf("bus: subscribe: %w", ErrClosed)
	}

	err := b.client.XGroupCreateMkStream(ctx, b.stream, group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return nil, fmt.Errorf("bus: create group %q on %s: %w", group, b.stream, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &redisSub{
		bus:      b,
		group:    group,
		consumer: consumer,
		handler:  h,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("bus: subscribe: %w", ErrClosed)
	}
	b.subs[sub] = struct{}{}
	b.wg.Add(1)
	b.mu.Unlock()

	go sub.run(subCtx)
	return sub, nil
}

// Close stops all subscriptions and waits for their read loops to exit.
// The Redis client is left open. Close is idempotent.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*redisSub, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[*redisSub]struct{})
	b.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
	}
	b.wg.Wait()
	return nil
}

func (b *RedisBus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// isBusyGroup matches the reply for a consumer group that already exists.
func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

// decodeStreamEvent restores an Event from stream entry values.
func decodeStreamEvent(values map[string]any) (Event, error) {
	raw, ok := values[fieldData]
	if !ok {
		return Event{}, fmt.Errorf("bus: stream entry missing %q field", fieldData)
	}
	s, ok := raw.(string)
	if !ok {
		return Event{}, fmt.Errorf("bus: stream %q field has type %T", fieldData, raw)
	}
	var ev Event
	if err := json.Unmarshal([]byte(s), &ev); err != nil {
		return Event{}, fmt.Errorf("bus: decode event: %w", err)
	}
	return ev, nil
}

type redisSub struct {
	bus      *RedisBus
	group    string
	consumer string
	handler  HandlerFunc
	cancel   context.CancelFunc
	done     chan struct{}
}

func (s *redisSub) run(ctx context.Context) {
	defer s.bus.wg.Done()
	defer close(s.done)

	for {
		if ctx.Err() != nil {
			return
		}
		s.reap(ctx)

		streams, err := s.bus.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.group,
			Consumer: s.consumer,
			Streams:  []string{s.bus.stream, ">"},
			Count:    readBatch,
			Block:    s.bus.opts.readBlock,
		}).Result()
		switch {
		case err == nil:
		case errors.Is(err, redis.Nil):
			// No new entries within the block window.
			continue
		case ctx.Err() != nil:
			return
		default:
			s.bus.opts.logger.LogAttrs(ctx, slog.LevelError, "stream read failed",
				slog.String("stream", s.bus.stream),
				slog.String("group", s.group),
				slog.String("error", err.Error()),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.bus.opts.readBlock):
			}
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				s.handle(ctx, msg, 1)
			}
		}
	}
}

// handle delivers one entry. Success acknowledges it; failure leaves it in
// the pending list for reap to retry. Entries that cannot be decoded are
// dead-lettered immediately so they never loop.
func (s *redisSub) handle(ctx context.Context, msg redis.XMessage, deliveries int) {
	ev, err := decodeStreamEvent(msg.Values)
	if err != nil {
		s.bury(ctx, msg.ID, ev, deliveries, err.Error())
		return
	}
	if err := safeDeliver(ctx, s.handler, ev); err != nil {
		s.bus.opts.logger.LogAttrs(ctx, slog.LevelWarn, "event delivery failed",
			slog.String("group", s.group),
			slog.String("consumer", s.consumer),
			slog.String("event_type", string(ev.Type)),
			slog.String("run_id", ev.RunID),
			slog.Int("deliveries", deliveries),
			slog.String("error", err.Error()),
		)
		return
	}
	s.ack(ctx, msg.ID)
}

// reap walks the group's pending list: exhausted entries are dead-lettered,
// entries idle past the claim threshold are claimed and retried. Claiming
// increments the entry's delivery count, so competing consumers cannot
// retry an entry more often than the limit allows.
func (s *redisSub) reap(ctx context.Context) {
	pending, err := s.bus.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: s.bus.stream,
		Group:  s.group,
		Start:  "-",
		End:    "+",
		Count:  reapBatch,
	}).Result()
	if err != nil {
		if ctx.Err() == nil && !errors.Is(err, redis.Nil) {
			s.bus.opts.logger.LogAttrs(ctx, slog.LevelWarn, "pending list read failed",
				slog.String("stream", s.bus.stream),
				slog.String("group", s.group),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	for _, p := range pending {
		if p.Idle < s.bus.opts.claimMinIdle {
			continue
		}
		msgs, err := s.bus.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   s.bus.stream,
			Group:    s.group,
			Consumer: s.consumer,
			MinIdle:  s.bus.opts.claimMinIdle,
			Messages: []string{p.ID},
		}).Result()
		if err != nil || len(msgs) == 0 {
			// Another consumer claimed it first, or it was acknowledged.
			continue
		}
		deliveries := int(p.RetryCount) + 1
		for _, msg := range msgs {
			if deliveries > s.bus.opts.maxDeliveries {
				ev, derr := decodeStreamEvent(msg.Values)
				reason := fmt.Sprintf("delivery limit reached after %d deliveries", p.RetryCount)
				if derr != nil {
					reason = derr.Error()
				}
				s.bury(ctx, msg.ID, ev, int(p.RetryCount), reason)
				continue
			}
			s.handle(ctx, msg, deliveries)
		}
	}
}

// bury hands the entry to the dead-letter sink and acknowledges it.
func (s *redisSub) bury(ctx context.Context, id string, ev Event, deliveries int, reason string) {
	dl := DeadLetter{
		Event:      ev,
		Reason:     reason,
		Deliveries: deliveries,
		At:         time.Now().UTC(),
	}
	if err := s.bus.opts.deadLetter.Dead(ctx, dl); err != nil {
		s.bus.opts.logger.LogAttrs(ctx, slog.LevelError, "dead-letter sink failed",
			slog.String("group", s.group),
			slog.String("entry_id", id),
			slog.String("error", err.Error()),
		)
	}
	s.ack(ctx, id)
}

func (s *redisSub) ack(ctx context.Context, id string) {
	if err := s.bus.client.XAck(ctx, s.bus.stream, s.group, id).Err(); err != nil && ctx.Err() == nil {
		s.bus.opts.logger.LogAttrs(ctx, slog.LevelWarn, "ack failed",
			slog.String("stream", s.bus.stream),
			slog.String("group", s.group),
			slog.String("entry_id", id),
			slog.String("error", err.Error()),
		)
	}
}

// Unsubscribe stops the read loop and blocks until it has exited. Pending
// entries stay in the group for other consumers.
func (s *redisSub) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()

	s.cancel()
	<-s.done
	return nil
}
