package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryBus is an in-process EventBus.
//
// Each consumer group gets its own bounded buffer and delivery goroutine, so
// a slow handler in one group never blocks publishers or other groups. When
// a buffer is full the oldest buffered event is dropped to admit the new one
// and the drop is counted; Publish never blocks.
//
// One consumer per group: a second Subscribe with an already registered
// group fails. Use distinct groups to fan the same events out to several
// handlers.
//
// Use cases:
//   - Tests asserting on runner event sequences
//   - Single-binary deployments without a broker
//   - Local development
type MemoryBus struct {
	mu      sync.RWMutex
	subs    map[string]*memorySub
	closed  bool
	wg      sync.WaitGroup
	dropped atomic.Uint64
	opts    options
}

// NewMemoryBus creates an in-process bus. Relevant options: WithBufferSize,
// WithMaxDeliveries, WithDeadLetterSink, WithLogger.
func NewMemoryBus(opts ...Option) (*MemoryBus, error) {
	o, err := applyOptions(opts)
	if err != nil {
		return nil, err
	}
	return &MemoryBus{
		subs: make(map[string]*memorySub),
		opts: o,
	}, nil
}

// Publish fans ev out to every subscribed group. It never blocks: when a
// group's buffer is full its oldest event is dropped first.
func (b *MemoryBus) Publish(_ context.Context, ev Event) error {
	if err := prepareEvent(&ev); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("bus: publish: %w", ErrClosed)
	}
	for _, sub := range b.subs {
		b.offer(sub, ev)
	}
	return nil
}

// offer enqueues ev without blocking. On a full buffer it drops the oldest
// buffered event, then tries once more; losing that race to a concurrent
// publisher drops ev itself. Every drop is counted.
func (b *MemoryBus) offer(sub *memorySub, ev Event) {
	select {
	case sub.ch <- ev:
		return
	default:
	}
	select {
	case <-sub.ch:
		b.dropped.Add(1)
	default:
	}
	select {
	case sub.ch <- ev:
	default:
		b.dropped.Add(1)
	}
}

// Subscribe registers consumer as the sole member of group. Delivery stops
// when ctx is cancelled, the subscription is unsubscribed, or the bus is
// closed.
func (b *MemoryBus) Subscribe(ctx context.Context, group, consumer string, h HandlerFunc) (Subscription, error) {
	if err := checkSubscribe(group, consumer, h); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("bus: subscribe: %w", ErrClosed)
	}
	if existing, ok := b.subs[group]; ok {
		return nil, fmt.Errorf("bus: subscribe: group %q already has consumer %q", group, existing.consumer)
	}

	sub := &memorySub{
		bus:      b,
		group:    group,
		consumer: consumer,
		handler:  h,
		ch:       make(chan Event, b.opts.bufferSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	b.subs[group] = sub

	b.wg.Add(1)
	go sub.run(ctx)
	return sub, nil
}

// Dropped returns how many events have been discarded across all groups
// because a subscriber buffer was full.
func (b *MemoryBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close stops all subscriptions and waits for in-flight handler calls to
// return. Close is idempotent.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*memorySub, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[string]*memorySub)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.signalStop()
	}
	b.wg.Wait()
	return nil
}

// memorySub is one consumer group registration. Its buffer channel is never
// closed; publishers may still hold a reference after unsubscribe, and an
// orphaned buffer is simply collected.
type memorySub struct {
	bus      *MemoryBus
	group    string
	consumer string
	handler  HandlerFunc
	ch       chan Event
	stop     chan struct{}
	done     chan struct{}
	once     sync.Once
}

func (s *memorySub) run(ctx context.Context) {
	defer s.bus.wg.Done()
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case ev := <-s.ch:
			s.dispatch(ctx, ev)
		}
	}
}

// dispatch retries the handler up to the delivery limit, then dead-letters.
func (s *memorySub) dispatch(ctx context.Context, ev Event) {
	var lastErr error
	for attempt := 1; attempt <= s.bus.opts.maxDeliveries; attempt++ {
		lastErr = safeDeliver(ctx, s.handler, ev)
		if lastErr == nil {
			return
		}
		s.bus.opts.logger.LogAttrs(ctx, slog.LevelWarn, "event delivery failed",
			slog.String("group", s.group),
			slog.String("consumer", s.consumer),
			slog.String("event_type", string(ev.Type)),
			slog.String("run_id", ev.RunID),
			slog.Int("attempt", attempt),
			slog.String("error", lastErr.Error()),
		)
	}
	dl := DeadLetter{
		Event:      ev,
		Reason:     lastErr.Error(),
		Deliveries: s.bus.opts.maxDeliveries,
		At:         time.Now().UTC(),
	}
	if err := s.bus.opts.deadLetter.Dead(ctx, dl); err != nil {
		s.bus.opts.logger.LogAttrs(ctx, slog.LevelError, "dead-letter sink failed",
			slog.String("group", s.group),
			slog.String("event_id", ev.ID),
			slog.String("error", err.Error()),
		)
	}
}

// Unsubscribe removes the group and blocks until the delivery goroutine has
// exited. Events still buffered are discarded.
func (s *memorySub) Unsubscribe() error {
	s.bus.mu.Lock()
	if current, ok := s.bus.subs[s.group]; ok && current == s {
		delete(s.bus.subs, s.group)
	}
	s.bus.mu.Unlock()

	s.signalStop()
	<-s.done
	return nil
}

func (s *memorySub) signalStop() {
	s.once.Do(func() { close(s.stop) })
}
