package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

const (
	kafkaTopicPrefix = "agentflow.events."
	headerEventType  = "event_type"
	headerDeliveries = "deliveries"
)

// KafkaBus is an EventBus backed by a Kafka or Redpanda cluster.
//
// Publish produces to topic "agentflow.events.<topic>" keyed by run ID, so
// all events of a run land on one partition and arrive in publish order.
// Each Subscribe joins a consumer group with its own client; within a group
// consumers compete for partitions.
//
// Offsets are committed with marks: a record is marked only after its
// handler succeeded or after it was handed off to a retry or dead-letter
// record, so a crash never skips an unprocessed event. A failing delivery
// is republished with an incremented delivery header; once the count
// reaches the limit the event is produced to "agentflow.events.<topic>.dlq"
// as a DeadLetter.
type KafkaBus struct {
	producer *kgo.Client
	brokers  []string
	topic    string
	dlqTopic string
	opts     options

	mu     sync.Mutex
	closed bool
	subs   map[*kafkaSub]struct{}
	wg     sync.WaitGroup
}

// NewKafkaBus connects a producer to the given seed brokers. Relevant
// options: WithTopic, WithMaxDeliveries, WithLogger. Dead letters go to the
// DLQ topic, not to a DeadLetterSink.
func NewKafkaBus(brokers []string, opts ...Option) (*KafkaBus, error) {
	if len(brokers) == 0 {
		return nil, errors.New("bus: kafka: seed brokers must not be empty")
	}
	o, err := applyOptions(opts)
	if err != nil {
		return nil, err
	}
	producer, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.AllowAutoTopicCreation(),
		kgo.DialTimeout(10*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("bus: kafka producer: %w", err)
	}
	topic := kafkaTopicPrefix + o.topic
	return &KafkaBus{
		producer: producer,
		brokers:  brokers,
		topic:    topic,
		dlqTopic: topic + ".dlq",
		opts:     o,
		subs:     make(map[*kafkaSub]struct{}),
	}, nil
}

// Topic returns the topic events are produced to.
func (b *KafkaBus) Topic() string {
	return b.topic
}

// DLQTopic returns the topic exhausted events are produced to.
func (b *KafkaBus) DLQTopic() string {
	return b.dlqTopic
}

// Publish produces ev keyed by its run ID and waits for the broker ack.
func (b *KafkaBus) Publish(ctx context.Context, ev Event) error {
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
	rec := &kgo.Record{
		Topic: b.topic,
		Key:   []byte(ev.RunID),
		Value: data,
		Headers: []kgo.RecordHeader{
			{Key: headerEventType, Value: []byte(ev.Type)},
		},
	}
	if err := b.producer.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("bus: produce to %s: %w", b.topic, err)
	}
	return nil
}

// Subscribe joins group with a dedicated consumer client and starts a poll
// loop. Delivery stops when ctx is cancelled, the subscription is
// unsubscribed, or the bus is closed.
func (b *KafkaBus) Subscribe(ctx context.Context, group, consumer string, h HandlerFunc) (Subscription, error) {
	if err := checkSubscribe(group, consumer, h); err != nil {
		return nil, err
	}
	if b.isClosed() {
		return nil, fmt.Errorf("bus: subscribe: %w", ErrClosed)
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(b.brokers...),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(b.topic),
		kgo.InstanceID(consumer),
		kgo.AutoCommitMarks(),
		kgo.AutoCommitInterval(time.Second),
		kgo.SessionTimeout(30*time.Second),
		kgo.HeartbeatInterval(3*time.Second),
		kgo.DialTimeout(10*time.Second),
		kgo.AllowAutoTopicCreation(),
	)
	if err != nil {
		return nil, fmt.Errorf("bus: kafka consumer: %w", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &kafkaSub{
		bus:      b,
		group:    group,
		consumer: consumer,
		handler:  h,
		client:   client,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		client.Close()
		return nil, fmt.Errorf("bus: subscribe: %w", ErrClosed)
	}
	b.subs[sub] = struct{}{}
	b.wg.Add(1)
	b.mu.Unlock()

	go sub.run(subCtx)
	return sub, nil
}

// Close stops all subscriptions, commits their marked offsets, and closes
// the producer. Close is idempotent.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*kafkaSub, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[*kafkaSub]struct{})
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	b.wg.Wait()
	b.producer.Close()
	return nil
}

func (b *KafkaBus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

type kafkaSub struct {
	bus      *KafkaBus
	group    string
	consumer string
	handler  HandlerFunc
	client   *kgo.Client
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

func (s *kafkaSub) run(ctx context.Context) {
	defer s.bus.wg.Done()
	defer close(s.done)

	for {
		fetches := s.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return
		}
		for _, ferr := range fetches.Errors() {
			if errors.Is(ferr.Err, context.Canceled) {
				return
			}
			s.bus.opts.logger.LogAttrs(ctx, slog.LevelError, "kafka fetch failed",
				slog.String("topic", ferr.Topic),
				slog.Int("partition", int(ferr.Partition)),
				slog.String("error", ferr.Err.Error()),
			)
		}
		fetches.EachRecord(func(rec *kgo.Record) {
			s.handle(ctx, rec)
		})
	}
}

// handle delivers one record. The record is marked for commit only after
// the handler succeeded or the event was handed off to a retry or DLQ
// record; a failed handoff leaves it uncommitted for redelivery after a
// rebalance.
func (s *kafkaSub) handle(ctx context.Context, rec *kgo.Record) {
	var ev Event
	if err := json.Unmarshal(rec.Value, &ev); err != nil {
		if s.bury(ctx, rec, ev, 1, fmt.Sprintf("decode event: %v", err)) {
			s.client.MarkCommitRecords(rec)
		}
		return
	}

	deliveries := recordDeliveries(rec)
	err := safeDeliver(ctx, s.handler, ev)
	if err == nil {
		s.client.MarkCommitRecords(rec)
		return
	}

	s.bus.opts.logger.LogAttrs(ctx, slog.LevelWarn, "event delivery failed",
		slog.String("group", s.group),
		slog.String("consumer", s.consumer),
		slog.String("event_type", string(ev.Type)),
		slog.String("run_id", ev.RunID),
		slog.Int("deliveries", deliveries),
		slog.String("error", err.Error()),
	)

	if deliveries >= s.bus.opts.maxDeliveries {
		if s.bury(ctx, rec, ev, deliveries, err.Error()) {
			s.client.MarkCommitRecords(rec)
		}
		return
	}
	if s.requeue(ctx, rec, deliveries+1) {
		s.client.MarkCommitRecords(rec)
	}
}

// requeue republishes rec with an incremented delivery header. Reports
// whether the handoff succeeded.
func (s *kafkaSub) requeue(ctx context.Context, rec *kgo.Record, deliveries int) bool {
	retry := &kgo.Record{
		Topic:   rec.Topic,
		Key:     rec.Key,
		Value:   rec.Value,
		Headers: setDeliveriesHeader(rec.Headers, deliveries),
	}
	if err := s.bus.producer.ProduceSync(ctx, retry).FirstErr(); err != nil {
		s.bus.opts.logger.LogAttrs(ctx, slog.LevelError, "requeue failed, leaving record uncommitted",
			slog.String("topic", rec.Topic),
			slog.String("group", s.group),
			slog.String("error", err.Error()),
		)
		return false
	}
	return true
}

// bury produces a DeadLetter to the DLQ topic. Reports whether the handoff
// succeeded.
func (s *kafkaSub) bury(ctx context.Context, rec *kgo.Record, ev Event, deliveries int, reason string) bool {
	dl := DeadLetter{
		Event:      ev,
		Reason:     reason,
		Deliveries: deliveries,
		At:         time.Now().UTC(),
	}
	data, err := json.Marshal(dl)
	if err != nil {
		data = rec.Value
	}
	dead := &kgo.Record{Topic: s.bus.dlqTopic, Key: rec.Key, Value: data}
	if err := s.bus.producer.ProduceSync(ctx, dead).FirstErr(); err != nil {
		s.bus.opts.logger.LogAttrs(ctx, slog.LevelError, "dead-letter produce failed",
			slog.String("topic", s.bus.dlqTopic),
			slog.String("group", s.group),
			slog.String("error", err.Error()),
		)
		return false
	}
	s.bus.opts.logger.LogAttrs(ctx, slog.LevelError, "event dead-lettered",
		slog.String("topic", s.bus.dlqTopic),
		slog.String("event_type", string(ev.Type)),
		slog.String("run_id", ev.RunID),
		slog.Int("deliveries", deliveries),
		slog.String("reason", reason),
	)
	return true
}

// Unsubscribe stops the poll loop, commits marked offsets, and closes the
// consumer client.
func (s *kafkaSub) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()

	s.stopOnce.Do(func() {
		s.cancel()
		<-s.done

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.client.CommitMarkedOffsets(ctx); err != nil {
			s.bus.opts.logger.LogAttrs(ctx, slog.LevelWarn, "final offset commit failed",
				slog.String("group", s.group),
				slog.String("consumer", s.consumer),
				slog.String("error", err.Error()),
			)
		}
		s.client.Close()
	})
	return nil
}

// recordDeliveries reads the delivery header, defaulting to 1 for a record
// on its first delivery.
func recordDeliveries(rec *kgo.Record) int {
	for _, h := range rec.Headers {
		if h.Key == headerDeliveries {
			if n, err := strconv.Atoi(string(h.Value)); err == nil && n > 0 {
				return n
			}
		}
	}
	return 1
}

func setDeliveriesHeader(headers []kgo.RecordHeader, n int) []kgo.RecordHeader {
	out := make([]kgo.RecordHeader, 0, len(headers)+1)
	for _, h := range headers {
		if h.Key == headerDeliveries {
			continue
		}
		out = append(out, h)
	}
	return append(out, kgo.RecordHeader{
		Key:   headerDeliveries,
		Value: []byte(strconv.Itoa(n)),
	})
}
