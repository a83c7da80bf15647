package bus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaConfig holds configuration for the Kafka broker.
type KafkaConfig struct {
	Brokers           []string // list of broker addresses
	ConsumerGroup     string   // consumer group ID
	DeadLetterTopic   string
	KnownRoutingKeys  []string // used to expand wildcard binding patterns
	Partitions        int
	ReplicationFactor int
	HealthInterval    time.Duration
}

// KafkaBroker implements Broker on Apache Kafka via segmentio/kafka-go. Every
// routing key is a topic. A supervisor goroutine declares the topology and
// tracks connectivity; subscription readers are recreated with backoff after
// transport failures.
type KafkaBroker struct {
	config    KafkaConfig
	log       *zap.Logger
	writer    *kafka.Writer
	dialer    *kafka.Dialer
	connected atomic.Bool

	mu     sync.Mutex
	subs   map[string]*kafkaSubscription
	topics map[string]bool
	closed bool

	kick   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewKafkaBroker creates a KafkaBroker and starts its supervisor. The broker
// reports itself disconnected until the first topology declaration succeeds.
// Call Close() to stop all consumers and the producer.
func NewKafkaBroker(config KafkaConfig, log *zap.Logger) (*KafkaBroker, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("at least one Kafka broker address is required")
	}
	if config.ConsumerGroup == "" {
		config.ConsumerGroup = "relay-notifications"
	}
	if config.DeadLetterTopic == "" {
		config.DeadLetterTopic = "relay.dead-letter"
	}
	if config.Partitions <= 0 {
		config.Partitions = 6
	}
	if config.ReplicationFactor <= 0 {
		config.ReplicationFactor = 1
	}
	if config.HealthInterval <= 0 {
		config.HealthInterval = 15 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: false,
		Async:                  false,
	}

	b := &KafkaBroker{
		config: config,
		log:    log.Named("bus.kafka"),
		writer: writer,
		dialer: &kafka.Dialer{Timeout: 10 * time.Second},
		subs:   make(map[string]*kafkaSubscription),
		topics: map[string]bool{config.DeadLetterTopic: true},
		kick:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}

	b.wg.Add(1)
	go b.supervise()
	return b, nil
}

// Connected reports whether the last topology check succeeded.
func (b *KafkaBroker) Connected() bool {
	return b.connected.Load()
}

// Publish writes body to the topic named by routingKey.
func (b *KafkaBroker) Publish(ctx context.Context, routingKey, key string, body []byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !b.connected.Load() {
		return &TransportError{Op: "publish", Err: errors.New("not connected")}
	}

	msg := kafka.Message{
		Topic: routingKey,
		Key:   []byte(key),
		Value: body,
	}
	if err := b.writer.WriteMessages(ctx, msg); err != nil {
		return &TransportError{Op: "publish", Err: err}
	}
	return nil
}

// Subscribe starts a consumer-group reader over every topic matching the
// binding patterns.
func (b *KafkaBroker) Subscribe(_ context.Context, bindingPatterns []string, handler Handler) (string, error) {
	topics := ExpandPatterns(bindingPatterns, b.config.KnownRoutingKeys)
	if len(topics) == 0 {
		return "", fmt.Errorf("binding patterns %v match no known routing key", bindingPatterns)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return "", ErrClosed
	}

	for _, t := range topics {
		b.topics[t] = true
	}

	sub := &kafkaSubscription{
		id:      uuid.New().String(),
		broker:  b,
		topics:  topics,
		handler: handler,
		offsets: newOffsetTracker(),
	}
	b.subs[sub.id] = sub

	b.wg.Add(1)
	go sub.run(b.ctx)

	select {
	case b.kick <- struct{}{}:
	default:
	}

	b.log.Info("subscribed", zap.String("subscription", sub.id), zap.Strings("topics", topics))
	return sub.id, nil
}

// Close shuts down all consumers and the producer.
func (b *KafkaBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
	return b.writer.Close()
}

func (b *KafkaBroker) supervise() {
	defer b.wg.Done()

	bo := newBackoff()
	for {
		err := b.ensureTopology(b.ctx)
		if b.ctx.Err() != nil {
			return
		}

		wait := b.config.HealthInterval
		if err == nil {
			if !b.connected.Swap(true) {
				b.log.Info("connected", zap.Strings("brokers", b.config.Brokers))
			}
			bo.Reset()
		} else {
			if b.connected.Swap(false) {
				b.log.Warn("connection lost", zap.Error(err))
			}
			wait = bo.NextBackOff()
			b.log.Warn("reconnecting", zap.Duration("backoff", wait), zap.Error(err))
		}

		select {
		case <-b.ctx.Done():
			return
		case <-b.kick:
		case <-time.After(wait):
		}
	}
}

// ensureTopology declares every bound topic and the dead-letter topic. It is
// idempotent: existing topics are left untouched.
func (b *KafkaBroker) ensureTopology(ctx context.Context) error {
	b.mu.Lock()
	topics := make([]string, 0, len(b.topics))
	for t := range b.topics {
		topics = append(topics, t)
	}
	b.mu.Unlock()

	conn, err := b.dialAny(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return &TransportError{Op: "controller", Err: err}
	}
	ctrl, err := b.dialer.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return &TransportError{Op: "dial controller", Err: err}
	}
	defer ctrl.Close()

	for _, t := range topics {
		err := ctrl.CreateTopics(kafka.TopicConfig{
			Topic:             t,
			NumPartitions:     b.config.Partitions,
			ReplicationFactor: b.config.ReplicationFactor,
		})
		if err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
			return &TransportError{Op: "declare topic " + t, Err: err}
		}
	}
	return nil
}

func (b *KafkaBroker) dialAny(ctx context.Context) (*kafka.Conn, error) {
	var lastErr error
	for _, addr := range b.config.Brokers {
		conn, err := b.dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, &TransportError{Op: "dial", Err: lastErr}
}

func (b *KafkaBroker) newReader(topics []string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     b.config.Brokers,
		GroupID:     b.config.ConsumerGroup,
		GroupTopics: topics,
		MinBytes:    1,
		MaxBytes:    10e6, // 10MB
		MaxWait:     500 * time.Millisecond,
		Dialer:      b.dialer,
	})
}

func (b *KafkaBroker) writeDeadLetter(ctx context.Context, msg kafka.Message, attempt int, reason string) error {
	dl := kafka.Message{
		Topic: b.config.DeadLetterTopic,
		Key:   msg.Key,
		Value: msg.Value,
		Headers: []kafka.Header{
			{Key: headerRoutingKey, Value: []byte(msg.Topic)},
			{Key: headerAttempt, Value: []byte(strconv.Itoa(attempt))},
			{Key: headerReason, Value: []byte(reason)},
		},
	}
	if err := b.writer.WriteMessages(ctx, dl); err != nil {
		return &TransportError{Op: "dead-letter", Err: err}
	}
	return nil
}

type kafkaSubscription struct {
	id      string
	broker  *KafkaBroker
	topics  []string
	handler Handler
	offsets *offsetTracker

	mu         sync.Mutex
	reader     *kafka.Reader
	generation uint64
}

func (s *kafkaSubscription) run(ctx context.Context) {
	defer s.broker.wg.Done()

	log := s.broker.log.With(zap.String("subscription", s.id))
	bo := newBackoff()
	for {
		reader := s.broker.newReader(s.topics)
		gen := s.swapReader(reader)

		err := s.consume(ctx, reader, gen, bo)
		if cerr := reader.Close(); cerr != nil {
			log.Debug("reader close", zap.Error(cerr))
		}
		if ctx.Err() != nil {
			return
		}

		wait := bo.NextBackOff()
		log.Warn("subscription interrupted, re-establishing", zap.Duration("backoff", wait), zap.Error(err))
		if !sleepCtx(ctx, wait) {
			return
		}
	}
}

// swapReader installs a fresh reader. Uncommitted messages of the previous
// generation will be fetched again, so their tracking state is dropped.
func (s *kafkaSubscription) swapReader(r *kafka.Reader) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reader = r
	s.generation++
	s.offsets.reset()
	return s.generation
}

func (s *kafkaSubscription) current(gen uint64) (*kafka.Reader, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reader, s.generation == gen
}

func (s *kafkaSubscription) consume(ctx context.Context, reader *kafka.Reader, gen uint64, bo *backoff.ExponentialBackOff) error {
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			return &TransportError{Op: "fetch", Err: err}
		}
		bo.Reset()

		s.offsets.track(msg.Topic, msg.Partition, msg.Offset)
		s.handler(ctx, &kafkaDelivery{sub: s, ctx: ctx, msg: msg, attempt: 1, generation: gen})
	}
}

func (s *kafkaSubscription) settle(ctx context.Context, gen uint64, msg kafka.Message) error {
	reader, ok := s.current(gen)
	if !ok {
		return nil
	}
	offset, ready := s.offsets.settle(msg.Topic, msg.Partition, msg.Offset)
	if !ready {
		return nil
	}
	commit := kafka.Message{Topic: msg.Topic, Partition: msg.Partition, Offset: offset}
	if err := reader.CommitMessages(ctx, commit); err != nil {
		return &TransportError{Op: "commit", Err: err}
	}
	return nil
}

func (s *kafkaSubscription) redeliver(ctx context.Context, gen uint64, msg kafka.Message, attempt int) {
	go func() {
		if !sleepCtx(ctx, redeliveryDelay(attempt)) {
			return
		}
		if _, ok := s.current(gen); !ok {
			// The reader was replaced; the message will be fetched again.
			return
		}
		s.handler(ctx, &kafkaDelivery{sub: s, ctx: ctx, msg: msg, attempt: attempt, generation: gen})
	}()
}

type kafkaDelivery struct {
	sub        *kafkaSubscription
	ctx        context.Context
	msg        kafka.Message
	attempt    int
	generation uint64
	once       sync.Once
}

func (d *kafkaDelivery) Body() []byte       { return d.msg.Value }
func (d *kafkaDelivery) RoutingKey() string { return d.msg.Topic }
func (d *kafkaDelivery) Key() string        { return string(d.msg.Key) }
func (d *kafkaDelivery) Attempt() int       { return d.attempt }

func (d *kafkaDelivery) Ack() error {
	var err error
	d.once.Do(func() {
		err = d.sub.settle(d.ctx, d.generation, d.msg)
	})
	return err
}

func (d *kafkaDelivery) Nack() error {
	d.once.Do(func() {
		d.sub.redeliver(d.ctx, d.generation, d.msg, d.attempt+1)
	})
	return nil
}

// DeadLetter publishes the message to the dead-letter topic before settling
// its offset. If that publish fails the offset stays uncommitted and the
// message is fetched again after the next rebalance or restart.
func (d *kafkaDelivery) DeadLetter(reason string) error {
	var err error
	d.once.Do(func() {
		if err = d.sub.broker.writeDeadLetter(d.ctx, d.msg, d.attempt, reason); err != nil {
			d.sub.broker.log.Error("dead-letter publish failed",
				zap.String("topic", d.msg.Topic),
				zap.Int64("offset", d.msg.Offset),
				zap.Error(err))
			return
		}
		err = d.sub.settle(d.ctx, d.generation, d.msg)
	})
	return err
}
