package bus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type subscription struct {
	id       string
	patterns []string
	handler  Handler
}

type message struct {
	routingKey string
	key        string
	body       []byte
	attempt    int
	// target restricts a redelivery to the subscription that asked for it.
	target string
}

// InMemoryBroker is a single-process Broker backed by a Go channel. It is
// suitable for development, tests and single-node deployments. Messages are
// lost on restart.
type InMemoryBroker struct {
	deadLetterTopic string
	log             *zap.Logger
	// retryDelay spaces out redeliveries the same way the Kafka broker does.
	retryDelay func(attempt int) time.Duration

	mu          sync.RWMutex
	subs        []subscription
	closed      bool
	deadLetters []DeadLetter

	ctx    context.Context
	cancel context.CancelFunc
	msgCh  chan message
	done   chan struct{}
}

// NewInMemoryBroker creates and starts an InMemoryBroker. The broker starts a
// background goroutine to dispatch messages; call Close() to stop it.
func NewInMemoryBroker(deadLetterTopic string, log *zap.Logger) *InMemoryBroker {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &InMemoryBroker{
		deadLetterTopic: deadLetterTopic,
		log:             log.Named("bus"),
		retryDelay:      redeliveryDelay,
		ctx:             ctx,
		cancel:          cancel,
		msgCh:           make(chan message, 1024),
		done:            make(chan struct{}),
	}
	go b.dispatch()
	return b
}

// Publish enqueues a message for asynchronous delivery to every subscription
// bound to routingKey.
func (b *InMemoryBroker) Publish(ctx context.Context, routingKey, key string, body []byte) error {
	return b.enqueue(ctx, message{routingKey: routingKey, key: key, body: body, attempt: 1})
}

func (b *InMemoryBroker) enqueue(ctx context.Context, m message) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}

	select {
	case b.msgCh <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers handler for the given binding patterns.
func (b *InMemoryBroker) Subscribe(_ context.Context, bindingPatterns []string, handler Handler) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return "", ErrClosed
	}

	id := uuid.New().String()
	b.subs = append(b.subs, subscription{id: id, patterns: bindingPatterns, handler: handler})
	return id, nil
}

// DeadLetters returns a copy of every message rejected so far.
func (b *InMemoryBroker) DeadLetters() []DeadLetter {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]DeadLetter, len(b.deadLetters))
	copy(out, b.deadLetters)
	return out
}

// Close stops the dispatch goroutine and prevents further Publish/Subscribe
// calls. Messages still queued are delivered before Close returns.
func (b *InMemoryBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	close(b.msgCh)
	<-b.done
	b.cancel()
	return nil
}

// dispatch runs in a goroutine and fans out queued messages to the matching
// subscriptions.
func (b *InMemoryBroker) dispatch() {
	defer close(b.done)

	for m := range b.msgCh {
		b.mu.RLock()
		var targets []subscription
		for _, s := range b.subs {
			if m.target != "" && m.target != s.id {
				continue
			}
			if MatchAny(s.patterns, m.routingKey) {
				targets = append(targets, s)
			}
		}
		b.mu.RUnlock()

		for _, s := range targets {
			s.handler(b.ctx, &memoryDelivery{broker: b, subID: s.id, msg: m})
		}
	}
}

func (b *InMemoryBroker) requeue(subID string, m message) {
	m.attempt++
	m.target = subID
	// Settlement may happen on the dispatch goroutine itself, so the
	// redelivery must not block on a full queue here.
	go func() {
		if !sleepCtx(b.ctx, b.retryDelay(m.attempt)) {
			return
		}
		if err := b.enqueue(b.ctx, m); err != nil {
			b.log.Warn("redelivery dropped", zap.String("routing_key", m.routingKey), zap.Error(err))
		}
	}()
}

func (b *InMemoryBroker) deadLetter(m message, reason string) {
	b.mu.Lock()
	b.deadLetters = append(b.deadLetters, DeadLetter{
		RoutingKey: m.routingKey,
		Key:        m.key,
		Body:       string(m.body),
		Attempt:    m.attempt,
		Reason:     reason,
	})
	b.mu.Unlock()

	b.log.Warn("message dead-lettered",
		zap.String("routing_key", m.routingKey),
		zap.Int("attempt", m.attempt),
		zap.String("reason", reason))

	if b.deadLetterTopic == "" || m.routingKey == b.deadLetterTopic {
		return
	}
	dl := message{routingKey: b.deadLetterTopic, key: m.key, body: m.body, attempt: 1}
	go func() {
		if err := b.enqueue(b.ctx, dl); err != nil {
			b.log.Warn("dead-letter publish dropped", zap.Error(err))
		}
	}()
}

type memoryDelivery struct {
	broker *InMemoryBroker
	subID  string
	msg    message
	once   sync.Once
}

func (d *memoryDelivery) Body() []byte       { return d.msg.body }
func (d *memoryDelivery) RoutingKey() string { return d.msg.routingKey }
func (d *memoryDelivery) Key() string        { return d.msg.key }
func (d *memoryDelivery) Attempt() int       { return d.msg.attempt }

func (d *memoryDelivery) Ack() error {
	d.once.Do(func() {})
	return nil
}

func (d *memoryDelivery) Nack() error {
	d.once.Do(func() { d.broker.requeue(d.subID, d.msg) })
	return nil
}

func (d *memoryDelivery) DeadLetter(reason string) error {
	d.once.Do(func() { d.broker.deadLetter(d.msg, reason) })
	return nil
}
