// Package consumer turns bus events into stored, dispatched notifications.
// Every delivery is acked only after its notifications are durable and
// dispatched. Transient failures are retried in place so later events for the
// same user never overtake them.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/darkden-lab/relay/internal/bus"
	"github.com/darkden-lab/relay/internal/events"
	"github.com/darkden-lab/relay/internal/metrics"
	"github.com/darkden-lab/relay/internal/notifications"
)

// ErrDuplicateEventIgnored marks the idempotent no-op path. It is never
// returned to the bus.
var ErrDuplicateEventIgnored = errors.New("duplicate event ignored")

// Dispatcher delivers a stored notification to live sessions.
type Dispatcher interface {
	Dispatch(ctx context.Context, n notifications.Notification) (notifications.DeliveryState, error)
}

// Config tunes the consumer.
type Config struct {
	Bindings    []string
	Workers     int
	QueueSize   int
	MaxAttempts int
	// RetryBase and RetryMax bound the wait between in-place retries of a
	// transient failure.
	RetryBase time.Duration
	RetryMax  time.Duration
}

// Consumer subscribes to the bus and processes events on a bounded worker
// pool. Notifications for one user are stored and dispatched in the order
// their events were accepted, including across retries.
type Consumer struct {
	broker     bus.Broker
	store      notifications.Store
	dispatcher Dispatcher
	mapper     *Mapper
	marker     ProcessedMarker
	metrics    *metrics.Metrics
	log        *zap.Logger

	bindings    []string
	maxAttempts int
	retryBase   time.Duration
	retryMax    time.Duration
	pool        *Pool
	lanes       *userLanes

	// admit makes ticket reservation and pool submission one step, so every
	// worker queue holds events in ticket order.
	admit    sync.Mutex
	quit     chan struct{}
	quitOnce sync.Once
}

// Option customizes a Consumer.
type Option func(*Consumer)

// WithMarker enables the processed-event fast path.
func WithMarker(m ProcessedMarker) Option {
	return func(c *Consumer) {
		if m != nil {
			c.marker = m
		}
	}
}

// WithMetrics records processing outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Consumer) { c.metrics = m }
}

// New creates a Consumer. Call Start to subscribe.
func New(cfg Config, broker bus.Broker, store notifications.Store, dispatcher Dispatcher, mapper *Mapper, log *zap.Logger, opts ...Option) *Consumer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.RetryMax < cfg.RetryBase {
		cfg.RetryMax = max(cfg.RetryBase, 30*time.Second)
	}
	if len(cfg.Bindings) == 0 {
		cfg.Bindings = []string{"#"}
	}
	if log == nil {
		log = zap.NewNop()
	}
	c := &Consumer{
		broker:      broker,
		store:       store,
		dispatcher:  dispatcher,
		mapper:      mapper,
		marker:      noopMarker{},
		log:         log.Named("consumer"),
		bindings:    cfg.Bindings,
		maxAttempts: cfg.MaxAttempts,
		retryBase:   cfg.RetryBase,
		retryMax:    cfg.RetryMax,
		pool:        NewPool(cfg.Workers, cfg.QueueSize),
		lanes:       newUserLanes(),
		quit:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start subscribes to the configured bindings. Handling runs asynchronously.
func (c *Consumer) Start(ctx context.Context) error {
	id, err := c.broker.Subscribe(ctx, c.bindings, c.handle)
	if err != nil {
		return fmt.Errorf("subscribe %v: %w", c.bindings, err)
	}
	c.log.Info("consumer subscribed", zap.String("subscription", id), zap.Strings("bindings", c.bindings))
	return nil
}

// Close stops accepting deliveries and waits for in-flight events to be
// settled. An event waiting to retry is handed back to the bus. Call it
// before closing the broker.
func (c *Consumer) Close() {
	c.quitOnce.Do(func() { close(c.quit) })
	c.pool.Close()
}

// handle runs on the bus reader. It validates the message, resolves its
// recipients, reserves their lanes and hands it to a worker; a full queue
// blocks the reader.
func (c *Consumer) handle(ctx context.Context, d bus.Delivery) {
	ev, err := events.Parse(d.Body())
	if err != nil {
		c.log.Warn("dead-lettering malformed event",
			zap.String("routing_key", d.RoutingKey()),
			zap.Error(err))
		c.settle(d.DeadLetter(err.Error()), "dead-letter")
		c.metrics.ObserveEvent(d.RoutingKey(), metrics.OutcomeMalformed, 0)
		return
	}

	start := time.Now()
	if c.marker.Seen(ctx, ev.ID) {
		c.log.Debug("event already processed", zap.String("event_id", ev.ID))
		c.settle(d.Ack(), "ack")
		c.metrics.ObserveEvent(string(ev.Type), metrics.OutcomeDuplicate, time.Since(start))
		return
	}

	r := &run{ev: ev, d: d, attempt: d.Attempt(), start: start, backoff: c.newBackoff(),
		log: c.log.With(zap.String("event_id", ev.ID), zap.String("event_type", string(ev.Type)))}
	for {
		r.intents, err = c.mapper.Map(ctx, ev)
		if err == nil {
			break
		}
		if !c.retry(ctx, r, err) {
			return
		}
	}

	users := make([]string, len(r.intents))
	for i, intent := range r.intents {
		users[i] = intent.UserID
	}
	key := ev.PartitionKey()
	if len(users) > 0 {
		key = users[0]
	}

	c.admit.Lock()
	r.tickets = c.lanes.reserve(users)
	err = c.pool.Submit(ctx, key, func() { c.process(ctx, r) })
	c.admit.Unlock()
	if err != nil {
		c.lanes.releaseAll(r.tickets)
		// Not started; the bus redelivers it.
		r.log.Info("event not accepted, requesting redelivery", zap.Error(err))
		c.settle(d.Nack(), "nack")
	}
}

// run carries one event through resolution, storage and dispatch.
type run struct {
	ev      events.Event
	d       bus.Delivery
	intents []Intent
	tickets []*ticket
	attempt int
	start   time.Time
	backoff *backoff.ExponentialBackOff
	log     *zap.Logger
}

// process stores and dispatches every intent in lane order, then settles the
// delivery. Store writes use a context that survives shutdown so a started
// write always finishes before the ack or nack.
func (c *Consumer) process(parent context.Context, r *run) {
	defer c.lanes.releaseAll(r.tickets)
	ctx := context.WithoutCancel(parent)

	duplicate := len(r.intents) > 0
	for i, intent := range r.intents {
		r.tickets[i].wait()
		for {
			err := c.deliver(ctx, intent.Notification(r.ev))
			if err == nil {
				duplicate = false
				break
			}
			if errors.Is(err, ErrDuplicateEventIgnored) {
				r.log.Debug("duplicate event ignored", zap.String("user_id", intent.UserID))
				break
			}
			if !c.retry(parent, r, err) {
				return
			}
		}
		c.lanes.release(r.tickets[i])
	}

	c.settle(r.d.Ack(), "ack")
	c.marker.Mark(ctx, r.ev.ID)
	outcome := metrics.OutcomeAcked
	if duplicate {
		outcome = metrics.OutcomeDuplicate
	}
	c.metrics.ObserveEvent(string(r.ev.Type), outcome, time.Since(r.start))
}

// deliver upserts n and dispatches it unless a previous attempt already did.
func (c *Consumer) deliver(ctx context.Context, n notifications.Notification) error {
	stored, created, err := c.store.UpsertBySourceEvent(ctx, n)
	if err != nil {
		return err
	}
	if !created && stored.DeliveryState != notifications.DeliveryPending {
		return ErrDuplicateEventIgnored
	}
	_, err = c.dispatcher.Dispatch(ctx, stored)
	return err
}

// retry waits before another in-place attempt at a transient failure and
// reports whether to try again. Otherwise it settles the delivery: permanent
// errors and spent budgets are dead-lettered, a shutdown during the wait
// hands the event back to the bus.
func (c *Consumer) retry(ctx context.Context, r *run, err error) bool {
	if !notifications.IsTransient(err) || r.attempt >= c.maxAttempts {
		reason := err.Error()
		if notifications.IsTransient(err) {
			reason = fmt.Sprintf("retries exhausted after %d attempts: %s", r.attempt, reason)
		}
		r.log.Error("dead-lettering event", zap.Int("attempt", r.attempt), zap.String("reason", reason))
		c.settle(r.d.DeadLetter(reason), "dead-letter")
		c.metrics.ObserveEvent(string(r.ev.Type), metrics.OutcomeDeadLettered, time.Since(r.start))
		return false
	}

	wait := r.backoff.NextBackOff()
	r.log.Warn("transient failure, retrying",
		zap.Int("attempt", r.attempt),
		zap.Duration("wait", wait),
		zap.Error(err))
	c.metrics.ObserveEvent(string(r.ev.Type), metrics.OutcomeRetried, time.Since(r.start))
	if !c.sleep(ctx, wait) {
		r.log.Info("consumer stopping, requesting redelivery")
		c.settle(r.d.Nack(), "nack")
		return false
	}
	r.attempt++
	return true
}

func (c *Consumer) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryBase
	b.MaxInterval = c.retryMax
	b.RandomizationFactor = 0.2
	b.Multiplier = 2
	b.Reset()
	return b
}

// sleep waits for d. It returns false if ctx ends or the consumer is closed
// first.
func (c *Consumer) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-c.quit:
		return false
	}
}

func (c *Consumer) settle(err error, op string) {
	if err != nil {
		c.log.Error("failed to settle delivery", zap.String("op", op), zap.Error(err))
	}
}
