// Package producer publishes domain events onto the bus. Domain services
// normally publish directly; this package backs the HTTP publish surface used
// in development and tests.
package producer

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/darkden-lab/relay/internal/bus"
	"github.com/darkden-lab/relay/internal/events"
)

// Producer encodes events and publishes them under their routing key.
type Producer struct {
	broker bus.Broker
	log    *zap.Logger
}

// New creates a Producer that publishes to the given broker.
func New(broker bus.Broker, log *zap.Logger) *Producer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Producer{broker: broker, log: log.Named("producer")}
}

// Publish sends ev keyed by its partition key so that events of one entity
// keep their order. A down bus yields a *bus.TransportError.
func (p *Producer) Publish(ctx context.Context, ev events.Event) error {
	body, err := events.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", ev.ID, err)
	}
	if err := p.broker.Publish(ctx, ev.RoutingKey(), ev.PartitionKey(), body); err != nil {
		p.log.Warn("publish failed",
			zap.String("event_id", ev.ID),
			zap.String("event_type", string(ev.Type)),
			zap.Error(err))
		return err
	}
	p.log.Debug("event published",
		zap.String("event_id", ev.ID),
		zap.String("event_type", string(ev.Type)))
	return nil
}
