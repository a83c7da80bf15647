// Package bus is the event bus client. It hides whether events travel through
// Kafka or an in-process broker behind a topic-exchange style contract.
package bus

import (
	"context"
	"errors"
)

// ErrClosed is returned by Publish and Subscribe after Close.
var ErrClosed = errors.New("broker is closed")

// Broker publishes messages under dot-separated routing keys and delivers them
// to subscribers bound with topic patterns.
type Broker interface {
	// Publish sends body under routingKey. key groups messages that must keep
	// their relative order. A down connection yields a *TransportError.
	Publish(ctx context.Context, routingKey, key string, body []byte) error

	// Subscribe registers handler for every routing key matching one of
	// bindingPatterns. Handlers must settle each Delivery exactly once, from
	// any goroutine. Returns a subscription ID.
	Subscribe(ctx context.Context, bindingPatterns []string, handler Handler) (string, error)

	// Close stops all subscriptions and releases connections.
	Close() error
}

// Handler receives one message. It may return before settling the delivery.
type Handler func(ctx context.Context, d Delivery)

// Delivery is one message handed to a subscriber together with its
// settlement operations. Only the first settlement call has any effect.
type Delivery interface {
	Body() []byte
	RoutingKey() string
	Key() string
	// Attempt is 1 for the first delivery and grows with every Nack.
	Attempt() int

	// Ack marks the message as processed.
	Ack() error
	// Nack asks for redelivery of the same message.
	Nack() error
	// DeadLetter moves the message to the dead-letter topic; it is never
	// redelivered.
	DeadLetter(reason string) error
}

// TransportError reports a bus connection failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return "bus " + e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// DeadLetter is a message that was rejected by a consumer.
type DeadLetter struct {
	RoutingKey string `json:"routing_key"`
	Key        string `json:"key,omitempty"`
	Body       string `json:"body"`
	Attempt    int    `json:"attempt"`
	Reason     string `json:"reason"`
}

const (
	headerRoutingKey = "x-original-routing-key"
	headerAttempt    = "x-attempt"
	headerReason     = "x-dead-letter-reason"
)
