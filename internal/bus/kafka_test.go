package bus

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// KafkaBroker tests verify interface compliance and configuration validation.
// Integration tests with a real Kafka cluster are excluded from unit tests.

func TestKafkaBroker_ImplementsInterface(t *testing.T) {
	var _ Broker = (*KafkaBroker)(nil)
	var _ Broker = (*InMemoryBroker)(nil)
}

func TestNewKafkaBroker_RequiresBrokers(t *testing.T) {
	_, err := NewKafkaBroker(KafkaConfig{}, zap.NewNop())
	assert.Error(t, err)
}

func TestNewKafkaBroker_Defaults(t *testing.T) {
	broker, err := NewKafkaBroker(KafkaConfig{Brokers: []string{"127.0.0.1:1"}}, nil)
	require.NoError(t, err)
	defer broker.Close()

	assert.Equal(t, "relay-notifications", broker.config.ConsumerGroup)
	assert.Equal(t, "relay.dead-letter", broker.config.DeadLetterTopic)
	assert.Equal(t, 6, broker.config.Partitions)
	assert.Equal(t, 1, broker.config.ReplicationFactor)
}

func TestKafkaBroker_PublishWhileDisconnectedIsTransportError(t *testing.T) {
	broker, err := NewKafkaBroker(KafkaConfig{Brokers: []string{"127.0.0.1:1"}}, zap.NewNop())
	require.NoError(t, err)
	defer broker.Close()

	require.False(t, broker.Connected())

	err = broker.Publish(context.Background(), "user.login", "u1", []byte("{}"))
	var te *TransportError
	require.True(t, errors.As(err, &te), "expected TransportError, got %v", err)
	assert.Equal(t, "publish", te.Op)
}

func TestKafkaBroker_SubscribeRequiresKnownTopics(t *testing.T) {
	broker, err := NewKafkaBroker(KafkaConfig{
		Brokers:          []string{"127.0.0.1:1"},
		KnownRoutingKeys: []string{"user.login"},
	}, zap.NewNop())
	require.NoError(t, err)
	defer broker.Close()

	_, err = broker.Subscribe(context.Background(), []string{"gig.*"}, func(context.Context, Delivery) {})
	assert.Error(t, err)
}

func TestKafkaBroker_ClosePreventsFurtherUse(t *testing.T) {
	broker, err := NewKafkaBroker(KafkaConfig{
		Brokers:          []string{"127.0.0.1:1"},
		KnownRoutingKeys: []string{"user.login"},
	}, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, broker.Close())
	require.NoError(t, broker.Close(), "second close is a no-op")

	assert.ErrorIs(t, broker.Publish(context.Background(), "user.login", "", nil), ErrClosed)

	_, err = broker.Subscribe(context.Background(), []string{"user.*"}, func(context.Context, Delivery) {})
	assert.ErrorIs(t, err, ErrClosed)
}
