package bus

import (
	"go.uber.org/zap"

	"github.com/darkden-lab/relay/internal/config"
)

// NewBroker creates a Broker based on the application configuration.
// If KAFKA_BROKERS is set, it returns a KafkaBroker; otherwise it falls back
// to an InMemoryBroker suitable for single-node deployments.
func NewBroker(cfg *config.Config, knownRoutingKeys []string, log *zap.Logger) (Broker, error) {
	if brokers := cfg.KafkaBrokerList(); len(brokers) > 0 {
		log.Info("using KafkaBroker",
			zap.Strings("brokers", brokers),
			zap.String("group", cfg.KafkaConsumerGroup))
		return NewKafkaBroker(KafkaConfig{
			Brokers:           brokers,
			ConsumerGroup:     cfg.KafkaConsumerGroup,
			DeadLetterTopic:   cfg.DeadLetterTopic,
			KnownRoutingKeys:  knownRoutingKeys,
			Partitions:        cfg.KafkaTopicPartitions,
			ReplicationFactor: cfg.KafkaReplicationFactor,
		}, log)
	}

	log.Info("using InMemoryBroker (KAFKA_BROKERS not set)")
	return NewInMemoryBroker(cfg.DeadLetterTopic, log), nil
}
