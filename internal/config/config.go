package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// maxBackfill matches the largest page the notification store serves.
const maxBackfill = 200

type Config struct {
	Environment    string
	Port           string
	InstanceID     string
	DatabaseURL    string
	DBMaxConns     int
	MigrationsPath string
	RedisURL       string
	AllowedOrigins []string
	RateLimitRPS   float64
	RateLimitBurst int

	// Kafka / event bus
	KafkaBrokers           string
	KafkaConsumerGroup     string
	KafkaTopicPartitions   int
	KafkaReplicationFactor int
	DeadLetterTopic        string

	// Consumer
	ConsumerBindings    []string
	ConsumerWorkers     int
	ConsumerQueueSize   int
	ConsumerMaxAttempts int
	ConsumerRetryBase   time.Duration
	ConsumerRetryMax    time.Duration
	ProcessedMarkerTTL  time.Duration
	PresenceTTL         time.Duration

	// WebSocket gateway
	BackfillMax      int
	HandshakeTimeout time.Duration
}

// Load reads the configuration from environment variables, applying defaults
// for every key so the service starts with an in-memory broker and store. A
// .env file in the working directory is loaded first if present; variables
// already set in the environment win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("PORT", "8080")
	v.SetDefault("INSTANCE_ID", "")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("MIGRATIONS_PATH", "migrations")
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("ALLOWED_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)

	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("KAFKA_CONSUMER_GROUP", "relay-notifications")
	v.SetDefault("KAFKA_TOPIC_PARTITIONS", 6)
	v.SetDefault("KAFKA_REPLICATION_FACTOR", 1)
	v.SetDefault("DEAD_LETTER_TOPIC", "relay.dead-letter")

	v.SetDefault("CONSUMER_BINDINGS", "user.*,gig.#,clan.#,credit.*")
	v.SetDefault("CONSUMER_WORKERS", 8)
	v.SetDefault("CONSUMER_QUEUE_SIZE", 64)
	v.SetDefault("CONSUMER_MAX_ATTEMPTS", 5)
	v.SetDefault("CONSUMER_RETRY_BASE", "1s")
	v.SetDefault("CONSUMER_RETRY_MAX", "30s")
	v.SetDefault("PROCESSED_MARKER_TTL", "24h")
	v.SetDefault("PRESENCE_TTL", "2m")

	v.SetDefault("BACKFILL_MAX", 100)
	v.SetDefault("HANDSHAKE_TIMEOUT", "5s")

	cfg := &Config{
		Environment:    v.GetString("ENVIRONMENT"),
		Port:           v.GetString("PORT"),
		InstanceID:     v.GetString("INSTANCE_ID"),
		DatabaseURL:    v.GetString("DATABASE_URL"),
		DBMaxConns:     v.GetInt("DB_MAX_CONNS"),
		MigrationsPath: v.GetString("MIGRATIONS_PATH"),
		RedisURL:       v.GetString("REDIS_URL"),
		AllowedOrigins: splitList(v.GetString("ALLOWED_ORIGINS")),
		RateLimitRPS:   v.GetFloat64("RATE_LIMIT_RPS"),
		RateLimitBurst: v.GetInt("RATE_LIMIT_BURST"),

		KafkaBrokers:           v.GetString("KAFKA_BROKERS"),
		KafkaConsumerGroup:     v.GetString("KAFKA_CONSUMER_GROUP"),
		KafkaTopicPartitions:   v.GetInt("KAFKA_TOPIC_PARTITIONS"),
		KafkaReplicationFactor: v.GetInt("KAFKA_REPLICATION_FACTOR"),
		DeadLetterTopic:        v.GetString("DEAD_LETTER_TOPIC"),

		ConsumerBindings:    splitList(v.GetString("CONSUMER_BINDINGS")),
		ConsumerWorkers:     v.GetInt("CONSUMER_WORKERS"),
		ConsumerQueueSize:   v.GetInt("CONSUMER_QUEUE_SIZE"),
		ConsumerMaxAttempts: v.GetInt("CONSUMER_MAX_ATTEMPTS"),
		ConsumerRetryBase:   v.GetDuration("CONSUMER_RETRY_BASE"),
		ConsumerRetryMax:    v.GetDuration("CONSUMER_RETRY_MAX"),
		ProcessedMarkerTTL:  v.GetDuration("PROCESSED_MARKER_TTL"),
		PresenceTTL:         v.GetDuration("PRESENCE_TTL"),

		BackfillMax:      v.GetInt("BACKFILL_MAX"),
		HandshakeTimeout: v.GetDuration("HANDSHAKE_TIMEOUT"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// KafkaBrokerList returns the comma-separated KAFKA_BROKERS value as a slice.
func (c *Config) KafkaBrokerList() []string {
	return splitList(c.KafkaBrokers)
}

func (c *Config) validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT must not be empty")
	}
	if len(c.ConsumerBindings) == 0 {
		return fmt.Errorf("CONSUMER_BINDINGS must list at least one pattern")
	}
	if c.ConsumerWorkers <= 0 {
		return fmt.Errorf("CONSUMER_WORKERS must be positive, got %d", c.ConsumerWorkers)
	}
	if c.ConsumerQueueSize <= 0 {
		return fmt.Errorf("CONSUMER_QUEUE_SIZE must be positive, got %d", c.ConsumerQueueSize)
	}
	if c.ConsumerMaxAttempts <= 0 {
		return fmt.Errorf("CONSUMER_MAX_ATTEMPTS must be positive, got %d", c.ConsumerMaxAttempts)
	}
	if c.ConsumerRetryBase <= 0 || c.ConsumerRetryMax < c.ConsumerRetryBase {
		return fmt.Errorf("CONSUMER_RETRY_BASE must be positive and not above CONSUMER_RETRY_MAX, got %s / %s", c.ConsumerRetryBase, c.ConsumerRetryMax)
	}
	if c.PresenceTTL < time.Second {
		return fmt.Errorf("PRESENCE_TTL must be at least 1s, got %s", c.PresenceTTL)
	}
	if c.DBMaxConns <= 0 {
		return fmt.Errorf("DB_MAX_CONNS must be positive, got %d", c.DBMaxConns)
	}
	if c.BackfillMax <= 0 || c.BackfillMax > maxBackfill {
		return fmt.Errorf("BACKFILL_MAX must be between 1 and %d, got %d", maxBackfill, c.BackfillMax)
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("HANDSHAKE_TIMEOUT must be positive")
	}
	if c.DeadLetterTopic == "" {
		return fmt.Errorf("DEAD_LETTER_TOPIC must not be empty")
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
