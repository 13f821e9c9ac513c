package config

import (
	"time"

	"github.com/minicommerce/orders/internal/shared/env"
	"github.com/minicommerce/orders/internal/shared/events"
)

type Config struct {
	AppEnv      string
	HTTPAddr    string
	MetricsAddr string

	DatabaseURL    string
	MigrateOnStart bool

	KafkaBrokers []string
	KafkaGroupID string

	OutboxBatchSize         int
	OutboxPollInterval      time.Duration
	OutboxProcessingTimeout time.Duration
	OutboxMaxAttempts       int
	OutboxInitialBackoff    time.Duration

	ConsumerTopics       []string
	ConsumerMaxRetries   int
	ConsumerRetryBackoff time.Duration

	PublishTimeout time.Duration
}

func Load() Config {
	loadDotEnv(".env")

	return Config{
		AppEnv:      env.String("APP_ENV", "dev"),
		HTTPAddr:    env.String("HTTP_ADDR", ":8080"),
		MetricsAddr: env.String("METRICS_ADDR", ":9091"),

		DatabaseURL:    env.String("DATABASE_URL", ""),
		MigrateOnStart: env.Bool("MIGRATE_ON_START", true),

		KafkaBrokers: env.StringsCSV("KAFKA_BROKERS", []string{"localhost:9092"}),
		KafkaGroupID: env.String("KAFKA_GROUP_ID", "order-consumer"),

		OutboxBatchSize:         env.Int("OUTBOX_BATCH_SIZE", 50),
		OutboxPollInterval:      env.Duration("OUTBOX_POLL_INTERVAL", time.Second),
		OutboxProcessingTimeout: env.Duration("OUTBOX_PROCESSING_TIMEOUT", 30*time.Second),
		OutboxMaxAttempts:       env.Int("OUTBOX_MAX_ATTEMPTS", 8),
		OutboxInitialBackoff:    env.Duration("OUTBOX_INITIAL_BACKOFF", 500*time.Millisecond),

		ConsumerTopics:       env.StringsCSV("CONSUMER_TOPICS", []string{events.TopicPayment, events.TopicShipment}),
		ConsumerMaxRetries:   env.Int("CONSUMER_MAX_RETRIES", 3),
		ConsumerRetryBackoff: env.Duration("CONSUMER_RETRY_BACKOFF", 100*time.Millisecond),

		PublishTimeout: env.Duration("PUBLISH_TIMEOUT", 5*time.Second),
	}
}
