package watcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/promptkit-io/activator/internal/config"
)

// KafkaConfig holds connection settings for the bucket notification topic.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// LoadKafkaConfig loads notification queue settings from the environment.
func LoadKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Brokers: config.ParseCommaSeparatedList(config.GetEnvStr("KAFKA_BROKERS", "localhost:9092")),
		Topic:   config.GetEnvStr("KAFKA_NOTIFICATION_TOPIC", "bucket-notifications"),
		GroupID: config.GetEnvStr("KAFKA_CONSUMER_GROUP", "activator"),
	}
}

// KafkaConsumer adapts a Kafka reader to the Consumer interface. Bucket
// notifications arrive as S3-style event JSON; each Kafka message may carry
// several object records.
type KafkaConsumer struct {
	reader  *kafka.Reader
	pending []kafka.Message
}

// NewKafkaConsumer opens a reader on the notification topic. The group id
// makes redeliveries resume where the last consumer left off.
func NewKafkaConsumer(cfg KafkaConfig) *KafkaConsumer {
	return &KafkaConsumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			Topic:    cfg.Topic,
			GroupID:  cfg.GroupID,
			MinBytes: 1,
			MaxBytes: 10 << 20,
		}),
	}
}

// bucketEvent is the subset of the S3 notification payload we need.
type bucketEvent struct {
	Records []struct {
		S3 struct {
			Object struct {
				Key string `json:"key"`
			} `json:"object"`
		} `json:"s3"`
	} `json:"Records"`
}

// Next fetches one Kafka message, blocking up to wait, and unpacks its
// object records.
func (c *KafkaConsumer) Next(ctx context.Context, wait time.Duration) ([]Notification, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	msg, err := c.reader.FetchMessage(fetchCtx)

	switch {
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		// The wait elapsed quietly.
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("failed to fetch bucket notification: %w", err)
	}

	c.pending = append(c.pending, msg)

	var event bucketEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return nil, fmt.Errorf("failed to decode bucket notification: %w", err)
	}

	notifications := make([]Notification, 0, len(event.Records))
	for _, rec := range event.Records {
		notifications = append(notifications, Notification{Key: rec.S3.Object.Key})
	}

	return notifications, nil
}

// Ack commits every fetched message's offset.
func (c *KafkaConsumer) Ack(ctx context.Context) error {
	if len(c.pending) == 0 {
		return nil
	}

	if err := c.reader.CommitMessages(ctx, c.pending...); err != nil {
		return fmt.Errorf("failed to commit bucket notifications: %w", err)
	}

	c.pending = c.pending[:0]

	return nil
}

// Close shuts the reader down.
func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}
