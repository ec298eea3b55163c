package ingest

import (
	"context"
	"time"

	kafka "github.com/segmentio/kafka-go"
)

// Source is the subset of *kafka.Reader the Worker depends on, narrowed
// for testability.
type Source interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ReaderConfig configures the underlying Kafka reader.
type ReaderConfig struct {
	Brokers       []string
	Topic         string
	ConsumerGroup string
}

// NewSource opens a kafka-go Reader configured for manual offset commits,
// one partition worth of in-order delivery per pageId (the topic itself is
// expected to be keyed by page_id so a single consumer group member sees
// every event for a given page in order).
func NewSource(cfg ReaderConfig) Source {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.ConsumerGroup,
		StartOffset: kafka.FirstOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     1 * time.Second, // matches the original consumer's poll timeout
	})
}
