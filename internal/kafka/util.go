package kafka

import (
	"errors"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"hermes/internal/config"
)

func validateConsumerParams(brokers []string, topic, groupID string) error {
	if len(brokers) == 0 {
		return errors.New("at least one broker is required")
	}
	if topic == "" {
		return errors.New("topic is required")
	}
	if groupID == "" {
		return errors.New("consumer group is required")
	}
	return nil
}

// newReaderConfig builds the consumer group reader configuration.
func newReaderConfig(brokers []string, topic, groupID string, cfg config.ConsumerConfig) kafka.ReaderConfig {
	return kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       cfg.MinBytes,
		MaxBytes:       cfg.MaxBytes,
		MaxWait:        cfg.MaxWait,
		CommitInterval: cfg.CommitInterval,
		StartOffset:    startOffset(cfg.StartOffset),
	}
}

// startOffset maps the configured name to a kafka-go offset constant.
// It only applies when the group has no committed offset.
func startOffset(name string) int64 {
	if name == "last" {
		return kafka.LastOffset
	}
	return kafka.FirstOffset
}

// getCompression returns the kafka compression codec
func getCompression(name string) compress.Compression {
	switch name {
	case "gzip":
		return compress.Gzip
	case "snappy":
		return compress.Snappy
	case "lz4":
		return compress.Lz4
	case "zstd":
		return compress.Zstd
	default:
		return compress.None // no compression
	}
}
