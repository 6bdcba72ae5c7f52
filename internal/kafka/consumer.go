package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/segmentio/kafka-go"

	"hermes/internal/config"
	"hermes/internal/logger"
	"hermes/internal/metrics"
	"hermes/internal/models"
)

// Consumer errors
var (
	ErrConsumerClosed = errors.New("consumer is closed")
)

// Consumer reads telemetry records from the input topic as part of a consumer group.
// Offsets are committed by the reader every CommitInterval.
type Consumer struct {
	reader *kafka.Reader
	topic  string
	group  string
	closed atomic.Bool

	// Metrics
	recordsRead atomic.Uint64
	readErrors  atomic.Uint64
}

// NewConsumer creates a consumer group reader for topic.
func NewConsumer(brokers []string, topic, groupID string, cfg config.ConsumerConfig) (*Consumer, error) {
	if err := validateConsumerParams(brokers, topic, groupID); err != nil {
		return nil, err
	}

	log := logger.WithComponent("kafka_consumer")

	reader := kafka.NewReader(newReaderConfig(brokers, topic, groupID, cfg))

	log.Info().
		Strs("brokers", brokers).
		Str("topic", topic).
		Str("group_id", groupID).
		Int("min_bytes", cfg.MinBytes).
		Int("max_bytes", cfg.MaxBytes).
		Dur("max_wait", cfg.MaxWait).
		Dur("commit_interval", cfg.CommitInterval).
		Str("start_offset", cfg.StartOffset).
		Msg("kafka consumer initialized")

	return &Consumer{
		reader: reader,
		topic:  topic,
		group:  groupID,
	}, nil
}

// ReadRecord blocks for the next message and returns it as a Record.
// The value is handed over uninterpreted.
func (c *Consumer) ReadRecord(ctx context.Context) (models.Record, error) {
	if c.closed.Load() {
		return models.Record{}, ErrConsumerClosed
	}

	msg, err := c.reader.ReadMessage(ctx)
	if err != nil {
		if ctx.Err() == nil {
			c.readErrors.Add(1)
			metrics.ConsumerErrorsTotal.Inc()
		}
		return models.Record{}, fmt.Errorf("read message from %s: %w", c.topic, err)
	}

	c.recordsRead.Add(1)
	metrics.RecordsConsumedTotal.Inc()

	return models.Record{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       msg.Key,
		Value:     msg.Value,
		Time:      msg.Time,
	}, nil
}

// Close leaves the consumer group and closes the reader.
func (c *Consumer) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	log := logger.WithComponent("kafka_consumer")
	if err := c.reader.Close(); err != nil {
		log.Error().Err(err).Str("topic", c.topic).Msg("error closing kafka consumer")
		return err
	}
	log.Info().Str("topic", c.topic).Str("group_id", c.group).Msg("kafka consumer closed")
	return nil
}

// Stats returns consumer statistics
func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		RecordsRead: c.recordsRead.Load(),
		ReadErrors:  c.readErrors.Load(),
		Lag:         c.reader.Stats().Lag,
	}
}

// ConsumerStats holds consumer metrics
type ConsumerStats struct {
	RecordsRead uint64 `json:"records_read"`
	ReadErrors  uint64 `json:"read_errors"`
	Lag         int64  `json:"lag"`
}
