package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"hermes/internal/config"
	"hermes/internal/logger"
	"hermes/internal/metrics"
	"hermes/internal/models"
)

// Producer errors
var (
	ErrProducerClosed = errors.New("producer is closed")
	ErrEmptyPayload   = errors.New("envelope has no payload")
)

// Producer publishes serialized alerts to the output topic through a pool of writers.
type Producer struct {
	cfg     config.ProducerConfig
	topic   string
	writers []*kafka.Writer
	pool    chan *kafka.Writer
	closed  atomic.Bool

	// Metrics
	messagesSent   atomic.Uint64
	messagesFailed atomic.Uint64
	bytesWritten   atomic.Uint64
}

// NewProducer creates a new Kafka producer with the given configuration
func NewProducer(brokers []string, topic string, cfg config.ProducerConfig) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}

	if topic == "" {
		return nil, errors.New("topic is required")
	}

	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}

	p := &Producer{
		cfg:     cfg,
		topic:   topic,
		writers: make([]*kafka.Writer, cfg.PoolSize),
		pool:    make(chan *kafka.Writer, cfg.PoolSize),
	}

	compression := getCompression(cfg.Compression)

	for i := 0; i < cfg.PoolSize; i++ {
		p.writers[i] = &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{}, // partition by device id
			BatchSize:    cfg.BatchSize,
			BatchTimeout: cfg.BatchTimeout,
			WriteTimeout: cfg.WriteTimeout,
			RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
			Compression:  compression,
			MaxAttempts:  cfg.MaxRetries + 1,
			Async:        false, // Sync for reliability
		}
	}

	for _, w := range p.writers {
		p.pool <- w
	}

	return p, nil
}

// toMessage builds the outbound kafka message. The value is the alert record
// exactly as serialized by the stage; metadata travels in headers.
func toMessage(env *models.Envelope) kafka.Message {
	headers := []kafka.Header{
		{Key: "alert_id", Value: []byte(env.AlertID)},
		{Key: "alert_type", Value: []byte(env.Alert.AlertType)},
	}
	if env.Source.FromBroker() {
		headers = append(headers,
			kafka.Header{Key: "source_topic", Value: []byte(env.Source.Topic)},
			kafka.Header{Key: "source_partition", Value: []byte(strconv.Itoa(env.Source.Partition))},
			kafka.Header{Key: "source_offset", Value: []byte(strconv.FormatInt(env.Source.Offset, 10))},
		)
	}

	return kafka.Message{
		Key:     []byte(env.PartitionKey),
		Value:   env.Payload,
		Headers: headers,
		Time:    env.ObservedAt,
	}
}

// Publish sends a single alert to Kafka
func (p *Producer) Publish(ctx context.Context, env *models.Envelope) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}
	if len(env.Payload) == 0 {
		p.messagesFailed.Add(1)
		return ErrEmptyPayload
	}

	msg := toMessage(env)

	writer, release, err := p.acquire(ctx)
	if err != nil {
		p.messagesFailed.Add(1)
		return err
	}
	defer release()

	if err := p.publishWithRetry(ctx, writer, msg); err != nil {
		p.messagesFailed.Add(1)
		metrics.KafkaPublishTotal.WithLabelValues("failed").Inc()
		return err
	}

	p.messagesSent.Add(1)
	p.bytesWritten.Add(uint64(len(msg.Value)))
	metrics.KafkaPublishTotal.WithLabelValues("success").Inc()
	metrics.KafkaBytesWritten.Add(float64(len(msg.Value)))
	return nil
}

// PublishBatch sends multiple alerts to Kafka in a single write
func (p *Producer) PublishBatch(ctx context.Context, envelopes []*models.Envelope) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}

	if len(envelopes) == 0 {
		return nil
	}

	log := logger.WithComponent("kafka_producer")
	start := time.Now()

	messages := make([]kafka.Message, 0, len(envelopes))
	for _, env := range envelopes {
		if len(env.Payload) == 0 {
			log.Error().
				Str("alert_id", env.AlertID).
				Str("device_id", env.Alert.DeviceID).
				Msg("skipping envelope without payload")
			p.messagesFailed.Add(1)
			metrics.KafkaPublishTotal.WithLabelValues("failed").Inc()
			continue
		}
		messages = append(messages, toMessage(env))
	}

	if len(messages) == 0 {
		return nil
	}

	writer, release, err := p.acquire(ctx)
	if err != nil {
		p.messagesFailed.Add(uint64(len(messages)))
		return err
	}
	defer release()

	err = p.publishWithRetry(ctx, writer, messages...)
	duration := time.Since(start)

	metrics.KafkaPublishDuration.Observe(duration.Seconds())

	if err != nil {
		log.Error().
			Err(err).
			Int("batch_size", len(messages)).
			Dur("duration", duration).
			Msg("failed to publish alert batch to kafka")
		p.messagesFailed.Add(uint64(len(messages)))
		metrics.KafkaPublishTotal.WithLabelValues("failed").Add(float64(len(messages)))
		return err
	}

	log.Debug().
		Int("batch_size", len(messages)).
		Dur("duration", duration).
		Msg("alert batch published to kafka")

	p.messagesSent.Add(uint64(len(messages)))
	metrics.KafkaPublishTotal.WithLabelValues("success").Add(float64(len(messages)))

	bytesTotal := uint64(0)
	for _, msg := range messages {
		bytesTotal += uint64(len(msg.Value))
	}
	p.bytesWritten.Add(bytesTotal)
	metrics.KafkaBytesWritten.Add(float64(bytesTotal))

	return nil
}

// acquire takes a writer from the pool; release returns it.
func (p *Producer) acquire(ctx context.Context) (*kafka.Writer, func(), error) {
	select {
	case writer := <-p.pool:
		return writer, func() { p.pool <- writer }, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

// publishWithRetry writes messages with exponential backoff retry
func (p *Producer) publishWithRetry(ctx context.Context, writer *kafka.Writer, messages ...kafka.Message) error {
	log := logger.WithComponent("kafka_producer")
	var lastErr error
	backoff := p.cfg.RetryBackoff
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}

	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			log.Warn().
				Int("attempt", attempt).
				Int("batch_size", len(messages)).
				Dur("backoff", backoff).
				Msg("retrying kafka publish")

			metrics.KafkaPublishRetries.Inc()

			select {
			case <-time.After(backoff):
				backoff *= 2 // Exponential backoff
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := writer.WriteMessages(ctx, messages...)
		if err == nil {
			return nil
		}

		lastErr = err
		log.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Int("batch_size", len(messages)).
			Msg("kafka publish attempt failed")

		// Check for non-retryable errors
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
	}

	log.Error().
		Err(lastErr).
		Int("max_retries", p.cfg.MaxRetries+1).
		Int("batch_size", len(messages)).
		Msg("kafka publish failed after all retries")

	return fmt.Errorf("failed after %d attempts: %w", p.cfg.MaxRetries+1, lastErr)
}

// Close closes all writers in the pool
func (p *Producer) Close() error {
	if p.closed.Swap(true) {
		return nil // Already closed
	}

	var errs []error
	for _, writer := range p.writers {
		if err := writer.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing writers: %w", errors.Join(errs...))
	}
	return nil
}

// Stats returns producer statistics
func (p *Producer) Stats() ProducerStats {
	return ProducerStats{
		MessagesSent:   p.messagesSent.Load(),
		MessagesFailed: p.messagesFailed.Load(),
		BytesWritten:   p.bytesWritten.Load(),
	}
}

// ProducerStats holds producer metrics
type ProducerStats struct {
	MessagesSent   uint64 `json:"messages_sent"`
	MessagesFailed uint64 `json:"messages_failed"`
	BytesWritten   uint64 `json:"bytes_written"`
}

// HealthCheck verifies a writer is available
func (p *Producer) HealthCheck(ctx context.Context) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}

	_, release, err := p.acquire(ctx)
	if err != nil {
		return err
	}
	release()
	return nil
}
