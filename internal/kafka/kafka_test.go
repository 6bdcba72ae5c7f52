package kafka_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hermes/internal/config"
	"hermes/internal/kafka"
	"hermes/internal/models"
)

// skipIfNoKafka skips the test if Kafka is not available
func skipIfNoKafka(t *testing.T) {
	if os.Getenv("KAFKA_TEST") != "1" {
		t.Skip("Skipping Kafka integration test. Set KAFKA_TEST=1 to run.")
	}
}

func testEnvelope(deviceID string, value int64) *models.Envelope {
	alert := models.AlertEvent{AlertType: models.AlertTypeHighHeartRate, DeviceID: deviceID, Value: value}
	event := models.TelemetryEvent{DeviceID: deviceID, HeartRate: value}
	payload := []byte(fmt.Sprintf(`{"alertType":"HIGH_HEART_RATE","deviceId":%q,"value":%d}`, deviceID, value))
	return models.NewEnvelope(alert, payload, event, models.RawRecord(nil))
}

func TestNewProducer_Validation(t *testing.T) {
	cfg := config.Default().Kafka.Producer

	_, err := kafka.NewProducer(nil, "alerts", cfg)
	assert.Error(t, err)

	_, err = kafka.NewProducer([]string{"localhost:9092"}, "", cfg)
	assert.Error(t, err)
}

func TestNewConsumer_Validation(t *testing.T) {
	cfg := config.Default().Kafka.Consumer

	_, err := kafka.NewConsumer([]string{"localhost:9092"}, "telemetry", "", cfg)
	assert.Error(t, err)
}

func TestProducer_Closed(t *testing.T) {
	cfg := config.Default().Kafka.Producer
	producer, err := kafka.NewProducer([]string{"localhost:9092"}, "alerts", cfg)
	require.NoError(t, err)

	require.NoError(t, producer.Close())
	require.NoError(t, producer.Close(), "second close is a no-op")

	err = producer.Publish(context.Background(), testEnvelope("d", 120))
	assert.ErrorIs(t, err, kafka.ErrProducerClosed)

	err = producer.PublishBatch(context.Background(), []*models.Envelope{testEnvelope("d", 120)})
	assert.ErrorIs(t, err, kafka.ErrProducerClosed)

	assert.ErrorIs(t, producer.HealthCheck(context.Background()), kafka.ErrProducerClosed)
}

func TestProducer_EmptyPayloadRejected(t *testing.T) {
	cfg := config.Default().Kafka.Producer
	producer, err := kafka.NewProducer([]string{"localhost:9092"}, "alerts", cfg)
	require.NoError(t, err)
	defer producer.Close()

	env := testEnvelope("d", 120)
	env.Payload = nil

	err = producer.Publish(context.Background(), env)
	assert.True(t, errors.Is(err, kafka.ErrEmptyPayload))
	assert.Equal(t, uint64(1), producer.Stats().MessagesFailed)

	// a batch of only empty payloads writes nothing
	require.NoError(t, producer.PublishBatch(context.Background(), []*models.Envelope{env}))
	assert.Equal(t, uint64(0), producer.Stats().MessagesSent)
}

func TestProducer_HealthCheck(t *testing.T) {
	cfg := config.Default().Kafka.Producer
	cfg.PoolSize = 1
	producer, err := kafka.NewProducer([]string{"localhost:9092"}, "alerts", cfg)
	require.NoError(t, err)
	defer producer.Close()

	assert.NoError(t, producer.HealthCheck(context.Background()))
	// the writer is released after the check
	assert.NoError(t, producer.HealthCheck(context.Background()))
}

func TestConsumer_Closed(t *testing.T) {
	cfg := config.Default().Kafka.Consumer
	consumer, err := kafka.NewConsumer([]string{"localhost:9092"}, "telemetry", "g", cfg)
	require.NoError(t, err)

	require.NoError(t, consumer.Close())

	_, err = consumer.ReadRecord(context.Background())
	assert.ErrorIs(t, err, kafka.ErrConsumerClosed)
}

func TestProducerPublish(t *testing.T) {
	skipIfNoKafka(t)

	cfg := config.Default()
	producer, err := kafka.NewProducer(cfg.Kafka.Brokers, "hermes-test-alerts", cfg.Kafka.Producer)
	require.NoError(t, err)
	defer producer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, producer.Publish(ctx, testEnvelope("dev-1", 140)))
	assert.Equal(t, uint64(1), producer.Stats().MessagesSent)
}

func TestProducerPublishBatch(t *testing.T) {
	skipIfNoKafka(t)

	cfg := config.Default()
	producer, err := kafka.NewProducer(cfg.Kafka.Brokers, "hermes-test-alerts", cfg.Kafka.Producer)
	require.NoError(t, err)
	defer producer.Close()

	envelopes := make([]*models.Envelope, 10)
	for i := range envelopes {
		envelopes[i] = testEnvelope(fmt.Sprintf("dev-%d", i), int64(101+i))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, producer.PublishBatch(ctx, envelopes))
	assert.Equal(t, uint64(10), producer.Stats().MessagesSent)
}

func TestProduceThenConsume(t *testing.T) {
	skipIfNoKafka(t)

	cfg := config.Default()
	topic := fmt.Sprintf("hermes-test-%d", time.Now().UnixNano())

	producer, err := kafka.NewProducer(cfg.Kafka.Brokers, topic, cfg.Kafka.Producer)
	require.NoError(t, err)
	defer producer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	env := testEnvelope("dev-42", 150)
	require.NoError(t, producer.Publish(ctx, env))

	consumer, err := kafka.NewConsumer(cfg.Kafka.Brokers, topic, topic+"-group", cfg.Kafka.Consumer)
	require.NoError(t, err)
	defer consumer.Close()

	rec, err := consumer.ReadRecord(ctx)
	require.NoError(t, err)
	assert.Equal(t, topic, rec.Topic)
	assert.Equal(t, env.Payload, rec.Value)
	assert.Equal(t, []byte("dev-42"), rec.Key)
	assert.True(t, rec.FromBroker())
	assert.Equal(t, uint64(1), consumer.Stats().RecordsRead)
}
