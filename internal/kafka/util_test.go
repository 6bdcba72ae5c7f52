package kafka

import (
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hermes/internal/config"
	"hermes/internal/models"
)

func TestGetCompression(t *testing.T) {
	tests := map[string]compress.Compression{
		"gzip":   compress.Gzip,
		"snappy": compress.Snappy,
		"lz4":    compress.Lz4,
		"zstd":   compress.Zstd,
		"none":   compress.None,
		"":       compress.None,
		"bogus":  compress.None,
	}
	for name, want := range tests {
		assert.Equal(t, want, getCompression(name), "codec %q", name)
	}
}

func TestStartOffset(t *testing.T) {
	assert.Equal(t, kafka.LastOffset, startOffset("last"))
	assert.Equal(t, kafka.FirstOffset, startOffset("first"))
	assert.Equal(t, kafka.FirstOffset, startOffset(""))
}

func TestNewReaderConfig(t *testing.T) {
	cfg := config.ConsumerConfig{
		MinBytes:       1,
		MaxBytes:       1024,
		MaxWait:        250 * time.Millisecond,
		CommitInterval: 2 * time.Second,
		StartOffset:    "last",
	}

	rc := newReaderConfig([]string{"b1:9092", "b2:9092"}, "telemetry", "detectors", cfg)

	assert.Equal(t, []string{"b1:9092", "b2:9092"}, rc.Brokers)
	assert.Equal(t, "telemetry", rc.Topic)
	assert.Equal(t, "detectors", rc.GroupID)
	assert.Equal(t, 1024, rc.MaxBytes)
	assert.Equal(t, 250*time.Millisecond, rc.MaxWait)
	assert.Equal(t, 2*time.Second, rc.CommitInterval)
	assert.Equal(t, kafka.LastOffset, rc.StartOffset)
	require.NoError(t, rc.Validate())
}

func TestValidateConsumerParams(t *testing.T) {
	tests := []struct {
		name    string
		brokers []string
		topic   string
		group   string
		wantErr bool
	}{
		{"valid", []string{"localhost:9092"}, "telemetry", "g", false},
		{"no brokers", nil, "telemetry", "g", true},
		{"no topic", []string{"localhost:9092"}, "", "g", true},
		{"no group", []string{"localhost:9092"}, "telemetry", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateConsumerParams(tt.brokers, tt.topic, tt.group)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func headerMap(msg kafka.Message) map[string]string {
	out := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		out[h.Key] = string(h.Value)
	}
	return out
}

func TestToMessage_FromBroker(t *testing.T) {
	alert := models.AlertEvent{AlertType: models.AlertTypeHighHeartRate, DeviceID: "dev-7", Value: 130}
	event := models.TelemetryEvent{DeviceID: "dev-7", HeartRate: 130, Timestamp: 1700000000}
	source := models.Record{Topic: "telemetry", Partition: 3, Offset: 42}
	payload := []byte(`{"alertType":"HIGH_HEART_RATE","deviceId":"dev-7","value":130}`)

	env := models.NewEnvelope(alert, payload, event, source).WithAlertID("alert-1")
	msg := toMessage(env)

	assert.Equal(t, []byte("dev-7"), msg.Key)
	assert.Equal(t, payload, msg.Value)
	assert.Equal(t, env.ObservedAt, msg.Time)

	h := headerMap(msg)
	assert.Equal(t, "alert-1", h["alert_id"])
	assert.Equal(t, "HIGH_HEART_RATE", h["alert_type"])
	assert.Equal(t, "telemetry", h["source_topic"])
	assert.Equal(t, "3", h["source_partition"])
	assert.Equal(t, "42", h["source_offset"])
}

func TestToMessage_RawRecordHasNoSourceHeaders(t *testing.T) {
	alert := models.AlertEvent{AlertType: models.AlertTypeHighHeartRate, DeviceID: "d", Value: 101}
	event := models.TelemetryEvent{DeviceID: "d", HeartRate: 101}
	env := models.NewEnvelope(alert, []byte(`{}`), event, models.RawRecord([]byte(`{}`)))

	h := headerMap(toMessage(env))
	assert.Len(t, h, 2)
	assert.NotContains(t, h, "source_topic")
	assert.NotEmpty(t, h["alert_id"])
}
