package storage

import (
	"context"
	"time"

	"hermes/internal/models"
)

// AlertRecord is one persisted alert row.
type AlertRecord struct {
	AlertID   string    `json:"alert_id"`
	Timestamp time.Time `json:"timestamp"`
	DeviceID  string    `json:"deviceId"`
	HeartRate int64     `json:"heartRate"`
}

// Reading is one persisted telemetry measurement.
type Reading struct {
	Timestamp time.Time `json:"timestamp"`
	DeviceID  string    `json:"deviceId"`
	HeartRate int64     `json:"heartRate"`
}

// NewReading converts a decoded event. Events without a timestamp are
// stamped with now.
func NewReading(event models.TelemetryEvent, now time.Time) Reading {
	ts := now.UTC()
	if event.HasTimestamp() {
		ts = time.Unix(event.Timestamp, 0).UTC()
	}
	return Reading{
		Timestamp: ts,
		DeviceID:  event.DeviceID,
		HeartRate: event.HeartRate,
	}
}

// AlertStore persists emitted alerts and serves their history.
type AlertStore interface {
	PersistAlert(ctx context.Context, env *models.Envelope) error
	History(ctx context.Context, deviceID string, limit int) ([]AlertRecord, error)
	Close() error
}

// ReadingStore persists every decoded reading and serves per-device history.
type ReadingStore interface {
	PersistReading(ctx context.Context, reading Reading) error
	Readings(ctx context.Context, deviceID string, limit int) ([]Reading, error)
}

// Store is the full history backend.
type Store interface {
	AlertStore
	ReadingStore
}
