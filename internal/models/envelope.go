package models

import (
	"time"

	"github.com/google/uuid"
)

// Envelope wraps an emitted alert with its serialized form and processing metadata
type Envelope struct {
	// The alert and its wire bytes; Payload is what goes on the output topic
	Alert   AlertEvent `json:"alert"`
	Payload []byte     `json:"-"`

	// Internal processing metadata
	AlertID      string    `json:"alert_id"`
	EmittedAt    time.Time `json:"emitted_at"`
	ObservedAt   time.Time `json:"observed_at"`
	PartitionKey string    `json:"partition_key"`
	RetryCount   int       `json:"retry_count"`

	// Where the triggering telemetry came from
	Source Record `json:"-"`
}

// NewEnvelope creates a new envelope around a serialized alert.
// ObservedAt is the telemetry timestamp when present, otherwise the emit time.
func NewEnvelope(alert AlertEvent, payload []byte, event TelemetryEvent, source Record) *Envelope {
	now := time.Now().UTC()
	observed := now
	if event.HasTimestamp() {
		observed = time.Unix(event.Timestamp, 0).UTC()
	}
	return &Envelope{
		Alert:        alert,
		AlertID:      uuid.NewString(),
		Payload:      payload,
		EmittedAt:    now,
		ObservedAt:   observed,
		PartitionKey: alert.DeviceID, // partition by device for per-device ordering
		Source:       source,
	}
}

// WithAlertID overrides the generated alert identifier
func (e *Envelope) WithAlertID(id string) *Envelope {
	e.AlertID = id
	return e
}
